// Package adapters wraps the external analyzers behind one contract:
// given a prepared checkout, run the tool through the sandbox and parse
// its native report into raw findings. Adapters share no mutable
// state; each invocation owns its own subprocess and output buffer.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/scanpipe/pkg/model"
)

// ErrInvocation tags any adapter failure: subprocess failure,
// unparseable output, or timeout. The lifecycle controller treats it
// as recoverable: zero findings plus one error log entry.
var ErrInvocation = errors.New("adapter invocation failed")

// Adapter is one external analyzer.
type Adapter interface {
	// Name is the analyzer id, e.g. "semgrep".
	Name() string

	// Type is the analyzer class this adapter covers.
	Type() model.FindingType

	// Scan invokes the analyzer against checkout and returns its raw
	// findings. An empty slice with nil error is a clean run with
	// nothing found.
	Scan(ctx context.Context, checkout string) ([]model.RawFinding, error)
}

// Options are per-adapter invocation settings, usually sourced from
// the config file.
type Options struct {
	Binary    string        // override the default binary name
	ExtraArgs []string      // appended to the default argument list
	Timeout   time.Duration // per-invocation, zero = adapter default
}

func (o Options) timeout(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return def
}

func (o Options) binary(def string) string {
	if o.Binary != "" {
		return o.Binary
	}
	return def
}

func invocationErr(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvocation, name, err)
}
