package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/sandbox"
)

const semgrepDefaultTimeout = 10 * time.Minute

// Semgrep runs `semgrep scan` for static analysis findings.
type Semgrep struct {
	Runner sandbox.Runner
	Opts   Options
}

func (s *Semgrep) Name() string { return "semgrep" }
func (s *Semgrep) Type() model.FindingType { return model.TypeStaticAnalysis }

func (s *Semgrep) Scan(ctx context.Context, checkout string) ([]model.RawFinding, error) {
	args := []string{"scan", "--config=auto", "--json", "--quiet"}
	args = append(args, s.Opts.ExtraArgs...)
	args = append(args, checkout)

	res, err := s.Runner.Run(ctx, sandbox.Request{
		Binary:  s.Opts.binary("semgrep"),
		Args:    args,
		Dir:     checkout,
		Timeout: s.Opts.timeout(semgrepDefaultTimeout),
	})
	if err != nil {
		return nil, invocationErr(s.Name(), err)
	}
	// Semgrep exits 1 when findings exist; anything above that is a
	// real failure.
	if res.ExitCode > 1 {
		return nil, invocationErr(s.Name(), fmt.Errorf("exit code %d: %s", res.ExitCode, truncate(res.Stderr)))
	}

	findings, err := ParseSemgrep(res.Stdout)
	if err != nil {
		return nil, invocationErr(s.Name(), err)
	}
	return findings, nil
}

type semgrepReport struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Path    string `json:"path"`
		Start   struct {
			Line int `json:"line"`
		} `json:"start"`
		Extra struct {
			Message  string `json:"message"`
			Severity string `json:"severity"` // INFO | WARNING | ERROR
			Lines    string `json:"lines"`
			Metadata struct {
				CWE any `json:"cwe"` // string | []string | null
			} `json:"metadata"`
		} `json:"extra"`
	} `json:"results"`
}

// ParseSemgrep converts semgrep's native JSON report into raw findings.
func ParseSemgrep(b []byte) ([]model.RawFinding, error) {
	var doc semgrepReport
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse semgrep report: %w", err)
	}

	out := make([]model.RawFinding, 0, len(doc.Results))
	for _, r := range doc.Results {
		out = append(out, model.RawFinding{
			Scanner:     "semgrep",
			Type:        model.TypeStaticAnalysis,
			RuleID:      r.CheckID,
			Description: r.Extra.Message,
			SeverityRaw: r.Extra.Severity,
			FilePath:    r.Path,
			Line:        r.Start.Line,
			CWE:         anyToStrings(r.Extra.Metadata.CWE),
			Snippet:     r.Extra.Lines,
		})
	}
	return out, nil
}

// anyToStrings flattens the string-or-list shapes analyzers use for
// CWE metadata.
func anyToStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return []string{t}
		}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}
