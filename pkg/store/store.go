// Package store defines the persistence contract the pipeline writes
// through, plus an in-memory implementation for tests and single-shot
// CLI runs and a postgres implementation for service deployments.
//
// The pipeline only ever calls these methods; schema migrations and
// tenant scoping live with whoever operates the database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/user/scanpipe/pkg/model"
)

// ErrPersistence tags storage write failures. The lifecycle controller
// retries these with backoff and fails the scan when retries are
// exhausted.
var ErrPersistence = errors.New("persistence error")

// ErrNotFound is returned when a scan id is unknown.
var ErrNotFound = errors.New("scan not found")

// StatusFields are the optional scan fields updated together with a
// status transition. Nil pointers leave the stored value untouched.
type StatusFields struct {
	Progress       *int
	Stage          *string
	Error          *string
	SeverityCounts map[model.Severity]int
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Store is the write/read contract the pipeline requires.
type Store interface {
	CreateScan(ctx context.Context, scan *model.Scan) error
	GetScan(ctx context.Context, id string) (*model.Scan, error)

	// UpdateScanStatus persists a status transition plus any fields.
	UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus, fields StatusFields) error

	// AppendLog adds one entry to the scan's append-only log.
	AppendLog(ctx context.Context, id string, entry model.ScanLogEntry) error
	ListLogs(ctx context.Context, id string) ([]model.ScanLogEntry, error)

	// UpsertVulnerabilities replaces the scan's persisted finding set.
	UpsertVulnerabilities(ctx context.Context, id string, vulns []model.Vulnerability) error
	ListVulnerabilities(ctx context.Context, id string) ([]model.Vulnerability, error)
}
