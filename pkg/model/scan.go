package model

import "time"

// ScanStatus is the lifecycle stage of a scan. Transitions are driven
// exclusively by the lifecycle controller and are monotone: once a
// terminal status is reached the scan never changes again.
type ScanStatus string

const (
	StatusPending     ScanStatus = "pending"
	StatusRunning     ScanStatus = "running"
	StatusNormalizing ScanStatus = "normalizing"
	StatusEnriching   ScanStatus = "ai_enriching"
	StatusCompleted   ScanStatus = "completed"
	StatusFailed      ScanStatus = "failed"
	StatusCancelled   ScanStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ScanStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is legal.
// failed and cancelled are reachable from any non-terminal status;
// the forward path is pending -> running -> normalizing -> ai_enriching
// -> completed with no skipping backwards.
func (s ScanStatus) CanTransition(next ScanStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusNormalizing
	case StatusNormalizing:
		return next == StatusEnriching
	case StatusEnriching:
		return next == StatusCompleted
	}
	return false
}

// Scan is one run of the pipeline against a repository checkout.
type Scan struct {
	ID                 string           `json:"id"`
	Repository         string           `json:"repository"`
	Branch             string           `json:"branch,omitempty"`
	Commit             string           `json:"commit,omitempty"`
	Status             ScanStatus       `json:"status"`
	ProgressPercentage int              `json:"progress_percentage"`
	ProgressStage      string           `json:"progress_stage,omitempty"`
	SeverityCounts     map[Severity]int `json:"severity_counts,omitempty"`
	Error              string           `json:"error,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// LogLevel classifies a scan log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ScanLogEntry is one append-only log line attached to a scan.
// Entries are totally ordered by creation time within a scan and are
// never mutated or reordered.
type ScanLogEntry struct {
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
