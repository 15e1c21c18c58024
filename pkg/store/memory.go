package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/scanpipe/pkg/model"
)

// Memory is a thread-safe in-memory Store. Each scan owns an isolated
// record, so concurrent scans never contend beyond the map lock.
type Memory struct {
	mu    sync.RWMutex
	scans map[string]*memScan
}

type memScan struct {
	scan  model.Scan
	logs  []model.ScanLogEntry
	vulns []model.Vulnerability
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{scans: make(map[string]*memScan)}
}

func (m *Memory) CreateScan(_ context.Context, scan *model.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scans[scan.ID]; exists {
		return fmt.Errorf("%w: scan %s already exists", ErrPersistence, scan.ID)
	}
	m.scans[scan.ID] = &memScan{scan: *scan}
	return nil
}

func (m *Memory) GetScan(_ context.Context, id string) (*model.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	scan := rec.scan
	return &scan, nil
}

func (m *Memory) UpdateScanStatus(_ context.Context, id string, status model.ScanStatus, fields StatusFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scans[id]
	if !ok {
		return ErrNotFound
	}
	rec.scan.Status = status
	if fields.Progress != nil {
		rec.scan.ProgressPercentage = *fields.Progress
	}
	if fields.Stage != nil {
		rec.scan.ProgressStage = *fields.Stage
	}
	if fields.Error != nil {
		rec.scan.Error = *fields.Error
	}
	if fields.SeverityCounts != nil {
		rec.scan.SeverityCounts = fields.SeverityCounts
	}
	if fields.StartedAt != nil {
		rec.scan.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		rec.scan.CompletedAt = fields.CompletedAt
	}
	return nil
}

func (m *Memory) AppendLog(_ context.Context, id string, entry model.ScanLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scans[id]
	if !ok {
		return ErrNotFound
	}
	rec.logs = append(rec.logs, entry)
	return nil
}

func (m *Memory) ListLogs(_ context.Context, id string) ([]model.ScanLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.ScanLogEntry, len(rec.logs))
	copy(out, rec.logs)
	return out, nil
}

func (m *Memory) UpsertVulnerabilities(_ context.Context, id string, vulns []model.Vulnerability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scans[id]
	if !ok {
		return ErrNotFound
	}
	rec.vulns = make([]model.Vulnerability, len(vulns))
	copy(rec.vulns, vulns)
	return nil
}

func (m *Memory) ListVulnerabilities(_ context.Context, id string) ([]model.Vulnerability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Vulnerability, len(rec.vulns))
	copy(out, rec.vulns)
	return out, nil
}
