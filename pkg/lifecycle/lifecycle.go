// Package lifecycle drives a scan from pending to a terminal status:
// fan out the scanner adapters under a bounded concurrency limit, join
// every adapter result, then run normalization, deduplication, and
// best-effort enrichment before persisting the final set.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/user/scanpipe/pkg/adapters"
	"github.com/user/scanpipe/pkg/dedupe"
	"github.com/user/scanpipe/pkg/enrich"
	"github.com/user/scanpipe/pkg/metrics"
	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/normalize"
	"github.com/user/scanpipe/pkg/retry"
	"github.com/user/scanpipe/pkg/store"
)

// CheckoutProvider supplies a filesystem path holding the repository
// already materialized at the requested commit. The controller never
// clones anything itself.
type CheckoutProvider interface {
	Path(ctx context.Context, repository, commit string) (string, error)
}

// DirCheckout serves a local directory as the checkout, for CLI runs
// against an existing working copy.
type DirCheckout struct {
	Dir string
}

func (d DirCheckout) Path(context.Context, string, string) (string, error) {
	if d.Dir == "" {
		return "", errors.New("checkout: empty directory")
	}
	return d.Dir, nil
}

// Config tunes one controller.
type Config struct {
	// Concurrency bounds how many adapters run at once. Zero means 3.
	Concurrency int
	// Mode selects the deduplication strategy.
	Mode dedupe.Mode
	// MaxDropRate fails the scan when normalization drops more than
	// this fraction of raw findings. Zero disables the check.
	MaxDropRate float64
	// Retry governs persistence writes.
	Retry retry.Config
}

func (c Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 3
}

// Controller runs scans. It is safe for concurrent use: all per-scan
// state lives on the stack of Run.
type Controller struct {
	adapters   []adapters.Adapter
	normalizer *normalize.Normalizer
	engine     *dedupe.Engine
	store      store.Store
	checkout   CheckoutProvider
	enricher   enrich.Provider
	metrics    *metrics.Metrics
	cfg        Config
	logger     *slog.Logger
}

// New wires a controller. enricher may be nil to skip explanations;
// m may be nil to skip metrics.
func New(adapterList []adapters.Adapter, n *normalize.Normalizer, e *dedupe.Engine, s store.Store, cp CheckoutProvider, enricher enrich.Provider, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if enricher == nil {
		enricher = enrich.Noop{}
	}
	return &Controller{
		adapters:   adapterList,
		normalizer: n,
		engine:     e,
		store:      s,
		checkout:   cp,
		enricher:   enricher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
	}
}

// NewScan builds a pending scan record and persists it.
func (c *Controller) NewScan(ctx context.Context, repository, branch, commit string) (*model.Scan, error) {
	scan := &model.Scan{
		ID:         uuid.NewString(),
		Repository: repository,
		Branch:     branch,
		Commit:     commit,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateScan(ctx, scan); err != nil {
		return nil, err
	}
	return scan, nil
}

// run-scoped progress tracker. Progress never decreases, whatever
// order stage boundaries and adapter completions land in.
type tracker struct {
	mu       sync.Mutex
	progress int
}

func (t *tracker) bump(p int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p <= t.progress {
		return t.progress, false
	}
	t.progress = p
	return p, true
}

type adapterResult struct {
	name     string
	findings []model.RawFinding
	err      error
}

// Run drives scan to a terminal status. The returned error is non-nil
// only for failed scans; cancellation and empty result sets are normal
// completions of their respective terminal states.
func (c *Controller) Run(ctx context.Context, scan *model.Scan) error {
	log := c.logger.With("scan", scan.ID)

	checkoutPath, err := c.checkout.Path(ctx, scan.Repository, scan.Commit)
	if err != nil {
		return c.fail(ctx, scan, fmt.Sprintf("checkout unavailable: %v", err))
	}

	started := time.Now().UTC()
	if err := c.transition(ctx, scan, model.StatusRunning, store.StatusFields{
		Progress:  ptr(5),
		Stage:     ptr("launching analyzers"),
		StartedAt: &started,
	}); err != nil {
		if ctx.Err() != nil {
			return c.cancel(ctx, scan)
		}
		return c.fail(ctx, scan, fmt.Sprintf("cannot start scan: %v", err))
	}
	c.metrics.IncStarted()

	tr := &tracker{progress: 5}
	results := make([]adapterResult, len(c.adapters))
	var completed int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.concurrency())
	for i, a := range c.adapters {
		i, a := i, a
		g.Go(func() error {
			findings, err := a.Scan(gctx, checkoutPath)
			mu.Lock()
			defer mu.Unlock()
			results[i] = adapterResult{name: a.Name(), findings: findings, err: err}

			completed++
			// Adapters account for the 5–60% band.
			p, _ := tr.bump(5 + completed*55/len(c.adapters))
			c.setProgress(ctx, scan, p, a.Name())

			if err != nil {
				c.metrics.IncAdapterFailure(a.Name())
				c.appendLog(ctx, scan.ID, model.LogError, fmt.Sprintf("analyzer %s failed: %v", a.Name(), err))
			} else {
				c.appendLog(ctx, scan.ID, model.LogInfo, fmt.Sprintf("analyzer %s finished with %d findings", a.Name(), len(findings)))
			}
			// Adapter failures never fail the scan; results are
			// joined, not raced.
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return c.cancel(ctx, scan)
	}

	var raw []model.RawFinding
	for _, r := range results {
		if r.err == nil {
			raw = append(raw, r.findings...)
		}
	}

	if err := c.transition(ctx, scan, model.StatusNormalizing, store.StatusFields{
		Progress: bump(tr, 70),
		Stage:    ptr("normalizing findings"),
	}); err != nil {
		if ctx.Err() != nil {
			return c.cancel(ctx, scan)
		}
		return c.fail(ctx, scan, fmt.Sprintf("status update failed: %v", err))
	}

	norm := c.normalizer.Normalize(raw)
	for _, e := range norm.Logs {
		c.appendEntry(ctx, scan.ID, e)
	}
	c.metrics.AddNormalized(len(norm.Vulnerabilities))
	c.metrics.AddDropped(norm.Dropped)
	if c.cfg.MaxDropRate > 0 && norm.DropRate() > c.cfg.MaxDropRate {
		return c.fail(ctx, scan, fmt.Sprintf("normalization drop rate %.2f exceeds limit %.2f", norm.DropRate(), c.cfg.MaxDropRate))
	}

	mode := c.cfg.Mode
	if mode == "" {
		mode = dedupe.ModeExact
	}
	dres, err := c.engine.Deduplicate(norm.Vulnerabilities, mode)
	if err != nil {
		// Fatal by design: findings are not silently discarded, the
		// error and partial state go to the scan log.
		c.appendLog(ctx, scan.ID, model.LogError, fmt.Sprintf("deduplication failed with %d findings pending: %v", len(norm.Vulnerabilities), err))
		return c.fail(ctx, scan, fmt.Sprintf("deduplication failed: %v", err))
	}
	c.metrics.AddDuplicatesRemoved(dres.Removed)
	c.appendLog(ctx, scan.ID, model.LogInfo, fmt.Sprintf("deduplication kept %d of %d findings", len(dres.Unique), len(norm.Vulnerabilities)))

	if ctx.Err() != nil {
		return c.cancel(ctx, scan)
	}

	if err := c.transition(ctx, scan, model.StatusEnriching, store.StatusFields{
		Progress: bump(tr, 90),
		Stage:    ptr("enriching findings"),
	}); err != nil {
		if ctx.Err() != nil {
			return c.cancel(ctx, scan)
		}
		return c.fail(ctx, scan, fmt.Sprintf("status update failed: %v", err))
	}
	c.enrichAll(ctx, scan, dres.Unique, log)

	counts := model.CountBySeverity(dres.Unique)
	persist := func() error {
		return c.store.UpsertVulnerabilities(ctx, scan.ID, dres.Unique)
	}
	if err := retry.Do(ctx, c.cfg.Retry, persist); err != nil {
		if ctx.Err() != nil {
			return c.cancel(ctx, scan)
		}
		return c.fail(ctx, scan, fmt.Sprintf("persisting vulnerabilities: %v", err))
	}

	finished := time.Now().UTC()
	if err := c.transition(ctx, scan, model.StatusCompleted, store.StatusFields{
		Progress:       bump(tr, 100),
		Stage:          ptr("completed"),
		SeverityCounts: counts,
		CompletedAt:    &finished,
	}); err != nil {
		if ctx.Err() != nil {
			return c.cancel(ctx, scan)
		}
		return c.fail(ctx, scan, fmt.Sprintf("status update failed: %v", err))
	}
	c.metrics.IncCompleted()
	log.Info("scan completed", "unique", len(dres.Unique), "removed", dres.Removed)
	return nil
}

// enrichAll attaches explanations to the surviving representatives.
// Every failure degrades to an absent explanation and a warn entry;
// it never changes the scan's outcome.
func (c *Controller) enrichAll(ctx context.Context, scan *model.Scan, vulns []model.Vulnerability, log *slog.Logger) {
	var failures int
	for i := range vulns {
		text, err := c.enricher.Explain(ctx, enrich.SummaryFor(&vulns[i]))
		if err != nil {
			failures++
			continue
		}
		vulns[i].Explanation = text
	}
	if failures > 0 {
		log.Warn("enrichment degraded", "failures", failures, "provider", c.enricher.Name())
		c.appendLog(ctx, scan.ID, model.LogWarn, fmt.Sprintf("enrichment failed for %d of %d findings", failures, len(vulns)))
	}
}

// transition validates the state machine before writing the status.
func (c *Controller) transition(ctx context.Context, scan *model.Scan, next model.ScanStatus, fields store.StatusFields) error {
	if !scan.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", scan.Status, next)
	}
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		return c.store.UpdateScanStatus(ctx, scan.ID, next, fields)
	})
	if err != nil {
		return err
	}
	scan.Status = next
	if fields.Progress != nil {
		scan.ProgressPercentage = *fields.Progress
	}
	if fields.Stage != nil {
		scan.ProgressStage = *fields.Stage
	}
	return nil
}

func (c *Controller) fail(ctx context.Context, scan *model.Scan, reason string) error {
	c.metrics.IncFailed()
	c.logger.Error("scan failed", "scan", scan.ID, "reason", reason)
	// Failure must be recordable even when the run context is gone.
	_ = c.store.UpdateScanStatus(context.WithoutCancel(ctx), scan.ID, model.StatusFailed, store.StatusFields{
		Error: &reason,
		Stage: ptr("failed"),
	})
	scan.Status = model.StatusFailed
	scan.Error = reason
	return errors.New(reason)
}

func (c *Controller) cancel(ctx context.Context, scan *model.Scan) error {
	c.metrics.IncCancelled()
	c.logger.Info("scan cancelled", "scan", scan.ID)
	// Partial results are discarded: nothing was persisted yet.
	_ = c.store.UpdateScanStatus(context.WithoutCancel(ctx), scan.ID, model.StatusCancelled, store.StatusFields{
		Stage: ptr("cancelled"),
	})
	scan.Status = model.StatusCancelled
	return nil
}

func (c *Controller) setProgress(ctx context.Context, scan *model.Scan, p int, stage string) {
	_ = c.store.UpdateScanStatus(ctx, scan.ID, scan.Status, store.StatusFields{
		Progress: &p,
		Stage:    &stage,
	})
}

func (c *Controller) appendLog(ctx context.Context, scanID string, level model.LogLevel, msg string) {
	c.appendEntry(ctx, scanID, model.ScanLogEntry{
		Level:     level,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Controller) appendEntry(ctx context.Context, scanID string, e model.ScanLogEntry) {
	if err := c.store.AppendLog(context.WithoutCancel(ctx), scanID, e); err != nil {
		c.logger.Error("appending scan log", "scan", scanID, "err", err)
	}
}

func ptr[T any](v T) *T { return &v }

func bump(t *tracker, p int) *int {
	v, _ := t.bump(p)
	return &v
}
