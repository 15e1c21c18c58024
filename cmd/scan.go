package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/user/scanpipe/pkg/adapters"
	"github.com/user/scanpipe/pkg/config"
	"github.com/user/scanpipe/pkg/dedupe"
	"github.com/user/scanpipe/pkg/enrich"
	"github.com/user/scanpipe/pkg/lifecycle"
	"github.com/user/scanpipe/pkg/metrics"
	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/normalize"
	"github.com/user/scanpipe/pkg/retry"
	"github.com/user/scanpipe/pkg/sandbox"
	"github.com/user/scanpipe/pkg/store"
)

var (
	scanBranch string
	scanCommit string
	scanMode   string
	scanOnly   []string
)

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Run the full analyzer pipeline against a checkout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if scanMode != "" {
			cfg.Mode = scanMode
		}
		return runScan(cmd.Context(), cfg, args[0])
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanBranch, "branch", "", "branch name recorded on the scan")
	scanCmd.Flags().StringVar(&scanCommit, "commit", "", "commit recorded on the scan")
	scanCmd.Flags().StringVar(&scanMode, "mode", "", "deduplication mode: exact or summary")
	scanCmd.Flags().StringSliceVar(&scanOnly, "only", nil, "run only the named analyzers")
	rootCmd.AddCommand(scanCmd)
}

func runScan(ctx context.Context, cfg *config.Config, path string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var st store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		st = pg
	} else {
		st = store.NewMemory()
	}

	enricher, err := enrich.NewProvider(ctx, cfg.Enrichment.Provider, cfg.Enrichment.APIKey(), cfg.Enrichment.Model)
	if err != nil {
		return err
	}

	ctrl := lifecycle.New(
		buildAdapters(cfg),
		normalize.New(nil),
		dedupe.New(cfg.Dedupe),
		st,
		lifecycle.DirCheckout{Dir: path},
		enricher,
		metrics.New(prometheus.NewRegistry()),
		lifecycle.Config{
			Concurrency: cfg.Concurrency,
			Mode:        dedupe.Mode(cfg.Mode),
			MaxDropRate: cfg.MaxDropRate,
			Retry:       retryConfig(cfg),
		},
		nil,
	)

	scan, err := ctrl.NewScan(ctx, path, scanBranch, scanCommit)
	if err != nil {
		return err
	}
	if err := ctrl.Run(ctx, scan); err != nil {
		return err
	}

	vulns, err := st.ListVulnerabilities(ctx, scan.ID)
	if err != nil {
		return err
	}
	writeSummary(os.Stdout, scan, vulns)
	return nil
}

func retryConfig(cfg *config.Config) retry.Config {
	if cfg.Retry.MaxAttempts == 0 {
		return retry.DefaultConfig()
	}
	return cfg.Retry
}

// buildAdapters wires the fixed analyzer set, honouring per-analyzer
// enable flags and overrides from the config file.
func buildAdapters(cfg *config.Config) []adapters.Adapter {
	runner := &sandbox.Local{}
	opts := func(name string) adapters.Options {
		a := cfg.Analyzers[name]
		return adapters.Options{Binary: a.Binary, ExtraArgs: a.ExtraArgs, Timeout: a.Timeout}
	}

	all := []adapters.Adapter{
		&adapters.Semgrep{Runner: runner, Opts: opts("semgrep")},
		&adapters.Gitleaks{Runner: runner, Opts: opts("gitleaks")},
		&adapters.OSVScanner{Runner: runner, Opts: opts("osv-scanner")},
		&adapters.KICS{Runner: runner, Opts: opts("kics")},
		&adapters.Trivy{Runner: runner, Opts: opts("trivy"), ImageRef: cfg.Analyzers["trivy"].Image},
	}

	var out []adapters.Adapter
	for _, a := range all {
		if !cfg.Analyzers[a.Name()].IsEnabled() {
			continue
		}
		if len(scanOnly) > 0 && !contains(scanOnly, a.Name()) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// writeSummary prints a severity-ordered text report for a finished
// scan.
func writeSummary(w io.Writer, scan *model.Scan, vulns []model.Vulnerability) {
	fmt.Fprintf(w, "Scan %s: %s (%d findings)\n", scan.ID, scan.Status, len(vulns))
	fmt.Fprintln(w, "--------------------------------------------------")

	sorted := make([]model.Vulnerability, len(vulns))
	copy(sorted, vulns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})

	for _, v := range sorted {
		fmt.Fprintf(w, "[%s] %s (%s, %s)\n", v.Severity, v.Title, v.Scanner, v.RuleID)
		if v.FilePath != "" {
			if v.LineStart > 0 {
				fmt.Fprintf(w, "  at %s:%d\n", v.FilePath, v.LineStart)
			} else {
				fmt.Fprintf(w, "  at %s\n", v.FilePath)
			}
		}
		if n := dedupe.DuplicateCount(&v); n > 1 {
			fmt.Fprintf(w, "  merged %d duplicate reports\n", n)
		}
		if v.Explanation != "" {
			fmt.Fprintf(w, "  %s\n", v.Explanation)
		}
	}
}
