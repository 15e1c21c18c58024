package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/sandbox"
)

const gitleaksDefaultTimeout = 5 * time.Minute

// Gitleaks runs `gitleaks detect` for hardcoded secrets.
type Gitleaks struct {
	Runner sandbox.Runner
	Opts   Options
}

func (g *Gitleaks) Name() string { return "gitleaks" }
func (g *Gitleaks) Type() model.FindingType { return model.TypeSecret }

func (g *Gitleaks) Scan(ctx context.Context, checkout string) ([]model.RawFinding, error) {
	// Gitleaks only writes a machine-readable report to a file, so
	// each invocation owns a throwaway report path.
	report, err := os.CreateTemp("", "gitleaks-report-*.json")
	if err != nil {
		return nil, invocationErr(g.Name(), err)
	}
	reportPath := report.Name()
	report.Close()
	defer os.Remove(reportPath)

	args := []string{"detect", "--source", checkout, "--report-path", reportPath, "--no-banner"}
	args = append(args, g.Opts.ExtraArgs...)

	res, err := g.Runner.Run(ctx, sandbox.Request{
		Binary:  g.Opts.binary("gitleaks"),
		Args:    args,
		Timeout: g.Opts.timeout(gitleaksDefaultTimeout),
	})
	if err != nil {
		return nil, invocationErr(g.Name(), err)
	}
	// Exit code 1 means leaks were found; the report still exists.
	if res.ExitCode > 1 {
		return nil, invocationErr(g.Name(), fmt.Errorf("exit code %d: %s", res.ExitCode, truncate(res.Stderr)))
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, invocationErr(g.Name(), err)
	}
	findings, err := ParseGitleaks(data)
	if err != nil {
		return nil, invocationErr(g.Name(), err)
	}
	return findings, nil
}

type gitleaksLeak struct {
	Description string `json:"Description"`
	File        string `json:"File"`
	StartLine   int    `json:"StartLine"`
	RuleID      string `json:"RuleID"`
	Match       string `json:"Match"`
}

// ParseGitleaks converts a gitleaks JSON report into raw findings.
// An empty report body means a clean run.
func ParseGitleaks(b []byte) ([]model.RawFinding, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var leaks []gitleaksLeak
	if err := json.Unmarshal(b, &leaks); err != nil {
		return nil, fmt.Errorf("parse gitleaks report: %w", err)
	}

	out := make([]model.RawFinding, 0, len(leaks))
	for _, l := range leaks {
		out = append(out, model.RawFinding{
			Scanner:     "gitleaks",
			Type:        model.TypeSecret,
			RuleID:      l.RuleID,
			Title:       l.Description,
			Description: l.Description,
			// Leaked credentials are treated as critical regardless
			// of the rule that matched.
			SeverityRaw: "critical",
			FilePath:    l.File,
			Line:        l.StartLine,
			SecretType:  l.RuleID,
			Snippet:     l.Match,
		})
	}
	return out, nil
}
