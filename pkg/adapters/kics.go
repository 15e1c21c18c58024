package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/sandbox"
)

const kicsDefaultTimeout = 10 * time.Minute

// KICS runs Checkmarx KICS against infrastructure-as-code files.
type KICS struct {
	Runner sandbox.Runner
	Opts   Options
}

func (k *KICS) Name() string { return "kics" }
func (k *KICS) Type() model.FindingType { return model.TypeInfrastructure }

func (k *KICS) Scan(ctx context.Context, checkout string) ([]model.RawFinding, error) {
	outDir, err := os.MkdirTemp("", "kics-out-*")
	if err != nil {
		return nil, invocationErr(k.Name(), err)
	}
	defer os.RemoveAll(outDir)

	args := []string{
		"scan", "-p", checkout,
		"--report-formats", "json",
		"--output-path", outDir,
	}
	args = append(args, k.Opts.ExtraArgs...)

	res, err := k.Runner.Run(ctx, sandbox.Request{
		Binary:  k.Opts.binary("kics"),
		Args:    args,
		Timeout: k.Opts.timeout(kicsDefaultTimeout),
	})
	if err != nil {
		return nil, invocationErr(k.Name(), err)
	}
	// KICS encodes found severities in its exit code (50, 40, …);
	// only a missing report means the run actually failed.
	data, err := os.ReadFile(filepath.Join(outDir, "results.json"))
	if err != nil {
		return nil, invocationErr(k.Name(), fmt.Errorf("no report (exit code %d): %s", res.ExitCode, truncate(res.Stderr)))
	}

	findings, err := ParseKICS(data)
	if err != nil {
		return nil, invocationErr(k.Name(), err)
	}
	return findings, nil
}

type kicsReport struct {
	Queries []struct {
		QueryName   string `json:"query_name"`
		QueryID     string `json:"query_id"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
		CWE         string `json:"cwe"`
		Files       []struct {
			FileName string `json:"file_name"`
			Line     int    `json:"line"`
		} `json:"files"`
	} `json:"queries"`
}

// ParseKICS converts a KICS JSON report into raw findings, one per
// query per affected file.
func ParseKICS(b []byte) ([]model.RawFinding, error) {
	var doc kicsReport
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse kics report: %w", err)
	}

	var out []model.RawFinding
	for _, q := range doc.Queries {
		var cwe []string
		if strings.TrimSpace(q.CWE) != "" {
			cwe = []string{"CWE-" + strings.TrimPrefix(q.CWE, "CWE-")}
		}
		for _, f := range q.Files {
			out = append(out, model.RawFinding{
				Scanner:     "kics",
				Type:        model.TypeInfrastructure,
				RuleID:      q.QueryID,
				Title:       q.QueryName,
				Description: q.Description,
				SeverityRaw: q.Severity,
				FilePath:    f.FileName,
				Line:        f.Line,
				CWE:         cwe,
			})
		}
	}
	return out, nil
}
