package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/sandbox"
)

const osvDefaultTimeout = 5 * time.Minute

// OSVScanner runs osv-scanner against lockfiles and manifests for
// known-vulnerable dependencies.
type OSVScanner struct {
	Runner sandbox.Runner
	Opts   Options
}

func (o *OSVScanner) Name() string { return "osv-scanner" }
func (o *OSVScanner) Type() model.FindingType { return model.TypeDependency }

func (o *OSVScanner) Scan(ctx context.Context, checkout string) ([]model.RawFinding, error) {
	args := []string{"--format", "json", "--recursive"}
	args = append(args, o.Opts.ExtraArgs...)
	args = append(args, checkout)

	res, err := o.Runner.Run(ctx, sandbox.Request{
		Binary:  o.Opts.binary("osv-scanner"),
		Args:    args,
		Timeout: o.Opts.timeout(osvDefaultTimeout),
	})
	if err != nil {
		return nil, invocationErr(o.Name(), err)
	}
	// osv-scanner exits 1 when vulnerabilities were found.
	if res.ExitCode > 1 {
		return nil, invocationErr(o.Name(), fmt.Errorf("exit code %d: %s", res.ExitCode, truncate(res.Stderr)))
	}

	findings, err := ParseOSV(res.Stdout)
	if err != nil {
		return nil, invocationErr(o.Name(), err)
	}
	return findings, nil
}

type osvReport struct {
	Results []struct {
		Source struct {
			Path string `json:"path"`
		} `json:"source"`
		Packages []struct {
			Package struct {
				Name      string `json:"name"`
				Version   string `json:"version"`
				Ecosystem string `json:"ecosystem"`
			} `json:"package"`
			Vulnerabilities []struct {
				ID               string   `json:"id"`
				Aliases          []string `json:"aliases"`
				Summary          string   `json:"summary"`
				Details          string   `json:"details"`
				DatabaseSpecific struct {
					Severity string `json:"severity"`
				} `json:"database_specific"`
			} `json:"vulnerabilities"`
			Groups []struct {
				IDs         []string `json:"ids"`
				MaxSeverity string   `json:"max_severity"` // CVSS base score as string
			} `json:"groups"`
		} `json:"packages"`
	} `json:"results"`
}

// ParseOSV converts an osv-scanner JSON report into raw findings, one
// per vulnerability per affected package.
func ParseOSV(b []byte) ([]model.RawFinding, error) {
	var doc osvReport
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse osv-scanner report: %w", err)
	}

	var out []model.RawFinding
	for _, r := range doc.Results {
		for _, p := range r.Packages {
			// groups carry the scored severity per advisory cluster.
			scores := make(map[string]float64)
			for _, g := range p.Groups {
				score, err := strconv.ParseFloat(g.MaxSeverity, 64)
				if err != nil {
					continue
				}
				for _, id := range g.IDs {
					scores[id] = score
				}
			}

			for _, v := range p.Vulnerabilities {
				out = append(out, model.RawFinding{
					Scanner:        "osv-scanner",
					Type:           model.TypeDependency,
					RuleID:         v.ID,
					Title:          v.Summary,
					Description:    v.Details,
					SeverityRaw:    v.DatabaseSpecific.Severity,
					CVSS:           scores[v.ID],
					FilePath:       r.Source.Path,
					CVE:            cveAlias(v.ID, v.Aliases),
					PackageName:    p.Package.Name,
					PackageVersion: p.Package.Version,
				})
			}
		}
	}
	return out, nil
}

// cveAlias prefers the CVE identifier among an advisory's ids.
func cveAlias(id string, aliases []string) string {
	if len(id) >= 4 && id[:4] == "CVE-" {
		return id
	}
	for _, a := range aliases {
		if len(a) >= 4 && a[:4] == "CVE-" {
			return a
		}
	}
	return ""
}
