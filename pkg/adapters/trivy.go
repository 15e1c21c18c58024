package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/scanpipe/pkg/model"
	"github.com/user/scanpipe/pkg/sandbox"
)

const trivyDefaultTimeout = 10 * time.Minute

// Trivy scans container images for OS and base-image vulnerabilities.
// When no image reference is configured it falls back to scanning the
// checkout filesystem, which covers repositories that ship Dockerfiles
// but no published image.
type Trivy struct {
	Runner sandbox.Runner
	Opts   Options

	// ImageRef is the image to scan, e.g. "registry/app:sha". Empty
	// selects the filesystem fallback.
	ImageRef string
}

func (t *Trivy) Name() string { return "trivy" }
func (t *Trivy) Type() model.FindingType { return model.TypeContainer }

func (t *Trivy) Scan(ctx context.Context, checkout string) ([]model.RawFinding, error) {
	var args []string
	target := checkout
	if t.ImageRef != "" {
		target = t.ImageRef
		args = []string{"image", "--format", "json", "--quiet"}
	} else {
		args = []string{"fs", "--scanners", "vuln", "--format", "json", "--quiet"}
	}
	args = append(args, t.Opts.ExtraArgs...)
	args = append(args, target)

	res, err := t.Runner.Run(ctx, sandbox.Request{
		Binary:  t.Opts.binary("trivy"),
		Args:    args,
		Timeout: t.Opts.timeout(trivyDefaultTimeout),
	})
	if err != nil {
		return nil, invocationErr(t.Name(), err)
	}
	if res.ExitCode != 0 {
		return nil, invocationErr(t.Name(), fmt.Errorf("exit code %d: %s", res.ExitCode, truncate(res.Stderr)))
	}

	findings, err := ParseTrivy(res.Stdout)
	if err != nil {
		return nil, invocationErr(t.Name(), err)
	}
	return findings, nil
}

// Subset of trivy's report schema, see
// https://pkg.go.dev/github.com/aquasecurity/trivy/pkg/types
type trivyReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string   `json:"VulnerabilityID"`
			PkgName          string   `json:"PkgName"`
			InstalledVersion string   `json:"InstalledVersion"`
			Title            string   `json:"Title"`
			Description      string   `json:"Description"`
			Severity         string   `json:"Severity"`
			CweIDs           []string `json:"CweIDs"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ParseTrivy converts a trivy JSON report into raw findings.
func ParseTrivy(b []byte) ([]model.RawFinding, error) {
	var doc trivyReport
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse trivy report: %w", err)
	}

	var out []model.RawFinding
	for _, r := range doc.Results {
		for _, v := range r.Vulnerabilities {
			out = append(out, model.RawFinding{
				Scanner:        "trivy",
				Type:           model.TypeContainer,
				RuleID:         v.VulnerabilityID,
				Title:          v.Title,
				Description:    v.Description,
				SeverityRaw:    v.Severity,
				FilePath:       r.Target,
				CVE:            cveAlias(v.VulnerabilityID, nil),
				CWE:            v.CweIDs,
				PackageName:    v.PkgName,
				PackageVersion: v.InstalledVersion,
			})
		}
	}
	return out, nil
}
