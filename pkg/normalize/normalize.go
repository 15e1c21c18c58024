// Package normalize converts analyzer-native raw findings into the
// canonical vulnerability shape: a fixed severity scale, normalized
// file paths usable as grouping keys, and a deterministic title for
// analyzers that report none.
package normalize

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/scanpipe/pkg/model"
)

// defaultConfidence is used when an analyzer has no entry in the
// per-scanner table.
const defaultConfidence = 0.5

// scannerConfidence reflects how often each analyzer's findings hold
// up under review. Secrets and known-CVE matches are near-certain;
// pattern-based static analysis less so.
var scannerConfidence = map[string]float64{
	"gitleaks":    0.9,
	"osv-scanner": 0.95,
	"trivy":       0.9,
	"kics":        0.7,
	"semgrep":     0.8,
}

// Normalizer maps raw findings onto canonical vulnerabilities. It is
// stateless and safe for use across scans.
type Normalizer struct {
	logger *slog.Logger
}

// New returns a Normalizer logging through l, or slog.Default() when
// l is nil.
func New(l *slog.Logger) *Normalizer {
	if l == nil {
		l = slog.Default()
	}
	return &Normalizer{logger: l}
}

// Result is the outcome of one normalization pass.
type Result struct {
	Vulnerabilities []model.Vulnerability
	Dropped         int
	// Logs holds one error-level entry per dropped finding, in input
	// order, for the scan's append-only log.
	Logs []model.ScanLogEntry
}

// DropRate returns the fraction of input findings that could not be
// normalized.
func (r Result) DropRate() float64 {
	total := len(r.Vulnerabilities) + r.Dropped
	if total == 0 {
		return 0
	}
	return float64(r.Dropped) / float64(total)
}

// Normalize maps every raw finding to exactly one vulnerability, or
// drops it when neither a rule identifier nor a severity signal is
// present. len(result.Vulnerabilities) <= len(findings) always holds.
func (n *Normalizer) Normalize(findings []model.RawFinding) Result {
	var res Result
	res.Vulnerabilities = make([]model.Vulnerability, 0, len(findings))

	for i, raw := range findings {
		v, err := n.one(raw)
		if err != nil {
			res.Dropped++
			msg := fmt.Sprintf("normalization dropped finding %d from %s: %v", i, raw.Scanner, err)
			n.logger.Error("finding dropped", "scanner", raw.Scanner, "index", i, "err", err)
			res.Logs = append(res.Logs, model.ScanLogEntry{
				Level:     model.LogError,
				Message:   msg,
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		res.Vulnerabilities = append(res.Vulnerabilities, v)
	}
	return res
}

func (n *Normalizer) one(raw model.RawFinding) (model.Vulnerability, error) {
	if raw.RuleID == "" && raw.SeverityRaw == "" && raw.CVSS == 0 {
		return model.Vulnerability{}, fmt.Errorf("no rule identifier and no severity signal")
	}

	v := model.Vulnerability{
		Type:        raw.Type,
		Scanner:     raw.Scanner,
		RuleID:      NormalizeRuleID(raw.RuleID),
		Severity:    severityOf(raw),
		Confidence:  confidenceOf(raw.Scanner),
		Title:       strings.TrimSpace(raw.Title),
		Description: strings.TrimSpace(raw.Description),
		FilePath:    NormalizePath(raw.FilePath),
		LineStart:   raw.Line,
		CWE:         raw.CWE,
		CVE:         raw.CVE,
		CodeSnippet: raw.Snippet,
	}

	if v.Title == "" {
		v.Title = TitleFromRuleID(raw.RuleID)
	}
	if v.Title == "" {
		v.Title = fmt.Sprintf("%s finding", raw.Scanner)
	}

	if raw.PackageName != "" {
		v.SetMeta("package_name", raw.PackageName)
		v.SetMeta("package_version", raw.PackageVersion)
	}
	if raw.SecretType != "" {
		v.SetMeta("secret_type", raw.SecretType)
	}
	return v, nil
}

// severityOf picks the canonical severity: a CVSS score when the
// analyzer reported one, otherwise its native severity word.
func severityOf(raw model.RawFinding) model.Severity {
	if raw.CVSS > 0 {
		return model.SeverityFromCVSS(raw.CVSS)
	}
	return model.ParseSeverity(raw.SeverityRaw)
}

func confidenceOf(scanner string) float64 {
	if c, ok := scannerConfidence[scanner]; ok {
		return c
	}
	return defaultConfidence
}

// NormalizePath canonicalizes a reported file path for use as a
// grouping key component: forward slashes, no leading separators or
// relative prefixes, case-folded.
func NormalizePath(p string) string {
	// Analyzer reports may carry Windows separators regardless of the
	// host platform.
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for {
		switch {
		case strings.HasPrefix(p, "/"):
			p = strings.TrimPrefix(p, "/")
		case strings.HasPrefix(p, "./"):
			p = strings.TrimPrefix(p, "./")
		case strings.HasPrefix(p, "../"):
			p = strings.TrimPrefix(p, "../")
		default:
			return strings.ToLower(p)
		}
	}
}

// NormalizeRuleID lowercases and trims a rule identifier so the same
// rule reported with different casing groups together.
func NormalizeRuleID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// TitleFromRuleID derives a human-readable title from a rule
// identifier: the trailing dot-segment is split on dashes and
// underscores, title-cased, and duplicated adjacent words collapsed.
// "javascript.express.audit.xss-taint" becomes "Xss Taint".
func TitleFromRuleID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	segs := strings.Split(id, ".")
	last := segs[len(segs)-1]

	words := strings.FieldsFunc(last, func(r rune) bool {
		return r == '-' || r == '_'
	})

	var out []string
	for _, w := range words {
		w = titleCase(w)
		if len(out) > 0 && strings.EqualFold(out[len(out)-1], w) {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func titleCase(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
}
