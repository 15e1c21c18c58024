// Package enrich calls an external language-model provider to attach
// a natural-language explanation to each deduplicated finding. The
// pipeline treats every failure here as non-fatal: a scan completes
// with absent explanations rather than failing.
package enrich

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/user/scanpipe/pkg/model"
)

//go:embed prompt.md
var promptTemplate string

// Summary is what a provider sees about one deduplicated group: the
// representative plus the shape of what was merged, never the raw
// analyzer output.
type Summary struct {
	Title          string
	RuleID         string
	Scanner        string
	Severity       model.Severity
	Description    string
	FilePath       string
	CVE            string
	CWE            []string
	DuplicateCount int
	AffectedFiles  []string
}

// Provider generates an explanation for one group summary.
type Provider interface {
	// Explain returns a short natural-language explanation, or an
	// error the caller is expected to swallow.
	Explain(ctx context.Context, s Summary) (string, error)

	// Name identifies the provider for logging.
	Name() string
}

// NewProvider builds a provider by name. An empty name selects the
// no-op provider, which leaves explanations absent.
func NewProvider(ctx context.Context, name, apiKey, modelName string) (Provider, error) {
	switch name {
	case "", "none":
		return Noop{}, nil
	case "gemini":
		return NewGemini(ctx, apiKey, modelName)
	case "openai":
		return NewOpenAI(apiKey, modelName), nil
	case "anthropic":
		return NewAnthropic(apiKey, modelName), nil
	default:
		return nil, fmt.Errorf("unknown enrichment provider: %s", name)
	}
}

// Noop never produces explanations. Used when no provider is
// configured and in tests.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Explain(context.Context, Summary) (string, error) {
	return "", nil
}

// Prompt renders the provider-independent prompt for a summary.
func Prompt(s Summary) string {
	var b strings.Builder
	b.WriteString(promptTemplate)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Title: %s\n", s.Title)
	fmt.Fprintf(&b, "Rule: %s (reported by %s)\n", s.RuleID, s.Scanner)
	fmt.Fprintf(&b, "Severity: %s\n", s.Severity)
	if s.CVE != "" {
		fmt.Fprintf(&b, "CVE: %s\n", s.CVE)
	}
	if len(s.CWE) > 0 {
		fmt.Fprintf(&b, "CWE: %s\n", strings.Join(s.CWE, ", "))
	}
	if s.FilePath != "" {
		fmt.Fprintf(&b, "Location: %s\n", s.FilePath)
	}
	if s.DuplicateCount > 1 {
		fmt.Fprintf(&b, "Merged reports: %d\n", s.DuplicateCount)
	}
	if len(s.AffectedFiles) > 0 {
		fmt.Fprintf(&b, "Affected files: %s\n", strings.Join(s.AffectedFiles, ", "))
	}
	if s.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", s.Description)
	}
	return b.String()
}

// SummaryFor builds a Summary from a deduplicated representative.
func SummaryFor(v *model.Vulnerability) Summary {
	s := Summary{
		Title:       v.Title,
		RuleID:      v.RuleID,
		Scanner:     v.Scanner,
		Severity:    v.Severity,
		Description: v.Description,
		FilePath:    v.FilePath,
		CVE:         v.CVE,
		CWE:         v.CWE,
	}
	if c, ok := v.Metadata["duplicate_count"].(int); ok {
		s.DuplicateCount = c
	}
	if files, ok := v.Metadata["affected_files"].([]string); ok {
		s.AffectedFiles = files
	}
	return s
}
