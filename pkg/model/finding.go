package model

// FindingType classifies which analyzer class produced a finding.
type FindingType string

const (
	TypeStaticAnalysis FindingType = "static-analysis"
	TypeSecret         FindingType = "secret"
	TypeDependency     FindingType = "dependency"
	TypeInfrastructure FindingType = "infrastructure"
	TypeContainer      FindingType = "container"
)

// RawFinding is an analyzer-native record as emitted by one scanner
// adapter, before normalization. Fields an analyzer does not report
// stay at their zero value; validation of the shape happens at the
// adapter boundary, so a RawFinding is always tagged with the scanner
// that produced it.
//
// RawFindings are ephemeral: they exist only in the handoff between an
// adapter and the normalizer within a single scan.
type RawFinding struct {
	Scanner     string      // analyzer id, e.g. "semgrep"
	Type        FindingType // analyzer class
	RuleID      string
	Title       string
	Description string

	// Severity signal in the analyzer's own vocabulary. One of the
	// two may be set; CVSS takes precedence when > 0.
	SeverityRaw string
	CVSS        float64

	FilePath string
	Line     int // 1-based, 0 = not reported

	CWE []string
	CVE string

	// Dependency findings.
	PackageName    string
	PackageVersion string

	// Secret findings.
	SecretType string

	Snippet string
}

// Vulnerability is the canonical, analyzer-independent finding shape.
// Produced exactly once per surviving RawFinding; immutable afterwards
// except for metadata enrichment performed by the deduplication engine
// on a group's representative.
type Vulnerability struct {
	Type        FindingType    `json:"type"`
	Scanner     string         `json:"scanner"`
	RuleID      string         `json:"rule_id"`
	Severity    Severity       `json:"severity"`
	Confidence  float64        `json:"confidence"` // 0–1
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	FilePath    string         `json:"file_path,omitempty"`
	LineStart   int            `json:"line_start,omitempty"` // 0 = no location
	CWE         []string       `json:"cwe,omitempty"`
	CVE         string         `json:"cve,omitempty"`
	CodeSnippet string         `json:"code_snippet,omitempty"`
	Explanation string         `json:"explanation,omitempty"` // filled by enrichment, may stay empty
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Meta returns the string value stored under key, or "" when the key
// is absent or holds a non-string value.
func (v *Vulnerability) Meta(key string) string {
	if v.Metadata == nil {
		return ""
	}
	s, _ := v.Metadata[key].(string)
	return s
}

// SetMeta stores a metadata value, allocating the bag on first use.
func (v *Vulnerability) SetMeta(key string, value any) {
	if v.Metadata == nil {
		v.Metadata = make(map[string]any)
	}
	v.Metadata[key] = value
}

// CountBySeverity tallies vulnerabilities per canonical severity.
func CountBySeverity(vulns []Vulnerability) map[Severity]int {
	counts := make(map[Severity]int)
	for _, v := range vulns {
		counts[v.Severity]++
	}
	return counts
}
