package dedupe

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/scanpipe/pkg/model"
)

func testConfig() Config {
	return Config{
		TrustTiers: map[string]int{
			"S1": 5,
			"S2": 3,
			"S3": 4,
		},
		LineBucketWidth: 2,
	}
}

func TestExactMergesNearbyLines(t *testing.T) {
	e := New(testConfig())

	findings := []model.Vulnerability{
		{Scanner: "S1", RuleID: "xss-taint", FilePath: "src/a.go", LineStart: 10, Confidence: 0.8, Severity: model.SeverityHigh},
		{Scanner: "S2", RuleID: "xss-taint", FilePath: "src/a.go", LineStart: 11, Confidence: 0.6, Severity: model.SeverityHigh},
	}

	res, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)

	require.Len(t, res.Unique, 1)
	assert.Equal(t, 1, len(res.Groups))
	assert.Equal(t, 1, res.Removed)

	rep := res.Unique[0]
	assert.Equal(t, "S1", rep.Scanner, "higher trust tier wins")
	assert.Equal(t, 2, DuplicateCount(&rep))
}

func TestExactMergesByCVEAcrossFiles(t *testing.T) {
	e := New(testConfig())

	findings := []model.Vulnerability{
		{Scanner: "S1", RuleID: "ghsa-1", CVE: "CVE-2024-0001", FilePath: "go.sum", Severity: model.SeverityHigh, Confidence: 0.9},
		{Scanner: "S3", RuleID: "cve-2024-0001", CVE: "CVE-2024-0001", FilePath: "images/base", Severity: model.SeverityHigh, Confidence: 0.9},
	}

	res, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)

	require.Len(t, res.Unique, 1)
	assert.Equal(t, "S1", res.Unique[0].Scanner, "trust 5 beats trust 4")
}

func TestExactNeverMergesLocationFindingsAcrossFiles(t *testing.T) {
	e := New(testConfig())

	findings := []model.Vulnerability{
		{Scanner: "S1", RuleID: "sqli", FilePath: "src/a.go", LineStart: 10, Severity: model.SeverityHigh},
		{Scanner: "S1", RuleID: "sqli", FilePath: "src/b.go", LineStart: 10, Severity: model.SeverityHigh},
	}

	res, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)
	assert.Len(t, res.Unique, 2)
	assert.Zero(t, res.Removed)
}

func TestExactMergesDependencyByPackage(t *testing.T) {
	e := New(testConfig())

	mk := func(scanner, file string) model.Vulnerability {
		v := model.Vulnerability{Scanner: scanner, RuleID: "ghsa-xyz", FilePath: file, Severity: model.SeverityMedium}
		v.SetMeta("package_name", "lodash")
		v.SetMeta("package_version", "4.17.20")
		return v
	}
	findings := []model.Vulnerability{mk("S1", "a/package-lock.json"), mk("S2", "b/package-lock.json")}

	res, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)
	assert.Len(t, res.Unique, 1)
}

func TestExactMergesSecretsByType(t *testing.T) {
	e := New(testConfig())

	mk := func(line int) model.Vulnerability {
		v := model.Vulnerability{
			Scanner: "S1", Type: model.TypeSecret, RuleID: "aws-access-key",
			FilePath: "config/prod.env", LineStart: line, Severity: model.SeverityCritical,
		}
		v.SetMeta("secret_type", "aws-access-key")
		return v
	}

	res, err := e.Deduplicate([]model.Vulnerability{mk(4), mk(5)}, ModeExact)
	require.NoError(t, err)
	assert.Len(t, res.Unique, 1)
}

func TestSummaryCollapsesByRuleAndSeverity(t *testing.T) {
	e := New(testConfig())

	var findings []model.Vulnerability
	for i := 0; i < 10; i++ {
		findings = append(findings, model.Vulnerability{
			Scanner:  "S1",
			RuleID:   "hardcoded-password",
			Severity: model.SeverityHigh,
			FilePath: fmt.Sprintf("src/file%02d.go", i),
		})
	}

	res, err := e.Deduplicate(findings, ModeSummary)
	require.NoError(t, err)

	require.Len(t, res.Unique, 1)
	rep := res.Unique[0]

	files, ok := rep.Metadata["affected_files"].([]string)
	require.True(t, ok)
	assert.Len(t, files, 10)

	dist, ok := rep.Metadata["severity_distribution"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"high": 10}, dist)
}

func TestSummaryNeverMergesDifferentSeverities(t *testing.T) {
	e := New(testConfig())

	findings := []model.Vulnerability{
		{Scanner: "S1", RuleID: "weak-hash", Severity: model.SeverityHigh, FilePath: "a.go"},
		{Scanner: "S1", RuleID: "weak-hash", Severity: model.SeverityMedium, FilePath: "b.go"},
	}

	res, err := e.Deduplicate(findings, ModeSummary)
	require.NoError(t, err)
	assert.Len(t, res.Unique, 2)
}

func TestLengthAndRemovedInvariants(t *testing.T) {
	e := New(testConfig())

	var findings []model.Vulnerability
	for i := 0; i < 40; i++ {
		findings = append(findings, model.Vulnerability{
			Scanner:   fmt.Sprintf("S%d", i%3+1),
			RuleID:    fmt.Sprintf("rule-%d", i%7),
			FilePath:  fmt.Sprintf("src/f%d.go", i%5),
			LineStart: i,
			Severity:  model.SeverityMedium,
		})
	}

	for _, mode := range []Mode{ModeExact, ModeSummary} {
		res, err := e.Deduplicate(findings, mode)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Unique), len(findings))
		assert.Equal(t, len(findings)-len(res.Unique), res.Removed)
		assert.GreaterOrEqual(t, res.Removed, 0)
	}
}

func TestIdempotence(t *testing.T) {
	e := New(testConfig())

	findings := []model.Vulnerability{
		{Scanner: "S1", RuleID: "xss-taint", FilePath: "src/a.go", LineStart: 10, Severity: model.SeverityHigh, Confidence: 0.8},
		{Scanner: "S2", RuleID: "xss-taint", FilePath: "src/a.go", LineStart: 11, Severity: model.SeverityHigh, Confidence: 0.6},
		{Scanner: "S1", RuleID: "sqli", FilePath: "src/b.go", LineStart: 3, Severity: model.SeverityCritical, Confidence: 0.9},
		// Crossing trio: the last finding shares a location key with
		// the middle one and a CVE with the first.
		{Scanner: "S1", RuleID: "weak-rand", FilePath: "src/c.go", LineStart: 9, CVE: "CVE-2024-1111", Severity: model.SeverityHigh},
		{Scanner: "S1", RuleID: "weak-rand", FilePath: "src/d.go", LineStart: 4, Severity: model.SeverityHigh},
		{Scanner: "S3", RuleID: "weak-rand", FilePath: "src/d.go", LineStart: 5, CVE: "CVE-2024-1111", Severity: model.SeverityHigh},
	}

	for _, mode := range []Mode{ModeExact, ModeSummary} {
		first, err := e.Deduplicate(findings, mode)
		require.NoError(t, err)

		second, err := e.Deduplicate(first.Unique, mode)
		require.NoError(t, err)

		assert.Equal(t, first.Unique, second.Unique, "mode %s", mode)
		assert.Zero(t, second.Removed)
		for _, g := range second.Groups {
			assert.Len(t, g.Members, 1)
		}
	}
}

func TestBridgingFindingUnifiesGroups(t *testing.T) {
	e := New(testConfig())

	// No two surviving representatives may share a grouping key: the
	// third finding joins the second group through its location key,
	// and that group must absorb the first via the shared CVE.
	findings := []model.Vulnerability{
		{Scanner: "S1", RuleID: "weak-rand", FilePath: "src/a.go", LineStart: 9, CVE: "CVE-2024-1111", Severity: model.SeverityHigh},
		{Scanner: "S1", RuleID: "weak-rand", FilePath: "src/b.go", LineStart: 4, Severity: model.SeverityHigh},
		{Scanner: "S3", RuleID: "weak-rand", FilePath: "src/b.go", LineStart: 5, CVE: "CVE-2024-1111", Severity: model.SeverityHigh},
	}

	res, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)
	require.Len(t, res.Unique, 1)
	assert.Equal(t, 3, DuplicateCount(&res.Unique[0]))

	again, err := e.Deduplicate(res.Unique, ModeExact)
	require.NoError(t, err)
	assert.Equal(t, res.Unique, again.Unique)
	assert.Zero(t, again.Removed)
}

func TestRepresentativeIsOrderIndependent(t *testing.T) {
	e := New(testConfig())

	findings := []model.Vulnerability{
		{Scanner: "S2", RuleID: "xss-taint", FilePath: "src/a.go", LineStart: 11, Severity: model.SeverityHigh, Confidence: 0.6, Description: "short"},
		{Scanner: "S1", RuleID: "xss-taint", FilePath: "src/a.go", LineStart: 10, Severity: model.SeverityHigh, Confidence: 0.8, Description: "a longer description"},
		{Scanner: "S3", RuleID: "xss-taint", FilePath: "src/a.go", LineStart: 11, Severity: model.SeverityHigh, Confidence: 0.7},
	}

	base, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)
	require.Len(t, base.Unique, 1)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]model.Vulnerability, len(findings))
		copy(shuffled, findings)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		res, err := e.Deduplicate(shuffled, ModeExact)
		require.NoError(t, err)
		require.Len(t, res.Unique, 1)
		assert.Equal(t, base.Unique[0].Scanner, res.Unique[0].Scanner)
		assert.Equal(t, base.Unique[0].LineStart, res.Unique[0].LineStart)
	}
}

func TestRepresentativeTiebreaks(t *testing.T) {
	e := New(Config{TrustTiers: map[string]int{"S1": 1, "S2": 1}, LineBucketWidth: 2})

	tests := []struct {
		name string
		a, b model.Vulnerability
		want string // scanner of expected winner; both differ only in the probed field
	}{
		{
			name: "confidence",
			a:    model.Vulnerability{Scanner: "S1", RuleID: "r", FilePath: "f", Confidence: 0.9},
			b:    model.Vulnerability{Scanner: "S2", RuleID: "r", FilePath: "f", Confidence: 0.5},
			want: "S1",
		},
		{
			name: "severity",
			a:    model.Vulnerability{Scanner: "S1", RuleID: "r", FilePath: "f", Severity: model.SeverityLow},
			b:    model.Vulnerability{Scanner: "S2", RuleID: "r", FilePath: "f", Severity: model.SeverityCritical},
			want: "S2",
		},
		{
			name: "richness",
			a:    model.Vulnerability{Scanner: "S1", RuleID: "r", FilePath: "f", CVE: "CVE-1", CodeSnippet: "x"},
			b:    model.Vulnerability{Scanner: "S2", RuleID: "r", FilePath: "f"},
			want: "S1",
		},
		{
			name: "description length",
			a:    model.Vulnerability{Scanner: "S1", RuleID: "r", FilePath: "f", Description: "x"},
			b:    model.Vulnerability{Scanner: "S2", RuleID: "r", FilePath: "f", Description: "much longer text"},
			want: "S2",
		},
		{
			name: "input order",
			a:    model.Vulnerability{Scanner: "S1", RuleID: "r", FilePath: "f"},
			b:    model.Vulnerability{Scanner: "S2", RuleID: "r", FilePath: "f"},
			want: "S1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Deduplicate([]model.Vulnerability{tt.a, tt.b}, ModeExact)
			require.NoError(t, err)
			require.Len(t, res.Unique, 1)
			assert.Equal(t, tt.want, res.Unique[0].Scanner)
		})
	}
}

func TestAnnotationDoesNotMutateInput(t *testing.T) {
	e := New(testConfig())

	v := model.Vulnerability{Scanner: "S1", RuleID: "r", FilePath: "f", LineStart: 2}
	v.SetMeta("package_name", "left-pad")
	findings := []model.Vulnerability{v, {Scanner: "S2", RuleID: "r", FilePath: "f", LineStart: 3}}

	_, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)
	_, tainted := findings[0].Metadata["duplicate_count"]
	assert.False(t, tainted, "input metadata must stay untouched")
}

func TestUnknownModeFails(t *testing.T) {
	e := New(testConfig())
	_, err := e.Deduplicate(nil, Mode("fuzzy"))
	require.ErrorIs(t, err, ErrDedup)
}

func TestFindingsWithoutKeysStandAlone(t *testing.T) {
	e := New(testConfig())

	findings := []model.Vulnerability{
		{Scanner: "S1", Severity: model.SeverityInfo},
		{Scanner: "S1", Severity: model.SeverityInfo},
	}
	res, err := e.Deduplicate(findings, ModeExact)
	require.NoError(t, err)
	assert.Len(t, res.Unique, 2)
}
