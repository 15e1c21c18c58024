// Package dedupe collapses redundant vulnerabilities into one
// representative per equivalence group.
//
// Exact mode merges near-identical reports of the same concrete issue
// using several grouping keys tried in fixed priority order. Summary
// mode collapses purely by rule and severity to shrink the set handed
// to the (costly) enrichment collaborator.
package dedupe

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/user/scanpipe/pkg/model"
)

// Mode selects the grouping strategy.
type Mode string

const (
	ModeExact   Mode = "exact"
	ModeSummary Mode = "summary"
)

// ErrDedup tags fatal grouping or selection failures. The lifecycle
// controller fails the scan when it sees one.
var ErrDedup = errors.New("deduplication failed")

// Config is the static configuration handed to the engine at
// construction. Trust tiers deliberately live here rather than in code
// constants so the engine stays pure and testable.
type Config struct {
	// TrustTiers ranks analyzers by reliability; higher wins ties
	// during representative selection. Unlisted analyzers rank 0.
	TrustTiers map[string]int `yaml:"trust_tiers"`

	// LineBucketWidth is the window for the "nearby lines" keys.
	// Lines whose integer-divided bucket matches are considered the
	// same location.
	LineBucketWidth int `yaml:"line_bucket_width"`
}

// DefaultConfig ranks the built-in analyzers and uses a 5-line bucket.
func DefaultConfig() Config {
	return Config{
		TrustTiers: map[string]int{
			"osv-scanner": 5,
			"gitleaks":    5,
			"trivy":       4,
			"semgrep":     3,
			"kics":        2,
		},
		LineBucketWidth: 5,
	}
}

// Engine deduplicates normalized vulnerabilities. It holds no
// per-invocation state and is safe for concurrent scans.
type Engine struct {
	cfg Config
}

// New builds an engine from cfg, falling back to defaults for unset
// fields.
func New(cfg Config) *Engine {
	if cfg.LineBucketWidth <= 0 {
		cfg.LineBucketWidth = DefaultConfig().LineBucketWidth
	}
	if cfg.TrustTiers == nil {
		cfg.TrustTiers = DefaultConfig().TrustTiers
	}
	return &Engine{cfg: cfg}
}

// Group is one equivalence class found during a run. Members keep
// their input order.
type Group struct {
	Key     string
	Members []model.Vulnerability
}

// Result of one deduplication run. len(Unique) <= input size and
// Removed is the difference, always >= 0.
type Result struct {
	Unique  []model.Vulnerability
	Removed int
	Groups  []Group
}

// Deduplicate groups findings according to mode and selects one
// representative per group. The representative's metadata records what
// was merged; singleton groups pass through untouched, which makes the
// operation idempotent.
func (e *Engine) Deduplicate(findings []model.Vulnerability, mode Mode) (Result, error) {
	switch mode {
	case ModeExact:
		return e.run(findings, e.exactKeys, e.annotateExact), nil
	case ModeSummary:
		return e.run(findings, e.summaryKeys, e.annotateSummary), nil
	default:
		return Result{}, fmt.Errorf("%w: unknown mode %q", ErrDedup, mode)
	}
}

// member pairs a vulnerability with its input position for the final
// selection tiebreak.
type member struct {
	vuln  model.Vulnerability
	index int
}

type group struct {
	key     string
	keys    []string
	members []member
}

// run is the shared grouping loop. keysFor yields a finding's
// candidate keys in priority order; the first key already bound to a
// group wins, otherwise the finding seeds a new group under its
// first-priority key. Every candidate key of a finding is then bound
// to its group, so a later finding can join through any of them (this
// is what lets a CVE key match across differing file paths). When a
// finding bridges two groups, one key matching group A while another
// is already bound to group B, B is absorbed into A: otherwise both
// surviving representatives could carry the shared key and a second
// run would merge them, breaking idempotence.
func (e *Engine) run(findings []model.Vulnerability, keysFor func(*model.Vulnerability) []string, annotate func(*model.Vulnerability, *group)) Result {
	byKey := make(map[string]*group)
	var groups []*group

	for i := range findings {
		keys := keysFor(&findings[i])
		if len(keys) == 0 {
			// Nothing to group on; the finding stands alone.
			keys = []string{fmt.Sprintf("lone:%s:%d", findings[i].Scanner, i)}
		}

		var g *group
		for _, k := range keys {
			if existing, ok := byKey[k]; ok {
				g = existing
				break
			}
		}
		if g == nil {
			g = &group{key: keys[0]}
			groups = append(groups, g)
		}
		g.members = append(g.members, member{vuln: findings[i], index: i})

		// Bind all candidate keys. A key held by another group means
		// this finding bridges the two; absorb that group so every key
		// of every member resolves to exactly one group.
		for _, k := range keys {
			other, taken := byKey[k]
			if !taken {
				byKey[k] = g
				g.keys = append(g.keys, k)
				continue
			}
			if other != g {
				g.members = append(g.members, other.members...)
				other.members = nil
				for _, bound := range other.keys {
					byKey[bound] = g
				}
				g.keys = append(g.keys, other.keys...)
				other.keys = nil
			}
		}
	}

	res := Result{
		Unique: make([]model.Vulnerability, 0, len(groups)),
		Groups: make([]Group, 0, len(groups)),
	}
	for _, g := range groups {
		if len(g.members) == 0 {
			// Absorbed into another group.
			continue
		}
		sort.Slice(g.members, func(a, b int) bool { return g.members[a].index < g.members[b].index })
		rep := e.selectRepresentative(g.members)
		if len(g.members) > 1 {
			// Copy-on-write: the metadata bag is shared with the
			// caller's slice until the representative is enriched.
			rep.Metadata = cloneMeta(rep.Metadata)
			annotate(&rep, g)
		}
		res.Unique = append(res.Unique, rep)

		out := Group{Key: g.key, Members: make([]model.Vulnerability, 0, len(g.members))}
		for _, m := range g.members {
			out.Members = append(out.Members, m.vuln)
		}
		res.Groups = append(res.Groups, out)
	}
	res.Removed = len(findings) - len(res.Unique)
	return res
}

// exactKeys yields the candidate keys for exact mode, highest priority
// first. Keys whose components are missing are skipped.
func (e *Engine) exactKeys(v *model.Vulnerability) []string {
	var keys []string
	bucket := v.LineStart / e.cfg.LineBucketWidth

	if v.FilePath != "" && v.RuleID != "" {
		keys = append(keys, fmt.Sprintf("loc:%s:%s:%d", v.FilePath, v.RuleID, bucket))
	}
	if v.FilePath != "" && len(v.CWE) > 0 {
		keys = append(keys, fmt.Sprintf("cwe:%s:%s:%d", v.FilePath, v.CWE[0], bucket))
	}
	if v.CVE != "" {
		keys = append(keys, "cve:"+v.CVE)
	}
	if name := v.Meta("package_name"); name != "" {
		keys = append(keys, fmt.Sprintf("pkg:%s:%s:%s", name, v.Meta("package_version"), v.RuleID))
	}
	if v.Type == model.TypeSecret && v.FilePath != "" {
		secret := v.Meta("secret_type")
		if secret == "" {
			secret = v.RuleID
		}
		keys = append(keys, fmt.Sprintf("secret:%s:%s:%d", v.FilePath, secret, bucket))
	}
	return keys
}

// summaryKeys collapses by issue class: same rule at the same severity
// is one issue, wherever it appears.
func (e *Engine) summaryKeys(v *model.Vulnerability) []string {
	if v.RuleID == "" {
		return nil
	}
	return []string{"sum:" + v.RuleID + ":" + string(v.Severity)}
}

// selectRepresentative applies the deterministic total order over
// group members: trust tier, confidence, severity rank, richness of
// detail, description length, and finally original input position.
// The order is defined over the member set, so shuffled input yields
// the same representative.
func (e *Engine) selectRepresentative(members []member) model.Vulnerability {
	best := members[0]
	for _, m := range members[1:] {
		if e.better(m, best) {
			best = m
		}
	}
	return best.vuln
}

func (e *Engine) better(a, b member) bool {
	if ta, tb := e.cfg.TrustTiers[a.vuln.Scanner], e.cfg.TrustTiers[b.vuln.Scanner]; ta != tb {
		return ta > tb
	}
	if a.vuln.Confidence != b.vuln.Confidence {
		return a.vuln.Confidence > b.vuln.Confidence
	}
	if ra, rb := a.vuln.Severity.Rank(), b.vuln.Severity.Rank(); ra != rb {
		return ra > rb
	}
	if ra, rb := richness(&a.vuln), richness(&b.vuln); ra != rb {
		return ra > rb
	}
	if la, lb := len(a.vuln.Description), len(b.vuln.Description); la != lb {
		return la > lb
	}
	return a.index < b.index
}

// richness scores how much supporting detail a finding carries.
func richness(v *model.Vulnerability) int {
	score := len(v.CWE)
	if v.CVE != "" {
		score += 2
	}
	if v.CodeSnippet != "" {
		score++
	}
	return score
}

// annotateExact records the merge on an exact-mode representative:
// how many findings collapsed, and which analyzers and files
// contributed.
func (e *Engine) annotateExact(rep *model.Vulnerability, g *group) {
	rep.SetMeta("duplicate_count", len(g.members))
	rep.SetMeta("scanners", collect(g.members, func(v *model.Vulnerability) string { return v.Scanner }))
	if files := collect(g.members, func(v *model.Vulnerability) string { return v.FilePath }); len(files) > 0 {
		rep.SetMeta("duplicate_files", files)
	}
}

// annotateSummary records the full affected-file set and a severity
// histogram of the collapsed group.
func (e *Engine) annotateSummary(rep *model.Vulnerability, g *group) {
	rep.SetMeta("duplicate_count", len(g.members))
	rep.SetMeta("affected_files", collect(g.members, func(v *model.Vulnerability) string { return v.FilePath }))

	dist := make(map[string]int)
	for i := range g.members {
		dist[string(g.members[i].vuln.Severity)]++
	}
	rep.SetMeta("severity_distribution", dist)
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// collect gathers the sorted distinct non-empty values of one field
// across group members.
func collect(members []member, field func(*model.Vulnerability) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range members {
		s := field(&members[i].vuln)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DuplicateCount reads the merge size recorded on a representative,
// defaulting to 1 for untouched singletons.
func DuplicateCount(v *model.Vulnerability) int {
	switch c := v.Metadata["duplicate_count"].(type) {
	case int:
		return c
	case float64:
		return int(c)
	case string:
		if n, err := strconv.Atoi(c); err == nil {
			return n
		}
	}
	return 1
}
