// Package normalize turns raw scanner findings into canonical, deduplicated issues.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

// Normalizer maps findings to categories and clusters duplicates. It holds no
// per-run state and is safe for concurrent use.
type Normalizer struct {
	table     *CategoryTable
	tolerance int
	tieBreak  string
	toolRank  map[string]int
	logger    *zap.Logger
}

// New creates a normalizer. A nil table uses the defaults.
func New(cfg config.NormalizerConfig, table *CategoryTable, logger *zap.Logger) *Normalizer {
	if table == nil {
		table = DefaultCategoryTable()
	}
	rank := make(map[string]int, len(cfg.ToolPriority))
	for i, tool := range cfg.ToolPriority {
		rank[tool] = i
	}
	return &Normalizer{
		table:     table,
		tolerance: cfg.LineTolerance,
		tieBreak:  cfg.SeverityTieBreak,
		toolRank:  rank,
		logger:    logger.Named("normalizer"),
	}
}

// IssueID derives the stable identifier of an issue. It depends only on
// location and category, so it is the same across runs on an unchanged tree.
func IssueID(path, category string, lines schemas.LineRange) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d-%d", path, category, lines.Start, lines.End)))
	return hex.EncodeToString(sum[:16])
}

type clusterKey struct {
	path     string
	category string
}

// Normalize groups findings whose path and category match and whose line
// ranges overlap within the tolerance, directly or through a chain of other
// findings. Input order is treated as discovery order. Issues are returned in
// the order of their first-discovered finding.
func (n *Normalizer) Normalize(findings []schemas.Finding) []*schemas.Issue {
	if len(findings) == 0 {
		return nil
	}
	categories := make([]string, len(findings))
	groups := make(map[clusterKey][]int)
	for i, f := range findings {
		categories[i] = n.table.Lookup(f.Tool, f.RuleID)
		k := clusterKey{path: f.Path, category: categories[i]}
		groups[k] = append(groups[k], i)
	}

	uf := newUnionFind(len(findings))
	for _, members := range groups {
		n.link(uf, findings, members)
	}

	byRoot := make(map[int][]int)
	var roots []int
	for i := range findings {
		r := uf.find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], i)
	}

	issues := make([]*schemas.Issue, 0, len(roots))
	for _, r := range roots {
		issues = append(issues, n.buildIssue(findings, byRoot[r], categories[r]))
	}
	n.logger.Info("Normalized findings",
		zap.Int("findings", len(findings)),
		zap.Int("issues", len(issues)))
	return issues
}

// link unions every pair of findings in one (path, category) group that lie
// within tolerance. Sorting by start line means a finding only has to be
// compared against the furthest end seen so far in the running component.
func (n *Normalizer) link(uf *unionFind, findings []schemas.Finding, members []int) {
	sorted := append([]int(nil), members...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return findings[sorted[a]].Lines.Start < findings[sorted[b]].Lines.Start
	})
	anchor := sorted[0]
	reach := findings[anchor].Lines
	for _, idx := range sorted[1:] {
		lines := findings[idx].Lines
		if reach.Within(lines, n.tolerance) {
			uf.union(anchor, idx)
			reach = reach.Union(lines)
			continue
		}
		anchor, reach = idx, lines
	}
}

// buildIssue assembles one cluster. members is in discovery order.
func (n *Normalizer) buildIssue(findings []schemas.Finding, members []int, category string) *schemas.Issue {
	primary := members[0]
	severity := findings[primary].Severity
	lines := findings[primary].Lines
	provenance := make([]schemas.Finding, 0, len(members))

	for _, idx := range members {
		f := findings[idx]
		provenance = append(provenance, f)
		lines = lines.Union(f.Lines)
		severity = schemas.MaxSeverity(severity, f.Severity)
		if n.outranks(f, findings[primary]) {
			primary = idx
		}
	}

	return &schemas.Issue{
		ID:       IssueID(findings[primary].Path, category, lines),
		Category: category,
		Path:     findings[primary].Path,
		Lines:    lines,
		Severity: severity,
		Message:  findings[primary].Message,
		Findings: provenance,
		State:    schemas.StateDiscovered,
	}
}

// outranks reports whether candidate should replace current as the primary
// finding. Higher severity always wins. On a tie the earlier finding stays
// primary, unless tool priority is configured and candidate's tool ranks higher.
func (n *Normalizer) outranks(candidate, current schemas.Finding) bool {
	cp, pp := candidate.Severity.Priority(), current.Severity.Priority()
	if cp != pp {
		return cp > pp
	}
	if n.tieBreak != config.TieBreakToolPriority {
		return false
	}
	return n.rank(candidate.Tool) < n.rank(current.Tool)
}

func (n *Normalizer) rank(tool string) int {
	if r, ok := n.toolRank[tool]; ok {
		return r
	}
	return len(n.toolRank)
}
