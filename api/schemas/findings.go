package schemas

import (
	"fmt"
	"strings"
)

// -- Finding Schemas --

// Severity represents the severity level of a scanner finding, ranging from
// critical to informational. The values are lowercase to align with database ENUMs.
type Severity string

// Constants defining the standard severity levels for findings.
const (
	SeverityCritical Severity = "critical" // Represents a critical vulnerability.
	SeverityHigh     Severity = "high"     // Represents a high-severity vulnerability.
	SeverityMedium   Severity = "medium"   // Represents a medium-severity vulnerability.
	SeverityLow      Severity = "low"      // Represents a low-severity vulnerability.
	SeverityInfo     Severity = "info"     // Represents an informational finding.
)

// Priority returns a numeric rank for the severity. Unknown values rank below info.
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether s is one of the five enumerated levels.
func (s Severity) IsValid() bool {
	return s.Priority() > 0
}

// ParseSeverity maps the vocabularies used by the supported tools onto the
// canonical enum. Semgrep reports ERROR/WARNING/INFO, bandit reports
// HIGH/MEDIUM/LOW, and SARIF uses error/warning/note. Anything unrecognised
// becomes info rather than being rejected.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "blocker":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "low", "minor", "note":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}

// LineRange is an inclusive, 1-based span of lines within a file.
type LineRange struct {
	Start int `json:"start" validate:"gte=1"`
	End   int `json:"end" validate:"gtefield=Start"`
}

// NewLineRange builds a range, treating a missing or inverted end as a single line.
func NewLineRange(start, end int) LineRange {
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	return LineRange{Start: start, End: end}
}

// Within reports whether the two ranges intersect or are separated by at
// most tolerance lines.
func (r LineRange) Within(o LineRange, tolerance int) bool {
	if tolerance < 0 {
		tolerance = 0
	}
	return r.Start <= o.End+tolerance && o.Start <= r.End+tolerance
}

// Union returns the smallest range covering both.
func (r LineRange) Union(o LineRange) LineRange {
	u := r
	if o.Start < u.Start {
		u.Start = o.Start
	}
	if o.End > u.End {
		u.End = o.End
	}
	return u
}

// Contains reports whether line falls inside the range.
func (r LineRange) Contains(line int) bool {
	return line >= r.Start && line <= r.End
}

func (r LineRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Finding is the raw output unit of one scanner run. It is immutable once
// parsed and is passed by value into normalization.
type Finding struct {
	Tool     string    `json:"tool" validate:"required"`    // The scanner that produced the finding (e.g. "semgrep").
	RuleID   string    `json:"rule_id" validate:"required"` // The tool-specific rule or check identifier.
	Path     string    `json:"path" validate:"required"`    // Repository-relative, slash-separated file path.
	Lines    LineRange `json:"lines"`
	Severity Severity  `json:"severity" validate:"required"`
	Message  string    `json:"message"`
	Snippet  string    `json:"snippet,omitempty"`

	// Metadata keeps any tool output the adapter does not model explicitly
	// (CWE lists, confidence, fingerprints), so version drift never fails parsing.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Location renders the finding position as path:line(-line).
func (f Finding) Location() string {
	return fmt.Sprintf("%s:%s", f.Path, f.Lines)
}
