package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Issue Schemas --

// IssueState is a position in the per-issue resolution state machine.
type IssueState string

const (
	StateDiscovered     IssueState = "discovered"
	StateGenerating     IssueState = "generating"
	StateValidating     IssueState = "validating"
	StateRetryPending   IssueState = "retry-pending"
	StateResolved       IssueState = "resolved"
	StateFixUnavailable IssueState = "fix-unavailable"
	StateError          IssueState = "error"
)

// IsTerminal reports whether no further transitions are permitted within a run.
func (s IssueState) IsTerminal() bool {
	switch s {
	case StateResolved, StateFixUnavailable, StateError:
		return true
	}
	return false
}

// RepositorySnapshot pins the canonical repository at the revision the
// issues were discovered in. It is read-only to every stage.
type RepositorySnapshot struct {
	Path     string `json:"path"`
	Revision string `json:"revision"`
	// Checkout is a clean checkout of Revision. Scanners and source reads use
	// it so they see exactly the files a working copy will contain.
	Checkout string `json:"checkout,omitempty"`
}

// SourceDir is the tree to scan and read source from: the clean checkout when
// one was made, the canonical repository otherwise.
func (s RepositorySnapshot) SourceDir() string {
	if s.Checkout != "" {
		return s.Checkout
	}
	return s.Path
}

// Issue is the canonical, deduplicated unit of remediation work.
//
// After normalization an Issue is owned by exactly one orchestrator worker at a
// time; only that worker mutates State and appends to Attempts.
type Issue struct {
	ID       string    `json:"id"`
	Category string    `json:"category"`
	Path     string    `json:"path"`
	Lines    LineRange `json:"lines"`
	Severity Severity  `json:"severity"`
	// Message is the primary description, taken from the finding that won the tie-break.
	Message string `json:"message"`

	// Findings is the provenance of the issue. It always holds at least one entry,
	// ordered by discovery.
	Findings []Finding `json:"findings"`

	Revision string     `json:"revision,omitempty"`
	State    IssueState `json:"state"`
	Reason   string     `json:"reason,omitempty"`

	// Attempts is append-only.
	Attempts []Attempt `json:"attempts,omitempty"`
}

// Tools returns the distinct scanners that contributed findings, in discovery order.
func (i *Issue) Tools() []string {
	seen := make(map[string]struct{}, len(i.Findings))
	var tools []string
	for _, f := range i.Findings {
		if _, ok := seen[f.Tool]; ok {
			continue
		}
		seen[f.Tool] = struct{}{}
		tools = append(tools, f.Tool)
	}
	return tools
}

// RuleIDs returns the distinct rule identifiers of the contributing findings.
func (i *Issue) RuleIDs() []string {
	seen := make(map[string]struct{}, len(i.Findings))
	var ids []string
	for _, f := range i.Findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		ids = append(ids, f.RuleID)
	}
	return ids
}

// LastAttempt returns the most recent attempt, or nil when none was made.
func (i *Issue) LastAttempt() *Attempt {
	if len(i.Attempts) == 0 {
		return nil
	}
	return &i.Attempts[len(i.Attempts)-1]
}

// CandidatePatch is a proposed unified diff for one issue together with the
// exchange that produced it. It is immutable after creation.
type CandidatePatch struct {
	IssueID     string    `json:"issue_id"`
	Attempt     int       `json:"attempt"`
	Diff        string    `json:"diff"`
	Files       []string  `json:"files"` // Repository-relative paths the diff touches.
	Explanation string    `json:"explanation,omitempty"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidationOutcome enumerates the semantic results of validating a patch.
type ValidationOutcome string

const (
	OutcomeResolved        ValidationOutcome = "resolved"
	OutcomeUnresolved      ValidationOutcome = "unresolved"
	OutcomeRegressed       ValidationOutcome = "regressed"
	OutcomeApplyFailed     ValidationOutcome = "apply-failed"
	OutcomeBuildTestFailed ValidationOutcome = "build/test-failed"
)

// ValidationResult is the outcome of applying one CandidatePatch.
type ValidationResult struct {
	Outcome ValidationOutcome `json:"outcome"`
	Detail  string            `json:"detail,omitempty"`

	// Remaining holds original findings still reported after the patch.
	Remaining []Finding `json:"remaining,omitempty"`
	// Introduced holds findings in touched files that were not present before.
	Introduced []Finding `json:"introduced,omitempty"`
	// Output is truncated tool or test output that explains the failure.
	Output string `json:"output,omitempty"`
}

// Summary condenses the result into a few lines suitable for a retry prompt.
func (r ValidationResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "outcome: %s", r.Outcome)
	if r.Detail != "" {
		fmt.Fprintf(&b, " (%s)", r.Detail)
	}
	for _, f := range r.Remaining {
		fmt.Fprintf(&b, "\n- still reported: %s %s: %s", f.RuleID, f.Location(), f.Message)
	}
	for _, f := range r.Introduced {
		fmt.Fprintf(&b, "\n- newly introduced: %s %s: %s", f.RuleID, f.Location(), f.Message)
	}
	if r.Output != "" {
		fmt.Fprintf(&b, "\noutput:\n%s", r.Output)
	}
	return b.String()
}

// Attempt records one generation and, when generation succeeded, the
// validation of its patch.
type Attempt struct {
	Number     int               `json:"number"`
	Patch      *CandidatePatch   `json:"patch,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	// GenerationError is set when the engine could not produce a patch.
	GenerationError string `json:"generation_error,omitempty"`
	// ValidationError is set when a scanner failed while re-checking the patch.
	ValidationError string    `json:"validation_error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// FailureSummary explains why the attempt did not resolve the issue. It is
// empty for a resolved attempt.
func (a Attempt) FailureSummary() string {
	switch {
	case a.GenerationError != "":
		return "generation failed: " + a.GenerationError
	case a.ValidationError != "":
		return "validation could not complete: " + a.ValidationError
	case a.Validation != nil && a.Validation.Outcome != OutcomeResolved:
		return a.Validation.Summary()
	}
	return ""
}
