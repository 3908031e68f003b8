package schemas

import "time"

// -- Run Report Schemas --

// IssueReport is the externally visible record of one issue at the end of a run.
type IssueReport struct {
	ID       string     `json:"id"`
	Category string     `json:"category"`
	Severity Severity   `json:"severity"`
	Path     string     `json:"path"`
	Lines    LineRange  `json:"lines"`
	Tools    []string   `json:"tools"`
	State    IssueState `json:"state"`
	Attempts int        `json:"attempts"`

	// Patch is the accepted diff; only set when State is resolved.
	Patch string `json:"patch,omitempty"`
	// FailureReason explains a fix-unavailable or error state.
	FailureReason string `json:"failure_reason,omitempty"`

	History []Attempt `json:"history,omitempty"`
}

// ScannerFailure records a scanner that could not contribute findings.
type ScannerFailure struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

// RunReport aggregates every discovered issue and its terminal state for one
// invocation. It is immutable once the orchestrator returns it.
type RunReport struct {
	RunID      string    `json:"run_id"`
	Repository string    `json:"repository"`
	Revision   string    `json:"revision"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cancelled  bool      `json:"cancelled"`
	// TimedOut is set when the cancellation came from the run deadline rather
	// than the caller.
	TimedOut bool `json:"timed_out,omitempty"`

	Issues          []IssueReport      `json:"issues"`
	Summary         map[IssueState]int `json:"summary"`
	ScannerFailures []ScannerFailure   `json:"scanner_failures,omitempty"`

	PullRequest  *PullRequest `json:"pull_request,omitempty"`
	PublishError string       `json:"publish_error,omitempty"`
}

// PullRequest describes the change request opened for the resolved patches.
type PullRequest struct {
	Number  int      `json:"number"`
	URL     string   `json:"url"`
	Branch  string   `json:"branch"`
	Commit  string   `json:"commit"`
	Applied []string `json:"applied"`
	Skipped []string `json:"skipped,omitempty"`
}

// NewIssueReport projects an issue onto its report record.
func NewIssueReport(issue *Issue) IssueReport {
	r := IssueReport{
		ID:       issue.ID,
		Category: issue.Category,
		Severity: issue.Severity,
		Path:     issue.Path,
		Lines:    issue.Lines,
		Tools:    issue.Tools(),
		State:    issue.State,
		Attempts: len(issue.Attempts),
		History:  append([]Attempt(nil), issue.Attempts...),
	}
	last := issue.LastAttempt()
	switch issue.State {
	case StateResolved:
		if last != nil && last.Patch != nil {
			r.Patch = last.Patch.Diff
		}
	default:
		r.FailureReason = issue.Reason
		if r.FailureReason == "" && last != nil {
			r.FailureReason = last.FailureSummary()
		}
	}
	return r
}

// Tally fills Summary from the issue states.
func (r *RunReport) Tally() {
	r.Summary = make(map[IssueState]int)
	for _, i := range r.Issues {
		r.Summary[i.State]++
	}
}
