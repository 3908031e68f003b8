package autofix

import "fmt"

// GenerationError means the engine could not turn the model's output into a
// usable patch for one attempt. Provider failures are wrapped in Err.
type GenerationError struct {
	IssueID string
	Attempt int
	Reason  string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fix generation for issue %s (attempt %d): %s: %v", e.IssueID, e.Attempt, e.Reason, e.Err)
	}
	return fmt.Sprintf("fix generation for issue %s (attempt %d): %s", e.IssueID, e.Attempt, e.Reason)
}

func (e *GenerationError) Unwrap() error { return e.Err }
