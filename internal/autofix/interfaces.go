// internal/autofix/interfaces.go
package autofix

import (
	"context"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

// Proposer produces a candidate patch for an issue.
type Proposer interface {
	// Propose reads the code around the issue from the snapshot and asks the
	// model for a fix. Prior attempts on the issue are folded into the prompt.
	// Failures are reported as *GenerationError.
	Propose(ctx context.Context, issue *schemas.Issue, snap schemas.RepositorySnapshot, attempt int) (*schemas.CandidatePatch, error)
}

// PatchValidator checks a candidate patch in an isolated working copy.
type PatchValidator interface {
	// Validate returns the semantic outcome of the patch. A non-nil error is
	// never an outcome: it is either an infrastructure fault
	// (*schemas.InfrastructureError) or a scanner failure during the re-scan.
	Validate(ctx context.Context, snap schemas.RepositorySnapshot, issue *schemas.Issue, patch *schemas.CandidatePatch) (schemas.ValidationResult, error)
}
