package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/autofix"
	"github.com/xkilldash9x/patchwright/internal/scanner"
)

// transitions lists the legal successor states. Terminal states have none.
var transitions = map[schemas.IssueState][]schemas.IssueState{
	schemas.StateDiscovered:   {schemas.StateGenerating, schemas.StateFixUnavailable, schemas.StateError},
	schemas.StateGenerating:   {schemas.StateValidating, schemas.StateRetryPending, schemas.StateFixUnavailable, schemas.StateError},
	schemas.StateValidating:   {schemas.StateResolved, schemas.StateRetryPending, schemas.StateFixUnavailable, schemas.StateError},
	schemas.StateRetryPending: {schemas.StateGenerating, schemas.StateError},
}

// ErrIllegalTransition is returned when a state change is not permitted.
var ErrIllegalTransition = errors.New("illegal issue state transition")

// advance moves issue to the next state. Only the worker owning the issue calls it.
func advance(issue *schemas.Issue, to schemas.IssueState) error {
	for _, next := range transitions[issue.State] {
		if next == to {
			issue.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, issue.State, to)
}

// finish moves issue into a terminal state with a reason.
func (o *Orchestrator) finish(issue *schemas.Issue, to schemas.IssueState, reason string) {
	if err := advance(issue, to); err != nil {
		o.logger.Error("Refusing state change", zap.String("issue_id", issue.ID), zap.Error(err))
		return
	}
	issue.Reason = reason
	o.logger.Info("Issue finished",
		zap.String("issue_id", issue.ID),
		zap.String("state", string(to)),
		zap.Int("attempts", len(issue.Attempts)),
		zap.String("reason", reason))
}

// resolveIssue runs the generate/validate loop for one issue until it reaches
// a terminal state or the context is cancelled. Attempt N+1 starts only after
// attempt N has been recorded.
func (o *Orchestrator) resolveIssue(ctx context.Context, snap schemas.RepositorySnapshot, issue *schemas.Issue) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.resolveIssue", trace.WithAttributes(
		attribute.String("issue_id", issue.ID),
		attribute.String("category", issue.Category),
		attribute.String("path", issue.Path),
	))
	defer func() {
		span.SetAttributes(attribute.String("state", string(issue.State)), attribute.Int("attempts", len(issue.Attempts)))
		if issue.State == schemas.StateError {
			span.SetStatus(codes.Error, issue.Reason)
		}
		span.End()
	}()

	logger := o.logger.With(zap.String("issue_id", issue.ID), zap.String("path", issue.Path))
	if issue.State.IsTerminal() {
		logger.Warn("Issue is already terminal, skipping", zap.String("state", string(issue.State)))
		return
	}

	for attempt := len(issue.Attempts) + 1; attempt <= o.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			o.finish(issue, schemas.StateError, cancelReason(ctx))
			return
		}
		if err := advance(issue, schemas.StateGenerating); err != nil {
			o.finish(issue, schemas.StateError, err.Error())
			return
		}
		o.metrics.AttemptStarted()
		logger.Info("Generating fix", zap.Int("attempt", attempt))

		rec := schemas.Attempt{Number: attempt, StartedAt: time.Now().UTC()}
		state, reason := o.attempt(ctx, snap, issue, &rec)
		rec.FinishedAt = time.Now().UTC()
		issue.Attempts = append(issue.Attempts, rec)

		switch state {
		case schemas.StateResolved, schemas.StateError:
			o.finish(issue, state, reason)
			return
		}
		if attempt == o.maxAttempts {
			break
		}
		if err := advance(issue, schemas.StateRetryPending); err != nil {
			o.finish(issue, schemas.StateError, err.Error())
			return
		}
		logger.Info("Attempt failed, retrying", zap.Int("attempt", attempt), zap.String("reason", reason))
	}

	last := issue.LastAttempt()
	reason := fmt.Sprintf("no validated fix after %d attempt(s)", len(issue.Attempts))
	if last != nil {
		if summary := last.FailureSummary(); summary != "" {
			reason += "; last failure: " + summary
		}
	}
	o.finish(issue, schemas.StateFixUnavailable, reason)
}

// attempt performs one generate-then-validate pass and fills rec. It returns
// StateResolved or StateError when the issue should stop here, or
// StateRetryPending when the attempt failed in a way another attempt may fix.
func (o *Orchestrator) attempt(ctx context.Context, snap schemas.RepositorySnapshot, issue *schemas.Issue, rec *schemas.Attempt) (schemas.IssueState, string) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.attempt", trace.WithAttributes(attribute.Int("attempt", rec.Number)))
	defer span.End()

	patch, err := o.propose(ctx, snap, issue, rec.Number)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			rec.GenerationError = err.Error()
			return schemas.StateError, cancelReason(ctx)
		}
		var genErr *autofix.GenerationError
		if errors.As(err, &genErr) {
			rec.GenerationError = err.Error()
			return schemas.StateRetryPending, rec.GenerationError
		}
		rec.GenerationError = err.Error()
		return schemas.StateError, "unexpected generation failure: " + err.Error()
	}
	rec.Patch = patch

	if err := advance(issue, schemas.StateValidating); err != nil {
		return schemas.StateError, err.Error()
	}
	result, err := o.validator.Validate(ctx, snap, issue, patch)
	if err != nil {
		span.RecordError(err)
		rec.ValidationError = err.Error()
		switch {
		case ctx.Err() != nil:
			return schemas.StateError, cancelReason(ctx)
		case isScannerFailure(err):
			return schemas.StateRetryPending, rec.ValidationError
		default:
			return schemas.StateError, err.Error()
		}
	}

	rec.Validation = &result
	o.metrics.ValidationFinished(string(result.Outcome))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if result.Outcome == schemas.OutcomeResolved {
		return schemas.StateResolved, ""
	}
	return schemas.StateRetryPending, result.Summary()
}

// propose calls the fix engine while holding an LLM slot.
func (o *Orchestrator) propose(ctx context.Context, snap schemas.RepositorySnapshot, issue *schemas.Issue, attempt int) (*schemas.CandidatePatch, error) {
	if err := o.llmSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.llmSlots.Release(1)

	start := time.Now()
	defer func() { o.metrics.ObserveLLM(time.Since(start)) }()
	return o.proposer.Propose(ctx, issue, snap, attempt)
}

func isScannerFailure(err error) bool {
	var execErr *scanner.ScannerExecutionError
	var outErr *scanner.ScannerOutputError
	var timeoutErr *scanner.ScannerTimeoutError
	return errors.As(err, &execErr) || errors.As(err, &outErr) || errors.As(err, &timeoutErr)
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return "cancelled: " + cause.Error()
	}
	return "cancelled"
}

type nopMetrics struct{}

func (nopMetrics) IssueFinished(string)                 {}
func (nopMetrics) AttemptStarted()                      {}
func (nopMetrics) ValidationFinished(string)            {}
func (nopMetrics) ScannerFailed(string)                 {}
func (nopMetrics) ObserveScanner(string, time.Duration) {}
func (nopMetrics) ObserveLLM(time.Duration)             {}
func (nopMetrics) TrackIssue(f func())                  { f() }
