// File: internal/orchestrator/orchestrator.go
// Description: Drives every issue of a run through the resolution state machine.
// Components are injected through interfaces so each stage can be faked in tests.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/autofix"
	"github.com/xkilldash9x/patchwright/internal/config"
	"github.com/xkilldash9x/patchwright/internal/normalize"
	"github.com/xkilldash9x/patchwright/internal/scanner"
	"github.com/xkilldash9x/patchwright/internal/workspace"
)

const tracerName = "github.com/xkilldash9x/patchwright/internal/orchestrator"

// ErrRunTimeout is the cancellation cause of a run that outlived
// orchestrator.run_timeout.
var ErrRunTimeout = errors.New("run timeout exceeded")

// ReportStore persists run reports and remembers which issues were already
// tried on a revision.
type ReportStore interface {
	SaveRunReport(ctx context.Context, report *schemas.RunReport) error
	PreviouslyAttempted(ctx context.Context, revision string, ids []string) (map[string]bool, error)
}

// Primer is implemented by validators that can reuse discovery findings as
// their regression baseline.
type Primer interface {
	Prime(snap schemas.RepositorySnapshot, findings []schemas.Finding)
}

// Publisher ships the resolved patches of a finished run.
type Publisher interface {
	Publish(ctx context.Context, snap schemas.RepositorySnapshot, report *schemas.RunReport) (*schemas.PullRequest, error)
}

// metrics is the subset of the Prometheus collectors the orchestrator reports to.
type metrics interface {
	IssueFinished(state string)
	AttemptStarted()
	ValidationFinished(outcome string)
	ScannerFailed(tool string)
	ObserveScanner(tool string, d time.Duration)
	ObserveLLM(d time.Duration)
	TrackIssue(f func())
}

// Components are the collaborators of a run. Scanners, Normalizer, Proposer
// and Validator are required; the rest are optional.
type Components struct {
	Scanners   []scanner.Scanner
	Normalizer *normalize.Normalizer
	Proposer   autofix.Proposer
	Validator  autofix.PatchValidator

	// ScannerSlots bounds concurrent scanner processes. Share it with the
	// validator so discovery and re-scans draw from one pool. Nil builds one
	// from the configured slot count.
	ScannerSlots *semaphore.Weighted

	// Checkouts provides the clean checkout discovery scans. Nil uses a
	// workspace.Cloner.
	Checkouts workspace.Acquirer

	Store     ReportStore
	Publisher Publisher
	Metrics   metrics
	Tracer    trace.Tracer
}

// Orchestrator runs discovery and resolution for one repository at a time.
type Orchestrator struct {
	cfg          config.OrchestratorConfig
	maxAttempts  int
	logger       *zap.Logger
	scanners     []scanner.Scanner
	normalizer   *normalize.Normalizer
	proposer     autofix.Proposer
	validator    autofix.PatchValidator
	checkouts    workspace.Acquirer
	store        ReportStore
	publisher    Publisher
	metrics      metrics
	tracer       trace.Tracer
	scannerSlots *semaphore.Weighted
	llmSlots     *semaphore.Weighted
}

// New creates an orchestrator.
func New(cfg config.Interface, logger *zap.Logger, c Components) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		c.Normalizer == nil ||
		c.Proposer == nil ||
		c.Validator == nil {
		return nil, errors.New("cannot initialize orchestrator with nil dependencies")
	}
	if len(c.Scanners) == 0 {
		return nil, errors.New("at least one scanner is required")
	}

	oc := cfg.Orchestrator()
	if oc.MaxInFlight <= 0 {
		oc.MaxInFlight = 4
	}
	if oc.ScannerSlots <= 0 {
		oc.ScannerSlots = 2
	}
	if oc.LLMSlots <= 0 {
		oc.LLMSlots = 2
	}
	maxAttempts := cfg.Autofix().MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	o := &Orchestrator{
		cfg:          oc,
		maxAttempts:  maxAttempts,
		logger:       logger.Named("orchestrator"),
		scanners:     c.Scanners,
		normalizer:   c.Normalizer,
		proposer:     c.Proposer,
		validator:    c.Validator,
		checkouts:    c.Checkouts,
		store:        c.Store,
		publisher:    c.Publisher,
		metrics:      c.Metrics,
		tracer:       c.Tracer,
		scannerSlots: c.ScannerSlots,
		llmSlots:     semaphore.NewWeighted(int64(oc.LLMSlots)),
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.checkouts == nil {
		o.checkouts = workspace.NewCloner(logger, false)
	}
	if o.scannerSlots == nil {
		o.scannerSlots = semaphore.NewWeighted(int64(oc.ScannerSlots))
	}
	return o, nil
}

// Run opens the repository, discovers issues and resolves them. Only a failure
// to read the repository at all is returned as an error; everything else ends
// up in the report.
func (o *Orchestrator) Run(ctx context.Context, target string) (*schemas.RunReport, error) {
	ctx, cancel := o.withRunTimeout(ctx)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(attribute.String("repository", target)))
	defer span.End()

	snap, release, err := o.open(ctx, target)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	findings, issues, failures := o.discoverIssues(ctx, snap)
	if p, ok := o.validator.(Primer); ok {
		p.Prime(snap, findings)
	}

	report := o.Resolve(ctx, snap, issues)
	report.Repository = target
	report.ScannerFailures = failures

	if o.publisher != nil && !report.Cancelled && report.Summary[schemas.StateResolved] > 0 {
		pr, err := o.publisher.Publish(ctx, snap, report)
		if err != nil {
			o.logger.Error("Failed to publish resolved patches", zap.String("run_id", report.RunID), zap.Error(err))
			report.PublishError = err.Error()
		} else {
			report.PullRequest = pr
		}
	}

	if o.store != nil {
		// The run context may already be cancelled; the report is still worth keeping.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.store.SaveRunReport(saveCtx, report); err != nil {
			o.logger.Error("Failed to persist run report", zap.String("run_id", report.RunID), zap.Error(err))
		}
	}
	return report, nil
}

// Scan is the dry run: it discovers and normalizes issues without generating
// fixes. Every issue in the returned report is in the discovered state.
func (o *Orchestrator) Scan(ctx context.Context, target string) (*schemas.RunReport, error) {
	ctx, cancel := o.withRunTimeout(ctx)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Scan", trace.WithAttributes(attribute.String("repository", target)))
	defer span.End()

	snap, release, err := o.open(ctx, target)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	report := &schemas.RunReport{
		RunID:      uuid.NewString(),
		Repository: target,
		Revision:   snap.Revision,
		StartedAt:  time.Now().UTC(),
	}
	_, issues, failures := o.discoverIssues(ctx, snap)
	for _, issue := range issues {
		report.Issues = append(report.Issues, schemas.NewIssueReport(issue))
	}
	report.ScannerFailures = failures
	markCancelled(ctx, report)
	report.FinishedAt = time.Now().UTC()
	report.Tally()
	return report, nil
}

// withRunTimeout bounds ctx by the configured run timeout. The deadline is
// recorded as ErrRunTimeout so it can be told apart from a caller cancelling.
func (o *Orchestrator) withRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.RunTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeoutCause(ctx, o.cfg.RunTimeout, ErrRunTimeout)
}

func markCancelled(ctx context.Context, report *schemas.RunReport) {
	report.Cancelled = ctx.Err() != nil
	report.TimedOut = errors.Is(context.Cause(ctx), ErrRunTimeout)
}

// open pins the repository at HEAD and makes a clean checkout of that
// revision for discovery. Files the revision does not contain (untracked or
// ignored) are never scanned, since no working copy could patch them.
func (o *Orchestrator) open(ctx context.Context, target string) (schemas.RepositorySnapshot, func(), error) {
	repo, err := workspace.Open(ctx, target, o.logger)
	if err != nil {
		return schemas.RepositorySnapshot{}, nil, fmt.Errorf("opening repository: %w", err)
	}
	snap, err := repo.Snapshot()
	if err != nil {
		o.closeRepo(repo)
		return schemas.RepositorySnapshot{}, nil, fmt.Errorf("snapshotting repository: %w", err)
	}
	wc, err := o.checkouts.Acquire(ctx, snap, "discovery")
	if err != nil {
		o.closeRepo(repo)
		return schemas.RepositorySnapshot{}, nil, fmt.Errorf("checking out %s: %w", snap.Revision, err)
	}
	snap.Checkout = wc.Dir

	return snap, func() {
		if err := wc.Release(); err != nil {
			o.logger.Warn("Failed to clean up discovery checkout", zap.Error(err))
		}
		o.closeRepo(repo)
	}, nil
}

func (o *Orchestrator) closeRepo(repo *workspace.Repository) {
	if err := repo.Close(); err != nil {
		o.logger.Warn("Failed to clean up repository checkout", zap.Error(err))
	}
}

// discoverIssues runs discovery and normalization and stamps each issue with
// the snapshot revision.
func (o *Orchestrator) discoverIssues(ctx context.Context, snap schemas.RepositorySnapshot) ([]schemas.Finding, []*schemas.Issue, []schemas.ScannerFailure) {
	findings, failures := o.Discover(ctx, snap)
	issues := o.normalizer.Normalize(findings)
	for _, issue := range issues {
		issue.Revision = snap.Revision
	}
	return findings, issues, failures
}

// Discover runs every scanner against the snapshot concurrently, bounded by
// the scanner slots. A scanner that fails is reported and skipped; the others
// still contribute. Findings keep scanner order so normalization is
// deterministic.
func (o *Orchestrator) Discover(ctx context.Context, snap schemas.RepositorySnapshot) ([]schemas.Finding, []schemas.ScannerFailure) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Discover")
	defer span.End()

	results := make([][]schemas.Finding, len(o.scanners))
	errs := make([]error, len(o.scanners))

	var g errgroup.Group
	for i, s := range o.scanners {
		g.Go(func() error {
			if err := o.scannerSlots.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return nil
			}
			defer o.scannerSlots.Release(1)

			start := time.Now()
			results[i], errs[i] = scanner.Run(ctx, o.logger, s, snap.SourceDir())
			o.metrics.ObserveScanner(s.Name(), time.Since(start))
			return nil
		})
	}
	_ = g.Wait()

	var findings []schemas.Finding
	var failures []schemas.ScannerFailure
	for i, s := range o.scanners {
		if errs[i] != nil {
			o.logger.Error("Scanner failed", zap.String("tool", s.Name()), zap.Error(errs[i]))
			o.metrics.ScannerFailed(s.Name())
			failures = append(failures, schemas.ScannerFailure{Tool: s.Name(), Error: errs[i].Error()})
			continue
		}
		findings = append(findings, results[i]...)
	}
	span.SetAttributes(attribute.Int("findings", len(findings)), attribute.Int("scanner_failures", len(failures)))
	return findings, failures
}

// Resolve drives every issue to a terminal state and aggregates the report.
// Issues are processed by a pool of at most MaxInFlight workers; each issue is
// owned by exactly one worker. When ctx is cancelled, issues that have not
// finished are recorded as errors.
func (o *Orchestrator) Resolve(ctx context.Context, snap schemas.RepositorySnapshot, issues []*schemas.Issue) *schemas.RunReport {
	report := &schemas.RunReport{
		RunID:     uuid.NewString(),
		Revision:  snap.Revision,
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With(zap.String("run_id", report.RunID))
	logger.Info("Resolution starting",
		zap.Int("issues", len(issues)),
		zap.Int("max_in_flight", o.cfg.MaxInFlight),
		zap.Int("max_attempts", o.maxAttempts))

	pending := o.suppressPreviouslyAttempted(ctx, snap, issues)

	queue := make(chan *schemas.Issue)
	var g errgroup.Group
	for i := 0; i < min(o.cfg.MaxInFlight, max(len(pending), 1)); i++ {
		workerID := i + 1
		g.Go(func() error {
			o.runWorker(ctx, workerID, snap, queue)
			return nil
		})
	}

feed:
	for _, issue := range pending {
		select {
		case queue <- issue:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	_ = g.Wait()

	for _, issue := range issues {
		if !issue.State.IsTerminal() {
			o.finish(issue, schemas.StateError, cancelReason(ctx))
		}
		o.metrics.IssueFinished(string(issue.State))
		report.Issues = append(report.Issues, schemas.NewIssueReport(issue))
	}
	markCancelled(ctx, report)
	report.FinishedAt = time.Now().UTC()
	report.Tally()

	logger.Info("Resolution finished",
		zap.Bool("cancelled", report.Cancelled),
		zap.Bool("timed_out", report.TimedOut),
		zap.Any("summary", report.Summary),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

// runWorker is the loop of one pool goroutine.
func (o *Orchestrator) runWorker(ctx context.Context, workerID int, snap schemas.RepositorySnapshot, queue <-chan *schemas.Issue) {
	logger := o.logger.With(zap.Int("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		case issue, ok := <-queue:
			if !ok {
				return
			}
			o.metrics.TrackIssue(func() { o.resolveIssue(ctx, snap, issue) })
		}
	}
}

// suppressPreviouslyAttempted marks issues the store has already given up on
// for this revision and returns the rest.
func (o *Orchestrator) suppressPreviouslyAttempted(ctx context.Context, snap schemas.RepositorySnapshot, issues []*schemas.Issue) []*schemas.Issue {
	if o.store == nil || !o.cfg.SkipPreviouslyAttempted || len(issues) == 0 {
		return issues
	}
	ids := make([]string, len(issues))
	for i, issue := range issues {
		ids[i] = issue.ID
	}
	seen, err := o.store.PreviouslyAttempted(ctx, snap.Revision, ids)
	if err != nil {
		o.logger.Warn("Could not look up previous attempts; resolving every issue", zap.Error(err))
		return issues
	}

	pending := make([]*schemas.Issue, 0, len(issues))
	for _, issue := range issues {
		if seen[issue.ID] {
			o.finish(issue, schemas.StateFixUnavailable, "previously attempted")
			continue
		}
		pending = append(pending, issue)
	}
	if skipped := len(issues) - len(pending); skipped > 0 {
		o.logger.Info("Skipping previously attempted issues", zap.Int("count", skipped))
	}
	return pending
}
