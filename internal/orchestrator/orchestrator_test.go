// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/autofix"
	"github.com/xkilldash9x/patchwright/internal/config"
	pwmetrics "github.com/xkilldash9x/patchwright/internal/metrics"
	"github.com/xkilldash9x/patchwright/internal/normalize"
	"github.com/xkilldash9x/patchwright/internal/scanner"
)

func TestNew_RejectsMissingDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	tracker := newStageTracker()
	full := Components{
		Scanners:   []scanner.Scanner{&staticScanner{name: "fake"}},
		Normalizer: normalize.New(cfg.Normalizer(), nil, logger),
		Proposer:   &fakeProposer{tracker: tracker},
		Validator:  &fakeValidator{tracker: tracker},
	}

	tests := []struct {
		name   string
		mutate func(c *Components)
	}{
		{"no proposer", func(c *Components) { c.Proposer = nil }},
		{"no validator", func(c *Components) { c.Validator = nil }},
		{"no normalizer", func(c *Components) { c.Normalizer = nil }},
		{"no scanners", func(c *Components) { c.Scanners = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := full
			tt.mutate(&c)
			_, err := New(cfg, logger, c)
			assert.Error(t, err)
		})
	}

	_, err := New(nil, logger, full)
	assert.Error(t, err)

	orch, err := New(cfg, logger, full)
	require.NoError(t, err)
	assert.NotNil(t, orch)
}

// A single finding whose first patch validates resolves on attempt one.
func TestResolve_FirstAttemptResolves(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil, Components{})
	issue := makeIssue(1)

	report := fx.orch.Resolve(context.Background(), testSnap, []*schemas.Issue{issue})

	require.Len(t, report.Issues, 1)
	got := report.Issues[0]
	assert.Equal(t, schemas.StateResolved, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "patch for "+issue.ID+" attempt 1", got.Patch)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, map[schemas.IssueState]int{schemas.StateResolved: 1}, report.Summary)
	assert.False(t, report.Cancelled)
	_, err := uuid.Parse(report.RunID)
	assert.NoError(t, err)
}

// An apply failure on the first attempt is fed into the second, which resolves.
func TestResolve_RetryAfterApplyFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil, Components{})
	fx.validator.outcome = func(issue *schemas.Issue, patch *schemas.CandidatePatch) (schemas.ValidationResult, error) {
		if patch.Attempt == 1 {
			return schemas.ValidationResult{Outcome: schemas.OutcomeApplyFailed, Detail: "hunk 1 failed"}, nil
		}
		return schemas.ValidationResult{Outcome: schemas.OutcomeResolved}, nil
	}
	issue := makeIssue(1)

	report := fx.orch.Resolve(context.Background(), testSnap, []*schemas.Issue{issue})

	got := report.Issues[0]
	assert.Equal(t, schemas.StateResolved, got.State)
	assert.Equal(t, 2, got.Attempts)
	require.Len(t, got.History, 2)
	assert.Equal(t, schemas.OutcomeApplyFailed, got.History[0].Validation.Outcome)
	assert.Equal(t, schemas.OutcomeResolved, got.History[1].Validation.Outcome)
	assert.Equal(t, []int{1, 2}, []int{got.History[0].Number, got.History[1].Number})

	// The second generation saw the first attempt in the issue history.
	assert.Equal(t, []int{0, 1}, fx.proposer.History(issue.ID))
}

// Every attempt unresolved with maxAttempts = 2 ends fix-unavailable after
// exactly two generations.
func TestResolve_AttemptBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, func(cfg *config.Config) { cfg.AutofixCfg.MaxAttempts = 2 }, Components{})
	fx.validator.outcome = func(*schemas.Issue, *schemas.CandidatePatch) (schemas.ValidationResult, error) {
		return schemas.ValidationResult{Outcome: schemas.OutcomeUnresolved, Detail: "1 original finding(s) still reported"}, nil
	}

	report := fx.orch.Resolve(context.Background(), testSnap, []*schemas.Issue{makeIssue(1)})

	got := report.Issues[0]
	assert.Equal(t, schemas.StateFixUnavailable, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int32(2), fx.proposer.calls.Load())
	assert.Equal(t, int32(2), fx.validator.calls.Load())
	assert.Contains(t, got.FailureReason, "no validated fix after 2 attempt(s)")
	assert.Contains(t, got.FailureReason, "unresolved")
}

func TestResolve_GenerationErrorsExhaustAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil, Components{})
	fx.proposer.fail = func(issue *schemas.Issue, attempt int) error {
		return &autofix.GenerationError{IssueID: issue.ID, Attempt: attempt, Reason: "response did not contain a unified diff"}
	}

	report := fx.orch.Resolve(context.Background(), testSnap, []*schemas.Issue{makeIssue(1)})

	got := report.Issues[0]
	assert.Equal(t, schemas.StateFixUnavailable, got.State)
	assert.Equal(t, 3, got.Attempts)
	for _, a := range got.History {
		assert.Contains(t, a.GenerationError, "did not contain a unified diff")
		assert.Nil(t, a.Patch)
	}
	assert.Zero(t, fx.validator.calls.Load())
}

func TestResolve_InfrastructureFaultIsError(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil, Components{})
	fx.validator.outcome = func(*schemas.Issue, *schemas.CandidatePatch) (schemas.ValidationResult, error) {
		return schemas.ValidationResult{}, &schemas.InfrastructureError{Op: "clone working copy", Err: errors.New("disk full")}
	}

	report := fx.orch.Resolve(context.Background(), testSnap, []*schemas.Issue{makeIssue(1), makeIssue(2)})

	for _, got := range report.Issues {
		assert.Equal(t, schemas.StateError, got.State)
		assert.Equal(t, 1, got.Attempts)
		assert.Contains(t, got.FailureReason, "disk full")
	}
	assert.Equal(t, 2, report.Summary[schemas.StateError])
}

func TestResolve_UnclassifiedGenerationFailureIsError(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil, Components{})
	fx.proposer.fail = func(*schemas.Issue, int) error { return errors.New("boom") }

	report := fx.orch.Resolve(context.Background(), testSnap, []*schemas.Issue{makeIssue(1)})
	assert.Equal(t, schemas.StateError, report.Issues[0].State)
	assert.Equal(t, int32(1), fx.proposer.calls.Load())
}

func TestResolve_ScannerFailureDuringValidationRetries(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil, Components{})
	fx.validator.outcome = func(issue *schemas.Issue, patch *schemas.CandidatePatch) (schemas.ValidationResult, error) {
		if patch.Attempt == 1 {
			return schemas.ValidationResult{}, &scanner.ScannerTimeoutError{Tool: "fake", Timeout: time.Minute}
		}
		return schemas.ValidationResult{Outcome: schemas.OutcomeResolved}, nil
	}

	report := fx.orch.Resolve(context.Background(), testSnap, []*schemas.Issue{makeIssue(1)})

	got := report.Issues[0]
	assert.Equal(t, schemas.StateResolved, got.State)
	require.Len(t, got.History, 2)
	assert.Contains(t, got.History[0].ValidationError, "timed out")
	assert.Nil(t, got.History[0].Validation)
}

func TestResolve_ConcurrentIssuesAreSingleWriter(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.OrchestratorCfg.MaxInFlight = 8
		cfg.OrchestratorCfg.LLMSlots = 2
	}, Components{})
	fx.proposer.delay = 5 * time.Millisecond
	fx.validator.outcome = func(issue *schemas.Issue, patch *schemas.CandidatePatch) (schemas.ValidationResult, error) {
		if patch.Attempt < 2 {
			return schemas.ValidationResult{Outcome: schemas.OutcomeRegressed}, nil
		}
		return schemas.ValidationResult{Outcome: schemas.OutcomeResolved}, nil
	}
	issues := makeIssues(24)

	report := fx.orch.Resolve(context.Background(), testSnap, issues)

	assert.Zero(t, fx.tracker.Violations(), "an issue had two stages in flight")
	assert.LessOrEqual(t, fx.proposer.maxObserved.Load(), int32(2), "LLM slots exceeded")
	require.Len(t, report.Issues, len(issues))
	for i, got := range report.Issues {
		assert.Equal(t, issues[i].ID, got.ID, "report keeps discovery order")
		assert.Equal(t, schemas.StateResolved, got.State)
		assert.Equal(t, 2, got.Attempts)
	}
}

func TestResolve_CancellationMarksUnfinishedIssues(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, func(cfg *config.Config) { cfg.OrchestratorCfg.MaxInFlight = 2 }, Components{})
	fx.proposer.block = true
	issues := makeIssues(5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for fx.proposer.calls.Load() < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	report := fx.orch.Resolve(ctx, testSnap, issues)

	assert.True(t, report.Cancelled)
	require.Len(t, report.Issues, 5)
	for _, got := range report.Issues {
		assert.Equal(t, schemas.StateError, got.State)
		assert.True(t, strings.HasPrefix(got.FailureReason, "cancelled"), got.FailureReason)
	}
	assert.Equal(t, map[schemas.IssueState]int{schemas.StateError: 5}, report.Summary)
}

func TestResolve_SkipsPreviouslyAttempted(t *testing.T) {
	defer goleak.VerifyNone(t)
	issues := makeIssues(2)
	store := &fakeStore{attempted: map[string]bool{issues[0].ID: true}}
	fx := newFixture(t, func(cfg *config.Config) { cfg.OrchestratorCfg.SkipPreviouslyAttempted = true }, Components{Store: store})

	report := fx.orch.Resolve(context.Background(), testSnap, issues)

	assert.Equal(t, schemas.StateFixUnavailable, report.Issues[0].State)
	assert.Equal(t, "previously attempted", report.Issues[0].FailureReason)
	assert.Zero(t, report.Issues[0].Attempts)
	assert.Equal(t, schemas.StateResolved, report.Issues[1].State)
	assert.Equal(t, []int{0}, fx.proposer.History(issues[1].ID))
	assert.Empty(t, fx.proposer.History(issues[0].ID))
}

func TestResolve_SuppressionLookupFailureResolvesAll(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &fakeStore{lookupErr: errors.New("connection refused")}
	fx := newFixture(t, func(cfg *config.Config) { cfg.OrchestratorCfg.SkipPreviouslyAttempted = true }, Components{Store: store})

	report := fx.orch.Resolve(context.Background(), testSnap, makeIssues(2))
	assert.Equal(t, 2, report.Summary[schemas.StateResolved])
}

func TestResolve_NoIssues(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, nil, Components{})

	report := fx.orch.Resolve(context.Background(), testSnap, nil)
	assert.Empty(t, report.Issues)
	assert.Empty(t, report.Summary)
	assert.Zero(t, fx.proposer.calls.Load())
}

func TestAdvance(t *testing.T) {
	issue := makeIssue(1)
	require.NoError(t, advance(issue, schemas.StateGenerating))
	require.NoError(t, advance(issue, schemas.StateValidating))
	require.NoError(t, advance(issue, schemas.StateResolved))

	err := advance(issue, schemas.StateGenerating)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, schemas.StateResolved, issue.State)

	issue = makeIssue(2)
	assert.ErrorIs(t, advance(issue, schemas.StateValidating), ErrIllegalTransition)
}

func TestDiscover_CollectsFailuresAndKeepsOrder(t *testing.T) {
	a := schemas.Finding{Tool: "alpha", RuleID: "R1", Path: "a.py", Lines: schemas.LineRange{Start: 1, End: 1}, Severity: schemas.SeverityLow}
	b := schemas.Finding{Tool: "beta", RuleID: "R2", Path: "b.py", Lines: schemas.LineRange{Start: 2, End: 2}, Severity: schemas.SeverityMedium}
	m := pwmetrics.New()
	fx := newFixture(t, nil, Components{
		Scanners: []scanner.Scanner{
			&staticScanner{name: "alpha", findings: []schemas.Finding{a}},
			&staticScanner{name: "broken", err: &scanner.ScannerExecutionError{Tool: "broken", ExitCode: 2, Stderr: "bad flag"}},
			&staticScanner{name: "beta", findings: []schemas.Finding{b}},
		},
		Metrics: m,
	})

	findings, failures := fx.orch.Discover(context.Background(), testSnap)

	if diff := cmp.Diff([]schemas.Finding{a, b}, findings); diff != "" {
		t.Errorf("findings mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, failures, 1)
	assert.Equal(t, "broken", failures[0].Tool)
	assert.Contains(t, failures[0].Error, "exited with code 2")
}

func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.py"), []byte("KEY = 'hunter2'\n"), 0o644))
	_, err = wt.Add("config.py")
	require.NoError(t, err)
	hash, err := wt.Commit("init", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()}})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestRun_EndToEnd(t *testing.T) {
	dir, revision := initRepo(t)

	secret := func(tool, rule string, sev schemas.Severity) schemas.Finding {
		return schemas.Finding{Tool: tool, RuleID: rule, Path: "config.py", Lines: schemas.LineRange{Start: 1, End: 1}, Severity: sev, Message: "hardcoded secret"}
	}
	store := &fakeStore{}
	publisher := &fakePublisher{}
	fx := newFixture(t, nil, Components{
		Scanners: []scanner.Scanner{
			&staticScanner{name: "bandit", findings: []schemas.Finding{secret("bandit", "B105", schemas.SeverityLow)}},
			&staticScanner{name: "gitleaks", findings: []schemas.Finding{secret("gitleaks", "generic-api-key", schemas.SeverityHigh)}},
			&staticScanner{name: "semgrep", err: &scanner.ScannerTimeoutError{Tool: "semgrep", Timeout: time.Second}},
		},
		Store:     store,
		Publisher: publisher,
		Tracer:    noop.NewTracerProvider().Tracer("test"),
	})

	report, err := fx.orch.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, dir, report.Repository)
	assert.Equal(t, revision, report.Revision)
	require.Len(t, report.Issues, 1, "both secret findings cluster into one issue")
	got := report.Issues[0]
	assert.Equal(t, schemas.SeverityHigh, got.Severity)
	assert.Equal(t, []string{"bandit", "gitleaks"}, got.Tools)
	assert.Equal(t, schemas.StateResolved, got.State)

	require.Len(t, report.ScannerFailures, 1)
	assert.Equal(t, "semgrep", report.ScannerFailures[0].Tool)
	assert.Equal(t, int32(1), fx.validator.primed.Load())
	require.Len(t, store.saved, 1)
	assert.Same(t, report, store.saved[0])

	require.Len(t, publisher.published, 1)
	require.NotNil(t, report.PullRequest)
	assert.Equal(t, revision, report.PullRequest.Commit)
	assert.Empty(t, report.PublishError)
}

func TestRun_PublishFailureIsRecorded(t *testing.T) {
	dir, _ := initRepo(t)
	finding := schemas.Finding{Tool: "gitleaks", RuleID: "generic-api-key", Path: "config.py", Lines: schemas.LineRange{Start: 1, End: 1}, Severity: schemas.SeverityHigh, Message: "hardcoded secret"}
	publisher := &fakePublisher{err: errors.New("push rejected")}
	fx := newFixture(t, nil, Components{
		Scanners:  []scanner.Scanner{&staticScanner{name: "gitleaks", findings: []schemas.Finding{finding}}},
		Publisher: publisher,
	})

	report, err := fx.orch.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "push rejected", report.PublishError)
	assert.Nil(t, report.PullRequest)
	assert.Equal(t, 1, report.Summary[schemas.StateResolved])
}

func TestRun_NothingResolvedSkipsPublish(t *testing.T) {
	dir, _ := initRepo(t)
	publisher := &fakePublisher{}
	fx := newFixture(t, nil, Components{Publisher: publisher})

	report, err := fx.orch.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Empty(t, publisher.published)
}

func TestRun_DiscoversOnlyCommittedFiles(t *testing.T) {
	dir, _ := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.py"), []byte("query = 'SELECT * FROM t WHERE id=' + uid\n"), 0o644))
	tree := &treeScanner{}
	fx := newFixture(t, nil, Components{Scanners: []scanner.Scanner{tree}})

	report, err := fx.orch.Run(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, report.Issues, 1, "the untracked file is not in the revision and cannot be patched")
	assert.Equal(t, "config.py", report.Issues[0].Path)
	assert.Equal(t, schemas.StateResolved, report.Issues[0].State)

	dirs := tree.Dirs()
	require.Len(t, dirs, 1)
	assert.NotEqual(t, dir, dirs[0])
	assert.NoDirExists(t, dirs[0], "the discovery checkout is released after the run")
}

func TestScan_DiscoversOnlyCommittedFiles(t *testing.T) {
	dir, _ := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.py"), []byte("x = 1\n"), 0o644))
	fx := newFixture(t, nil, Components{Scanners: []scanner.Scanner{&treeScanner{}}})

	report, err := fx.orch.Scan(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "config.py", report.Issues[0].Path)
}

func TestRun_TimeoutIsToldApartFromCancellation(t *testing.T) {
	dir, _ := initRepo(t)
	store := &fakeStore{}
	fx := newFixture(t, func(cfg *config.Config) { cfg.OrchestratorCfg.RunTimeout = time.Second }, Components{
		Scanners: []scanner.Scanner{&treeScanner{}},
		Store:    store,
	})
	fx.proposer.block = true

	report, err := fx.orch.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.True(t, report.TimedOut)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, schemas.StateError, report.Issues[0].State)
	assert.Contains(t, report.Issues[0].FailureReason, ErrRunTimeout.Error())
	require.Len(t, store.saved, 1, "a timed out run is still persisted")
}

func TestResolve_CallerCancellationIsNotATimeout(t *testing.T) {
	fx := newFixture(t, nil, Components{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := fx.orch.Resolve(ctx, testSnap, makeIssues(1))
	assert.True(t, report.Cancelled)
	assert.False(t, report.TimedOut)
}

func TestScan_AppliesRunTimeout(t *testing.T) {
	dir, _ := initRepo(t)
	fx := newFixture(t, func(cfg *config.Config) { cfg.OrchestratorCfg.RunTimeout = time.Second }, Components{
		Scanners: []scanner.Scanner{&staticScanner{name: "slow", block: true}},
	})

	report, err := fx.orch.Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.True(t, report.TimedOut)
	require.Len(t, report.ScannerFailures, 1)
	assert.Equal(t, "slow", report.ScannerFailures[0].Tool)
}

func TestRun_UnreadableRepositoryAborts(t *testing.T) {
	fx := newFixture(t, nil, Components{})
	_, err := fx.orch.Run(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening repository")
}

func TestScan_DiscoversWithoutResolving(t *testing.T) {
	dir, revision := initRepo(t)
	finding := schemas.Finding{Tool: "bandit", RuleID: "B105", Path: "config.py", Lines: schemas.LineRange{Start: 1, End: 1}, Severity: schemas.SeverityLow, Message: "hardcoded password"}
	store := &fakeStore{}
	fx := newFixture(t, nil, Components{
		Scanners: []scanner.Scanner{&staticScanner{name: "bandit", findings: []schemas.Finding{finding}}},
		Store:    store,
	})

	report, err := fx.orch.Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, revision, report.Revision)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, schemas.StateDiscovered, report.Issues[0].State)
	assert.Equal(t, 1, report.Summary[schemas.StateDiscovered])
	assert.Zero(t, fx.proposer.calls.Load())
	assert.Zero(t, fx.validator.calls.Load())
	assert.Empty(t, store.saved)
}
