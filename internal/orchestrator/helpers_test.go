package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/autofix"
	"github.com/xkilldash9x/patchwright/internal/config"
	"github.com/xkilldash9x/patchwright/internal/normalize"
	"github.com/xkilldash9x/patchwright/internal/scanner"
)

// -- Fakes --

// stageTracker records how many stages run at once, per issue and overall.
type stageTracker struct {
	mu         sync.Mutex
	active     map[string]int
	violations int
}

func newStageTracker() *stageTracker {
	return &stageTracker{active: make(map[string]int)}
}

func (s *stageTracker) enter(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id]++
	if s.active[id] > 1 {
		s.violations++
	}
}

func (s *stageTracker) leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id]--
}

func (s *stageTracker) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// fakeProposer returns a deterministic patch unless fail says otherwise.
type fakeProposer struct {
	tracker *stageTracker
	delay   time.Duration
	fail    func(issue *schemas.Issue, attempt int) error
	// block makes Propose wait for cancellation.
	block bool

	calls       atomic.Int32
	concurrent  atomic.Int32
	maxObserved atomic.Int32

	mu           sync.Mutex
	priorHistory map[string][]int // issue id -> len(issue.Attempts) seen at each call
}

func (p *fakeProposer) Propose(ctx context.Context, issue *schemas.Issue, snap schemas.RepositorySnapshot, attempt int) (*schemas.CandidatePatch, error) {
	p.tracker.enter(issue.ID)
	defer p.tracker.leave(issue.ID)
	p.calls.Add(1)

	n := p.concurrent.Add(1)
	defer p.concurrent.Add(-1)
	for {
		cur := p.maxObserved.Load()
		if n <= cur || p.maxObserved.CompareAndSwap(cur, n) {
			break
		}
	}

	p.mu.Lock()
	if p.priorHistory == nil {
		p.priorHistory = make(map[string][]int)
	}
	p.priorHistory[issue.ID] = append(p.priorHistory[issue.ID], len(issue.Attempts))
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, &autofix.GenerationError{IssueID: issue.ID, Attempt: attempt, Reason: "LLM generation failed", Err: ctx.Err()}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail != nil {
		if err := p.fail(issue, attempt); err != nil {
			return nil, err
		}
	}
	return &schemas.CandidatePatch{
		IssueID:   issue.ID,
		Attempt:   attempt,
		Diff:      fmt.Sprintf("patch for %s attempt %d", issue.ID, attempt),
		Files:     []string{issue.Path},
		CreatedAt: time.Now(),
	}, nil
}

func (p *fakeProposer) History(id string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.priorHistory[id]...)
}

// fakeValidator answers with whatever outcome returns; the default resolves.
type fakeValidator struct {
	tracker *stageTracker
	outcome func(issue *schemas.Issue, patch *schemas.CandidatePatch) (schemas.ValidationResult, error)

	calls  atomic.Int32
	primed atomic.Int32
}

func (v *fakeValidator) Validate(ctx context.Context, snap schemas.RepositorySnapshot, issue *schemas.Issue, patch *schemas.CandidatePatch) (schemas.ValidationResult, error) {
	v.tracker.enter(issue.ID)
	defer v.tracker.leave(issue.ID)
	v.calls.Add(1)
	if v.outcome == nil {
		return schemas.ValidationResult{Outcome: schemas.OutcomeResolved}, nil
	}
	return v.outcome(issue, patch)
}

func (v *fakeValidator) Prime(snap schemas.RepositorySnapshot, findings []schemas.Finding) {
	v.primed.Add(1)
}

// staticScanner returns a fixed set of findings or a fixed error.
type staticScanner struct {
	name     string
	findings []schemas.Finding
	err      error
	// block makes Invoke wait for cancellation.
	block bool
}

func (s *staticScanner) Name() string { return s.name }

func (s *staticScanner) Invoke(ctx context.Context, repoPath string) ([]byte, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return json.Marshal(s.findings)
}

func (s *staticScanner) Parse(raw []byte, repoPath string) ([]schemas.Finding, error) {
	var out []schemas.Finding
	err := json.Unmarshal(raw, &out)
	return out, err
}

// treeScanner reports one finding for every .py file in the tree it is
// pointed at, and remembers which trees those were.
type treeScanner struct {
	mu   sync.Mutex
	dirs []string
}

func (s *treeScanner) Name() string { return "tree" }

func (s *treeScanner) Invoke(ctx context.Context, repoPath string) ([]byte, error) {
	s.mu.Lock()
	s.dirs = append(s.dirs, repoPath)
	s.mu.Unlock()

	var findings []schemas.Finding
	err := filepath.WalkDir(repoPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.HasSuffix(p, ".py") {
			rel, err := filepath.Rel(repoPath, p)
			if err != nil {
				return err
			}
			findings = append(findings, schemas.Finding{
				Tool:     "tree",
				RuleID:   "B608",
				Path:     filepath.ToSlash(rel),
				Lines:    schemas.LineRange{Start: 1, End: 1},
				Severity: schemas.SeverityMedium,
				Message:  "Possible SQL injection",
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(findings)
}

func (s *treeScanner) Parse(raw []byte, repoPath string) ([]schemas.Finding, error) {
	var out []schemas.Finding
	err := json.Unmarshal(raw, &out)
	return out, err
}

func (s *treeScanner) Dirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dirs...)
}

// fakeStore is an in-memory ReportStore.
type fakeStore struct {
	mu        sync.Mutex
	saved     []*schemas.RunReport
	attempted map[string]bool
	lookupErr error
}

func (s *fakeStore) SaveRunReport(ctx context.Context, report *schemas.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, report)
	return nil
}

func (s *fakeStore) PreviouslyAttempted(ctx context.Context, revision string, ids []string) (map[string]bool, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	out := make(map[string]bool)
	for _, id := range ids {
		if s.attempted[id] {
			out[id] = true
		}
	}
	return out, nil
}

// fakePublisher records the reports it was asked to publish.
type fakePublisher struct {
	mu        sync.Mutex
	published []*schemas.RunReport
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, snap schemas.RepositorySnapshot, report *schemas.RunReport) (*schemas.PullRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, report)
	if p.err != nil {
		return nil, p.err
	}
	return &schemas.PullRequest{Number: 1, Branch: "fix/test", Commit: snap.Revision}, nil
}

// -- Fixture --

type fixture struct {
	orch      *Orchestrator
	proposer  *fakeProposer
	validator *fakeValidator
	tracker   *stageTracker
	cfg       *config.Config
}

func newFixture(t *testing.T, mutate func(cfg *config.Config), extra Components) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.AutofixCfg.MaxAttempts = 3
	cfg.OrchestratorCfg.MaxInFlight = 4
	cfg.OrchestratorCfg.LLMSlots = 2
	if mutate != nil {
		mutate(cfg)
	}

	tracker := newStageTracker()
	proposer := &fakeProposer{tracker: tracker}
	validator := &fakeValidator{tracker: tracker}
	logger := zaptest.NewLogger(t)

	c := extra
	if c.Scanners == nil {
		c.Scanners = []scanner.Scanner{&staticScanner{name: "fake"}}
	}
	c.Normalizer = normalize.New(cfg.Normalizer(), nil, logger)
	c.Proposer = proposer
	c.Validator = validator

	orch, err := New(cfg, logger, c)
	require.NoError(t, err)
	return &fixture{orch: orch, proposer: proposer, validator: validator, tracker: tracker, cfg: cfg}
}

func makeIssue(n int) *schemas.Issue {
	f := schemas.Finding{
		Tool:     "fake",
		RuleID:   "B608",
		Path:     fmt.Sprintf("pkg/file%d.py", n),
		Lines:    schemas.LineRange{Start: 42, End: 42},
		Severity: schemas.SeverityHigh,
		Message:  "Possible SQL injection",
	}
	return &schemas.Issue{
		ID:       normalize.IssueID(f.Path, "sql-injection", f.Lines),
		Category: "sql-injection",
		Path:     f.Path,
		Lines:    f.Lines,
		Severity: f.Severity,
		Message:  f.Message,
		Findings: []schemas.Finding{f},
		Revision: "rev",
		State:    schemas.StateDiscovered,
	}
}

func makeIssues(n int) []*schemas.Issue {
	out := make([]*schemas.Issue, n)
	for i := range out {
		out[i] = makeIssue(i)
	}
	return out
}

var testSnap = schemas.RepositorySnapshot{Path: "/nonexistent", Revision: "rev"}
