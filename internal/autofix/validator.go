// internal/autofix/validator.go
package autofix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
	"github.com/xkilldash9x/patchwright/internal/scanner"
	"github.com/xkilldash9x/patchwright/internal/workspace"
)

const maxOutput = 4000

type baselineKey struct {
	revision string
	tool     string
}

type baselineEntry struct {
	once     sync.Once
	findings []schemas.Finding
	err      error
}

// Validator applies candidate patches in disposable working copies and
// re-runs the scanners that reported the issue.
type Validator struct {
	logger    *zap.Logger
	cfg       config.AutofixConfig
	tolerance int
	acquirer  workspace.Acquirer
	scanners  map[string]scanner.Scanner
	slots     *semaphore.Weighted

	mu       sync.Mutex
	baseline map[baselineKey]*baselineEntry
}

// NewValidator builds a validator. tolerance is the line distance within which
// a post-patch finding still counts as the original one. slots bounds
// concurrent scanner processes and may be shared with discovery; nil means
// unbounded.
func NewValidator(logger *zap.Logger, cfg config.AutofixConfig, tolerance int, acquirer workspace.Acquirer, scanners []scanner.Scanner, slots *semaphore.Weighted) *Validator {
	byName := make(map[string]scanner.Scanner, len(scanners))
	for _, s := range scanners {
		byName[s.Name()] = s
	}
	return &Validator{
		logger:    logger.Named("autofix-validator"),
		cfg:       cfg,
		tolerance: tolerance,
		acquirer:  acquirer,
		scanners:  byName,
		slots:     slots,
		baseline:  make(map[baselineKey]*baselineEntry),
	}
}

// Prime records the findings discovery already produced for a snapshot, so
// regression checks compare against them instead of scanning the snapshot again.
func (v *Validator) Prime(snap schemas.RepositorySnapshot, findings []schemas.Finding) {
	byTool := make(map[string][]schemas.Finding)
	for _, f := range findings {
		byTool[f.Tool] = append(byTool[f.Tool], f)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for name := range v.scanners {
		entry := &baselineEntry{}
		fs := byTool[name]
		entry.once.Do(func() { entry.findings = fs })
		v.baseline[baselineKey{snap.Revision, name}] = entry
	}
}

// Validate implements PatchValidator.
func (v *Validator) Validate(ctx context.Context, snap schemas.RepositorySnapshot, issue *schemas.Issue, patch *schemas.CandidatePatch) (schemas.ValidationResult, error) {
	if issue.Revision != "" && issue.Revision != snap.Revision {
		return schemas.ValidationResult{}, &schemas.InfrastructureError{
			Op:  "validate",
			Err: fmt.Errorf("issue discovered at %s but snapshot is %s", issue.Revision, snap.Revision),
		}
	}
	logger := v.logger.With(zap.String("issue_id", issue.ID), zap.Int("attempt", patch.Attempt))

	wc, err := v.acquirer.Acquire(ctx, snap, fmt.Sprintf("%s-%d", shortID(issue.ID), patch.Attempt))
	if err != nil {
		return schemas.ValidationResult{}, err
	}
	result := schemas.ValidationResult{}
	defer func() {
		if result.Outcome != schemas.OutcomeResolved {
			wc.MarkFailed()
		}
		if rerr := wc.Release(); rerr != nil {
			logger.Warn("Failed to release working copy.", zap.String("dir", wc.Dir), zap.Error(rerr))
		}
	}()

	if err := wc.Apply(ctx, patch.Diff); err != nil {
		if errors.Is(err, workspace.ErrApply) {
			logger.Info("Patch did not apply.", zap.Error(err))
			result = schemas.ValidationResult{
				Outcome: schemas.OutcomeApplyFailed,
				Detail:  "the diff did not apply cleanly to the discovery revision",
				Output:  truncateOutput(err.Error()),
			}
			return result, nil
		}
		return result, err
	}

	remaining, introduced, err := v.rescan(ctx, snap, wc, issue, patch)
	if err != nil {
		return schemas.ValidationResult{}, err
	}

	switch {
	case len(remaining) > 0:
		result = schemas.ValidationResult{
			Outcome:    schemas.OutcomeUnresolved,
			Detail:     fmt.Sprintf("%d original finding(s) still reported", len(remaining)),
			Remaining:  remaining,
			Introduced: introduced,
		}
	case len(introduced) > 0:
		result = schemas.ValidationResult{
			Outcome:    schemas.OutcomeRegressed,
			Detail:     fmt.Sprintf("%d new finding(s) in touched files", len(introduced)),
			Introduced: introduced,
		}
	default:
		result, err = v.runTests(ctx, wc)
		if err != nil {
			return schemas.ValidationResult{}, err
		}
	}

	logger.Info("Validation complete.", zap.String("outcome", string(result.Outcome)))
	return result, nil
}

// rescan runs each contributing scanner against the working copy. A finding
// is remaining when it matches an original finding by tool, rule and shifted
// location; it is introduced when it sits in a touched file and matches
// nothing in the baseline for that file.
func (v *Validator) rescan(ctx context.Context, snap schemas.RepositorySnapshot, wc *workspace.WorkingCopy, issue *schemas.Issue, patch *schemas.CandidatePatch) (remaining, introduced []schemas.Finding, err error) {
	touched := make(map[string]bool, len(patch.Files))
	for _, f := range patch.Files {
		touched[f] = true
	}

	for _, tool := range issue.Tools() {
		s, ok := v.scanners[tool]
		if !ok {
			return nil, nil, &schemas.InfrastructureError{Op: "rescan", Err: fmt.Errorf("scanner %q is not configured", tool)}
		}

		after, err := v.run(ctx, s, wc.Dir)
		if err != nil {
			return nil, nil, err
		}
		before, err := v.baselineFor(ctx, snap, s)
		if err != nil {
			return nil, nil, err
		}

		for _, f := range after {
			if v.matchesAny(f, issue.Findings, patch.Diff) {
				remaining = append(remaining, f)
				continue
			}
			if touched[f.Path] && !v.matchesAny(f, before, patch.Diff) {
				introduced = append(introduced, f)
			}
		}
	}
	return remaining, introduced, nil
}

// matchesAny reports whether post-patch finding f corresponds to one of the
// pre-patch findings.
func (v *Validator) matchesAny(f schemas.Finding, originals []schemas.Finding, diff string) bool {
	for _, o := range originals {
		if o.Tool != f.Tool || o.RuleID != f.RuleID || o.Path != f.Path {
			continue
		}
		if shiftRange(diff, o.Path, o.Lines).Within(f.Lines, v.tolerance) {
			return true
		}
	}
	return false
}

func (v *Validator) baselineFor(ctx context.Context, snap schemas.RepositorySnapshot, s scanner.Scanner) ([]schemas.Finding, error) {
	key := baselineKey{snap.Revision, s.Name()}
	v.mu.Lock()
	entry, ok := v.baseline[key]
	if !ok {
		entry = &baselineEntry{}
		v.baseline[key] = entry
	}
	v.mu.Unlock()

	entry.once.Do(func() {
		v.logger.Debug("Scanning snapshot for regression baseline.", zap.String("tool", s.Name()))
		entry.findings, entry.err = v.run(ctx, s, snap.SourceDir())
	})
	return entry.findings, entry.err
}

func (v *Validator) run(ctx context.Context, s scanner.Scanner, dir string) ([]schemas.Finding, error) {
	if v.slots != nil {
		if err := v.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer v.slots.Release(1)
	}
	return scanner.Run(ctx, v.logger, s, dir)
}

// runTests executes the configured test command, if any, in the working copy.
func (v *Validator) runTests(ctx context.Context, wc *workspace.WorkingCopy) (schemas.ValidationResult, error) {
	resolved := schemas.ValidationResult{Outcome: schemas.OutcomeResolved}
	if len(v.cfg.TestCommand) == 0 {
		return resolved, nil
	}

	timeout := v.cfg.TestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, v.cfg.TestCommand[0], v.cfg.TestCommand[1:]...)
	cmd.Dir = wc.Dir
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	v.logger.Debug("Running test command.", zap.Strings("command", v.cfg.TestCommand), zap.String("dir", wc.Dir))
	err := cmd.Run()
	switch {
	case err == nil:
		return resolved, nil
	case ctx.Err() != nil:
		return schemas.ValidationResult{}, ctx.Err()
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return schemas.ValidationResult{
			Outcome: schemas.OutcomeBuildTestFailed,
			Detail:  fmt.Sprintf("test command timed out after %s", timeout),
			Output:  truncateOutput(out.String()),
		}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return schemas.ValidationResult{}, &schemas.InfrastructureError{Op: "test command", Err: err}
	}
	return schemas.ValidationResult{
		Outcome: schemas.OutcomeBuildTestFailed,
		Detail:  fmt.Sprintf("test command exited with code %d", exitErr.ExitCode()),
		Output:  truncateOutput(out.String()),
	}, nil
}

// truncateOutput keeps the tail, where build and test failures usually are.
func truncateOutput(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return "..." + s[len(s)-maxOutput:]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
