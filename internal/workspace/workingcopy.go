package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

// ErrApply wraps a diff that did not apply cleanly.
var ErrApply = errors.New("patch did not apply")

// Acquirer creates isolated working copies of a snapshot.
type Acquirer interface {
	Acquire(ctx context.Context, snap schemas.RepositorySnapshot, label string) (*WorkingCopy, error)
}

// Cloner produces working copies by cloning the canonical repository into a
// fresh temporary directory and checking out the snapshot revision.
type Cloner struct {
	logger *zap.Logger
	// KeepOnFailure leaves failed working copies on disk for debugging.
	KeepOnFailure bool
}

// NewCloner creates a Cloner.
func NewCloner(logger *zap.Logger, keepOnFailure bool) *Cloner {
	return &Cloner{logger: logger.Named("workspace"), KeepOnFailure: keepOnFailure}
}

// WorkingCopy is an exclusive checkout used by one validation attempt.
type WorkingCopy struct {
	Dir      string
	Revision string

	logger   *zap.Logger
	keep     bool
	failed   bool
	release  sync.Once
	released error
}

// Acquire clones snap into a new directory. The clone never shares objects
// with the source, so nothing done in it can reach the canonical repository.
func (c *Cloner) Acquire(ctx context.Context, snap schemas.RepositorySnapshot, label string) (*WorkingCopy, error) {
	dir, err := os.MkdirTemp("", "patchwright-wc-"+sanitize(label)+"-")
	if err != nil {
		return nil, &schemas.InfrastructureError{Op: "create working copy directory", Err: err}
	}
	fail := func(op string, err error) (*WorkingCopy, error) {
		_ = os.RemoveAll(dir)
		return nil, &schemas.InfrastructureError{Op: op, Err: err}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        snap.Path,
		NoCheckout: true,
		Tags:       git.NoTags,
	})
	if err != nil {
		return fail("clone working copy", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fail("open working copy worktree", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(snap.Revision), Force: true}); err != nil {
		return fail("checkout "+snap.Revision, err)
	}

	c.logger.Debug("Working copy acquired.", zap.String("dir", dir), zap.String("revision", snap.Revision))
	return &WorkingCopy{Dir: dir, Revision: snap.Revision, logger: c.logger, keep: c.KeepOnFailure}, nil
}

// Apply applies a unified diff with `git apply`. A rejected diff returns an
// error wrapping ErrApply; anything else is an infrastructure fault.
func (w *WorkingCopy) Apply(ctx context.Context, diff string) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "--recount", "--whitespace=nowarn", "-v", "-")
	cmd.Dir = w.Dir
	cmd.Stdin = strings.NewReader(diff)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s", ErrApply, strings.TrimSpace(out.String()))
	}
	return &schemas.InfrastructureError{Op: "run git apply", Err: err}
}

// MarkFailed records that the attempt using this copy did not succeed, which
// matters only when KeepOnFailure is set.
func (w *WorkingCopy) MarkFailed() { w.failed = true }

// Release discards the working copy. It is safe to call more than once.
func (w *WorkingCopy) Release() error {
	w.release.Do(func() {
		if w.failed && w.keep {
			w.logger.Warn("Keeping failed working copy for debugging.", zap.String("dir", w.Dir))
			return
		}
		if err := os.RemoveAll(w.Dir); err != nil {
			w.released = &schemas.InfrastructureError{Op: "remove working copy", Err: err}
			w.logger.Error("Failed to clean up working copy.", zap.String("dir", w.Dir), zap.Error(err))
		}
	})
	return w.released
}

// Path resolves a repository-relative path inside the working copy.
func (w *WorkingCopy) Path(rel string) string {
	return filepath.Join(w.Dir, filepath.FromSlash(rel))
}

func sanitize(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
		if b.Len() >= 24 {
			break
		}
	}
	return b.String()
}
