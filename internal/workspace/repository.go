// Package workspace supplies the version-control primitives the pipeline
// needs: a pinned snapshot of the canonical repository and disposable,
// isolated working copies at that snapshot.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

// ErrDirtyTree is returned when tracked files have uncommitted changes. A
// working copy cloned at HEAD would then not match what the scanners saw.
var ErrDirtyTree = errors.New("repository has uncommitted changes to tracked files; commit or stash them first")

// Repository is the canonical repository. Nothing in the pipeline writes to it.
type Repository struct {
	root   string
	repo   *git.Repository
	logger *zap.Logger
	// cleanup removes a temporary clone when the target was a remote URL.
	cleanup func()
}

// Open opens a local repository, or clones a remote URL into a temporary
// directory that Close removes.
func Open(ctx context.Context, target string, logger *zap.Logger) (*Repository, error) {
	logger = logger.Named("workspace")
	if isRemote(target) {
		return cloneRemote(ctx, target, logger)
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", abs, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("repository at %s has no worktree: %w", abs, err)
	}
	return &Repository{root: wt.Filesystem.Root(), repo: repo, logger: logger, cleanup: func() {}}, nil
}

func isRemote(target string) bool {
	if strings.HasPrefix(target, "git@") {
		return true
	}
	u, err := url.Parse(target)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http" || u.Scheme == "ssh")
}

func cloneRemote(ctx context.Context, target string, logger *zap.Logger) (*Repository, error) {
	dir, err := os.MkdirTemp("", "patchwright-source-")
	if err != nil {
		return nil, &schemas.InfrastructureError{Op: "create clone directory", Err: err}
	}
	logger.Info("Cloning remote repository.", zap.String("url", target), zap.String("dir", dir))
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: target, Depth: 1})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to clone %s: %w", target, err)
	}
	return &Repository{
		root:    dir,
		repo:    repo,
		logger:  logger,
		cleanup: func() { _ = os.RemoveAll(dir) },
	}, nil
}

// Root is the absolute path of the repository's working tree.
func (r *Repository) Root() string { return r.root }

// Close releases a temporary clone, if one was made.
func (r *Repository) Close() error {
	r.cleanup()
	return nil
}

// Snapshot pins the current HEAD. It fails with ErrDirtyTree if tracked files
// differ from HEAD; untracked files are ignored.
func (r *Repository) Snapshot() (schemas.RepositorySnapshot, error) {
	head, err := r.repo.Head()
	if err != nil {
		return schemas.RepositorySnapshot{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return schemas.RepositorySnapshot{}, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return schemas.RepositorySnapshot{}, fmt.Errorf("failed to read worktree status: %w", err)
	}
	var dirty []string
	for file, s := range status {
		if s.Worktree == git.Untracked && s.Staging == git.Untracked {
			continue
		}
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			dirty = append(dirty, file)
		}
	}
	if len(dirty) > 0 {
		sort.Strings(dirty)
		return schemas.RepositorySnapshot{}, fmt.Errorf("%w: %s", ErrDirtyTree, strings.Join(dirty, ", "))
	}
	return schemas.RepositorySnapshot{Path: r.root, Revision: head.Hash().String()}, nil
}
