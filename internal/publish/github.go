// File: internal/publish/github.go
// Description: Publishes the resolved patches of a run as a GitHub pull request.

package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
	"github.com/xkilldash9x/patchwright/internal/workspace"
)

const remoteName = "publish"

// ErrNothingToPublish is returned when a run resolved no issues.
var ErrNothingToPublish = errors.New("no resolved patches to publish")

// pullRequests is the slice of the GitHub API the publisher needs.
type pullRequests interface {
	Create(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, *github.Response, error)
}

// GitHubPublisher pushes resolved patches to a branch and opens a pull request.
type GitHubPublisher struct {
	cfg      config.GitHubConfig
	logger   *zap.Logger
	acquirer workspace.Acquirer
	prs      pullRequests
	now      func() time.Time
}

// NewGitHubPublisher creates a publisher authenticated with the configured token.
func NewGitHubPublisher(ctx context.Context, cfg config.GitHubConfig, acquirer workspace.Acquirer, logger *zap.Logger) (*GitHubPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid api_base_url: %w", err)
		}
		client.BaseURL = base
	}
	return &GitHubPublisher{
		cfg:      cfg,
		logger:   logger.Named("publish"),
		acquirer: acquirer,
		prs:      client.PullRequests,
		now:      time.Now,
	}, nil
}

// Publish applies every resolved patch of report to a fresh working copy of
// snap, pushes the result to a new branch and opens a pull request against
// the base branch. A patch that no longer applies after the earlier ones is
// skipped and listed in the result.
func (p *GitHubPublisher) Publish(ctx context.Context, snap schemas.RepositorySnapshot, report *schemas.RunReport) (*schemas.PullRequest, error) {
	var resolved []schemas.IssueReport
	for _, issue := range report.Issues {
		if issue.State == schemas.StateResolved && issue.Patch != "" {
			resolved = append(resolved, issue)
		}
	}
	if len(resolved) == 0 {
		return nil, ErrNothingToPublish
	}

	wc, err := p.acquirer.Acquire(ctx, snap, "publish")
	if err != nil {
		return nil, err
	}
	defer wc.Release()

	result := &schemas.PullRequest{Branch: p.branchName(report.RunID)}
	var applied []schemas.IssueReport
	for _, issue := range resolved {
		if err := wc.Apply(ctx, issue.Patch); err != nil {
			if !errors.Is(err, workspace.ErrApply) {
				return nil, err
			}
			p.logger.Warn("Resolved patch conflicts with an earlier one; leaving it out.",
				zap.String("issue_id", issue.ID), zap.Error(err))
			result.Skipped = append(result.Skipped, issue.ID)
			continue
		}
		applied = append(applied, issue)
		result.Applied = append(result.Applied, issue.ID)
	}
	if len(applied) == 0 {
		return nil, fmt.Errorf("none of %d resolved patches could be combined", len(resolved))
	}

	title, body := p.describe(report, applied, result.Skipped)
	commit, err := p.commitAndPush(ctx, wc.Dir, result.Branch, title+"\n\n"+body)
	if err != nil {
		return nil, err
	}
	result.Commit = commit

	pr, _, err := p.prs.Create(ctx, p.cfg.RepoOwner, p.cfg.RepoName, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(result.Branch),
		Base:  github.String(p.cfg.BaseBranch),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pull request for %s: %w", result.Branch, err)
	}
	result.Number = pr.GetNumber()
	result.URL = pr.GetHTMLURL()

	p.logger.Info("Successfully created pull request.",
		zap.String("branch", result.Branch),
		zap.String("url", result.URL),
		zap.Int("applied", len(result.Applied)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

func (p *GitHubPublisher) branchName(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("fix/patchwright-%s-%s", short, p.now().UTC().Format("20060102-150405"))
}

// commitAndPush stages the whole working copy, commits it on branch and
// pushes the branch to the configured remote. It returns the commit hash.
func (p *GitHubPublisher) commitAndPush(ctx context.Context, dir, branch, message string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open working copy: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: p.cfg.AuthorName, Email: p.cfg.AuthorEmail, When: p.now()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, hash)); err != nil {
		return "", fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{p.remoteURL()}}); err != nil {
		return "", fmt.Errorf("failed to add remote: %w", err)
	}
	push := &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))},
	}
	if strings.HasPrefix(p.remoteURL(), "http://") || strings.HasPrefix(p.remoteURL(), "https://") {
		push.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: p.cfg.Token}
	}
	p.logger.Debug("Pushing branch", zap.String("branch", branch), zap.String("commit", hash.String()))
	if err := repo.PushContext(ctx, push); err != nil {
		return "", fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return hash.String(), nil
}

func (p *GitHubPublisher) remoteURL() string {
	if p.cfg.RemoteURL != "" {
		return p.cfg.RemoteURL
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", p.cfg.RepoOwner, p.cfg.RepoName)
}

func (p *GitHubPublisher) describe(report *schemas.RunReport, applied []schemas.IssueReport, skipped []string) (title, body string) {
	title = fmt.Sprintf("fix: resolve %d security finding(s)", len(applied))
	if len(applied) == 1 {
		title = fmt.Sprintf("fix: resolve %s in %s", applied[0].Category, applied[0].Path)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Automated fixes from run `%s` at revision `%s`.\n\n", report.RunID, report.Revision)
	b.WriteString("| Issue | Category | Severity | Location | Reported by | Attempts |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, issue := range applied {
		fmt.Fprintf(&b, "| `%s` | %s | %s | `%s:%d` | %s | %d |\n",
			shortID(issue.ID), issue.Category, issue.Severity, issue.Path, issue.Lines.Start,
			strings.Join(issue.Tools, ", "), issue.Attempts)
	}
	for _, issue := range applied {
		last := lastExplanation(issue)
		if last == "" {
			continue
		}
		fmt.Fprintf(&b, "\n**%s** (`%s`): %s\n", issue.Category, issue.Path, last)
	}
	if len(skipped) > 0 {
		b.WriteString("\nLeft out because they conflict with an earlier patch: ")
		for i, id := range skipped {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "`%s`", shortID(id))
		}
		b.WriteString("\n")
	}
	return title, b.String()
}

func lastExplanation(issue schemas.IssueReport) string {
	if len(issue.History) == 0 {
		return ""
	}
	last := issue.History[len(issue.History)-1]
	if last.Patch == nil {
		return ""
	}
	return last.Patch.Explanation
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
