package autofix

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

const appSource = `import sqlite3

def lookup(cur, user_id):
    cur.execute("SELECT * FROM users WHERE id = '%s'" % user_id)
    return cur.fetchone()
`

const appFix = `--- a/app.py
+++ b/app.py
@@ -3,3 +3,3 @@
 def lookup(cur, user_id):
-    cur.execute("SELECT * FROM users WHERE id = '%s'" % user_id)
+    cur.execute("SELECT * FROM users WHERE id = ?", (user_id,))
     return cur.fetchone()
`

// MockLLMClient is a testify mock of schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// patternScanner flags every line of a .py file containing one of its
// patterns. It stands in for a real SAST tool.
type patternScanner struct {
	name     string
	rules    map[string]string // rule id -> substring
	invoked  atomic.Int32
	failWith error
}

func (p *patternScanner) Name() string { return p.name }

func (p *patternScanner) Invoke(ctx context.Context, repoPath string) ([]byte, error) {
	p.invoked.Add(1)
	if p.failWith != nil {
		return nil, p.failWith
	}
	var findings []schemas.Finding
	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.IsDir() || filepath.Ext(path) != ".py" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(repoPath, path)
		ids := make([]string, 0, len(p.rules))
		for id := range p.rules {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for n, line := range strings.Split(string(data), "\n") {
			for _, id := range ids {
				if strings.Contains(line, p.rules[id]) {
					findings = append(findings, schemas.Finding{
						Tool:     p.name,
						RuleID:   id,
						Path:     filepath.ToSlash(rel),
						Lines:    schemas.LineRange{Start: n + 1, End: n + 1},
						Severity: schemas.SeverityHigh,
						Message:  "matched " + id,
					})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(findings)
}

func (p *patternScanner) Parse(raw []byte, repoPath string) ([]schemas.Finding, error) {
	var findings []schemas.Finding
	err := json.Unmarshal(raw, &findings)
	return findings, err
}

// newTestRepo initializes a repository with one commit containing files.
func newTestRepo(t *testing.T, files map[string]string) schemas.RepositorySnapshot {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for name, content := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return schemas.RepositorySnapshot{Path: dir, Revision: hash.String()}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func sqlIssue(revision string) *schemas.Issue {
	return &schemas.Issue{
		ID:       "0123456789abcdef0123456789abcdef",
		Category: "sql-injection",
		Path:     "app.py",
		Lines:    schemas.LineRange{Start: 4, End: 4},
		Severity: schemas.SeverityHigh,
		Message:  "Possible SQL injection vector through string-based query construction.",
		Revision: revision,
		State:    schemas.StateDiscovered,
		Findings: []schemas.Finding{{
			Tool:     "fake",
			RuleID:   "B608",
			Path:     "app.py",
			Lines:    schemas.LineRange{Start: 4, End: 4},
			Severity: schemas.SeverityHigh,
			Message:  "Possible SQL injection vector through string-based query construction.",
		}},
	}
}
