package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Schema creates the tables the store writes to. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id           TEXT PRIMARY KEY,
    repository       TEXT NOT NULL,
    revision         TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ NOT NULL,
    cancelled        BOOLEAN NOT NULL DEFAULT FALSE,
    summary          JSONB NOT NULL DEFAULT '{}',
    scanner_failures JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS issues (
    run_id         TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
    id             TEXT NOT NULL,
    revision       TEXT NOT NULL,
    category       TEXT NOT NULL,
    severity       TEXT NOT NULL,
    path           TEXT NOT NULL,
    line_start     INTEGER NOT NULL,
    line_end       INTEGER NOT NULL,
    tools          TEXT[] NOT NULL,
    state          TEXT NOT NULL,
    attempts       INTEGER NOT NULL,
    patch          TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    history        JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (run_id, id)
);
CREATE INDEX IF NOT EXISTS issues_revision_state_idx ON issues (revision, state);
`

var issueColumns = []string{
	"run_id", "id", "revision", "category", "severity", "path",
	"line_start", "line_end", "tools", "state", "attempts",
	"patch", "failure_reason", "history",
}

// Store provides the PostgreSQL persistence for run reports.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// NewPool opens a pgx pool for the given URL with query tracing attached.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the store's tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveRunReport writes the run and every issue record in one transaction.
func (s *Store) SaveRunReport(ctx context.Context, report *schemas.RunReport) error {
	if report == nil {
		return errors.New("cannot save a nil run report")
	}

	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	failures := report.ScannerFailures
	if failures == nil {
		failures = []schemas.ScannerFailure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("failed to encode scanner failures: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, `
        INSERT INTO runs (run_id, repository, revision, started_at, finished_at, cancelled, summary, scanner_failures)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `,
		report.RunID, report.Repository, report.Revision,
		report.StartedAt.UTC(), report.FinishedAt.UTC(), report.Cancelled,
		summary, failuresJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	if len(report.Issues) > 0 {
		if err := s.persistIssues(ctx, tx, report); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Run report saved", zap.String("run_id", report.RunID), zap.Int("issues", len(report.Issues)))
	return nil
}

func (s *Store) persistIssues(ctx context.Context, tx pgx.Tx, report *schemas.RunReport) error {
	rows := make([][]interface{}, len(report.Issues))
	for i, issue := range report.Issues {
		history := issue.History
		if history == nil {
			history = []schemas.Attempt{}
		}
		historyJSON, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history of issue %s: %w", issue.ID, err)
		}
		tools := issue.Tools
		if tools == nil {
			tools = []string{}
		}
		rows[i] = []interface{}{
			report.RunID, issue.ID, report.Revision, issue.Category, string(issue.Severity), issue.Path,
			issue.Lines.Start, issue.Lines.End, tools, string(issue.State), issue.Attempts,
			issue.Patch, issue.FailureReason, historyJSON,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"issues"}, issueColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy issues: %w", err)
	}
	if int(copyCount) != len(report.Issues) {
		return fmt.Errorf("mismatch in copied issues count: expected %d, got %d", len(report.Issues), copyCount)
	}
	return nil
}

// PreviouslyAttempted returns the subset of ids that an earlier run already
// gave up on (fix-unavailable) at the same revision.
func (s *Store) PreviouslyAttempted(ctx context.Context, revision string, ids []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(ids) == 0 {
		return seen, nil
	}

	query := `
        SELECT DISTINCT id
        FROM issues
        WHERE revision = $1 AND id = ANY($2) AND state = $3;
    `
	rows, err := s.pool.Query(ctx, query, revision, ids, string(schemas.StateFixUnavailable))
	if err != nil {
		return nil, fmt.Errorf("failed to query previous attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan issue id: %w", err)
		}
		seen[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return seen, nil
}

// GetIssueReports loads the issue records of a stored run, ordered by location.
func (s *Store) GetIssueReports(ctx context.Context, runID string) ([]schemas.IssueReport, error) {
	query := `
        SELECT id, category, severity, path, line_start, line_end, tools, state, attempts, patch, failure_reason, history
        FROM issues
        WHERE run_id = $1
        ORDER BY path ASC, line_start ASC;
    `
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []schemas.IssueReport
	for rows.Next() {
		var r schemas.IssueReport
		var severity, state string
		var history []byte
		err := rows.Scan(
			&r.ID, &r.Category, &severity, &r.Path,
			&r.Lines.Start, &r.Lines.End, &r.Tools, &state, &r.Attempts,
			&r.Patch, &r.FailureReason, &history,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		if len(history) > 0 {
			if err := json.Unmarshal(history, &r.History); err != nil {
				return nil, fmt.Errorf("failed to decode history of issue %s: %w", r.ID, err)
			}
		}
		r.Severity = schemas.Severity(severity)
		r.State = schemas.IssueState(state)
		issues = append(issues, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return issues, nil
}
