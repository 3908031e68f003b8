package scanner

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

// BanditName identifies the bandit adapter.
const BanditName = "bandit"

// Bandit runs the Python SAST tool bandit.
type Bandit struct {
	cfg    config.ScannerToolConfig
	logger *zap.Logger
}

// NewBandit creates the adapter. An empty binary defaults to "bandit" on PATH.
func NewBandit(cfg config.ScannerToolConfig, logger *zap.Logger) *Bandit {
	if cfg.Binary == "" {
		cfg.Binary = BanditName
	}
	return &Bandit{cfg: cfg, logger: logger.Named("scanner.bandit")}
}

func (b *Bandit) Name() string { return BanditName }

// Invoke runs `bandit -r . -f json -o <report>` from the repository root.
// Bandit exits 1 when it reports issues.
func (b *Bandit) Invoke(ctx context.Context, repoPath string) ([]byte, error) {
	out, cleanup, err := newOutputFile(BanditName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := append([]string{"-r", ".", "-f", "json", "-o", out, "-q"}, b.cfg.Args...)
	return execute(ctx, b.logger, invocation{
		Tool:       BanditName,
		Binary:     b.cfg.Binary,
		Args:       args,
		Dir:        repoPath,
		Timeout:    b.cfg.Timeout,
		OKCodes:    []int{0, 1},
		OutputFile: out,
	})
}

type banditReport struct {
	Results []jsoniter.RawMessage `json:"results"`
}

type banditResult struct {
	Filename      string `json:"filename"`
	TestID        string `json:"test_id"`
	TestName      string `json:"test_name"`
	IssueText     string `json:"issue_text"`
	IssueSeverity string `json:"issue_severity"`
	LineNumber    int    `json:"line_number"`
	LineRange     []int  `json:"line_range"`
	Code          string `json:"code"`
}

var banditKnown = []string{"filename", "test_id", "test_name", "issue_text", "issue_severity", "line_number", "line_range", "code"}

// Parse converts bandit's JSON report.
func (b *Bandit) Parse(raw []byte, repoPath string) ([]schemas.Finding, error) {
	var report banditReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, &ScannerOutputError{Tool: BanditName, Err: err}
	}
	findings := make([]schemas.Finding, 0, len(report.Results))
	for i, rawResult := range report.Results {
		var r banditResult
		if err := json.Unmarshal(rawResult, &r); err != nil {
			return nil, &ScannerOutputError{Tool: BanditName, Err: fmt.Errorf("result %d: %w", i, err)}
		}
		lines := schemas.NewLineRange(r.LineNumber, r.LineNumber)
		if n := len(r.LineRange); n > 0 {
			lines = schemas.NewLineRange(r.LineRange[0], r.LineRange[n-1])
		}
		message := r.IssueText
		if message == "" {
			message = r.TestName
		}
		findings = append(findings, schemas.Finding{
			Tool:     BanditName,
			RuleID:   r.TestID,
			Path:     relPath(repoPath, r.Filename),
			Lines:    lines,
			Severity: schemas.ParseSeverity(r.IssueSeverity),
			Message:  message,
			Snippet:  r.Code,
			Metadata: opaque(rawResult, banditKnown...),
		})
	}
	return findings, nil
}
