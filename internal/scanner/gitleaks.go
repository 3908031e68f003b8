package scanner

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

// GitleaksName identifies the gitleaks adapter.
const GitleaksName = "gitleaks"

// leaksFoundCode is the exit code requested for "leaks found". Gitleaks also
// exits 1 on fatal errors, so 1 cannot mean success.
const leaksFoundCode = 2

// Gitleaks runs the secret detector gitleaks over the working tree, not history.
type Gitleaks struct {
	cfg    config.ScannerToolConfig
	logger *zap.Logger
}

// NewGitleaks creates the adapter.
func NewGitleaks(cfg config.ScannerToolConfig, logger *zap.Logger) *Gitleaks {
	if cfg.Binary == "" {
		cfg.Binary = GitleaksName
	}
	return &Gitleaks{cfg: cfg, logger: logger.Named("scanner.gitleaks")}
}

func (g *Gitleaks) Name() string { return GitleaksName }

func (g *Gitleaks) Invoke(ctx context.Context, repoPath string) ([]byte, error) {
	out, cleanup, err := newOutputFile(GitleaksName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{
		"detect", "--no-git", "--no-banner", "--redact",
		"--source", ".",
		"--report-format", "json",
		"--report-path", out,
		"--exit-code", fmt.Sprint(leaksFoundCode),
	}
	args = append(args, g.cfg.Args...)
	return execute(ctx, g.logger, invocation{
		Tool:       GitleaksName,
		Binary:     g.cfg.Binary,
		Args:       args,
		Dir:        repoPath,
		Timeout:    g.cfg.Timeout,
		OKCodes:    []int{0, leaksFoundCode},
		OutputFile: out,
	})
}

type gitleaksResult struct {
	RuleID      string `json:"RuleID"`
	Description string `json:"Description"`
	File        string `json:"File"`
	StartLine   int    `json:"StartLine"`
	EndLine     int    `json:"EndLine"`
	Match       string `json:"Match"`
}

// Parse converts the gitleaks JSON array. Secrets carry no tool severity and
// are reported as high.
func (g *Gitleaks) Parse(raw []byte, repoPath string) ([]schemas.Finding, error) {
	var results []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, &ScannerOutputError{Tool: GitleaksName, Err: err}
	}
	findings := make([]schemas.Finding, 0, len(results))
	for i, rawResult := range results {
		var r gitleaksResult
		if err := json.Unmarshal(rawResult, &r); err != nil {
			return nil, &ScannerOutputError{Tool: GitleaksName, Err: fmt.Errorf("finding %d: %w", i, err)}
		}
		meta := opaque(rawResult, "RuleID", "Description", "File", "StartLine", "EndLine", "Match", "Secret")
		findings = append(findings, schemas.Finding{
			Tool:     GitleaksName,
			RuleID:   r.RuleID,
			Path:     relPath(repoPath, r.File),
			Lines:    schemas.NewLineRange(r.StartLine, r.EndLine),
			Severity: schemas.SeverityHigh,
			Message:  r.Description,
			Snippet:  r.Match,
			Metadata: meta,
		})
	}
	return findings, nil
}
