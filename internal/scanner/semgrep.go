package scanner

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

// SemgrepName identifies the semgrep adapter.
const SemgrepName = "semgrep"

// Semgrep runs the multi-language SAST tool semgrep.
type Semgrep struct {
	cfg    config.SemgrepConfig
	logger *zap.Logger
}

// NewSemgrep creates the adapter with "auto" rules unless configured otherwise.
func NewSemgrep(cfg config.SemgrepConfig, logger *zap.Logger) *Semgrep {
	if cfg.Binary == "" {
		cfg.Binary = SemgrepName
	}
	if cfg.Config == "" {
		cfg.Config = "auto"
	}
	return &Semgrep{cfg: cfg, logger: logger.Named("scanner.semgrep")}
}

func (s *Semgrep) Name() string { return SemgrepName }

// Invoke runs `semgrep scan --config=<cfg> --json -o <report> .`.
// Exit codes: 0 no findings, 1 findings, anything above is an error.
func (s *Semgrep) Invoke(ctx context.Context, repoPath string) ([]byte, error) {
	out, cleanup, err := newOutputFile(SemgrepName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"scan", "--config=" + s.cfg.Config, "--json", "-o", out, "--quiet", "--disable-version-check"}
	args = append(args, s.cfg.Args...)
	args = append(args, ".")
	return execute(ctx, s.logger, invocation{
		Tool:       SemgrepName,
		Binary:     s.cfg.Binary,
		Args:       args,
		Dir:        repoPath,
		Timeout:    s.cfg.Timeout,
		OKCodes:    []int{0, 1},
		OutputFile: out,
	})
}

type semgrepReport struct {
	Results []jsoniter.RawMessage `json:"results"`
}

type semgrepPosition struct {
	Line int `json:"line"`
}

type semgrepResult struct {
	CheckID string          `json:"check_id"`
	Path    string          `json:"path"`
	Start   semgrepPosition `json:"start"`
	End     semgrepPosition `json:"end"`
	Extra   struct {
		Message  string         `json:"message"`
		Severity string         `json:"severity"`
		Lines    string         `json:"lines"`
		Metadata map[string]any `json:"metadata"`
	} `json:"extra"`
}

// Parse converts semgrep's JSON report.
func (s *Semgrep) Parse(raw []byte, repoPath string) ([]schemas.Finding, error) {
	var report semgrepReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, &ScannerOutputError{Tool: SemgrepName, Err: err}
	}
	findings := make([]schemas.Finding, 0, len(report.Results))
	for i, rawResult := range report.Results {
		var r semgrepResult
		if err := json.Unmarshal(rawResult, &r); err != nil {
			return nil, &ScannerOutputError{Tool: SemgrepName, Err: fmt.Errorf("result %d: %w", i, err)}
		}
		meta := opaque(rawResult, "check_id", "path", "start", "end", "extra")
		if len(r.Extra.Metadata) > 0 {
			if meta == nil {
				meta = make(map[string]any, 1)
			}
			meta["rule_metadata"] = r.Extra.Metadata
		}
		snippet := r.Extra.Lines
		if snippet == "requires login" {
			snippet = ""
		}
		findings = append(findings, schemas.Finding{
			Tool:     SemgrepName,
			RuleID:   r.CheckID,
			Path:     relPath(repoPath, r.Path),
			Lines:    schemas.NewLineRange(r.Start.Line, r.End.Line),
			Severity: schemas.ParseSeverity(r.Extra.Severity),
			Message:  r.Extra.Message,
			Snippet:  snippet,
			Metadata: meta,
		})
	}
	return findings, nil
}
