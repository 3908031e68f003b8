package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

// SARIFName identifies the generic SARIF adapter when no name is configured.
const SARIFName = "sarif"

// SARIF runs any tool that can write a SARIF 2.1.0 log. Args may contain the
// placeholders {repo} and {output}; when {output} is absent stdout is parsed.
type SARIF struct {
	name   string
	cfg    config.ScannerToolConfig
	logger *zap.Logger
}

// NewSARIF creates the adapter.
func NewSARIF(cfg config.SARIFConfig, logger *zap.Logger) *SARIF {
	name := cfg.Name
	if name == "" {
		name = SARIFName
	}
	return &SARIF{name: name, cfg: cfg.ScannerToolConfig, logger: logger.Named("scanner." + name)}
}

func (s *SARIF) Name() string { return s.name }

func (s *SARIF) Invoke(ctx context.Context, repoPath string) ([]byte, error) {
	if s.cfg.Binary == "" {
		return nil, &ScannerExecutionError{Tool: s.name, ExitCode: -1, Err: errors.New("no binary configured")}
	}
	out, cleanup, err := newOutputFile(s.name)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	usesFile := false
	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		if strings.Contains(a, "{output}") {
			usesFile = true
		}
		a = strings.ReplaceAll(a, "{output}", out)
		args[i] = strings.ReplaceAll(a, "{repo}", ".")
	}
	inv := invocation{
		Tool:    s.name,
		Binary:  s.cfg.Binary,
		Args:    args,
		Dir:     repoPath,
		Timeout: s.cfg.Timeout,
		OKCodes: []int{0, 1},
	}
	if usesFile {
		inv.OutputFile = out
	}
	return execute(ctx, s.logger, inv)
}

type sarifLog struct {
	Runs []struct {
		Results []struct {
			RuleID  string `json:"ruleId"`
			Level   string `json:"level"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
			Locations []struct {
				PhysicalLocation struct {
					ArtifactLocation struct {
						URI string `json:"uri"`
					} `json:"artifactLocation"`
					Region struct {
						StartLine int `json:"startLine"`
						EndLine   int `json:"endLine"`
						Snippet   struct {
							Text string `json:"text"`
						} `json:"snippet"`
					} `json:"region"`
				} `json:"physicalLocation"`
			} `json:"locations"`
			Properties map[string]any `json:"properties"`
		} `json:"results"`
	} `json:"runs"`
}

// Parse converts a SARIF log. Results without a physical location are skipped
// since they cannot be patched.
func (s *SARIF) Parse(raw []byte, repoPath string) ([]schemas.Finding, error) {
	var log sarifLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, &ScannerOutputError{Tool: s.name, Err: err}
	}
	if log.Runs == nil {
		return nil, &ScannerOutputError{Tool: s.name, Err: fmt.Errorf("document has no runs")}
	}
	var findings []schemas.Finding
	for _, run := range log.Runs {
		for _, r := range run.Results {
			if len(r.Locations) == 0 {
				s.logger.Debug("Skipping SARIF result without location", zap.String("rule_id", r.RuleID))
				continue
			}
			loc := r.Locations[0].PhysicalLocation
			level := r.Level
			if level == "" {
				level = "warning" // SARIF default
			}
			findings = append(findings, schemas.Finding{
				Tool:     s.name,
				RuleID:   r.RuleID,
				Path:     relPath(repoPath, loc.ArtifactLocation.URI),
				Lines:    schemas.NewLineRange(loc.Region.StartLine, loc.Region.EndLine),
				Severity: schemas.ParseSeverity(level),
				Message:  r.Message.Text,
				Snippet:  loc.Region.Snippet.Text,
				Metadata: r.Properties,
			})
		}
	}
	return findings, nil
}
