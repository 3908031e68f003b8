// internal/autofix/engine.go
package autofix

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
	"github.com/xkilldash9x/patchwright/internal/llmutil"
)

// fixResponse is the JSON shape the model is asked to return.
type fixResponse struct {
	Explanation string `json:"explanation"`
	Patch       string `json:"patch"`
}

// Engine asks the language model for patches. The model is treated as an
// untrusted function: anything that does not parse as a diff is rejected.
type Engine struct {
	logger    *zap.Logger
	llmClient schemas.LLMClient
	extractor *ContextExtractor
	cfg       config.AutofixConfig
}

// NewEngine initializes a new fix generation engine.
func NewEngine(logger *zap.Logger, llmClient schemas.LLMClient, cfg config.AutofixConfig) *Engine {
	logger = logger.Named("autofix-engine")
	return &Engine{
		logger:    logger,
		llmClient: llmClient,
		extractor: NewContextExtractor(logger, cfg.ContextLines, cfg.ExpandSyntax),
		cfg:       cfg,
	}
}

// Propose implements Proposer.
func (e *Engine) Propose(ctx context.Context, issue *schemas.Issue, snap schemas.RepositorySnapshot, attempt int) (*schemas.CandidatePatch, error) {
	logger := e.logger.With(zap.String("issue_id", issue.ID), zap.Int("attempt", attempt))
	fail := func(reason string, err error) error {
		return &GenerationError{IssueID: issue.ID, Attempt: attempt, Reason: reason, Err: err}
	}

	source, err := os.ReadFile(filepath.Join(snap.SourceDir(), filepath.FromSlash(issue.Path)))
	if err != nil {
		return nil, fail("reading source file", err)
	}
	code := e.extractor.Extract(ctx, issue.Path, source, issue.Lines)
	prompt := buildPrompt(issue, code, attempt)

	req := schemas.GenerationRequest{
		SystemPrompt: systemPrompt(),
		UserPrompt:   prompt,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     e.cfg.Temperature,
		},
	}

	logger.Debug("Requesting fix from LLM.", zap.Int("context_start", code.Start), zap.Int("context_end", code.End))
	response, err := e.llmClient.Generate(ctx, req)
	if err != nil {
		return nil, fail("LLM generation failed", err)
	}
	if strings.TrimSpace(response) == "" {
		return nil, fail("LLM returned an empty response", nil)
	}

	explanation, diff := parseFixResponse(response)
	if diff == "" {
		logger.Warn("LLM response contained no patch.", zap.String("raw_response", truncate(response, 2000)))
		return nil, fail("response did not contain a unified diff", nil)
	}

	diff = recountHunks(diff)
	files, err := inspectDiff(diff)
	if err != nil {
		logger.Warn("Rejecting malformed patch.", zap.Error(err))
		return nil, fail("malformed patch", err)
	}
	if !slices.Contains(files, issue.Path) {
		logger.Info("Patch does not touch the flagged file.", zap.Strings("files", files), zap.String("path", issue.Path))
	}

	logger.Info("Candidate patch generated.", zap.Strings("files", files))
	return &schemas.CandidatePatch{
		IssueID:     issue.ID,
		Attempt:     attempt,
		Diff:        diff,
		Files:       files,
		Explanation: explanation,
		Prompt:      prompt,
		Response:    response,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// parseFixResponse prefers the requested JSON shape and falls back to a bare
// or fenced diff anywhere in the text.
func parseFixResponse(response string) (explanation, diff string) {
	if parsed, err := llmutil.ParseJSONResponse[fixResponse](response); err == nil {
		explanation = strings.TrimSpace(parsed.Explanation)
		if patch := llmutil.CleanCodeOutput(parsed.Patch); patch != "" {
			if d := llmutil.ExtractDiff(patch); d != "" {
				return explanation, d
			}
		}
	}
	return explanation, llmutil.ExtractDiff(response)
}
