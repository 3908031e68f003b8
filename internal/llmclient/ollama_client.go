// internal/llmclient/ollama_client.go
package llmclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

const providerOllama = "ollama"

// OllamaClient implements schemas.LLMClient against a local Ollama server.
type OllamaClient struct {
	endpoint   string
	model      string
	config     config.LLMModelConfig
	httpClient *http.Client
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaClient initializes the client. The endpoint is the server root,
// e.g. http://localhost:11434.
func NewOllamaClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OllamaClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("Ollama endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("Ollama model is required")
	}
	return &OllamaClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/") + "/api/generate",
		model:      cfg.Model,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		logger:     logger.Named("llm_client.ollama"),
		newBackOff: defaultBackOff,
	}, nil
}

// Generate posts a non-streaming generate request and returns the response text.
func (c *OllamaClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var text string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(start)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return &schemas.ProviderError{Provider: providerOllama, Err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return &schemas.ProviderError{Provider: providerOllama, Err: fmt.Errorf("failed to read response body: %w", err)}
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload ollamaResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(&schemas.ProviderError{Provider: providerOllama, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response payload: %w", err)})
		}
		if strings.TrimSpace(payload.Response) == "" {
			return fmt.Errorf("ollama returned an empty response")
		}

		c.logger.Info("LLM generation complete (Ollama)",
			zap.Duration("duration", duration),
			zap.String("model", c.model),
			zap.Int("prompt_tokens", payload.PromptEvalCount),
			zap.Int("completion_tokens", payload.EvalCount),
		)
		text = payload.Response
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

func (c *OllamaClient) buildRequestPayload(req schemas.GenerationRequest) ollamaRequest {
	opts := ollamaOptions{
		Temperature: float64(c.config.Temperature),
		NumPredict:  c.config.MaxTokens,
		TopP:        float64(c.config.TopP),
		TopK:        c.config.TopK,
	}
	if req.Options.Temperature != nil {
		opts.Temperature = *req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		opts.NumPredict = req.Options.MaxTokens
	}
	if req.Options.TopP > 0 {
		opts.TopP = req.Options.TopP
	}
	if req.Options.TopK > 0 {
		opts.TopK = req.Options.TopK
	}

	payload := ollamaRequest{
		Model:   c.model,
		Prompt:  req.UserPrompt,
		System:  req.SystemPrompt,
		Stream:  false,
		Options: opts,
	}
	if req.Options.ForceJSONFormat {
		payload.Format = "json"
	}
	return payload
}

func (c *OllamaClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Ollama API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := &schemas.ProviderError{
		Provider:   providerOllama,
		StatusCode: statusCode,
		Err:        fmt.Errorf("ollama API error: %s", strings.TrimSpace(string(body))),
	}
	if transientStatus(statusCode) {
		return err
	}
	return backoff.Permanent(err)
}

// Close drops idle connections to the server.
func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
