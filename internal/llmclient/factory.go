// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

// NewClient builds the LLM client described by cfg: a router whose powerful
// tier uses cfg.Model and whose fast tier uses cfg.FastModel (or cfg.Model
// when unset), wrapped in the configured rate limit.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	powerful, err := newProviderClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	fast := powerful
	if cfg.FastModel != "" && cfg.FastModel != cfg.Model {
		fastCfg := cfg
		fastCfg.Model = cfg.FastModel
		fast, err = newProviderClient(ctx, fastCfg, logger)
		if err != nil {
			_ = powerful.Close()
			return nil, fmt.Errorf("failed to initialize fast tier model %q: %w", cfg.FastModel, err)
		}
	}

	router, err := NewLLMRouter(logger, fast, powerful)
	if err != nil {
		return nil, err
	}
	return NewRateLimitedClient(router, cfg.RequestsPerMinute, cfg.Burst), nil
}

func newProviderClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOllama:
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOllama)
	}
}
