package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

func unwrapRouter(t *testing.T, c schemas.LLMClient) *LLMRouter {
	t.Helper()
	limited, ok := c.(*RateLimitedClient)
	require.True(t, ok, "factory output should be rate limited")
	router, ok := limited.next.(*LLMRouter)
	require.True(t, ok, "rate limiter should wrap the router")
	return router
}

func TestNewClient_GeminiTiers(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.Model = "gemini-pro"
	cfg.FastModel = "gemini-flash"
	cfg.RequestsPerMinute = 30
	cfg.Burst = 2

	client, err := NewClient(context.Background(), cfg, setupTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	router := unwrapRouter(t, client)
	fast, ok := router.clients[schemas.TierFast].(*GeminiClient)
	require.True(t, ok)
	powerful, ok := router.clients[schemas.TierPowerful].(*GeminiClient)
	require.True(t, ok)
	assert.Equal(t, "gemini-flash", fast.model)
	assert.Equal(t, "gemini-pro", powerful.model)
	assert.NotNil(t, powerful.client, "SDK client should be initialized")
}

func TestNewClient_OllamaSharesClientWithoutFastModel(t *testing.T) {
	cfg := config.LLMModelConfig{
		Provider: config.ProviderOllama,
		Model:    "llama2",
		Endpoint: "http://localhost:11434",
	}

	client, err := NewClient(context.Background(), cfg, setupTestLogger(t))
	require.NoError(t, err)

	router := unwrapRouter(t, client)
	assert.Same(t, router.clients[schemas.TierFast], router.clients[schemas.TierPowerful])
	_, ok := router.clients[schemas.TierPowerful].(*OllamaClient)
	assert.True(t, ok)
}

func TestNewClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.LLMModelConfig)
		wantErr string
	}{
		{
			name:    "unsupported provider",
			mutate:  func(c *config.LLMModelConfig) { c.Provider = "unsupported-provider-xyz" },
			wantErr: "unknown or unsupported LLM provider configured: 'unsupported-provider-xyz'",
		},
		{
			name:    "gemini without key",
			mutate:  func(c *config.LLMModelConfig) { c.APIKey = "" },
			wantErr: "Gemini API Key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidLLMConfig()
			tt.mutate(&cfg)
			client, err := NewClient(context.Background(), cfg, setupTestLogger(t))
			assert.Nil(t, client)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
