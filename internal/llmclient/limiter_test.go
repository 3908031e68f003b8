package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

func TestRateLimitedClient_Delegates(t *testing.T) {
	next := &MockLLMClient{}
	next.On("Generate", mock.Anything, mock.Anything).Return("ok", nil).Twice()
	next.On("Close").Return(nil).Once()

	c := NewRateLimitedClient(next, 0, 0)
	assert.Equal(t, rate.Inf, c.limiter.Limit())

	for i := 0; i < 2; i++ {
		out, err := c.Generate(context.Background(), schemas.GenerationRequest{})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	require.NoError(t, c.Close())
	next.AssertExpectations(t)
}

func TestRateLimitedClient_WaitHonoursContext(t *testing.T) {
	next := &MockLLMClient{}
	next.On("Generate", mock.Anything, mock.Anything).Return("ok", nil).Once()

	// One request per minute with a burst of one: the second call cannot get a
	// token before the deadline.
	c := NewRateLimitedClient(next, 1, 1)
	_, err := c.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, schemas.GenerationRequest{})
	assert.ErrorContains(t, err, "waiting for LLM rate limiter")
	next.AssertNumberOfCalls(t, "Generate", 1)
}
