package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindowAdmitsUpToLimit(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < RateLimitMax; i++ {
		allowed, _, err := w.Allow(ctx, "wh-1", now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, allowed, "call %d should be admitted", i)
	}

	allowed, retryAfter, err := w.Allow(ctx, "wh-1", now.Add(200*time.Second))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestMemoryWindowSlides(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < RateLimitMax; i++ {
		allowed, _, err := w.Allow(ctx, "wh-1", now)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	// Still inside the window: rejected.
	allowed, _, err := w.Allow(ctx, "wh-1", now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, allowed)

	// The original burst has aged out: admitted again.
	allowed, _, err = w.Allow(ctx, "wh-1", now.Add(RateLimitWindow+time.Second))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryWindowPerWebhook(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < RateLimitMax; i++ {
		allowed, _, err := w.Allow(ctx, "wh-1", now)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	// A different webhook has its own budget.
	allowed, _, err := w.Allow(ctx, "wh-2", now)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryWindowRetryAfterHint(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < RateLimitMax; i++ {
		w.Allow(ctx, "wh-1", now)
	}

	// 40 minutes in: the burst frees up 20 minutes from now.
	_, retryAfter, err := w.Allow(ctx, "wh-1", now.Add(40*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, retryAfter)
}
