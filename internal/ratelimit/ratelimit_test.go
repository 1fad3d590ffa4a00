package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitSpacesCalls(t *testing.T) {
	limiter := New("test", 40*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}

	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
	assert.Equal(t, int64(3), limiter.Status().Calls)
}

func TestWaitHonorsContext(t *testing.T) {
	limiter := New("slow", time.Hour)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(ctx))
}

func TestZeroDelayNeverBlocks(t *testing.T) {
	limiter := New("free", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
}

func TestNilLimiterIsNoop(t *testing.T) {
	var limiter *Limiter
	assert.NoError(t, limiter.Wait(context.Background()))
}

func TestRegistrySharesLimiterPerSource(t *testing.T) {
	registry := NewRegistry(map[string]time.Duration{SourceWorldBank: DefaultWorldBankDelay})

	first := registry.For(SourceWorldBank)
	second := registry.For(SourceWorldBank)
	assert.Same(t, first, second)
	assert.Equal(t, DefaultWorldBankDelay, first.Status().MinDelay)

	other := registry.For(SourceExchange)
	assert.Equal(t, time.Duration(0), other.Status().MinDelay)

	statuses := registry.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, SourceExchange, statuses[0].Name)
}
