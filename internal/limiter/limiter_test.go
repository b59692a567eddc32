package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimits(t *testing.T) {
	limits := ParseLimits("openai:3, anthropic:2,openai:gpt-4o:1")
	assert.Equal(t, map[string]int{
		"openai":        3,
		"anthropic":     2,
		"openai:gpt-4o": 1,
	}, limits)

	assert.Empty(t, ParseLimits(""))
	assert.Empty(t, ParseLimits("garbage"))
	assert.Empty(t, ParseLimits("openai:zero"))
	assert.Empty(t, ParseLimits("openai:0"))
}

func TestAcquireUnconfiguredIsNoop(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		tok, err := l.Acquire(context.Background(), "anything", "sub")
		require.NoError(t, err)
		defer tok.Release()
	}
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	l := New(Config{Limits: map[string]int{"llm": 1}})

	tok, err := l.Acquire(context.Background(), "llm", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "llm", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tok.Release()
	tok2, err := l.Acquire(context.Background(), "llm", "")
	require.NoError(t, err)
	tok2.Release()
}

func TestAcquireReleasesPartialOnCancel(t *testing.T) {
	l := New(Config{Global: 2, Limits: map[string]int{"llm": 1}})

	// Hold the resource level so the second acquire blocks after taking the
	// global slot.
	tok, err := l.Acquire(context.Background(), "llm", "")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Snapshot().GlobalInUse)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "llm", "")
	require.Error(t, err)

	// The failed acquire must not leak its global hold.
	assert.Equal(t, 1, l.Snapshot().GlobalInUse)
	tok.Release()
	assert.Equal(t, 0, l.Snapshot().GlobalInUse)
}

func TestSubLevelLimit(t *testing.T) {
	l := New(Config{Limits: map[string]int{"llm": 5, "llm:gpt-4o": 1}})

	tok, err := l.Acquire(context.Background(), "llm", "gpt-4o")
	require.NoError(t, err)

	// Another model under the same resource is unaffected.
	other, err := l.Acquire(context.Background(), "llm", "o3")
	require.NoError(t, err)
	other.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "llm", "gpt-4o")
	assert.Error(t, err)

	tok.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	l := New(Config{Limits: map[string]int{"llm": 1}})
	tok, err := l.Acquire(context.Background(), "llm", "")
	require.NoError(t, err)
	tok.Release()
	tok.Release()

	snap := l.Snapshot()
	assert.Equal(t, 0, snap.ResourceInUse["llm"])
}

func TestSnapshot(t *testing.T) {
	l := New(Config{Global: 4, Limits: map[string]int{"llm": 2}})
	tok, err := l.Acquire(context.Background(), "llm", "")
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, 4, snap.GlobalLimit)
	assert.Equal(t, 1, snap.GlobalInUse)
	assert.Equal(t, 2, snap.ResourceLimits["llm"])
	assert.Equal(t, 1, snap.ResourceInUse["llm"])

	tok.Release()
	assert.Equal(t, 0, l.Snapshot().GlobalInUse)
}
