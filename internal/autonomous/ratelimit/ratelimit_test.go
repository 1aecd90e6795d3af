package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AdmitsUpToMax(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MaxCallsPerWindow: 3, Window: time.Hour}
	l := New(cfg, NewFilePersister(t.TempDir()))

	for i := 0; i < 3; i++ {
		ok, err := l.Admit(ctx, "sess-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := l.Admit(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLimiter_WindowResetsAfterElapsed(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MaxCallsPerWindow: 1, Window: 10 * time.Millisecond}
	l := New(cfg, NewFilePersister(t.TempDir()))

	ok, err := l.Admit(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Admit(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err = l.Admit(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok, "window should have reset and admitted the call")
}

func TestLimiter_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{MaxCallsPerWindow: 2, Window: time.Hour}

	l1 := New(cfg, NewFilePersister(dir))
	ok, err := l1.Admit(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh limiter instance (simulating a process restart) reading the
	// same persisted directory must see the consumed call.
	l2 := New(cfg, NewFilePersister(dir))
	remaining, err := l2.Remaining(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestLimiter_SeparateSessionsHaveIndependentBuckets(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MaxCallsPerWindow: 1, Window: time.Hour}
	l := New(cfg, NewFilePersister(t.TempDir()))

	ok1, err := l.Admit(ctx, "sess-a")
	require.NoError(t, err)
	ok2, err := l.Admit(ctx, "sess-b")
	require.NoError(t, err)

	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestFilePersister_LoadMissingReturnsNil(t *testing.T) {
	p := NewFilePersister(t.TempDir())
	state, err := p.Load(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, state)
}
