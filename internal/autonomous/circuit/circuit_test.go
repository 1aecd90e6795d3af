package circuit

import (
	"testing"
	"time"

	"github.com/opencode-ai/agentrun/internal/autonomous/analyzer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	c := DefaultConfig()
	c.Cooldown = 10 * time.Millisecond
	return c
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := New(testConfig())
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_NoProgressTripsOpen(t *testing.T) {
	b := New(testConfig())
	a := analyzer.ResponseAnalysis{}
	var state State
	for i := 0; i < 3; i++ {
		state = b.Tick(a, false)
	}
	assert.Equal(t, Open, state)
}

func TestBreaker_FileChangeResetsNoProgress(t *testing.T) {
	b := New(testConfig())
	a := analyzer.ResponseAnalysis{}
	b.Tick(a, false)
	b.Tick(a, false)
	b.Tick(a, true) // resets no-progress count
	state := b.Tick(a, false)
	assert.Equal(t, Closed, state)
}

func TestBreaker_ConsecutiveErrorsTripsOpen(t *testing.T) {
	b := New(testConfig())
	a := analyzer.ResponseAnalysis{HasErrors: true}
	var state State
	for i := 0; i < 5; i++ {
		state = b.Tick(a, true) // file changes so no-progress doesn't also trip
	}
	assert.Equal(t, Open, state)
}

func TestBreaker_CompletionSignalsWithoutExitTripsOpen(t *testing.T) {
	b := New(testConfig())
	a := analyzer.ResponseAnalysis{CompletionIndicators: 1, ExitSignal: false}
	var state State
	for i := 0; i < 5; i++ {
		state = b.Tick(a, true)
	}
	assert.Equal(t, Open, state)
}

func TestBreaker_PermissionDenialsTripsOpen(t *testing.T) {
	b := New(testConfig())
	a := analyzer.ResponseAnalysis{PermissionDenial: true}
	b.Tick(a, true)
	state := b.Tick(a, true)
	assert.Equal(t, Open, state)
}

func TestBreaker_OutputDeclineTripsOpen(t *testing.T) {
	b := New(testConfig())
	lengths := []int{1000, 1000, 1000, 1000, 100}
	var state State
	for _, l := range lengths {
		state = b.Tick(analyzer.ResponseAnalysis{OutputLength: l}, true)
	}
	assert.Equal(t, Open, state)
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := New(testConfig())
	a := analyzer.ResponseAnalysis{}
	for i := 0; i < 3; i++ {
		b.Tick(a, false)
	}
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	state := b.Tick(a, true) // cooldown elapsed -> half-open on this call
	assert.Equal(t, HalfOpen, state)

	state = b.Tick(analyzer.ResponseAnalysis{}, true) // clean probe tick
	assert.Equal(t, Closed, state)
}

func TestBreaker_HalfOpenFailingTickReopens(t *testing.T) {
	b := New(testConfig())
	a := analyzer.ResponseAnalysis{}
	for i := 0; i < 3; i++ {
		b.Tick(a, false)
	}
	time.Sleep(20 * time.Millisecond)
	b.Tick(a, true) // -> half-open

	state := b.Tick(analyzer.ResponseAnalysis{HasErrors: true}, true)
	assert.Equal(t, Open, state)
}

func TestBreaker_ResetIsIdempotent(t *testing.T) {
	b := New(testConfig())
	b.Reset()
	b.Reset()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HistoryBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	cfg.NoProgressThreshold = 1
	cfg.Cooldown = time.Millisecond
	b := New(cfg)
	for i := 0; i < 10; i++ {
		b.Tick(analyzer.ResponseAnalysis{}, false)
		time.Sleep(2 * time.Millisecond)
		b.Tick(analyzer.ResponseAnalysis{}, true) // cooldown elapsed -> half-open; next iteration's tick closes it
	}
	stats := b.Stats()
	assert.LessOrEqual(t, len(stats.History), 3)
}

func TestRegistry_GetCreatesAndReuses(t *testing.T) {
	r := NewRegistry(testConfig())
	b1 := r.Get("sess-1")
	b2 := r.Get("sess-1")
	assert.Same(t, b1, b2)

	r.Remove("sess-1")
	b3 := r.Get("sess-1")
	assert.NotSame(t, b1, b3)
}
