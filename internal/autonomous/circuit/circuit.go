// Package circuit implements the autonomous supervisor's per-session
// circuit breaker: a CLOSED/OPEN/HALF_OPEN state machine that trips when an
// autonomous run stops making progress, starts erroring repeatedly, claims
// completion without an exit signal, or runs into a wall of permission
// denials.
//
// The state-machine shape (closed/open/half-open, cooldown-driven recovery,
// a registry keyed by name) is grounded on the nexus example repo's
// internal/infra circuit breaker; the OPEN triggers themselves are specific
// to autonomous-run ticks rather than a single failure counter.
package circuit

import (
	"sync"
	"time"

	"github.com/opencode-ai/agentrun/internal/autonomous/analyzer"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes the OPEN triggers and recovery cooldown. New uses every field
// as given; DefaultConfig supplies the documented defaults.
type Config struct {
	NoProgressThreshold        int
	ConsecutiveErrorsThreshold int
	CompletionSignalsThreshold int
	PermissionDenialsThreshold int
	OutputDeclineRatio         float64 // fraction of the 5-tick running mean
	Cooldown                   time.Duration
	HistorySize                int
}

// DefaultConfig matches the defaults named in the spec.
func DefaultConfig() Config {
	return Config{
		NoProgressThreshold:        3,
		ConsecutiveErrorsThreshold: 5,
		CompletionSignalsThreshold: 5,
		PermissionDenialsThreshold: 2,
		OutputDeclineRatio:         0.30,
		Cooldown:                   30 * time.Second,
		HistorySize:                50,
	}
}

// Transition records one state change for operator inspection.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	State             State        `json:"state"`
	NoProgressCount   int          `json:"noProgressCount"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	CompletionSignals int          `json:"completionSignals"`
	PermissionDenials int          `json:"permissionDenials"`
	History           []Transition `json:"history"`
}

// Breaker is a single session's circuit breaker. Safe for concurrent use.
type Breaker struct {
	config Config

	mu                sync.Mutex
	state             State
	noProgressCount   int
	consecutiveErrors int
	completionSignals int
	permissionDenials int
	recentOutputs     []int // ring buffer, last 5 output lengths
	openedAt          time.Time
	history           []Transition
}

// New creates a breaker in the CLOSED state.
func New(config Config) *Breaker {
	return &Breaker{
		config: config,
		state:  Closed,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tick feeds one autonomous-iteration analysis into the breaker and
// returns the resulting state. Apart from Reset, it is the sole mutator of
// breaker state; the caller (the supervisor loop) calls it exactly once per iteration.
func (b *Breaker) Tick(a analyzer.ResponseAnalysis, filesChanged bool) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) >= b.config.Cooldown {
			b.transition(HalfOpen, "cooldown elapsed")
		}
		return b.state

	case HalfOpen:
		if a.HasErrors || a.PermissionDenial {
			b.transition(Open, "half-open probe failed")
		} else {
			b.transition(Closed, "half-open probe succeeded")
			b.resetCounters()
		}
		return b.state

	default: // Closed
		b.recordTick(a, filesChanged)
		if reason, trip := b.checkTriggers(a); trip {
			b.transition(Open, reason)
		}
		return b.state
	}
}

// Reset forces the breaker back to CLOSED and clears counters. Idempotent.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.transition(Closed, "manual reset")
	}
	b.resetCounters()
}

// Stats returns a snapshot of the breaker's counters and history.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := make([]Transition, len(b.history))
	copy(hist, b.history)
	return Stats{
		State:             b.state,
		NoProgressCount:   b.noProgressCount,
		ConsecutiveErrors: b.consecutiveErrors,
		CompletionSignals: b.completionSignals,
		PermissionDenials: b.permissionDenials,
		History:           hist,
	}
}

func (b *Breaker) recordTick(a analyzer.ResponseAnalysis, filesChanged bool) {
	if filesChanged {
		b.noProgressCount = 0
	} else if !hasProgressMarker(a) {
		b.noProgressCount++
	}

	if a.HasErrors {
		b.consecutiveErrors++
	} else {
		b.consecutiveErrors = 0
	}

	if a.CompletionIndicators > 0 && !a.ExitSignal {
		b.completionSignals++
	} else if a.ExitSignal {
		b.completionSignals = 0
	}

	if a.PermissionDenial {
		b.permissionDenials++
	}

	b.recentOutputs = append(b.recentOutputs, a.OutputLength)
	if len(b.recentOutputs) > 5 {
		b.recentOutputs = b.recentOutputs[1:]
	}
}

// hasProgressMarker treats a non-empty summary as a weak progress signal
// distinct from a raw file change (e.g. an analysis/planning tick).
func hasProgressMarker(a analyzer.ResponseAnalysis) bool {
	return a.Summary != ""
}

func (b *Breaker) checkTriggers(a analyzer.ResponseAnalysis) (string, bool) {
	if b.noProgressCount >= b.config.NoProgressThreshold {
		return "no_progress_count threshold reached", true
	}
	if b.consecutiveErrors >= b.config.ConsecutiveErrorsThreshold {
		return "consecutive_errors threshold reached", true
	}
	if b.completionSignals >= b.config.CompletionSignalsThreshold {
		return "completion_signals without exit_signal threshold reached", true
	}
	if b.permissionDenials >= b.config.PermissionDenialsThreshold {
		return "permission_denials threshold reached", true
	}
	if b.outputDeclined(a.OutputLength) {
		return "output_length declined below threshold of running mean", true
	}
	return "", false
}

// outputDeclined reports whether the latest output length fell below the
// configured fraction of the running mean of the last 5 ticks (the tick
// just recorded is included in that mean, matching "running mean of the
// last 5 ticks").
func (b *Breaker) outputDeclined(latest int) bool {
	if len(b.recentOutputs) < 5 {
		return false
	}
	sum := 0
	for _, v := range b.recentOutputs {
		sum += v
	}
	mean := float64(sum) / float64(len(b.recentOutputs))
	if mean == 0 {
		return false
	}
	return float64(latest) < mean*b.config.OutputDeclineRatio
}

func (b *Breaker) resetCounters() {
	b.noProgressCount = 0
	b.consecutiveErrors = 0
	b.completionSignals = 0
	b.permissionDenials = 0
	b.recentOutputs = nil
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	if to == Open {
		b.openedAt = time.Now()
	}
	b.history = append(b.history, Transition{From: from, To: to, Reason: reason, At: time.Now()})
	if len(b.history) > b.config.HistorySize {
		b.history = b.history[len(b.history)-b.config.HistorySize:]
	}
}

// Registry keys breakers by session id so the supervisor can look one up
// per active run without every caller threading a map around.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry that constructs new breakers with config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for sessionID, creating one if absent.
func (r *Registry) Get(sessionID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[sessionID]
	if !ok {
		b = New(r.config)
		r.breakers[sessionID] = b
	}
	return b
}

// Remove drops a session's breaker, e.g. once its run has terminated.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, sessionID)
}
