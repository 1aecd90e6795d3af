// Package supervisor drives an autonomous run: a bounded loop of turns
// against a durable instruction bundle, gated at each iteration by a rate
// limiter and a circuit breaker, and stopped only on an explicit dual-
// condition completion signal, a tripped circuit, an exhausted budget, or
// cancellation.
//
// The iteration order (admit, check circuit, write status, run a turn,
// analyze, tick, append, save, check exit) and the session-continuity
// sidecar are grounded on the teacher repo's internal/headless.Runner
// wiring; its exit-code table is replaced with the one this system's spec
// defines, which does not match the teacher's ExitSuccess/ExitError
// numbering.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencode-ai/agentrun/internal/agent"
	"github.com/opencode-ai/agentrun/internal/autonomous/analyzer"
	"github.com/opencode-ai/agentrun/internal/autonomous/circuit"
	"github.com/opencode-ai/agentrun/internal/autonomous/ratelimit"
	"github.com/opencode-ai/agentrun/internal/event"
	"github.com/opencode-ai/agentrun/internal/logging"
	"github.com/opencode-ai/agentrun/internal/sessionstore"
	"github.com/opencode-ai/agentrun/internal/turn"
	"github.com/opencode-ai/agentrun/internal/vcs"
	"github.com/opencode-ai/agentrun/pkg/types"
)

// sessionExpiry is how long a session-id sidecar may go unused before the
// supervisor considers it expired and mints a fresh session instead.
const sessionExpiry = 24 * time.Hour

// HaltReason names why an autonomous run stopped.
type HaltReason string

const (
	ReasonCompleteWithSignal HaltReason = "complete_with_signal"
	ReasonError              HaltReason = "error"
	ReasonMaxLoops           HaltReason = "max_loops"
	ReasonCircuitOpen        HaltReason = "circuit_open"
	ReasonRateLimited        HaltReason = "rate_limited"
	ReasonCancelled          HaltReason = "cancelled"
	ReasonPermissionDenied   HaltReason = "permission_denied"
)

// ExitCode maps a halt reason to the process exit code the spec defines.
// permission_denied is a policy-protective halt in the same family as a
// tripped circuit, so it shares exit code 3 rather than the generic
// error code.
func (r HaltReason) ExitCode() int {
	switch r {
	case ReasonCompleteWithSignal:
		return 0
	case ReasonMaxLoops:
		return 2
	case ReasonCircuitOpen, ReasonPermissionDenied:
		return 3
	case ReasonRateLimited:
		return 4
	case ReasonCancelled:
		return 5
	default:
		return 1
	}
}

// PromptBundle is the durable instruction set the supervisor composes into
// each iteration's user message.
type PromptBundle struct {
	Instructions string
	Checklist    string
	BuildRun     string
}

// Compose assembles the bundle into a single prompt, reminding the model of
// the iteration number so its own status reporting can reference it.
func (b PromptBundle) Compose(iteration int) string {
	prompt := b.Instructions
	if b.Checklist != "" {
		prompt += "\n\n## Checklist\n" + b.Checklist
	}
	if b.BuildRun != "" {
		prompt += "\n\n## Build / Run\n" + b.BuildRun
	}
	prompt += fmt.Sprintf("\n\n(autonomous iteration %d)", iteration)
	return prompt
}

// Config configures one autonomous run.
type Config struct {
	MaxIterations int
	Bundle        PromptBundle
	Agent         *agent.Agent
	SessionRoot   string // root directory for the session filesystem layout
	RateLimit     ratelimit.Config
	Circuit       circuit.Config
}

// Status is the machine-readable snapshot written to status.json after
// every iteration.
type Status struct {
	State          string                     `json:"state"` // "running" | "halted"
	Iteration      int                        `json:"iteration"`
	CircuitState   circuit.State              `json:"circuitState"`
	CircuitStats   circuit.Stats              `json:"circuitStats"`
	CallsRemaining int                        `json:"callsRemaining"`
	LastReason     HaltReason                 `json:"lastReason,omitempty"`
	LastAnalysis   *analyzer.ResponseAnalysis `json:"lastAnalysis,omitempty"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

// Result is returned when Run terminates.
type Result struct {
	SessionID  string     `json:"sessionID"`
	Reason     HaltReason `json:"reason"`
	ExitCode   int        `json:"exitCode"`
	Iterations int        `json:"iterations"`
}

// LoopIteration is one entry under <root>/<session-id>/iterations/.
type LoopIteration struct {
	Ordinal   int                       `json:"ordinal"`
	Timestamp time.Time                 `json:"timestamp"`
	Analysis  analyzer.ResponseAnalysis `json:"analysis"`
}

// sidecar is the contents of the session.id file: the session id plus the
// last-activity timestamp that governs expiry.
type sidecar struct {
	SessionID      string    `json:"sessionID"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Header is the contents of header.json: the session's run-level metadata.
// Conversation turns themselves live in the sessionstore.Storage message
// and part records the turn engine already maintains; header.json only
// tracks the autonomous run's own counters.
type Header struct {
	SessionID  string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	TurnCount  int       `json:"turnCount"`
	TokenTotal int       `json:"tokenTotal"`
	Policy     string    `json:"policy,omitempty"`
}

// ringEntry is one bounded entry in events.ring.
type ringEntry struct {
	At      time.Time  `json:"at"`
	Reason  HaltReason `json:"reason,omitempty"`
	Summary string     `json:"summary,omitempty"`
}

// maxRingEntries bounds events.ring per the session filesystem layout.
const maxRingEntries = 100

// Supervisor wires the turn engine, rate limiter, circuit breaker, and
// response analyzer into the autonomous loop described in the spec.
type Supervisor struct {
	Engine      *turn.Engine
	Sessions    *sessionstore.Service
	RateLimiter *ratelimit.Limiter
	Breakers    *circuit.Registry
}

// New constructs a Supervisor. Callers typically build RateLimiter with a
// ratelimit.NewFilePersister(cfg.SessionRoot) so the bucket state lives
// alongside the rest of the session filesystem layout.
func New(engine *turn.Engine, sessions *sessionstore.Service, rl *ratelimit.Limiter, breakers *circuit.Registry) *Supervisor {
	return &Supervisor{
		Engine:      engine,
		Sessions:    sessions,
		RateLimiter: rl,
		Breakers:    breakers,
	}
}

// Run executes the autonomous loop for cfg, resuming a prior session if
// its sidecar is present and unexpired, and returns the terminal Result.
func (s *Supervisor) Run(ctx context.Context, cfg Config, workDir, title string) (*Result, error) {
	sessionID, _, err := s.resolveSession(ctx, cfg.SessionRoot, workDir, title)
	if err != nil {
		return nil, err
	}

	breaker := s.Breakers.Get(sessionID)
	permissionDenials := 0

	// A branch switch underneath a running autonomous loop invalidates the
	// assumption that consecutive iterations see a consistent worktree;
	// surface it loudly rather than let the run silently keep going against
	// a different checkout.
	if watcher, err := vcs.NewWatcher(workDir); err == nil && watcher != nil {
		watcher.Start()
		defer watcher.Stop()
		unsubscribe := event.Subscribe(event.VcsBranchUpdated, func(e event.Event) {
			if data, ok := e.Data.(event.VcsBranchUpdatedData); ok {
				logging.Warn().Str("session", sessionID).Str("branch", data.Branch).
					Msg("git branch changed mid-run; autonomous iterations may now be acting on a different checkout")
			}
		})
		defer unsubscribe()
	}

	for i := 1; i <= cfg.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			s.halt(ctx, cfg.SessionRoot, sessionID, i, breaker, ReasonCancelled)
			return &Result{SessionID: sessionID, Reason: ReasonCancelled, ExitCode: ReasonCancelled.ExitCode(), Iterations: i - 1}, ctx.Err()
		default:
		}

		admitted, err := s.RateLimiter.Admit(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		if !admitted {
			s.halt(ctx, cfg.SessionRoot, sessionID, i, breaker, ReasonRateLimited)
			return &Result{SessionID: sessionID, Reason: ReasonRateLimited, ExitCode: ReasonRateLimited.ExitCode(), Iterations: i - 1}, nil
		}

		if breaker.State() == circuit.Open {
			s.halt(ctx, cfg.SessionRoot, sessionID, i, breaker, ReasonCircuitOpen)
			return &Result{SessionID: sessionID, Reason: ReasonCircuitOpen, ExitCode: ReasonCircuitOpen.ExitCode(), Iterations: i - 1}, nil
		}

		s.writeStatus(ctx, cfg.SessionRoot, sessionID, "running", i, breaker, nil, "")
		s.touchSidecar(cfg.SessionRoot, sessionID)
		s.touchHeader(cfg.SessionRoot, sessionID, i)

		text, filesChanged, runErr := s.runOnce(ctx, sessionID, cfg.Bundle.Compose(i), cfg.Agent)
		if runErr != nil {
			logging.Warn().Str("session", sessionID).Int("iteration", i).Err(runErr).Msg("autonomous iteration failed")
		}

		analysis := analyzer.Analyze(text)
		breaker.Tick(analysis, filesChanged)

		if err := s.appendIteration(cfg.SessionRoot, sessionID, i, analysis); err != nil {
			logging.Warn().Str("session", sessionID).Err(err).Msg("failed to append iteration record")
		}

		if analysis.PermissionDenial {
			permissionDenials++
		}

		s.writeStatus(ctx, cfg.SessionRoot, sessionID, "running", i, breaker, &analysis, "")

		if dualExitCondition(analysis) {
			s.halt(ctx, cfg.SessionRoot, sessionID, i, breaker, ReasonCompleteWithSignal)
			return &Result{SessionID: sessionID, Reason: ReasonCompleteWithSignal, ExitCode: ReasonCompleteWithSignal.ExitCode(), Iterations: i}, nil
		}

		if breaker.State() == circuit.Open {
			s.halt(ctx, cfg.SessionRoot, sessionID, i, breaker, ReasonCircuitOpen)
			return &Result{SessionID: sessionID, Reason: ReasonCircuitOpen, ExitCode: ReasonCircuitOpen.ExitCode(), Iterations: i}, nil
		}

		if permissionDenials >= 2 {
			s.halt(ctx, cfg.SessionRoot, sessionID, i, breaker, ReasonPermissionDenied)
			return &Result{SessionID: sessionID, Reason: ReasonPermissionDenied, ExitCode: ReasonPermissionDenied.ExitCode(), Iterations: i}, nil
		}
	}

	s.halt(ctx, cfg.SessionRoot, sessionID, cfg.MaxIterations, breaker, ReasonMaxLoops)
	return &Result{SessionID: sessionID, Reason: ReasonMaxLoops, ExitCode: ReasonMaxLoops.ExitCode(), Iterations: cfg.MaxIterations}, nil
}

// dualExitCondition implements the spec's required guard against a model
// claiming completion without actually signalling it structurally: both
// a minimum count of completion indicators AND an explicit exit signal
// must be present.
func dualExitCondition(a analyzer.ResponseAnalysis) bool {
	return a.CompletionIndicators >= 2 && a.ExitSignal
}

// runOnce composes the iteration's prompt into a user message and drives
// one turn of the engine, returning the assistant's final text and whether
// any files were reported as modified by the tool orchestrator's diffs.
func (s *Supervisor) runOnce(ctx context.Context, sessionID, prompt string, ag *agent.Agent) (text string, filesChanged bool, err error) {
	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	if _, err := s.Sessions.AddUserMessage(ctx, session, prompt, nil); err != nil {
		return "", false, err
	}

	var final string
	callback := func(msg *types.Message, parts []types.Part) {
		for _, part := range parts {
			if tp, ok := part.(*types.TextPart); ok {
				final = tp.Text
			}
		}
	}

	runErr := s.Engine.Run(ctx, sessionID, ag, callback)

	diffs, _ := s.Sessions.GetDiffs(ctx, sessionID)
	return final, len(diffs) > 0, runErr
}

// resolveSession loads an unexpired session-id sidecar if present,
// otherwise mints a new session and sidecar.
func (s *Supervisor) resolveSession(ctx context.Context, root, workDir, title string) (string, *types.Session, error) {
	if sc, err := readSidecar(root); err == nil && sc != nil {
		if time.Since(sc.LastActivityAt) <= sessionExpiry {
			if session, err := s.Sessions.Get(ctx, sc.SessionID); err == nil {
				return sc.SessionID, session, nil
			}
		}
	}

	session, err := s.Sessions.Create(ctx, workDir, title)
	if err != nil {
		return "", nil, err
	}
	if err := writeSidecar(root, session.ID); err != nil {
		logging.Warn().Str("session", session.ID).Err(err).Msg("failed to write session sidecar")
	}
	return session.ID, session, nil
}

func (s *Supervisor) touchSidecar(root, sessionID string) {
	if err := writeSidecar(root, sessionID); err != nil {
		logging.Warn().Str("session", sessionID).Err(err).Msg("failed to refresh session sidecar")
	}
}

func (s *Supervisor) halt(ctx context.Context, root, sessionID string, iteration int, breaker *circuit.Breaker, reason HaltReason) {
	s.writeStatus(ctx, root, sessionID, "halted", iteration, breaker, nil, reason)
	appendRingEntry(root, sessionID, ringEntry{At: time.Now(), Reason: reason, Summary: fmt.Sprintf("halted at iteration %d", iteration)})
	event.PublishSync(event.Event{
		Type:      event.LoopStateChange,
		SessionID: sessionID,
		Data: event.LoopStateChangeData{
			SessionID: sessionID,
			Iteration: iteration,
			State:     "halted",
			Detail:    string(reason),
		},
	})
}

// touchHeader updates header.json's turn count, creating the header on
// first use.
func (s *Supervisor) touchHeader(root, sessionID string, iteration int) {
	path := filepath.Join(root, sessionID, "header.json")
	var h Header
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &h)
	} else {
		h = Header{SessionID: sessionID, CreatedAt: time.Now()}
	}
	h.TurnCount = iteration
	h.UpdatedAt = time.Now()
	if err := writeAtomic(path, h); err != nil {
		logging.Warn().Str("session", sessionID).Err(err).Msg("failed to update session header")
	}
}

// appendRingEntry appends one entry to events.ring, dropping the oldest
// once the bounded size is reached.
func appendRingEntry(root, sessionID string, entry ringEntry) {
	path := filepath.Join(root, sessionID, "events.ring")
	var ring []ringEntry
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &ring)
	}
	ring = append(ring, entry)
	if len(ring) > maxRingEntries {
		ring = ring[len(ring)-maxRingEntries:]
	}
	if err := writeAtomic(path, ring); err != nil {
		logging.Warn().Str("session", sessionID).Err(err).Msg("failed to append events.ring entry")
	}
}

func (s *Supervisor) writeStatus(ctx context.Context, root, sessionID, state string, iteration int, breaker *circuit.Breaker, analysis *analyzer.ResponseAnalysis, reason HaltReason) {
	remaining, _ := s.RateLimiter.Remaining(ctx, sessionID)
	status := Status{
		State:          state,
		Iteration:      iteration,
		CircuitState:   breaker.State(),
		CircuitStats:   breaker.Stats(),
		CallsRemaining: remaining,
		LastReason:     reason,
		LastAnalysis:   analysis,
		UpdatedAt:      time.Now(),
	}
	if err := writeAtomic(filepath.Join(root, sessionID, "status.json"), status); err != nil {
		logging.Warn().Str("session", sessionID).Err(err).Msg("failed to write status snapshot")
	}
}

func (s *Supervisor) appendIteration(root, sessionID string, ordinal int, analysis analyzer.ResponseAnalysis) error {
	dir := filepath.Join(root, sessionID, "iterations")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	record := LoopIteration{Ordinal: ordinal, Timestamp: time.Now(), Analysis: analysis}
	return writeAtomic(filepath.Join(dir, fmt.Sprintf("%06d.json", ordinal)), record)
}

func readSidecar(root string) (*sidecar, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "session.id"))
		if err != nil {
			continue
		}
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			continue
		}
		return &sc, nil
	}
	return nil, nil
}

func writeSidecar(root, sessionID string) error {
	sc := sidecar{SessionID: sessionID, LastActivityAt: time.Now()}
	return writeAtomic(filepath.Join(root, sessionID, "session.id"), sc)
}

// writeAtomic marshals v and writes it to path via write-temp-then-rename,
// matching the rest of the session filesystem layout's durability story.
func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
