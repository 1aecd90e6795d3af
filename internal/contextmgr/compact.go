// Package contextmgr owns the append-only message log's token budget: it
// decides when a turn's conversation history has grown too large for the
// model's context window and rewrites it down to a smaller, still-useful
// set of messages.
package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentrun/internal/event"
	"github.com/opencode-ai/agentrun/internal/llm"
	"github.com/opencode-ai/agentrun/internal/sessionstore"
	"github.com/opencode-ai/agentrun/pkg/types"
)

// Config controls compaction thresholds.
type Config struct {
	// MinMessagesToKeep is the minimum number of most-recent messages never
	// subject to compaction.
	MinMessagesToKeep int
	// SummaryMaxTokens bounds the size of an LLM-generated summary.
	SummaryMaxTokens int
	// ContextThreshold is the fraction of MaxContextTokens that triggers
	// compaction.
	ContextThreshold float64
	// MaxContextTokens is the model context window compaction budgets
	// against.
	MaxContextTokens int
}

// DefaultConfig matches the thresholds the teacher codebase shipped with.
var DefaultConfig = Config{
	MinMessagesToKeep: 4,
	SummaryMaxTokens:  2000,
	ContextThreshold:  0.75,
	MaxContextTokens:  150000,
}

// Strategy picks which messages to drop or summarize when a session's
// history must shrink. Compact returns the replacement message set.
type Strategy interface {
	Compact(ctx context.Context, sessionID string, messages []*types.Message, cfg Config) ([]*types.Message, error)
}

// Manager is the context manager: it watches the running token count for a
// session and applies a Strategy once the threshold is crossed.
type Manager struct {
	Store     *sessionstore.Storage
	Providers *llm.Registry
	Strategy  Strategy
	Config    Config
}

// New creates a context manager using the hybrid recency/importance/
// relevance strategy by default.
func New(store *sessionstore.Storage, providers *llm.Registry) *Manager {
	return &Manager{
		Store:     store,
		Providers: providers,
		Strategy:  &HybridStrategy{Store: store},
		Config:    DefaultConfig,
	}
}

// EstimateTokens provides a deterministic, monotonic token estimate: roughly
// four characters per token, the same heuristic the teacher codebase used.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// ShouldCompact reports whether the accumulated token usage across messages
// has crossed the configured threshold.
func (m *Manager) ShouldCompact(messages []*types.Message) bool {
	if len(messages) <= m.Config.MinMessagesToKeep {
		return false
	}
	total := 0
	for _, msg := range messages {
		if msg.Tokens != nil {
			total += msg.Tokens.Input + msg.Tokens.Output
		}
	}
	return float64(total) > m.Config.ContextThreshold*float64(m.Config.MaxContextTokens)
}

// Compact rewrites a session's stored message log in place using the
// configured Strategy, marking the session as compacting for the duration
// so concurrent readers can show progress.
func (m *Manager) Compact(ctx context.Context, sessionID string, messages []*types.Message) error {
	if len(messages) <= m.Config.MinMessagesToKeep {
		return nil
	}

	session, projectID, err := m.findSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	session.Time.Compacting = &now
	m.Store.Put(ctx, []string{"session", projectID, session.ID}, session)
	defer func() {
		session.Time.Compacting = nil
		m.Store.Put(ctx, []string{"session", projectID, session.ID}, session)
	}()

	strategy := m.Strategy
	if strategy == nil {
		strategy = &HybridStrategy{Store: m.Store}
	}

	replacement, err := strategy.Compact(ctx, sessionID, messages, m.Config)
	if err != nil {
		return err
	}

	kept := make(map[string]bool, len(replacement))
	for _, msg := range replacement {
		kept[msg.ID] = true
		m.Store.Put(ctx, []string{"message", sessionID, msg.ID}, msg)
	}
	for _, msg := range messages {
		if !kept[msg.ID] {
			m.Store.Delete(ctx, []string{"message", sessionID, msg.ID})
		}
	}

	event.PublishSync(event.Event{Type: event.SessionCompacted, Data: event.SessionCompactedData{SessionID: sessionID}})
	return nil
}

func (m *Manager) findSession(ctx context.Context, sessionID string) (*types.Session, string, error) {
	projects, err := m.Store.List(ctx, []string{"session"})
	if err != nil {
		return nil, "", err
	}
	for _, projectID := range projects {
		var session types.Session
		if err := m.Store.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, projectID, nil
		}
	}
	return nil, "", fmt.Errorf("session %s not found", sessionID)
}

func (m *Manager) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := m.Store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// HybridStrategy scores each candidate-for-removal message along three
// axes — recency, importance (does it contain a tool call/result or an
// error), and relevance (keyword overlap with the most recent user turn).
// It keeps the highest scoring half of the candidates (always including the
// first message) plus the MinMessagesToKeep most recent messages, and
// replaces the rest with one summary message; the size of the result is not
// checked against the token budget. Unlike an LLM-summarization pass, this never issues a model
// call, so it can run on every turn without added latency or cost.
type HybridStrategy struct {
	Store *sessionstore.Storage
}

type scoredMessage struct {
	msg   *types.Message
	score float64
}

func (h *HybridStrategy) Compact(ctx context.Context, sessionID string, messages []*types.Message, cfg Config) ([]*types.Message, error) {
	if len(messages) <= cfg.MinMessagesToKeep {
		return messages, nil
	}

	keepTail := messages[len(messages)-cfg.MinMessagesToKeep:]
	candidates := messages[:len(messages)-cfg.MinMessagesToKeep]

	lastUserTerms := keywordSet(h.lastUserContent(ctx, keepTail))

	scored := make([]scoredMessage, 0, len(candidates))
	for i, msg := range candidates {
		recency := float64(i) / float64(len(candidates)) // later candidates score higher
		importance := h.importance(ctx, msg)
		relevance := h.relevance(ctx, msg, lastUserTerms)
		score := 0.4*recency + 0.35*importance + 0.25*relevance
		scored = append(scored, scoredMessage{msg: msg, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	// Keep the highest scoring half of the candidates, always keep the
	// first message (it usually carries the task's original framing).
	keepCount := len(scored) / 2
	if keepCount < 1 && len(scored) > 0 {
		keepCount = 1
	}
	keptSet := make(map[string]bool, keepCount+1)
	if len(candidates) > 0 {
		keptSet[candidates[0].ID] = true
	}
	for i := 0; i < keepCount && i < len(scored); i++ {
		keptSet[scored[i].msg.ID] = true
	}

	var result []*types.Message
	var dropped []*types.Message
	for _, msg := range candidates {
		if keptSet[msg.ID] {
			result = append(result, msg)
		} else {
			dropped = append(dropped, msg)
		}
	}

	if len(dropped) > 0 {
		summary := h.buildDropSummary(dropped)
		result = append(result, summary)
	}

	result = append(result, keepTail...)
	return result, nil
}

func (h *HybridStrategy) lastUserContent(ctx context.Context, tail []*types.Message) string {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Role == "user" {
			parts, err := h.loadParts(ctx, tail[i].ID)
			if err != nil {
				continue
			}
			var b strings.Builder
			for _, p := range parts {
				if tp, ok := p.(*types.TextPart); ok {
					b.WriteString(tp.Text)
				}
			}
			return b.String()
		}
	}
	return ""
}

func (h *HybridStrategy) importance(ctx context.Context, msg *types.Message) float64 {
	if msg.Error != nil {
		return 1.0
	}
	parts, err := h.loadParts(ctx, msg.ID)
	if err != nil {
		return 0
	}
	for _, p := range parts {
		if tp, ok := p.(*types.ToolPart); ok {
			if tp.State.Status == "error" {
				return 1.0
			}
			if tp.State.Output != "" || len(tp.State.Metadata) > 0 {
				return 0.7
			}
		}
	}
	return 0.2
}

func (h *HybridStrategy) relevance(ctx context.Context, msg *types.Message, terms map[string]bool) float64 {
	if len(terms) == 0 {
		return 0.5
	}
	parts, err := h.loadParts(ctx, msg.ID)
	if err != nil {
		return 0
	}
	var text strings.Builder
	for _, p := range parts {
		if tp, ok := p.(*types.TextPart); ok {
			text.WriteString(tp.Text)
			text.WriteString(" ")
		}
	}
	msgTerms := keywordSet(text.String())
	if len(msgTerms) == 0 {
		return 0
	}
	overlap := 0
	for term := range msgTerms {
		if terms[term] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(msgTerms))
}

func (h *HybridStrategy) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := h.Store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

func (h *HybridStrategy) buildDropSummary(dropped []*types.Message) *types.Message {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%d earlier messages summarized]\n", len(dropped)))
	for _, msg := range dropped {
		parts, _ := h.loadParts(context.Background(), msg.ID)
		for _, p := range parts {
			switch tp := p.(type) {
			case *types.TextPart:
				b.WriteString(truncateText(tp.Text, 200))
				b.WriteString("\n")
			case *types.ToolPart:
				fmt.Fprintf(&b, "[tool %s: %s]\n", tp.Tool, truncateText(tp.State.Output, 120))
			}
		}
	}

	now := time.Now().UnixMilli()
	summary := &types.Message{
		ID:        dropped[0].ID + "-summary",
		SessionID: dropped[0].SessionID,
		Role:      "system",
		Time:      types.MessageTime{Created: now},
	}
	h.Store.Put(context.Background(), []string{"part", summary.ID, summary.ID + "-text"}, &types.TextPart{
		ID:        summary.ID + "-text",
		SessionID: summary.SessionID,
		MessageID: summary.ID,
		Type:      "text",
		Text:      b.String(),
	})
	return summary
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func keywordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?:;\"'()[]{}")
		if len(word) > 3 {
			set[word] = true
		}
	}
	return set
}

// LLMStrategy summarizes dropped messages with a real model call instead of
// the hybrid scorer, preserving the teacher's original compaction approach
// as an opt-in alternative for sessions that prefer fidelity over latency.
type LLMStrategy struct {
	Store     *sessionstore.Storage
	Providers *llm.Registry
}

func (l *LLMStrategy) Compact(ctx context.Context, sessionID string, messages []*types.Message, cfg Config) ([]*types.Message, error) {
	compactEnd := len(messages) - cfg.MinMessagesToKeep
	toCompact := messages[:compactEnd]
	tail := messages[compactEnd:]

	model, err := l.Providers.DefaultModel()
	if err != nil {
		return nil, err
	}
	prov, err := l.Providers.Get(model.ProviderID)
	if err != nil {
		return nil, err
	}

	prompt := l.buildSummaryPrompt(ctx, toCompact)
	stream, err := prov.CreateCompletion(ctx, &llm.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: compactionSystemPrompt},
			{Role: schema.User, Content: prompt},
		},
		MaxTokens: cfg.SummaryMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		summary.WriteString(msg.Content)
	}

	now := time.Now().UnixMilli()
	summaryMsg := &types.Message{
		ID:        toCompact[len(toCompact)-1].ID + "-summary",
		SessionID: sessionID,
		Role:      "system",
		Time:      types.MessageTime{Created: now},
		Tokens:    &types.TokenUsage{Input: EstimateTokens(prompt), Output: EstimateTokens(summary.String())},
	}
	l.Store.Put(ctx, []string{"part", summaryMsg.ID, summaryMsg.ID + "-text"}, &types.TextPart{
		ID:        summaryMsg.ID + "-text",
		SessionID: sessionID,
		MessageID: summaryMsg.ID,
		Type:      "text",
		Text:      summary.String(),
	})

	return append([]*types.Message{summaryMsg}, tail...), nil
}

func (l *LLMStrategy) buildSummaryPrompt(ctx context.Context, messages []*types.Message) string {
	var prompt strings.Builder
	prompt.WriteString("Please summarize the following conversation, focusing on:\n")
	prompt.WriteString("1. Key decisions and outcomes\n2. Files that were modified\n3. Important context for continuing the work\n\n---\n\n")

	for _, msg := range messages {
		if msg.Role == "user" {
			prompt.WriteString("USER:\n")
		} else {
			prompt.WriteString("ASSISTANT:\n")
		}
		parts, err := l.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				prompt.WriteString(pt.Text)
				prompt.WriteString("\n")
			case *types.ToolPart:
				prompt.WriteString(fmt.Sprintf("[Tool: %s]\n", pt.Tool))
				prompt.WriteString(truncateText(pt.State.Output, 500))
				prompt.WriteString("\n")
			}
		}
		prompt.WriteString("\n")
	}
	return prompt.String()
}

func (l *LLMStrategy) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := l.Store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`
