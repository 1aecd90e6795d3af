// Package turn implements the turn engine: the state machine that drives a
// single assistant turn from an outstanding user message through LLM
// completion, tool execution, and context compaction until the turn reaches
// a terminal state.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentrun/internal/agent"
	"github.com/opencode-ai/agentrun/internal/contextmgr"
	"github.com/opencode-ai/agentrun/internal/event"
	"github.com/opencode-ai/agentrun/internal/llm"
	"github.com/opencode-ai/agentrun/internal/logging"
	"github.com/opencode-ai/agentrun/internal/orchestrator"
	"github.com/opencode-ai/agentrun/internal/safety"
	"github.com/opencode-ai/agentrun/internal/sessionstore"
	"github.com/opencode-ai/agentrun/internal/tool"
	"github.com/opencode-ai/agentrun/pkg/types"
)

const (
	// MaxSteps is the default maximum number of agentic loop iterations.
	MaxSteps = 50
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries of one turn.
	RetryMaxElapsedTime = 2 * time.Minute
)

// stepState names the turn engine's state machine positions. Each value
// corresponds to a transition in the Run loop below.
type stepState int

const (
	statePrepare stepState = iota
	stateCallLLM
	stateStreamResult
	stateExecuteTools
	stateAppendResults
	stateFinalize
)

// Callback is invoked whenever the in-progress message or its parts change.
type Callback func(msg *types.Message, parts []types.Part)

// State tracks an in-flight turn.
type State struct {
	message *types.Message
	parts   []types.Part
	waiters []chan error
}

// Engine owns the dependencies needed to drive one assistant turn:
// the LLM driver, the tool orchestrator, the context manager, and the
// session store. It has no notion of concurrent sessions; callers are
// expected to serialize turns per session (see internal/session.Service).
type Engine struct {
	Providers    *llm.Registry
	Store        *sessionstore.Storage
	Tools        *tool.Registry
	Orchestrator *orchestrator.Orchestrator
	Context      *contextmgr.Manager

	DefaultProviderID string
	DefaultModelID    string
}

// New creates a turn engine.
func New(providers *llm.Registry, store *sessionstore.Storage, tools *tool.Registry, orch *orchestrator.Orchestrator, ctxmgr *contextmgr.Manager) *Engine {
	return &Engine{
		Providers:         providers,
		Store:             store,
		Tools:             tools,
		Orchestrator:      orch,
		Context:           ctxmgr,
		DefaultProviderID: "anthropic",
		DefaultModelID:    "claude-sonnet-4-20250514",
	}
}

// newRetryBackoff creates an exponential backoff with jitter for API retries.
// Jitter spreads retries from multiple sessions apart, avoiding a thundering
// herd against the provider when it briefly degrades.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Run drives one assistant turn to completion: PREPARE, then a CALL_LLM /
// STREAM_RESULT / EXECUTE_TOOLS / APPEND_RESULTS cycle until the model
// signals a stop, the step budget is exhausted, or the context is canceled.
func (e *Engine) Run(ctx context.Context, sessionID string, ag *agent.Agent, callback Callback) (runErr error) {
	state := &State{}

	if err := e.prepare(ctx, sessionID, state, callback); err != nil {
		return err
	}

	if ag == nil {
		ag = agent.BuiltInAgents()["build"]
	}
	maxSteps := ag.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	event.PublishSync(event.Event{
		Type:      event.AgentStart,
		SessionID: sessionID,
		Data: event.AgentStartData{
			SessionID: sessionID,
			MessageID: state.message.ID,
			Agent:     ag.Name,
		},
	})
	defer func() {
		reason := "stop"
		if runErr != nil {
			reason = "error"
		} else if state.message.Error != nil {
			reason = state.message.Error.Type
		} else if state.message.Finish != nil {
			reason = *state.message.Finish
		}
		event.PublishSync(event.Event{
			Type:      event.AgentEnd,
			SessionID: sessionID,
			Data:      event.AgentEndData{SessionID: sessionID, MessageID: state.message.ID, Reason: reason},
		})
	}()

	step := 0
	retryBackoff := newRetryBackoff(ctx)
	current := stateCallLLM

	for {
		select {
		case <-ctx.Done():
			state.message.Error = &types.MessageError{Type: "abort", Message: "processing aborted"}
			e.saveMessage(ctx, sessionID, state.message)
			return ctx.Err()
		default:
		}

		switch current {
		case stateCallLLM:
			if step >= maxSteps {
				state.message.Error = &types.MessageError{Type: "max_steps", Message: "maximum steps reached"}
				e.saveMessage(ctx, sessionID, state.message)
				err := fmt.Errorf("max steps exceeded")
				e.publishAgentError(sessionID, state.message.ID, "max_steps", err)
				return err
			}

			messages, err := e.loadMessages(ctx, sessionID)
			if err != nil {
				return err
			}

			if e.Context != nil && e.Context.ShouldCompact(messages) {
				if err := e.Context.Compact(ctx, sessionID, messages); err != nil {
					logging.Warn().Str("session", sessionID).Err(err).Msg("context compaction failed")
				}
				messages, _ = e.loadMessages(ctx, sessionID)
			}

			providerID, modelID := e.resolveModel(messages)
			prov, err := e.Providers.Get(providerID)
			if err != nil {
				err = fmt.Errorf("provider not found: %w", err)
				e.publishAgentError(sessionID, state.message.ID, "config", err)
				return err
			}
			model, err := e.Providers.GetModel(providerID, modelID)
			if err != nil {
				err = fmt.Errorf("model not found: %w", err)
				e.publishAgentError(sessionID, state.message.ID, "config", err)
				return err
			}

			req, err := e.buildCompletionRequest(ctx, sessionID, messages, state.message, ag, model)
			if err != nil {
				err = fmt.Errorf("failed to build request: %w", err)
				e.publishAgentError(sessionID, state.message.ID, "validation", err)
				return err
			}

			stream, err := prov.CreateCompletion(ctx, req)
			if err != nil {
				if !e.retryOrFail(ctx, sessionID, state.message, retryBackoff, err) {
					return err
				}
				continue
			}

			finishReason, err := e.processStream(ctx, stream, state, callback)
			stream.Close()
			if err != nil {
				if !e.retryOrFail(ctx, sessionID, state.message, retryBackoff, err) {
					return err
				}
				continue
			}
			retryBackoff.Reset()

			switch finishReason {
			case "stop", "end_turn":
				finish := "stop"
				state.message.Finish = &finish
				e.saveMessage(ctx, sessionID, state.message)
				return nil

			case "tool_use", "tool_calls", "tool-calls":
				current = stateExecuteTools
				continue

			case "max_tokens", "length":
				finish := "max_tokens"
				state.message.Finish = &finish
				state.message.Error = &types.MessageError{Type: "output_length", Message: "output length limit reached"}
				e.saveMessage(ctx, sessionID, state.message)
				return nil

			case "error":
				if nextInterval := retryBackoff.NextBackOff(); nextInterval != backoff.Stop {
					time.Sleep(nextInterval)
					continue
				}
				err := fmt.Errorf("stream error: max retries exceeded")
				e.publishAgentError(sessionID, state.message.ID, "llm_fatal", err)
				return err

			default:
				state.message.Finish = &finishReason
				e.saveMessage(ctx, sessionID, state.message)
				return nil
			}

		case stateExecuteTools:
			if e.Orchestrator != nil {
				req := e.buildOrchestratorRequest(sessionID, state, ag, callback)
				results, err := e.Orchestrator.Execute(ctx, req)
				if err != nil {
					logging.Debug().Str("session", sessionID).Err(err).Msg("tool execution returned error")
				}
				for _, tp := range results {
					for i, existing := range state.parts {
						if existing.PartID() == tp.PartID() {
							state.parts[i] = tp
						}
					}
				}
			}
			step++
			current = stateCallLLM
		}
	}
}

// buildOrchestratorRequest assembles the orchestrator request for the tool
// calls pending in state.parts, translating the engine's agent
// configuration into the permission policy the orchestrator consults.
func (e *Engine) buildOrchestratorRequest(sessionID string, state *State, ag *agent.Agent, callback Callback) *orchestrator.Request {
	workDir := e.workDirFor(sessionID)
	return &orchestrator.Request{
		Message: state.message,
		Parts:   state.parts,
		WorkDir: workDir,
		Agent: orchestrator.AgentPolicy{
			Name:        ag.Name,
			Permissions: agentPermissions(ag),
			ToolEnabled: ag.ToolEnabled,
		},
		Callback: callback,
	}
}

// agentPermissions adapts an agent.Agent's permission matrix into the
// safety.AgentPermissions shape the orchestrator expects.
func agentPermissions(ag *agent.Agent) safety.AgentPermissions {
	bash := ag.Permission.Bash
	if bash == nil {
		bash = map[string]safety.PermissionAction{"*": safety.ActionAsk}
	}
	edit := ag.Permission.Edit
	if edit == "" {
		edit = safety.ActionAsk
	}
	webFetch := ag.Permission.WebFetch
	if webFetch == "" {
		webFetch = safety.ActionAsk
	}
	externalDir := ag.Permission.ExternalDir
	if externalDir == "" {
		externalDir = safety.ActionAsk
	}
	doomLoop := ag.Permission.DoomLoop
	if doomLoop == "" {
		doomLoop = safety.ActionAsk
	}
	return safety.AgentPermissions{
		Edit:        edit,
		Bash:        bash,
		WebFetch:    webFetch,
		ExternalDir: externalDir,
		DoomLoop:    doomLoop,
	}
}

func (e *Engine) workDirFor(sessionID string) string {
	session, err := e.findSession(context.Background(), sessionID)
	if err != nil || session == nil {
		return ""
	}
	return session.Directory
}

// retryOrFail applies the retry policy for transport-level errors returned
// by the LLM driver. It reports whether the caller should retry.
func (e *Engine) retryOrFail(ctx context.Context, sessionID string, msg *types.Message, b backoff.BackOff, err error) bool {
	nextInterval := b.NextBackOff()
	if nextInterval == backoff.Stop {
		msg.Error = &types.MessageError{Type: "api", Message: err.Error()}
		e.saveMessage(ctx, sessionID, msg)
		e.publishAgentError(sessionID, msg.ID, "llm_transient", err)
		return false
	}
	time.Sleep(nextInterval)
	return true
}

// publishAgentError emits the agent_error record for a run-ending failure
// that is not itself a single failed tool call (those are reported through
// the orchestrator's tool_call_complete instead).
func (e *Engine) publishAgentError(sessionID, messageID, kind string, err error) {
	event.PublishSync(event.Event{
		Type:      event.AgentError,
		SessionID: sessionID,
		Data: event.AgentErrorData{
			SessionID: sessionID,
			MessageID: messageID,
			Kind:      kind,
			Error:     err.Error(),
		},
	})
}

// prepare loads the session, creates the assistant message shell, and
// notifies listeners of its creation.
func (e *Engine) prepare(ctx context.Context, sessionID string, state *State, callback Callback) error {
	messages, err := e.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	providerID, modelID := e.DefaultProviderID, e.DefaultModelID
	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	now := time.Now().UnixMilli()
	assistantMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ProviderID: providerID,
		ModelID:    modelID,
		Time:       types.MessageTime{Created: now},
	}
	state.message = assistantMsg

	if err := e.Store.Put(ctx, []string{"message", sessionID, assistantMsg.ID}, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	callback(assistantMsg, nil)
	event.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Info: assistantMsg}})

	if len(messages) == 1 {
		if session, err := e.findSession(ctx, sessionID); err == nil {
			userContent := textContent(ctx, e, lastMsg)
			go e.ensureTitle(context.Background(), session, userContent)
		}
	}

	return nil
}

// textContent concatenates the text parts of a message, used to seed the
// title-generation prompt from the first user turn.
func textContent(ctx context.Context, e *Engine, msg *types.Message) string {
	parts, err := e.loadParts(ctx, msg.ID)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if tp, ok := part.(*types.TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

func (e *Engine) resolveModel(messages []*types.Message) (string, string) {
	providerID, modelID := e.DefaultProviderID, e.DefaultModelID
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Model != nil {
			return messages[i].Model.ProviderID, messages[i].Model.ModelID
		}
	}
	return providerID, modelID
}

func (e *Engine) findSession(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := e.Store.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}
	for _, projectID := range projects {
		var session types.Session
		if err := e.Store.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}
	return nil, fmt.Errorf("session not found: %s", sessionID)
}

func (e *Engine) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := e.Store.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

func (e *Engine) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now

	if err := e.Store.Put(ctx, []string{"message", sessionID, msg.ID}, msg); err != nil {
		return err
	}
	event.Publish(event.Event{Type: event.MessageUpdated, Data: event.MessageUpdatedData{Info: msg}})
	return nil
}

func (e *Engine) savePart(ctx context.Context, messageID string, part types.Part) error {
	return e.Store.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// buildCompletionRequest assembles the LLM request for the next model call:
// system prompt, conversation history converted to Eino messages, and the
// tool schema list enabled for this agent.
func (e *Engine) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	currentMsg *types.Message,
	ag *agent.Agent,
	model *types.Model,
) (*llm.CompletionRequest, error) {
	session, _ := e.findSession(ctx, sessionID)
	systemPrompt := NewSystemPrompt(session, ag, currentMsg.ProviderID, currentMsg.ModelID)

	einoMessages := []*schema.Message{
		{Role: schema.System, Content: systemPrompt.Build()},
	}

	for _, msg := range messages {
		if msg.Error != nil && !e.hasUsableContent(ctx, msg) {
			continue
		}
		parts, err := e.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		einoMessages = append(einoMessages, e.convertMessage(msg, parts))
	}

	tools, err := e.resolveTools(ag, model)
	if err != nil {
		return nil, err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &llm.CompletionRequest{
		Model:       model.ID,
		Messages:    einoMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: ag.Temperature,
		TopP:        ag.TopP,
	}, nil
}

func (e *Engine) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := e.Store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

func (e *Engine) hasUsableContent(ctx context.Context, msg *types.Message) bool {
	parts, err := e.loadParts(ctx, msg.ID)
	if err != nil {
		return false
	}
	return len(parts) > 0
}

func (e *Engine) convertMessage(msg *types.Message, parts []types.Part) *schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	var content string
	var toolCalls []schema.ToolCall
	var toolCallID string

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			if msg.Role == "assistant" {
				inputJSON, _ := json.Marshal(pt.State.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID:       pt.CallID,
					Function: schema.FunctionCall{Name: pt.Tool, Arguments: string(inputJSON)},
				})
			} else {
				toolCallID = pt.CallID
				content = pt.State.Output
				if pt.State.Error != "" {
					content = "Error: " + pt.State.Error
				}
			}
		}
	}

	einoMsg := &schema.Message{Role: role, Content: content, ToolCalls: toolCalls}
	if toolCallID != "" {
		einoMsg.ToolCallID = toolCallID
	}
	return einoMsg
}

func (e *Engine) resolveTools(ag *agent.Agent, model *types.Model) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools || e.Tools == nil {
		return nil, nil
	}

	var result []*schema.ToolInfo
	for _, t := range e.Tools.List() {
		if !ag.ToolEnabled(t.ID()) {
			continue
		}
		params := parseJSONSchemaToParams(t.Parameters())
		result = append(result, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return result, nil
}

// parseJSONSchemaToParams converts a tool's JSON Schema parameters into Eino's
// ParameterInfo map.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{Type: paramType, Desc: prop.Description, Required: requiredSet[name]}
	}
	return params
}

// generatePartID generates a new ULID for parts and messages.
func generatePartID() string {
	return ulid.Make().String()
}
