// Package orchestrator executes the tool calls produced by one model step:
// a lookup of each call's tool in the registry (arguments are not checked
// against the tool's parameter schema), a safety check per call, a
// bounded-concurrency execution pool that serializes calls sharing a
// written-path/resource key, a per-call deadline, and diff bookkeeping for
// file-editing tools. Results are appended back into the turn's parts in
// the order the calls were emitted by the model, regardless of which call
// finishes first.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/opencode-ai/agentrun/internal/event"
	"github.com/opencode-ai/agentrun/internal/logging"
	"github.com/opencode-ai/agentrun/internal/safety"
	"github.com/opencode-ai/agentrun/internal/sessionstore"
	"github.com/opencode-ai/agentrun/internal/tool"
	"github.com/opencode-ai/agentrun/pkg/types"
)

// DefaultMaxConcurrency bounds how many tool calls from a single step run
// at once. The default is serial (1): calls from one step only run in
// parallel when an agent is configured with a higher MaxConcurrency.
// Regardless of this bound, calls that share a written-path/resource key
// are always serialized to each other in emission order.
const DefaultMaxConcurrency = 1

// DefaultToolTimeout bounds how long a single tool call may run before it
// is reported as timed out. A Orchestrator with ToolTimeout explicitly set
// to 0 fails every call immediately without invoking its handler.
const DefaultToolTimeout = 2 * time.Minute

// DefaultToolOutputTokenLimit bounds tool output before it is appended to
// the conversation, using the same ~4-chars-per-token estimate as
// internal/contextmgr.
const DefaultToolOutputTokenLimit = 2500

// approxCharsPerToken mirrors internal/contextmgr's token estimate so a
// token-denominated output limit can be applied without a tokenizer.
const approxCharsPerToken = 4

// DoomLoopThreshold is the number of identical completed calls (same tool,
// same input) after which a repeated call is treated as a loop.
const DoomLoopThreshold = 3

// ToolTimeoutError reports that a tool call did not finish within its
// per-call deadline (spec error taxonomy: ToolTimeoutError).
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("tool %q exceeded its %s deadline", e.Tool, e.Timeout)
}

// Callback is invoked whenever the in-progress message or its parts change.
type Callback func(msg *types.Message, parts []types.Part)

// AgentPolicy carries the permission policy and tool allow/deny list that
// apply to the agent driving the current turn. It is a narrow view of
// internal/turn.Agent so this package never needs to import it.
type AgentPolicy struct {
	Name        string
	Permissions safety.AgentPermissions
	ToolEnabled func(toolID string) bool
}

// Request describes one step's worth of pending tool calls to execute.
type Request struct {
	Message  *types.Message
	Parts    []types.Part
	Agent    AgentPolicy
	WorkDir  string
	Callback Callback
}

// Orchestrator executes tool calls on behalf of the turn engine.
type Orchestrator struct {
	Tools                *tool.Registry
	Safety               *safety.Checker
	Store                *sessionstore.Storage
	MaxConcurrency       int
	ToolTimeout          time.Duration
	ToolOutputTokenLimit int
}

// New creates a tool orchestrator.
func New(tools *tool.Registry, checker *safety.Checker, store *sessionstore.Storage) *Orchestrator {
	return &Orchestrator{
		Tools:                tools,
		Safety:               checker,
		Store:                store,
		MaxConcurrency:       DefaultMaxConcurrency,
		ToolTimeout:          DefaultToolTimeout,
		ToolOutputTokenLimit: DefaultToolOutputTokenLimit,
	}
}

// Execute runs every pending ("running"-state) tool part in req.Parts and
// returns the completed parts in emission order. Calls are bounded to
// MaxConcurrency workers (default DefaultMaxConcurrency, i.e. serial);
// calls that share a written-path/resource key are always serialized to
// each other in the order the model emitted them, regardless of
// MaxConcurrency, so two edits to the same file can never race. Each part
// is saved and its events published as soon as its own call finishes; the
// returned slice is in the order the model emitted the calls.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) ([]*types.ToolPart, error) {
	var pending []*types.ToolPart
	for _, part := range req.Parts {
		if tp, ok := part.(*types.ToolPart); ok && tp.State.Status == "running" {
			pending = append(pending, tp)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	limit := o.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	sem := make(chan struct{}, limit)

	// waitFor[i] is closed once the prior pending call sharing pending[i]'s
	// resource key has finished; doneSignal[i] is what the next call with
	// that key waits on. Calls with no resource key (waitFor==nil) have no
	// dependency and may start as soon as a worker slot is free.
	keyPrev := make(map[string]chan struct{})
	waitFor := make([]chan struct{}, len(pending))
	doneSignal := make([]chan struct{}, len(pending))
	for i, tp := range pending {
		key := resourceKey(tp)
		if key == "" {
			continue
		}
		waitFor[i] = keyPrev[key]
		doneSignal[i] = make(chan struct{})
		keyPrev[key] = doneSignal[i]
	}

	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for i, toolPart := range pending {
		wg.Add(1)
		go func(i int, tp *types.ToolPart) {
			defer wg.Done()

			if wait := waitFor[i]; wait != nil {
				select {
				case <-wait:
				case <-ctx.Done():
				}
			}

			sem <- struct{}{}
			err := o.executeSingle(ctx, req, tp)
			<-sem

			if doneSignal[i] != nil {
				close(doneSignal[i])
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i, toolPart)
	}
	wg.Wait()

	// firstErr never stops the turn: a failed call is captured in its own
	// part's error field, and the model sees it on the next step.
	_ = firstErr
	return pending, nil
}

// resourceKey returns the written-path/resource key a call must serialize
// on with other pending calls targeting the same resource, or "" if the
// call has no such dependency and may run fully concurrently with the
// rest of the batch.
func resourceKey(tp *types.ToolPart) string {
	switch tp.Tool {
	case "Write", "Edit":
		if path, ok := tp.State.Input["filePath"].(string); ok && path != "" {
			return "file:" + path
		}
	}
	return ""
}

func (o *Orchestrator) executeSingle(ctx context.Context, req *Request, toolPart *types.ToolPart) error {
	t, ok := o.Tools.Get(toolPart.Tool)
	if !ok {
		return o.fail(ctx, req, toolPart, fmt.Sprintf("tool not found: %s", toolPart.Tool))
	}

	if err := o.checkPermission(ctx, req, toolPart); err != nil {
		return o.fail(ctx, req, toolPart, err.Error())
	}

	if err := o.checkDoomLoop(ctx, req, toolPart); err != nil {
		return o.fail(ctx, req, toolPart, err.Error())
	}

	inputJSON, err := json.Marshal(toolPart.State.Input)
	if err != nil {
		return o.fail(ctx, req, toolPart, fmt.Sprintf("failed to marshal input: %v", err))
	}

	o.publishToolCallStart(req, toolPart)

	// A configured deadline of zero means every call fails immediately
	// without ever invoking the tool's handler.
	if o.ToolTimeout == 0 {
		return o.fail(ctx, req, toolPart, (&ToolTimeoutError{Tool: toolPart.Tool, Timeout: 0}).Error())
	}

	callCtx, cancel := context.WithDeadline(ctx, time.Now().Add(o.ToolTimeout))
	defer cancel()

	abortCh := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-callCtx.Done():
			close(abortCh)
		case <-done:
		}
	}()

	toolCtx := &tool.Context{
		SessionID: req.Message.SessionID,
		MessageID: req.Message.ID,
		CallID:    toolPart.CallID,
		Agent:     req.Agent.Name,
		WorkDir:   req.WorkDir,
		AbortCh:   abortCh,
		Extra:     map[string]any{"model": req.Message.ModelID},
	}
	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		toolPart.State.Title = title
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range meta {
			toolPart.State.Metadata[k] = v
		}
		o.publishPartUpdate(toolPart, req)
	}

	result, err := t.Execute(callCtx, inputJSON, toolCtx)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return o.fail(ctx, req, toolPart, (&ToolTimeoutError{Tool: toolPart.Tool, Timeout: o.ToolTimeout}).Error())
		}
		return o.fail(ctx, req, toolPart, err.Error())
	}

	rawOutput := safety.ScrubSecrets(result.Output)
	truncatedOutput, _ := truncateOutput(rawOutput, o.outputTokenLimit())

	now := time.Now().UnixMilli()
	toolPart.State.Status = "completed"
	toolPart.State.Output = truncatedOutput
	toolPart.State.Title = result.Title
	if toolPart.State.Time == nil {
		toolPart.State.Time = &types.ToolTime{Start: now}
	}
	toolPart.State.Time.End = &now

	if result.Metadata != nil {
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			toolPart.State.Metadata[k] = v
		}
	}

	if len(result.Attachments) > 0 {
		toolPart.State.Attachments = make([]types.FilePart, len(result.Attachments))
		for i, att := range result.Attachments {
			toolPart.State.Attachments[i] = types.FilePart{
				ID:        generatePartID(),
				SessionID: req.Message.SessionID,
				MessageID: req.Message.ID,
				Type:      "file",
				Filename:  att.Filename,
				MediaType: att.MediaType,
				URL:       att.URL,
			}
		}
	}

	if err := o.recordDiff(req, toolPart); err != nil {
		logging.Debug().Str("tool", toolPart.Tool).Err(err).Msg("diff recording failed")
	}

	o.savePart(ctx, req.Message.ID, toolPart)
	o.publishPartUpdate(toolPart, req)
	// The untruncated output is exposed to the UI consumer exactly once,
	// via this event; the context manager only ever sees toolPart.State's
	// (possibly truncated) copy.
	o.publishToolCallComplete(req, toolPart, rawOutput, nil)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, req *Request, toolPart *types.ToolPart, errMsg string) error {
	now := time.Now().UnixMilli()
	toolPart.State.Status = "error"
	toolPart.State.Error = errMsg
	if toolPart.State.Time == nil {
		toolPart.State.Time = &types.ToolTime{Start: now}
	}
	toolPart.State.Time.End = &now

	o.savePart(ctx, req.Message.ID, toolPart)
	o.publishPartUpdate(toolPart, req)
	err := errors.New(errMsg)
	o.publishToolCallComplete(req, toolPart, "", err)
	return err
}

// outputTokenLimit returns the configured tool-output token limit,
// falling back to the documented default when unset.
func (o *Orchestrator) outputTokenLimit() int {
	if o.ToolOutputTokenLimit <= 0 {
		return DefaultToolOutputTokenLimit
	}
	return o.ToolOutputTokenLimit
}

// truncateOutput caps s at tokenLimit approximate tokens (~4 chars per
// token, matching internal/contextmgr's estimator). Output exactly at the
// limit is preserved untouched; anything even one character over is cut.
func truncateOutput(s string, tokenLimit int) (string, bool) {
	limit := tokenLimit * approxCharsPerToken
	if len(s) <= limit {
		return s, false
	}
	return s[:limit], true
}

func (o *Orchestrator) publishToolCallStart(req *Request, toolPart *types.ToolPart) {
	event.PublishSync(event.Event{
		Type:      event.ToolCallStart,
		SessionID: req.Message.SessionID,
		Data: event.ToolCallStartData{
			SessionID: req.Message.SessionID,
			MessageID: req.Message.ID,
			CallID:    toolPart.CallID,
			Tool:      toolPart.Tool,
		},
	})
}

// publishToolCallComplete emits the one-time tool_call_complete event,
// carrying the untruncated output the UI may show but the context manager
// never sees again.
func (o *Orchestrator) publishToolCallComplete(req *Request, toolPart *types.ToolPart, rawOutput string, callErr error) {
	data := event.ToolCallCompleteData{
		SessionID: req.Message.SessionID,
		MessageID: req.Message.ID,
		CallID:    toolPart.CallID,
		Tool:      toolPart.Tool,
		Status:    toolPart.State.Status,
		Output:    rawOutput,
	}
	if callErr != nil {
		data.Error = callErr.Error()
	}
	event.PublishSync(event.Event{Type: event.ToolCallComplete, SessionID: req.Message.SessionID, Data: data})
}

func (o *Orchestrator) publishPartUpdate(toolPart *types.ToolPart, req *Request) {
	event.PublishSync(event.Event{
		Type:      event.MessagePartUpdated,
		SessionID: req.Message.SessionID,
		Data:      event.MessagePartUpdatedData{Part: toolPart},
	})
	if req.Callback != nil {
		req.Callback(req.Message, req.Parts)
	}
}

func (o *Orchestrator) savePart(ctx context.Context, messageID string, part types.Part) error {
	return o.Store.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// checkPermission maps a tool call onto a safety.PermissionType and consults
// the safety checker, honoring the agent's per-class policy.
func (o *Orchestrator) checkPermission(ctx context.Context, req *Request, toolPart *types.ToolPart) error {
	if o.Safety == nil {
		return nil
	}

	var permType safety.PermissionType
	var action safety.PermissionAction
	var pattern []string

	switch toolPart.Tool {
	case "Bash":
		permType = safety.PermBash
		if cmd, ok := toolPart.State.Input["command"].(string); ok {
			pattern = []string{cmd}
		}
		action = req.Agent.Permissions.Bash["*"]

	case "Write", "Edit":
		permType = safety.PermEdit
		if path, ok := toolPart.State.Input["filePath"].(string); ok {
			pattern = []string{path}
		}
		action = req.Agent.Permissions.Edit

	case "WebFetch":
		permType = safety.PermWebFetch
		action = req.Agent.Permissions.WebFetch

	default:
		return nil
	}

	request := safety.Request{
		Type:      permType,
		Pattern:   pattern,
		SessionID: req.Message.SessionID,
		MessageID: req.Message.ID,
		CallID:    toolPart.CallID,
		Title:     fmt.Sprintf("Allow %s?", toolPart.Tool),
	}

	return o.Safety.Check(ctx, request, action)
}

// checkDoomLoop detects repeated identical calls within the current turn's
// parts and applies the agent's doom-loop policy.
func (o *Orchestrator) checkDoomLoop(ctx context.Context, req *Request, toolPart *types.ToolPart) error {
	count := 0
	inputJSON, _ := json.Marshal(toolPart.State.Input)
	inputStr := string(inputJSON)

	for _, part := range req.Parts {
		if tp, ok := part.(*types.ToolPart); ok && tp.Tool == toolPart.Tool && tp.State.Status == "completed" {
			other, _ := json.Marshal(tp.State.Input)
			if string(other) == inputStr {
				count++
			}
		}
	}

	if count < DoomLoopThreshold {
		return nil
	}

	action := req.Agent.Permissions.DoomLoop
	switch action {
	case safety.ActionAllow:
		return nil
	case safety.ActionDeny:
		return fmt.Errorf("doom loop detected: %s called %d times with identical input", toolPart.Tool, count)
	default:
		if o.Safety == nil {
			return nil
		}
		request := safety.Request{
			Type:      safety.PermDoomLoop,
			Pattern:   []string{toolPart.Tool},
			SessionID: req.Message.SessionID,
			MessageID: req.Message.ID,
			CallID:    toolPart.CallID,
			Title:     fmt.Sprintf("Allow repeated %s call?", toolPart.Tool),
		}
		return o.Safety.Ask(ctx, request)
	}
}

// recordDiff captures file diffs from tool metadata and updates the
// session's cumulative change summary.
func (o *Orchestrator) recordDiff(req *Request, toolPart *types.ToolPart) error {
	if toolPart.State.Metadata == nil {
		return nil
	}

	pathVal, ok := toolPart.State.Metadata["file"].(string)
	if !ok || pathVal == "" {
		return nil
	}
	before, okBefore := toolPart.State.Metadata["before"].(string)
	after, okAfter := toolPart.State.Metadata["after"].(string)
	if !okBefore || !okAfter {
		return nil
	}

	relPath := pathVal
	if req.WorkDir != "" {
		if rp, err := filepath.Rel(req.WorkDir, pathVal); err == nil {
			relPath = rp
		}
	}

	diffText, additions, deletions, err := computeDiff(before, after, relPath)
	if err != nil {
		return err
	}

	fileDiff := types.FileDiff{File: relPath, Additions: additions, Deletions: deletions, Before: before, After: after}

	ctx := context.Background()
	projects, err := o.Store.List(ctx, []string{"session"})
	if err != nil {
		return err
	}
	var session *types.Session
	var projectID string
	for _, pid := range projects {
		var s types.Session
		if err := o.Store.Get(ctx, []string{"session", pid, req.Message.SessionID}, &s); err == nil {
			session = &s
			projectID = pid
			break
		}
	}
	if session == nil {
		return fmt.Errorf("session %s not found", req.Message.SessionID)
	}

	var filtered []types.FileDiff
	for _, d := range session.Summary.Diffs {
		if d.File != relPath {
			filtered = append(filtered, d)
		}
	}
	filtered = append(filtered, fileDiff)
	session.Summary.Diffs = filtered

	adds, dels := 0, 0
	for _, d := range session.Summary.Diffs {
		adds += d.Additions
		dels += d.Deletions
	}
	session.Summary.Additions = adds
	session.Summary.Deletions = dels
	session.Summary.Files = len(session.Summary.Diffs)
	session.Time.Updated = time.Now().UnixMilli()

	if err := o.Store.Put(ctx, []string{"session", projectID, session.ID}, session); err != nil {
		return err
	}

	event.PublishSync(event.Event{
		Type: event.SessionDiff,
		Data: event.SessionDiffData{SessionID: session.ID, Diff: session.Summary.Diffs},
	})

	if toolPart.State.Metadata == nil {
		toolPart.State.Metadata = map[string]any{}
	}
	toolPart.State.Metadata["diff"] = diffText
	return nil
}

func computeDiff(before, after, path string) (string, int, int, error) {
	dmp := diffmatchpatch.New()

	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	return generateUnifiedDiff(diffs, path), additions, deletions, nil
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}

// generateUnifiedDiff renders a unified-diff-style hunk listing with three
// lines of context around each change, matching the format tool output
// consumers already expect.
func generateUnifiedDiff(diffs []diffmatchpatch.Diff, path string) string {
	if len(diffs) == 0 {
		return ""
	}

	hasChanges := false
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return ""
	}

	type diffLine struct {
		text     string
		diffType diffmatchpatch.Operation
	}
	var allLines []diffLine
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			allLines = append(allLines, diffLine{text: line, diffType: d.Type})
		}
	}

	const contextLines = 3
	type hunk struct {
		startOld, countOld int
		startNew, countNew int
		lines              []diffLine
	}

	var hunks []hunk
	var currentHunk *hunk

	for i, line := range allLines {
		isChange := line.diffType != diffmatchpatch.DiffEqual

		if isChange {
			if currentHunk == nil {
				contextStart := i - contextLines
				if contextStart < 0 {
					contextStart = 0
				}
				startOld, startNew := 1, 1
				for j := 0; j < contextStart; j++ {
					switch allLines[j].diffType {
					case diffmatchpatch.DiffEqual:
						startOld++
						startNew++
					case diffmatchpatch.DiffDelete:
						startOld++
					case diffmatchpatch.DiffInsert:
						startNew++
					}
				}
				currentHunk = &hunk{startOld: startOld, startNew: startNew}
				for j := contextStart; j < i; j++ {
					currentHunk.lines = append(currentHunk.lines, allLines[j])
				}
			}
			currentHunk.lines = append(currentHunk.lines, line)
		} else if currentHunk != nil {
			nextChangeIdx := -1
			for j := i + 1; j < len(allLines) && j <= i+contextLines*2; j++ {
				if allLines[j].diffType != diffmatchpatch.DiffEqual {
					nextChangeIdx = j
					break
				}
			}

			if nextChangeIdx != -1 {
				currentHunk.lines = append(currentHunk.lines, line)
			} else {
				for j := i; j < len(allLines) && j < i+contextLines; j++ {
					if allLines[j].diffType == diffmatchpatch.DiffEqual {
						currentHunk.lines = append(currentHunk.lines, allLines[j])
					} else {
						break
					}
				}
				for _, l := range currentHunk.lines {
					switch l.diffType {
					case diffmatchpatch.DiffEqual:
						currentHunk.countOld++
						currentHunk.countNew++
					case diffmatchpatch.DiffDelete:
						currentHunk.countOld++
					case diffmatchpatch.DiffInsert:
						currentHunk.countNew++
					}
				}
				hunks = append(hunks, *currentHunk)
				currentHunk = nil
			}
		}
	}

	if currentHunk != nil {
		for _, l := range currentHunk.lines {
			switch l.diffType {
			case diffmatchpatch.DiffEqual:
				currentHunk.countOld++
				currentHunk.countNew++
			case diffmatchpatch.DiffDelete:
				currentHunk.countOld++
			case diffmatchpatch.DiffInsert:
				currentHunk.countNew++
			}
		}
		hunks = append(hunks, *currentHunk)
	}

	var buf strings.Builder
	buf.WriteString("Index: " + path + "\n")
	buf.WriteString("===================================================================\n")
	buf.WriteString("--- " + path + "\n")
	buf.WriteString("+++ " + path + "\n")

	for _, h := range hunks {
		buf.WriteString(fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", h.startOld, h.countOld, h.startNew, h.countNew))
		for _, line := range h.lines {
			switch line.diffType {
			case diffmatchpatch.DiffEqual:
				buf.WriteString(" ")
			case diffmatchpatch.DiffDelete:
				buf.WriteString("-")
			case diffmatchpatch.DiffInsert:
				buf.WriteString("+")
			}
			buf.WriteString(line.text)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

func generatePartID() string {
	return ulid.Make().String()
}
