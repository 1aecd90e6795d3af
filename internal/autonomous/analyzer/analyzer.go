// Package analyzer inspects the final assistant text of a turn and extracts
// the structured signals the autonomous supervisor and circuit breaker act
// on: whether the model claims to be done, whether it hit errors, which
// files it says it touched, and so on.
//
// The parse strategy mirrors pkg/types.UnmarshalPart's discriminated-JSON
// approach: try a structured interpretation first and fall back to
// free-text heuristics only for what the structure didn't cover.
package analyzer

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// maxCompletionIndicators caps the completion-token count so a model that
// spams "[DONE]" in a loop can't inflate the signal unbounded.
const maxCompletionIndicators = 20

// maxModifiedFiles bounds the files_modified set; oldest entries are
// dropped once the cap is reached.
const maxModifiedFiles = 100

// ResponseAnalysis is the extracted signal set for one turn's final text.
type ResponseAnalysis struct {
	ExitSignal           bool     `json:"exitSignal"`
	Status               string   `json:"status,omitempty"`
	Summary              string   `json:"summary,omitempty"`
	HasErrors            bool     `json:"hasErrors"`
	CompletionIndicators int      `json:"completionIndicators"`
	PermissionDenial     bool     `json:"permissionDenial"`
	SessionIDHint        string   `json:"sessionIDHint,omitempty"`
	FilesModified        []string `json:"filesModified,omitempty"`
	OutputLength         int      `json:"outputLength"`
}

// structuredBlock is the fenced status object a well-behaved assistant
// response may emit, e.g.:
//
//	```json
//	{"exit_signal": true, "status": "complete", "summary": "...",
//	 "files_modified": ["a.go"], "errors": []}
//	```
type structuredBlock struct {
	ExitSignal    *bool    `json:"exit_signal"`
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	FilesModified []string `json:"files_modified"`
	Errors        []string `json:"errors"`
}

var (
	// fencedJSONRe locates a fenced code block that looks like it might
	// carry the structured status object, optionally tagged ```json.
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

	// errorIndicatorRe matches common free-text error phrasing. Applied
	// only to the text with string literals from the structured block
	// masked out, and with the structured block itself removed.
	errorIndicatorRe = regexp.MustCompile(`(?i)\b(error|exception|failed|failure|traceback|panic:)\b`)

	completionTokenRe = regexp.MustCompile(`(?i)(\[DONE\]|\[COMPLETE\]|task complete|task is complete|all done)`)

	exitSignalFreeTextRe = regexp.MustCompile(`(?i)(EXIT_SIGNAL:\s*true|\[EXIT\])`)

	permissionDenialRe = regexp.MustCompile(`(?i)(permission denied|not authorized|access denied|operation not permitted|rejected by policy)`)

	// sessionIDHintRe matches a loosely-ULID-shaped or UUID-shaped token
	// introduced by phrasing like "session-id: ..." or "session id 01HXYZ...".
	sessionIDHintRe = regexp.MustCompile(`(?i)session[-_ ]?id[:\s]+([A-Za-z0-9_-]{8,})`)

	// modifiedFilePathRe picks up free-text mentions of file paths with a
	// recognizable source-file extension, e.g. "modified internal/foo.go".
	modifiedFilePathRe = regexp.MustCompile(`\b([\w./-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|rb|md|json|yaml|yml))\b`)
)

// Analyze extracts a ResponseAnalysis from the final assistant text of a
// turn. It never returns an error: malformed or absent structure simply
// falls through to the free-text heuristics.
func Analyze(text string) ResponseAnalysis {
	a := ResponseAnalysis{
		OutputLength: len(text),
	}

	block, blockSpan, ok := parseStructuredBlock(text)

	remainder := text
	if ok {
		// Cut the structured block out entirely before free-text scanning:
		// stronger than masking individual string literals, and avoids
		// double-counting anything the block already reported structurally.
		remainder = text[:blockSpan[0]] + text[blockSpan[1]:]
	}

	a.HasErrors = errorIndicatorRe.MatchString(remainder)
	if ok && len(block.Errors) > 0 {
		a.HasErrors = true
	}

	a.CompletionIndicators = countCapped(completionTokenRe, remainder, maxCompletionIndicators)

	a.ExitSignal = exitSignalFreeTextRe.MatchString(remainder)
	if ok && block.ExitSignal != nil && *block.ExitSignal {
		a.ExitSignal = true
	}

	a.PermissionDenial = permissionDenialRe.MatchString(remainder)

	if m := sessionIDHintRe.FindStringSubmatch(remainder); m != nil {
		a.SessionIDHint = m[1]
	}

	files := make([]string, 0, maxModifiedFiles)
	seen := make(map[string]bool)
	if ok {
		for _, f := range block.FilesModified {
			addFile(&files, seen, f, maxModifiedFiles)
		}
	}
	for _, m := range modifiedFilePathRe.FindAllStringSubmatch(remainder, -1) {
		addFile(&files, seen, m[1], maxModifiedFiles)
	}
	a.FilesModified = files

	if ok {
		a.Status = block.Status
		a.Summary = block.Summary
	}

	return a
}

// addFile appends a file path to the capped, deduplicated list, dropping
// the oldest entry once the cap is reached (per spec: "capped at 100
// entries, oldest dropped").
func addFile(files *[]string, seen map[string]bool, f string, cap int) {
	f = strings.TrimSpace(f)
	if f == "" || seen[f] {
		return
	}
	seen[f] = true
	*files = append(*files, f)
	if len(*files) > cap {
		dropped := (*files)[0]
		*files = (*files)[1:]
		delete(seen, dropped)
	}
}

// countCapped counts pattern occurrences up to max, stopping early once
// reached (spec: "cap at a safety maximum").
func countCapped(re *regexp.Regexp, text string, max int) int {
	matches := re.FindAllStringIndex(text, max+1)
	if len(matches) > max {
		return max
	}
	return len(matches)
}

// parseStructuredBlock locates the first fenced JSON block that parses as
// a structuredBlock and returns it along with its byte span in text. Falls
// back to scanning the whole text as raw JSON (no fences) if no fenced
// block is found, using gjson to tolerantly probe for the exit_signal key
// before committing to a full unmarshal.
func parseStructuredBlock(text string) (structuredBlock, [2]int, bool) {
	if loc := fencedJSONRe.FindStringSubmatchIndex(text); loc != nil {
		candidate := text[loc[2]:loc[3]]
		if b, ok := tryParseBlock(candidate); ok {
			return b, [2]int{loc[0], loc[1]}, true
		}
	}

	// No fenced block; look for a bare top-level JSON object that has the
	// shape we expect, probed cheaply with gjson before a full unmarshal.
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		if gjson.Get(trimmed, "exit_signal").Exists() || gjson.Get(trimmed, "status").Exists() {
			if b, ok := tryParseBlock(trimmed); ok {
				start := strings.Index(text, trimmed)
				return b, [2]int{start, start + len(trimmed)}, true
			}
		}
	}

	return structuredBlock{}, [2]int{}, false
}

func tryParseBlock(raw string) (structuredBlock, bool) {
	var b structuredBlock
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return structuredBlock{}, false
	}
	return b, true
}
