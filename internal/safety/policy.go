package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Policy is a named, coarse-grained approval posture that expands into a
// concrete PermissionAction per tool class. Agents are configured with one
// Policy instead of hand-assembling an AgentPermissions value; Resolve does
// the expansion.
type Policy string

const (
	// PolicyYOLO allows every tool class unconditionally. Intended for
	// throwaway sandboxes only.
	PolicyYOLO Policy = "yolo"
	// PolicyAuto allows reads and writes, asks before destructive/exec and
	// network calls.
	PolicyAuto Policy = "auto"
	// PolicyAutoEdit allows reads and file edits, asks before everything
	// that executes a process or reaches the network.
	PolicyAutoEdit Policy = "auto-edit"
	// PolicyOnRequest asks before every write, destructive, or network
	// operation; pure reads are allowed.
	PolicyOnRequest Policy = "on-request"
	// PolicyOnFailure allows everything until a tool call fails, at which
	// point it behaves like PolicyOnRequest for the remainder of the
	// session. The escalation itself is tracked by the caller (the
	// orchestrator does not retain cross-call failure state), so Resolve
	// treats PolicyOnFailure identically to PolicyAuto; callers that have
	// observed a prior failure should resolve with PolicyOnRequest instead.
	PolicyOnFailure Policy = "on-failure"
	// PolicyNever denies every write, destructive, or network operation
	// outright; pure reads are still allowed.
	PolicyNever Policy = "never"
)

// ToolClass categorizes a tool by the capabilities it exercises. Tools do
// not declare a class themselves; callers choose the class for a call.
type ToolClass string

const (
	ClassRead        ToolClass = "read"
	ClassWrite       ToolClass = "write"
	ClassDestructive ToolClass = "destructive"
	ClassNetwork     ToolClass = "network"
)

// Resolve expands a Policy into the PermissionAction for a tool class.
func Resolve(p Policy, class ToolClass) PermissionAction {
	switch p {
	case PolicyYOLO:
		return ActionAllow
	case PolicyAuto, PolicyOnFailure:
		if class == ClassRead || class == ClassWrite {
			return ActionAllow
		}
		return ActionAsk
	case PolicyAutoEdit:
		if class == ClassRead || class == ClassWrite {
			return ActionAllow
		}
		return ActionAsk
	case PolicyOnRequest:
		if class == ClassRead {
			return ActionAllow
		}
		return ActionAsk
	case PolicyNever:
		if class == ClassRead {
			return ActionAllow
		}
		return ActionDeny
	default:
		return ActionAsk
	}
}

// AgentPermissionsFor expands a Policy into a full AgentPermissions value,
// the shape the orchestrator consults per tool call.
func AgentPermissionsFor(p Policy) AgentPermissions {
	return AgentPermissions{
		Edit:        Resolve(p, ClassWrite),
		WebFetch:    Resolve(p, ClassNetwork),
		ExternalDir: Resolve(p, ClassDestructive),
		DoomLoop:    ActionAsk,
		Bash:        map[string]PermissionAction{"*": Resolve(p, ClassDestructive)},
	}
}

// PathTraversalError indicates a tool attempted to touch a path outside its
// declared working directory.
type PathTraversalError struct {
	Path    string
	WorkDir string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes working directory %q", e.Path, e.WorkDir)
}

// EnsureWithinWorkDir resolves path relative to workDir and returns a
// PathTraversalError if the resolved path is not contained within it.
// Symlinks are resolved so a symlink planted inside the work dir cannot be
// used to point outside of it.
func EnsureWithinWorkDir(path, workDir string) error {
	if workDir == "" {
		return nil
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, abs)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path doesn't exist yet (e.g. a new file to write) — check its
		// parent directory instead.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(abs))
		if err != nil {
			resolved = filepath.Dir(abs)
		}
	}

	rootResolved, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		rootResolved = workDir
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &PathTraversalError{Path: path, WorkDir: workDir}
	}
	return nil
}

// secretPatterns match common credential shapes that might appear in tool
// output (environment dumps, curl responses, file reads of .env files).
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*=\s*\S+`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{20,}`),
}

const redactedPlaceholder = "[REDACTED]"

// ScrubSecrets replaces recognizable credential substrings in tool output
// with a placeholder before it is persisted or sent back to the model.
func ScrubSecrets(output string) string {
	for _, re := range secretPatterns {
		output = re.ReplaceAllString(output, redactedPlaceholder)
	}
	return output
}

// StrippedEnv returns the process environment with any variable whose name
// looks like a credential removed, for tools that shell out and inherit the
// environment.
func StrippedEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if looksLikeSecretName(parts[0]) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func looksLikeSecretName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "CREDENTIAL"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
