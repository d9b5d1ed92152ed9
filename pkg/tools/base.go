package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tool is a named, schema-described action the agent may request to run.
// Dangerous tools require approval under the manual approval mode.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Dangerous() bool
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// TimeLimited is an optional interface for tools that carry their own
// timeout limits. The executor clamps any requested timeout to Max.
type TimeLimited interface {
	Tool
	DefaultTimeout() time.Duration
	MaxTimeout() time.Duration
}

// PathWriter is an optional interface for tools whose path arguments are
// written to. The policy engine denies such calls under read_only path rules.
type PathWriter interface {
	Tool
	WritesPaths() bool
}

// Registry errors.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// PermissionError reports a restricted-execution violation detected before
// any side effect occurred (e.g. a reference to a module outside the eval
// allowlist).
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Msg)
}

// ToolToSchema converts a tool into the function-call definition shape
// providers expect.
func ToolToSchema(tool Tool) map[string]interface{} {
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  tool.Parameters(),
		},
	}
}
