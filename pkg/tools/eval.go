package tools

import (
	"context"
	"fmt"
	"strings"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
)

// EvalTool executes Starlark code in a restricted environment. Only the
// allow-listed library modules are reachable; a reference to anything else
// fails at resolve time, before any statement runs. There is no filesystem,
// network, or process access from inside the interpreter.
type EvalTool struct {
	maxSteps uint64
}

// NewEvalTool creates the restricted evaluation tool. maxSteps bounds the
// interpreter's computation so a tight loop cannot run forever; zero picks
// a default budget.
func NewEvalTool(maxSteps uint64) *EvalTool {
	if maxSteps == 0 {
		maxSteps = 10_000_000
	}
	return &EvalTool{maxSteps: maxSteps}
}

func (t *EvalTool) Name() string    { return "eval" }
func (t *EvalTool) Dangerous() bool { return true }

func (t *EvalTool) Description() string {
	return "Execute Starlark (Python-like) code in a restricted environment. " +
		"Available modules: math, json, time. " +
		"Use print() to produce output. " +
		"Cannot access files, the network, or the host system."
}

func (t *EvalTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "Starlark code to execute. Use print() for output.",
			},
		},
		"required": []string{"code"},
	}
}

// predeclared is the fixed capability table for restricted execution.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"math": starlarkmath.Module,
		"json": starlarkjson.Module,
		"time": starlarktime.Module,
	}
}

func (t *EvalTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	code, ok := args["code"].(string)
	if !ok || code == "" {
		return "", fmt.Errorf("code is required")
	}

	var output strings.Builder
	thread := &starlark.Thread{
		Name: "eval",
		Print: func(_ *starlark.Thread, msg string) {
			output.WriteString(msg)
			output.WriteString("\n")
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, &PermissionError{Msg: fmt.Sprintf("load of %q is not allowed", module)}
		},
	}
	thread.SetMaxExecutionSteps(t.maxSteps)

	// Propagate caller cancellation into the interpreter.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("context cancelled")
		case <-done:
		}
	}()

	_, err := starlark.ExecFile(thread, "eval.star", code, predeclared())
	if err != nil {
		// Resolve errors fire before execution; a reference outside the
		// capability table is a permission violation, not a runtime fault.
		if strings.Contains(err.Error(), "undefined:") {
			return "", &PermissionError{Msg: err.Error()}
		}
		if evalErr, ok := err.(*starlark.EvalError); ok {
			msg := evalErr.Error()
			if strings.Contains(msg, "too many steps") {
				return output.String(), fmt.Errorf("%w: computation budget exhausted", context.DeadlineExceeded)
			}
			if strings.Contains(msg, "context cancelled") {
				return output.String(), ctx.Err()
			}
			return output.String(), fmt.Errorf("runtime error: %s", evalErr.Backtrace())
		}
		return "", fmt.Errorf("syntax error: %v", err)
	}

	if output.Len() == 0 {
		return "Code executed successfully (no output)", nil
	}
	return strings.TrimRight(output.String(), "\n"), nil
}
