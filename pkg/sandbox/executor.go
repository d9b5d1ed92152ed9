// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

// Package sandbox runs approved tool invocations under resource limits:
// per-call timeouts, output caps, and a filtered environment. The executor
// never consults policy; callers gate invocations before handing them over.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/events"
	"github.com/quillforge/quill/pkg/logger"
	"github.com/quillforge/quill/pkg/security"
	"github.com/quillforge/quill/pkg/tools"
)

const truncationMarker = "\n... (output truncated)"

// Executor runs single invocations to completion, enforcing timeouts and
// output caps, and reports every run on the event stream: one TOOL_START,
// then exactly one TOOL_COMPLETE or TOOL_ERROR.
type Executor struct {
	stream         *events.Stream
	redactor       *security.Redactor
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	outputCap      int
}

func NewExecutor(stream *events.Stream, cfg config.ToolsConfig) *Executor {
	def := time.Duration(cfg.TimeoutSeconds) * time.Second
	if def <= 0 {
		def = 30 * time.Second
	}
	max := time.Duration(cfg.MaxTimeoutSeconds) * time.Second
	if max < def {
		max = def
	}
	cap := cfg.OutputCapBytes
	if cap <= 0 {
		cap = 10000
	}
	return &Executor{
		stream:         stream,
		defaultTimeout: def,
		maxTimeout:     max,
		outputCap:      cap,
	}
}

// SetRedactor installs credential screening on tool output. Redaction runs
// before the output reaches the conversation or any event sink.
func (x *Executor) SetRedactor(r *security.Redactor) {
	x.redactor = r
}

// Execute runs one invocation against the given tool. It always returns an
// Outcome; errors are folded into the outcome rather than surfaced, so one
// failing tool never aborts sibling executions.
func (x *Executor) Execute(ctx context.Context, tool tools.Tool, inv Invocation, iteration int) Outcome {
	timeout := x.timeoutFor(tool, inv.Args)

	x.stream.Emit(events.Event{
		Kind:      events.KindToolStart,
		Iteration: iteration,
		Tool:      inv.Tool,
		CallID:    inv.ID,
		Data:      map[string]interface{}{"timeout_seconds": timeout.Seconds()},
	})

	start := time.Now()
	output, err := x.run(ctx, tool, inv.Args, timeout)
	elapsed := time.Since(start)

	outcome := Outcome{
		CallID:   inv.ID,
		Tool:     inv.Tool,
		Output:   x.capOutput(x.screen(inv.Tool, output)),
		Duration: elapsed,
	}

	if err == nil {
		outcome.Success = true
		x.emitTerminal(outcome, iteration)
		return outcome
	}

	outcome.ErrorKind = classify(err)
	switch outcome.ErrorKind {
	case ErrKindTimeout:
		outcome.Error = fmt.Sprintf("execution timed out after %s", timeout)
	default:
		outcome.Error = err.Error()
	}

	logger.WarnCF("sandbox", "Tool execution failed", map[string]interface{}{
		"tool":  inv.Tool,
		"kind":  string(outcome.ErrorKind),
		"error": outcome.Error,
	})
	x.emitTerminal(outcome, iteration)
	return outcome
}

// timeoutFor resolves the effective timeout: the tool's own default when it
// declares limits, the executor default otherwise, with an optional per-call
// "timeout" argument clamped to the maximum.
func (x *Executor) timeoutFor(tool tools.Tool, args map[string]interface{}) time.Duration {
	def, max := x.defaultTimeout, x.maxTimeout
	if limited, ok := tool.(tools.TimeLimited); ok {
		def = limited.DefaultTimeout()
		max = limited.MaxTimeout()
	}

	timeout := def
	if requested, ok := args["timeout"].(float64); ok && requested > 0 {
		timeout = time.Duration(requested * float64(time.Second))
	}
	if timeout > max {
		timeout = max
	}
	return timeout
}

type runResult struct {
	output string
	err    error
}

func (x *Executor) run(ctx context.Context, tool tools.Tool, args map[string]interface{}, timeout time.Duration) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := tool.Execute(tctx, args)
		done <- runResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-tctx.Done():
		// The tool goroutine may still be winding down; its late result is
		// discarded via the buffered channel.
		return "", tctx.Err()
	}
}

func (x *Executor) capOutput(output string) string {
	if len(output) <= x.outputCap {
		return output
	}
	cut := x.outputCap
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}
	return output[:cut] + truncationMarker
}

func (x *Executor) screen(tool, output string) string {
	if x.redactor == nil || output == "" {
		return output
	}
	res := x.redactor.Scan(output)
	if !res.Clean {
		logger.WarnCF("sandbox", "Credential material redacted from tool output",
			map[string]interface{}{"tool": tool, "patterns": res.Matched})
	}
	return res.Redacted
}

func (x *Executor) emitTerminal(o Outcome, iteration int) {
	kind := events.KindToolComplete
	message := ""
	if !o.Success {
		kind = events.KindToolError
		message = o.Error
	}
	x.stream.Emit(events.Event{
		Kind:      kind,
		Iteration: iteration,
		Tool:      o.Tool,
		CallID:    o.CallID,
		Message:   message,
		Data: map[string]interface{}{
			"success":     o.Success,
			"duration_ms": o.Duration.Milliseconds(),
			"error_kind":  string(o.ErrorKind),
		},
	})
}

func classify(err error) ErrorKind {
	var permErr *tools.PermissionError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.As(err, &permErr):
		return ErrKindPermissionDenied
	default:
		return ErrKindToolError
	}
}
