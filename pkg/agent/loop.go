// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

// Package agent drives the iterative model/tool loop: each iteration sends
// the conversation to the provider, gates any requested tool calls through
// policy, executes the survivors, folds the outcomes back into the
// conversation, and repeats until the model answers without tool calls or a
// limit is hit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/events"
	"github.com/quillforge/quill/pkg/logger"
	"github.com/quillforge/quill/pkg/policy"
	"github.com/quillforge/quill/pkg/providers"
	"github.com/quillforge/quill/pkg/sandbox"
	"github.com/quillforge/quill/pkg/tools"
)

// State is the loop's current phase, readable from other goroutines.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingModel    State = "awaiting_model"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecutingTools   State = "executing_tools"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// StopReason records why a run ended.
type StopReason string

const (
	StopCompleted      StopReason = "completed"
	StopIterationLimit StopReason = "iteration_limit"
	StopTimeLimit      StopReason = "time_limit"
	StopProviderError  StopReason = "provider_error"
	StopCanceled       StopReason = "canceled"
)

// Result is the terminal report of one run. Messages holds the full
// conversation, including partial history when the run fails midway.
type Result struct {
	FinalText  string
	StopReason StopReason
	Iterations int
	Messages   []providers.Message
}

// Loop is the agent state machine. One Loop runs one task at a time.
type Loop struct {
	cfg         config.AgentConfig
	provider    providers.Provider
	registry    *tools.ToolRegistry
	coordinator *Coordinator
	stream      *events.Stream
	state       atomic.Value // State
}

// NewLoop wires a loop over the given provider and coordinator plumbing.
// The approval func, when set, is consulted for every require_approval
// decision; the loop reports StateAwaitingApproval while it blocks.
func NewLoop(cfg config.AgentConfig, provider providers.Provider, registry *tools.ToolRegistry, engine *policy.Engine, executor *sandbox.Executor, stream *events.Stream, approve ApprovalFunc) *Loop {
	l := &Loop{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		stream:   stream,
	}
	l.state.Store(StateIdle)

	wrapped := approve
	if approve != nil {
		wrapped = func(inv sandbox.Invocation, reason string) bool {
			prev := l.State()
			l.setState(StateAwaitingApproval)
			defer l.setState(prev)
			return approve(inv, reason)
		}
	}
	l.coordinator = NewCoordinator(registry, engine, executor, stream, wrapped)
	return l
}

// State returns the loop's current phase.
func (l *Loop) State() State {
	return l.state.Load().(State)
}

func (l *Loop) setState(s State) {
	l.state.Store(s)
}

// Run executes one task to completion. The returned Result is non-nil even
// on error so callers can inspect the partial conversation.
func (l *Loop) Run(ctx context.Context, task string) (*Result, error) {
	wallClock := time.Duration(l.cfg.MaxWallClockSeconds) * time.Second
	if wallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wallClock)
		defer cancel()
	}

	messages := []providers.Message{
		{Role: "system", Content: l.systemPrompt()},
		{Role: "user", Content: task},
	}

	maxIterations := l.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	var finalText string
	for iteration := 1; iteration <= maxIterations; iteration++ {
		l.stream.Emit(events.Event{Kind: events.KindIterationStart, Iteration: iteration})

		reply, err := l.chat(ctx, messages, iteration)
		if err != nil {
			reason := l.classifyChatError(ctx, err)
			result := &Result{
				FinalText:  finalText,
				StopReason: reason,
				Iterations: iteration,
				Messages:   messages,
			}
			l.fail(iteration, reason, err)
			if reason == StopProviderError {
				return result, err
			}
			// Deadline and cancellation stops are reported on the result, not
			// as an error, so batch callers can tell them apart cheaply.
			return result, nil
		}

		l.stream.Emit(events.Event{
			Kind:      events.KindAIResponse,
			Iteration: iteration,
			Message:   truncate(reply.Content, 200),
			Data:      map[string]interface{}{"tool_calls": len(reply.ToolCalls)},
		})

		if !reply.HasToolCalls() {
			finalText = reply.Content
			messages = append(messages, providers.Message{Role: "assistant", Content: reply.Content})
			l.stream.Emit(events.Event{Kind: events.KindIterationEnd, Iteration: iteration})
			l.setState(StateDone)
			l.stream.Emit(events.Event{
				Kind:      events.KindAgentComplete,
				Iteration: iteration,
				Message:   truncate(finalText, 200),
			})
			logger.InfoCF("agent", "Run completed", map[string]interface{}{
				"iterations": iteration,
				"chars":      len(finalText),
			})
			return &Result{
				FinalText:  finalText,
				StopReason: StopCompleted,
				Iterations: iteration,
				Messages:   messages,
			}, nil
		}

		finalText = reply.Content
		invs, assistantMsg := l.planInvocations(reply)
		messages = append(messages, assistantMsg)

		l.setState(StateExecutingTools)
		outcomes := l.coordinator.Dispatch(ctx, invs, iteration)
		for _, o := range outcomes {
			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: o.CallID,
				Name:       o.Tool,
				Content:    o.Text(),
			})
		}

		l.stream.Emit(events.Event{Kind: events.KindIterationEnd, Iteration: iteration})
	}

	// Exhausting the iteration budget is loop-fatal, but the accumulated
	// conversation is preserved on the result.
	l.setState(StateFailed)
	l.stream.Emit(events.Event{
		Kind:      events.KindAgentError,
		Iteration: maxIterations,
		Message:   "iteration limit reached",
		Data:      map[string]interface{}{"stop_reason": string(StopIterationLimit)},
	})
	logger.WarnCF("agent", "Iteration limit reached", map[string]interface{}{
		"max_iterations": maxIterations,
	})
	return &Result{
		FinalText:  finalText,
		StopReason: StopIterationLimit,
		Iterations: maxIterations,
		Messages:   messages,
	}, nil
}

// chat runs one provider turn under the per-iteration timeout.
func (l *Loop) chat(ctx context.Context, messages []providers.Message, iteration int) (*providers.Reply, error) {
	l.setState(StateAwaitingModel)

	ictx := ctx
	if l.cfg.IterationTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, time.Duration(l.cfg.IterationTimeoutSeconds)*time.Second)
		defer cancel()
	}

	logger.DebugCF("agent", "Model request", map[string]interface{}{
		"iteration": iteration,
		"messages":  len(messages),
		"tools":     l.registry.Count(),
	})
	return l.provider.Chat(ictx, messages, l.registry.Definitions())
}

// classifyChatError maps a failed provider turn onto a stop reason. The run
// context is consulted so a wall-clock expiry is not misreported as a
// provider fault.
func (l *Loop) classifyChatError(ctx context.Context, err error) StopReason {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StopTimeLimit
	case errors.Is(err, context.Canceled):
		return StopCanceled
	default:
		return StopProviderError
	}
}

func (l *Loop) fail(iteration int, reason StopReason, err error) {
	l.setState(StateFailed)
	l.stream.Emit(events.Event{
		Kind:      events.KindAgentError,
		Iteration: iteration,
		Message:   err.Error(),
		Data:      map[string]interface{}{"stop_reason": string(reason)},
	})
	logger.ErrorCF("agent", "Run failed", map[string]interface{}{
		"iteration":   iteration,
		"stop_reason": string(reason),
		"error":       err.Error(),
	})
}

// planInvocations converts a model reply's tool calls into invocations with
// guaranteed-unique call IDs, plus the assistant message that echoes the
// calls back into the conversation.
func (l *Loop) planInvocations(reply *providers.Reply) ([]sandbox.Invocation, providers.Message) {
	invs := make([]sandbox.Invocation, 0, len(reply.ToolCalls))
	assistantMsg := providers.Message{Role: "assistant", Content: reply.Content}

	for _, tc := range reply.ToolCalls {
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		args := tc.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		invs = append(invs, sandbox.Invocation{ID: id, Tool: tc.Name, Args: args})

		argumentsJSON, _ := json.Marshal(args)
		assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, providers.ToolCallPayload{
			ID:   id,
			Type: "function",
			Function: providers.FunctionCall{
				Name:      tc.Name,
				Arguments: string(argumentsJSON),
			},
		})
	}
	return invs, assistantMsg
}

func (l *Loop) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are Quill, an autonomous agent that completes tasks by calling tools.\n\n")
	if l.cfg.Workspace != "" {
		fmt.Fprintf(&b, "Your workspace is %s. Keep file operations inside it.\n", l.cfg.Workspace)
	}
	names := l.registry.Names()
	if len(names) > 0 {
		fmt.Fprintf(&b, "Available tools: %s.\n", strings.Join(names, ", "))
	}
	b.WriteString("Some tool calls need operator approval and may be denied by policy; when a call is denied, adapt rather than retrying it verbatim.\n")
	b.WriteString("When the task is finished, answer in plain text without tool calls.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
