// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quillforge/quill/pkg/events"
	"github.com/quillforge/quill/pkg/logger"
	"github.com/quillforge/quill/pkg/policy"
	"github.com/quillforge/quill/pkg/sandbox"
	"github.com/quillforge/quill/pkg/tools"
)

// ApprovalFunc resolves one approval request. It blocks until the operator
// answers; returning false denies the invocation.
type ApprovalFunc func(inv sandbox.Invocation, reason string) bool

// Coordinator sits between the agent loop and the executor: every proposed
// invocation is policy-checked first, approvals are collected, and only then
// do the surviving invocations run, concurrently. Denials never reach the
// executor.
type Coordinator struct {
	registry *tools.ToolRegistry
	engine   *policy.Engine
	executor *sandbox.Executor
	stream   *events.Stream
	approve  ApprovalFunc
}

func NewCoordinator(registry *tools.ToolRegistry, engine *policy.Engine, executor *sandbox.Executor, stream *events.Stream, approve ApprovalFunc) *Coordinator {
	return &Coordinator{
		registry: registry,
		engine:   engine,
		executor: executor,
		stream:   stream,
		approve:  approve,
	}
}

// plan is one invocation after the gating phase.
type plan struct {
	inv     sandbox.Invocation
	tool    tools.Tool
	outcome *sandbox.Outcome // set when gating already produced a terminal result
}

// Dispatch gates and runs a batch of proposed invocations. Outcomes come
// back in proposal order regardless of completion order, one per invocation.
// Policy decisions are computed fresh for each call.
func (c *Coordinator) Dispatch(ctx context.Context, invs []sandbox.Invocation, iteration int) []sandbox.Outcome {
	plans := make([]plan, len(invs))
	for i, inv := range invs {
		plans[i] = c.gate(inv, iteration)
	}

	outcomes := make([]sandbox.Outcome, len(invs))
	var wg sync.WaitGroup
	for i := range plans {
		if plans[i].outcome != nil {
			outcomes[i] = *plans[i].outcome
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = c.executor.Execute(ctx, plans[i].tool, plans[i].inv, iteration)
		}(i)
	}
	wg.Wait()
	return outcomes
}

// gate runs lookup, argument validation, policy evaluation, and approval for
// one invocation. A non-nil outcome means the invocation is settled without
// execution.
func (c *Coordinator) gate(inv sandbox.Invocation, iteration int) plan {
	tool, err := c.registry.Lookup(inv.Tool)
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			return c.settled(inv, sandbox.ErrKindUnknownTool, err.Error(), iteration)
		}
		return c.settled(inv, sandbox.ErrKindToolError, err.Error(), iteration)
	}

	if err := c.registry.ValidateArgs(inv.Tool, inv.Args); err != nil {
		return c.settled(inv, sandbox.ErrKindInvalidArgs, err.Error(), iteration)
	}

	decision := c.engine.Evaluate(buildRequest(tool, inv.Args))
	switch decision.Verdict {
	case policy.Deny:
		c.emitDenied(inv, decision.Reason, iteration)
		return c.settled(inv, sandbox.ErrKindPolicyDenied, decision.Reason, iteration)

	case policy.RequireApproval:
		c.stream.Emit(events.Event{
			Kind:      events.KindToolApprovalNeeded,
			Iteration: iteration,
			Tool:      inv.Tool,
			CallID:    inv.ID,
			Message:   decision.Reason,
		})
		if c.approve == nil || !c.approve(inv, decision.Reason) {
			reason := "approval denied: " + decision.Reason
			c.emitDenied(inv, reason, iteration)
			return c.settled(inv, sandbox.ErrKindPolicyDenied, reason, iteration)
		}
		c.stream.Emit(events.Event{
			Kind:      events.KindToolApproved,
			Iteration: iteration,
			Tool:      inv.Tool,
			CallID:    inv.ID,
		})
	}

	return plan{inv: inv, tool: tool}
}

func (c *Coordinator) settled(inv sandbox.Invocation, kind sandbox.ErrorKind, msg string, iteration int) plan {
	logger.WarnCF("agent", "Invocation rejected before execution", map[string]interface{}{
		"tool": inv.Tool,
		"kind": string(kind),
	})
	c.stream.Emit(events.Event{
		Kind:      events.KindToolError,
		Iteration: iteration,
		Tool:      inv.Tool,
		CallID:    inv.ID,
		Message:   msg,
		Data: map[string]interface{}{
			"success":     false,
			"duration_ms": int64(0),
			"error_kind":  string(kind),
		},
	})
	return plan{inv: inv, outcome: &sandbox.Outcome{
		CallID:    inv.ID,
		Tool:      inv.Tool,
		ErrorKind: kind,
		Error:     msg,
	}}
}

func (c *Coordinator) emitDenied(inv sandbox.Invocation, reason string, iteration int) {
	logger.InfoCF("agent", fmt.Sprintf("Denied tool call: %s", inv.Tool),
		map[string]interface{}{"reason": reason})
	c.stream.Emit(events.Event{
		Kind:      events.KindToolDenied,
		Iteration: iteration,
		Tool:      inv.Tool,
		CallID:    inv.ID,
		Message:   reason,
	})
}

// buildRequest maps an invocation onto the policy engine's view of it.
// Command-shaped tools expose their command string for pattern filtering;
// path arguments are surfaced for path-rule checks.
func buildRequest(tool tools.Tool, args map[string]interface{}) policy.Request {
	req := policy.Request{
		Tool:      tool.Name(),
		Dangerous: tool.Dangerous(),
	}
	if command, ok := args["command"].(string); ok {
		req.Command = command
	}
	if path, ok := args["path"].(string); ok {
		req.Paths = append(req.Paths, path)
	}
	if wd, ok := args["working_dir"].(string); ok {
		req.Paths = append(req.Paths, wd)
	}
	if writer, ok := tool.(tools.PathWriter); ok {
		req.WriteIntent = writer.WritesPaths()
	}
	return req
}
