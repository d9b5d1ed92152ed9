// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

package sandbox

import "time"

// ErrorKind classifies a failed outcome.
type ErrorKind string

const (
	ErrKindPolicyDenied     ErrorKind = "policy_denied"
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindPermissionDenied ErrorKind = "permission_denied"
	ErrKindUnknownTool      ErrorKind = "unknown_tool"
	ErrKindInvalidArgs      ErrorKind = "invalid_args"
	ErrKindToolError        ErrorKind = "tool_error"
)

// Invocation is one proposed tool call. Created by the agent loop when it
// parses a model reply; never mutated afterwards.
type Invocation struct {
	ID   string
	Tool string
	Args map[string]interface{}
}

// Outcome is the terminal result of one invocation: execution, denial,
// error, or timeout. Every invocation produces exactly one Outcome.
type Outcome struct {
	CallID    string
	Tool      string
	Success   bool
	Output    string
	ErrorKind ErrorKind
	Error     string
	Duration  time.Duration
}

// Text returns what gets folded back into the conversation for the model.
func (o Outcome) Text() string {
	if o.Success {
		return o.Output
	}
	if o.Output != "" {
		return "Error: " + o.Error + "\n" + o.Output
	}
	return "Error: " + o.Error
}
