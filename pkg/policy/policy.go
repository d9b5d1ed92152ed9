// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

// Package policy decides whether a proposed tool invocation may run.
// Decisions are computed fresh for every request; nothing is cached, so
// configuration swapped in between iterations takes effect immediately.
package policy

import (
	"fmt"

	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/logger"
)

// Verdict is the outcome of a policy evaluation.
type Verdict int

const (
	Allow Verdict = iota
	RequireApproval
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case RequireApproval:
		return "require_approval"
	case Deny:
		return "deny"
	}
	return "unknown"
}

// Decision carries the verdict plus a human-readable reason when the
// verdict is not Allow.
type Decision struct {
	Verdict     Verdict
	Reason      string
	MatchedRule string
}

// Mode is the command-filtering strategy.
type Mode string

const (
	ModeWhitelist Mode = "whitelist"
	ModeBlacklist Mode = "blacklist"
	ModePrompt    Mode = "prompt"
	ModeDisabled  Mode = "disabled"
)

// ApprovalMode controls confirmation of dangerous tools.
type ApprovalMode string

const (
	ApprovalAuto     ApprovalMode = "auto"
	ApprovalManual   ApprovalMode = "manual"
	ApprovalDisabled ApprovalMode = "disabled"
)

// Request is the policy engine's view of one proposed invocation.
type Request struct {
	Tool        string
	Command     string   // underlying command string; empty for non-command tools
	Paths       []string // explicit filesystem path arguments
	WriteIntent bool
	Dangerous   bool
}

// Engine evaluates requests against the configured mode, pattern lists,
// path restrictions, and tool allow/block lists.
type Engine struct {
	mode         Mode
	approval     ApprovalMode
	whitelist    []pattern
	blacklist    []pattern
	paths        *PathRestrictions
	allowedTools map[string]struct{} // nil means all tools allowed
	blockedTools map[string]struct{}
}

// NewEngine builds an engine from security configuration. Invalid patterns
// are rejected up front rather than silently skipped.
func NewEngine(cfg config.SecurityConfig) (*Engine, error) {
	mode := Mode(cfg.SandboxMode)
	switch mode {
	case ModeWhitelist, ModeBlacklist, ModePrompt, ModeDisabled:
	case "":
		mode = ModeBlacklist
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.SandboxMode)
	}

	approval := ApprovalMode(cfg.ApprovalMode)
	switch approval {
	case ApprovalAuto, ApprovalManual, ApprovalDisabled:
	case "":
		approval = ApprovalManual
	default:
		return nil, fmt.Errorf("unknown approval mode %q", cfg.ApprovalMode)
	}

	whitelist, err := compilePatterns(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	blacklist, err := compilePatterns(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedTools) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			allowed[name] = struct{}{}
		}
	}
	blocked := make(map[string]struct{}, len(cfg.BlockedTools))
	for _, name := range cfg.BlockedTools {
		blocked[name] = struct{}{}
	}

	if mode == ModeDisabled {
		logger.WarnCF("policy", "Command filtering is disabled; all commands pass unfiltered", nil)
	}

	return &Engine{
		mode:         mode,
		approval:     approval,
		whitelist:    whitelist,
		blacklist:    blacklist,
		paths:        NewPathRestrictions(cfg.Paths.ReadOnly, cfg.Paths.NoAccess),
		allowedTools: allowed,
		blockedTools: blocked,
	}, nil
}

// Mode returns the configured command-filtering mode.
func (e *Engine) Mode() Mode { return e.mode }

// Approval returns the configured approval mode.
func (e *Engine) Approval() ApprovalMode { return e.approval }

// Evaluate produces a Decision for one request. Path rules run first, then
// command-pattern rules (blacklist beats whitelist unconditionally), then
// the danger-classification override. Ambiguity resolves to Deny.
func (e *Engine) Evaluate(req Request) Decision {
	if e.approval == ApprovalDisabled {
		return Decision{Verdict: Deny, Reason: "tool use is disabled"}
	}

	if _, blocked := e.blockedTools[req.Tool]; blocked {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("tool %q is blocked", req.Tool)}
	}
	if e.allowedTools != nil {
		if _, ok := e.allowedTools[req.Tool]; !ok {
			return Decision{Verdict: Deny, Reason: fmt.Sprintf("tool %q not in allowed list", req.Tool)}
		}
	}

	// Path restrictions are evaluated before command-pattern rules; a
	// violation is a hard deny regardless of mode.
	paths := append([]string{}, req.Paths...)
	if req.Command != "" {
		extracted, err := ExtractPaths(req.Command)
		if err != nil {
			return Decision{Verdict: Deny, Reason: "cannot classify action: " + err.Error()}
		}
		paths = append(paths, extracted...)
	}
	for _, p := range paths {
		if reason := e.paths.Check(p, req.WriteIntent); reason != "" {
			return Decision{Verdict: Deny, Reason: reason}
		}
	}

	d := e.checkCommand(req)
	if d.Verdict == Deny {
		return d
	}

	// Danger override runs after command filtering: a denied action stays
	// denied, an allowed-but-dangerous one needs approval under manual.
	if req.Dangerous && e.approval == ApprovalManual && d.Verdict == Allow {
		return Decision{
			Verdict:     RequireApproval,
			Reason:      fmt.Sprintf("dangerous tool %q requires approval", req.Tool),
			MatchedRule: d.MatchedRule,
		}
	}

	return d
}

func (e *Engine) checkCommand(req Request) Decision {
	if req.Command == "" {
		// Non-command tools are governed by tool lists and danger class only.
		return Decision{Verdict: Allow}
	}

	if e.mode == ModeDisabled {
		logger.DebugCF("policy", "Command passed without filtering (mode disabled)",
			map[string]interface{}{"command": req.Command})
		return Decision{Verdict: Allow}
	}

	tokens, err := splitCommand(req.Command)
	if err != nil {
		return Decision{Verdict: Deny, Reason: "cannot classify action: " + err.Error()}
	}
	if len(tokens) == 0 {
		return Decision{Verdict: Deny, Reason: "cannot classify action: empty command"}
	}
	baseCommand := tokens[0]

	// Blacklist has priority over whitelist in every mode where both are
	// configured.
	for _, p := range e.blacklist {
		if p.matches(req.Command) {
			return Decision{
				Verdict:     Deny,
				Reason:      fmt.Sprintf("command matches blacklist pattern: %s", p.raw),
				MatchedRule: p.raw,
			}
		}
	}

	switch e.mode {
	case ModeWhitelist:
		for _, p := range e.whitelist {
			if p.matches(req.Command) {
				return Decision{Verdict: Allow, MatchedRule: p.raw}
			}
		}
		return Decision{
			Verdict: Deny,
			Reason:  fmt.Sprintf("command %q not in whitelist", baseCommand),
		}
	case ModePrompt:
		return Decision{
			Verdict: RequireApproval,
			Reason:  "prompt mode requires approval for every command",
		}
	case ModeBlacklist:
		return Decision{Verdict: Allow}
	}

	return Decision{Verdict: Deny, Reason: fmt.Sprintf("unknown mode %q", e.mode)}
}
