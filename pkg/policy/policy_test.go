package policy

import (
	"strings"
	"testing"

	"github.com/quillforge/quill/pkg/config"
)

func newTestEngine(t *testing.T, cfg config.SecurityConfig) *Engine {
	t.Helper()
	// Keep path checks deterministic: the defaults depend on the host.
	if len(cfg.Paths.NoAccess) == 0 {
		cfg.Paths.NoAccess = []string{"/etc", "/root"}
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func execRequest(command string) Request {
	return Request{Tool: "exec", Command: command, WriteIntent: true, Dangerous: true}
}

// --- mode validation ---

func TestNewEngine_UnknownMode(t *testing.T) {
	_, err := NewEngine(config.SecurityConfig{SandboxMode: "paranoid"})
	if err == nil {
		t.Fatal("expected error for unknown sandbox mode")
	}
}

func TestNewEngine_UnknownApprovalMode(t *testing.T) {
	_, err := NewEngine(config.SecurityConfig{ApprovalMode: "sometimes"})
	if err == nil {
		t.Fatal("expected error for unknown approval mode")
	}
}

func TestNewEngine_InvalidPattern(t *testing.T) {
	_, err := NewEngine(config.SecurityConfig{Whitelist: []string{"(unclosed"}})
	if err == nil {
		t.Fatal("expected error for invalid whitelist pattern")
	}
}

func TestNewEngine_EmptyModesGetDefaults(t *testing.T) {
	e, err := NewEngine(config.SecurityConfig{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if e.Mode() != ModeBlacklist {
		t.Errorf("default mode: got %q, want blacklist", e.Mode())
	}
	if e.Approval() != ApprovalManual {
		t.Errorf("default approval: got %q, want manual", e.Approval())
	}
}

// --- whitelist mode ---

func TestEvaluate_WhitelistAllowsMatch(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "whitelist",
		ApprovalMode: "auto",
		Whitelist:    []string{"git *", "ls"},
	})

	for _, command := range []string{"git status", "git push origin main", "ls", "ls -la", "ls | head"} {
		d := e.Evaluate(execRequest(command))
		if d.Verdict != Allow {
			t.Errorf("%q: got %v (%s), want allow", command, d.Verdict, d.Reason)
		}
	}
}

func TestEvaluate_WhitelistDeniesNonMatch(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "whitelist",
		ApprovalMode: "auto",
		Whitelist:    []string{"git *", "ls"},
	})

	d := e.Evaluate(execRequest("rm -rf /tmp/scratch"))
	if d.Verdict != Deny {
		t.Fatalf("got %v, want deny", d.Verdict)
	}
	if !strings.Contains(d.Reason, "not in whitelist") {
		t.Errorf("reason: got %q, want whitelist mention", d.Reason)
	}
}

func TestEvaluate_WhitelistBoundaryNoPrefixBleed(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "whitelist",
		ApprovalMode: "auto",
		Whitelist:    []string{"ls"},
	})

	// "ls" must not whitelist "lsof".
	if d := e.Evaluate(execRequest("lsof -i :8080")); d.Verdict != Deny {
		t.Errorf("lsof: got %v, want deny", d.Verdict)
	}
}

// --- blacklist mode and priority ---

func TestEvaluate_BlacklistDeniesMatch(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "blacklist",
		ApprovalMode: "auto",
		Blacklist:    []string{"rm -rf /", "mkfs*"},
	})

	d := e.Evaluate(execRequest("rm -rf /"))
	if d.Verdict != Deny {
		t.Fatalf("got %v, want deny", d.Verdict)
	}
	if d.MatchedRule != "rm -rf /" {
		t.Errorf("matched rule: got %q", d.MatchedRule)
	}

	// The anchored pattern must not fire on a longer path.
	if d := e.Evaluate(execRequest("rm -rf /tmp/scratch")); d.Verdict != Allow {
		t.Errorf("rm -rf /tmp/scratch: got %v (%s), want allow", d.Verdict, d.Reason)
	}
}

func TestEvaluate_BlacklistBeatsWhitelist(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "whitelist",
		ApprovalMode: "auto",
		Whitelist:    []string{"git *"},
		Blacklist:    []string{"git push*"},
	})

	d := e.Evaluate(execRequest("git push --force origin main"))
	if d.Verdict != Deny {
		t.Fatalf("got %v, want deny: blacklist has priority", d.Verdict)
	}
	if !strings.Contains(d.Reason, "blacklist") {
		t.Errorf("reason: got %q", d.Reason)
	}
}

// --- prompt and disabled modes ---

func TestEvaluate_PromptModeRequiresApproval(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "prompt",
		ApprovalMode: "manual",
	})

	if d := e.Evaluate(execRequest("echo hello")); d.Verdict != RequireApproval {
		t.Errorf("got %v, want require_approval", d.Verdict)
	}
}

func TestEvaluate_DisabledModePassesCommands(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "disabled",
		ApprovalMode: "auto",
	})

	if d := e.Evaluate(execRequest("rm -rf /tmp/anything")); d.Verdict != Allow {
		t.Errorf("got %v, want allow in disabled mode", d.Verdict)
	}
}

func TestEvaluate_ApprovalDisabledDeniesEverything(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "disabled",
		ApprovalMode: "disabled",
	})

	if d := e.Evaluate(Request{Tool: "read_file"}); d.Verdict != Deny {
		t.Errorf("got %v, want deny when tool use is disabled", d.Verdict)
	}
}

// --- danger override ---

func TestEvaluate_DangerousNeedsApprovalUnderManual(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "blacklist",
		ApprovalMode: "manual",
	})

	d := e.Evaluate(execRequest("echo hello"))
	if d.Verdict != RequireApproval {
		t.Fatalf("got %v (%s), want require_approval", d.Verdict, d.Reason)
	}
}

func TestEvaluate_DangerousAutoApproved(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "blacklist",
		ApprovalMode: "auto",
	})

	if d := e.Evaluate(execRequest("echo hello")); d.Verdict != Allow {
		t.Errorf("got %v, want allow under auto approval", d.Verdict)
	}
}

func TestEvaluate_SafeToolNoApproval(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "blacklist",
		ApprovalMode: "manual",
	})

	d := e.Evaluate(Request{Tool: "read_file", Paths: []string{"/tmp/notes.txt"}})
	if d.Verdict != Allow {
		t.Errorf("got %v (%s), want allow for safe tool", d.Verdict, d.Reason)
	}
}

// --- tool allow/block lists ---

func TestEvaluate_BlockedTool(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "blacklist",
		ApprovalMode: "auto",
		BlockedTools: []string{"http_fetch"},
	})

	if d := e.Evaluate(Request{Tool: "http_fetch"}); d.Verdict != Deny {
		t.Errorf("got %v, want deny for blocked tool", d.Verdict)
	}
}

func TestEvaluate_AllowedToolsList(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "blacklist",
		ApprovalMode: "auto",
		AllowedTools: []string{"read_file", "list_dir"},
	})

	if d := e.Evaluate(Request{Tool: "read_file"}); d.Verdict != Allow {
		t.Errorf("read_file: got %v, want allow", d.Verdict)
	}
	if d := e.Evaluate(Request{Tool: "exec"}); d.Verdict != Deny {
		t.Errorf("exec: got %v, want deny (not in allowed list)", d.Verdict)
	}
}

// --- path restrictions ---

func TestEvaluate_NoAccessPathDenied(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "disabled",
		ApprovalMode: "auto",
	})

	d := e.Evaluate(Request{Tool: "read_file", Paths: []string{"/etc/passwd"}})
	if d.Verdict != Deny {
		t.Fatalf("got %v, want deny for restricted path", d.Verdict)
	}

	// Also when the path only appears inside a command string.
	d = e.Evaluate(execRequest("cat /etc/passwd"))
	if d.Verdict != Deny {
		t.Errorf("command path: got %v, want deny", d.Verdict)
	}
}

func TestEvaluate_ReadOnlyPathDeniesWritesOnly(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "disabled",
		ApprovalMode: "auto",
		Paths: config.RestrictedPathsConfig{
			ReadOnly: []string{"/opt/data"},
			NoAccess: []string{"/etc"},
		},
	})

	read := Request{Tool: "read_file", Paths: []string{"/opt/data/file.txt"}}
	if d := e.Evaluate(read); d.Verdict != Allow {
		t.Errorf("read: got %v (%s), want allow", d.Verdict, d.Reason)
	}

	write := Request{Tool: "write_file", Paths: []string{"/opt/data/file.txt"}, WriteIntent: true}
	if d := e.Evaluate(write); d.Verdict != Deny {
		t.Errorf("write: got %v, want deny under read-only rule", d.Verdict)
	}
}

// --- edge cases ---

func TestEvaluate_MalformedCommandDenied(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "blacklist",
		ApprovalMode: "auto",
	})

	d := e.Evaluate(execRequest(`echo "unterminated`))
	if d.Verdict != Deny {
		t.Fatalf("got %v, want deny for malformed command", d.Verdict)
	}
	if !strings.Contains(d.Reason, "cannot classify") {
		t.Errorf("reason: got %q", d.Reason)
	}
}

func TestEvaluate_EmptyCommandDenied(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "whitelist",
		ApprovalMode: "auto",
		Whitelist:    []string{"git *"},
	})

	if d := e.Evaluate(execRequest("   ")); d.Verdict != Deny {
		t.Errorf("got %v, want deny for empty command", d.Verdict)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	e := newTestEngine(t, config.SecurityConfig{
		SandboxMode:  "whitelist",
		ApprovalMode: "manual",
		Whitelist:    []string{"git *"},
	})

	req := execRequest("git status")
	first := e.Evaluate(req)
	for i := 0; i < 10; i++ {
		if got := e.Evaluate(req); got != first {
			t.Fatalf("evaluation %d differed: got %+v, want %+v", i, got, first)
		}
	}
}
