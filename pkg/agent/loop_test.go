package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/events"
	"github.com/quillforge/quill/pkg/policy"
	"github.com/quillforge/quill/pkg/providers"
	"github.com/quillforge/quill/pkg/sandbox"
	"github.com/quillforge/quill/pkg/tools"
)

// scriptedProvider returns canned replies in order; when the script runs out
// it repeats the last entry.
type scriptedProvider struct {
	replies []*providers.Reply
	errs    []error
	calls   int
	seen    [][]providers.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, toolDefs []map[string]interface{}) (*providers.Reply, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	copied := make([]providers.Message, len(messages))
	copy(copied, messages)
	p.seen = append(p.seen, copied)

	i := p.calls
	p.calls++
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	if p.errs != nil && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.replies[i], nil
}

func testAgentConfig(t *testing.T) config.AgentConfig {
	return config.AgentConfig{
		Workspace:               t.TempDir(),
		MaxIterations:           5,
		MaxWallClockSeconds:     60,
		IterationTimeoutSeconds: 10,
	}
}

func newTestLoop(t *testing.T, provider providers.Provider, toolList ...tools.Tool) (*Loop, *events.Stream) {
	t.Helper()
	registry := tools.NewToolRegistry()
	for _, tool := range toolList {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	engine, err := policy.NewEngine(testSecurity())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	stream := events.NewStream()
	executor := sandbox.NewExecutor(stream, config.ToolsConfig{
		TimeoutSeconds:    1,
		MaxTimeoutSeconds: 2,
		OutputCapBytes:    1000,
	})
	return NewLoop(testAgentConfig(t), provider, registry, engine, executor, stream, nil), stream
}

func TestLoop_DirectAnswer(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{{Content: "the answer is 4"}},
	}
	loop, stream := newTestLoop(t, provider)

	var kinds []events.Kind
	stream.Subscribe(events.SinkFunc(func(e events.Event) { kinds = append(kinds, e.Kind) }))

	result, err := loop.Run(context.Background(), "what is 2+2?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StopReason != StopCompleted {
		t.Errorf("stop reason: got %q, want completed", result.StopReason)
	}
	if result.FinalText != "the answer is 4" {
		t.Errorf("final text: got %q", result.FinalText)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations: got %d, want 1", result.Iterations)
	}
	if loop.State() != StateDone {
		t.Errorf("state: got %q, want done", loop.State())
	}
	if !containsKind(kinds, events.KindAgentComplete) {
		t.Errorf("events: %v", kinds)
	}
}

func TestLoop_ToolCallThenAnswer(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{
			{Content: "checking", ToolCalls: []providers.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{}},
			}},
			{Content: "done"},
		},
	}
	loop, _ := newTestLoop(t, provider, &testTool{name: "echo", result: "echoed"})

	result, err := loop.Run(context.Background(), "run the tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StopReason != StopCompleted || result.Iterations != 2 {
		t.Fatalf("result: %+v", result)
	}

	// The second provider call must see the tool result folded in.
	second := provider.seen[1]
	var toolMsg *providers.Message
	for i := range second {
		if second[i].Role == "tool" {
			toolMsg = &second[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in second request")
	}
	if toolMsg.ToolCallID != "call-1" || toolMsg.Content != "echoed" {
		t.Errorf("tool message: %+v", toolMsg)
	}
}

func TestLoop_AssignsCallIDWhenMissing(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{
			{ToolCalls: []providers.ToolCall{{Name: "echo", Arguments: map[string]interface{}{}}}},
			{Content: "done"},
		},
	}
	loop, _ := newTestLoop(t, provider, &testTool{name: "echo", result: "echoed"})

	result, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var toolMsg *providers.Message
	for i := range result.Messages {
		if result.Messages[i].Role == "tool" {
			toolMsg = &result.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID == "" {
		t.Fatalf("tool message missing generated call id: %+v", toolMsg)
	}
}

func TestLoop_DeniedOutcomeFoldedIntoConversation(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{
			{ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "ghost", Arguments: map[string]interface{}{}},
			}},
			{Content: "adapted"},
		},
	}
	loop, _ := newTestLoop(t, provider)

	result, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StopReason != StopCompleted {
		t.Fatalf("result: %+v", result)
	}

	second := provider.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content == "" {
		t.Errorf("expected error text folded into tool message, got %+v", last)
	}
}

func TestLoop_IterationLimit(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{
			{ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "echo", Arguments: map[string]interface{}{}},
			}},
		},
	}
	loop, stream := newTestLoop(t, provider, &testTool{name: "echo", result: "again"})

	var kinds []events.Kind
	stream.Subscribe(events.SinkFunc(func(e events.Event) { kinds = append(kinds, e.Kind) }))

	result, err := loop.Run(context.Background(), "never stops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StopReason != StopIterationLimit {
		t.Errorf("stop reason: got %q, want iteration_limit", result.StopReason)
	}
	if result.Iterations != 5 {
		t.Errorf("iterations: got %d, want 5", result.Iterations)
	}
	if provider.calls != 5 {
		t.Errorf("provider calls: got %d, want 5", provider.calls)
	}
	if loop.State() != StateFailed {
		t.Errorf("state: got %q, want failed", loop.State())
	}
	if !containsKind(kinds, events.KindAgentError) {
		t.Errorf("events: %v", kinds)
	}
	// The partial conversation survives the limit breach.
	if len(result.Messages) < 2 {
		t.Errorf("messages: got %d", len(result.Messages))
	}
}

func TestLoop_ProviderErrorFailsRun(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{nil},
		errs:    []error{&providers.ProviderError{StatusCode: 401, Body: "bad key"}},
	}
	loop, stream := newTestLoop(t, provider)

	var kinds []events.Kind
	stream.Subscribe(events.SinkFunc(func(e events.Event) { kinds = append(kinds, e.Kind) }))

	result, err := loop.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected error from provider failure")
	}
	var perr *providers.ProviderError
	if !errors.As(err, &perr) {
		t.Errorf("got %v, want ProviderError", err)
	}
	if result.StopReason != StopProviderError {
		t.Errorf("stop reason: got %q", result.StopReason)
	}
	if loop.State() != StateFailed {
		t.Errorf("state: got %q, want failed", loop.State())
	}
	if !containsKind(kinds, events.KindAgentError) {
		t.Errorf("events: %v", kinds)
	}
	// Partial history survives the failure.
	if len(result.Messages) == 0 {
		t.Error("result has no messages")
	}
}

func TestLoop_CanceledContext(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{{Content: "unused"}},
	}
	loop, _ := newTestLoop(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := loop.Run(ctx, "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StopReason != StopCanceled {
		t.Errorf("stop reason: got %q, want canceled", result.StopReason)
	}
}

func TestTruncate_RespectsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("界", 80)
	got := truncate(s, 100) // 100 falls mid-rune for 3-byte runes
	if !utf8.ValidString(got) {
		t.Errorf("truncated string is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis: %q", got)
	}
	if truncate("short", 100) != "short" {
		t.Error("short string modified")
	}
}

func TestLoop_EventOrdering(t *testing.T) {
	provider := &scriptedProvider{
		replies: []*providers.Reply{
			{ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "echo", Arguments: map[string]interface{}{}},
			}},
			{Content: "done"},
		},
	}
	loop, stream := newTestLoop(t, provider, &testTool{name: "echo", result: "out"})

	var kinds []events.Kind
	stream.Subscribe(events.SinkFunc(func(e events.Event) { kinds = append(kinds, e.Kind) }))

	if _, err := loop.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []events.Kind{
		events.KindIterationStart,
		events.KindAIResponse,
		events.KindToolStart,
		events.KindToolComplete,
		events.KindIterationEnd,
		events.KindIterationStart,
		events.KindAIResponse,
		events.KindIterationEnd,
		events.KindAgentComplete,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(kinds), kinds, len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, kinds[i], want[i])
		}
	}
}
