// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/quillforge/quill/pkg/agent"
	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/events"
	"github.com/quillforge/quill/pkg/logger"
	"github.com/quillforge/quill/pkg/metrics"
	"github.com/quillforge/quill/pkg/policy"
	"github.com/quillforge/quill/pkg/providers"
	"github.com/quillforge/quill/pkg/sandbox"
	"github.com/quillforge/quill/pkg/secrets"
	"github.com/quillforge/quill/pkg/security"
	"github.com/quillforge/quill/pkg/tools"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	task := flag.String("task", "", "run a single task and exit")
	encrypt := flag.String("encrypt-secret", "", "encrypt a value for use in the config file and exit")
	flag.Parse()

	if *encrypt != "" {
		if err := runEncrypt(*configPath, *encrypt); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath, *task); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runEncrypt(configPath, value string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := secrets.Open(secretKeyPath(cfg))
	if err != nil {
		return err
	}
	enc, err := store.Encrypt(value)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func secretKeyPath(cfg *config.Config) string {
	return filepath.Join(cfg.Agent.Workspace, "state", "secret.key")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "quill.json"
	}
	return filepath.Join(home, ".quill", "config.json")
}

func run(configPath, task string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)

	if err := os.MkdirAll(cfg.Agent.Workspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	// API keys may be stored encrypted in the config file.
	if secrets.IsEncrypted(cfg.Provider.APIKey) {
		store, err := secrets.Open(secretKeyPath(cfg))
		if err != nil {
			return err
		}
		apiKey, err := store.Resolve(cfg.Provider.APIKey)
		if err != nil {
			return fmt.Errorf("resolve provider api key: %w", err)
		}
		cfg.Provider.APIKey = apiKey
	}

	stream := events.NewStream()

	tracker, err := metrics.NewTracker(&cfg.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if tracker != nil {
		stream.Subscribe(tracker)
	}

	if cfg.Events.AuditLogPath != "" {
		audit, err := events.NewAuditSink(cfg.Events.AuditLogPath)
		if err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		stream.Subscribe(audit)
	}

	if cfg.Events.WebsocketAddr != "" {
		ws := events.NewWebsocketSink()
		stream.Subscribe(ws)
		go func() {
			logger.InfoCF("main", "Event websocket listening",
				map[string]interface{}{"addr": cfg.Events.WebsocketAddr})
			if err := http.ListenAndServe(cfg.Events.WebsocketAddr, ws); err != nil {
				logger.ErrorCF("main", "Event websocket server stopped",
					map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	stream.Subscribe(events.SinkFunc(printEvent))

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine(cfg.Security)
	if err != nil {
		return fmt.Errorf("init policy: %w", err)
	}

	executor := sandbox.NewExecutor(stream, cfg.Tools)
	executor.SetRedactor(security.NewRedactor())

	provider, err := providers.NewHTTPProvider(cfg.Provider)
	if err != nil {
		return err
	}

	rl, rlErr := readline.NewEx(&readline.Config{
		Prompt:      "quill> ",
		HistoryFile: filepath.Join(cfg.Agent.Workspace, ".quill_history"),
	})
	if rlErr == nil {
		defer rl.Close()
	}

	loop := agent.NewLoop(cfg.Agent, provider, registry, engine, executor, stream, approvalFunc(rl))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.InfoCF("main", "Quill started", map[string]interface{}{
		"model":     cfg.Provider.Model,
		"tools":     registry.Count(),
		"mode":      cfg.Security.SandboxMode,
		"workspace": cfg.Agent.Workspace,
	})

	if task != "" {
		return runTask(ctx, loop, task)
	}
	if rlErr != nil {
		return fmt.Errorf("interactive mode needs a terminal: %w", rlErr)
	}
	return runREPL(ctx, rl, loop, tracker)
}

func buildRegistry(cfg *config.Config) (*tools.ToolRegistry, error) {
	registry := tools.NewToolRegistry()
	workspace := cfg.Agent.Workspace
	defTimeout := time.Duration(cfg.Tools.TimeoutSeconds) * time.Second
	maxTimeout := time.Duration(cfg.Tools.MaxTimeoutSeconds) * time.Second

	all := []tools.Tool{
		tools.NewExecTool(workspace, sandbox.FilterEnviron(cfg.Tools.EnvAllowlist), defTimeout, maxTimeout),
		tools.NewReadFileTool(workspace),
		tools.NewWriteFileTool(workspace),
		tools.NewListDirTool(workspace),
		tools.NewEvalTool(cfg.Tools.EvalMaxSteps),
		tools.NewHTTPFetchTool(cfg.Tools.HTTPMaxBytes),
	}
	for _, t := range all {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register tools: %w", err)
		}
	}
	return registry, nil
}

func runTask(ctx context.Context, loop *agent.Loop, task string) error {
	result, err := loop.Run(ctx, task)
	if err != nil {
		return err
	}
	fmt.Println(result.FinalText)
	if result.StopReason != agent.StopCompleted {
		fmt.Fprintf(os.Stderr, "(stopped: %s after %d iterations)\n", result.StopReason, result.Iterations)
	}
	return nil
}

func runREPL(ctx context.Context, rl *readline.Instance, loop *agent.Loop, tracker *metrics.Tracker) error {
	fmt.Println("Quill agent. Type a task, /stats for tool metrics, /quit to exit.")
	for {
		line, err := rl.Readline()
		if err != nil { // Ctrl-C or Ctrl-D
			return nil
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/stats":
			printStats(tracker)
			continue
		}

		result, err := loop.Run(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(result.FinalText)
		if result.StopReason != agent.StopCompleted {
			fmt.Printf("(stopped: %s after %d iterations)\n", result.StopReason, result.Iterations)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printStats(tracker *metrics.Tracker) {
	stats := tracker.AllStats()
	if len(stats) == 0 {
		fmt.Println("No tool executions recorded.")
		return
	}
	fmt.Printf("%-12s %8s %8s %10s %10s\n", "TOOL", "RUNS", "OK", "RATE", "AVG")
	for _, s := range stats {
		fmt.Printf("%-12s %8d %8d %9.0f%% %10s\n",
			s.Tool, s.Executions, s.Successes, s.SuccessRate()*100, s.AvgDuration())
	}
	fmt.Printf("total: %d executions, %.0f%% success\n",
		tracker.TotalExecutions(), tracker.SuccessRate()*100)
}

// approvalFunc prompts the operator on the controlling terminal. With no
// terminal available every approval request is denied.
func approvalFunc(rl *readline.Instance) agent.ApprovalFunc {
	if rl == nil {
		return func(inv sandbox.Invocation, reason string) bool {
			logger.WarnCF("main", "No terminal for approval prompt, denying",
				map[string]interface{}{"tool": inv.Tool})
			return false
		}
	}
	return func(inv sandbox.Invocation, reason string) bool {
		fmt.Printf("\nApproval needed for %s: %s\n", inv.Tool, reason)
		saved := rl.Config.Prompt
		rl.SetPrompt("approve? [y/N] ")
		defer rl.SetPrompt(saved)
		line, err := rl.Readline()
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

// printEvent renders the live event feed on stdout.
func printEvent(e events.Event) {
	switch e.Kind {
	case events.KindToolStart:
		fmt.Printf("  [tool] %s starting\n", e.Tool)
	case events.KindToolComplete:
		fmt.Printf("  [tool] %s done (%vms)\n", e.Tool, e.Data["duration_ms"])
	case events.KindToolError:
		fmt.Printf("  [tool] %s failed: %s\n", e.Tool, e.Message)
	case events.KindToolDenied:
		fmt.Printf("  [policy] %s denied: %s\n", e.Tool, e.Message)
	case events.KindAIResponse:
		if calls, ok := e.Data["tool_calls"].(int); ok && calls > 0 {
			fmt.Printf("  [model] requested %d tool call(s)\n", calls)
		}
	}
}
