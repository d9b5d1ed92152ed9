package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExecTool runs a shell command. Command-pattern and path screening happen
// in the policy engine before this tool is ever reached; the tool itself
// only provides environment isolation and clean process-group teardown.
type ExecTool struct {
	workingDir     string
	env            []string
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewExecTool creates an exec tool rooted at workingDir. env is the full
// environment visible to executed commands; the caller builds it from the
// configured allowlist, nothing is inherited implicitly.
func NewExecTool(workingDir string, env []string, defaultTimeout, maxTimeout time.Duration) *ExecTool {
	return &ExecTool{
		workingDir:     workingDir,
		env:            env,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}
}

func (t *ExecTool) Name() string                  { return "exec" }
func (t *ExecTool) Dangerous() bool               { return true }
func (t *ExecTool) WritesPaths() bool             { return true }
func (t *ExecTool) DefaultTimeout() time.Duration { return t.defaultTimeout }
func (t *ExecTool) MaxTimeout() time.Duration     { return t.maxTimeout }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace directory"
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return "", fmt.Errorf("command is required")
	}

	cwd := t.workingDir
	if wd, ok := args["working_dir"].(string); ok && wd != "" {
		resolved, err := resolveWithin(wd, t.workingDir)
		if err != nil {
			return "", err
		}
		cwd = resolved
	}
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = t.env
	// Own process group so a timeout kills the whole tree, not just sh.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\nSTDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			return output, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return output, fmt.Errorf("command failed: %w", err)
	}

	if output == "" {
		output = "(no output)"
	}
	return output, nil
}
