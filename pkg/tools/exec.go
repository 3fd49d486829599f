package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const shellTimeout = 60 * time.Second

// ShellTool runs a shell command. Executions are approval-gated; the
// working directory is part of the approval identity.
type ShellTool struct {
	workspace string
}

func NewShellTool(workspace string) *ShellTool {
	return &ShellTool{workspace: workspace}
}

func (t *ShellTool) Name() string { return "shell_cmd" }

func (t *ShellTool) Description() string {
	return "Run a shell command and return its combined output. Commands time out after 60 seconds."
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cmd": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to run",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory (default: the workspace)",
			},
		},
		"required": []string{"cmd"},
	}
}

// WorkingDir resolves the effective working directory for a call, used both
// for execution and as part of the approval key.
func (t *ShellTool) WorkingDir(args map[string]interface{}) string {
	if wd, ok := args["working_dir"].(string); ok && wd != "" {
		return wd
	}
	return t.workspace
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	cmdStr, ok := args["cmd"].(string)
	if !ok || strings.TrimSpace(cmdStr) == "" {
		return ErrorResult("cmd is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdStr)
	cmd.Dir = t.WorkingDir(args)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > 50000 {
		output = output[:50000] + "\n... (output truncated)"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", shellTimeout, output))
	}
	if err != nil {
		return &ToolResult{
			ForLLM:  fmt.Sprintf("command failed: %v\n%s", err, output),
			IsError: true,
			Err:     err,
		}
	}
	if output == "" {
		return SilentResult("(no output)")
	}
	return SilentResult(output)
}
