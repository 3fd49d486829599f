package mcp

import (
	"context"
	"fmt"

	"github.com/yysun/agent-world/pkg/tools"
)

// BridgeTool wraps an MCP server tool as a registry Tool. Bridged tools are
// approval-gated like any other non-builtin.
type BridgeTool struct {
	manager    *Manager
	serverName string
	toolDef    ToolDefinition
}

// NewBridgeTool creates a registry tool delegating to an MCP server tool.
func NewBridgeTool(manager *Manager, serverName string, toolDef ToolDefinition) *BridgeTool {
	return &BridgeTool{
		manager:    manager,
		serverName: serverName,
		toolDef:    toolDef,
	}
}

func (t *BridgeTool) Name() string {
	return fmt.Sprintf("mcp_%s_%s", t.serverName, t.toolDef.Name)
}

func (t *BridgeTool) Description() string {
	return fmt.Sprintf("[MCP:%s] %s", t.serverName, t.toolDef.Description)
}

func (t *BridgeTool) Parameters() map[string]interface{} {
	if t.toolDef.InputSchema != nil {
		return t.toolDef.InputSchema
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	result, err := t.manager.CallTool(t.serverName, t.toolDef.Name, args)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s/%s error: %v", t.serverName, t.toolDef.Name, err))
	}
	return tools.SilentResult(result)
}

// RegisterTools bridges every discovered MCP tool into the registry and
// returns how many were registered.
func RegisterTools(manager *Manager, registry *tools.Registry) int {
	discovered := manager.Tools()
	for _, entry := range discovered {
		registry.Register(NewBridgeTool(manager, entry.Server, entry.Tool))
	}
	return len(discovered)
}
