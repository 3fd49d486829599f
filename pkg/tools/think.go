package tools

import "context"

// ThinkTool lets an agent reason privately before acting. It has no side
// effects and is exempt from approval.
type ThinkTool struct{}

func NewThinkTool() *ThinkTool {
	return &ThinkTool{}
}

func (t *ThinkTool) Name() string { return "think" }

func (t *ThinkTool) Description() string {
	return "Think through a problem step-by-step before acting. The thought is private and not shown to other participants."
}

func (t *ThinkTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"thought": map[string]interface{}{
				"type":        "string",
				"description": "Your step-by-step reasoning or analysis",
			},
		},
		"required": []string{"thought"},
	}
}

func (t *ThinkTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	thought, _ := args["thought"].(string)
	if thought == "" {
		return ErrorResult("thought is required")
	}
	return SilentResult("Thought recorded.")
}
