package agent

import (
	"fmt"

	"github.com/yysun/agent-world/pkg/providers"
	"github.com/yysun/agent-world/pkg/world"
)

// DefaultContextWindow is how many memory entries of the active chat are
// included in a prompt. Older entries stay in memory but are omitted.
const DefaultContextWindow = 10

// BuildMessages assembles the prompt for one turn: the system prompt, the
// last n memory entries of the chat, then the incoming message as user input.
func BuildMessages(systemPrompt string, memory []world.AgentMessage, incoming world.AgentMessage, chatID string, n int) []providers.Message {
	if n <= 0 {
		n = DefaultContextWindow
	}

	var scoped []world.AgentMessage
	for _, m := range memory {
		if m.ChatID == chatID {
			scoped = append(scoped, m)
		}
	}
	if len(scoped) > n {
		scoped = scoped[len(scoped)-n:]
	}

	// A window cut mid tool exchange leaves tool results whose call the
	// model never saw; drop those leading orphans or the provider rejects
	// the request.
	for len(scoped) > 0 && scoped[0].Role == world.RoleTool {
		scoped = scoped[1:]
	}

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}
	for _, m := range scoped {
		messages = append(messages, toProviderMessage(m))
	}
	messages = append(messages, toProviderMessage(incoming))
	return messages
}

// toProviderMessage maps a memory entry onto the provider shape. Entries
// authored by other participants keep their attribution in the content so the
// model can tell speakers apart.
func toProviderMessage(m world.AgentMessage) providers.Message {
	msg := providers.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Sender,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	if m.Role == world.RoleUser && m.Sender != "" && !world.IsHumanSender(m.Sender) {
		msg.Content = fmt.Sprintf("%s: %s", m.Sender, m.Content)
	}
	return msg
}
