package agent

import (
	"testing"
	"time"

	"github.com/yysun/agent-world/pkg/world"
)

func memEntry(role, content, sender, chatID string, offset int) world.AgentMessage {
	return world.AgentMessage{
		Role:      role,
		Content:   content,
		Sender:    sender,
		ChatID:    chatID,
		CreatedAt: time.Date(2026, 7, 1, 12, 0, offset, 0, time.UTC),
	}
}

func TestBuildMessages_SystemFirst(t *testing.T) {
	incoming := memEntry(world.RoleUser, "hello", "HUMAN", "c1", 10)
	msgs := BuildMessages("you are a1", nil, incoming, "c1", 10)

	if len(msgs) != 2 {
		t.Fatalf("Expected system + incoming, got %d messages", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "you are a1" {
		t.Errorf("Expected system prompt first, got %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hello" {
		t.Errorf("Expected incoming last, got %+v", msgs[1])
	}
}

func TestBuildMessages_WindowAndChatFilter(t *testing.T) {
	var memory []world.AgentMessage
	for i := 0; i < 15; i++ {
		memory = append(memory, memEntry(world.RoleUser, "msg", "HUMAN", "c1", i))
	}
	// Entries of another chat never appear.
	memory = append(memory, memEntry(world.RoleUser, "other chat", "HUMAN", "c2", 20))

	incoming := memEntry(world.RoleUser, "now", "HUMAN", "c1", 30)
	msgs := BuildMessages("sys", memory, incoming, "c1", 10)

	// system + 10 windowed + incoming
	if len(msgs) != 12 {
		t.Fatalf("Expected 12 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Content == "other chat" {
			t.Error("Expected entries of other chats excluded")
		}
	}
}

func TestBuildMessages_DropsOrphanedToolResults(t *testing.T) {
	memory := []world.AgentMessage{
		{Role: world.RoleTool, Content: "orphan result", ToolCallID: "call-0", ChatID: "c1"},
		memEntry(world.RoleUser, "hello", "HUMAN", "c1", 1),
	}
	incoming := memEntry(world.RoleUser, "now", "HUMAN", "c1", 2)
	msgs := BuildMessages("sys", memory, incoming, "c1", 10)

	for _, m := range msgs {
		if m.Role == "tool" {
			t.Error("Expected leading orphaned tool result dropped")
		}
	}
}

func TestBuildMessages_AgentAttribution(t *testing.T) {
	memory := []world.AgentMessage{
		memEntry(world.RoleUser, "what do you think?", "a2", "c1", 1),
	}
	incoming := memEntry(world.RoleUser, "go", "HUMAN", "c1", 2)
	msgs := BuildMessages("sys", memory, incoming, "c1", 10)

	if msgs[1].Content != "a2: what do you think?" {
		t.Errorf("Expected agent-authored entry attributed inline, got %q", msgs[1].Content)
	}
	// Human entries carry no prefix.
	if msgs[2].Content != "go" {
		t.Errorf("Expected human entry unprefixed, got %q", msgs[2].Content)
	}
}

func TestBuildMessages_ToolCallsMapped(t *testing.T) {
	memory := []world.AgentMessage{
		{
			Role:    world.RoleAssistant,
			Content: "",
			ChatID:  "c1",
			ToolCalls: []world.ToolCallPayload{
				{ID: "call-1", Name: "shell_cmd", Arguments: map[string]interface{}{"cmd": "ls"}},
			},
			CreatedAt: time.Date(2026, 7, 1, 12, 0, 1, 0, time.UTC),
		},
		{Role: world.RoleTool, Content: "file.txt", ToolCallID: "call-1", ChatID: "c1",
			CreatedAt: time.Date(2026, 7, 1, 12, 0, 2, 0, time.UTC)},
	}
	incoming := memEntry(world.RoleUser, "continue", "HUMAN", "c1", 3)
	msgs := BuildMessages("sys", memory, incoming, "c1", 10)

	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "shell_cmd" {
		t.Errorf("Expected tool call mapped, got %+v", msgs[1].ToolCalls)
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call-1" {
		t.Errorf("Expected tool result mapped, got %+v", msgs[2])
	}
}
