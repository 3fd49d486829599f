// Package world defines the data model shared across the runtime: worlds,
// agents, per-agent memory entries, chats and chat snapshots.
package world

import (
	"regexp"
	"strings"
	"time"

	"github.com/yysun/agent-world/pkg/config"
)

// DefaultTurnLimit bounds consecutive agent turns between human inputs.
const DefaultTurnLimit = 5

// DefaultSystemPrompt is substituted when an agent has no stored prompt.
const DefaultSystemPrompt = "You are a helpful assistant. Respond concisely and stay on topic."

// SnapshotSchemaVersion tags serialized WorldChat captures.
const SnapshotSchemaVersion = 2

// World is the persisted configuration of one isolated runtime container.
// Live associations (agents, bus, turn state) are held by the runtime handle,
// not serialized here.
type World struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	TurnLimit int `json:"turn_limit"`

	// Default provider/model for chat-level operations; agents may override.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Optional fallback tried transparently when the primary provider
	// fails before producing output.
	FallbackProvider string `json:"fallback_provider,omitempty"`
	FallbackModel    string `json:"fallback_model,omitempty"`

	MCPServers []config.MCPServerConfig `json:"mcp_servers,omitempty"`

	// ArchiveSchedule is an optional cron expression; when set, agent memory
	// is periodically archived under agents/<id>/archive/.
	ArchiveSchedule string `json:"archive_schedule,omitempty"`

	CurrentChatID string `json:"current_chat_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent is the persisted configuration of one LLM-backed participant.
// The system prompt is stored alongside the config as a separate text file;
// the json:"-" tag keeps it out of config.json.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`

	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	SystemPrompt string `json:"-"`

	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	LLMCallCount int       `json:"llm_call_count"`

	// MessageCounts tracks messages authored by this agent per chat.
	MessageCounts map[string]int `json:"message_counts,omitempty"`
}

// ResolvedPrompt returns the agent's system prompt, substituting the default
// when none is stored.
func (a *Agent) ResolvedPrompt() string {
	if strings.TrimSpace(a.SystemPrompt) == "" {
		return DefaultSystemPrompt
	}
	return a.SystemPrompt
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.MessageCounts != nil {
		c.MessageCounts = make(map[string]int, len(a.MessageCounts))
		for k, v := range a.MessageCounts {
			c.MessageCounts[k] = v
		}
	}
	return &c
}

// Role values for AgentMessage entries.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCallPayload is one tool-call record carried on a message.
type ToolCallPayload struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// AgentMessage is one entry in an agent's memory log.
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Sender names the original author for user/assistant entries that
	// originated from another participant.
	Sender string `json:"sender,omitempty"`

	MessageID        string `json:"message_id,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	ChatID           string `json:"chat_id,omitempty"`

	ToolCalls  []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// Chat is one ordered conversation within a world.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`

	Messages []AgentMessage `json:"messages,omitempty"`

	Snapshot *WorldChat `json:"snapshot,omitempty"`
}

// ChatSummary is the listing shape for chats (no message payload).
type ChatSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Summary returns the listing shape of the chat.
func (c *Chat) Summary() ChatSummary {
	return ChatSummary{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: c.MessageCount,
	}
}

// WorldChat is a serializable capture of a world's config, agents and the
// merged message stream of one chat. It carries no ownership back-link.
type WorldChat struct {
	World    World             `json:"world"`
	Agents   []Agent           `json:"agents"`
	Prompts  map[string]string `json:"prompts"`
	Messages []AgentMessage    `json:"messages"`
	Metadata SnapshotMetadata  `json:"metadata"`
}

// SnapshotMetadata describes a WorldChat capture.
type SnapshotMetadata struct {
	CapturedAt    time.Time `json:"captured_at"`
	SchemaVersion int       `json:"schema_version"`
	TotalMessages int       `json:"total_messages"`
	ActiveAgents  int       `json:"active_agents"`
}

// Usage is token accounting for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var (
	kebabRe     = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	nonKebabRe  = regexp.MustCompile(`[^a-z0-9]+`)
	multiDashRe = regexp.MustCompile(`-{2,}`)
	edgeDashRe  = regexp.MustCompile(`^-+|-+$`)
)

// ToKebab derives a stable identifier from a display name.
func ToKebab(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonKebabRe.ReplaceAllString(s, "-")
	s = multiDashRe.ReplaceAllString(s, "-")
	s = edgeDashRe.ReplaceAllString(s, "")
	return s
}

// ValidID reports whether id is a well-formed kebab-case identifier.
func ValidID(id string) bool {
	return kebabRe.MatchString(id)
}

// humanSenders are the sender tags treated as human input.
var humanSenders = map[string]bool{
	"human":  true,
	"user":   true,
	"system": true,
}

// IsHumanSender reports whether sender denotes a human (or system) rather
// than an agent. An empty sender counts as system.
func IsHumanSender(sender string) bool {
	if sender == "" {
		return true
	}
	return humanSenders[strings.ToLower(sender)]
}
