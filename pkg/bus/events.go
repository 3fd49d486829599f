// Package bus provides the per-world in-process event bus. Each world owns
// one bus with three topics (message, sse, system); buses are tracked in a
// process-wide registry keyed by world id.
package bus

import "time"

// Topic is a logical broadcast channel on a world bus.
type Topic string

const (
	TopicMessage Topic = "message"
	TopicSSE     Topic = "sse"
	TopicSystem  Topic = "system"
)

// Kind tags an event variant.
type Kind string

const (
	KindMessage Kind = "message"
	KindSSE     Kind = "sse"
	KindSystem  Kind = "system"
)

// Phase values for SSE events.
const (
	PhaseStart        = "start"
	PhaseChunk        = "chunk"
	PhaseEnd          = "end"
	PhaseError        = "error"
	PhaseToolStart    = "tool-start"
	PhaseToolProgress = "tool-progress"
	PhaseToolResult   = "tool-result"
	PhaseToolError    = "tool-error"
)

// ToolCall is a tool-call record carried on a message event.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Usage is token accounting attached to a terminal SSE event.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// MessageEvent is a finalized conversation message.
type MessageEvent struct {
	Content          string     `json:"content"`
	Sender           string     `json:"sender"`
	MessageID        string     `json:"message_id"`
	ChatID           string     `json:"chat_id,omitempty"`
	ReplyToMessageID string     `json:"reply_to_message_id,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// SSEEvent describes an agent's in-flight LLM output.
type SSEEvent struct {
	AgentName string `json:"agent_name"`
	Phase     string `json:"phase"`
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// SystemEvent is an out-of-band notification.
type SystemEvent struct {
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	ChatID    string    `json:"chat_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the tagged variant published on a bus topic. Exactly one payload
// field is set, matching Kind. Events are immutable once published.
type Event struct {
	Kind    Kind
	Message *MessageEvent
	SSE     *SSEEvent
	System  *SystemEvent
}

// NewMessageEvent wraps a message payload.
func NewMessageEvent(m MessageEvent) Event {
	return Event{Kind: KindMessage, Message: &m}
}

// NewSSEEvent wraps an SSE payload.
func NewSSEEvent(s SSEEvent) Event {
	return Event{Kind: KindSSE, SSE: &s}
}

// NewSystemEvent wraps a system payload.
func NewSystemEvent(s SystemEvent) Event {
	return Event{Kind: KindSystem, System: &s}
}

// droppable reports whether the event may be shed under backpressure.
// Only streaming chunk frames are; message events and terminal SSE phases
// must always be delivered.
func (e Event) droppable() bool {
	return e.Kind == KindSSE && e.SSE != nil && e.SSE.Phase == PhaseChunk
}
