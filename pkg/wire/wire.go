// Package wire is the single place where bus events are shaped into the
// SSE/JSON envelope consumed by the CLI and HTTP surfaces, and where inbound
// frames (including the enhanced tool-result envelope) are parsed back. No
// other package may emit or parse these strings.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yysun/agent-world/pkg/bus"
)

// RequestApprovalFunction is the synthetic function name carried on approval
// request messages.
const RequestApprovalFunction = "client.requestApproval"

// Approval option tokens (the canonical wire vocabulary).
const (
	OptionDeny           = "deny"
	OptionApproveOnce    = "approve_once"
	OptionApproveSession = "approve_session"
)

// MessageFrame is the wire shape of a finalized message.
type MessageFrame struct {
	Type             string         `json:"type"`
	MessageID        string         `json:"messageId"`
	Sender           string         `json:"sender"`
	Content          string         `json:"content"`
	CreatedAt        time.Time      `json:"createdAt"`
	ChatID           string         `json:"chatId,omitempty"`
	ReplyToMessageID string         `json:"replyToMessageId,omitempty"`
	ToolCalls        []bus.ToolCall `json:"tool_calls,omitempty"`
}

// SSEFrame is the wire shape of a streaming event.
type SSEFrame struct {
	Type      string     `json:"type"`
	Phase     string     `json:"phase"`
	AgentName string     `json:"agentName"`
	MessageID string     `json:"messageId"`
	Content   string     `json:"content,omitempty"`
	Error     string     `json:"error,omitempty"`
	Usage     *bus.Usage `json:"usage,omitempty"`
}

// SystemFrame is the wire shape of a system notification.
type SystemFrame struct {
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	ChatID    string    `json:"chatId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode shapes a bus event into its wire frame.
func Encode(ev bus.Event) ([]byte, error) {
	switch ev.Kind {
	case bus.KindMessage:
		m := ev.Message
		return json.Marshal(MessageFrame{
			Type:             "message",
			MessageID:        m.MessageID,
			Sender:           m.Sender,
			Content:          m.Content,
			CreatedAt:        m.CreatedAt,
			ChatID:           m.ChatID,
			ReplyToMessageID: m.ReplyToMessageID,
			ToolCalls:        m.ToolCalls,
		})
	case bus.KindSSE:
		s := ev.SSE
		return json.Marshal(SSEFrame{
			Type:      "sse",
			Phase:     s.Phase,
			AgentName: s.AgentName,
			MessageID: s.MessageID,
			Content:   s.Content,
			Error:     s.Error,
			Usage:     s.Usage,
		})
	case bus.KindSystem:
		s := ev.System
		return json.Marshal(SystemFrame{
			Type:      "system",
			Category:  s.Category,
			Content:   s.Content,
			ChatID:    s.ChatID,
			Timestamp: s.Timestamp,
		})
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// Decode parses an inbound frame into a bus event. Only message frames are
// accepted inbound; streaming and system frames are server-originated.
func Decode(data []byte) (bus.Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return bus.Event{}, fmt.Errorf("parse frame: %w", err)
	}
	switch head.Type {
	case "message":
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return bus.Event{}, fmt.Errorf("parse message frame: %w", err)
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		return bus.NewMessageEvent(bus.MessageEvent{
			Content:          f.Content,
			Sender:           f.Sender,
			MessageID:        f.MessageID,
			ChatID:           f.ChatID,
			ReplyToMessageID: f.ReplyToMessageID,
			ToolCalls:        f.ToolCalls,
			CreatedAt:        f.CreatedAt,
		}), nil
	default:
		return bus.Event{}, fmt.Errorf("inbound frame type %q not accepted", head.Type)
	}
}

// Decision is a normalized approval decision.
type Decision struct {
	Approve          bool
	Scope            string // "once" or "session"; meaningful when Approve
	Cancelled        bool
	ToolName         string
	ToolArgs         map[string]interface{}
	WorkingDirectory string
}

// ToolResultEnvelope is the parsed enhanced tool-result payload that clients
// send in response to an approval request.
type ToolResultEnvelope struct {
	ToolCallID string
	AgentID    string
	Decision   Decision
}

type rawEnvelope struct {
	Type       string `json:"__type"`
	ToolCallID string `json:"tool_call_id"`
	AgentID    string `json:"agentId"`
	Content    string `json:"content"`
}

type rawDecision struct {
	Decision         string                 `json:"decision"`
	Scope            string                 `json:"scope,omitempty"`
	ToolName         string                 `json:"toolName,omitempty"`
	ToolArgs         map[string]interface{} `json:"toolArgs,omitempty"`
	WorkingDirectory string                 `json:"workingDirectory,omitempty"`
}

// IsToolResultEnvelope quickly tests message content for the envelope shape.
func IsToolResultEnvelope(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"__type"`) &&
		strings.Contains(trimmed, `"tool_result"`)
}

// ParseToolResultEnvelope parses an enhanced tool-result envelope. Both the
// wire vocabulary (deny/approve_once/approve_session, or decision+scope) and
// the UI vocabulary (Cancel/Once/Always) are accepted; the normalized
// decision is returned.
func ParseToolResultEnvelope(content string) (*ToolResultEnvelope, bool) {
	var raw rawEnvelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return nil, false
	}
	if raw.Type != "tool_result" || raw.ToolCallID == "" {
		return nil, false
	}

	var rd rawDecision
	if err := json.Unmarshal([]byte(raw.Content), &rd); err != nil {
		// A bare decision token is tolerated.
		rd.Decision = strings.TrimSpace(raw.Content)
	}

	decision := Decision{
		ToolName:         rd.ToolName,
		ToolArgs:         rd.ToolArgs,
		WorkingDirectory: rd.WorkingDirectory,
	}
	switch strings.ToLower(strings.TrimSpace(rd.Decision)) {
	case "approve":
		decision.Approve = true
		decision.Scope = normalizeScope(rd.Scope)
	case OptionApproveOnce, "once":
		decision.Approve = true
		decision.Scope = "once"
	case OptionApproveSession, "always", "session":
		decision.Approve = true
		decision.Scope = "session"
	case OptionDeny:
		// Approve stays false.
	case "cancel":
		decision.Cancelled = true
	default:
		return nil, false
	}

	return &ToolResultEnvelope{
		ToolCallID: raw.ToolCallID,
		AgentID:    raw.AgentID,
		Decision:   decision,
	}, true
}

func normalizeScope(scope string) string {
	if strings.EqualFold(scope, "session") || strings.EqualFold(scope, "always") {
		return "session"
	}
	return "once"
}

// BuildToolResultEnvelope serializes a decision into the envelope string a
// client publishes as message content.
func BuildToolResultEnvelope(toolCallID, agentID string, d Decision) (string, error) {
	rd := rawDecision{
		ToolName:         d.ToolName,
		ToolArgs:         d.ToolArgs,
		WorkingDirectory: d.WorkingDirectory,
	}
	switch {
	case d.Cancelled:
		rd.Decision = "cancel"
	case d.Approve:
		rd.Decision = "approve"
		rd.Scope = normalizeScope(d.Scope)
	default:
		rd.Decision = "deny"
	}
	inner, err := json.Marshal(rd)
	if err != nil {
		return "", err
	}
	outer, err := json.Marshal(rawEnvelope{
		Type:       "tool_result",
		ToolCallID: toolCallID,
		AgentID:    agentID,
		Content:    string(inner),
	})
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

// BuildApprovalRequest shapes the synthetic message event asking a human to
// approve a tool call.
func BuildApprovalRequest(toolCallID, agentID, agentName, chatID, toolName string, args map[string]interface{}, workingDir, messageID string) bus.MessageEvent {
	requestArgs := map[string]interface{}{
		"originalToolCall": map[string]interface{}{
			"name": toolName,
			"args": args,
		},
		"message": fmt.Sprintf("%s wants to run %s. Allow?", agentName, toolName),
		"options": []string{OptionDeny, OptionApproveOnce, OptionApproveSession},
	}
	if workingDir != "" {
		requestArgs["workingDirectory"] = workingDir
	}
	return bus.MessageEvent{
		Content:   fmt.Sprintf("Approval required for tool %s", toolName),
		Sender:    agentName,
		MessageID: messageID,
		ChatID:    chatID,
		ToolCalls: []bus.ToolCall{{
			ID:        toolCallID,
			Name:      RequestApprovalFunction,
			Arguments: requestArgs,
		}},
		CreatedAt: time.Now().UTC(),
	}
}
