package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/yysun/agent-world/pkg/bus"
)

func TestEncode_MessageFrame(t *testing.T) {
	ev := bus.NewMessageEvent(bus.MessageEvent{
		Content:   "hello",
		Sender:    "a1",
		MessageID: "m1",
		ChatID:    "c1",
		CreatedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	})
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if frame["type"] != "message" || frame["messageId"] != "m1" || frame["sender"] != "a1" || frame["chatId"] != "c1" {
		t.Errorf("Unexpected frame: %v", frame)
	}
}

func TestEncode_SSEFrame(t *testing.T) {
	ev := bus.NewSSEEvent(bus.SSEEvent{
		AgentName: "a1",
		Phase:     bus.PhaseChunk,
		MessageID: "m1",
		Content:   "partial",
	})
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var frame map[string]interface{}
	json.Unmarshal(data, &frame)
	if frame["type"] != "sse" || frame["phase"] != "chunk" || frame["agentName"] != "a1" {
		t.Errorf("Unexpected frame: %v", frame)
	}
}

func TestDecode_MessageFrame(t *testing.T) {
	data := []byte(`{"type":"message","messageId":"m1","sender":"HUMAN","content":"hi","chatId":"c1"}`)
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != bus.KindMessage || ev.Message.Content != "hi" || ev.Message.Sender != "HUMAN" {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if ev.Message.CreatedAt.IsZero() {
		t.Error("Expected createdAt defaulted")
	}
}

func TestDecode_RejectsNonMessage(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"sse","phase":"chunk"}`)); err == nil {
		t.Error("Expected inbound sse frame rejected")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Expected malformed frame rejected")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	content, err := BuildToolResultEnvelope("call-1", "a1", Decision{
		Approve:  true,
		Scope:    "session",
		ToolName: "shell_cmd",
		ToolArgs: map[string]interface{}{"cmd": "ls"},
	})
	if err != nil {
		t.Fatalf("BuildToolResultEnvelope: %v", err)
	}

	if !IsToolResultEnvelope(content) {
		t.Fatal("Expected envelope recognized")
	}
	env, ok := ParseToolResultEnvelope(content)
	if !ok {
		t.Fatal("Expected envelope parsed")
	}
	if env.ToolCallID != "call-1" || env.AgentID != "a1" {
		t.Errorf("Unexpected envelope identity: %+v", env)
	}
	if !env.Decision.Approve || env.Decision.Scope != "session" {
		t.Errorf("Unexpected decision: %+v", env.Decision)
	}
	if env.Decision.ToolName != "shell_cmd" {
		t.Errorf("Expected tool name preserved, got %q", env.Decision.ToolName)
	}
}

func TestParseEnvelope_UIVocabulary(t *testing.T) {
	cases := []struct {
		decision  string
		approve   bool
		scope     string
		cancelled bool
	}{
		{"Cancel", false, "", true},
		{"Once", true, "once", false},
		{"Always", true, "session", false},
		{"deny", false, "", false},
		{"approve_once", true, "once", false},
		{"approve_session", true, "session", false},
	}
	for _, tc := range cases {
		inner, _ := json.Marshal(map[string]string{"decision": tc.decision})
		outer, _ := json.Marshal(map[string]string{
			"__type":       "tool_result",
			"tool_call_id": "call-1",
			"agentId":      "a1",
			"content":      string(inner),
		})
		env, ok := ParseToolResultEnvelope(string(outer))
		if !ok {
			t.Errorf("decision %q: expected parse", tc.decision)
			continue
		}
		if env.Decision.Approve != tc.approve || env.Decision.Scope != tc.scope || env.Decision.Cancelled != tc.cancelled {
			t.Errorf("decision %q: got %+v", tc.decision, env.Decision)
		}
	}
}

func TestParseEnvelope_RejectsRegularChat(t *testing.T) {
	for _, content := range []string{
		"hello world",
		`{"foo":"bar"}`,
		`{"__type":"something_else","tool_call_id":"x","content":"{}"}`,
	} {
		if _, ok := ParseToolResultEnvelope(content); ok {
			t.Errorf("Expected %q not to parse as envelope", content)
		}
	}
}

func TestBuildApprovalRequest(t *testing.T) {
	ev := BuildApprovalRequest("call-1", "a1", "Agent One", "c1", "shell_cmd",
		map[string]interface{}{"cmd": "ls"}, "/home", "m1")

	if len(ev.ToolCalls) != 1 {
		t.Fatalf("Expected one synthetic tool call, got %d", len(ev.ToolCalls))
	}
	tc := ev.ToolCalls[0]
	if tc.Name != RequestApprovalFunction || tc.ID != "call-1" {
		t.Errorf("Unexpected tool call: %+v", tc)
	}
	opts, ok := tc.Arguments["options"].([]string)
	if !ok || len(opts) != 3 || opts[0] != OptionDeny {
		t.Errorf("Unexpected options: %v", tc.Arguments["options"])
	}
	if tc.Arguments["workingDirectory"] != "/home" {
		t.Errorf("Expected working directory in request, got %v", tc.Arguments["workingDirectory"])
	}
	orig, ok := tc.Arguments["originalToolCall"].(map[string]interface{})
	if !ok || orig["name"] != "shell_cmd" {
		t.Errorf("Unexpected original tool call: %v", tc.Arguments["originalToolCall"])
	}
}
