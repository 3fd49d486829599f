package approval

import (
	"testing"
	"time"

	"github.com/yysun/agent-world/pkg/wire"
)

func TestKey_ShellIncludesWorkingDir(t *testing.T) {
	args := map[string]interface{}{"cmd": "ls"}

	k1 := Key("shell_cmd", args, "/home/user")
	k2 := Key("shell_cmd", args, "/home/user")
	if k1 != k2 {
		t.Error("Expected identical shell calls to share a key")
	}

	k3 := Key("shell_cmd", args, "/srv")
	if k1 == k3 {
		t.Error("Expected different working directories to produce different keys")
	}

	k4 := Key("shell_cmd", map[string]interface{}{"cmd": "rm -rf /tmp/x"}, "/home/user")
	if k1 == k4 {
		t.Error("Expected different commands to produce different keys")
	}
}

func TestKey_GenericHashesCanonicalArgs(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": map[string]interface{}{"b": 2, "a": 1}}
	b := map[string]interface{}{"y": map[string]interface{}{"a": 1, "b": 2}, "x": 1}

	if Key("some_tool", a, "") != Key("some_tool", b, "") {
		t.Error("Expected key ordering not to affect the canonical hash")
	}

	c := map[string]interface{}{"x": 2, "y": map[string]interface{}{"a": 1, "b": 2}}
	if Key("some_tool", a, "") == Key("some_tool", c, "") {
		t.Error("Expected different arguments to produce different keys")
	}

	if Key("tool_a", a, "") == Key("tool_b", a, "") {
		t.Error("Expected tool name to be part of the key")
	}
}

func TestSessionCache_PerChat(t *testing.T) {
	e := NewEngine("w1")
	key := Key("shell_cmd", map[string]interface{}{"cmd": "ls"}, "/home")

	if e.IsApproved("chat-1", key) {
		t.Fatal("Expected no grant before caching")
	}
	e.CacheApproval("chat-1", key)
	if !e.IsApproved("chat-1", key) {
		t.Error("Expected grant after caching")
	}
	if e.IsApproved("chat-2", key) {
		t.Error("Expected grant scoped to its chat")
	}

	other := Key("shell_cmd", map[string]interface{}{"cmd": "ls"}, "/srv")
	if e.IsApproved("chat-1", other) {
		t.Error("Expected different key to need its own approval")
	}

	e.EndChat("chat-1")
	if e.IsApproved("chat-1", key) {
		t.Error("Expected grants cleared when the chat ends")
	}
}

func TestRegisterResolve(t *testing.T) {
	e := NewEngine("w1")
	ch := e.Register("call-1", "a1")

	if agentID, ok := e.AgentFor("call-1"); !ok || agentID != "a1" {
		t.Errorf("Expected pending call linked to a1, got %q (%v)", agentID, ok)
	}

	ok := e.Resolve(&wire.ToolResultEnvelope{
		ToolCallID: "call-1",
		AgentID:    "a1",
		Decision:   wire.Decision{Approve: true, Scope: "session"},
	})
	if !ok {
		t.Fatal("Expected resolve to find the pending call")
	}

	select {
	case d := <-ch:
		if !d.Approve || d.Scope != "session" {
			t.Errorf("Unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected decision delivered")
	}

	// A second resolve for the same id finds nothing.
	if e.Resolve(&wire.ToolResultEnvelope{ToolCallID: "call-1"}) {
		t.Error("Expected resolved call to be gone")
	}
}

func TestResolve_UnknownCall(t *testing.T) {
	e := NewEngine("w1")
	if e.Resolve(&wire.ToolResultEnvelope{ToolCallID: "nope"}) {
		t.Error("Expected resolve of unknown call to report false")
	}
}

func TestCancelAll(t *testing.T) {
	e := NewEngine("w1")
	ch1 := e.Register("call-1", "a1")
	ch2 := e.Register("call-2", "a2")

	e.CancelAll()

	for _, ch := range []<-chan wire.Decision{ch1, ch2} {
		select {
		case d := <-ch:
			if !d.Cancelled {
				t.Errorf("Expected cancelled decision, got %+v", d)
			}
		case <-time.After(time.Second):
			t.Fatal("Expected cancellation delivered")
		}
	}
}

func TestTrusted(t *testing.T) {
	e := NewEngine("w1")
	for _, name := range []string{"think", "read_file", "list_dir"} {
		if !e.IsTrusted(name) {
			t.Errorf("Expected %s trusted by default", name)
		}
	}
	if e.IsTrusted("shell_cmd") {
		t.Error("Expected shell_cmd to require approval")
	}
	e.Trust("my_tool")
	if !e.IsTrusted("my_tool") {
		t.Error("Expected Trust to register the tool")
	}
}
