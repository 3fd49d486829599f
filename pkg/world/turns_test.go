package world

import "testing"

func TestTurnController_Limit(t *testing.T) {
	tc := NewTurnController(3)
	chat := "chat-1"

	tc.OnHuman(chat, "Everyone keep talking.")
	for i := 0; i < 3; i++ {
		if !tc.Allow(chat) {
			t.Fatalf("Expected turn %d to be allowed", i+1)
		}
		tc.OnAgent(chat)
	}
	if tc.Allow(chat) {
		t.Error("Expected turn budget to be exhausted after 3 agent turns")
	}
	if tc.Count(chat) != 3 {
		t.Errorf("Expected count 3, got %d", tc.Count(chat))
	}
}

func TestTurnController_HumanResets(t *testing.T) {
	tc := NewTurnController(2)
	chat := "chat-1"

	tc.OnAgent(chat)
	tc.OnAgent(chat)
	if tc.Allow(chat) {
		t.Fatal("Expected budget exhausted")
	}

	tc.OnHuman(chat, "carry on")
	if !tc.Allow(chat) {
		t.Error("Expected human message to reset the counter")
	}
	if tc.Count(chat) != 0 {
		t.Errorf("Expected count 0 after reset, got %d", tc.Count(chat))
	}
}

func TestTurnController_PassDirective(t *testing.T) {
	tc := NewTurnController(5)
	chat := "chat-1"

	tc.OnHuman(chat, "please "+PassDirective+" for now")
	if tc.Allow(chat) {
		t.Error("Expected pass directive to halt agent responses")
	}
	if tc.Count(chat) != 0 {
		t.Errorf("Expected counter unchanged by pass directive, got %d", tc.Count(chat))
	}

	tc.OnHuman(chat, "ok, go ahead")
	if !tc.Allow(chat) {
		t.Error("Expected next human message to clear the pass directive")
	}
}

func TestTurnController_PerChatIsolation(t *testing.T) {
	tc := NewTurnController(1)

	tc.OnAgent("chat-a")
	if tc.Allow("chat-a") {
		t.Error("Expected chat-a budget exhausted")
	}
	if !tc.Allow("chat-b") {
		t.Error("Expected chat-b unaffected by chat-a turns")
	}
}

func TestTurnController_DefaultLimit(t *testing.T) {
	tc := NewTurnController(0)
	chat := "chat-1"
	for i := 0; i < DefaultTurnLimit; i++ {
		if !tc.Allow(chat) {
			t.Fatalf("Expected turn %d allowed under default limit", i+1)
		}
		tc.OnAgent(chat)
	}
	if tc.Allow(chat) {
		t.Error("Expected default limit to apply when constructed with 0")
	}
}

func TestToKebab(t *testing.T) {
	cases := []struct{ in, want string }{
		{"My World", "my-world"},
		{"  Hello   There  ", "hello-there"},
		{"Already-Kebab", "already-kebab"},
		{"a1", "a1"},
		{"Weird!!Chars##", "weird-chars"},
	}
	for _, tc := range cases {
		if got := ToKebab(tc.in); got != tc.want {
			t.Errorf("ToKebab(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestValidID(t *testing.T) {
	for _, id := range []string{"a1", "my-world", "agent-2"} {
		if !ValidID(id) {
			t.Errorf("Expected %q to be valid", id)
		}
	}
	for _, id := range []string{"", "My-World", "-lead", "trail-", "a--b", "a b"} {
		if ValidID(id) {
			t.Errorf("Expected %q to be invalid", id)
		}
	}
}
