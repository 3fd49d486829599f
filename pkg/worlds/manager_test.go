package worlds

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/providers"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/wire"
	"github.com/yysun/agent-world/pkg/world"
)

// stubProvider scripts responses per model name. Each call pops the next
// scripted response; the last scripted response repeats once it is the only
// one left, and a model with no script gets "ok".
type stubProvider struct {
	mu      sync.Mutex
	scripts map[string][]stubResponse
}

type stubResponse struct {
	content   string
	toolCalls []providers.ToolCall
}

func newStubProvider() *stubProvider {
	return &stubProvider{scripts: make(map[string][]stubResponse)}
}

func (s *stubProvider) script(model string, responses ...stubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[model] = append(s.scripts[model], responses...)
}

func (s *stubProvider) next(model string) stubResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.scripts[model]
	if len(script) == 0 {
		return stubResponse{content: "ok"}
	}
	resp := script[0]
	if len(script) > 1 {
		s.scripts[model] = script[1:]
	}
	return resp
}

func (s *stubProvider) StreamChat(ctx context.Context, cfg providers.Config, messages []providers.Message, tools []providers.ToolDefinition) (<-chan providers.Chunk, error) {
	resp := s.next(cfg.Model)
	out := make(chan providers.Chunk, len(resp.toolCalls)+4)
	go func() {
		defer close(out)
		if resp.content != "" {
			out <- providers.Chunk{Kind: providers.ChunkContent, Delta: resp.content}
		}
		for i := range resp.toolCalls {
			tc := resp.toolCalls[i]
			out <- providers.Chunk{Kind: providers.ChunkToolCall, ToolCall: &tc}
		}
		out <- providers.Chunk{Kind: providers.ChunkUsage, Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
		out <- providers.Chunk{Kind: providers.ChunkEnd}
	}()
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *stubProvider) {
	t.Helper()
	cfg := &config.Config{DataPath: t.TempDir(), Storage: "memory"}
	mgr := NewManager(cfg, storage.NewMemoryStorage())
	stub := newStubProvider()
	mgr.SetProviderFactory(func(providers.Config) (providers.Provider, error) {
		return stub, nil
	})
	t.Cleanup(mgr.Close)
	return mgr, stub
}

// newTestWorld creates a world with three agents a1..a3, each scripted via
// its model name.
func newTestWorld(t *testing.T, mgr *Manager, turnLimit int) *Handle {
	t.Helper()
	h, err := mgr.CreateWorld("test world", "", func(w *world.World) {
		w.TurnLimit = turnLimit
		w.Provider = "anthropic"
	})
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	for _, name := range []string{"a1", "a2", "a3"} {
		_, err := h.CreateAgent(name, "you are "+name, func(a *world.Agent) {
			a.Model = "model-" + name
		})
		if err != nil {
			t.Fatalf("CreateAgent %s: %v", name, err)
		}
	}
	return h
}

// collectAgentMessages gathers agent-authored message events until the
// window closes without new ones.
func collectAgentMessages(sub *bus.Subscription, quiet time.Duration, max int) []*bus.MessageEvent {
	var msgs []*bus.MessageEvent
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return msgs
			}
			if ev.Kind != bus.KindMessage || ev.Message == nil {
				continue
			}
			m := ev.Message
			if world.IsHumanSender(m.Sender) || wire.IsToolResultEnvelope(m.Content) {
				continue
			}
			if len(m.ToolCalls) > 0 && m.ToolCalls[0].Name == wire.RequestApprovalFunction {
				continue
			}
			msgs = append(msgs, m)
			if max > 0 && len(msgs) >= max {
				return msgs
			}
		case <-time.After(quiet):
			return msgs
		}
	}
}

func waitForMemory(t *testing.T, h *Handle, agentID, messageID string) []world.AgentMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mem, err := h.AgentMemory(agentID)
		if err != nil {
			t.Fatalf("AgentMemory: %v", err)
		}
		for _, m := range mem {
			if m.MessageID == messageID {
				return mem
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	mem, _ := h.AgentMemory(agentID)
	t.Fatalf("Timed out waiting for %s in %s memory; have %d entries", messageID, agentID, len(mem))
	return nil
}

func TestScenario_Broadcast(t *testing.T) {
	mgr, _ := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	msgID := h.PublishHuman("Hello team!")

	replies := collectAgentMessages(sub, time.Second, 3)
	if len(replies) != 3 {
		t.Fatalf("Expected 3 agent replies, got %d", len(replies))
	}
	senders := make(map[string]bool)
	for _, m := range replies {
		senders[m.Sender] = true
		if m.ReplyToMessageID != msgID {
			t.Errorf("Expected reply linkage to %s, got %s", msgID, m.ReplyToMessageID)
		}
	}
	for _, name := range []string{"a1", "a2", "a3"} {
		if !senders[name] {
			t.Errorf("Expected a reply from %s", name)
		}
	}
}

func TestScenario_DirectMention(t *testing.T) {
	mgr, _ := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	msgID := h.PublishHuman("@a1 Please summarize.")

	replies := collectAgentMessages(sub, time.Second, 0)
	if len(replies) != 1 || replies[0].Sender != "a1" {
		t.Fatalf("Expected exactly one reply from a1, got %+v", replies)
	}

	// Passive memory: a2 and a3 hold the human message with no own reply.
	for _, id := range []string{"a2", "a3"} {
		mem := waitForMemory(t, h, id, msgID)
		for _, m := range mem {
			if m.AgentID == id && m.Role == world.RoleAssistant {
				t.Errorf("Expected no assistant reply in %s memory, found %+v", id, m)
			}
		}
	}
}

func TestScenario_ParagraphMention(t *testing.T) {
	mgr, _ := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	h.PublishHuman("Here is an update.\n@a2 Please react.")

	replies := collectAgentMessages(sub, time.Second, 0)
	if len(replies) != 1 || replies[0].Sender != "a2" {
		t.Fatalf("Expected exactly one reply from a2, got %d replies", len(replies))
	}
}

func TestScenario_MidTextMention(t *testing.T) {
	mgr, _ := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	msgID := h.PublishHuman("Great work, let's loop in @a3 later.")

	replies := collectAgentMessages(sub, time.Second, 0)
	if len(replies) != 0 {
		t.Fatalf("Expected zero replies to mid-text mention, got %d", len(replies))
	}

	// All three memories contain the human message exactly once.
	for _, id := range []string{"a1", "a2", "a3"} {
		mem := waitForMemory(t, h, id, msgID)
		count := 0
		for _, m := range mem {
			if m.MessageID == msgID {
				count++
			}
		}
		if count != 1 {
			t.Errorf("Expected %s to hold the message exactly once, got %d", id, count)
		}
	}
}

func TestScenario_PassDirective(t *testing.T) {
	mgr, _ := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	h.PublishHuman("<world>pass</world>")

	replies := collectAgentMessages(sub, time.Second, 0)
	if len(replies) != 0 {
		t.Fatalf("Expected zero replies after pass directive, got %d", len(replies))
	}

	// The next human message lifts the pass.
	h.PublishHuman("Hello again!")
	replies = collectAgentMessages(sub, time.Second, 3)
	if len(replies) != 3 {
		t.Errorf("Expected replies to resume after next human message, got %d", len(replies))
	}
}

func TestScenario_TurnLimit(t *testing.T) {
	mgr, stub := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	// Each agent's reply mentions the next, forming a loop the turn limit
	// must cut.
	stub.script("model-a1", stubResponse{content: "@a2 keep talking"})
	stub.script("model-a2", stubResponse{content: "@a3 keep talking"})
	stub.script("model-a3", stubResponse{content: "@a1 keep talking"})

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	h.PublishHuman("@a1 Everyone keep talking.")

	replies := collectAgentMessages(sub, 2*time.Second, 0)
	if len(replies) != 5 {
		t.Fatalf("Expected exactly 5 agent messages under turnLimit=5, got %d", len(replies))
	}
}

func TestScenario_ApprovalOnce(t *testing.T) {
	mgr, stub := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	call1 := providers.ToolCall{ID: "call-1", Name: "shell_cmd", Arguments: map[string]interface{}{"cmd": "ls"}}
	call2 := providers.ToolCall{ID: "call-2", Name: "shell_cmd", Arguments: map[string]interface{}{"cmd": "ls"}}
	stub.script("model-a1",
		stubResponse{toolCalls: []providers.ToolCall{call1}},
		stubResponse{content: "first done"},
		stubResponse{toolCalls: []providers.ToolCall{call2}},
		stubResponse{content: "second done"},
	)

	requests := approveAll(t, h, "once")

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	h.PublishHuman("@a1 run ls")
	first := collectAgentMessages(sub, 2*time.Second, 1)
	if len(first) != 1 || first[0].Content != "first done" {
		t.Fatalf("Expected first turn to finish, got %+v", first)
	}

	h.PublishHuman("@a1 run ls again")
	second := collectAgentMessages(sub, 2*time.Second, 1)
	if len(second) != 1 || second[0].Content != "second done" {
		t.Fatalf("Expected second turn to finish, got %+v", second)
	}

	if n := requests(); n != 2 {
		t.Errorf("Expected approve-once to re-prompt on the identical call, got %d requests", n)
	}

	// The tool result landed in a1's memory.
	mem, _ := h.AgentMemory("a1")
	toolResults := 0
	for _, m := range mem {
		if m.Role == world.RoleTool {
			toolResults++
		}
	}
	if toolResults != 2 {
		t.Errorf("Expected 2 tool results in memory, got %d", toolResults)
	}
}

func TestScenario_ApprovalSession(t *testing.T) {
	mgr, stub := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	same1 := providers.ToolCall{ID: "call-1", Name: "shell_cmd", Arguments: map[string]interface{}{"cmd": "ls"}}
	same2 := providers.ToolCall{ID: "call-2", Name: "shell_cmd", Arguments: map[string]interface{}{"cmd": "ls"}}
	different := providers.ToolCall{ID: "call-3", Name: "shell_cmd", Arguments: map[string]interface{}{"cmd": "pwd"}}
	stub.script("model-a1",
		stubResponse{toolCalls: []providers.ToolCall{same1}},
		stubResponse{content: "first done"},
		stubResponse{toolCalls: []providers.ToolCall{same2}},
		stubResponse{content: "second done"},
		stubResponse{toolCalls: []providers.ToolCall{different}},
		stubResponse{content: "third done"},
	)

	requests := approveAll(t, h, "session")

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	for i, want := range []string{"first done", "second done", "third done"} {
		h.PublishHuman("@a1 go")
		replies := collectAgentMessages(sub, 2*time.Second, 1)
		if len(replies) != 1 || replies[0].Content != want {
			t.Fatalf("Turn %d: expected %q, got %+v", i+1, want, replies)
		}
	}

	// Same key cached by the session grant; the different cmd prompts anew.
	if n := requests(); n != 2 {
		t.Errorf("Expected 2 approval requests (first call + different cmd), got %d", n)
	}
}

func TestScenario_Denial(t *testing.T) {
	mgr, stub := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	call := providers.ToolCall{ID: "call-1", Name: "shell_cmd", Arguments: map[string]interface{}{"cmd": "rm -rf /"}}
	stub.script("model-a1",
		stubResponse{toolCalls: []providers.ToolCall{call}},
		stubResponse{content: "acknowledged"},
	)

	approveAll(t, h, "deny")

	sub := h.Subscribe(bus.TopicMessage)
	defer sub.Cancel()

	h.PublishHuman("@a1 clean up")
	replies := collectAgentMessages(sub, 2*time.Second, 1)
	if len(replies) != 1 || replies[0].Content != "acknowledged" {
		t.Fatalf("Expected agent to continue after denial, got %+v", replies)
	}

	mem, _ := h.AgentMemory("a1")
	found := false
	for _, m := range mem {
		if m.Role == world.RoleTool && strings.Contains(m.Content, "denied") {
			found = true
		}
	}
	if !found {
		t.Error("Expected synthetic denial tool result in memory")
	}
}

// approveAll answers every approval request with the given decision
// ("once", "session" or "deny") and returns a counter of requests seen.
func approveAll(t *testing.T, h *Handle, mode string) func() int {
	t.Helper()
	sub := h.Subscribe(bus.TopicMessage)
	t.Cleanup(sub.Cancel)

	var mu sync.Mutex
	count := 0

	go func() {
		for ev := range sub.C {
			if ev.Kind != bus.KindMessage || ev.Message == nil {
				continue
			}
			var callID string
			for _, tc := range ev.Message.ToolCalls {
				if tc.Name == wire.RequestApprovalFunction {
					callID = tc.ID
				}
			}
			if callID == "" {
				continue
			}
			mu.Lock()
			count++
			mu.Unlock()

			decision := wire.Decision{}
			switch mode {
			case "once":
				decision.Approve = true
				decision.Scope = "once"
			case "session":
				decision.Approve = true
				decision.Scope = "session"
			}
			content, err := wire.BuildToolResultEnvelope(callID, "", decision)
			if err != nil {
				continue
			}
			h.PublishMessage(bus.MessageEvent{
				Content: content,
				Sender:  HumanSender,
				ChatID:  ev.Message.ChatID,
			})
		}
	}()

	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

func TestWorldLifecycle(t *testing.T) {
	mgr, _ := newTestManager(t)

	h, err := mgr.CreateWorld("My World", "demo", nil)
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	if h.WorldID() != "my-world" {
		t.Errorf("Expected kebab-cased id, got %s", h.WorldID())
	}

	if _, err := mgr.CreateWorld("My World", "", nil); err == nil {
		t.Error("Expected conflict creating duplicate world")
	}

	list, err := mgr.ListWorlds()
	if err != nil || len(list) != 1 {
		t.Fatalf("Expected one world listed, got %v (%v)", list, err)
	}

	if err := mgr.UpdateWorld("my-world", func(w *world.World) { w.TurnLimit = 2 }); err != nil {
		t.Fatalf("UpdateWorld: %v", err)
	}
	if h.World().TurnLimit != 2 {
		t.Errorf("Expected turn limit updated, got %d", h.World().TurnLimit)
	}

	if err := mgr.DeleteWorld("my-world"); err != nil {
		t.Fatalf("DeleteWorld: %v", err)
	}
	if _, err := mgr.GetWorld("my-world"); err == nil {
		t.Error("Expected NotFound after delete")
	}
}

func TestAgentLifecycle(t *testing.T) {
	mgr, _ := newTestManager(t)
	h := newTestWorld(t, mgr, 5)

	if _, err := h.CreateAgent("a1", "", nil); err == nil {
		t.Error("Expected conflict creating duplicate agent")
	}

	a, err := h.UpdateAgent("a1", func(a *world.Agent) { a.Temperature = 0.3 })
	if err != nil || a.Temperature != 0.3 {
		t.Errorf("Expected temperature update, got %+v (%v)", a, err)
	}

	if err := h.ClearAgentMemory("a1"); err != nil {
		t.Fatalf("ClearAgentMemory: %v", err)
	}
	mem, _ := h.AgentMemory("a1")
	if len(mem) != 0 {
		t.Errorf("Expected empty memory after clear, got %d entries", len(mem))
	}

	if err := h.DeleteAgent("a2"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := h.GetAgent("a2"); err == nil {
		t.Error("Expected NotFound for deleted agent")
	}
	if len(h.ListAgents()) != 2 {
		t.Errorf("Expected 2 agents after delete, got %d", len(h.ListAgents()))
	}
}

func TestWorldReload_SubscribesAgents(t *testing.T) {
	cfg := &config.Config{DataPath: t.TempDir(), Storage: "memory"}
	store := storage.NewMemoryStorage()

	mgr := NewManager(cfg, store)
	stub := newStubProvider()
	mgr.SetProviderFactory(func(providers.Config) (providers.Provider, error) { return stub, nil })

	h, err := mgr.CreateWorld("reload", "", nil)
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	if _, err := h.CreateAgent("a1", "", nil); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	mgr.Close()

	// A fresh manager over the same storage lazily reconstructs the world.
	mgr2 := NewManager(cfg, store)
	mgr2.SetProviderFactory(func(providers.Config) (providers.Provider, error) { return stub, nil })
	t.Cleanup(mgr2.Close)

	h2, err := mgr2.GetWorld("reload")
	if err != nil {
		t.Fatalf("GetWorld after reload: %v", err)
	}

	sub := h2.Subscribe(bus.TopicMessage)
	defer sub.Cancel()
	h2.PublishHuman("hello")

	replies := collectAgentMessages(sub, time.Second, 1)
	if len(replies) != 1 {
		t.Fatalf("Expected reloaded agent to respond, got %d replies", len(replies))
	}
}
