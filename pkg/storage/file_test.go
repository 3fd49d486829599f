package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yysun/agent-world/pkg/world"
)

func newFileStore(t *testing.T) *FileStorage {
	t.Helper()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	return fs
}

func testWorld(id string) *world.World {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	return &world.World{
		ID:        id,
		Name:      id,
		TurnLimit: 5,
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-5-20250929",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorldRoundTrip(t *testing.T) {
	fs := newFileStore(t)
	w := testWorld("my-world")
	w.Description = "a test world"

	if err := fs.SaveWorld(w); err != nil {
		t.Fatalf("SaveWorld: %v", err)
	}

	loaded, err := fs.LoadWorld("my-world")
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected world, got nil")
	}

	first, err := os.ReadFile(filepath.Join(fs.root, "my-world", "config.json"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if err := fs.SaveWorld(loaded); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(fs.root, "my-world", "config.json"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("Expected byte-identical config after save/load/save.\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestLoadWorld_Absent(t *testing.T) {
	fs := newFileStore(t)
	w, err := fs.LoadWorld("nope")
	if err != nil {
		t.Fatalf("Expected no error for absent world, got %v", err)
	}
	if w != nil {
		t.Error("Expected nil for absent world")
	}
}

func TestAgentRoundTrip_PromptSplit(t *testing.T) {
	fs := newFileStore(t)
	if err := fs.SaveWorld(testWorld("w1")); err != nil {
		t.Fatalf("SaveWorld: %v", err)
	}

	a := &world.Agent{
		ID:           "a1",
		Name:         "a1",
		Provider:     "openai",
		Model:        "gpt-4o",
		SystemPrompt: "You are a1, the summarizer.",
		CreatedAt:    time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		LastActive:   time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	memory := []world.AgentMessage{
		{Role: world.RoleUser, Content: "hello", Sender: "HUMAN", MessageID: "m1", ChatID: "c1", CreatedAt: a.CreatedAt},
	}

	if err := fs.SaveAgent("w1", a, memory); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	// The prompt must live in its own file and stay out of config.json.
	cfgData, err := os.ReadFile(filepath.Join(fs.root, "w1", "agents", "a1", "config.json"))
	if err != nil {
		t.Fatalf("read agent config: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(cfgData, &raw); err != nil {
		t.Fatalf("parse agent config: %v", err)
	}
	for key := range raw {
		if key == "system_prompt" || key == "systemPrompt" {
			t.Error("Expected system prompt stripped from config.json")
		}
	}
	promptData, err := os.ReadFile(filepath.Join(fs.root, "w1", "agents", "a1", "system-prompt.md"))
	if err != nil {
		t.Fatalf("read prompt file: %v", err)
	}
	if string(promptData) != a.SystemPrompt {
		t.Errorf("Expected prompt %q, got %q", a.SystemPrompt, promptData)
	}

	loaded, loadedMem, err := fs.LoadAgent("w1", "a1")
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if loaded.SystemPrompt != a.SystemPrompt {
		t.Errorf("Expected rejoined prompt %q, got %q", a.SystemPrompt, loaded.SystemPrompt)
	}
	if len(loadedMem) != 1 || loadedMem[0].MessageID != "m1" {
		t.Errorf("Unexpected memory after load: %+v", loadedMem)
	}
}

func TestLoadAgent_MissingPromptYieldsDefault(t *testing.T) {
	fs := newFileStore(t)
	fs.SaveWorld(testWorld("w1"))
	a := &world.Agent{ID: "a1", Name: "a1"}
	if err := fs.SaveAgent("w1", a, nil); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := os.Remove(filepath.Join(fs.root, "w1", "agents", "a1", "system-prompt.md")); err != nil {
		t.Fatalf("remove prompt: %v", err)
	}

	loaded, _, err := fs.LoadAgent("w1", "a1")
	if err != nil {
		t.Fatalf("Expected no error for missing prompt file, got %v", err)
	}
	if loaded.ResolvedPrompt() != world.DefaultSystemPrompt {
		t.Errorf("Expected default prompt, got %q", loaded.ResolvedPrompt())
	}
}

func TestLoadAgent_LegacyMemoryFormat(t *testing.T) {
	fs := newFileStore(t)
	fs.SaveWorld(testWorld("w1"))
	fs.SaveAgent("w1", &world.Agent{ID: "a1", Name: "Agent One"}, nil)

	// Older versions stored memory keyed by agent name.
	legacy := `{"Agent One": [{"role":"assistant","content":"hi","message_id":"m1","chat_id":"c1","created_at":"2026-07-01T12:00:00Z"}]}`
	path := filepath.Join(fs.root, "w1", "agents", "a1", "memory.json")
	if err := os.WriteFile(path, []byte(legacy), 0644); err != nil {
		t.Fatalf("write legacy memory: %v", err)
	}

	_, memory, err := fs.LoadAgent("w1", "a1")
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if len(memory) != 1 {
		t.Fatalf("Expected 1 migrated entry, got %d", len(memory))
	}
	if memory[0].AgentID != "a1" {
		t.Errorf("Expected legacy assistant entry normalized to agent id, got %q", memory[0].AgentID)
	}

	// Migration writes the flat form on the next save.
	if err := fs.SaveAgentMemory("w1", "a1", memory); err != nil {
		t.Fatalf("SaveAgentMemory: %v", err)
	}
	data, _ := os.ReadFile(path)
	var flat []world.AgentMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Errorf("Expected flat list after migration save, got parse error: %v", err)
	}
}

func TestListAgents_SortedByName(t *testing.T) {
	fs := newFileStore(t)
	fs.SaveWorld(testWorld("w1"))
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		fs.SaveAgent("w1", &world.Agent{ID: name, Name: name}, nil)
	}
	agents, err := fs.ListAgents("w1")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, a := range agents {
		if a.Name != want[i] {
			t.Errorf("Expected agent %d to be %s, got %s", i, want[i], a.Name)
		}
	}
}

func TestListChats_SortedByUpdatedAtDesc(t *testing.T) {
	fs := newFileStore(t)
	fs.SaveWorld(testWorld("w1"))
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		fs.SaveChat("w1", &world.Chat{
			ID:        id,
			Name:      id,
			CreatedAt: base,
			UpdatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	chats, err := fs.ListChats("w1")
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	want := []string{"c3", "c2", "c1"}
	for i, c := range chats {
		if c.ID != want[i] {
			t.Errorf("Expected chat %d to be %s, got %s", i, want[i], c.ID)
		}
	}
}

func TestDeleteWorld_Cascades(t *testing.T) {
	fs := newFileStore(t)
	fs.SaveWorld(testWorld("w1"))
	fs.SaveAgent("w1", &world.Agent{ID: "a1", Name: "a1"}, nil)
	fs.SaveChat("w1", &world.Chat{ID: "c1", Name: "c1"})

	if err := fs.DeleteWorld("w1"); err != nil {
		t.Fatalf("DeleteWorld: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fs.root, "w1")); !os.IsNotExist(err) {
		t.Error("Expected world tree removed")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	fs := newFileStore(t)
	fs.SaveWorld(testWorld("w1"))
	fs.SaveChat("w1", &world.Chat{ID: "c1", Name: "c1"})

	wc := &world.WorldChat{
		World:   *testWorld("w1"),
		Prompts: map[string]string{"a1": "prompt"},
		Metadata: world.SnapshotMetadata{
			SchemaVersion: world.SnapshotSchemaVersion,
			CapturedAt:    time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	if err := fs.SaveWorldChat("w1", "c1", wc); err != nil {
		t.Fatalf("SaveWorldChat: %v", err)
	}
	loaded, err := fs.LoadWorldChat("w1", "c1")
	if err != nil {
		t.Fatalf("LoadWorldChat: %v", err)
	}
	if loaded == nil || loaded.Prompts["a1"] != "prompt" {
		t.Errorf("Unexpected snapshot after round trip: %+v", loaded)
	}
}

func TestValidateAndRepair(t *testing.T) {
	fs := newFileStore(t)
	w := testWorld("w1")
	w.CurrentChatID = "missing-chat"
	fs.SaveWorld(w)
	fs.SaveAgent("w1", &world.Agent{ID: "a1", Name: "a1"}, nil)
	os.Remove(filepath.Join(fs.root, "w1", "agents", "a1", "system-prompt.md"))

	issues, err := fs.ValidateWorld("w1")
	if err != nil {
		t.Fatalf("ValidateWorld: %v", err)
	}
	if len(issues) < 2 {
		t.Errorf("Expected issues for missing prompt and dangling chat, got %v", issues)
	}

	actions, err := fs.RepairWorld("w1")
	if err != nil {
		t.Fatalf("RepairWorld: %v", err)
	}
	if len(actions) == 0 {
		t.Error("Expected repair actions")
	}

	issues, _ = fs.ValidateWorld("w1")
	if len(issues) != 0 {
		t.Errorf("Expected clean validation after repair, got %v", issues)
	}
}

func TestArchiveAgentMemory(t *testing.T) {
	fs := newFileStore(t)
	fs.SaveWorld(testWorld("w1"))
	memory := []world.AgentMessage{{Role: world.RoleUser, Content: "hi", MessageID: "m1"}}
	fs.SaveAgent("w1", &world.Agent{ID: "a1", Name: "a1"}, memory)

	if err := fs.ArchiveAgentMemory("w1", "a1"); err != nil {
		t.Fatalf("ArchiveAgentMemory: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(fs.root, "w1", "agents", "a1", "archive"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one archive file, got %v (%v)", entries, err)
	}

	// Live memory stays untouched.
	_, mem, _ := fs.LoadAgent("w1", "a1")
	if len(mem) != 1 {
		t.Errorf("Expected live memory unchanged, got %d entries", len(mem))
	}
}
