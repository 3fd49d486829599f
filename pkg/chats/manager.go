// Package chats manages chat sessions within a world: create/switch/delete,
// auto-save of message events into the active chat, and the WorldChat
// snapshot/restore model.
package chats

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/world"
)

// Manager owns chat lifecycle for one world. The world config (which carries
// the active chat pointer) is shared with the world handle; all mutation goes
// through the manager's lock.
type Manager struct {
	store storage.Storage

	mu       sync.Mutex
	w        *world.World
	inFlight map[string]int // chatID -> agent turns in progress
}

// NewManager creates a chat manager bound to a world record.
func NewManager(store storage.Storage, w *world.World) *Manager {
	return &Manager{
		store:    store,
		w:        w,
		inFlight: make(map[string]int),
	}
}

// ActiveChatID returns the world's active chat id ("" when none).
func (m *Manager) ActiveChatID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.CurrentChatID
}

// World returns a copy of the world record. The manager is the record's
// single owner at runtime; every mutation goes through its lock.
func (m *Manager) World() world.World {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.w
}

// UpdateWorld mutates the world record and re-persists it, rolling the
// in-memory record back when the write fails.
func (m *Manager) UpdateWorld(mutate func(*world.World)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := *m.w
	mutate(m.w)
	m.w.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveWorld(m.w); err != nil {
		*m.w = prev
		return err
	}
	return nil
}

// BeginTurn marks an agent turn in progress for the chat. Chat switches are
// rejected while any turn is in flight.
func (m *Manager) BeginTurn(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[chatID]++
}

// EndTurn marks an agent turn complete.
func (m *Manager) EndTurn(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[chatID] > 0 {
		m.inFlight[chatID]--
	}
}

// CreateChat creates a chat, makes it active and persists both.
func (m *Manager) CreateChat(name, description string) (*world.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createChatLocked(name, description)
}

func (m *Manager) createChatLocked(name, description string) (*world.Chat, error) {
	now := time.Now().UTC()
	c := &world.Chat{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.SaveChat(m.w.ID, c); err != nil {
		return nil, err
	}

	prev := m.w.CurrentChatID
	m.w.CurrentChatID = c.ID
	m.w.UpdatedAt = now
	if err := m.store.SaveWorld(m.w); err != nil {
		m.w.CurrentChatID = prev
		m.store.DeleteChat(m.w.ID, c.ID)
		return nil, err
	}
	logger.InfoCF("chats", "chat created", map[string]interface{}{
		"world": m.w.ID, "chat": c.ID, "name": name,
	})
	return c, nil
}

// NewChat creates an auto-named chat and makes it active.
func (m *Manager) NewChat() (*world.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summaries, err := m.store.ListChats(m.w.ID)
	if err != nil {
		return nil, err
	}
	return m.createChatLocked(fmt.Sprintf("Chat %d", len(summaries)+1), "")
}

// SetChat switches the active chat without creating one. The switch is
// rejected while any agent turn is in flight for the current active chat.
func (m *Manager) SetChat(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.w.CurrentChatID == chatID {
		return nil
	}
	if n := m.inFlight[m.w.CurrentChatID]; n > 0 {
		return world.Conflictf("cannot switch chat: %d agent turn(s) in progress", n)
	}

	c, err := m.store.LoadChat(m.w.ID, chatID)
	if err != nil {
		return err
	}
	if c == nil {
		return world.NotFoundf("chat %s in world %s", chatID, m.w.ID)
	}

	prev := m.w.CurrentChatID
	m.w.CurrentChatID = chatID
	m.w.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveWorld(m.w); err != nil {
		m.w.CurrentChatID = prev
		return err
	}
	return nil
}

// DeleteChat removes a chat, clearing the active pointer if it pointed here.
func (m *Manager) DeleteChat(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.inFlight[chatID]; n > 0 {
		return world.Conflictf("cannot delete chat: %d agent turn(s) in progress", n)
	}

	c, err := m.store.LoadChat(m.w.ID, chatID)
	if err != nil {
		return err
	}
	if c == nil {
		return world.NotFoundf("chat %s in world %s", chatID, m.w.ID)
	}
	if err := m.store.DeleteChat(m.w.ID, chatID); err != nil {
		return err
	}
	delete(m.inFlight, chatID)

	if m.w.CurrentChatID == chatID {
		m.w.CurrentChatID = ""
		m.w.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveWorld(m.w); err != nil {
			return err
		}
	}
	return nil
}

// ListChats returns chat summaries, newest-updated first.
func (m *Manager) ListChats() ([]world.ChatSummary, error) {
	return m.store.ListChats(m.w.ID)
}

// UpdateChat renames and/or re-describes a chat.
func (m *Manager) UpdateChat(chatID, name, description string) (*world.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.store.LoadChat(m.w.ID, chatID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, world.NotFoundf("chat %s in world %s", chatID, m.w.ID)
	}
	if name != "" {
		c.Name = name
	}
	if description != "" {
		c.Description = description
	}
	c.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateChat(m.w.ID, c); err != nil {
		return nil, err
	}
	return c, nil
}

// HandleMessage appends a message event to the active chat, creating one
// implicitly when none is active. Duplicate message ids are elided. This is
// the auto-save path; it runs for every message event on the world bus.
func (m *Manager) HandleMessage(ev *bus.MessageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chatID := m.w.CurrentChatID
	if chatID == "" {
		c, err := m.createChatLocked("Chat 1", "")
		if err != nil {
			logger.ErrorCF("chats", "implicit chat create failed", map[string]interface{}{
				"world": m.w.ID, "error": err.Error(),
			})
			return
		}
		chatID = c.ID
	}

	c, err := m.store.LoadChat(m.w.ID, chatID)
	if err != nil || c == nil {
		logger.ErrorCF("chats", "auto-save: active chat unavailable", map[string]interface{}{
			"world": m.w.ID, "chat": chatID,
		})
		return
	}

	for _, existing := range c.Messages {
		if existing.MessageID == ev.MessageID {
			return
		}
	}

	role := world.RoleAssistant
	if world.IsHumanSender(ev.Sender) {
		role = world.RoleUser
	}
	var toolCalls []world.ToolCallPayload
	for _, tc := range ev.ToolCalls {
		toolCalls = append(toolCalls, world.ToolCallPayload{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	c.Messages = append(c.Messages, world.AgentMessage{
		Role:             role,
		Content:          ev.Content,
		Sender:           ev.Sender,
		MessageID:        ev.MessageID,
		ReplyToMessageID: ev.ReplyToMessageID,
		ChatID:           chatID,
		ToolCalls:        toolCalls,
		CreatedAt:        ev.CreatedAt,
	})
	c.MessageCount = len(c.Messages)
	c.UpdatedAt = time.Now().UTC()

	if err := m.store.SaveChat(m.w.ID, c); err != nil {
		logger.ErrorCF("chats", "auto-save failed", map[string]interface{}{
			"world": m.w.ID, "chat": chatID, "error": err.Error(),
		})
	}
}

// CreateWorldChat captures the world config, every agent (prompts included)
// and the merged message stream of the chat.
func (m *Manager) CreateWorldChat(chatID string) (*world.WorldChat, error) {
	m.mu.Lock()
	w := *m.w
	m.mu.Unlock()

	agents, err := m.store.ListAgents(w.ID)
	if err != nil {
		return nil, err
	}

	prompts := make(map[string]string, len(agents))
	var merged []world.AgentMessage
	for _, a := range agents {
		full, memory, err := m.store.LoadAgent(w.ID, a.ID)
		if err != nil {
			return nil, err
		}
		if full == nil {
			continue
		}
		prompts[a.ID] = full.SystemPrompt
		for _, msg := range memory {
			if msg.ChatID == chatID {
				merged = append(merged, msg)
			}
		}
	}

	snapshot := &world.WorldChat{
		World:    w,
		Prompts:  prompts,
		Messages: Deduplicate(merged),
		Metadata: world.SnapshotMetadata{
			CapturedAt:    time.Now().UTC(),
			SchemaVersion: world.SnapshotSchemaVersion,
			ActiveAgents:  len(agents),
		},
	}
	for _, a := range agents {
		snapshot.Agents = append(snapshot.Agents, *a.Clone())
	}
	snapshot.Metadata.TotalMessages = len(snapshot.Messages)
	return snapshot, nil
}

// Deduplicate merges copies of the same message held by multiple agents into
// one canonical stream. A broadcast human message exists in every agent's
// memory as role=user; the canonical entry is the human-authored user copy.
// An agent reply is canonical in its author's memory (role=assistant).
func Deduplicate(messages []world.AgentMessage) []world.AgentMessage {
	byID := make(map[string]world.AgentMessage)
	var order []string
	var noID []world.AgentMessage

	better := func(candidate, current world.AgentMessage) bool {
		// The authored copy wins: assistant entries carry the author's
		// agent id; human entries are role=user with a human sender.
		if candidate.Role == world.RoleAssistant && candidate.AgentID != "" {
			return !(current.Role == world.RoleAssistant && current.AgentID != "")
		}
		if candidate.Role == world.RoleUser && world.IsHumanSender(candidate.Sender) {
			return current.Role != world.RoleUser || !world.IsHumanSender(current.Sender)
		}
		return false
	}

	for _, msg := range messages {
		if msg.MessageID == "" {
			noID = append(noID, msg)
			continue
		}
		current, seen := byID[msg.MessageID]
		if !seen {
			byID[msg.MessageID] = msg
			order = append(order, msg.MessageID)
			continue
		}
		if better(msg, current) {
			byID[msg.MessageID] = msg
		}
	}

	result := make([]world.AgentMessage, 0, len(order)+len(noID))
	for _, id := range order {
		result = append(result, byID[id])
	}
	result = append(result, noID...)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// RestoreFromWorldChat replaces the world's agent set and per-agent memory
// for the snapshot's chat. Agents absent from the snapshot are deleted,
// present ones upserted. The change is staged first: all current state is
// captured so a mid-restore failure rolls the world back.
func (m *Manager) RestoreFromWorldChat(wc *world.WorldChat, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.store.ListAgents(m.w.ID)
	if err != nil {
		return err
	}

	// Stage: capture everything we may touch.
	type staged struct {
		agent  *world.Agent
		memory []world.AgentMessage
	}
	backup := make(map[string]staged)
	for _, a := range current {
		full, memory, err := m.store.LoadAgent(m.w.ID, a.ID)
		if err != nil {
			return err
		}
		backup[a.ID] = staged{agent: full, memory: memory}
	}

	rollback := func() {
		for _, a := range wc.Agents {
			if _, existed := backup[a.ID]; existed {
				continue
			}
			if err := m.store.DeleteAgent(m.w.ID, a.ID); err != nil {
				logger.ErrorCF("chats", "restore rollback failed", map[string]interface{}{
					"world": m.w.ID, "agent": a.ID, "error": err.Error(),
				})
			}
		}
		for id, s := range backup {
			if err := m.store.SaveAgent(m.w.ID, s.agent, s.memory); err != nil {
				logger.ErrorCF("chats", "restore rollback failed", map[string]interface{}{
					"world": m.w.ID, "agent": id, "error": err.Error(),
				})
			}
		}
	}

	inSnapshot := make(map[string]bool, len(wc.Agents))
	for _, a := range wc.Agents {
		inSnapshot[a.ID] = true
	}

	// Delete agents absent from the snapshot.
	for _, a := range current {
		if inSnapshot[a.ID] {
			continue
		}
		if err := m.store.DeleteAgent(m.w.ID, a.ID); err != nil {
			rollback()
			return err
		}
	}

	// Upsert snapshot agents, replacing their memory for this chat only.
	for _, snap := range wc.Agents {
		agent := snap.Clone()
		if prompt, ok := wc.Prompts[agent.ID]; ok {
			agent.SystemPrompt = prompt
		}

		var memory []world.AgentMessage
		if existing, ok := backup[agent.ID]; ok {
			for _, msg := range existing.memory {
				if msg.ChatID != chatID {
					memory = append(memory, msg)
				}
			}
		}
		for _, msg := range wc.Messages {
			if msg.ChatID != chatID {
				continue
			}
			// Each agent receives the stream from its own perspective: its
			// authored entries stay assistant, everything else reads as
			// user input from the original sender.
			entry := msg
			if entry.AgentID != agent.ID && entry.Role == world.RoleAssistant {
				entry.Role = world.RoleUser
			}
			memory = append(memory, entry)
		}

		if err := m.store.SaveAgent(m.w.ID, agent, memory); err != nil {
			rollback()
			return err
		}
	}

	logger.InfoCF("chats", "world restored from snapshot", map[string]interface{}{
		"world": m.w.ID, "chat": chatID, "agents": len(wc.Agents), "messages": len(wc.Messages),
	})
	return nil
}
