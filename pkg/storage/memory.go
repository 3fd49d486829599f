package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/yysun/agent-world/pkg/world"
)

// MemoryStorage keeps the whole tree in process memory. It backs the test
// harness and the AGENT_WORLD_STORAGE=memory toggle. Values are deep-copied
// on the way in and out so callers cannot alias stored state.
type MemoryStorage struct {
	mu       sync.RWMutex
	worlds   map[string]*world.World
	agents   map[string]map[string]*world.Agent          // worldID -> agentID
	memories map[string]map[string][]world.AgentMessage  // worldID -> agentID
	chats    map[string]map[string]*world.Chat           // worldID -> chatID
	archives map[string]map[string][][]world.AgentMessage
}

// NewMemoryStorage creates an empty in-memory back-end.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		worlds:   make(map[string]*world.World),
		agents:   make(map[string]map[string]*world.Agent),
		memories: make(map[string]map[string][]world.AgentMessage),
		chats:    make(map[string]map[string]*world.Chat),
		archives: make(map[string]map[string][][]world.AgentMessage),
	}
}

// deepCopy clones src into dst through JSON, the same fidelity the file
// back-end provides.
func deepCopy(dst, src interface{}) {
	data, err := json.Marshal(src)
	if err != nil {
		return
	}
	json.Unmarshal(data, dst)
}

func copyWorld(w *world.World) *world.World {
	c := &world.World{}
	deepCopy(c, w)
	return c
}

func copyAgent(a *world.Agent) *world.Agent {
	c := &world.Agent{}
	deepCopy(c, a)
	c.SystemPrompt = a.SystemPrompt // json:"-" does not travel through deepCopy
	return c
}

func copyMessages(msgs []world.AgentMessage) []world.AgentMessage {
	if msgs == nil {
		return nil
	}
	c := make([]world.AgentMessage, 0, len(msgs))
	deepCopy(&c, msgs)
	return c
}

func copyChat(ch *world.Chat) *world.Chat {
	c := &world.Chat{}
	deepCopy(c, ch)
	return c
}

// ---- worlds ----

func (ms *MemoryStorage) SaveWorld(w *world.World) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.worlds[w.ID] = copyWorld(w)
	if ms.agents[w.ID] == nil {
		ms.agents[w.ID] = make(map[string]*world.Agent)
		ms.memories[w.ID] = make(map[string][]world.AgentMessage)
		ms.chats[w.ID] = make(map[string]*world.Chat)
		ms.archives[w.ID] = make(map[string][][]world.AgentMessage)
	}
	return nil
}

func (ms *MemoryStorage) LoadWorld(worldID string) (*world.World, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	w, ok := ms.worlds[worldID]
	if !ok {
		return nil, nil
	}
	return copyWorld(w), nil
}

func (ms *MemoryStorage) DeleteWorld(worldID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.worlds, worldID)
	delete(ms.agents, worldID)
	delete(ms.memories, worldID)
	delete(ms.chats, worldID)
	delete(ms.archives, worldID)
	return nil
}

func (ms *MemoryStorage) ListWorlds() ([]*world.World, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var worlds []*world.World
	for _, w := range ms.worlds {
		worlds = append(worlds, copyWorld(w))
	}
	sort.Slice(worlds, func(i, j int) bool { return worlds[i].Name < worlds[j].Name })
	return worlds, nil
}

func (ms *MemoryStorage) WorldExists(worldID string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.worlds[worldID]
	return ok, nil
}

// ---- agents ----

func (ms *MemoryStorage) SaveAgent(worldID string, a *world.Agent, memory []world.AgentMessage) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.agents[worldID] == nil {
		ms.agents[worldID] = make(map[string]*world.Agent)
		ms.memories[worldID] = make(map[string][]world.AgentMessage)
	}
	ms.agents[worldID][a.ID] = copyAgent(a)
	ms.memories[worldID][a.ID] = copyMessages(memory)
	return nil
}

func (ms *MemoryStorage) LoadAgent(worldID, agentID string) (*world.Agent, []world.AgentMessage, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	a, ok := ms.agents[worldID][agentID]
	if !ok {
		return nil, nil, nil
	}
	return copyAgent(a), copyMessages(ms.memories[worldID][agentID]), nil
}

func (ms *MemoryStorage) DeleteAgent(worldID, agentID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.agents[worldID], agentID)
	delete(ms.memories[worldID], agentID)
	return nil
}

func (ms *MemoryStorage) ListAgents(worldID string) ([]*world.Agent, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var agents []*world.Agent
	for _, a := range ms.agents[worldID] {
		agents = append(agents, copyAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

func (ms *MemoryStorage) SaveAgentMemory(worldID, agentID string, memory []world.AgentMessage) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.memories[worldID] == nil {
		ms.memories[worldID] = make(map[string][]world.AgentMessage)
	}
	ms.memories[worldID][agentID] = copyMessages(memory)
	return nil
}

// ---- chats ----

func (ms *MemoryStorage) SaveChat(worldID string, c *world.Chat) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.chats[worldID] == nil {
		ms.chats[worldID] = make(map[string]*world.Chat)
	}
	ms.chats[worldID][c.ID] = copyChat(c)
	return nil
}

func (ms *MemoryStorage) LoadChat(worldID, chatID string) (*world.Chat, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	c, ok := ms.chats[worldID][chatID]
	if !ok {
		return nil, nil
	}
	return copyChat(c), nil
}

func (ms *MemoryStorage) DeleteChat(worldID, chatID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.chats[worldID], chatID)
	return nil
}

func (ms *MemoryStorage) ListChats(worldID string) ([]world.ChatSummary, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var chats []world.ChatSummary
	for _, c := range ms.chats[worldID] {
		chats = append(chats, c.Summary())
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].UpdatedAt.After(chats[j].UpdatedAt) })
	return chats, nil
}

func (ms *MemoryStorage) UpdateChat(worldID string, c *world.Chat) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.chats[worldID][c.ID]; !ok {
		return world.NotFoundf("chat %s in world %s", c.ID, worldID)
	}
	ms.chats[worldID][c.ID] = copyChat(c)
	return nil
}

// ---- snapshots ----

func (ms *MemoryStorage) SaveWorldChat(worldID, chatID string, wc *world.WorldChat) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	c, ok := ms.chats[worldID][chatID]
	if !ok {
		return world.NotFoundf("chat %s in world %s", chatID, worldID)
	}
	snap := &world.WorldChat{}
	deepCopy(snap, wc)
	c.Snapshot = snap
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (ms *MemoryStorage) LoadWorldChat(worldID, chatID string) (*world.WorldChat, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	c, ok := ms.chats[worldID][chatID]
	if !ok || c.Snapshot == nil {
		return nil, nil
	}
	snap := &world.WorldChat{}
	deepCopy(snap, c.Snapshot)
	return snap, nil
}

// ---- maintenance ----

func (ms *MemoryStorage) ArchiveAgentMemory(worldID, agentID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	mem, ok := ms.memories[worldID][agentID]
	if !ok {
		return nil
	}
	if ms.archives[worldID] == nil {
		ms.archives[worldID] = make(map[string][][]world.AgentMessage)
	}
	ms.archives[worldID][agentID] = append(ms.archives[worldID][agentID], copyMessages(mem))
	return nil
}

func (ms *MemoryStorage) ValidateWorld(worldID string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	w, ok := ms.worlds[worldID]
	if !ok {
		return []string{"world config missing"}, nil
	}
	var issues []string
	if w.CurrentChatID != "" {
		if _, ok := ms.chats[worldID][w.CurrentChatID]; !ok {
			issues = append(issues, "active chat "+w.CurrentChatID+" does not exist")
		}
	}
	return issues, nil
}

func (ms *MemoryStorage) RepairWorld(worldID string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	w, ok := ms.worlds[worldID]
	if !ok {
		return nil, nil
	}
	var actions []string
	if w.CurrentChatID != "" {
		if _, ok := ms.chats[worldID][w.CurrentChatID]; !ok {
			w.CurrentChatID = ""
			actions = append(actions, "cleared dangling active chat")
		}
	}
	return actions, nil
}
