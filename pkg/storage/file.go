package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/world"
)

const (
	worldConfigFile = "config.json"
	agentsDir       = "agents"
	chatsDir        = "chats"
	archiveDir      = "archive"
	agentConfigFile = "config.json"
	promptFile      = "system-prompt.md"
	memoryFile      = "memory.json"
)

// FileStorage persists the world tree under a root directory:
//
//	<root>/<worldId>/config.json
//	<root>/<worldId>/agents/<agentId>/config.json
//	<root>/<worldId>/agents/<agentId>/system-prompt.md
//	<root>/<worldId>/agents/<agentId>/memory.json
//	<root>/<worldId>/chats/<chatId>.json
//
// All writes are atomic at the per-file level (temp file + rename).
type FileStorage struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewFileStorage creates a file back-end rooted at dir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, world.Storagef(err, "create storage root %s", dir)
	}
	return &FileStorage{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// memoryLock returns the per-agent lock serializing memory writes.
func (fs *FileStorage) memoryLock(worldID, agentID string) *sync.Mutex {
	key := worldID + "/" + agentID
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	l, ok := fs.locks[key]
	if !ok {
		l = &sync.Mutex{}
		fs.locks[key] = l
	}
	return l
}

func (fs *FileStorage) worldDir(worldID string) string {
	return filepath.Join(fs.root, worldID)
}

func (fs *FileStorage) agentDir(worldID, agentID string) string {
	return filepath.Join(fs.root, worldID, agentsDir, agentID)
}

func (fs *FileStorage) chatPath(worldID, chatID string) string {
	return filepath.Join(fs.root, worldID, chatsDir, chatID+".json")
}

// writeJSONAtomic marshals v pretty-printed and writes it via temp + rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// readJSON unmarshals path into v, reporting (false, nil) when absent.
func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// ---- worlds ----

func (fs *FileStorage) SaveWorld(w *world.World) error {
	dir := fs.worldDir(w.ID)
	for _, d := range []string{dir, filepath.Join(dir, agentsDir), filepath.Join(dir, chatsDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return world.Storagef(err, "create world dir %s", w.ID)
		}
	}
	if err := writeJSONAtomic(filepath.Join(dir, worldConfigFile), w); err != nil {
		return world.Storagef(err, "save world %s", w.ID)
	}
	return nil
}

func (fs *FileStorage) LoadWorld(worldID string) (*world.World, error) {
	var w world.World
	ok, err := readJSON(filepath.Join(fs.worldDir(worldID), worldConfigFile), &w)
	if err != nil {
		return nil, world.Storagef(err, "load world %s", worldID)
	}
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (fs *FileStorage) DeleteWorld(worldID string) error {
	if err := os.RemoveAll(fs.worldDir(worldID)); err != nil {
		return world.Storagef(err, "delete world %s", worldID)
	}
	return nil
}

func (fs *FileStorage) ListWorlds() ([]*world.World, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, world.Storagef(err, "list worlds")
	}
	var worlds []*world.World
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		w, err := fs.LoadWorld(e.Name())
		if err != nil {
			logger.WarnCF("storage", "skipping unreadable world", map[string]interface{}{
				"world": e.Name(), "error": err.Error(),
			})
			continue
		}
		if w != nil {
			worlds = append(worlds, w)
		}
	}
	sort.Slice(worlds, func(i, j int) bool { return worlds[i].Name < worlds[j].Name })
	return worlds, nil
}

func (fs *FileStorage) WorldExists(worldID string) (bool, error) {
	_, err := os.Stat(filepath.Join(fs.worldDir(worldID), worldConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, world.Storagef(err, "stat world %s", worldID)
	}
	return true, nil
}

// ---- agents ----

func (fs *FileStorage) SaveAgent(worldID string, a *world.Agent, memory []world.AgentMessage) error {
	dir := fs.agentDir(worldID, a.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return world.Storagef(err, "create agent dir %s/%s", worldID, a.ID)
	}
	// Config carries json:"-" on the prompt, so marshaling strips it; the
	// prompt lives alongside as readable text.
	if err := writeJSONAtomic(filepath.Join(dir, agentConfigFile), a); err != nil {
		return world.Storagef(err, "save agent %s/%s", worldID, a.ID)
	}
	if err := writeFileAtomic(filepath.Join(dir, promptFile), []byte(a.SystemPrompt)); err != nil {
		return world.Storagef(err, "save agent prompt %s/%s", worldID, a.ID)
	}
	return fs.SaveAgentMemory(worldID, a.ID, memory)
}

func (fs *FileStorage) LoadAgent(worldID, agentID string) (*world.Agent, []world.AgentMessage, error) {
	dir := fs.agentDir(worldID, agentID)
	var a world.Agent
	ok, err := readJSON(filepath.Join(dir, agentConfigFile), &a)
	if err != nil {
		return nil, nil, world.Storagef(err, "load agent %s/%s", worldID, agentID)
	}
	if !ok {
		return nil, nil, nil
	}

	// A missing prompt file is not an error; the default is substituted at
	// prompt-resolution time.
	if data, err := os.ReadFile(filepath.Join(dir, promptFile)); err == nil {
		a.SystemPrompt = string(data)
	} else if !os.IsNotExist(err) {
		return nil, nil, world.Storagef(err, "load agent prompt %s/%s", worldID, agentID)
	}

	memory, err := fs.loadMemory(dir, agentID)
	if err != nil {
		return nil, nil, world.Storagef(err, "load agent memory %s/%s", worldID, agentID)
	}
	return &a, memory, nil
}

// loadMemory reads memory.json, accepting both the current flat list and the
// legacy map keyed by agent name. Legacy entries are normalized onto the
// agent id; the next save writes the flat form.
func (fs *FileStorage) loadMemory(dir, agentID string) ([]world.AgentMessage, error) {
	data, err := os.ReadFile(filepath.Join(dir, memoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var memory []world.AgentMessage
	if err := json.Unmarshal(data, &memory); err == nil {
		return memory, nil
	}

	var legacy map[string][]world.AgentMessage
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse memory.json: %w", err)
	}
	for _, msgs := range legacy {
		for _, m := range msgs {
			if m.Role == world.RoleAssistant && m.AgentID == "" {
				m.AgentID = agentID
			}
			memory = append(memory, m)
		}
	}
	sort.SliceStable(memory, func(i, j int) bool {
		return memory[i].CreatedAt.Before(memory[j].CreatedAt)
	})
	return memory, nil
}

func (fs *FileStorage) DeleteAgent(worldID, agentID string) error {
	if err := os.RemoveAll(fs.agentDir(worldID, agentID)); err != nil {
		return world.Storagef(err, "delete agent %s/%s", worldID, agentID)
	}
	return nil
}

func (fs *FileStorage) ListAgents(worldID string) ([]*world.Agent, error) {
	entries, err := os.ReadDir(filepath.Join(fs.worldDir(worldID), agentsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, world.Storagef(err, "list agents %s", worldID)
	}
	var agents []*world.Agent
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, _, err := fs.LoadAgent(worldID, e.Name())
		if err != nil {
			logger.WarnCF("storage", "skipping unreadable agent", map[string]interface{}{
				"world": worldID, "agent": e.Name(), "error": err.Error(),
			})
			continue
		}
		if a != nil {
			agents = append(agents, a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

func (fs *FileStorage) SaveAgentMemory(worldID, agentID string, memory []world.AgentMessage) error {
	lock := fs.memoryLock(worldID, agentID)
	lock.Lock()
	defer lock.Unlock()

	dir := fs.agentDir(worldID, agentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return world.Storagef(err, "create agent dir %s/%s", worldID, agentID)
	}
	if memory == nil {
		memory = []world.AgentMessage{}
	}
	if err := writeJSONAtomic(filepath.Join(dir, memoryFile), memory); err != nil {
		return world.Storagef(err, "save agent memory %s/%s", worldID, agentID)
	}
	return nil
}

// ---- chats ----

func (fs *FileStorage) SaveChat(worldID string, c *world.Chat) error {
	dir := filepath.Join(fs.worldDir(worldID), chatsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return world.Storagef(err, "create chats dir %s", worldID)
	}
	if err := writeJSONAtomic(fs.chatPath(worldID, c.ID), c); err != nil {
		return world.Storagef(err, "save chat %s/%s", worldID, c.ID)
	}
	return nil
}

func (fs *FileStorage) LoadChat(worldID, chatID string) (*world.Chat, error) {
	var c world.Chat
	ok, err := readJSON(fs.chatPath(worldID, chatID), &c)
	if err != nil {
		return nil, world.Storagef(err, "load chat %s/%s", worldID, chatID)
	}
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (fs *FileStorage) DeleteChat(worldID, chatID string) error {
	if err := os.Remove(fs.chatPath(worldID, chatID)); err != nil && !os.IsNotExist(err) {
		return world.Storagef(err, "delete chat %s/%s", worldID, chatID)
	}
	return nil
}

func (fs *FileStorage) ListChats(worldID string) ([]world.ChatSummary, error) {
	entries, err := os.ReadDir(filepath.Join(fs.worldDir(worldID), chatsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, world.Storagef(err, "list chats %s", worldID)
	}
	var chats []world.ChatSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		c, err := fs.LoadChat(worldID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			logger.WarnCF("storage", "skipping unreadable chat", map[string]interface{}{
				"world": worldID, "chat": name, "error": err.Error(),
			})
			continue
		}
		if c != nil {
			chats = append(chats, c.Summary())
		}
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].UpdatedAt.After(chats[j].UpdatedAt) })
	return chats, nil
}

func (fs *FileStorage) UpdateChat(worldID string, c *world.Chat) error {
	existing, err := fs.LoadChat(worldID, c.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return world.NotFoundf("chat %s in world %s", c.ID, worldID)
	}
	return fs.SaveChat(worldID, c)
}

// ---- snapshots ----

func (fs *FileStorage) SaveWorldChat(worldID, chatID string, wc *world.WorldChat) error {
	c, err := fs.LoadChat(worldID, chatID)
	if err != nil {
		return err
	}
	if c == nil {
		return world.NotFoundf("chat %s in world %s", chatID, worldID)
	}
	c.Snapshot = wc
	c.UpdatedAt = time.Now().UTC()
	return fs.SaveChat(worldID, c)
}

func (fs *FileStorage) LoadWorldChat(worldID, chatID string) (*world.WorldChat, error) {
	c, err := fs.LoadChat(worldID, chatID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return c.Snapshot, nil
}

// ---- maintenance ----

func (fs *FileStorage) ArchiveAgentMemory(worldID, agentID string) error {
	lock := fs.memoryLock(worldID, agentID)
	lock.Lock()
	defer lock.Unlock()

	dir := fs.agentDir(worldID, agentID)
	data, err := os.ReadFile(filepath.Join(dir, memoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return world.Storagef(err, "archive agent memory %s/%s", worldID, agentID)
	}
	adir := filepath.Join(dir, archiveDir)
	if err := os.MkdirAll(adir, 0755); err != nil {
		return world.Storagef(err, "create archive dir %s/%s", worldID, agentID)
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	if err := writeFileAtomic(filepath.Join(adir, stamp+".json"), data); err != nil {
		return world.Storagef(err, "write archive %s/%s", worldID, agentID)
	}
	return nil
}

func (fs *FileStorage) ValidateWorld(worldID string) ([]string, error) {
	var issues []string
	w, err := fs.LoadWorld(worldID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return []string{"world config missing"}, nil
	}

	agents, _ := os.ReadDir(filepath.Join(fs.worldDir(worldID), agentsDir))
	agentIDs := make(map[string]bool)
	for _, e := range agents {
		if !e.IsDir() {
			continue
		}
		agentIDs[e.Name()] = true
		dir := fs.agentDir(worldID, e.Name())
		var a world.Agent
		if ok, err := readJSON(filepath.Join(dir, agentConfigFile), &a); err != nil || !ok {
			issues = append(issues, fmt.Sprintf("agent %s: unreadable config", e.Name()))
			continue
		}
		if a.ID != e.Name() {
			issues = append(issues, fmt.Sprintf("agent %s: config id %q does not match directory", e.Name(), a.ID))
		}
		if _, err := os.Stat(filepath.Join(dir, promptFile)); os.IsNotExist(err) {
			issues = append(issues, fmt.Sprintf("agent %s: missing system prompt file", e.Name()))
		}
	}

	chats, _ := os.ReadDir(filepath.Join(fs.worldDir(worldID), chatsDir))
	chatIDs := make(map[string]bool)
	for _, e := range chats {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			if strings.HasSuffix(name, ".tmp") {
				issues = append(issues, fmt.Sprintf("stale temp file %s", name))
			}
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		var c world.Chat
		if ok, err := readJSON(fs.chatPath(worldID, id), &c); err != nil || !ok {
			issues = append(issues, fmt.Sprintf("chat %s: unreadable", id))
			continue
		}
		chatIDs[id] = true
	}

	if w.CurrentChatID != "" && !chatIDs[w.CurrentChatID] {
		issues = append(issues, fmt.Sprintf("active chat %s does not exist", w.CurrentChatID))
	}
	return issues, nil
}

func (fs *FileStorage) RepairWorld(worldID string) ([]string, error) {
	var actions []string
	dir := fs.worldDir(worldID)

	// Stale temp files from interrupted atomic writes.
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			if os.Remove(path) == nil {
				actions = append(actions, "removed "+path)
			}
		}
		return nil
	})

	// Missing prompt files are recreated empty so future reads stay quiet;
	// the default prompt still substitutes at resolution time.
	agents, _ := os.ReadDir(filepath.Join(dir, agentsDir))
	for _, e := range agents {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(fs.agentDir(worldID, e.Name()), promptFile)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if writeFileAtomic(p, []byte{}) == nil {
				actions = append(actions, "created "+p)
			}
		}
	}

	// Clear a dangling active-chat pointer.
	w, err := fs.LoadWorld(worldID)
	if err != nil || w == nil {
		return actions, err
	}
	if w.CurrentChatID != "" {
		c, err := fs.LoadChat(worldID, w.CurrentChatID)
		if err == nil && c == nil {
			w.CurrentChatID = ""
			if fs.SaveWorld(w) == nil {
				actions = append(actions, "cleared dangling active chat")
			}
		}
	}
	return actions, nil
}
