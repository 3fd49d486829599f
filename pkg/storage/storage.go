// Package storage provides the persistence contract for worlds, agents,
// memory and chats, with a file-tree back-end and an in-memory back-end for
// tests. Reads of non-existent entities return a nil value, not an error;
// write failures surface as storage errors.
package storage

import (
	"github.com/yysun/agent-world/pkg/world"
)

// Storage is the pluggable persistence back-end.
//
// All implementations must be safe for concurrent use; writers to the same
// agent's memory serialize internally.
type Storage interface {
	SaveWorld(w *world.World) error
	LoadWorld(worldID string) (*world.World, error)
	DeleteWorld(worldID string) error
	ListWorlds() ([]*world.World, error)
	WorldExists(worldID string) (bool, error)

	// SaveAgent persists config, system prompt and memory; LoadAgent
	// reassembles them. Memory is also writable alone (the hot path).
	SaveAgent(worldID string, a *world.Agent, memory []world.AgentMessage) error
	LoadAgent(worldID, agentID string) (*world.Agent, []world.AgentMessage, error)
	DeleteAgent(worldID, agentID string) error
	ListAgents(worldID string) ([]*world.Agent, error)
	SaveAgentMemory(worldID, agentID string, memory []world.AgentMessage) error

	SaveChat(worldID string, c *world.Chat) error
	LoadChat(worldID, chatID string) (*world.Chat, error)
	DeleteChat(worldID, chatID string) error
	ListChats(worldID string) ([]world.ChatSummary, error)
	// UpdateChat saves an existing chat; it fails with a not-found error when
	// the chat has never been created.
	UpdateChat(worldID string, c *world.Chat) error

	SaveWorldChat(worldID, chatID string, wc *world.WorldChat) error
	LoadWorldChat(worldID, chatID string) (*world.WorldChat, error)

	// ArchiveAgentMemory copies the agent's current memory into a
	// timestamped archive file, leaving the live memory untouched.
	ArchiveAgentMemory(worldID, agentID string) error

	// ValidateWorld reports integrity issues with the stored world tree.
	ValidateWorld(worldID string) ([]string, error)
	// RepairWorld fixes what it safely can (stale temp files, missing
	// prompt files) and returns the actions taken.
	RepairWorld(worldID string) ([]string, error)
}

// New constructs the back-end selected by name: "file" rooted at dataPath,
// or "memory".
func New(backend, dataPath string) (Storage, error) {
	switch backend {
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return NewFileStorage(dataPath)
	}
}
