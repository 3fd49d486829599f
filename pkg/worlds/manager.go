package worlds

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/yysun/agent-world/pkg/agent"
	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/metrics"
	"github.com/yysun/agent-world/pkg/providers"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/world"
)

// ProviderFactory builds a streaming adapter for a resolved config. Tests
// substitute a stub here.
type ProviderFactory func(cfg providers.Config) (providers.Provider, error)

// Manager owns every live world in the process.
type Manager struct {
	cfg     *config.Config
	store   storage.Storage
	buses   *bus.Registry
	tracker *metrics.Tracker

	providerFactory ProviderFactory

	mu     sync.Mutex
	worlds map[string]*Handle
}

// NewManager wires the process-level dependencies.
func NewManager(cfg *config.Config, store storage.Storage) *Manager {
	return &Manager{
		cfg:             cfg,
		store:           store,
		buses:           bus.NewRegistry(),
		tracker:         metrics.NewTracker(cfg.DataPath),
		providerFactory: providers.ForConfig,
		worlds:          make(map[string]*Handle),
	}
}

// SetProviderFactory overrides LLM adapter construction (test harness).
func (m *Manager) SetProviderFactory(f ProviderFactory) {
	m.providerFactory = f
}

// workspaceFor is the directory the world's file tools operate in.
func (m *Manager) workspaceFor(worldID string) string {
	return filepath.Join(m.cfg.DataPath, worldID, "workspace")
}

// CreateWorld validates the name, persists the config and returns a live
// handle with bus and turn controller initialized. A storage failure leaves
// no in-memory trace.
func (m *Manager) CreateWorld(name, description string, mutate func(*world.World)) (*Handle, error) {
	id := world.ToKebab(name)
	if !world.ValidID(id) {
		return nil, world.Validationf("name", "cannot derive a valid identifier from %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.worlds[id]; live {
		return nil, world.Conflictf("world %s already exists", id)
	}
	exists, err := m.store.WorldExists(id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, world.Conflictf("world %s already exists", id)
	}

	now := time.Now().UTC()
	w := &world.World{
		ID:          id,
		Name:        name,
		Description: description,
		TurnLimit:   world.DefaultTurnLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mutate != nil {
		mutate(w)
	}

	if err := m.store.SaveWorld(w); err != nil {
		return nil, err
	}

	h := newHandle(m, w)
	m.worlds[id] = h
	logger.InfoCF("world", "world created", map[string]interface{}{"world": id})
	return h, nil
}

// GetWorld returns the live handle, loading the world (and subscribing all
// of its agents) on first access.
func (m *Manager) GetWorld(worldID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.worlds[worldID]; ok {
		return h, nil
	}

	w, err := m.store.LoadWorld(worldID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, world.NotFoundf("world %s", worldID)
	}

	h := newHandle(m, w)
	if err := h.reloadAgents(); err != nil {
		h.teardown()
		m.buses.Destroy(worldID)
		return nil, err
	}
	m.worlds[worldID] = h
	logger.InfoCF("world", "world loaded", map[string]interface{}{
		"world": worldID, "agents": len(h.ListAgents()),
	})
	return h, nil
}

// ListWorlds scans storage.
func (m *Manager) ListWorlds() ([]*world.World, error) {
	return m.store.ListWorlds()
}

// UpdateWorld mutates a world's config and re-persists.
func (m *Manager) UpdateWorld(worldID string, mutate func(*world.World)) error {
	h, err := m.GetWorld(worldID)
	if err != nil {
		return err
	}
	return h.Update(mutate)
}

// DeleteWorld removes the storage tree first and only then tears the live
// world down; a storage failure rolls the in-memory deletion back.
func (m *Manager) DeleteWorld(worldID string) error {
	m.mu.Lock()
	h := m.worlds[worldID]
	delete(m.worlds, worldID)
	m.mu.Unlock()

	if h == nil {
		exists, err := m.store.WorldExists(worldID)
		if err != nil {
			return err
		}
		if !exists {
			return world.NotFoundf("world %s", worldID)
		}
	}

	if err := m.store.DeleteWorld(worldID); err != nil {
		if h != nil {
			m.mu.Lock()
			m.worlds[worldID] = h
			m.mu.Unlock()
		}
		return err
	}

	if h != nil {
		h.teardown()
	}
	m.buses.Destroy(worldID)
	logger.InfoCF("world", "world deleted", map[string]interface{}{"world": worldID})
	return nil
}

// Close tears down every live world (process shutdown).
func (m *Manager) Close() {
	m.mu.Lock()
	worlds := m.worlds
	m.worlds = make(map[string]*Handle)
	m.mu.Unlock()
	for id, h := range worlds {
		h.teardown()
		m.buses.Destroy(id)
	}
}

// compile-time check: Handle satisfies the agent's world context.
var _ agent.WorldContext = (*Handle)(nil)
