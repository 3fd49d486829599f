// Package worlds is the world lifecycle manager: world CRUD, construction of
// the event bus and storage bindings, the agent directory, and graceful
// teardown.
package worlds

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/agent"
	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/chats"
	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/mcp"
	"github.com/yysun/agent-world/pkg/metrics"
	"github.com/yysun/agent-world/pkg/providers"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/tools"
	"github.com/yysun/agent-world/pkg/wire"
	"github.com/yysun/agent-world/pkg/world"
)

// HumanSender is the sender tag for un-prefixed CLI/HTTP input.
const HumanSender = "HUMAN"

// Handle is one live world: its config record, bus, turn controller, chat
// manager, approval engine, tool registry and agent runtimes. It implements
// agent.WorldContext.
type Handle struct {
	mgr     *Manager
	worldID string

	mu sync.RWMutex

	eventBus  *bus.Bus
	turns     *world.TurnController
	chatMgr   *chats.Manager
	approvals *approval.Engine
	registry  *tools.Registry
	mcpMgr    *mcp.Manager
	tracker   *metrics.Tracker

	agents map[string]*agent.Runtime

	ctx      context.Context
	cancel   context.CancelFunc
	routeSub *bus.Subscription
}

func newHandle(mgr *Manager, w *world.World) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		mgr:       mgr,
		worldID:   w.ID,
		eventBus:  mgr.buses.Get(w.ID),
		turns:     world.NewTurnController(w.TurnLimit),
		approvals: approval.NewEngine(w.ID),
		registry:  tools.NewRegistry(),
		mcpMgr:    mcp.NewManager(w.ID),
		tracker:   mgr.tracker,
		agents:    make(map[string]*agent.Runtime),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.chatMgr = chats.NewManager(mgr.store, w)

	workspace := mgr.workspaceFor(w.ID)
	os.MkdirAll(workspace, 0755)
	h.registry.Register(tools.NewThinkTool())
	h.registry.Register(tools.NewReadFileTool(workspace))
	h.registry.Register(tools.NewWriteFileTool(workspace))
	h.registry.Register(tools.NewListDirTool(workspace))
	h.registry.Register(tools.NewShellTool(workspace))

	h.mcpMgr.StartAll(w.MCPServers)
	if n := mcp.RegisterTools(h.mcpMgr, h.registry); n > 0 {
		logger.InfoCF("world", "MCP tools registered", map[string]interface{}{
			"world": w.ID, "tools": n,
		})
	}

	// The routing subscription feeds the chat manager's auto-save; approval
	// plumbing never reaches it.
	h.routeSub = h.eventBus.Subscribe(bus.TopicMessage)
	go h.route()

	if w.ArchiveSchedule != "" {
		go h.archiveLoop(w.ArchiveSchedule)
	}
	return h
}

// route drains the handle's own message subscription into the chat manager.
func (h *Handle) route() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-h.routeSub.C:
			if !ok {
				return
			}
			if ev.Kind != bus.KindMessage || ev.Message == nil {
				continue
			}
			if wire.IsToolResultEnvelope(ev.Message.Content) || isApprovalTraffic(ev.Message) {
				continue
			}
			h.chatMgr.HandleMessage(ev.Message)
		}
	}
}

func isApprovalTraffic(ev *bus.MessageEvent) bool {
	for _, tc := range ev.ToolCalls {
		if tc.Name == wire.RequestApprovalFunction {
			return true
		}
	}
	return false
}

// ---- agent.WorldContext ----

func (h *Handle) WorldID() string { return h.worldID }

// PublishMessage classifies the event for the turn controller, dispatches
// approval envelopes to the engine, then broadcasts. Turn-counter updates
// happen here, synchronously, so subscribers reading the counter observe
// every previously published message.
func (h *Handle) PublishMessage(ev bus.MessageEvent) {
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	conversational := !wire.IsToolResultEnvelope(ev.Content) && !isApprovalTraffic(&ev)
	if ev.ChatID == "" {
		ev.ChatID = h.chatMgr.ActiveChatID()
		if ev.ChatID == "" && conversational {
			// First message with no active chat creates one implicitly.
			if c, err := h.chatMgr.NewChat(); err == nil {
				ev.ChatID = c.ID
			} else {
				logger.ErrorCF("world", "implicit chat create failed", map[string]interface{}{
					"world": h.WorldID(), "error": err.Error(),
				})
			}
		}
	}

	switch {
	case wire.IsToolResultEnvelope(ev.Content):
		if env, ok := wire.ParseToolResultEnvelope(ev.Content); ok {
			h.approvals.Resolve(env)
		}
	case isApprovalTraffic(&ev):
		// Approval requests consume no turn budget.
	case world.IsHumanSender(ev.Sender):
		h.turns.OnHuman(ev.ChatID, ev.Content)
	default:
		h.turns.OnAgent(ev.ChatID)
	}

	h.eventBus.Publish(bus.TopicMessage, bus.NewMessageEvent(ev))
}

func (h *Handle) PublishSSE(ev bus.SSEEvent) {
	h.eventBus.Publish(bus.TopicSSE, bus.NewSSEEvent(ev))
}

// PublishSystem broadcasts an out-of-band notification.
func (h *Handle) PublishSystem(category, content string) {
	h.eventBus.Publish(bus.TopicSystem, bus.NewSystemEvent(bus.SystemEvent{
		Category:  category,
		Content:   content,
		ChatID:    h.chatMgr.ActiveChatID(),
		Timestamp: time.Now().UTC(),
	}))
}

func (h *Handle) Subscribe(topic bus.Topic) *bus.Subscription {
	return h.eventBus.Subscribe(topic)
}

func (h *Handle) Storage() storage.Storage     { return h.mgr.store }
func (h *Handle) Turns() *world.TurnController { return h.turns }
func (h *Handle) Chats() *chats.Manager        { return h.chatMgr }
func (h *Handle) Approvals() *approval.Engine  { return h.approvals }
func (h *Handle) Tools() *tools.Registry       { return h.registry }

// ProviderFor resolves the streaming adapter and per-call config for an
// agent, falling back to world defaults, with credentials from the process
// environment. When the world names a fallback provider, the adapter retries
// through it transparently.
func (h *Handle) ProviderFor(a *world.Agent) (providers.Provider, providers.Config, error) {
	w := h.chatMgr.World()
	providerName := a.Provider
	if providerName == "" {
		providerName = w.Provider
	}
	model := a.Model
	if model == "" {
		model = w.Model
	}
	fbProvider := w.FallbackProvider
	fbModel := w.FallbackModel

	cfg := h.callConfig(providerName, model, a)
	p, err := h.mgr.providerFactory(cfg)
	if err != nil {
		return nil, cfg, err
	}

	if fbProvider != "" && fbModel != "" && !strings.EqualFold(fbProvider, providerName) {
		p = &providers.FallbackProvider{
			Primary:  cfg,
			Fallback: h.callConfig(fbProvider, fbModel, a),
		}
	}
	return p, cfg, nil
}

// callConfig joins a provider/model pair with the agent's generation
// parameters and the environment's credentials.
func (h *Handle) callConfig(providerName, model string, a *world.Agent) providers.Config {
	cfg := providers.Config{
		Provider:    strings.ToLower(providerName),
		Model:       model,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}
	pc := h.mgr.cfg.Providers
	switch cfg.Provider {
	case providers.ProviderAnthropic:
		cfg.APIKey, cfg.BaseURL = pc.Anthropic.APIKey, pc.Anthropic.BaseURL
	case providers.ProviderOpenAI:
		cfg.APIKey, cfg.BaseURL = pc.OpenAI.APIKey, pc.OpenAI.BaseURL
	case providers.ProviderAzure:
		cfg.APIKey = pc.Azure.APIKey
		cfg.AzureEndpoint = pc.Azure.Endpoint
		cfg.AzureDeployment = pc.Azure.Deployment
		cfg.AzureAPIVersion = pc.Azure.APIVersion
	case providers.ProviderOllama:
		cfg.APIKey, cfg.BaseURL = pc.Ollama.APIKey, pc.Ollama.BaseURL
	case providers.ProviderGoogle:
		cfg.APIKey, cfg.BaseURL = pc.Google.APIKey, pc.Google.BaseURL
	case providers.ProviderXAI:
		cfg.APIKey, cfg.BaseURL = pc.XAI.APIKey, pc.XAI.BaseURL
	case providers.ProviderOpenRouter:
		cfg.APIKey, cfg.BaseURL = pc.OpenRouter.APIKey, pc.OpenRouter.BaseURL
	}
	return cfg
}

func (h *Handle) RecordUsage(agentID, model string, usage *providers.Usage) {
	if h.tracker == nil || usage == nil {
		return
	}
	h.tracker.Record(metrics.TokenEvent{
		World:        h.WorldID(),
		Agent:        agentID,
		Model:        model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.TotalTokens,
	})
}

// ---- world record access ----

// World returns a copy of the world config record.
func (h *Handle) World() world.World {
	return h.chatMgr.World()
}

// Update mutates the world config and re-persists it. A storage failure
// rolls the in-memory record back.
func (h *Handle) Update(mutate func(*world.World)) error {
	if err := h.chatMgr.UpdateWorld(mutate); err != nil {
		return err
	}
	h.turns.SetLimit(h.chatMgr.World().TurnLimit)
	return nil
}

// ---- agent directory ----

// CreateAgent validates, persists and subscribes a new agent. The runtime is
// on the message topic before this returns.
func (h *Handle) CreateAgent(name, systemPrompt string, mutate func(*world.Agent)) (*world.Agent, error) {
	id := world.ToKebab(name)
	if !world.ValidID(id) {
		return nil, world.Validationf("name", "cannot derive a valid identifier from %q", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.agents[id]; exists {
		return nil, world.Conflictf("agent %s already exists in world %s", id, h.worldID)
	}

	now := time.Now().UTC()
	a := &world.Agent{
		ID:           id,
		Name:         name,
		Type:         "assistant",
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		LastActive:   now,
	}
	if mutate != nil {
		mutate(a)
	}

	if err := h.mgr.store.SaveAgent(h.worldID, a, nil); err != nil {
		return nil, err
	}

	rt := agent.NewRuntime(h, a, nil)
	rt.Start(h.ctx)
	h.agents[id] = rt

	logger.InfoCF("world", "agent created", map[string]interface{}{
		"world": h.worldID, "agent": id,
	})
	return a.Clone(), nil
}

// GetAgent returns a copy of an agent record.
func (h *Handle) GetAgent(agentID string) (*world.Agent, error) {
	h.mu.RLock()
	rt, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil, world.NotFoundf("agent %s in world %s", agentID, h.WorldID())
	}
	return rt.Agent(), nil
}

// AgentMemory returns a copy of an agent's memory log.
func (h *Handle) AgentMemory(agentID string) ([]world.AgentMessage, error) {
	h.mu.RLock()
	rt, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil, world.NotFoundf("agent %s in world %s", agentID, h.WorldID())
	}
	return rt.Memory(), nil
}

// ListAgents returns copies of all agent records, sorted by name.
func (h *Handle) ListAgents() []*world.Agent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*world.Agent, 0, len(h.agents))
	for _, rt := range h.agents {
		out = append(out, rt.Agent())
	}
	sortAgents(out)
	return out
}

// UpdateAgent applies an admin edit and re-persists config and memory.
func (h *Handle) UpdateAgent(agentID string, mutate func(*world.Agent)) (*world.Agent, error) {
	h.mu.RLock()
	rt, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil, world.NotFoundf("agent %s in world %s", agentID, h.WorldID())
	}
	a := rt.UpdateConfig(mutate)
	if err := h.mgr.store.SaveAgent(h.WorldID(), a, rt.Memory()); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAgent stops the runtime and removes the agent's storage.
func (h *Handle) DeleteAgent(agentID string) error {
	h.mu.Lock()
	rt, ok := h.agents[agentID]
	if ok {
		delete(h.agents, agentID)
	}
	h.mu.Unlock()
	if !ok {
		return world.NotFoundf("agent %s in world %s", agentID, h.WorldID())
	}
	rt.Stop()
	return h.mgr.store.DeleteAgent(h.WorldID(), agentID)
}

// ClearAgentMemory truncates memory and per-chat counts, keeping config.
func (h *Handle) ClearAgentMemory(agentID string) error {
	h.mu.RLock()
	rt, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return world.NotFoundf("agent %s in world %s", agentID, h.WorldID())
	}
	return rt.ClearMemory()
}

// ---- chat/message convenience ----

// PublishHuman publishes plain human input into the world.
func (h *Handle) PublishHuman(content string) string {
	id := uuid.NewString()
	h.PublishMessage(bus.MessageEvent{
		Content:   content,
		Sender:    HumanSender,
		MessageID: id,
		CreatedAt: time.Now().UTC(),
	})
	return id
}

// SetChat switches the active chat and resets the target chat's turn state.
func (h *Handle) SetChat(chatID string) error {
	if err := h.chatMgr.SetChat(chatID); err != nil {
		return err
	}
	h.turns.Reset(chatID)
	h.PublishSystem("chat", "active chat switched to "+chatID)
	return nil
}

// DeleteChat removes a chat along with its approval grants.
func (h *Handle) DeleteChat(chatID string) error {
	if err := h.chatMgr.DeleteChat(chatID); err != nil {
		return err
	}
	h.approvals.EndChat(chatID)
	h.turns.Reset(chatID)
	return nil
}

// CreateWorldChat snapshots the given chat (active chat when empty) and
// stores the capture on the chat record.
func (h *Handle) CreateWorldChat(chatID string) (*world.WorldChat, error) {
	if chatID == "" {
		chatID = h.chatMgr.ActiveChatID()
	}
	if chatID == "" {
		return nil, world.NotFoundf("no active chat in world %s", h.WorldID())
	}
	wc, err := h.chatMgr.CreateWorldChat(chatID)
	if err != nil {
		return nil, err
	}
	if err := h.mgr.store.SaveWorldChat(h.WorldID(), chatID, wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// RestoreFromWorldChat applies a snapshot and reloads every agent runtime
// from the restored storage state.
func (h *Handle) RestoreFromWorldChat(wc *world.WorldChat, chatID string) error {
	if err := h.chatMgr.RestoreFromWorldChat(wc, chatID); err != nil {
		return err
	}
	return h.reloadAgents()
}

// reloadAgents stops all runtimes and rebuilds them from storage.
func (h *Handle) reloadAgents() error {
	h.mu.Lock()
	old := h.agents
	h.agents = make(map[string]*agent.Runtime)
	h.mu.Unlock()
	for _, rt := range old {
		rt.Stop()
	}

	agents, err := h.mgr.store.ListAgents(h.WorldID())
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range agents {
		full, memory, err := h.mgr.store.LoadAgent(h.worldID, a.ID)
		if err != nil {
			return err
		}
		rt := agent.NewRuntime(h, full, memory)
		rt.Start(h.ctx)
		h.agents[full.ID] = rt
	}
	return nil
}

// archiveLoop periodically archives agent memory per the world's cron
// schedule.
func (h *Handle) archiveLoop(schedule string) {
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		logger.WarnCF("world", "invalid archive schedule", map[string]interface{}{
			"world": h.WorldID(), "schedule": schedule,
		})
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case now := <-ticker.C:
			due, err := gron.IsDue(schedule, now)
			if err != nil || !due {
				continue
			}
			for _, a := range h.ListAgents() {
				if err := h.mgr.store.ArchiveAgentMemory(h.WorldID(), a.ID); err != nil {
					logger.WarnCF("world", "memory archive failed", map[string]interface{}{
						"world": h.WorldID(), "agent": a.ID, "error": err.Error(),
					})
				}
			}
		}
	}
}

// teardown cancels every subscription and in-flight turn.
func (h *Handle) teardown() {
	h.cancel()
	h.approvals.CancelAll()

	h.mu.Lock()
	agents := h.agents
	h.agents = make(map[string]*agent.Runtime)
	h.mu.Unlock()
	for _, rt := range agents {
		rt.Stop()
	}

	h.routeSub.Cancel()
	h.mcpMgr.StopAll()
}

func sortAgents(agents []*world.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
}
