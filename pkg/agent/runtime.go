// Package agent runs the per-agent processing loop: subscribe to the world's
// message topic, filter with the mention rules, assemble context from memory,
// stream the LLM, emit the response and write memory back.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/chats"
	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/mention"
	"github.com/yysun/agent-world/pkg/providers"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/tools"
	"github.com/yysun/agent-world/pkg/wire"
	"github.com/yysun/agent-world/pkg/world"
)

// maxToolIterations bounds LLM round-trips within a single turn.
const maxToolIterations = 10

// chunkInterval throttles sse chunk emission.
const chunkInterval = 500 * time.Millisecond

// WorldContext is the handle a runtime uses to reach its world. It breaks
// the agent -> world import cycle: runtimes never import the lifecycle
// manager directly.
type WorldContext interface {
	WorldID() string

	// PublishMessage publishes on the message topic, updating the turn
	// controller synchronously first so counter reads stay ordered with
	// publishes.
	PublishMessage(ev bus.MessageEvent)
	PublishSSE(ev bus.SSEEvent)
	Subscribe(topic bus.Topic) *bus.Subscription

	Storage() storage.Storage
	Turns() *world.TurnController
	Chats() *chats.Manager
	Approvals() *approval.Engine
	Tools() *tools.Registry

	// ProviderFor resolves the streaming adapter and call config for an
	// agent, falling back to the world defaults where the agent omits them.
	ProviderFor(a *world.Agent) (providers.Provider, providers.Config, error)

	RecordUsage(agentID, model string, usage *providers.Usage)
}

// Runtime is one agent's live subscription and processing loop.
type Runtime struct {
	wctx WorldContext

	mu     sync.Mutex
	agent  *world.Agent
	memory []world.AgentMessage

	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuntime wraps an agent record and its loaded memory.
func NewRuntime(wctx WorldContext, a *world.Agent, memory []world.AgentMessage) *Runtime {
	return &Runtime{
		wctx:   wctx,
		agent:  a,
		memory: memory,
	}
}

// Agent returns a copy of the agent record.
func (r *Runtime) Agent() *world.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent.Clone()
}

// UpdateConfig applies an admin edit to the live agent record.
func (r *Runtime) UpdateConfig(mutate func(*world.Agent)) *world.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(r.agent)
	return r.agent.Clone()
}

// ClearMemory drops all memory entries and per-chat counts, keeping config.
func (r *Runtime) ClearMemory() error {
	r.mu.Lock()
	r.memory = nil
	r.agent.MessageCounts = nil
	a := r.agent.Clone()
	r.mu.Unlock()
	return r.wctx.Storage().SaveAgent(r.wctx.WorldID(), a, nil)
}

// Memory returns a copy of the agent's memory log.
func (r *Runtime) Memory() []world.AgentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]world.AgentMessage, len(r.memory))
	copy(out, r.memory)
	return out
}

// ReplaceMemory swaps the in-memory log after an external restore.
func (r *Runtime) ReplaceMemory(memory []world.AgentMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory = memory
}

// Start subscribes the runtime to the world's message topic and begins
// processing. It returns immediately.
func (r *Runtime) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.sub = r.wctx.Subscribe(bus.TopicMessage)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop cancels the subscription and any in-flight turn, and waits for the
// loop to exit.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.sub.Cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.C:
			if !ok {
				return
			}
			if ev.Kind != bus.KindMessage || ev.Message == nil {
				continue
			}
			r.handle(ctx, ev.Message)
		}
	}
}

// handle processes one delivered message event. Errors never escape: a
// failing turn degrades to an sse error frame and a log line.
func (r *Runtime) handle(ctx context.Context, ev *bus.MessageEvent) {
	r.mu.Lock()
	agentID := r.agent.ID
	agentName := r.agent.Name
	r.mu.Unlock()

	// Approval traffic is engine-to-client plumbing, not conversation.
	if wire.IsToolResultEnvelope(ev.Content) || isApprovalRequest(ev) {
		return
	}

	// Own emissions were recorded at publish time.
	if strings.EqualFold(ev.Sender, agentID) || strings.EqualFold(ev.Sender, agentName) {
		return
	}

	chatID := ev.ChatID
	if chatID == "" {
		chatID = r.wctx.Chats().ActiveChatID()
	}

	incoming := incomingMemoryEntry(ev, chatID)

	if !mention.ShouldRespond(agentID, agentName, incoming) {
		r.remember(incoming)
		return
	}
	if !r.wctx.Turns().Allow(chatID) {
		logger.DebugCF("agent", "turn budget exhausted, passive memory", map[string]interface{}{
			"world": r.wctx.WorldID(), "agent": agentID, "chat": chatID,
		})
		r.remember(incoming)
		return
	}

	r.wctx.Chats().BeginTurn(chatID)
	defer r.wctx.Chats().EndTurn(chatID)
	r.respond(ctx, incoming, chatID)
}

// incomingMemoryEntry shapes a message event as this agent sees it: user
// input attributed to the original sender.
func incomingMemoryEntry(ev *bus.MessageEvent, chatID string) world.AgentMessage {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return world.AgentMessage{
		Role:             world.RoleUser,
		Content:          ev.Content,
		Sender:           ev.Sender,
		MessageID:        ev.MessageID,
		ReplyToMessageID: ev.ReplyToMessageID,
		ChatID:           chatID,
		CreatedAt:        createdAt,
	}
}

func isApprovalRequest(ev *bus.MessageEvent) bool {
	for _, tc := range ev.ToolCalls {
		if tc.Name == wire.RequestApprovalFunction {
			return true
		}
	}
	return false
}

// remember appends the entry to memory (exactly once per message id) and
// persists. This is the passive-memory path: every agent retains the full
// conversation even when it does not respond.
func (r *Runtime) remember(entry world.AgentMessage) {
	r.mu.Lock()
	for _, m := range r.memory {
		if m.MessageID != "" && m.MessageID == entry.MessageID {
			r.mu.Unlock()
			return
		}
	}
	r.memory = append(r.memory, entry)
	snapshot := make([]world.AgentMessage, len(r.memory))
	copy(snapshot, r.memory)
	agentID := r.agent.ID
	r.mu.Unlock()

	if err := r.wctx.Storage().SaveAgentMemory(r.wctx.WorldID(), agentID, snapshot); err != nil {
		logger.ErrorCF("agent", "memory save failed", map[string]interface{}{
			"world": r.wctx.WorldID(), "agent": agentID, "error": err.Error(),
		})
	}
}

// respond runs the full turn: prompt assembly, streaming, tool handling,
// response emission and memory write-back.
func (r *Runtime) respond(ctx context.Context, incoming world.AgentMessage, chatID string) {
	r.mu.Lock()
	a := r.agent.Clone()
	memorySnapshot := make([]world.AgentMessage, len(r.memory))
	copy(memorySnapshot, r.memory)
	r.agent.LLMCallCount++
	r.mu.Unlock()

	provider, cfg, err := r.wctx.ProviderFor(a)
	if err != nil {
		r.emitError(a.Name, "", err.Error())
		r.remember(incoming)
		return
	}

	messages := BuildMessages(a.ResolvedPrompt(), memorySnapshot, incoming, chatID, DefaultContextWindow)
	messageID := uuid.NewString()

	r.wctx.PublishSSE(bus.SSEEvent{
		AgentName: a.Name,
		Phase:     bus.PhaseStart,
		MessageID: messageID,
	})

	// Memory entries produced by this turn; persisted only on success.
	turnMemory := []world.AgentMessage{incoming}

	var finalContent string
	var usage *bus.Usage

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		stream, err := provider.StreamChat(ctx, cfg, messages, r.wctx.Tools().Definitions())
		if err != nil {
			r.streamFailed(ctx, a.Name, messageID, err)
			if ctx.Err() == nil {
				r.remember(incoming)
			}
			return
		}

		notifier := bus.NewStreamNotifier(chunkInterval, func(fullText string) {
			r.wctx.PublishSSE(bus.SSEEvent{
				AgentName: a.Name,
				Phase:     bus.PhaseChunk,
				MessageID: messageID,
				Content:   fullText,
			})
		})

		var content strings.Builder
		var toolCalls []providers.ToolCall
		var streamErr error

	consume:
		for chunk := range stream {
			switch chunk.Kind {
			case providers.ChunkContent:
				content.WriteString(chunk.Delta)
				notifier.Append(chunk.Delta)
			case providers.ChunkToolCall:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			case providers.ChunkUsage:
				usage = &bus.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			case providers.ChunkError:
				streamErr = chunk.Err
				break consume
			case providers.ChunkEnd:
				break consume
			}
		}
		notifier.Flush()

		if ctx.Err() != nil {
			// Cancellation: no message event, no memory update.
			r.streamFailed(ctx, a.Name, messageID, ctx.Err())
			return
		}
		if streamErr != nil {
			// Provider failure: the turn ends, but the incoming message
			// still lands in memory so the conversation record stays whole.
			r.streamFailed(ctx, a.Name, messageID, streamErr)
			r.remember(incoming)
			return
		}

		if len(toolCalls) == 0 {
			finalContent = content.String()
			break
		}

		// Record the assistant turn with its tool calls, then resolve each
		// call through the approval engine.
		assistantEntry := world.AgentMessage{
			Role:      world.RoleAssistant,
			Content:   content.String(),
			MessageID: uuid.NewString(),
			ChatID:    chatID,
			CreatedAt: time.Now().UTC(),
			AgentID:   a.ID,
		}
		assistantMsg := providers.Message{Role: "assistant", Content: content.String()}
		for _, tc := range toolCalls {
			payload := world.ToolCallPayload{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			assistantEntry.ToolCalls = append(assistantEntry.ToolCalls, payload)
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, tc)
		}
		turnMemory = append(turnMemory, assistantEntry)
		messages = append(messages, assistantMsg)

		for _, tc := range toolCalls {
			resultContent, cancelled := r.resolveToolCall(ctx, a, chatID, messageID, tc)
			if cancelled {
				r.streamFailed(ctx, a.Name, messageID, context.Canceled)
				return
			}
			toolEntry := world.AgentMessage{
				Role:       world.RoleTool,
				Content:    resultContent,
				ToolCallID: tc.ID,
				ChatID:     chatID,
				CreatedAt:  time.Now().UTC(),
				AgentID:    a.ID,
			}
			turnMemory = append(turnMemory, toolEntry)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    resultContent,
				ToolCallID: tc.ID,
			})
		}
	}

	r.wctx.PublishSSE(bus.SSEEvent{
		AgentName: a.Name,
		Phase:     bus.PhaseEnd,
		MessageID: messageID,
		Content:   finalContent,
		Usage:     usage,
	})
	if usage != nil {
		r.wctx.RecordUsage(a.ID, cfg.Model, &providers.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		})
	}

	outbound := bus.MessageEvent{
		Content:          finalContent,
		Sender:           a.Name,
		MessageID:        messageID,
		ChatID:           chatID,
		ReplyToMessageID: incoming.MessageID,
		CreatedAt:        time.Now().UTC(),
	}
	r.wctx.PublishMessage(outbound)

	turnMemory = append(turnMemory, world.AgentMessage{
		Role:             world.RoleAssistant,
		Content:          finalContent,
		Sender:           a.Name,
		MessageID:        messageID,
		ReplyToMessageID: incoming.MessageID,
		ChatID:           chatID,
		CreatedAt:        outbound.CreatedAt,
		AgentID:          a.ID,
	})
	r.persistTurn(chatID, turnMemory)
}

// streamFailed terminates a turn on provider error or cancellation: an sse
// error frame goes out. It does not touch memory; on a provider error the
// caller still records the incoming message.
func (r *Runtime) streamFailed(ctx context.Context, agentName, messageID string, err error) {
	msg := err.Error()
	if ctx.Err() != nil {
		msg = "cancelled"
	}
	r.emitError(agentName, messageID, msg)
	logger.WarnCF("agent", "turn aborted", map[string]interface{}{
		"world": r.wctx.WorldID(), "agent": agentName, "error": err.Error(),
	})
}

func (r *Runtime) emitError(agentName, messageID, msg string) {
	r.wctx.PublishSSE(bus.SSEEvent{
		AgentName: agentName,
		Phase:     bus.PhaseError,
		MessageID: messageID,
		Error:     msg,
	})
}

// persistTurn appends the turn's memory entries (deduplicated by message id)
// and updates the agent's counters.
func (r *Runtime) persistTurn(chatID string, entries []world.AgentMessage) {
	r.mu.Lock()
	seen := make(map[string]bool, len(r.memory))
	for _, m := range r.memory {
		if m.MessageID != "" {
			seen[m.MessageID] = true
		}
	}
	for _, e := range entries {
		if e.MessageID != "" && seen[e.MessageID] {
			continue
		}
		r.memory = append(r.memory, e)
		if e.MessageID != "" {
			seen[e.MessageID] = true
		}
	}
	r.agent.LastActive = time.Now().UTC()
	if r.agent.MessageCounts == nil {
		r.agent.MessageCounts = make(map[string]int)
	}
	r.agent.MessageCounts[chatID]++
	a := r.agent.Clone()
	snapshot := make([]world.AgentMessage, len(r.memory))
	copy(snapshot, r.memory)
	r.mu.Unlock()

	if err := r.wctx.Storage().SaveAgent(r.wctx.WorldID(), a, snapshot); err != nil {
		logger.ErrorCF("agent", "agent save failed", map[string]interface{}{
			"world": r.wctx.WorldID(), "agent": a.ID, "error": err.Error(),
		})
	}
}

// resolveToolCall runs one tool call through the approval engine: trusted
// tools execute directly, cached session grants skip the prompt, everything
// else suspends on a human decision.
func (r *Runtime) resolveToolCall(ctx context.Context, a *world.Agent, chatID, turnMessageID string, tc providers.ToolCall) (string, bool) {
	eng := r.wctx.Approvals()
	reg := r.wctx.Tools()

	if eng.IsTrusted(tc.Name) {
		return r.executeTool(ctx, a.Name, turnMessageID, tc), false
	}

	workingDir := ""
	if t, ok := reg.Get(tc.Name); ok {
		if st, ok := t.(*tools.ShellTool); ok {
			workingDir = st.WorkingDir(tc.Arguments)
		}
	}
	key := approval.Key(tc.Name, tc.Arguments, workingDir)

	if !eng.IsApproved(chatID, key) {
		decisionCh := eng.Register(tc.ID, a.ID)
		request := wire.BuildApprovalRequest(tc.ID, a.ID, a.Name, chatID, tc.Name, tc.Arguments, workingDir, uuid.NewString())
		r.wctx.PublishMessage(request)

		var decision wire.Decision
		select {
		case decision = <-decisionCh:
		case <-ctx.Done():
			eng.Unregister(tc.ID)
			return "", true
		}

		if decision.Cancelled {
			return approval.CancelledResult, false
		}
		if !decision.Approve {
			return approval.DeniedResult, false
		}
		if decision.Scope == "session" {
			eng.CacheApproval(chatID, key)
		}
	}

	return r.executeTool(ctx, a.Name, turnMessageID, tc), false
}

func (r *Runtime) executeTool(ctx context.Context, agentName, messageID string, tc providers.ToolCall) string {
	r.wctx.PublishSSE(bus.SSEEvent{
		AgentName: agentName,
		Phase:     bus.PhaseToolStart,
		MessageID: messageID,
		Content:   tc.Name,
	})

	result := r.wctx.Tools().Execute(ctx, tc.Name, tc.Arguments)

	content := result.ForLLM
	if content == "" && result.Err != nil {
		content = result.Err.Error()
	}
	phase := bus.PhaseToolResult
	errText := ""
	if result.IsError {
		phase = bus.PhaseToolError
		errText = content
	}
	r.wctx.PublishSSE(bus.SSEEvent{
		AgentName: agentName,
		Phase:     phase,
		MessageID: messageID,
		Content:   tc.Name,
		Error:     errText,
	})
	return content
}
