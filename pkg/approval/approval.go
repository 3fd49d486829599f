// Package approval implements the tool-call approval engine: trusted-tool
// bypass, per-chat session grants keyed by tool identity, and the pending
// request state machine.
//
//	PENDING --approve(once)----> EXECUTING --result--> DONE
//	        --approve(session)-> EXECUTING --result--> DONE  [key cached]
//	        --deny------------->  DONE [synthetic denial]
//	        --cancel----------->  DONE [synthetic cancel]
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/wire"
)

// DeniedResult is the synthetic tool result injected when a human denies a
// call.
const DeniedResult = "Tool execution denied by user"

// CancelledResult is the synthetic tool result injected when a pending
// approval is invalidated by CancelAll (world destroyed).
const CancelledResult = "Tool execution cancelled"

// defaultTrusted are builtin tools executing without approval.
var defaultTrusted = []string{"think", "read_file", "list_dir"}

// shellToolName is additionally keyed on its effective working directory.
const shellToolName = "shell_cmd"

type pendingRequest struct {
	agentID string
	ch      chan wire.Decision
}

// Engine is one world's approval state. Session grants are scoped per chat
// and cleared when the chat ends.
type Engine struct {
	worldID string

	mu       sync.Mutex
	trusted  map[string]bool
	approved map[string]map[string]struct{} // chatID -> approval keys
	pending  map[string]*pendingRequest     // toolCallID -> waiter
}

// NewEngine creates an engine with the default trusted set.
func NewEngine(worldID string) *Engine {
	e := &Engine{
		worldID:  worldID,
		trusted:  make(map[string]bool),
		approved: make(map[string]map[string]struct{}),
		pending:  make(map[string]*pendingRequest),
	}
	for _, name := range defaultTrusted {
		e.trusted[name] = true
	}
	return e
}

// Trust marks a tool as exempt from approval.
func (e *Engine) Trust(toolName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trusted[toolName] = true
}

// IsTrusted reports whether a tool executes without approval.
func (e *Engine) IsTrusted(toolName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trusted[toolName]
}

// Key computes the approval identity of a call: the tool name plus a
// canonical hash of the full argument object. For shell-style tools the
// effective working directory is additionally part of the key, so the same
// command approved in one directory does not carry over to another.
func Key(toolName string, args map[string]interface{}, workingDir string) string {
	sum := sha256.Sum256([]byte(canonicalJSON(args)))
	key := toolName + "\x00" + hex.EncodeToString(sum[:])
	if toolName == shellToolName {
		key += "\x00" + workingDir
	}
	return key
}

// canonicalJSON renders a value with recursively sorted object keys and no
// insignificant whitespace, so equal argument objects hash equally.
func canonicalJSON(v interface{}) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(sb, "%q", fmt.Sprintf("%v", val))
			return
		}
		sb.Write(b)
	}
}

// IsApproved reports whether the key holds a session grant in the chat.
func (e *Engine) IsApproved(chatID, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.approved[chatID]
	if !ok {
		return false
	}
	_, ok = set[key]
	return ok
}

// CacheApproval records a session-scoped grant for the chat.
func (e *Engine) CacheApproval(chatID, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.approved[chatID] == nil {
		e.approved[chatID] = make(map[string]struct{})
	}
	e.approved[chatID][key] = struct{}{}
}

// Register creates a pending request for a tool call and returns the channel
// its decision arrives on. The agentID linkage routes responses back to the
// correct suspended turn.
func (e *Engine) Register(toolCallID, agentID string) <-chan wire.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	req := &pendingRequest{
		agentID: agentID,
		ch:      make(chan wire.Decision, 1),
	}
	e.pending[toolCallID] = req
	return req.ch
}

// Unregister discards a pending request without resolving it.
func (e *Engine) Unregister(toolCallID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, toolCallID)
}

// Resolve routes a parsed envelope to its suspended request. Returns false
// when no request is pending under that tool-call id.
func (e *Engine) Resolve(env *wire.ToolResultEnvelope) bool {
	e.mu.Lock()
	req, ok := e.pending[env.ToolCallID]
	if ok {
		delete(e.pending, env.ToolCallID)
	}
	e.mu.Unlock()
	if !ok {
		logger.WarnCF("approval", "tool result for unknown call", map[string]interface{}{
			"world": e.worldID, "tool_call_id": env.ToolCallID,
		})
		return false
	}
	req.ch <- env.Decision
	return true
}

// AgentFor returns the agent awaiting the given tool call.
func (e *Engine) AgentFor(toolCallID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.pending[toolCallID]
	if !ok {
		return "", false
	}
	return req.agentID, true
}

// EndChat clears the chat's session grants. Pending requests are left as
// they are; CancelAll resolves those.
func (e *Engine) EndChat(chatID string) {
	e.mu.Lock()
	delete(e.approved, chatID)
	e.mu.Unlock()
}

// CancelAll resolves every pending request as cancelled. Called on world
// destroy.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string]*pendingRequest)
	e.mu.Unlock()
	for _, req := range pending {
		req.ch <- wire.Decision{Cancelled: true}
	}
}
