package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/wire"
	"github.com/yysun/agent-world/pkg/world"
	"github.com/yysun/agent-world/pkg/worlds"
)

// CLI holds the REPL state: the selected world, its event watcher and any
// approval requests awaiting a decision.
type CLI struct {
	mgr *worlds.Manager
	out io.Writer

	selected    *worlds.Handle
	watchCancel func()

	approvalMu sync.Mutex
	pending    map[string]*approvalReq // toolCallID -> request
}

func (c *CLI) rememberApproval(chatID string, req *approvalReq) {
	c.approvalMu.Lock()
	defer c.approvalMu.Unlock()
	if c.pending == nil {
		c.pending = make(map[string]*approvalReq)
	}
	req.chatID = chatID
	c.pending[req.toolCallID] = req
}

func (c *CLI) takeApproval(toolCallID string) *approvalReq {
	c.approvalMu.Lock()
	defer c.approvalMu.Unlock()
	req := c.pending[toolCallID]
	delete(c.pending, toolCallID)
	return req
}

func (c *CLI) updatePrompt(rl *readline.Instance) {
	if c.selected == nil {
		rl.SetPrompt("> ")
		return
	}
	rl.SetPrompt(c.selected.WorldID() + "> ")
}

// Dispatch handles one input line. Returns true when the REPL should exit.
// Un-prefixed input is published as a human message into the selected world.
func (c *CLI) Dispatch(line string) bool {
	if !strings.HasPrefix(line, "/") {
		if c.selected == nil {
			fmt.Fprintln(c.out, "no world selected; use /world select <id>")
			return false
		}
		c.selected.PublishHuman(line)
		return false
	}

	fields := strings.Fields(line)
	cmd := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch cmd {
	case "help", "h":
		c.printHelp()
	case "quit", "exit", "q":
		return true
	case "world", "w":
		c.worldCommand(args, line)
	case "agent", "a":
		c.agentCommand(args, line)
	case "chat", "c":
		c.chatCommand(args, line)
	case "approve":
		c.approveCommand(args)
	default:
		fmt.Fprintf(c.out, "unknown command /%s; try /help\n", cmd)
	}
	return false
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `Commands:
  /world list | show [id] | create <name> [desc] | update <id> <field> <value>
         delete <id> | select <id> | export [chat-id] [file]
  /agent list | show <id> | create <name> [prompt...] | update <id> <field> <value>
         delete <id> | clear <id>
  /chat  list [--active] | create <name> | select|switch <id> | delete <id>
         rename <id> <name> [desc] | export [id] [file]
  /approve <tool_call_id> deny|once|session
  /help  /quit
Plain input is sent as a message into the selected world.
`)
}

func (c *CLI) requireWorld() *worlds.Handle {
	if c.selected == nil {
		fmt.Fprintln(c.out, "no world selected; use /world select <id>")
	}
	return c.selected
}

func tail(line string, n int) string {
	fields := strings.SplitN(line, " ", n+1)
	if len(fields) <= n {
		return ""
	}
	return strings.TrimSpace(fields[n])
}

// ---- /world ----

func (c *CLI) worldCommand(args []string, line string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "usage: /world list|show|create|update|delete|select|export")
		return
	}
	switch args[0] {
	case "list", "ls":
		list, err := c.mgr.ListWorlds()
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		for _, w := range list {
			marker := " "
			if c.selected != nil && c.selected.WorldID() == w.ID {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %-20s %s\n", marker, w.ID, w.Name)
		}
	case "show":
		h := c.selected
		if len(args) > 1 {
			var err error
			h, err = c.mgr.GetWorld(args[1])
			if err != nil {
				fmt.Fprintln(c.out, "error:", err)
				return
			}
		}
		if h == nil {
			fmt.Fprintln(c.out, "no world selected")
			return
		}
		printJSON(c.out, h.World())
	case "create":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /world create <name> [description]")
			return
		}
		desc := tail(line, 3)
		h, err := c.mgr.CreateWorld(args[1], desc, nil)
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		c.selectWorld(h)
		fmt.Fprintf(c.out, "world %s created and selected\n", h.WorldID())
	case "update":
		if len(args) < 4 {
			fmt.Fprintln(c.out, "usage: /world update <id> <field> <value>")
			return
		}
		err := c.mgr.UpdateWorld(args[1], func(w *world.World) {
			applyWorldField(w, args[2], strings.Join(args[3:], " "))
		})
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "updated")
	case "delete", "rm":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /world delete <id>")
			return
		}
		if c.selected != nil && c.selected.WorldID() == args[1] {
			c.deselect()
		}
		if err := c.mgr.DeleteWorld(args[1]); err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "deleted")
	case "select", "sel":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /world select <id>")
			return
		}
		h, err := c.mgr.GetWorld(args[1])
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		c.selectWorld(h)
		fmt.Fprintf(c.out, "world %s selected\n", h.WorldID())
	case "export":
		c.exportChat(args[1:])
	default:
		fmt.Fprintf(c.out, "unknown subcommand: world %s\n", args[0])
	}
}

func (c *CLI) selectWorld(h *worlds.Handle) {
	c.deselect()
	c.selected = h
	c.watch(h)
}

func (c *CLI) deselect() {
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	c.selected = nil
}

func applyWorldField(w *world.World, field, value string) {
	switch field {
	case "name":
		w.Name = value
	case "description", "desc":
		w.Description = value
	case "turn-limit", "turn_limit":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			w.TurnLimit = n
		}
	case "provider":
		w.Provider = value
	case "model":
		w.Model = value
	case "fallback-provider":
		w.FallbackProvider = value
	case "fallback-model":
		w.FallbackModel = value
	case "archive-schedule":
		w.ArchiveSchedule = value
	}
}

// ---- /agent ----

func (c *CLI) agentCommand(args []string, line string) {
	h := c.requireWorld()
	if h == nil {
		return
	}
	if len(args) == 0 {
		fmt.Fprintln(c.out, "usage: /agent list|show|create|update|delete|clear")
		return
	}
	switch args[0] {
	case "list", "ls":
		for _, a := range h.ListAgents() {
			fmt.Fprintf(c.out, "%-20s %-20s calls=%d\n", a.ID, a.Name, a.LLMCallCount)
		}
	case "show":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /agent show <id>")
			return
		}
		a, err := h.GetAgent(args[1])
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		printJSON(c.out, a)
		fmt.Fprintf(c.out, "system prompt:\n%s\n", a.ResolvedPrompt())
	case "create":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /agent create <name> [system prompt]")
			return
		}
		prompt := tail(line, 3)
		a, err := h.CreateAgent(args[1], prompt, nil)
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintf(c.out, "agent %s created\n", a.ID)
	case "update":
		if len(args) < 4 {
			fmt.Fprintln(c.out, "usage: /agent update <id> <field> <value>")
			return
		}
		_, err := h.UpdateAgent(args[1], func(a *world.Agent) {
			applyAgentField(a, args[2], strings.Join(args[3:], " "))
		})
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "updated")
	case "delete", "rm":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /agent delete <id>")
			return
		}
		if err := h.DeleteAgent(args[1]); err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "deleted")
	case "clear":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /agent clear <id>")
			return
		}
		if err := h.ClearAgentMemory(args[1]); err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "memory cleared")
	default:
		fmt.Fprintf(c.out, "unknown subcommand: agent %s\n", args[0])
	}
}

func applyAgentField(a *world.Agent, field, value string) {
	switch field {
	case "name":
		a.Name = value
	case "provider":
		a.Provider = value
	case "model":
		a.Model = value
	case "temperature", "temp":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			a.Temperature = f
		}
	case "max-tokens", "max_tokens":
		if n, err := strconv.Atoi(value); err == nil {
			a.MaxTokens = n
		}
	case "prompt", "system-prompt":
		a.SystemPrompt = value
	}
}

// ---- /chat ----

func (c *CLI) chatCommand(args []string, line string) {
	h := c.requireWorld()
	if h == nil {
		return
	}
	if len(args) == 0 {
		fmt.Fprintln(c.out, "usage: /chat list|create|select|switch|delete|rename|export")
		return
	}
	switch args[0] {
	case "list", "ls":
		activeOnly := len(args) > 1 && args[1] == "--active"
		list, err := h.Chats().ListChats()
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		active := h.Chats().ActiveChatID()
		for _, ch := range list {
			if activeOnly && ch.ID != active {
				continue
			}
			marker := " "
			if ch.ID == active {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %-36s %-20s msgs=%d\n", marker, ch.ID, ch.Name, ch.MessageCount)
		}
	case "create", "new":
		var ch *world.Chat
		var err error
		if len(args) > 1 {
			ch, err = h.Chats().CreateChat(strings.Join(args[1:], " "), "")
		} else {
			ch, err = h.Chats().NewChat()
		}
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintf(c.out, "chat %s (%s) created and active\n", ch.ID, ch.Name)
	case "select", "switch", "sel":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /chat select <id>")
			return
		}
		if err := h.SetChat(args[1]); err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "chat selected")
	case "delete", "rm":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: /chat delete <id>")
			return
		}
		if err := h.DeleteChat(args[1]); err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "deleted")
	case "rename":
		if len(args) < 3 {
			fmt.Fprintln(c.out, "usage: /chat rename <id> <name> [description]")
			return
		}
		desc := tail(line, 4)
		if _, err := h.Chats().UpdateChat(args[1], args[2], desc); err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		fmt.Fprintln(c.out, "renamed")
	case "export":
		c.exportChat(args[1:])
	default:
		fmt.Fprintf(c.out, "unknown subcommand: chat %s\n", args[0])
	}
}

// approveCommand answers a pending tool-call approval request.
func (c *CLI) approveCommand(args []string) {
	h := c.requireWorld()
	if h == nil {
		return
	}
	if len(args) < 2 {
		fmt.Fprintln(c.out, "usage: /approve <tool_call_id> deny|once|session")
		return
	}
	req := c.takeApproval(args[0])
	if req == nil {
		fmt.Fprintf(c.out, "no pending approval for %s\n", args[0])
		return
	}

	decision := wire.Decision{ToolName: req.toolName, WorkingDirectory: req.workingDir}
	switch args[1] {
	case "once":
		decision.Approve = true
		decision.Scope = "once"
	case "session", "always":
		decision.Approve = true
		decision.Scope = "session"
	case "deny", "cancel":
		// Approve stays false.
	default:
		fmt.Fprintf(c.out, "unknown decision %q; use deny|once|session\n", args[1])
		c.rememberApproval(req.chatID, req)
		return
	}

	content, err := wire.BuildToolResultEnvelope(req.toolCallID, "", decision)
	if err != nil {
		fmt.Fprintln(c.out, "error:", err)
		return
	}
	h.PublishMessage(bus.MessageEvent{
		Content: content,
		Sender:  worlds.HumanSender,
		ChatID:  req.chatID,
	})
	fmt.Fprintln(c.out, "decision sent")
}

// exportChat snapshots a chat (active when unspecified) and writes the
// WorldChat JSON to a file or stdout.
func (c *CLI) exportChat(args []string) {
	h := c.requireWorld()
	if h == nil {
		return
	}
	chatID := ""
	file := ""
	if len(args) > 0 {
		chatID = args[0]
	}
	if len(args) > 1 {
		file = args[1]
	}

	wc, err := h.CreateWorldChat(chatID)
	if err != nil {
		fmt.Fprintln(c.out, "error:", err)
		return
	}
	data, err := json.MarshalIndent(wc, "", "  ")
	if err != nil {
		fmt.Fprintln(c.out, "error:", err)
		return
	}
	if file == "" {
		fmt.Fprintln(c.out, string(data))
		return
	}
	if err := os.WriteFile(file, data, 0644); err != nil {
		fmt.Fprintln(c.out, "error:", err)
		return
	}
	fmt.Fprintf(c.out, "exported %d messages to %s\n", wc.Metadata.TotalMessages, file)
}

func printJSON(out io.Writer, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintln(out, string(data))
}
