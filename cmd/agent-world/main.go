package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/server"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/wire"
	"github.com/yysun/agent-world/pkg/worlds"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger.SetLevelName(cfg.LogLevel)

	store, err := storage.New(cfg.Storage, cfg.DataPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "storage:", err)
		os.Exit(1)
	}

	mgr := worlds.NewManager(cfg, store)
	defer mgr.Close()

	if cfg.HTTPAddr != "" {
		srv := server.New(mgr)
		go func() {
			if err := srv.ListenAndServe(cfg.HTTPAddr); err != nil {
				logger.ErrorCF("server", "HTTP surface stopped", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	cli := &CLI{mgr: mgr, out: os.Stdout}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("agent-world. Type /help for commands.")
	for {
		cli.updatePrompt(rl)
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if quit := cli.Dispatch(line); quit {
			return
		}
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.agent-world_history"
}

// watch prints world events until the subscription ends. It runs per
// selected world; pending approval requests become interactive prompts.
func (c *CLI) watch(h *worlds.Handle) {
	msgSub := h.Subscribe(bus.TopicMessage)
	sseSub := h.Subscribe(bus.TopicSSE)
	sysSub := h.Subscribe(bus.TopicSystem)
	c.watchCancel = func() {
		msgSub.Cancel()
		sseSub.Cancel()
		sysSub.Cancel()
	}

	print := func(ev bus.Event) {
		switch ev.Kind {
		case bus.KindMessage:
			m := ev.Message
			if wire.IsToolResultEnvelope(m.Content) {
				return
			}
			if req := approvalRequest(m); req != nil {
				c.rememberApproval(m.ChatID, req)
				fmt.Fprintf(c.out, "\n%s\n  respond with: /approve %s deny|once|session\n", m.Content, req.toolCallID)
				return
			}
			if strings.EqualFold(m.Sender, worlds.HumanSender) {
				return // echoed input
			}
			fmt.Fprintf(c.out, "\n%s: %s\n", m.Sender, m.Content)
		case bus.KindSSE:
			s := ev.SSE
			switch s.Phase {
			case bus.PhaseStart:
				fmt.Fprintf(c.out, "\n[%s is thinking...]\n", s.AgentName)
			case bus.PhaseError:
				fmt.Fprintf(c.out, "\n[%s error: %s]\n", s.AgentName, s.Error)
			}
		case bus.KindSystem:
			fmt.Fprintf(c.out, "\n[system/%s] %s\n", ev.System.Category, ev.System.Content)
		}
	}

	go func() {
		for ev := range msgSub.C {
			print(ev)
		}
	}()
	go func() {
		for ev := range sseSub.C {
			print(ev)
		}
	}()
	go func() {
		for ev := range sysSub.C {
			print(ev)
		}
	}()
}

type approvalReq struct {
	toolCallID string
	toolName   string
	workingDir string
	chatID     string
}

func approvalRequest(m *bus.MessageEvent) *approvalReq {
	for _, tc := range m.ToolCalls {
		if tc.Name != wire.RequestApprovalFunction {
			continue
		}
		req := &approvalReq{toolCallID: tc.ID}
		if orig, ok := tc.Arguments["originalToolCall"].(map[string]interface{}); ok {
			req.toolName, _ = orig["name"].(string)
		}
		req.workingDir, _ = tc.Arguments["workingDirectory"].(string)
		return req
	}
	return nil
}
