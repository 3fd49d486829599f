// Package server exposes worlds over HTTP: JSON endpoints for world state,
// an SSE stream of bus events, and a bidirectional websocket. All frames go
// through the wire adapter; no event shaping happens here.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/yysun/agent-world/pkg/bus"
	"github.com/yysun/agent-world/pkg/logger"
	"github.com/yysun/agent-world/pkg/wire"
	"github.com/yysun/agent-world/pkg/worlds"
	"github.com/yysun/agent-world/pkg/world"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves the HTTP surface for a world manager.
type Server struct {
	mgr *worlds.Manager
	mux *http.ServeMux
}

// New builds the HTTP handler.
func New(mgr *worlds.Manager) *Server {
	s := &Server{mgr: mgr, mux: http.NewServeMux()}
	s.mux.HandleFunc("/worlds", s.handleWorlds)
	s.mux.HandleFunc("/worlds/", s.handleWorld)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	logger.InfoCF("server", "HTTP surface listening", map[string]interface{}{"addr": addr})
	return http.ListenAndServe(addr, s)
}

func (s *Server) handleWorlds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list, err := s.mgr.ListWorlds()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleWorld routes /worlds/{id}[/messages|/events|/ws|/agents|/chats].
func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/worlds/")
	parts := strings.SplitN(rest, "/", 2)
	worldID := parts[0]
	if worldID == "" {
		httpError(w, http.StatusNotFound, "world id required")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	h, err := s.mgr.GetWorld(worldID)
	if err != nil {
		writeErr(w, err)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, h.World())
	case sub == "agents" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, h.ListAgents())
	case sub == "chats" && r.Method == http.MethodGet:
		chats, err := h.Chats().ListChats()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chats)
	case sub == "messages" && r.Method == http.MethodPost:
		s.handleInbound(w, r, h)
	case sub == "events" && r.Method == http.MethodGet:
		s.handleSSE(w, r, h)
	case sub == "ws":
		s.handleWS(w, r, h)
	default:
		httpError(w, http.StatusNotFound, "unknown endpoint")
	}
}

// handleInbound accepts a wire message frame (or plain text) and publishes
// it into the world. Enhanced tool-result envelopes ride the same path; the
// handle dispatches them to the approval engine.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request, h *worlds.Handle) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	ev, err := wire.Decode(body)
	if err != nil {
		// Plain text is tolerated: publish as human input.
		content := strings.TrimSpace(string(body))
		if content == "" {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		id := h.PublishHuman(content)
		writeJSON(w, http.StatusAccepted, map[string]string{"messageId": id})
		return
	}

	msg := *ev.Message
	if msg.Sender == "" {
		msg.Sender = worlds.HumanSender
	}
	h.PublishMessage(msg)
	writeJSON(w, http.StatusAccepted, map[string]string{"messageId": msg.MessageID})
}

// handleSSE streams every bus topic as server-sent events until the client
// disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, h *worlds.Handle) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subs := []*bus.Subscription{
		h.Subscribe(bus.TopicMessage),
		h.Subscribe(bus.TopicSSE),
		h.Subscribe(bus.TopicSystem),
	}
	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	}()

	merged := make(chan bus.Event, 64)
	for _, sub := range subs {
		go func(c <-chan bus.Event) {
			for ev := range c {
				select {
				case merged <- ev:
				case <-r.Context().Done():
					return
				}
			}
		}(sub.C)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-merged:
			frame, err := wire.Encode(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

// handleWS upgrades to a websocket carrying wire frames both ways.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, h *worlds.Handle) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subs := []*bus.Subscription{
		h.Subscribe(bus.TopicMessage),
		h.Subscribe(bus.TopicSSE),
		h.Subscribe(bus.TopicSystem),
	}
	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	}()

	done := make(chan struct{})
	// Writer: fan bus events out to the socket.
	go func() {
		merged := make(chan bus.Event, 64)
		for _, sub := range subs {
			go func(c <-chan bus.Event) {
				for ev := range c {
					select {
					case merged <- ev:
					case <-done:
						return
					}
				}
			}(sub.C)
		}
		for {
			select {
			case <-done:
				return
			case ev := <-merged:
				frame, err := wire.Encode(ev)
				if err != nil {
					continue
				}
				if conn.WriteMessage(websocket.TextMessage, frame) != nil {
					return
				}
			}
		}
	}()

	// Reader: inbound frames publish into the world.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			logger.DebugCF("server", "dropping malformed ws frame", map[string]interface{}{
				"world": h.WorldID(), "error": err.Error(),
			})
			continue
		}
		msg := *ev.Message
		if msg.Sender == "" {
			msg.Sender = worlds.HumanSender
		}
		h.PublishMessage(msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps error kinds onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, world.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, world.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, world.ErrValidation):
		status = http.StatusBadRequest
	}
	httpError(w, status, err.Error())
}
