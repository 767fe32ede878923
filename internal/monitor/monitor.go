// Package monitor exposes a small read-only HTTP surface for observing one
// participant: point-in-time status JSON and a WebSocket feed of registry
// and conversation table events.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwave/pairwave/internal/engine"
	"github.com/pairwave/pairwave/internal/state"
	"github.com/pairwave/pairwave/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	addr  string
	eng   *engine.Engine
	reg   *state.Registry
	convs *state.Table
	srv   *http.Server
}

func NewServer(addr string, eng *engine.Engine, reg *state.Registry, convs *state.Table) *Server {
	return &Server{addr: addr, eng: eng, reg: reg, convs: convs}
}

// Handler returns the monitor's HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/participants", s.handleParticipants)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/pair", s.handlePair)
	mux.HandleFunc("/api/hangup", s.handleHangup)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("MONITOR: server error: %v", err)
		}
	}()

	log.Printf("MONITOR: listening on %s", s.addr)
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.eng.Stats())
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.reg.Snapshot())
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.convs.Snapshot())
}

// POST /api/pair — ask the pairing engine for a partner. Body is optional;
// {"target": N} requests a specific participant instead of the FIFO pick.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Target int64 `json:"target"`
	}
	if r.Body != nil {
		// An empty body means "anyone".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := s.eng.RequestPairing(r.Context(), req.Target)
	switch {
	case errors.Is(err, engine.ErrAlreadyPaired):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, engine.ErrTargetUnavailable):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if res.Waiting {
		writeJSON(w, map[string]string{"status": "waiting"})
		return
	}
	writeJSON(w, map[string]any{
		"status":       "paired",
		"partner":      res.Partner,
		"conversation": res.Conversation,
	})
}

// POST /api/hangup — end the active conversation, if any.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.eng.EndConversation(r.Context()) {
		writeJSON(w, map[string]string{"status": "idle"})
		return
	}
	writeJSON(w, map[string]string{"status": "ended"})
}

// feedEvent is one message on the /api/events WebSocket.
type feedEvent struct {
	Source       string              `json:"source"` // "participant" or "conversation"
	Type         string              `json:"type"`
	Participant  *state.Participant  `json:"participant,omitempty"`
	Conversation *state.Conversation `json:"conversation,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("MONITOR: WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	regCh := s.reg.Subscribe()
	defer s.reg.Unsubscribe(regCh)
	convCh := s.convs.Subscribe()
	defer s.convs.Unsubscribe(convCh)

	// Drain incoming messages (ping/pong, close frames) without blocking.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var evt feedEvent
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-regCh:
			if !ok {
				return
			}
			evt = feedEvent{Source: "participant", Type: e.Type, Participant: e.Participant}
		case e, ok := <-convCh:
			if !ok {
				return
			}
			evt = feedEvent{Source: "conversation", Type: e.Type, Conversation: e.Conversation}
		}
		b, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
