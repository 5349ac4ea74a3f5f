// Package agenttest provides a fake agent server for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// Message is a message received by the fake server.
type Message struct {
	SessionID string
	Text      string
	NoReply   bool
}

// Responder produces the stream for one user turn. emit writes an event to
// the client; returning ends the stream.
type Responder func(ctx context.Context, sessionID, text string, emit func(domain.StreamEvent))

// Server is a fake agent server backed by httptest.
type Server struct {
	*httptest.Server

	healthy atomic.Bool
	nextID  atomic.Int64

	mu       sync.Mutex
	sessions map[string]bool
	messages []Message
	aborts   []string
	respond  Responder
}

// NewServer starts a healthy fake agent server that answers every turn with
// a single text part.
func NewServer() *Server {
	s := &Server{sessions: make(map[string]bool)}
	s.healthy.Store(true)
	s.respond = func(_ context.Context, _, _ string, emit func(domain.StreamEvent)) {
		emit(domain.StreamEvent{Type: domain.EventTextDelta, Text: "ok"})
		emit(domain.StreamEvent{Type: domain.EventDone})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	mux.HandleFunc("POST /session/{id}/message", s.handleMessage)
	mux.HandleFunc("POST /session/{id}/abort", s.handleAbort)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetHealthy toggles the readiness endpoint.
func (s *Server) SetHealthy(ok bool) { s.healthy.Store(ok) }

// SetResponder replaces the turn handler.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = r
}

// ForgetSessions simulates an agent server restart.
func (s *Server) ForgetSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]bool)
}

// Messages returns the messages received so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Aborts returns the sessions that were aborted.
func (s *Server) Aborts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborts...)
}

// SessionCount returns how many remote sessions exist.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.healthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	id := fmt.Sprintf("ses_%d", s.nextID.Add(1))
	s.mu.Lock()
	s.sessions[id] = true
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.known(id) {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.known(id) {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Text    string `json:"text"`
		NoReply bool   `json:"noReply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, Message{SessionID: id, Text: body.Text, NoReply: body.NoReply})
	respond := s.respond
	s.mu.Unlock()

	if body.NoReply {
		_, _ = w.Write([]byte(`{}`))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	emit := func(ev domain.StreamEvent) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	respond(r.Context(), id, body.Text, emit)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.aborts = append(s.aborts, r.PathValue("id"))
	s.mu.Unlock()
	_, _ = w.Write([]byte(`{}`))
}
