// ABOUTME: Read-only HTTP status server over the coordination tracker behind a chi router.
// ABOUTME: Serves run state, filtered events, the summary, and the final answer rendered as HTML.
package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/tracker"
)

// Server exposes coordination runs over HTTP. It only reads from trackers;
// it never feeds anything back into coordination.
type Server struct {
	router chi.Router
	addr   string

	mu   sync.RWMutex
	runs map[string]*tracker.Tracker
}

// NewServer builds the status server. addr defaults to 127.0.0.1:2390.
func NewServer(addr string) *Server {
	if addr == "" {
		addr = "127.0.0.1:2390"
	}
	s := &Server{
		addr: addr,
		runs: make(map[string]*tracker.Tracker),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleRun)
	r.Get("/runs/{id}/events", s.handleEvents)
	r.Get("/runs/{id}/answer", s.handleAnswer)
	s.router = r

	return s
}

// Register makes a run's tracker visible to the server.
func (s *Server) Register(t *tracker.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[t.RunID()] = t
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks serving HTTP on the configured address.
func (s *Server) ListenAndServe() error {
	log.Printf("component=web action=listening addr=%s", s.addr)
	return http.ListenAndServe(s.addr, s.router)
}

// lookup fetches the tracker for a request's run id.
func (s *Server) lookup(r *http.Request) (*tracker.Tracker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.runs[chi.URLParam(r, "id")]
	return t, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"runs": ids})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, t.Summary())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	events := t.Timeline()
	if agentID := r.URL.Query().Get("agent"); agentID != "" {
		events = t.AgentTimeline(agentID)
	}
	if eventType := r.URL.Query().Get("type"); eventType != "" {
		filtered := make([]coord.Event, 0, len(events))
		for _, event := range events {
			if string(event.Type) == eventType {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(events) {
			events = events[len(events)-limit:]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	final := t.FinalAnswer()
	if final == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no final answer yet"})
		return
	}

	var buf bytes.Buffer
	md := goldmark.New()
	if err := md.Convert([]byte(final), &buf); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(final))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!doctype html><html><body>%s</body></html>", buf.String())
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("component=web action=encode_failed err=%v", err)
	}
}
