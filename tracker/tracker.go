// ABOUTME: Coordination tracker: append-only observer of the bus that persists run artefacts.
// ABOUTME: Writes events.json, per-agent projections, versioned answer files, and end-of-run summaries.
package tracker

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389-research/massgen/coord"
)

// AgentStats aggregates one agent's activity over a run.
type AgentStats struct {
	Events   int `json:"events"`
	Answers  int `json:"answers"`
	Votes    int `json:"votes"`
	Restarts int `json:"restarts"`
	Failures int `json:"failures"`
}

// Summary is the end-of-run aggregate exposed to displays and the web layer.
type Summary struct {
	RunID         string                `json:"run_id"`
	Duration      time.Duration         `json:"duration"`
	TotalEvents   int                   `json:"total_events"`
	TotalRestarts int                   `json:"total_restarts"`
	FinalWinner   string                `json:"final_winner,omitempty"`
	PerAgent      map[string]AgentStats `json:"per_agent"`
}

// Tracker is a pure read-side consumer: it observes every bus event in
// commit order, keeps in-memory timelines, and tees artefacts to the
// session directory. A tracker failure never affects coordination; write
// errors are logged and swallowed.
type Tracker struct {
	runID string
	dir   string // session directory; empty disables file output

	mu          sync.Mutex
	events      []coord.Event
	perAgent    map[string][]coord.Event
	started     time.Time
	ended       time.Time
	winner      string
	finalAnswer string

	eventsLog    *jsonlWriter
	perAgentLogs map[string]*jsonlWriter
	store        *Store
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore mirrors events into a SQLite run index.
func WithStore(store *Store) Option {
	return func(t *Tracker) {
		t.store = store
	}
}

// New creates a tracker writing under dir (created if needed). An empty dir
// keeps the tracker memory-only.
func New(runID, dir string, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		runID:        runID,
		dir:          dir,
		perAgent:     make(map[string][]coord.Event),
		perAgentLogs: make(map[string]*jsonlWriter),
	}
	for _, opt := range opts {
		opt(t)
	}

	if dir != "" {
		if err := os.MkdirAll(filepath.Join(dir, "answers"), 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
		eventsLog, err := openJsonl(filepath.Join(dir, "events.json"))
		if err != nil {
			return nil, err
		}
		t.eventsLog = eventsLog
	}

	if t.store != nil {
		if err := t.store.BeginRun(runID); err != nil {
			return nil, fmt.Errorf("register run in store: %w", err)
		}
	}

	return t, nil
}

// Attach registers the tracker as a synchronous observer on the bus.
func (t *Tracker) Attach(bus *coord.Bus) {
	bus.AddObserver(t.Observe)
}

// RunID returns the tracked run's identifier.
func (t *Tracker) RunID() string { return t.runID }

// Dir returns the session directory, or empty for a memory-only tracker.
func (t *Tracker) Dir() string { return t.dir }

// Observe ingests one event. It runs in the bus actor goroutine and must
// not block; all I/O failures are logged, never returned.
func (t *Tracker) Observe(event coord.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started.IsZero() {
		t.started = event.Timestamp
	}
	t.ended = event.Timestamp

	t.events = append(t.events, event)
	if event.AgentID != "" {
		t.perAgent[event.AgentID] = append(t.perAgent[event.AgentID], event)
	}

	switch event.Type {
	case coord.EventAgentNewAnswer:
		t.saveAnswer(event)
	case coord.EventConsensusReached:
		if winner, ok := event.Context["winner"].(string); ok {
			t.winner = winner
		}
	case coord.EventCoordinationEnd:
		if winner, ok := event.Context["winner"].(string); ok && winner != "" {
			t.winner = winner
		}
		if final, ok := event.Context["final_answer"].(string); ok {
			t.finalAnswer = final
			t.saveFinalAnswer(t.winner, final)
		}
	}

	if t.eventsLog != nil {
		if err := t.eventsLog.Append(event); err != nil {
			log.Printf("component=tracker action=append_failed err=%v", err)
		}
		if event.AgentID != "" {
			if err := t.agentLog(event.AgentID).Append(event); err != nil {
				log.Printf("component=tracker action=agent_append_failed agent=%s err=%v", event.AgentID, err)
			}
		}
	}

	if t.store != nil {
		if err := t.store.RecordEvent(t.runID, event); err != nil {
			log.Printf("component=tracker action=store_event_failed err=%v", err)
		}
	}
}

// agentLog lazily opens the per-agent projection file. Callers hold t.mu.
func (t *Tracker) agentLog(anon string) *jsonlWriter {
	if w, ok := t.perAgentLogs[anon]; ok {
		return w
	}
	w, err := openJsonl(filepath.Join(t.dir, fmt.Sprintf("events_%s.json", anon)))
	if err != nil {
		log.Printf("component=tracker action=open_agent_log_failed agent=%s err=%v", anon, err)
		w = &jsonlWriter{} // degraded: appends fail and are logged
	}
	t.perAgentLogs[anon] = w
	return w
}

// saveAnswer writes one committed answer verbatim. Callers hold t.mu.
func (t *Tracker) saveAnswer(event coord.Event) {
	if t.dir == "" {
		return
	}
	answer, _ := event.Context["answer"].(string)
	version := intContext(event.Context, "answer_version")
	path := filepath.Join(t.dir, "answers", fmt.Sprintf("%s.%d.txt", event.AgentID, version))
	if err := os.WriteFile(path, []byte(answer), 0o644); err != nil {
		log.Printf("component=tracker action=save_answer_failed agent=%s err=%v", event.AgentID, err)
	}
}

// saveFinalAnswer writes the presenter's output. Callers hold t.mu.
func (t *Tracker) saveFinalAnswer(winner, final string) {
	if t.dir == "" || winner == "" {
		return
	}
	path := filepath.Join(t.dir, "answers", fmt.Sprintf("%s.final.txt", winner))
	if err := os.WriteFile(path, []byte(final), 0o644); err != nil {
		log.Printf("component=tracker action=save_final_failed agent=%s err=%v", winner, err)
	}
}

// Timeline returns a copy of the global event timeline.
func (t *Tracker) Timeline() []coord.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]coord.Event, len(t.events))
	copy(out, t.events)
	return out
}

// AgentTimeline returns a copy of one agent's event timeline.
func (t *Tracker) AgentTimeline(anon string) []coord.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.perAgent[anon]
	out := make([]coord.Event, len(events))
	copy(out, events)
	return out
}

// FinalAnswer returns the presenter's output, if the run finished.
func (t *Tracker) FinalAnswer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalAnswer
}

// Summary aggregates the run so far.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := Summary{
		RunID:       t.runID,
		TotalEvents: len(t.events),
		FinalWinner: t.winner,
		PerAgent:    make(map[string]AgentStats, len(t.perAgent)),
	}
	if !t.started.IsZero() {
		summary.Duration = t.ended.Sub(t.started)
	}

	for anon, events := range t.perAgent {
		stats := AgentStats{Events: len(events)}
		for _, event := range events {
			switch event.Type {
			case coord.EventAgentNewAnswer:
				stats.Answers++
			case coord.EventAgentVoteCast:
				stats.Votes++
			case coord.EventAgentRestart:
				stats.Restarts++
				summary.TotalRestarts++
			case coord.EventAgentFailed, coord.EventAgentTimeout:
				stats.Failures++
			}
		}
		summary.PerAgent[anon] = stats
	}
	return summary
}

// Close renders timeline.txt, finalises the store row, and closes files.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if t.dir != "" {
		if err := os.WriteFile(filepath.Join(t.dir, "timeline.txt"), []byte(renderTimeline(t.runID, t.events)), 0o644); err != nil {
			firstErr = err
		}
	}
	if t.eventsLog != nil {
		if err := t.eventsLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, w := range t.perAgentLogs {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.store != nil {
		status := "done"
		if t.winner == "" {
			status = "aborted"
		}
		if err := t.store.FinishRun(t.runID, status, t.winner, len(t.events)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// intContext reads an int that may have round-tripped through JSON.
func intContext(context map[string]any, key string) int {
	switch v := context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
