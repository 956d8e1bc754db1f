// ABOUTME: Tests for event-log replay: the R2 property that the stream is complete w.r.t. state.
// ABOUTME: Drives a bus through a realistic run, captures events, and reconstructs the state from them.
package coord_test

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"

	"github.com/2389-research/massgen/coord"
)

// captureEvents records every bus event in commit order.
type captureEvents struct {
	mu     sync.Mutex
	events []coord.Event
}

func (c *captureEvents) observe(event coord.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEvents) all() []coord.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]coord.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestReplay_ReconstructsSharedState(t *testing.T) {
	anonIDs := []string{"agent1", "agent2", "agent3"}
	bus := coord.NewBus(anonIDs, 3)
	defer bus.Close()

	capture := &captureEvents{}
	bus.AddObserver(capture.observe)

	// A run transcript: starts, answers, a vote cleared by restart, a
	// failure, and a finish.
	mustEmit(t, bus, coord.EventCoordinationStart, "", map[string]any{
		"agents": anonIDs, "max_attempts": 3,
	})
	for _, anon := range anonIDs {
		if _, err := bus.ConsumeAttempt(anon); err != nil {
			t.Fatal(err)
		}
		mustEmit(t, bus, coord.EventAgentStart, anon, map[string]any{"attempt": 1})
		if err := bus.MarkStatus(anon, coord.StatusWorking); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := bus.CommitNewAnswer("agent1", "alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.CommitVote("agent2", "agent1", "looks right"); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.BeginRestart("agent2"); err != nil {
		t.Fatal(err)
	}
	mustEmit(t, bus, coord.EventAgentStart, "agent2", map[string]any{"attempt": 2})
	if err := bus.MarkStatus("agent2", coord.StatusWorking); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.CommitVote("agent2", "agent1", "still right"); err != nil {
		t.Fatal(err)
	}
	if err := bus.MarkStatus("agent3", coord.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := bus.SetFinalWinner("agent1"); err != nil {
		t.Fatal(err)
	}
	if err := bus.SetPhase(coord.PhaseDone); err != nil {
		t.Fatal(err)
	}
	mustEmit(t, bus, coord.EventCoordinationEnd, "agent1", map[string]any{
		"phase": "done", "winner": "agent1",
	})

	want := bus.StateSnapshot()
	got, err := coord.Replay(capture.all())
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	assertStatesEqual(t, want, got)
}

// TestReplay_SurvivesJSONRoundTrip re-serialises the log the way
// events.json stores it before replaying.
func TestReplay_SurvivesJSONRoundTrip(t *testing.T) {
	anonIDs := []string{"agent1", "agent2"}
	bus := coord.NewBus(anonIDs, 2)
	defer bus.Close()

	capture := &captureEvents{}
	bus.AddObserver(capture.observe)

	mustEmit(t, bus, coord.EventCoordinationStart, "", map[string]any{
		"agents": anonIDs, "max_attempts": 2,
	})
	if _, _, err := bus.CommitNewAnswer("agent2", "beta"); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.CommitVote("agent1", "agent2", "ok"); err != nil {
		t.Fatal(err)
	}

	var decoded []coord.Event
	for _, event := range capture.all() {
		data, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back coord.Event
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		decoded = append(decoded, back)
	}

	got, err := coord.Replay(decoded)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	assertStatesEqual(t, bus.StateSnapshot(), got)
}

func TestReplay_RejectsLogWithoutStart(t *testing.T) {
	events := []coord.Event{{Type: coord.EventAgentStart, AgentID: "agent1"}}
	if _, err := coord.Replay(events); err == nil {
		t.Fatal("expected error for log without coordination_start")
	}
	if _, err := coord.Replay(nil); err == nil {
		t.Fatal("expected error for empty log")
	}
}

func mustEmit(t *testing.T, bus *coord.Bus, eventType coord.EventType, anon string, context map[string]any) {
	t.Helper()
	if err := bus.EmitEvent(eventType, anon, "", context); err != nil {
		t.Fatalf("emit %s: %v", eventType, err)
	}
}

func assertStatesEqual(t *testing.T, want, got *coord.SharedState) {
	t.Helper()
	if got.GlobalContextVersion != want.GlobalContextVersion {
		t.Errorf("global version: want %d, got %d", want.GlobalContextVersion, got.GlobalContextVersion)
	}
	if got.Phase != want.Phase {
		t.Errorf("phase: want %s, got %s", want.Phase, got.Phase)
	}
	if got.FinalWinner != want.FinalWinner {
		t.Errorf("winner: want %q, got %q", want.FinalWinner, got.FinalWinner)
	}
	for _, anon := range want.Order {
		w, g := want.Agents[anon], got.Agents[anon]
		if g == nil {
			t.Errorf("%s missing from replayed state", anon)
			continue
		}
		if !reflect.DeepEqual(w, g) {
			t.Errorf("%s: want %+v, got %+v", anon, w, g)
		}
	}
}
