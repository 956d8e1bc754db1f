// ABOUTME: Tests for the single-writer transition bus.
// ABOUTME: Covers commit semantics, vote validation, restarts, phase gating, observers, and the P1 serialisation property.
package coord_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/2389-research/massgen/coord"
)

func newTestBus(t *testing.T, n, maxAttempts int) *coord.Bus {
	t.Helper()
	anonIDs := make([]string, n)
	for i := range anonIDs {
		anonIDs[i] = fmt.Sprintf("agent%d", i+1)
	}
	bus := coord.NewBus(anonIDs, maxAttempts)
	t.Cleanup(bus.Close)
	return bus
}

func TestCommitNewAnswer_UpdatesStateAndVersions(t *testing.T) {
	bus := newTestBus(t, 2, 3)

	accepted, version, err := bus.CommitNewAnswer("agent1", "first")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !accepted || version != 1 {
		t.Fatalf("expected accepted at version 1, got accepted=%v version=%d", accepted, version)
	}

	bus.ReadState(func(s *coord.SharedState) {
		st := s.Agents["agent1"]
		if st.CurrentAnswer != "first" || st.AnswerVersion != 1 || !st.HasAnswered {
			t.Errorf("answer not recorded: %+v", st)
		}
		if st.Status != coord.StatusAnswered {
			t.Errorf("expected status answered, got %s", st.Status)
		}
		if s.GlobalContextVersion != 1 {
			t.Errorf("expected global version 1, got %d", s.GlobalContextVersion)
		}
	})

	// A second answer replaces the first and bumps both counters.
	_, version, _ = bus.CommitNewAnswer("agent1", "second")
	if version != 2 {
		t.Fatalf("expected global version 2, got %d", version)
	}
	bus.ReadState(func(s *coord.SharedState) {
		if got := s.Agents["agent1"].AnswerVersion; got != 2 {
			t.Errorf("expected answer version 2, got %d", got)
		}
	})
}

func TestCommitNewAnswer_ClearsVote(t *testing.T) {
	bus := newTestBus(t, 2, 3)

	if _, _, err := bus.CommitNewAnswer("agent2", "peer answer"); err != nil {
		t.Fatalf("seed answer: %v", err)
	}
	if accepted, err := bus.CommitVote("agent1", "agent2", "good"); err != nil || !accepted {
		t.Fatalf("vote not accepted: %v", err)
	}

	if _, _, err := bus.CommitNewAnswer("agent1", "changed my mind"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bus.ReadState(func(s *coord.SharedState) {
		st := s.Agents["agent1"]
		if st.HasVoted || st.Vote != nil {
			t.Errorf("vote should be cleared by new answer: %+v", st)
		}
	})
}

func TestCommitVote_RejectsUnknownTarget(t *testing.T) {
	bus := newTestBus(t, 2, 3)

	accepted, err := bus.CommitVote("agent1", "agent9", "no such peer")
	if accepted {
		t.Fatal("vote for unknown target must not be accepted")
	}
	if !errors.Is(err, coord.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// The voter's state is untouched and it can continue (scenario: invalid
	// vote then a valid answer).
	bus.ReadState(func(s *coord.SharedState) {
		if s.Agents["agent1"].HasVoted {
			t.Error("rejected vote must not set has_voted")
		}
	})
	if accepted, _, err := bus.CommitNewAnswer("agent1", "X"); err != nil || !accepted {
		t.Fatalf("agent should continue after rejected vote: %v", err)
	}
}

func TestCommits_RejectedOutsideCoordinatingPhase(t *testing.T) {
	bus := newTestBus(t, 2, 3)
	if err := bus.SetPhase(coord.PhaseSelecting); err != nil {
		t.Fatalf("set phase: %v", err)
	}

	if accepted, _, _ := bus.CommitNewAnswer("agent1", "late"); accepted {
		t.Error("new answer must be rejected outside coordinating phase")
	}
	if accepted, _ := bus.CommitVote("agent1", "agent2", "late"); accepted {
		t.Error("vote must be rejected outside coordinating phase")
	}
}

func TestMarkStatus_InvalidTransition(t *testing.T) {
	bus := newTestBus(t, 1, 3)

	if err := bus.MarkStatus("agent1", coord.StatusWorking); err != nil {
		t.Fatalf("idle -> working should be legal: %v", err)
	}
	if err := bus.MarkStatus("agent1", coord.StatusFailed); err != nil {
		t.Fatalf("working -> failed should be legal: %v", err)
	}
	err := bus.MarkStatus("agent1", coord.StatusWorking)
	if !errors.Is(err, coord.ErrInvalidTransition) {
		t.Fatalf("terminal -> working must be ErrInvalidTransition, got %v", err)
	}
}

func TestMarkStatus_UnknownAgent(t *testing.T) {
	bus := newTestBus(t, 1, 3)
	if err := bus.MarkStatus("agent7", coord.StatusWorking); !errors.Is(err, coord.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestBeginRestart_ClearsVoteAndDecrements(t *testing.T) {
	bus := newTestBus(t, 2, 3)

	if _, _, err := bus.CommitNewAnswer("agent2", "ans"); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.CommitVote("agent1", "agent2", "fine"); err != nil {
		t.Fatal(err)
	}

	remaining, err := bus.BeginRestart("agent1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 attempts remaining, got %d", remaining)
	}
	bus.ReadState(func(s *coord.SharedState) {
		st := s.Agents["agent1"]
		if st.HasVoted || st.Vote != nil {
			t.Error("restart must clear the vote")
		}
		if st.Status != coord.StatusRestarting {
			t.Errorf("expected restarting, got %s", st.Status)
		}
		if st.RestartCount != 1 {
			t.Errorf("expected restart count 1, got %d", st.RestartCount)
		}
	})
}

func TestSnapshotPeerAnswers_ExcludesSelfAndUnanswered(t *testing.T) {
	bus := newTestBus(t, 3, 3)

	if _, _, err := bus.CommitNewAnswer("agent1", "one"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := bus.CommitNewAnswer("agent2", "two"); err != nil {
		t.Fatal(err)
	}

	peers := bus.SnapshotPeerAnswers("agent1")
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer answer, got %d: %v", len(peers), peers)
	}
	if pa := peers["agent2"]; pa.Answer != "two" || pa.Version != 1 {
		t.Errorf("unexpected peer answer: %+v", pa)
	}
}

func TestObserver_SeesEventsInCommitOrder(t *testing.T) {
	bus := newTestBus(t, 2, 3)

	var mu sync.Mutex
	var types []coord.EventType
	bus.AddObserver(func(event coord.Event) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	})

	if _, _, err := bus.CommitNewAnswer("agent1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.CommitVote("agent2", "agent1", "r"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []coord.EventType{
		coord.EventAgentAnswering,
		coord.EventAgentNewAnswer,
		coord.EventContextShared,
		coord.EventAgentVoting,
		coord.EventAgentVoteCast,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(types), types)
	}
	for i, eventType := range want {
		if types[i] != eventType {
			t.Errorf("event %d: expected %s, got %s", i, eventType, types[i])
		}
	}
}

// TestConcurrentCommits_Serialised is the P1 property: any interleaving of
// commits produces a state equal to some serialisation of them.
func TestConcurrentCommits_Serialised(t *testing.T) {
	const n = 8
	const answersPerAgent = 25
	bus := newTestBus(t, n, 3)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		anon := fmt.Sprintf("agent%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < answersPerAgent; k++ {
				if _, _, err := bus.CommitNewAnswer(anon, fmt.Sprintf("%s-%d", anon, k)); err != nil {
					t.Errorf("commit failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	bus.ReadState(func(s *coord.SharedState) {
		if s.GlobalContextVersion != n*answersPerAgent {
			t.Errorf("expected global version %d, got %d", n*answersPerAgent, s.GlobalContextVersion)
		}
		seen := make(map[int]bool)
		for anon, st := range s.Agents {
			if st.AnswerVersion != answersPerAgent {
				t.Errorf("%s: expected answer version %d, got %d", anon, answersPerAgent, st.AnswerVersion)
			}
			if st.CurrentAnswer != fmt.Sprintf("%s-%d", anon, answersPerAgent-1) {
				t.Errorf("%s: last committed answer lost: %q", anon, st.CurrentAnswer)
			}
			if seen[st.CommittedAt] {
				t.Errorf("two agents committed at the same global version %d", st.CommittedAt)
			}
			seen[st.CommittedAt] = true
		}
	})
}

func TestConsumeAttempt_ExhaustsBudget(t *testing.T) {
	bus := newTestBus(t, 1, 2)

	if remaining, err := bus.ConsumeAttempt("agent1"); err != nil || remaining != 1 {
		t.Fatalf("first consume: remaining=%d err=%v", remaining, err)
	}
	if remaining, err := bus.ConsumeAttempt("agent1"); err != nil || remaining != 0 {
		t.Fatalf("second consume: remaining=%d err=%v", remaining, err)
	}
	if _, err := bus.ConsumeAttempt("agent1"); !errors.Is(err, coord.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on empty budget, got %v", err)
	}
}

func TestRecordFallbackAnswer_IgnoredOnceAnswered(t *testing.T) {
	bus := newTestBus(t, 1, 3)

	accepted, err := bus.RecordFallbackAnswer("agent1", "stream tail")
	if err != nil || !accepted {
		t.Fatalf("fallback should be accepted: %v", err)
	}
	bus.ReadState(func(s *coord.SharedState) {
		if s.GlobalContextVersion != 0 {
			t.Error("fallback answer must not bump the global version")
		}
		if !s.Agents["agent1"].HasAnswered {
			t.Error("fallback answer must set has_answered")
		}
	})

	accepted, _ = bus.RecordFallbackAnswer("agent1", "again")
	if accepted {
		t.Error("second fallback must be ignored")
	}
}
