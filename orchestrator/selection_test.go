// ABOUTME: Tests for the winner selection rule and its tie-breaking ladder.
// ABOUTME: Hand-built SharedState snapshots; no concurrency involved.
package orchestrator_test

import (
	"testing"

	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/orchestrator"
)

// buildState constructs a SharedState for selection tests.
func buildState(n int, mutate func(*coord.SharedState)) *coord.SharedState {
	anonIDs := make([]string, n)
	for i := range anonIDs {
		anonIDs[i] = coordAnon(i + 1)
	}
	state := coord.NewSharedState(anonIDs, 3)
	if mutate != nil {
		mutate(state)
	}
	return state
}

func coordAnon(i int) string {
	return map[int]string{1: "agent1", 2: "agent2", 3: "agent3", 4: "agent4"}[i]
}

func answer(state *coord.SharedState, anon, text string, committedAt int) {
	st := state.Agents[anon]
	st.CurrentAnswer = text
	st.AnswerVersion++
	st.CommittedAt = committedAt
	st.HasAnswered = true
	st.Status = coord.StatusAnswered
}

func vote(state *coord.SharedState, voter, target string) {
	st := state.Agents[voter]
	st.Vote = &coord.Vote{Target: target, Reason: "test"}
	st.HasVoted = true
	st.Status = coord.StatusVoted
}

func TestSelectWinner_StrictMaximum(t *testing.T) {
	// Scenario: agent1 commits first, agent2 second; votes 2-1 for agent1.
	state := buildState(3, func(s *coord.SharedState) {
		answer(s, "agent1", "a1", 1)
		answer(s, "agent2", "a2", 2)
		vote(s, "agent3", "agent2")
		vote(s, "agent1", "agent1")
		vote(s, "agent2", "agent1")
	})

	winner, ok := orchestrator.SelectWinner(state)
	if !ok || winner != "agent1" {
		t.Fatalf("expected agent1, got %q (ok=%v)", winner, ok)
	}
}

func TestSelectWinner_TieBrokenByAnswered(t *testing.T) {
	state := buildState(3, func(s *coord.SharedState) {
		answer(s, "agent2", "only answer", 1)
		vote(s, "agent1", "agent2")
		vote(s, "agent2", "agent1") // agent1 never answered
	})

	winner, ok := orchestrator.SelectWinner(state)
	if !ok || winner != "agent2" {
		t.Fatalf("expected answered target to win the tie, got %q", winner)
	}
}

func TestSelectWinner_TieBrokenByEarliestCommit(t *testing.T) {
	state := buildState(4, func(s *coord.SharedState) {
		answer(s, "agent2", "later", 2)
		answer(s, "agent3", "earlier", 1)
		vote(s, "agent1", "agent2")
		vote(s, "agent4", "agent3")
	})

	winner, ok := orchestrator.SelectWinner(state)
	if !ok || winner != "agent3" {
		t.Fatalf("expected earliest committed answer to win, got %q", winner)
	}
}

func TestSelectWinner_TieBrokenByOrdinal(t *testing.T) {
	state := buildState(4, func(s *coord.SharedState) {
		answer(s, "agent2", "same time? impossible, but equal rank", 1)
		answer(s, "agent3", "also", 1)
		vote(s, "agent1", "agent3")
		vote(s, "agent4", "agent2")
	})

	winner, ok := orchestrator.SelectWinner(state)
	if !ok || winner != "agent2" {
		t.Fatalf("expected lower ordinal to win, got %q", winner)
	}
}

func TestSelectWinner_FallbackLowestOrdinalAnswered(t *testing.T) {
	state := buildState(3, func(s *coord.SharedState) {
		answer(s, "agent2", "b", 1)
		answer(s, "agent3", "c", 2)
	})

	winner, ok := orchestrator.SelectWinner(state)
	if !ok || winner != "agent2" {
		t.Fatalf("expected lowest-ordinal answered agent, got %q", winner)
	}
}

func TestSelectWinner_NoAnswersNoWinner(t *testing.T) {
	state := buildState(2, nil)
	if winner, ok := orchestrator.SelectWinner(state); ok {
		t.Fatalf("expected no winner, got %q", winner)
	}
}

func TestSelectWinner_FailedVotersExcluded(t *testing.T) {
	state := buildState(3, func(s *coord.SharedState) {
		answer(s, "agent1", "a", 1)
		answer(s, "agent2", "b", 2)
		vote(s, "agent3", "agent2")
		s.Agents["agent3"].Status = coord.StatusFailed // vote no longer counts
		vote(s, "agent1", "agent1")
	})

	winner, ok := orchestrator.SelectWinner(state)
	if !ok || winner != "agent1" {
		t.Fatalf("expected agent1 after excluding failed voter, got %q", winner)
	}
}
