// ABOUTME: Rebuilds a SharedState from a serialised event log.
// ABOUTME: The event stream is complete with respect to state; replay is used by tests and tooling.
package coord

import "fmt"

// Replay applies an event log to an empty SharedState and returns the state
// it describes. The log must begin with a coordination_start event carrying
// the agent roster and attempt budget.
func Replay(events []Event) (*SharedState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("empty event log")
	}
	first := events[0]
	if first.Type != EventCoordinationStart {
		return nil, fmt.Errorf("log must start with %s, got %s", EventCoordinationStart, first.Type)
	}

	anonIDs, err := stringsFromContext(first.Context, "agents")
	if err != nil {
		return nil, fmt.Errorf("coordination_start: %w", err)
	}
	maxAttempts, err := intFromContext(first.Context, "max_attempts")
	if err != nil {
		return nil, fmt.Errorf("coordination_start: %w", err)
	}

	state := NewSharedState(anonIDs, maxAttempts)

	for _, event := range events[1:] {
		if err := applyEvent(state, event); err != nil {
			return nil, fmt.Errorf("apply %s: %w", event.Type, err)
		}
	}
	return state, nil
}

// applyEvent folds one event into the state.
func applyEvent(state *SharedState, event Event) error {
	agent := func() (*AgentState, error) {
		st, ok := state.Agents[event.AgentID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, event.AgentID)
		}
		return st, nil
	}

	switch event.Type {
	case EventAgentStart:
		st, err := agent()
		if err != nil {
			return err
		}
		st.Status = StatusWorking
		// The initial launch consumes one attempt; restarted launches were
		// already charged by their agent_restart event.
		if n, err := intFromContext(event.Context, "attempt"); err == nil && n == 1 && st.AttemptsRemaining > 0 {
			st.AttemptsRemaining--
		}

	case EventAgentRestart:
		st, err := agent()
		if err != nil {
			return err
		}
		st.Status = StatusRestarting
		st.Vote = nil
		st.HasVoted = false
		if n, err := intFromContext(event.Context, "restart_count"); err == nil {
			st.RestartCount = n
		}
		if n, err := intFromContext(event.Context, "attempts_remaining"); err == nil {
			st.AttemptsRemaining = n
		}

	case EventAgentNewAnswer:
		st, err := agent()
		if err != nil {
			return err
		}
		answer, _ := event.Context["answer"].(string)
		st.CurrentAnswer = answer
		st.HasAnswered = true
		st.Vote = nil
		st.HasVoted = false
		st.Status = StatusAnswered
		if n, err := intFromContext(event.Context, "answer_version"); err == nil {
			st.AnswerVersion = n
		}
		if n, err := intFromContext(event.Context, "global_version"); err == nil {
			st.CommittedAt = n
			state.GlobalContextVersion = n
		}

	case EventAgentVoteCast:
		st, err := agent()
		if err != nil {
			return err
		}
		target, _ := event.Context["target"].(string)
		reason, _ := event.Context["reason"].(string)
		st.Vote = &Vote{Target: target, Reason: reason}
		st.HasVoted = true
		st.Status = StatusVoted

	case EventAgentCompleted:
		st, err := agent()
		if err != nil {
			return err
		}
		st.Status = StatusCompleted

	case EventAgentFailed:
		st, err := agent()
		if err != nil {
			return err
		}
		st.Status = StatusFailed

	case EventAgentTimeout:
		st, err := agent()
		if err != nil {
			return err
		}
		st.Status = StatusTimeout

	case EventConsensusReached:
		if winner, ok := event.Context["winner"].(string); ok {
			state.FinalWinner = winner
		}
		state.Phase = PhaseSelecting

	case EventCoordinationEnd:
		if winner, ok := event.Context["winner"].(string); ok && winner != "" {
			state.FinalWinner = winner
		}
		if phase, ok := event.Context["phase"].(string); ok {
			state.Phase = Phase(phase)
		}

	case EventCoordinationStart:
		return fmt.Errorf("duplicate coordination_start")

	case EventAgentAnswering, EventAgentVoting, EventContextShared,
		EventContextReceived, EventRestartTriggered:
		// Informational; no state effect.
	}
	return nil
}

// intFromContext reads an integer that may have round-tripped through JSON
// (where numbers decode as float64).
func intFromContext(context map[string]any, key string) (int, error) {
	v, ok := context[key]
	if !ok {
		return 0, fmt.Errorf("missing context key %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("context key %q is %T, not a number", key, context[key])
}

// stringsFromContext reads a string slice that may have round-tripped
// through JSON (where arrays decode as []any).
func stringsFromContext(context map[string]any, key string) ([]string, error) {
	v, ok := context[key]
	if !ok {
		return nil, fmt.Errorf("missing context key %q", key)
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("context key %q contains %T, not string", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("context key %q is %T, not a list", key, v)
}
