// ABOUTME: CoordinationEvent envelope and the event type enum for the append-only run log.
// ABOUTME: Events are written in commit order and are complete enough to reconstruct SharedState.
package coord

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies the kind of coordination event.
type EventType string

const (
	EventCoordinationStart EventType = "coordination_start"
	EventCoordinationEnd   EventType = "coordination_end"
	EventAgentStart        EventType = "agent_start"
	EventAgentRestart      EventType = "agent_restart"
	EventAgentAnswering    EventType = "agent_answering"
	EventAgentVoting       EventType = "agent_voting"
	EventAgentNewAnswer    EventType = "agent_new_answer"
	EventAgentVoteCast     EventType = "agent_vote_cast"
	EventContextShared     EventType = "context_shared"
	EventContextReceived   EventType = "context_received"
	EventRestartTriggered  EventType = "restart_triggered"
	EventConsensusReached  EventType = "consensus_reached"
	EventAgentCompleted    EventType = "agent_completed"
	EventAgentTimeout      EventType = "agent_timeout"
	EventAgentFailed       EventType = "agent_failed"
)

// Event is one append-only log entry. AgentID is always an anonymous ID:
// event consumers outside the bus never see real agent identities.
type Event struct {
	ID        ulid.ULID      `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Details   string         `json:"details,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// newEvent stamps a fresh event envelope.
func newEvent(eventType EventType, agentID, details string, context map[string]any) Event {
	return Event{
		ID:        NewULID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		AgentID:   agentID,
		Details:   details,
		Context:   context,
	}
}
