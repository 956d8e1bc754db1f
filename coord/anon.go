// ABOUTME: AnonTable maps stable agent IDs to the anonymous IDs peers see (agent1, agent2, ...).
// ABOUTME: The only place where peer identities translate; fixed for the lifetime of one run.
package coord

import "fmt"

// AnonTable is the bidirectional mapping between configured agent IDs and
// the anonymous IDs exposed in shared context. Assignment is deterministic
// from declaration order so peers cannot infer each other's backend.
type AnonTable struct {
	byAgent map[string]string
	byAnon  map[string]string
	order   []string // anon ids in declaration order
}

// NewAnonTable assigns agent1..agentN to the given agent IDs in order.
// Duplicate agent IDs are an error.
func NewAnonTable(agentIDs []string) (*AnonTable, error) {
	t := &AnonTable{
		byAgent: make(map[string]string, len(agentIDs)),
		byAnon:  make(map[string]string, len(agentIDs)),
	}
	for i, id := range agentIDs {
		if id == "" {
			return nil, fmt.Errorf("agent id at position %d is empty", i)
		}
		if _, dup := t.byAgent[id]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", id)
		}
		anon := fmt.Sprintf("agent%d", i+1)
		t.byAgent[id] = anon
		t.byAnon[anon] = id
		t.order = append(t.order, anon)
	}
	return t, nil
}

// Anon returns the anonymous ID for an agent ID.
func (t *AnonTable) Anon(agentID string) (string, bool) {
	anon, ok := t.byAgent[agentID]
	return anon, ok
}

// AgentID returns the agent ID behind an anonymous ID.
func (t *AnonTable) AgentID(anon string) (string, bool) {
	id, ok := t.byAnon[anon]
	return id, ok
}

// IsAnon reports whether the given string is a valid anonymous ID.
func (t *AnonTable) IsAnon(anon string) bool {
	_, ok := t.byAnon[anon]
	return ok
}

// AnonIDs returns the anonymous IDs in declaration order.
func (t *AnonTable) AnonIDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Ordinal returns the declaration-order index of an anonymous ID, or -1.
func (t *AnonTable) Ordinal(anon string) int {
	for i, a := range t.order {
		if a == anon {
			return i
		}
	}
	return -1
}

// Len returns the number of agents in the table.
func (t *AnonTable) Len() int {
	return len(t.order)
}
