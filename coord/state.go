// ABOUTME: AgentState and SharedState: the per-agent and run-wide coordination records.
// ABOUTME: Defines the status enum, phase enum, vote record, and the status transition table.
package coord

// AgentStatus is the lifecycle state of one agent within a coordination run.
type AgentStatus string

const (
	StatusIdle       AgentStatus = "idle"
	StatusWorking    AgentStatus = "working"
	StatusVoted      AgentStatus = "voted"
	StatusAnswered   AgentStatus = "answered"
	StatusRestarting AgentStatus = "restarting"
	StatusCompleted  AgentStatus = "completed"
	StatusFailed     AgentStatus = "failed"
	StatusTimeout    AgentStatus = "timeout"
)

// IsTerminal reports whether the status ends an agent's participation.
func (s AgentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Phase is the run-wide coordination phase.
type Phase string

const (
	PhaseCoordinating Phase = "coordinating"
	PhaseSelecting    Phase = "selecting"
	PhasePresenting   Phase = "presenting"
	PhaseDone         Phase = "done"
	PhaseAborted      Phase = "aborted"
)

// Vote records one agent's vote for a peer's answer.
type Vote struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// AgentState is the mutable coordination record for one agent. It is only
// mutated by the bus actor; readers get copies.
type AgentState struct {
	Status        AgentStatus `json:"status"`
	CurrentAnswer string      `json:"current_answer,omitempty"`
	AnswerVersion int         `json:"answer_version"`
	// CommittedAt is the global context version at which the current answer
	// was committed. Lower means earlier; used for tie-breaking.
	CommittedAt       int   `json:"committed_at"`
	Vote              *Vote `json:"vote,omitempty"`
	HasVoted          bool  `json:"has_voted"`
	HasAnswered       bool  `json:"has_answered"`
	RestartCount      int   `json:"restart_count"`
	AttemptsRemaining int   `json:"attempts_remaining"`
}

// Clone returns a deep copy.
func (a *AgentState) Clone() *AgentState {
	cp := *a
	if a.Vote != nil {
		v := *a.Vote
		cp.Vote = &v
	}
	return &cp
}

// SharedState is the run-wide record: one AgentState per anon ID plus the
// global version counter, phase, and eventual winner. Keys are fixed at
// startup; Order preserves anon declaration order.
type SharedState struct {
	Agents               map[string]*AgentState `json:"agents"`
	Order                []string               `json:"order"`
	GlobalContextVersion int                    `json:"global_context_version"`
	FinalWinner          string                 `json:"final_winner,omitempty"`
	Phase                Phase                  `json:"phase"`
}

// NewSharedState seeds a SharedState with idle agents and full attempt budgets.
func NewSharedState(anonIDs []string, maxAttempts int) *SharedState {
	s := &SharedState{
		Agents: make(map[string]*AgentState, len(anonIDs)),
		Order:  append([]string(nil), anonIDs...),
		Phase:  PhaseCoordinating,
	}
	for _, anon := range anonIDs {
		s.Agents[anon] = &AgentState{
			Status:            StatusIdle,
			AttemptsRemaining: maxAttempts,
		}
	}
	return s
}

// Clone returns a deep copy of the shared state.
func (s *SharedState) Clone() *SharedState {
	cp := &SharedState{
		Agents:               make(map[string]*AgentState, len(s.Agents)),
		Order:                append([]string(nil), s.Order...),
		GlobalContextVersion: s.GlobalContextVersion,
		FinalWinner:          s.FinalWinner,
		Phase:                s.Phase,
	}
	for anon, st := range s.Agents {
		cp.Agents[anon] = st.Clone()
	}
	return cp
}

// legalStatusTransitions is the permitted transition table for MarkStatus.
// Commits (new answer, vote) and restarts mutate status through their own
// paths; this table covers the explicit marks.
var legalStatusTransitions = map[AgentStatus][]AgentStatus{
	StatusIdle:       {StatusWorking, StatusFailed, StatusTimeout, StatusCompleted},
	StatusWorking:    {StatusWorking, StatusCompleted, StatusFailed, StatusTimeout, StatusRestarting},
	StatusAnswered:   {StatusWorking, StatusCompleted, StatusFailed, StatusTimeout, StatusRestarting},
	StatusVoted:      {StatusCompleted, StatusFailed, StatusTimeout, StatusRestarting},
	StatusRestarting: {StatusIdle, StatusWorking, StatusCompleted, StatusFailed, StatusTimeout},
}

// canTransition reports whether MarkStatus may move from one status to another.
func canTransition(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range legalStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
