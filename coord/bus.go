// ABOUTME: Single-writer transition bus: an actor goroutine applies all SharedState mutations in order.
// ABOUTME: Commands arrive with reply channels; events fan out to observers (lossless) and subscribers (lossy).
package coord

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a commit or status mark violates the
// state machine. The offending workflow call is dropped; the caller continues.
var ErrInvalidTransition = errors.New("invalid_transition")

// ErrUnknownAgent is returned for anon IDs not present in the shared state.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrBusClosed is returned when a command is sent after Close.
var ErrBusClosed = errors.New("bus closed")

// PeerAnswer is one peer's committed answer as seen in a snapshot.
type PeerAnswer struct {
	Answer  string `json:"answer"`
	Version int    `json:"version"`
}

// eventBroadcaster fans events out to subscriber channels. Broadcast is
// non-blocking: slow subscribers drop events rather than stalling the actor.
type eventBroadcaster struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

func (b *eventBroadcaster) subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 1024)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *eventBroadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *eventBroadcaster) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop for slow subscribers rather than blocking the actor.
		}
	}
}

func (b *eventBroadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// busCommand is processed sequentially by the actor goroutine.
type busCommand interface{ busCommandSeal() }

type cmdCommitNewAnswer struct {
	anon string
	text string
}

type cmdCommitVote struct {
	voter  string
	target string
	reason string
}

type cmdClearVote struct{ anon string }

type cmdMarkStatus struct {
	anon   string
	status AgentStatus
}

type cmdBeginRestart struct{ anon string }

type cmdConsumeAttempt struct{ anon string }

type cmdFallbackAnswer struct {
	anon string
	text string
}

type cmdSetPhase struct{ phase Phase }

type cmdSetWinner struct{ anon string }

type cmdEmit struct {
	eventType EventType
	anon      string
	details   string
	context   map[string]any
}

func (cmdCommitNewAnswer) busCommandSeal() {}
func (cmdCommitVote) busCommandSeal()      {}
func (cmdClearVote) busCommandSeal()       {}
func (cmdMarkStatus) busCommandSeal()      {}
func (cmdBeginRestart) busCommandSeal()    {}
func (cmdConsumeAttempt) busCommandSeal()  {}
func (cmdFallbackAnswer) busCommandSeal()  {}
func (cmdSetPhase) busCommandSeal()        {}
func (cmdSetWinner) busCommandSeal()       {}
func (cmdEmit) busCommandSeal()            {}

// busResult carries a command's outcome back to the caller.
type busResult struct {
	accepted bool
	version  int
	err      error
}

type busMessage struct {
	cmd   busCommand
	reply chan busResult
}

// Bus holds the SharedState and serialises every transition through a single
// actor goroutine. Readers observe a consistent view: the actor applies
// mutations under the write lock, and snapshot reads take the read lock.
type Bus struct {
	cmdCh       chan busMessage
	broadcaster *eventBroadcaster

	mu    sync.RWMutex // protects state and observers
	state *SharedState

	observers []func(Event)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBus creates a bus around a freshly seeded SharedState and starts the
// actor goroutine.
func NewBus(anonIDs []string, maxAttempts int) *Bus {
	b := &Bus{
		cmdCh:       make(chan busMessage, 64),
		broadcaster: &eventBroadcaster{},
		state:       NewSharedState(anonIDs, maxAttempts),
		closed:      make(chan struct{}),
	}
	go b.run()
	return b
}

// AddObserver registers a synchronous event observer. Observers run in the
// actor goroutine in commit order and must not block; they see every event
// (unlike channel subscribers, which may drop). Used by the tracker.
func (b *Bus) AddObserver(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Subscribe returns a buffered channel of events. Slow consumers lose
// events; use AddObserver for lossless delivery.
func (b *Bus) Subscribe() chan Event {
	return b.broadcaster.subscribe()
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.broadcaster.unsubscribe(ch)
}

// Close stops the actor. Commands sent after Close fail with ErrBusClosed.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}

// ReadState calls fn with a read lock on the current state. fn must not
// mutate the state or retain references after returning.
func (b *Bus) ReadState(fn func(s *SharedState)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.state)
}

// StateSnapshot returns a deep copy of the current shared state.
func (b *Bus) StateSnapshot() *SharedState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone()
}

// SnapshotPeerAnswers returns the committed answer of every agent other
// than anon that has answered, together with its version. The view is
// consistent: it never observes a partially applied transition.
func (b *Bus) SnapshotPeerAnswers(anon string) map[string]PeerAnswer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]PeerAnswer)
	for _, peer := range b.state.Order {
		if peer == anon {
			continue
		}
		st := b.state.Agents[peer]
		if st.HasAnswered {
			out[peer] = PeerAnswer{Answer: st.CurrentAnswer, Version: st.AnswerVersion}
		}
	}
	return out
}

// GlobalVersion returns the current global context version.
func (b *Bus) GlobalVersion() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.GlobalContextVersion
}

// CommitNewAnswer writes anon's answer, bumps version counters, clears the
// agent's vote, and marks it answered. Accepted only while coordinating.
// Returns the new global context version on acceptance.
func (b *Bus) CommitNewAnswer(anon, text string) (bool, int, error) {
	res, err := b.send(cmdCommitNewAnswer{anon: anon, text: text})
	if err != nil {
		return false, 0, err
	}
	return res.accepted, res.version, res.err
}

// CommitVote writes the voter's vote for target. Rejected for unknown
// targets or outside the coordinating phase.
func (b *Bus) CommitVote(voter, target, reason string) (bool, error) {
	res, err := b.send(cmdCommitVote{voter: voter, target: target, reason: reason})
	if err != nil {
		return false, err
	}
	return res.accepted, res.err
}

// ClearVoteOnRestart clears anon's vote without emitting an event; the
// restart event implies it.
func (b *Bus) ClearVoteOnRestart(anon string) error {
	res, err := b.send(cmdClearVote{anon: anon})
	if err != nil {
		return err
	}
	return res.err
}

// MarkStatus transitions anon's status. Terminal marks emit the matching
// agent_completed / agent_failed / agent_timeout event. Illegal transitions
// return ErrInvalidTransition.
func (b *Bus) MarkStatus(anon string, status AgentStatus) error {
	res, err := b.send(cmdMarkStatus{anon: anon, status: status})
	if err != nil {
		return err
	}
	return res.err
}

// BeginRestart clears anon's vote, marks it restarting, bumps the restart
// counter, decrements its attempt budget, and emits agent_restart.
// Returns the remaining attempts.
func (b *Bus) BeginRestart(anon string) (int, error) {
	res, err := b.send(cmdBeginRestart{anon: anon})
	if err != nil {
		return 0, err
	}
	return res.version, res.err
}

// ConsumeAttempt charges one attempt from anon's budget at launch time.
// Total attempt launches across a run are bounded by N times the per-agent
// budget. Returns the remaining attempts.
func (b *Bus) ConsumeAttempt(anon string) (int, error) {
	res, err := b.send(cmdConsumeAttempt{anon: anon})
	if err != nil {
		return 0, err
	}
	return res.version, res.err
}

// RecordFallbackAnswer records the agent's last streamed content as its
// answer when an attempt completes without any workflow call. Unlike
// CommitNewAnswer it does not bump the global context version, so it never
// triggers the restart protocol. Ignored once the agent has answered.
func (b *Bus) RecordFallbackAnswer(anon, text string) (bool, error) {
	res, err := b.send(cmdFallbackAnswer{anon: anon, text: text})
	if err != nil {
		return false, err
	}
	return res.accepted, res.err
}

// SetPhase moves the run-wide phase.
func (b *Bus) SetPhase(phase Phase) error {
	_, err := b.send(cmdSetPhase{phase: phase})
	return err
}

// SetFinalWinner records the selected winner.
func (b *Bus) SetFinalWinner(anon string) error {
	_, err := b.send(cmdSetWinner{anon: anon})
	return err
}

// EmitEvent appends a lifecycle event that carries no state mutation of its
// own (agent_start, restart_triggered, coordination_start, ...). It still
// flows through the actor so the log observes a single total order.
func (b *Bus) EmitEvent(eventType EventType, anon, details string, context map[string]any) error {
	_, err := b.send(cmdEmit{eventType: eventType, anon: anon, details: details, context: context})
	return err
}

// send delivers a command to the actor and waits for the reply.
func (b *Bus) send(cmd busCommand) (busResult, error) {
	msg := busMessage{cmd: cmd, reply: make(chan busResult, 1)}
	select {
	case b.cmdCh <- msg:
	case <-b.closed:
		return busResult{}, ErrBusClosed
	}
	select {
	case res := <-msg.reply:
		return res, nil
	case <-b.closed:
		// The actor may still process the command; the result is lost.
		return busResult{}, ErrBusClosed
	}
}

// run is the actor loop: commands are applied strictly in arrival order.
func (b *Bus) run() {
	for {
		select {
		case msg := <-b.cmdCh:
			result, events := b.apply(msg.cmd)
			for _, event := range events {
				b.mu.RLock()
				observers := b.observers
				b.mu.RUnlock()
				for _, fn := range observers {
					fn(event)
				}
				b.broadcaster.broadcast(event)
			}
			// Reply last, so observers have seen the command's events by the
			// time the caller's command returns.
			msg.reply <- result
		case <-b.closed:
			b.broadcaster.closeAll()
			return
		}
	}
}

// apply executes one command under the write lock and returns the events it
// produced, in emission order.
func (b *Bus) apply(cmd busCommand) (busResult, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch c := cmd.(type) {
	case cmdCommitNewAnswer:
		st, ok := b.state.Agents[c.anon]
		if !ok {
			return busResult{err: fmt.Errorf("%w: %q", ErrUnknownAgent, c.anon)}, nil
		}
		if b.state.Phase != PhaseCoordinating {
			return busResult{accepted: false}, nil
		}
		b.state.GlobalContextVersion++
		st.CurrentAnswer = c.text
		st.AnswerVersion++
		st.CommittedAt = b.state.GlobalContextVersion
		st.HasAnswered = true
		st.Vote = nil
		st.HasVoted = false
		st.Status = StatusAnswered
		version := b.state.GlobalContextVersion
		return busResult{accepted: true, version: version}, []Event{
			newEvent(EventAgentAnswering, c.anon, "", nil),
			newEvent(EventAgentNewAnswer, c.anon, "", map[string]any{
				"answer":         c.text,
				"answer_version": st.AnswerVersion,
				"global_version": version,
			}),
			newEvent(EventContextShared, c.anon, "", map[string]any{
				"global_version": version,
			}),
		}

	case cmdCommitVote:
		st, ok := b.state.Agents[c.voter]
		if !ok {
			return busResult{err: fmt.Errorf("%w: %q", ErrUnknownAgent, c.voter)}, nil
		}
		if _, ok := b.state.Agents[c.target]; !ok {
			return busResult{accepted: false, err: fmt.Errorf("%w: vote target %q", ErrInvalidTransition, c.target)}, nil
		}
		if b.state.Phase != PhaseCoordinating {
			return busResult{accepted: false}, nil
		}
		st.Vote = &Vote{Target: c.target, Reason: c.reason}
		st.HasVoted = true
		st.Status = StatusVoted
		return busResult{accepted: true}, []Event{
			newEvent(EventAgentVoting, c.voter, "", nil),
			newEvent(EventAgentVoteCast, c.voter, "", map[string]any{
				"target": c.target,
				"reason": c.reason,
			}),
		}

	case cmdClearVote:
		st, ok := b.state.Agents[c.anon]
		if !ok {
			return busResult{err: fmt.Errorf("%w: %q", ErrUnknownAgent, c.anon)}, nil
		}
		st.Vote = nil
		st.HasVoted = false
		return busResult{accepted: true}, nil

	case cmdMarkStatus:
		st, ok := b.state.Agents[c.anon]
		if !ok {
			return busResult{err: fmt.Errorf("%w: %q", ErrUnknownAgent, c.anon)}, nil
		}
		if st.Status.IsTerminal() && c.status != st.Status {
			return busResult{err: fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Status, c.status)}, nil
		}
		if !st.Status.IsTerminal() && !canTransition(st.Status, c.status) {
			return busResult{err: fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Status, c.status)}, nil
		}
		prev := st.Status
		st.Status = c.status
		var events []Event
		if prev != c.status {
			switch c.status {
			case StatusCompleted:
				events = append(events, newEvent(EventAgentCompleted, c.anon, "", nil))
			case StatusFailed:
				events = append(events, newEvent(EventAgentFailed, c.anon, "", nil))
			case StatusTimeout:
				events = append(events, newEvent(EventAgentTimeout, c.anon, "", nil))
			}
		}
		return busResult{accepted: true}, events

	case cmdBeginRestart:
		st, ok := b.state.Agents[c.anon]
		if !ok {
			return busResult{err: fmt.Errorf("%w: %q", ErrUnknownAgent, c.anon)}, nil
		}
		if st.Status.IsTerminal() {
			return busResult{err: fmt.Errorf("%w: restart of %s agent", ErrInvalidTransition, st.Status)}, nil
		}
		st.Vote = nil
		st.HasVoted = false
		st.Status = StatusRestarting
		st.RestartCount++
		if st.AttemptsRemaining > 0 {
			st.AttemptsRemaining--
		}
		return busResult{accepted: true, version: st.AttemptsRemaining}, []Event{
			newEvent(EventAgentRestart, c.anon, "", map[string]any{
				"restart_count":      st.RestartCount,
				"attempts_remaining": st.AttemptsRemaining,
			}),
		}

	case cmdConsumeAttempt:
		st, ok := b.state.Agents[c.anon]
		if !ok {
			return busResult{err: fmt.Errorf("%w: %q", ErrUnknownAgent, c.anon)}, nil
		}
		if st.AttemptsRemaining <= 0 {
			return busResult{version: 0, err: fmt.Errorf("%w: no attempts remaining", ErrInvalidTransition)}, nil
		}
		st.AttemptsRemaining--
		return busResult{accepted: true, version: st.AttemptsRemaining}, nil

	case cmdFallbackAnswer:
		st, ok := b.state.Agents[c.anon]
		if !ok {
			return busResult{err: fmt.Errorf("%w: %q", ErrUnknownAgent, c.anon)}, nil
		}
		if st.HasAnswered || c.text == "" {
			return busResult{accepted: false}, nil
		}
		st.CurrentAnswer = c.text
		st.AnswerVersion++
		st.CommittedAt = b.state.GlobalContextVersion
		st.HasAnswered = true
		st.Status = StatusAnswered
		return busResult{accepted: true}, []Event{
			newEvent(EventAgentNewAnswer, c.anon, "fallback", map[string]any{
				"answer":         c.text,
				"answer_version": st.AnswerVersion,
				"global_version": b.state.GlobalContextVersion,
				"fallback":       true,
			}),
		}

	case cmdSetPhase:
		b.state.Phase = c.phase
		return busResult{accepted: true}, nil

	case cmdSetWinner:
		b.state.FinalWinner = c.anon
		return busResult{accepted: true}, nil

	case cmdEmit:
		return busResult{accepted: true}, []Event{
			newEvent(c.eventType, c.anon, c.details, c.context),
		}
	}

	return busResult{err: fmt.Errorf("unknown bus command %T", cmd)}, nil
}
