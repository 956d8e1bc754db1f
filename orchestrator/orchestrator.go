// ABOUTME: Orchestrator: spawns N agent runners, pumps their merged output, and drives the run lifecycle.
// ABOUTME: Implements the restart-on-new-answer protocol with its snapshot barrier, termination rules, and selection.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/2389-research/massgen/agent"
	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/llm"
	"github.com/2389-research/massgen/workspace"
)

// Abort reasons surfaced in Result.AbortReason.
const (
	AbortNoAnswers       = "no_answers"
	AbortHardTimeout     = "hard_timeout"
	AbortAllAgentsFailed = "all_agents_failed"
	AbortPresentation    = "presentation_error"
)

// AgentSpec declares one coordination participant.
type AgentSpec struct {
	ID                string
	Backend           llm.Backend
	Model             string
	WorkflowInContent bool
}

// Config holds the wiring for one coordination run.
type Config struct {
	Task   string
	Agents []AgentSpec

	MaxAttempts    int           // per-agent attempt budget; default 3
	AttemptTimeout time.Duration // per-attempt soft timeout; default 120s
	RunTimeout     time.Duration // run-wide hard timeout; 0 disables

	AllowSelfVote bool
	Workspaces    *workspace.Manager // nil disables filesystem context
	PriorTurns    []llm.Message
	MaxTokens     int
	Temperature   *float64

	// OnChunk receives every live (non-discarded) chunk, for display.
	OnChunk func(agent.ForwardedChunk)
}

// Result is the outcome of a run.
type Result struct {
	Phase       coord.Phase
	Winner      string
	FinalAnswer string
	AbortReason string
	State       *coord.SharedState
}

// attemptFinished carries a completed attempt back into the event loop.
type attemptFinished struct {
	anon    string
	attempt int
	result  agent.AttemptResult
}

// Orchestrator drives one coordination run. It is the single consumer that
// mutates shared state: runners request transitions, the bus serialises
// them, and this loop reacts to the resulting events.
type Orchestrator struct {
	cfg     Config
	anon    *coord.AnonTable
	bus     *coord.Bus
	runners map[string]*agent.Runner

	chunks  chan agent.ForwardedChunk
	results chan attemptFinished
	events  chan coord.Event

	attempt       map[string]int // current attempt number per agent
	inFlight      map[string]context.CancelFunc
	lastCancelled map[string]int  // newest cancelled attempt number
	pendingNext   map[string]bool // restart scheduled, waiting for the old attempt to drain
	lastContent   map[string]string

	allFailed bool  // every agent ended failed or timed out
	fatal     error // workspace safety violation; aborts the run
}

// New builds an orchestrator. The bus starts immediately so observers (the
// tracker, displays) can attach before Run.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Agents) == 0 {
		return nil, errors.New("no agents configured")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = agent.DefaultAttemptTimeout
	}

	agentIDs := make([]string, len(cfg.Agents))
	for i, spec := range cfg.Agents {
		agentIDs[i] = spec.ID
	}
	table, err := coord.NewAnonTable(agentIDs)
	if err != nil {
		return nil, err
	}

	bus := coord.NewBus(table.AnonIDs(), cfg.MaxAttempts)

	o := &Orchestrator{
		cfg:           cfg,
		anon:          table,
		bus:           bus,
		runners:       make(map[string]*agent.Runner, len(cfg.Agents)),
		chunks:        make(chan agent.ForwardedChunk, 256),
		results:       make(chan attemptFinished, len(cfg.Agents)*cfg.MaxAttempts+len(cfg.Agents)),
		events:        make(chan coord.Event, 1024),
		attempt:       make(map[string]int),
		inFlight:      make(map[string]context.CancelFunc),
		lastCancelled: make(map[string]int),
		pendingNext:   make(map[string]bool),
		lastContent:   make(map[string]string),
	}

	for _, spec := range cfg.Agents {
		anonID, _ := table.Anon(spec.ID)
		runnerCfg := agent.Config{
			AgentID:           spec.ID,
			AnonID:            anonID,
			Backend:           spec.Backend,
			Model:             spec.Model,
			Task:              cfg.Task,
			PriorTurns:        cfg.PriorTurns,
			AttemptTimeout:    cfg.AttemptTimeout,
			MaxTokens:         cfg.MaxTokens,
			Temperature:       cfg.Temperature,
			WorkflowInContent: spec.WorkflowInContent,
			AllowSelfVote:     cfg.AllowSelfVote,
			PeerAnonIDs:       table.AnonIDs(),
		}
		o.runners[anonID] = agent.NewRunner(runnerCfg, bus, cfg.Workspaces, o.chunks)
	}

	// The restart protocol reacts to committed answers; vote events wake
	// the loop for its termination check. The observer runs in the bus
	// actor; it must not block, so the channel is wide and drops are logged
	// loudly (a drop could lose a restart trigger).
	bus.AddObserver(func(event coord.Event) {
		if event.Type != coord.EventAgentNewAnswer && event.Type != coord.EventAgentVoteCast {
			return
		}
		select {
		case o.events <- event:
		default:
			log.Printf("component=orchestrator action=event_dropped type=%s agent=%s", event.Type, event.AgentID)
		}
	})

	return o, nil
}

// Bus exposes the transition bus so trackers and displays can attach.
func (o *Orchestrator) Bus() *coord.Bus { return o.bus }

// AnonTable exposes the identity mapping for outward consumers.
func (o *Orchestrator) AnonTable() *coord.AnonTable { return o.anon }

// Run executes the coordination run to completion and returns its result.
// The error return is reserved for fatal conditions (workspace safety
// violations, misconfiguration); coordination-level aborts come back as a
// Result with Phase aborted.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	defer o.bus.Close()

	runCtx, cancelRun := o.runContext(ctx)
	defer cancelRun()

	_ = o.bus.EmitEvent(coord.EventCoordinationStart, "", "", map[string]any{
		"agents":       o.anon.AnonIDs(),
		"max_attempts": o.cfg.MaxAttempts,
	})

	for _, anonID := range o.anon.AnonIDs() {
		o.launchAttempt(runCtx, anonID, true)
	}

	timedOut := o.coordinate(runCtx)

	// Stop every in-flight attempt before selection; already-finished ones
	// are no-ops.
	for anonID, cancel := range o.inFlight {
		cancel()
		o.lastCancelled[anonID] = o.attempt[anonID]
	}

	if o.fatal != nil {
		_ = o.bus.SetPhase(coord.PhaseAborted)
		o.emitEnd(coord.PhaseAborted, "", "workspace_safety_violation")
		return nil, o.fatal
	}

	return o.selectAndPresent(ctx, timedOut)
}

// runContext derives the run-wide context, applying the hard timeout.
func (o *Orchestrator) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// coordinate is the main event loop. It returns true if it exited because
// the run-wide deadline fired.
func (o *Orchestrator) coordinate(runCtx context.Context) bool {
	for {
		if o.fatal != nil {
			return false
		}
		switch o.checkTermination() {
		case termNone:
		case termAllFailed:
			o.allFailed = true
			return false
		default:
			return false
		}

		select {
		case <-runCtx.Done():
			return true

		case fc := <-o.chunks:
			o.handleChunk(fc)

		case af := <-o.results:
			o.handleResult(runCtx, af)

		case event := <-o.events:
			if event.Type == coord.EventAgentNewAnswer {
				o.handleNewAnswer(runCtx, event)
			}
			// Vote events only wake the loop; the termination check at the
			// top of the next iteration sees them.
		}
	}
}

// termination decision values.
type termDecision int

const (
	termNone termDecision = iota
	termConsensus
	termExhausted
	termAllFailed
	termStalled
)

// checkTermination evaluates T1 and T2 over the current state.
func (o *Orchestrator) checkTermination() termDecision {
	state := o.bus.StateSnapshot()

	var active []*coord.AgentState
	for _, anonID := range state.Order {
		st := state.Agents[anonID]
		if st.Status == coord.StatusFailed || st.Status == coord.StatusTimeout {
			continue
		}
		active = append(active, st)
	}
	if len(active) == 0 {
		return termAllFailed
	}

	// T1: every still-active agent holds a vote that survived the last restart.
	allVoted := true
	for _, st := range active {
		if !st.HasVoted {
			allVoted = false
			break
		}
	}
	if allVoted {
		return termConsensus
	}

	if len(o.inFlight) > 0 {
		return termNone
	}

	// T2: nothing in flight and every active agent is settled: terminal,
	// stable-voted, or out of attempts.
	settled := true
	for _, st := range active {
		if st.Status.IsTerminal() || st.HasVoted || st.AttemptsRemaining == 0 {
			continue
		}
		settled = false
		break
	}
	if settled {
		return termExhausted
	}

	// No attempt is running and no restart is pending: nothing can change
	// state again. Proceed to selection rather than idling until the hard
	// timeout.
	for _, pending := range o.pendingNext {
		if pending {
			return termNone
		}
	}
	log.Printf("component=orchestrator action=stalled detail=no_attempts_in_flight")
	return termStalled
}

// handleChunk forwards live chunks and discards output from cancelled or
// superseded attempts.
func (o *Orchestrator) handleChunk(fc agent.ForwardedChunk) {
	if fc.Attempt != o.attempt[fc.Anon] || fc.Attempt <= o.lastCancelled[fc.Anon] {
		return
	}
	if o.cfg.OnChunk != nil {
		o.cfg.OnChunk(fc)
	}
}

// handleResult applies the explicit result of a finished attempt.
func (o *Orchestrator) handleResult(runCtx context.Context, af attemptFinished) {
	if af.attempt != o.attempt[af.anon] {
		return
	}
	if cancel, ok := o.inFlight[af.anon]; ok {
		cancel()
		delete(o.inFlight, af.anon)
	}
	if af.result.LastContent != "" {
		o.lastContent[af.anon] = af.result.LastContent
	}

	switch af.result.Outcome {
	case agent.OutcomeVoted, agent.OutcomeAnswered:
		// Status was set by the commit path.

	case agent.OutcomeNoAnswer:
		if _, err := o.bus.RecordFallbackAnswer(af.anon, af.result.LastContent); err != nil {
			log.Printf("component=orchestrator action=fallback_answer_failed agent=%s err=%v", af.anon, err)
		}
		if err := o.bus.MarkStatus(af.anon, coord.StatusCompleted); err != nil {
			log.Printf("component=orchestrator action=mark_completed_failed agent=%s err=%v", af.anon, err)
		}

	case agent.OutcomeFailed:
		var safetyErr *workspace.SafetyError
		if errors.As(af.result.Err, &safetyErr) {
			o.fatal = safetyErr
			return
		}
		log.Printf("component=orchestrator action=attempt_failed agent=%s attempt=%d err=%v", af.anon, af.attempt, af.result.Err)
		remaining := 0
		o.bus.ReadState(func(s *coord.SharedState) {
			remaining = s.Agents[af.anon].AttemptsRemaining
		})
		if remaining == 0 {
			if err := o.bus.MarkStatus(af.anon, coord.StatusFailed); err != nil {
				log.Printf("component=orchestrator action=mark_failed_failed agent=%s err=%v", af.anon, err)
			}
		}
		// Otherwise the agent stays eligible for the next restart signal.

	case agent.OutcomeCancelled:
		// A restart is pending or the run is winding down.

	case agent.OutcomeTimedOut:
		if err := o.bus.MarkStatus(af.anon, coord.StatusTimeout); err != nil {
			log.Printf("component=orchestrator action=mark_timeout_failed agent=%s err=%v", af.anon, err)
		}
	}

	if o.pendingNext[af.anon] {
		o.pendingNext[af.anon] = false
		terminal := false
		o.bus.ReadState(func(s *coord.SharedState) {
			terminal = s.Agents[af.anon].Status.IsTerminal()
		})
		if !terminal && o.fatal == nil {
			o.launchAttempt(runCtx, af.anon, false)
		}
	}
}

// handleNewAnswer runs the restart-on-new-answer protocol for a committed
// answer event. Fallback answers never trigger restarts.
func (o *Orchestrator) handleNewAnswer(runCtx context.Context, event coord.Event) {
	if fallback, _ := event.Context["fallback"].(bool); fallback {
		return
	}
	answering := event.AgentID

	// Snapshot barrier: the answering agent's workspace must be captured
	// before any restarted peer begins its next attempt. This holds even
	// for superseded signals, so the broader restart sees every answerer's
	// artefacts.
	if o.cfg.Workspaces != nil {
		if err := o.cfg.Workspaces.Snapshot(answering); err != nil {
			var safetyErr *workspace.SafetyError
			if errors.As(err, &safetyErr) {
				o.fatal = safetyErr
				return
			}
			log.Printf("component=orchestrator action=snapshot_failed agent=%s err=%v", answering, err)
		}
	}

	version := intContext(event.Context, "global_version")
	// Stale-signal guard: a later commit has already scheduled a broader
	// restart that covers this one.
	if version < o.bus.GlobalVersion() {
		return
	}

	state := o.bus.StateSnapshot()

	var affected []string
	for _, anonID := range state.Order {
		if anonID == answering {
			continue
		}
		if state.Agents[anonID].Status.IsTerminal() {
			continue
		}
		affected = append(affected, anonID)
	}

	_ = o.bus.EmitEvent(coord.EventRestartTriggered, answering, "", map[string]any{
		"version":  version,
		"affected": affected,
	})

	// Cancel first so no affected attempt commits anything after this point.
	for _, anonID := range affected {
		if cancel, ok := o.inFlight[anonID]; ok {
			cancel()
			o.lastCancelled[anonID] = o.attempt[anonID]
		}
	}

	for _, anonID := range affected {
		st := state.Agents[anonID]
		if st.AttemptsRemaining > 0 {
			if _, err := o.bus.BeginRestart(anonID); err != nil {
				log.Printf("component=orchestrator action=restart_rejected agent=%s err=%v", anonID, err)
				continue
			}
			if _, running := o.inFlight[anonID]; running {
				o.pendingNext[anonID] = true
			} else {
				o.launchAttempt(runCtx, anonID, false)
			}
		} else {
			// Budget exhausted: completed, keeping any last answer and vote.
			if err := o.bus.MarkStatus(anonID, coord.StatusCompleted); err != nil {
				log.Printf("component=orchestrator action=mark_completed_failed agent=%s err=%v", anonID, err)
			}
			o.pendingNext[anonID] = false
		}
	}
}

// launchAttempt starts the agent's next attempt. Initial launches consume
// one attempt from the budget; restarted launches were already paid for by
// BeginRestart.
func (o *Orchestrator) launchAttempt(runCtx context.Context, anonID string, initial bool) {
	if initial {
		if _, err := o.bus.ConsumeAttempt(anonID); err != nil {
			log.Printf("component=orchestrator action=launch_rejected agent=%s err=%v", anonID, err)
			return
		}
	}

	o.attempt[anonID]++
	attemptNo := o.attempt[anonID]

	attemptCtx, cancel := context.WithCancel(runCtx)
	o.inFlight[anonID] = cancel

	_ = o.bus.EmitEvent(coord.EventAgentStart, anonID, "", map[string]any{"attempt": attemptNo})
	if err := o.bus.MarkStatus(anonID, coord.StatusWorking); err != nil {
		log.Printf("component=orchestrator action=mark_working_failed agent=%s err=%v", anonID, err)
	}

	runner := o.runners[anonID]
	go func() {
		result := runner.RunAttempt(attemptCtx, attemptNo)
		o.results <- attemptFinished{anon: anonID, attempt: attemptNo, result: result}
	}()
}

// selectAndPresent runs phases selecting, presenting, and done/aborted.
func (o *Orchestrator) selectAndPresent(ctx context.Context, timedOut bool) (*Result, error) {
	_ = o.bus.SetPhase(coord.PhaseSelecting)

	state := o.bus.StateSnapshot()
	winner, ok := SelectWinner(state)
	if !ok {
		reason := AbortNoAnswers
		if o.allFailed {
			reason = AbortAllAgentsFailed
		}
		_ = o.bus.SetPhase(coord.PhaseAborted)
		o.emitEnd(coord.PhaseAborted, "", reason)
		return &Result{
			Phase:       coord.PhaseAborted,
			AbortReason: reason,
			FinalAnswer: o.concatenatedContent(),
			State:       o.bus.StateSnapshot(),
		}, nil
	}

	_ = o.bus.SetFinalWinner(winner)
	_ = o.bus.EmitEvent(coord.EventConsensusReached, winner, "", map[string]any{
		"winner":    winner,
		"tally":     VoteTally(state),
		"timed_out": timedOut,
	})
	_ = o.bus.SetPhase(coord.PhasePresenting)

	finalAnswer, err := o.present(ctx, winner)
	if err != nil {
		reason := AbortPresentation
		if ctx.Err() != nil || timedOut {
			reason = AbortHardTimeout
		}
		log.Printf("component=orchestrator action=presentation_failed winner=%s err=%v", winner, err)
		_ = o.bus.SetPhase(coord.PhaseAborted)
		o.emitEnd(coord.PhaseAborted, winner, reason)
		return &Result{
			Phase:       coord.PhaseAborted,
			Winner:      winner,
			AbortReason: reason,
			FinalAnswer: state.Agents[winner].CurrentAnswer,
			State:       o.bus.StateSnapshot(),
		}, nil
	}

	_ = o.bus.SetPhase(coord.PhaseDone)
	o.emitEndWithAnswer(winner, finalAnswer)
	return &Result{
		Phase:       coord.PhaseDone,
		Winner:      winner,
		FinalAnswer: finalAnswer,
		State:       o.bus.StateSnapshot(),
	}, nil
}

// present runs the winner's backend once more, without workflow tools, and
// returns its full output. The presenter runs under its own attempt budget
// even when the coordination deadline has passed.
func (o *Orchestrator) present(ctx context.Context, winner string) (string, error) {
	runner := o.runners[winner]

	if o.cfg.Workspaces != nil && runner.Backend().FilesystemSupport() != llm.FilesystemNone {
		if err := o.materialiseWinnerView(winner); err != nil {
			log.Printf("component=orchestrator action=winner_view_failed winner=%s err=%v", winner, err)
		}
	}

	state := o.bus.StateSnapshot()
	messages := BuildPresentationMessages(o.cfg.Task, winner, state)

	presentCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.AttemptTimeout)
	defer cancel()

	spec := o.specFor(winner)
	stream, err := runner.Backend().Stream(presentCtx, llm.StreamRequest{
		Model:       spec.Model,
		Messages:    messages,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("open presenter stream: %w", err)
	}

	presenterAttempt := o.attempt[winner] + 1
	var buf strings.Builder
	for {
		select {
		case <-presentCtx.Done():
			return "", presentCtx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return "", errors.New("presenter stream closed without terminal chunk")
			}
			switch chunk.Kind {
			case llm.ChunkContent:
				buf.WriteString(chunk.Text)
			case llm.ChunkError:
				return "", fmt.Errorf("presenter stream error: %s", chunk.Err)
			case llm.ChunkDone:
				return buf.String(), nil
			}
			if o.cfg.OnChunk != nil && !chunk.IsTerminal() {
				o.cfg.OnChunk(agent.ForwardedChunk{Anon: winner, Attempt: presenterAttempt, Chunk: chunk})
			}
		}
	}
}

// materialiseWinnerView builds the winner's view over every agent's latest
// snapshot so the presenter can cite peers' work.
func (o *Orchestrator) materialiseWinnerView(winner string) error {
	snapshots := make(map[string]string)
	state := o.bus.StateSnapshot()
	for _, anonID := range state.Order {
		if state.Agents[anonID].HasAnswered {
			snapshots[anonID] = o.cfg.Workspaces.SnapshotDir(anonID)
		}
	}
	if len(snapshots) == 0 {
		return nil
	}
	_, err := o.cfg.Workspaces.MaterialisePeerView(winner, snapshots)
	return err
}

// specFor returns the AgentSpec behind an anon ID.
func (o *Orchestrator) specFor(anonID string) AgentSpec {
	agentID, _ := o.anon.AgentID(anonID)
	for _, spec := range o.cfg.Agents {
		if spec.ID == agentID {
			return spec
		}
	}
	return AgentSpec{}
}

// concatenatedContent joins the last content of every agent, for the
// best-effort abort surface.
func (o *Orchestrator) concatenatedContent() string {
	var parts []string
	for _, anonID := range o.anon.AnonIDs() {
		if content := o.lastContent[anonID]; content != "" {
			parts = append(parts, fmt.Sprintf("[%s]\n%s", anonID, content))
		}
	}
	return strings.Join(parts, "\n\n")
}

// emitEnd records the coordination_end event.
func (o *Orchestrator) emitEnd(phase coord.Phase, winner, reason string) {
	_ = o.bus.EmitEvent(coord.EventCoordinationEnd, winner, reason, map[string]any{
		"phase":  string(phase),
		"winner": winner,
		"reason": reason,
	})
}

// emitEndWithAnswer records coordination_end for a successful run, carrying
// the presenter's output for the tracker's final-answer artefact.
func (o *Orchestrator) emitEndWithAnswer(winner, finalAnswer string) {
	_ = o.bus.EmitEvent(coord.EventCoordinationEnd, winner, "", map[string]any{
		"phase":        string(coord.PhaseDone),
		"winner":       winner,
		"final_answer": finalAnswer,
	})
}

// intContext reads an int out of an event context map.
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
