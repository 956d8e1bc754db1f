// ABOUTME: Runner drives one agent through one attempt: stream the backend, extract workflow calls,
// ABOUTME: commit transitions through the bus, and forward chunks upward until a terminal chunk or cancellation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/llm"
	"github.com/2389-research/massgen/mcpfs"
	"github.com/2389-research/massgen/workspace"
)

// FilesystemToolReceiver is implemented by backends that consume an
// injected workspace tool server for the duration of an attempt.
type FilesystemToolReceiver interface {
	AttachFilesystem(server *mcpfs.Server)
	DetachFilesystem()
}

// Coordinator is the slice of the transition bus a runner needs. Satisfied
// by *coord.Bus; tests substitute fakes.
type Coordinator interface {
	CommitNewAnswer(anon, text string) (accepted bool, globalVersion int, err error)
	CommitVote(voter, target, reason string) (accepted bool, err error)
	SnapshotPeerAnswers(anon string) map[string]coord.PeerAnswer
	EmitEvent(eventType coord.EventType, anon, details string, context map[string]any) error
}

// ForwardedChunk is one chunk tagged with its producing agent and attempt,
// so the orchestrator can discard in-flight output from cancelled attempts.
type ForwardedChunk struct {
	Anon    string
	Attempt int
	Chunk   llm.StreamChunk
}

// Outcome classifies how an attempt ended.
type Outcome string

const (
	// OutcomeAnswered: the attempt committed at least one new answer and no vote.
	OutcomeAnswered Outcome = "completed_with_answer"
	// OutcomeNoAnswer: the backend finished without committing any workflow call.
	OutcomeNoAnswer Outcome = "completed_without_answer"
	// OutcomeVoted: the attempt committed a vote.
	OutcomeVoted Outcome = "voted"
	// OutcomeFailed: the backend errored; only this attempt failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled: the attempt was cancelled by a restart signal.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeTimedOut: the per-attempt timeout elapsed.
	OutcomeTimedOut Outcome = "timed_out"
)

// AttemptResult is the explicit result of one RunAttempt call. The
// orchestrator switches on Outcome; Err is set for OutcomeFailed.
type AttemptResult struct {
	Outcome     Outcome
	Err         error
	LastContent string
}

// Config holds the per-agent wiring for a runner.
type Config struct {
	AgentID string
	AnonID  string
	Backend llm.Backend
	Model   string

	// Task is the user task being coordinated on.
	Task string
	// PriorTurns are earlier user turns of an embedding conversation.
	PriorTurns []llm.Message

	AttemptTimeout time.Duration
	MaxTokens      int
	Temperature    *float64

	// WorkflowInContent disables native workflow tool declarations; the
	// usage grammar in the system message plus the content scanner carry
	// the calls instead.
	WorkflowInContent bool
	// AllowSelfVote includes the agent's own anon ID in the vote enum.
	AllowSelfVote bool
	// PeerAnonIDs is the full anon roster, in declaration order.
	PeerAnonIDs []string
}

// DefaultAttemptTimeout bounds a single attempt when the config does not.
const DefaultAttemptTimeout = 120 * time.Second

// Runner is the per-agent state machine. One Runner serves all attempts of
// its agent within a run; each attempt is a single RunAttempt call.
type Runner struct {
	cfg Config
	bus Coordinator
	ws  *workspace.Manager // nil disables filesystem context
	out chan<- ForwardedChunk
}

// NewRunner wires a runner. out receives forwarded chunks; ws may be nil
// when filesystem context is disabled.
func NewRunner(cfg Config, bus Coordinator, ws *workspace.Manager, out chan<- ForwardedChunk) *Runner {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Runner{cfg: cfg, bus: bus, ws: ws, out: out}
}

// AnonID returns the agent's anonymous ID.
func (r *Runner) AnonID() string { return r.cfg.AnonID }

// Backend returns the agent's backend.
func (r *Runner) Backend() llm.Backend { return r.cfg.Backend }

// VoteTargets returns the enum of valid vote targets under the configured
// self-vote policy.
func (r *Runner) VoteTargets() []string {
	return targetsForPrompt(r.cfg)
}

// RunAttempt executes one attempt: prepare the workspace, materialise the
// peer view, stream the backend, and translate workflow calls into bus
// commits. It returns when a terminal chunk is observed or ctx fires.
// Cancellation never mutates shared state.
func (r *Runner) RunAttempt(ctx context.Context, attempt int) AttemptResult {
	anon := r.cfg.AnonID

	if r.ws != nil {
		if _, err := r.ws.PrepareWorkspace(anon); err != nil {
			return AttemptResult{Outcome: OutcomeFailed, Err: err}
		}
	}

	peers := r.bus.SnapshotPeerAnswers(anon)
	if err := r.materialiseView(peers); err != nil {
		return AttemptResult{Outcome: OutcomeFailed, Err: err}
	}
	if len(peers) > 0 {
		peerIDs := make([]string, 0, len(peers))
		for peer := range peers {
			peerIDs = append(peerIDs, peer)
		}
		_ = r.bus.EmitEvent(coord.EventContextReceived, anon, "", map[string]any{"peers": peerIDs})
	}

	if receiver, ok := r.cfg.Backend.(FilesystemToolReceiver); ok &&
		r.ws != nil && r.cfg.Backend.FilesystemSupport() == llm.FilesystemMCP {
		views := make(map[string]string, len(peers))
		for peer := range peers {
			views[peer] = filepath.Join(r.ws.ViewDir(anon), peer)
		}
		receiver.AttachFilesystem(mcpfs.NewServer(r.ws.WorkDir(anon), views))
		defer receiver.DetachFilesystem()
	}

	req := llm.StreamRequest{
		Model:       r.cfg.Model,
		Messages:    BuildAttemptMessages(r.cfg, attempt, peers),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}
	if !r.cfg.WorkflowInContent {
		req.Tools = []llm.ToolDefinition{NewAnswerTool(), VoteTool(r.VoteTargets())}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	timer := time.AfterFunc(r.cfg.AttemptTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	stream, err := r.cfg.Backend.Stream(attemptCtx, req)
	if err != nil {
		return AttemptResult{Outcome: OutcomeFailed, Err: fmt.Errorf("open backend stream: %w", err)}
	}

	r.forward(attemptCtx, attempt, llm.AgentStatusChunk("working", anon))

	result := r.consume(attemptCtx, attempt, stream)
	if attemptCtx.Err() != nil && result.Outcome == OutcomeCancelled && timedOut.Load() {
		result.Outcome = OutcomeTimedOut
	}
	return result
}

// consume drains the backend stream, committing workflow calls as they
// arrive (the runner does not wait for the backend's done) and forwarding
// everything else.
func (r *Runner) consume(ctx context.Context, attempt int, stream <-chan llm.StreamChunk) AttemptResult {
	anon := r.cfg.AnonID

	var contentBuf strings.Builder
	answered := false
	voted := false
	anyCommitted := false

	// A committed vote ends the agent's say for this attempt: later
	// workflow calls are rejected. A committed answer leaves the agent
	// working, free to refine its answer or vote afterwards.
	commitWorkflow := func(call WorkflowCall) {
		if voted {
			log.Printf("component=agent.runner action=workflow_rejected agent=%s reason=already_voted err=%v",
				anon, coord.ErrInvalidTransition)
			return
		}
		switch c := call.(type) {
		case NewAnswerCall:
			accepted, version, err := r.bus.CommitNewAnswer(anon, c.Content)
			if err != nil {
				log.Printf("component=agent.runner action=new_answer_rejected agent=%s err=%v", anon, err)
				return
			}
			if !accepted {
				log.Printf("component=agent.runner action=new_answer_ignored agent=%s reason=phase", anon)
				return
			}
			answered = true
			anyCommitted = true
			r.forward(ctx, attempt, llm.AgentStatusChunk("answered", anon))
			log.Printf("component=agent.runner action=new_answer agent=%s version=%d", anon, version)

		case VoteCall:
			if !r.cfg.AllowSelfVote && c.Target == anon {
				log.Printf("component=agent.runner action=vote_rejected agent=%s target=%s reason=self_vote err=%v",
					anon, c.Target, coord.ErrInvalidTransition)
				return
			}
			accepted, err := r.bus.CommitVote(anon, c.Target, c.Reason)
			if err != nil {
				log.Printf("component=agent.runner action=vote_rejected agent=%s target=%s err=%v", anon, c.Target, err)
				return
			}
			if !accepted {
				log.Printf("component=agent.runner action=vote_ignored agent=%s reason=phase", anon)
				return
			}
			voted = true
			anyCommitted = true
			r.forward(ctx, attempt, llm.AgentStatusChunk("voted", anon))
			log.Printf("component=agent.runner action=vote agent=%s target=%s", anon, c.Target)
		}
	}

	outcome := func() AttemptResult {
		res := AttemptResult{LastContent: contentBuf.String()}
		switch {
		case voted:
			res.Outcome = OutcomeVoted
		case answered:
			res.Outcome = OutcomeAnswered
		default:
			res.Outcome = OutcomeNoAnswer
		}
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return AttemptResult{Outcome: OutcomeCancelled, LastContent: contentBuf.String()}

		case chunk, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return AttemptResult{Outcome: OutcomeCancelled, LastContent: contentBuf.String()}
				}
				// Stream closed without a terminal chunk: malformed backend.
				return AttemptResult{
					Outcome:     OutcomeFailed,
					Err:         errors.New("backend stream closed without terminal chunk"),
					LastContent: contentBuf.String(),
				}
			}

			switch chunk.Kind {
			case llm.ChunkContent:
				contentBuf.WriteString(chunk.Text)
				r.forward(ctx, attempt, chunk)

			case llm.ChunkToolCalls:
				var passthrough []llm.ToolCall
				for _, tc := range chunk.Calls {
					call, isWorkflow, err := ParseWorkflowToolCall(tc)
					if err != nil {
						log.Printf("component=agent.runner action=bad_workflow_call agent=%s tool=%s err=%v", anon, tc.Name, err)
						continue
					}
					if isWorkflow {
						commitWorkflow(call)
						continue
					}
					passthrough = append(passthrough, tc)
				}
				if len(passthrough) > 0 {
					r.forward(ctx, attempt, llm.ToolCallsChunk(passthrough...))
				}

			case llm.ChunkError:
				return AttemptResult{
					Outcome:     OutcomeFailed,
					Err:         fmt.Errorf("backend stream error: %s", chunk.Err),
					LastContent: contentBuf.String(),
				}

			case llm.ChunkDone:
				// Some backends cannot emit native workflow calls; the last
				// fenced JSON block in content is authoritative then. A
				// native call committed earlier wins over a duplicate
				// content encoding.
				if !anyCommitted {
					if call, ok := ScanContentForWorkflowCall(contentBuf.String()); ok {
						commitWorkflow(call)
					}
				}
				return outcome()

			default:
				r.forward(ctx, attempt, chunk)
			}
		}
	}
}

// forward sends a chunk upward unless the attempt was cancelled. Cancelled
// attempts must not leak further output.
func (r *Runner) forward(ctx context.Context, attempt int, chunk llm.StreamChunk) {
	select {
	case r.out <- ForwardedChunk{Anon: r.cfg.AnonID, Attempt: attempt, Chunk: chunk}:
	case <-ctx.Done():
	}
}

// materialiseView copies peers' snapshots into the agent's read-only view
// when the backend can observe files and at least one peer has answered.
func (r *Runner) materialiseView(peers map[string]coord.PeerAnswer) error {
	if r.ws == nil || r.cfg.Backend.FilesystemSupport() == llm.FilesystemNone || len(peers) == 0 {
		return nil
	}
	snapshots := make(map[string]string, len(peers))
	for peer := range peers {
		snapshots[peer] = r.ws.SnapshotDir(peer)
	}
	_, err := r.ws.MaterialisePeerView(r.cfg.AnonID, snapshots)
	return err
}
