// ABOUTME: ScriptedBackend replays canned chunk sequences for deterministic tests and dry runs.
// ABOUTME: One script per attempt, with optional gating and stall simulation for cancellation tests.

package llm

import (
	"context"
	"sync"
	"time"
)

// Script is one attempt's worth of canned backend output.
type Script struct {
	// Chunks are emitted in order. If the last chunk is not terminal and
	// Stall is false, a done chunk is appended automatically.
	Chunks []StreamChunk

	// Gate, when non-nil, is received from before any chunk is emitted.
	// Lets tests sequence one agent's attempt after another's commit.
	Gate <-chan struct{}

	// Stall, when true, blocks after the scripted chunks until the context
	// is cancelled. The channel then closes without a terminal chunk,
	// simulating a hung backend.
	Stall bool

	// Delay is an optional pause between chunks.
	Delay time.Duration
}

// ScriptedBackend implements Backend by replaying scripts. The nth Stream
// call plays the nth script; calls past the end replay the last script.
type ScriptedBackend struct {
	name      string
	fsSupport FilesystemSupport
	stateful  bool

	mu       sync.Mutex
	scripts  []Script
	calls    int
	requests []StreamRequest
}

// NewScriptedBackend creates a backend that replays the given scripts.
func NewScriptedBackend(name string, scripts ...Script) *ScriptedBackend {
	if len(scripts) == 0 {
		scripts = []Script{{}}
	}
	return &ScriptedBackend{
		name:      name,
		fsSupport: FilesystemNone,
		scripts:   scripts,
	}
}

// SetFilesystemSupport overrides the reported filesystem support.
func (b *ScriptedBackend) SetFilesystemSupport(fs FilesystemSupport) {
	b.fsSupport = fs
}

// SetStateful overrides the reported statefulness.
func (b *ScriptedBackend) SetStateful(stateful bool) {
	b.stateful = stateful
}

// Name identifies the backend.
func (b *ScriptedBackend) Name() string { return b.name }

// FilesystemSupport reports the configured support level.
func (b *ScriptedBackend) FilesystemSupport() FilesystemSupport { return b.fsSupport }

// Stateful reports the configured statefulness.
func (b *ScriptedBackend) Stateful() bool { return b.stateful }

// Calls returns how many times Stream has been invoked.
func (b *ScriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Requests returns a copy of every StreamRequest seen, in call order.
func (b *ScriptedBackend) Requests() []StreamRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StreamRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// Stream replays the script for this call number.
func (b *ScriptedBackend) Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error) {
	b.mu.Lock()
	idx := b.calls
	if idx >= len(b.scripts) {
		idx = len(b.scripts) - 1
	}
	script := b.scripts[idx]
	b.calls++
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)

		if script.Gate != nil {
			select {
			case <-script.Gate:
			case <-ctx.Done():
				return
			}
		}

		terminal := false
		for _, chunk := range script.Chunks {
			if script.Delay > 0 {
				SleepWithContext(ctx, script.Delay)
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.IsTerminal() {
				terminal = true
				break
			}
		}

		if script.Stall {
			<-ctx.Done()
			return
		}

		if !terminal {
			select {
			case ch <- DoneChunk():
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
