// ABOUTME: CLI entrypoint for massgen: load config, wire backends, run one coordination to consensus.
// ABOUTME: Handles flags, dotenv, signal cancellation, artefact directories, and the status server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/massgen/agent"
	"github.com/2389-research/massgen/config"
	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/llm"
	"github.com/2389-research/massgen/orchestrator"
	"github.com/2389-research/massgen/render"
	"github.com/2389-research/massgen/tracker"
	"github.com/2389-research/massgen/web"
	"github.com/2389-research/massgen/workspace"
)

var version = "dev"

// cliConfig holds flag-level settings layered over the YAML config.
type cliConfig struct {
	configPath  string
	webAddr     string
	runTimeout  time.Duration
	quiet       bool
	showVersion bool
	task        string
}

func main() {
	loadDotEnv(".env")
	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("massgen %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and the task argument.
func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("massgen", flag.ExitOnError)
	fs.StringVar(&cfg.configPath, "config", "massgen.yaml", "Path to the run configuration file")
	fs.StringVar(&cfg.webAddr, "web", "", "Serve the read-only status API on this address")
	fs.DurationVar(&cfg.runTimeout, "timeout", 0, "Run-wide hard timeout (overrides config)")
	fs.BoolVar(&cfg.quiet, "quiet", false, "Suppress live progress output")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: massgen [flags] \"task...\"\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	cfg.task = strings.TrimSpace(strings.Join(fs.Args(), " "))
	return cfg
}

func run(cli cliConfig) int {
	if cli.task == "" {
		fmt.Fprintln(os.Stderr, "error: no task given")
		return 2
	}

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if cli.webAddr != "" {
		cfg.WebAddr = cli.webAddr
	}
	if cli.runTimeout > 0 {
		cfg.RunTimeout = config.Duration(cli.runTimeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	sessionDir := filepath.Join(cfg.SessionDir, time.Now().UTC().Format("20060102T150405"))

	var store *tracker.Store
	if cfg.SessionDir != "" {
		if err := os.MkdirAll(cfg.SessionDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "error: create session dir: %v\n", err)
			return 2
		}
		store, err = tracker.OpenStore(filepath.Join(cfg.SessionDir, "index.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: open run index: %v\n", err)
			return 2
		}
		defer func() { _ = store.Close() }()
	}

	var trackerOpts []tracker.Option
	if store != nil {
		trackerOpts = append(trackerOpts, tracker.WithStore(store))
	}
	track, err := tracker.New(runID, sessionDir, trackerOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	defer func() { _ = track.Close() }()

	var workspaces *workspace.Manager
	if cfg.FilesystemContext {
		workspaces, err = workspace.NewManager(filepath.Join(cfg.WorkspaceParent, runID), sessionDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		defer func() { _ = workspaces.Cleanup() }()
	}

	specs, err := buildAgents(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Task:           cli.task,
		Agents:         specs,
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout.Std(),
		RunTimeout:     cfg.RunTimeout.Std(),
		AllowSelfVote:  cfg.AllowSelfVote,
		Workspaces:     workspaces,
		MaxTokens:      cfg.MaxTokens,
		Temperature:    cfg.Temperature,
		OnChunk:        chunkPrinter(cli.quiet),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	track.Attach(orch.Bus())

	var stopProgress func()
	if !cli.quiet {
		stopProgress = render.NewProgressPrinter(os.Stderr).Watch(orch.Bus())
	}

	if cfg.WebAddr != "" {
		server := web.NewServer(cfg.WebAddr)
		server.Register(track)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: status server: %v\n", err)
			}
		}()
	}

	result, err := orch.Run(ctx)
	if stopProgress != nil {
		stopProgress()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Println(result.FinalAnswer)
	if !cli.quiet {
		fmt.Fprintln(os.Stderr)
		fmt.Fprint(os.Stderr, render.FinalSummary(track.Summary(), result.State))
	}

	if result.Phase != coord.PhaseDone {
		fmt.Fprintf(os.Stderr, "aborted: %s\n", result.AbortReason)
		return 1
	}
	return 0
}

// buildAgents turns the config roster into orchestrator specs.
func buildAgents(cfg *config.Config) ([]orchestrator.AgentSpec, error) {
	specs := make([]orchestrator.AgentSpec, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		var backend llm.Backend
		switch ac.Backend {
		case "openai":
			apiKey := ac.APIKey
			if apiKey == "" {
				apiKey = os.Getenv("OPENAI_API_KEY")
			}
			if apiKey == "" {
				return nil, fmt.Errorf("agent %q: no API key (set api_key or OPENAI_API_KEY)", ac.ID)
			}
			var opts []llm.OpenAIOption
			if ac.Model != "" {
				opts = append(opts, llm.WithOpenAIModel(ac.Model))
			}
			backend = llm.NewOpenAIBackend(apiKey, ac.BaseURL, opts...)

		case "scripted":
			backend = dryRunBackend(ac.ID)
		}

		specs = append(specs, orchestrator.AgentSpec{
			ID:                ac.ID,
			Backend:           backend,
			Model:             ac.Model,
			WorkflowInContent: ac.WorkflowInContent,
		})
	}
	return specs, nil
}

// dryRunBackend builds a scripted backend for wiring smoke tests: it
// commits a canned answer on its first call, votes for agent1 on its
// second, and presents plainly on its third.
func dryRunBackend(id string) llm.Backend {
	answerArgs, _ := json.Marshal(map[string]string{"content": "dry-run answer from " + id})
	voteArgs, _ := json.Marshal(map[string]string{"agent_id": "agent1", "reason": "dry run"})
	return llm.NewScriptedBackend(id,
		llm.Script{Chunks: []llm.StreamChunk{
			llm.ContentChunk("thinking about the task\n"),
			llm.ToolCallsChunk(llm.ToolCall{ID: "call-1", Name: "new_answer", Arguments: answerArgs}),
		}},
		llm.Script{Chunks: []llm.StreamChunk{
			llm.ToolCallsChunk(llm.ToolCall{ID: "call-2", Name: "vote", Arguments: voteArgs}),
		}},
		llm.Script{Chunks: []llm.StreamChunk{
			llm.ContentChunk("dry-run final answer from " + id),
		}},
	)
}

// chunkPrinter streams live agent content to stderr unless quiet.
func chunkPrinter(quiet bool) func(agent.ForwardedChunk) {
	if quiet {
		return nil
	}
	return func(fc agent.ForwardedChunk) {
		if fc.Chunk.Kind == llm.ChunkContent {
			fmt.Fprint(os.Stderr, fc.Chunk.Text)
		}
	}
}
