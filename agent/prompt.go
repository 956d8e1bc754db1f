// ABOUTME: Builds the message sequence sent to a backend for one attempt.
// ABOUTME: System message carries the task, the agent's anon identity, the peer answer table, and the workflow grammar.
package agent

import (
	"fmt"
	"strings"

	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/llm"
)

// BuildAttemptMessages produces the logical message sequence for an
// attempt: the coordination system message, any prior turns of an embedding
// conversation, then the current user turn. Stateful backends keep their
// own history, so restarts send only a fresh user turn with the updated
// peer context.
func BuildAttemptMessages(cfg Config, attempt int, peers map[string]coord.PeerAnswer) []llm.Message {
	if cfg.Backend != nil && cfg.Backend.Stateful() && attempt > 1 {
		return []llm.Message{llm.UserMessage(restartTurn(cfg, peers))}
	}

	messages := make([]llm.Message, 0, len(cfg.PriorTurns)+2)
	messages = append(messages, llm.SystemMessage(systemPrompt(cfg, peers)))
	messages = append(messages, cfg.PriorTurns...)
	messages = append(messages, llm.UserMessage(cfg.Task))
	return messages
}

// systemPrompt renders the coordination system message.
func systemPrompt(cfg Config, peers map[string]coord.PeerAnswer) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, one of %d agents working in parallel on the same task.\n", cfg.AnonID, len(cfg.PeerAnonIDs))
	b.WriteString("Other agents are anonymous; refer to them only by their agent id.\n\n")

	fmt.Fprintf(&b, "## Task\n\n%s\n\n", cfg.Task)

	b.WriteString("## Current answers from other agents\n\n")
	if len(peers) == 0 {
		b.WriteString("No agent has committed an answer yet.\n\n")
	} else {
		for _, anon := range orderedPeers(cfg, peers) {
			pa := peers[anon]
			fmt.Fprintf(&b, "### %s (answer version %d)\n\n%s\n\n", anon, pa.Version, pa.Answer)
		}
	}

	b.WriteString("## How to act\n\n")
	b.WriteString("You have exactly two workflow tools:\n\n")
	b.WriteString("- `new_answer(content)`: commit your answer (or an improvement over the answers above).\n")

	targets := targetsForPrompt(cfg)
	fmt.Fprintf(&b, "- `vote(agent_id, reason)`: vote for the best existing answer. Valid agent_id values: %s.\n\n", strings.Join(targets, ", "))

	b.WriteString("If an existing answer is already correct and complete, vote for it instead of restating it. Otherwise provide a better answer.\n")

	if cfg.WorkflowInContent {
		b.WriteString("\nYour interface cannot accept tool declarations. To invoke a workflow tool, end your reply with a fenced JSON block of this exact shape:\n\n")
		b.WriteString("```json\n{\"tool_name\": \"new_answer\", \"arguments\": {\"content\": \"...\"}}\n```\n\n")
		b.WriteString("or\n\n")
		b.WriteString("```json\n{\"tool_name\": \"vote\", \"arguments\": {\"agent_id\": \"agent1\", \"reason\": \"...\"}}\n```\n\n")
		b.WriteString("Only the last such block is honoured.\n")
	}

	return b.String()
}

// restartTurn renders the user turn sent to a stateful backend after a
// restart: only the refreshed peer context plus instructions.
func restartTurn(cfg Config, peers map[string]coord.PeerAnswer) string {
	var b strings.Builder
	b.WriteString("The answers of other agents have changed. Updated answers:\n\n")
	for _, anon := range orderedPeers(cfg, peers) {
		pa := peers[anon]
		fmt.Fprintf(&b, "### %s (answer version %d)\n\n%s\n\n", anon, pa.Version, pa.Answer)
	}
	b.WriteString("Reconsider the task: vote for the best answer or commit a better one.\n")
	return b.String()
}

// orderedPeers returns the peer anon IDs present in peers, in declaration order.
func orderedPeers(cfg Config, peers map[string]coord.PeerAnswer) []string {
	out := make([]string, 0, len(peers))
	for _, anon := range cfg.PeerAnonIDs {
		if _, ok := peers[anon]; ok {
			out = append(out, anon)
		}
	}
	return out
}

// targetsForPrompt returns the vote enum for the system message.
func targetsForPrompt(cfg Config) []string {
	targets := make([]string, 0, len(cfg.PeerAnonIDs))
	for _, anon := range cfg.PeerAnonIDs {
		if anon == cfg.AnonID && !cfg.AllowSelfVote {
			continue
		}
		targets = append(targets, anon)
	}
	return targets
}
