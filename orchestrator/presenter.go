// ABOUTME: Builds the tool-free message sequence for the winner's final presentation call.
// ABOUTME: Embeds every peer's latest committed answer so the presenter can synthesise and cite.
package orchestrator

import (
	"fmt"
	"strings"

	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/llm"
)

// BuildPresentationMessages produces the system and user messages for the
// final presentation attempt. No workflow tools are offered; the output
// streams to the user verbatim.
func BuildPresentationMessages(task, winner string, state *coord.SharedState) []llm.Message {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s. Your answer was selected as the best response to the task below.\n\n", winner)
	fmt.Fprintf(&b, "## Task\n\n%s\n\n", task)

	b.WriteString("## All committed answers\n\n")
	for _, anonID := range state.Order {
		st := state.Agents[anonID]
		if !st.HasAnswered {
			continue
		}
		label := anonID
		if anonID == winner {
			label += " (you, selected)"
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", label, st.CurrentAnswer)
	}

	b.WriteString("Present the final answer to the user. Start from your selected answer, fold in anything genuinely better from the others, and respond directly without mentioning the selection process.\n")

	return []llm.Message{
		llm.SystemMessage(b.String()),
		llm.UserMessage("Present the final answer."),
	}
}
