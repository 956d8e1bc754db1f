// ABOUTME: Renders the human-readable timeline.txt summary from the event log.
// ABOUTME: Output only; never an input to any coordination decision.
package tracker

import (
	"fmt"
	"strings"

	"github.com/2389-research/massgen/coord"
)

// renderTimeline produces the timeline.txt content for a run.
func renderTimeline(runID string, events []coord.Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Coordination timeline for run %s\n", runID)
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	if len(events) == 0 {
		b.WriteString("(no events recorded)\n")
		return b.String()
	}

	start := events[0].Timestamp
	for _, event := range events {
		offset := event.Timestamp.Sub(start).Seconds()
		fmt.Fprintf(&b, "%8.3fs  %-20s", offset, event.Type)
		if event.AgentID != "" {
			fmt.Fprintf(&b, "  %s", event.AgentID)
		}
		if detail := timelineDetail(event); detail != "" {
			fmt.Fprintf(&b, "  %s", detail)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// timelineDetail extracts the one-line annotation for an event.
func timelineDetail(event coord.Event) string {
	switch event.Type {
	case coord.EventAgentNewAnswer:
		version := intContext(event.Context, "answer_version")
		answer, _ := event.Context["answer"].(string)
		return fmt.Sprintf("v%d %q", version, truncate(answer, 60))
	case coord.EventAgentVoteCast:
		target, _ := event.Context["target"].(string)
		reason, _ := event.Context["reason"].(string)
		return fmt.Sprintf("-> %s %q", target, truncate(reason, 40))
	case coord.EventRestartTriggered:
		return fmt.Sprintf("affected=%v", event.Context["affected"])
	case coord.EventAgentRestart:
		return fmt.Sprintf("attempts_remaining=%d", intContext(event.Context, "attempts_remaining"))
	case coord.EventAgentStart:
		return fmt.Sprintf("attempt=%d", intContext(event.Context, "attempt"))
	case coord.EventConsensusReached:
		winner, _ := event.Context["winner"].(string)
		return fmt.Sprintf("winner=%s", winner)
	case coord.EventCoordinationEnd:
		phase, _ := event.Context["phase"].(string)
		winner, _ := event.Context["winner"].(string)
		if winner != "" {
			return fmt.Sprintf("phase=%s winner=%s", phase, winner)
		}
		return fmt.Sprintf("phase=%s %s", phase, event.Details)
	}
	return event.Details
}

// truncate shortens s to at most n runes, appending an ellipsis when cut.
func truncate(s string, n int) string {
	runes := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "..."
}
