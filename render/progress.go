// ABOUTME: Styled terminal rendering of live coordination progress and the end-of-run summary.
// ABOUTME: Subscribes to the bus event fan-out; purely presentational, one line per transition.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/massgen/coord"
	"github.com/2389-research/massgen/tracker"
)

var (
	agentStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	answerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	voteStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	restartStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	winnerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
)

// summaryRounding keeps durations in the summary readable.
const summaryRounding = 10 * time.Millisecond

// ProgressPrinter prints one styled line per coordination event.
type ProgressPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewProgressPrinter writes progress lines to out.
func NewProgressPrinter(out io.Writer) *ProgressPrinter {
	return &ProgressPrinter{out: out}
}

// Watch subscribes to the bus and prints events until the bus closes or the
// returned stop function is called.
func (p *ProgressPrinter) Watch(bus *coord.Bus) func() {
	ch := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			p.printEvent(event)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			bus.Unsubscribe(ch)
			<-done
		})
	}
}

// printEvent renders one event line.
func (p *ProgressPrinter) printEvent(event coord.Event) {
	line := formatEvent(event)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// formatEvent maps an event to its display line; noisy event types render
// as nothing.
func formatEvent(event coord.Event) string {
	who := agentStyle.Render(event.AgentID)
	switch event.Type {
	case coord.EventCoordinationStart:
		return headerStyle.Render("coordination started")
	case coord.EventAgentStart:
		return fmt.Sprintf("%s %s", who, mutedStyle.Render(fmt.Sprintf("attempt %d", intContext(event.Context, "attempt"))))
	case coord.EventAgentNewAnswer:
		answer, _ := event.Context["answer"].(string)
		return fmt.Sprintf("%s %s %s", who, answerStyle.Render("answered"), mutedStyle.Render(firstLine(answer, 70)))
	case coord.EventAgentVoteCast:
		target, _ := event.Context["target"].(string)
		return fmt.Sprintf("%s %s %s", who, voteStyle.Render("voted for"), agentStyle.Render(target))
	case coord.EventRestartTriggered:
		return fmt.Sprintf("%s %s %v", who, restartStyle.Render("triggered restart of"), event.Context["affected"])
	case coord.EventAgentFailed:
		return fmt.Sprintf("%s %s", who, failStyle.Render("failed"))
	case coord.EventAgentTimeout:
		return fmt.Sprintf("%s %s", who, failStyle.Render("timed out"))
	case coord.EventAgentCompleted:
		return fmt.Sprintf("%s %s", who, mutedStyle.Render("completed"))
	case coord.EventConsensusReached:
		winner, _ := event.Context["winner"].(string)
		return winnerStyle.Render("consensus: "+winner) + " " + mutedStyle.Render(fmt.Sprintf("tally=%v", event.Context["tally"]))
	case coord.EventCoordinationEnd:
		phase, _ := event.Context["phase"].(string)
		return headerStyle.Render("coordination ended") + " " + mutedStyle.Render(phase)
	}
	return ""
}

// FinalSummary renders the end-of-run table: winner, tally, per-agent stats.
func FinalSummary(summary tracker.Summary, state *coord.SharedState) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Run summary") + "\n")
	if state.FinalWinner != "" {
		fmt.Fprintf(&b, "winner: %s\n", winnerStyle.Render(state.FinalWinner))
	}
	fmt.Fprintf(&b, "phase: %s  events: %d  restarts: %d  duration: %s\n\n",
		state.Phase, summary.TotalEvents, summary.TotalRestarts, summary.Duration.Round(summaryRounding))

	for _, anonID := range state.Order {
		st := state.Agents[anonID]
		stats := summary.PerAgent[anonID]
		vote := "-"
		if st.Vote != nil {
			vote = st.Vote.Target
		}
		fmt.Fprintf(&b, "%s  status=%-10s answers=%d votes=%d restarts=%d vote=%s\n",
			agentStyle.Render(anonID), st.Status, stats.Answers, stats.Votes, stats.Restarts, vote)
	}
	return b.String()
}

// firstLine returns the first line of s truncated to n runes.
func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n]) + "..."
	}
	return s
}

// intContext reads an int that may have round-tripped through JSON.
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
