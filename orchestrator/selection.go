// ABOUTME: Winner selection: vote tally with deterministic tie-breaking, plus the no-vote fallback.
// ABOUTME: Pure functions over a SharedState snapshot; no channel or bus involvement.
package orchestrator

import "github.com/2389-research/massgen/coord"

// SelectWinner applies the winner rule to a state snapshot:
//
//  1. If any active agent voted, the target with the strict maximum of votes
//     wins. Ties break by: answered over not answered, then earliest
//     committed answer, then lowest anon ordinal.
//  2. With no votes, the lowest-ordinal active agent with an answer wins.
//  3. With no answers there is no winner.
func SelectWinner(state *coord.SharedState) (string, bool) {
	voters := make([]string, 0, len(state.Order))
	for _, anon := range state.Order {
		st := state.Agents[anon]
		if st.Status == coord.StatusFailed || st.Status == coord.StatusTimeout {
			continue
		}
		if st.HasVoted && st.Vote != nil {
			voters = append(voters, anon)
		}
	}

	if len(voters) > 0 {
		tally := make(map[string]int)
		for _, voter := range voters {
			tally[state.Agents[voter].Vote.Target]++
		}
		return bestTarget(state, tally), true
	}

	for _, anon := range state.Order {
		st := state.Agents[anon]
		if st.Status == coord.StatusFailed || st.Status == coord.StatusTimeout {
			continue
		}
		if st.HasAnswered {
			return anon, true
		}
	}
	return "", false
}

// bestTarget picks the winning target from a non-empty tally.
func bestTarget(state *coord.SharedState, tally map[string]int) string {
	var winner string
	for _, candidate := range state.Order {
		votes, ok := tally[candidate]
		if !ok || votes == 0 {
			continue
		}
		if winner == "" || beats(state, candidate, votes, winner, tally[winner]) {
			winner = candidate
		}
	}
	return winner
}

// beats reports whether candidate outranks the incumbent under the tie rules.
// Iteration is in anon ordinal order, so an equal-ranked later candidate
// never displaces an earlier one (tie-break c).
func beats(state *coord.SharedState, candidate string, candidateVotes int, incumbent string, incumbentVotes int) bool {
	if candidateVotes != incumbentVotes {
		return candidateVotes > incumbentVotes
	}
	cst, ist := state.Agents[candidate], state.Agents[incumbent]
	if cst == nil || ist == nil {
		return false
	}
	if cst.HasAnswered != ist.HasAnswered {
		return cst.HasAnswered
	}
	if cst.HasAnswered && ist.HasAnswered && cst.CommittedAt != ist.CommittedAt {
		return cst.CommittedAt < ist.CommittedAt
	}
	return false
}

// VoteTally counts votes by target among active voters, for reporting.
func VoteTally(state *coord.SharedState) map[string]int {
	tally := make(map[string]int)
	for _, anon := range state.Order {
		st := state.Agents[anon]
		if st.Status == coord.StatusFailed || st.Status == coord.StatusTimeout {
			continue
		}
		if st.HasVoted && st.Vote != nil {
			tally[st.Vote.Target]++
		}
	}
	return tally
}
