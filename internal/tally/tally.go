// Package tally counts the votes of a round and applies a threshold rule to them.
package tally

import (
	"sort"

	"boardroom-orchestrator/internal/domain"
)

// Compute tallies votes and evaluates rule. Ties on the leading count go to the option whose
// first vote was cast earliest; equal timestamps fall back to input order.
func Compute(votes []domain.Vote, rule domain.ThresholdRule) domain.TallyResult {
	res := domain.TallyResult{Counts: map[string]int{}, Order: []string{}}
	if len(votes) == 0 {
		return res
	}

	ordered := make([]domain.Vote, len(votes))
	copy(ordered, votes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CastAt.Before(ordered[j].CastAt)
	})

	for _, v := range ordered {
		if _, seen := res.Counts[v.Option]; !seen {
			res.Order = append(res.Order, v.Option)
		}
		res.Counts[v.Option]++
	}
	res.TotalVotes = len(votes)

	for _, option := range res.Order {
		n := res.Counts[option]
		switch {
		case n > res.LeaderVotes:
			res.RunnerUpVotes = res.LeaderVotes
			res.Leader = option
			res.LeaderVotes = n
		case n > res.RunnerUpVotes:
			res.RunnerUpVotes = n
		}
	}
	res.Margin = res.LeaderVotes - res.RunnerUpVotes
	res.Decidable = res.Leader != ""
	res.Passed = res.Decidable && satisfies(res, rule)

	return res
}

func satisfies(res domain.TallyResult, rule domain.ThresholdRule) bool {
	if rule.MinVotes > 0 && res.TotalVotes < rule.MinVotes {
		return false
	}
	if rule.MinMargin > 0 && res.Margin < rule.MinMargin {
		return false
	}
	if rule.RequireMajority && res.LeaderVotes*2 <= res.TotalVotes {
		return false
	}
	return true
}
