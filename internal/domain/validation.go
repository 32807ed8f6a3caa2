package domain

import (
	"regexp"
	"strings"
)

const (
	MaxRoundOptions    = 20
	maxOptionKeyLength = 32
	maxVoterIDLength   = 128
	maxRationaleLength = 2000
	maxTitleLength     = 200
)

var optionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

type ValidationResult struct {
	FailedRules []string
}

func ValidationPassed(r ValidationResult) bool {
	return len(r.FailedRules) == 0
}

// Err converts failed rules into a validation error, or nil when every rule passed.
func (r ValidationResult) Err(op string) error {
	if ValidationPassed(r) {
		return nil
	}
	return Validation(op, "failed rules: %s", strings.Join(r.FailedRules, ", "))
}

func ValidateDecision(d Decision) ValidationResult {
	failed := make([]string, 0)

	title := strings.TrimSpace(d.Title)
	if title == "" {
		failed = append(failed, "decision.title_required")
	}
	if len(title) > maxTitleLength {
		failed = append(failed, "decision.title_length")
	}
	if d.MaxRounds < 1 {
		failed = append(failed, "decision.max_rounds_positive")
	}
	if d.Rule.MinVotes < 0 || d.Rule.MinMargin < 0 {
		failed = append(failed, "decision.rule_non_negative")
	}
	if hasDuplicates(d.Participants) {
		failed = append(failed, "decision.participants_unique")
	}

	return ValidationResult{FailedRules: failed}
}

func ValidateRound(r Round) ValidationResult {
	failed := make([]string, 0)

	if r.Number < 1 {
		failed = append(failed, "round.number_positive")
	}
	if len(r.Options) == 0 {
		failed = append(failed, "round.options_non_empty")
	}
	if len(r.Options) > MaxRoundOptions {
		failed = append(failed, "round.options_max_20")
	}
	if !ValidOptionKeys(r.Options) {
		failed = append(failed, "round.option_key_format")
	}
	if hasDuplicates(r.Options) {
		failed = append(failed, "round.options_unique")
	}
	if r.ClosesAt != nil && !r.ClosesAt.After(r.OpensAt) {
		failed = append(failed, "round.closes_after_opens")
	}

	return ValidationResult{FailedRules: failed}
}

// ValidateVote checks a vote against the round it is cast in. Whether the round is
// currently open is a time-dependent check left to the caller.
func ValidateVote(v Vote, r Round) ValidationResult {
	failed := make([]string, 0)

	voter := strings.TrimSpace(v.VoterID)
	if voter == "" {
		failed = append(failed, "vote.voter_required")
	}
	if len(voter) > maxVoterIDLength {
		failed = append(failed, "vote.voter_length")
	}
	if v.RoundID != r.ID {
		failed = append(failed, "vote.round_matches")
	}
	if !r.HasOption(v.Option) {
		failed = append(failed, "vote.option_member")
	}
	if len(v.Rationale) > maxRationaleLength {
		failed = append(failed, "vote.rationale_length")
	}

	return ValidationResult{FailedRules: failed}
}

func ValidOptionKeys(options []string) bool {
	for _, o := range options {
		if len(o) == 0 || len(o) > maxOptionKeyLength || !optionKeyPattern.MatchString(o) {
			return false
		}
	}
	return true
}

func hasDuplicates(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return true
		}
		seen[v] = struct{}{}
	}
	return false
}
