package domain

import (
	"errors"
	"fmt"
	"sort"
)

// MaxPercentage is the completion percentage at which a transfer may finalize
const MaxPercentage = 100

// ProgressState is the mutable progression of an active transfer.
// It carries enough to resume after an interruption without restarting from zero.
type ProgressState struct {
	Percentage            int
	Message               string
	CurrentChallengeLevel int // 0 when no gate is pending
	ChallengeRequired     bool
	VerifiedLevels        []int
	FailedAttempts        int    // failures against CurrentChallengeLevel
	ChallengeHandle       string // one-time-code handle of the pending level, if any
}

// Validate checks the internal consistency of a progress snapshot
func (p ProgressState) Validate() error {
	if p.Percentage < 0 || p.Percentage > MaxPercentage {
		return fmt.Errorf("progress percentage %d out of range", p.Percentage)
	}
	if p.ChallengeRequired && p.CurrentChallengeLevel <= 0 {
		return errors.New("a required challenge must name its level")
	}
	if !p.ChallengeRequired && p.CurrentChallengeLevel != 0 {
		return errors.New("challenge level set without a required challenge")
	}
	if p.FailedAttempts < 0 {
		return errors.New("failed attempts cannot be negative")
	}
	return nil
}

// IsVerified reports whether the given level has been satisfied
func (p ProgressState) IsVerified(level int) bool {
	for _, verified := range p.VerifiedLevels {
		if verified == level {
			return true
		}
	}
	return false
}

// MarkVerified records a level as satisfied, keeping VerifiedLevels sorted and unique
func (p *ProgressState) MarkVerified(level int) {
	if p.IsVerified(level) {
		return
	}
	p.VerifiedLevels = append(p.VerifiedLevels, level)
	sort.Ints(p.VerifiedLevels)
}

// SecurityChallenge is a per-level step-up gate
type SecurityChallenge struct {
	Level               int
	ThresholdPercentage int
	Verified            bool
}

// ChallengePlan is the ordered set of gates a transfer passes through
type ChallengePlan []SecurityChallenge

// DefaultChallengeThresholds gates a transfer at 40%, 70%, 80% and 90%
var DefaultChallengeThresholds = []int{40, 70, 80, 90}

// NewChallengePlan builds levels 1..N from thresholds that must be strictly increasing
func NewChallengePlan(thresholds []int) (ChallengePlan, error) {
	plan := make(ChallengePlan, 0, len(thresholds))
	previous := 0
	for i, threshold := range thresholds {
		if threshold < 1 || threshold > MaxPercentage {
			return nil, fmt.Errorf("challenge threshold %d must be between 1 and %d", threshold, MaxPercentage)
		}
		if threshold <= previous {
			return nil, errors.New("challenge thresholds must be strictly increasing")
		}
		plan = append(plan, SecurityChallenge{Level: i + 1, ThresholdPercentage: threshold})
		previous = threshold
	}
	return plan, nil
}

// Levels returns the number of gates in the plan
func (cp ChallengePlan) Levels() int {
	return len(cp)
}

// Threshold returns the activation percentage for a level
func (cp ChallengePlan) Threshold(level int) (int, bool) {
	if level < 1 || level > len(cp) {
		return 0, false
	}
	return cp[level-1].ThresholdPercentage, true
}

// NextPending returns the lowest level not yet verified in the given progress.
// Levels are always presented in ascending order, one at a time.
func (cp ChallengePlan) NextPending(p ProgressState) (SecurityChallenge, bool) {
	for _, challenge := range cp {
		if !p.IsVerified(challenge.Level) {
			return challenge, true
		}
	}
	return SecurityChallenge{}, false
}

// Snapshot returns the plan with Verified populated from a progress state
func (cp ChallengePlan) Snapshot(p ProgressState) []SecurityChallenge {
	out := make([]SecurityChallenge, len(cp))
	for i, challenge := range cp {
		challenge.Verified = p.IsVerified(challenge.Level)
		out[i] = challenge
	}
	return out
}

// AllVerified reports whether every level of the plan has been satisfied
func (cp ChallengePlan) AllVerified(p ProgressState) bool {
	_, pending := cp.NextPending(p)
	return !pending
}
