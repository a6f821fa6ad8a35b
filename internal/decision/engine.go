// Package decision classifies loan submissions.
package decision

import (
	"time"

	"loanflow/internal/domain/loan"
)

const (
	ReasonInvalidFields    = "invalid application fields"
	ReasonExceedsThreshold = "amount exceeds income threshold"
	ReasonWithinLimits     = "within income threshold and term limits"
	ReasonTermOutOfRange   = "term outside allowed range"
)

type Policy struct {
	// ThresholdMultiplier caps the amount at Income*ThresholdMultiplier.
	ThresholdMultiplier float64
	MinTerm             float64
	MaxTerm             float64
}

func DefaultPolicy() Policy {
	return Policy{ThresholdMultiplier: 1.0, MinTerm: 6, MaxTerm: 360}
}

// Engine applies a Policy. It holds no state, so the same submission always
// yields the same status and reason.
type Engine struct {
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Decide classifies s. The decision time is supplied by the caller so that
// the result depends only on the arguments.
func (e *Engine) Decide(s loan.Submission, at time.Time) loan.Decision {
	status, reason := e.classify(s)
	return loan.Decision{
		ID:        s.ID,
		Status:    status,
		Reason:    reason,
		DecidedAt: at.UTC(),
	}
}

func (e *Engine) classify(s loan.Submission) (loan.Status, string) {
	if s.Amount <= 0 || s.Income < 0 || s.Term <= 0 {
		return loan.StatusPendingReview, ReasonInvalidFields
	}
	if s.Amount > s.Income*e.policy.ThresholdMultiplier {
		return loan.StatusRejected, ReasonExceedsThreshold
	}
	if s.Term >= e.policy.MinTerm && s.Term <= e.policy.MaxTerm {
		return loan.StatusApproved, ReasonWithinLimits
	}
	return loan.StatusPendingReview, ReasonTermOutOfRange
}
