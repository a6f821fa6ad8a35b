package loan

import "time"

type Status string

const (
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
)

func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusPendingReview:
		return true
	}
	return false
}

// Submission is a loan request as written to the submission stream.
// It is never mutated once written.
type Submission struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	Income      float64   `json:"income"`
	Term        float64   `json:"term"` // months
	SubmittedAt time.Time `json:"submitted_at"`
}

// Decision is the verdict for the Submission with the same ID.
// Redelivery can produce several decisions per ID; consumers keep the one
// with the latest DecidedAt.
type Decision struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// Supersedes reports whether d should replace other under last-write-wins.
func (d Decision) Supersedes(other Decision) bool {
	return !d.DecidedAt.Before(other.DecidedAt)
}
