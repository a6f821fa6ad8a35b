package loan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusApproved, StatusRejected, StatusPendingReview} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("denied").Valid())
	assert.False(t, Status("").Valid())
}

func TestDecisionSupersedes(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	older := Decision{ID: "abc", Status: StatusPendingReview, DecidedAt: t0}
	newer := Decision{ID: "abc", Status: StatusApproved, DecidedAt: t0.Add(time.Second)}

	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))
	assert.True(t, older.Supersedes(older))
}
