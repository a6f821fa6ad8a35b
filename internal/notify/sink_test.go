package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loanflow/internal/domain/loan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	ids     []string
	release chan struct{}
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, d loan.Decision) error {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, d.ID)
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	a := NewAsync(pub, 8, time.Second, nil)

	a.Notify(loan.Decision{ID: "a"})
	a.Notify(loan.Decision{ID: "b"})
	a.Notify(loan.Decision{ID: "c"})
	a.Close()

	assert.Equal(t, []string{"a", "b", "c"}, pub.published())
}

func TestAsyncDropsWhenBufferFull(t *testing.T) {
	pub := &recordingPublisher{release: make(chan struct{})}
	a := NewAsync(pub, 1, time.Second, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			a.Notify(loan.Decision{ID: id})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled publisher")
	}

	close(pub.release)
	a.Close()

	got := pub.published()
	require.NotEmpty(t, got)
	assert.Less(t, len(got), 5)
	assert.Equal(t, "a", got[0])
}

func TestAsyncSurvivesPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	a := NewAsync(pub, 4, time.Second, nil)

	a.Notify(loan.Decision{ID: "a"})
	a.Notify(loan.Decision{ID: "b"})
	a.Close()
	a.Notify(loan.Decision{ID: "late"})

	assert.Equal(t, []string{"a", "b"}, pub.published())
}
