package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"loanflow/internal/checkpoint"
	"loanflow/internal/domain/loan"
	"loanflow/internal/logstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesEveryShard(t *testing.T) {
	l := newLog(t, 3)
	var want []string
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("loan-%02d", i)
		want = append(want, id)
		submit(t, l, loan.Submission{ID: id, Amount: 100, Income: 1000, Term: 12})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewPool(testConfig(), deps(l)).Run(ctx) }()

	require.Eventually(t, func() bool { return len(l.Records(decs)) == len(want) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := decisionIDs(writtenDecisions(t, l))
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestPoolFailsOnMissingStream(t *testing.T) {
	l := logstream.NewMemoryLog()

	err := NewPool(testConfig(), deps(l)).Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, logstream.ErrNotFound)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context, string, string, string) (checkpoint.Checkpoint, bool, error) {
	return checkpoint.Checkpoint{}, false, errors.New("checkpoint table missing")
}

func (brokenStore) Save(context.Context, checkpoint.Checkpoint) error { return nil }

func TestPoolFailsWhenNoShardStarts(t *testing.T) {
	l := newLog(t, 2)
	d := deps(l)
	d.Checkpoints = brokenStore{}

	err := NewPool(testConfig(), d).Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no shard")
	assert.Contains(t, err.Error(), "checkpoint table missing")
}

// shutdownStore cancels the consumer while the first checkpoint is loading.
type shutdownStore struct {
	cancel context.CancelFunc
}

func (s shutdownStore) Load(ctx context.Context, _, _, _ string) (checkpoint.Checkpoint, bool, error) {
	s.cancel()
	<-ctx.Done()
	return checkpoint.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", ctx.Err())
}

func (shutdownStore) Save(context.Context, checkpoint.Checkpoint) error { return nil }

func TestPoolStopsCleanlyWhenCancelledDuringStartup(t *testing.T) {
	l := newLog(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := deps(l)
	d.Checkpoints = shutdownStore{cancel: cancel}

	err := NewPool(testConfig(), d).Run(ctx)

	assert.NoError(t, err)
	assert.Empty(t, l.Records(decs))
}

// oneBadShard makes reads of a single shard fail permanently, or of every
// shard when bad is "*".
type oneBadShard struct {
	logstream.Reader
	bad string
}

func (o oneBadShard) ReadFrom(ctx context.Context, stream string, cur logstream.Cursor, max int) ([]logstream.Record, logstream.Cursor, error) {
	if cur.ShardID == o.bad || o.bad == "*" {
		return nil, cur, errors.New("corrupt segment")
	}
	return o.Reader.ReadFrom(ctx, stream, cur, max)
}

func TestPoolIsolatesShardFailures(t *testing.T) {
	l := newLog(t, 2)
	var healthy []string
	for i := 0; len(healthy) < 3; i++ {
		id := fmt.Sprintf("loan-%02d", i)
		submit(t, l, loan.Submission{ID: id, Amount: 100, Income: 1000, Term: 12})
		for _, r := range l.Records(subs) {
			if r.Key == id && r.ShardID == "shard-0001" {
				healthy = append(healthy, id)
			}
		}
	}

	d := deps(l)
	d.Reader = oneBadShard{Reader: l, bad: "shard-0000"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewPool(testConfig(), d).Run(ctx) }()

	require.Eventually(t, func() bool { return len(l.Records(decs)) == len(healthy) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, healthy, decisionIDs(writtenDecisions(t, l)))
}

func TestPoolFailsWhenEveryShardFails(t *testing.T) {
	l := newLog(t, 2)
	d := deps(l)
	d.Reader = oneBadShard{Reader: l, bad: "*"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := NewPool(testConfig(), d).Run(ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard shard-0000")
	assert.Contains(t, err.Error(), "shard shard-0001")
	assert.Contains(t, err.Error(), "corrupt segment")
}
