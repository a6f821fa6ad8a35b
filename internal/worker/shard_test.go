package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"loanflow/internal/checkpoint"
	"loanflow/internal/codec"
	"loanflow/internal/decision"
	"loanflow/internal/domain/loan"
	"loanflow/internal/logstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	subs = "loan.requests"
	decs = "loan.status"
)

func testConfig() Config {
	fast := logstream.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxTries: 3}
	return Config{
		Group:            "decider",
		SubmissionStream: subs,
		DecisionStream:   decs,
		StartPosition:    logstream.Oldest,
		BatchSize:        10,
		PollInterval:     5 * time.Millisecond,
		DrainTimeout:     time.Second,
		ReadBackoff:      fast,
		BatchBackoff:     fast,
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func newLog(t *testing.T, shards int) *logstream.MemoryLog {
	t.Helper()
	l := logstream.NewMemoryLog()
	l.CreateStream(subs, shards)
	l.CreateStream(decs, 1)
	return l
}

func submit(t *testing.T, l *logstream.MemoryLog, s loan.Submission) {
	t.Helper()
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	b, err := codec.EncodeSubmission(s)
	require.NoError(t, err)
	_, err = l.Write(context.Background(), subs, s.ID, b)
	require.NoError(t, err)
}

func writtenDecisions(t *testing.T, l *logstream.MemoryLog) []loan.Decision {
	t.Helper()
	var out []loan.Decision
	for _, r := range l.Records(decs) {
		d, err := codec.DecodeDecision(r.Payload)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func decisionIDs(ds []loan.Decision) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids
}

// runUntil runs w until cond holds, then shuts it down and waits for Run to
// return.
func runUntil(t *testing.T, w *ShardWorker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Init(ctx))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, StateStopped, w.State())
}

func deps(l *logstream.MemoryLog) Deps {
	return Deps{
		Reader:  l,
		Writer:  l,
		Decider: decision.NewEngine(decision.DefaultPolicy()),
	}
}

func TestShardWorkerWritesDecisionsInAppendOrder(t *testing.T) {
	l := newLog(t, 1)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		submit(t, l, loan.Submission{ID: id, Amount: 100, Income: 1000, Term: 12})
	}
	store := checkpoint.NewMemoryStore()
	d := deps(l)
	d.Checkpoints = store

	cfg := testConfig()
	cfg.BatchSize = 2
	w := NewShardWorker("shard-0000", cfg, d)
	runUntil(t, w, func() bool { return len(l.Records(decs)) == len(ids) })

	got := writtenDecisions(t, l)
	assert.Equal(t, ids, decisionIDs(got))
	for _, dec := range got {
		assert.Equal(t, loan.StatusApproved, dec.Status)
	}

	cp, ok, err := store.Load(context.Background(), "decider", subs, "shard-0000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5", cp.Position)
}

func TestShardWorkerRejectsAmountOverIncome(t *testing.T) {
	l := newLog(t, 1)
	submit(t, l, loan.Submission{ID: "abc", Amount: 50000, Income: 40000, Term: 12})

	w := NewShardWorker("shard-0000", testConfig(), deps(l))
	runUntil(t, w, func() bool { return len(l.Records(decs)) == 1 })

	got := writtenDecisions(t, l)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].ID)
	assert.Equal(t, loan.StatusRejected, got[0].Status)
	assert.Equal(t, "amount exceeds income threshold", got[0].Reason)
}

// failingWriter fails the write calls whose 1-based index is in failOn.
type failingWriter struct {
	next   logstream.Writer
	failOn map[int]bool
	onFail func()

	mu       sync.Mutex
	calls    int
	attempts []string
}

func (f *failingWriter) Write(ctx context.Context, stream, key string, payload []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.attempts = append(f.attempts, key)
	f.mu.Unlock()

	if f.failOn[n] {
		if f.onFail != nil {
			f.onFail()
		}
		return "", fmt.Errorf("%w: injected", logstream.ErrWriteRejected)
	}
	return f.next.Write(ctx, stream, key, payload)
}

func (f *failingWriter) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

type countingStore struct {
	checkpoint.Store
	mu    sync.Mutex
	saves []checkpoint.Checkpoint
}

func (c *countingStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	c.mu.Lock()
	c.saves = append(c.saves, cp)
	c.mu.Unlock()
	return c.Store.Save(ctx, cp)
}

func (c *countingStore) saved() []checkpoint.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]checkpoint.Checkpoint(nil), c.saves...)
}

func TestShardWorkerRetriesWholeBatchAfterPartialWriteFailure(t *testing.T) {
	l := newLog(t, 1)
	for _, id := range []string{"r1", "r2", "r3"} {
		submit(t, l, loan.Submission{ID: id, Amount: 100, Income: 1000, Term: 12})
	}

	store := &countingStore{Store: checkpoint.NewMemoryStore()}
	var savesAtFailure []checkpoint.Checkpoint
	fw := &failingWriter{next: l, failOn: map[int]bool{2: true}}
	fw.onFail = func() { savesAtFailure = store.saved() }

	d := deps(l)
	d.Writer = fw
	d.Checkpoints = store
	w := NewShardWorker("shard-0000", testConfig(), d)
	runUntil(t, w, func() bool { return len(store.saved()) == 1 })

	assert.Empty(t, savesAtFailure, "cursor advanced before every decision was written")
	assert.Equal(t, []string{"r1", "r2", "r1", "r2", "r3"}, fw.attempted())
	assert.Equal(t, []string{"r1", "r1", "r2", "r3"}, decisionIDs(writtenDecisions(t, l)))

	saves := store.saved()
	require.Len(t, saves, 1)
	assert.Equal(t, "3", saves[0].Position)
}

func TestShardWorkerSkipsMalformedRecords(t *testing.T) {
	l := newLog(t, 1)
	submit(t, l, loan.Submission{ID: "good-1", Amount: 100, Income: 1000, Term: 12})
	_, err := l.Write(context.Background(), subs, "junk", []byte(`{"id":"junk","amount":`))
	require.NoError(t, err)
	submit(t, l, loan.Submission{ID: "good-2", Amount: 5000, Income: 1000, Term: 12})

	logs := &lockedBuffer{}
	d := deps(l)
	d.Logger = slog.New(slog.NewJSONHandler(logs, nil))
	store := checkpoint.NewMemoryStore()
	d.Checkpoints = store

	w := NewShardWorker("shard-0000", testConfig(), d)
	runUntil(t, w, func() bool { return len(l.Records(decs)) == 2 })

	got := writtenDecisions(t, l)
	assert.Equal(t, []string{"good-1", "good-2"}, decisionIDs(got))
	assert.Equal(t, loan.StatusRejected, got[1].Status)
	assert.Contains(t, logs.String(), "skipping malformed submission")
	assert.Contains(t, logs.String(), `"key":"junk"`)

	cp, _, err := store.Load(context.Background(), "decider", subs, "shard-0000")
	require.NoError(t, err)
	assert.Equal(t, "3", cp.Position)
}

func TestShardWorkerResetsExpiredCursor(t *testing.T) {
	l := newLog(t, 1)
	for _, id := range []string{"old-1", "old-2", "new-1", "new-2"} {
		submit(t, l, loan.Submission{ID: id, Amount: 100, Income: 1000, Term: 12})
	}
	require.NoError(t, l.Trim(subs, "shard-0000", 2))

	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), checkpoint.Checkpoint{
		Group: "decider", Stream: subs, ShardID: "shard-0000", Position: "0",
	}))

	logs := &lockedBuffer{}
	d := deps(l)
	d.Checkpoints = store
	d.Logger = slog.New(slog.NewJSONHandler(logs, nil))

	w := NewShardWorker("shard-0000", testConfig(), d)
	runUntil(t, w, func() bool { return len(l.Records(decs)) == 2 })

	assert.Equal(t, []string{"new-1", "new-2"}, decisionIDs(writtenDecisions(t, l)))
	assert.Contains(t, logs.String(), "cursor expired")
}

func TestShardWorkerResumesFromCheckpoint(t *testing.T) {
	l := newLog(t, 1)
	for _, id := range []string{"done-1", "done-2", "todo-1"} {
		submit(t, l, loan.Submission{ID: id, Amount: 100, Income: 1000, Term: 12})
	}
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), checkpoint.Checkpoint{
		Group: "decider", Stream: subs, ShardID: "shard-0000", Position: "2",
	}))
	d := deps(l)
	d.Checkpoints = store

	w := NewShardWorker("shard-0000", testConfig(), d)
	runUntil(t, w, func() bool { return len(l.Records(decs)) == 1 })

	assert.Equal(t, []string{"todo-1"}, decisionIDs(writtenDecisions(t, l)))
}

func TestShardWorkerNewestSkipsBacklog(t *testing.T) {
	l := newLog(t, 1)
	submit(t, l, loan.Submission{ID: "backlog", Amount: 100, Income: 1000, Term: 12})

	cfg := testConfig()
	cfg.StartPosition = logstream.Newest
	w := NewShardWorker("shard-0000", cfg, deps(l))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Init(ctx))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	submit(t, l, loan.Submission{ID: "fresh", Amount: 100, Income: 1000, Term: 12})
	require.Eventually(t, func() bool { return len(l.Records(decs)) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"fresh"}, decisionIDs(writtenDecisions(t, l)))
}

func TestShardWorkerShutdownDoesNotAdvancePastUnwrittenBatch(t *testing.T) {
	l := newLog(t, 1)
	submit(t, l, loan.Submission{ID: "stuck", Amount: 100, Income: 1000, Term: 12})

	store := &countingStore{Store: checkpoint.NewMemoryStore()}
	failures := make(chan struct{}, 100)
	fw := &failingWriter{next: l, failOn: map[int]bool{}}
	for i := 1; i <= 100; i++ {
		fw.failOn[i] = true
	}
	fw.onFail = func() {
		select {
		case failures <- struct{}{}:
		default:
		}
	}

	d := deps(l)
	d.Writer = fw
	d.Checkpoints = store
	w := NewShardWorker("shard-0000", testConfig(), d)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Init(ctx))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-failures
	<-failures
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Empty(t, store.saved())
	assert.Empty(t, l.Records(decs))
	assert.Equal(t, StateStopped, w.State())
}

type unavailableReader struct {
	logstream.Reader
	reads int
}

func (u *unavailableReader) ReadFrom(context.Context, string, logstream.Cursor, int) ([]logstream.Record, logstream.Cursor, error) {
	u.reads++
	return nil, logstream.Cursor{}, fmt.Errorf("%w: connection refused", logstream.ErrUnavailable)
}

func TestShardWorkerStopsWhenReadsExhaustRetries(t *testing.T) {
	l := newLog(t, 1)
	r := &unavailableReader{Reader: l}
	d := deps(l)
	d.Reader = r

	w := NewShardWorker("shard-0000", testConfig(), d)
	require.NoError(t, w.Init(context.Background()))
	err := w.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, logstream.ErrUnavailable))
	assert.Equal(t, 3, r.reads)
	assert.Equal(t, StateStopped, w.State())
}

type recordingSink struct {
	mu  sync.Mutex
	got []loan.Decision
}

func (r *recordingSink) Notify(d loan.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
}

func (r *recordingSink) decisions() []loan.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]loan.Decision(nil), r.got...)
}

func TestShardWorkerNotifiesAfterCommit(t *testing.T) {
	l := newLog(t, 1)
	submit(t, l, loan.Submission{ID: "a", Amount: 100, Income: 1000, Term: 12})
	submit(t, l, loan.Submission{ID: "b", Amount: 5000, Income: 1000, Term: 12})

	sink := &recordingSink{}
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	d := deps(l)
	d.Sink = sink
	d.Now = func() time.Time { return at }
	w := NewShardWorker("shard-0000", testConfig(), d)

	runUntil(t, w, func() bool { return len(sink.decisions()) == 2 })

	got := sink.decisions()
	assert.Equal(t, []string{"a", "b"}, decisionIDs(got))
	assert.Equal(t, loan.StatusApproved, got[0].Status)
	assert.Equal(t, loan.StatusRejected, got[1].Status)
	assert.Equal(t, at, got[1].DecidedAt)
	assert.Equal(t, got, writtenDecisions(t, l))
}
