package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"loanflow/internal/checkpoint"
	"loanflow/internal/codec"
	"loanflow/internal/domain/loan"
	"loanflow/internal/logstream"
	"loanflow/internal/notify"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State int32

const (
	StateInitializing State = iota
	StatePolling
	StateProcessing
	StateAdvancing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateAdvancing:
		return "advancing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Decider interface {
	Decide(s loan.Submission, at time.Time) loan.Decision
}

type Config struct {
	Group            string
	SubmissionStream string
	DecisionStream   string
	// StartPosition is used when a shard has no checkpoint and after a
	// cursor expires.
	StartPosition logstream.StartPosition
	BatchSize     int
	PollInterval  time.Duration
	// DrainTimeout bounds one write attempt of a batch, including the attempt
	// still running when shutdown is requested.
	DrainTimeout time.Duration
	ReadBackoff  logstream.Backoff
	// BatchBackoff paces the retries of a batch whose decisions could not all
	// be written. Those retries are unbounded; MaxTries is ignored.
	BatchBackoff logstream.Backoff
}

type Deps struct {
	Reader      logstream.Reader
	Writer      logstream.Writer
	Decider     Decider
	Sink        notify.Sink
	Checkpoints checkpoint.Store
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Sink == nil {
		d.Sink = notify.Nop{}
	}
	if d.Checkpoints == nil {
		d.Checkpoints = checkpoint.NewMemoryStore()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// ShardWorker consumes one shard of the submission stream. Its cursor is
// only touched by the goroutine running Run.
type ShardWorker struct {
	shardID string
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer

	state  atomic.Int32
	cursor logstream.Cursor
}

type pendingDecision struct {
	decision loan.Decision
	payload  []byte
}

func NewShardWorker(shardID string, cfg Config, deps Deps) *ShardWorker {
	deps = deps.withDefaults()
	return &ShardWorker{
		shardID: shardID,
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("shard", shardID, "stream", cfg.SubmissionStream),
		tracer:  otel.Tracer("loanflow/worker"),
	}
}

func (w *ShardWorker) ShardID() string { return w.shardID }

func (w *ShardWorker) State() State { return State(w.state.Load()) }

func (w *ShardWorker) setState(s State) {
	if prev := State(w.state.Swap(int32(s))); prev != s {
		w.logger.Debug("shard state", "from", prev.String(), "to", s.String())
	}
}

// Init resolves the starting cursor from the checkpoint store, falling back
// to the configured start position.
func (w *ShardWorker) Init(ctx context.Context) error {
	w.setState(StateInitializing)

	cp, ok, err := w.deps.Checkpoints.Load(ctx, w.cfg.Group, w.cfg.SubmissionStream, w.shardID)
	if err != nil {
		w.setState(StateStopped)
		return fmt.Errorf("shard %s: load checkpoint: %w", w.shardID, err)
	}
	if ok && cp.Position != "" {
		w.cursor = logstream.Cursor{ShardID: w.shardID, Position: cp.Position, LastAdvancedAt: cp.UpdatedAt}
		w.logger.Info("resuming from checkpoint", "position", cp.Position)
		return nil
	}

	cur, err := w.startCursor(ctx)
	if err != nil {
		w.setState(StateStopped)
		return fmt.Errorf("shard %s: start cursor: %w", w.shardID, err)
	}
	w.cursor = cur
	w.logger.Info("starting from fallback position", "start_position", string(w.cfg.StartPosition))
	return nil
}

// Run polls the shard until ctx is cancelled, the shard is closed, or a read
// keeps failing past its retry budget. A batch that has started writing is
// finished, or abandoned without advancing the cursor, before Run returns.
func (w *ShardWorker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.cursor.Closed {
			w.logger.Info("shard closed, worker exiting")
			return nil
		}

		w.setState(StatePolling)
		records, next, err := w.poll(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, logstream.ErrCursorExpired):
				if err := w.reset(ctx, err); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				continue
			case errors.Is(err, logstream.ErrShardClosed):
				w.logger.Info("shard closed, worker exiting")
				return nil
			default:
				return fmt.Errorf("shard %s: read: %w", w.shardID, err)
			}
		}

		if len(records) == 0 {
			next.LastAdvancedAt = w.cursor.LastAdvancedAt
			w.cursor = next
			if next.Closed {
				continue
			}
			if !sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}
		recordsRead.WithLabelValues(w.shardID).Add(float64(len(records)))

		w.setState(StateProcessing)
		decisions, err := w.process(ctx, records)
		if err != nil {
			w.logger.Info("stopping before batch was written, cursor not advanced",
				"position", w.cursor.Position, "error", err)
			return nil
		}

		w.setState(StateAdvancing)
		w.advance(ctx, next, decisions)
	}
}

func (w *ShardWorker) poll(ctx context.Context) ([]logstream.Record, logstream.Cursor, error) {
	type batch struct {
		records []logstream.Record
		next    logstream.Cursor
	}
	b, err := logstream.Retry(ctx, w.cfg.ReadBackoff, func() (batch, error) {
		records, next, err := w.deps.Reader.ReadFrom(ctx, w.cfg.SubmissionStream, w.cursor, w.cfg.BatchSize)
		return batch{records: records, next: next}, err
	}, func(err error, next time.Duration) {
		w.logger.Warn("read failed, retrying", "backoff", next, "error", err)
	})
	return b.records, b.next, err
}

func (w *ShardWorker) startCursor(ctx context.Context) (logstream.Cursor, error) {
	return logstream.Retry(ctx, w.cfg.ReadBackoff, func() (logstream.Cursor, error) {
		return w.deps.Reader.StartCursor(ctx, w.cfg.SubmissionStream, w.shardID, w.cfg.StartPosition)
	}, nil)
}

func (w *ShardWorker) reset(ctx context.Context, cause error) error {
	w.logger.Warn("cursor expired, records before the oldest retained one are lost to this consumer",
		"position", w.cursor.Position,
		"reset_to", string(w.cfg.StartPosition),
		"error", cause)
	cursorResets.WithLabelValues(w.shardID).Inc()

	cur, err := w.startCursor(ctx)
	if err != nil {
		return fmt.Errorf("shard %s: reset cursor: %w", w.shardID, err)
	}
	w.cursor = cur
	return nil
}

// process decides every decodable record and writes the decisions in shard
// order. A failed write restarts the whole batch; only shutdown ends the
// retries, and then the error is returned.
func (w *ShardWorker) process(ctx context.Context, records []logstream.Record) ([]loan.Decision, error) {
	ctx, span := w.tracer.Start(ctx, "process_batch", trace.WithAttributes(
		attribute.String("shard", w.shardID),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	started := time.Now()
	pending := w.decide(records)

	bo := w.cfg.BatchBackoff.New()
	for attempt := 1; ; attempt++ {
		err := w.writeAll(ctx, pending)
		if err == nil {
			batchDuration.Observe(time.Since(started).Seconds())
			decisions := make([]loan.Decision, len(pending))
			for i, p := range pending {
				decisions[i] = p.decision
			}
			return decisions, nil
		}

		span.RecordError(err)
		batchRetries.WithLabelValues(w.shardID).Inc()
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "shutdown during batch")
			return nil, err
		}

		wait := bo.NextBackOff()
		w.logger.Warn("batch write failed, retrying from the same cursor",
			"attempt", attempt, "position", w.cursor.Position, "backoff", wait, "error", err)
		if !sleep(ctx, wait) {
			span.SetStatus(codes.Error, "shutdown during batch")
			return nil, err
		}
	}
}

func (w *ShardWorker) decide(records []logstream.Record) []pendingDecision {
	pending := make([]pendingDecision, 0, len(records))
	for _, r := range records {
		sub, err := codec.DecodeSubmission(r.Payload)
		if err != nil {
			recordsSkipped.WithLabelValues(w.shardID).Inc()
			w.logger.Warn("skipping malformed submission", "position", r.Position, "key", r.Key, "error", err)
			continue
		}

		d := w.deps.Decider.Decide(sub, w.deps.Now())
		payload, err := codec.EncodeDecision(d)
		if err != nil {
			recordsSkipped.WithLabelValues(w.shardID).Inc()
			w.logger.Error("skipping decision that could not be encoded", "id", d.ID, "position", r.Position, "error", err)
			continue
		}
		pending = append(pending, pendingDecision{decision: d, payload: payload})
	}
	return pending
}

// writeAll runs detached from cancellation so that a batch in flight at
// shutdown is either fully written or reported as failed.
func (w *ShardWorker) writeAll(ctx context.Context, pending []pendingDecision) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()

	for _, p := range pending {
		if _, err := w.deps.Writer.Write(wctx, w.cfg.DecisionStream, p.decision.ID, p.payload); err != nil {
			return fmt.Errorf("write decision %s: %w", p.decision.ID, err)
		}
	}
	return nil
}

func (w *ShardWorker) advance(ctx context.Context, next logstream.Cursor, decisions []loan.Decision) {
	now := w.deps.Now()
	next.LastAdvancedAt = now
	w.cursor = next

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()
	err := w.deps.Checkpoints.Save(sctx, checkpoint.Checkpoint{
		Group:     w.cfg.Group,
		Stream:    w.cfg.SubmissionStream,
		ShardID:   w.shardID,
		Position:  next.Position,
		UpdatedAt: now,
	})
	if err != nil {
		w.logger.Error("failed to save checkpoint", "position", next.Position, "error", err)
	}

	for _, d := range decisions {
		decisionsWritten.WithLabelValues(string(d.Status)).Inc()
		w.deps.Sink.Notify(d)
	}
	w.logger.Debug("batch committed", "decisions", len(decisions), "position", next.Position)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
