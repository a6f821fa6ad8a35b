package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff configures exponential backoff with jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	// MaxTries bounds the attempts of a single call. Zero means no bound.
	MaxTries uint
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    200 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
		MaxTries:   5,
	}
}

func (b Backoff) New() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	if b.Initial > 0 {
		eb.InitialInterval = b.Initial
	}
	if b.Max > 0 {
		eb.MaxInterval = b.Max
	}
	if b.Multiplier > 0 {
		eb.Multiplier = b.Multiplier
	}
	eb.RandomizationFactor = b.Jitter
	eb.Reset()
	return eb
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// attempt budget runs out. The last error is returned unchanged.
func Retry[T any](ctx context.Context, b Backoff, op func() (T, error), notify func(err error, next time.Duration)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b.New()),
		backoff.WithMaxElapsedTime(0),
	}
	if b.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(b.MaxTries))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !Transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// RetryWriter retries transient write failures and turns the final failure
// into ErrWriteRejected.
type RetryWriter struct {
	next    Writer
	backoff Backoff
	logger  *slog.Logger
}

func NewRetryWriter(next Writer, b Backoff, logger *slog.Logger) *RetryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryWriter{next: next, backoff: b, logger: logger}
}

func (w *RetryWriter) Write(ctx context.Context, stream, partitionKey string, payload []byte) (string, error) {
	id, err := Retry(ctx, w.backoff, func() (string, error) {
		return w.next.Write(ctx, stream, partitionKey, payload)
	}, func(err error, next time.Duration) {
		w.logger.Warn("write failed, retrying", "stream", stream, "key", partitionKey, "backoff", next, "error", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrWriteRejected, ctx.Err())
		}
		return "", fmt.Errorf("%w: %w", ErrWriteRejected, err)
	}
	return id, nil
}
