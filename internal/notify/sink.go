// Package notify fans decisions out to live viewers. Delivery is best-effort:
// a slow or broken channel never holds up the consumer.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loanflow/internal/domain/loan"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanflow_notifications_sent_total",
		Help: "Decisions delivered to the notification channel",
	})
	notificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanflow_notifications_dropped_total",
		Help: "Decisions not delivered to the notification channel",
	}, []string{"reason"})
)

type Publisher interface {
	Publish(ctx context.Context, d loan.Decision) error
}

// Sink accepts decisions without blocking.
type Sink interface {
	Notify(d loan.Decision)
}

// Nop discards every decision.
type Nop struct{}

func (Nop) Notify(loan.Decision) {}

// Async buffers decisions and delivers them from a background goroutine.
// When the buffer is full the decision is dropped.
type Async struct {
	pub     Publisher
	queue   chan loan.Decision
	timeout time.Duration
	logger  *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewAsync(pub Publisher, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		pub:     pub,
		queue:   make(chan loan.Decision, buffer),
		timeout: timeout,
		logger:  logger,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) Notify(d loan.Decision) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		notificationsDropped.WithLabelValues("closed").Inc()
		return
	}

	select {
	case a.queue <- d:
	default:
		notificationsDropped.WithLabelValues("buffer_full").Inc()
		a.logger.Warn("notification buffer full, dropping decision", "id", d.ID)
	}
}

// Close stops accepting decisions and waits for the queued ones to be sent.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	a.wg.Wait()
}

func (a *Async) loop() {
	defer a.wg.Done()

	for d := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.pub.Publish(ctx, d)
		cancel()

		if err != nil {
			notificationsDropped.WithLabelValues("publish_error").Inc()
			a.logger.Warn("failed to publish decision notification", "id", d.ID, "error", err)
			continue
		}
		notificationsSent.Inc()
	}
}
