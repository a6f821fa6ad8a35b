package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loanflow/internal/codec"
	"loanflow/internal/domain/loan"

	"github.com/redis/go-redis/v9"
)

const (
	statusChannelPrefix = "loan_status:"
	decisionKeyPrefix   = "loan_decision:"
)

// storeLatest replaces the cached decision unless the cached one was decided
// later. Equal times overwrite, so a redelivered decision is idempotent.
//
// KEYS[1] decision hash, ARGV[1] decided_at in ms, ARGV[2] payload, ARGV[3] ttl in ms.
var storeLatest = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'decided_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'decided_at', ARGV[1], 'payload', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

func StatusChannel(id string) string { return statusChannelPrefix + id }

func DecisionKey(id string) string { return decisionKeyPrefix + id }

// Notifier caches the latest decision per loan and announces it on the loan's
// status channel.
type Notifier struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewNotifier(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, ttl: ttl, logger: logger}
}

func (n *Notifier) Publish(ctx context.Context, d loan.Decision) error {
	payload, err := codec.EncodeDecision(d)
	if err != nil {
		return err
	}

	stored, err := storeLatest.Run(ctx, n.client,
		[]string{DecisionKey(d.ID)},
		d.DecidedAt.UnixMilli(), string(payload), n.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store decision %s: %w", d.ID, err)
	}
	if stored == 0 {
		n.logger.Debug("newer decision already cached, not announcing", "id", d.ID)
		return nil
	}

	if err := n.client.Publish(ctx, StatusChannel(d.ID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish decision %s: %w", d.ID, err)
	}
	return nil
}

// Latest returns the cached decision for a loan, or false if none is cached.
func (n *Notifier) Latest(ctx context.Context, id string) (loan.Decision, bool, error) {
	payload, err := n.client.HGet(ctx, DecisionKey(id), "payload").Result()
	if errors.Is(err, redis.Nil) {
		return loan.Decision{}, false, nil
	}
	if err != nil {
		return loan.Decision{}, false, fmt.Errorf("failed to get decision %s: %w", id, err)
	}

	d, err := codec.DecodeDecision([]byte(payload))
	if err != nil {
		return loan.Decision{}, false, err
	}
	return d, true, nil
}

// Subscription delivers the decisions announced for one loan until closed.
type Subscription struct {
	C <-chan loan.Decision

	ps   *redis.PubSub
	stop chan struct{}
	done chan struct{}
}

func (s *Subscription) Close() error {
	close(s.stop)
	err := s.ps.Close()
	<-s.done
	return err
}

// Subscribe listens on the loan's status channel. The subscription is
// confirmed before it is returned, so nothing published afterwards is missed.
func (n *Notifier) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	ps := n.client.Subscribe(ctx, StatusChannel(id))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", StatusChannel(id), err)
	}

	out := make(chan loan.Decision)
	sub := &Subscription{C: out, ps: ps, stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(out)

		for msg := range ps.Channel() {
			d, err := codec.DecodeDecision([]byte(msg.Payload))
			if err != nil {
				n.logger.Warn("ignoring malformed status message", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- d:
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}
