package usecase

import (
	"context"
	"fmt"

	"loanflow/internal/domain/loan"
	"loanflow/internal/infrastructure/redis"
)

type DecisionFeed interface {
	DecisionCache
	Subscribe(ctx context.Context, id string) (*redis.Subscription, error)
}

// WatchDecision streams the decisions of one loan: the cached one first, if
// any, then every newer one as it is announced.
type WatchDecision struct {
	feed DecisionFeed
}

func NewWatchDecision(feed DecisionFeed) *WatchDecision {
	return &WatchDecision{feed: feed}
}

// Execute returns a channel that is closed when ctx is done or the
// subscription ends.
func (uc *WatchDecision) Execute(ctx context.Context, id string) (<-chan loan.Decision, error) {
	// Subscribe before reading the cache so a decision announced in between
	// is not lost.
	sub, err := uc.feed.Subscribe(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("watch decision: %w", err)
	}

	latest, cached, err := uc.feed.Latest(ctx, id)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("watch decision: %w", err)
	}

	out := make(chan loan.Decision, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		var last loan.Decision
		sent := false
		send := func(d loan.Decision) bool {
			if sent && !d.DecidedAt.After(last.DecidedAt) {
				return true
			}
			select {
			case out <- d:
				last, sent = d, true
				return true
			case <-ctx.Done():
				return false
			}
		}

		if cached && !send(latest) {
			return
		}
		for {
			select {
			case d, ok := <-sub.C:
				if !ok || !send(d) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
