package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loanflow/internal/logstream"

	"golang.org/x/sync/errgroup"
)

// Pool runs one ShardWorker per shard of the submission stream.
type Pool struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func NewPool(cfg Config, deps Deps) *Pool {
	deps = deps.withDefaults()
	return &Pool{cfg: cfg, deps: deps, logger: deps.Logger}
}

// Run blocks until every shard worker has exited. It fails when the stream
// cannot be listed, when no shard could be initialized or when every worker
// ended with an error; failures of individual shards are only logged. A
// context cancelled during startup is a clean stop.
func (p *Pool) Run(ctx context.Context) error {
	shards, err := logstream.Retry(ctx, p.cfg.ReadBackoff, func() ([]string, error) {
		return p.deps.Reader.ListShards(ctx, p.cfg.SubmissionStream)
	}, func(err error, next time.Duration) {
		p.logger.Warn("failed to list shards, retrying", "stream", p.cfg.SubmissionStream, "backoff", next, "error", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("list shards of %s: %w", p.cfg.SubmissionStream, err)
	}
	if len(shards) == 0 {
		return fmt.Errorf("stream %s has no shards", p.cfg.SubmissionStream)
	}

	workers := make([]*ShardWorker, 0, len(shards))
	var initErrs []error
	for _, id := range shards {
		w := NewShardWorker(id, p.cfg, p.deps)
		if err := w.Init(ctx); err != nil {
			p.logger.Error("failed to initialize shard worker", "shard", id, "error", err)
			initErrs = append(initErrs, err)
			continue
		}
		workers = append(workers, w)
	}
	if len(workers) == 0 {
		if ctx.Err() != nil {
			p.logger.Info("consumer stopped before any shard started", "stream", p.cfg.SubmissionStream)
			return nil
		}
		return fmt.Errorf("no shard of %s could be started: %w", p.cfg.SubmissionStream, errors.Join(initErrs...))
	}

	p.logger.Info("consumer started",
		"stream", p.cfg.SubmissionStream,
		"group", p.cfg.Group,
		"shards", len(workers),
		"failed_shards", len(initErrs))

	// Workers share ctx; a failing shard does not stop the others.
	var g errgroup.Group
	runErrs := make([]error, len(workers))
	for i, w := range workers {
		g.Go(func() error {
			err := w.Run(ctx)
			if err != nil {
				p.logger.Error("shard worker stopped", "shard", w.ShardID(), "error", err)
				runErrs[i] = err
				return err
			}
			p.logger.Info("shard worker exited", "shard", w.ShardID())
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}

	for _, err := range runErrs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(runErrs...)
}
