package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loanflow/internal/checkpoint"
	"loanflow/internal/config"
	"loanflow/internal/infrastructure/kafka"
	"loanflow/internal/infrastructure/kinesis"
	"loanflow/internal/infrastructure/postgres"
	"loanflow/internal/infrastructure/redis"
	"loanflow/internal/logstream"

	"github.com/cenkalti/backoff/v5"
	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

type Factory struct {
	cfg    *config.Config
	logger *slog.Logger

	log      logstream.Client
	closeLog func() error
	pgPool   *pgxpool.Pool
	redisCli *go_redis.Client
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// Log returns the client of the configured log backend. A memory log lives
// inside the process that created it and is meant for tests; it gets both
// streams up front.
func (f *Factory) Log(ctx context.Context) (logstream.Client, error) {
	if f.log != nil {
		return f.log, nil
	}

	switch f.cfg.Stream.Backend {
	case config.BackendKafka:
		l := kafka.NewLog(kafka.Config{
			Brokers: f.cfg.Kafka.Brokers,
			MaxWait: f.cfg.Kafka.MaxWait,
		})
		f.log, f.closeLog = l, l.Close
	case config.BackendKinesis:
		l, err := kinesis.NewLog(ctx, kinesis.Config{
			Region:            f.cfg.Kinesis.Region,
			CredentialProfile: f.cfg.Kinesis.CredentialProfile,
			Endpoint:          f.cfg.Kinesis.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init kinesis: %w", err)
		}
		f.log = l
	case config.BackendMemory:
		l := logstream.NewMemoryLog()
		l.CreateStream(f.cfg.Stream.SubmissionStreamName(), f.cfg.Stream.MemoryShards)
		l.CreateStream(f.cfg.Stream.DecisionStreamName(), f.cfg.Stream.MemoryShards)
		f.log = l
	default:
		return nil, fmt.Errorf("unknown log backend %q", f.cfg.Stream.Backend)
	}

	return f.log, nil
}

// SharedLog returns the log client for a process that exchanges records with
// other processes, which rules out the memory backend.
func (f *Factory) SharedLog(ctx context.Context) (logstream.Client, error) {
	if f.cfg.Stream.Backend == config.BackendMemory {
		return nil, fmt.Errorf("log backend %q is local to one process, use %q or %q",
			config.BackendMemory, config.BackendKafka, config.BackendKinesis)
	}
	return f.Log(ctx)
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		return postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
		})
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(2*time.Second)),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("failed to connect to postgres, retrying", "backoff", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

// Checkpoints returns the configured checkpoint store.
func (f *Factory) Checkpoints(ctx context.Context) (checkpoint.Store, error) {
	if f.cfg.Consumer.CheckpointStore != config.CheckpointPostgres {
		return checkpoint.NewMemoryStore(), nil
	}

	pool, err := f.Postgres(ctx)
	if err != nil {
		return nil, err
	}
	repo := postgres.NewCheckpointRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// Redis connects to the notification channel. It returns nil when
// notifications are not configured.
func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}
	if f.cfg.Redis.NotificationURL == "" {
		return nil, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr: f.cfg.Redis.Addr,
		URL:  f.cfg.Redis.NotificationURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

func (f *Factory) Close() {
	if f.closeLog != nil {
		if err := f.closeLog(); err != nil {
			f.logger.Warn("failed to close log client", "error", err)
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
