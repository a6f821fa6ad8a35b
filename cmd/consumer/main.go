package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loanflow/internal/application/factories/infrastructure"
	"loanflow/internal/config"
	"loanflow/internal/decision"
	otelinfra "loanflow/internal/infrastructure/otel"
	redisInfra "loanflow/internal/infrastructure/redis"
	"loanflow/internal/logger"
	"loanflow/internal/logstream"
	"loanflow/internal/notify"
	"loanflow/internal/worker"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		logger.New("info").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level).With("service", cfg.App.Name+"-consumer")
	log.Info("Decision service starting", "backend", cfg.Stream.Backend, "group", cfg.Consumer.Group)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := otelinfra.Setup(ctx, cfg.App.Name+"-consumer", cfg.Tracing.Endpoint)
	if err != nil {
		log.Error("failed to set up tracing", "error", err)
	}
	defer shutdownTracing(context.Background())

	// Metrics Server
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux()}
	go func() {
		log.Info("Consumer metrics listening", "addr", cfg.Metrics.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	defer metricsSrv.Close()

	infraFactory := infrastructure.NewFactory(cfg, log)
	defer infraFactory.Close()

	logClient, err := infraFactory.SharedLog(ctx)
	if err != nil {
		log.Error("failed to init log client", "error", err)
		os.Exit(1)
	}

	checkpoints, err := infraFactory.Checkpoints(ctx)
	if err != nil {
		log.Error("failed to init checkpoint store", "error", err)
		os.Exit(1)
	}

	var sink notify.Sink = notify.Nop{}
	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		// Notifications are best-effort; decisions are still written.
		log.Warn("notification channel unavailable, continuing without it", "error", err)
	} else if redisClient != nil {
		async := notify.NewAsync(
			redisInfra.NewNotifier(redisClient, cfg.Redis.DecisionCacheTTL, log),
			cfg.Redis.NotifyBuffer,
			cfg.Redis.NotifyTimeout,
			log,
		)
		defer async.Close()
		sink = async
	}

	startPosition, err := logstream.ParseStartPosition(cfg.Consumer.StartPosition)
	if err != nil {
		log.Error("invalid start position", "error", err)
		os.Exit(1)
	}

	pool := worker.NewPool(worker.Config{
		Group:            cfg.Consumer.Group,
		SubmissionStream: cfg.Stream.SubmissionStreamName(),
		DecisionStream:   cfg.Stream.DecisionStreamName(),
		StartPosition:    startPosition,
		BatchSize:        cfg.Consumer.BatchSize,
		PollInterval:     cfg.Consumer.PollInterval,
		DrainTimeout:     cfg.Consumer.DrainTimeout,
		ReadBackoff:      logstream.DefaultBackoff(),
		BatchBackoff:     logstream.DefaultBackoff(),
	}, worker.Deps{
		Reader:      logClient,
		Writer:      logstream.NewRetryWriter(logClient, logstream.DefaultBackoff(), log),
		Decider:     decision.NewEngine(decision.Policy{ThresholdMultiplier: cfg.Decision.ThresholdMultiplier, MinTerm: cfg.Decision.MinTerm, MaxTerm: cfg.Decision.MaxTerm}),
		Sink:        sink,
		Checkpoints: checkpoints,
		Logger:      log,
		Now:         time.Now,
	})

	if err := pool.Run(ctx); err != nil {
		log.Error("decision service stopped", "error", err)
		os.Exit(1)
	}
	log.Info("Decision service exiting")
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}
