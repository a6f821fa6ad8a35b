package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loanflow/internal/api"
	"loanflow/internal/application/factories/infrastructure"
	"loanflow/internal/config"
	redisInfra "loanflow/internal/infrastructure/redis"
	"loanflow/internal/logger"
	"loanflow/internal/logstream"
	"loanflow/internal/usecase"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		logger.New("info").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level).With("service", cfg.App.Name+"-api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg, log)
	defer infraFactory.Close()

	logClient, err := infraFactory.SharedLog(ctx)
	if err != nil {
		log.Error("failed to init log client", "error", err)
		os.Exit(1)
	}

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	// UseCases
	submitLoanUC := usecase.NewSubmitLoan(
		logstream.NewRetryWriter(logClient, logstream.DefaultBackoff(), log),
		cfg.Stream.SubmissionStreamName(),
	)
	var (
		getDecisionUC   *usecase.GetDecision
		watchDecisionUC *usecase.WatchDecision
	)
	if redisClient != nil {
		notifier := redisInfra.NewNotifier(redisClient, cfg.Redis.DecisionCacheTTL, log)
		getDecisionUC = usecase.NewGetDecision(notifier)
		watchDecisionUC = usecase.NewWatchDecision(notifier)
	} else {
		log.Warn("NOTIFICATION_URL not set, decision lookups and events are disabled")
	}

	// REST API Handler
	handlers := api.NewHandlers(submitLoanUC, getDecisionUC, watchDecisionUC, log)
	apiHandler := api.NewRouter(handlers, redisClient)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: apiHandler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		log.Info("Server starting", "port", cfg.HTTP.Port, "stream", cfg.Stream.SubmissionStreamName())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server exiting")
}
