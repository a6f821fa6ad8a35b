package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanflow_consumer_records_read_total",
		Help: "Submission records read from the stream",
	}, []string{"shard"})
	recordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanflow_consumer_records_skipped_total",
		Help: "Submission records skipped because they could not be decoded",
	}, []string{"shard"})
	decisionsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanflow_consumer_decisions_written_total",
		Help: "Decisions written to the decision stream",
	}, []string{"status"})
	batchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanflow_consumer_batch_retries_total",
		Help: "Batches retried from the same cursor after a write failure",
	}, []string{"shard"})
	cursorResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanflow_consumer_cursor_resets_total",
		Help: "Cursors reset to the fallback position after expiring",
	}, []string{"shard"})
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loanflow_consumer_batch_duration_seconds",
		Help:    "Time taken to decide and write a batch",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
)
