package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Write appends one record keyed by partitionKey. The writer makes a single
// attempt; retries belong to logstream.RetryWriter.
func (l *Log) Write(ctx context.Context, stream, partitionKey string, payload []byte) (string, error) {
	w := l.writer(stream)

	now := time.Now()
	err := w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey),
		Value: payload,
		Time:  now,
	})
	if err != nil {
		var werrs kafka.WriteErrors
		if errors.As(err, &werrs) && len(werrs) == 1 && werrs[0] != nil {
			err = werrs[0]
		}
		return "", fmt.Errorf("failed to write message: %w", classify(err, stream))
	}

	// The writer does not report offsets, so the id is the topic, key and
	// append time.
	return stream + "/" + partitionKey + "@" + strconv.FormatInt(now.UnixNano(), 10), nil
}

func (l *Log) writer(topic string) messageWriter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.writers[topic]; ok {
		return w
	}
	w := l.newWriter(topic)
	l.writers[topic] = w
	return w
}

func (l *Log) topicWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(l.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            1,
		RequiredAcks:           kafka.RequireAll,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           l.cfg.WriteTimeout,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}
