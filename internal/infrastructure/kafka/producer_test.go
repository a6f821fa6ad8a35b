package kafka

import (
	"context"
	"strings"
	"testing"

	"loanflow/internal/logstream"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	topic   string
	written []kafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newWriterLog(err error) (*Log, map[string]*fakeWriter) {
	l := NewLog(Config{Brokers: []string{"kafka:9092"}})
	writers := make(map[string]*fakeWriter)
	l.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{topic: topic, err: err}
		writers[topic] = w
		return w
	}
	return l, writers
}

func TestWriteKeysMessage(t *testing.T) {
	l, writers := newWriterLog(nil)
	ctx := context.Background()

	id, err := l.Write(ctx, "loan.status", "loan-1", []byte(`{"id":"loan-1"}`))
	require.NoError(t, err)
	_, err = l.Write(ctx, "loan.status", "loan-2", []byte(`{"id":"loan-2"}`))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id, "loan.status/loan-1@"), id)
	require.Len(t, writers, 1)
	w := writers["loan.status"]
	require.Len(t, w.written, 2)
	assert.Equal(t, "loan-1", string(w.written[0].Key))
	assert.JSONEq(t, `{"id":"loan-1"}`, string(w.written[0].Value))
	assert.False(t, w.written[0].Time.IsZero())
}

func TestWriteClassifiesBrokerErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		sentinel  error
		transient bool
	}{
		{"leader moving", kafka.WriteErrors{kafka.LeaderNotAvailable}, logstream.ErrUnavailable, true},
		{"missing topic", kafka.WriteErrors{kafka.UnknownTopicOrPartition}, logstream.ErrNotFound, false},
		{"not authorized", kafka.TopicAuthorizationFailed, kafka.TopicAuthorizationFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newWriterLog(tt.err)

			_, err := l.Write(context.Background(), "loan.status", "loan-1", []byte(`{}`))

			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.transient, logstream.Transient(err))
		})
	}
}
