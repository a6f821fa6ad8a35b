package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"loanflow/internal/logstream"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	MaxWait      time.Duration
	WriteTimeout time.Duration
}

// Log maps the stream contract onto Kafka: a topic is a stream, a partition
// is a shard and an offset is a position. Offsets are tracked by the caller,
// so no consumer group is joined.
type Log struct {
	cfg    Config
	dialer *kafka.Dialer

	dialLeader func(ctx context.Context, topic string, partition int) (partitionConn, error)
	newWriter  func(topic string) messageWriter

	mu      sync.Mutex
	leaders map[partitionKey]partitionConn
	writers map[string]messageWriter
}

// partitionConn is the part of a leader connection used to read a partition.
type partitionConn interface {
	Seek(offset int64, whence int) (int64, error)
	SetReadDeadline(t time.Time) error
	ReadFirstOffset() (int64, error)
	ReadLastOffset() (int64, error)
	Fetch(cfg kafka.ReadBatchConfig) messageBatch
	Close() error
}

type messageBatch interface {
	ReadMessage() (kafka.Message, error)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type leaderConn struct {
	*kafka.Conn
}

func (c leaderConn) Fetch(cfg kafka.ReadBatchConfig) messageBatch {
	return c.Conn.ReadBatchWith(cfg)
}

type partitionKey struct {
	topic     string
	partition int
}

func NewLog(cfg Config) *Log {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	l := &Log{
		cfg: cfg,
		dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: false, // Force IPv4
		},
		leaders: make(map[partitionKey]partitionConn),
		writers: make(map[string]messageWriter),
	}
	l.dialLeader = l.dialBrokerLeader
	l.newWriter = l.topicWriter
	return l
}

func (l *Log) ListShards(ctx context.Context, stream string) ([]string, error) {
	conn, err := l.dialAny(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(stream)
	if err != nil {
		return nil, classify(err, stream)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: topic %s", logstream.ErrNotFound, stream)
	}

	ids := make([]int, 0, len(partitions))
	for _, p := range partitions {
		ids = append(ids, p.ID)
	}
	sort.Ints(ids)

	shards := make([]string, len(ids))
	for i, id := range ids {
		shards[i] = strconv.Itoa(id)
	}
	return shards, nil
}

func (l *Log) StartCursor(ctx context.Context, stream, shardID string, pos logstream.StartPosition) (logstream.Cursor, error) {
	partition, err := strconv.Atoi(shardID)
	if err != nil {
		return logstream.Cursor{}, fmt.Errorf("invalid partition %q: %w", shardID, err)
	}
	conn, err := l.leader(ctx, stream, partition)
	if err != nil {
		return logstream.Cursor{}, err
	}

	var offset int64
	if pos == logstream.Newest {
		offset, err = conn.ReadLastOffset()
	} else {
		offset, err = conn.ReadFirstOffset()
	}
	if err != nil {
		l.dropLeader(stream, partition)
		return logstream.Cursor{}, classify(err, stream)
	}
	return logstream.Cursor{ShardID: shardID, Position: strconv.FormatInt(offset, 10)}, nil
}

func (l *Log) ReadFrom(ctx context.Context, stream string, cur logstream.Cursor, max int) ([]logstream.Record, logstream.Cursor, error) {
	partition, err := strconv.Atoi(cur.ShardID)
	if err != nil {
		return nil, cur, fmt.Errorf("invalid partition %q: %w", cur.ShardID, err)
	}
	offset, err := strconv.ParseInt(cur.Position, 10, 64)
	if err != nil {
		return nil, cur, fmt.Errorf("invalid offset %q: %w", cur.Position, err)
	}

	conn, err := l.leader(ctx, stream, partition)
	if err != nil {
		return nil, cur, err
	}

	// Seek validates the offset against the retained range.
	if _, err := conn.Seek(offset, kafka.SeekAbsolute); err != nil {
		l.dropLeader(stream, partition)
		return nil, cur, classify(err, stream)
	}

	deadline := time.Now().Add(l.cfg.MaxWait + 5*time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	batch := conn.Fetch(kafka.ReadBatchConfig{
		MinBytes: 1,    // Process immediately
		MaxBytes: 10e6, // 10MB
		MaxWait:  l.cfg.MaxWait,
	})

	var records []logstream.Record
	next := offset
	for max <= 0 || len(records) < max {
		msg, err := batch.ReadMessage()
		if err != nil {
			if !endOfBatch(err) {
				batch.Close()
				l.dropLeader(stream, partition)
				return nil, cur, classify(err, stream)
			}
			break
		}
		if msg.Offset < offset {
			continue
		}
		records = append(records, logstream.Record{
			ShardID:    cur.ShardID,
			Position:   strconv.FormatInt(msg.Offset, 10),
			Key:        string(msg.Key),
			Payload:    msg.Value,
			AppendedAt: msg.Time,
		})
		next = msg.Offset + 1
	}
	if err := batch.Close(); err != nil && !endOfBatch(err) {
		l.dropLeader(stream, partition)
		if len(records) == 0 {
			return nil, cur, classify(err, stream)
		}
	}

	if len(records) == 0 {
		return nil, cur, nil
	}
	out := cur
	out.Position = strconv.FormatInt(next, 10)
	return records, out, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for k, c := range l.leaders {
		errs = append(errs, c.Close())
		delete(l.leaders, k)
	}
	for topic, w := range l.writers {
		errs = append(errs, w.Close())
		delete(l.writers, topic)
	}
	return errors.Join(errs...)
}

func (l *Log) dialAny(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, broker := range l.cfg.Brokers {
		conn, err := l.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return nil, fmt.Errorf("%w: %w", logstream.ErrUnavailable, lastErr)
}

// leader returns a cached connection to the partition leader. Each partition
// is read by a single worker, so a connection is never used concurrently.
func (l *Log) leader(ctx context.Context, topic string, partition int) (partitionConn, error) {
	key := partitionKey{topic, partition}

	l.mu.Lock()
	conn, ok := l.leaders[key]
	l.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := l.dialLeader(ctx, topic, partition)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.leaders[key] = conn
	l.mu.Unlock()
	return conn, nil
}

func (l *Log) dialBrokerLeader(ctx context.Context, topic string, partition int) (partitionConn, error) {
	if len(l.cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers configured", logstream.ErrUnavailable)
	}
	var lastErr error
	for _, broker := range l.cfg.Brokers {
		conn, err := l.dialer.DialLeader(ctx, "tcp", broker, topic, partition)
		if err == nil {
			return leaderConn{conn}, nil
		}
		lastErr = err
	}
	return nil, classify(lastErr, topic)
}

func (l *Log) dropLeader(topic string, partition int) {
	key := partitionKey{topic, partition}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.leaders[key]; ok {
		_ = c.Close()
		delete(l.leaders, key)
	}
}

func endOfBatch(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classify wraps a kafka-go error with the matching stream sentinel.
func classify(err error, topic string) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.OffsetOutOfRange:
			return fmt.Errorf("%w: %w", logstream.ErrCursorExpired, err)
		case kafka.UnknownTopicOrPartition:
			return fmt.Errorf("%w: topic %s: %w", logstream.ErrNotFound, topic, err)
		}
		if kerr.Temporary() {
			return fmt.Errorf("%w: %w", logstream.ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", logstream.ErrUnavailable, err)
	}
	return err
}
