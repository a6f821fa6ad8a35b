// Package logstream defines the contract of an ordered, partitioned append
// log with per-shard cursors, plus the pieces shared by every backend.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable means the log could not be reached. Retryable.
	ErrUnavailable = errors.New("log unavailable")
	// ErrNotFound means the stream does not exist.
	ErrNotFound = errors.New("stream not found")
	// ErrCursorExpired means the cursor points before the retained range of
	// the shard. Records between the cursor and the oldest retained record
	// are lost to this reader.
	ErrCursorExpired = errors.New("cursor expired")
	// ErrThroughputExceeded means the log throttled the call. Retryable.
	ErrThroughputExceeded = errors.New("throughput exceeded")
	// ErrWriteRejected is returned once a write has exhausted its retries or
	// failed permanently.
	ErrWriteRejected = errors.New("write rejected")
	// ErrShardClosed means the shard was closed and fully read.
	ErrShardClosed = errors.New("shard closed")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrThroughputExceeded)
}

type StartPosition string

const (
	Oldest StartPosition = "oldest"
	Newest StartPosition = "newest"
)

func ParseStartPosition(s string) (StartPosition, error) {
	switch StartPosition(s) {
	case Oldest, Newest:
		return StartPosition(s), nil
	}
	return "", fmt.Errorf("unknown start position %q", s)
}

type Record struct {
	ShardID    string
	Position   string
	Key        string
	Payload    []byte
	AppendedAt time.Time
}

// Cursor marks read progress within one shard. Position is durable and safe
// to checkpoint; Token is a backend read handle valid for this process only.
type Cursor struct {
	ShardID        string
	Position       string
	Token          string
	Closed         bool
	LastAdvancedAt time.Time
}

type Reader interface {
	ListShards(ctx context.Context, stream string) ([]string, error)
	StartCursor(ctx context.Context, stream, shardID string, pos StartPosition) (Cursor, error)
	// ReadFrom returns up to max records following cur, in append order, and
	// the cursor to read from next.
	ReadFrom(ctx context.Context, stream string, cur Cursor, max int) ([]Record, Cursor, error)
}

type Writer interface {
	Write(ctx context.Context, stream, partitionKey string, payload []byte) (string, error)
}

type Client interface {
	Reader
	Writer
}
