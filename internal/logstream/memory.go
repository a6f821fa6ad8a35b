package logstream

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// MemoryLog is an in-process Client. Records are routed to shards by an
// FNV-1a hash of the partition key, and Trim drops the head of a shard to
// mimic retention.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string]*memStream
	now     func() time.Time
}

type memStream struct {
	shards []*memShard
}

type memShard struct {
	id      string
	base    int64 // offset of records[0]
	records []Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memStream),
		now:     time.Now,
	}
}

// CreateStream registers a stream with the given number of shards. It is a
// no-op when the stream already exists.
func (l *MemoryLog) CreateStream(name string, shards int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.streams[name]; ok {
		return
	}
	if shards < 1 {
		shards = 1
	}
	s := &memStream{shards: make([]*memShard, shards)}
	for i := range s.shards {
		s.shards[i] = &memShard{id: fmt.Sprintf("shard-%04d", i)}
	}
	l.streams[name] = s
}

func (l *MemoryLog) ListShards(_ context.Context, stream string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, stream)
	}
	ids := make([]string, len(s.shards))
	for i, sh := range s.shards {
		ids[i] = sh.id
	}
	return ids, nil
}

func (l *MemoryLog) StartCursor(_ context.Context, stream, shardID string, pos StartPosition) (Cursor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sh, err := l.shard(stream, shardID)
	if err != nil {
		return Cursor{}, err
	}

	offset := sh.base
	if pos == Newest {
		offset = sh.base + int64(len(sh.records))
	}
	return Cursor{ShardID: shardID, Position: strconv.FormatInt(offset, 10)}, nil
}

func (l *MemoryLog) ReadFrom(_ context.Context, stream string, cur Cursor, max int) ([]Record, Cursor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sh, err := l.shard(stream, cur.ShardID)
	if err != nil {
		return nil, cur, err
	}

	offset, err := strconv.ParseInt(cur.Position, 10, 64)
	if err != nil {
		return nil, cur, fmt.Errorf("invalid position %q: %w", cur.Position, err)
	}
	if offset < sh.base {
		return nil, cur, fmt.Errorf("%w: %s offset %d, oldest %d", ErrCursorExpired, cur.ShardID, offset, sh.base)
	}

	start := int(offset - sh.base)
	if start > len(sh.records) {
		start = len(sh.records)
	}
	end := len(sh.records)
	if max > 0 && start+max < end {
		end = start + max
	}

	out := make([]Record, end-start)
	copy(out, sh.records[start:end])

	next := cur
	next.Position = strconv.FormatInt(sh.base+int64(end), 10)
	return out, next, nil
}

func (l *MemoryLog) Write(_ context.Context, stream, partitionKey string, payload []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[stream]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, stream)
	}

	h := fnv.New32a()
	h.Write([]byte(partitionKey))
	sh := s.shards[int(h.Sum32()%uint32(len(s.shards)))]

	offset := sh.base + int64(len(sh.records))
	sh.records = append(sh.records, Record{
		ShardID:    sh.id,
		Position:   strconv.FormatInt(offset, 10),
		Key:        partitionKey,
		Payload:    append([]byte(nil), payload...),
		AppendedAt: l.now(),
	})
	return sh.id + ":" + strconv.FormatInt(offset, 10), nil
}

// Trim drops every record of the shard below offset.
func (l *MemoryLog) Trim(stream, shardID string, offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sh, err := l.shard(stream, shardID)
	if err != nil {
		return err
	}
	if offset <= sh.base {
		return nil
	}
	drop := int(offset - sh.base)
	if drop > len(sh.records) {
		drop = len(sh.records)
	}
	sh.records = append([]Record(nil), sh.records[drop:]...)
	sh.base += int64(drop)
	return nil
}

// Records returns a copy of every retained record of the stream, shard by
// shard in append order.
func (l *MemoryLog) Records(stream string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[stream]
	if !ok {
		return nil
	}
	var out []Record
	for _, sh := range s.shards {
		out = append(out, sh.records...)
	}
	return out
}

func (l *MemoryLog) shard(stream, shardID string) (*memShard, error) {
	s, ok := l.streams[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, stream)
	}
	for _, sh := range s.shards {
		if sh.id == shardID {
			return sh, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, stream, shardID)
}
