// Package checkpoint persists shard cursors per consumer group.
package checkpoint

import (
	"context"
	"sync"
	"time"
)

type Checkpoint struct {
	Group     string    `json:"group"`
	Stream    string    `json:"stream"`
	ShardID   string    `json:"shard_id"`
	Position  string    `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store interface {
	// Load returns false when no checkpoint exists for the shard.
	Load(ctx context.Context, group, stream, shardID string) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// MemoryStore keeps checkpoints for the lifetime of the process only; a
// restart resumes from the configured start position.
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[key]Checkpoint
}

type key struct {
	group, stream, shard string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[key]Checkpoint)}
}

func (s *MemoryStore) Load(_ context.Context, group, stream, shardID string) (Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.cps[key{group, stream, shardID}]
	return cp, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cps[key{cp.Group, cp.Stream, cp.ShardID}] = cp
	return nil
}
