package infrastructure

import (
	"context"
	"path/filepath"
	"testing"

	"loanflow/internal/checkpoint"
	"loanflow/internal/config"
	"loanflow/internal/infrastructure/kafka"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("LOG_BACKEND", "memory")
	t.Setenv("MEMORY_SHARDS", "3")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestMemoryLogHasBothStreams(t *testing.T) {
	f := NewFactory(memoryConfig(t), nil)
	defer f.Close()
	ctx := context.Background()

	l, err := f.Log(ctx)
	require.NoError(t, err)

	for _, stream := range []string{"loan.requests", "loan.status"} {
		shards, err := l.ListShards(ctx, stream)
		require.NoError(t, err)
		assert.Len(t, shards, 3)
	}

	again, err := f.Log(ctx)
	require.NoError(t, err)
	assert.Same(t, l, again)
}

func TestSharedLogRejectsMemoryBackend(t *testing.T) {
	f := NewFactory(memoryConfig(t), nil)
	defer f.Close()

	l, err := f.SharedLog(context.Background())

	require.Error(t, err)
	assert.Nil(t, l)
	assert.Contains(t, err.Error(), `"memory"`)
}

func TestSharedLogUsesKafkaByDefault(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	f := NewFactory(cfg, nil)
	defer f.Close()

	l, err := f.SharedLog(context.Background())

	require.NoError(t, err)
	assert.IsType(t, &kafka.Log{}, l)
}

func TestDefaultCheckpointsAreInMemory(t *testing.T) {
	f := NewFactory(memoryConfig(t), nil)

	store, err := f.Checkpoints(context.Background())

	require.NoError(t, err)
	assert.IsType(t, &checkpoint.MemoryStore{}, store)
}

func TestRedisOnlyWhenNotificationsConfigured(t *testing.T) {
	cfg := memoryConfig(t)
	f := NewFactory(cfg, nil)
	defer f.Close()

	client, err := f.Redis(context.Background())
	require.NoError(t, err)
	assert.Nil(t, client)

	mr := miniredis.RunT(t)
	cfg.Redis.NotificationURL = "redis://" + mr.Addr()
	f = NewFactory(cfg, nil)
	defer f.Close()

	client, err = f.Redis(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.NoError(t, client.Ping(context.Background()).Err())
}
