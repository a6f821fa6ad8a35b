package postgres

import (
	"context"
	"errors"
	"fmt"

	"loanflow/internal/checkpoint"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CheckpointRepository stores one row per (consumer group, stream, shard).
type CheckpointRepository struct {
	pool *pgxpool.Pool
	tx   Transactor
}

func NewCheckpointRepository(pool *pgxpool.Pool) *CheckpointRepository {
	return &CheckpointRepository{pool: pool, tx: NewTxManager(pool)}
}

func (r *CheckpointRepository) db(ctx context.Context) querier {
	if tx := GetTx(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *CheckpointRepository) EnsureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS consumer_checkpoints (
			consumer_group TEXT NOT NULL,
			stream         TEXT NOT NULL,
			shard_id       TEXT NOT NULL,
			position       TEXT NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (consumer_group, stream, shard_id)
		)
	`

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

func (r *CheckpointRepository) Load(ctx context.Context, group, stream, shardID string) (checkpoint.Checkpoint, bool, error) {
	const query = `
		SELECT consumer_group, stream, shard_id, position, updated_at
		FROM consumer_checkpoints
		WHERE consumer_group = $1 AND stream = $2 AND shard_id = $3
	`

	var cp checkpoint.Checkpoint
	err := r.db(ctx).QueryRow(ctx, query, group, stream, shardID).
		Scan(&cp.Group, &cp.Stream, &cp.ShardID, &cp.Position, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, true, nil
}

func (r *CheckpointRepository) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	const query = `
		INSERT INTO consumer_checkpoints (consumer_group, stream, shard_id, position, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (consumer_group, stream, shard_id)
		DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db(ctx).Exec(ctx, query, cp.Group, cp.Stream, cp.ShardID, cp.Position, cp.UpdatedAt); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// List returns the checkpoints of a group, or of every group when group is
// empty.
func (r *CheckpointRepository) List(ctx context.Context, group string) ([]checkpoint.Checkpoint, error) {
	const query = `
		SELECT consumer_group, stream, shard_id, position, updated_at
		FROM consumer_checkpoints
		WHERE $1 = '' OR consumer_group = $1
		ORDER BY consumer_group, stream, shard_id
	`

	rows, err := r.db(ctx).Query(ctx, query, group)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []checkpoint.Checkpoint
	for rows.Next() {
		var cp checkpoint.Checkpoint
		if err := rows.Scan(&cp.Group, &cp.Stream, &cp.ShardID, &cp.Position, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}

	return cps, nil
}

// Delete removes a group's checkpoints for a stream, so its workers restart
// from the configured start position. An empty stream matches every stream.
func (r *CheckpointRepository) Delete(ctx context.Context, group, stream string) (int64, error) {
	const query = `
		DELETE FROM consumer_checkpoints
		WHERE consumer_group = $1 AND ($2 = '' OR stream = $2)
	`

	tag, err := r.db(ctx).Exec(ctx, query, group, stream)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Copy replaces the checkpoints of group to with those of group from, so a
// renamed consumer group resumes where the old one stopped.
func (r *CheckpointRepository) Copy(ctx context.Context, from, to string) (int64, error) {
	const query = `
		INSERT INTO consumer_checkpoints (consumer_group, stream, shard_id, position, updated_at)
		SELECT $2, stream, shard_id, position, updated_at
		FROM consumer_checkpoints
		WHERE consumer_group = $1
	`

	var copied int64
	err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.Delete(ctx, to, ""); err != nil {
			return err
		}
		tag, err := r.db(ctx).Exec(ctx, query, from, to)
		if err != nil {
			return fmt.Errorf("copy checkpoints: %w", err)
		}
		copied = tag.RowsAffected()
		return nil
	})
	return copied, err
}
