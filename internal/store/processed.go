package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedSet records request ids that were already acted on.
// MarkProcessed is an atomic check-then-insert: among concurrent callers for
// the same id exactly one gets true.
type ProcessedSet interface {
	MarkProcessed(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	Contains(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// MemoryProcessed is an unbounded in-memory set.
type MemoryProcessed struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func NewMemoryProcessed() *MemoryProcessed {
	return &MemoryProcessed{ids: make(map[string]time.Time)}
}

func (m *MemoryProcessed) MarkProcessed(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return false, nil
	}
	m.ids[id] = time.Now()
	return true, nil
}

func (m *MemoryProcessed) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, id)
	return nil
}

func (m *MemoryProcessed) Contains(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok, nil
}

func (m *MemoryProcessed) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids), nil
}

// RedisProcessed keeps processed ids as keys without expiry.
type RedisProcessed struct {
	client *redis.Client
	prefix string
}

func NewRedisProcessed(client *redis.Client, prefix string) *RedisProcessed {
	if prefix == "" {
		prefix = "relay:processed:"
	}
	return &RedisProcessed{client: client, prefix: prefix}
}

func (r *RedisProcessed) MarkProcessed(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+id, time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", id, err)
	}
	return ok, nil
}

func (r *RedisProcessed) Release(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}

func (r *RedisProcessed) Contains(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", id, err)
	}
	return n > 0, nil
}

func (r *RedisProcessed) Len(ctx context.Context) (int, error) {
	return countKeys(ctx, r.client, r.prefix)
}

// PostgresProcessed keeps processed ids in a table with a primary key, so the
// insert itself is the atomic guard.
type PostgresProcessed struct {
	db    *sql.DB
	table string
}

func NewPostgresProcessed(db *sql.DB) *PostgresProcessed {
	return &PostgresProcessed{db: db, table: "relay_processed_requests"}
}

// EnsureSchema creates the table if needed.
func (p *PostgresProcessed) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
		request_id   TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresProcessed) MarkProcessed(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.table+` (request_id) VALUES ($1) ON CONFLICT (request_id) DO NOTHING`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresProcessed) Release(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM `+p.table+` WHERE request_id = $1`, id); err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}

func (p *PostgresProcessed) Contains(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+p.table+` WHERE request_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	return exists, nil
}

func (p *PostgresProcessed) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM `+p.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", p.table, err)
	}
	return n, nil
}
