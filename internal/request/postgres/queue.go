// Package postgres provides a Postgres-backed request queue for crawls that
// must survive process restarts or share work across processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlpool/crawlpool/internal/request"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool backing the queue.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Queue implements request.Queue on a Postgres table. Claims use
// FOR UPDATE SKIP LOCKED so multiple crawler processes can drain the same
// table without double-claiming.
type Queue struct {
	pool  querier
	table string
}

// NewQueue connects a Postgres-backed queue using the provided config.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "crawl_requests"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Queue{pool: pool, table: table}, nil
}

// NewQueueWithPool constructs a queue from an existing pool (primarily for
// testing).
func NewQueueWithPool(pool querier, table string) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_requests"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Queue{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (q *Queue) Close() {
	if q == nil || q.pool == nil {
		return
	}
	q.pool.Close()
}

// EnsureSchema creates the queue table if it does not exist.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	unique_key  TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	method      TEXT NOT NULL DEFAULT 'GET',
	label       TEXT NOT NULL DEFAULT '',
	depth       INT NOT NULL DEFAULT 0,
	state       TEXT NOT NULL DEFAULT 'available',
	retries     INT NOT NULL DEFAULT 0,
	no_retry    BOOLEAN NOT NULL DEFAULT FALSE,
	last_error  TEXT NOT NULL DEFAULT '',
	user_data   JSONB,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, q.table)
	if _, err := q.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

// Add inserts a request unless its unique key exists already.
func (q *Queue) Add(ctx context.Context, req *request.Request) (bool, error) {
	if req == nil || req.UniqueKey == "" {
		return false, fmt.Errorf("request with a unique key is required")
	}
	userData, err := json.Marshal(req.UserData)
	if err != nil {
		return false, fmt.Errorf("marshal user data: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (unique_key, url, method, label, depth, retries, no_retry, user_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (unique_key) DO NOTHING`, q.table)
	tag, err := q.pool.Exec(ctx, query,
		req.UniqueKey, req.URL, req.Method, req.Label, req.Depth, req.Retries, req.NoRetry, userData)
	if err != nil {
		return false, fmt.Errorf("insert request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FetchNext claims the oldest available request, skipping rows locked by
// concurrent claimants. Returns nil with no error when nothing is
// available.
func (q *Queue) FetchNext(ctx context.Context) (*request.Request, error) {
	query := fmt.Sprintf(`
UPDATE %s SET state = 'in_flight'
WHERE unique_key = (
	SELECT unique_key FROM %s
	WHERE state = 'available'
	ORDER BY enqueued_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING unique_key, url, method, label, depth, retries, no_retry, last_error, user_data, enqueued_at`,
		q.table, q.table)

	var (
		req      request.Request
		userData []byte
	)
	err := q.pool.QueryRow(ctx, query).Scan(
		&req.UniqueKey, &req.URL, &req.Method, &req.Label, &req.Depth,
		&req.Retries, &req.NoRetry, &req.LastError, &userData, &req.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim request: %w", err)
	}
	if len(userData) > 0 {
		if err := json.Unmarshal(userData, &req.UserData); err != nil {
			return nil, fmt.Errorf("unmarshal user data: %w", err)
		}
	}
	return &req, nil
}

// MarkHandled settles a claimed request for good.
func (q *Queue) MarkHandled(ctx context.Context, req *request.Request) error {
	query := fmt.Sprintf(
		`UPDATE %s SET state = 'handled' WHERE unique_key = $1 AND state = 'in_flight'`, q.table)
	tag, err := q.pool.Exec(ctx, query, req.UniqueKey)
	if err != nil {
		return fmt.Errorf("mark handled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %q is not in flight", req.UniqueKey)
	}
	return nil
}

// Reclaim returns a claimed request to the available pool and persists the
// bumped retry count.
func (q *Queue) Reclaim(ctx context.Context, req *request.Request) error {
	query := fmt.Sprintf(`
UPDATE %s SET state = 'available', retries = retries + 1, last_error = $2
WHERE unique_key = $1 AND state = 'in_flight'`, q.table)
	tag, err := q.pool.Exec(ctx, query, req.UniqueKey, req.LastError)
	if err != nil {
		return fmt.Errorf("reclaim request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %q is not in flight", req.UniqueKey)
	}
	req.Retries++
	return nil
}

// IsEmpty reports whether no request is currently available.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	return q.noneInStates(ctx, "'available'")
}

// IsFinished reports whether nothing is available or in flight.
func (q *Queue) IsFinished(ctx context.Context) (bool, error) {
	return q.noneInStates(ctx, "'available', 'in_flight'")
}

func (q *Queue) noneInStates(ctx context.Context, states string) (bool, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE state IN (%s)`, q.table, states)
	var count int64
	if err := q.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return false, fmt.Errorf("count requests: %w", err)
	}
	return count == 0, nil
}
