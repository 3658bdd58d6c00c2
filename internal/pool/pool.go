package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JoshuaShaver/medplum/internal/metrics"
)

// Mode selects between the primary endpoint of a shard and its replicas.
type Mode string

const (
	// Writer routes to the strongly consistent primary endpoint.
	Writer Mode = "writer"
	// Reader routes to a possibly stale replica endpoint.
	Reader Mode = "reader"
)

var (
	// ErrPoolExhausted is returned when the connection ceiling is reached
	// and the caller's wait exceeded its budget.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrCrossShardViolation is returned when a connection tagged for one
	// shard is used against another. This is a programming error and is
	// never swallowed.
	ErrCrossShardViolation = errors.New("cross-shard connection use")

	// ErrUnknownShard is returned for shard ids with no configuration.
	ErrUnknownShard = errors.New("unknown shard")

	// ErrRegistryClosed is returned after Shutdown.
	ErrRegistryClosed = errors.New("pool registry closed")
)

// ShardPool wraps a pgx pool with the shard it belongs to. Every
// connection checked out of it carries the same tag, which prevents
// cross-shard query leakage.
type ShardPool struct {
	shardID        string
	mode           Mode
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	metrics        *metrics.Metrics
}

// ShardID returns the shard this pool belongs to.
func (p *ShardPool) ShardID() string {
	return p.shardID
}

// Mode returns whether this pool fronts the writer or a reader endpoint.
func (p *ShardPool) Mode() Mode {
	return p.mode
}

// Acquire checks out a tagged connection, waiting at most the configured
// acquire timeout. An exhausted pool surfaces backpressure as
// ErrPoolExhausted; caller-initiated cancellation is passed through
// unchanged so it stays distinguishable.
func (p *ShardPool) Acquire(ctx context.Context) (*Conn, error) {
	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := p.pool.Acquire(acquireCtx)
	if p.metrics != nil {
		p.metrics.PoolAcquireDuration.WithLabelValues(p.shardID, string(p.mode)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			if p.metrics != nil {
				p.metrics.PoolExhaustedTotal.WithLabelValues(p.shardID, string(p.mode)).Inc()
			}
			return nil, fmt.Errorf("acquire on shard %q: %w", p.shardID, ErrPoolExhausted)
		}
		return nil, fmt.Errorf("acquire on shard %q: %w", p.shardID, err)
	}

	if p.metrics != nil {
		p.metrics.PoolAcquiresTotal.WithLabelValues(p.shardID, string(p.mode)).Inc()
	}
	return &Conn{conn: conn, shardID: p.shardID}, nil
}

// Ping verifies the endpoint behind the pool is reachable.
func (p *ShardPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close drains and closes the pool, blocking until checked-out
// connections are released.
func (p *ShardPool) Close() {
	p.pool.Close()
}

// Conn is a pooled connection tagged with its owning shard. Release must
// be called on every exit path.
type Conn struct {
	conn    *pgxpool.Conn
	shardID string
}

// ShardID returns the shard this connection is tagged with.
func (c *Conn) ShardID() string {
	return c.shardID
}

// Verify fails fast when the handle is about to be used against a
// different shard than the one it was checked out for.
func (c *Conn) Verify(shardID string) error {
	if shardID != c.shardID {
		return fmt.Errorf("connection tagged for shard %q used against shard %q: %w",
			c.shardID, shardID, ErrCrossShardViolation)
	}
	return nil
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	c.conn.Release()
}

// Begin starts a transaction on the tagged connection.
func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.conn.Begin(ctx)
}

// Exec runs a statement on the tagged connection.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

// Query runs a query on the tagged connection.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query on the tagged connection.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}
