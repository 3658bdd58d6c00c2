package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JoshuaShaver/medplum/internal/config"
	"github.com/JoshuaShaver/medplum/internal/metrics"
)

// Registry maintains one writer pool and zero or more reader pools per
// configured shard. Pools are created lazily on first use and cached for
// the process lifetime; Shutdown drains and closes all of them. The
// registry is an explicit constructed object passed by reference, not
// ambient global state.
type Registry struct {
	mu      sync.RWMutex
	shards  map[string]config.ShardConfig
	writers map[string]*ShardPool
	readers map[string][]*ShardPool
	policy  ReaderPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
	closed  bool
}

// NewRegistry creates a pool registry over the configured shards.
func NewRegistry(shards []config.ShardConfig, policy ReaderPolicy, logger *zap.Logger, m *metrics.Metrics) *Registry {
	byID := make(map[string]config.ShardConfig, len(shards))
	for _, s := range shards {
		byID[s.ID] = s
	}
	if policy == nil {
		policy = NewReaderPolicy("round_robin")
	}
	return &Registry{
		shards:  byID,
		writers: make(map[string]*ShardPool),
		readers: make(map[string][]*ShardPool),
		policy:  policy,
		logger:  logger,
		metrics: m,
	}
}

// GetPool returns the pool for the given shard and mode. Reader requests
// against a shard with no configured replicas transparently fall back to
// the shard's writer pool.
func (r *Registry) GetPool(shardID string, mode Mode) (*ShardPool, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrRegistryClosed
	}
	if mode == Writer {
		if p, ok := r.writers[shardID]; ok {
			r.mu.RUnlock()
			return p, nil
		}
	} else if pools, ok := r.readers[shardID]; ok {
		p := r.pickReader(shardID, pools)
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	cfg, ok := r.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("shard %q: %w", shardID, ErrUnknownShard)
	}

	if mode == Writer {
		return r.writerLocked(cfg)
	}
	return r.readersLocked(cfg)
}

// writerLocked lazily creates and caches the writer pool for a shard.
func (r *Registry) writerLocked(cfg config.ShardConfig) (*ShardPool, error) {
	if p, ok := r.writers[cfg.ID]; ok {
		return p, nil
	}
	p, err := r.newPool(cfg.ID, Writer, cfg.Writer)
	if err != nil {
		return nil, err
	}
	r.writers[cfg.ID] = p
	r.logger.Info("Created writer pool",
		zap.String("shard_id", cfg.ID),
		zap.String("host", cfg.Writer.Host),
		zap.Int("max_conns", cfg.Writer.MaxConns))
	return p, nil
}

// readersLocked lazily creates the reader pools for a shard and picks one.
func (r *Registry) readersLocked(cfg config.ShardConfig) (*ShardPool, error) {
	if len(cfg.Readers) == 0 {
		// No replicas configured: reader requests run on the writer.
		if r.metrics != nil {
			r.metrics.ReaderFallbacksTotal.WithLabelValues(cfg.ID).Inc()
		}
		r.logger.Debug("No reader pool configured, falling back to writer",
			zap.String("shard_id", cfg.ID))
		return r.writerLocked(cfg)
	}

	pools, ok := r.readers[cfg.ID]
	if !ok {
		pools = make([]*ShardPool, 0, len(cfg.Readers))
		for i, endpoint := range cfg.Readers {
			p, err := r.newPool(cfg.ID, Reader, endpoint)
			if err != nil {
				return nil, fmt.Errorf("reader %d: %w", i, err)
			}
			pools = append(pools, p)
		}
		r.readers[cfg.ID] = pools
		r.logger.Info("Created reader pools",
			zap.String("shard_id", cfg.ID),
			zap.Int("replicas", len(pools)))
	}
	return r.pickReader(cfg.ID, pools), nil
}

func (r *Registry) pickReader(shardID string, pools []*ShardPool) *ShardPool {
	i := r.policy.Next(len(pools))
	if i < 0 || i >= len(pools) {
		i = 0
	}
	r.logger.Debug("Selected reader pool",
		zap.String("shard_id", shardID),
		zap.Int("replica", i))
	return pools[i]
}

func (r *Registry) newPool(shardID string, mode Mode, endpoint config.EndpointConfig) (*ShardPool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		endpoint.Host, endpoint.Port, endpoint.Database, endpoint.User, endpoint.Password,
		endpoint.MaxConns, endpoint.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string for shard %q: %w", shardID, err)
	}
	if endpoint.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = endpoint.ConnMaxLifetime
	}

	pgPool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for shard %q: %w", shardID, err)
	}

	return &ShardPool{
		shardID:        shardID,
		mode:           mode,
		pool:           pgPool,
		acquireTimeout: endpoint.AcquireTimeout,
		metrics:        r.metrics,
	}, nil
}

// Ping verifies the writer endpoint of a shard is reachable.
func (r *Registry) Ping(ctx context.Context, shardID string) error {
	p, err := r.GetPool(shardID, Writer)
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

// ShardIDs returns the configured shard ids.
func (r *Registry) ShardIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.shards))
	for id := range r.shards {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown drains and closes every pool. The registry rejects further
// GetPool calls once shutdown begins.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pools := make([]*ShardPool, 0, len(r.writers))
	for _, p := range r.writers {
		pools = append(pools, p)
	}
	for _, rs := range r.readers {
		pools = append(pools, rs...)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			p.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.logger.Info("Pool registry shut down", zap.Int("pools_closed", len(pools)))
	return nil
}
