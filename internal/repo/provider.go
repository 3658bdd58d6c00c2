package repo

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/metrics"
	"github.com/JoshuaShaver/medplum/internal/pool"
	"github.com/JoshuaShaver/medplum/internal/store"
)

// Provider hands out system repositories bound to a shard. The shard
// directory uses it to read the per-shard project mirrors without knowing
// which store backs them.
type Provider interface {
	SystemRepository(shardID string) *Repository
	ProjectRepository(shardID, projectID string, readerPreferred bool) *Repository
}

// PoolProvider is the PostgreSQL-backed Provider: one system repository
// per shard, built over the shared pool registry and cached.
type PoolProvider struct {
	registry *pool.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	repos map[string]*Repository
}

// NewPoolProvider creates a provider over the given pool registry.
func NewPoolProvider(registry *pool.Registry, logger *zap.Logger, m *metrics.Metrics) *PoolProvider {
	return &PoolProvider{
		registry: registry,
		logger:   logger,
		metrics:  m,
		repos:    make(map[string]*Repository),
	}
}

// SystemRepository returns the system repository for a shard, creating it
// on first use. System repositories have no project scoping and use the
// writer pool for reads.
func (p *PoolProvider) SystemRepository(shardID string) *Repository {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.repos[shardID]; ok {
		return r
	}
	st := store.NewPostgresResourceStore(p.registry, shardID, p.logger)
	r := NewRepository(st, "", false, p.logger, p.metrics)
	p.repos[shardID] = r
	return r
}

// ProjectRepository returns a repository bound to a shard and scoped to a
// project's compartment. Pools are shared through the registry, so these
// are cheap to construct per request.
func (p *PoolProvider) ProjectRepository(shardID, projectID string, readerPreferred bool) *Repository {
	st := store.NewPostgresResourceStore(p.registry, shardID, p.logger)
	return NewRepository(st, projectID, readerPreferred, p.logger, p.metrics)
}
