package shard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/metrics"
	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/repo"
	"github.com/JoshuaShaver/medplum/internal/store"
)

// ErrShardResolutionFailed is returned when a project has no shard
// descriptor and no default shard is configured.
var ErrShardResolutionFailed = errors.New("shard resolution failed")

// Directory resolves a project to its physical shard. The authoritative
// project record lives in the global shard; projects on a non-global
// shard additionally carry a mirrored projection there, which is the copy
// handed back to callers for locality.
type Directory struct {
	global         *repo.Repository
	provider       repo.Provider
	cache          store.Cache
	cacheTTL       time.Duration
	defaultShardID string
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// Resolution is the result of resolving a project reference.
type Resolution struct {
	Project *model.Project
	ShardID string
}

// NewDirectory creates a shard directory. defaultShardID is the
// configured policy for projects without a shard descriptor; it may be
// empty, in which case such projects fail to resolve.
func NewDirectory(
	global *repo.Repository,
	provider repo.Provider,
	cache store.Cache,
	cacheTTL time.Duration,
	defaultShardID string,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Directory {
	return &Directory{
		global:         global,
		provider:       provider,
		cache:          cache,
		cacheTTL:       cacheTTL,
		defaultShardID: defaultShardID,
		logger:         logger,
		metrics:        m,
	}
}

// Resolve reads the project from the global shard and returns it together
// with its shard id. When the project lives on the global shard the
// global record is already authoritative and no second lookup happens;
// otherwise the shard-local mirror is read and returned.
func (d *Directory) Resolve(ctx context.Context, projectRef model.Reference) (*Resolution, error) {
	res, err := d.global.ReadReference(ctx, projectRef, model.ProjectResourceType)
	if err != nil {
		return nil, err
	}
	project, err := model.ProjectFromResource(res)
	if err != nil {
		return nil, err
	}

	shardID, err := d.shardIDFor(project)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("Resolved project shard",
		zap.String("project_id", project.ID),
		zap.String("shard_id", shardID))

	if shardID == model.GlobalShardID {
		return &Resolution{Project: project, ShardID: shardID}, nil
	}

	localRes, err := d.provider.SystemRepository(shardID).ReadReference(ctx, projectRef, model.ProjectResourceType)
	if err != nil {
		return nil, fmt.Errorf("shard-local project mirror on %q: %w", shardID, err)
	}
	local, err := model.ProjectFromResource(localRes)
	if err != nil {
		return nil, err
	}
	return &Resolution{Project: local, ShardID: shardID}, nil
}

// ResolveShardID resolves just the shard id for a project, consulting the
// TTL cache first. The cache holds shard ids, never pool handles, so a
// stale entry can never route a write to the wrong shard.
func (d *Directory) ResolveShardID(ctx context.Context, projectID string) (string, error) {
	cacheKey := "project-shard:" + projectID
	if cached, err := d.cache.Get(ctx, cacheKey); err == nil && cached != "" {
		if d.metrics != nil {
			d.metrics.ShardCacheHits.Inc()
		}
		return cached, nil
	}
	if d.metrics != nil {
		d.metrics.ShardCacheMisses.Inc()
	}

	res, err := d.global.Read(ctx, model.ProjectResourceType, projectID)
	if err != nil {
		return "", err
	}
	project, err := model.ProjectFromResource(res)
	if err != nil {
		return "", err
	}
	shardID, err := d.shardIDFor(project)
	if err != nil {
		return "", err
	}

	if err := d.cache.Set(ctx, cacheKey, shardID, d.cacheTTL); err != nil {
		d.logger.Warn("Failed to cache shard resolution",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
	return shardID, nil
}

// Invalidate drops a project's cached shard id, for use after
// administrative shard changes.
func (d *Directory) Invalidate(ctx context.Context, projectID string) {
	if err := d.cache.Delete(ctx, "project-shard:"+projectID); err != nil {
		d.logger.Warn("Failed to invalidate shard cache",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
}

// shardIDFor applies the resolution policy: the first shard descriptor is
// authoritative, and projects without one fall back to the configured
// default.
func (d *Directory) shardIDFor(project *model.Project) (string, error) {
	if len(project.Shard) > 0 {
		return project.Shard[0].ID, nil
	}
	if d.defaultShardID == "" {
		return "", fmt.Errorf("project %q has no shard descriptor and no default shard is configured: %w",
			project.ID, ErrShardResolutionFailed)
	}
	return d.defaultShardID, nil
}
