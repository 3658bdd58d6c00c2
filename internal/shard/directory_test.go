package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
	"github.com/JoshuaShaver/medplum/internal/repo"
	"github.com/JoshuaShaver/medplum/internal/store"
)

// memoryProvider serves repositories over in-memory stores, one per shard.
type memoryProvider struct {
	stores map[string]*store.MemoryResourceStore
	// systemCalls counts SystemRepository calls per shard so tests can
	// assert when the mirror lookup is skipped.
	systemCalls map[string]int
}

func newMemoryProvider(shardIDs ...string) *memoryProvider {
	p := &memoryProvider{
		stores:      make(map[string]*store.MemoryResourceStore),
		systemCalls: make(map[string]int),
	}
	for _, id := range shardIDs {
		p.stores[id] = store.NewMemoryResourceStore(id)
	}
	return p
}

func (p *memoryProvider) SystemRepository(shardID string) *repo.Repository {
	p.systemCalls[shardID]++
	return repo.NewRepository(p.stores[shardID], "", false, zap.NewNop(), nil)
}

func (p *memoryProvider) ProjectRepository(shardID, projectID string, readerPreferred bool) *repo.Repository {
	return repo.NewRepository(p.stores[shardID], projectID, readerPreferred, zap.NewNop(), nil)
}

type directoryFixture struct {
	directory *Directory
	global    *repo.Repository
	globalSt  *store.MemoryResourceStore
	provider  *memoryProvider
	cache     *store.InMemoryCache
}

func newDirectoryFixture(t *testing.T, defaultShardID string) *directoryFixture {
	t.Helper()
	provider := newMemoryProvider(model.GlobalShardID, "s0", "s1")
	globalSt := provider.stores[model.GlobalShardID]
	global := repo.NewRepository(globalSt, "", false, zap.NewNop(), nil)
	cache := store.NewInMemoryCache(128, zap.NewNop())

	return &directoryFixture{
		directory: NewDirectory(global, provider, cache, time.Minute, defaultShardID, zap.NewNop(), nil),
		global:    global,
		globalSt:  globalSt,
		provider:  provider,
		cache:     cache,
	}
}

// seedProject writes a project record to the global shard and, when the
// project lives elsewhere, mirrors it into that shard.
func (f *directoryFixture) seedProject(t *testing.T, id string, shardIDs ...string) model.Reference {
	t.Helper()
	ctx := context.Background()

	p := &model.Project{ID: id, Name: "test-" + id}
	for _, s := range shardIDs {
		p.Shard = append(p.Shard, model.ShardDescriptor{ID: s})
	}
	doc, err := p.Document()
	require.NoError(t, err)

	_, err = f.global.Create(ctx, model.ProjectResourceType, doc)
	require.NoError(t, err)

	if len(shardIDs) > 0 && shardIDs[0] != model.GlobalShardID {
		mirror := repo.NewRepository(f.provider.stores[shardIDs[0]], "", false, zap.NewNop(), nil)
		_, err = mirror.Create(ctx, model.ProjectResourceType, doc)
		require.NoError(t, err)
	}
	return model.NewReference(model.ProjectResourceType, id)
}

func TestResolve_DescriptorPicksFirstShard(t *testing.T) {
	f := newDirectoryFixture(t, "s0")
	ref := f.seedProject(t, "proj-1", "s1", "s0")

	res, err := f.directory.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "s1", res.ShardID)
	assert.Equal(t, "proj-1", res.Project.ID)
}

func TestResolve_NoDescriptorFallsBackToDefault(t *testing.T) {
	f := newDirectoryFixture(t, "s0")
	ref := f.seedProject(t, "proj-1")

	// Mirror by hand: the project has no descriptor but routes to s0.
	p := &model.Project{ID: "proj-1", Name: "test-proj-1"}
	doc, err := p.Document()
	require.NoError(t, err)
	mirror := repo.NewRepository(f.provider.stores["s0"], "", false, zap.NewNop(), nil)
	_, err = mirror.Create(context.Background(), model.ProjectResourceType, doc)
	require.NoError(t, err)

	res, err := f.directory.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "s0", res.ShardID)
}

func TestResolve_GlobalShardSkipsMirrorLookup(t *testing.T) {
	f := newDirectoryFixture(t, "s0")
	ref := f.seedProject(t, "proj-1", model.GlobalShardID)

	res, err := f.directory.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, model.GlobalShardID, res.ShardID)

	// No shard-local read happens for global projects.
	assert.Empty(t, f.provider.systemCalls)
}

func TestResolve_NonGlobalReadsMirror(t *testing.T) {
	f := newDirectoryFixture(t, "s0")
	ref := f.seedProject(t, "proj-1", "s1")

	res, err := f.directory.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "s1", res.ShardID)
	assert.Equal(t, 1, f.provider.systemCalls["s1"])
}

func TestResolve_MissingMirrorFails(t *testing.T) {
	f := newDirectoryFixture(t, "s0")
	ctx := context.Background()

	// Global record exists but the mirror was never provisioned.
	p := &model.Project{ID: "proj-1", Shard: []model.ShardDescriptor{{ID: "s1"}}}
	doc, err := p.Document()
	require.NoError(t, err)
	_, err = f.global.Create(ctx, model.ProjectResourceType, doc)
	require.NoError(t, err)

	_, err = f.directory.Resolve(ctx, model.NewReference(model.ProjectResourceType, "proj-1"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolve_UnknownProject(t *testing.T) {
	f := newDirectoryFixture(t, "s0")

	_, err := f.directory.Resolve(context.Background(), model.NewReference(model.ProjectResourceType, "ghost"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolve_BadReference(t *testing.T) {
	f := newDirectoryFixture(t, "s0")

	_, err := f.directory.Resolve(context.Background(), model.Reference("not-a-reference"))
	assert.ErrorIs(t, err, repo.ErrBadReference)
}

func TestResolveShardID_NoDefaultFails(t *testing.T) {
	f := newDirectoryFixture(t, "")
	f.seedProject(t, "proj-1")

	_, err := f.directory.ResolveShardID(context.Background(), "proj-1")
	assert.ErrorIs(t, err, ErrShardResolutionFailed)
}

func TestResolveShardID_CachesResult(t *testing.T) {
	f := newDirectoryFixture(t, "s0")
	f.seedProject(t, "proj-1", "s1")

	ctx := context.Background()
	shardID, err := f.directory.ResolveShardID(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", shardID)
	reads := f.globalSt.ModeCalls(pool.Writer)

	// Second resolution hits the cache instead of the global shard.
	shardID, err = f.directory.ResolveShardID(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", shardID)
	assert.Equal(t, reads, f.globalSt.ModeCalls(pool.Writer))
}

func TestResolveShardID_InvalidateForcesRefresh(t *testing.T) {
	f := newDirectoryFixture(t, "s0")
	f.seedProject(t, "proj-1", "s1")

	ctx := context.Background()
	_, err := f.directory.ResolveShardID(ctx, "proj-1")
	require.NoError(t, err)
	reads := f.globalSt.ModeCalls(pool.Writer)

	f.directory.Invalidate(ctx, "proj-1")

	_, err = f.directory.ResolveShardID(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, reads+1, f.globalSt.ModeCalls(pool.Writer))
}
