package provision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
	"github.com/JoshuaShaver/medplum/internal/repo"
	"github.com/JoshuaShaver/medplum/internal/shard"
	"github.com/JoshuaShaver/medplum/internal/store"
)

type memoryProvider struct {
	stores map[string]*store.MemoryResourceStore
}

func newMemoryProvider(shardIDs ...string) *memoryProvider {
	p := &memoryProvider{stores: make(map[string]*store.MemoryResourceStore)}
	for _, id := range shardIDs {
		p.stores[id] = store.NewMemoryResourceStore(id)
	}
	return p
}

func (p *memoryProvider) SystemRepository(shardID string) *repo.Repository {
	return repo.NewRepository(p.stores[shardID], "", false, zap.NewNop(), nil)
}

func (p *memoryProvider) ProjectRepository(shardID, projectID string, readerPreferred bool) *repo.Repository {
	return repo.NewRepository(p.stores[shardID], projectID, readerPreferred, zap.NewNop(), nil)
}

type fixture struct {
	service  *Service
	provider *memoryProvider
	global   *repo.Repository
	globalSt *store.MemoryResourceStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := newMemoryProvider(model.GlobalShardID, "s0", "s1")
	globalSt := provider.stores[model.GlobalShardID]
	global := repo.NewRepository(globalSt, "", false, zap.NewNop(), nil)
	directory := shard.NewDirectory(global, provider,
		store.NewInMemoryCache(128, zap.NewNop()), time.Minute, "s0", zap.NewNop(), nil)

	return &fixture{
		service:  NewService(directory, global, provider, zap.NewNop()),
		provider: provider,
		global:   global,
		globalSt: globalSt,
	}
}

func TestCreateProject_MirrorsToDataShard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.service.CreateProject(ctx, "acme", "s1")
	require.NoError(t, err)
	require.Len(t, project.Shard, 1)
	assert.Equal(t, "s1", project.Shard[0].ID)

	// Authoritative copy in the global shard, projection in s1.
	_, err = f.global.Read(ctx, model.ProjectResourceType, project.ID)
	require.NoError(t, err)
	_, err = f.provider.SystemRepository("s1").Read(ctx, model.ProjectResourceType, project.ID)
	require.NoError(t, err)
	_, err = f.provider.SystemRepository("s0").Read(ctx, model.ProjectResourceType, project.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateProject_GlobalShardHasNoMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.service.CreateProject(ctx, "acme", model.GlobalShardID)
	require.NoError(t, err)

	_, err = f.global.Read(ctx, model.ProjectResourceType, project.ID)
	require.NoError(t, err)
	_, err = f.provider.SystemRepository("s0").Read(ctx, model.ProjectResourceType, project.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewPatient_PlacesPatientAndMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.service.CreateProject(ctx, "acme", "s1")
	require.NoError(t, err)
	ref := model.NewReference(model.ProjectResourceType, project.ID)

	patient, membership, err := f.service.NewPatient(ctx, ref, json.RawMessage(`{"name":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "Patient", patient.ResourceType)
	assert.Contains(t, patient.Meta.Compartments, "Project/"+project.ID)

	// Patient lives in the project's data shard, not the global shard.
	_, err = f.provider.SystemRepository("s1").Read(ctx, "Patient", patient.ID)
	require.NoError(t, err)
	_, err = f.global.Read(ctx, "Patient", patient.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Membership lives in the global shard and links both records.
	got, err := f.global.Read(ctx, model.MembershipResourceType, membership.ID)
	require.NoError(t, err)
	var m model.ProjectMembership
	require.NoError(t, json.Unmarshal(got.Content, &m))
	assert.Equal(t, ref, m.Project)
	assert.Equal(t, model.NewReference("Patient", patient.ID), m.Profile)
}

func TestNewPatient_UnknownProject(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.service.NewPatient(context.Background(),
		model.NewReference(model.ProjectResourceType, "ghost"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestResourceLifecycle runs the full provision-then-edit flow across the
// directory, the project repository and the version store.
func TestResourceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.service.CreateProject(ctx, "acme", "s1")
	require.NoError(t, err)
	ref := model.NewReference(model.ProjectResourceType, project.ID)

	patient, _, err := f.service.NewPatient(ctx, ref, json.RawMessage(`{"name":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", patient.Meta.VersionID)

	projectRepo := f.provider.ProjectRepository("s1", project.ID, false)

	// Writing back identical content leaves the version alone.
	same, err := projectRepo.Update(ctx, "Patient", patient.ID, json.RawMessage(`{"name":"Alice"}`), repo.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1", same.Meta.VersionID)

	// A real change with the right precondition advances the version.
	v2, err := projectRepo.Update(ctx, "Patient", patient.ID, json.RawMessage(`{"name":"Alice B."}`), repo.UpdateOptions{
		IfMatchVersion: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "2", v2.Meta.VersionID)

	// The now-stale precondition is rejected.
	_, err = projectRepo.Update(ctx, "Patient", patient.ID, json.RawMessage(`{"name":"Mallory"}`), repo.UpdateOptions{
		IfMatchVersion: "1",
	})
	assert.ErrorIs(t, err, repo.ErrPreconditionFailed)

	// Search in the project scope finds the patient.
	out, err := projectRepo.Search(ctx, &model.SearchRequest{ResourceType: "Patient"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, patient.ID, out[0].ID)

	require.NoError(t, projectRepo.Delete(ctx, "Patient", patient.ID))

	_, err = projectRepo.Read(ctx, "Patient", patient.ID)
	assert.ErrorIs(t, err, repo.ErrGone)

	// The pre-delete version is still readable from history.
	old, err := projectRepo.ReadVersion(ctx, "Patient", patient.ID, "2")
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(old.Content, &doc))
	assert.Equal(t, "Alice B.", doc["name"])

	// The deleted patient no longer matches searches.
	out, err = projectRepo.Search(ctx, &model.SearchRequest{ResourceType: "Patient"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNewPatient_ReaderPreferenceFollowsProjectSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed a project with the replica-read setting enabled, mirror
	// included, so NewPatient wires the preference into the repository.
	project := &model.Project{
		ResourceType: model.ProjectResourceType,
		ID:           "proj-reader",
		Name:         "reader",
		Shard:        []model.ShardDescriptor{{ID: "s1"}},
		Settings:     &model.ProjectSettings{SearchOnReader: true},
	}
	doc, err := project.Document()
	require.NoError(t, err)
	_, err = f.global.Create(ctx, model.ProjectResourceType, doc)
	require.NoError(t, err)
	_, err = f.provider.SystemRepository("s1").Create(ctx, model.ProjectResourceType, doc)
	require.NoError(t, err)

	ref := model.NewReference(model.ProjectResourceType, project.ID)
	_, _, err = f.service.NewPatient(ctx, ref, json.RawMessage(`{"name":"Alice"}`))
	require.NoError(t, err)

	// A search through the same project settings routes to the reader.
	projectRepo := f.provider.ProjectRepository("s1", project.ID, true)
	_, err = projectRepo.Search(ctx, &model.SearchRequest{ResourceType: "Patient"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.stores["s1"].ModeCalls(pool.Reader))
}
