package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
)

func testResource(id, versionID, content string) *model.Resource {
	return &model.Resource{
		ResourceType: "Patient",
		ID:           id,
		Meta: model.Meta{
			VersionID:   versionID,
			LastUpdated: time.Now().UTC(),
		},
		Content: []byte(content),
	}
}

func TestMemoryStore_CommitAndRead(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{"name":"Alice"}`), VersionNone))

	got, err := s.ReadCurrent(ctx, pool.Writer, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Meta.VersionID)
	assert.JSONEq(t, `{"name":"Alice"}`, string(got.Content))
}

func TestMemoryStore_CreateConflict(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{}`), VersionNone))

	err := s.CommitVersion(ctx, testResource("p1", "1", `{}`), VersionNone)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{"v":1}`), VersionNone))
	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "2", `{"v":2}`), "1"))

	// A second committer that pre-read version 1 loses the race.
	err := s.CommitVersion(ctx, testResource("p1", "2", `{"v":"2b"}`), "1")
	assert.ErrorIs(t, err, ErrVersionConflict)

	// The losing commit mutated nothing.
	got, err := s.ReadCurrent(ctx, pool.Writer, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Meta.VersionID)
}

func TestMemoryStore_CommitOnMissingIdentity(t *testing.T) {
	s := NewMemoryResourceStore("s0")

	err := s.CommitVersion(context.Background(), testResource("ghost", "2", `{}`), "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_HistoryOrder(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{"v":1}`), VersionNone))
	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "2", `{"v":2}`), "1"))
	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "3", `{"v":3}`), "2"))

	history, err := s.History(ctx, "Patient", "p1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "1", history[0].Meta.VersionID)
	assert.Equal(t, "3", history[2].Meta.VersionID)
}

func TestMemoryStore_ReadVersion(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{"v":1}`), VersionNone))
	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "2", `{"v":2}`), "1"))

	got, err := s.ReadVersion(ctx, "Patient", "p1", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.Content))

	_, err = s.ReadVersion(ctx, "Patient", "p1", "9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_VersionsAreImmutable(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{"name":"Alice"}`), VersionNone))

	got, err := s.ReadCurrent(ctx, pool.Writer, "Patient", "p1")
	require.NoError(t, err)
	got.Content[2] = 'X'

	again, err := s.ReadCurrent(ctx, pool.Writer, "Patient", "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Alice"}`, string(again.Content))
}

func TestMemoryStore_SearchFilters(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	alice := testResource("p1", "1", `{"name":"Alice","active":true}`)
	alice.Meta.Compartments = []string{"Project/proj-a"}
	bob := testResource("p2", "1", `{"name":"Bob","active":false}`)
	bob.Meta.Compartments = []string{"Project/proj-b"}
	require.NoError(t, s.CommitVersion(ctx, alice, VersionNone))
	require.NoError(t, s.CommitVersion(ctx, bob, VersionNone))

	out, err := s.Search(ctx, pool.Writer, &model.SearchRequest{
		ResourceType: "Patient",
		Filters:      []model.Filter{{Param: "name", Op: model.FilterEquals, Value: "Alice"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p1", out[0].ID)

	out, err = s.Search(ctx, pool.Writer, &model.SearchRequest{
		ResourceType: "Patient",
		Filters:      []model.Filter{{Param: "name", Op: model.FilterContains, Value: "o"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p2", out[0].ID)

	out, err = s.Search(ctx, pool.Writer, &model.SearchRequest{
		ResourceType: "Patient",
		Compartment:  "Project/proj-b",
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p2", out[0].ID)
}

func TestMemoryStore_SearchExcludesTombstones(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{"name":"Alice"}`), VersionNone))
	tombstone := testResource("p1", "2", "")
	tombstone.Content = nil
	tombstone.Meta.Deleted = true
	require.NoError(t, s.CommitVersion(ctx, tombstone, "1"))

	out, err := s.Search(ctx, pool.Writer, &model.SearchRequest{ResourceType: "Patient"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryStore_SearchPaging(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"p1", "p2", "p3"} {
		res := testResource(id, "1", `{"name":"X"}`)
		res.Meta.LastUpdated = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CommitVersion(ctx, res, VersionNone))
	}

	out, err := s.Search(ctx, pool.Writer, &model.SearchRequest{
		ResourceType: "Patient",
		Count:        2,
		Offset:       1,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "p2", out[0].ID)
	assert.Equal(t, "p3", out[1].ID)
}

func TestMemoryStore_ModeCalls(t *testing.T) {
	s := NewMemoryResourceStore("s0")
	ctx := context.Background()

	require.NoError(t, s.CommitVersion(ctx, testResource("p1", "1", `{}`), VersionNone))
	_, _ = s.ReadCurrent(ctx, pool.Writer, "Patient", "p1")
	_, _ = s.Search(ctx, pool.Reader, &model.SearchRequest{ResourceType: "Patient"})

	assert.Equal(t, 1, s.ModeCalls(pool.Writer))
	assert.Equal(t, 1, s.ModeCalls(pool.Reader))
}
