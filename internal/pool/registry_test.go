package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/config"
)

func testShards() []config.ShardConfig {
	endpoint := func(host string) config.EndpointConfig {
		return config.EndpointConfig{
			Host:     host,
			Port:     5432,
			Database: "medplum_test",
			User:     "medplum",
			MaxConns: 2,
			MinConns: 0,
		}
	}
	return []config.ShardConfig{
		{ID: "global", Writer: endpoint("db-global")},
		{ID: "s0", Writer: endpoint("db-s0")},
		{
			ID:     "s1",
			Writer: endpoint("db-s1"),
			Readers: []config.EndpointConfig{
				endpoint("db-s1-ro-a"),
				endpoint("db-s1-ro-b"),
			},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testShards(), NewReaderPolicy("round_robin"), zap.NewNop(), nil)
	t.Cleanup(func() {
		_ = r.Shutdown(context.Background())
	})
	return r
}

func TestRegistry_WriterPoolIsCached(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.GetPool("s0", Writer)
	require.NoError(t, err)
	second, err := r.GetPool("s0", Writer)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "s0", first.ShardID())
	assert.Equal(t, Writer, first.Mode())
}

func TestRegistry_ReaderFallsBackToWriter(t *testing.T) {
	r := newTestRegistry(t)

	writer, err := r.GetPool("s0", Writer)
	require.NoError(t, err)

	// s0 has no replicas configured: reader requests run on the writer
	// pool, transparently.
	reader, err := r.GetPool("s0", Reader)
	require.NoError(t, err)
	assert.Same(t, writer, reader)
}

func TestRegistry_ReaderRoundRobin(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.GetPool("s1", Reader)
	require.NoError(t, err)
	second, err := r.GetPool("s1", Reader)
	require.NoError(t, err)
	third, err := r.GetPool("s1", Reader)
	require.NoError(t, err)

	assert.Equal(t, Reader, first.Mode())
	assert.NotSame(t, first, second)
	assert.Same(t, first, third)

	// Readers never alias the writer when replicas are configured.
	writer, err := r.GetPool("s1", Writer)
	require.NoError(t, err)
	assert.NotSame(t, writer, first)
	assert.NotSame(t, writer, second)
}

func TestRegistry_UnknownShard(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetPool("nope", Writer)
	assert.ErrorIs(t, err, ErrUnknownShard)
}

func TestRegistry_RejectsUseAfterShutdown(t *testing.T) {
	r := NewRegistry(testShards(), nil, zap.NewNop(), nil)

	_, err := r.GetPool("s0", Writer)
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))

	_, err = r.GetPool("s0", Writer)
	assert.ErrorIs(t, err, ErrRegistryClosed)

	// Shutdown is idempotent.
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestRegistry_ShardIDs(t *testing.T) {
	r := newTestRegistry(t)
	assert.ElementsMatch(t, []string{"global", "s0", "s1"}, r.ShardIDs())
}

func TestConn_Verify(t *testing.T) {
	conn := &Conn{shardID: "s1"}

	assert.NoError(t, conn.Verify("s1"))

	err := conn.Verify("s2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrossShardViolation)
	assert.True(t, errors.Is(err, ErrCrossShardViolation))
}
