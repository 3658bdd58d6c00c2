package store

import (
	"context"
	"errors"
	"time"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
)

var (
	// ErrNotFound is returned when an identity or version never existed.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating an identity that exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict is returned when a conditional commit loses the
	// race: the current version no longer matches the expectation.
	ErrVersionConflict = errors.New("version conflict")
)

// VersionNone is the expected-version sentinel for a commit that requires
// the identity to not exist yet.
const VersionNone = ""

// ResourceStore persists resource version chains for exactly one shard.
// CommitVersion is the single serialization point: it appends a version
// only if the current version still matches the expectation, making
// optimistic concurrency work without application-level locks.
type ResourceStore interface {
	// ShardID returns the shard this store is bound to.
	ShardID() string

	// ReadCurrent returns the current version, tombstones included.
	ReadCurrent(ctx context.Context, mode pool.Mode, resourceType, id string) (*model.Resource, error)

	// ReadVersion returns one historical version.
	ReadVersion(ctx context.Context, resourceType, id, versionID string) (*model.Resource, error)

	// History returns every version in ascending version order.
	History(ctx context.Context, resourceType, id string) ([]*model.Resource, error)

	// CommitVersion appends res as the new current version if the stored
	// current version id equals expectedVersion. VersionNone requires the
	// identity to not exist. Fails with ErrVersionConflict or
	// ErrAlreadyExists; committed versions are immutable afterwards.
	CommitVersion(ctx context.Context, res *model.Resource, expectedVersion string) error

	// Search returns current, non-deleted versions matching the request.
	// It executes against exactly one pool, chosen by mode.
	Search(ctx context.Context, mode pool.Mode, req *model.SearchRequest) ([]*model.Resource, error)

	// Ping checks connectivity to the shard's writer endpoint.
	Ping(ctx context.Context) error
}

// Cache stores shard resolution results with a bounded TTL. Values are
// shard ids, never pool handles, so a stale entry can at worst cause one
// extra metadata read and never a misrouted write.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
