package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/metrics"
	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
	"github.com/JoshuaShaver/medplum/internal/store"
)

// Repository is the per-shard, per-mode façade over one shard's resource
// store. It owns the versioning protocol: optimistic concurrency, no-op
// write detection, compartment recomputation and tombstones. A resource's
// shard is fixed at creation; every later operation on it routes through a
// repository bound to that same shard.
type Repository struct {
	store           store.ResourceStore
	projectID       string
	readerPreferred bool
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// UpdateOptions carries the optional concurrency precondition and the
// upsert policy for Update.
type UpdateOptions struct {
	// IfMatchVersion, when set, must equal the current version id or the
	// update fails with ErrPreconditionFailed.
	IfMatchVersion string
	// Upsert permits Update to create the identity when it does not exist.
	Upsert bool
}

// NewRepository creates a repository over the given store. projectID, when
// non-empty, scopes compartments and searches to that tenant.
// readerPreferred opts searches into replica reads.
func NewRepository(st store.ResourceStore, projectID string, readerPreferred bool, logger *zap.Logger, m *metrics.Metrics) *Repository {
	return &Repository{
		store:           st,
		projectID:       projectID,
		readerPreferred: readerPreferred,
		logger:          logger,
		metrics:         m,
	}
}

// NewGlobalRepository creates a system repository permanently bound to the
// global shard, used for project, membership and login records that must
// be addressable before a tenant's data shard is known.
func NewGlobalRepository(registry *pool.Registry, logger *zap.Logger, m *metrics.Metrics) *Repository {
	st := store.NewPostgresResourceStore(registry, model.GlobalShardID, logger)
	return NewRepository(st, "", false, logger, m)
}

// ShardID returns the shard this repository is bound to.
func (r *Repository) ShardID() string {
	return r.store.ShardID()
}

// Create writes version 1 of a new resource. Creation is a write, so it
// always executes against the writer pool regardless of read preference.
// A missing id is assigned; compartment and account tags are computed.
func (r *Repository) Create(ctx context.Context, resourceType string, doc json.RawMessage) (res *model.Resource, err error) {
	defer r.observe("create", pool.Writer, time.Now(), &err)

	id := documentID(doc)
	if id == "" {
		id = uuid.New().String()
	}

	res, err = r.newVersion(resourceType, id, doc, 1)
	if err != nil {
		return nil, err
	}

	if err = r.store.CommitVersion(ctx, res, store.VersionNone); err != nil {
		return nil, err
	}

	r.logger.Debug("Created resource",
		zap.String("shard_id", r.ShardID()),
		zap.String("resource_type", resourceType),
		zap.String("id", id))
	return res, nil
}

// Read returns the current version. A tombstoned identity fails with
// ErrGone, distinct from store.ErrNotFound.
func (r *Repository) Read(ctx context.Context, resourceType, id string) (res *model.Resource, err error) {
	defer r.observe("read", pool.Writer, time.Now(), &err)

	res, err = r.store.ReadCurrent(ctx, pool.Writer, resourceType, id)
	if err != nil {
		return nil, err
	}
	if res.Meta.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrGone)
	}
	return res, nil
}

// ReadVersion returns a specific historical version. Versions before a
// delete remain readable; the tombstone version itself reads as gone.
func (r *Repository) ReadVersion(ctx context.Context, resourceType, id, versionID string) (res *model.Resource, err error) {
	defer r.observe("vread", pool.Writer, time.Now(), &err)

	res, err = r.store.ReadVersion(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, err
	}
	if res.Meta.Deleted {
		return nil, fmt.Errorf("%s/%s version %s: %w", resourceType, id, versionID, ErrGone)
	}
	return res, nil
}

// ReadReference reads the resource a reference points at. wantType, when
// non-empty, must match the reference's type.
func (r *Repository) ReadReference(ctx context.Context, ref model.Reference, wantType string) (*model.Resource, error) {
	resourceType, id, err := ref.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReference, err)
	}
	if wantType != "" && resourceType != wantType {
		return nil, fmt.Errorf("%w: reference %q is not of type %q", ErrBadReference, ref, wantType)
	}
	return r.Read(ctx, resourceType, id)
}

// Update appends a new version under optimistic concurrency. A document
// semantically identical to the current version is a no-op returning the
// unchanged current version: the version counter does not advance.
func (r *Repository) Update(ctx context.Context, resourceType, id string, doc json.RawMessage, opts UpdateOptions) (res *model.Resource, err error) {
	defer r.observe("update", pool.Writer, time.Now(), &err)

	current, err := r.store.ReadCurrent(ctx, pool.Writer, resourceType, id)
	if errors.Is(err, store.ErrNotFound) {
		if opts.IfMatchVersion != "" {
			return nil, err
		}
		if !opts.Upsert {
			return nil, err
		}
		return r.upsertCreate(ctx, resourceType, id, doc)
	}
	if err != nil {
		return nil, err
	}

	return r.advance(ctx, current, doc, opts.IfMatchVersion)
}

// upsertCreate handles update-as-create when the policy permits it.
func (r *Repository) upsertCreate(ctx context.Context, resourceType, id string, doc json.RawMessage) (*model.Resource, error) {
	res, err := r.newVersion(resourceType, id, doc, 1)
	if err != nil {
		return nil, err
	}
	if err := r.store.CommitVersion(ctx, res, store.VersionNone); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a create race after the pre-read; the caller raced
			// another writer, same as a stale token.
			return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrPreconditionFailed)
		}
		return nil, err
	}
	return res, nil
}

// advance runs the shared version-advance path for update and patch.
func (r *Repository) advance(ctx context.Context, current *model.Resource, doc json.RawMessage, ifMatchVersion string) (*model.Resource, error) {
	resourceType, id := current.ResourceType, current.ID

	if current.Meta.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrGone)
	}
	if ifMatchVersion != "" && ifMatchVersion != current.Meta.VersionID {
		r.countConflict(resourceType)
		return nil, fmt.Errorf("%s/%s: expected version %s, current is %s: %w",
			resourceType, id, ifMatchVersion, current.Meta.VersionID, ErrPreconditionFailed)
	}

	canonical, _, err := canonicalize(doc, resourceType, id)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(canonical, current.Content) {
		// Identical content: a self-loop with no version increment.
		if r.metrics != nil {
			r.metrics.NoopWritesTotal.WithLabelValues(resourceType).Inc()
		}
		r.logger.Debug("Skipped no-op write",
			zap.String("resource_type", resourceType),
			zap.String("id", id),
			zap.String("version", current.Meta.VersionID))
		return current, nil
	}

	currentVersion, err := model.ParseVersionID(current.Meta.VersionID)
	if err != nil {
		return nil, fmt.Errorf("corrupt version chain for %s/%s: %w", resourceType, id, err)
	}
	res, err := r.newVersion(resourceType, id, doc, currentVersion+1)
	if err != nil {
		return nil, err
	}

	if err := r.store.CommitVersion(ctx, res, current.Meta.VersionID); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			r.countConflict(resourceType)
			return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrPreconditionFailed)
		}
		return nil, err
	}
	return res, nil
}

// Patch applies a structural patch to the current version's document and
// re-runs the same version-advance path as Update.
func (r *Repository) Patch(ctx context.Context, resourceType, id string, ops []model.PatchOperation) (res *model.Resource, err error) {
	defer r.observe("patch", pool.Writer, time.Now(), &err)

	current, err := r.store.ReadCurrent(ctx, pool.Writer, resourceType, id)
	if err != nil {
		return nil, err
	}
	if current.Meta.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrGone)
	}

	patched, err := applyPatch(current.Content, ops)
	if err != nil {
		return nil, err
	}
	if err := checkPatchedIdentity(patched, resourceType, id); err != nil {
		return nil, err
	}

	return r.advance(ctx, current, patched, "")
}

// Delete appends a tombstone version. Subsequent reads return ErrGone;
// earlier versions stay readable through history. Deleting a deleted
// identity is a no-op: there is no transition out of the deleted state.
func (r *Repository) Delete(ctx context.Context, resourceType, id string) (err error) {
	defer r.observe("delete", pool.Writer, time.Now(), &err)

	current, err := r.store.ReadCurrent(ctx, pool.Writer, resourceType, id)
	if err != nil {
		return err
	}
	if current.Meta.Deleted {
		return nil
	}

	currentVersion, err := model.ParseVersionID(current.Meta.VersionID)
	if err != nil {
		return fmt.Errorf("corrupt version chain for %s/%s: %w", resourceType, id, err)
	}

	tombstone := &model.Resource{
		ResourceType: resourceType,
		ID:           id,
		Meta: model.Meta{
			VersionID:    model.FormatVersionID(currentVersion + 1),
			LastUpdated:  time.Now().UTC(),
			Project:      current.Meta.Project,
			Compartments: current.Meta.Compartments,
			Deleted:      true,
		},
	}

	if err := r.store.CommitVersion(ctx, tombstone, current.Meta.VersionID); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			r.countConflict(resourceType)
			return fmt.Errorf("%s/%s: %w", resourceType, id, ErrPreconditionFailed)
		}
		return err
	}

	r.logger.Debug("Deleted resource",
		zap.String("shard_id", r.ShardID()),
		zap.String("resource_type", resourceType),
		zap.String("id", id),
		zap.String("tombstone_version", tombstone.Meta.VersionID))
	return nil
}

// Search runs a read-only query. The pool is chosen exactly once per call:
// the reader pool when this repository prefers replicas and the request
// carries no strict-consistency flag, the writer pool otherwise. A search
// never fans out across writer and reader.
func (r *Repository) Search(ctx context.Context, req *model.SearchRequest) (out []*model.Resource, err error) {
	mode := pool.Writer
	if r.readerPreferred && !req.Strict {
		mode = pool.Reader
	}
	defer r.observe("search", mode, time.Now(), &err)

	scoped := *req
	if r.projectID != "" && scoped.Compartment == "" {
		scoped.Compartment = "Project/" + r.projectID
	}

	r.logger.Debug("Routing search",
		zap.String("shard_id", r.ShardID()),
		zap.String("resource_type", req.ResourceType),
		zap.String("mode", string(mode)),
		zap.Bool("strict", req.Strict))

	return r.store.Search(ctx, mode, &scoped)
}

// History returns the full ordered version chain for one identity,
// tombstones included.
func (r *Repository) History(ctx context.Context, resourceType, id string) (out []*model.Resource, err error) {
	defer r.observe("history", pool.Writer, time.Now(), &err)

	out, err = r.store.History(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, store.ErrNotFound)
	}
	return out, nil
}

// newVersion builds one canonical resource version with derived tags.
func (r *Repository) newVersion(resourceType, id string, doc json.RawMessage, version int64) (*model.Resource, error) {
	canonical, accounts, err := canonicalize(doc, resourceType, id)
	if err != nil {
		return nil, err
	}
	return &model.Resource{
		ResourceType: resourceType,
		ID:           id,
		Meta: model.Meta{
			VersionID:    model.FormatVersionID(version),
			LastUpdated:  time.Now().UTC(),
			Project:      r.projectID,
			Compartments: computeCompartments(r.projectID, accounts),
			Accounts:     accounts,
		},
		Content: canonical,
	}, nil
}

func (r *Repository) countConflict(resourceType string) {
	if r.metrics != nil {
		r.metrics.VersionConflictsTotal.WithLabelValues(resourceType).Inc()
	}
}

func (r *Repository) observe(op string, mode pool.Mode, start time.Time, err *error) {
	if r.metrics == nil {
		return
	}
	r.metrics.OperationDuration.WithLabelValues(op, r.ShardID()).Observe(time.Since(start).Seconds())
	if *err != nil {
		r.metrics.OperationErrors.WithLabelValues(op, errorType(*err)).Inc()
		return
	}
	r.metrics.OperationsTotal.WithLabelValues(op, r.ShardID(), string(mode)).Inc()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrGone):
		return "gone"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrBadReference):
		return "bad_reference"
	case errors.Is(err, ErrBadPatch):
		return "bad_patch"
	case errors.Is(err, ErrInvalidResource):
		return "invalid_resource"
	case errors.Is(err, pool.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, pool.ErrCrossShardViolation):
		return "cross_shard_violation"
	default:
		return "internal"
	}
}
