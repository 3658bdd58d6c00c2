package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
)

// PostgresResourceStore implements ResourceStore for PostgreSQL. It is
// bound to one shard and routes every operation through the pool registry,
// verifying the shard tag on each checked-out connection.
type PostgresResourceStore struct {
	registry *pool.Registry
	shardID  string
	logger   *zap.Logger
}

// NewPostgresResourceStore creates a resource store bound to a shard.
func NewPostgresResourceStore(registry *pool.Registry, shardID string, logger *zap.Logger) *PostgresResourceStore {
	return &PostgresResourceStore{
		registry: registry,
		shardID:  shardID,
		logger:   logger,
	}
}

// ShardID returns the shard this store is bound to.
func (s *PostgresResourceStore) ShardID() string {
	return s.shardID
}

// acquire checks out a connection for the given mode and verifies its
// shard tag before any statement runs on it.
func (s *PostgresResourceStore) acquire(ctx context.Context, mode pool.Mode) (*pool.Conn, error) {
	p, err := s.registry.GetPool(s.shardID, mode)
	if err != nil {
		return nil, err
	}
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Verify(s.shardID); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	resource_type TEXT NOT NULL,
	id TEXT NOT NULL,
	version_id BIGINT NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	project_id TEXT,
	compartments TEXT[] NOT NULL DEFAULT '{}',
	accounts TEXT[] NOT NULL DEFAULT '{}',
	content JSONB,
	PRIMARY KEY (resource_type, id)
);

CREATE TABLE IF NOT EXISTS resource_history (
	resource_type TEXT NOT NULL,
	id TEXT NOT NULL,
	version_id BIGINT NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	project_id TEXT,
	compartments TEXT[] NOT NULL DEFAULT '{}',
	accounts TEXT[] NOT NULL DEFAULT '{}',
	content JSONB,
	PRIMARY KEY (resource_type, id, version_id)
);

CREATE INDEX IF NOT EXISTS idx_resources_compartments ON resources USING GIN (compartments);
CREATE INDEX IF NOT EXISTS idx_resources_last_updated ON resources (resource_type, last_updated);
`

// EnsureSchema creates the resource tables when they do not exist.
func (s *PostgresResourceStore) EnsureSchema(ctx context.Context) error {
	conn, err := s.acquire(ctx, pool.Writer)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema on shard %q: %w", s.shardID, err)
	}
	return nil
}

// ReadCurrent retrieves the current version, tombstones included.
func (s *PostgresResourceStore) ReadCurrent(ctx context.Context, mode pool.Mode, resourceType, id string) (*model.Resource, error) {
	conn, err := s.acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query := `
		SELECT version_id, last_updated, deleted, project_id, compartments, accounts, content
		FROM resources
		WHERE resource_type = $1 AND id = $2
	`

	res := &model.Resource{ResourceType: resourceType, ID: id}
	var versionID int64
	var projectID *string
	err = conn.QueryRow(ctx, query, resourceType, id).Scan(
		&versionID,
		&res.Meta.LastUpdated,
		&res.Meta.Deleted,
		&projectID,
		&res.Meta.Compartments,
		&res.Meta.Accounts,
		&res.Content,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", resourceType, id, err)
	}

	res.Meta.VersionID = model.FormatVersionID(versionID)
	if projectID != nil {
		res.Meta.Project = *projectID
	}
	return res, nil
}

// ReadVersion retrieves one historical version.
func (s *PostgresResourceStore) ReadVersion(ctx context.Context, resourceType, id, versionID string) (*model.Resource, error) {
	version, err := model.ParseVersionID(versionID)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}

	conn, err := s.acquire(ctx, pool.Writer)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query := `
		SELECT last_updated, deleted, project_id, compartments, accounts, content
		FROM resource_history
		WHERE resource_type = $1 AND id = $2 AND version_id = $3
	`

	res := &model.Resource{ResourceType: resourceType, ID: id}
	var projectID *string
	err = conn.QueryRow(ctx, query, resourceType, id, version).Scan(
		&res.Meta.LastUpdated,
		&res.Meta.Deleted,
		&projectID,
		&res.Meta.Compartments,
		&res.Meta.Accounts,
		&res.Content,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s version %s: %w", resourceType, id, versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s version %s: %w", resourceType, id, versionID, err)
	}

	res.Meta.VersionID = versionID
	if projectID != nil {
		res.Meta.Project = *projectID
	}
	return res, nil
}

// History retrieves every version in ascending version order.
func (s *PostgresResourceStore) History(ctx context.Context, resourceType, id string) ([]*model.Resource, error) {
	conn, err := s.acquire(ctx, pool.Writer)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query := `
		SELECT version_id, last_updated, deleted, project_id, compartments, accounts, content
		FROM resource_history
		WHERE resource_type = $1 AND id = $2
		ORDER BY version_id ASC
	`

	rows, err := conn.Query(ctx, query, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var out []*model.Resource
	for rows.Next() {
		res := &model.Resource{ResourceType: resourceType, ID: id}
		var versionID int64
		var projectID *string
		if err := rows.Scan(
			&versionID,
			&res.Meta.LastUpdated,
			&res.Meta.Deleted,
			&projectID,
			&res.Meta.Compartments,
			&res.Meta.Accounts,
			&res.Content,
		); err != nil {
			return nil, err
		}
		res.Meta.VersionID = model.FormatVersionID(versionID)
		if projectID != nil {
			res.Meta.Project = *projectID
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CommitVersion appends a version inside one transaction: the conditional
// write on the current row is the serialization point, and the history
// insert rides the same commit. A cancellation after the transaction
// commits cannot roll it back.
func (s *PostgresResourceStore) CommitVersion(ctx context.Context, res *model.Resource, expectedVersion string) error {
	newVersion, err := model.ParseVersionID(res.Meta.VersionID)
	if err != nil {
		return fmt.Errorf("commit of %s/%s: %w", res.ResourceType, res.ID, err)
	}

	conn, err := s.acquire(ctx, pool.Writer)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit of %s/%s: %w", res.ResourceType, res.ID, err)
	}
	defer tx.Rollback(ctx)

	var projectID *string
	if res.Meta.Project != "" {
		projectID = &res.Meta.Project
	}
	compartments := res.Meta.Compartments
	if compartments == nil {
		compartments = []string{}
	}
	accounts := res.Meta.Accounts
	if accounts == nil {
		accounts = []string{}
	}

	if expectedVersion == VersionNone {
		tag, err := tx.Exec(ctx, `
			INSERT INTO resources (resource_type, id, version_id, last_updated, deleted, project_id, compartments, accounts, content)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (resource_type, id) DO NOTHING
		`, res.ResourceType, res.ID, newVersion, res.Meta.LastUpdated, res.Meta.Deleted,
			projectID, compartments, accounts, []byte(res.Content))
		if err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", res.ResourceType, res.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s/%s: %w", res.ResourceType, res.ID, ErrAlreadyExists)
		}
	} else {
		expected, err := model.ParseVersionID(expectedVersion)
		if err != nil {
			return fmt.Errorf("commit of %s/%s: %w", res.ResourceType, res.ID, err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE resources
			SET version_id = $3, last_updated = $4, deleted = $5, project_id = $6,
			    compartments = $7, accounts = $8, content = $9
			WHERE resource_type = $1 AND id = $2 AND version_id = $10
		`, res.ResourceType, res.ID, newVersion, res.Meta.LastUpdated, res.Meta.Deleted,
			projectID, compartments, accounts, []byte(res.Content), expected)
		if err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", res.ResourceType, res.ID, err)
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a lost race from a missing identity.
			var current int64
			err := tx.QueryRow(ctx,
				`SELECT version_id FROM resources WHERE resource_type = $1 AND id = $2`,
				res.ResourceType, res.ID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%s/%s: %w", res.ResourceType, res.ID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check %s/%s: %w", res.ResourceType, res.ID, err)
			}
			return fmt.Errorf("%s/%s: expected version %s, current is %d: %w",
				res.ResourceType, res.ID, expectedVersion, current, ErrVersionConflict)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO resource_history (resource_type, id, version_id, last_updated, deleted, project_id, compartments, accounts, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, res.ResourceType, res.ID, newVersion, res.Meta.LastUpdated, res.Meta.Deleted,
		projectID, compartments, accounts, []byte(res.Content)); err != nil {
		return fmt.Errorf("failed to record history of %s/%s: %w", res.ResourceType, res.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", res.ResourceType, res.ID, err)
	}

	s.logger.Debug("Committed resource version",
		zap.String("shard_id", s.shardID),
		zap.String("resource_type", res.ResourceType),
		zap.String("id", res.ID),
		zap.Int64("version", newVersion))
	return nil
}

// Search executes against exactly one pool, chosen by mode once per call.
func (s *PostgresResourceStore) Search(ctx context.Context, mode pool.Mode, req *model.SearchRequest) ([]*model.Resource, error) {
	conn, err := s.acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query, args := buildSearchQuery(req)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", req.ResourceType, err)
	}
	defer rows.Close()

	var out []*model.Resource
	for rows.Next() {
		res := &model.Resource{ResourceType: req.ResourceType}
		var versionID int64
		var projectID *string
		if err := rows.Scan(
			&res.ID,
			&versionID,
			&res.Meta.LastUpdated,
			&projectID,
			&res.Meta.Compartments,
			&res.Meta.Accounts,
			&res.Content,
		); err != nil {
			return nil, err
		}
		res.Meta.VersionID = model.FormatVersionID(versionID)
		if projectID != nil {
			res.Meta.Project = *projectID
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// buildSearchQuery renders a search request as SQL over the current
// version table. Filter params address top-level jsonb fields.
func buildSearchQuery(req *model.SearchRequest) (string, []any) {
	var sb strings.Builder
	args := []any{req.ResourceType}

	sb.WriteString(`
		SELECT id, version_id, last_updated, project_id, compartments, accounts, content
		FROM resources
		WHERE resource_type = $1 AND deleted = FALSE`)

	if req.Compartment != "" {
		args = append(args, req.Compartment)
		fmt.Fprintf(&sb, " AND compartments @> ARRAY[$%d]", len(args))
	}

	for _, f := range req.Filters {
		args = append(args, f.Param)
		param := len(args)
		args = append(args, f.Value)
		value := len(args)
		switch f.Op {
		case model.FilterEquals:
			fmt.Fprintf(&sb, " AND content->>$%d = $%d", param, value)
		case model.FilterNotEqual:
			fmt.Fprintf(&sb, " AND (content->>$%d IS NULL OR content->>$%d <> $%d)", param, param, value)
		case model.FilterContains:
			fmt.Fprintf(&sb, " AND content->>$%d ILIKE '%%' || $%d || '%%'", param, value)
		case model.FilterGreater:
			fmt.Fprintf(&sb, " AND content->>$%d > $%d", param, value)
		case model.FilterLess:
			fmt.Fprintf(&sb, " AND content->>$%d < $%d", param, value)
		}
	}

	direction := "ASC"
	if req.SortDesc {
		direction = "DESC"
	}
	if req.SortBy != "" {
		args = append(args, req.SortBy)
		fmt.Fprintf(&sb, " ORDER BY content->>$%d %s, id ASC", len(args), direction)
	} else {
		fmt.Fprintf(&sb, " ORDER BY last_updated %s, id ASC", direction)
	}

	if req.Count > 0 {
		args = append(args, req.Count)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if req.Offset > 0 {
		args = append(args, req.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return sb.String(), args
}

// Ping checks connectivity to the shard's writer endpoint.
func (s *PostgresResourceStore) Ping(ctx context.Context) error {
	p, err := s.registry.GetPool(s.shardID, pool.Writer)
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}
