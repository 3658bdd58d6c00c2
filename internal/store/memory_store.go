package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
)

// MemoryResourceStore implements ResourceStore with an in-memory version
// chain per identity. It backs tests and embedded use; the contract is
// identical to the PostgreSQL store, including the conditional commit.
type MemoryResourceStore struct {
	shardID  string
	mu       sync.RWMutex
	versions map[string][]*model.Resource
	// modeCalls counts read/search calls per pool mode so tests can
	// assert routing decisions.
	modeCalls map[pool.Mode]int
}

// NewMemoryResourceStore creates a memory-backed store for one shard.
func NewMemoryResourceStore(shardID string) *MemoryResourceStore {
	return &MemoryResourceStore{
		shardID:   shardID,
		versions:  make(map[string][]*model.Resource),
		modeCalls: make(map[pool.Mode]int),
	}
}

func identityKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// ShardID returns the shard this store is bound to.
func (s *MemoryResourceStore) ShardID() string {
	return s.shardID
}

// ModeCalls returns how many read/search calls ran in the given mode.
func (s *MemoryResourceStore) ModeCalls(mode pool.Mode) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modeCalls[mode]
}

// ReadCurrent returns the current version, tombstones included.
func (s *MemoryResourceStore) ReadCurrent(ctx context.Context, mode pool.Mode, resourceType, id string) (*model.Resource, error) {
	s.mu.Lock()
	s.modeCalls[mode]++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.versions[identityKey(resourceType, id)]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	return chain[len(chain)-1].Clone(), nil
}

// ReadVersion returns one historical version.
func (s *MemoryResourceStore) ReadVersion(ctx context.Context, resourceType, id, versionID string) (*model.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[identityKey(resourceType, id)] {
		if v.Meta.VersionID == versionID {
			return v.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s/%s version %s: %w", resourceType, id, versionID, ErrNotFound)
}

// History returns every version in ascending version order.
func (s *MemoryResourceStore) History(ctx context.Context, resourceType, id string) ([]*model.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.versions[identityKey(resourceType, id)]
	out := make([]*model.Resource, 0, len(chain))
	for _, v := range chain {
		out = append(out, v.Clone())
	}
	return out, nil
}

// CommitVersion appends a version if the current version still matches
// the expectation.
func (s *MemoryResourceStore) CommitVersion(ctx context.Context, res *model.Resource, expectedVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(res.ResourceType, res.ID)
	chain := s.versions[key]

	if expectedVersion == VersionNone {
		if len(chain) > 0 {
			return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
		}
	} else {
		if len(chain) == 0 {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		if chain[len(chain)-1].Meta.VersionID != expectedVersion {
			return fmt.Errorf("%s: expected version %s, current is %s: %w",
				key, expectedVersion, chain[len(chain)-1].Meta.VersionID, ErrVersionConflict)
		}
	}

	s.versions[key] = append(chain, res.Clone())
	return nil
}

// Search returns current, non-deleted versions matching the request.
func (s *MemoryResourceStore) Search(ctx context.Context, mode pool.Mode, req *model.SearchRequest) ([]*model.Resource, error) {
	s.mu.Lock()
	s.modeCalls[mode]++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*model.Resource
	for _, chain := range s.versions {
		current := chain[len(chain)-1]
		if current.ResourceType != req.ResourceType || current.Meta.Deleted {
			continue
		}
		if req.Compartment != "" && !contains(current.Meta.Compartments, req.Compartment) {
			continue
		}
		if !matchesFilters(current, req.Filters) {
			continue
		}
		matches = append(matches, current.Clone())
	}

	sort.Slice(matches, func(i, j int) bool {
		if req.SortDesc {
			i, j = j, i
		}
		if !matches[i].Meta.LastUpdated.Equal(matches[j].Meta.LastUpdated) {
			return matches[i].Meta.LastUpdated.Before(matches[j].Meta.LastUpdated)
		}
		return matches[i].ID < matches[j].ID
	})

	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			return nil, nil
		}
		matches = matches[req.Offset:]
	}
	if req.Count > 0 && req.Count < len(matches) {
		matches = matches[:req.Count]
	}
	return matches, nil
}

// Ping implements ResourceStore; the memory backend is always reachable.
func (s *MemoryResourceStore) Ping(ctx context.Context) error {
	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func matchesFilters(res *model.Resource, filters []model.Filter) bool {
	if len(filters) == 0 {
		return true
	}
	fields := topLevelFields(res)
	for _, f := range filters {
		value, ok := fields[f.Param]
		if !matchFilter(value, ok, f) {
			return false
		}
	}
	return true
}

// topLevelFields flattens the scalar top-level fields of a document for
// filter matching, mirroring the jsonb extraction the PostgreSQL store
// does in SQL.
func topLevelFields(res *model.Resource) map[string]string {
	var doc map[string]interface{}
	if err := json.Unmarshal(res.Content, &doc); err != nil {
		return nil
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out
}

func matchFilter(value string, present bool, f model.Filter) bool {
	switch f.Op {
	case model.FilterEquals:
		return present && value == f.Value
	case model.FilterNotEqual:
		return !present || value != f.Value
	case model.FilterContains:
		return present && strings.Contains(strings.ToLower(value), strings.ToLower(f.Value))
	case model.FilterGreater:
		return present && value > f.Value
	case model.FilterLess:
		return present && value < f.Value
	default:
		return false
	}
}
