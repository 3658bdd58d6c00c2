package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// GlobalShardID is the sentinel shard that holds project, membership and
// login records addressable before a tenant's data shard is known.
const GlobalShardID = "global"

// Meta carries the server-maintained metadata of one resource version.
// Callers never set VersionID, LastUpdated or Compartments themselves.
type Meta struct {
	VersionID    string    `json:"versionId,omitempty"`
	LastUpdated  time.Time `json:"lastUpdated,omitempty"`
	Project      string    `json:"project,omitempty"`
	Compartments []string  `json:"compartment,omitempty"`
	Accounts     []string  `json:"accounts,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"`
}

// Resource is one version of a typed document. Identity is
// (ResourceType, ID), unique within a shard. Content holds the canonical
// document body; it is nil for delete tombstones.
type Resource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Meta         Meta            `json:"meta"`
	Content      json.RawMessage `json:"content,omitempty"`
}

// Clone returns a deep copy. Stored versions are immutable, so stores hand
// out clones to keep callers from mutating history.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	if r.Content != nil {
		c.Content = append(json.RawMessage(nil), r.Content...)
	}
	if r.Meta.Compartments != nil {
		c.Meta.Compartments = append([]string(nil), r.Meta.Compartments...)
	}
	if r.Meta.Accounts != nil {
		c.Meta.Accounts = append([]string(nil), r.Meta.Accounts...)
	}
	return &c
}

// ParseVersionID parses a version id string into its sequence number.
// Version ids form a strictly increasing integer sequence per identity.
func ParseVersionID(versionID string) (int64, error) {
	n, err := strconv.ParseInt(versionID, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid version id %q", versionID)
	}
	return n, nil
}

// FormatVersionID renders a version sequence number as a version id string.
func FormatVersionID(n int64) string {
	return strconv.FormatInt(n, 10)
}
