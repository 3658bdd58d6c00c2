package model

import (
	"encoding/json"
	"fmt"
)

// ProjectResourceType is the resource type under which projects are stored.
const ProjectResourceType = "Project"

// ShardDescriptor names the physical shard a project's resources live on.
// The id may be the sentinel GlobalShardID.
type ShardDescriptor struct {
	ID string `json:"id"`
}

// ProjectSettings holds per-tenant routing and lifecycle settings.
type ProjectSettings struct {
	// SearchOnReader opts the project's searches into replica reads.
	SearchOnReader bool `json:"searchOnReader,omitempty"`
	// Disabled soft-disables the project. Projects are never physically
	// deleted.
	Disabled bool `json:"disabled,omitempty"`
}

// Project is the tenant record. The authoritative copy lives in the global
// shard; a projection is mirrored into the project's data shard for
// locality. The first shard descriptor, when present, is authoritative.
type Project struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Shard        []ShardDescriptor `json:"shard,omitempty"`
	Settings     *ProjectSettings  `json:"settings,omitempty"`
}

// ProjectFromResource decodes a stored Project resource.
func ProjectFromResource(res *Resource) (*Project, error) {
	if res.ResourceType != ProjectResourceType {
		return nil, fmt.Errorf("resource %s/%s is not a project", res.ResourceType, res.ID)
	}
	var p Project
	if err := json.Unmarshal(res.Content, &p); err != nil {
		return nil, fmt.Errorf("failed to decode project %s: %w", res.ID, err)
	}
	p.ResourceType = ProjectResourceType
	p.ID = res.ID
	return &p, nil
}

// Document renders the project as a resource document for storage.
func (p *Project) Document() (json.RawMessage, error) {
	p.ResourceType = ProjectResourceType
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode project %s: %w", p.ID, err)
	}
	return doc, nil
}

// ProjectMembership links a profile resource in a project's data shard to
// the project record in the global shard.
type ProjectMembership struct {
	ResourceType string    `json:"resourceType"`
	ID           string    `json:"id,omitempty"`
	Project      Reference `json:"project"`
	Profile      Reference `json:"profile"`
	Admin        bool      `json:"admin,omitempty"`
}

// MembershipResourceType is the resource type for project memberships.
const MembershipResourceType = "ProjectMembership"
