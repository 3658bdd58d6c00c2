package provision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/repo"
	"github.com/JoshuaShaver/medplum/internal/shard"
)

// Service provisions projects and their initial members. It is the
// administrative write path: project records land in the global shard and
// are mirrored into the project's data shard.
type Service struct {
	directory *shard.Directory
	global    *repo.Repository
	provider  repo.Provider
	logger    *zap.Logger
}

// NewService creates a provisioning service.
func NewService(directory *shard.Directory, global *repo.Repository, provider repo.Provider, logger *zap.Logger) *Service {
	return &Service{
		directory: directory,
		global:    global,
		provider:  provider,
		logger:    logger,
	}
}

// CreateProject provisions a project. shardID selects the project's data
// shard; empty means no shard descriptor, leaving resolution to the
// configured default policy. Non-global shards get a mirrored projection
// of the project record.
func (s *Service) CreateProject(ctx context.Context, name, shardID string) (*model.Project, error) {
	project := &model.Project{
		ResourceType: model.ProjectResourceType,
		ID:           uuid.New().String(),
		Name:         name,
	}
	if shardID != "" {
		project.Shard = []model.ShardDescriptor{{ID: shardID}}
	}

	doc, err := project.Document()
	if err != nil {
		return nil, err
	}

	if _, err := s.global.Create(ctx, model.ProjectResourceType, doc); err != nil {
		return nil, fmt.Errorf("failed to create project %q: %w", name, err)
	}

	if shardID != "" && shardID != model.GlobalShardID {
		if _, err := s.provider.SystemRepository(shardID).Create(ctx, model.ProjectResourceType, doc); err != nil {
			return nil, fmt.Errorf("failed to mirror project %q to shard %q: %w", name, shardID, err)
		}
	}

	s.logger.Info("Provisioned project",
		zap.String("project_id", project.ID),
		zap.String("name", name),
		zap.String("shard_id", shardID))
	return project, nil
}

// NewPatient creates a patient resource in the project's data shard and a
// membership record in the global shard linking the patient profile to
// the project.
func (s *Service) NewPatient(ctx context.Context, projectRef model.Reference, patientDoc json.RawMessage) (*model.Resource, *model.Resource, error) {
	resolution, err := s.directory.Resolve(ctx, projectRef)
	if err != nil {
		return nil, nil, err
	}

	readerPreferred := resolution.Project.Settings != nil && resolution.Project.Settings.SearchOnReader
	projectRepo := s.provider.ProjectRepository(resolution.ShardID, resolution.Project.ID, readerPreferred)

	patient, err := projectRepo.Create(ctx, "Patient", patientDoc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create patient in project %q: %w", resolution.Project.ID, err)
	}

	membership := model.ProjectMembership{
		ResourceType: model.MembershipResourceType,
		Project:      projectRef,
		Profile:      model.NewReference(patient.ResourceType, patient.ID),
	}
	membershipDoc, err := json.Marshal(membership)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode membership: %w", err)
	}

	membershipRes, err := s.global.Create(ctx, model.MembershipResourceType, membershipDoc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create membership for patient %s: %w", patient.ID, err)
	}

	s.logger.Info("Created patient with membership",
		zap.String("project_id", resolution.Project.ID),
		zap.String("shard_id", resolution.ShardID),
		zap.String("patient_id", patient.ID),
		zap.String("membership_id", membershipRes.ID))
	return patient, membershipRes, nil
}
