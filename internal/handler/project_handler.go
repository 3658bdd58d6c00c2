package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
	"github.com/JoshuaShaver/medplum/internal/provision"
	"github.com/JoshuaShaver/medplum/internal/repo"
	"github.com/JoshuaShaver/medplum/internal/shard"
	"github.com/JoshuaShaver/medplum/internal/store"
)

// ProjectHandler exposes the administrative provisioning and shard
// resolution operations over HTTP. The resource API proper is served by
// an external collaborator; this surface only covers what operators need.
type ProjectHandler struct {
	provisioner *provision.Service
	directory   *shard.Directory
	logger      *zap.Logger
}

// NewProjectHandler creates a new project handler
func NewProjectHandler(provisioner *provision.Service, directory *shard.Directory, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		provisioner: provisioner,
		directory:   directory,
		logger:      logger,
	}
}

// Register mounts the handler's routes on a mux.
func (h *ProjectHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/projects", h.CreateProject)
	mux.HandleFunc("POST /admin/projects/{id}/patients", h.NewPatient)
	mux.HandleFunc("GET /admin/projects/{id}/shard", h.ResolveShard)
}

type createProjectRequest struct {
	Name    string `json:"name"`
	ShardID string `json:"shardId,omitempty"`
}

// CreateProject handles project provisioning requests
func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := h.provisioner.CreateProject(r.Context(), req.Name, req.ShardID)
	if err != nil {
		h.logger.Error("Failed to create project",
			zap.String("name", req.Name),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, project)
}

// NewPatient handles initial patient creation for a project
func (h *ProjectHandler) NewPatient(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	var doc json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patient, membership, err := h.provisioner.NewPatient(r.Context(),
		model.NewReference(model.ProjectResourceType, projectID), doc)
	if err != nil {
		h.logger.Error("Failed to create patient",
			zap.String("project_id", projectID),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"patient":    patient,
		"membership": membership,
	})
}

// ResolveShard handles shard resolution lookups
func (h *ProjectHandler) ResolveShard(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	shardID, err := h.directory.ResolveShardID(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"projectId": projectID,
		"shardId":   shardID,
	})
}

// writeDomainError maps the repository error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repo.ErrGone):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, repo.ErrPreconditionFailed):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, repo.ErrBadReference), errors.Is(err, repo.ErrBadPatch),
		errors.Is(err, repo.ErrInvalidResource), errors.Is(err, shard.ErrShardResolutionFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
