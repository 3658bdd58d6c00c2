package repo

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/JoshuaShaver/medplum/internal/model"
)

// applyPatch applies RFC 6902 operations to a document.
func applyPatch(doc json.RawMessage, ops []model.PatchOperation) (json.RawMessage, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty patch", ErrBadPatch)
	}

	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	patch, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPatch, err)
	}

	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	return patched, nil
}

// checkPatchedIdentity rejects patches that remove or rewrite the
// identity fields of a document.
func checkPatchedIdentity(doc json.RawMessage, resourceType, id string) error {
	var envelope struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	if envelope.ResourceType != resourceType {
		return fmt.Errorf("%w: patch changed resourceType to %q", ErrBadPatch, envelope.ResourceType)
	}
	if envelope.ID != id {
		return fmt.Errorf("%w: patch changed id to %q", ErrBadPatch, envelope.ID)
	}
	return nil
}
