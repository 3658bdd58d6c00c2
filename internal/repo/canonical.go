package repo

import (
	"encoding/json"
	"fmt"
	"sort"
)

// canonicalize normalizes a document for storage and comparison: the
// resourceType and id fields are pinned to the operation's identity, and
// volatile metadata (versionId, lastUpdated, compartment, project) is
// stripped. Marshaling through a map sorts keys, so two semantically
// identical documents produce identical bytes; the no-op write check is a
// byte comparison of canonical forms. Returns the canonical bytes and the
// caller-attached account references.
func canonicalize(doc json.RawMessage, resourceType, id string) (json.RawMessage, []string, error) {
	parsed := make(map[string]interface{})
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &parsed); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
		}
	}

	if rt, ok := parsed["resourceType"].(string); ok && rt != resourceType {
		return nil, nil, fmt.Errorf("%w: document resourceType %q does not match %q",
			ErrInvalidResource, rt, resourceType)
	}
	parsed["resourceType"] = resourceType
	parsed["id"] = id

	var accounts []string
	if meta, ok := parsed["meta"].(map[string]interface{}); ok {
		accounts = stringSlice(meta["accounts"])
		delete(meta, "versionId")
		delete(meta, "lastUpdated")
		delete(meta, "compartment")
		delete(meta, "project")
		delete(meta, "deleted")
		if len(meta) == 0 {
			delete(parsed, "meta")
		}
	}

	canonical, err := json.Marshal(parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	return canonical, accounts, nil
}

// documentID extracts the id field of a document, if present.
func documentID(doc json.RawMessage) string {
	var envelope struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(doc, &envelope)
	return envelope.ID
}

// computeCompartments derives the access-scoping tags for a resource from
// its owning project and account references. Compartment membership is
// derivable, never caller-supplied.
func computeCompartments(projectID string, accounts []string) []string {
	set := make(map[string]struct{}, len(accounts)+1)
	if projectID != "" {
		set["Project/"+projectID] = struct{}{}
	}
	for _, a := range accounts {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
