package model

import (
	"fmt"
	"strings"
)

// Reference points at a resource by type and id, rendered as "Type/id".
type Reference string

// NewReference builds a reference from a resource type and id.
func NewReference(resourceType, id string) Reference {
	return Reference(resourceType + "/" + id)
}

// Parse splits a reference into its resource type and id.
func (r Reference) Parse() (resourceType, id string, err error) {
	parts := strings.Split(string(r), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed reference %q", string(r))
	}
	return parts[0], parts[1], nil
}

func (r Reference) String() string {
	return string(r)
}
