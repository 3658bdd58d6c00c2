package model

// FilterOp is a comparison operator for a search filter.
type FilterOp string

const (
	FilterEquals   FilterOp = "eq"
	FilterNotEqual FilterOp = "ne"
	FilterContains FilterOp = "contains"
	FilterGreater  FilterOp = "gt"
	FilterLess     FilterOp = "lt"
)

// Filter matches one top-level document field against a value.
type Filter struct {
	Param string
	Op    FilterOp
	Value string
}

// SearchRequest describes one search call. A search always executes
// against exactly one pool; Strict forces the writer pool even when the
// repository prefers replica reads.
type SearchRequest struct {
	ResourceType string
	Filters      []Filter
	Compartment  string
	SortBy       string
	SortDesc     bool
	Count        int
	Offset       int
	Strict       bool
}

// PatchOperation is one structural patch entry (RFC 6902 shape).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}
