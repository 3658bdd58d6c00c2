package repo

import "errors"

var (
	// ErrGone marks an identity whose current version is a delete
	// tombstone. Distinct from not-found: history remains readable.
	ErrGone = errors.New("gone")

	// ErrPreconditionFailed marks an optimistic concurrency token that no
	// longer matches the current version.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrBadReference marks a malformed or type-mismatched reference.
	ErrBadReference = errors.New("bad reference")

	// ErrBadPatch marks a patch that failed to apply or produced a
	// document violating structural invariants.
	ErrBadPatch = errors.New("bad patch")

	// ErrInvalidResource marks a document that cannot be stored, such as
	// one whose resourceType field contradicts the operation.
	ErrInvalidResource = errors.New("invalid resource")
)
