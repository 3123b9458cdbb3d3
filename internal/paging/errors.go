package paging

import "github.com/pkg/errors"

// Errors shared by every layer of the storage stack. The facade re-exports
// these so callers never import internal packages.
var (
	// ErrStorageFormat indicates the on-disk structure does not match
	// expectations: short page, broken link, wrong page type at a known
	// index. Fatal for the operation.
	ErrStorageFormat = errors.New("storage format violation")

	// ErrNotSupported indicates a version or access-method mismatch at open.
	ErrNotSupported = errors.New("storage not supported by this engine")

	// ErrPageLocked indicates the backing file is locked by another opener.
	ErrPageLocked = errors.New("backing file locked by another process")
)
