package datatanker

import (
	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/paging"
)

// Error taxonomy. Low layers raise these wrapped with context; match with
// errors.Is (pkg/errors unwrapping applies).
var (
	// ErrStorageFormat indicates the on-disk structure does not match
	// expectations. Fatal: the storage turns read-only until reopened.
	ErrStorageFormat = paging.ErrStorageFormat

	// ErrNotSupported indicates a page size, structure version or access
	// method mismatch at open.
	ErrNotSupported = paging.ErrNotSupported

	// ErrLocked indicates the backing file is held by another opener,
	// in this process or another.
	ErrLocked = paging.ErrPageLocked

	// ErrAlreadyOpen indicates an open operation on a storage that is
	// already open.
	ErrAlreadyOpen = errors.New("storage already open")

	// ErrNotOpen indicates an operation on a storage that is not open.
	ErrNotOpen = errors.New("storage not open")

	// ErrDisposed indicates use of a storage after Close.
	ErrDisposed = errors.New("storage disposed")

	// ErrDuplicateStorage indicates create on a path that already holds a
	// storage file set.
	ErrDuplicateStorage = errors.New("path already contains a storage")

	// ErrValueNotFound indicates a lookup that required the key to exist.
	// Get returns nil for absence instead.
	ErrValueNotFound = errors.New("value not found")

	// ErrReadOnly indicates a write on a storage marked read-only after a
	// format violation.
	ErrReadOnly = errors.New("storage is read-only until reopened")
)
