// Package datatanker is an embedded, single-process key-value storage
// engine persisting ordered and unordered maps to a local directory. Two
// access methods share a common paged file substrate: a B+Tree over
// lexicographically compared keys, and a Radix Tree over byte-string keys
// with prefix lookup. Values of any size are stored out-of-line through a
// multi-page record allocator.
//
// Mutations may reside in the page cache until Flush or Close; the engine
// has no write-ahead log, so a crash mid-operation can leave the storage
// unopenable. Storages are protected against concurrent opens by an
// advisory file lock.
package datatanker

import (
	"github.com/datatanker/datatanker/internal/bptree"
	"github.com/datatanker/datatanker/internal/radix"
)

// Storage is the operation set both access methods share. Implementations
// serialize all operations internally; callers may share one storage
// across goroutines.
type Storage interface {
	// Get returns the value stored under key, or nil when absent.
	Get(key []byte) ([]byte, error)
	// Put stores value under key, replacing an existing value.
	Put(key, value []byte) error
	// Remove deletes key, reporting whether it was present.
	Remove(key []byte) (bool, error)
	// Contains reports whether key is present.
	Contains(key []byte) (bool, error)
	// Count returns the number of live entries.
	Count() (uint64, error)
	// Flush forces all dirtied pages to stable storage.
	Flush() error
	// Close flushes, releases the file lock and disposes the storage.
	Close() error
	// IsOpen reports whether the storage is open.
	IsOpen() bool
	// PageSize returns the page size chosen at creation.
	PageSize() int
}

// OrderedStorage is the B+Tree surface: ordered traversal over
// lexicographically compared keys.
type OrderedStorage interface {
	Storage
	// MinKey returns the smallest key, or nil when empty.
	MinKey() ([]byte, error)
	// MaxKey returns the largest key, or nil when empty.
	MaxKey() ([]byte, error)
	// NextKey returns the smallest key strictly above key, or nil.
	NextKey(key []byte) ([]byte, error)
	// PreviousKey returns the largest key strictly below key, or nil.
	PreviousKey(key []byte) ([]byte, error)
	// AscendRange walks entries in ascending order between lower and
	// upper, both inclusive; nil bounds are open. fn returning false
	// stops the scan.
	AscendRange(lower, upper []byte, fn func(key, value []byte) bool) error
}

// PrefixStorage is the Radix Tree surface: byte-wise keys with prefix
// iteration.
type PrefixStorage interface {
	Storage
	// KeysWithPrefix calls fn for every key starting with prefix, in
	// byte order. fn returning false stops the walk.
	KeysWithPrefix(prefix []byte, fn func(key []byte) bool) error
}

// CreateNew creates a storage at dir, failing with ErrDuplicateStorage if
// one is already there. The returned Storage also implements
// OrderedStorage or PrefixStorage depending on the access method.
func CreateNew(dir string, settings Settings) (Storage, error) {
	base, err := createBase(dir, settings)
	if err != nil {
		return nil, err
	}
	storage, err := wireAccessMethod(base, true)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	if err := base.Flush(); err != nil {
		_ = base.Close()
		return nil, err
	}
	return storage, nil
}

// OpenExisting opens the storage at dir, validating the info sidecar and
// heading page against the engine's expectations.
func OpenExisting(dir string, settings Settings) (Storage, error) {
	base, err := openBase(dir, settings)
	if err != nil {
		return nil, err
	}
	storage, err := wireAccessMethod(base, false)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return storage, nil
}

// OpenOrCreate opens the storage at dir, creating it when absent.
func OpenOrCreate(dir string, settings Settings) (Storage, error) {
	if storageExists(dir) {
		return OpenExisting(dir, settings)
	}
	return CreateNew(dir, settings)
}

func wireAccessMethod(base *storageBase, fresh bool) (Storage, error) {
	switch base.settings.AccessMethod {
	case RadixTree:
		tree := radix.New(base.space, base.fsm, base.records, headingMeta{base}, base.log)
		if fresh {
			if err := tree.Bootstrap(); err != nil {
				return nil, err
			}
		}
		return &radixStorage{storageBase: base, tree: tree}, nil
	default:
		tree := bptree.New(base.space, base.fsm, base.records, headingMeta{base}, base.log)
		if fresh {
			if err := tree.Bootstrap(); err != nil {
				return nil, err
			}
		}
		return &bplusStorage{storageBase: base, tree: tree}, nil
	}
}

// bplusStorage is the B+Tree-backed storage.
type bplusStorage struct {
	*storageBase
	tree *bptree.Tree
}

var _ OrderedStorage = (*bplusStorage)(nil)

func (s *bplusStorage) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return nil, err
	}
	value, err := s.tree.Get(key)
	return value, s.noteFailure(err)
}

func (s *bplusStorage) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardWrite(); err != nil {
		return err
	}
	return s.noteFailure(s.tree.Put(key, value))
}

func (s *bplusStorage) Remove(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardWrite(); err != nil {
		return false, err
	}
	removed, err := s.tree.Remove(key)
	return removed, s.noteFailure(err)
}

func (s *bplusStorage) Contains(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return false, err
	}
	found, err := s.tree.Contains(key)
	return found, s.noteFailure(err)
}

func (s *bplusStorage) MinKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return nil, err
	}
	key, err := s.tree.MinKey()
	return key, s.noteFailure(err)
}

func (s *bplusStorage) MaxKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return nil, err
	}
	key, err := s.tree.MaxKey()
	return key, s.noteFailure(err)
}

func (s *bplusStorage) NextKey(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return nil, err
	}
	next, err := s.tree.NextKey(key)
	return next, s.noteFailure(err)
}

func (s *bplusStorage) PreviousKey(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return nil, err
	}
	prev, err := s.tree.PreviousKey(key)
	return prev, s.noteFailure(err)
}

func (s *bplusStorage) AscendRange(lower, upper []byte, fn func(key, value []byte) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return err
	}
	return s.noteFailure(s.tree.Ascend(lower, upper, fn))
}

// radixStorage is the Radix-Tree-backed storage.
type radixStorage struct {
	*storageBase
	tree *radix.Tree
}

var _ PrefixStorage = (*radixStorage)(nil)

func (s *radixStorage) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return nil, err
	}
	value, err := s.tree.Get(key)
	return value, s.noteFailure(err)
}

func (s *radixStorage) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardWrite(); err != nil {
		return err
	}
	return s.noteFailure(s.tree.Put(key, value))
}

func (s *radixStorage) Remove(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardWrite(); err != nil {
		return false, err
	}
	removed, err := s.tree.Remove(key)
	return removed, s.noteFailure(err)
}

func (s *radixStorage) Contains(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return false, err
	}
	found, err := s.tree.Contains(key)
	return found, s.noteFailure(err)
}

func (s *radixStorage) KeysWithPrefix(prefix []byte, fn func(key []byte) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return err
	}
	return s.noteFailure(s.tree.KeysWithPrefix(prefix, fn))
}
