package paging

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultCacheCapacity bounds the page cache when the caller does not
// choose one.
const DefaultCacheCapacity = 256

// Space is fixed-size page I/O against one backing file. Page indices are
// ordinals in the file; page buffers are fetched and updated whole.
//
// A Space is not safe for concurrent use; the facade serializes access.
type Space struct {
	path      string
	file      *os.File
	pageSize  int
	pageCount int64
	freeSlots []int64
	cache     *pageCache
	locked    bool
	mu        sync.Mutex
	log       logrus.FieldLogger
}

// CanCreateSpace reports whether path is free for a new backing file.
func CanCreateSpace(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// CreateSpace creates a new backing file. The file must not already exist.
func CreateSpace(path string, pageSize, cacheCapacity int, log logrus.FieldLogger) (*Space, error) {
	if err := validatePageSize(pageSize); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "create backing file")
	}
	return newSpace(path, file, pageSize, cacheCapacity, 0, log), nil
}

// OpenSpace opens an existing backing file. The page size is read from the
// heading page; the file length must be a whole number of pages.
func OpenSpace(path string, cacheCapacity int, log logrus.FieldLogger) (*Space, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open backing file")
	}

	probe := make([]byte, HeadingHeaderLen)
	if _, err := file.ReadAt(probe, 0); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(ErrStorageFormat, "backing file too short for a heading page")
	}
	heading, err := ReadHeadingHeader(probe)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	pageSize := int(heading.PageSize)
	if err := validatePageSize(pageSize); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(ErrStorageFormat, err.Error())
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "stat backing file")
	}
	if info.Size()%int64(pageSize) != 0 {
		_ = file.Close()
		return nil, errors.Wrapf(ErrStorageFormat, "file length %d is not a multiple of page size %d", info.Size(), pageSize)
	}

	return newSpace(path, file, pageSize, cacheCapacity, info.Size()/int64(pageSize), log), nil
}

func newSpace(path string, file *os.File, pageSize, cacheCapacity int, pageCount int64, log logrus.FieldLogger) *Space {
	if cacheCapacity <= 0 {
		cacheCapacity = DefaultCacheCapacity
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Space{
		path:      path,
		file:      file,
		pageSize:  pageSize,
		pageCount: pageCount,
		log:       log,
	}
	s.cache = newPageCache(cacheCapacity, s.writeAt)
	return s
}

func validatePageSize(pageSize int) error {
	if pageSize < MinPageSize || pageSize&(pageSize-1) != 0 {
		return errors.Errorf("page size %d must be a power of two and at least %d", pageSize, MinPageSize)
	}
	return nil
}

// PageSize returns the page size of the space.
func (s *Space) PageSize() int {
	return s.pageSize
}

// PageCount returns the number of pages in the space, reused slots
// included.
func (s *Space) PageCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCount
}

// CreatePage returns a zero-initialized buffer with the next unused index.
// Slots released by RemovePage are reused before the file grows.
func (s *Space) CreatePage() (int64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, s.pageSize)
	var index int64
	if n := len(s.freeSlots); n > 0 {
		index = s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
	} else {
		index = s.pageCount
		s.pageCount++
	}
	if err := s.cache.put(index, buf, true); err != nil {
		return 0, nil, err
	}
	return index, buf, nil
}

// FetchPage returns the page buffer at index. The buffer is shared with
// the cache; mutations must be committed with UpdatePage.
func (s *Space) FetchPage(index int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= s.pageCount {
		return nil, errors.Wrapf(ErrStorageFormat, "page %d out of bounds", index)
	}
	if buf, ok := s.cache.get(index); ok {
		return buf, nil
	}

	buf := make([]byte, s.pageSize)
	n, err := s.file.ReadAt(buf, index*int64(s.pageSize))
	if err != nil {
		return nil, errors.Wrapf(err, "read page %d", index)
	}
	if n != s.pageSize {
		return nil, errors.Wrapf(ErrStorageFormat, "short page %d: %d bytes", index, n)
	}
	if err := s.cache.put(index, buf, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// UpdatePage commits a page buffer. The write may stay in the cache until
// Flush.
func (s *Space) UpdatePage(index int64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= s.pageCount {
		return errors.Wrapf(ErrStorageFormat, "page %d out of bounds", index)
	}
	if len(buf) != s.pageSize {
		return errors.Wrapf(ErrStorageFormat, "buffer length %d, want %d", len(buf), s.pageSize)
	}
	return s.cache.put(index, buf, true)
}

// RemovePage releases a page slot. A trailing page shrinks the file;
// interior slots are zeroed and reused by CreatePage. Index stability is
// preserved for unreleased pages.
func (s *Space) RemovePage(index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= s.pageCount {
		return errors.Wrapf(ErrStorageFormat, "page %d out of bounds", index)
	}

	if index == s.pageCount-1 {
		s.cache.drop(index)
		s.pageCount--
		s.shrinkTail()
		if err := s.file.Truncate(s.pageCount * int64(s.pageSize)); err != nil {
			return errors.Wrap(err, "truncate backing file")
		}
		return nil
	}

	// Zero the slot so the page reads back as Free.
	if err := s.cache.put(index, make([]byte, s.pageSize), true); err != nil {
		return err
	}
	s.freeSlots = append(s.freeSlots, index)
	return nil
}

// shrinkTail pops any free slots that became trailing after a truncate.
func (s *Space) shrinkTail() {
	sort.Slice(s.freeSlots, func(i, j int) bool { return s.freeSlots[i] < s.freeSlots[j] })
	for n := len(s.freeSlots); n > 0 && s.freeSlots[n-1] == s.pageCount-1; n = len(s.freeSlots) {
		s.cache.drop(s.freeSlots[n-1])
		s.freeSlots = s.freeSlots[:n-1]
		s.pageCount--
	}
}

// NoteFreeSlot registers a slot as reusable. Used at open when the
// free-space map reports released pages.
func (s *Space) NoteFreeSlot(index int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < s.pageCount {
		s.freeSlots = append(s.freeSlots, index)
	}
}

// Lock acquires an advisory exclusive lock on the backing file. A second
// opener fails immediately with ErrPageLocked.
func (s *Space) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil
	}
	if err := flock(s.file); err != nil {
		return err
	}
	s.locked = true
	return nil
}

// Unlock releases the advisory lock.
func (s *Space) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return nil
	}
	if err := funlock(s.file); err != nil {
		return err
	}
	s.locked = false
	return nil
}

// Flush writes every dirty cached page and syncs the file. After a
// successful flush all prior mutations are on stable storage.
func (s *Space) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.flush(); err != nil {
		return err
	}
	return errors.Wrap(s.file.Sync(), "sync backing file")
}

// Close flushes, unlocks and closes the backing file.
func (s *Space) Close() error {
	if err := s.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	if err := s.Unlock(); err != nil {
		_ = s.file.Close()
		return err
	}
	return errors.Wrap(s.file.Close(), "close backing file")
}

func (s *Space) writeAt(index int64, buf []byte) error {
	if _, err := s.file.WriteAt(buf, index*int64(s.pageSize)); err != nil {
		return errors.Wrapf(err, "write page %d", index)
	}
	return nil
}
