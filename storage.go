package datatanker

import (
	stderrors "errors"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/paging"
)

// storageBase holds the collaborators shared by both access methods: the
// page space, its free-space map, the record allocator and the cached
// heading. All public operations serialize on mu; only one executes at a
// time.
type storageBase struct {
	mu       sync.Mutex
	path     string
	settings Settings
	space    *paging.Space
	fsm      *paging.FreeSpaceMap
	records  *blob.Allocator
	heading  paging.HeadingHeader
	log      logrus.FieldLogger

	open     bool
	disposed bool
	readOnly bool
}

// headingMeta adapts the heading page to the access methods' Meta
// contract.
type headingMeta struct {
	s *storageBase
}

func (m headingMeta) Root() int64 {
	return m.s.heading.RootPage
}

func (m headingMeta) SetRoot(index int64) error {
	m.s.heading.RootPage = index
	return m.s.writeHeading()
}

func (m headingMeta) EntryCount() uint64 {
	return m.s.heading.EntryCount
}

func (m headingMeta) SetEntryCount(count uint64) error {
	m.s.heading.EntryCount = count
	return m.s.writeHeading()
}

func (s *storageBase) writeHeading() error {
	buf, err := s.space.FetchPage(0)
	if err != nil {
		return err
	}
	paging.WriteHeadingHeader(buf, s.heading)
	return s.space.UpdatePage(0, buf)
}

// createBase lays down a fresh storage: info sidecar, backing file, file
// lock, heading page and first FSM page. The access-method root page is
// created but left for the caller to format.
func createBase(dir string, settings Settings) (*storageBase, error) {
	settings = settings.withDefaults()
	if _, err := settings.Compression.algorithm(); err != nil {
		return nil, errors.Wrap(ErrNotSupported, err.Error())
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create storage directory")
	}
	if storageExists(dir) {
		return nil, errors.Wrapf(ErrDuplicateStorage, "at %s", dir)
	}

	if err := writeInfo(dir, storageInfo{
		typeTag:     settings.AccessMethod.typeTag(),
		version:     paging.StructureVersion,
		pageSize:    settings.PageSize,
		compression: settings.Compression,
	}); err != nil {
		return nil, err
	}

	space, err := paging.CreateSpace(dataPath(dir), settings.PageSize, settings.CacheCapacity, settings.Logger)
	if err != nil {
		return nil, err
	}
	s := &storageBase{path: dir, settings: settings, space: space, log: settings.Logger}

	if err := s.initSpace(); err != nil {
		_ = space.Close()
		return nil, err
	}
	s.open = true
	return s, nil
}

func (s *storageBase) initSpace() error {
	if err := s.space.Lock(); err != nil {
		return err
	}

	// Page 0 is the heading, page 1 the first FSM page, page 2 the
	// access-method root.
	for want := int64(0); want < 3; want++ {
		index, _, err := s.space.CreatePage()
		if err != nil {
			return err
		}
		if index != want {
			return errors.Wrapf(ErrStorageFormat, "fresh space handed out page %d, want %d", index, want)
		}
	}

	fsm, err := paging.InitFreeSpaceMap(s.space, 1, s.log)
	if err != nil {
		return err
	}
	s.fsm = fsm

	s.heading = paging.HeadingHeader{
		PageSize:     uint32(s.settings.PageSize),
		Version:      paging.StructureVersion,
		AccessMethod: paging.AccessMethod(s.settings.AccessMethod),
		FsmPage:      1,
		RootPage:     2,
		EntryCount:   0,
	}
	if err := s.writeHeading(); err != nil {
		return err
	}
	if err := fsm.SetClass(0, paging.ClassFull); err != nil {
		return err
	}
	if err := fsm.SetClass(1, paging.ClassFull); err != nil {
		return err
	}

	algorithm, _ := s.settings.Compression.algorithm()
	s.records = blob.NewAllocator(s.space, fsm, blob.NewCodec(algorithm), s.log)
	return nil
}

// openBase validates the sidecar and heading of an existing storage and
// wires the collaborators.
func openBase(dir string, settings Settings) (*storageBase, error) {
	// Zero means "whatever the storage was created with"; a concrete
	// request must match.
	requestedPageSize := settings.PageSize
	settings = settings.withDefaults()

	info, err := readInfo(dir)
	if err != nil {
		return nil, err
	}
	if info.typeTag != settings.AccessMethod.typeTag() {
		return nil, errors.Wrapf(ErrNotSupported, "storage holds %q, engine expects %q", info.typeTag, settings.AccessMethod.typeTag())
	}
	if info.version != paging.StructureVersion {
		return nil, errors.Wrapf(ErrNotSupported, "structure version %d, engine supports %d", info.version, paging.StructureVersion)
	}
	algorithm, err := Compression(info.compression).algorithm()
	if err != nil {
		return nil, errors.Wrap(ErrNotSupported, err.Error())
	}

	space, err := paging.OpenSpace(dataPath(dir), settings.CacheCapacity, settings.Logger)
	if err != nil {
		return nil, err
	}
	s := &storageBase{path: dir, settings: settings, space: space, log: settings.Logger}

	fail := func(err error) (*storageBase, error) {
		_ = space.Close()
		return nil, err
	}

	if err := space.Lock(); err != nil {
		return fail(err)
	}

	headingBuf, err := space.FetchPage(0)
	if err != nil {
		return fail(err)
	}
	heading, err := paging.ReadHeadingHeader(headingBuf)
	if err != nil {
		return fail(err)
	}
	if heading.Version != paging.StructureVersion {
		return fail(errors.Wrapf(ErrNotSupported, "heading structure version %d, engine supports %d", heading.Version, paging.StructureVersion))
	}
	if heading.AccessMethod != paging.AccessMethod(settings.AccessMethod) {
		return fail(errors.Wrapf(ErrNotSupported, "heading access method %d, engine expects %d", heading.AccessMethod, settings.AccessMethod))
	}
	if int(heading.PageSize) != space.PageSize() || info.pageSize != space.PageSize() {
		return fail(errors.Wrapf(ErrNotSupported, "page size %d disagrees with backing file", heading.PageSize))
	}
	if requestedPageSize != 0 && requestedPageSize != space.PageSize() {
		return fail(errors.Wrapf(ErrNotSupported, "page size %d requested, storage uses %d", requestedPageSize, space.PageSize()))
	}
	s.heading = heading
	s.settings.PageSize = space.PageSize()

	fsm, err := paging.OpenFreeSpaceMap(space, heading.FsmPage, s.log)
	if err != nil {
		return fail(err)
	}
	s.fsm = fsm
	if err := fsm.ReleasedPages(space.NoteFreeSlot); err != nil {
		return fail(err)
	}

	s.records = blob.NewAllocator(space, fsm, blob.NewCodec(algorithm), s.log)
	s.open = true
	return s, nil
}

// guardRead validates the storage is usable for a read.
func (s *storageBase) guardRead() error {
	if s.disposed {
		return ErrDisposed
	}
	if !s.open {
		return ErrNotOpen
	}
	return nil
}

// guardWrite validates the storage is usable for a mutation.
func (s *storageBase) guardWrite() error {
	if err := s.guardRead(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

// noteFailure marks the storage read-only after a structural violation.
// Partial in-memory mutations are not rolled back.
func (s *storageBase) noteFailure(err error) error {
	if err != nil && stderrors.Is(err, ErrStorageFormat) {
		s.readOnly = true
		s.log.WithError(err).Error("structural violation, storage is read-only until reopened")
	}
	return err
}

// IsOpen reports whether the storage is open.
func (s *storageBase) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// PageSize returns the storage's page size.
func (s *storageBase) PageSize() int {
	return s.settings.PageSize
}

// Path returns the storage directory.
func (s *storageBase) Path() string {
	return s.path
}

// Count returns the number of live entries.
func (s *storageBase) Count() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return 0, err
	}
	return s.heading.EntryCount, nil
}

// Flush forces all dirtied pages to stable storage.
func (s *storageBase) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardRead(); err != nil {
		return err
	}
	return s.space.Flush()
}

// Close flushes the cache, releases the file lock and disposes the page
// space.
func (s *storageBase) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	s.open = false
	s.disposed = true
	return s.space.Close()
}
