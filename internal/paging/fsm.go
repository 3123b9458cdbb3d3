package paging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FreeSpaceMap tracks a four-bit fullness entry per page. FSM pages form a
// doubly linked chain rooted at the heading's FsmPage; each covers
// (pageSize − header) × 2 pages, bases strictly sequential. The chain
// grows lazily as the space grows.
type FreeSpaceMap struct {
	space *Space
	// chain holds the page index of every FSM page, in coverage order.
	chain    []int64
	lastUsed int
	log      logrus.FieldLogger
}

// InitFreeSpaceMap formats the first FSM page of a fresh space. The page
// must already exist in the space at index fsmPage.
func InitFreeSpaceMap(space *Space, fsmPage int64, log logrus.FieldLogger) (*FreeSpaceMap, error) {
	f := &FreeSpaceMap{space: space, log: fieldLogger(log)}

	buf, err := space.FetchPage(fsmPage)
	if err != nil {
		return nil, err
	}
	f.formatPage(buf, FSMHeader{StartPage: fsmPage, PrevPage: NoPage, NextPage: NoPage, BasePage: 0})
	if err := space.UpdatePage(fsmPage, buf); err != nil {
		return nil, err
	}
	f.chain = []int64{fsmPage}
	return f, nil
}

// OpenFreeSpaceMap loads an existing FSM chain rooted at fsmPage.
func OpenFreeSpaceMap(space *Space, fsmPage int64, log logrus.FieldLogger) (*FreeSpaceMap, error) {
	f := &FreeSpaceMap{space: space, log: fieldLogger(log)}

	for index := fsmPage; index != NoPage; {
		buf, err := space.FetchPage(index)
		if err != nil {
			return nil, err
		}
		header, err := ReadFSMHeader(buf)
		if err != nil {
			return nil, err
		}
		if header.StartPage != fsmPage {
			return nil, errors.Wrapf(ErrStorageFormat, "fsm page %d claims start %d, want %d", index, header.StartPage, fsmPage)
		}
		f.chain = append(f.chain, index)
		index = header.NextPage
	}
	return f, nil
}

func fieldLogger(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return logrus.StandardLogger()
	}
	return log
}

// entriesPerPage is how many four-bit entries one FSM page carries.
func (f *FreeSpaceMap) entriesPerPage() int64 {
	return int64(f.space.PageSize()-FSMHeaderLen) * 2
}

func (f *FreeSpaceMap) formatPage(buf []byte, header FSMHeader) {
	for i := range buf {
		buf[i] = 0
	}
	WriteFSMHeader(buf, header)
	// Every entry starts out NotUsed.
	body := buf[FSMHeaderLen:]
	for i := range body {
		body[i] = byte(ClassNotUsed)<<4 | byte(ClassNotUsed)
	}
}

// locate maps a page index to its FSM chain position and nibble.
func (f *FreeSpaceMap) locate(page int64) (chainPos int, byteOff int, high bool) {
	per := f.entriesPerPage()
	chainPos = int(page / per)
	rel := page % per
	byteOff = FSMHeaderLen + int(rel/2)
	high = rel%2 == 1
	return chainPos, byteOff, high
}

func readEntry(buf []byte, byteOff int, high bool) SizeClass {
	b := buf[byteOff]
	if high {
		return SizeClass(b >> 4)
	}
	return SizeClass(b & 0x0f)
}

func writeEntry(buf []byte, byteOff int, high bool, c SizeClass) {
	b := buf[byteOff]
	if high {
		b = b&0x0f | byte(c)<<4
	} else {
		b = b&0xf0 | byte(c)
	}
	buf[byteOff] = b
}

// GetClass returns the fullness entry for a page. Pages beyond the chain's
// coverage report NotUsed.
func (f *FreeSpaceMap) GetClass(page int64) (SizeClass, error) {
	if page < 0 {
		return 0, errors.Wrapf(ErrStorageFormat, "fsm: negative page index %d", page)
	}
	chainPos, byteOff, high := f.locate(page)
	if chainPos >= len(f.chain) {
		return ClassNotUsed, nil
	}
	buf, err := f.space.FetchPage(f.chain[chainPos])
	if err != nil {
		return 0, err
	}
	return readEntry(buf, byteOff, high), nil
}

// SetClass records the fullness entry for a page, growing the FSM chain
// when the page lies beyond current coverage.
func (f *FreeSpaceMap) SetClass(page int64, c SizeClass) error {
	if page < 0 {
		return errors.Wrapf(ErrStorageFormat, "fsm: negative page index %d", page)
	}
	chainPos, byteOff, high := f.locate(page)
	for chainPos >= len(f.chain) {
		if err := f.grow(); err != nil {
			return err
		}
	}
	index := f.chain[chainPos]
	buf, err := f.space.FetchPage(index)
	if err != nil {
		return err
	}
	writeEntry(buf, byteOff, high, c)
	return f.space.UpdatePage(index, buf)
}

// grow appends one FSM page to the chain.
func (f *FreeSpaceMap) grow() error {
	tailIndex := f.chain[len(f.chain)-1]
	tail, err := f.space.FetchPage(tailIndex)
	if err != nil {
		return err
	}
	tailHeader, err := ReadFSMHeader(tail)
	if err != nil {
		return err
	}

	index, buf, err := f.space.CreatePage()
	if err != nil {
		return err
	}
	f.formatPage(buf, FSMHeader{
		StartPage: tailHeader.StartPage,
		PrevPage:  tailIndex,
		NextPage:  NoPage,
		BasePage:  tailHeader.BasePage + f.entriesPerPage(),
	})
	if err := f.space.UpdatePage(index, buf); err != nil {
		return err
	}

	tailHeader.NextPage = index
	WriteFSMHeader(tail, tailHeader)
	if err := f.space.UpdatePage(tailIndex, tail); err != nil {
		return err
	}
	f.chain = append(f.chain, index)
	f.log.WithFields(logrus.Fields{"page": index, "chain": len(f.chain)}).Debug("fsm chain grown")

	// The new FSM page occupies a slot the chain may itself describe.
	return f.SetClass(index, ClassFull)
}

// Release marks a page NotUsed. Releasing an already free page is a no-op.
func (f *FreeSpaceMap) Release(page int64) error {
	return f.SetClass(page, ClassNotUsed)
}

// FindPage returns a page whose entry is at least minClass, preferring the
// most recently used FSM page and the lowest qualifying index within it.
// Entries are advisory: a candidate is accepted only if its page is still
// Free. On miss a new page is created. Either way the returned page's
// entry is set to Full so back-to-back searches never hand out the same
// page; the caller records the truthful class once it has written.
func (f *FreeSpaceMap) FindPage(minClass SizeClass) (int64, error) {
	if minClass > Class7 {
		return 0, errors.Wrapf(ErrStorageFormat, "fsm: %d is not a searchable class", minClass)
	}

	pageCount := f.space.PageCount()
	for probe := 0; probe < len(f.chain); probe++ {
		chainPos := (f.lastUsed + probe) % len(f.chain)
		index, found, err := f.scanPage(chainPos, minClass, pageCount)
		if err != nil {
			return 0, err
		}
		if found {
			f.lastUsed = chainPos
			return index, f.SetClass(index, ClassFull)
		}
	}

	index, buf, err := f.space.CreatePage()
	if err != nil {
		return 0, err
	}
	if err := f.space.UpdatePage(index, buf); err != nil {
		return 0, err
	}
	if err := f.SetClass(index, ClassFull); err != nil {
		return 0, err
	}
	return index, nil
}

func (f *FreeSpaceMap) scanPage(chainPos int, minClass SizeClass, pageCount int64) (int64, bool, error) {
	buf, err := f.space.FetchPage(f.chain[chainPos])
	if err != nil {
		return 0, false, err
	}
	header, err := ReadFSMHeader(buf)
	if err != nil {
		return 0, false, err
	}

	per := f.entriesPerPage()
	for rel := int64(0); rel < per; rel++ {
		page := header.BasePage + rel
		if page >= pageCount {
			break
		}
		entry := readEntry(buf, FSMHeaderLen+int(rel/2), rel%2 == 1)
		if entry > Class7 || entry < minClass {
			continue
		}
		// The entry tracks free bytes truthfully even for pages owned by
		// an access method, so confirm the page is actually unclaimed.
		candidate, err := f.space.FetchPage(page)
		if err != nil {
			return 0, false, err
		}
		if TypeOf(candidate) != PageTypeFree {
			continue
		}
		return page, true, nil
	}
	return 0, false, nil
}

// ReleasedPages calls fn for every page currently marked NotUsed that lies
// within the space. Used at open to rebuild the page store's free slots.
func (f *FreeSpaceMap) ReleasedPages(fn func(page int64)) error {
	pageCount := f.space.PageCount()
	per := f.entriesPerPage()
	for chainPos, index := range f.chain {
		buf, err := f.space.FetchPage(index)
		if err != nil {
			return err
		}
		base := int64(chainPos) * per
		for rel := int64(0); rel < per; rel++ {
			page := base + rel
			if page >= pageCount {
				return nil
			}
			if readEntry(buf, FSMHeaderLen+int(rel/2), rel%2 == 1) == ClassNotUsed {
				fn(page)
			}
		}
	}
	return nil
}
