package blob

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/datatanker/datatanker/internal/paging"
)

// Ref locates a stored record: the page holding it, and its size class.
// ClassMultiPage marks the head of a linked multi-page chain.
type Ref struct {
	Start int64
	Class paging.SizeClass
}

// NullRef is the reference of no record.
var NullRef = Ref{Start: paging.NoPage, Class: paging.ClassNotApplicable}

// IsNull reports whether the reference points at nothing.
func (r Ref) IsNull() bool {
	return r.Start == paging.NoPage
}

const refEncodedLen = 9

// EncodeRef writes a reference into nine bytes.
func EncodeRef(buf []byte, r Ref) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Start))
	buf[8] = byte(r.Class)
}

// DecodeRef reads a reference written by EncodeRef.
func DecodeRef(buf []byte) Ref {
	return Ref{
		Start: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Class: paging.SizeClass(buf[8]),
	}
}

// RefEncodedLen is the on-disk size of a reference.
const RefEncodedLen = refEncodedLen

// Allocator stores variable-length byte strings either inline on one page
// or across a linked chain of multi-pages, picking target pages through
// the free-space map.
type Allocator struct {
	space *paging.Space
	fsm   *paging.FreeSpaceMap
	codec Codec
	log   logrus.FieldLogger
}

// NewAllocator wires an allocator over a page space and its FSM.
func NewAllocator(space *paging.Space, fsm *paging.FreeSpaceMap, codec Codec, log logrus.FieldLogger) *Allocator {
	if codec == nil {
		codec = NewCodec(CompNone)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Allocator{space: space, fsm: fsm, codec: codec, log: log}
}

// Write stores a payload and returns its reference.
func (a *Allocator) Write(payload []byte) (Ref, error) {
	encoded := a.codec.Compress(payload)
	pageSize := a.space.PageSize()

	if len(encoded) <= paging.VarItemCapacity(pageSize) {
		return a.writeSingle(encoded, pageSize)
	}
	return a.writeChain(encoded, pageSize)
}

func (a *Allocator) writeSingle(encoded []byte, pageSize int) (Ref, error) {
	index, err := a.fsm.FindPage(paging.Class7)
	if err != nil {
		return NullRef, err
	}
	buf, err := a.space.FetchPage(index)
	if err != nil {
		return NullRef, err
	}
	paging.WriteVarItem(buf, pageSize, encoded)
	if err := a.space.UpdatePage(index, buf); err != nil {
		return NullRef, err
	}
	class := paging.ClassOf(buf)
	if err := a.fsm.SetClass(index, class); err != nil {
		return NullRef, err
	}
	return Ref{Start: index, Class: class}, nil
}

func (a *Allocator) writeChain(encoded []byte, pageSize int) (Ref, error) {
	capacity := paging.MultiPageCapacity(pageSize)
	pages := (len(encoded) + capacity - 1) / capacity
	sizeRange := byte(bits.Len(uint(len(encoded))))

	indices := make([]int64, pages)
	for i := range indices {
		index, err := a.fsm.FindPage(paging.Class7)
		if err != nil {
			return NullRef, err
		}
		indices[i] = index
	}
	start := indices[0]

	for i, index := range indices {
		frag := encoded[i*capacity:]
		if len(frag) > capacity {
			frag = frag[:capacity]
		}
		prev, next := paging.NoPage, paging.NoPage
		if i > 0 {
			prev = indices[i-1]
		}
		if i < pages-1 {
			next = indices[i+1]
		}

		buf, err := a.space.FetchPage(index)
		if err != nil {
			return NullRef, err
		}
		paging.WriteMultiPageHeader(buf, paging.MultiPageHeader{
			StartPage: start,
			PrevPage:  prev,
			NextPage:  next,
			SizeRange: sizeRange,
		})
		binary.LittleEndian.PutUint32(buf[paging.MultiPageHeaderLen:], uint32(len(frag)))
		copy(buf[paging.MultiPageHeaderLen+4:], frag)
		if err := a.space.UpdatePage(index, buf); err != nil {
			return NullRef, err
		}
		if err := a.fsm.SetClass(index, paging.ClassMultiPage); err != nil {
			return NullRef, err
		}
	}

	a.log.WithFields(logrus.Fields{"bytes": len(encoded), "pages": pages}).Debug("multi-page record written")
	return Ref{Start: start, Class: paging.ClassMultiPage}, nil
}

// Read returns the payload a reference points at.
func (a *Allocator) Read(ref Ref) ([]byte, error) {
	if ref.IsNull() {
		return nil, errors.Wrap(paging.ErrStorageFormat, "read of null record reference")
	}

	var encoded []byte
	if ref.Class == paging.ClassMultiPage {
		chain, err := a.walkChain(ref.Start)
		if err != nil {
			return nil, err
		}
		for _, index := range chain {
			frag, err := a.readFragment(index)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, frag...)
		}
	} else {
		buf, err := a.space.FetchPage(ref.Start)
		if err != nil {
			return nil, err
		}
		item, err := paging.ReadVarItem(buf, a.space.PageSize())
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, item...)
	}

	return a.codec.Decompress(encoded)
}

// Release frees every page a reference owns. Releasing an already free
// record is a no-op.
func (a *Allocator) Release(ref Ref) error {
	if ref.IsNull() {
		return nil
	}
	// A released trailing chain may have been truncated away entirely.
	if ref.Start >= a.space.PageCount() {
		return nil
	}
	buf, err := a.space.FetchPage(ref.Start)
	if err != nil {
		return err
	}
	if paging.TypeOf(buf) == paging.PageTypeFree {
		return nil
	}

	var pages []int64
	if ref.Class == paging.ClassMultiPage {
		pages, err = a.walkChain(ref.Start)
		if err != nil {
			return err
		}
	} else {
		if err := paging.TypeOf(buf).ExpectItem(); err != nil {
			return err
		}
		pages = []int64{ref.Start}
	}

	for _, index := range pages {
		if err := a.fsm.Release(index); err != nil {
			return err
		}
		if err := a.space.RemovePage(index); err != nil {
			return err
		}
	}
	return nil
}

// PageSpan reports how many pages a reference occupies.
func (a *Allocator) PageSpan(ref Ref) (int, error) {
	if ref.IsNull() {
		return 0, nil
	}
	if ref.Class != paging.ClassMultiPage {
		return 1, nil
	}
	chain, err := a.walkChain(ref.Start)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// walkChain collects a chain's page indices, verifying every link carries
// the multi-page type and the chain's start index.
func (a *Allocator) walkChain(start int64) ([]int64, error) {
	var chain []int64
	limit := a.space.PageCount()
	for index := start; index != paging.NoPage; {
		if int64(len(chain)) > limit {
			return nil, errors.Wrapf(paging.ErrStorageFormat, "multi-page chain at %d has a cycle", start)
		}
		buf, err := a.space.FetchPage(index)
		if err != nil {
			return nil, err
		}
		header, err := paging.ReadMultiPageHeader(buf)
		if err != nil {
			return nil, err
		}
		if header.StartPage != start {
			return nil, errors.Wrapf(paging.ErrStorageFormat, "multi-page %d claims start %d, want %d", index, header.StartPage, start)
		}
		chain = append(chain, index)
		index = header.NextPage
	}
	return chain, nil
}

func (a *Allocator) readFragment(index int64) ([]byte, error) {
	buf, err := a.space.FetchPage(index)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(buf[paging.MultiPageHeaderLen:]))
	if n < 0 || paging.MultiPageHeaderLen+4+n > a.space.PageSize() {
		return nil, errors.Wrapf(paging.ErrStorageFormat, "fragment length %d exceeds page", n)
	}
	return buf[paging.MultiPageHeaderLen+4 : paging.MultiPageHeaderLen+4+n], nil
}
