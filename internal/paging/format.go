package paging

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// StructureVersion pins the on-disk layout, including the size-class
// boundary table. Bump on any incompatible format change.
const StructureVersion = 1

// NoPage is the sentinel page index for a missing link.
const NoPage int64 = -1

// MinPageSize is the smallest supported page size. Page sizes must be a
// power of two.
const MinPageSize = 4096

// PageType discriminates the layout of a page. A zeroed buffer reads as
// PageTypeFree.
type PageType byte

const (
	PageTypeFree PageType = iota
	PageTypeHeading
	PageTypeFreeSpaceMap
	PageTypeBPlusTreeNode
	PageTypeRadixTreeNode
	PageTypeFixedSizeItem
	PageTypeVariableSizeItem
	PageTypeMultiPage
)

// AccessMethod tags which ordered-map algorithm owns the storage.
type AccessMethod byte

const (
	AccessMethodBPlusTree AccessMethod = 1
	AccessMethodRadixTree AccessMethod = 2
)

// SizeClass is a coarse bucket of a page's free bytes. Classes 0 through 7
// are exponentially spaced; the remaining values are markers. All values
// fit a four-bit FSM entry.
type SizeClass byte

const (
	Class0 SizeClass = iota
	Class1
	Class2
	Class3
	Class4
	Class5
	Class6
	Class7
	ClassFull          SizeClass = 8
	ClassMultiPage     SizeClass = 9
	ClassNotApplicable SizeClass = 10
	ClassNotUsed       SizeClass = 15
)

// Header lengths by page type. The common header is four bytes:
// type, size class, and a two byte header length.
const (
	CommonHeaderLen = 4

	// HeadingHeaderLen covers: PageSize uint32 at 4, StructureVersion
	// uint32 at 8, AccessMethod byte at 12, FsmPage int64 at 16,
	// RootPage int64 at 24, EntryCount uint64 at 32.
	HeadingHeaderLen = 40

	// FSMHeaderLen covers: StartPage int64 at 4, PrevPage int64 at 12,
	// NextPage int64 at 20, BasePage int64 at 28.
	FSMHeaderLen = 36

	// NodeHeaderLen covers: ParentPage int64 at 4, PrevPage int64 at 12,
	// NextPage int64 at 20, IsLeaf byte at 28, one pad byte.
	NodeHeaderLen = 30

	// MultiPageHeaderLen covers: StartPage int64 at 4, PrevPage int64 at
	// 12, NextPage int64 at 20, SizeRange byte at 28, one pad byte.
	MultiPageHeaderLen = 30

	// VarItemHeaderLen covers: ItemLength uint32 at 4. The body holds a
	// single variable-size record.
	VarItemHeaderLen = 8

	// FixedItemHeaderLen covers: ItemLength uint16 at 4, ItemCount uint16
	// at 6. The body holds ItemCount consecutive records.
	FixedItemHeaderLen = 8
)

// ClassForFreeBytes maps a free byte count to its size class. Class c
// (1..7) holds pages with at least pageSize>>(8-c) bytes free; Class7 is
// half a page or more.
func ClassForFreeBytes(pageSize, free int) SizeClass {
	for c := 7; c >= 1; c-- {
		if free >= pageSize>>uint(8-c) {
			return SizeClass(c)
		}
	}
	return Class0
}

// ClassLowerBound returns the smallest free byte count a page of the given
// class is guaranteed to have.
func ClassLowerBound(pageSize int, c SizeClass) int {
	if c == Class0 || c > Class7 {
		return 0
	}
	return pageSize >> uint(8-byte(c))
}

func putPageIndex(buf []byte, v int64) {
	binary.LittleEndian.PutUint64(buf, uint64(v))
}

func pageIndex(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

func writeCommon(buf []byte, t PageType, c SizeClass, headerLen int) {
	buf[0] = byte(t)
	buf[1] = byte(c)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(headerLen))
}

// TypeOf reports the page type stored in a buffer.
func TypeOf(buf []byte) PageType {
	return PageType(buf[0])
}

// ExpectItem errors unless the type is a single-page item type.
func (t PageType) ExpectItem() error {
	if t != PageTypeVariableSizeItem && t != PageTypeFixedSizeItem {
		return errors.Wrapf(ErrStorageFormat, "page type %d is not an item page", t)
	}
	return nil
}

// ClassOf reports the size class stored in a buffer's common header.
func ClassOf(buf []byte) SizeClass {
	return SizeClass(buf[1])
}

// SetClass updates the size class in a buffer's common header.
func SetClass(buf []byte, c SizeClass) {
	buf[1] = byte(c)
}

// HeaderLenOf reports the header length recorded in the common header.
func HeaderLenOf(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[2:4]))
}

func expectType(buf []byte, want PageType) error {
	if got := TypeOf(buf); got != want {
		return errors.Wrapf(ErrStorageFormat, "page type %d, want %d", got, want)
	}
	return nil
}

// HeadingHeader is the typed header of page 0.
type HeadingHeader struct {
	PageSize     uint32
	Version      uint32
	AccessMethod AccessMethod
	FsmPage      int64
	RootPage     int64
	EntryCount   uint64
}

// WriteHeadingHeader encodes h into the front of a page buffer.
func WriteHeadingHeader(buf []byte, h HeadingHeader) {
	writeCommon(buf, PageTypeHeading, ClassNotApplicable, HeadingHeaderLen)
	binary.LittleEndian.PutUint32(buf[4:8], h.PageSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	buf[12] = byte(h.AccessMethod)
	putPageIndex(buf[16:24], h.FsmPage)
	putPageIndex(buf[24:32], h.RootPage)
	binary.LittleEndian.PutUint64(buf[32:40], h.EntryCount)
}

// ReadHeadingHeader decodes the heading header, validating the page type.
func ReadHeadingHeader(buf []byte) (HeadingHeader, error) {
	if err := expectType(buf, PageTypeHeading); err != nil {
		return HeadingHeader{}, err
	}
	return HeadingHeader{
		PageSize:     binary.LittleEndian.Uint32(buf[4:8]),
		Version:      binary.LittleEndian.Uint32(buf[8:12]),
		AccessMethod: AccessMethod(buf[12]),
		FsmPage:      pageIndex(buf[16:24]),
		RootPage:     pageIndex(buf[24:32]),
		EntryCount:   binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// FSMHeader is the typed header of a free-space-map page.
type FSMHeader struct {
	StartPage int64
	PrevPage  int64
	NextPage  int64
	BasePage  int64
}

// WriteFSMHeader encodes h into the front of a page buffer.
func WriteFSMHeader(buf []byte, h FSMHeader) {
	writeCommon(buf, PageTypeFreeSpaceMap, ClassNotApplicable, FSMHeaderLen)
	putPageIndex(buf[4:12], h.StartPage)
	putPageIndex(buf[12:20], h.PrevPage)
	putPageIndex(buf[20:28], h.NextPage)
	putPageIndex(buf[28:36], h.BasePage)
}

// ReadFSMHeader decodes an FSM page header, validating the page type.
func ReadFSMHeader(buf []byte) (FSMHeader, error) {
	if err := expectType(buf, PageTypeFreeSpaceMap); err != nil {
		return FSMHeader{}, err
	}
	return FSMHeader{
		StartPage: pageIndex(buf[4:12]),
		PrevPage:  pageIndex(buf[12:20]),
		NextPage:  pageIndex(buf[20:28]),
		BasePage:  pageIndex(buf[28:36]),
	}, nil
}

// NodeHeader is the typed header of a B+Tree node page. The size class of
// a node page is always a real class, never a marker.
type NodeHeader struct {
	ParentPage int64
	PrevPage   int64
	NextPage   int64
	IsLeaf     bool
}

// WriteNodeHeader encodes h into the front of a page buffer. The size
// class byte is preserved; callers keep it current via SetClass.
func WriteNodeHeader(buf []byte, h NodeHeader) {
	class := SizeClass(buf[1])
	if TypeOf(buf) != PageTypeBPlusTreeNode || class > Class7 {
		class = Class7
	}
	writeCommon(buf, PageTypeBPlusTreeNode, class, NodeHeaderLen)
	putPageIndex(buf[4:12], h.ParentPage)
	putPageIndex(buf[12:20], h.PrevPage)
	putPageIndex(buf[20:28], h.NextPage)
	if h.IsLeaf {
		buf[28] = 1
	} else {
		buf[28] = 0
	}
	buf[29] = 0
}

// ReadNodeHeader decodes a node page header, validating the page type.
func ReadNodeHeader(buf []byte) (NodeHeader, error) {
	if err := expectType(buf, PageTypeBPlusTreeNode); err != nil {
		return NodeHeader{}, err
	}
	return NodeHeader{
		ParentPage: pageIndex(buf[4:12]),
		PrevPage:   pageIndex(buf[12:20]),
		NextPage:   pageIndex(buf[20:28]),
		IsLeaf:     buf[28] == 1,
	}, nil
}

// MultiPageHeader is the typed header of one page in a multi-page chain.
type MultiPageHeader struct {
	StartPage int64
	PrevPage  int64
	NextPage  int64
	SizeRange byte
}

// WriteMultiPageHeader encodes h into the front of a page buffer.
func WriteMultiPageHeader(buf []byte, h MultiPageHeader) {
	writeCommon(buf, PageTypeMultiPage, ClassMultiPage, MultiPageHeaderLen)
	putPageIndex(buf[4:12], h.StartPage)
	putPageIndex(buf[12:20], h.PrevPage)
	putPageIndex(buf[20:28], h.NextPage)
	buf[28] = h.SizeRange
	buf[29] = 0
}

// ReadMultiPageHeader decodes a multi-page header, validating the page type.
func ReadMultiPageHeader(buf []byte) (MultiPageHeader, error) {
	if err := expectType(buf, PageTypeMultiPage); err != nil {
		return MultiPageHeader{}, err
	}
	return MultiPageHeader{
		StartPage: pageIndex(buf[4:12]),
		PrevPage:  pageIndex(buf[12:20]),
		NextPage:  pageIndex(buf[20:28]),
		SizeRange: buf[28],
	}, nil
}

// WriteVarItem initializes a variable-size item page holding one record.
// The record must fit the page body; callers check VarItemCapacity first.
func WriteVarItem(buf []byte, pageSize int, payload []byte) {
	free := pageSize - VarItemHeaderLen - len(payload)
	writeCommon(buf, PageTypeVariableSizeItem, ClassForFreeBytes(pageSize, free), VarItemHeaderLen)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[VarItemHeaderLen:], payload)
}

// ReadVarItem returns the record stored on a variable-size item page.
func ReadVarItem(buf []byte, pageSize int) ([]byte, error) {
	if err := expectType(buf, PageTypeVariableSizeItem); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(buf[4:8]))
	if n < 0 || VarItemHeaderLen+n > pageSize {
		return nil, errors.Wrapf(ErrStorageFormat, "item length %d exceeds page", n)
	}
	return buf[VarItemHeaderLen : VarItemHeaderLen+n], nil
}

// VarItemCapacity is the largest record a single variable-size item page
// can hold.
func VarItemCapacity(pageSize int) int {
	return pageSize - VarItemHeaderLen
}

// MultiPageCapacity is the payload carried by one page of a multi-page
// chain. The fragment length is a uint32 following the header.
func MultiPageCapacity(pageSize int) int {
	return pageSize - MultiPageHeaderLen - 4
}

// InitFixedItemPage prepares an empty fixed-size item page.
func InitFixedItemPage(buf []byte, pageSize, itemLen int) {
	free := pageSize - FixedItemHeaderLen
	writeCommon(buf, PageTypeFixedSizeItem, ClassForFreeBytes(pageSize, free), FixedItemHeaderLen)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(itemLen))
	binary.LittleEndian.PutUint16(buf[6:8], 0)
}

// FixedItemCount reports the records stored on a fixed-size item page.
func FixedItemCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[6:8]))
}

// FixedItemLen reports the record length of a fixed-size item page.
func FixedItemLen(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[4:6]))
}

// FixedItemCapacity reports how many records of the page's item length fit.
func FixedItemCapacity(buf []byte, pageSize int) int {
	itemLen := FixedItemLen(buf)
	if itemLen == 0 {
		return 0
	}
	return (pageSize - FixedItemHeaderLen) / itemLen
}

// AppendFixedItem stores a record in the next slot and returns its index.
func AppendFixedItem(buf []byte, pageSize int, item []byte) (int, error) {
	if err := expectType(buf, PageTypeFixedSizeItem); err != nil {
		return 0, err
	}
	itemLen := FixedItemLen(buf)
	if len(item) != itemLen {
		return 0, errors.Wrapf(ErrStorageFormat, "item length %d, page holds %d byte items", len(item), itemLen)
	}
	count := FixedItemCount(buf)
	if count >= FixedItemCapacity(buf, pageSize) {
		return 0, errors.Wrap(ErrStorageFormat, "fixed item page full")
	}
	off := FixedItemHeaderLen + count*itemLen
	copy(buf[off:off+itemLen], item)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(count+1))
	free := pageSize - FixedItemHeaderLen - (count+1)*itemLen
	SetClass(buf, ClassForFreeBytes(pageSize, free))
	return count, nil
}

// ReadFixedItem returns the record at slot i.
func ReadFixedItem(buf []byte, i int) ([]byte, error) {
	if err := expectType(buf, PageTypeFixedSizeItem); err != nil {
		return nil, err
	}
	if i < 0 || i >= FixedItemCount(buf) {
		return nil, errors.Wrapf(ErrStorageFormat, "fixed item slot %d out of range", i)
	}
	itemLen := FixedItemLen(buf)
	off := FixedItemHeaderLen + i*itemLen
	return buf[off : off+itemLen], nil
}

// RemoveFixedItem deletes the record at slot i, moving the last record
// into its place.
func RemoveFixedItem(buf []byte, pageSize, i int) error {
	if err := expectType(buf, PageTypeFixedSizeItem); err != nil {
		return err
	}
	count := FixedItemCount(buf)
	if i < 0 || i >= count {
		return errors.Wrapf(ErrStorageFormat, "fixed item slot %d out of range", i)
	}
	itemLen := FixedItemLen(buf)
	last := FixedItemHeaderLen + (count-1)*itemLen
	if i != count-1 {
		off := FixedItemHeaderLen + i*itemLen
		copy(buf[off:off+itemLen], buf[last:last+itemLen])
	}
	binary.LittleEndian.PutUint16(buf[6:8], uint16(count-1))
	free := pageSize - FixedItemHeaderLen - (count-1)*itemLen
	SetClass(buf, ClassForFreeBytes(pageSize, free))
	return nil
}
