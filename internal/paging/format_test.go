package paging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassForFreeBytes(t *testing.T) {
	assert := require.New(t)
	pageSize := 4096

	assert.Equal(Class0, ClassForFreeBytes(pageSize, 0))
	assert.Equal(Class0, ClassForFreeBytes(pageSize, 31))
	// Class1 starts at P/128.
	assert.Equal(Class1, ClassForFreeBytes(pageSize, 32))
	assert.Equal(Class1, ClassForFreeBytes(pageSize, 63))
	assert.Equal(Class2, ClassForFreeBytes(pageSize, 64))
	assert.Equal(Class6, ClassForFreeBytes(pageSize, 1024))
	assert.Equal(Class6, ClassForFreeBytes(pageSize, 2047))
	// Class7 is half a page or more.
	assert.Equal(Class7, ClassForFreeBytes(pageSize, 2048))
	assert.Equal(Class7, ClassForFreeBytes(pageSize, 4096))
}

func TestClassLowerBound(t *testing.T) {
	assert := require.New(t)
	pageSize := 4096

	assert.Equal(0, ClassLowerBound(pageSize, Class0))
	assert.Equal(32, ClassLowerBound(pageSize, Class1))
	assert.Equal(2048, ClassLowerBound(pageSize, Class7))

	// Every class boundary maps back to its own class.
	for c := Class0; c <= Class7; c++ {
		assert.Equal(c, ClassForFreeBytes(pageSize, ClassLowerBound(pageSize, c)))
	}
}

func TestHeadingHeader_RoundTrip(t *testing.T) {
	assert := require.New(t)

	buf := make([]byte, 4096)
	h := HeadingHeader{
		PageSize:     4096,
		Version:      StructureVersion,
		AccessMethod: AccessMethodBPlusTree,
		FsmPage:      1,
		RootPage:     2,
		EntryCount:   42,
	}
	WriteHeadingHeader(buf, h)

	assert.Equal(PageTypeHeading, TypeOf(buf))
	assert.Equal(HeadingHeaderLen, HeaderLenOf(buf))

	got, err := ReadHeadingHeader(buf)
	assert.NoError(err)
	assert.Equal(h, got)
}

func TestNodeHeader_RoundTrip(t *testing.T) {
	assert := require.New(t)

	buf := make([]byte, 4096)
	h := NodeHeader{ParentPage: 7, PrevPage: NoPage, NextPage: 12, IsLeaf: true}
	WriteNodeHeader(buf, h)

	assert.Equal(NodeHeaderLen, HeaderLenOf(buf))

	got, err := ReadNodeHeader(buf)
	assert.NoError(err)
	assert.Equal(h, got)

	// A node page always carries a real size class.
	assert.LessOrEqual(byte(ClassOf(buf)), byte(Class7))
}

func TestReadHeader_WrongType(t *testing.T) {
	assert := require.New(t)

	buf := make([]byte, 4096)
	WriteMultiPageHeader(buf, MultiPageHeader{StartPage: 3, PrevPage: NoPage, NextPage: 4, SizeRange: 20})

	_, err := ReadNodeHeader(buf)
	assert.ErrorIs(err, ErrStorageFormat)

	got, err := ReadMultiPageHeader(buf)
	assert.NoError(err)
	assert.Equal(int64(3), got.StartPage)
	assert.Equal(int64(4), got.NextPage)
}

func TestVarItemPage(t *testing.T) {
	assert := require.New(t)
	pageSize := 4096

	buf := make([]byte, pageSize)
	payload := []byte("a modest record")
	WriteVarItem(buf, pageSize, payload)

	got, err := ReadVarItem(buf, pageSize)
	assert.NoError(err)
	assert.Equal(payload, got)

	// Nearly the whole page is free, so the class is high.
	assert.Equal(Class7, ClassOf(buf))
}

func TestFixedItemPage(t *testing.T) {
	assert := require.New(t)
	pageSize := 4096

	buf := make([]byte, pageSize)
	InitFixedItemPage(buf, pageSize, 8)
	assert.Equal(0, FixedItemCount(buf))
	assert.Equal((pageSize-FixedItemHeaderLen)/8, FixedItemCapacity(buf, pageSize))

	a := []byte("aaaaaaaa")
	b := []byte("bbbbbbbb")
	c := []byte("cccccccc")
	for i, item := range [][]byte{a, b, c} {
		slot, err := AppendFixedItem(buf, pageSize, item)
		assert.NoError(err)
		assert.Equal(i, slot)
	}
	assert.Equal(3, FixedItemCount(buf))

	got, err := ReadFixedItem(buf, 1)
	assert.NoError(err)
	assert.Equal(b, got)

	// Removal swaps the last item into the hole.
	assert.NoError(RemoveFixedItem(buf, pageSize, 0))
	assert.Equal(2, FixedItemCount(buf))
	got, err = ReadFixedItem(buf, 0)
	assert.NoError(err)
	assert.Equal(c, got)

	_, err = AppendFixedItem(buf, pageSize, []byte("short"))
	assert.ErrorIs(err, ErrStorageFormat)
}
