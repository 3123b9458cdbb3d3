package paging

import (
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

// testFSM lays out the first three pages the way a fresh storage does:
// heading, FSM page, access-method root.
func testFSM(t *testing.T) (*Space, *FreeSpaceMap) {
	t.Helper()
	assert := require.New(t)

	space, err := CreateSpace(path.Join(t.TempDir(), "storage.dat"), 4096, 8, nil)
	assert.NoError(err)
	t.Cleanup(func() { _ = space.Close() })

	for i := 0; i < 3; i++ {
		_, _, err := space.CreatePage()
		assert.NoError(err)
	}
	fsm, err := InitFreeSpaceMap(space, 1, nil)
	assert.NoError(err)
	assert.NoError(fsm.SetClass(0, ClassFull))
	assert.NoError(fsm.SetClass(1, ClassFull))
	return space, fsm
}

func TestFSM_SetAndGetClass(t *testing.T) {
	assert := require.New(t)
	_, fsm := testFSM(t)

	assert.NoError(fsm.SetClass(2, Class3))

	got, err := fsm.GetClass(2)
	assert.NoError(err)
	assert.Equal(Class3, got)

	got, err = fsm.GetClass(0)
	assert.NoError(err)
	assert.Equal(ClassFull, got)

	// Neighboring entries share a byte without clobbering each other.
	got, err = fsm.GetClass(1)
	assert.NoError(err)
	assert.Equal(ClassFull, got)
}

func TestFSM_FindPageCreatesOnMiss(t *testing.T) {
	assert := require.New(t)
	space, fsm := testFSM(t)

	before := space.PageCount()
	index, err := fsm.FindPage(Class7)
	assert.NoError(err)
	assert.Equal(before, index)
	assert.Equal(before+1, space.PageCount())

	// The page is claimed until the caller records the real class.
	got, err := fsm.GetClass(index)
	assert.NoError(err)
	assert.Equal(ClassFull, got)
}

func TestFSM_FindPagePrefersLowestIndex(t *testing.T) {
	assert := require.New(t)
	_, fsm := testFSM(t)

	// Back-to-back searches never hand out the same page.
	a, err := fsm.FindPage(Class7)
	assert.NoError(err)
	b, err := fsm.FindPage(Class7)
	assert.NoError(err)
	assert.Less(a, b)

	// Both pages are still Free; once their entries advertise emptiness
	// again, the search lands on the lower index.
	assert.NoError(fsm.SetClass(a, Class7))
	assert.NoError(fsm.SetClass(b, Class7))
	found, err := fsm.FindPage(Class7)
	assert.NoError(err)
	assert.Equal(a, found)
}

func TestFSM_FindPageSkipsClaimedPages(t *testing.T) {
	assert := require.New(t)
	space, fsm := testFSM(t)

	index, err := fsm.FindPage(Class7)
	assert.NoError(err)

	// Claim the page as a record; its entry still advertises free bytes.
	buf, err := space.FetchPage(index)
	assert.NoError(err)
	WriteVarItem(buf, 4096, []byte("x"))
	assert.NoError(space.UpdatePage(index, buf))
	assert.NoError(fsm.SetClass(index, ClassOf(buf)))

	next, err := fsm.FindPage(Class7)
	assert.NoError(err)
	assert.NotEqual(index, next)
}

func TestFSM_ReleaseAndRescan(t *testing.T) {
	assert := require.New(t)
	space, fsm := testFSM(t)

	index, err := fsm.FindPage(Class7)
	assert.NoError(err)
	buf, err := space.FetchPage(index)
	assert.NoError(err)
	WriteVarItem(buf, 4096, []byte("short-lived"))
	assert.NoError(space.UpdatePage(index, buf))
	assert.NoError(fsm.SetClass(index, ClassOf(buf)))

	assert.NoError(fsm.Release(index))
	got, err := fsm.GetClass(index)
	assert.NoError(err)
	assert.Equal(ClassNotUsed, got)

	// Released entries are surfaced for slot reuse.
	var released []int64
	assert.NoError(fsm.ReleasedPages(func(page int64) {
		released = append(released, page)
	}))
	assert.Contains(released, index)
}

func TestFSM_ReopenKeepsEntries(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	dataFile := path.Join(dir, "storage.dat")

	space, err := CreateSpace(dataFile, 4096, 8, nil)
	assert.NoError(err)
	for i := 0; i < 3; i++ {
		_, _, err := space.CreatePage()
		assert.NoError(err)
	}
	headingBuf, err := space.FetchPage(0)
	assert.NoError(err)
	WriteHeadingHeader(headingBuf, HeadingHeader{PageSize: 4096, Version: StructureVersion, AccessMethod: AccessMethodBPlusTree, FsmPage: 1, RootPage: 2})
	assert.NoError(space.UpdatePage(0, headingBuf))

	fsm, err := InitFreeSpaceMap(space, 1, nil)
	assert.NoError(err)
	assert.NoError(fsm.SetClass(2, Class5))
	assert.NoError(space.Close())

	reopened, err := OpenSpace(dataFile, 8, nil)
	assert.NoError(err)
	defer reopened.Close()

	fsm2, err := OpenFreeSpaceMap(reopened, 1, nil)
	assert.NoError(err)
	got, err := fsm2.GetClass(2)
	assert.NoError(err)
	assert.Equal(Class5, got)
}
