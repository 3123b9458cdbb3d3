package bptree

import (
	"bytes"
	"fmt"
	"math/rand"
	"path"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/paging"
)

// memMeta keeps the root pointer and entry count in memory for unit
// tests; the facade persists them in the heading page.
type memMeta struct {
	root  int64
	count uint64
}

func (m *memMeta) Root() int64                       { return m.root }
func (m *memMeta) SetRoot(index int64) error         { m.root = index; return nil }
func (m *memMeta) EntryCount() uint64                { return m.count }
func (m *memMeta) SetEntryCount(count uint64) error  { m.count = count; return nil }

func testTree(t *testing.T) (*paging.Space, *Tree) {
	t.Helper()
	assert := require.New(t)

	space, err := paging.CreateSpace(path.Join(t.TempDir(), "storage.dat"), 4096, 64, nil)
	assert.NoError(err)
	t.Cleanup(func() { _ = space.Close() })

	for i := 0; i < 3; i++ {
		_, _, err := space.CreatePage()
		assert.NoError(err)
	}
	fsm, err := paging.InitFreeSpaceMap(space, 1, nil)
	assert.NoError(err)
	assert.NoError(fsm.SetClass(0, paging.ClassFull))
	assert.NoError(fsm.SetClass(1, paging.ClassFull))

	records := blob.NewAllocator(space, fsm, blob.NewCodec(blob.CompNone), nil)
	tree := New(space, fsm, records, &memMeta{root: 2}, nil)
	assert.NoError(tree.Bootstrap())
	return space, tree
}

func TestTree_PutGet(t *testing.T) {
	assert := require.New(t)
	_, tree := testTree(t)

	assert.NoError(tree.Put([]byte("a"), []byte("1")))
	assert.NoError(tree.Put([]byte("b"), []byte("2")))

	got, err := tree.Get([]byte("a"))
	assert.NoError(err)
	assert.Equal([]byte("1"), got)

	got, err = tree.Get([]byte("missing"))
	assert.NoError(err)
	assert.Nil(got)

	found, err := tree.Contains([]byte("b"))
	assert.NoError(err)
	assert.True(found)
	assert.Equal(uint64(2), tree.Count())
}

func TestTree_UpsertReplacesValue(t *testing.T) {
	assert := require.New(t)
	space, tree := testTree(t)

	assert.NoError(tree.Put([]byte("k"), []byte("first")))
	pages := space.PageCount()

	// Overwriting releases the old record, so the page total is stable.
	assert.NoError(tree.Put([]byte("k"), []byte("second")))
	assert.Equal(pages, space.PageCount())
	assert.Equal(uint64(1), tree.Count())

	got, err := tree.Get([]byte("k"))
	assert.NoError(err)
	assert.Equal([]byte("second"), got)
}

func TestTree_InOrderScan(t *testing.T) {
	assert := require.New(t)
	_, tree := testTree(t)

	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("%03d", i)
	}
	rnd := rand.New(rand.NewSource(42))
	rnd.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	for _, k := range keys {
		assert.NoError(tree.Put([]byte(k), []byte("v"+k)))
	}
	assert.Equal(uint64(1000), tree.Count())

	var scanned []string
	assert.NoError(tree.Ascend(nil, nil, func(key, value []byte) bool {
		scanned = append(scanned, string(key))
		assert.Equal("v"+string(key), string(value))
		return true
	}))

	assert.Len(scanned, 1000)
	assert.True(sort.StringsAreSorted(scanned))
	for i := 1; i < len(scanned); i++ {
		assert.NotEqual(scanned[i-1], scanned[i])
	}

	stats, err := tree.Validate()
	assert.NoError(err)
	assert.Equal(1000, stats.Entries)
	assert.Greater(stats.Leaves, 1)
}

func TestTree_RangeScanBounds(t *testing.T) {
	assert := require.New(t)
	_, tree := testTree(t)

	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("%02d", i)
		assert.NoError(tree.Put([]byte(k), []byte(k)))
	}

	var got []string
	assert.NoError(tree.Ascend([]byte("10"), []byte("19"), func(key, _ []byte) bool {
		got = append(got, string(key))
		return true
	}))
	assert.Len(got, 10)
	assert.Equal("10", got[0])
	assert.Equal("19", got[9])

	// An early stop cuts the scan short.
	got = nil
	assert.NoError(tree.Ascend(nil, nil, func(key, _ []byte) bool {
		got = append(got, string(key))
		return len(got) < 5
	}))
	assert.Len(got, 5)
}

func TestTree_MinMaxNextPrevious(t *testing.T) {
	assert := require.New(t)
	_, tree := testTree(t)

	min, err := tree.MinKey()
	assert.NoError(err)
	assert.Nil(min)

	for _, k := range []string{"b", "d", "f"} {
		assert.NoError(tree.Put([]byte(k), []byte(k)))
	}

	min, err = tree.MinKey()
	assert.NoError(err)
	assert.Equal([]byte("b"), min)

	max, err := tree.MaxKey()
	assert.NoError(err)
	assert.Equal([]byte("f"), max)

	next, err := tree.NextKey([]byte("b"))
	assert.NoError(err)
	assert.Equal([]byte("d"), next)

	// Keys between entries resolve to their neighbors.
	next, err = tree.NextKey([]byte("c"))
	assert.NoError(err)
	assert.Equal([]byte("d"), next)

	next, err = tree.NextKey([]byte("f"))
	assert.NoError(err)
	assert.Nil(next)

	prev, err := tree.PreviousKey([]byte("d"))
	assert.NoError(err)
	assert.Equal([]byte("b"), prev)

	prev, err = tree.PreviousKey([]byte("b"))
	assert.NoError(err)
	assert.Nil(prev)
}

func TestTree_NextPreviousAcrossLeaves(t *testing.T) {
	assert := require.New(t)
	_, tree := testTree(t)

	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("%03d", i)
		assert.NoError(tree.Put([]byte(k), []byte(k)))
	}

	// Walking via NextKey visits every entry in order.
	visited := 0
	key, err := tree.MinKey()
	assert.NoError(err)
	for key != nil {
		visited++
		if key, err = tree.NextKey(key); err != nil {
			break
		}
	}
	assert.NoError(err)
	assert.Equal(1000, visited)
}

func TestTree_RemoveNonexistent(t *testing.T) {
	assert := require.New(t)
	space, tree := testTree(t)

	assert.NoError(tree.Put([]byte("only"), []byte("v")))
	pages := space.PageCount()

	removed, err := tree.Remove([]byte("other"))
	assert.NoError(err)
	assert.False(removed)
	assert.Equal(pages, space.PageCount())
	assert.Equal(uint64(1), tree.Count())
}

func TestTree_RemoveEverything(t *testing.T) {
	assert := require.New(t)
	space, tree := testTree(t)

	keys := make([]string, 2000)
	for i := range keys {
		keys[i] = fmt.Sprintf("%04d", i)
	}
	for _, k := range keys {
		assert.NoError(tree.Put([]byte(k), []byte("v"+k)))
	}
	stats, err := tree.Validate()
	assert.NoError(err)
	assert.Greater(stats.Height, 1)

	rnd := rand.New(rand.NewSource(99))
	rnd.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		removed, err := tree.Remove([]byte(k))
		assert.NoError(err)
		assert.True(removed, "key %s", k)
	}

	assert.Equal(uint64(0), tree.Count())
	stats, err = tree.Validate()
	assert.NoError(err)
	assert.Equal(1, stats.Height)
	assert.Equal(0, stats.Entries)

	// Everything but the FSM and root pages went back (the harness never
	// formats page 0): released slots read as Free, trailing ones are
	// truncated away.
	nonFree := 0
	for i := int64(0); i < space.PageCount(); i++ {
		buf, err := space.FetchPage(i)
		assert.NoError(err)
		if paging.TypeOf(buf) != paging.PageTypeFree {
			nonFree++
		}
	}
	assert.Equal(2, nonFree)
}

func TestTree_DeleteEveryOther(t *testing.T) {
	assert := require.New(t)
	_, tree := testTree(t)

	for i := 0; i < 3000; i++ {
		k := fmt.Sprintf("%04d", i)
		assert.NoError(tree.Put([]byte(k), []byte(k)))
	}
	for i := 0; i < 3000; i += 2 {
		k := fmt.Sprintf("%04d", i)
		removed, err := tree.Remove([]byte(k))
		assert.NoError(err)
		assert.True(removed)
	}

	// Survivors intact, occupancy invariant holds once the deletions are done.
	stats, err := tree.Validate()
	assert.NoError(err)
	assert.Equal(1500, stats.Entries)

	for i := 1; i < 3000; i += 2 {
		k := fmt.Sprintf("%04d", i)
		got, err := tree.Get([]byte(k))
		assert.NoError(err)
		assert.Equal([]byte(k), got)
	}
}

func TestTree_LargeValue(t *testing.T) {
	assert := require.New(t)
	space, tree := testTree(t)

	payload := make([]byte, 1<<20)
	rand.New(rand.NewSource(5)).Read(payload)

	before := space.PageCount()
	assert.NoError(tree.Put([]byte("big"), payload))

	got, err := tree.Get([]byte("big"))
	assert.NoError(err)
	assert.True(bytes.Equal(payload, got))

	removed, err := tree.Remove([]byte("big"))
	assert.NoError(err)
	assert.True(removed)
	assert.Equal(before, space.PageCount())
}

func TestTree_KeyLimits(t *testing.T) {
	assert := require.New(t)
	_, tree := testTree(t)

	assert.ErrorIs(tree.Put(nil, []byte("v")), ErrKeyTooLarge)

	huge := bytes.Repeat([]byte("k"), tree.MaxKeyLen()+1)
	assert.ErrorIs(tree.Put(huge, []byte("v")), ErrKeyTooLarge)

	widest := bytes.Repeat([]byte("k"), tree.MaxKeyLen())
	assert.NoError(tree.Put(widest, []byte("v")))
	got, err := tree.Get(widest)
	assert.NoError(err)
	assert.Equal([]byte("v"), got)
}
