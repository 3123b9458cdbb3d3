package paging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageCache_EvictionWritesBack(t *testing.T) {
	assert := require.New(t)

	written := make(map[int64][]byte)
	cache := newPageCache(2, func(index int64, buf []byte) error {
		written[index] = buf
		return nil
	})

	assert.NoError(cache.put(1, []byte{1}, true))
	assert.NoError(cache.put(2, []byte{2}, true))
	assert.Empty(written)

	// The third page pushes out the least recently used dirty page.
	assert.NoError(cache.put(3, []byte{3}, true))
	assert.Equal([]byte{1}, written[1])
	_, ok := cache.get(1)
	assert.False(ok)

	got, ok := cache.get(2)
	assert.True(ok)
	assert.Equal([]byte{2}, got)
}

func TestPageCache_GetRefreshesRecency(t *testing.T) {
	assert := require.New(t)

	written := make(map[int64][]byte)
	cache := newPageCache(2, func(index int64, buf []byte) error {
		written[index] = buf
		return nil
	})

	assert.NoError(cache.put(1, []byte{1}, true))
	assert.NoError(cache.put(2, []byte{2}, true))

	// Touching page 1 makes page 2 the eviction victim.
	_, ok := cache.get(1)
	assert.True(ok)
	assert.NoError(cache.put(3, []byte{3}, true))

	_, ok = cache.get(2)
	assert.False(ok)
	_, ok = cache.get(1)
	assert.True(ok)
}

func TestPageCache_FlushWritesOnlyDirty(t *testing.T) {
	assert := require.New(t)

	written := make(map[int64]int)
	cache := newPageCache(4, func(index int64, buf []byte) error {
		written[index]++
		return nil
	})

	assert.NoError(cache.put(1, []byte{1}, true))
	assert.NoError(cache.put(2, []byte{2}, false))

	assert.NoError(cache.flush())
	assert.Equal(1, written[1])
	assert.Zero(written[2])

	// A second flush has nothing left to write.
	assert.NoError(cache.flush())
	assert.Equal(1, written[1])
}
