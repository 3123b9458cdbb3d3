package bptree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/paging"
)

// entry is one slot of a node. Leaves carry (key, record ref); internal
// nodes carry (separator key, child page). All keys in a child's subtree
// sort strictly below its separator.
type entry struct {
	key   []byte
	ref   blob.Ref
	child int64
}

// node is the decoded form of a B+Tree node page. Nodes are short-lived
// buffers: decoded on fetch, mutated, encoded back through the tree.
type node struct {
	index   int64
	header  paging.NodeHeader
	entries []entry
	// right is the trailing rightmost child of an internal node.
	right int64
}

const (
	leafEntryOverhead     = 2 + blob.RefEncodedLen
	internalEntryOverhead = 2 + 8
)

func decodeNode(index int64, buf []byte, pageSize int) (*node, error) {
	header, err := paging.ReadNodeHeader(buf)
	if err != nil {
		return nil, err
	}
	n := &node{index: index, header: header, right: paging.NoPage}

	body := buf[paging.NodeHeaderLen:pageSize]
	off := 0
	count := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if !header.IsLeaf {
		n.right = int64(binary.LittleEndian.Uint64(body[off:]))
		off += 8
	}

	for i := 0; i < count; i++ {
		if off+2 > len(body) {
			return nil, errors.Wrapf(paging.ErrStorageFormat, "node %d: truncated entry %d", index, i)
		}
		keyLen := int(binary.LittleEndian.Uint16(body[off:]))
		off += 2
		if off+keyLen > len(body) {
			return nil, errors.Wrapf(paging.ErrStorageFormat, "node %d: key overruns page", index)
		}
		key := make([]byte, keyLen)
		copy(key, body[off:off+keyLen])
		off += keyLen

		e := entry{key: key, child: paging.NoPage}
		if header.IsLeaf {
			if off+blob.RefEncodedLen > len(body) {
				return nil, errors.Wrapf(paging.ErrStorageFormat, "node %d: record ref overruns page", index)
			}
			e.ref = blob.DecodeRef(body[off:])
			off += blob.RefEncodedLen
		} else {
			if off+8 > len(body) {
				return nil, errors.Wrapf(paging.ErrStorageFormat, "node %d: child index overruns page", index)
			}
			e.child = int64(binary.LittleEndian.Uint64(body[off:]))
			off += 8
		}
		n.entries = append(n.entries, e)
	}
	return n, nil
}

// encode writes the node into a zeroed page buffer and stamps the size
// class from the remaining free bytes.
func (n *node) encode(buf []byte, pageSize int) {
	for i := range buf {
		buf[i] = 0
	}
	paging.WriteNodeHeader(buf, n.header)

	body := buf[paging.NodeHeaderLen:pageSize]
	off := 0
	binary.LittleEndian.PutUint16(body[off:], uint16(len(n.entries)))
	off += 2
	if !n.header.IsLeaf {
		binary.LittleEndian.PutUint64(body[off:], uint64(n.right))
		off += 8
	}
	for _, e := range n.entries {
		binary.LittleEndian.PutUint16(body[off:], uint16(len(e.key)))
		off += 2
		copy(body[off:], e.key)
		off += len(e.key)
		if n.header.IsLeaf {
			blob.EncodeRef(body[off:], e.ref)
			off += blob.RefEncodedLen
		} else {
			binary.LittleEndian.PutUint64(body[off:], uint64(e.child))
			off += 8
		}
	}
	paging.SetClass(buf, paging.ClassForFreeBytes(pageSize, n.freeBytes(pageSize)))
}

func usableBytes(pageSize int) int {
	return pageSize - paging.NodeHeaderLen
}

func (n *node) encodedSize() int {
	size := 2
	overhead := leafEntryOverhead
	if !n.header.IsLeaf {
		size += 8
		overhead = internalEntryOverhead
	}
	for _, e := range n.entries {
		size += overhead + len(e.key)
	}
	return size
}

func (n *node) freeBytes(pageSize int) int {
	return usableBytes(pageSize) - n.encodedSize()
}

// overflowing reports whether the node no longer fits its page.
func (n *node) overflowing(pageSize int) bool {
	return n.encodedSize() > usableBytes(pageSize)
}

// underflowing reports whether a non-root node is below minimum occupancy.
func (n *node) underflowing(pageSize int) bool {
	return n.freeBytes(pageSize) > usableBytes(pageSize)/2
}

// canSpare reports whether the node stays at or above minimum occupancy
// after giving up its entry at position i.
func (n *node) canSpare(pageSize, i int) bool {
	if len(n.entries) <= 1 {
		return false
	}
	overhead := leafEntryOverhead
	if !n.header.IsLeaf {
		overhead = internalEntryOverhead
	}
	shrunk := n.encodedSize() - overhead - len(n.entries[i].key)
	return usableBytes(pageSize)-shrunk <= usableBytes(pageSize)/2
}

// findKey returns the position of the first entry whose key is not below
// key, and whether it is an exact match.
func (n *node) findKey(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	return i, i < len(n.entries) && bytes.Equal(n.entries[i].key, key)
}

// childFor returns the child to descend into for key: the child of the
// least separator above key, or the rightmost child.
func (n *node) childFor(key []byte) int64 {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(key, n.entries[i].key) < 0
	})
	if i < len(n.entries) {
		return n.entries[i].child
	}
	return n.right
}

// insertAt places an entry at position i, shifting the tail.
func (n *node) insertAt(i int, e entry) {
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

// removeAt deletes the entry at position i.
func (n *node) removeAt(i int) {
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
}

// children returns every child page of an internal node, in order.
func (n *node) children() []int64 {
	out := make([]int64, 0, len(n.entries)+1)
	for _, e := range n.entries {
		out = append(out, e.child)
	}
	out = append(out, n.right)
	return out
}

// childPos locates a child page among the node's child pointers. The
// position of the rightmost child is len(entries).
func (n *node) childPos(child int64) (int, error) {
	for i, e := range n.entries {
		if e.child == child {
			return i, nil
		}
	}
	if n.right == child {
		return len(n.entries), nil
	}
	return 0, errors.Wrapf(paging.ErrStorageFormat, "node %d has no pointer to child %d", n.index, child)
}

// splitPoint picks the first position where the left half reaches half of
// the encoded payload, keeping at least one entry on each side.
func (n *node) splitPoint() int {
	overhead := leafEntryOverhead
	if !n.header.IsLeaf {
		overhead = internalEntryOverhead
	}
	half := n.encodedSize() / 2
	acc := 0
	for i, e := range n.entries {
		acc += overhead + len(e.key)
		if acc >= half {
			if i == len(n.entries)-1 {
				return i
			}
			return i + 1
		}
	}
	return len(n.entries) / 2
}
