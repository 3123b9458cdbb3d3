package bptree

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/paging"
)

// edgeLeaf descends to the leftmost or rightmost leaf.
func (t *Tree) edgeLeaf(rightmost bool) (*node, error) {
	index := t.meta.Root()
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.readNode(index)
		if err != nil {
			return nil, err
		}
		if n.header.IsLeaf {
			return n, nil
		}
		if rightmost || len(n.entries) == 0 {
			index = n.right
		} else {
			index = n.entries[0].child
		}
		if index == paging.NoPage {
			return nil, errors.Wrapf(paging.ErrStorageFormat, "node %d has a missing child link", n.index)
		}
	}
	return nil, errors.Wrap(paging.ErrStorageFormat, "descent exceeded maximum depth")
}

// MinKey returns the smallest key, or nil when the tree is empty.
func (t *Tree) MinKey() ([]byte, error) {
	leaf, err := t.edgeLeaf(false)
	if err != nil {
		return nil, err
	}
	if len(leaf.entries) == 0 {
		return nil, nil
	}
	return leaf.entries[0].key, nil
}

// MaxKey returns the largest key, or nil when the tree is empty.
func (t *Tree) MaxKey() ([]byte, error) {
	leaf, err := t.edgeLeaf(true)
	if err != nil {
		return nil, err
	}
	if len(leaf.entries) == 0 {
		return nil, nil
	}
	return leaf.entries[len(leaf.entries)-1].key, nil
}

// NextKey returns the smallest key strictly above key, or nil.
func (t *Tree) NextKey(key []byte) ([]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	pos, found := leaf.findKey(key)
	if found {
		pos++
	}
	for {
		if pos < len(leaf.entries) {
			return leaf.entries[pos].key, nil
		}
		if leaf.header.NextPage == paging.NoPage {
			return nil, nil
		}
		if leaf, err = t.readNode(leaf.header.NextPage); err != nil {
			return nil, err
		}
		pos = 0
	}
}

// PreviousKey returns the largest key strictly below key, or nil.
func (t *Tree) PreviousKey(key []byte) ([]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	pos, _ := leaf.findKey(key)
	for {
		if pos > 0 {
			return leaf.entries[pos-1].key, nil
		}
		if leaf.header.PrevPage == paging.NoPage {
			return nil, nil
		}
		if leaf, err = t.readNode(leaf.header.PrevPage); err != nil {
			return nil, err
		}
		pos = len(leaf.entries)
	}
}

// Ascend walks entries in ascending key order from lower to upper, both
// inclusive; a nil bound is open. fn returning false stops the scan.
func (t *Tree) Ascend(lower, upper []byte, fn func(key, value []byte) bool) error {
	var leaf *node
	var err error
	if lower == nil {
		leaf, err = t.edgeLeaf(false)
	} else {
		leaf, err = t.findLeaf(lower)
	}
	if err != nil {
		return err
	}

	pos := 0
	if lower != nil {
		pos, _ = leaf.findKey(lower)
	}

	for {
		for ; pos < len(leaf.entries); pos++ {
			e := leaf.entries[pos]
			if upper != nil && bytes.Compare(e.key, upper) > 0 {
				return nil
			}
			value, err := t.records.Read(e.ref)
			if err != nil {
				return err
			}
			if !fn(e.key, value) {
				return nil
			}
		}
		if leaf.header.NextPage == paging.NoPage {
			return nil
		}
		if leaf, err = t.readNode(leaf.header.NextPage); err != nil {
			return err
		}
		pos = 0
	}
}

// TreeStats summarizes a validated tree.
type TreeStats struct {
	Height  int
	Nodes   int
	Leaves  int
	Entries int
}

// Validate walks the whole tree and checks the structural invariants:
// parent pointers, separator ordering, uniform leaf depth, the ascending
// leaf chain, and minimum occupancy of non-root nodes.
func (t *Tree) Validate() (TreeStats, error) {
	stats := TreeStats{}
	root := t.meta.Root()
	leafDepth := -1

	var walk func(index, parent int64, depth int, lower, upper []byte) error
	walk = func(index, parent int64, depth int, lower, upper []byte) error {
		if depth > maxDepth {
			return errors.Wrap(paging.ErrStorageFormat, "validate: depth limit exceeded")
		}
		n, err := t.readNode(index)
		if err != nil {
			return err
		}
		if n.header.ParentPage != parent {
			return errors.Wrapf(paging.ErrStorageFormat, "node %d parent is %d, want %d", index, n.header.ParentPage, parent)
		}
		if index != root && n.underflowing(t.pageSize) {
			return errors.Wrapf(paging.ErrStorageFormat, "node %d below minimum occupancy", index)
		}
		stats.Nodes++

		var prev []byte
		for _, e := range n.entries {
			if prev != nil && bytes.Compare(prev, e.key) >= 0 {
				return errors.Wrapf(paging.ErrStorageFormat, "node %d keys out of order", index)
			}
			if lower != nil && bytes.Compare(e.key, lower) < 0 {
				return errors.Wrapf(paging.ErrStorageFormat, "node %d key below subtree bound", index)
			}
			if upper != nil && bytes.Compare(e.key, upper) >= 0 && n.header.IsLeaf {
				return errors.Wrapf(paging.ErrStorageFormat, "node %d key above subtree bound", index)
			}
			prev = e.key
		}

		if n.header.IsLeaf {
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				return errors.Wrapf(paging.ErrStorageFormat, "leaf %d at depth %d, want %d", index, depth, leafDepth)
			}
			stats.Leaves++
			stats.Entries += len(n.entries)
			return nil
		}

		childLower := lower
		for _, e := range n.entries {
			if err := walk(e.child, index, depth+1, childLower, e.key); err != nil {
				return err
			}
			childLower = e.key
		}
		return walk(n.right, index, depth+1, childLower, upper)
	}

	if err := walk(root, paging.NoPage, 0, nil, nil); err != nil {
		return stats, err
	}
	stats.Height = leafDepth + 1

	// The leaf chain must emit every entry in ascending order.
	leaf, err := t.edgeLeaf(false)
	if err != nil {
		return stats, err
	}
	var prev []byte
	chained := 0
	for {
		for _, e := range leaf.entries {
			if prev != nil && bytes.Compare(prev, e.key) >= 0 {
				return stats, errors.Wrap(paging.ErrStorageFormat, "leaf chain out of order")
			}
			prev = e.key
			chained++
		}
		next := leaf.header.NextPage
		if next == paging.NoPage {
			break
		}
		nextLeaf, err := t.readNode(next)
		if err != nil {
			return stats, err
		}
		if nextLeaf.header.PrevPage != leaf.index {
			return stats, errors.Wrapf(paging.ErrStorageFormat, "leaf %d back link broken", next)
		}
		leaf = nextLeaf
	}
	if chained != stats.Entries {
		return stats, errors.Wrap(paging.ErrStorageFormat, "leaf chain entry count mismatch")
	}
	return stats, nil
}
