package bptree

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/paging"
)

// ErrKeyTooLarge is returned when a key cannot share a node page with a
// reasonable number of neighbors.
var ErrKeyTooLarge = errors.New("key too large for page size")

// maxDepth bounds descent so a corrupt parent/child cycle fails instead of
// spinning.
const maxDepth = 64

// Meta persists the tree's root page index and entry count. The facade
// backs it with the heading page.
type Meta interface {
	Root() int64
	SetRoot(index int64) error
	EntryCount() uint64
	SetEntryCount(count uint64) error
}

// Tree is an ordered map over opaque byte-string keys, compared
// lexicographically. Leaves hold record references into the allocator and
// form an ascending doubly linked list; internal nodes hold separators.
type Tree struct {
	space    *paging.Space
	fsm      *paging.FreeSpaceMap
	records  *blob.Allocator
	meta     Meta
	log      logrus.FieldLogger
	pageSize int
}

// New wires a tree over its collaborators. The root page must already be
// formatted (Bootstrap does that for a fresh storage).
func New(space *paging.Space, fsm *paging.FreeSpaceMap, records *blob.Allocator, meta Meta, log logrus.FieldLogger) *Tree {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tree{
		space:    space,
		fsm:      fsm,
		records:  records,
		meta:     meta,
		log:      log,
		pageSize: space.PageSize(),
	}
}

// Bootstrap formats the root page of a fresh storage as an empty leaf.
func (t *Tree) Bootstrap() error {
	root := &node{
		index: t.meta.Root(),
		header: paging.NodeHeader{
			ParentPage: paging.NoPage,
			PrevPage:   paging.NoPage,
			NextPage:   paging.NoPage,
			IsLeaf:     true,
		},
		right: paging.NoPage,
	}
	return t.saveNode(root)
}

// MaxKeyLen is the largest key the tree accepts for its page size. A node
// page must fit several keys for splits to terminate.
func (t *Tree) MaxKeyLen() int {
	return usableBytes(t.pageSize) / 8
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 {
		return errors.Wrap(ErrKeyTooLarge, "empty key")
	}
	if len(key) > t.MaxKeyLen() {
		return errors.Wrapf(ErrKeyTooLarge, "%d bytes, limit %d", len(key), t.MaxKeyLen())
	}
	return nil
}

func (t *Tree) readNode(index int64) (*node, error) {
	buf, err := t.space.FetchPage(index)
	if err != nil {
		return nil, err
	}
	return decodeNode(index, buf, t.pageSize)
}

// saveNode encodes a node back onto its page and mirrors the page's size
// class into the free-space map.
func (t *Tree) saveNode(n *node) error {
	buf, err := t.space.FetchPage(n.index)
	if err != nil {
		return err
	}
	n.encode(buf, t.pageSize)
	if err := t.space.UpdatePage(n.index, buf); err != nil {
		return err
	}
	return t.fsm.SetClass(n.index, paging.ClassOf(buf))
}

func (t *Tree) allocNodePage() (int64, error) {
	return t.fsm.FindPage(paging.Class7)
}

func (t *Tree) freeNodePage(index int64) error {
	if err := t.fsm.Release(index); err != nil {
		return err
	}
	return t.space.RemovePage(index)
}

// setParent rewrites the parent pointer of a node page in place.
func (t *Tree) setParent(index, parent int64) error {
	buf, err := t.space.FetchPage(index)
	if err != nil {
		return err
	}
	header, err := paging.ReadNodeHeader(buf)
	if err != nil {
		return err
	}
	header.ParentPage = parent
	paging.WriteNodeHeader(buf, header)
	return t.space.UpdatePage(index, buf)
}

// setPrevSibling rewrites the previous-sibling pointer of a node page.
func (t *Tree) setPrevSibling(index, prev int64) error {
	buf, err := t.space.FetchPage(index)
	if err != nil {
		return err
	}
	header, err := paging.ReadNodeHeader(buf)
	if err != nil {
		return err
	}
	header.PrevPage = prev
	paging.WriteNodeHeader(buf, header)
	return t.space.UpdatePage(index, buf)
}

// findLeaf descends from the root to the leaf that owns key.
func (t *Tree) findLeaf(key []byte) (*node, error) {
	index := t.meta.Root()
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.readNode(index)
		if err != nil {
			return nil, err
		}
		if n.header.IsLeaf {
			return n, nil
		}
		index = n.childFor(key)
		if index == paging.NoPage {
			return nil, errors.Wrapf(paging.ErrStorageFormat, "node %d has a missing child link", n.index)
		}
	}
	return nil, errors.Wrap(paging.ErrStorageFormat, "descent exceeded maximum depth")
}

// Get returns the value stored under key, or nil when absent.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	pos, found := leaf.findKey(key)
	if !found {
		return nil, nil
	}
	return t.records.Read(leaf.entries[pos].ref)
}

// Contains reports whether key is present.
func (t *Tree) Contains(key []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	_, found := leaf.findKey(key)
	return found, nil
}

// Count returns the number of live entries.
func (t *Tree) Count() uint64 {
	return t.meta.EntryCount()
}

// Put stores value under key, replacing an existing value. Replacement
// releases the previous record before the new one is written.
func (t *Tree) Put(key, value []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	pos, found := leaf.findKey(key)

	if found {
		if err := t.records.Release(leaf.entries[pos].ref); err != nil {
			return err
		}
		ref, err := t.records.Write(value)
		if err != nil {
			return err
		}
		leaf.entries[pos].ref = ref
		return t.saveNode(leaf)
	}

	ref, err := t.records.Write(value)
	if err != nil {
		return err
	}
	stored := make([]byte, len(key))
	copy(stored, key)
	leaf.insertAt(pos, entry{key: stored, ref: ref, child: paging.NoPage})
	if err := t.meta.SetEntryCount(t.meta.EntryCount() + 1); err != nil {
		return err
	}

	if leaf.overflowing(t.pageSize) {
		return t.split(leaf)
	}
	return t.saveNode(leaf)
}

// split carves the upper half of an overflowing node into a fresh right
// sibling and propagates the split key to the parent.
func (t *Tree) split(n *node) error {
	m := n.splitPoint()

	right := &node{
		header: paging.NodeHeader{
			ParentPage: n.header.ParentPage,
			PrevPage:   n.index,
			NextPage:   n.header.NextPage,
			IsLeaf:     n.header.IsLeaf,
		},
		right: paging.NoPage,
	}

	var splitKey []byte
	if n.header.IsLeaf {
		right.entries = append(right.entries, n.entries[m:]...)
		n.entries = n.entries[:m]
		splitKey = right.entries[0].key
	} else {
		if m > len(n.entries)-1 {
			m = len(n.entries) - 1
		}
		promoted := n.entries[m]
		splitKey = promoted.key
		right.entries = append(right.entries, n.entries[m+1:]...)
		right.right = n.right
		n.right = promoted.child
		n.entries = n.entries[:m]
	}

	rightIndex, err := t.allocNodePage()
	if err != nil {
		return err
	}
	right.index = rightIndex
	n.header.NextPage = rightIndex

	if right.header.NextPage != paging.NoPage {
		if err := t.setPrevSibling(right.header.NextPage, rightIndex); err != nil {
			return err
		}
	}
	if !right.header.IsLeaf {
		for _, child := range right.children() {
			if err := t.setParent(child, rightIndex); err != nil {
				return err
			}
		}
	}

	t.log.WithFields(logrus.Fields{"node": n.index, "right": rightIndex, "leaf": n.header.IsLeaf}).Debug("node split")
	return t.insertIntoParent(n, splitKey, right)
}

func (t *Tree) insertIntoParent(left *node, splitKey []byte, right *node) error {
	if left.header.ParentPage == paging.NoPage {
		// Root split: the tree grows one level.
		rootIndex, err := t.allocNodePage()
		if err != nil {
			return err
		}
		root := &node{
			index: rootIndex,
			header: paging.NodeHeader{
				ParentPage: paging.NoPage,
				PrevPage:   paging.NoPage,
				NextPage:   paging.NoPage,
				IsLeaf:     false,
			},
			entries: []entry{{key: splitKey, child: left.index}},
			right:   right.index,
		}
		left.header.ParentPage = rootIndex
		right.header.ParentPage = rootIndex
		if err := t.saveNode(left); err != nil {
			return err
		}
		if err := t.saveNode(right); err != nil {
			return err
		}
		if err := t.saveNode(root); err != nil {
			return err
		}
		t.log.WithField("root", rootIndex).Debug("root grown")
		return t.meta.SetRoot(rootIndex)
	}

	parent, err := t.readNode(left.header.ParentPage)
	if err != nil {
		return err
	}
	pos, err := parent.childPos(left.index)
	if err != nil {
		return err
	}
	if pos == len(parent.entries) {
		parent.right = right.index
		parent.entries = append(parent.entries, entry{key: splitKey, child: left.index})
	} else {
		parent.entries[pos].child = right.index
		parent.insertAt(pos, entry{key: splitKey, child: left.index})
	}
	right.header.ParentPage = parent.index

	if err := t.saveNode(left); err != nil {
		return err
	}
	if err := t.saveNode(right); err != nil {
		return err
	}
	if parent.overflowing(t.pageSize) {
		return t.split(parent)
	}
	return t.saveNode(parent)
}

// Remove deletes key and releases its record. It reports whether the key
// was present.
func (t *Tree) Remove(key []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	pos, found := leaf.findKey(key)
	if !found {
		return false, nil
	}

	if err := t.records.Release(leaf.entries[pos].ref); err != nil {
		return false, err
	}
	leaf.removeAt(pos)
	if err := t.meta.SetEntryCount(t.meta.EntryCount() - 1); err != nil {
		return false, err
	}

	if err := t.rebalance(leaf); err != nil {
		return false, err
	}
	return true, nil
}

// rebalance restores minimum occupancy after a removal, saving the node
// in every path.
func (t *Tree) rebalance(n *node) error {
	if n.header.ParentPage == paging.NoPage {
		// The root may shrink arbitrarily; an internal root with a single
		// child hands that child the crown.
		if !n.header.IsLeaf && len(n.entries) == 0 {
			child := n.right
			if child == paging.NoPage {
				return errors.Wrapf(paging.ErrStorageFormat, "root %d has no children", n.index)
			}
			if err := t.setParent(child, paging.NoPage); err != nil {
				return err
			}
			if err := t.freeNodePage(n.index); err != nil {
				return err
			}
			t.log.WithField("root", child).Debug("root collapsed")
			return t.meta.SetRoot(child)
		}
		return t.saveNode(n)
	}

	if !n.underflowing(t.pageSize) {
		return t.saveNode(n)
	}

	parent, err := t.readNode(n.header.ParentPage)
	if err != nil {
		return err
	}
	pos, err := parent.childPos(n.index)
	if err != nil {
		return err
	}
	children := parent.children()

	var left, right *node
	if pos > 0 {
		if left, err = t.readNode(children[pos-1]); err != nil {
			return err
		}
	}
	if pos < len(children)-1 {
		if right, err = t.readNode(children[pos+1]); err != nil {
			return err
		}
	}

	// Redistribute across a sibling boundary when the sibling has spare
	// capacity.
	if left != nil && left.canSpare(t.pageSize, len(left.entries)-1) {
		if err := t.borrowFromLeft(parent, pos, left, n); err != nil {
			return err
		}
		if !n.underflowing(t.pageSize) {
			return t.saveNode(parent)
		}
	}
	if right != nil && right.canSpare(t.pageSize, 0) {
		if err := t.borrowFromRight(parent, pos, n, right); err != nil {
			return err
		}
		if !n.underflowing(t.pageSize) {
			return t.saveNode(parent)
		}
	}

	// Both siblings at minimum: merge, left preferred.
	if left != nil && t.mergeFits(parent, pos-1, left, n) {
		return t.merge(parent, pos-1, left, n)
	}
	if right != nil && t.mergeFits(parent, pos, n, right) {
		return t.merge(parent, pos, n, right)
	}

	// Oversized neighbors can leave a node mildly undersized; the tree
	// stays structurally valid.
	t.log.WithField("node", n.index).Debug("underflow left unresolved")
	if err := t.saveNode(n); err != nil {
		return err
	}
	return t.saveNode(parent)
}

// borrowFromLeft moves entries from the tail of the left sibling into n
// until n reaches minimum occupancy, updating the separator at pos-1.
func (t *Tree) borrowFromLeft(parent *node, pos int, left, n *node) error {
	for n.underflowing(t.pageSize) && left.canSpare(t.pageSize, len(left.entries)-1) {
		last := len(left.entries) - 1
		if n.header.IsLeaf {
			moved := left.entries[last]
			left.removeAt(last)
			n.insertAt(0, moved)
			parent.entries[pos-1].key = cloneKey(n.entries[0].key)
		} else {
			// Rotate through the parent separator.
			moved := entry{key: parent.entries[pos-1].key, child: left.right}
			parent.entries[pos-1].key = cloneKey(left.entries[last].key)
			left.right = left.entries[last].child
			left.removeAt(last)
			n.insertAt(0, moved)
			if err := t.setParent(moved.child, n.index); err != nil {
				return err
			}
		}
	}
	if err := t.saveNode(left); err != nil {
		return err
	}
	return t.saveNode(n)
}

// borrowFromRight moves entries from the head of the right sibling into n
// until n reaches minimum occupancy, updating the separator at pos.
func (t *Tree) borrowFromRight(parent *node, pos int, n, right *node) error {
	for n.underflowing(t.pageSize) && right.canSpare(t.pageSize, 0) {
		if n.header.IsLeaf {
			moved := right.entries[0]
			right.removeAt(0)
			n.entries = append(n.entries, moved)
			parent.entries[pos].key = cloneKey(right.entries[0].key)
		} else {
			moved := entry{key: parent.entries[pos].key, child: n.right}
			parent.entries[pos].key = cloneKey(right.entries[0].key)
			n.right = right.entries[0].child
			right.removeAt(0)
			n.entries = append(n.entries, moved)
			if err := t.setParent(n.right, n.index); err != nil {
				return err
			}
		}
	}
	if err := t.saveNode(right); err != nil {
		return err
	}
	return t.saveNode(n)
}

// mergeFits reports whether left and the node right of separator sepPos
// fit one page when concatenated.
func (t *Tree) mergeFits(parent *node, sepPos int, left, n *node) bool {
	size := left.encodedSize() + n.encodedSize() - 2
	if !left.header.IsLeaf {
		// The parent separator travels down, the second count and
		// rightmost fields collapse.
		size += internalEntryOverhead + len(parent.entries[sepPos].key) - 8
	}
	return size <= usableBytes(t.pageSize)
}

// merge concatenates n into left, frees n's page, and removes the
// separator at sepPos from the parent, rebalancing it in turn.
func (t *Tree) merge(parent *node, sepPos int, left, n *node) error {
	if !left.header.IsLeaf {
		left.entries = append(left.entries, entry{key: cloneKey(parent.entries[sepPos].key), child: left.right})
		left.entries = append(left.entries, n.entries...)
		left.right = n.right
		for _, child := range n.children() {
			if err := t.setParent(child, left.index); err != nil {
				return err
			}
		}
	} else {
		left.entries = append(left.entries, n.entries...)
	}

	left.header.NextPage = n.header.NextPage
	if n.header.NextPage != paging.NoPage {
		if err := t.setPrevSibling(n.header.NextPage, left.index); err != nil {
			return err
		}
	}

	// Drop the separator and point n's former slot at the merged node.
	nPos := sepPos + 1
	if nPos == len(parent.entries) {
		parent.right = left.index
	} else {
		parent.entries[nPos].child = left.index
	}
	parent.removeAt(sepPos)

	if err := t.saveNode(left); err != nil {
		return err
	}
	if err := t.freeNodePage(n.index); err != nil {
		return err
	}
	t.log.WithFields(logrus.Fields{"into": left.index, "freed": n.index}).Debug("nodes merged")

	return t.rebalance(parent)
}

func cloneKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	return out
}
