package radix

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/paging"
)

// ErrKeyEmpty is returned for zero-length keys, which cannot be spelled
// by an edge path.
var ErrKeyEmpty = errors.New("empty key")

// Meta persists the tree's root page index and entry count.
type Meta interface {
	Root() int64
	SetRoot(index int64) error
	EntryCount() uint64
	SetEntryCount(count uint64) error
}

// Tree is an unordered map over byte-string keys with prefix lookup.
// Nodes live on RadixTreeNode pages; values go through the record
// allocator like B+Tree values do.
type Tree struct {
	space    *paging.Space
	fsm      *paging.FreeSpaceMap
	records  *blob.Allocator
	meta     Meta
	log      logrus.FieldLogger
	pageSize int
}

// New wires a tree over its collaborators.
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

// Bootstrap formats the root page of a fresh storage as an empty node.
func (t *Tree) Bootstrap() error {
	return t.saveNode(&node{index: t.meta.Root(), value: blob.NullRef})
}

func (t *Tree) readNode(index int64) (*node, error) {
	buf, err := t.space.FetchPage(index)
	if err != nil {
		return nil, err
	}
	return decodeNode(index, buf, t.pageSize)
}

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

// allocNode writes a fresh node and returns it.
func (t *Tree) allocNode(prefix []byte, value blob.Ref, hasValue bool) (*node, error) {
	index, err := t.fsm.FindPage(paging.Class7)
	if err != nil {
		return nil, err
	}
	n := &node{index: index, prefix: prefix, hasValue: hasValue, value: value}
	if err := t.saveNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Tree) freeNode(n *node) error {
	if err := t.fsm.Release(n.index); err != nil {
		return err
	}
	return t.space.RemovePage(n.index)
}

// makeChain builds the node path spelling rest and holding value, longest
// fragment first, and returns the head node's page. rest excludes the
// edge label that will point at the head.
func (t *Tree) makeChain(rest []byte, value blob.Ref) (int64, error) {
	if len(rest) <= MaxPrefixLen {
		n, err := t.allocNode(rest, value, true)
		if err != nil {
			return paging.NoPage, err
		}
		return n.index, nil
	}
	head, err := t.allocNode(rest[:MaxPrefixLen], blob.NullRef, false)
	if err != nil {
		return paging.NoPage, err
	}
	tail, err := t.makeChain(rest[MaxPrefixLen+1:], value)
	if err != nil {
		return paging.NoPage, err
	}
	head.addChild(rest[MaxPrefixLen], tail)
	if err := t.saveNode(head); err != nil {
		return paging.NoPage, err
	}
	return head.index, nil
}

// walk descends to the node spelling key exactly, or returns nil. The
// visited path, key-side positions excluded, is appended to path when it
// is non-nil.
func (t *Tree) walk(key []byte, path *[]*node) (*node, error) {
	n, err := t.readNode(t.meta.Root())
	if err != nil {
		return nil, err
	}
	rest := key
	for {
		if path != nil {
			*path = append(*path, n)
		}
		match := commonPrefix(rest, n.prefix)
		if match < len(n.prefix) {
			return nil, nil
		}
		rest = rest[match:]
		if len(rest) == 0 {
			return n, nil
		}
		i, found := n.findChild(rest[0])
		if !found {
			return nil, nil
		}
		if n, err = t.readNode(n.children[i].page); err != nil {
			return nil, err
		}
		rest = rest[1:]
	}
}

// Get returns the value stored under key, or nil when absent.
func (t *Tree) Get(key []byte) ([]byte, error) {
	n, err := t.walk(key, nil)
	if err != nil {
		return nil, err
	}
	if n == nil || !n.hasValue {
		return nil, nil
	}
	return t.records.Read(n.value)
}

// Contains reports whether key is present.
func (t *Tree) Contains(key []byte) (bool, error) {
	n, err := t.walk(key, nil)
	if err != nil {
		return false, err
	}
	return n != nil && n.hasValue, nil
}

// Count returns the number of live entries.
func (t *Tree) Count() uint64 {
	return t.meta.EntryCount()
}

// Put stores value under key, replacing an existing value.
func (t *Tree) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}

	n, err := t.readNode(t.meta.Root())
	if err != nil {
		return err
	}
	rest := key
	for {
		match := commonPrefix(rest, n.prefix)
		if match < len(n.prefix) {
			// Diverged inside this node's prefix: carve the tail into a
			// new child and shorten the node.
			carved, err := t.allocNode(cloneBytes(n.prefix[match+1:]), n.value, n.hasValue)
			if err != nil {
				return err
			}
			carved.children = n.children
			if err := t.saveNode(carved); err != nil {
				return err
			}
			carvedLabel := n.prefix[match]
			n.prefix = cloneBytes(n.prefix[:match])
			n.hasValue = false
			n.value = blob.NullRef
			n.children = nil
			n.addChild(carvedLabel, carved.index)
			// Fall through: rest[match:] now extends below n.
		}
		rest = rest[match:]

		if len(rest) == 0 {
			if n.hasValue {
				if err := t.records.Release(n.value); err != nil {
					return err
				}
			} else {
				if err := t.meta.SetEntryCount(t.meta.EntryCount() + 1); err != nil {
					return err
				}
			}
			ref, err := t.records.Write(value)
			if err != nil {
				return err
			}
			n.hasValue = true
			n.value = ref
			return t.saveNode(n)
		}

		i, found := n.findChild(rest[0])
		if !found {
			ref, err := t.records.Write(value)
			if err != nil {
				return err
			}
			head, err := t.makeChain(cloneBytes(rest[1:]), ref)
			if err != nil {
				return err
			}
			n.addChild(rest[0], head)
			if err := t.meta.SetEntryCount(t.meta.EntryCount() + 1); err != nil {
				return err
			}
			return t.saveNode(n)
		}

		if err := t.saveNode(n); err != nil {
			return err
		}
		if n, err = t.readNode(n.children[i].page); err != nil {
			return err
		}
		rest = rest[1:]
	}
}

// Remove deletes key and releases its record, pruning and re-compressing
// the path. It reports whether the key was present.
func (t *Tree) Remove(key []byte) (bool, error) {
	var path []*node
	n, err := t.walk(key, &path)
	if err != nil {
		return false, err
	}
	if n == nil || !n.hasValue {
		return false, nil
	}

	if err := t.records.Release(n.value); err != nil {
		return false, err
	}
	n.hasValue = false
	n.value = blob.NullRef
	if err := t.meta.SetEntryCount(t.meta.EntryCount() - 1); err != nil {
		return false, err
	}

	// Prune empty tail nodes, then merge single-child nodes back into
	// their path.
	for i := len(path) - 1; i >= 0; i-- {
		cur := path[i]
		isRoot := cur.index == t.meta.Root()

		if !isRoot && !cur.hasValue && len(cur.children) == 0 {
			parent := path[i-1]
			label, err := t.labelOf(parent, cur.index)
			if err != nil {
				return false, err
			}
			parent.removeChild(label)
			if err := t.freeNode(cur); err != nil {
				return false, err
			}
			continue
		}

		if !isRoot && !cur.hasValue && len(cur.children) == 1 {
			only, err := t.readNode(cur.children[0].page)
			if err != nil {
				return false, err
			}
			merged := len(cur.prefix) + 1 + len(only.prefix)
			if merged <= MaxPrefixLen {
				joined := make([]byte, 0, merged)
				joined = append(joined, cur.prefix...)
				joined = append(joined, cur.children[0].label)
				joined = append(joined, only.prefix...)
				cur.prefix = joined
				cur.hasValue = only.hasValue
				cur.value = only.value
				cur.children = only.children
				if err := t.freeNode(only); err != nil {
					return false, err
				}
			}
		}
		if err := t.saveNode(cur); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *Tree) labelOf(parent *node, childPage int64) (byte, error) {
	for _, c := range parent.children {
		if c.page == childPage {
			return c.label, nil
		}
	}
	return 0, errors.Wrapf(paging.ErrStorageFormat, "radix node %d not linked from %d", childPage, parent.index)
}

// KeysWithPrefix calls fn for every key starting with prefix, in byte
// order. fn returning false stops the walk.
func (t *Tree) KeysWithPrefix(prefix []byte, fn func(key []byte) bool) error {
	n, err := t.readNode(t.meta.Root())
	if err != nil {
		return err
	}

	// Descend while the prefix consumes whole node prefixes and labels.
	spelled := []byte{}
	rest := prefix
	for {
		match := commonPrefix(rest, n.prefix)
		if match == len(rest) {
			spelled = append(spelled, n.prefix...)
			break
		}
		if match < len(n.prefix) {
			return nil
		}
		spelled = append(spelled, n.prefix...)
		rest = rest[match:]
		i, found := n.findChild(rest[0])
		if !found {
			return nil
		}
		spelled = append(spelled, rest[0])
		if n, err = t.readNode(n.children[i].page); err != nil {
			return err
		}
		rest = rest[1:]
	}

	_, err = t.emit(n, spelled, fn)
	return err
}

// emit walks the subtree under n in byte order. key is the full key
// spelled down to and including n's prefix.
func (t *Tree) emit(n *node, key []byte, fn func(key []byte) bool) (bool, error) {
	if n.hasValue {
		if !fn(cloneBytes(key)) {
			return false, nil
		}
	}
	for _, c := range n.children {
		childNode, err := t.readNode(c.page)
		if err != nil {
			return false, err
		}
		childKey := append(append(cloneBytes(key), c.label), childNode.prefix...)
		more, err := t.emit(childNode, childKey, fn)
		if err != nil || !more {
			return more, err
		}
	}
	return true, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
