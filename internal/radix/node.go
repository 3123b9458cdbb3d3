package radix

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/paging"
)

// MaxPrefixLen caps the prefix fragment one node carries. Longer runs are
// stored as a chain of nodes so any node fits a minimum-size page.
const MaxPrefixLen = 512

// child is an outgoing edge: one label byte, then the child node's page.
type child struct {
	label byte
	page  int64
}

// node is the decoded form of a radix tree node page. The key spelled by
// a node is the concatenation of (edge label + prefix) along its path.
type node struct {
	index    int64
	prefix   []byte
	hasValue bool
	value    blob.Ref
	children []child
}

// Body layout after the common header: prefixLen uint16, prefix, flags
// byte, value ref, childCount uint16, then childCount (label, page) edges
// sorted by label.
func decodeNode(index int64, buf []byte, pageSize int) (*node, error) {
	if got := paging.TypeOf(buf); got != paging.PageTypeRadixTreeNode {
		return nil, errors.Wrapf(paging.ErrStorageFormat, "page type %d, want radix node", got)
	}
	body := buf[paging.CommonHeaderLen:pageSize]
	off := 0

	prefixLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if off+prefixLen > len(body) {
		return nil, errors.Wrapf(paging.ErrStorageFormat, "radix node %d: prefix overruns page", index)
	}
	n := &node{index: index, prefix: make([]byte, prefixLen)}
	copy(n.prefix, body[off:off+prefixLen])
	off += prefixLen

	n.hasValue = body[off] == 1
	off++
	n.value = blob.DecodeRef(body[off:])
	off += blob.RefEncodedLen

	count := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	for i := 0; i < count; i++ {
		if off+9 > len(body) {
			return nil, errors.Wrapf(paging.ErrStorageFormat, "radix node %d: edge overruns page", index)
		}
		n.children = append(n.children, child{
			label: body[off],
			page:  int64(binary.LittleEndian.Uint64(body[off+1:])),
		})
		off += 9
	}
	return n, nil
}

func (n *node) encode(buf []byte, pageSize int) {
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = byte(paging.PageTypeRadixTreeNode)
	binary.LittleEndian.PutUint16(buf[2:4], paging.CommonHeaderLen)

	body := buf[paging.CommonHeaderLen:pageSize]
	off := 0
	binary.LittleEndian.PutUint16(body[off:], uint16(len(n.prefix)))
	off += 2
	copy(body[off:], n.prefix)
	off += len(n.prefix)
	if n.hasValue {
		body[off] = 1
	}
	off++
	blob.EncodeRef(body[off:], n.value)
	off += blob.RefEncodedLen
	binary.LittleEndian.PutUint16(body[off:], uint16(len(n.children)))
	off += 2
	for _, c := range n.children {
		body[off] = c.label
		binary.LittleEndian.PutUint64(body[off+1:], uint64(c.page))
		off += 9
	}

	free := pageSize - paging.CommonHeaderLen - off
	paging.SetClass(buf, paging.ClassForFreeBytes(pageSize, free))
}

// findChild returns the position of label among the edges, and whether it
// is present.
func (n *node) findChild(label byte) (int, bool) {
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].label >= label
	})
	return i, i < len(n.children) && n.children[i].label == label
}

func (n *node) addChild(label byte, page int64) {
	i, found := n.findChild(label)
	if found {
		n.children[i].page = page
		return
	}
	n.children = append(n.children, child{})
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child{label: label, page: page}
}

func (n *node) removeChild(label byte) {
	if i, found := n.findChild(label); found {
		n.children = append(n.children[:i], n.children[i+1:]...)
	}
}

func commonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
