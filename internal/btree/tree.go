// Package btree implements a counted B-tree over a pager. Every internal node
// keeps the cardinality of each child subtree, which gives O(log n) rank and
// select on top of ordinary ordered lookups.
//
// Entry sizes are bounded by Config, and the node capacity is derived from
// the block payload so that a full node always fits its block. Insertion
// splits full nodes on the way down and deletion tops up minimal nodes on the
// way down, so neither operation ever revisits a parent.
package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/pager"
)

// Config describes the entries a tree holds.
type Config struct {
	MaxKeySize   int
	MaxValueSize int
	// Compare orders keys; bytes.Compare when nil.
	Compare func(a, b []byte) int
}

// Tree is a counted B-tree. It is not safe for concurrent mutation.
type Tree struct {
	p       *pager.Pager
	cfg     Config
	cmp     func(a, b []byte) int
	degree  int // minimum degree t: nodes hold t-1 .. 2t-1 entries
	maxKeys int
	root    uint32
	count   uint64
}

// Capacity returns the maximum entries per node for the given block payload
// and entry bounds.
func Capacity(payloadSize, maxKeySize, maxValueSize int) int {
	per := maxKeySize + maxValueSize + entryOverhead + childSize
	return (payloadSize - nodeHeaderSize - childSize) / per
}

// Open attaches a tree to p, creating an empty root in a new file.
func Open(p *pager.Pager, cfg Config) (*Tree, error) {
	maxKeys := Capacity(p.PayloadSize(), cfg.MaxKeySize, cfg.MaxValueSize)
	if maxKeys < 3 {
		return nil, dberr.Validationf("block payload %d too small for entries of %d+%d bytes",
			p.PayloadSize(), cfg.MaxKeySize, cfg.MaxValueSize)
	}
	t := &Tree{
		p:      p,
		cfg:    cfg,
		cmp:    cfg.Compare,
		degree: (maxKeys + 1) / 2,
	}
	t.maxKeys = 2*t.degree - 1
	if t.cmp == nil {
		t.cmp = bytes.Compare
	}
	meta := p.Meta()
	t.root = binary.LittleEndian.Uint32(meta[0:])
	t.count = binary.LittleEndian.Uint64(meta[4:])
	if t.root == 0 {
		if err := t.newRoot(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) newRoot() error {
	b, err := t.p.Allocate()
	if err != nil {
		return err
	}
	t.root = b
	t.count = 0
	if err := t.store(&node{block: b, leaf: true}); err != nil {
		return err
	}
	return t.saveMeta()
}

func (t *Tree) saveMeta() error {
	meta := t.p.Meta()
	binary.LittleEndian.PutUint32(meta[0:], t.root)
	binary.LittleEndian.PutUint64(meta[4:], t.count)
	return t.p.SetMeta(meta)
}

// Count returns the number of entries.
func (t *Tree) Count() uint64 { return t.count }

// Degree returns the minimum degree of the tree.
func (t *Tree) Degree() int { return t.degree }

// Pager returns the underlying block file.
func (t *Tree) Pager() *pager.Pager { return t.p }

func (t *Tree) load(b uint32) (*node, error) {
	buf, err := t.p.Read(b)
	if err != nil {
		return nil, err
	}
	return decodeNode(b, buf)
}

func (t *Tree) store(n *node) error {
	buf, err := n.encode(t.p.PayloadSize())
	if err != nil {
		return err
	}
	return t.p.Write(n.block, buf)
}

// search returns the first index whose key is >= key and whether it is equal.
func (t *Tree) search(n *node, key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return t.cmp(n.entries[i].Key, key) >= 0
	})
	return i, i < len(n.entries) && t.cmp(n.entries[i].Key, key) == 0
}

func (t *Tree) checkSizes(key, value []byte) error {
	if len(key) > t.cfg.MaxKeySize || len(value) > t.cfg.MaxValueSize {
		return errors.AssertionFailedf("entry %d+%d bytes exceeds limits %d+%d",
			len(key), len(value), t.cfg.MaxKeySize, t.cfg.MaxValueSize)
	}
	return nil
}

// Get returns the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	b := t.root
	for {
		n, err := t.load(b)
		if err != nil {
			return nil, false, err
		}
		i, found := t.search(n, key)
		if found {
			return n.entries[i].Value, true, nil
		}
		if n.leaf {
			return nil, false, nil
		}
		b = n.children[i]
	}
}

// Insert adds a new entry; an existing key yields ErrKeyExists.
func (t *Tree) Insert(key, value []byte) error {
	if err := t.checkSizes(key, value); err != nil {
		return err
	}
	if _, found, err := t.Get(key); err != nil {
		return err
	} else if found {
		return dberr.KeyExistsf("key %x already present", key)
	}

	root, err := t.load(t.root)
	if err != nil {
		return err
	}
	if len(root.entries) == t.maxKeys {
		b, err := t.p.Allocate()
		if err != nil {
			return err
		}
		newRoot := &node{block: b, children: []uint32{root.block}, counts: []uint64{root.total()}}
		if err := t.splitChild(newRoot, 0, root); err != nil {
			return err
		}
		t.root = b
		root = newRoot
	}

	n := root
	e := Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
	for {
		i, _ := t.search(n, key)
		if n.leaf {
			n.insertEntry(i, e)
			if err := t.store(n); err != nil {
				return err
			}
			break
		}
		child, err := t.load(n.children[i])
		if err != nil {
			return err
		}
		if len(child.entries) == t.maxKeys {
			if err := t.splitChild(n, i, child); err != nil {
				return err
			}
			if t.cmp(key, n.entries[i].Key) > 0 {
				i++
			}
			if child, err = t.load(n.children[i]); err != nil {
				return err
			}
		}
		n.counts[i]++
		if err := t.store(n); err != nil {
			return err
		}
		n = child
	}
	t.count++
	return t.saveMeta()
}

// splitChild splits the full child at index i of parent and stores all three
// nodes.
func (t *Tree) splitChild(parent *node, i int, child *node) error {
	b, err := t.p.Allocate()
	if err != nil {
		return err
	}
	mid := t.degree - 1
	right := &node{block: b, leaf: child.leaf}
	right.entries = append(right.entries, child.entries[mid+1:]...)
	median := child.entries[mid]
	child.entries = child.entries[:mid:mid]
	if !child.leaf {
		right.children = append(right.children, child.children[mid+1:]...)
		right.counts = append(right.counts, child.counts[mid+1:]...)
		child.children = child.children[: mid+1 : mid+1]
		child.counts = child.counts[: mid+1 : mid+1]
	}
	parent.insertEntry(i, median)
	parent.insertChild(i+1, right.block, right.total())
	parent.counts[i] = child.total()

	if err := t.store(child); err != nil {
		return err
	}
	if err := t.store(right); err != nil {
		return err
	}
	return t.store(parent)
}

// Replace overwrites the value of an existing key.
func (t *Tree) Replace(key, value []byte) error {
	if err := t.checkSizes(key, value); err != nil {
		return err
	}
	b := t.root
	for {
		n, err := t.load(b)
		if err != nil {
			return err
		}
		i, found := t.search(n, key)
		if found {
			n.entries[i].Value = append([]byte(nil), value...)
			return t.store(n)
		}
		if n.leaf {
			return dberr.NotFoundf("key %x not present", key)
		}
		b = n.children[i]
	}
}

// Delete removes key and returns its value.
func (t *Tree) Delete(key []byte) ([]byte, error) {
	value, found, err := t.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dberr.NotFoundf("key %x not present", key)
	}
	n, err := t.load(t.root)
	if err != nil {
		return nil, err
	}
	if err := t.delete(n, key); err != nil {
		return nil, err
	}

	root, err := t.load(t.root)
	if err != nil {
		return nil, err
	}
	if len(root.entries) == 0 && !root.leaf {
		t.root = root.children[0]
		if err := t.p.Free(root.block); err != nil {
			return nil, err
		}
	}
	t.count--
	if t.count == 0 {
		return value, t.Clear()
	}
	return value, t.saveMeta()
}

// delete removes key from the subtree rooted at n. n holds at least t
// entries unless it is the root; key is known to be present.
func (t *Tree) delete(n *node, key []byte) error {
	for {
		i, found := t.search(n, key)
		if n.leaf {
			if !found {
				return dberr.Corruptionf("key %x vanished from leaf %d", key, n.block)
			}
			n.removeEntry(i)
			return t.store(n)
		}

		if found {
			left, err := t.load(n.children[i])
			if err != nil {
				return err
			}
			if len(left.entries) >= t.degree {
				pred, err := t.edge(left, false)
				if err != nil {
					return err
				}
				n.entries[i] = pred
				n.counts[i]--
				if err := t.store(n); err != nil {
					return err
				}
				n, key = left, pred.Key
				continue
			}
			right, err := t.load(n.children[i+1])
			if err != nil {
				return err
			}
			if len(right.entries) >= t.degree {
				succ, err := t.edge(right, true)
				if err != nil {
					return err
				}
				n.entries[i] = succ
				n.counts[i+1]--
				if err := t.store(n); err != nil {
					return err
				}
				n, key = right, succ.Key
				continue
			}
			merged, err := t.merge(n, i, left, right)
			if err != nil {
				return err
			}
			n.counts[i]--
			if err := t.store(n); err != nil {
				return err
			}
			n = merged
			continue
		}

		child, i, err := t.fill(n, i)
		if err != nil {
			return err
		}
		n.counts[i]--
		if err := t.store(n); err != nil {
			return err
		}
		n = child
	}
}

// edge returns the smallest (first) or largest entry of the subtree.
func (t *Tree) edge(n *node, first bool) (Entry, error) {
	for !n.leaf {
		c := n.children[len(n.children)-1]
		if first {
			c = n.children[0]
		}
		var err error
		if n, err = t.load(c); err != nil {
			return Entry{}, err
		}
	}
	if len(n.entries) == 0 {
		return Entry{}, dberr.Corruptionf("empty non-root leaf %d", n.block)
	}
	if first {
		return n.entries[0], nil
	}
	return n.entries[len(n.entries)-1], nil
}

// merge folds entry i of parent and right into left, frees right and
// returns left. The caller stores parent.
func (t *Tree) merge(parent *node, i int, left, right *node) (*node, error) {
	left.entries = append(left.entries, parent.entries[i])
	left.entries = append(left.entries, right.entries...)
	if !left.leaf {
		left.children = append(left.children, right.children...)
		left.counts = append(left.counts, right.counts...)
	}
	parent.removeEntry(i)
	_, rc := parent.removeChild(i + 1)
	parent.counts[i] += rc + 1
	if err := t.store(left); err != nil {
		return nil, err
	}
	if err := t.p.Free(right.block); err != nil {
		return nil, err
	}
	return left, nil
}

// fill guarantees that child i of n holds at least t entries, borrowing from
// a sibling or merging with one. It returns the child to descend into and
// its (possibly shifted) index. The caller stores n.
func (t *Tree) fill(n *node, i int) (*node, int, error) {
	child, err := t.load(n.children[i])
	if err != nil {
		return nil, 0, err
	}
	if len(child.entries) >= t.degree {
		return child, i, nil
	}

	if i > 0 {
		left, err := t.load(n.children[i-1])
		if err != nil {
			return nil, 0, err
		}
		if len(left.entries) >= t.degree {
			// rotate right through the separator
			moved := uint64(1)
			child.insertEntry(0, n.entries[i-1])
			n.entries[i-1] = left.removeEntry(len(left.entries) - 1)
			if !left.leaf {
				c, cnt := left.removeChild(len(left.children) - 1)
				child.insertChild(0, c, cnt)
				moved += cnt
			}
			n.counts[i-1] -= moved
			n.counts[i] += moved
			if err := t.store(left); err != nil {
				return nil, 0, err
			}
			return child, i, t.store(child)
		}
	}
	if i < len(n.children)-1 {
		right, err := t.load(n.children[i+1])
		if err != nil {
			return nil, 0, err
		}
		if len(right.entries) >= t.degree {
			// rotate left through the separator
			moved := uint64(1)
			child.entries = append(child.entries, n.entries[i])
			n.entries[i] = right.removeEntry(0)
			if !right.leaf {
				c, cnt := right.removeChild(0)
				child.children = append(child.children, c)
				child.counts = append(child.counts, cnt)
				moved += cnt
			}
			n.counts[i+1] -= moved
			n.counts[i] += moved
			if err := t.store(right); err != nil {
				return nil, 0, err
			}
			return child, i, t.store(child)
		}
		merged, err := t.merge(n, i, child, right)
		return merged, i, err
	}
	left, err := t.load(n.children[i-1])
	if err != nil {
		return nil, 0, err
	}
	merged, err := t.merge(n, i-1, left, child)
	return merged, i - 1, err
}

// Select returns the entry of rank r (zero-based).
func (t *Tree) Select(r uint64) (Entry, error) {
	if r >= t.count {
		return Entry{}, dberr.Rangef("rank %d out of range [0, %d)", r, t.count)
	}
	b := t.root
	for {
		n, err := t.load(b)
		if err != nil {
			return Entry{}, err
		}
		if n.leaf {
			if r >= uint64(len(n.entries)) {
				return Entry{}, dberr.Corruptionf("subtree counts of leaf %d disagree with contents", n.block)
			}
			return n.entries[r], nil
		}
		next := uint32(0)
		for i, c := range n.counts {
			if r < c {
				next = n.children[i]
				break
			}
			r -= c
			if i < len(n.entries) {
				if r == 0 {
					return n.entries[i], nil
				}
				r--
			}
		}
		if next == 0 {
			return Entry{}, dberr.Corruptionf("subtree counts of node %d disagree with contents", n.block)
		}
		b = next
	}
}

// Rank returns the number of entries strictly less than key and whether key
// itself is present.
func (t *Tree) Rank(key []byte) (uint64, bool, error) {
	var r uint64
	b := t.root
	for {
		n, err := t.load(b)
		if err != nil {
			return 0, false, err
		}
		i, found := t.search(n, key)
		if !n.leaf {
			for j := 0; j < i; j++ {
				r += n.counts[j] + 1
			}
		} else {
			r += uint64(i)
		}
		if found {
			if !n.leaf {
				r += n.counts[i]
			}
			return r, true, nil
		}
		if n.leaf {
			return r, false, nil
		}
		b = n.children[i]
	}
}

// Clear drops every entry and shrinks the file to a single empty root.
func (t *Tree) Clear() error {
	if err := t.p.Reset(); err != nil {
		return err
	}
	return t.newRoot()
}
