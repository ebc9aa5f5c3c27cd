package btree

import (
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

func errCounts(n *node) error {
	return dberr.Corruptionf("subtree counts of node %d disagree with contents", n.block)
}

// NodeInfo describes a node visited by Walk.
type NodeInfo struct {
	Block    uint32
	Depth    int
	Leaf     bool
	Entries  []Entry
	Children []uint32
	Counts   []uint64
	// Used is the encoded size of the node in bytes.
	Used int
}

// Stats summarizes the shape of a tree.
type Stats struct {
	Entries       uint64
	Depth         int
	NodeBlocks    int
	LeafBlocks    int
	FreeBlocks    int
	MinEntries    int
	MaxEntries    int
	UsedBytes     int64
	CapacityBytes int64
}

// Walk visits every node in pre-order.
func (t *Tree) Walk(fn func(NodeInfo) error) error {
	return t.walk(t.root, 0, fn)
}

func (t *Tree) walk(b uint32, depth int, fn func(NodeInfo) error) error {
	n, err := t.load(b)
	if err != nil {
		return err
	}
	buf, err := n.encode(t.p.PayloadSize())
	if err != nil {
		return err
	}
	if err := fn(NodeInfo{
		Block:    n.block,
		Depth:    depth,
		Leaf:     n.leaf,
		Entries:  n.entries,
		Children: n.children,
		Counts:   n.counts,
		Used:     len(buf),
	}); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := t.walk(c, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Check validates key order, subtree counts, node fill, uniform leaf depth
// and that every allocated block is either reachable or on the free list.
// The statistics are returned even when a problem is found.
func (t *Tree) Check() (Stats, error) {
	st := Stats{MinEntries: -1}
	seen := make(map[uint32]bool)
	leafDepth := -1
	var last []byte
	var haveLast bool

	var visit func(b uint32, depth int, isRoot bool) (uint64, error)
	visit = func(b uint32, depth int, isRoot bool) (uint64, error) {
		if seen[b] {
			return 0, dberr.Corruptionf("block %d reachable twice", b)
		}
		seen[b] = true
		n, err := t.load(b)
		if err != nil {
			return 0, err
		}
		buf, err := n.encode(t.p.PayloadSize())
		if err != nil {
			return 0, err
		}
		st.NodeBlocks++
		st.UsedBytes += int64(len(buf))
		st.CapacityBytes += int64(t.p.PayloadSize())
		if depth+1 > st.Depth {
			st.Depth = depth + 1
		}
		if st.MinEntries < 0 || len(n.entries) < st.MinEntries {
			st.MinEntries = len(n.entries)
		}
		if len(n.entries) > st.MaxEntries {
			st.MaxEntries = len(n.entries)
		}
		if len(n.entries) > t.maxKeys {
			return 0, dberr.Corruptionf("node %d holds %d entries, maximum %d", b, len(n.entries), t.maxKeys)
		}
		if !isRoot && len(n.entries) < t.degree-1 {
			return 0, dberr.Corruptionf("node %d holds %d entries, minimum %d", b, len(n.entries), t.degree-1)
		}

		checkKey := func(k []byte) error {
			if haveLast && t.cmp(last, k) >= 0 {
				return dberr.Corruptionf("node %d: key %x not greater than preceding %x", b, k, last)
			}
			last, haveLast = k, true
			return nil
		}

		if n.leaf {
			st.LeafBlocks++
			if leafDepth < 0 {
				leafDepth = depth
			} else if leafDepth != depth {
				return 0, dberr.Corruptionf("leaf %d at depth %d, other leaves at %d", b, depth, leafDepth)
			}
			for _, e := range n.entries {
				if err := checkKey(e.Key); err != nil {
					return 0, err
				}
			}
			return uint64(len(n.entries)), nil
		}

		if len(n.children) != len(n.entries)+1 {
			return 0, dberr.Corruptionf("node %d: %d children for %d entries", b, len(n.children), len(n.entries))
		}
		total := uint64(len(n.entries))
		for i, c := range n.children {
			sub, err := visit(c, depth+1, false)
			if err != nil {
				return 0, err
			}
			if sub != n.counts[i] {
				return 0, dberr.Corruptionf("node %d child %d: recorded count %d, actual %d", b, i, n.counts[i], sub)
			}
			total += sub
			if i < len(n.entries) {
				if err := checkKey(n.entries[i].Key); err != nil {
					return 0, err
				}
			}
		}
		return total, nil
	}

	total, err := visit(t.root, 0, true)
	if st.MinEntries < 0 {
		st.MinEntries = 0
	}
	st.Entries = total
	if err != nil {
		return st, err
	}
	if total != t.count {
		return st, dberr.Corruptionf("tree holds %d entries, header says %d", total, t.count)
	}

	free, err := t.p.FreeBlocks()
	if err != nil {
		return st, err
	}
	st.FreeBlocks = len(free)
	for _, b := range free {
		if seen[b] {
			return st, dberr.Corruptionf("block %d is both free and in use", b)
		}
	}
	if used := t.p.UsedBlocks(); uint32(len(seen)) != used {
		return st, dberr.Corruptionf("%d blocks reachable, %d allocated", len(seen), used)
	}
	return st, nil
}
