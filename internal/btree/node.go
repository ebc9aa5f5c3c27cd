package btree

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

const (
	nodeHeaderSize = 3  // leaf flag + entry count
	childSize      = 12 // block u32 + subtree count u64
	entryOverhead  = 2 * binary.MaxVarintLen32
)

// Entry is a key/value pair stored in the tree.
type Entry struct {
	Key   []byte
	Value []byte
}

type node struct {
	block    uint32
	leaf     bool
	entries  []Entry
	children []uint32
	counts   []uint64
}

func (n *node) total() uint64 {
	s := uint64(len(n.entries))
	for _, c := range n.counts {
		s += c
	}
	return s
}

func (n *node) encode(payloadSize int) ([]byte, error) {
	buf := make([]byte, 0, payloadSize)
	if n.leaf {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(n.entries)))
	if !n.leaf {
		for i, c := range n.children {
			buf = binary.LittleEndian.AppendUint32(buf, c)
			buf = binary.LittleEndian.AppendUint64(buf, n.counts[i])
		}
	}
	for _, e := range n.entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.AppendUvarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	if len(buf) > payloadSize {
		return nil, errors.AssertionFailedf("node %d encodes to %d bytes, block holds %d", n.block, len(buf), payloadSize)
	}
	return buf, nil
}

func decodeNode(block uint32, buf []byte) (*node, error) {
	if len(buf) < nodeHeaderSize || buf[0] > 1 {
		return nil, dberr.Corruptionf("block %d: not a b-tree node", block)
	}
	n := &node{block: block, leaf: buf[0] == 1}
	cnt := int(binary.LittleEndian.Uint16(buf[1:]))
	pos := nodeHeaderSize
	if !n.leaf {
		if pos+(cnt+1)*childSize > len(buf) {
			return nil, dberr.Corruptionf("block %d: child table overruns block", block)
		}
		n.children = make([]uint32, cnt+1)
		n.counts = make([]uint64, cnt+1)
		for i := 0; i <= cnt; i++ {
			n.children[i] = binary.LittleEndian.Uint32(buf[pos:])
			n.counts[i] = binary.LittleEndian.Uint64(buf[pos+4:])
			pos += childSize
		}
	}
	n.entries = make([]Entry, cnt)
	for i := 0; i < cnt; i++ {
		var err error
		if n.entries[i].Key, pos, err = readBytes(buf, pos); err != nil {
			return nil, dberr.Corruptionf("block %d entry %d key: %v", block, i, err)
		}
		if n.entries[i].Value, pos, err = readBytes(buf, pos); err != nil {
			return nil, dberr.Corruptionf("block %d entry %d value: %v", block, i, err)
		}
	}
	return n, nil
}

func readBytes(buf []byte, pos int) ([]byte, int, error) {
	l, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return nil, 0, errors.New("bad length")
	}
	pos += n
	if uint64(len(buf)-pos) < l {
		return nil, 0, errors.New("length overruns block")
	}
	out := make([]byte, l)
	copy(out, buf[pos:pos+int(l)])
	return out, pos + int(l), nil
}

// insertEntry inserts e at i; for internal nodes the new child goes right of e.
func (n *node) insertEntry(i int, e Entry) {
	n.entries = append(n.entries, Entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *node) insertChild(i int, child uint32, count uint64) {
	n.children = append(n.children, 0)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child
	n.counts = append(n.counts, 0)
	copy(n.counts[i+1:], n.counts[i:])
	n.counts[i] = count
}

func (n *node) removeEntry(i int) Entry {
	e := n.entries[i]
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
	return e
}

func (n *node) removeChild(i int) (uint32, uint64) {
	c, cnt := n.children[i], n.counts[i]
	n.children = append(n.children[:i], n.children[i+1:]...)
	n.counts = append(n.counts[:i], n.counts[i+1:]...)
	return c, cnt
}
