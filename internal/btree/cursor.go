package btree

type frame struct {
	n *node
	// idx is the current entry for the top frame and the child descended
	// into for the frames below it.
	idx int
}

// Cursor walks the tree in key order in either direction. A cursor reads
// nodes as it goes and must not be used across mutations of the tree.
type Cursor struct {
	t     *Tree
	stack []frame
	rank  uint64
	valid bool
	err   error
}

// Cursor returns an unpositioned cursor.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{t: t}
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return c.valid && c.err == nil }

// Err returns the first error encountered.
func (c *Cursor) Err() error { return c.err }

// Entry returns the current entry.
func (c *Cursor) Entry() Entry {
	top := c.stack[len(c.stack)-1]
	return top.n.entries[top.idx]
}

// Key returns the current key.
func (c *Cursor) Key() []byte { return c.Entry().Key }

// Value returns the current value.
func (c *Cursor) Value() []byte { return c.Entry().Value }

// Rank returns the zero-based position of the current entry.
func (c *Cursor) Rank() uint64 { return c.rank }

func (c *Cursor) fail(err error) bool {
	c.err = err
	c.valid = false
	return false
}

func (c *Cursor) reset() {
	c.stack = c.stack[:0]
	c.valid = false
	c.err = nil
}

func (c *Cursor) push(b uint32) (*node, bool) {
	n, err := c.t.load(b)
	if err != nil {
		return nil, c.fail(err)
	}
	c.stack = append(c.stack, frame{n: n})
	return n, true
}

// descend walks from the node on top of the stack to its leftmost or
// rightmost leaf entry.
func (c *Cursor) descend(first bool) bool {
	for {
		top := &c.stack[len(c.stack)-1]
		if top.n.leaf {
			if len(top.n.entries) == 0 {
				c.valid = false
				return false
			}
			if first {
				top.idx = 0
			} else {
				top.idx = len(top.n.entries) - 1
			}
			c.valid = true
			return true
		}
		if first {
			top.idx = 0
		} else {
			top.idx = len(top.n.children) - 1
		}
		if _, ok := c.push(top.n.children[top.idx]); !ok {
			return false
		}
	}
}

// First positions the cursor on the smallest entry.
func (c *Cursor) First() bool {
	c.reset()
	if _, ok := c.push(c.t.root); !ok {
		return false
	}
	c.rank = 0
	return c.descend(true)
}

// Last positions the cursor on the largest entry.
func (c *Cursor) Last() bool {
	c.reset()
	if _, ok := c.push(c.t.root); !ok {
		return false
	}
	if c.t.count > 0 {
		c.rank = c.t.count - 1
	}
	return c.descend(false)
}

// Next advances to the following entry.
func (c *Cursor) Next() bool {
	if !c.Valid() {
		return false
	}
	c.rank++
	top := &c.stack[len(c.stack)-1]
	if !top.n.leaf {
		top.idx++
		if _, ok := c.push(top.n.children[top.idx]); !ok {
			return false
		}
		return c.descend(true)
	}
	if top.idx+1 < len(top.n.entries) {
		top.idx++
		return true
	}
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		parent := &c.stack[len(c.stack)-1]
		if parent.idx < len(parent.n.entries) {
			return true
		}
	}
	c.valid = false
	return false
}

// Prev moves to the preceding entry.
func (c *Cursor) Prev() bool {
	if !c.Valid() {
		return false
	}
	c.rank--
	top := &c.stack[len(c.stack)-1]
	if !top.n.leaf {
		if _, ok := c.push(top.n.children[top.idx]); !ok {
			return false
		}
		return c.descend(false)
	}
	if top.idx > 0 {
		top.idx--
		return true
	}
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		parent := &c.stack[len(c.stack)-1]
		if parent.idx > 0 {
			parent.idx--
			return true
		}
	}
	c.valid = false
	return false
}

// Seek positions the cursor on the first entry whose key is >= key.
func (c *Cursor) Seek(key []byte) bool {
	c.reset()
	c.rank = 0
	n, ok := c.push(c.t.root)
	if !ok {
		return false
	}
	for {
		i, found := c.t.search(n, key)
		top := &c.stack[len(c.stack)-1]
		top.idx = i
		if !n.leaf {
			for j := 0; j < i; j++ {
				c.rank += n.counts[j] + 1
			}
			if found {
				c.rank += n.counts[i]
				c.valid = true
				return true
			}
			if n, ok = c.push(n.children[i]); !ok {
				return false
			}
			continue
		}
		c.rank += uint64(i)
		if i < len(n.entries) {
			c.valid = true
			return true
		}
		// past the end of this leaf: the successor is the nearest ancestor
		// entry to the right, if any
		for len(c.stack) > 1 {
			c.stack = c.stack[:len(c.stack)-1]
			parent := &c.stack[len(c.stack)-1]
			if parent.idx < len(parent.n.entries) {
				c.valid = true
				return true
			}
		}
		c.valid = false
		return false
	}
}

// SeekLE positions the cursor on the last entry whose key is <= key.
func (c *Cursor) SeekLE(key []byte) bool {
	if c.Seek(key) {
		if c.t.cmp(c.Key(), key) == 0 {
			return true
		}
		return c.Prev()
	}
	if c.err != nil {
		return false
	}
	return c.Last()
}

// SeekRank positions the cursor on the entry of rank r.
func (c *Cursor) SeekRank(r uint64) bool {
	c.reset()
	if r >= c.t.count {
		c.rank = c.t.count
		return false
	}
	c.rank = r
	n, ok := c.push(c.t.root)
	if !ok {
		return false
	}
	for {
		top := &c.stack[len(c.stack)-1]
		if n.leaf {
			if r >= uint64(len(n.entries)) {
				return c.fail(errCounts(n))
			}
			top.idx = int(r)
			c.valid = true
			return true
		}
		descended := false
		for i, cnt := range n.counts {
			if r < cnt {
				top.idx = i
				if n, ok = c.push(n.children[i]); !ok {
					return false
				}
				descended = true
				break
			}
			r -= cnt
			if i < len(n.entries) {
				if r == 0 {
					top.idx = i
					c.valid = true
					return true
				}
				r--
			}
		}
		if !descended {
			return c.fail(errCounts(n))
		}
	}
}
