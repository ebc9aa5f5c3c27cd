package index

import (
	"bytes"
	"context"

	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/btree"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/filter"
)

// ScanOptions configures a cursor.
type ScanOptions struct {
	// Backward walks from the last entry to the first.
	Backward bool
	// Locked keeps the shared lock until Close. Otherwise the lock is taken
	// per step and the cursor fails once the file has been modified.
	Locked bool
	// Range restricts the first indexed field. The cursor may return entries
	// outside the range; it never skips one inside it.
	Range filter.Range
}

// Cursor iterates index entries. Call Next before reading the first entry.
type Cursor struct {
	ix      *Index
	ctx     context.Context
	c       *btree.Cursor
	opts    ScanOptions
	gen     uint64
	start   []byte
	stops   [][]byte
	empty   bool
	started bool
	done    bool
	locked  bool
	// held means the caller owns the lock for the cursor's lifetime.
	held bool
	err  error
}

// Enumerate returns a cursor over every entry in key order.
func (ix *Index) Enumerate(ctx context.Context, forward, locked bool) (*Cursor, error) {
	return ix.Scan(ctx, ScanOptions{Backward: !forward, Locked: locked})
}

// Scan returns a cursor over the entries selected by opts.
func (ix *Index) Scan(ctx context.Context, opts ScanOptions) (*Cursor, error) {
	cur := &Cursor{ix: ix, ctx: ctx, opts: opts, c: ix.tree.Cursor()}
	cur.bounds(opts.Range)
	if err := ix.lk.RLock(ctx); err != nil {
		return nil, err
	}
	cur.gen = ix.lk.Generation()
	if opts.Locked {
		cur.locked = true
	} else {
		ix.lk.RUnlock()
	}
	return cur, nil
}

func (cur *Cursor) bounds(r filter.Range) {
	if r.Empty() {
		cur.empty = true
		return
	}
	desc := cur.ix.specs[0].Descending
	lo, hi := r.Lower, r.Upper
	if desc {
		lo, hi = hi, lo
	}
	if lo != nil {
		cur.start = boundPrefix(lo.Value, desc)
	}
	if hi != nil {
		cur.stops = append(cur.stops, boundPrefix(hi.Value, desc))
	}
	if r.Prefix != nil {
		p := boundPrefix(*r.Prefix, desc)
		if bytes.Compare(p, cur.start) > 0 {
			cur.start = p
		}
		cur.stops = append(cur.stops, p)
	}
}

// ScanHeld returns a cursor for a caller that holds the lock until it is done
// with the cursor.
func (ix *Index) ScanHeld(opts ScanOptions) *Cursor {
	cur := &Cursor{ix: ix, ctx: context.Background(), opts: opts, c: ix.tree.Cursor(), held: true}
	cur.bounds(opts.Range)
	return cur
}

// Next advances the cursor and reports whether an entry is available.
func (cur *Cursor) Next() bool {
	if cur.done || cur.err != nil {
		return false
	}
	if cur.empty {
		cur.done = true
		return false
	}
	if !cur.locked && !cur.held {
		if err := cur.ix.lk.RLock(cur.ctx); err != nil {
			cur.err = err
			return false
		}
		defer cur.ix.lk.RUnlock()
		if cur.ix.lk.Generation() != cur.gen {
			cur.err = dberr.ConcurrentModificationf("index %s modified during enumeration", cur.ix.Name())
			return false
		}
	}
	var ok bool
	switch {
	case cur.started && cur.opts.Backward:
		ok = cur.c.Prev()
	case cur.started:
		ok = cur.c.Next()
	case cur.opts.Backward:
		ok = seekLastWithin(cur.c, cur.stops)
	case cur.start != nil:
		ok = cur.c.Seek(cur.start)
	default:
		ok = cur.c.First()
	}
	cur.started = true
	if ok {
		ok = cur.inRange(cur.c.Key())
	}
	if !ok {
		cur.err = cur.c.Err()
		cur.done = true
	}
	return ok
}

func (cur *Cursor) inRange(key []byte) bool {
	if cur.opts.Backward {
		return cur.start == nil || bytes.Compare(key, cur.start) >= 0
	}
	for _, s := range cur.stops {
		if beyond(key, s) {
			return false
		}
	}
	return true
}

// ID returns the identifier of the current entry.
func (cur *Cursor) ID() uuid.UUID {
	id, _ := KeyID(cur.c.Key())
	return id
}

// Key returns the current key.
func (cur *Cursor) Key() []byte { return cur.c.Key() }

// Rank returns the rank of the current entry in ascending index order.
func (cur *Cursor) Rank() uint64 { return cur.c.Rank() }

// Err returns the error that ended the iteration, if any.
func (cur *Cursor) Err() error { return cur.err }

// Close releases the lock of a locked cursor. It is safe to call twice.
func (cur *Cursor) Close() error {
	cur.done = true
	if cur.locked {
		cur.locked = false
		cur.ix.lk.RUnlock()
	}
	return nil
}
