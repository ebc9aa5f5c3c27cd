package objfile

import (
	"context"

	"github.com/S0me0neR0man/ourfiles/internal/btree"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

// Cursor walks the stored documents in identifier order. Call Next before
// reading the first document.
type Cursor struct {
	f       *File
	ctx     context.Context
	c       *btree.Cursor
	gen     uint64
	locked  bool
	started bool
	done    bool
	doc     *objects.Document
	err     error
}

// Enumerate returns a cursor over every document. A locked cursor holds the
// shared lock until Close, so writers on the same file wait for it. An
// unlocked cursor fails with ErrConcurrentModification once the file is
// modified.
func (f *File) Enumerate(ctx context.Context, locked bool) (*Cursor, error) {
	if err := f.rlock(ctx); err != nil {
		return nil, err
	}
	cur := &Cursor{f: f, ctx: ctx, c: f.tree.Cursor(), gen: f.lk.Generation(), locked: locked}
	if !locked {
		f.lk.RUnlock()
	}
	return cur, nil
}

// Next advances to the next document.
func (cur *Cursor) Next() bool {
	if cur.done || cur.err != nil {
		return false
	}
	if !cur.locked {
		if err := cur.f.rlock(cur.ctx); err != nil {
			cur.err = err
			return false
		}
		defer cur.f.lk.RUnlock()
		if cur.f.lk.Generation() != cur.gen {
			cur.err = dberr.ConcurrentModificationf("%s modified during enumeration", cur.f.name)
			return false
		}
	}
	var ok bool
	if cur.started {
		ok = cur.c.Next()
	} else {
		ok = cur.c.First()
		cur.started = true
	}
	if !ok {
		cur.err = cur.c.Err()
		cur.done = true
		return false
	}
	e := cur.c.Entry()
	if cur.doc, cur.err = cur.f.decode(e.Key, e.Value); cur.err != nil {
		return false
	}
	return true
}

// Document returns the current document.
func (cur *Cursor) Document() *objects.Document { return cur.doc }

// Object returns the current document built by the file's serializer.
func (cur *Cursor) Object() (any, error) { return cur.f.ser.Deserialize(cur.doc) }

// Err returns the error that ended the iteration, if any.
func (cur *Cursor) Err() error { return cur.err }

// Close releases the lock of a locked cursor. It is safe to call twice.
func (cur *Cursor) Close() error {
	cur.done = true
	if cur.locked {
		cur.locked = false
		cur.f.lk.RUnlock()
	}
	return nil
}
