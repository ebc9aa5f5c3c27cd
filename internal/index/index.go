// Package index implements secondary index files: B-trees over memcomparable
// encodings of one or more document fields followed by the object
// identifier. An index shares the lock of the object file it belongs to.
//
// Index order is key order. Strings and byte slices enter keys by their first
// MaxStringPrefix bytes, so entries sharing such a prefix are ordered by the
// fields after it. Cursors, ranks and bounds all follow key order; callers
// needing value order regroup with EncodeOrderPrefix.
package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/btree"
	"github.com/S0me0neR0man/ourfiles/internal/cache"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/lock"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
	"github.com/S0me0neR0man/ourfiles/internal/pager"
)

// Magic identifies index files.
var Magic = pager.Magic{'O', 'U', 'R', 'I', 'N', 'D', 'X', '1'}

// offSpec is where the field list hash lives in the pager metadata, after
// the tree's own fields.
const offSpec = 12

// Source feeds documents to Regenerate and Rebuild. EachDocument runs with
// the lock held.
type Source interface {
	EachDocument(fn func(doc *objects.Document) error) error
}

// Index is an open index file.
type Index struct {
	specs []FieldSpec
	p     *pager.Pager
	tree  *btree.Tree
	lk    *lock.Lock
	// fresh is set when the file did not exist and has never been built.
	fresh bool

	sugar *zap.SugaredLogger
}

// SpecHash identifies a field list; it names index files.
func SpecHash(specs []FieldSpec) uint64 {
	return xxhash.Sum64String(SpecString(specs))
}

// Open opens or creates the index file at path. lk is the lock of the owning
// object file.
func Open(path string, specs []FieldSpec, blockSize int, c *cache.Cache, lk *lock.Lock, logger *zap.Logger) (*Index, error) {
	if len(specs) == 0 {
		return nil, dberr.Validationf("index %s has no fields", path)
	}
	p, err := pager.Open(path, Magic, blockSize, c, logger)
	if err != nil {
		return nil, err
	}
	hash := SpecHash(specs)
	if !p.Created() {
		if got := binary.LittleEndian.Uint64(p.Meta()[offSpec:]); got != hash {
			_ = p.Close()
			return nil, dberr.Validationf("index %s was built for other fields than %s", path, SpecString(specs))
		}
	} else {
		meta := p.Meta()
		binary.LittleEndian.PutUint64(meta[offSpec:], hash)
		if err := p.SetMeta(meta); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	tree, err := btree.Open(p, btree.Config{MaxKeySize: MaxKeySize(len(specs))})
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	ix := &Index{
		specs: specs,
		p:     p,
		tree:  tree,
		lk:    lk,
		fresh: p.Created(),
		sugar: logger.Sugar().With("index", SpecString(specs)),
	}
	ix.sugar.Debugw("index opened", "path", path, "entries", tree.Count(), "created", p.Created())
	return ix, nil
}

// Specs returns the indexed fields.
func (ix *Index) Specs() []FieldSpec { return ix.specs }

// Name returns the textual field list.
func (ix *Index) Name() string { return SpecString(ix.specs) }

// Path returns the index file path.
func (ix *Index) Path() string { return ix.p.Path() }

// Fresh reports whether the file was created by Open and not yet built.
func (ix *Index) Fresh() bool { return ix.fresh }

// Pager returns the underlying block file.
func (ix *Index) Pager() *pager.Pager { return ix.p }

// Insert adds the entry of doc. The caller holds the write lock.
func (ix *Index) Insert(doc *objects.Document) error {
	return ix.tree.Insert(EncodeKey(ix.specs, doc), nil)
}

// Remove deletes the entry of doc. The caller holds the write lock. A missing
// entry means the index and the primary file disagree.
func (ix *Index) Remove(doc *objects.Document) error {
	_, err := ix.tree.Delete(EncodeKey(ix.specs, doc))
	if errors.Is(err, dberr.ErrNotFound) {
		return dberr.Report(ix.sugar, "index.Remove",
			dberr.Corruptionf("index %s has no entry for %s", ix.Name(), doc.ID))
	}
	return err
}

// Update moves the entry of a document from its old to its new values. It
// does nothing when the key is unchanged, and keeps the old entry when the
// new one cannot be inserted. The caller holds the write lock.
func (ix *Index) Update(old, cur *objects.Document) error {
	oldKey, newKey := EncodeKey(ix.specs, old), EncodeKey(ix.specs, cur)
	if bytes.Equal(oldKey, newKey) {
		return nil
	}
	if _, err := ix.tree.Delete(oldKey); err != nil {
		if errors.Is(err, dberr.ErrNotFound) {
			return dberr.Report(ix.sugar, "index.Update",
				dberr.Corruptionf("index %s has no entry for %s", ix.Name(), old.ID))
		}
		return err
	}
	if err := ix.tree.Insert(newKey, nil); err != nil {
		return errors.CombineErrors(err, ix.tree.Insert(oldKey, nil))
	}
	return nil
}

// Clear drops every entry. The caller holds the write lock.
func (ix *Index) Clear() error {
	return ix.tree.Clear()
}

// Regenerate rebuilds the index from src under the write lock.
func (ix *Index) Regenerate(ctx context.Context, src Source) error {
	if err := ix.lk.Lock(ctx); err != nil {
		return err
	}
	defer ix.lk.Unlock()
	defer ix.lk.Bump()
	return ix.Rebuild(src)
}

// Rebuild is Regenerate for callers holding the write lock.
func (ix *Index) Rebuild(src Source) error {
	if err := ix.tree.Clear(); err != nil {
		return err
	}
	err := src.EachDocument(func(doc *objects.Document) error {
		return ix.tree.Insert(EncodeKey(ix.specs, doc), nil)
	})
	if err != nil {
		return errors.Wrapf(err, "regenerate index %s", ix.Name())
	}
	ix.fresh = false
	ix.sugar.Infow("index regenerated", "entries", ix.tree.Count())
	return ix.p.Sync()
}

// Count returns the number of entries.
func (ix *Index) Count(ctx context.Context) (uint64, error) {
	if err := ix.lk.RLock(ctx); err != nil {
		return 0, err
	}
	defer ix.lk.RUnlock()
	return ix.tree.Count(), nil
}

// CountLocked is Count for callers already holding the lock.
func (ix *Index) CountLocked() uint64 { return ix.tree.Count() }

// Position identifies an index entry.
type Position struct {
	Rank uint64
	ID   uuid.UUID
	Key  []byte
}

func position(c *btree.Cursor) (Position, error) {
	key := bytes.Clone(c.Key())
	id, err := KeyID(key)
	return Position{Rank: c.Rank(), ID: id, Key: key}, err
}

// SeekByRank returns the entry at zero-based rank n.
func (ix *Index) SeekByRank(ctx context.Context, n uint64) (Position, error) {
	if err := ix.lk.RLock(ctx); err != nil {
		return Position{}, err
	}
	defer ix.lk.RUnlock()
	c := ix.tree.Cursor()
	if !c.SeekRank(n) {
		if err := c.Err(); err != nil {
			return Position{}, err
		}
		return Position{}, dberr.Rangef("rank %d out of range [0, %d)", n, ix.tree.Count())
	}
	return position(c)
}

// RankOf returns the rank of the entry of doc.
func (ix *Index) RankOf(ctx context.Context, doc *objects.Document) (uint64, error) {
	if err := ix.lk.RLock(ctx); err != nil {
		return 0, err
	}
	defer ix.lk.RUnlock()
	r, found, err := ix.tree.Rank(EncodeKey(ix.specs, doc))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, dberr.NotFoundf("object %s not in index %s", doc.ID, ix.Name())
	}
	return r, nil
}

func (ix *Index) encodePrefix(values []any) ([]byte, error) {
	if len(values) > len(ix.specs) {
		return nil, dberr.Validationf("%d values for index %s", len(values), ix.Name())
	}
	var buf []byte
	for i, v := range values {
		n, err := objects.Normalize(v)
		if err != nil {
			return nil, err
		}
		buf = appendField(buf, n, ix.specs[i].Descending)
	}
	return buf, nil
}

// FindFirstGreaterOrEqual returns the first entry, in index order, whose
// leading fields sort at or after values. found is false when there is none.
func (ix *Index) FindFirstGreaterOrEqual(ctx context.Context, values ...any) (Position, bool, error) {
	prefix, err := ix.encodePrefix(values)
	if err != nil {
		return Position{}, false, err
	}
	if err := ix.lk.RLock(ctx); err != nil {
		return Position{}, false, err
	}
	defer ix.lk.RUnlock()
	c := ix.tree.Cursor()
	if !c.Seek(prefix) {
		return Position{}, false, c.Err()
	}
	pos, err := position(c)
	return pos, err == nil, err
}

// FindLastLesserOrEqual returns the last entry, in index order, whose leading
// fields sort at or before values. found is false when there is none.
func (ix *Index) FindLastLesserOrEqual(ctx context.Context, values ...any) (Position, bool, error) {
	prefix, err := ix.encodePrefix(values)
	if err != nil {
		return Position{}, false, err
	}
	if err := ix.lk.RLock(ctx); err != nil {
		return Position{}, false, err
	}
	defer ix.lk.RUnlock()
	c := ix.tree.Cursor()
	if !seekLastWithin(c, [][]byte{prefix}) {
		return Position{}, false, c.Err()
	}
	pos, err := position(c)
	return pos, err == nil, err
}

// beyond reports whether key sorts after every key starting with stop.
func beyond(key, stop []byte) bool {
	if len(key) > len(stop) {
		key = key[:len(stop)]
	}
	return bytes.Compare(key, stop) > 0
}

// seekLastWithin positions c on the last key not beyond any of stops.
func seekLastWithin(c *btree.Cursor, stops [][]byte) bool {
	var limit []byte
	for _, s := range stops {
		succ := prefixSuccessor(s)
		if succ != nil && (limit == nil || bytes.Compare(succ, limit) < 0) {
			limit = succ
		}
	}
	if limit == nil {
		return c.Last()
	}
	if !c.SeekLE(limit) {
		return false
	}
	if bytes.Compare(c.Key(), limit) >= 0 {
		return c.Prev()
	}
	return true
}

// Check validates the tree structure and that every key carries an
// identifier. The caller holds the lock.
func (ix *Index) Check() (btree.Stats, error) {
	st, err := ix.tree.Check()
	if err != nil {
		return st, dberr.Report(ix.sugar, "index.Check", errors.Wrapf(err, "index %s", ix.Name()))
	}
	c := ix.tree.Cursor()
	for ok := c.First(); ok; ok = c.Next() {
		if len(c.Key()) <= len(uuid.UUID{}) {
			return st, dberr.Report(ix.sugar, "index.Check",
				dberr.Corruptionf("index %s: key of %d bytes at rank %d", ix.Name(), len(c.Key()), c.Rank()))
		}
	}
	return st, c.Err()
}

// EachKey calls fn with every key in index order. The key is only valid
// during the call. The caller holds the lock.
func (ix *Index) EachKey(fn func(key []byte) error) error {
	c := ix.tree.Cursor()
	for ok := c.First(); ok; ok = c.Next() {
		if err := fn(c.Key()); err != nil {
			return err
		}
	}
	return c.Err()
}

// ExportTree writes an indented dump of the node structure. The caller holds
// the lock.
func (ix *Index) ExportTree(w io.Writer) error {
	return ix.tree.Walk(func(n btree.NodeInfo) error {
		indent := strings.Repeat("  ", n.Depth)
		kind := "node"
		if n.Leaf {
			kind = "leaf"
		}
		if _, err := fmt.Fprintf(w, "%s%s #%d entries=%d used=%d\n", indent, kind, n.Block, len(n.Entries), n.Used); err != nil {
			return err
		}
		for _, e := range n.Entries {
			id, err := KeyID(e.Key)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s  %x %s\n", indent, e.Key[:len(e.Key)-len(id)], id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sync flushes the file.
func (ix *Index) Sync() error { return ix.p.Sync() }

// Close closes the file.
func (ix *Index) Close() error { return ix.p.Close() }
