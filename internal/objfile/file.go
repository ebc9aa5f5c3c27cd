// Package objfile implements the object B-tree file of a collection: a
// counted B-tree keyed by object identifier whose values hold encoded
// records, with large records promoted to a BLOB store, field names coded
// through a names registry and secondary indices kept in step.
package objfile

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/blob"
	"github.com/S0me0neR0man/ourfiles/internal/btree"
	"github.com/S0me0neR0man/ourfiles/internal/cache"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/index"
	"github.com/S0me0neR0man/ourfiles/internal/lock"
	"github.com/S0me0neR0man/ourfiles/internal/names"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
	"github.com/S0me0neR0man/ourfiles/internal/pager"
)

// Magic identifies object files.
var Magic = pager.Magic{'O', 'U', 'R', 'O', 'B', 'J', 'S', '1'}

const (
	recordInline byte = 0
	recordBlob   byte = 1

	blobRefSize = 1 + 4 + 4
	idSize      = len(uuid.UUID{})
)

// Options configures an object file.
type Options struct {
	BlockSize     int
	BlobBlockSize int
	// InlineLimit is the largest encoded record kept in the tree itself.
	InlineLimit int
	// Compression is the codec of new BLOB chains.
	Compression    blob.Compression
	RequestTimeout time.Duration
}

// MinInlineLimit is the smallest inline limit: a tree value must be able to
// hold a BLOB reference.
const MinInlineLimit = blobRefSize - 1

// MaxInlineLimit returns the largest inline limit a tree with the given
// block size can hold, or 0 when the block is too small.
func MaxInlineLimit(blockSize int) int {
	payload := pager.PayloadFor(blockSize)
	for l := payload; l > 0; l-- {
		if btree.Capacity(payload, idSize, 1+l) >= 3 {
			return l
		}
	}
	return 0
}

// Paths of the files making up a collection.
func PrimaryPath(dir, collection string) string {
	return filepath.Join(dir, collection+".btree")
}

func BlobPath(dir, collection string) string {
	return filepath.Join(dir, collection+".blob")
}

func NamesPath(dir, collection string) string {
	return filepath.Join(dir, collection+".names")
}

// File is an open collection. All methods are safe for concurrent use; they
// serialize through the file's lock.
type File struct {
	name string
	dir  string
	opts Options

	cache *cache.Cache
	lk    *lock.Lock
	p     *pager.Pager
	tree  *btree.Tree
	blobs *blob.Store
	names *names.Registry
	// guarded by lk
	indices []*index.Index

	ser    objects.Serializer
	reg    *objects.Registry
	closed atomic.Bool

	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// Open opens or creates the files of collection in dir. Objects are
// serialized with the serializer reg returns for their type; Load and Find
// build objects with def.
func Open(dir, collection string, opts Options, c *cache.Cache, reg *objects.Registry, def objects.Serializer, logger *zap.Logger) (*File, error) {
	if opts.InlineLimit < MinInlineLimit {
		return nil, dberr.Validationf("inline limit %d below %d", opts.InlineLimit, MinInlineLimit)
	}
	logger = logger.With(zap.String("collection", collection))
	f := &File{
		name:   collection,
		dir:    dir,
		opts:   opts,
		cache:  c,
		lk:     lock.New(collection, opts.RequestTimeout),
		ser:    def,
		reg:    reg,
		logger: logger,
		sugar:  logger.Sugar(),
	}
	var err error
	if f.p, err = pager.Open(PrimaryPath(dir, collection), Magic, opts.BlockSize, c, logger); err != nil {
		return nil, err
	}
	f.tree, err = btree.Open(f.p, btree.Config{MaxKeySize: idSize, MaxValueSize: 1 + opts.InlineLimit})
	if err != nil {
		_ = f.p.Close()
		return nil, errors.Wrapf(err, "collection %s", collection)
	}
	if f.blobs, err = blob.Open(BlobPath(dir, collection), opts.BlobBlockSize, c, opts.Compression, logger); err != nil {
		_ = f.p.Close()
		return nil, err
	}
	if f.names, err = names.Open(NamesPath(dir, collection), logger); err != nil {
		_ = f.p.Close()
		_ = f.blobs.Close()
		return nil, err
	}
	f.sugar.Debugw("collection opened", "records", f.tree.Count(), "created", f.p.Created())
	return f, nil
}

// Name returns the collection name.
func (f *File) Name() string { return f.name }

// Dir returns the folder holding the collection's files.
func (f *File) Dir() string { return f.dir }

// Options returns the options the file was opened with.
func (f *File) Options() Options { return f.opts }

// Lock returns the lock shared by the file and its indices.
func (f *File) Lock() *lock.Lock { return f.lk }

// Serializer returns the serializer Load and Find use.
func (f *File) Serializer() objects.Serializer { return f.ser }

// Names returns the field name registry.
func (f *File) Names() *names.Registry { return f.names }

func (f *File) errClosed() error {
	return errors.Wrapf(dberr.ErrClosed, "collection %s", f.name)
}

func (f *File) rlock(ctx context.Context) error {
	if f.closed.Load() {
		return f.errClosed()
	}
	if err := f.lk.RLock(ctx); err != nil {
		return err
	}
	if f.closed.Load() {
		f.lk.RUnlock()
		return f.errClosed()
	}
	return nil
}

func (f *File) wlock(ctx context.Context) error {
	if f.closed.Load() {
		return f.errClosed()
	}
	if err := f.lk.Lock(ctx); err != nil {
		return err
	}
	if f.closed.Load() {
		f.lk.Unlock()
		return f.errClosed()
	}
	return nil
}

// record encodes doc as a tree value, writing it to the BLOB store when it
// exceeds the inline limit. old is the previous value of the record, if any;
// its BLOB chain is rewritten in place, or returned as release when the new
// value no longer needs it. The caller frees release once the new value is
// stored.
func (f *File) record(doc *objects.Document, old []byte) (v []byte, release blob.Handle, err error) {
	rec, err := objects.Encode(doc, f.names)
	if err != nil {
		return nil, 0, err
	}
	var oldHead blob.Handle
	if len(old) > 0 && old[0] == recordBlob {
		if oldHead, _, err = f.blobRef(old); err != nil {
			return nil, 0, err
		}
	}
	if len(rec) <= f.opts.InlineLimit {
		return append([]byte{recordInline}, rec...), oldHead, nil
	}
	var h blob.Handle
	if oldHead != 0 {
		h, err = f.blobs.Rewrite(oldHead, rec)
	} else {
		h, err = f.blobs.Write(rec)
	}
	if err != nil {
		return nil, 0, err
	}
	v = make([]byte, blobRefSize)
	v[0] = recordBlob
	binary.LittleEndian.PutUint32(v[1:], uint32(h))
	binary.LittleEndian.PutUint32(v[5:], uint32(len(rec)))
	return v, 0, nil
}

// unrecord reverts the BLOB side of v, written by record over prev whose
// value was prevValue: a chain created for v is freed, a chain rewritten in
// place gets prev back.
func (f *File) unrecord(v []byte, prev *objects.Document, prevValue []byte) error {
	if len(v) == 0 || v[0] != recordBlob {
		return nil
	}
	h, _, err := f.blobRef(v)
	if err != nil {
		return err
	}
	if len(prevValue) == 0 || prevValue[0] != recordBlob {
		return f.blobs.Free(h)
	}
	rec, err := objects.Encode(prev, f.names)
	if err != nil {
		return err
	}
	_, err = f.blobs.Rewrite(h, rec)
	return err
}

func (f *File) blobRef(v []byte) (blob.Handle, int, error) {
	if len(v) != blobRefSize {
		return 0, 0, dberr.Corruptionf("%s: BLOB reference of %d bytes", f.name, len(v))
	}
	return blob.Handle(binary.LittleEndian.Uint32(v[1:])), int(binary.LittleEndian.Uint32(v[5:])), nil
}

// decode turns a tree value back into a document.
func (f *File) decode(key, v []byte) (*objects.Document, error) {
	if len(v) == 0 {
		return nil, dberr.Report(f.sugar, "objfile.decode", dberr.Corruptionf("%s: empty record", f.name))
	}
	rec := v[1:]
	switch v[0] {
	case recordInline:
	case recordBlob:
		h, n, err := f.blobRef(v)
		if err != nil {
			return nil, dberr.Report(f.sugar, "objfile.decode", err)
		}
		if rec, err = f.blobs.Read(h); err != nil {
			return nil, err
		}
		if len(rec) != n {
			return nil, dberr.Report(f.sugar, "objfile.decode",
				dberr.Corruptionf("%s: BLOB %d holds %d bytes, record says %d", f.name, h, len(rec), n))
		}
	default:
		return nil, dberr.Report(f.sugar, "objfile.decode",
			dberr.Corruptionf("%s: record kind %d", f.name, v[0]))
	}
	doc, err := objects.Decode(rec, f.names)
	if err != nil {
		return nil, dberr.Report(f.sugar, "objfile.decode", err)
	}
	if string(doc.ID[:]) != string(key) {
		return nil, dberr.Report(f.sugar, "objfile.decode",
			dberr.Corruptionf("%s: record %s stored under key %x", f.name, doc.ID, key))
	}
	return doc, nil
}

// get returns the document stored under id. The caller holds the lock.
func (f *File) get(id uuid.UUID) (*objects.Document, []byte, bool, error) {
	v, found, err := f.tree.Get(id[:])
	if err != nil || !found {
		return nil, nil, false, err
	}
	doc, err := f.decode(id[:], v)
	return doc, v, err == nil, err
}

// EachDocument calls fn for every document in identifier order. The caller
// holds the lock.
func (f *File) EachDocument(fn func(doc *objects.Document) error) error {
	c := f.tree.Cursor()
	for ok := c.First(); ok; ok = c.Next() {
		e := c.Entry()
		doc, err := f.decode(e.Key, e.Value)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return c.Err()
}

// Indices returns the attached indices.
func (f *File) Indices() []*index.Index {
	return append([]*index.Index(nil), f.indices...)
}

// IndexOn returns the attached index over exactly specs.
func (f *File) IndexOn(specs []index.FieldSpec) (*index.Index, bool) {
	want := index.SpecString(specs)
	for _, ix := range f.indices {
		if ix.Name() == want {
			return ix, true
		}
	}
	return nil, false
}

// AttachIndex starts maintaining ix, rebuilding it first when rebuild is set.
func (f *File) AttachIndex(ctx context.Context, ix *index.Index, rebuild bool) error {
	if err := f.wlock(ctx); err != nil {
		return err
	}
	defer f.lk.Unlock()
	if _, ok := f.IndexOn(ix.Specs()); ok {
		return dberr.Validationf("%s already has an index on %s", f.name, ix.Name())
	}
	if rebuild {
		f.lk.Bump()
		if err := ix.Rebuild(f); err != nil {
			return err
		}
	}
	f.indices = append(f.indices, ix)
	f.sugar.Infow("index attached", "index", ix.Name(), "entries", ix.CountLocked(), "rebuilt", rebuild)
	return nil
}

// RegenerateIndices rebuilds every attached index.
func (f *File) RegenerateIndices(ctx context.Context) error {
	if err := f.wlock(ctx); err != nil {
		return err
	}
	defer f.lk.Unlock()
	f.lk.Bump()
	for _, ix := range f.indices {
		if err := ix.Rebuild(f); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes every file of the collection.
func (f *File) Sync(ctx context.Context) error {
	if err := f.rlock(ctx); err != nil {
		return err
	}
	defer f.lk.RUnlock()
	return f.sync()
}

func (f *File) sync() error {
	if err := f.p.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", f.name)
	}
	if err := f.blobs.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", f.name)
	}
	for _, ix := range f.indices {
		if err := ix.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s index %s", f.name, ix.Name())
		}
	}
	return nil
}

// Close closes every file of the collection. Later calls fail with
// ErrClosed.
func (f *File) Close(ctx context.Context) error {
	if err := f.wlock(ctx); err != nil {
		return err
	}
	defer f.lk.Unlock()
	f.closed.Store(true)
	f.lk.Bump()
	errs := []error{f.p.Close(), f.blobs.Close(), f.names.Close()}
	for _, ix := range f.indices {
		errs = append(errs, ix.Close())
	}
	f.indices = nil
	var err error
	for _, e := range errs {
		err = errors.CombineErrors(err, e)
	}
	f.sugar.Debugw("collection closed", "err", err)
	return err
}
