package objfile

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

func (f *File) serializerOf(obj any) (objects.Serializer, error) {
	if obj == nil {
		return nil, dberr.Validationf("%s: nil object", f.name)
	}
	return f.reg.Lookup(obj)
}

// serialize returns the document of obj, assigning an identifier when the
// object has none and assign is set.
func (f *File) serialize(obj any, assign bool) (*objects.Document, error) {
	s, err := f.serializerOf(obj)
	if err != nil {
		return nil, err
	}
	if _, err := s.ObjectID(obj, assign); err != nil {
		return nil, err
	}
	doc, err := s.Serialize(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "serialize %T", obj)
	}
	return doc, nil
}

// SaveNew stores a new object and returns its identifier, assigning one when
// the object has none.
func (f *File) SaveNew(ctx context.Context, obj any) (uuid.UUID, error) {
	doc, err := f.serialize(obj, true)
	if err != nil {
		return uuid.Nil, err
	}
	if err := f.SaveNewDocument(ctx, doc); err != nil {
		return uuid.Nil, err
	}
	return doc.ID, nil
}

// SaveNewBatch stores several new objects under one lock acquisition. It
// stops at the first failure; objects stored before it remain stored.
func (f *File) SaveNewBatch(ctx context.Context, objs []any) ([]uuid.UUID, error) {
	docs := make([]*objects.Document, len(objs))
	for i, obj := range objs {
		doc, err := f.serialize(obj, true)
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}
	if err := f.wlock(ctx); err != nil {
		return nil, err
	}
	defer f.lk.Unlock()
	ids := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		if err := f.insert(doc); err != nil {
			return ids, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

// SaveNewDocument stores a new document. A nil identifier is replaced by a
// fresh one.
func (f *File) SaveNewDocument(ctx context.Context, doc *objects.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if err := f.wlock(ctx); err != nil {
		return err
	}
	defer f.lk.Unlock()
	return f.insert(doc)
}

// insert stores a new document. A failure leaves the file as it was. The
// caller holds the write lock.
func (f *File) insert(doc *objects.Document) error {
	if _, found, err := f.tree.Get(doc.ID[:]); err != nil {
		return err
	} else if found {
		return dberr.KeyExistsf("%s: object %s already stored", f.name, doc.ID)
	}
	v, _, err := f.record(doc, nil)
	if err != nil {
		return err
	}
	if err := f.tree.Insert(doc.ID[:], v); err != nil {
		return errors.CombineErrors(err, f.unrecord(v, nil, nil))
	}
	f.lk.Bump()
	for i, ix := range f.indices {
		if err := ix.Insert(doc); err != nil {
			err = errors.Wrapf(err, "index %s", ix.Name())
			for _, done := range f.indices[:i] {
				err = errors.CombineErrors(err, done.Remove(doc))
			}
			if _, derr := f.tree.Delete(doc.ID[:]); derr != nil {
				err = errors.CombineErrors(err, derr)
			}
			return errors.CombineErrors(err, f.unrecord(v, nil, nil))
		}
	}
	return nil
}

// LoadDocument returns the document stored under id.
func (f *File) LoadDocument(ctx context.Context, id uuid.UUID) (*objects.Document, error) {
	doc, found, err := f.TryLoadDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dberr.NotFoundf("%s: object %s not found", f.name, id)
	}
	return doc, nil
}

// TryLoadDocument is LoadDocument reporting absence instead of failing.
func (f *File) TryLoadDocument(ctx context.Context, id uuid.UUID) (*objects.Document, bool, error) {
	if err := f.rlock(ctx); err != nil {
		return nil, false, err
	}
	defer f.lk.RUnlock()
	doc, _, found, err := f.get(id)
	return doc, found, err
}

// Load returns the object stored under id, built by the file's serializer.
func (f *File) Load(ctx context.Context, id uuid.UUID) (any, error) {
	doc, err := f.LoadDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.ser.Deserialize(doc)
}

// TryLoad is Load reporting absence instead of failing.
func (f *File) TryLoad(ctx context.Context, id uuid.UUID) (any, bool, error) {
	doc, found, err := f.TryLoadDocument(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	obj, err := f.ser.Deserialize(doc)
	return obj, err == nil, err
}

// Update replaces the stored state of obj.
func (f *File) Update(ctx context.Context, obj any) error {
	doc, err := f.serialize(obj, false)
	if err != nil {
		return err
	}
	return f.UpdateDocument(ctx, doc)
}

// UpdateDocument replaces the document stored under doc.ID. A failure
// leaves the stored document and its index entries as they were.
func (f *File) UpdateDocument(ctx context.Context, doc *objects.Document) error {
	if err := f.wlock(ctx); err != nil {
		return err
	}
	defer f.lk.Unlock()
	old, oldValue, found, err := f.get(doc.ID)
	if err != nil {
		return err
	}
	if !found {
		return dberr.NotFoundf("%s: object %s not found", f.name, doc.ID)
	}
	v, release, err := f.record(doc, oldValue)
	if err != nil {
		return err
	}
	if err := f.tree.Replace(doc.ID[:], v); err != nil {
		return errors.CombineErrors(err, f.unrecord(v, old, oldValue))
	}
	f.lk.Bump()
	for i, ix := range f.indices {
		if err := ix.Update(old, doc); err != nil {
			err = errors.Wrapf(err, "index %s", ix.Name())
			for _, done := range f.indices[:i] {
				err = errors.CombineErrors(err, done.Update(doc, old))
			}
			err = errors.CombineErrors(err, f.tree.Replace(doc.ID[:], oldValue))
			return errors.CombineErrors(err, f.unrecord(v, old, oldValue))
		}
	}
	if release != 0 {
		return f.blobs.Free(release)
	}
	return nil
}

// DeleteObject removes obj.
func (f *File) DeleteObject(ctx context.Context, obj any) error {
	s, err := f.serializerOf(obj)
	if err != nil {
		return err
	}
	id, err := s.ObjectID(obj, false)
	if err != nil {
		return err
	}
	return f.Delete(ctx, id)
}

// Delete removes the object stored under id.
func (f *File) Delete(ctx context.Context, id uuid.UUID) error {
	if err := f.wlock(ctx); err != nil {
		return err
	}
	defer f.lk.Unlock()
	return f.delete(id)
}

func (f *File) delete(id uuid.UUID) error {
	old, _, found, err := f.get(id)
	if err != nil {
		return err
	}
	if !found {
		return dberr.NotFoundf("%s: object %s not found", f.name, id)
	}
	v, err := f.tree.Delete(id[:])
	if err != nil {
		return err
	}
	f.lk.Bump()
	if v[0] == recordBlob {
		h, _, err := f.blobRef(v)
		if err != nil {
			return err
		}
		if err := f.blobs.Free(h); err != nil {
			return err
		}
	}
	for _, ix := range f.indices {
		if err := ix.Remove(old); err != nil {
			return errors.Wrapf(err, "index %s", ix.Name())
		}
	}
	return nil
}

// Clear deletes every object, shrinking every file of the collection to its
// empty state.
func (f *File) Clear(ctx context.Context) error {
	if err := f.wlock(ctx); err != nil {
		return err
	}
	defer f.lk.Unlock()
	n := f.tree.Count()
	if err := f.tree.Clear(); err != nil {
		return err
	}
	f.lk.Bump()
	if err := f.blobs.Pager().Reset(); err != nil {
		return err
	}
	for _, ix := range f.indices {
		if err := ix.Clear(); err != nil {
			return errors.Wrapf(err, "index %s", ix.Name())
		}
	}
	f.sugar.Infow("collection cleared", "records", n)
	return nil
}

// Count returns the number of stored objects.
func (f *File) Count(ctx context.Context) (uint64, error) {
	if err := f.rlock(ctx); err != nil {
		return 0, err
	}
	defer f.lk.RUnlock()
	return f.tree.Count(), nil
}
