package provider

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/filter"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
	"github.com/S0me0neR0man/ourfiles/internal/objfile"
)

// GetSerializer returns the serializer registered for *T.
func GetSerializer[T any](p *Provider) (objects.Serializer, error) {
	return p.reg.ForType(reflect.TypeOf((*T)(nil)))
}

// fileOf returns the serializer of *T and the collection obj lives in. A nil
// obj selects the serializer's default collection.
func fileOf[T any](ctx context.Context, p *Provider, obj *T) (objects.Serializer, *objfile.File, error) {
	s, err := GetSerializer[T](p)
	if err != nil {
		return nil, nil, err
	}
	name := s.Collection()
	if obj != nil {
		name = objects.CollectionOf(s, obj)
	}
	f, err := p.GetFile(ctx, name)
	return s, f, err
}

func deserialize[T any](s objects.Serializer, doc *objects.Document) (*T, error) {
	obj, err := s.Deserialize(doc)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*T)
	if !ok {
		return nil, errors.AssertionFailedf("serializer built %T, want %T", obj, (*T)(nil))
	}
	return t, nil
}

// Insert stores a new object and returns its identifier.
func Insert[T any](ctx context.Context, p *Provider, obj *T) (uuid.UUID, error) {
	_, f, err := fileOf(ctx, p, obj)
	if err != nil {
		return uuid.Nil, err
	}
	p.observe("insert", f.Name())
	return f.SaveNew(ctx, obj)
}

// InsertMany stores new objects, one lock acquisition per collection.
func InsertMany[T any](ctx context.Context, p *Provider, objs []*T) ([]uuid.UUID, error) {
	s, err := GetSerializer[T](p)
	if err != nil {
		return nil, err
	}
	var order []string
	groups := make(map[string][]any)
	for _, obj := range objs {
		name := objects.CollectionOf(s, obj)
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], obj)
	}
	for _, name := range order {
		f, err := p.GetFile(ctx, name)
		if err != nil {
			return nil, err
		}
		p.observe("insert", name)
		if _, err := f.SaveNewBatch(ctx, groups[name]); err != nil {
			return nil, err
		}
	}
	ids := make([]uuid.UUID, len(objs))
	for i, obj := range objs {
		if ids[i], err = s.ObjectID(obj, false); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Update replaces the stored state of obj.
func Update[T any](ctx context.Context, p *Provider, obj *T) error {
	_, f, err := fileOf(ctx, p, obj)
	if err != nil {
		return err
	}
	p.observe("update", f.Name())
	return f.Update(ctx, obj)
}

// Delete removes obj.
func Delete[T any](ctx context.Context, p *Provider, obj *T) error {
	_, f, err := fileOf(ctx, p, obj)
	if err != nil {
		return err
	}
	p.observe("delete", f.Name())
	return f.DeleteObject(ctx, obj)
}

// DeleteByID removes the object of type T stored under id.
func DeleteByID[T any](ctx context.Context, p *Provider, id uuid.UUID) error {
	_, f, err := fileOf[T](ctx, p, nil)
	if err != nil {
		return err
	}
	p.observe("delete", f.Name())
	return f.Delete(ctx, id)
}

// LoadByID returns the object of type T stored under id.
func LoadByID[T any](ctx context.Context, p *Provider, id uuid.UUID) (*T, error) {
	s, f, err := fileOf[T](ctx, p, nil)
	if err != nil {
		return nil, err
	}
	p.observe("load", f.Name())
	doc, err := f.LoadDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return deserialize[T](s, doc)
}

// Find returns the objects of type T selected by opts.
func Find[T any](ctx context.Context, p *Provider, opts objfile.FindOptions) ([]*T, error) {
	s, f, err := fileOf[T](ctx, p, nil)
	if err != nil {
		return nil, err
	}
	p.observe("find", f.Name())
	docs, err := f.FindDocuments(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(docs))
	for i, doc := range docs {
		if out[i], err = deserialize[T](s, doc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FindFirst returns the first object of type T matching flt in the given
// sort order.
func FindFirst[T any](ctx context.Context, p *Provider, flt filter.Filter, sort ...string) (*T, bool, error) {
	res, err := Find[T](ctx, p, objfile.FindOptions{Filter: flt, Sort: sort, MaxCount: 1})
	if err != nil || len(res) == 0 {
		return nil, false, err
	}
	return res[0], true, nil
}

// Count returns the number of objects of type T matching flt; nil counts
// every object.
func Count[T any](ctx context.Context, p *Provider, flt filter.Filter) (uint64, error) {
	_, f, err := fileOf[T](ctx, p, nil)
	if err != nil {
		return 0, err
	}
	p.observe("count", f.Name())
	return f.CountWhere(ctx, flt)
}

// Clear deletes every object of the collection of T.
func Clear[T any](ctx context.Context, p *Provider) error {
	_, f, err := fileOf[T](ctx, p, nil)
	if err != nil {
		return err
	}
	p.observe("clear", f.Name())
	return f.Clear(ctx)
}
