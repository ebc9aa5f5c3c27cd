package objects

import (
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

// Serializer converts objects of one type to and from documents and knows
// which collection they live in.
type Serializer interface {
	// Collection names the collection objects are stored in.
	Collection() string
	// Serialize converts obj to a document. The document carries the
	// object's current identifier, possibly uuid.Nil.
	Serialize(obj any) (*Document, error)
	// Deserialize builds a new object from a document.
	Deserialize(doc *Document) (any, error)
	// ObjectID returns the identifier of obj. When the object has none and
	// insertIfMissing is set, a new identifier is assigned to the object.
	ObjectID(obj any, insertIfMissing bool) (uuid.UUID, error)
}

// CollectionNamer is implemented by objects that choose their own
// collection, overriding the serializer's.
type CollectionNamer interface {
	CollectionName() string
}

// CollectionOf returns the collection obj belongs to.
func CollectionOf(s Serializer, obj any) string {
	if cn, ok := obj.(CollectionNamer); ok && cn.CollectionName() != "" {
		return cn.CollectionName()
	}
	return s.Collection()
}

// GenericObject is a schemaless object: a collection, an identifier and
// named fields.
type GenericObject struct {
	Collection string
	ID         uuid.UUID
	Fields     []Field
}

// CollectionName implements CollectionNamer.
func (o *GenericObject) CollectionName() string { return o.Collection }

// Get returns a field value.
func (o *GenericObject) Get(name string) (any, bool) {
	for _, f := range o.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set assigns a field value.
func (o *GenericObject) Set(name string, value any) {
	for i := range o.Fields {
		if o.Fields[i].Name == name {
			o.Fields[i].Value = value
			return
		}
	}
	o.Fields = append(o.Fields, Field{Name: name, Value: value})
}

// GenericSerializer serializes *GenericObject values.
type GenericSerializer struct {
	DefaultCollection string
}

func (g GenericSerializer) Collection() string { return g.DefaultCollection }

func (g GenericSerializer) Serialize(obj any) (*Document, error) {
	o, ok := obj.(*GenericObject)
	if !ok {
		return nil, errors.AssertionFailedf("generic serializer given %T", obj)
	}
	return NewDocument(o.ID, o.Fields...)
}

func (g GenericSerializer) Deserialize(doc *Document) (any, error) {
	o := &GenericObject{Collection: g.DefaultCollection, ID: doc.ID}
	o.Fields = append(o.Fields, doc.Fields...)
	return o, nil
}

func (g GenericSerializer) ObjectID(obj any, insertIfMissing bool) (uuid.UUID, error) {
	o, ok := obj.(*GenericObject)
	if !ok {
		return uuid.Nil, errors.AssertionFailedf("generic serializer given %T", obj)
	}
	if o.ID == uuid.Nil && insertIfMissing {
		o.ID = uuid.New()
	}
	return o.ID, nil
}

// FuncSerializer adapts typed functions to the Serializer interface for
// objects of type *T.
type FuncSerializer[T any] struct {
	collection string
	id         func(*T) *uuid.UUID
	encode     func(*T) []Field
	decode     func(*Document) (*T, error)
}

// NewFuncSerializer returns a serializer for *T. id returns a pointer to the
// object's identifier field.
func NewFuncSerializer[T any](
	collection string,
	id func(*T) *uuid.UUID,
	encode func(*T) []Field,
	decode func(*Document) (*T, error),
) *FuncSerializer[T] {
	return &FuncSerializer[T]{collection: collection, id: id, encode: encode, decode: decode}
}

func (s *FuncSerializer[T]) cast(obj any) (*T, error) {
	o, ok := obj.(*T)
	if !ok || o == nil {
		return nil, errors.AssertionFailedf("serializer for %s given %T", s.collection, obj)
	}
	return o, nil
}

func (s *FuncSerializer[T]) Collection() string { return s.collection }

func (s *FuncSerializer[T]) Serialize(obj any) (*Document, error) {
	o, err := s.cast(obj)
	if err != nil {
		return nil, err
	}
	return NewDocument(*s.id(o), s.encode(o)...)
}

func (s *FuncSerializer[T]) Deserialize(doc *Document) (any, error) {
	o, err := s.decode(doc)
	if err != nil {
		return nil, err
	}
	*s.id(o) = doc.ID
	return o, nil
}

func (s *FuncSerializer[T]) ObjectID(obj any, insertIfMissing bool) (uuid.UUID, error) {
	o, err := s.cast(obj)
	if err != nil {
		return uuid.Nil, err
	}
	id := s.id(o)
	if *id == uuid.Nil && insertIfMissing {
		*id = uuid.New()
	}
	return *id, nil
}

// Factory creates a serializer on first use.
type Factory func() (Serializer, error)

// Registry maps object types to serializers. Serializers are registered
// explicitly at startup, created on first lookup and cached for the
// registry's lifetime.
type Registry struct {
	mu        sync.Mutex
	factories map[reflect.Type]Factory
	cached    map[reflect.Type]Serializer
}

// NewRegistry returns a registry that already knows *GenericObject.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[reflect.Type]Factory),
		cached:    make(map[reflect.Type]Serializer),
	}
	r.cached[reflect.TypeOf(&GenericObject{})] = GenericSerializer{DefaultCollection: "Default"}
	return r
}

// Register binds the type of sample to s.
func (r *Registry) Register(sample any, s Serializer) error {
	return r.RegisterFactory(sample, func() (Serializer, error) { return s, nil })
}

// RegisterFactory binds the type of sample to a lazily created serializer.
func (r *Registry) RegisterFactory(sample any, f Factory) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return dberr.Validationf("cannot register a serializer for nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[t]; ok {
		return dberr.Validationf("serializer for %s already registered", t)
	}
	if _, ok := r.cached[t]; ok {
		return dberr.Validationf("serializer for %s already registered", t)
	}
	r.factories[t] = f
	return nil
}

// ForType returns the serializer of t.
func (r *Registry) ForType(t reflect.Type) (Serializer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cached[t]; ok {
		return s, nil
	}
	f, ok := r.factories[t]
	if !ok {
		return nil, dberr.NotFoundf("no serializer registered for %s", t)
	}
	s, err := f()
	if err != nil {
		return nil, errors.Wrapf(err, "create serializer for %s", t)
	}
	r.cached[t] = s
	return s, nil
}

// Lookup returns the serializer for the dynamic type of obj.
func (r *Registry) Lookup(obj any) (Serializer, error) {
	return r.ForType(reflect.TypeOf(obj))
}
