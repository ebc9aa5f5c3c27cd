package objects

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Field is a named value of a document.
type Field struct {
	Name  string
	Value any
}

// Document is the engine's view of an object: an identifier and an ordered
// set of fields holding normalized values.
type Document struct {
	ID     uuid.UUID
	Fields []Field
}

// NewDocument builds a document from name/value pairs, normalizing values.
func NewDocument(id uuid.UUID, fields ...Field) (*Document, error) {
	d := &Document{ID: id}
	for _, f := range fields {
		if err := d.Set(f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Get returns the value of a field.
func (d *Document) Get(name string) (any, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set assigns a field, replacing an existing one of the same name.
func (d *Document) Set(name string, value any) error {
	v, err := Normalize(value)
	if err != nil {
		return errors.Wrapf(err, "field %s", name)
	}
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = v
			return nil
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: v})
	return nil
}

// Map returns the fields as a map.
func (d *Document) Map() map[string]any {
	m := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		m[f.Name] = f.Value
	}
	return m
}

func (d *Document) String() string {
	var sb strings.Builder
	sb.WriteString(d.ID.String())
	sb.WriteString(" {")
	for i, f := range d.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", f.Name, f.Value)
	}
	sb.WriteString("}")
	return sb.String()
}
