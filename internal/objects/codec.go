package objects

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

// FieldCoder maps field names to the compact codes stored in records.
type FieldCoder interface {
	Code(name string) (uint32, error)
	Name(code uint32) (string, error)
}

// Encode serializes a document: identifier, field count, then for every
// field its code, kind and payload.
func Encode(d *Document, coder FieldCoder) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, d.ID[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(d.Fields)))
	for _, f := range d.Fields {
		code, err := coder.Code(f.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", f.Name)
		}
		buf = binary.AppendUvarint(buf, uint64(code))
		buf = appendValue(buf, f.Value)
	}
	return buf, nil
}

func appendValue(buf []byte, v any) []byte {
	k := KindOf(v)
	buf = append(buf, byte(k))
	switch x := v.(type) {
	case bool:
		if x {
			return append(buf, 1)
		}
		return append(buf, 0)
	case int64:
		return binary.AppendVarint(buf, x)
	case uint64:
		return binary.AppendUvarint(buf, x)
	case float64:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
	case time.Time:
		buf = binary.AppendVarint(buf, x.Unix())
		return binary.AppendUvarint(buf, uint64(x.Nanosecond()))
	case string:
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...)
	case []byte:
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...)
	case uuid.UUID:
		return append(buf, x[:]...)
	}
	return buf
}

// DecodeID returns the identifier of an encoded document.
func DecodeID(buf []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(buf) < len(id) {
		return id, dberr.Corruptionf("record of %d bytes too short", len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

// Decode parses a record produced by Encode.
func Decode(buf []byte, coder FieldCoder) (*Document, error) {
	id, err := DecodeID(buf)
	if err != nil {
		return nil, err
	}
	r := reader{buf: buf, pos: len(id)}
	n := r.uvarint()
	d := &Document{ID: id}
	for i := uint64(0); i < n && r.err == nil; i++ {
		code := r.uvarint()
		v := r.value()
		if r.err != nil {
			break
		}
		name, err := coder.Name(uint32(code))
		if err != nil {
			return nil, errors.Wrapf(err, "record %s field %d", id, i)
		}
		d.Fields = append(d.Fields, Field{Name: name, Value: v})
	}
	if r.err != nil {
		return nil, dberr.Corruptionf("record %s: %v", id, r.err)
	}
	return d, nil
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) fail(msg string) {
	if r.err == nil {
		r.err = errors.Newf("%s at offset %d", msg, r.pos)
	}
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.fail("bad uvarint")
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		r.fail("bad varint")
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.pos < n {
		r.fail("truncated value")
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) value() any {
	kb := r.take(1)
	if r.err != nil {
		return nil
	}
	switch Kind(kb[0]) {
	case KindNull:
		return nil
	case KindBool:
		b := r.take(1)
		return r.err == nil && b[0] == 1
	case KindInt:
		return r.varint()
	case KindUint:
		return r.uvarint()
	case KindFloat:
		b := r.take(8)
		if r.err != nil {
			return nil
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case KindTime:
		sec := r.varint()
		return time.Unix(sec, int64(r.uvarint())).UTC()
	case KindString:
		return string(r.take(int(r.uvarint())))
	case KindBytes:
		return append([]byte{}, r.take(int(r.uvarint()))...)
	case KindUUID:
		var id uuid.UUID
		copy(id[:], r.take(len(id)))
		return id
	}
	r.fail("unknown kind")
	return nil
}
