package index

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

// MaxStringPrefix is the number of leading bytes of a string or byte slice
// value that take part in an index key.
const MaxStringPrefix = 48

const (
	tagNull byte = iota + 1
	tagBool
	tagNumber
	tagTime
	tagString
	tagBytes
	tagUUID
)

// Suffixes after the float of a number. Integers that round to the same
// float are told apart by their exact value; no integer shares the float of
// a fraction, nor of a float beyond the uint64 range.
const (
	numFloat byte = iota
	numInteger
	numBeyond
)

const (
	escByte       = 0x00
	escEscaped    = 0xFF
	termComplete  = 0x01
	termTruncated = 0x02
)

// maxFieldSize bounds the encoding of a single field value.
const maxFieldSize = 1 + 2*MaxStringPrefix + 2

// FieldSpec is one field of an index definition.
type FieldSpec struct {
	Name       string
	Descending bool
}

// ParseFieldSpec parses the textual form of a field: "Name" or "-Name".
func ParseFieldSpec(s string) (FieldSpec, error) {
	desc := strings.HasPrefix(s, "-")
	name := strings.TrimPrefix(s, "-")
	if name == "" {
		return FieldSpec{}, dberr.Validationf("empty index field %q", s)
	}
	return FieldSpec{Name: name, Descending: desc}, nil
}

// ParseFieldSpecs parses a field list, rejecting duplicates.
func ParseFieldSpecs(fields ...string) ([]FieldSpec, error) {
	if len(fields) == 0 {
		return nil, dberr.Validationf("index needs at least one field")
	}
	seen := make(map[string]bool, len(fields))
	specs := make([]FieldSpec, 0, len(fields))
	for _, f := range fields {
		s, err := ParseFieldSpec(f)
		if err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, dberr.Validationf("index field %s listed twice", s.Name)
		}
		seen[s.Name] = true
		specs = append(specs, s)
	}
	return specs, nil
}

func (s FieldSpec) String() string {
	if s.Descending {
		return "-" + s.Name
	}
	return s.Name
}

// Reverse returns the spec with the opposite direction.
func (s FieldSpec) Reverse() FieldSpec {
	s.Descending = !s.Descending
	return s
}

// SpecString renders a field list in its textual form.
func SpecString(specs []FieldSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// MaxKeySize returns the largest key an index over n fields can produce.
func MaxKeySize(n int) int {
	return n*maxFieldSize + len(uuid.UUID{})
}

// EncodeValues appends the key encoding of the given field values of doc.
// A missing field encodes as null.
func EncodeValues(buf []byte, specs []FieldSpec, doc *objects.Document) []byte {
	for _, s := range specs {
		v, _ := doc.Get(s.Name)
		buf = appendField(buf, v, s.Descending)
	}
	return buf
}

// EncodeOrderPrefix appends the encoding of the fields of doc up to and
// including the first one cut to MaxStringPrefix. Documents whose prefixes
// differ sort in prefix order. Documents sharing a prefix are adjacent in an
// index over specs, and only a full comparison of their values orders them.
func EncodeOrderPrefix(buf []byte, specs []FieldSpec, doc *objects.Document) []byte {
	for _, s := range specs {
		v, _ := doc.Get(s.Name)
		buf = appendField(buf, v, s.Descending)
		if Truncated(v) {
			break
		}
	}
	return buf
}

// Truncated reports whether only a prefix of v takes part in index keys.
func Truncated(v any) bool {
	switch x := v.(type) {
	case string:
		return len(x) > MaxStringPrefix
	case []byte:
		return len(x) > MaxStringPrefix
	}
	return false
}

// EncodeKey returns the full index key of doc: its field values followed by
// its identifier.
func EncodeKey(specs []FieldSpec, doc *objects.Document) []byte {
	buf := EncodeValues(make([]byte, 0, 64), specs, doc)
	return append(buf, doc.ID[:]...)
}

// KeyID extracts the object identifier from an index key.
func KeyID(key []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(key) < len(id) {
		return id, dberr.Corruptionf("index key of %d bytes", len(key))
	}
	copy(id[:], key[len(key)-len(id):])
	return id, nil
}

func appendField(buf []byte, v any, desc bool) []byte {
	start := len(buf)
	buf = appendValue(buf, v, true)
	if desc {
		invert(buf[start:])
	}
	return buf
}

// appendValue encodes v so that byte order matches objects.Compare order.
// With complete unset, variable-length values are left open (no terminator)
// and numbers carry no exactness suffix; the result is then a prefix of the
// encoding of every value equal to v.
func appendValue(buf []byte, v any, complete bool) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull)
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(buf, tagBool, b)
	case int64:
		return appendNumber(buf, float64(x), uint64(x), true, complete)
	case uint64:
		return appendNumber(buf, float64(x), x, true, complete)
	case float64:
		exact, integral := floatInteger(x)
		return appendNumber(buf, x, exact, integral, complete)
	case time.Time:
		buf = append(buf, tagTime)
		buf = binary.BigEndian.AppendUint64(buf, uint64(x.Unix())^(1<<63))
		return binary.BigEndian.AppendUint32(buf, uint32(x.Nanosecond()))
	case string:
		return appendBytes(append(buf, tagString), []byte(x), complete)
	case []byte:
		return appendBytes(append(buf, tagBytes), x, complete)
	case uuid.UUID:
		return append(append(buf, tagUUID), x[:]...)
	}
	return append(buf, tagNull)
}

// appendNumber writes the order-preserving float followed, for complete
// encodings, by the exact integer value when there is one. Equal numbers of
// different kinds encode identically, and the order of encodings is the
// exact numeric order of objects.Compare.
func appendNumber(buf []byte, f float64, exact uint64, integral, complete bool) []byte {
	buf = appendFloat(append(buf, tagNumber), f)
	if !complete {
		return buf
	}
	if !integral {
		if f >= 1<<64 {
			return append(buf, numBeyond)
		}
		return append(buf, numFloat)
	}
	return binary.BigEndian.AppendUint64(append(buf, numInteger), exact)
}

// floatInteger returns the integer value of f as int64 or uint64 bits when f
// is integral and in range.
func floatInteger(f float64) (uint64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	switch {
	case f >= -(1<<63) && f < 0:
		return uint64(int64(f)), true
	case f >= 0 && f < 1<<64:
		return uint64(f), true
	}
	return 0, false
}

// appendFloat writes an order-preserving float: NaN first, -0 folded to 0.
func appendFloat(buf []byte, f float64) []byte {
	var u uint64
	switch {
	case math.IsNaN(f):
		u = 0
	case f == 0:
		u = 1 << 63
	default:
		u = math.Float64bits(f)
		if u&(1<<63) != 0 {
			u = ^u
		} else {
			u |= 1 << 63
		}
	}
	return binary.BigEndian.AppendUint64(buf, u)
}

func appendBytes(buf, b []byte, complete bool) []byte {
	term := byte(termComplete)
	if len(b) > MaxStringPrefix {
		b, term = b[:MaxStringPrefix], termTruncated
	}
	for _, c := range b {
		if c == escByte {
			buf = append(buf, escByte, escEscaped)
		} else {
			buf = append(buf, c)
		}
	}
	if complete {
		buf = append(buf, escByte, term)
	}
	return buf
}

func invert(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// boundPrefix returns a byte string that is a prefix-lower-bound of every key
// whose first field is >= v, and a prefix-upper-bound of every key whose
// first field is <= v, in the direction of spec.
func boundPrefix(v any, desc bool) []byte {
	b := appendValue(nil, v, false)
	if desc {
		invert(b)
	}
	return b
}

// prefixSuccessor returns the smallest byte string greater than every string
// starting with p, or nil when there is none.
func prefixSuccessor(p []byte) []byte {
	s := bytes.Clone(p)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0xFF {
			s[i]++
			return s[:i+1]
		}
	}
	return nil
}
