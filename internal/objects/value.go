// Package objects defines the object model shared by the storage engine: field
// values, documents, the binary record codec and the serializer registry.
package objects

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

// Kind is the type tag of a field value. The numeric order of kinds is the
// order in which values of different kinds compare.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindTime
	KindString
	KindBytes
	KindUUID
)

var kindNames = [...]string{"null", "bool", "int", "uint", "float", "time", "string", "bytes", "uuid"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Normalize maps a Go value onto one of the canonical representations:
// nil, bool, int64, uint64, float64, time.Time (UTC), string, []byte or
// uuid.UUID.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, uint64, float64, string, uuid.UUID:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return append([]byte(nil), x...), nil
	case time.Time:
		return x.UTC(), nil
	case *uuid.UUID:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, dberr.Validationf("unsupported field value type %T", v)
	}
}

// KindOf returns the kind of a normalized value.
func KindOf(v any) Kind {
	switch v.(type) {
	case bool:
		return KindBool
	case int64:
		return KindInt
	case uint64:
		return KindUint
	case float64:
		return KindFloat
	case time.Time:
		return KindTime
	case string:
		return KindString
	case []byte:
		return KindBytes
	case uuid.UUID:
		return KindUUID
	default:
		return KindNull
	}
}

func isNumeric(k Kind) bool {
	return k == KindInt || k == KindUint || k == KindFloat
}

// rank collapses the numeric kinds so that numbers compare by value.
func rank(k Kind) Kind {
	if isNumeric(k) {
		return KindInt
	}
	return k
}

// Compare orders two normalized values: null < bool < numbers < time <
// string < bytes < uuid. Numbers of different kinds compare by value.
func Compare(a, b any) int {
	ka, kb := KindOf(a), KindOf(b)
	if ra, rb := rank(ka), rank(kb); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ka {
	case KindNull:
		return 0
	case KindBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case KindTime:
		return a.(time.Time).Compare(b.(time.Time))
	case KindString:
		return strings.Compare(a.(string), b.(string))
	case KindBytes:
		return bytes.Compare(a.([]byte), b.([]byte))
	case KindUUID:
		x, y := a.(uuid.UUID), b.(uuid.UUID)
		return bytes.Compare(x[:], y[:])
	}
	return compareNumbers(a, b)
}

func compareNumbers(a, b any) int {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp3(x < y, x > y)
		case uint64:
			if x < 0 {
				return -1
			}
			return cmp3(uint64(x) < y, uint64(x) > y)
		}
	case uint64:
		switch y := b.(type) {
		case uint64:
			return cmp3(x < y, x > y)
		case int64:
			if y < 0 {
				return 1
			}
			return cmp3(x < uint64(y), x > uint64(y))
		}
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(float64); ok {
			return compareIntFloat(x, y)
		}
	case uint64:
		if y, ok := b.(float64); ok {
			return compareUintFloat(x, y)
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return -compareIntFloat(y, x)
		case uint64:
			return -compareUintFloat(y, x)
		}
	}
	fa, fb := toFloat(a), toFloat(b)
	if math.IsNaN(fa) || math.IsNaN(fb) {
		return cmp3(math.IsNaN(fa) && !math.IsNaN(fb), !math.IsNaN(fa) && math.IsNaN(fb))
	}
	return cmp3(fa < fb, fa > fb)
}

// compareIntFloat compares exactly, without rounding x to a float. NaN
// sorts first.
func compareIntFloat(x int64, f float64) int {
	switch {
	case math.IsNaN(f), f < -(1 << 63):
		return 1
	case f >= 1<<63:
		return -1
	}
	t := math.Trunc(f)
	if c := cmp3(x < int64(t), x > int64(t)); c != 0 {
		return c
	}
	return cmp3(t < f, t > f)
}

func compareUintFloat(x uint64, f float64) int {
	switch {
	case math.IsNaN(f), f < 0:
		return 1
	case f >= 1<<64:
		return -1
	}
	t := math.Trunc(f)
	if c := cmp3(x < uint64(t), x > uint64(t)); c != 0 {
		return c
	}
	return cmp3(t < f, t > f)
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// Equal reports whether two normalized values compare equal.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}
