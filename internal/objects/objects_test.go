package objects

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

type mapCoder struct {
	byName map[string]uint32
	byCode map[uint32]string
}

func newMapCoder() *mapCoder {
	return &mapCoder{byName: map[string]uint32{}, byCode: map[uint32]string{}}
}

func (m *mapCoder) Code(name string) (uint32, error) {
	if c, ok := m.byName[name]; ok {
		return c, nil
	}
	c := uint32(len(m.byName) + 1)
	m.byName[name] = c
	m.byCode[c] = name
	return c, nil
}

func (m *mapCoder) Name(code uint32) (string, error) {
	if n, ok := m.byCode[code]; ok {
		return n, nil
	}
	return "", dberr.NotFoundf("code %d", code)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{int(5), int64(5)},
		{int8(-3), int64(-3)},
		{uint8(200), uint64(200)},
		{float32(1.5), float64(1.5)},
		{"s", "s"},
		{nil, nil},
		{true, true},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
	_, err := Normalize(struct{}{})
	require.True(t, errors.Is(err, dberr.ErrValidation))
}

func TestCompare(t *testing.T) {
	now := time.Now().UTC()
	ordered := []any{
		nil,
		false,
		true,
		int64(-10),
		float64(-1.5),
		uint64(0),
		int64(1),
		float64(1.5),
		uint64(math.MaxUint64),
		now,
		now.Add(time.Second),
		"",
		"a",
		"b",
		[]byte{},
		[]byte{0},
		uuid.UUID{},
		uuid.UUID{1},
	}
	for i := range ordered {
		require.Equal(t, 0, Compare(ordered[i], ordered[i]), "%v", ordered[i])
		for j := i + 1; j < len(ordered); j++ {
			require.Equal(t, -1, Compare(ordered[i], ordered[j]), "%v < %v", ordered[i], ordered[j])
			require.Equal(t, 1, Compare(ordered[j], ordered[i]), "%v > %v", ordered[j], ordered[i])
		}
	}
	require.True(t, Equal(int64(3), float64(3)))
	require.True(t, Equal(uint64(3), int64(3)))
	require.Equal(t, -1, Compare(int64(-1), uint64(0)))
}

func TestCompare_LargeNumbers(t *testing.T) {
	tests := []struct {
		a, b any
		want int
	}{
		{int64(1<<53 + 1), float64(1 << 53), 1},
		{float64(1 << 53), int64(1<<53 + 1), -1},
		{int64(-(1<<53 + 1)), float64(-(1 << 53)), -1},
		{uint64(1<<53 + 1), float64(1 << 53), 1},
		{int64(math.MaxInt64), float64(1 << 63), -1},
		{uint64(1 << 63), float64(1 << 63), 0},
		{uint64(math.MaxUint64), float64(1 << 64), -1},
		{int64(math.MinInt64), float64(-(1 << 63)), 0},
		{int64(math.MinInt64), math.Inf(-1), 1},
		{int64(2), 2.5, -1},
		{int64(-2), -2.5, 1},
		{uint64(0), -0.5, 1},
		{uint64(0), math.NaN(), 1},
		{int64(7), 7.0, 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Compare(tt.a, tt.b), "%v vs %v", tt.a, tt.b)
		require.Equal(t, -tt.want, Compare(tt.b, tt.a), "%v vs %v", tt.b, tt.a)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	coder := newMapCoder()
	doc, err := NewDocument(uuid.New(),
		Field{"Null", nil},
		Field{"Bool", true},
		Field{"Int", -42},
		Field{"Uint", uint32(42)},
		Field{"Float", 3.25},
		Field{"Time", time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC)},
		Field{"Zero", time.Time{}},
		Field{"String", "hello, world"},
		Field{"Bytes", []byte{1, 2, 3}},
		Field{"UUID", uuid.New()},
	)
	require.NoError(t, err)

	buf, err := Encode(doc, coder)
	require.NoError(t, err)
	id, err := DecodeID(buf)
	require.NoError(t, err)
	require.Equal(t, doc.ID, id)

	got, err := Decode(buf, coder)
	require.NoError(t, err)
	require.Equal(t, doc, got)

	_, err = Decode(buf[:len(buf)-2], coder)
	require.True(t, dberr.IsCorruption(err), "%v", err)
	_, err = Decode(buf[:3], coder)
	require.True(t, dberr.IsCorruption(err))
}

func TestDocument_SetGet(t *testing.T) {
	d := &Document{}
	require.NoError(t, d.Set("a", 1))
	require.NoError(t, d.Set("b", "x"))
	require.NoError(t, d.Set("a", 2))
	v, ok := d.Get("a")
	require.True(t, ok)
	require.Equal(t, int64(2), v)
	require.Len(t, d.Fields, 2)
	require.Equal(t, map[string]any{"a": int64(2), "b": "x"}, d.Map())
	_, ok = d.Get("c")
	require.False(t, ok)
}

type person struct {
	ID   uuid.UUID
	Name string
	Age  int
}

func personSerializer() *FuncSerializer[person] {
	return NewFuncSerializer[person]("People",
		func(p *person) *uuid.UUID { return &p.ID },
		func(p *person) []Field {
			return []Field{{"Name", p.Name}, {"Age", p.Age}}
		},
		func(d *Document) (*person, error) {
			p := &person{}
			if v, ok := d.Get("Name"); ok {
				p.Name = v.(string)
			}
			if v, ok := d.Get("Age"); ok {
				p.Age = int(v.(int64))
			}
			return p, nil
		})
}

func TestFuncSerializer(t *testing.T) {
	s := personSerializer()
	p := &person{Name: "Ann", Age: 31}

	id, err := s.ObjectID(p, false)
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, id)
	id, err = s.ObjectID(p, true)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	require.Equal(t, id, p.ID)

	doc, err := s.Serialize(p)
	require.NoError(t, err)
	require.Equal(t, id, doc.ID)
	back, err := s.Deserialize(doc)
	require.NoError(t, err)
	require.Equal(t, p, back)

	_, err = s.Serialize("not a person")
	require.True(t, errors.HasAssertionFailure(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s, err := r.Lookup(&GenericObject{})
	require.NoError(t, err)
	require.IsType(t, GenericSerializer{}, s)

	_, err = r.Lookup(&person{})
	require.True(t, errors.Is(err, dberr.ErrNotFound))

	created := 0
	require.NoError(t, r.RegisterFactory(&person{}, func() (Serializer, error) {
		created++
		return personSerializer(), nil
	}))
	require.True(t, errors.Is(r.Register(&person{}, personSerializer()), dberr.ErrValidation))

	for i := 0; i < 3; i++ {
		s, err = r.ForType(reflect.TypeOf(&person{}))
		require.NoError(t, err)
		require.Equal(t, "People", s.Collection())
	}
	require.Equal(t, 1, created)

	o := &GenericObject{Collection: "Things"}
	require.Equal(t, "Things", CollectionOf(GenericSerializer{DefaultCollection: "Default"}, o))
	require.Equal(t, "People", CollectionOf(s, &person{}))
}
