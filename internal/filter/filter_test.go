package filter

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

func doc(t *testing.T, fields ...objects.Field) *objects.Document {
	t.Helper()
	d, err := objects.NewDocument(uuid.New(), fields...)
	require.NoError(t, err)
	return d
}

func TestCompare_Eval(t *testing.T) {
	d := doc(t,
		objects.Field{Name: "Age", Value: 42},
		objects.Field{Name: "Name", Value: "Bob"},
		objects.Field{Name: "Score", Value: 1.5},
	)
	tests := []struct {
		f    Filter
		want bool
	}{
		{FieldEqualTo("Age", 42), true},
		{FieldEqualTo("Age", uint8(42)), true},
		{FieldEqualTo("Age", 42.0), true},
		{FieldNotEqualTo("Age", 42), false},
		{FieldGreaterThan("Age", 41), true},
		{FieldGreaterThan("Age", 42), false},
		{FieldGreaterOrEqualTo("Age", 42), true},
		{FieldLesserThan("Score", 2), true},
		{FieldLesserOrEqualTo("Score", 1), false},
		{FieldEqualTo("Name", "Bob"), true},
		{FieldGreaterThan("Name", "Alice"), true},
		// strings sort after numbers
		{FieldGreaterThan("Name", 1000), true},
		// missing fields compare as null
		{FieldEqualTo("Missing", nil), true},
		{FieldNotEqualTo("Missing", 1), true},
		{FieldLesserThan("Missing", false), true},
		{FieldGreaterThan("Missing", 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.f.String(), func(t *testing.T) {
			require.Equal(t, tt.want, tt.f.Eval(d))
		})
	}
}

func TestLike(t *testing.T) {
	d := doc(t, objects.Field{Name: "Name", Value: "Robert"}, objects.Field{Name: "Age", Value: 7})

	require.True(t, MustFieldLikeRegex("Name", "Rob.*").Eval(d))
	require.False(t, MustFieldLikeRegex("Name", "Rob").Eval(d))
	require.True(t, MustFieldLikeRegex("Name", "Rob|Robert").Eval(d))
	require.False(t, MustFieldLikeRegex("Age", "7").Eval(d))
	require.False(t, MustFieldLikeRegex("Missing", ".*").Eval(d))

	_, err := FieldLikeRegex("Name", "(")
	require.Error(t, err)

	require.Equal(t, "Rob", MustFieldLikeRegex("Name", "Rob.*").Prefix())
	require.Equal(t, "", MustFieldLikeRegex("Name", "a|b").Prefix())
}

func TestComposition(t *testing.T) {
	d := doc(t, objects.Field{Name: "A", Value: 1}, objects.Field{Name: "B", Value: "x"})

	require.True(t, And{}.Eval(d))
	require.False(t, Or{}.Eval(d))
	require.True(t, Matches(nil, d))
	require.True(t, And{FieldEqualTo("A", 1), FieldEqualTo("B", "x")}.Eval(d))
	require.False(t, And{FieldEqualTo("A", 1), FieldEqualTo("B", "y")}.Eval(d))
	require.True(t, Or{FieldEqualTo("A", 2), FieldEqualTo("B", "x")}.Eval(d))
	require.True(t, (&Not{Filter: FieldEqualTo("A", 2)}).Eval(d))
	require.Equal(t, `(A=1 OR NOT (B="x"))`, Or{FieldEqualTo("A", 1), &Not{Filter: FieldEqualTo("B", "x")}}.String())
}

func TestNormalize_Shape(t *testing.T) {
	f := Normalize(&Not{Filter: And{
		FieldGreaterThan("A", 1),
		&Not{Filter: FieldEqualTo("B", 2)},
		Or{FieldLesserThan("C", 3), And{FieldEqualTo("D", 4)}},
	}})
	or, ok := f.(Or)
	require.True(t, ok, "%T", f)
	require.Len(t, or, 3)
	require.Equal(t, "A<=1", or[0].String())
	require.Equal(t, "B=2", or[1].String())
	and, ok := or[2].(And)
	require.True(t, ok, "%T", or[2])
	require.Equal(t, "(C>=3 AND D<>4)", and.String())

	require.Equal(t, "A=1", Normalize(&Not{Filter: &Not{Filter: FieldEqualTo("A", 1)}}).String())
	like := MustFieldLikeRegex("N", "x.*")
	n, ok := Normalize(&Not{Filter: like}).(*Not)
	require.True(t, ok)
	require.Same(t, like, n.Filter)
}

func randomValue(r *rand.Rand) any {
	switch r.Intn(9) {
	case 0:
		return nil
	case 1:
		return r.Intn(2) == 0
	case 2:
		return int64(r.Intn(7) - 3)
	case 3:
		return uint64(r.Intn(4))
	case 4:
		return float64(r.Intn(7)-3) / 2
	case 5:
		return time.Unix(int64(r.Intn(3)), 0).UTC()
	case 6:
		return string(rune('a' + r.Intn(4)))
	case 7:
		return []byte{byte(r.Intn(3))}
	default:
		return uuid.UUID{15: byte(r.Intn(3))}
	}
}

func randomLeaf(r *rand.Rand, fields []string) Filter {
	field := fields[r.Intn(len(fields))]
	if r.Intn(8) == 0 {
		return MustFieldLikeRegex(field, string(rune('a'+r.Intn(4)))+".*")
	}
	v := randomValue(r)
	switch r.Intn(6) {
	case 0:
		return FieldEqualTo(field, v)
	case 1:
		return FieldNotEqualTo(field, v)
	case 2:
		return FieldGreaterThan(field, v)
	case 3:
		return FieldGreaterOrEqualTo(field, v)
	case 4:
		return FieldLesserThan(field, v)
	default:
		return FieldLesserOrEqualTo(field, v)
	}
}

func randomFilter(r *rand.Rand, fields []string, depth int) Filter {
	if depth == 0 || r.Intn(3) == 0 {
		return randomLeaf(r, fields)
	}
	ops := make([]Filter, 1+r.Intn(3))
	for i := range ops {
		ops[i] = randomFilter(r, fields, depth-1)
	}
	switch r.Intn(3) {
	case 0:
		return And(ops)
	case 1:
		return Or(ops)
	default:
		return &Not{Filter: ops[0]}
	}
}

func TestNormalize_Equivalent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	fields := []string{"A", "B", "C"}
	docs := make([]*objects.Document, 200)
	for i := range docs {
		var fs []objects.Field
		for _, f := range fields {
			if r.Intn(5) > 0 {
				fs = append(fs, objects.Field{Name: f, Value: randomValue(r)})
			}
		}
		docs[i] = doc(t, fs...)
	}
	for i := 0; i < 300; i++ {
		f := randomFilter(r, fields, 3)
		n := Normalize(f)
		for _, d := range docs {
			require.Equal(t, f.Eval(d), n.Eval(d), "filter %s normalized %s doc %s", f, n, d)
		}
	}
}

func TestBounds(t *testing.T) {
	r := Bounds(And{
		FieldGreaterThan("Age", 10),
		FieldGreaterOrEqualTo("Age", 20),
		FieldLesserThan("Age", 50),
		FieldLesserOrEqualTo("Age", 50),
		FieldEqualTo("Name", "x"),
	}, "Age")
	require.True(t, r.Bounded())
	require.Equal(t, int64(20), r.Lower.Value)
	require.True(t, r.Lower.Inclusive)
	require.Equal(t, int64(50), r.Upper.Value)
	require.False(t, r.Upper.Inclusive)
	require.False(t, r.Empty())

	r = Bounds(FieldEqualTo("Age", 5), "Age")
	require.Equal(t, int64(5), r.Lower.Value)
	require.Equal(t, int64(5), r.Upper.Value)

	r = Bounds(And{FieldGreaterThan("Age", 5), FieldLesserThan("Age", 5)}, "Age")
	require.True(t, r.Empty())

	require.False(t, Bounds(Or{FieldEqualTo("Age", 1), FieldEqualTo("Age", 2)}, "Age").Bounded())
	require.False(t, Bounds(FieldNotEqualTo("Age", 1), "Age").Bounded())
	require.False(t, Bounds(FieldEqualTo("Name", 1), "Age").Bounded())

	r = Bounds(And{MustFieldLikeRegex("Name", "Jo.*"), MustFieldLikeRegex("Name", "J.*")}, "Name")
	require.NotNil(t, r.Prefix)
	require.Equal(t, "Jo", *r.Prefix)
}

func TestFields(t *testing.T) {
	f := And{FieldEqualTo("A", 1), Or{FieldEqualTo("B", 1), &Not{Filter: MustFieldLikeRegex("A", "x")}}}
	require.Equal(t, []string{"A", "B"}, Fields(f))
}
