package index

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/cache"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/filter"
	"github.com/S0me0neR0man/ourfiles/internal/lock"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

type docSource []*objects.Document

func (s docSource) EachDocument(fn func(*objects.Document) error) error {
	for _, d := range s {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func openIndex(t *testing.T, fields ...string) (*Index, *lock.Lock) {
	t.Helper()
	specs, err := ParseFieldSpecs(fields...)
	require.NoError(t, err)
	lk := lock.New("test", time.Second)
	ix, err := Open(filepath.Join(t.TempDir(), "T.index"), specs, 4096, cache.New(256), lk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix, lk
}

func newDoc(t *testing.T, fields ...objects.Field) *objects.Document {
	t.Helper()
	d, err := objects.NewDocument(uuid.New(), fields...)
	require.NoError(t, err)
	return d
}

func sampleValues() []any {
	return []any{
		nil,
		false, true,
		math.NaN(), math.Inf(-1), int64(math.MinInt64), -1.5, int64(-1), 0.0, math.Copysign(0, -1),
		uint64(0), int64(1), 1.5, int64(1 << 53), float64(1 << 53), int64(1<<53 + 1), uint64(1<<53 + 2),
		int64(math.MaxInt64), float64(1 << 63), uint64(1 << 63), float64(-(1 << 63)),
		uint64(math.MaxUint64), float64(1 << 64), math.Inf(1),
		time.Unix(-10, 5).UTC(), time.Unix(0, 0).UTC(), time.Unix(0, 1).UTC(),
		"", "\x00", "\x00\x00", "a", "a\x00", "ab", "b", strings.Repeat("z", MaxStringPrefix),
		[]byte{}, []byte{0}, []byte{0, 1}, []byte{1},
		uuid.UUID{}, uuid.UUID{15: 1},
	}
}

func TestEncoding_OrderMatchesCompare(t *testing.T) {
	values := sampleValues()
	for _, desc := range []bool{false, true} {
		for _, a := range values {
			for _, b := range values {
				want := objects.Compare(a, b)
				if desc {
					want = -want
				}
				got := bytes.Compare(appendField(nil, a, desc), appendField(nil, b, desc))
				require.Equal(t, want, got, "%v vs %v desc=%v", a, b, desc)
			}
		}
	}
}

func TestEncoding_NumbersUnified(t *testing.T) {
	require.Equal(t, appendField(nil, int64(20), false), appendField(nil, 20.0, false))
	require.Equal(t, appendField(nil, uint64(20), true), appendField(nil, 20.0, true))
	require.Equal(t, appendField(nil, int64(0), false), appendField(nil, math.Copysign(0, -1), false))
	require.Equal(t, appendField(nil, int64(-7), false), appendField(nil, -7.0, false))
	require.NotEqual(t, appendField(nil, int64(1), false), appendField(nil, 1.5, false))
}

func TestEncoding_Truncation(t *testing.T) {
	base := strings.Repeat("q", MaxStringPrefix)
	exact := appendField(nil, base, false)
	longA := appendField(nil, base+"a", false)
	longB := appendField(nil, base+"b", false)
	require.Equal(t, longA, longB)
	require.Equal(t, -1, bytes.Compare(exact, longA))
	require.Equal(t, -1, bytes.Compare(longA, appendField(nil, "r", false)))
}

func TestParseFieldSpecs(t *testing.T) {
	specs, err := ParseFieldSpecs("Name", "-Created")
	require.NoError(t, err)
	require.Equal(t, []FieldSpec{{Name: "Name"}, {Name: "Created", Descending: true}}, specs)
	require.Equal(t, "Name,-Created", SpecString(specs))

	_, err = ParseFieldSpecs("A", "-A")
	require.True(t, errors.Is(err, dberr.ErrValidation))
	_, err = ParseFieldSpecs()
	require.True(t, errors.Is(err, dberr.ErrValidation))
	_, err = ParseFieldSpecs("-")
	require.True(t, errors.Is(err, dberr.ErrValidation))
}

func fill(t *testing.T, ix *Index, n int, r *rand.Rand) []*objects.Document {
	t.Helper()
	docs := make([]*objects.Document, n)
	for i := range docs {
		docs[i] = newDoc(t,
			objects.Field{Name: "Age", Value: r.Intn(50)},
			objects.Field{Name: "Name", Value: string(rune('a' + r.Intn(26)))},
		)
		require.NoError(t, ix.Insert(docs[i]))
	}
	return docs
}

func docLess(specs []FieldSpec) func(a, b *objects.Document) bool {
	return func(a, b *objects.Document) bool {
		for _, s := range specs {
			x, _ := a.Get(s.Name)
			y, _ := b.Get(s.Name)
			if c := objects.Compare(x, y); c != 0 {
				return (c < 0) != s.Descending
			}
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	}
}

func expectedOrder(docs []*objects.Document, specs []FieldSpec) []uuid.UUID {
	sorted := append([]*objects.Document(nil), docs...)
	less := docLess(specs)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	ids := make([]uuid.UUID, len(sorted))
	for i, d := range sorted {
		ids[i] = d.ID
	}
	return ids
}

func collect(t *testing.T, cur *Cursor) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	for cur.Next() {
		ids = append(ids, cur.ID())
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	return ids
}

func reversed(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return nil
	}
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

func TestIndex_Ordering(t *testing.T) {
	ctx := context.Background()
	ix, _ := openIndex(t, "Name", "-Age")
	docs := fill(t, ix, 300, rand.New(rand.NewSource(2)))
	want := expectedOrder(docs, ix.Specs())

	cur, err := ix.Enumerate(ctx, true, false)
	require.NoError(t, err)
	require.Equal(t, want, collect(t, cur))

	cur, err = ix.Enumerate(ctx, false, true)
	require.NoError(t, err)
	require.Equal(t, reversed(want), collect(t, cur))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 300, n)
	_, err = ix.Check()
	require.NoError(t, err)
}

func TestIndex_Ranks(t *testing.T) {
	ctx := context.Background()
	ix, _ := openIndex(t, "Age")
	docs := fill(t, ix, 200, rand.New(rand.NewSource(3)))
	want := expectedOrder(docs, ix.Specs())
	byID := map[uuid.UUID]*objects.Document{}
	for _, d := range docs {
		byID[d.ID] = d
	}

	for i, id := range want {
		pos, err := ix.SeekByRank(ctx, uint64(i))
		require.NoError(t, err)
		require.Equal(t, id, pos.ID)
		r, err := ix.RankOf(ctx, byID[id])
		require.NoError(t, err)
		require.EqualValues(t, i, r)
	}
	_, err := ix.SeekByRank(ctx, 200)
	require.True(t, errors.Is(err, dberr.ErrRange))
	_, err = ix.RankOf(ctx, newDoc(t))
	require.True(t, errors.Is(err, dberr.ErrNotFound))
}

func TestIndex_FindBounds(t *testing.T) {
	ctx := context.Background()
	ix, _ := openIndex(t, "Age")
	for _, age := range []int{10, 20, 20, 30} {
		require.NoError(t, ix.Insert(newDoc(t, objects.Field{Name: "Age", Value: age})))
	}

	pos, found, err := ix.FindFirstGreaterOrEqual(ctx, 20)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, pos.Rank)

	pos, found, err = ix.FindFirstGreaterOrEqual(ctx, 21.5)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 3, pos.Rank)

	_, found, err = ix.FindFirstGreaterOrEqual(ctx, 31)
	require.NoError(t, err)
	require.False(t, found)

	pos, found, err = ix.FindLastLesserOrEqual(ctx, 20)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, pos.Rank)

	pos, found, err = ix.FindLastLesserOrEqual(ctx, 20.0)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, pos.Rank)

	_, found, err = ix.FindLastLesserOrEqual(ctx, 9)
	require.NoError(t, err)
	require.False(t, found)

	_, _, err = ix.FindFirstGreaterOrEqual(ctx, 1, 2)
	require.True(t, errors.Is(err, dberr.ErrValidation))
}

func TestIndex_RangeScan(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(4))
	filters := []filter.Filter{
		filter.FieldEqualTo("Age", 7),
		filter.FieldGreaterThan("Age", 40),
		filter.FieldLesserOrEqualTo("Age", 3),
		filter.And{filter.FieldGreaterOrEqualTo("Age", 10), filter.FieldLesserThan("Age", 20)},
		filter.And{filter.FieldGreaterThan("Age", 30), filter.FieldLesserThan("Age", 10)},
		filter.FieldLesserThan("Age", "x"),
		filter.MustFieldLikeRegex("Name", "c.*"),
		filter.And{filter.FieldGreaterThan("Name", "m"), filter.FieldLesserOrEqualTo("Name", "p")},
	}
	for _, fields := range [][]string{{"Age"}, {"-Age"}, {"Name", "Age"}, {"-Name"}} {
		ix, _ := openIndex(t, fields...)
		docs := fill(t, ix, 250, r)
		order := expectedOrder(docs, ix.Specs())
		byID := map[uuid.UUID]*objects.Document{}
		for _, d := range docs {
			byID[d.ID] = d
		}
		for _, f := range filters {
			var want []uuid.UUID
			for _, id := range order {
				if f.Eval(byID[id]) {
					want = append(want, id)
				}
			}
			rng := filter.Bounds(f, ix.Specs()[0].Name)
			for _, backward := range []bool{false, true} {
				cur, err := ix.Scan(ctx, ScanOptions{Backward: backward, Range: rng})
				require.NoError(t, err)
				var got []uuid.UUID
				for _, id := range collect(t, cur) {
					if f.Eval(byID[id]) {
						got = append(got, id)
					}
				}
				if backward {
					got = reversed(got)
				}
				require.Equal(t, want, got, "index %v filter %s backward=%v", fields, f, backward)
			}
		}
	}
}

func TestIndex_UpdateRemove(t *testing.T) {
	ctx := context.Background()
	ix, _ := openIndex(t, "Age")
	d := newDoc(t, objects.Field{Name: "Age", Value: 1})
	require.NoError(t, ix.Insert(d))

	moved := newDoc(t, objects.Field{Name: "Age", Value: 2})
	moved.ID = d.ID
	require.NoError(t, ix.Update(d, moved))
	require.NoError(t, ix.Update(moved, moved))
	_, err := ix.RankOf(ctx, d)
	require.True(t, errors.Is(err, dberr.ErrNotFound))

	require.NoError(t, ix.Remove(moved))
	err = ix.Remove(moved)
	require.True(t, errors.Is(err, dberr.ErrCorruption))
	n, err := ix.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestIndex_ConcurrentModification(t *testing.T) {
	ctx := context.Background()
	ix, lk := openIndex(t, "Age")
	fill(t, ix, 20, rand.New(rand.NewSource(5)))

	cur, err := ix.Enumerate(ctx, true, false)
	require.NoError(t, err)
	require.True(t, cur.Next())

	require.NoError(t, lk.Lock(ctx))
	require.NoError(t, ix.Insert(newDoc(t, objects.Field{Name: "Age", Value: 99})))
	lk.Bump()
	lk.Unlock()

	require.False(t, cur.Next())
	require.True(t, errors.Is(cur.Err(), dberr.ErrConcurrentModification))

	locked, err := ix.Enumerate(ctx, true, true)
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.True(t, errors.Is(lk.Lock(short), dberr.ErrLockTimeout))
	require.Len(t, collect(t, locked), 21)
	require.NoError(t, lk.Lock(ctx))
	lk.Unlock()
}

func TestIndex_RegenerateAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "T.index")
	specs, err := ParseFieldSpecs("-Age")
	require.NoError(t, err)
	c := cache.New(64)
	lk := lock.New("test", time.Second)

	ix, err := Open(path, specs, 4096, c, lk, zap.NewNop())
	require.NoError(t, err)
	require.True(t, ix.Fresh())
	var src docSource
	for i := 0; i < 50; i++ {
		src = append(src, newDoc(t, objects.Field{Name: "Age", Value: i}))
	}
	require.NoError(t, ix.Regenerate(ctx, src))
	require.False(t, ix.Fresh())
	require.NoError(t, ix.Close())

	ix, err = Open(path, specs, 4096, c, lk, zap.NewNop())
	require.NoError(t, err)
	require.False(t, ix.Fresh())
	pos, err := ix.SeekByRank(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, src[49].ID, pos.ID)
	require.NoError(t, ix.Close())

	other, err := ParseFieldSpecs("Age")
	require.NoError(t, err)
	_, err = Open(path, other, 4096, c, lk, zap.NewNop())
	require.True(t, errors.Is(err, dberr.ErrValidation))
}

func mixedValue(r *rand.Rand) any {
	long := strings.Repeat("l", MaxStringPrefix)
	switch r.Intn(12) {
	case 0:
		return nil
	case 1:
		return r.Intn(2) == 0
	case 2:
		return int64(1<<53 + r.Intn(3))
	case 3:
		return float64(1<<53 + 2*r.Intn(2))
	case 4:
		return uint64(r.Intn(3))
	case 5:
		return float64(r.Intn(5)) / 2
	case 6:
		return time.Unix(int64(r.Intn(3)), 0).UTC()
	case 7:
		return string(rune('k' + r.Intn(3)))
	case 8:
		return long
	case 9:
		return long + string(rune('a'+r.Intn(3)))
	case 10:
		return []byte(long + string(rune('a'+r.Intn(2))))
	default:
		return uuid.UUID{15: byte(r.Intn(2))}
	}
}

// TestIndex_LongAndMixedValues checks that key order only departs from value
// order inside runs sharing a truncated prefix, and that ranks follow key
// order.
func TestIndex_LongAndMixedValues(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(6))
	for _, fields := range [][]string{{"S", "-N"}, {"-S", "N", "T"}, {"-T", "S"}, {"N", "-T"}} {
		ix, _ := openIndex(t, fields...)
		specs := ix.Specs()
		byID := map[uuid.UUID]*objects.Document{}
		var docs []*objects.Document
		for i := 0; i < 300; i++ {
			d := newDoc(t,
				objects.Field{Name: "S", Value: mixedValue(r)},
				objects.Field{Name: "N", Value: mixedValue(r)},
				objects.Field{Name: "T", Value: mixedValue(r)},
			)
			require.NoError(t, ix.Insert(d))
			docs = append(docs, d)
			byID[d.ID] = d
		}

		cur, err := ix.Enumerate(ctx, true, false)
		require.NoError(t, err)
		got := collect(t, cur)
		require.Len(t, got, len(docs))

		less := docLess(specs)
		var regrouped []uuid.UUID
		var run []*objects.Document
		flush := func() {
			sort.Slice(run, func(i, j int) bool { return less(run[i], run[j]) })
			for _, d := range run {
				regrouped = append(regrouped, d.ID)
			}
			run = run[:0]
		}
		for i, id := range got {
			d := byID[id]
			if i > 0 {
				prev := byID[got[i-1]]
				pp, cp := EncodeOrderPrefix(nil, specs, prev), EncodeOrderPrefix(nil, specs, d)
				c := bytes.Compare(pp, cp)
				require.LessOrEqual(t, c, 0, "index %v rank %d", fields, i)
				if c < 0 {
					require.True(t, less(prev, d), "index %v rank %d", fields, i)
					flush()
				}
			}
			run = append(run, d)
		}
		flush()
		require.Equal(t, expectedOrder(docs, specs), regrouped, "index %v", fields)

		cur, err = ix.Enumerate(ctx, false, false)
		require.NoError(t, err)
		require.Equal(t, reversed(got), collect(t, cur), "index %v", fields)

		for i, id := range got {
			pos, err := ix.SeekByRank(ctx, uint64(i))
			require.NoError(t, err)
			require.Equal(t, id, pos.ID)
			rank, err := ix.RankOf(ctx, byID[id])
			require.NoError(t, err)
			require.EqualValues(t, i, rank)
		}
		_, err = ix.Check()
		require.NoError(t, err)
	}
}

func TestEncodeOrderPrefix(t *testing.T) {
	specs, err := ParseFieldSpecs("B", "C")
	require.NoError(t, err)
	long := strings.Repeat("l", MaxStringPrefix)
	a := newDoc(t, objects.Field{Name: "B", Value: long + "a"}, objects.Field{Name: "C", Value: 9})
	b := newDoc(t, objects.Field{Name: "B", Value: long + "b"}, objects.Field{Name: "C", Value: 1})
	short := newDoc(t, objects.Field{Name: "B", Value: "x"}, objects.Field{Name: "C", Value: 1})

	require.True(t, Truncated(long+"a"))
	require.True(t, Truncated([]byte(long+"a")))
	require.False(t, Truncated(long))
	require.Equal(t, EncodeOrderPrefix(nil, specs, a), EncodeOrderPrefix(nil, specs, b))
	require.True(t, bytes.HasPrefix(EncodeKey(specs, a), EncodeOrderPrefix(nil, specs, a)))
	require.Less(t, len(EncodeOrderPrefix(nil, specs, a)), len(EncodeValues(nil, specs, a)))
	require.Equal(t, EncodeValues(nil, specs, short), EncodeOrderPrefix(nil, specs, short))
	// a sorts first by value, but after b by key
	require.True(t, docLess(specs)(a, b))
	require.Equal(t, 1, bytes.Compare(EncodeKey(specs, a), EncodeKey(specs, b)))
}
