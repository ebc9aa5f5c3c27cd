package provider

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/blob"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/filter"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
	"github.com/S0me0neR0man/ourfiles/internal/objfile"
)

type person struct {
	ID     uuid.UUID
	Name   string
	Age    int
	Joined time.Time
}

func personSerializer() objects.Serializer {
	return objects.NewFuncSerializer[person]("People",
		func(p *person) *uuid.UUID { return &p.ID },
		func(p *person) []objects.Field {
			return []objects.Field{
				{Name: "Name", Value: p.Name},
				{Name: "Age", Value: p.Age},
				{Name: "Joined", Value: p.Joined},
			}
		},
		func(d *objects.Document) (*person, error) {
			p := &person{}
			if v, ok := d.Get("Name"); ok {
				p.Name, _ = v.(string)
			}
			if v, ok := d.Get("Age"); ok {
				age, _ := v.(int64)
				p.Age = int(age)
			}
			if v, ok := d.Get("Joined"); ok {
				p.Joined, _ = v.(time.Time)
			}
			return p, nil
		})
}

func testOptions(dir string) Options {
	o := DefaultOptions(dir)
	o.BlockSize = 1024
	o.BlobBlockSize = 512
	o.InlineLimit = 200
	o.CacheBlocks = 256
	o.RequestTimeout = time.Second
	return o
}

func openProvider(t *testing.T, dir string) *Provider {
	t.Helper()
	p, err := New(context.Background(), testOptions(dir), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Registry().Register(&person{}, personSerializer()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestOptions_Validate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, DefaultOptions(dir).Validate())

	for _, mutate := range []func(*Options){
		func(o *Options) { o.Folder = "" },
		func(o *Options) { o.BlockSize = 1000 },
		func(o *Options) { o.BlobBlockSize = 128 },
		func(o *Options) { o.InlineLimit = 0 },
		func(o *Options) { o.InlineLimit = objfile.MinInlineLimit - 1 },
		func(o *Options) { o.InlineLimit = o.BlockSize },
		func(o *Options) { o.CacheBlocks = 0 },
		func(o *Options) { o.Compression = blob.ZstdCompression + 1 },
		func(o *Options) { o.RequestTimeout = 0 },
	} {
		o := DefaultOptions(dir)
		mutate(&o)
		_, err := New(context.Background(), o, zap.NewNop())
		require.True(t, errors.Is(err, dberr.ErrValidation), "%+v: %v", o, err)
	}
}

func TestProvider_Typed(t *testing.T) {
	ctx := context.Background()
	p := openProvider(t, t.TempDir())
	f, err := p.GetFile(ctx, "People")
	require.NoError(t, err)
	_, err = p.GetOrCreateIndex(ctx, f, IfFileMissing, "Age", "-Name")
	require.NoError(t, err)

	joined := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	ann := &person{Name: "Ann", Age: 31, Joined: joined}
	id, err := Insert(ctx, p, ann)
	require.NoError(t, err)
	require.Equal(t, ann.ID, id)

	ids, err := InsertMany(ctx, p, []*person{
		{Name: "Bob", Age: 25, Joined: joined},
		{Name: "Cid", Age: 31, Joined: joined},
		{Name: "Dee", Age: 40, Joined: joined},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	got, err := LoadByID[person](ctx, p, id)
	require.NoError(t, err)
	require.Equal(t, ann, got)

	res, err := Find[person](ctx, p, objfile.FindOptions{
		Filter: filter.FieldGreaterOrEqualTo("Age", 30),
		Sort:   []string{"Age", "-Name"},
	})
	require.NoError(t, err)
	require.Len(t, res, 3)
	require.Equal(t, []string{"Cid", "Ann", "Dee"}, []string{res[0].Name, res[1].Name, res[2].Name})

	first, found, err := FindFirst[person](ctx, p, filter.MustFieldLikeRegex("Name", "B.*"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Bob", first.Name)

	ann.Age = 50
	require.NoError(t, Update(ctx, p, ann))
	n, err := Count[person](ctx, p, filter.FieldGreaterThan("Age", 45))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, Delete(ctx, p, ann))
	_, err = LoadByID[person](ctx, p, id)
	require.True(t, errors.Is(err, dberr.ErrNotFound))
	require.NoError(t, DeleteByID[person](ctx, p, ids[0]))
	n, err = Count[person](ctx, p, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, Clear[person](ctx, p))
	n, err = Count[person](ctx, p, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, 1.0, testutil.ToFloat64(p.ops.WithLabelValues("update", "People")))
	require.Equal(t, 2.0, testutil.ToFloat64(p.ops.WithLabelValues("insert", "People")))
	require.Len(t, p.Collectors(), 2)
	require.NoError(t, p.AssertConsistent(ctx))

	type unknown struct{}
	_, err = Insert(ctx, p, &unknown{})
	require.True(t, errors.Is(err, dberr.ErrNotFound))
}

func TestProvider_ManifestReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := openProvider(t, dir)
	f, err := p.GetFile(ctx, "People")
	require.NoError(t, err)
	ix, err := p.GetOrCreateIndex(ctx, f, IfFileMissing, "-Age")
	require.NoError(t, err)
	again, err := p.GetOrCreateIndex(ctx, f, IfFileMissing, "-Age")
	require.NoError(t, err)
	require.Same(t, ix, again)
	_, err = p.GetFile(ctx, "Other")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := Insert(ctx, p, &person{Name: "P", Age: i})
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.Close(ctx))
	_, err = p.GetFile(ctx, "People")
	require.True(t, errors.Is(err, dberr.ErrClosed))

	manifest, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	require.Equal(t, "Collection People\nIndex People -Age\nCollection Other\n", string(manifest))

	p = openProvider(t, dir)
	require.Equal(t, []string{"Other", "People"}, p.Collections())
	h, ok := p.Handle("People")
	require.True(t, ok)
	f, err = p.File(h)
	require.NoError(t, err)
	require.Len(t, f.Indices(), 1)
	pos, err := f.Indices()[0].SeekByRank(ctx, 0)
	require.NoError(t, err)
	oldest, err := LoadByID[person](ctx, p, pos.ID)
	require.NoError(t, err)
	require.Equal(t, 19, oldest.Age)
	require.NoError(t, p.AssertConsistent(ctx))
}

func TestProvider_ReopenKeepsIndices(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := openProvider(t, dir)
	f, err := p.GetFile(ctx, "People")
	require.NoError(t, err)
	_, err = p.GetOrCreateIndex(ctx, f, IfFileMissing, "Age")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := Insert(ctx, p, &person{Name: "P", Age: i})
		require.NoError(t, err)
	}

	require.NoError(t, p.CloseCollection(ctx, "People"))
	f, err = p.GetFile(ctx, "People")
	require.NoError(t, err)
	require.Len(t, f.Indices(), 1)
	_, err = Insert(ctx, p, &person{Name: "Late", Age: 42})
	require.NoError(t, err)
	require.NoError(t, p.AssertConsistent(ctx))
	require.NoError(t, p.Close(ctx))

	p = openProvider(t, dir)
	res, err := Find[person](ctx, p, objfile.FindOptions{Filter: filter.FieldEqualTo("Age", 42)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "Late", res[0].Name)
	res, err = Find[person](ctx, p, objfile.FindOptions{Sort: []string{"-Age"}, MaxCount: 1})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, 42, res[0].Age)
	require.NoError(t, p.AssertConsistent(ctx))

	manifest, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	require.Equal(t, "Collection People\nIndex People Age\n", string(manifest))
}

func TestProvider_IndexPolicies(t *testing.T) {
	ctx := context.Background()
	p := openProvider(t, t.TempDir())
	f, err := p.GetFile(ctx, "People")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := Insert(ctx, p, &person{Name: "P", Age: i})
		require.NoError(t, err)
	}

	never, err := p.GetOrCreateIndex(ctx, f, Never, "Name")
	require.NoError(t, err)
	n, err := never.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	rebuilt, err := p.GetOrCreateIndex(ctx, f, Always, "Name")
	require.NoError(t, err)
	require.Same(t, never, rebuilt)
	n, err = rebuilt.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, n)

	eager, err := p.GetOrCreateIndex(ctx, f, IfNotInstantiated, "Age")
	require.NoError(t, err)
	n, err = eager.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, n)

	_, err = p.GetOrCreateIndex(ctx, f, Never, "Age", "-Age")
	require.True(t, errors.Is(err, dberr.ErrValidation))
	require.NoError(t, p.AssertConsistent(ctx))
}

func TestProvider_ExportAndStatistics(t *testing.T) {
	ctx := context.Background()
	p := openProvider(t, t.TempDir())
	id, err := Insert(ctx, p, &person{Name: "Eve", Age: 22})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.ExportToTree(ctx, &buf))
	require.Contains(t, buf.String(), "collection People records=1")
	require.Contains(t, buf.String(), "object "+id.String())
	require.True(t, strings.Contains(buf.String(), "Name: Eve"))

	stats, err := p.Statistics(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.EqualValues(t, 1, stats[0].Records)

	require.NoError(t, p.CloseCollection(ctx, "People"))
	_, ok := p.Handle("People")
	require.False(t, ok)
	require.True(t, errors.Is(p.CloseCollection(ctx, "People"), dberr.ErrNotFound))
	got, err := LoadByID[person](ctx, p, id)
	require.NoError(t, err)
	require.Equal(t, "Eve", got.Name)
}

func TestProvider_InvalidCollection(t *testing.T) {
	p := openProvider(t, t.TempDir())
	_, err := p.GetFile(context.Background(), "a/b")
	require.True(t, errors.Is(err, dberr.ErrValidation))
}
