package objfile

import (
	"bytes"
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"

	"github.com/S0me0neR0man/ourfiles/internal/filter"
	"github.com/S0me0neR0man/ourfiles/internal/index"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

var errStop = errors.New("stop iteration")

// FindOptions selects, orders and pages the results of Find.
type FindOptions struct {
	// Offset skips that many matching objects.
	Offset int
	// MaxCount limits the number of results; zero or less means no limit.
	MaxCount int
	// Filter selects objects; nil matches every object.
	Filter filter.Filter
	// Sort lists fields in order of precedence, "-Name" for descending.
	// Objects equal on every sort field are ordered by identifier.
	Sort []string
}

// plan is the access path chosen for a query.
type plan struct {
	ix *index.Index
	// backward scans the index from its end.
	backward bool
	// sorted means index order satisfies the requested sort.
	sorted bool
	rng    filter.Range
}

// String describes the plan for logs.
func (p plan) String() string {
	if p.ix == nil {
		return "primary scan"
	}
	s := "index " + p.ix.Name()
	if p.backward {
		s += " backward"
	}
	if p.rng.Bounded() {
		s += " bounded"
	}
	return s
}

// sortMatch reports whether specs order documents by sort, directly or
// reversed.
func sortMatch(specs, sort []index.FieldSpec) (match, reversed bool) {
	if len(sort) == 0 || len(sort) > len(specs) {
		return false, false
	}
	same, rev := true, true
	for i, s := range sort {
		if specs[i].Name != s.Name {
			return false, false
		}
		same = same && specs[i].Descending == s.Descending
		rev = rev && specs[i].Descending != s.Descending
	}
	return same || rev, rev && !same
}

// choosePlan picks an index whose order matches the sort, or failing that
// one whose first field the filter bounds. The caller holds the lock.
func (f *File) choosePlan(flt filter.Filter, sortSpecs []index.FieldSpec) plan {
	if len(sortSpecs) > 0 {
		for _, ix := range f.indices {
			if ok, rev := sortMatch(ix.Specs(), sortSpecs); ok {
				return plan{ix: ix, backward: rev, sorted: true, rng: filter.Bounds(flt, ix.Specs()[0].Name)}
			}
		}
		return plan{}
	}
	if flt == nil {
		return plan{}
	}
	for _, ix := range f.indices {
		if rng := filter.Bounds(flt, ix.Specs()[0].Name); rng.Bounded() {
			return plan{ix: ix, rng: rng}
		}
	}
	return plan{}
}

func lessDocs(sortSpecs []index.FieldSpec) func(a, b *objects.Document) bool {
	return func(a, b *objects.Document) bool {
		for _, s := range sortSpecs {
			x, _ := a.Get(s.Name)
			y, _ := b.Get(s.Name)
			if c := objects.Compare(x, y); c != 0 {
				return (c < 0) != s.Descending
			}
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	}
}

// page collects results honoring offset and limit.
type page struct {
	skip  int
	limit int
	out   []*objects.Document
}

func (p *page) add(doc *objects.Document) {
	if p.skip > 0 {
		p.skip--
		return
	}
	p.out = append(p.out, doc)
}

func (p *page) full() bool {
	return p.limit > 0 && len(p.out) >= p.limit
}

// FindDocuments returns the documents selected by opts.
func (f *File) FindDocuments(ctx context.Context, opts FindOptions) ([]*objects.Document, error) {
	var sortSpecs []index.FieldSpec
	if len(opts.Sort) > 0 {
		var err error
		if sortSpecs, err = index.ParseFieldSpecs(opts.Sort...); err != nil {
			return nil, err
		}
	}
	var flt filter.Filter
	if opts.Filter != nil {
		flt = filter.Normalize(opts.Filter)
	}
	if err := f.rlock(ctx); err != nil {
		return nil, err
	}
	defer f.lk.RUnlock()

	pl := f.choosePlan(flt, sortSpecs)
	f.sugar.Debugw("find", "filter", flt, "sort", opts.Sort, "plan", pl.String())
	pg := &page{skip: max(opts.Offset, 0), limit: opts.MaxCount}
	var err error
	if pl.ix != nil {
		err = f.findIndexed(pl, flt, sortSpecs, pg)
	} else {
		err = f.findScan(flt, sortSpecs, pg)
	}
	if err != nil {
		return nil, err
	}
	if pg.limit > 0 && len(pg.out) > pg.limit {
		pg.out = pg.out[:pg.limit]
	}
	return pg.out, nil
}

func (f *File) findScan(flt filter.Filter, sortSpecs []index.FieldSpec, pg *page) error {
	var matched []*objects.Document
	err := f.EachDocument(func(doc *objects.Document) error {
		if !filter.Matches(flt, doc) {
			return nil
		}
		if len(sortSpecs) > 0 {
			matched = append(matched, doc)
			return nil
		}
		pg.add(doc)
		if pg.full() {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return err
	}
	if len(sortSpecs) > 0 {
		sort.SliceStable(matched, func(i, j int) bool { return lessDocs(sortSpecs)(matched[i], matched[j]) })
		for _, doc := range matched {
			pg.add(doc)
			if pg.full() {
				break
			}
		}
	}
	return nil
}

// findIndexed walks an index. Runs of documents sharing the order prefix of
// the sort fields are ordered in memory: past a truncated string the index
// orders by the following fields, not by the bytes cut off.
func (f *File) findIndexed(pl plan, flt filter.Filter, sortSpecs []index.FieldSpec, pg *page) error {
	cur := pl.ix.ScanHeld(index.ScanOptions{Backward: pl.backward, Range: pl.rng})
	defer cur.Close()

	groupSpecs := pl.ix.Specs()[:len(sortSpecs)]
	less := lessDocs(sortSpecs)
	var (
		group    []*objects.Document
		groupKey []byte
	)
	flush := func() {
		sort.Slice(group, func(i, j int) bool { return less(group[i], group[j]) })
		for _, doc := range group {
			pg.add(doc)
		}
		group = group[:0]
	}
	for cur.Next() {
		id := cur.ID()
		doc, _, found, err := f.get(id)
		if err != nil {
			return err
		}
		if !found {
			return f.reportMissing(pl.ix, id)
		}
		if !filter.Matches(flt, doc) {
			continue
		}
		if !pl.sorted {
			pg.add(doc)
			if pg.full() {
				return nil
			}
			continue
		}
		key := index.EncodeOrderPrefix(nil, groupSpecs, doc)
		if len(group) > 0 && !bytes.Equal(key, groupKey) {
			flush()
			if pg.full() {
				return nil
			}
		}
		groupKey = key
		group = append(group, doc)
	}
	if err := cur.Err(); err != nil {
		return err
	}
	flush()
	return nil
}

func (f *File) reportMissing(ix *index.Index, id uuid.UUID) error {
	return dberr.Report(f.sugar, "objfile.Find",
		dberr.Corruptionf("%s: index %s references missing object %s", f.name, ix.Name(), id))
}

// Find returns the objects selected by opts, built by the file's serializer.
func (f *File) Find(ctx context.Context, opts FindOptions) ([]any, error) {
	docs, err := f.FindDocuments(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(docs))
	for i, doc := range docs {
		if out[i], err = f.ser.Deserialize(doc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountWhere returns the number of objects matching flt.
func (f *File) CountWhere(ctx context.Context, flt filter.Filter) (uint64, error) {
	if flt == nil {
		return f.Count(ctx)
	}
	docs, err := f.FindDocuments(ctx, FindOptions{Filter: flt})
	return uint64(len(docs)), err
}
