package objfile

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/S0me0neR0man/ourfiles/internal/blob"
	"github.com/S0me0neR0man/ourfiles/internal/btree"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/index"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

// IndexStatistics describes one index of a collection.
type IndexStatistics struct {
	Name       string
	Entries    uint64
	Depth      int
	NodeBlocks int
	FreeBlocks int
}

// Statistics describes the structure of a collection.
type Statistics struct {
	Collection string
	Records    uint64
	Inline     uint64
	Blobs      uint64
	Depth      int
	NodeBlocks int
	LeafBlocks int
	FreeBlocks int
	// MinFill and MaxFill count entries per non-root node.
	MinFill int
	MaxFill int
	// AvgFill is the share of node capacity in use, in percent.
	AvgFill        float64
	BlobBlocks     uint32
	BlobFreeBlocks uint32
	Fields         int
	Indices        []IndexStatistics
	// Problems lists structural defects found while walking.
	Problems []string
}

// ComputeStatistics walks the collection. Structural problems are reported
// in the result rather than as an error, and logged as corruption.
func (f *File) ComputeStatistics(ctx context.Context) (*Statistics, error) {
	if err := f.rlock(ctx); err != nil {
		return nil, err
	}
	defer f.lk.RUnlock()

	st := &Statistics{
		Collection:     f.name,
		Records:        f.tree.Count(),
		BlobBlocks:     f.blobs.UsedBlocks(),
		BlobFreeBlocks: f.blobs.FreeBlocks(),
		Fields:         f.names.Len(),
	}
	ts, err := f.tree.Check()
	if err != nil {
		err = dberr.Report(f.sugar, "objfile.ComputeStatistics", errors.Wrapf(err, "collection %s", f.name))
		st.Problems = append(st.Problems, err.Error())
	}
	st.Depth, st.NodeBlocks, st.LeafBlocks, st.FreeBlocks = ts.Depth, ts.NodeBlocks, ts.LeafBlocks, ts.FreeBlocks
	st.MinFill, st.MaxFill = ts.MinEntries, ts.MaxEntries
	if ts.CapacityBytes > 0 {
		st.AvgFill = 100 * float64(ts.UsedBytes) / float64(ts.CapacityBytes)
	}
	c := f.tree.Cursor()
	for ok := c.First(); ok; ok = c.Next() {
		if v := c.Value(); len(v) > 0 && v[0] == recordBlob {
			st.Blobs++
		} else {
			st.Inline++
		}
	}
	if err := c.Err(); err != nil {
		err = dberr.Report(f.sugar, "objfile.ComputeStatistics", errors.Wrapf(err, "collection %s", f.name))
		st.Problems = append(st.Problems, err.Error())
	}
	for _, ix := range f.indices {
		is, err := ix.Check()
		if err != nil {
			st.Problems = append(st.Problems, err.Error())
		}
		st.Indices = append(st.Indices, IndexStatistics{
			Name:       ix.Name(),
			Entries:    is.Entries,
			Depth:      is.Depth,
			NodeBlocks: is.NodeBlocks,
			FreeBlocks: is.FreeBlocks,
		})
	}
	return st, nil
}

// Render writes the statistics as text tables.
func (st *Statistics) Render(w io.Writer) {
	fmt.Fprintf(w, "collection %s\n", st.Collection)
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Property", "Value"})
	for _, row := range [][2]string{
		{"records", strconv.FormatUint(st.Records, 10)},
		{"inline records", strconv.FormatUint(st.Inline, 10)},
		{"blob records", strconv.FormatUint(st.Blobs, 10)},
		{"depth", strconv.Itoa(st.Depth)},
		{"node blocks", strconv.Itoa(st.NodeBlocks)},
		{"leaf blocks", strconv.Itoa(st.LeafBlocks)},
		{"free blocks", strconv.Itoa(st.FreeBlocks)},
		{"entries per node", fmt.Sprintf("%d..%d", st.MinFill, st.MaxFill)},
		{"average fill", fmt.Sprintf("%.1f%%", st.AvgFill)},
		{"blob blocks", strconv.FormatUint(uint64(st.BlobBlocks), 10)},
		{"blob free blocks", strconv.FormatUint(uint64(st.BlobFreeBlocks), 10)},
		{"field names", strconv.Itoa(st.Fields)},
	} {
		tbl.Append(row[:])
	}
	tbl.Render()
	if len(st.Indices) > 0 {
		tbl = tablewriter.NewWriter(w)
		tbl.SetHeader([]string{"Index", "Entries", "Depth", "Blocks", "Free"})
		for _, is := range st.Indices {
			tbl.Append([]string{
				is.Name,
				strconv.FormatUint(is.Entries, 10),
				strconv.Itoa(is.Depth),
				strconv.Itoa(is.NodeBlocks),
				strconv.Itoa(is.FreeBlocks),
			})
		}
		tbl.Render()
	}
	for _, p := range st.Problems {
		fmt.Fprintf(w, "problem: %s\n", p)
	}
}

// AssertConsistent verifies tree order and counts, that every record decodes
// under its own key, that BLOB chains account for every BLOB block and that
// every index holds exactly the stored objects. Failures are corruption
// errors and are logged.
func (f *File) AssertConsistent(ctx context.Context) error {
	if err := f.rlock(ctx); err != nil {
		return err
	}
	defer f.lk.RUnlock()
	return dberr.Report(f.sugar, "objfile.AssertConsistent", f.assertConsistent())
}

func (f *File) assertConsistent() error {
	if _, err := f.tree.Check(); err != nil {
		return errors.Wrapf(err, "collection %s", f.name)
	}
	docs := make([]*objects.Document, 0, f.tree.Count())
	var heads []blob.Handle
	c := f.tree.Cursor()
	for ok := c.First(); ok; ok = c.Next() {
		e := c.Entry()
		if len(e.Value) > 0 && e.Value[0] == recordBlob {
			h, _, err := f.blobRef(e.Value)
			if err != nil {
				return err
			}
			heads = append(heads, h)
		}
		doc, err := f.decode(e.Key, e.Value)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if err := c.Err(); err != nil {
		return err
	}
	if err := f.blobs.Check(heads); err != nil {
		return errors.Wrapf(err, "collection %s", f.name)
	}
	for _, ix := range f.indices {
		if err := f.assertIndex(ix, docs); err != nil {
			return err
		}
	}
	return nil
}

// assertIndex checks that ix holds exactly the keys of docs.
func (f *File) assertIndex(ix *index.Index, docs []*objects.Document) error {
	if _, err := ix.Check(); err != nil {
		return err
	}
	if n := ix.CountLocked(); n != uint64(len(docs)) {
		return dberr.Corruptionf("%s: index %s holds %d entries for %d objects", f.name, ix.Name(), n, len(docs))
	}
	// key -> seen
	want := make(map[string]bool, len(docs))
	stored := make(map[uuid.UUID]bool, len(docs))
	for _, doc := range docs {
		want[string(index.EncodeKey(ix.Specs(), doc))] = false
		stored[doc.ID] = true
	}
	err := ix.EachKey(func(key []byte) error {
		seen, ok := want[string(key)]
		switch {
		case seen:
			return dberr.Corruptionf("%s: index %s holds key %x twice", f.name, ix.Name(), key)
		case ok:
			want[string(key)] = true
			return nil
		}
		id, err := index.KeyID(key)
		if err != nil {
			return err
		}
		if !stored[id] {
			return dberr.Corruptionf("%s: index %s references missing object %s", f.name, ix.Name(), id)
		}
		return dberr.Corruptionf("%s: index %s holds stale key %x for %s", f.name, ix.Name(), key, id)
	})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if !want[string(index.EncodeKey(ix.Specs(), doc))] {
			return dberr.Corruptionf("%s: index %s has no entry for %s", f.name, ix.Name(), doc.ID)
		}
	}
	return nil
}

// ExportTree writes an indented dump of the primary tree and every index.
func (f *File) ExportTree(ctx context.Context, w io.Writer) error {
	if err := f.rlock(ctx); err != nil {
		return err
	}
	defer f.lk.RUnlock()
	if _, err := fmt.Fprintf(w, "collection %s records=%d\n", f.name, f.tree.Count()); err != nil {
		return err
	}
	err := f.tree.Walk(func(n btree.NodeInfo) error {
		indent := strings.Repeat("  ", n.Depth+1)
		kind := "node"
		if n.Leaf {
			kind = "leaf"
		}
		if _, err := fmt.Fprintf(w, "%s%s #%d entries=%d used=%d\n", indent, kind, n.Block, len(n.Entries), n.Used); err != nil {
			return err
		}
		for _, e := range n.Entries {
			id, err := uuid.FromBytes(e.Key)
			if err != nil {
				return dberr.Corruptionf("%s: key %x in node %d", f.name, e.Key, n.Block)
			}
			where := "inline"
			if len(e.Value) > 0 && e.Value[0] == recordBlob {
				h, size, err := f.blobRef(e.Value)
				if err != nil {
					return err
				}
				where = fmt.Sprintf("blob %d (%d bytes)", h, size)
			}
			if _, err := fmt.Fprintf(w, "%s  %s %s\n", indent, id, where); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ix := range f.indices {
		if _, err := fmt.Fprintf(w, "  index %s entries=%d\n", ix.Name(), ix.CountLocked()); err != nil {
			return err
		}
		if err := ix.ExportTree(w); err != nil {
			return err
		}
	}
	return nil
}
