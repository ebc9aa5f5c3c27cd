package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/abschecker"
	"github.com/S0me0neR0man/ourfiles/internal/config"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
	"github.com/S0me0neR0man/ourfiles/internal/provider"
)

const (
	displayCounter = 100

	insertState = "insert"
	loadState   = "load"
	updateState = "update"
	removeState = "remove"
	verifyState = "verify"
)

type simpleRecord struct {
	section string
	id      uuid.UUID
	fields  []objects.Field
	deleted bool
	updated bool
}

func (s simpleRecord) String() string {
	if s.id == uuid.Nil {
		return "uninitialized"
	}
	return fmt.Sprintf("%s/%s deleted=%v updated=%v fields=%d", s.section, s.id, s.deleted, s.updated, len(s.fields))
}

func newFields(i int, payload int) ([]objects.Field, error) {
	doc, err := objects.NewDocument(uuid.Nil,
		objects.Field{Name: "tag", Value: "#tag" + strconv.Itoa(i)},
		objects.Field{Name: "text", Value: "sample text" + strconv.Itoa(i)},
		objects.Field{Name: "int_value", Value: i},
		objects.Field{Name: "payload", Value: []byte(strings.Repeat("x", payload))},
	)
	if err != nil {
		return nil, err
	}
	return doc.Fields, nil
}

func sameFields(before, after []objects.Field) error {
	if len(before) != len(after) {
		return errors.Newf("wrong length before=%d after=%d", len(before), len(after))
	}
	got := objects.Document{Fields: after}
	for _, f := range before {
		v, ok := got.Get(f.Name)
		if !ok {
			return errors.Newf("field %s missing", f.Name)
		}
		if !objects.Equal(f.Value, v) {
			return errors.Newf("field %s before=%v after=%v", f.Name, f.Value, v)
		}
	}
	return nil
}

// Checker drives random objects through insert, load, update or remove and
// a final verification against a provider.
type Checker struct {
	p        *provider.Provider
	sections []string
	// maxPayload bounds the random payload; large payloads land in blobs.
	maxPayload int

	super     *abschecker.StateSupervisor
	displayMu sync.Mutex
	display   io.Writer
	counts    map[string]*atomic.Uint64

	sugar *zap.SugaredLogger
}

func NewChecker(ctx context.Context, p *provider.Provider, sections, maxPayload int, display io.Writer, logger *zap.Logger) (*Checker, error) {
	c := &Checker{
		p:          p,
		maxPayload: maxPayload,
		super:      abschecker.NewStateSupervisor(logger),
		display:    display,
		counts:     make(map[string]*atomic.Uint64),
		sugar:      logger.Sugar(),
	}
	for i := 0; i < sections; i++ {
		name := fmt.Sprintf("Section%02d", i+1)
		f, err := p.GetFile(ctx, name)
		if err != nil {
			return nil, err
		}
		if _, err := p.GetOrCreateIndex(ctx, f, provider.IfFileMissing, "int_value"); err != nil {
			return nil, err
		}
		c.sections = append(c.sections, name)
	}

	states := []struct {
		id      string
		goCount uint
		do      abschecker.DoFunc
		check   abschecker.CheckFunc
	}{
		{insertState, 2, c.insert, nil},
		{loadState, 2, c.load, c.checkLoad},
		{updateState, 2, c.update, nil},
		{removeState, 2, c.remove, nil},
		{verifyState, 2, c.verify, c.checkVerify},
	}
	for _, st := range states {
		s := abschecker.NewState(st.id, st.goCount, logger)
		s.SetDoFunc(st.do)
		if st.check != nil {
			s.SetCheckFunc(st.check)
		}
		if err := c.super.Add(s); err != nil {
			return nil, err
		}
		c.counts[st.id] = &atomic.Uint64{}
	}
	c.super.SetGenDataFunc(c.generate)
	return c, nil
}

func (c *Checker) Go(ctx context.Context) error {
	return c.super.Go(ctx)
}

func (c *Checker) Wait() error {
	return c.super.Wait()
}

// tick prints the state's letter every displayCounter items.
func (c *Checker) tick(state string) {
	if c.counts[state].Add(1)%displayCounter == 0 {
		c.displayMu.Lock()
		fmt.Fprint(c.display, strings.ToUpper(state[:1]))
		c.displayMu.Unlock()
	}
}

func (c *Checker) generate(context.Context) (abschecker.DataToBeVerified, error) {
	i := rand.Intn(100)
	fields, err := newFields(i, rand.Intn(c.maxPayload+1))
	if err != nil {
		return abschecker.DataToBeVerified{}, err
	}
	return abschecker.DataToBeVerified{
		NextState: insertState,
		Data: simpleRecord{
			section: c.sections[rand.Intn(len(c.sections))],
			fields:  fields,
		},
	}, nil
}

func record(data abschecker.DataToBeVerified) (simpleRecord, error) {
	rec, ok := data.Data.(simpleRecord)
	if !ok {
		return simpleRecord{}, errors.AssertionFailedf("unexpected data %T", data.Data)
	}
	return rec, nil
}

func (c *Checker) insert(ctx context.Context, data abschecker.DataToBeVerified) (abschecker.DataToBeVerified, error) {
	rec, err := record(data)
	if err != nil {
		return data, err
	}
	f, err := c.p.GetFile(ctx, rec.section)
	if err != nil {
		return data, err
	}
	rec.id, err = f.SaveNew(ctx, &objects.GenericObject{Collection: rec.section, Fields: rec.fields})
	if err != nil {
		return data, err
	}
	c.sugar.Debugw("insert ok", "rec", rec)
	c.tick(insertState)
	data.Data = rec
	data.NextState = loadState
	return data, nil
}

func (c *Checker) load(ctx context.Context, data abschecker.DataToBeVerified) (abschecker.DataToBeVerified, error) {
	rec, err := record(data)
	if err != nil {
		return data, err
	}
	f, err := c.p.GetFile(ctx, rec.section)
	if err != nil {
		return data, err
	}
	doc, err := f.LoadDocument(ctx, rec.id)
	if err != nil {
		return data, err
	}
	rec.fields = doc.Fields
	c.tick(loadState)
	data.Data = rec
	if rand.Intn(2) == 0 {
		data.NextState = removeState
	} else {
		data.NextState = updateState
	}
	return data, nil
}

func (c *Checker) checkLoad(before, after abschecker.DataToBeVerified) error {
	b, err := record(before)
	if err != nil {
		return err
	}
	a, err := record(after)
	if err != nil {
		return err
	}
	return errors.Wrapf(sameFields(b.fields, a.fields), "%s", b)
}

func (c *Checker) update(ctx context.Context, data abschecker.DataToBeVerified) (abschecker.DataToBeVerified, error) {
	rec, err := record(data)
	if err != nil {
		return data, err
	}
	f, err := c.p.GetFile(ctx, rec.section)
	if err != nil {
		return data, err
	}
	rec.fields, err = newFields(rand.Intn(100), rand.Intn(c.maxPayload+1))
	if err != nil {
		return data, err
	}
	if err := f.UpdateDocument(ctx, &objects.Document{ID: rec.id, Fields: rec.fields}); err != nil {
		return data, err
	}
	rec.updated = true
	c.tick(updateState)
	data.Data = rec
	data.NextState = verifyState
	return data, nil
}

func (c *Checker) remove(ctx context.Context, data abschecker.DataToBeVerified) (abschecker.DataToBeVerified, error) {
	rec, err := record(data)
	if err != nil {
		return data, err
	}
	f, err := c.p.GetFile(ctx, rec.section)
	if err != nil {
		return data, err
	}
	if err := f.Delete(ctx, rec.id); err != nil {
		return data, err
	}
	rec.deleted = true
	c.tick(removeState)
	data.Data = rec
	data.NextState = verifyState
	return data, nil
}

func (c *Checker) verify(ctx context.Context, data abschecker.DataToBeVerified) (abschecker.DataToBeVerified, error) {
	rec, err := record(data)
	if err != nil {
		return data, err
	}
	f, err := c.p.GetFile(ctx, rec.section)
	if err != nil {
		return data, err
	}
	doc, found, err := f.TryLoadDocument(ctx, rec.id)
	if err != nil {
		return data, err
	}
	rec.fields = nil
	rec.deleted = !found
	if found {
		rec.fields = doc.Fields
	}
	c.tick(verifyState)
	data.Data = rec
	data.NextState = ""
	return data, nil
}

func (c *Checker) checkVerify(before, after abschecker.DataToBeVerified) error {
	b, err := record(before)
	if err != nil {
		return err
	}
	a, err := record(after)
	if err != nil {
		return err
	}
	if b.deleted != a.deleted {
		return errors.Wrapf(dberr.ErrCorruption, "%s: deleted=%v after verification", b, a.deleted)
	}
	if b.deleted {
		return nil
	}
	return errors.Wrapf(sameFields(b.fields, a.fields), "%s", b)
}

// Failures returns the number of failed actions and mismatched checks.
func (c *Checker) Failures() (failed, mismatched uint64) {
	_, counters := c.super.Report()
	for _, cnt := range counters {
		failed += cnt.Failed
		mismatched += cnt.Mismatched
	}
	return failed, mismatched
}

// Report writes the per-state counters as a table.
func (c *Checker) Report(w io.Writer) {
	ids, counters := c.super.Report()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"state", "processed", "failed", "mismatched"})
	for i, id := range ids {
		table.Append([]string{
			id,
			strconv.FormatUint(counters[i].Processed, 10),
			strconv.FormatUint(counters[i].Failed, 10),
			strconv.FormatUint(counters[i].Mismatched, 10),
		})
	}
	table.SetFooter([]string{"generated", strconv.FormatUint(c.super.Generated(), 10), "", ""})
	table.Render()
}

// run checks a store until ctx is done, then verifies its structure.
func run(ctx context.Context, cfg *config.Config, sections, maxPayload int, out io.Writer, logger *zap.Logger) (failed, mismatched uint64, err error) {
	p, err := provider.New(ctx, cfg.Options(), logger)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		err = errors.CombineErrors(err, p.Close(closeCtx))
	}()

	c, err := NewChecker(ctx, p, sections, maxPayload, out, logger)
	if err != nil {
		return 0, 0, err
	}
	if err := c.Go(ctx); err != nil {
		return 0, 0, err
	}
	if err := c.Wait(); err != nil {
		return 0, 0, err
	}
	fmt.Fprintln(out)
	c.Report(out)

	checkCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := p.AssertConsistent(checkCtx); err != nil {
		return 0, 0, err
	}
	failed, mismatched = c.Failures()
	return failed, mismatched, nil
}
