// Package provider is the entry point of the store: it owns the shared block
// cache, the serializer registry and every open collection, and records the
// collections and indices it creates in a manifest replayed on startup.
package provider

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/S0me0neR0man/ourfiles/internal/cache"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/index"
	"github.com/S0me0neR0man/ourfiles/internal/objects"
	"github.com/S0me0neR0man/ourfiles/internal/objfile"
)

// ManifestName is the manifest file in the store folder.
const ManifestName = "Files.master"

// Policy decides when GetOrCreateIndex rebuilds an index from its
// collection.
type Policy int

const (
	// Never trusts the index file as found.
	Never Policy = iota
	// IfFileMissing rebuilds when the index file did not exist.
	IfFileMissing
	// IfNotInstantiated rebuilds whenever the index is opened by this
	// provider for the first time.
	IfNotInstantiated
	// Always rebuilds on every call.
	Always
)

var policyNames = [...]string{"never", "if-file-missing", "if-not-instantiated", "always"}

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Handle is the arena slot of an open collection.
type Handle int32

// Provider is an open store.
type Provider struct {
	opts  Options
	cache *cache.Cache
	reg   *objects.Registry

	mu     sync.Mutex
	files  []*objfile.File
	byName map[string]Handle
	// recorded holds the manifest lines already written.
	recorded map[string]bool
	// indexFields lists the manifest's index field lists per collection.
	indexFields map[string][][]string
	manifest    *os.File
	closed      bool

	ops       *prometheus.CounterVec
	collector prometheus.Collector

	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// New opens the store in opts.Folder, creating it when needed, and reopens
// every collection and index named in the manifest.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Provider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Folder, 0755); err != nil {
		return nil, errors.Wrapf(err, "create store folder %q", opts.Folder)
	}
	c := cache.New(opts.CacheBlocks)
	p := &Provider{
		opts:        opts,
		cache:       c,
		reg:         objects.NewRegistry(),
		byName:      make(map[string]Handle),
		recorded:    make(map[string]bool),
		indexFields: make(map[string][][]string),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ourfiles_operations_total",
			Help: "Store operations by kind and collection.",
		}, []string{"op", "collection"}),
		collector: cache.NewCollector(c),
		logger:    logger,
		sugar:     logger.Sugar(),
	}
	path := filepath.Join(opts.Folder, ManifestName)
	collections, indices, err := p.readManifest(path)
	if err != nil {
		return nil, err
	}
	for name, fields := range indices {
		p.indexFields[name] = fields
	}
	if p.manifest, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
		return nil, errors.Wrapf(err, "open manifest %q", path)
	}
	if err := p.replay(ctx, collections, indices); err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	p.sugar.Infow("store opened", "folder", opts.Folder, "collections", len(collections))
	return p, nil
}

// readManifest parses the manifest. Lines are "Collection <name>" and
// "Index <collection> <field>...".
func (p *Provider) readManifest(path string) ([]string, map[string][][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open manifest %q", path)
	}
	defer f.Close()

	var collections []string
	indices := make(map[string][][]string)
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		words := strings.Fields(sc.Text())
		switch {
		case len(words) == 0:
			continue
		case words[0] == "Collection" && len(words) == 2:
			if !p.recorded[sc.Text()] {
				collections = append(collections, words[1])
			}
		case words[0] == "Index" && len(words) >= 3:
			if !p.recorded[sc.Text()] {
				indices[words[1]] = append(indices[words[1]], words[2:])
			}
		default:
			return nil, nil, dberr.Report(p.sugar, "provider.readManifest",
				dberr.Corruptionf("manifest %s line %d: %q", path, line, sc.Text()))
		}
		p.recorded[sc.Text()] = true
	}
	if err := sc.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "read manifest %q", path)
	}
	return collections, indices, nil
}

// replay reopens the manifest's collections concurrently.
func (p *Provider) replay(ctx context.Context, collections []string, indices map[string][][]string) error {
	files := make([]*objfile.File, len(collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range collections {
		g.Go(func() error {
			f, err := p.openFile(name)
			if err != nil {
				return err
			}
			files[i] = f
			for _, fields := range indices[name] {
				if _, err := p.openIndex(gctx, f, IfFileMissing, fields); err != nil {
					return errors.Wrapf(err, "reopen index %s on %s", strings.Join(fields, ","), name)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range files {
		if f != nil {
			p.add(f)
		}
	}
	return err
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n/\\") || name == "." || name == ".." {
		return dberr.Validationf("invalid collection name %q", name)
	}
	return nil
}

func (p *Provider) openFile(name string) (*objfile.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return objfile.Open(p.opts.Folder, name, p.opts.fileOptions(), p.cache, p.reg,
		objects.GenericSerializer{DefaultCollection: name}, p.logger)
}

func (p *Provider) add(f *objfile.File) Handle {
	h := Handle(len(p.files))
	p.files = append(p.files, f)
	p.byName[f.Name()] = h
	return h
}

// record appends a manifest line once. The caller holds p.mu.
func (p *Provider) record(line string) error {
	if p.recorded[line] {
		return nil
	}
	if _, err := p.manifest.WriteString(line + "\n"); err != nil {
		return errors.Wrapf(err, "append to manifest")
	}
	if err := p.manifest.Sync(); err != nil {
		return errors.Wrapf(err, "sync manifest")
	}
	p.recorded[line] = true
	return nil
}

// Registry returns the serializer registry.
func (p *Provider) Registry() *objects.Registry { return p.reg }

// Options returns the options the provider was opened with.
func (p *Provider) Options() Options { return p.opts }

// Cache returns the shared block cache.
func (p *Provider) Cache() *cache.Cache { return p.cache }

// Collectors returns the provider's prometheus collectors.
func (p *Provider) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.ops, p.collector}
}

func (p *Provider) observe(op, collection string) {
	p.ops.WithLabelValues(op, collection).Inc()
}

// Handle returns the arena slot of an open collection.
func (p *Provider) Handle(collection string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.byName[collection]
	return h, ok
}

// File returns the collection in slot h.
func (p *Provider) File(h Handle) (*objfile.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || int(h) >= len(p.files) || p.files[h] == nil {
		return nil, dberr.NotFoundf("no open collection in slot %d", h)
	}
	return p.files[h], nil
}

// GetFile returns the collection, creating it on first use.
func (p *Provider) GetFile(ctx context.Context, collection string) (*objfile.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Wrapf(dberr.ErrClosed, "store %s", p.opts.Folder)
	}
	if h, ok := p.byName[collection]; ok {
		return p.files[h], nil
	}
	f, err := p.openFile(collection)
	if err != nil {
		return nil, err
	}
	// a collection closed by CloseCollection keeps its indices
	for _, fields := range p.indexFields[collection] {
		if _, err := p.openIndex(ctx, f, IfFileMissing, fields); err != nil {
			_ = f.Close(ctx)
			return nil, errors.Wrapf(err, "reopen index %s on %s", strings.Join(fields, ","), collection)
		}
	}
	if err := p.record("Collection " + collection); err != nil {
		_ = f.Close(ctx)
		return nil, err
	}
	p.add(f)
	p.sugar.Debugw("collection instantiated", "collection", collection, "indices", len(f.Indices()))
	return f, nil
}

// IndexPath returns the file name of the index over specs in collection.
func (p *Provider) IndexPath(collection string, specs []index.FieldSpec) string {
	return filepath.Join(p.opts.Folder, fmt.Sprintf("%s.btree.%016x.index", collection, index.SpecHash(specs)))
}

// GetOrCreateIndex returns the index of f over fields, opening or creating
// it as needed. Fields use the "-Name" form for descending order. policy
// decides whether the index is rebuilt from the collection.
func (p *Provider) GetOrCreateIndex(ctx context.Context, f *objfile.File, policy Policy, fields ...string) (*index.Index, error) {
	ix, err := p.openIndex(ctx, f, policy, fields)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	line := "Index " + f.Name() + " " + strings.Join(fields, " ")
	known := p.recorded[line]
	if err := p.record(line); err != nil {
		return nil, err
	}
	if !known {
		p.indexFields[f.Name()] = append(p.indexFields[f.Name()], slices.Clone(fields))
	}
	return ix, nil
}

func (p *Provider) openIndex(ctx context.Context, f *objfile.File, policy Policy, fields []string) (*index.Index, error) {
	specs, err := index.ParseFieldSpecs(fields...)
	if err != nil {
		return nil, err
	}
	if ix, ok := f.IndexOn(specs); ok {
		if policy == Always {
			if err := ix.Regenerate(ctx, f); err != nil {
				return nil, err
			}
		}
		return ix, nil
	}
	path := p.IndexPath(f.Name(), specs)
	_, statErr := os.Stat(path)
	missing := errors.Is(statErr, os.ErrNotExist)
	ix, err := index.Open(path, specs, p.opts.BlockSize, p.cache, f.Lock(), p.logger.With(zap.String("collection", f.Name())))
	if err != nil {
		return nil, err
	}
	var rebuild bool
	switch policy {
	case Never:
	case IfFileMissing:
		rebuild = missing || ix.Fresh()
	default:
		rebuild = true
	}
	if err := f.AttachIndex(ctx, ix, rebuild); err != nil {
		_ = ix.Close()
		if errors.Is(err, dberr.ErrValidation) {
			// attached concurrently
			if existing, ok := f.IndexOn(specs); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	p.sugar.Debugw("index instantiated", "collection", f.Name(), "index", ix.Name(), "policy", policy, "rebuilt", rebuild)
	return ix, nil
}

// Collections returns the names of the open collections, sorted.
func (p *Provider) Collections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) openFiles() []*objfile.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*objfile.File, 0, len(p.files))
	for _, f := range p.files {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// CloseCollection closes a collection. It is reopened by the next GetFile.
func (p *Provider) CloseCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	h, ok := p.byName[collection]
	if !ok {
		p.mu.Unlock()
		return dberr.NotFoundf("collection %s not open", collection)
	}
	f := p.files[h]
	p.files[h] = nil
	delete(p.byName, collection)
	p.mu.Unlock()
	return f.Close(ctx)
}

// Flush syncs every open collection.
func (p *Provider) Flush(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range p.openFiles() {
		g.Go(func() error { return f.Sync(gctx) })
	}
	return g.Wait()
}

// Close flushes and closes every collection and the manifest.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	files := p.files
	p.files, p.byName = nil, map[string]Handle{}
	p.mu.Unlock()

	var err error
	for _, f := range files {
		if f != nil {
			err = errors.CombineErrors(err, f.Close(ctx))
		}
	}
	if p.manifest != nil {
		err = errors.CombineErrors(err, p.manifest.Close())
	}
	p.sugar.Infow("store closed", "folder", p.opts.Folder, "err", err)
	return err
}
