// Package names keeps the per-collection registry of field names and the
// compact integer codes records use in their place. Codes are assigned
// monotonically from 1, never reused, and written to disk before they are
// handed out.
package names

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

var magic = []byte("OURNAME1")

// Registry is the field name registry of one collection.
type Registry struct {
	path string
	f    *os.File

	mu     sync.RWMutex
	byName map[string]uint32
	byCode []string // byCode[code-1]

	sfg   singleflight.Group
	sugar *zap.SugaredLogger
}

// Open loads or creates the registry file at path. A partially written
// trailing record is discarded.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", path)
	}
	r := &Registry{
		path:   path,
		f:      f,
		byName: make(map[string]uint32),
		sugar:  logger.Sugar(),
	}
	if err := r.load(); err != nil {
		_ = f.Close()
		return nil, dberr.Report(r.sugar, "names.Open", err)
	}
	return r, nil
}

func (r *Registry) load() error {
	const msg = "load:"
	data, err := io.ReadAll(r.f)
	if err != nil {
		return errors.Wrapf(err, "%s read %q", msg, r.path)
	}
	if len(data) == 0 {
		if _, err := r.f.Write(magic); err != nil {
			return errors.Wrapf(err, "%s write %q", msg, r.path)
		}
		return r.f.Sync()
	}
	if !bytes.HasPrefix(data, magic) {
		return dberr.Corruptionf("%s %s: not a names file", msg, r.path)
	}
	pos := len(magic)
	good := pos
	for pos < len(data) {
		code, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			break
		}
		l, m := binary.Uvarint(data[pos+n:])
		if m <= 0 || uint64(len(data)-pos-n-m) < l {
			break
		}
		name := string(data[pos+n+m : pos+n+m+int(l)])
		if code != uint64(len(r.byCode)+1) {
			return dberr.Corruptionf("%s %s: code %d out of sequence, expected %d", msg, r.path, code, len(r.byCode)+1)
		}
		if _, dup := r.byName[name]; dup {
			return dberr.Corruptionf("%s %s: name %q registered twice", msg, r.path, name)
		}
		r.byCode = append(r.byCode, name)
		r.byName[name] = uint32(code)
		pos += n + m + int(l)
		good = pos
	}
	if good < len(data) {
		r.sugar.Warnw("discarding partial names record", "path", r.path, "bytes", len(data)-good)
		if err := r.f.Truncate(int64(good)); err != nil {
			return errors.Wrapf(err, "%s truncate %q", msg, r.path)
		}
	}
	if _, err := r.f.Seek(int64(good), io.SeekStart); err != nil {
		return errors.Wrapf(err, "%s seek %q", msg, r.path)
	}
	return nil
}

// TryCode returns the code of name without registering it.
func (r *Registry) TryCode(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// Code returns the code of name, registering the name on first use.
func (r *Registry) Code(name string) (uint32, error) {
	if c, ok := r.TryCode(name); ok {
		return c, nil
	}
	res, err, _ := r.sfg.Do(name, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.byName[name]; ok {
			return c, nil
		}
		code := uint32(len(r.byCode) + 1)
		rec := binary.AppendUvarint(nil, uint64(code))
		rec = binary.AppendUvarint(rec, uint64(len(name)))
		rec = append(rec, name...)
		w := bufio.NewWriter(r.f)
		if _, err := w.Write(rec); err != nil {
			return uint32(0), errors.Wrapf(err, "append to %q", r.path)
		}
		if err := w.Flush(); err != nil {
			return uint32(0), errors.Wrapf(err, "append to %q", r.path)
		}
		if err := r.f.Sync(); err != nil {
			return uint32(0), errors.Wrapf(err, "sync %q", r.path)
		}
		r.byCode = append(r.byCode, name)
		r.byName[name] = code
		r.sugar.Debugw("field name registered", "path", r.path, "name", name, "code", code)
		return code, nil
	})
	if err != nil {
		r.sugar.Errorw("names.Code", "name", name, "err", err)
		return 0, err
	}
	return res.(uint32), nil
}

// Name returns the name registered under code.
func (r *Registry) Name(code uint32) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if code == 0 || int(code) > len(r.byCode) {
		return "", dberr.NotFoundf("field code %s unknown in %s", strconv.Itoa(int(code)), r.path)
	}
	return r.byCode[code-1], nil
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCode)
}

// Names returns every registered name in code order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byCode...)
}

// Close closes the file.
func (r *Registry) Close() error {
	return r.f.Close()
}
