// Package pager manages a file of fixed-size blocks: a header block, a free
// list threaded through released blocks, per-block checksums, and reads
// routed through the shared block cache.
package pager

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/cache"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

const (
	MinBlockSize = 512
	MaxBlockSize = 65536

	// MetaSize is the number of header bytes available to the file's owner.
	MetaSize = 64

	trailerSize   = 4
	formatVersion = 1

	offMagic      = 0
	offVersion    = 8
	offBlockSize  = 12
	offBlockCount = 16
	offFreeHead   = 20
	offFreeCount  = 24
	offMeta       = 32
	headerSize    = offMeta + MetaSize
)

var freeMarker = [4]byte{'F', 'R', 'E', 'E'}

// Magic identifies the kind of file a pager serves.
type Magic [8]byte

// ValidateBlockSize checks that size is a supported power of two.
func ValidateBlockSize(size int) error {
	if size < MinBlockSize || size > MaxBlockSize || size&(size-1) != 0 {
		return dberr.Validationf("block size %d must be a power of two in [%d, %d]",
			size, MinBlockSize, MaxBlockSize)
	}
	return nil
}

// Pager is a block file. It is not safe for concurrent mutation; the owning
// file's lock serializes writers.
type Pager struct {
	path      string
	f         *os.File
	id        cache.FileID
	cache     *cache.Cache
	blockSize int
	magic     Magic
	created   bool

	blockCount uint32
	freeHead   uint32
	freeCount  uint32
	meta       [MetaSize]byte

	sugar *zap.SugaredLogger
}

// Open opens or creates the block file at path.
func Open(path string, magic Magic, blockSize int, c *cache.Cache, logger *zap.Logger) (*Pager, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", path)
	}
	p := &Pager{
		path:      path,
		f:         f,
		id:        c.NewFileID(),
		cache:     c,
		blockSize: blockSize,
		magic:     magic,
		sugar:     logger.Sugar(),
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat %q", path)
	}
	if st.Size() == 0 {
		p.created = true
		p.blockCount = 1
		if err := p.writeHeader(); err != nil {
			_ = f.Close()
			return nil, err
		}
		p.sugar.Debugw("block file created", "path", path, "blockSize", blockSize)
		return p, nil
	}
	if err := p.readHeader(); err != nil {
		_ = f.Close()
		return nil, dberr.Report(p.sugar, "pager.Open", err)
	}
	return p, nil
}

func (p *Pager) readHeader() error {
	const msg = "readHeader:"
	buf := make([]byte, p.blockSize)
	if _, err := p.f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "%s %s", msg, p.path)
	}
	if !bytes.Equal(buf[offMagic:offMagic+8], p.magic[:]) {
		return dberr.Corruptionf("%s %s: bad magic %q", msg, p.path, buf[offMagic:offMagic+8])
	}
	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != formatVersion {
		return dberr.Corruptionf("%s %s: unsupported format version %d", msg, p.path, v)
	}
	if bs := int(binary.LittleEndian.Uint32(buf[offBlockSize:])); bs != p.blockSize {
		return dberr.Validationf("%s %s: file block size %d, configured %d", msg, p.path, bs, p.blockSize)
	}
	if err := p.verify(0, buf); err != nil {
		return err
	}
	p.blockCount = binary.LittleEndian.Uint32(buf[offBlockCount:])
	p.freeHead = binary.LittleEndian.Uint32(buf[offFreeHead:])
	p.freeCount = binary.LittleEndian.Uint32(buf[offFreeCount:])
	copy(p.meta[:], buf[offMeta:offMeta+MetaSize])
	return nil
}

func (p *Pager) writeHeader() error {
	buf := make([]byte, p.PayloadSize())
	copy(buf[offMagic:], p.magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[offBlockSize:], uint32(p.blockSize))
	binary.LittleEndian.PutUint32(buf[offBlockCount:], p.blockCount)
	binary.LittleEndian.PutUint32(buf[offFreeHead:], p.freeHead)
	binary.LittleEndian.PutUint32(buf[offFreeCount:], p.freeCount)
	copy(buf[offMeta:], p.meta[:])
	return p.write(0, buf)
}

// Path returns the file path.
func (p *Pager) Path() string { return p.path }

// Created reports whether Open created the file.
func (p *Pager) Created() bool { return p.created }

// BlockSize returns the block size in bytes.
func (p *Pager) BlockSize() int { return p.blockSize }

// PayloadFor returns the usable bytes of a block of the given size.
func PayloadFor(blockSize int) int { return blockSize - trailerSize }

// PayloadSize returns the usable bytes of a block.
func (p *Pager) PayloadSize() int { return p.blockSize - trailerSize }

// BlockCount returns the number of blocks including the header.
func (p *Pager) BlockCount() uint32 { return p.blockCount }

// FreeCount returns the number of blocks on the free list.
func (p *Pager) FreeCount() uint32 { return p.freeCount }

// UsedBlocks returns the number of allocated data blocks.
func (p *Pager) UsedBlocks() uint32 { return p.blockCount - 1 - p.freeCount }

// Meta returns a copy of the owner metadata.
func (p *Pager) Meta() []byte {
	m := make([]byte, MetaSize)
	copy(m, p.meta[:])
	return m
}

// SetMeta persists the owner metadata.
func (p *Pager) SetMeta(m []byte) error {
	copy(p.meta[:], m)
	return p.writeHeader()
}

func (p *Pager) checkIndex(b uint32) error {
	if b == 0 || b >= p.blockCount {
		return dberr.Corruptionf("%s: block %d out of range [1, %d)", p.path, b, p.blockCount)
	}
	return nil
}

func (p *Pager) verify(b uint32, block []byte) error {
	n := len(block) - trailerSize
	want := binary.LittleEndian.Uint32(block[n:])
	if got := uint32(xxhash.Sum64(block[:n])); got != want {
		return dberr.Corruptionf("%s: block %d checksum mismatch (%08x != %08x)", p.path, b, got, want)
	}
	return nil
}

// Read returns a copy of the block payload.
func (p *Pager) Read(b uint32) ([]byte, error) {
	if err := p.checkIndex(b); err != nil {
		return nil, err
	}
	if block, ok := p.cache.Get(p.id, b); ok {
		return block[:p.PayloadSize()], nil
	}
	block := make([]byte, p.blockSize)
	if _, err := p.f.ReadAt(block, int64(b)*int64(p.blockSize)); err != nil {
		return nil, errors.Wrapf(err, "read block %d of %s", b, p.path)
	}
	if err := p.verify(b, block); err != nil {
		return nil, dberr.Report(p.sugar, "pager.Read", err)
	}
	p.cache.Put(p.id, b, block)
	return block[:p.PayloadSize()], nil
}

// Write stores payload (at most PayloadSize bytes) into block b.
func (p *Pager) Write(b uint32, payload []byte) error {
	if err := p.checkIndex(b); err != nil {
		return err
	}
	return p.write(b, payload)
}

func (p *Pager) write(b uint32, payload []byte) error {
	if len(payload) > p.PayloadSize() {
		return errors.AssertionFailedf("payload of %d bytes exceeds block payload %d", len(payload), p.PayloadSize())
	}
	block := make([]byte, p.blockSize)
	copy(block, payload)
	n := p.PayloadSize()
	binary.LittleEndian.PutUint32(block[n:], uint32(xxhash.Sum64(block[:n])))
	if _, err := p.f.WriteAt(block, int64(b)*int64(p.blockSize)); err != nil {
		p.cache.Invalidate(p.id, b)
		return errors.Wrapf(err, "write block %d of %s", b, p.path)
	}
	p.cache.Put(p.id, b, block)
	return nil
}

// Allocate returns a zeroed block, reusing the free list before growing.
func (p *Pager) Allocate() (uint32, error) {
	var b uint32
	if p.freeHead != 0 {
		b = p.freeHead
		payload, err := p.Read(b)
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(payload[:4], freeMarker[:]) {
			return 0, dberr.Report(p.sugar, "pager.Allocate",
				dberr.Corruptionf("%s: free list head %d is not a free block", p.path, b))
		}
		p.freeHead = binary.LittleEndian.Uint32(payload[4:])
		p.freeCount--
	} else {
		b = p.blockCount
		p.blockCount++
	}
	if err := p.write(b, nil); err != nil {
		return 0, err
	}
	return b, p.writeHeader()
}

// Free releases block b. The last block of the file is truncated away;
// others go to the free list.
func (p *Pager) Free(b uint32) error {
	if err := p.checkIndex(b); err != nil {
		return err
	}
	if b == p.blockCount-1 {
		p.blockCount--
		p.cache.Invalidate(p.id, b)
		if err := p.f.Truncate(int64(p.blockCount) * int64(p.blockSize)); err != nil {
			return errors.Wrapf(err, "truncate %s", p.path)
		}
		return p.writeHeader()
	}
	payload := make([]byte, 8)
	copy(payload, freeMarker[:])
	binary.LittleEndian.PutUint32(payload[4:], p.freeHead)
	if err := p.write(b, payload); err != nil {
		return err
	}
	p.freeHead = b
	p.freeCount++
	return p.writeHeader()
}

// FreeBlocks walks the free list.
func (p *Pager) FreeBlocks() ([]uint32, error) {
	var res []uint32
	seen := make(map[uint32]bool)
	for b := p.freeHead; b != 0; {
		if seen[b] {
			return nil, dberr.Corruptionf("%s: cycle in free list at block %d", p.path, b)
		}
		seen[b] = true
		payload, err := p.Read(b)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(payload[:4], freeMarker[:]) {
			return nil, dberr.Corruptionf("%s: block %d on free list is not free", p.path, b)
		}
		res = append(res, b)
		b = binary.LittleEndian.Uint32(payload[4:])
	}
	if uint32(len(res)) != p.freeCount {
		return nil, dberr.Corruptionf("%s: free list holds %d blocks, header says %d", p.path, len(res), p.freeCount)
	}
	return res, nil
}

// Reset drops every data block, leaving only the header.
func (p *Pager) Reset() error {
	p.cache.InvalidateAll(p.id)
	p.blockCount = 1
	p.freeHead = 0
	p.freeCount = 0
	if err := p.f.Truncate(int64(p.blockSize)); err != nil {
		return errors.Wrapf(err, "truncate %s", p.path)
	}
	return p.writeHeader()
}

// Sync flushes the file to stable storage.
func (p *Pager) Sync() error {
	return p.f.Sync()
}

// Close syncs and closes the file and drops its cached blocks.
func (p *Pager) Close() error {
	p.cache.InvalidateAll(p.id)
	if err := p.f.Sync(); err != nil {
		_ = p.f.Close()
		return errors.Wrapf(err, "sync %s", p.path)
	}
	return p.f.Close()
}
