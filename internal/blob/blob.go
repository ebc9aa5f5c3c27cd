// Package blob stores payloads too large for a B-tree block as doubly linked
// chains of fixed-size blocks. Released blocks go back to the pager free list
// and are reused before the file grows.
package blob

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/cache"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/pager"
)

// Magic identifies BLOB files.
var Magic = pager.Magic{'O', 'U', 'R', 'B', 'L', 'O', 'B', '1'}

const (
	offPrev = 0
	offNext = 4
	offUsed = 8
	bodyOff = 10

	offStored = 10 // head block only
	offFlags  = 14
	offRaw    = 15
	headOff   = 19

	flagSnappy = 1
	flagZstd   = 2
)

// Compression selects the codec applied to new chains. Every chain records
// its own codec, so a file may mix them.
type Compression uint8

const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
)

var compressionNames = []string{"none", "snappy", "zstd"}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return "unknown"
}

// ParseCompression parses a codec name.
func ParseCompression(s string) (Compression, error) {
	for i, name := range compressionNames {
		if strings.EqualFold(s, name) {
			return Compression(i), nil
		}
	}
	return 0, dberr.Validationf("unknown compression %q, want one of %s", s, strings.Join(compressionNames, ", "))
}

// Set implements pflag.Value.
func (c *Compression) Set(s string) error {
	v, err := ParseCompression(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Type implements pflag.Value.
func (c *Compression) Type() string { return "compression" }

var zstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func zstdInit() error {
	zstdCodec.once.Do(func() {
		zstdCodec.enc, zstdCodec.err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdCodec.err != nil {
			return
		}
		zstdCodec.dec, zstdCodec.err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdCodec.err
}

// Handle references a chain by its head block.
type Handle uint32

// Store is a BLOB file. Like the pager it relies on the owner's lock.
type Store struct {
	p           *pager.Pager
	compression Compression
	sugar       *zap.SugaredLogger
}

// Open opens or creates the BLOB file at path.
func Open(path string, blockSize int, c *cache.Cache, compression Compression, logger *zap.Logger) (*Store, error) {
	if compression > ZstdCompression {
		return nil, dberr.Validationf("unknown compression %d", compression)
	}
	if compression == ZstdCompression {
		if err := zstdInit(); err != nil {
			return nil, err
		}
	}
	p, err := pager.Open(path, Magic, blockSize, c, logger)
	if err != nil {
		return nil, err
	}
	return &Store{p: p, compression: compression, sugar: logger.Sugar()}, nil
}

// Pager returns the underlying block file.
func (s *Store) Pager() *pager.Pager { return s.p }

// UsedBlocks returns the number of blocks held by chains.
func (s *Store) UsedBlocks() uint32 { return s.p.UsedBlocks() }

// FreeBlocks returns the number of blocks on the free list.
func (s *Store) FreeBlocks() uint32 { return s.p.FreeCount() }

func (s *Store) encode(data []byte) ([]byte, byte) {
	if len(data) == 0 {
		return data, 0
	}
	switch s.compression {
	case SnappyCompression:
		if c := snappy.Encode(nil, data); len(c) < len(data) {
			return c, flagSnappy
		}
	case ZstdCompression:
		if c := zstdCodec.enc.EncodeAll(data, nil); len(c) < len(data) {
			return c, flagZstd
		}
	}
	return data, 0
}

// Write stores data as a new chain.
func (s *Store) Write(data []byte) (Handle, error) {
	return s.write(nil, data)
}

// Rewrite replaces the contents of the chain at h, reusing its blocks.
func (s *Store) Rewrite(h Handle, data []byte) (Handle, error) {
	blocks, err := s.Chain(h)
	if err != nil {
		return 0, err
	}
	return s.write(blocks, data)
}

func (s *Store) write(reuse []uint32, data []byte) (Handle, error) {
	stored, flags := s.encode(data)
	payload := s.p.PayloadSize()

	var chunks [][]byte
	first := payload - headOff
	rest := stored
	if len(rest) <= first {
		chunks = append(chunks, rest)
		rest = nil
	} else {
		chunks = append(chunks, rest[:first])
		rest = rest[first:]
	}
	for len(rest) > 0 {
		n := min(len(rest), payload-bodyOff)
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}

	blocks := make([]uint32, len(chunks))
	for i := range blocks {
		if i < len(reuse) {
			blocks[i] = reuse[i]
			continue
		}
		b, err := s.p.Allocate()
		if err != nil {
			return 0, err
		}
		blocks[i] = b
	}
	for i, chunk := range chunks {
		buf := make([]byte, payload)
		if i > 0 {
			binary.LittleEndian.PutUint32(buf[offPrev:], blocks[i-1])
		}
		if i+1 < len(blocks) {
			binary.LittleEndian.PutUint32(buf[offNext:], blocks[i+1])
		}
		binary.LittleEndian.PutUint16(buf[offUsed:], uint16(len(chunk)))
		off := bodyOff
		if i == 0 {
			binary.LittleEndian.PutUint32(buf[offStored:], uint32(len(stored)))
			buf[offFlags] = flags
			binary.LittleEndian.PutUint32(buf[offRaw:], uint32(len(data)))
			off = headOff
		}
		copy(buf[off:], chunk)
		if err := s.p.Write(blocks[i], buf); err != nil {
			return 0, err
		}
	}
	if len(reuse) > len(blocks) {
		if err := s.release(reuse[len(blocks):]); err != nil {
			return 0, err
		}
	}
	return Handle(blocks[0]), nil
}

// Read returns the payload of the chain at h.
func (s *Store) Read(h Handle) ([]byte, error) {
	var (
		out    []byte
		stored uint32
		raw    uint32
		flags  byte
	)
	err := s.walk(h, func(i int, b uint32, buf []byte) error {
		used := int(binary.LittleEndian.Uint16(buf[offUsed:]))
		off := bodyOff
		if i == 0 {
			stored = binary.LittleEndian.Uint32(buf[offStored:])
			flags = buf[offFlags]
			raw = binary.LittleEndian.Uint32(buf[offRaw:])
			off = headOff
			out = make([]byte, 0, stored)
		}
		if off+used > len(buf) {
			return dberr.Corruptionf("blob block %d claims %d bytes", b, used)
		}
		out = append(out, buf[off:off+used]...)
		return nil
	})
	if err != nil {
		return nil, dberr.Report(s.sugar, "blob.Read", err)
	}
	if uint32(len(out)) != stored {
		return nil, dberr.Report(s.sugar, "blob.Read",
			dberr.Corruptionf("blob %d: chain holds %d bytes, header says %d", h, len(out), stored))
	}
	switch flags {
	case 0:
	case flagSnappy:
		if out, err = snappy.Decode(nil, out); err != nil {
			return nil, dberr.Report(s.sugar, "blob.Read", dberr.Corruptionf("blob %d: %v", h, err))
		}
	case flagZstd:
		if err := zstdInit(); err != nil {
			return nil, err
		}
		if out, err = zstdCodec.dec.DecodeAll(out, nil); err != nil {
			return nil, dberr.Report(s.sugar, "blob.Read", dberr.Corruptionf("blob %d: %v", h, err))
		}
	default:
		return nil, dberr.Report(s.sugar, "blob.Read", dberr.Corruptionf("blob %d: unknown flags %#x", h, flags))
	}
	if uint32(len(out)) != raw {
		return nil, dberr.Report(s.sugar, "blob.Read",
			dberr.Corruptionf("blob %d: decoded %d bytes, header says %d", h, len(out), raw))
	}
	return out, nil
}

// Append adds data to the end of the chain at h.
func (s *Store) Append(h Handle, data []byte) (Handle, error) {
	old, err := s.Read(h)
	if err != nil {
		return 0, err
	}
	return s.Rewrite(h, append(old, data...))
}

// Truncate shortens the chain at h to n bytes.
func (s *Store) Truncate(h Handle, n int) (Handle, error) {
	old, err := s.Read(h)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > len(old) {
		return 0, dberr.Rangef("truncate blob %d to %d bytes, length %d", h, n, len(old))
	}
	return s.Rewrite(h, old[:n])
}

// Free releases every block of the chain at h.
func (s *Store) Free(h Handle) error {
	blocks, err := s.Chain(h)
	if err != nil {
		return err
	}
	return s.release(blocks)
}

func (s *Store) release(blocks []uint32) error {
	sorted := append([]uint32(nil), blocks...)
	// highest first, so that tail blocks shrink the file
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	for _, b := range sorted {
		if err := s.p.Free(b); err != nil {
			return err
		}
	}
	if s.p.UsedBlocks() == 0 && s.p.BlockCount() > 1 {
		return s.p.Reset()
	}
	return nil
}

// Chain returns the blocks of the chain at h in order.
func (s *Store) Chain(h Handle) ([]uint32, error) {
	var blocks []uint32
	err := s.walk(h, func(_ int, b uint32, _ []byte) error {
		blocks = append(blocks, b)
		return nil
	})
	return blocks, dberr.Report(s.sugar, "blob.Chain", err)
}

// Stats returns the number of blocks held by chains and on the free list.
func (s *Store) Stats() (used, free uint32) {
	return s.UsedBlocks(), s.FreeBlocks()
}

// Walk calls fn with every block of the chain at h and the stored bytes it
// holds, head first. Stored bytes are compressed when the chain is.
func (s *Store) Walk(h Handle, fn func(block uint32, stored []byte) error) error {
	err := s.walk(h, func(i int, b uint32, buf []byte) error {
		off := bodyOff
		if i == 0 {
			off = headOff
		}
		used := int(binary.LittleEndian.Uint16(buf[offUsed:]))
		if off+used > len(buf) {
			return dberr.Corruptionf("blob block %d claims %d bytes", b, used)
		}
		return fn(b, buf[off:off+used])
	})
	return dberr.Report(s.sugar, "blob.Walk", err)
}

func (s *Store) walk(h Handle, fn func(i int, b uint32, buf []byte) error) error {
	if h == 0 {
		return dberr.Corruptionf("blob handle 0 is not a chain")
	}
	seen := make(map[uint32]bool)
	prev := uint32(0)
	for i, b := 0, uint32(h); b != 0; i++ {
		if seen[b] {
			return dberr.Corruptionf("blob %d: cycle at block %d", h, b)
		}
		seen[b] = true
		buf, err := s.p.Read(b)
		if err != nil {
			return err
		}
		if p := binary.LittleEndian.Uint32(buf[offPrev:]); p != prev {
			return dberr.Corruptionf("blob %d: block %d links back to %d, expected %d", h, b, p, prev)
		}
		if err := fn(i, b, buf); err != nil {
			return err
		}
		prev = b
		b = binary.LittleEndian.Uint32(buf[offNext:])
	}
	return nil
}

// Check verifies that the given chains are intact, disjoint and account for
// every allocated block.
func (s *Store) Check(heads []Handle) error {
	owner := make(map[uint32]Handle)
	for _, h := range heads {
		blocks, err := s.Chain(h)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if o, ok := owner[b]; ok {
				return dberr.Report(s.sugar, "blob.Check",
					dberr.Corruptionf("block %d shared by blobs %d and %d", b, o, h))
			}
			owner[b] = h
		}
	}
	if _, err := s.p.FreeBlocks(); err != nil {
		return dberr.Report(s.sugar, "blob.Check", err)
	}
	if used := s.p.UsedBlocks(); uint32(len(owner)) != used {
		return dberr.Report(s.sugar, "blob.Check",
			dberr.Corruptionf("%d blob blocks reachable, %d allocated", len(owner), used))
	}
	return nil
}

// Sync flushes the file.
func (s *Store) Sync() error { return s.p.Sync() }

// Close closes the file.
func (s *Store) Close() error { return s.p.Close() }
