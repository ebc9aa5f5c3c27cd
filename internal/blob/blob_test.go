package blob

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/cache"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

func openStore(t *testing.T, compression Compression) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "x.blob"), 512, cache.New(32), compression, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func randomBytes(rnd *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rnd.Read(b)
	return b
}

func TestStore_WriteRead(t *testing.T) {
	s := openStore(t, NoCompression)
	rnd := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 400, 489, 490, 491, 2000, 10000}
	handles := make([]Handle, len(sizes))
	payloads := make([][]byte, len(sizes))
	for i, n := range sizes {
		payloads[i] = randomBytes(rnd, n)
		h, err := s.Write(payloads[i])
		require.NoError(t, err)
		handles[i] = h
	}
	for i, h := range handles {
		got, err := s.Read(h)
		require.NoError(t, err)
		require.True(t, bytes.Equal(payloads[i], got), "size %d", sizes[i])
	}
	require.NoError(t, s.Check(handles))

	for _, h := range handles {
		require.NoError(t, s.Free(h))
	}
	require.EqualValues(t, 0, s.UsedBlocks())
	require.EqualValues(t, 0, s.FreeBlocks())
	require.EqualValues(t, 1, s.Pager().BlockCount())
}

func TestStore_FreeListReuse(t *testing.T) {
	s := openStore(t, NoCompression)
	rnd := rand.New(rand.NewSource(2))
	a, err := s.Write(randomBytes(rnd, 3000))
	require.NoError(t, err)
	b, err := s.Write(randomBytes(rnd, 3000))
	require.NoError(t, err)
	size := s.Pager().BlockCount()

	require.NoError(t, s.Free(a))
	require.Greater(t, s.FreeBlocks(), uint32(0))
	c, err := s.Write(randomBytes(rnd, 3000))
	require.NoError(t, err)
	require.Equal(t, size, s.Pager().BlockCount(), "file must not grow while free blocks exist")
	require.NoError(t, s.Check([]Handle{b, c}))
}

func TestStore_RewriteAppendTruncate(t *testing.T) {
	s := openStore(t, NoCompression)
	rnd := rand.New(rand.NewSource(3))
	data := randomBytes(rnd, 5000)
	h, err := s.Write(data)
	require.NoError(t, err)

	h2, err := s.Truncate(h, 100)
	require.NoError(t, err)
	require.Equal(t, h, h2)
	got, err := s.Read(h2)
	require.NoError(t, err)
	require.Equal(t, data[:100], got)
	require.EqualValues(t, 1, s.UsedBlocks())

	more := randomBytes(rnd, 1500)
	h3, err := s.Append(h2, more)
	require.NoError(t, err)
	got, err = s.Read(h3)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), data[:100]...), more...), got)
	require.NoError(t, s.Check([]Handle{h3}))

	_, err = s.Truncate(h3, 1_000_000)
	require.True(t, errors.Is(err, dberr.ErrRange))
}

func TestStore_Compression(t *testing.T) {
	data := bytes.Repeat([]byte("compressible "), 1000)
	for _, c := range []Compression{SnappyCompression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			s := openStore(t, c)
			h, err := s.Write(data)
			require.NoError(t, err)
			require.Less(t, s.UsedBlocks(), uint32(len(data)/500), "the chain should shrink")
			got, err := s.Read(h)
			require.NoError(t, err)
			require.Equal(t, data, got)

			// incompressible data is stored raw
			rnd := rand.New(rand.NewSource(1))
			noise := randomBytes(rnd, 3000)
			h2, err := s.Write(noise)
			require.NoError(t, err)
			got, err = s.Read(h2)
			require.NoError(t, err)
			require.Equal(t, noise, got)
		})
	}
}

func TestStore_MixedCodecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.blob")
	c := cache.New(32)
	data := bytes.Repeat([]byte("mixed "), 500)

	s, err := Open(path, 512, c, ZstdCompression, zap.NewNop())
	require.NoError(t, err)
	h1, err := s.Write(data)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, 512, c, SnappyCompression, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	h2, err := s.Write(data)
	require.NoError(t, err)
	for _, h := range []Handle{h1, h2} {
		got, err := s.Read(h)
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
	got, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	require.Equal(t, ZstdCompression, got)

	var c Compression
	require.NoError(t, c.Set("snappy"))
	require.Equal(t, SnappyCompression, c)
	require.True(t, errors.Is(c.Set("lz4"), dberr.ErrValidation))
}

func TestStore_Corruption(t *testing.T) {
	s := openStore(t, NoCompression)
	rnd := rand.New(rand.NewSource(4))
	h, err := s.Write(randomBytes(rnd, 2000))
	require.NoError(t, err)
	blocks, err := s.Chain(h)
	require.NoError(t, err)
	require.Greater(t, len(blocks), 2)

	// make the last block point back to the head: a cycle
	last := blocks[len(blocks)-1]
	buf, err := s.Pager().Read(last)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(buf[offNext:], blocks[0])
	require.NoError(t, s.Pager().Write(last, buf))
	_, err = s.Read(h)
	require.True(t, dberr.IsCorruption(err), "%v", err)

	// dangling back link
	binary.LittleEndian.PutUint32(buf[offNext:], 0)
	binary.LittleEndian.PutUint32(buf[offPrev:], 9999)
	require.NoError(t, s.Pager().Write(last, buf))
	_, err = s.Read(h)
	require.True(t, dberr.IsCorruption(err), "%v", err)

	_, err = s.Read(0)
	require.True(t, dberr.IsCorruption(err))
}

func TestStore_WalkStats(t *testing.T) {
	s := openStore(t, NoCompression)
	rnd := rand.New(rand.NewSource(9))
	data := randomBytes(rnd, 1500)
	h, err := s.Write(data)
	require.NoError(t, err)

	var got []byte
	var blocks []uint32
	require.NoError(t, s.Walk(h, func(b uint32, stored []byte) error {
		blocks = append(blocks, b)
		got = append(got, stored...)
		return nil
	}))
	require.Equal(t, data, got)
	chain, err := s.Chain(h)
	require.NoError(t, err)
	require.Equal(t, chain, blocks)

	used, free := s.Stats()
	require.Equal(t, uint32(len(chain)), used)
	require.Zero(t, free)

	// the chain sits at the end of the file, so freeing it shrinks the file
	require.NoError(t, s.Free(h))
	used, free = s.Stats()
	require.Zero(t, used)
	require.Zero(t, free)
}
