package provider

import (
	"time"

	"github.com/S0me0neR0man/ourfiles/internal/blob"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/objfile"
	"github.com/S0me0neR0man/ourfiles/internal/pager"
)

// Options configures a provider.
type Options struct {
	// Folder holds every file of the store.
	Folder        string
	BlockSize     int
	BlobBlockSize int
	// InlineLimit is the largest encoded record kept in a tree block.
	InlineLimit int
	// Compression is the codec of new BLOB chains.
	Compression blob.Compression
	// CacheBlocks bounds the shared block cache.
	CacheBlocks int
	// RequestTimeout bounds every lock wait.
	RequestTimeout time.Duration
}

// DefaultOptions returns options suitable for a store in folder.
func DefaultOptions(folder string) Options {
	return Options{
		Folder:         folder,
		BlockSize:      4096,
		BlobBlockSize:  1024,
		InlineLimit:    512,
		Compression:    blob.SnappyCompression,
		CacheBlocks:    4096,
		RequestTimeout: 10 * time.Second,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Folder == "" {
		return dberr.Validationf("store folder not set")
	}
	if err := pager.ValidateBlockSize(o.BlockSize); err != nil {
		return err
	}
	if err := pager.ValidateBlockSize(o.BlobBlockSize); err != nil {
		return err
	}
	if limit := objfile.MaxInlineLimit(o.BlockSize); o.InlineLimit < objfile.MinInlineLimit || o.InlineLimit > limit {
		return dberr.Validationf("inline limit %d outside [%d, %d] for %d-byte blocks",
			o.InlineLimit, objfile.MinInlineLimit, limit, o.BlockSize)
	}
	if o.Compression > blob.ZstdCompression {
		return dberr.Validationf("unknown compression %s", o.Compression)
	}
	if o.CacheBlocks <= 0 {
		return dberr.Validationf("cache size %d must be positive", o.CacheBlocks)
	}
	if o.RequestTimeout <= 0 {
		return dberr.Validationf("request timeout %s must be positive", o.RequestTimeout)
	}
	return nil
}

func (o Options) fileOptions() objfile.Options {
	return objfile.Options{
		BlockSize:      o.BlockSize,
		BlobBlockSize:  o.BlobBlockSize,
		InlineLimit:    o.InlineLimit,
		Compression:    o.Compression,
		RequestTimeout: o.RequestTimeout,
	}
}
