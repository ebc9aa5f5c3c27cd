package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/S0me0neR0man/ourfiles/internal/blob"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
	"github.com/S0me0neR0man/ourfiles/internal/provider"
)

type Config struct {
	Folder         string
	BlockSize      int
	BlobBlockSize  int
	InlineLimit    int
	CacheBlocks    int
	Compression    blob.Compression
	RequestTimeout time.Duration
	StoreInterval  time.Duration // 0 - disable periodic flush
	MetricsAddr    string        // "" - no metrics endpoint
	Debug          bool
}

// Default returns the configuration used when neither flags nor
// environment say otherwise.
func Default() *Config {
	o := provider.DefaultOptions("db/stash")
	return &Config{
		Folder:         o.Folder,
		BlockSize:      o.BlockSize,
		BlobBlockSize:  o.BlobBlockSize,
		InlineLimit:    o.InlineLimit,
		CacheBlocks:    o.CacheBlocks,
		Compression:    o.Compression,
		RequestTimeout: o.RequestTimeout,
		StoreInterval:  time.Second * 5,
	}
}

// Bind registers the configuration flags on fs, defaulting to the current
// values of c.
func (c *Config) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&c.Folder, "store-folder", c.Folder, "folder holding the store files")
	fs.IntVar(&c.BlockSize, "block-size", c.BlockSize, "object and index block size")
	fs.IntVar(&c.BlobBlockSize, "blob-block-size", c.BlobBlockSize, "blob block size")
	fs.IntVar(&c.InlineLimit, "inline-limit", c.InlineLimit, "largest record kept inline")
	fs.IntVar(&c.CacheBlocks, "cache-blocks", c.CacheBlocks, "block cache capacity")
	fs.Var(&c.Compression, "compression", "blob codec: none, snappy or zstd")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "lock wait timeout")
	fs.DurationVar(&c.StoreInterval, "store-interval", c.StoreInterval, "flush interval, 0 disables")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address serving /metrics, empty disables")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "development logging")
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// ApplyEnv overrides fields for every variable lookup reports as set.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(name string, dst *string) error {
		if v, ok := lookup(name); ok {
			*dst = v
		}
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return dberr.Validationf("%s=%q: %v", name, v, err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return dberr.Validationf("%s=%q: %v", name, v, err)
		}
		*dst = b
		return nil
	}
	compression := func(name string, dst *blob.Compression) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		return errors.Wrapf(dst.Set(v), "%s", name)
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return dberr.Validationf("%s=%q: %v", name, v, err)
		}
		*dst = d
		return nil
	}

	for _, err := range []error{
		str("STORE_FOLDER", &c.Folder),
		integer("BLOCK_SIZE", &c.BlockSize),
		integer("BLOB_BLOCK_SIZE", &c.BlobBlockSize),
		integer("INLINE_LIMIT", &c.InlineLimit),
		integer("CACHE_BLOCKS", &c.CacheBlocks),
		compression("COMPRESSION", &c.Compression),
		duration("REQUEST_TIMEOUT", &c.RequestTimeout),
		duration("STORE_INTERVAL", &c.StoreInterval),
		str("METRICS_ADDR", &c.MetricsAddr),
		boolean("DEBUG", &c.Debug),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Parse builds a configuration from args and the environment, the latter
// taking precedence.
func Parse(name string, args []string, lookup LookupFunc) (*Config, error) {
	c := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c.Bind(fs)
	if err := fs.Parse(args); err != nil {
		return nil, dberr.Validationf("%v", err)
	}
	if err := c.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func NewConfig() (*Config, error) {
	return Parse(os.Args[0], os.Args[1:], os.LookupEnv)
}

func (c *Config) Options() provider.Options {
	return provider.Options{
		Folder:         c.Folder,
		BlockSize:      c.BlockSize,
		BlobBlockSize:  c.BlobBlockSize,
		InlineLimit:    c.InlineLimit,
		Compression:    c.Compression,
		CacheBlocks:    c.CacheBlocks,
		RequestTimeout: c.RequestTimeout,
	}
}

func (c *Config) Validate() error {
	if c.StoreInterval < 0 {
		return dberr.Validationf("store interval %s is negative", c.StoreInterval)
	}
	return c.Options().Validate()
}
