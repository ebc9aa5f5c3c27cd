package config

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/S0me0neR0man/ourfiles/internal/blob"
	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

func env(m map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name: "defaults",
			check: func(t *testing.T, c *Config) {
				require.Equal(t, Default(), c)
			},
		},
		{
			name: "flags",
			args: []string{"--store-folder", "/tmp/x", "--block-size", "8192", "--store-interval", "0s", "--debug"},
			check: func(t *testing.T, c *Config) {
				require.Equal(t, "/tmp/x", c.Folder)
				require.Equal(t, 8192, c.BlockSize)
				require.Equal(t, time.Duration(0), c.StoreInterval)
				require.True(t, c.Debug)
			},
		},
		{
			name: "env overrides flags",
			args: []string{"--store-folder", "/tmp/x", "--cache-blocks", "10"},
			env: map[string]string{
				"STORE_FOLDER":    "/tmp/y",
				"REQUEST_TIMEOUT": "250ms",
				"COMPRESSION":     "zstd",
				"METRICS_ADDR":    ":9090",
			},
			check: func(t *testing.T, c *Config) {
				require.Equal(t, "/tmp/y", c.Folder)
				require.Equal(t, 10, c.CacheBlocks)
				require.Equal(t, 250*time.Millisecond, c.RequestTimeout)
				require.Equal(t, blob.ZstdCompression, c.Compression)
				require.Equal(t, ":9090", c.MetricsAddr)
				o := c.Options()
				require.Equal(t, "/tmp/y", o.Folder)
				require.Equal(t, 10, o.CacheBlocks)
			},
		},
		{
			name:    "bad env number",
			env:     map[string]string{"BLOCK_SIZE": "big"},
			wantErr: true,
		},
		{
			name:    "bad block size",
			args:    []string{"--block-size", "1000"},
			wantErr: true,
		},
		{
			name:    "inline limit below blob reference",
			env:     map[string]string{"INLINE_LIMIT": "4"},
			wantErr: true,
		},
		{
			name:    "negative interval",
			env:     map[string]string{"STORE_INTERVAL": "-1s"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"--nope"},
			wantErr: true,
		},
		{
			name:    "bad compression flag",
			args:    []string{"--compression", "lz4"},
			wantErr: true,
		},
		{
			name:    "bad compression env",
			env:     map[string]string{"COMPRESSION": "lz4"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse("test", tt.args, env(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, dberr.ErrValidation), "%v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}
