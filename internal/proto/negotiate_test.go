package proto

import (
	"testing"

	"github.com/javanhut/hgstore/internal/compress"
	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	assert.Equal(t, compress.StreamZstd, Canonical("zstd"))
	assert.Equal(t, compress.StreamZstd, Canonical("zs"))
	assert.Equal(t, compress.StreamZlib, Canonical(" deflate "))
	assert.Equal(t, compress.StreamBzip2, Canonical("BZ"))
	assert.Equal(t, "", Canonical("lzma"))
}

func TestNegotiateCompression(t *testing.T) {
	cases := []struct {
		remote    []string
		preferred string
		want      string
	}{
		{nil, "XZ", compress.StreamXZ},
		{nil, "", compress.StreamZlib},
		{nil, "BZ", compress.StreamZlib},
		{[]string{"zlib", "zstd"}, "ZS", compress.StreamZstd},
		{[]string{"zlib", "zstd"}, "XZ", compress.StreamZstd},
		{[]string{"GZ"}, "ZS", compress.StreamZlib},
		{[]string{"xz", "UN"}, "GZ", compress.StreamXZ},
		{[]string{"BZ"}, "BZ", compress.StreamNone},
		{[]string{"lzma"}, "GZ", compress.StreamNone},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NegotiateCompression(c.remote, c.preferred), "%v prefer %s", c.remote, c.preferred)
	}
}
