// Package proto settles wire options between a bundle producer and the
// peer that will read the bundle.
package proto

import (
	"strings"

	"github.com/javanhut/hgstore/internal/compress"
)

// fallbackOrder is tried when the preferred codec is not accepted.
var fallbackOrder = []string{
	compress.StreamZstd,
	compress.StreamZlib,
	compress.StreamXZ,
	compress.StreamNone,
}

var aliases = map[string]string{
	"zstd":    compress.StreamZstd,
	"zlib":    compress.StreamZlib,
	"gzip":    compress.StreamZlib,
	"deflate": compress.StreamZlib,
	"xz":      compress.StreamXZ,
	"none":    compress.StreamNone,
	"bzip2":   compress.StreamBzip2,
}

// Canonical maps a capability name such as "zstd" or "gz" to its bundle
// stream tag. Unknown names map to "".
func Canonical(capability string) string {
	c := strings.TrimSpace(capability)
	if tag, ok := aliases[strings.ToLower(c)]; ok {
		return tag
	}
	c = strings.ToUpper(c)
	for _, t := range compress.StreamTags() {
		if t == c {
			return t
		}
	}
	return ""
}

// NegotiateCompression picks the bundle stream codec for a peer that can
// decode remoteCaps. preferred wins when the peer accepts it; otherwise the
// first codec of zstd, zlib, xz the peer accepts is used, and uncompressed
// as a last resort. An empty remoteCaps means the peer accepts anything.
// BZ is never chosen since bundles cannot be written with it.
//
// remoteCaps example: []string{"GZ", "zstd"}
func NegotiateCompression(remoteCaps []string, preferred string) string {
	preferred = Canonical(preferred)
	if len(remoteCaps) == 0 {
		if preferred == "" || preferred == compress.StreamBzip2 {
			return compress.StreamZlib
		}
		return preferred
	}
	accepted := make(map[string]bool)
	for _, c := range remoteCaps {
		if tag := Canonical(c); tag != "" {
			accepted[tag] = true
		}
	}
	if preferred != "" && preferred != compress.StreamBzip2 && accepted[preferred] {
		return preferred
	}
	for _, tag := range fallbackOrder {
		if accepted[tag] {
			return tag
		}
	}
	// last resort: every HG10 reader handles uncompressed streams
	return compress.StreamNone
}
