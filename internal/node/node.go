// Package node provides the 20-byte revision identifier used by revlogs and
// the hashing helpers that derive it.
package node

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Size is the length in bytes of a revision identifier.
const Size = 20

// ID is a revision identifier (nodeid): sha1(min(p1,p2), max(p1,p2), text).
type ID [Size]byte

// Null is the reserved identifier meaning "no revision".
var Null ID

// String returns the hexadecimal representation of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 12 hex digits, as used in log output.
func (id ID) Short() string {
	return hex.EncodeToString(id[:6])
}

// IsNull reports whether id is the null identifier.
func (id ID) IsNull() bool {
	return id == Null
}

// Compare orders identifiers bytewise.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Parse decodes a full 40-digit hex identifier.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != 2*Size {
		return id, fmt.Errorf("invalid node id %q: want %d hex digits", s, 2*Size)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return id, nil
}

// FromBytes copies b into an ID. b must be exactly Size bytes long.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("invalid node id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Hash computes the identifier of a revision from its parents and full text.
// The parents are hashed in sorted order so the result does not depend on
// which one is recorded first.
func Hash(p1, p2 ID, text []byte) ID {
	if p2.Compare(p1) < 0 {
		p1, p2 = p2, p1
	}
	h := sha1.New()
	h.Write(p1[:])
	h.Write(p2[:])
	h.Write(text)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Verify reports whether text hashes to want given the parents.
func Verify(want, p1, p2 ID, text []byte) bool {
	return Hash(p1, p2, text) == want
}

// Fingerprint is a BLAKE3-256 digest used to detect changes to files and
// caches. It is never written into the revlog format itself.
type Fingerprint [32]byte

// String returns the hexadecimal representation of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// SumB3 computes the BLAKE3 fingerprint of data.
func SumB3(data []byte) Fingerprint {
	return blake3.Sum256(data)
}

// Chain folds data into a running fingerprint: SumB3(prev || data). It lets
// an append-only sequence be fingerprinted one record at a time.
func (f Fingerprint) Chain(data []byte) Fingerprint {
	h := blake3.New(32, nil)
	h.Write(f[:])
	h.Write(data)
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}
