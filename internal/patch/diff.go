package patch

import "bytes"

// Diff produces hunks that turn base into text.
//
// Matching is done on whole lines: the common leading and trailing lines are
// kept and everything between them is replaced by a single hunk. This keeps
// deltas small for the usual append/edit-in-place history without pulling in
// a full longest-common-subsequence search.
func Diff(base, text []byte) []Hunk {
	if bytes.Equal(base, text) {
		return nil
	}
	prefix := commonLinePrefix(base, text)
	suffix := commonLineSuffix(base[prefix:], text[prefix:])
	return []Hunk{{
		Start: prefix,
		End:   len(base) - suffix,
		Data:  text[prefix : len(text)-suffix],
	}}
}

// DiffEncoded is Diff followed by Encode.
func DiffEncoded(base, text []byte) []byte {
	return Encode(Diff(base, text))
}

// commonLinePrefix returns the length of the longest run of complete lines
// shared at the start of a and b.
func commonLinePrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	lineStart := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return lineStart
		}
		if a[i] == '\n' {
			lineStart = i + 1
		}
	}
	if len(a) == len(b) {
		return n
	}
	return lineStart
}

// commonLineSuffix returns the length of the longest run of complete lines
// shared at the end of a and b.
func commonLineSuffix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	matched := 0
	for i := 1; i <= n; i++ {
		ca, cb := a[len(a)-i], b[len(b)-i]
		if ca != cb {
			break
		}
		// A suffix counts once it starts right after a newline in both inputs
		// or at the very start of one of them.
		if i == len(a) || i == len(b) || (a[len(a)-i-1] == '\n' && b[len(b)-i-1] == '\n') {
			matched = i
		}
	}
	return matched
}
