package patch

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEmptyPatchIsIdentity(t *testing.T) {
	base := []byte("line one\nline two\n")
	out, err := Apply(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base, out)

	out, err = ApplyEncoded(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base, out)
}

func TestApplyHunks(t *testing.T) {
	base := []byte("abcdefghij")
	hunks := []Hunk{
		{Start: 0, End: 2, Data: []byte("XY")},
		{Start: 4, End: 4, Data: []byte("++")},
		{Start: 7, End: 10, Data: nil},
	}
	out, err := Apply(base, hunks)
	require.NoError(t, err)
	assert.Equal(t, "XYcd++efg", string(out))
}

func TestApplyRejectsOverlap(t *testing.T) {
	base := []byte("abcdefghij")
	_, err := Apply(base, []Hunk{{Start: 2, End: 5}, {Start: 4, End: 6}})
	assert.Error(t, err)

	_, err = Apply(base, []Hunk{{Start: 5, End: 3}})
	assert.Error(t, err)

	_, err = Apply(base, []Hunk{{Start: 5, End: 11}})
	assert.Error(t, err)
}

func TestParseEncodeRoundTrip(t *testing.T) {
	hunks := []Hunk{
		{Start: 1, End: 3, Data: []byte("hello")},
		{Start: 3, End: 3, Data: []byte{}},
		{Start: 9, End: 12, Data: []byte("x")},
	}
	parsed, err := Parse(Encode(hunks))
	require.NoError(t, err)
	require.Len(t, parsed, 3)
	for i := range hunks {
		assert.Equal(t, hunks[i].Start, parsed[i].Start)
		assert.Equal(t, hunks[i].End, parsed[i].End)
		assert.Equal(t, string(hunks[i].Data), string(parsed[i].Data))
	}
}

func TestParseMalformed(t *testing.T) {
	good := Encode([]Hunk{{Start: 0, End: 1, Data: []byte("abc")}})

	_, err := Parse(good[:5])
	assert.Error(t, err, "truncated header")

	_, err = Parse(good[:len(good)-1])
	assert.Error(t, err, "truncated data")

	_, err = Parse(Encode([]Hunk{{Start: 4, End: 2}}))
	assert.Error(t, err, "start after end")

	out := Encode([]Hunk{{Start: 5, End: 8}, {Start: 6, End: 9}})
	_, err = Parse(out)
	assert.Error(t, err, "overlap")

	var perr *Error
	assert.ErrorAs(t, err, &perr)
}

func TestPatchedSize(t *testing.T) {
	base := []byte("0123456789")
	data := Encode([]Hunk{{Start: 2, End: 5, Data: []byte("abcdef")}})
	size, err := PatchedSize(len(base), data)
	require.NoError(t, err)
	out, err := ApplyEncoded(base, data)
	require.NoError(t, err)
	assert.Equal(t, len(out), size)

	_, err = PatchedSize(3, data)
	assert.Error(t, err)
}

func TestReplacement(t *testing.T) {
	out, err := ApplyEncoded([]byte("old text"), Replacement(8, []byte("new")))
	require.NoError(t, err)
	assert.Equal(t, "new", string(out))
}

func TestDiffProducesApplicablePatch(t *testing.T) {
	cases := []struct{ base, text string }{
		{"", ""},
		{"", "new file\n"},
		{"a\nb\nc\n", "a\nB\nc\n"},
		{"a\nb\nc\n", "a\nb\nc\nd\n"},
		{"a\nb\nc\n", "x\na\nb\nc\n"},
		{"a\nb\nc\n", ""},
		{"same", "same"},
		{"no newline", "no newline at all"},
		{"aaa\naaa\n", "aaa\n"},
	}
	for _, tc := range cases {
		data := DiffEncoded([]byte(tc.base), []byte(tc.text))
		out, err := ApplyEncoded([]byte(tc.base), data)
		require.NoError(t, err, "%q -> %q", tc.base, tc.text)
		assert.Equal(t, tc.text, string(out), "%q -> %q", tc.base, tc.text)
	}
}

func TestDiffKeepsCommonLines(t *testing.T) {
	base := []byte("one\ntwo\nthree\nfour\n")
	text := []byte("one\n2\nthree\nfour\n")
	hunks := Diff(base, text)
	require.Len(t, hunks, 1)
	assert.Equal(t, 4, hunks[0].Start)
	assert.Equal(t, 8, hunks[0].End)
	assert.Equal(t, "2\n", string(hunks[0].Data))
}

func TestDiffRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []byte("ab\n")
	gen := func() []byte {
		b := make([]byte, rng.Intn(40))
		for i := range b {
			b[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return b
	}
	for i := 0; i < 2000; i++ {
		base, text := gen(), gen()
		out, err := Apply(base, Diff(base, text))
		require.NoError(t, err)
		require.True(t, bytes.Equal(text, out), "base=%q text=%q out=%q", base, text, out)
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, []Hunk{{Start: 1, End: 2, Data: []byte("z")}}))
	assert.Equal(t, "-[1:2] +1 \"z\"\n", buf.String())
}
