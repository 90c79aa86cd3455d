package dag

import "math/bits"

// bitset is a fixed-capacity set of revision indices.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int) { b[i>>6] |= 1 << (uint(i) & 63) }

func (b bitset) has(i int) bool {
	w := i >> 6
	return w < len(b) && b[w]&(1<<(uint(i)&63)) != 0
}

// grow returns a copy of b able to hold n bits.
func (b bitset) grow(n int) bitset {
	out := newBitset(n)
	copy(out, b)
	return out
}

// and intersects b with o in place.
func (b bitset) and(o bitset) {
	for i := range b {
		if i < len(o) {
			b[i] &= o[i]
		} else {
			b[i] = 0
		}
	}
}

func (b bitset) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// highest returns the largest member not above limit, or -1. It inspects
// at most limit/64+1 words.
func (b bitset) highest(limit int) int {
	if limit < 0 || len(b) == 0 {
		return -1
	}
	w := limit >> 6
	if w >= len(b) {
		w = len(b) - 1
		limit = len(b)*64 - 1
	}
	word := b[w]
	if shift := uint(limit&63) + 1; shift < 64 {
		word &= 1<<shift - 1
	}
	for {
		if word != 0 {
			return w<<6 + 63 - bits.LeadingZeros64(word)
		}
		w--
		if w < 0 {
			return -1
		}
		word = b[w]
	}
}
