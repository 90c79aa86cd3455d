package revlog

import (
	"context"
	"time"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
)

// Rev is a dense, zero-based revision index in append order.
type Rev int

const (
	// NullRev means "no revision": a missing parent or an unknown id.
	NullRev Rev = -1
	// Tip stands for the most recent revision and is resolved on use.
	Tip Rev = -2
)

// Record describes one revision of a revlog.
type Record struct {
	Rev           Rev
	Node          node.ID
	P1, P2        Rev
	P1Node        node.ID
	P2Node        node.ID
	LinkRev       Rev
	BaseRev       Rev
	Offset        int64
	Flags         uint16
	CompressedLen int
	ActualLen     int
	// Content is the verified full text; only set when requested.
	Content []byte
}

// IsSnapshot reports whether the record stores a full text rather than a
// delta.
func (r *Record) IsSnapshot() bool {
	return r.BaseRev == r.Rev || r.BaseRev == NullRev
}

// Snapshot is an immutable, point-in-time view of a revlog's index. Every
// derived index is built from one Snapshot and remembers its Generation.
type Snapshot struct {
	name    string
	header  uint32
	entries []entry

	generation uint64
	epoch      uint64

	indexSize int64
	indexMod  time.Time
	print     node.Fingerprint
}

// Name returns the store name of the revlog.
func (s *Snapshot) Name() string { return s.name }

// Len returns the number of revisions.
func (s *Snapshot) Len() int { return len(s.entries) }

// Generation increases every time the revlog changes.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Epoch increases when the revlog changes in any way other than a pure
// append, such as truncation or an external rewrite.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// Inline reports whether revision data is interleaved with the index.
func (s *Snapshot) Inline() bool { return s.header&FlagInlineData != 0 }

// GeneralDelta reports whether base revisions name the delta parent.
func (s *Snapshot) GeneralDelta() bool { return s.header&FlagGeneralDelta != 0 }

// Tip returns the most recent revision, or NullRev for an empty revlog.
func (s *Snapshot) Tip() Rev { return Rev(len(s.entries)) - 1 }

// FingerprintAt returns the index fingerprint chained over the first n
// entries. Two snapshots agree on it exactly when their first n index
// entries are identical. ok is false when n is out of range.
func (s *Snapshot) FingerprintAt(n int) (fp node.Fingerprint, ok bool) {
	if n < 0 || n > len(s.entries) {
		return fp, false
	}
	if n == 0 {
		return fp, true
	}
	return s.entries[n-1].print, true
}

// Resolve maps Tip to a concrete revision and checks the range.
func (s *Snapshot) Resolve(rev Rev) (Rev, error) {
	if rev == Tip {
		rev = s.Tip()
	}
	if rev < 0 || int(rev) >= len(s.entries) {
		return NullRev, hgerr.E(hgerr.Store(s.name), hgerr.Rev(rev), hgerr.InvalidRevision)
	}
	return rev, nil
}

func (s *Snapshot) nodeOf(rev Rev) node.ID {
	if rev == NullRev {
		return node.Null
	}
	return s.entries[rev].node
}

// Node returns the identifier of rev.
func (s *Snapshot) Node(rev Rev) (node.ID, error) {
	rev, err := s.Resolve(rev)
	if err != nil {
		return node.Null, err
	}
	return s.entries[rev].node, nil
}

// Parents returns the parent revisions of rev; missing parents are NullRev.
func (s *Snapshot) Parents(rev Rev) (Rev, Rev, error) {
	rev, err := s.Resolve(rev)
	if err != nil {
		return NullRev, NullRev, err
	}
	e := &s.entries[rev]
	return e.p1, e.p2, nil
}

// LinkRev returns the owning-revlog revision that introduced rev.
func (s *Snapshot) LinkRev(rev Rev) (Rev, error) {
	rev, err := s.Resolve(rev)
	if err != nil {
		return NullRev, err
	}
	return s.entries[rev].link, nil
}

// Record returns the index data of rev without content.
func (s *Snapshot) Record(rev Rev) (*Record, error) {
	rev, err := s.Resolve(rev)
	if err != nil {
		return nil, err
	}
	return s.record(rev), nil
}

func (s *Snapshot) record(rev Rev) *Record {
	e := &s.entries[rev]
	return &Record{
		Rev:           rev,
		Node:          e.node,
		P1:            e.p1,
		P2:            e.p2,
		P1Node:        s.nodeOf(e.p1),
		P2Node:        s.nodeOf(e.p2),
		LinkRev:       e.link,
		BaseRev:       e.base,
		Offset:        e.offset,
		Flags:         e.flags,
		CompressedLen: e.compLen,
		ActualLen:     e.rawLen,
	}
}

// DeltaParent returns the revision rev's chunk is a delta against, or
// NullRev when the chunk is a full snapshot.
func (s *Snapshot) DeltaParent(rev Rev) (Rev, error) {
	rev, err := s.Resolve(rev)
	if err != nil {
		return NullRev, err
	}
	return s.deltaParent(rev), nil
}

func (s *Snapshot) deltaParent(rev Rev) Rev {
	base := s.entries[rev].base
	if base == rev || base == NullRev {
		return NullRev
	}
	if s.GeneralDelta() {
		return base
	}
	return rev - 1
}

// Chain returns the revisions whose chunks rebuild rev, starting with the
// full snapshot and ending with rev itself.
func (s *Snapshot) Chain(rev Rev) ([]Rev, error) {
	rev, err := s.Resolve(rev)
	if err != nil {
		return nil, err
	}
	chain, err := s.chain(rev, NullRev)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// chain collects rev and its delta parents, leaf first, stopping early at
// stop (which is not included). Delta parents always precede their
// children, so the walk terminates within rev+1 steps.
func (s *Snapshot) chain(rev, stop Rev) ([]Rev, error) {
	var chain []Rev
	for cur := rev; ; {
		if cur == stop {
			return chain, nil
		}
		chain = append(chain, cur)
		next := s.deltaParent(cur)
		if next == NullRev {
			return chain, nil
		}
		if next >= cur {
			return nil, hgerr.E("delta chain", hgerr.Store(s.name), hgerr.Rev(cur), hgerr.ControlFile,
				hgerr.Errorf("delta parent %d does not precede revision", next))
		}
		cur = next
	}
}

// FindRev scans the index for id, newest first. High-volume callers should
// use a node map instead.
func (s *Snapshot) FindRev(id node.ID) (Rev, error) {
	if !id.IsNull() {
		for i := len(s.entries) - 1; i >= 0; i-- {
			if s.entries[i].node == id {
				return Rev(i), nil
			}
		}
	}
	return NullRev, hgerr.E("find", hgerr.Store(s.name), id, hgerr.UnknownRevision)
}

// Heads returns the revisions that are nobody's parent.
func (s *Snapshot) Heads() []Rev {
	hasChild := make([]bool, len(s.entries))
	for _, e := range s.entries {
		if e.p1 != NullRev {
			hasChild[e.p1] = true
		}
		if e.p2 != NullRev {
			hasChild[e.p2] = true
		}
	}
	var heads []Rev
	for i, c := range hasChild {
		if !c {
			heads = append(heads, Rev(i))
		}
	}
	return heads
}

// Walk visits the index records in [start, end] in ascending order without
// reading any revision data. ctx is checked once per record.
func (s *Snapshot) Walk(ctx context.Context, start, end Rev, fn func(*Record) error) error {
	if s.Len() == 0 && start == 0 && end == Tip {
		return nil
	}
	start, end, err := s.resolveRange(start, end)
	if err != nil {
		return err
	}
	for rev := start; rev <= end; rev++ {
		if err := ctx.Err(); err != nil {
			return hgerr.E("walk", hgerr.Store(s.name), hgerr.Canceled, err)
		}
		if err := fn(s.record(rev)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshot) resolveRange(start, end Rev) (Rev, Rev, error) {
	start, err := s.Resolve(start)
	if err != nil {
		return NullRev, NullRev, err
	}
	end, err = s.Resolve(end)
	if err != nil {
		return NullRev, NullRev, err
	}
	if start > end {
		return NullRev, NullRev, hgerr.E(hgerr.Store(s.name), hgerr.Rev(start), hgerr.InvalidRevision,
			hgerr.Errorf("range start %d after end %d", start, end))
	}
	return start, end, nil
}

// dataEnd returns the logical offset just past the last chunk.
func (s *Snapshot) dataEnd() int64 {
	if len(s.entries) == 0 {
		return 0
	}
	last := &s.entries[len(s.entries)-1]
	return last.offset + int64(last.compLen)
}
