// Package nodemap maps revision identifiers to revision indices for one
// revlog snapshot.
//
// A Map holds the identifiers in natural (revision) order, a sorted copy
// for binary search and, for each sorted position, the natural index it
// came from. Maps are immutable once built; Extend returns a new Map that
// shares nothing mutable with the old one.
package nodemap

import (
	"context"
	"sort"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/revlog"
)

// Map is the identifier index of one revlog snapshot.
type Map struct {
	store      string
	generation uint64
	epoch      uint64
	// print is the index fingerprint of the revisions the map covers.
	print node.Fingerprint

	natural []node.ID
	sorted  []node.ID
	reverse []revlog.Rev
}

// Build scans snap once and indexes every identifier. ctx is checked once
// per revision; a canceled build returns no map.
func Build(ctx context.Context, snap *revlog.Snapshot) (*Map, error) {
	timer := revlog.IndexBuildTimer("nodemap", "full")
	defer timer.ObserveDuration()
	return grow(ctx, empty(snap), snap)
}

func empty(snap *revlog.Snapshot) *Map {
	return &Map{store: snap.Name(), epoch: snap.Epoch()}
}

// Extend returns a map covering snap. When snap only appended revisions to
// the snapshot m was built from, just the new revisions are read and merged
// into the sorted order. Any other change rebuilds from scratch.
func (m *Map) Extend(ctx context.Context, snap *revlog.Snapshot) (*Map, error) {
	switch {
	case m.Current(snap):
		return m, nil
	case m.epoch != snap.Epoch() || len(m.natural) > snap.Len():
		return Build(ctx, snap)
	}
	timer := revlog.IndexBuildTimer("nodemap", "extend")
	defer timer.ObserveDuration()
	return grow(ctx, m, snap)
}

// grow returns a copy of base extended with the revisions of snap after
// base's last one.
func grow(ctx context.Context, base *Map, snap *revlog.Snapshot) (*Map, error) {
	from := len(base.natural)
	n := snap.Len()

	natural := make([]node.ID, from, n)
	copy(natural, base.natural)
	added := make([]revlog.Rev, 0, n-from)
	for rev := revlog.Rev(from); int(rev) < n; rev++ {
		if err := ctx.Err(); err != nil {
			return nil, hgerr.E("build nodemap", hgerr.Store(snap.Name()), hgerr.Canceled, err)
		}
		id, err := snap.Node(rev)
		if err != nil {
			return nil, err
		}
		natural = append(natural, id)
		added = append(added, rev)
	}
	sort.SliceStable(added, func(i, j int) bool {
		return natural[added[i]].Compare(natural[added[j]]) < 0
	})

	indexPrint, _ := snap.FingerprintAt(n)
	m := &Map{
		store:      snap.Name(),
		generation: snap.Generation(),
		epoch:      snap.Epoch(),
		print:      indexPrint,
		natural:    natural,
		sorted:     make([]node.ID, 0, n),
		reverse:    make([]revlog.Rev, 0, n),
	}
	// Merge the old sorted order with the sorted new revisions. On equal
	// ids the older revision comes first.
	i, j := 0, 0
	for i < len(base.sorted) || j < len(added) {
		if j == len(added) || (i < len(base.sorted) && base.sorted[i].Compare(natural[added[j]]) <= 0) {
			m.sorted = append(m.sorted, base.sorted[i])
			m.reverse = append(m.reverse, base.reverse[i])
			i++
			continue
		}
		m.sorted = append(m.sorted, natural[added[j]])
		m.reverse = append(m.reverse, added[j])
		j++
	}
	return m, nil
}

// Current reports whether m was built from a snapshot with the same
// generation and epoch as snap.
func (m *Map) Current(snap *revlog.Snapshot) bool {
	return m.generation == snap.Generation() && m.epoch == snap.Epoch() && len(m.natural) == snap.Len()
}

// Store returns the name of the revlog the map indexes.
func (m *Map) Store() string { return m.store }

// Generation returns the generation of the snapshot the map was built from.
func (m *Map) Generation() uint64 { return m.generation }

// Epoch returns the epoch of the snapshot the map was built from.
func (m *Map) Epoch() uint64 { return m.epoch }

// Len returns the number of indexed revisions.
func (m *Map) Len() int { return len(m.natural) }

// Lookup returns the revision index of id. The null id is never found.
func (m *Map) Lookup(id node.ID) (revlog.Rev, bool) {
	if id.IsNull() {
		return revlog.NullRev, false
	}
	i := sort.Search(len(m.sorted), func(i int) bool {
		return m.sorted[i].Compare(id) >= 0
	})
	if i < len(m.sorted) && m.sorted[i] == id {
		return m.reverse[i], true
	}
	return revlog.NullRev, false
}

// Rev is Lookup returning an UnknownRevision error for missing ids.
func (m *Map) Rev(id node.ID) (revlog.Rev, error) {
	rev, ok := m.Lookup(id)
	if !ok {
		return revlog.NullRev, hgerr.E("lookup", hgerr.Store(m.store), id, hgerr.UnknownRevision)
	}
	return rev, nil
}

// Node returns the identifier of rev. revlog.Tip names the last revision.
func (m *Map) Node(rev revlog.Rev) (node.ID, error) {
	if rev == revlog.Tip {
		rev = revlog.Rev(len(m.natural) - 1)
	}
	if rev < 0 || int(rev) >= len(m.natural) {
		return node.Null, hgerr.E(hgerr.Store(m.store), hgerr.Rev(rev), hgerr.InvalidRevision)
	}
	return m.natural[rev], nil
}

// Nodes returns the identifiers in revision order. The slice must not be
// modified.
func (m *Map) Nodes() []node.ID { return m.natural }
