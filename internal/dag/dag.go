// Package dag answers parent, child, ancestry and head queries over the
// revision graph of one revlog snapshot without re-reading the revlog.
package dag

import (
	"context"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/nodemap"
	"github.com/javanhut/hgstore/internal/revlog"
)

// Graph is the parent/child index of a revlog snapshot. It is immutable;
// Extend returns a new Graph.
type Graph struct {
	store      string
	generation uint64
	epoch      uint64

	nodes *nodemap.Map
	p1    []revlog.Rev
	p2    []revlog.Rev

	hasChildren bitset
	heads       []revlog.Rev
}

// Build scans snap once, recording parent links and which revisions have
// children. nodes may be nil or stale; it is brought up to date with snap.
// ctx is checked once per revision and a canceled build publishes nothing.
func Build(ctx context.Context, snap *revlog.Snapshot, nodes *nodemap.Map) (*Graph, error) {
	timer := revlog.IndexBuildTimer("dag", "full")
	defer timer.ObserveDuration()
	nodes, err := currentNodes(ctx, snap, nodes)
	if err != nil {
		return nil, err
	}
	base := &Graph{store: snap.Name(), epoch: snap.Epoch()}
	return grow(ctx, base, snap, nodes)
}

func currentNodes(ctx context.Context, snap *revlog.Snapshot, nodes *nodemap.Map) (*nodemap.Map, error) {
	if nodes == nil {
		return nodemap.Build(ctx, snap)
	}
	return nodes.Extend(ctx, snap)
}

// Extend returns a graph covering snap. After a pure append only the new
// revisions are scanned; the previous head set is the starting point so
// revisions already known to have children are not examined again. Any
// other change rebuilds the graph.
func (g *Graph) Extend(ctx context.Context, snap *revlog.Snapshot, nodes *nodemap.Map) (*Graph, error) {
	if g.Current(snap) {
		return g, nil
	}
	if g.epoch != snap.Epoch() || len(g.p1) > snap.Len() {
		return Build(ctx, snap, nodes)
	}
	timer := revlog.IndexBuildTimer("dag", "extend")
	defer timer.ObserveDuration()
	if nodes == nil {
		nodes = g.nodes
	}
	nodes, err := currentNodes(ctx, snap, nodes)
	if err != nil {
		return nil, err
	}
	return grow(ctx, g, snap, nodes)
}

func grow(ctx context.Context, base *Graph, snap *revlog.Snapshot, nodes *nodemap.Map) (*Graph, error) {
	from := len(base.p1)
	n := snap.Len()
	g := &Graph{
		store:       snap.Name(),
		generation:  snap.Generation(),
		epoch:       snap.Epoch(),
		nodes:       nodes,
		p1:          make([]revlog.Rev, from, n),
		p2:          make([]revlog.Rev, from, n),
		hasChildren: base.hasChildren.grow(n),
	}
	copy(g.p1, base.p1)
	copy(g.p2, base.p2)

	for rev := revlog.Rev(from); int(rev) < n; rev++ {
		if err := ctx.Err(); err != nil {
			return nil, hgerr.E("build dag", hgerr.Store(snap.Name()), hgerr.Canceled, err)
		}
		p1, p2, err := snap.Parents(rev)
		if err != nil {
			return nil, err
		}
		g.p1 = append(g.p1, p1)
		g.p2 = append(g.p2, p2)
		if p1 != revlog.NullRev {
			g.hasChildren.set(int(p1))
		}
		if p2 != revlog.NullRev {
			g.hasChildren.set(int(p2))
		}
	}

	for _, h := range base.heads {
		if !g.hasChildren.has(int(h)) {
			g.heads = append(g.heads, h)
		}
	}
	for rev := from; rev < n; rev++ {
		if !g.hasChildren.has(rev) {
			g.heads = append(g.heads, revlog.Rev(rev))
		}
	}
	return g, nil
}

// Current reports whether g was built from a snapshot with the same
// generation and epoch as snap.
func (g *Graph) Current(snap *revlog.Snapshot) bool {
	return g.generation == snap.Generation() && g.epoch == snap.Epoch() && len(g.p1) == snap.Len()
}

// Generation returns the generation of the snapshot g was built from.
func (g *Graph) Generation() uint64 { return g.generation }

// Len returns the number of revisions in the graph.
func (g *Graph) Len() int { return len(g.p1) }

// Nodes returns the identifier index the graph uses.
func (g *Graph) Nodes() *nodemap.Map { return g.nodes }

func (g *Graph) rev(id node.ID) (revlog.Rev, error) {
	return g.nodes.Rev(id)
}

func (g *Graph) id(rev revlog.Rev) node.ID {
	if rev == revlog.NullRev {
		return node.Null
	}
	return g.nodes.Nodes()[rev]
}

func (g *Graph) ids(revs []revlog.Rev) []node.ID {
	out := make([]node.ID, len(revs))
	for i, rev := range revs {
		out[i] = g.id(rev)
	}
	return out
}

func (g *Graph) checkRev(rev revlog.Rev) error {
	if rev < 0 || int(rev) >= len(g.p1) {
		return hgerr.E(hgerr.Store(g.store), hgerr.Rev(rev), hgerr.InvalidRevision)
	}
	return nil
}

// FirstParent returns the first parent of id, or the null id.
func (g *Graph) FirstParent(id node.ID) (node.ID, error) {
	rev, err := g.rev(id)
	if err != nil {
		return node.Null, err
	}
	return g.id(g.p1[rev]), nil
}

// SecondParent returns the second parent of id, or the null id.
func (g *Graph) SecondParent(id node.ID) (node.ID, error) {
	rev, err := g.rev(id)
	if err != nil {
		return node.Null, err
	}
	return g.id(g.p2[rev]), nil
}

// ParentRevs returns the parent revisions of rev.
func (g *Graph) ParentRevs(rev revlog.Rev) (revlog.Rev, revlog.Rev, error) {
	if err := g.checkRev(rev); err != nil {
		return revlog.NullRev, revlog.NullRev, err
	}
	return g.p1[rev], g.p2[rev], nil
}

// DirectChildren returns the revisions that name id as a parent, in
// revision order.
func (g *Graph) DirectChildren(id node.ID) ([]node.ID, error) {
	rev, err := g.rev(id)
	if err != nil {
		return nil, err
	}
	return g.ids(g.childRevs(rev)), nil
}

func (g *Graph) childRevs(rev revlog.Rev) []revlog.Rev {
	if !g.hasChildren.has(int(rev)) {
		return nil
	}
	var out []revlog.Rev
	for i := int(rev) + 1; i < len(g.p1); i++ {
		if g.p1[i] == rev || g.p2[i] == rev {
			out = append(out, revlog.Rev(i))
		}
	}
	return out
}

// IsDescendant reports whether candidate is a strict descendant of root.
func (g *Graph) IsDescendant(root, candidate node.ID) (bool, error) {
	r, err := g.rev(root)
	if err != nil {
		return false, err
	}
	c, err := g.rev(candidate)
	if err != nil {
		return false, err
	}
	return g.isDescendantRev(r, c), nil
}

func (g *Graph) isDescendantRev(root, candidate revlog.Rev) bool {
	// Parents precede children, so nothing at or before root descends
	// from it.
	if candidate <= root || !g.hasChildren.has(int(root)) {
		return false
	}
	reach := newBitset(int(candidate) + 1)
	reach.set(int(root))
	for i := int(root) + 1; i < int(candidate); i++ {
		if g.reaches(reach, revlog.Rev(i)) {
			reach.set(i)
		}
	}
	return g.reaches(reach, candidate)
}

func (g *Graph) reaches(set bitset, rev revlog.Rev) bool {
	p1, p2 := g.p1[rev], g.p2[rev]
	return (p1 != revlog.NullRev && set.has(int(p1))) || (p2 != revlog.NullRev && set.has(int(p2)))
}

// Heads returns the revisions without children, in revision order.
func (g *Graph) Heads() []node.ID {
	return g.ids(g.HeadRevs())
}

// HeadRevs is Heads returning revision indices.
func (g *Graph) HeadRevs() []revlog.Rev {
	return append([]revlog.Rev(nil), g.heads...)
}

// Roots returns the revisions without parents, in revision order.
func (g *Graph) Roots() []node.ID {
	var roots []revlog.Rev
	for rev := range g.p1 {
		if g.p1[rev] == revlog.NullRev && g.p2[rev] == revlog.NullRev {
			roots = append(roots, revlog.Rev(rev))
		}
	}
	return g.ids(roots)
}

// ancestors returns the set of rev and all its ancestors.
func (g *Graph) ancestors(rev revlog.Rev) bitset {
	set := newBitset(int(rev) + 1)
	set.set(int(rev))
	for i := int(rev); i >= 0; i-- {
		if !set.has(i) {
			continue
		}
		if p := g.p1[i]; p != revlog.NullRev {
			set.set(int(p))
		}
		if p := g.p2[i]; p != revlog.NullRev {
			set.set(int(p))
		}
	}
	return set
}

// Ancestors returns the strict ancestors of id in revision order.
func (g *Graph) Ancestors(id node.ID) ([]node.ID, error) {
	rev, err := g.rev(id)
	if err != nil {
		return nil, err
	}
	set := g.ancestors(rev)
	var out []revlog.Rev
	for i := 0; i < int(rev); i++ {
		if set.has(i) {
			out = append(out, revlog.Rev(i))
		}
	}
	return g.ids(out), nil
}

// Descendants returns the strict descendants of id in revision order.
func (g *Graph) Descendants(id node.ID) ([]node.ID, error) {
	rev, err := g.rev(id)
	if err != nil {
		return nil, err
	}
	if !g.hasChildren.has(int(rev)) {
		return nil, nil
	}
	reach := newBitset(len(g.p1))
	reach.set(int(rev))
	var out []revlog.Rev
	for i := int(rev) + 1; i < len(g.p1); i++ {
		if g.reaches(reach, revlog.Rev(i)) {
			reach.set(i)
			out = append(out, revlog.Rev(i))
		}
	}
	return g.ids(out), nil
}

// LowestCommonAncestor returns a common ancestor of a and b that is not an
// ancestor of any other common ancestor, or the null id when the two
// share no history. Among several such candidates the one with the
// highest revision index is chosen, which makes the result independent of
// argument order.
func (g *Graph) LowestCommonAncestor(a, b node.ID) (node.ID, error) {
	ra, err := g.rev(a)
	if err != nil {
		return node.Null, err
	}
	rb, err := g.rev(b)
	if err != nil {
		return node.Null, err
	}
	return g.id(g.AncestorRev(ra, rb)), nil
}

// AncestorRev is LowestCommonAncestor over revision indices. It returns
// revlog.NullRev when there is no common ancestor or either revision is
// out of range.
func (g *Graph) AncestorRev(a, b revlog.Rev) revlog.Rev {
	if g.checkRev(a) != nil || g.checkRev(b) != nil {
		return revlog.NullRev
	}
	if a == b {
		return a
	}
	common := g.ancestors(a)
	common.and(g.ancestors(b))
	// Every common ancestor is at or below the smaller input, and a
	// member with the highest index cannot be an ancestor of another
	// member.
	limit := a
	if b < limit {
		limit = b
	}
	return revlog.Rev(common.highest(int(limit)))
}
