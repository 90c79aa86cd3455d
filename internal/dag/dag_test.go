package dag

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/nodemap"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type history struct {
	r   *revlog.Revlog
	ids []node.ID
}

func newHistory(t *testing.T) *history {
	t.Helper()
	r, err := revlog.Open(t.TempDir(), "graph", revlog.Options{Logger: quietLogger()})
	require.NoError(t, err)
	return &history{r: r}
}

// add appends a revision with the given parent revisions (-1 for none).
func (h *history) add(t *testing.T, p1, p2 int) node.ID {
	t.Helper()
	pid := func(p int) node.ID {
		if p < 0 {
			return node.Null
		}
		return h.ids[p]
	}
	rev := len(h.ids)
	_, id, err := h.r.Append([]byte(fmt.Sprintf("revision %d\n", rev)), pid(p1), pid(p2), revlog.Rev(rev))
	require.NoError(t, err)
	h.ids = append(h.ids, id)
	return id
}

func (h *history) graph(t *testing.T) *Graph {
	t.Helper()
	g, err := Build(context.Background(), h.r.Snapshot(), nil)
	require.NoError(t, err)
	return g
}

// randomHistory builds n revisions whose parents are chosen at random
// among earlier ones, with occasional merges and new roots.
func randomHistory(t *testing.T, seed int64, n int) *history {
	h := newHistory(t)
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		p1, p2 := -1, -1
		if i > 0 && rng.Intn(20) != 0 {
			p1 = rng.Intn(i)
			if i > 1 && rng.Intn(4) == 0 {
				p2 = rng.Intn(i)
				if p2 == p1 {
					p2 = -1
				}
			}
		}
		h.add(t, p1, p2)
	}
	return h
}

func bruteAncestors(g *Graph, rev revlog.Rev) map[revlog.Rev]bool {
	set := map[revlog.Rev]bool{}
	stack := []revlog.Rev{rev}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == revlog.NullRev || set[cur] {
			continue
		}
		set[cur] = true
		stack = append(stack, g.p1[cur], g.p2[cur])
	}
	return set
}

func bruteLCA(g *Graph, a, b revlog.Rev) revlog.Rev {
	aa, bb := bruteAncestors(g, a), bruteAncestors(g, b)
	best := revlog.NullRev
	for rev := range aa {
		if bb[rev] && rev > best {
			best = rev
		}
	}
	return best
}

func TestMergeCommonAncestor(t *testing.T) {
	h := newHistory(t)
	r0 := h.add(t, -1, -1)
	r1 := h.add(t, 0, -1)
	r2 := h.add(t, 0, -1)
	r3 := h.add(t, 1, 2)
	g := h.graph(t)

	lca, err := g.LowestCommonAncestor(r1, r2)
	require.NoError(t, err)
	assert.Equal(t, r0, lca)
	lca, err = g.LowestCommonAncestor(r2, r1)
	require.NoError(t, err)
	assert.Equal(t, r0, lca)

	p1, err := g.FirstParent(r3)
	require.NoError(t, err)
	assert.Equal(t, r1, p1)
	p2, err := g.SecondParent(r3)
	require.NoError(t, err)
	assert.Equal(t, r2, p2)
	p2, err = g.SecondParent(r1)
	require.NoError(t, err)
	assert.True(t, p2.IsNull())

	assert.Equal(t, []node.ID{r3}, g.Heads())
	assert.Equal(t, []node.ID{r0}, g.Roots())

	children, err := g.DirectChildren(r0)
	require.NoError(t, err)
	assert.Equal(t, []node.ID{r1, r2}, children)
	children, err = g.DirectChildren(r3)
	require.NoError(t, err)
	assert.Empty(t, children)

	ok, err := g.IsDescendant(r0, r3)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.IsDescendant(r1, r2)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = g.IsDescendant(r3, r0)
	require.NoError(t, err)
	assert.False(t, ok)

	anc, err := g.Ancestors(r3)
	require.NoError(t, err)
	assert.Equal(t, []node.ID{r0, r1, r2}, anc)
	desc, err := g.Descendants(r1)
	require.NoError(t, err)
	assert.Equal(t, []node.ID{r3}, desc)

	lca, err = g.LowestCommonAncestor(r3, r3)
	require.NoError(t, err)
	assert.Equal(t, r3, lca)
}

func TestDisjointHistories(t *testing.T) {
	h := newHistory(t)
	a := h.add(t, -1, -1)
	b := h.add(t, -1, -1)
	g := h.graph(t)
	lca, err := g.LowestCommonAncestor(a, b)
	require.NoError(t, err)
	assert.True(t, lca.IsNull())
	assert.Len(t, g.Roots(), 2)
	assert.Len(t, g.Heads(), 2)
}

func TestUnknownIdentifier(t *testing.T) {
	h := newHistory(t)
	h.add(t, -1, -1)
	g := h.graph(t)
	missing := node.Hash(node.Null, node.Null, []byte("missing"))

	_, err := g.FirstParent(missing)
	assert.True(t, hgerr.Is(hgerr.UnknownRevision, err))
	_, err = g.DirectChildren(node.Null)
	assert.True(t, hgerr.Is(hgerr.UnknownRevision, err))
	_, err = g.LowestCommonAncestor(h.ids[0], missing)
	assert.True(t, hgerr.Is(hgerr.UnknownRevision, err))
	_, _, err = g.ParentRevs(4)
	assert.True(t, hgerr.Is(hgerr.InvalidRevision, err))
}

func TestGraphProperties(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			h := randomHistory(t, seed, 150)
			g := h.graph(t)
			n := g.Len()

			hasChild := make([]bool, n)
			for i := 0; i < n; i++ {
				p1, p2, err := g.ParentRevs(revlog.Rev(i))
				require.NoError(t, err)
				assert.Less(t, int(p1), i)
				assert.Less(t, int(p2), i)
				if p1 >= 0 {
					hasChild[p1] = true
				}
				if p2 >= 0 {
					hasChild[p2] = true
				}
			}
			heads := map[revlog.Rev]bool{}
			for _, rev := range g.HeadRevs() {
				heads[rev] = true
			}
			for i := 0; i < n; i++ {
				assert.Equal(t, !hasChild[i], heads[revlog.Rev(i)], "rev %d", i)
			}

			rng := rand.New(rand.NewSource(seed * 31))
			for k := 0; k < 300; k++ {
				a, b := revlog.Rev(rng.Intn(n)), revlog.Rev(rng.Intn(n))
				got := g.AncestorRev(a, b)
				assert.Equal(t, got, g.AncestorRev(b, a), "symmetry %d %d", a, b)
				assert.Equal(t, bruteLCA(g, a, b), got, "lca %d %d", a, b)
				if got != revlog.NullRev {
					assert.True(t, bruteAncestors(g, a)[got])
					assert.True(t, bruteAncestors(g, b)[got])
				}
				desc := a != b && bruteAncestors(g, b)[a]
				assert.Equal(t, desc, g.isDescendantRev(a, b), "descendant %d %d", a, b)
			}
		})
	}
}

func TestExtendMatchesBuild(t *testing.T) {
	h := randomHistory(t, 9, 60)
	old := h.graph(t)
	oldHeads := old.HeadRevs()

	rng := rand.New(rand.NewSource(10))
	for i := 0; i < 40; i++ {
		n := len(h.ids)
		h.add(t, rng.Intn(n), -1)
	}
	snap := h.r.Snapshot()
	require.False(t, old.Current(snap))

	extended, err := old.Extend(context.Background(), snap, nil)
	require.NoError(t, err)
	rebuilt, err := Build(context.Background(), snap, nil)
	require.NoError(t, err)

	assert.True(t, extended.Current(snap))
	assert.Equal(t, rebuilt.HeadRevs(), extended.HeadRevs())
	assert.Equal(t, rebuilt.p1, extended.p1)
	assert.Equal(t, rebuilt.p2, extended.p2)
	for i := 0; i < 60; i++ {
		assert.Equal(t, rebuilt.hasChildren.has(i), extended.hasChildren.has(i))
	}
	assert.Equal(t, oldHeads, old.HeadRevs(), "old graph unchanged")
}

func TestExtendSharesNodeMap(t *testing.T) {
	h := randomHistory(t, 4, 20)
	nodes, err := nodemap.Build(context.Background(), h.r.Snapshot())
	require.NoError(t, err)
	g, err := Build(context.Background(), h.r.Snapshot(), nodes)
	require.NoError(t, err)
	assert.Same(t, nodes, g.Nodes())
}

func TestBuildCanceled(t *testing.T) {
	h := randomHistory(t, 5, 10)
	nodes, err := nodemap.Build(context.Background(), h.r.Snapshot())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, err := Build(ctx, h.r.Snapshot(), nodes)
	assert.Nil(t, g)
	assert.True(t, hgerr.Is(hgerr.Canceled, err))
}

func TestBitsetHighest(t *testing.T) {
	b := newBitset(200)
	assert.Equal(t, -1, b.highest(199))
	for _, i := range []int{0, 63, 64, 130} {
		b.set(i)
	}
	assert.Equal(t, 130, b.highest(199))
	assert.Equal(t, 130, b.highest(130))
	assert.Equal(t, 64, b.highest(129))
	assert.Equal(t, 63, b.highest(63))
	assert.Equal(t, 0, b.highest(62))
	assert.Equal(t, -1, b.highest(-1))
	assert.Equal(t, 4, b.count())
	assert.Equal(t, -1, bitset(nil).highest(10))
}
