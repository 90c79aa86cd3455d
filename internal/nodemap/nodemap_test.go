package nodemap

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
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

func newStore(t *testing.T) *revlog.Revlog {
	t.Helper()
	r, err := revlog.Open(t.TempDir(), "nodes", revlog.Options{Logger: quietLogger()})
	require.NoError(t, err)
	return r
}

func appendN(t *testing.T, r *revlog.Revlog, from, n int) {
	t.Helper()
	parent := node.Null
	if r.Len() > 0 {
		id, err := r.Snapshot().Node(revlog.Tip)
		require.NoError(t, err)
		parent = id
	}
	for i := from; i < from+n; i++ {
		_, id, err := r.Append([]byte(fmt.Sprintf("revision %d\n", i)), parent, node.Null, revlog.Rev(i))
		require.NoError(t, err)
		parent = id
	}
}

func assertBijection(t *testing.T, m *Map, snap *revlog.Snapshot) {
	t.Helper()
	require.Equal(t, snap.Len(), m.Len())
	for rev := revlog.Rev(0); int(rev) < snap.Len(); rev++ {
		id, err := m.Node(rev)
		require.NoError(t, err)
		want, err := snap.Node(rev)
		require.NoError(t, err)
		assert.Equal(t, want, id)

		got, ok := m.Lookup(id)
		require.True(t, ok, "rev %d", rev)
		assert.Equal(t, rev, got)
	}
	_, ok := m.Lookup(node.Null)
	assert.False(t, ok)
}

func TestBuildBijection(t *testing.T) {
	r := newStore(t)
	appendN(t, r, 0, 200)
	snap := r.Snapshot()

	m, err := Build(context.Background(), snap)
	require.NoError(t, err)
	assertBijection(t, m, snap)
	assert.True(t, m.Current(snap))

	_, err = m.Rev(node.Hash(node.Null, node.Null, []byte("absent")))
	assert.True(t, hgerr.Is(hgerr.UnknownRevision, err))
	_, err = m.Node(200)
	assert.True(t, hgerr.Is(hgerr.InvalidRevision, err))
	tip, err := m.Node(revlog.Tip)
	require.NoError(t, err)
	assert.Equal(t, m.Nodes()[199], tip)
}

func TestBuildEmpty(t *testing.T) {
	r := newStore(t)
	m, err := Build(context.Background(), r.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Lookup(node.Hash(node.Null, node.Null, nil))
	assert.False(t, ok)
}

func TestExtendAfterAppend(t *testing.T) {
	r := newStore(t)
	appendN(t, r, 0, 50)
	old, err := Build(context.Background(), r.Snapshot())
	require.NoError(t, err)

	appendN(t, r, 50, 75)
	snap := r.Snapshot()
	assert.False(t, old.Current(snap))

	m, err := old.Extend(context.Background(), snap)
	require.NoError(t, err)
	assertBijection(t, m, snap)
	assert.Equal(t, snap.Generation(), m.Generation())

	// The old map still describes its own snapshot.
	assert.Equal(t, 50, old.Len())
	_, ok := old.Lookup(m.Nodes()[60])
	assert.False(t, ok)

	same, err := m.Extend(context.Background(), snap)
	require.NoError(t, err)
	assert.Same(t, m, same)
}

func TestExtendAfterRewriteRebuilds(t *testing.T) {
	dir := t.TempDir()
	r, err := revlog.Open(dir, "nodes", revlog.Options{Logger: quietLogger()})
	require.NoError(t, err)
	appendN(t, r, 0, 10)
	old, err := Build(context.Background(), r.Snapshot())
	require.NoError(t, err)

	require.NoError(t, r.Remove())
	appendN(t, r, 100, 4)
	snap := r.Snapshot()
	require.NotEqual(t, old.Epoch(), snap.Epoch())

	m, err := old.Extend(context.Background(), snap)
	require.NoError(t, err)
	assertBijection(t, m, snap)
	_, ok := m.Lookup(old.Nodes()[0])
	assert.False(t, ok)
}

func TestBuildCanceled(t *testing.T) {
	r := newStore(t)
	appendN(t, r, 0, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := Build(ctx, r.Snapshot())
	assert.Nil(t, m)
	assert.True(t, hgerr.Is(hgerr.Canceled, err))
}

func TestCacheRoundTrip(t *testing.T) {
	r := newStore(t)
	appendN(t, r, 0, 40)
	cache, err := OpenCache(filepath.Join(t.TempDir(), "nodemap.db"), quietLogger())
	require.NoError(t, err)
	defer cache.Close()

	m, used, err := cache.Load(context.Background(), r.Snapshot())
	require.NoError(t, err)
	assert.False(t, used)
	require.NoError(t, cache.Save(m))

	loaded, used, err := cache.Load(context.Background(), r.Snapshot())
	require.NoError(t, err)
	assert.True(t, used)
	assertBijection(t, loaded, r.Snapshot())
	assert.True(t, loaded.Current(r.Snapshot()))

	// A cached prefix is extended.
	appendN(t, r, 40, 10)
	loaded, used, err = cache.Load(context.Background(), r.Snapshot())
	require.NoError(t, err)
	assert.True(t, used)
	assertBijection(t, loaded, r.Snapshot())
}

func TestCacheMismatchIsDiscarded(t *testing.T) {
	r := newStore(t)
	appendN(t, r, 0, 20)
	cache, err := OpenCache(filepath.Join(t.TempDir(), "nodemap.db"), quietLogger())
	require.NoError(t, err)
	defer cache.Close()

	m, err := Build(context.Background(), r.Snapshot())
	require.NoError(t, err)
	require.NoError(t, cache.Save(m))

	require.NoError(t, r.Remove())
	appendN(t, r, 500, 25)
	loaded, used, err := cache.Load(context.Background(), r.Snapshot())
	require.NoError(t, err)
	assert.False(t, used)
	assertBijection(t, loaded, r.Snapshot())
}

func TestCacheRejectsRewriteBelowTip(t *testing.T) {
	r := newStore(t)
	_, a, err := r.Append([]byte("a\n"), node.Null, node.Null, 0)
	require.NoError(t, err)
	_, b, err := r.Append([]byte("b\n"), a, node.Null, 1)
	require.NoError(t, err)
	_, c, err := r.Append([]byte("c\n"), a, node.Null, 2)
	require.NoError(t, err)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "nodemap.db"), quietLogger())
	require.NoError(t, err)
	defer cache.Close()
	m, err := Build(context.Background(), r.Snapshot())
	require.NoError(t, err)
	require.NoError(t, cache.Save(m))
	before, ok := r.Snapshot().FingerprintAt(3)
	require.True(t, ok)

	// Replace the middle revision; the tip keeps its node id.
	require.NoError(t, r.Remove())
	_, _, err = r.Append([]byte("a\n"), node.Null, node.Null, 0)
	require.NoError(t, err)
	_, b2, err := r.Append([]byte("b rewritten\n"), a, node.Null, 1)
	require.NoError(t, err)
	_, c2, err := r.Append([]byte("c\n"), a, node.Null, 2)
	require.NoError(t, err)
	require.Equal(t, c, c2)

	snap := r.Snapshot()
	after, ok := snap.FingerprintAt(3)
	require.True(t, ok)
	assert.NotEqual(t, before, after)
	assert.Equal(t, before, m.print)

	loaded, used, err := cache.Load(context.Background(), snap)
	require.NoError(t, err)
	assert.False(t, used)
	assertBijection(t, loaded, snap)
	_, ok = loaded.Lookup(b)
	assert.False(t, ok, "removed revision must not resolve")
	rev, ok := loaded.Lookup(b2)
	require.True(t, ok)
	assert.Equal(t, revlog.Rev(1), rev)
}
