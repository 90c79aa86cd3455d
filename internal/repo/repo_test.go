package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/javanhut/hgstore/internal/bundle"
	"github.com/javanhut/hgstore/internal/config"
	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/nodemap"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Log.Level = logrus.PanicLevel.String()
	return cfg
}

func initRepo(t *testing.T, cfg *config.Config) *Repo {
	t.Helper()
	r, err := Init(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func tipNode(t *testing.T, rl *revlog.Revlog) node.ID {
	t.Helper()
	if rl.Len() == 0 {
		return node.Null
	}
	id, err := rl.Snapshot().Node(revlog.Tip)
	require.NoError(t, err)
	return id
}

// commit appends one changeset touching files, each file revision
// descending from that file's previous tip.
func commit(t *testing.T, r *Repo, files map[string]string) node.ID {
	t.Helper()
	link := revlog.Rev(r.Changelog().Len())
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var manifest bytes.Buffer
	for _, name := range names {
		fl, err := r.File(name)
		require.NoError(t, err)
		_, id, err := fl.Append([]byte(files[name]), tipNode(t, fl), node.Null, link)
		require.NoError(t, err)
		fmt.Fprintf(&manifest, "%s\x00%s\n", name, id)
	}
	_, mid, err := r.Manifest().Append(manifest.Bytes(), tipNode(t, r.Manifest()), node.Null, link)
	require.NoError(t, err)
	text := fmt.Sprintf("%s\ntest\n0 0\n%v\n\ncommit %d", mid, names, link)
	_, id, err := r.Changelog().Append([]byte(text), tipNode(t, r.Changelog()), node.Null, link)
	require.NoError(t, err)
	return id
}

func TestEncodePath(t *testing.T) {
	cases := []struct {
		path      string
		dotencode bool
		want      string
	}{
		{"a.txt", false, "data/a.txt"},
		{"Foo_bar.TXT", false, "data/_foo__bar._t_x_t"},
		{"dir.i/x", false, "data/dir.i.hg/x"},
		{"dir.d/x", false, "data/dir.d.hg/x"},
		{"sub.hg/x", false, "data/sub.hg.hg/x"},
		{"what?.c", false, "data/what~3f.c"},
		{"tab\there", false, "data/tab~09here"},
		{".hgtags", true, "data/~2ehgtags"},
		{"aux.c", true, "data/au~78.c"},
		{"com1", true, "data/co~6d1"},
		{"com0", true, "data/com0"},
		{"dir/trailing.", true, "data/dir/trailing~2e"},
		{".hgtags", false, "data/.hgtags"},
	}
	for _, c := range cases {
		got := EncodePath(c.path, c.dotencode)
		assert.Equal(t, c.want, got, c.path)
		back, err := DecodePath(got)
		require.NoError(t, err, c.path)
		assert.Equal(t, c.path, back, c.path)
	}
}

func TestDecodePathRejectsGarbage(t *testing.T) {
	for _, name := range []string{"data/_", "data/_1", "data/~zz", "data/~4", "00changelog"} {
		_, err := DecodePath(name)
		assert.Error(t, err, name)
	}
}

func TestInitAndOpen(t *testing.T) {
	cfg := testConfig()
	root := t.TempDir()
	r, err := Init(root, cfg)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(filepath.Join(root, ".hg", "requires"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "generaldelta\n")

	_, err = Init(root, cfg)
	assert.Error(t, err, "second init")

	r, err = Open(root, cfg)
	require.NoError(t, err)
	defer r.Close()
	want := append([]string(nil), DefaultRequirements...)
	sort.Strings(want)
	assert.Equal(t, want, r.Requirements())
	assert.Equal(t, 0, r.Changelog().Len())
	assert.Equal(t, ChangelogName, r.Changelog().Name())
	assert.Equal(t, ManifestName, r.Manifest().Name())
}

func TestOpenRejectsUnknownRequirement(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hg", "requires"), []byte("revlogv1\ntreemanifest\n"), 0644))
	_, err := Open(root, testConfig())
	require.Error(t, err)
	assert.True(t, hgerr.Is(hgerr.ControlFile, err))

	_, err = Open(t.TempDir(), testConfig())
	assert.True(t, hgerr.Is(hgerr.ControlFile, err), "no .hg directory")
}

func TestOpenLoadsRepositoryConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	r := initRepo(t, testConfig())
	require.NoError(t, config.SetInFile(config.RepoPath(r.Root()), "revlog.compression", "zstd"))

	reopened, err := Open(r.Root(), nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "zstd", reopened.Config().Revlog.Compression)
}

func TestFilesFromFncache(t *testing.T) {
	r := initRepo(t, testConfig())
	commit(t, r, map[string]string{"a.txt": "a\n", "Dir/B.txt": "b\n"})
	commit(t, r, map[string]string{"a.txt": "a2\n", ".hgtags": "tags\n"})

	// Opening a revlog that is never written does not list it.
	_, err := r.File("never.txt")
	require.NoError(t, err)

	files, err := r.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{".hgtags", "Dir/B.txt", "a.txt"}, files)

	fnc, err := os.ReadFile(filepath.Join(r.storeDir, "fncache"))
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(fnc, []byte("data/a.txt.i\n")), "fncache entries are not repeated")

	reopened, err := Open(r.Root(), testConfig())
	require.NoError(t, err)
	defer reopened.Close()
	again, err := reopened.Files()
	require.NoError(t, err)
	assert.Equal(t, files, again)

	_, err = r.File("/abs")
	assert.Error(t, err)
}

func TestFilesWithoutFncache(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hg", "store"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hg", "requires"), []byte("revlogv1\nstore\n"), 0644))
	r, err := Open(root, testConfig())
	require.NoError(t, err)
	defer r.Close()

	files, err := r.Files()
	require.NoError(t, err)
	assert.Empty(t, files)

	commit(t, r, map[string]string{"x/Y_z.c": "1\n", "w.txt": "2\n"})
	files, err = r.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"w.txt", "x/Y_z.c"}, files)
	_, err = os.Stat(filepath.Join(root, ".hg", "store", "data", "x", "_y__z.c.i"))
	assert.NoError(t, err)
}

func TestViewFollowsAppends(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t, testConfig())
	first := commit(t, r, map[string]string{"a": "1\n"})
	second := commit(t, r, map[string]string{"a": "2\n"})

	v1, err := r.View(ctx, r.Changelog())
	require.NoError(t, err)
	assert.Equal(t, []node.ID{second}, v1.Graph.Heads())
	same, err := r.View(ctx, r.Changelog())
	require.NoError(t, err)
	assert.Same(t, v1, same, "unchanged revlog reuses its view")

	third := commit(t, r, map[string]string{"a": "3\n"})
	v2, err := r.View(ctx, r.Changelog())
	require.NoError(t, err)
	assert.Greater(t, v2.Snapshot.Generation(), v1.Snapshot.Generation())
	assert.Equal(t, v1.Snapshot.Epoch(), v2.Snapshot.Epoch())
	assert.Equal(t, []node.ID{third}, v2.Graph.Heads())
	rev, ok := v2.Nodes.Lookup(first)
	require.True(t, ok)
	assert.Equal(t, revlog.Rev(0), rev)

	// The old view still answers for its own snapshot.
	assert.Equal(t, []node.ID{second}, v1.Graph.Heads())

	g, err := r.Graph(ctx, r.Changelog())
	require.NoError(t, err)
	assert.Same(t, v2.Graph, g)
	nm, err := r.NodeMap(ctx, r.Changelog())
	require.NoError(t, err)
	assert.Same(t, v2.Nodes, nm)
}

func TestViewDetectsExternalRewrite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cache.NodeMap = false
	r := initRepo(t, cfg)
	commit(t, r, map[string]string{"a": "1\n"})
	commit(t, r, map[string]string{"a": "2\n"})
	v1, err := r.View(ctx, r.Changelog())
	require.NoError(t, err)

	// Another session strips the store and writes a different history.
	other, err := Open(r.Root(), cfg)
	require.NoError(t, err)
	for _, rl := range []*revlog.Revlog{other.Changelog(), other.Manifest()} {
		require.NoError(t, rl.Remove())
	}
	fl, err := other.File("a")
	require.NoError(t, err)
	require.NoError(t, fl.Remove())
	replacement := commit(t, other, map[string]string{"a": "rewritten\n"})
	require.NoError(t, other.Close())

	v2, err := r.View(ctx, r.Changelog())
	require.NoError(t, err)
	assert.NotEqual(t, v1.Snapshot.Epoch(), v2.Snapshot.Epoch())
	assert.Equal(t, 1, v2.Nodes.Len())
	assert.Equal(t, []node.ID{replacement}, v2.Graph.Heads())
}

func TestNodemapCacheSurvivesSessions(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t, testConfig())
	var ids []node.ID
	for i := 0; i < 5; i++ {
		ids = append(ids, commit(t, r, map[string]string{"f": fmt.Sprintf("v%d\n", i)}))
	}
	_, err := r.View(ctx, r.Changelog())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	c, err := nodemap.OpenCache(filepath.Join(r.hgDir, "cache", "nodemap.db"), r.Logger())
	require.NoError(t, err)
	m, used, err := c.Load(ctx, r.Changelog().Snapshot())
	require.NoError(t, err)
	assert.True(t, used)
	assert.Equal(t, len(ids), m.Len())
	require.NoError(t, c.Close())

	reopened, err := Open(r.Root(), testConfig())
	require.NoError(t, err)
	defer reopened.Close()
	nm, err := reopened.NodeMap(ctx, reopened.Changelog())
	require.NoError(t, err)
	for i, id := range ids {
		rev, err := nm.Rev(id)
		require.NoError(t, err)
		assert.Equal(t, revlog.Rev(i), rev)
	}
}

func TestVerifyHealthyRepository(t *testing.T) {
	r := initRepo(t, testConfig())
	commit(t, r, map[string]string{"a": "1\n", "b": "x\n"})
	commit(t, r, map[string]string{"a": "2\n"})

	report, err := r.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Problems)
	assert.Equal(t, 4, report.Revlogs)
	assert.Equal(t, 2+2+3, report.Revisions)
}

func TestVerifyReportsEveryBadFile(t *testing.T) {
	cfg := testConfig()
	cfg.Revlog.Inline = false
	cfg.Revlog.Compression = "none"
	r := initRepo(t, cfg)
	commit(t, r, map[string]string{"good": "fine\n", "bad": "will be damaged\n"})
	commit(t, r, map[string]string{"good": "still fine\n"})

	// A manifest revision that links past the end of the changelog.
	_, _, err := r.Manifest().Append([]byte("dangling\n"), tipNode(t, r.Manifest()), node.Null, 42)
	require.NoError(t, err)

	dataFile := filepath.Join(r.storeDir, "data", "bad.d")
	data, err := os.ReadFile(dataFile)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xff
	require.NoError(t, os.WriteFile(dataFile, data, 0644))

	report, err := r.Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Problems, 2)
	assert.Equal(t, "00manifest", report.Problems[0].Store)
	assert.Equal(t, revlog.Rev(2), report.Problems[0].Rev)
	assert.Equal(t, "data/bad", report.Problems[1].Store)
	assert.True(t, hgerr.Is(hgerr.IntegrityViolation, report.Problems[1].Err))
	assert.Equal(t, 4, report.Revlogs, "the bad file does not stop the run")
}

func TestVerifyCanceled(t *testing.T) {
	r := initRepo(t, testConfig())
	commit(t, r, map[string]string{"a": "1\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Verify(ctx)
	require.Error(t, err)
	assert.True(t, hgerr.Is(hgerr.Canceled, err))
}

func TestLock(t *testing.T) {
	old := LockTimeout
	LockTimeout = 100 * time.Millisecond
	defer func() { LockTimeout = old }()

	r := initRepo(t, testConfig())
	l, err := r.Lock()
	require.NoError(t, err)
	_, err = r.Lock()
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l, err = r.Lock()
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

type failingLockFile struct {
	*os.File
	writeErr, closeErr error
}

func (f failingLockFile) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.File.Write(p)
}

func (f failingLockFile) Close() error {
	err := f.File.Close()
	if f.closeErr != nil {
		return f.closeErr
	}
	return err
}

func TestClaimLockFailureRemovesFile(t *testing.T) {
	cases := []struct {
		name string
		file func(*os.File) io.WriteCloser
	}{
		{"write", func(f *os.File) io.WriteCloser { return failingLockFile{File: f, writeErr: errors.New("disk full")} }},
		{"close", func(f *os.File) io.WriteCloser { return failingLockFile{File: f, closeErr: errors.New("i/o error")} }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lock")
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
			require.NoError(t, err)

			err = claimLock(path, c.file(f))
			require.Error(t, err)
			assert.True(t, hgerr.Is(hgerr.ControlFile, err), "got %v", err)
			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err), "lock file left behind")
		})
	}

	path := filepath.Join(t.TempDir(), "lock")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	require.NoError(t, err)
	require.NoError(t, claimLock(path, f))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))
}

func TestBundleBetweenRepositories(t *testing.T) {
	ctx := context.Background()
	src := initRepo(t, testConfig())
	commit(t, src, map[string]string{"a.txt": "alpha\n", "Docs/B.md": "# b\n"})
	commit(t, src, map[string]string{"a.txt": "alpha\nbeta\n"})
	tip := commit(t, src, map[string]string{"c": "gamma\n"})

	var buf bytes.Buffer
	stats, err := src.Bundle(ctx, &buf, "", revlog.NullRev)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Changesets)

	dst := initRepo(t, testConfig())
	applied, err := dst.Unbundle(ctx, "test.hg", &buf, bundle.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, stats.Revisions, applied.Revisions)

	files, err := dst.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"Docs/B.md", "a.txt", "c"}, files)

	g, err := dst.Graph(ctx, dst.Changelog())
	require.NoError(t, err)
	assert.Equal(t, []node.ID{tip}, g.Heads())

	report, err := dst.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Problems)

	fl, err := dst.File("a.txt")
	require.NoError(t, err)
	text, err := fl.Content(revlog.Tip)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", string(text))

	_, err = os.Stat(filepath.Join(dst.storeDir, "lock"))
	assert.True(t, os.IsNotExist(err), "lock released after unbundle")
}
