// Package repo opens a Mercurial repository's store and keeps the derived
// indices of its revlogs for the lifetime of a session.
//
// The changelog, the manifest and one revlog per tracked file live under
// .hg/store. Derived indices (node maps and DAGs) are built on first use
// and revalidated against each revlog's generation on every View, so a
// session never answers from an index built for older data.
package repo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/javanhut/hgstore/internal/bundle"
	"github.com/javanhut/hgstore/internal/config"
	"github.com/javanhut/hgstore/internal/dag"
	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/nodemap"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/sirupsen/logrus"
)

const (
	ChangelogName = "00changelog"
	ManifestName  = "00manifest"
)

// Requirements understood by this package.
const (
	ReqRevlogV1     = "revlogv1"
	ReqStore        = "store"
	ReqFncache      = "fncache"
	ReqDotencode    = "dotencode"
	ReqGeneralDelta = "generaldelta"
)

var supportedRequirements = map[string]bool{
	ReqRevlogV1:     true,
	ReqStore:        true,
	ReqFncache:      true,
	ReqDotencode:    true,
	ReqGeneralDelta: true,
}

// DefaultRequirements are written by Init.
var DefaultRequirements = []string{ReqRevlogV1, ReqStore, ReqFncache, ReqDotencode, ReqGeneralDelta}

// Repo is an open repository session.
type Repo struct {
	root     string
	hgDir    string
	storeDir string
	cfg      *config.Config
	log      *logrus.Logger
	requires map[string]bool

	changelog *revlog.Revlog
	manifest  *revlog.Revlog

	mu      sync.Mutex
	revlogs map[string]*revlog.Revlog
	views   map[string]*View
	fncache map[string]bool
	cache   *nodemap.Cache
	noCache bool
}

// View is a consistent set of derived indices for one snapshot of a revlog.
type View struct {
	Snapshot *revlog.Snapshot
	Nodes    *nodemap.Map
	Graph    *dag.Graph
}

// Init creates an empty repository at root. It fails if root already
// holds one.
func Init(root string, cfg *config.Config) (*Repo, error) {
	hgDir := filepath.Join(root, ".hg")
	if _, err := os.Stat(hgDir); err == nil {
		return nil, fmt.Errorf("repository %s already exists", root)
	}
	if err := os.MkdirAll(filepath.Join(hgDir, "store", "data"), 0755); err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	reqs := strings.Join(DefaultRequirements, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(hgDir, "requires"), []byte(reqs), 0644); err != nil {
		return nil, fmt.Errorf("write requires: %w", err)
	}
	return Open(root, cfg)
}

// Open opens the repository at root. A nil cfg loads the global and
// repository configuration files.
func Open(root string, cfg *config.Config) (*Repo, error) {
	hgDir := filepath.Join(root, ".hg")
	fi, err := os.Stat(hgDir)
	if err != nil || !fi.IsDir() {
		return nil, hgerr.E("open repository", hgerr.ControlFile, fmt.Errorf("no repository found at %s", root))
	}
	if cfg == nil {
		if cfg, err = config.Load(root); err != nil {
			return nil, err
		}
	}
	requires, err := readRequires(filepath.Join(hgDir, "requires"))
	if err != nil {
		return nil, err
	}
	storeDir := hgDir
	if requires[ReqStore] {
		storeDir = filepath.Join(hgDir, "store")
	}
	r := &Repo{
		root:     root,
		hgDir:    hgDir,
		storeDir: storeDir,
		cfg:      cfg,
		log:      cfg.Logger(),
		requires: requires,
		revlogs:  make(map[string]*revlog.Revlog),
		views:    make(map[string]*View),
		noCache:  !cfg.Cache.NodeMap,
	}
	if r.changelog, err = r.openRevlog(ChangelogName, ChangelogName); err != nil {
		return nil, err
	}
	if r.manifest, err = r.openRevlog(ManifestName, ManifestName); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"root":     root,
		"requires": r.Requirements(),
	}).Debug("opened repository")
	return r, nil
}

// readRequires parses the requires file. A missing file is an old
// repository without requirements.
func readRequires(path string) (map[string]bool, error) {
	reqs := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reqs, nil
		}
		return nil, hgerr.E("read requires", hgerr.ControlFile, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !supportedRequirements[line] {
			return nil, hgerr.E("read requires", hgerr.ControlFile,
				fmt.Errorf("repository requires unsupported feature %q", line))
		}
		reqs[line] = true
	}
	return reqs, nil
}

// Root returns the working directory root.
func (r *Repo) Root() string { return r.root }

// Config returns the session configuration.
func (r *Repo) Config() *config.Config { return r.cfg }

// Logger returns the session logger.
func (r *Repo) Logger() *logrus.Logger { return r.log }

// Requirements returns the repository requirements in sorted order.
func (r *Repo) Requirements() []string {
	out := make([]string, 0, len(r.requires))
	for req := range r.requires {
		out = append(out, req)
	}
	sort.Strings(out)
	return out
}

func (r *Repo) revlogOptions() revlog.Options {
	return revlog.Options{
		Compression:    r.cfg.Algo(),
		MaxChainLength: r.cfg.Revlog.MaxChainLength,
		Inline:         r.cfg.Revlog.Inline,
		Logger:         r.log,
	}
}

// openRevlog returns the session's revlog named name, opening it on first
// use. encoded is its path under the store without extension.
func (r *Repo) openRevlog(name, encoded string) (*revlog.Revlog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rl, ok := r.revlogs[name]; ok {
		return rl, nil
	}
	base := filepath.Join(r.storeDir, filepath.FromSlash(encoded))
	rl, err := revlog.OpenFiles(name, base+".i", base+".d", r.revlogOptions())
	if err != nil {
		return nil, err
	}
	r.revlogs[name] = rl
	return rl, nil
}

// Changelog returns the changelog revlog.
func (r *Repo) Changelog() *revlog.Revlog { return r.changelog }

// Manifest returns the manifest revlog.
func (r *Repo) Manifest() *revlog.Revlog { return r.manifest }

// File returns the revlog tracking path, which is slash separated and
// relative to the repository root. A revlog that does not exist yet is
// empty and created on first append.
func (r *Repo) File(path string) (*revlog.Revlog, error) {
	if path == "" || strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("invalid tracked path %q", path)
	}
	rl, err := r.openRevlog(StoreName(path), EncodePath(path, r.requires[ReqDotencode]))
	if err != nil {
		return nil, err
	}
	if r.requires[ReqFncache] {
		if err := r.addFncache(path); err != nil {
			return nil, err
		}
	}
	return rl, nil
}

// StoreName returns the name under which path's revlog is reported and
// cached.
func StoreName(path string) string { return "data/" + path }

func (r *Repo) fncachePath() string { return filepath.Join(r.storeDir, "fncache") }

// loadFncache reads the fncache file. It must be called with mu held.
func (r *Repo) loadFncache() error {
	if r.fncache != nil {
		return nil
	}
	entries := make(map[string]bool)
	f, err := os.Open(r.fncachePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.fncache = entries
			return nil
		}
		return hgerr.E("read fncache", hgerr.ControlFile, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data/") && strings.HasSuffix(line, ".i") {
			entries[strings.TrimSuffix(strings.TrimPrefix(line, "data/"), ".i")] = true
		}
	}
	if err := sc.Err(); err != nil {
		return hgerr.E("read fncache", hgerr.ControlFile, err)
	}
	r.fncache = entries
	return nil
}

// addFncache records path in the fncache file when it is not there yet.
func (r *Repo) addFncache(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadFncache(); err != nil {
		return err
	}
	if r.fncache[path] {
		return nil
	}
	f, err := os.OpenFile(r.fncachePath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return hgerr.E("write fncache", hgerr.ControlFile, err)
	}
	if _, err := fmt.Fprintf(f, "data/%s.i\n", path); err != nil {
		f.Close()
		return hgerr.E("write fncache", hgerr.ControlFile, err)
	}
	if err := f.Close(); err != nil {
		return hgerr.E("write fncache", hgerr.ControlFile, err)
	}
	r.fncache[path] = true
	return nil
}

// Files lists the tracked paths that have a revlog, sorted. Paths named
// in the fncache whose revlog was never written are left out.
func (r *Repo) Files() ([]string, error) {
	if r.requires[ReqFncache] {
		r.mu.Lock()
		if err := r.loadFncache(); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		paths := make([]string, 0, len(r.fncache))
		for p := range r.fncache {
			paths = append(paths, p)
		}
		r.mu.Unlock()
		var files []string
		for _, p := range paths {
			idx := filepath.Join(r.storeDir, filepath.FromSlash(EncodePath(p, r.requires[ReqDotencode]))+".i")
			if _, err := os.Stat(idx); err == nil {
				files = append(files, p)
			}
		}
		sort.Strings(files)
		return files, nil
	}
	return r.walkData()
}

func (r *Repo) walkData() ([]string, error) {
	var files []string
	dataDir := filepath.Join(r.storeDir, "data")
	err := filepath.WalkDir(dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dataDir {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".i") {
			return nil
		}
		rel, err := filepath.Rel(r.storeDir, p)
		if err != nil {
			return err
		}
		path, err := DecodePath(strings.TrimSuffix(filepath.ToSlash(rel), ".i"))
		if err != nil {
			r.log.WithField("file", rel).WithError(err).Warn("skipping undecodable store file")
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, hgerr.E("list store", hgerr.ControlFile, err)
	}
	sort.Strings(files)
	return files, nil
}

// nodemapCache opens the persistent node map cache on first use. Failing
// to open it is logged and the session continues without it.
func (r *Repo) nodemapCache() *nodemap.Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.noCache || r.cache != nil {
		return r.cache
	}
	dir := filepath.Join(r.hgDir, "cache")
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.log.WithError(err).Warn("nodemap cache disabled")
		r.noCache = true
		return nil
	}
	c, err := nodemap.OpenCache(filepath.Join(dir, "nodemap.db"), r.log)
	if err != nil {
		r.log.WithError(err).Warn("nodemap cache disabled")
		r.noCache = true
		return nil
	}
	r.cache = c
	return c
}

// View refreshes rl and returns derived indices current with the snapshot
// it now publishes. Indices from an earlier View are extended after a pure
// append and rebuilt after a rewrite.
func (r *Repo) View(ctx context.Context, rl *revlog.Revlog) (*View, error) {
	change, err := rl.Refresh()
	if err != nil {
		return nil, err
	}
	snap := rl.Snapshot()
	fields := logrus.Fields{"store": rl.Name(), "generation": snap.Generation()}

	r.mu.Lock()
	prev := r.views[rl.Name()]
	r.mu.Unlock()
	if prev != nil && prev.Snapshot == snap {
		return prev, nil
	}

	var nodes *nodemap.Map
	var g *dag.Graph
	if prev != nil {
		if change == revlog.Rewritten {
			r.log.WithFields(fields).Warn("revlog rewritten, rebuilding indices")
		}
		if nodes, err = prev.Nodes.Extend(ctx, snap); err != nil {
			return nil, err
		}
		if g, err = prev.Graph.Extend(ctx, snap, nodes); err != nil {
			return nil, err
		}
	} else {
		if nodes, err = r.loadNodes(ctx, snap); err != nil {
			return nil, err
		}
		if g, err = dag.Build(ctx, snap, nodes); err != nil {
			return nil, err
		}
	}
	v := &View{Snapshot: snap, Nodes: nodes, Graph: g}

	r.mu.Lock()
	// Keep whichever view is newer if another goroutine raced us.
	if cur := r.views[rl.Name()]; cur == nil || cur.Snapshot.Generation() <= snap.Generation() {
		r.views[rl.Name()] = v
	}
	r.mu.Unlock()
	r.log.WithFields(fields).WithField("revisions", snap.Len()).Debug("derived indices ready")
	return v, nil
}

func (r *Repo) loadNodes(ctx context.Context, snap *revlog.Snapshot) (*nodemap.Map, error) {
	c := r.nodemapCache()
	if c == nil {
		return nodemap.Build(ctx, snap)
	}
	m, used, err := c.Load(ctx, snap)
	if err != nil {
		if hgerr.Is(hgerr.Canceled, err) {
			return nil, err
		}
		r.log.WithField("store", snap.Name()).WithError(err).Warn("nodemap cache unreadable")
		return nodemap.Build(ctx, snap)
	}
	r.log.WithFields(logrus.Fields{"store": snap.Name(), "cached": used}).Debug("loaded nodemap")
	return m, nil
}

// NodeMap returns the node map of rl current with its latest snapshot.
func (r *Repo) NodeMap(ctx context.Context, rl *revlog.Revlog) (*nodemap.Map, error) {
	v, err := r.View(ctx, rl)
	if err != nil {
		return nil, err
	}
	return v.Nodes, nil
}

// Graph returns the DAG of rl current with its latest snapshot.
func (r *Repo) Graph(ctx context.Context, rl *revlog.Revlog) (*dag.Graph, error) {
	v, err := r.View(ctx, rl)
	if err != nil {
		return nil, err
	}
	return v.Graph, nil
}

// Bundle writes the changesets after since, with the manifest and file
// revisions they introduced, to w.
func (r *Repo) Bundle(ctx context.Context, w io.Writer, compression string, since revlog.Rev) (*bundle.Stats, error) {
	if compression == "" {
		compression = r.cfg.Bundle.Compression
	}
	return bundle.Write(ctx, w, compression, r, since)
}

// Unbundle applies the bundle read from rd under the repository lock.
func (r *Repo) Unbundle(ctx context.Context, name string, rd io.Reader, opts bundle.ApplyOptions) (*bundle.Stats, error) {
	lock, err := r.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	br, err := bundle.NewReader(name, rd)
	if err != nil {
		return nil, err
	}
	defer br.Close()
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	return bundle.Apply(ctx, br, r, opts)
}

// Close persists the node maps built during the session and releases the
// cache database.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		return nil
	}
	names := make([]string, 0, len(r.views))
	for name := range r.views {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.cache.Save(r.views[name].Nodes); err != nil {
			r.log.WithField("store", name).WithError(err).Warn("failed to save nodemap")
		}
	}
	err := r.cache.Close()
	r.cache = nil
	return err
}
