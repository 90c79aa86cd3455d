// Package revlog implements Mercurial's append-only, delta-compressed
// revision store.
//
// A revlog is an index file (name.i) of fixed-size records plus either a
// separate data file (name.d) or data interleaved with the index ("inline").
// Each record's chunk is a full snapshot or a binary patch against a base
// revision; reading a revision walks the delta chain back to a snapshot,
// applies the patches in order and verifies the result against the node id.
//
// Readers work on immutable Snapshots published atomically by the Revlog, so
// queries are safe from many goroutines. Appends must be serialized by the
// caller across processes; within a process the Revlog serializes them.
package revlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/javanhut/hgstore/internal/compress"
	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/sirupsen/logrus"
)

// DefaultMaxChainLength bounds delta chains written by this package.
const DefaultMaxChainLength = 1000

// Options configure a Revlog.
type Options struct {
	// Compression is the engine used for new chunks.
	Compression compress.Algo
	// MaxChainLength forces a full snapshot once a delta chain would grow
	// beyond it. Zero means DefaultMaxChainLength.
	MaxChainLength int
	// Inline creates new revlogs with data interleaved in the index file.
	Inline bool
	// Opener opens data sources; nil means OpenFileSource.
	Opener Opener
	Logger *logrus.Logger
}

// Change classifies what Refresh found on disk.
type Change int

const (
	Unchanged Change = iota
	Appended
	Rewritten
)

func (c Change) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case Appended:
		return "appended"
	case Rewritten:
		return "rewritten"
	}
	return fmt.Sprintf("change(%d)", int(c))
}

// Revlog is a revision store backed by an index file and a data file.
type Revlog struct {
	name      string
	indexPath string
	dataPath  string
	opts      Options
	log       *logrus.Logger

	state atomic.Pointer[Snapshot]

	// mu serializes appends and refreshes.
	mu sync.Mutex

	cacheMu sync.Mutex
	cache   textCache
}

// textCache holds the last verified full text so that sequential reads can
// start their delta chain from it.
type textCache struct {
	epoch uint64
	rev   Rev
	text  []byte
}

// Open opens the revlog stored as root/name.i and root/name.d. A missing
// index file yields an empty revlog that is created on first append.
func Open(root, name string, opts Options) (*Revlog, error) {
	return OpenFiles(name, root+string(os.PathSeparator)+name+".i", root+string(os.PathSeparator)+name+".d", opts)
}

// OpenFiles opens a revlog from explicit index and data paths.
func OpenFiles(name, indexPath, dataPath string, opts Options) (*Revlog, error) {
	if opts.MaxChainLength <= 0 {
		opts.MaxChainLength = DefaultMaxChainLength
	}
	if opts.Opener == nil {
		opts.Opener = OpenFileSource
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	r := &Revlog{
		name:      name,
		indexPath: indexPath,
		dataPath:  dataPath,
		opts:      opts,
		log:       opts.Logger,
		cache:     textCache{rev: NullRev},
	}
	snap, err := r.load(nil)
	if err != nil {
		return nil, err
	}
	r.state.Store(snap)
	r.log.WithFields(logrus.Fields{
		"store":     name,
		"revisions": snap.Len(),
		"inline":    snap.Inline(),
	}).Debug("opened revlog")
	return r, nil
}

func (r *Revlog) defaultHeader() uint32 {
	h := VersionV1 | FlagGeneralDelta
	if r.opts.Inline {
		h |= FlagInlineData
	}
	return h
}

// load reads the index file into a new snapshot. prev, when non-nil, is the
// currently published snapshot and determines generation and epoch.
func (r *Revlog) load(prev *Snapshot) (*Snapshot, error) {
	data, fi, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	markAt := -1
	if prev != nil {
		markAt = prev.Len()
	}
	parsed, err := parseIndex(data, r.defaultHeader(), markAt)
	if err != nil {
		var partial *errPartialEntry
		if errors.As(err, &partial) {
			return nil, hgerr.E("load index", hgerr.Store(r.name), hgerr.ConcurrentModification, err)
		}
		return nil, hgerr.E("load index", hgerr.Store(r.name), hgerr.ControlFile, err)
	}
	snap := &Snapshot{
		name:    r.name,
		header:  parsed.header,
		entries: parsed.entries,
		print:   parsed.print,
	}
	if fi != nil {
		snap.indexSize = fi.Size()
		snap.indexMod = fi.ModTime()
	}
	if prev != nil {
		snap.generation = prev.generation + 1
		snap.epoch = prev.epoch
		if !isAppendOf(prev, snap, parsed.markPrint) {
			snap.epoch++
		}
	}
	return snap, nil
}

func (r *Revlog) readIndex() ([]byte, fs.FileInfo, error) {
	f, err := os.Open(r.indexPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, hgerr.E("open index", hgerr.Store(r.name), hgerr.ControlFile, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, hgerr.E("stat index", hgerr.Store(r.name), hgerr.ControlFile, err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, fi.Size()))
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, nil, hgerr.E("read index", hgerr.Store(r.name), hgerr.ControlFile, err)
	}
	return buf.Bytes(), fi, nil
}

// isAppendOf reports whether next extends prev without altering any
// revision prev already published. markPrint is next's entry fingerprint
// chain taken after prev.Len() entries.
func isAppendOf(prev, next *Snapshot, markPrint node.Fingerprint) bool {
	if next.Len() < prev.Len() {
		return false
	}
	if prev.Len() > 0 && (prev.header^next.header)&FlagInlineData != 0 {
		return false
	}
	return markPrint == prev.print
}

// Name returns the store name of the revlog.
func (r *Revlog) Name() string { return r.name }

// Snapshot returns the current view of the index.
func (r *Revlog) Snapshot() *Snapshot { return r.state.Load() }

// Len returns the number of revisions.
func (r *Revlog) Len() int { return r.Snapshot().Len() }

// Generation returns the current change counter.
func (r *Revlog) Generation() uint64 { return r.Snapshot().Generation() }

// Refresh re-reads the index if it changed on disk since the current
// snapshot was taken and publishes the result.
func (r *Revlog) Refresh() (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked()
}

func (r *Revlog) refreshLocked() (Change, error) {
	cur := r.Snapshot()
	fi, err := os.Stat(r.indexPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if cur.Len() == 0 && cur.indexSize == 0 {
			return Unchanged, nil
		}
	case err != nil:
		return Unchanged, hgerr.E("stat index", hgerr.Store(r.name), hgerr.ControlFile, err)
	case fi.Size() == cur.indexSize && fi.ModTime().Equal(cur.indexMod):
		return Unchanged, nil
	}

	next, err := r.load(cur)
	if err != nil {
		return Unchanged, err
	}
	change := Appended
	if next.epoch != cur.epoch {
		change = Rewritten
	} else if next.Len() == cur.Len() {
		// Same records, only the file metadata moved.
		next.generation = cur.generation
		change = Unchanged
	}
	r.state.Store(next)

	fields := logrus.Fields{
		"store":      r.name,
		"generation": next.generation,
		"revisions":  next.Len(),
		"previous":   cur.Len(),
	}
	if change == Rewritten {
		r.log.WithFields(fields).Warn("revlog rewritten on disk, derived indices invalidated")
	} else if change == Appended {
		r.log.WithFields(fields).Debug("revlog grew on disk")
	}
	return change, nil
}

// changedOnDisk reports whether the index no longer matches snap.
func (r *Revlog) changedOnDisk(snap *Snapshot) bool {
	fi, err := os.Stat(r.indexPath)
	if err != nil {
		return snap.Len() > 0
	}
	return fi.Size() != snap.indexSize || !fi.ModTime().Equal(snap.indexMod)
}

// reader reads chunks for one snapshot, keeping the data source open
// across calls.
type reader struct {
	r    *Revlog
	snap *Snapshot
	src  DataSource
	size int64
}

func (r *Revlog) newReader(snap *Snapshot) *reader {
	return &reader{r: r, snap: snap, size: -1}
}

func (rd *reader) close() {
	if rd.src != nil {
		rd.src.Close()
		rd.src = nil
	}
}

func (rd *reader) open() error {
	if rd.src != nil {
		return nil
	}
	path := rd.r.dataPath
	if rd.snap.Inline() {
		path = rd.r.indexPath
	}
	src, err := rd.r.opts.Opener(path)
	if err != nil {
		if rd.r.changedOnDisk(rd.snap) {
			return hgerr.E("open data", hgerr.Store(rd.r.name), hgerr.ConcurrentModification, err)
		}
		return hgerr.E("open data", hgerr.Store(rd.r.name), hgerr.ControlFile, err)
	}
	size, err := src.Length()
	if err != nil {
		src.Close()
		return hgerr.E("open data", hgerr.Store(rd.r.name), hgerr.ControlFile, err)
	}
	rd.src = src
	rd.size = size
	return nil
}

// rawChunk returns the stored bytes of rev's chunk.
func (rd *reader) rawChunk(rev Rev) ([]byte, error) {
	e := &rd.snap.entries[rev]
	if e.compLen == 0 {
		return nil, nil
	}
	if err := rd.open(); err != nil {
		return nil, err
	}
	if e.pos+int64(e.compLen) > rd.size {
		// Re-check the length: the file may have been replaced under us.
		if size, err := rd.src.Length(); err == nil {
			rd.size = size
		}
	}
	if e.pos+int64(e.compLen) > rd.size {
		kind := hgerr.ControlFile
		if rd.r.changedOnDisk(rd.snap) {
			kind = hgerr.ConcurrentModification
		}
		return nil, hgerr.E("read chunk", hgerr.Store(rd.r.name), hgerr.Rev(rev), e.node, kind,
			hgerr.Errorf("chunk [%d,%d) beyond data size %d", e.pos, e.pos+int64(e.compLen), rd.size))
	}
	if err := rd.src.Seek(e.pos); err != nil {
		return nil, hgerr.E("read chunk", hgerr.Store(rd.r.name), hgerr.Rev(rev), hgerr.ControlFile, err)
	}
	buf := make([]byte, e.compLen)
	if err := rd.src.ReadBytes(buf); err != nil {
		return nil, hgerr.E("read chunk", hgerr.Store(rd.r.name), hgerr.Rev(rev), hgerr.ControlFile, err)
	}
	return buf, nil
}

// chunk returns rev's decompressed chunk: a full text or an encoded patch.
func (rd *reader) chunk(rev Rev) ([]byte, error) {
	raw, err := rd.rawChunk(rev)
	if err != nil {
		return nil, err
	}
	e := &rd.snap.entries[rev]
	hint := 0
	if rd.snap.deltaParent(rev) == NullRev {
		hint = e.rawLen
	}
	out, err := compress.Decompress(raw, hint)
	if err != nil {
		return nil, hgerr.E("decompress", hgerr.Store(rd.r.name), hgerr.Rev(rev), e.node, hgerr.MalformedPatch, err)
	}
	return out, nil
}

// RawChunk returns the chunk of rev exactly as stored.
func (r *Revlog) RawChunk(rev Rev) ([]byte, error) {
	snap := r.Snapshot()
	rev, err := snap.Resolve(rev)
	if err != nil {
		return nil, err
	}
	rd := r.newReader(snap)
	defer rd.close()
	return rd.rawChunk(rev)
}

// Delta returns the decompressed chunk of rev: the full text for a
// snapshot, otherwise an encoded patch against its delta parent.
func (r *Revlog) Delta(rev Rev) ([]byte, error) {
	snap := r.Snapshot()
	rev, err := snap.Resolve(rev)
	if err != nil {
		return nil, err
	}
	rd := r.newReader(snap)
	defer rd.close()
	return rd.chunk(rev)
}

// Content returns the verified full text of rev.
func (r *Revlog) Content(rev Rev) ([]byte, error) {
	snap := r.Snapshot()
	rev, err := snap.Resolve(rev)
	if err != nil {
		return nil, err
	}
	rd := r.newReader(snap)
	defer rd.close()
	return r.reconstruct(rd, rev)
}

// ContentByNode returns the verified full text of the revision id.
func (r *Revlog) ContentByNode(id node.ID) ([]byte, error) {
	snap := r.Snapshot()
	rev, err := snap.FindRev(id)
	if err != nil {
		return nil, err
	}
	rd := r.newReader(snap)
	defer rd.close()
	return r.reconstruct(rd, rev)
}

// FindRev returns the revision whose identifier is id.
func (r *Revlog) FindRev(id node.ID) (Rev, error) {
	return r.Snapshot().FindRev(id)
}

// Iterate visits revisions start..end inclusive in ascending order. With
// wantContent each record carries its verified full text.
func (r *Revlog) Iterate(ctx context.Context, start, end Rev, wantContent bool, fn func(*Record) error) error {
	snap := r.Snapshot()
	if !wantContent {
		return snap.Walk(ctx, start, end, fn)
	}
	if snap.Len() == 0 && start == 0 && end == Tip {
		return nil
	}
	start, end, err := snap.resolveRange(start, end)
	if err != nil {
		return err
	}
	rd := r.newReader(snap)
	defer rd.close()
	for rev := start; rev <= end; rev++ {
		if err := r.visit(ctx, rd, rev, fn); err != nil {
			return err
		}
	}
	return nil
}

// IterateRevs visits the given revisions in ascending order regardless of
// the order of revs, so parents are always seen before their children.
// Duplicates are visited once.
func (r *Revlog) IterateRevs(ctx context.Context, revs []Rev, wantContent bool, fn func(*Record) error) error {
	snap := r.Snapshot()
	sorted := make([]Rev, 0, len(revs))
	for _, rev := range revs {
		rev, err := snap.Resolve(rev)
		if err != nil {
			return err
		}
		sorted = append(sorted, rev)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rd := r.newReader(snap)
	defer rd.close()
	prev := NullRev
	for _, rev := range sorted {
		if rev == prev {
			continue
		}
		prev = rev
		if !wantContent {
			if err := ctx.Err(); err != nil {
				return hgerr.E("iterate", hgerr.Store(r.name), hgerr.Canceled, err)
			}
			if err := fn(snap.record(rev)); err != nil {
				return err
			}
			continue
		}
		if err := r.visit(ctx, rd, rev, fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Revlog) visit(ctx context.Context, rd *reader, rev Rev, fn func(*Record) error) error {
	if err := ctx.Err(); err != nil {
		return hgerr.E("iterate", hgerr.Store(r.name), hgerr.Canceled, err)
	}
	rec := rd.snap.record(rev)
	text, err := r.reconstruct(rd, rev)
	if err != nil {
		return err
	}
	rec.Content = text
	return fn(rec)
}
