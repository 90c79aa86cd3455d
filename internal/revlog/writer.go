package revlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/javanhut/hgstore/internal/compress"
	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/patch"
	"github.com/sirupsen/logrus"
)

// Append adds a revision with the given parents and link revision and
// returns its index and identifier. Appending content that already exists
// with the same parents returns the existing revision.
//
// Appends from different processes must be serialized by the caller, for
// example with a repository lock held for the duration of the write.
func (r *Revlog) Append(content []byte, p1, p2 node.ID, link Rev) (Rev, node.ID, error) {
	id := node.Hash(p1, p2, content)
	rev, err := r.AddRevision(id, p1, p2, link, content)
	return rev, id, err
}

// AddRevision appends a revision whose identifier is already known, as when
// applying a bundle. The content must hash to id.
func (r *Revlog) AddRevision(id, p1, p2 node.ID, link Rev, content []byte) (Rev, error) {
	if !node.Verify(id, p1, p2, content) {
		return NullRev, hgerr.E("append", hgerr.Store(r.name), id, hgerr.IntegrityViolation,
			hgerr.Errorf("content does not hash to node id"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Pick up appends made by other processes before choosing offsets.
	if _, err := r.refreshLocked(); err != nil {
		return NullRev, err
	}
	snap := r.Snapshot()
	if existing, err := snap.FindRev(id); err == nil {
		return existing, nil
	}
	p1Rev, err := r.parentRev(snap, p1)
	if err != nil {
		return NullRev, err
	}
	p2Rev, err := r.parentRev(snap, p2)
	if err != nil {
		return NullRev, err
	}

	rev := Rev(snap.Len())
	e := entry{
		offset: snap.dataEnd(),
		rawLen: len(content),
		link:   link,
		p1:     p1Rev,
		p2:     p2Rev,
		node:   id,
	}
	delta, base, err := r.chooseDelta(snap, rev, p1Rev, content)
	if err != nil {
		return NullRev, err
	}
	kind := "delta"
	payload := delta
	if base == rev {
		kind = "snapshot"
		payload = content
	}
	e.base = base
	chunk, err := compress.Compress(r.opts.Compression, payload)
	if err != nil {
		return NullRev, hgerr.E("compress", hgerr.Store(r.name), hgerr.Rev(rev), id, err)
	}
	e.compLen = len(chunk)

	next, err := r.write(snap, rev, e, chunk)
	if err != nil {
		return NullRev, err
	}
	r.state.Store(next)
	appendsTotal.WithLabelValues(kind).Inc()
	r.log.WithFields(logrus.Fields{
		"store":      r.name,
		"rev":        rev,
		"node":       id.Short(),
		"kind":       kind,
		"generation": next.generation,
	}).Debug("appended revision")
	return rev, nil
}

func (r *Revlog) parentRev(snap *Snapshot, id node.ID) (Rev, error) {
	if id.IsNull() {
		return NullRev, nil
	}
	rev, err := snap.FindRev(id)
	if err != nil {
		return NullRev, hgerr.E("append", hgerr.Store(r.name), id, hgerr.UnknownRevision,
			hgerr.Errorf("parent not in revlog"))
	}
	return rev, nil
}

// chooseDelta decides how rev is stored. It returns the encoded delta and
// the base revision to record; base == rev means a full snapshot.
func (r *Revlog) chooseDelta(snap *Snapshot, rev, p1 Rev, content []byte) ([]byte, Rev, error) {
	var deltaParent Rev
	if snap.GeneralDelta() {
		deltaParent = p1
	} else {
		deltaParent = rev - 1
	}
	if deltaParent == NullRev || len(content) == 0 {
		return nil, rev, nil
	}
	chain, err := snap.chain(deltaParent, NullRev)
	if err != nil {
		return nil, NullRev, err
	}
	if len(chain)+1 > r.opts.MaxChainLength {
		return nil, rev, nil
	}
	rd := r.newReader(snap)
	defer rd.close()
	baseText, err := r.reconstruct(rd, deltaParent)
	if err != nil {
		return nil, NullRev, err
	}
	delta := patch.DiffEncoded(baseText, content)
	if len(delta) >= len(content) {
		return nil, rev, nil
	}
	if snap.GeneralDelta() {
		return delta, deltaParent, nil
	}
	// Classic revlogs record the chain base rather than the delta parent.
	return delta, chain[len(chain)-1], nil
}

// write stores chunk and entry on disk and returns the snapshot that
// includes the new revision.
func (r *Revlog) write(snap *Snapshot, rev Rev, e entry, chunk []byte) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(r.indexPath), 0755); err != nil {
		return nil, hgerr.E("create store directory", hgerr.Store(r.name), hgerr.ControlFile, err)
	}
	var raw [EntrySize]byte
	encodeEntry(raw[:], e, rev, snap.header)
	e.print = chainEntry(snap.print, raw[:], rev)

	if snap.Inline() {
		buf := make([]byte, 0, EntrySize+len(chunk))
		buf = append(buf, raw[:]...)
		buf = append(buf, chunk...)
		e.pos = snap.indexSize + EntrySize
		if err := appendFile(r.indexPath, snap.indexSize, buf); err != nil {
			return nil, hgerr.E("write index", hgerr.Store(r.name), hgerr.Rev(rev), hgerr.ControlFile, err)
		}
	} else {
		if err := appendFile(r.dataPath, e.offset, chunk); err != nil {
			return nil, hgerr.E("write data", hgerr.Store(r.name), hgerr.Rev(rev), hgerr.ControlFile, err)
		}
		e.pos = e.offset
		if err := appendFile(r.indexPath, snap.indexSize, raw[:]); err != nil {
			return nil, hgerr.E("write index", hgerr.Store(r.name), hgerr.Rev(rev), hgerr.ControlFile, err)
		}
	}

	fi, err := os.Stat(r.indexPath)
	if err != nil {
		return nil, hgerr.E("stat index", hgerr.Store(r.name), hgerr.ControlFile, err)
	}
	return &Snapshot{
		name:       snap.name,
		header:     snap.header,
		entries:    append(snap.entries, e),
		generation: snap.generation + 1,
		epoch:      snap.epoch,
		indexSize:  fi.Size(),
		indexMod:   fi.ModTime(),
		print:      e.print,
	}, nil
}

// appendFile writes data at offset at, which must be the current end of
// the file. Data a crashed writer left past the last published revision is
// overwritten.
func appendFile(path string, at int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if fi.Size() < at {
		f.Close()
		return fmt.Errorf("%s is %d bytes, expected at least %d", path, fi.Size(), at)
	}
	if _, err := f.WriteAt(data, at); err != nil {
		f.Close()
		return err
	}
	if err := f.Truncate(at + int64(len(data))); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Remove deletes the revlog's files. It is meant for tests and for
// discarding a revlog that was never published.
func (r *Revlog) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range []string{r.indexPath, r.dataPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	prev := r.Snapshot()
	r.state.Store(&Snapshot{
		name:       r.name,
		header:     r.defaultHeader(),
		generation: prev.generation + 1,
		epoch:      prev.epoch + 1,
	})
	return nil
}
