package bundle

import (
	"context"
	"io"
	"sort"

	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/patch"
	"github.com/javanhut/hgstore/internal/revlog"
)

// Lister is a Store that can enumerate its file revlogs.
type Lister interface {
	Store
	Files() ([]string, error)
}

// Write bundles every changeset after since (revlog.NullRev for the whole
// history) together with the manifest and file revisions they introduced.
// Each element's delta is taken against its first parent.
func Write(ctx context.Context, w io.Writer, compression string, st Lister, since revlog.Rev) (*Stats, error) {
	bw, err := NewWriter(w, compression)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	cl := st.Changelog()
	clSnap := cl.Snapshot()
	start := since + 1
	if start < 0 {
		start = 0
	}
	end := revlog.Rev(clSnap.Len())

	selfLink := func(rec *revlog.Record) (node.ID, bool) { return rec.Node, true }
	linked := func(rec *revlog.Record) (node.ID, bool) {
		if rec.LinkRev < start || rec.LinkRev >= end {
			return node.Null, false
		}
		id, err := clSnap.Node(rec.LinkRev)
		return id, err == nil
	}

	n, err := writeGroup(ctx, bw, cl, start, selfLink)
	if err != nil {
		return nil, err
	}
	stats.Changesets = n
	stats.Revisions += n

	n, err = writeGroup(ctx, bw, st.Manifest(), 0, linked)
	if err != nil {
		return nil, err
	}
	stats.Manifests = n
	stats.Revisions += n

	files, err := st.Files()
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	for _, path := range files {
		rl, err := st.File(path)
		if err != nil {
			return nil, err
		}
		revs, err := selectRevs(ctx, rl, 0, linked)
		if err != nil {
			return nil, err
		}
		if len(revs) == 0 {
			continue
		}
		if err := bw.StartFile(path); err != nil {
			return nil, err
		}
		if err := writeElements(ctx, bw, rl, revs, linked); err != nil {
			return nil, err
		}
		stats.Files++
		stats.Revisions += len(revs)
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return stats, nil
}

type linkFunc func(rec *revlog.Record) (node.ID, bool)

func selectRevs(ctx context.Context, rl *revlog.Revlog, start revlog.Rev, link linkFunc) ([]revlog.Rev, error) {
	snap := rl.Snapshot()
	if int(start) >= snap.Len() {
		return nil, nil
	}
	var revs []revlog.Rev
	err := snap.Walk(ctx, start, revlog.Tip, func(rec *revlog.Record) error {
		if _, ok := link(rec); ok {
			revs = append(revs, rec.Rev)
		}
		return nil
	})
	return revs, err
}

func writeGroup(ctx context.Context, bw *Writer, rl *revlog.Revlog, start revlog.Rev, link linkFunc) (int, error) {
	revs, err := selectRevs(ctx, rl, start, link)
	if err != nil {
		return 0, err
	}
	if err := writeElements(ctx, bw, rl, revs, link); err != nil {
		return 0, err
	}
	return len(revs), nil
}

// writeElements writes revs and terminates the group.
func writeElements(ctx context.Context, bw *Writer, rl *revlog.Revlog, revs []revlog.Rev, link linkFunc) error {
	err := rl.IterateRevs(ctx, revs, true, func(rec *revlog.Record) error {
		var base []byte
		if rec.P1 != revlog.NullRev {
			var err error
			if base, err = rl.Content(rec.P1); err != nil {
				return err
			}
		}
		linkNode, _ := link(rec)
		return bw.WriteElement(&Element{
			Node:     rec.Node,
			P1:       rec.P1Node,
			P2:       rec.P2Node,
			LinkNode: linkNode,
			Delta:    patch.DiffEncoded(base, rec.Content),
		})
	})
	if err != nil {
		return err
	}
	return bw.EndGroup()
}
