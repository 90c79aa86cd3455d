package bundle

import (
	"context"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/nodemap"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/sirupsen/logrus"
)

// Store is the set of revlogs a bundle is applied to or built from.
type Store interface {
	Changelog() *revlog.Revlog
	Manifest() *revlog.Revlog
	// File returns the revlog of path, creating an empty one if needed.
	File(path string) (*revlog.Revlog, error)
}

// Stats counts what a bundle operation processed. Apply counts only
// revisions it actually added.
type Stats struct {
	Changesets int
	Manifests  int
	Files      int
	Revisions  int
}

// ApplyOptions configure Apply. Every field is optional.
type ApplyOptions struct {
	// Changesets and Manifests receive the verified texts of the
	// changelog and manifest groups.
	Changesets Consumer
	Manifests  Consumer
	Logger     *logrus.Logger
}

// Apply reads every group of br, verifies each element and appends it to
// the matching revlog of st. Elements already stored are skipped. Link
// nodes of manifest and file revisions must name changesets that are
// stored or carried earlier in the bundle.
//
// Apply appends to st; the caller must hold whatever lock serializes
// writers of st.
func Apply(ctx context.Context, br *Reader, st Store, opts ApplyOptions) (*Stats, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	stats := &Stats{}

	cl := st.Changelog()
	n, err := applyGroup(ctx, br, cl, opts.Changesets, log, func(*Element) (revlog.Rev, error) {
		// A changeset links to itself.
		return revlog.Rev(cl.Len()), nil
	})
	stats.Changesets = n
	stats.Revisions += n
	if err != nil {
		return stats, err
	}

	links, err := nodemap.Build(ctx, cl.Snapshot())
	if err != nil {
		return stats, err
	}
	linkRev := func(e *Element) (revlog.Rev, error) {
		rev, ok := links.Lookup(e.LinkNode)
		if !ok {
			return revlog.NullRev, hgerr.E("apply bundle", e.Node, hgerr.IncompleteBundle,
				hgerr.Errorf("link node %s is not a known changeset", e.LinkNode.Short()))
		}
		return rev, nil
	}

	n, err = applyGroup(ctx, br, st.Manifest(), opts.Manifests, log, linkRev)
	stats.Manifests = n
	stats.Revisions += n
	if err != nil {
		return stats, err
	}

	for {
		path, ok, err := br.NextFile()
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		rl, err := st.File(path)
		if err != nil {
			return stats, err
		}
		n, err := applyGroup(ctx, br, rl, nil, log, linkRev)
		if n > 0 {
			stats.Files++
		}
		stats.Revisions += n
		if err != nil {
			return stats, hgerr.E("apply bundle", hgerr.Store(path), err)
		}
	}

	log.WithFields(logrus.Fields{
		"changesets": stats.Changesets,
		"manifests":  stats.Manifests,
		"files":      stats.Files,
		"revisions":  stats.Revisions,
	}).Info("applied bundle")
	return stats, nil
}

func applyGroup(ctx context.Context, br *Reader, rl *revlog.Revlog, c Consumer, log *logrus.Logger,
	link func(*Element) (revlog.Rev, error)) (int, error) {
	rc := NewReconstructor(rl.Name(), RevlogSource{Revlog: rl}, log)
	defer rc.Reset()
	n := 0
	err := br.Group(func(e *Element) error {
		if err := ctx.Err(); err != nil {
			return hgerr.E("apply bundle", hgerr.Store(rl.Name()), hgerr.Canceled, err)
		}
		text, err := rc.Reconstruct(e)
		if err != nil {
			return err
		}
		lr, err := link(e)
		if err != nil {
			return err
		}
		before := rl.Len()
		if _, err := rl.AddRevision(e.Node, e.P1, e.P2, lr, text); err != nil {
			if hgerr.Is(hgerr.UnknownRevision, err) {
				return hgerr.E("apply bundle", hgerr.Store(rl.Name()), e.Node, hgerr.IncompleteBundle, err)
			}
			return err
		}
		if rl.Len() > before {
			n++
		}
		if c != nil {
			return c.Consume(e, text)
		}
		return nil
	})
	return n, err
}
