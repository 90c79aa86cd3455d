package repo

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Problem is one revision that failed verification.
type Problem struct {
	Store string
	Rev   revlog.Rev
	Err   error
}

func (p Problem) String() string {
	if p.Rev == revlog.NullRev {
		return fmt.Sprintf("%s: %v", p.Store, p.Err)
	}
	return fmt.Sprintf("%s@%d: %v", p.Store, p.Rev, p.Err)
}

// VerifyReport summarizes a Verify run.
type VerifyReport struct {
	Revlogs   int
	Revisions int
	Problems  []Problem
}

// OK reports whether no problem was found.
func (v *VerifyReport) OK() bool { return len(v.Problems) == 0 }

// Verify reconstructs every revision of every revlog and checks its link
// revision against the changelog. Revlogs are checked in parallel; a bad
// revision or file is recorded and the run continues. The error is only
// set when the run could not complete.
func (r *Repo) Verify(ctx context.Context) (*VerifyReport, error) {
	files, err := r.Files()
	if err != nil {
		return nil, err
	}
	// A changelog that cannot be refreshed is reported by its own check.
	_, _ = r.changelog.Refresh()
	clLen := r.changelog.Len()

	report := &VerifyReport{}
	var mu sync.Mutex
	record := func(revs int, problems []Problem) {
		mu.Lock()
		defer mu.Unlock()
		report.Revlogs++
		report.Revisions += revs
		report.Problems = append(report.Problems, problems...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	check := func(name string, open func() (*revlog.Revlog, error), changelog bool) {
		g.Go(func() error {
			rl, err := open()
			if err != nil {
				record(0, []Problem{{Store: name, Rev: revlog.NullRev, Err: err}})
				return nil
			}
			revs, problems, err := verifyRevlog(gctx, rl, clLen, changelog)
			if err != nil {
				return err
			}
			for _, p := range problems {
				r.log.WithFields(logrus.Fields{"store": p.Store, "rev": p.Rev}).WithError(p.Err).Warn("verify failed")
			}
			record(revs, problems)
			return nil
		})
	}

	check(ChangelogName, func() (*revlog.Revlog, error) { return r.changelog, nil }, true)
	check(ManifestName, func() (*revlog.Revlog, error) { return r.manifest, nil }, false)
	for _, path := range files {
		path := path
		check(StoreName(path), func() (*revlog.Revlog, error) { return r.File(path) }, false)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(report.Problems, func(i, j int) bool {
		a, b := report.Problems[i], report.Problems[j]
		if a.Store != b.Store {
			return a.Store < b.Store
		}
		return a.Rev < b.Rev
	})
	r.log.WithFields(logrus.Fields{
		"revlogs":   report.Revlogs,
		"revisions": report.Revisions,
		"problems":  len(report.Problems),
	}).Info("verify finished")
	return report, nil
}

// verifyRevlog checks each revision of rl on its own so that one bad
// revision does not hide the others.
func verifyRevlog(ctx context.Context, rl *revlog.Revlog, clLen int, changelog bool) (int, []Problem, error) {
	if _, err := rl.Refresh(); err != nil {
		return 0, []Problem{{Store: rl.Name(), Rev: revlog.NullRev, Err: err}}, nil
	}
	snap := rl.Snapshot()
	var problems []Problem
	for rev := revlog.Rev(0); int(rev) < snap.Len(); rev++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, hgerr.E("verify", hgerr.Store(rl.Name()), hgerr.Canceled, err)
		}
		rec, err := snap.Record(rev)
		if err != nil {
			problems = append(problems, Problem{Store: rl.Name(), Rev: rev, Err: err})
			continue
		}
		switch {
		case changelog && rec.LinkRev != rev:
			problems = append(problems, Problem{Store: rl.Name(), Rev: rev,
				Err: fmt.Errorf("changeset links to %d", rec.LinkRev)})
		case !changelog && (rec.LinkRev < 0 || int(rec.LinkRev) >= clLen):
			problems = append(problems, Problem{Store: rl.Name(), Rev: rev,
				Err: fmt.Errorf("link revision %d outside changelog of %d revisions", rec.LinkRev, clLen)})
		}
		if _, err := rl.Content(rev); err != nil {
			problems = append(problems, Problem{Store: rl.Name(), Rev: rev, Err: err})
		}
	}
	return snap.Len(), problems, nil
}
