package revlog

import (
	"bytes"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/patch"
	"github.com/sirupsen/logrus"
)

// cached returns the cached text when it belongs to snap's epoch.
func (r *Revlog) cached(snap *Snapshot) (Rev, []byte) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.cache.rev == NullRev || r.cache.epoch != snap.epoch || int(r.cache.rev) >= snap.Len() {
		return NullRev, nil
	}
	return r.cache.rev, r.cache.text
}

// remember caches a private copy of text so callers may modify what they
// were given.
func (r *Revlog) remember(snap *Snapshot, rev Rev, text []byte) {
	text = bytes.Clone(text)
	r.cacheMu.Lock()
	r.cache = textCache{epoch: snap.epoch, rev: rev, text: text}
	r.cacheMu.Unlock()
}

func sameBacking(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// reconstruct rebuilds rev from its delta chain and verifies it against
// the node id. It never returns unverified content.
func (r *Revlog) reconstruct(rd *reader, rev Rev) ([]byte, error) {
	snap := rd.snap
	e := &snap.entries[rev]

	cacheRev, cacheText := r.cached(snap)
	if cacheRev == rev {
		return bytes.Clone(cacheText), nil
	}
	chain, err := snap.chain(rev, cacheRev)
	if err != nil {
		return nil, err
	}

	// chain is leaf first; when it stopped at the cached revision the last
	// element is a delta against cacheText, otherwise it is a full text.
	var text []byte
	last := chain[len(chain)-1]
	startFromCache := cacheRev != NullRev && snap.deltaParent(last) == cacheRev
	if startFromCache {
		text = cacheText
	}
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		data, err := rd.chunk(cur)
		if err != nil {
			return nil, err
		}
		if i == len(chain)-1 && !startFromCache {
			text = data
			continue
		}
		text, err = patch.ApplyEncoded(text, data)
		if err != nil {
			return nil, hgerr.E("apply delta", hgerr.Store(r.name), hgerr.Rev(cur), snap.entries[cur].node,
				hgerr.MalformedPatch, err)
		}
	}
	if startFromCache && sameBacking(text, cacheText) {
		text = bytes.Clone(text)
	}
	reconstructionsTotal.Inc()
	chainLength.Observe(float64(len(chain)))

	if err := r.verify(snap, rev, text); err != nil {
		integrityFailuresTotal.Inc()
		r.log.WithFields(logrus.Fields{
			"store": r.name,
			"rev":   rev,
			"node":  e.node.Short(),
		}).Error("revision failed integrity check")
		return nil, err
	}
	r.remember(snap, rev, text)
	return text, nil
}

// verify checks text against the recorded length and node id of rev.
func (r *Revlog) verify(snap *Snapshot, rev Rev, text []byte) error {
	e := &snap.entries[rev]
	if len(text) != e.rawLen {
		return hgerr.E("verify", hgerr.Store(r.name), hgerr.Rev(rev), e.node, hgerr.IntegrityViolation,
			hgerr.Errorf("content length %d, index records %d", len(text), e.rawLen))
	}
	if !node.Verify(e.node, snap.nodeOf(e.p1), snap.nodeOf(e.p2), text) {
		return hgerr.E("verify", hgerr.Store(r.name), hgerr.Rev(rev), e.node, hgerr.IntegrityViolation,
			hgerr.Errorf("content does not hash to node id"))
	}
	return nil
}

// ChainLength returns the number of chunks needed to rebuild rev.
func (s *Snapshot) ChainLength(rev Rev) (int, error) {
	chain, err := s.Chain(rev)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}
