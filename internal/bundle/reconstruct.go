package bundle

import (
	"bytes"

	"github.com/javanhut/hgstore/internal/hgerr"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/patch"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/sirupsen/logrus"
)

// DefaultWindow is how many recently reconstructed texts of a group are
// kept as possible delta bases.
const DefaultWindow = 64

// Source supplies full texts of revisions that already exist locally.
type Source interface {
	// Lookup returns the verified text of id. ok is false when id is not
	// stored.
	Lookup(id node.ID) (text []byte, ok bool, err error)
}

// RevlogSource looks revisions up in a local revlog.
type RevlogSource struct {
	Revlog *revlog.Revlog
}

func (s RevlogSource) Lookup(id node.ID) ([]byte, bool, error) {
	if s.Revlog == nil {
		return nil, false, nil
	}
	rev, err := s.Revlog.FindRev(id)
	if err != nil {
		if hgerr.Is(hgerr.UnknownRevision, err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	text, err := s.Revlog.Content(rev)
	if err != nil {
		return nil, false, err
	}
	return text, true, nil
}

// Consumer receives every verified revision of a group, for example a
// changeset or manifest parser.
type Consumer interface {
	Consume(e *Element, text []byte) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(e *Element, text []byte) error

func (f ConsumerFunc) Consume(e *Element, text []byte) error { return f(e, text) }

// Reconstructor rebuilds the full texts of one group's elements. The base
// of each element's delta is its first parent, which is looked for among
// the previous element, the local store and a window of recent texts of
// the same group, in that order.
type Reconstructor struct {
	store  string
	local  Source
	window int
	log    *logrus.Logger

	prev   node.ID
	prevOK bool
	prevT  []byte
	recent map[node.ID][]byte
	order  []node.ID
}

// NewReconstructor returns a reconstructor for the group of store. local
// may be nil when nothing is stored locally.
func NewReconstructor(store string, local Source, log *logrus.Logger) *Reconstructor {
	if log == nil {
		log = logrus.New()
	}
	return &Reconstructor{
		store:  store,
		local:  local,
		window: DefaultWindow,
		log:    log,
		recent: make(map[node.ID][]byte),
	}
}

// SetWindow changes how many recent texts are kept; zero keeps only the
// previous element.
func (rc *Reconstructor) SetWindow(n int) {
	if n < 0 {
		n = 0
	}
	rc.window = n
}

// Reset forgets every text of the current group.
func (rc *Reconstructor) Reset() {
	rc.prevOK = false
	rc.prevT = nil
	rc.recent = make(map[node.ID][]byte)
	rc.order = nil
}

func (rc *Reconstructor) base(e *Element) ([]byte, error) {
	if e.P1.IsNull() {
		return nil, nil
	}
	if rc.prevOK && rc.prev == e.P1 {
		return rc.prevT, nil
	}
	if rc.local != nil {
		text, ok, err := rc.local.Lookup(e.P1)
		if err != nil {
			return nil, err
		}
		if ok {
			return text, nil
		}
	}
	if text, ok := rc.recent[e.P1]; ok {
		return text, nil
	}
	return nil, hgerr.E("reconstruct bundle element", hgerr.Store(rc.store), e.Node, hgerr.IncompleteBundle,
		hgerr.Errorf("delta base %s is neither stored nor in the bundle", e.P1.Short()))
}

// Reconstruct applies e's delta to its base and verifies the result
// against e's node id.
func (rc *Reconstructor) Reconstruct(e *Element) ([]byte, error) {
	base, err := rc.base(e)
	if err != nil {
		return nil, err
	}
	text, err := patch.ApplyEncoded(base, e.Delta)
	if err != nil {
		return nil, hgerr.E("reconstruct bundle element", hgerr.Store(rc.store), e.Node, hgerr.MalformedPatch, err)
	}
	if !node.Verify(e.Node, e.P1, e.P2, text) {
		rc.log.WithFields(logrus.Fields{
			"store": rc.store,
			"node":  e.Node.Short(),
		}).Error("bundle element failed integrity check")
		return nil, hgerr.E("reconstruct bundle element", hgerr.Store(rc.store), e.Node, hgerr.IntegrityViolation,
			hgerr.Errorf("content does not hash to node id"))
	}
	// Apply returns base itself for an empty delta.
	if len(text) > 0 && len(base) > 0 && &text[0] == &base[0] {
		text = bytes.Clone(text)
	}
	rc.remember(e.Node, text)
	return text, nil
}

func (rc *Reconstructor) remember(id node.ID, text []byte) {
	rc.prev, rc.prevT, rc.prevOK = id, text, true
	if rc.window == 0 {
		return
	}
	if _, ok := rc.recent[id]; !ok {
		rc.order = append(rc.order, id)
	}
	rc.recent[id] = text
	for len(rc.order) > rc.window {
		delete(rc.recent, rc.order[0])
		rc.order = rc.order[1:]
	}
}

// ReadGroup reconstructs every element of br's current group and hands it
// to c. c may be nil.
func (rc *Reconstructor) ReadGroup(br *Reader, c Consumer) (int, error) {
	n := 0
	err := br.Group(func(e *Element) error {
		text, err := rc.Reconstruct(e)
		if err != nil {
			return err
		}
		n++
		if c != nil {
			return c.Consume(e, text)
		}
		return nil
	})
	rc.Reset()
	return n, err
}
