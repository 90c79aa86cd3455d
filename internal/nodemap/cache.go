package nodemap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// BucketNodemaps holds one serialized Map per revlog, keyed by store name.
var BucketNodemaps = []byte("nodemap")

// Cached maps are stored as
//
//	count        uint32
//	tip node     20 bytes
//	index print  32 bytes, revlog index fingerprint over count entries
//	checksum     32 bytes, blake3 of the body
//	body         count node ids in revision order, then count uint32
//	             natural indices in sorted order
//
// The index print ties the entry to the exact revlog history it was built
// from; a rewrite anywhere below the tip changes it.
const cacheHeaderSize = 4 + node.Size + 32 + 32

var errCacheMismatch = errors.New("cached nodemap does not match revlog")

// openTimeout bounds the wait for another process's lock on the database.
const openTimeout = time.Second

// Cache persists node maps in a bbolt database so that opening a large
// revlog does not require reading its whole index to answer lookups.
type Cache struct {
	db  *bbolt.DB
	log *logrus.Logger
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string, log *logrus.Logger) (*Cache, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open nodemap cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(BucketNodemaps)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open nodemap cache: %w", err)
	}
	return &Cache{db: db, log: log}, nil
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

// Save stores m under its store name, replacing any previous entry.
func (c *Cache) Save(m *Map) error {
	if m.Len() == 0 {
		return c.Forget(m.store)
	}
	body := make([]byte, 0, m.Len()*(node.Size+4))
	for _, id := range m.natural {
		body = append(body, id[:]...)
	}
	for _, rev := range m.reverse {
		body = binary.BigEndian.AppendUint32(body, uint32(rev))
	}
	sum := node.SumB3(body)
	tip := m.natural[m.Len()-1]

	val := make([]byte, 0, cacheHeaderSize+len(body))
	val = binary.BigEndian.AppendUint32(val, uint32(m.Len()))
	val = append(val, tip[:]...)
	val = append(val, m.print[:]...)
	val = append(val, sum[:]...)
	val = append(val, body...)

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketNodemaps).Put([]byte(m.store), val)
	})
}

// Forget removes the entry for store.
func (c *Cache) Forget(store string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketNodemaps).Delete([]byte(store))
	})
}

// Load returns the map for snap. A cached map that covers a prefix of snap
// is extended with the remaining revisions; a missing, damaged or
// mismatching entry is discarded and the map is built from snap. The
// returned bool reports whether the cache was used.
func (c *Cache) Load(ctx context.Context, snap *revlog.Snapshot) (*Map, bool, error) {
	fields := logrus.Fields{"store": snap.Name(), "generation": snap.Generation()}
	cached, err := c.read(snap)
	if err != nil {
		if !errors.Is(err, errCacheMismatch) {
			return nil, false, err
		}
		c.log.WithFields(fields).WithError(err).Debug("discarding cached nodemap")
		m, err := Build(ctx, snap)
		return m, false, err
	}
	if cached == nil {
		m, err := Build(ctx, snap)
		return m, false, err
	}
	if cached.Len() == snap.Len() {
		return cached, true, nil
	}
	timer := revlog.IndexBuildTimer("nodemap", "extend")
	defer timer.ObserveDuration()
	m, err := grow(ctx, cached, snap)
	if err != nil {
		return nil, false, err
	}
	c.log.WithFields(fields).WithField("cached", cached.Len()).Debug("extended cached nodemap")
	return m, true, nil
}

// read decodes the cached entry for snap's store. It returns nil, nil when
// there is no entry.
func (c *Cache) read(snap *revlog.Snapshot) (*Map, error) {
	var m *Map
	err := c.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(BucketNodemaps).Get([]byte(snap.Name()))
		if val == nil {
			return nil
		}
		var err error
		m, err = decodeCached(snap, val)
		return err
	})
	return m, err
}

func decodeCached(snap *revlog.Snapshot, val []byte) (*Map, error) {
	if len(val) < cacheHeaderSize {
		return nil, fmt.Errorf("%w: short entry", errCacheMismatch)
	}
	count := int(binary.BigEndian.Uint32(val[0:4]))
	var tip node.ID
	copy(tip[:], val[4:4+node.Size])
	var indexPrint, sum node.Fingerprint
	copy(indexPrint[:], val[4+node.Size:4+node.Size+32])
	copy(sum[:], val[4+node.Size+32:cacheHeaderSize])
	body := val[cacheHeaderSize:]

	if count == 0 || count > snap.Len() {
		return nil, fmt.Errorf("%w: %d cached revisions, revlog has %d", errCacheMismatch, count, snap.Len())
	}
	if len(body) != count*(node.Size+4) {
		return nil, fmt.Errorf("%w: body is %d bytes", errCacheMismatch, len(body))
	}
	if want, err := snap.Node(revlog.Rev(count - 1)); err != nil || want != tip {
		return nil, fmt.Errorf("%w: tip node differs", errCacheMismatch)
	}
	if want, ok := snap.FingerprintAt(count); !ok || want != indexPrint {
		return nil, fmt.Errorf("%w: revlog history differs below the tip", errCacheMismatch)
	}
	if node.SumB3(body) != sum {
		return nil, fmt.Errorf("%w: checksum", errCacheMismatch)
	}

	// bbolt values are only valid inside the transaction; copy out.
	m := &Map{
		store:   snap.Name(),
		epoch:   snap.Epoch(),
		print:   indexPrint,
		natural: make([]node.ID, count),
		sorted:  make([]node.ID, count),
		reverse: make([]revlog.Rev, count),
	}
	for i := range m.natural {
		copy(m.natural[i][:], body[i*node.Size:])
	}
	revs := body[count*node.Size:]
	seen := make([]bool, count)
	for i := range m.reverse {
		rev := int(binary.BigEndian.Uint32(revs[i*4:]))
		if rev >= count || seen[rev] {
			return nil, fmt.Errorf("%w: bad permutation", errCacheMismatch)
		}
		seen[rev] = true
		m.reverse[i] = revlog.Rev(rev)
		m.sorted[i] = m.natural[rev]
	}
	if !sort.SliceIsSorted(m.sorted, func(i, j int) bool { return m.sorted[i].Compare(m.sorted[j]) < 0 }) {
		return nil, fmt.Errorf("%w: sorted order", errCacheMismatch)
	}
	if count == snap.Len() {
		m.generation = snap.Generation()
	}
	return m, nil
}
