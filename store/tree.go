package store

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lt1946/setview/header"
	"github.com/lt1946/setview/partition"
	"github.com/pkg/errors"
)

// Key layout of the tree store:
//
//	'D' part(2, BE) docid...            id-tree
//	'V' view(2, BE) part(2, BE) key...  view trees
//
// Partition ids sit big-endian right after the tree tag so a whole
// partition is one contiguous key range, which is what guided purge and
// the compactor copy loop iterate.

const (
	idTreeTag   = 'D'
	viewTreeTag = 'V'
)

// Entry is one mutation the updater applies to a tree. View is the view
// ordinal, or IDTree for the id-tree.
type Entry struct {
	View      int
	Partition partition.ID
	Key       []byte
	Value     []byte
	Delete    bool
}

const IDTree = -1

func IDKey(part partition.ID, docID []byte) []byte {
	key := make([]byte, 0, 3+len(docID))
	key = append(key, idTreeTag)
	key = binary.BigEndian.AppendUint16(key, part)
	return append(key, docID...)
}

func ViewKey(view int, part partition.ID, userKey []byte) []byte {
	key := make([]byte, 0, 5+len(userKey))
	key = append(key, viewTreeTag)
	key = binary.BigEndian.AppendUint16(key, uint16(view))
	key = binary.BigEndian.AppendUint16(key, part)
	return append(key, userKey...)
}

// partOf parses the partition id out of a tree key.
func partOf(key []byte) (partition.ID, bool) {
	switch {
	case len(key) >= 3 && key[0] == idTreeTag:
		return partition.ID(binary.BigEndian.Uint16(key[1:3])), true
	case len(key) >= 5 && key[0] == viewTreeTag:
		return partition.ID(binary.BigEndian.Uint16(key[3:5])), true
	}
	return 0, false
}

// partRangeEnd returns the first key after the partition the given key
// belongs to, for seek-skipping over whole partitions.
func partRangeEnd(key []byte) []byte {
	var pfx int
	switch key[0] {
	case idTreeTag:
		pfx = 3
	case viewTreeTag:
		pfx = 5
	default:
		return nil
	}
	end := append([]byte(nil), key[:pfx]...)
	for i := pfx - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

// purgePageSize bounds how many keys a guided purge deletes between
// cancellation checks.
const purgePageSize = 1024

// TreeStore is the pebble database under a group directory that holds the
// id-tree and the view trees.
type TreeStore struct {
	db    *pebble.DB
	epoch atomic.Uint64

	presentCache *lru.Cache[uint64, partition.Bitmask]
}

func OpenTreeStore(path string) (*TreeStore, error) {
	db, err := pebble.Open(filepath.Join(path, "data"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(mapOpenErr(err, path), "open tree store")
	}
	cache, _ := lru.New[uint64, partition.Bitmask](16)
	return &TreeStore{db: db, presentCache: cache}, nil
}

func (ts *TreeStore) Close() error {
	if ts.db == nil {
		return nil
	}
	err := ts.db.Close()
	ts.db = nil
	return err
}

// State is the opaque per-commit tree state stored in the header; it
// advances with every batch so staleness is detectable.
func (ts *TreeStore) State() []byte {
	return binary.LittleEndian.AppendUint64(nil, ts.epoch.Load())
}

// Apply writes a batch of tree mutations.
func (ts *TreeStore) Apply(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := ts.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		var key []byte
		if e.View == IDTree {
			key = IDKey(e.Partition, e.Key)
		} else {
			key = ViewKey(e.View, e.Partition, e.Key)
		}
		var err error
		if e.Delete {
			err = batch.Delete(key, nil)
		} else {
			err = batch.Set(key, e.Value, nil)
		}
		if err != nil {
			return err
		}
	}
	if err := ts.db.Apply(batch, pebble.NoSync); err != nil {
		return err
	}
	ts.epoch.Add(1)
	return nil
}

// GetDoc reads an id-tree entry, nil when absent.
func (ts *TreeStore) GetDoc(part partition.ID, docID []byte) ([]byte, error) {
	val, closer, err := ts.db.Get(IDKey(part, docID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

// GuidedPurge walks every tree and removes the entries of partitions in
// mask. It checks ctx between pages so a cleaner stop returns promptly;
// on cancellation it reports the partial count together with ctx.Err().
func (ts *TreeStore) GuidedPurge(ctx context.Context, mask partition.Bitmask) (removed int64, err error) {
	iter, err := ts.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	batch := ts.db.NewBatch()
	page := 0
	flush := func() error {
		if batch.Empty() {
			return nil
		}
		if err := ts.db.Apply(batch, pebble.NoSync); err != nil {
			return err
		}
		ts.epoch.Add(1)
		_ = batch.Close()
		batch = ts.db.NewBatch()
		page = 0
		return nil
	}
	defer func() { _ = batch.Close() }()

	for valid := iter.First(); valid; {
		part, ok := partOf(iter.Key())
		if !ok {
			valid = iter.Next()
			continue
		}
		if !mask.Contains(part) {
			// skip the rest of this partition in one seek
			end := partRangeEnd(iter.Key())
			if end == nil {
				break
			}
			valid = iter.SeekGE(end)
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return removed, err
		}
		removed++
		page++
		if page >= purgePageSize {
			if err := flush(); err != nil {
				return removed, err
			}
			if err := ctx.Err(); err != nil {
				return removed, err
			}
		}
		valid = iter.Next()
	}
	if err := flush(); err != nil {
		return removed, err
	}
	return removed, ctx.Err()
}

// PresentPartitions reduces the trees to the set of partitions that still
// hold at least one entry. Results are cached per store epoch.
func (ts *TreeStore) PresentPartitions() (partition.Bitmask, error) {
	epoch := ts.epoch.Load()
	if cached, ok := ts.presentCache.Get(epoch); ok {
		return cached.Clone(), nil
	}
	present := partition.NewBitmask()
	iter, err := ts.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return partition.Bitmask{}, err
	}
	defer iter.Close()
	for valid := iter.First(); valid; {
		part, ok := partOf(iter.Key())
		if ok {
			present.Set(part)
		}
		end := partRangeEnd(iter.Key())
		if end == nil {
			break
		}
		valid = iter.SeekGE(end)
	}
	ts.presentCache.Add(epoch, present.Clone())
	return present, nil
}

// Snapshot hands out a stable read view for clients and the compactor.
func (ts *TreeStore) Snapshot() *pebble.Snapshot {
	return ts.db.NewSnapshot()
}

// CopyLive streams every entry not belonging to an excluded partition
// from the snapshot into dst, the compactor's rewrite loop. Cancellation
// is checked between pages.
func (ts *TreeStore) CopyLive(ctx context.Context, snap pebble.Reader, dst *TreeStore, exclude partition.Bitmask) (copied int64, err error) {
	iter, err := snap.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	batch := dst.db.NewBatch()
	defer func() { _ = batch.Close() }()
	page := 0
	for valid := iter.First(); valid; {
		part, ok := partOf(iter.Key())
		if ok && exclude.Contains(part) {
			end := partRangeEnd(iter.Key())
			if end == nil {
				break
			}
			valid = iter.SeekGE(end)
			continue
		}
		if err := batch.Set(
			append([]byte(nil), iter.Key()...),
			append([]byte(nil), iter.Value()...), nil); err != nil {
			return copied, err
		}
		copied++
		page++
		if page >= purgePageSize {
			if err := dst.db.Apply(batch, pebble.NoSync); err != nil {
				return copied, err
			}
			dst.epoch.Add(1)
			_ = batch.Close()
			batch = dst.db.NewBatch()
			page = 0
			if err := ctx.Err(); err != nil {
				return copied, err
			}
		}
		valid = iter.Next()
	}
	if !batch.Empty() {
		if err := dst.db.Apply(batch, pebble.NoSync); err != nil {
			return copied, err
		}
		dst.epoch.Add(1)
	}
	return copied, ctx.Err()
}

// DataSize estimates the live data footprint of the trees.
func (ts *TreeStore) DataSize() (uint64, error) {
	lo := []byte{idTreeTag}
	hi := []byte{viewTreeTag + 1}
	return ts.db.EstimateDiskUsage(lo, hi)
}

// Flush forces pebble to persist what a header commit refers to.
func (ts *TreeStore) Flush() error {
	return ts.db.Flush()
}

// ViewStates materialises one opaque tree state per view for the header.
func (ts *TreeStore) ViewStates(numViews int, seqs, purgeSeqs partition.Seqs) []header.ViewState {
	states := make([]header.ViewState, 0, numViews)
	for i := 0; i < numViews; i++ {
		states = append(states, header.ViewState{
			BtreeState: ts.State(),
			Seqs:       seqs.Clone(),
			PurgeSeqs:  purgeSeqs.Clone(),
		})
	}
	return states
}
