package setview

import (
	"context"
	"testing"
	"time"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactionDropsCleanupPartitions(t *testing.T) {
	g, db := newTestGroup(t, "compact")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0, 1}, nil, false))

	db.Append(0, []byte("keep"), []byte("x"), false)
	db.Append(1, []byte("drop"), []byte("y"), false)
	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	snap.Release()

	var oldPath string
	mustCall(t, g, func() {
		oldPath = g.file.Path
		// cleanup still pending when the compactor runs
		g.hdr.State().MarkCleanup([]partition.ID{1})
	})

	require.NoError(t, g.StartCompact(ctx))
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return !info.CompactRunning && len(info.CleanupParts) == 0
	}, "compaction never finished")

	mustCall(t, g, func() {
		suffix, serr := store.SuffixOf(g.file.Path)
		require.NoError(t, serr)
		assert.Equal(t, 2, suffix)
		assert.NotEqual(t, oldPath, g.file.Path)
		assert.True(t, g.hdr.Cbitmask.IsEmpty())
	})

	snap, err = g.RequestGroup(ctx, nil, StaleOK)
	require.NoError(t, err)
	defer snap.Release()
	_, _, err = snap.Trees.Get(store.IDKey(1, []byte("drop")))
	assert.Error(t, err, "cleanup partition survived compaction")
	val, closer, err := snap.Trees.Get(store.IDKey(0, []byte("keep")))
	require.NoError(t, err)
	assert.NotEmpty(t, val)
	require.NoError(t, closer.Close())

	// the superseded file goes away once its readers are gone
	eventually(t, func() bool {
		_, err := store.DiskSize(oldPath)
		return err != nil
	}, "old group file never deleted")
}

func TestCompactDoneBehindAsksForRetry(t *testing.T) {
	g, db := newTestGroup(t, "compactbehind")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))

	db.Append(0, []byte("d1"), []byte("x"), false)
	db.Append(0, []byte("d2"), []byte("y"), false)
	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	snap.Release()

	mustCall(t, g, func() {
		require.Equal(t, uint64(2), g.hdr.Seqs[0])
		h := &compactorHandle{
			id:      "test",
			started: time.Now(),
			verdict: make(chan compactVerdict, 1),
			done:    make(chan struct{}),
		}
		g.compactor = h
		// a snapshot taken at seq 1 while the group moved to seq 2
		res := compactResult{
			seqs:  partition.Seqs{0: 1},
			purge: partition.Seqs{0: 0},
		}
		g.onCompactDone(h, res)

		v := <-h.verdict
		assert.True(t, v.retry)
		assert.Equal(t, uint64(2), v.seqs[0])
		require.NotNil(t, v.snap)
		_ = v.snap.Close()
		g.compactor = nil
	})
}

func TestCancelCompact(t *testing.T) {
	g, db := newTestGroup(t, "compactcancel")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))

	// cancelling with nothing running is a no-op
	require.NoError(t, g.CancelCompact(ctx))

	db.Append(0, []byte("d"), []byte("x"), false)
	require.NoError(t, g.StartCompact(ctx))
	require.NoError(t, g.CancelCompact(ctx))

	eventually(t, func() bool {
		return !groupInfo(t, g).CompactRunning
	}, "compactor still running after cancel")

	var path string
	mustCall(t, g, func() { path = store.CompactPath(g.file.Path) })
	eventually(t, func() bool {
		_, err := store.DiskSize(path)
		return err != nil
	}, "partial compact file not deleted")
}

func TestStartCompactTwiceIsNoop(t *testing.T) {
	g, _ := newTestGroup(t, "compacttwice")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))
	require.NoError(t, g.StartCompact(ctx))
	require.NoError(t, g.StartCompact(ctx))
	eventually(t, func() bool {
		return !groupInfo(t, g).CompactRunning
	}, "compaction never finished")
}
