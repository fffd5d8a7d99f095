package setview

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/lt1946/setview/dbset"
	"github.com/lt1946/setview/header"
	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/store"
	"github.com/lt1946/setview/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Logger:         utils.NewDefaultLogger(slog.LevelError),
		CommitInterval: 50 * time.Millisecond,
	}
}

func newTestGroup(t *testing.T, name string) (*Group, *dbset.Memory) {
	t.Helper()
	db := dbset.NewMemory()
	g, err := OpenGroup(Config{
		SetName:         "testset",
		Name:            name,
		Language:        "go",
		Views:           []ViewDef{{Name: name + "/by_id"}},
		Dir:             t.TempDir(),
		DbSet:           db,
		NewReplicaDbSet: func() dbset.Set { return dbset.NewMemory() },
		Options:         testOptions(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Close(ctx)
	})
	return g, db
}

func mustCall(t *testing.T, g *Group, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.call(ctx, fn))
}

func groupInfo(t *testing.T, g *Group) *GroupInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := g.RequestGroupInfo(ctx)
	require.NoError(t, err)
	return info
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond, msg)
}

func TestDefineView(t *testing.T) {
	g, _ := newTestGroup(t, "define")
	ctx := context.Background()

	defined, err := g.IsViewDefined(ctx)
	require.NoError(t, err)
	assert.False(t, defined)

	err = g.DefineView(ctx, 8, []partition.ID{0, 1, 2, 3}, []partition.ID{4, 5}, true)
	require.NoError(t, err)

	defined, err = g.IsViewDefined(ctx)
	require.NoError(t, err)
	assert.True(t, defined)

	mustCall(t, g, func() {
		assert.Equal(t, []partition.ID{0, 1, 2, 3}, g.hdr.Abitmask.Slice())
		assert.Equal(t, []partition.ID{4, 5}, g.hdr.Pbitmask.Slice())
		assert.True(t, g.hdr.Cbitmask.IsEmpty())
		assert.Len(t, g.hdr.Seqs, 6)
		for id, seq := range g.hdr.Seqs {
			assert.Equal(t, uint64(0), seq, "partition %d", id)
		}
		assert.True(t, g.hdr.HasReplica)
		assert.True(t, g.hdr.ReplicasOnTransfer.IsEmpty())
		require.NotNil(t, g.replica)
	})

	// replica defined with the same partition count, empty role lists
	rdef, err := g.replica.IsViewDefined(ctx)
	require.NoError(t, err)
	assert.True(t, rdef)
	mustCall(t, g.replica, func() {
		assert.Equal(t, 8, g.replica.hdr.NumPartitions)
		assert.True(t, g.replica.hdr.Abitmask.IsEmpty())
		assert.True(t, g.replica.hdr.Pbitmask.IsEmpty())
		assert.False(t, g.replica.hdr.HasReplica)
	})

	// the header survives a reload
	mustCall(t, g, func() {
		hdr, lerr := g.loadHeader()
		require.NoError(t, lerr)
		assert.True(t, hdr.Defined)
		assert.Equal(t, 8, hdr.NumPartitions)
		assert.Equal(t, []partition.ID{0, 1, 2, 3}, hdr.Abitmask.Slice())
	})
}

func TestDefineViewIdempotent(t *testing.T) {
	g, _ := newTestGroup(t, "redefine")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, false))

	var before []byte
	mustCall(t, g, func() {
		var err error
		before, err = header.Encode(g.sig, g.hdr)
		require.NoError(t, err)
	})

	err := g.DefineView(ctx, 8, []partition.ID{1}, nil, true)
	assert.ErrorIs(t, err, setview_errors.ErrViewAlreadyDefined)

	mustCall(t, g, func() {
		after, err := header.Encode(g.sig, g.hdr)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestDefineViewValidation(t *testing.T) {
	g, _ := newTestGroup(t, "definebad")
	ctx := context.Background()

	err := g.DefineView(ctx, 8, []partition.ID{0, 1}, []partition.ID{1}, false)
	assert.ErrorIs(t, err, setview_errors.ErrIntersectingLists)

	err = g.DefineView(ctx, 4, []partition.ID{4}, nil, false)
	assert.ErrorIs(t, err, setview_errors.ErrInvalidPartitions)

	err = g.DefineView(ctx, 0, nil, nil, false)
	assert.ErrorIs(t, err, setview_errors.ErrInvalidPartitions)

	defined, err := g.IsViewDefined(ctx)
	require.NoError(t, err)
	assert.False(t, defined)
}

func TestRequestGroupBeforeDefine(t *testing.T) {
	g, _ := newTestGroup(t, "undefined")
	_, err := g.RequestGroup(context.Background(), nil, StaleOK)
	assert.ErrorIs(t, err, setview_errors.ErrViewUndefined)

	err = g.SetState(context.Background(), []partition.ID{0}, nil, nil)
	assert.ErrorIs(t, err, setview_errors.ErrViewUndefined)
}

func TestStaleFalseWaitsForUpdate(t *testing.T) {
	g, db := newTestGroup(t, "stalefalse")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0, 1}, nil, false))

	db.Append(0, []byte("doc-a"), []byte("alpha"), false)
	db.Append(0, []byte("doc-b"), []byte("beta"), false)
	db.Append(1, []byte("doc-c"), []byte("gamma"), false)

	snap, err := g.RequestGroup(ctx, []partition.ID{0, 1}, StaleFalse)
	require.NoError(t, err)
	defer snap.Release()

	assert.Equal(t, g.Sig(), snap.Sig)
	assert.Equal(t, uint64(2), snap.Header.Seqs[0])
	assert.Equal(t, uint64(1), snap.Header.Seqs[1])

	val, closer, err := snap.Trees.Get(store.IDKey(0, []byte("doc-a")))
	require.NoError(t, err)
	assert.NotEmpty(t, val)
	assert.Equal(t, uint64(1), DocSeq(val))
	require.NoError(t, closer.Close())
}

func TestStaleOKRepliesImmediately(t *testing.T) {
	g, db := newTestGroup(t, "staleok")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))
	db.Append(0, []byte("d"), []byte("x"), false)

	snap, err := g.RequestGroup(ctx, nil, StaleOK)
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, uint64(0), snap.Header.Seqs[0])
}

func TestStaleUpdateAfter(t *testing.T) {
	g, db := newTestGroup(t, "updateafter")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))
	db.Append(0, []byte("d"), []byte("x"), false)

	listener, err := g.AddUpdateListener(ctx)
	require.NoError(t, err)

	snap, err := g.RequestGroup(ctx, nil, StaleUpdateAfter)
	require.NoError(t, err)
	snap.Release()

	select {
	case uerr := <-listener:
		require.NoError(t, uerr)
	case <-time.After(10 * time.Second):
		t.Fatal("updater never finished")
	}
	eventually(t, func() bool {
		return groupInfo(t, g).UpdateSeqs[0] == 1
	}, "sequence never advanced")
}

func TestSetStateNoop(t *testing.T) {
	g, _ := newTestGroup(t, "noop")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 8, []partition.ID{0, 1}, []partition.ID{2}, false))

	var before []byte
	mustCall(t, g, func() {
		var err error
		before, err = header.Encode(g.sig, g.hdr)
		require.NoError(t, err)
	})

	require.NoError(t, g.SetState(ctx, []partition.ID{0}, []partition.ID{2}, nil))

	mustCall(t, g, func() {
		after, err := header.Encode(g.sig, g.hdr)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestSetStateMovesRoles(t *testing.T) {
	g, db := newTestGroup(t, "moves")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0, 1}, nil, false))

	db.Append(1, []byte("d"), []byte("x"), false)
	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	snap.Release()

	require.NoError(t, g.SetState(ctx, []partition.ID{0}, []partition.ID{1}, nil))
	mustCall(t, g, func() {
		assert.Equal(t, []partition.ID{0}, g.hdr.Abitmask.Slice())
		assert.Equal(t, []partition.ID{1}, g.hdr.Pbitmask.Slice())
		// demotion keeps the indexed sequence
		assert.Equal(t, uint64(1), g.hdr.Seqs[1])
	})
}

func TestCleanupPurgesPartition(t *testing.T) {
	g, db := newTestGroup(t, "cleanup")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0, 1}, nil, false))

	db.Append(0, []byte("keep"), []byte("x"), false)
	db.Append(1, []byte("drop"), []byte("y"), false)
	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	snap.Release()

	require.NoError(t, g.SetState(ctx, nil, nil, []partition.ID{1}))
	mustCall(t, g, func() {
		_, ok := g.hdr.Seqs[1]
		assert.False(t, ok, "cleanup partition keeps no sequence")
	})

	// the cleaner drains the cleanup bit and the data
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return len(info.CleanupParts) == 0 && !info.CleanupRunning
	}, "cleanup never drained")

	snap, err = g.RequestGroup(ctx, nil, StaleOK)
	require.NoError(t, err)
	defer snap.Release()
	_, _, err = snap.Trees.Get(store.IDKey(1, []byte("drop")))
	assert.Error(t, err, "purged doc still present")
	val, closer, err := snap.Trees.Get(store.IDKey(0, []byte("keep")))
	require.NoError(t, err)
	assert.NotEmpty(t, val)
	require.NoError(t, closer.Close())
}

func TestAllPartitionsCleanup(t *testing.T) {
	g, _ := newTestGroup(t, "allcleanup")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, []partition.ID{1}, false))

	require.NoError(t, g.SetState(ctx, nil, nil, []partition.ID{0, 1}))
	mustCall(t, g, func() {
		assert.True(t, g.hdr.Abitmask.IsEmpty())
		assert.True(t, g.hdr.Pbitmask.IsEmpty())
		assert.Empty(t, g.hdr.Seqs)
		assert.Empty(t, g.hdr.PurgeSeqs)
	})
	eventually(t, func() bool {
		return len(groupInfo(t, g).CleanupParts) == 0
	}, "cleanup never drained")
}

func TestSinglePartitionGroup(t *testing.T) {
	g, db := newTestGroup(t, "single")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 1, []partition.ID{0}, nil, false))
	db.Append(0, []byte("only"), []byte("doc"), false)

	snap, err := g.RequestGroup(ctx, []partition.ID{0}, StaleFalse)
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, uint64(1), snap.Header.Seqs[0])

	err = g.SetState(ctx, nil, nil, []partition.ID{1})
	assert.ErrorIs(t, err, setview_errors.ErrInvalidPartitions)
}

func TestEmptyActiveListIsValid(t *testing.T) {
	g, _ := newTestGroup(t, "emptyactive")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, nil, nil, false))

	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	defer snap.Release()
	assert.Empty(t, snap.Header.Seqs)
}

func TestSetStateValidationOrder(t *testing.T) {
	g, _ := newTestGroup(t, "valorder")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, false))

	// both violations present: disjointness wins
	err := g.SetState(ctx, []partition.ID{9}, []partition.ID{9}, nil)
	assert.ErrorIs(t, err, setview_errors.ErrIntersectingLists)

	err = g.SetState(ctx, []partition.ID{9}, nil, nil)
	assert.ErrorIs(t, err, setview_errors.ErrInvalidPartitions)
}

func TestPendingTransition(t *testing.T) {
	g, _ := newTestGroup(t, "pending")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 8, []partition.ID{0, 1, 2, 3}, []partition.ID{4, 5}, false))

	mustCall(t, g, func() {
		// partition 6 is still draining from an earlier cleanup
		g.hdr.Cbitmask.Set(6)

		require.NoError(t, g.setState([]partition.ID{6}, nil, []partition.ID{4}))

		// queued, not applied: bitmasks unchanged, transition persisted
		require.NotNil(t, g.hdr.PendingTransition)
		assert.Equal(t, []partition.ID{6}, g.hdr.PendingTransition.Active)
		assert.Equal(t, []partition.ID{4}, g.hdr.PendingTransition.Cleanup)
		assert.Equal(t, []partition.ID{0, 1, 2, 3}, g.hdr.Abitmask.Slice())
		assert.Equal(t, []partition.ID{4, 5}, g.hdr.Pbitmask.Slice())
		assert.True(t, g.hdr.Cbitmask.Contains(6))
	})

	// the cleaner drains bit 6, then the transition applies
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.PendingTransition == nil && contains(info.ActiveParts, 6)
	}, "pending transition never applied")

	mustCall(t, g, func() {
		assert.Equal(t, []partition.ID{0, 1, 2, 3, 6}, g.hdr.Abitmask.Slice())
		assert.Equal(t, []partition.ID{5}, g.hdr.Pbitmask.Slice())
		assert.Equal(t, uint64(0), g.hdr.Seqs[6])
		_, ok := g.hdr.Seqs[4]
		assert.False(t, ok, "cleanup partition keeps no sequence")
	})
}

func TestSetStateMergesIntoPending(t *testing.T) {
	g, _ := newTestGroup(t, "pendingmerge")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 8, []partition.ID{0}, nil, false))

	mustCall(t, g, func() {
		g.hdr.Cbitmask.Set(6)
		g.hdr.Cbitmask.Set(7)
		require.NoError(t, g.setState([]partition.ID{6}, nil, nil))
		require.NotNil(t, g.hdr.PendingTransition)

		// burst updates merge instead of queueing
		require.NoError(t, g.setState([]partition.ID{7}, nil, []partition.ID{6}))
		require.NotNil(t, g.hdr.PendingTransition)
		assert.Equal(t, []partition.ID{7}, g.hdr.PendingTransition.Active)
		assert.Equal(t, []partition.ID{6}, g.hdr.PendingTransition.Cleanup)
	})

	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.PendingTransition == nil && contains(info.ActiveParts, 7)
	}, "merged transition never applied")
}

func TestRequestParkedOnPendingTransition(t *testing.T) {
	g, _ := newTestGroup(t, "parked")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 8, []partition.ID{0, 1, 2, 3}, nil, false))

	mustCall(t, g, func() {
		g.hdr.PendingTransition = &partition.Transition{Active: []partition.ID{7}}
	})

	type result struct {
		snap *GroupSnapshot
		err  error
	}
	got := make(chan result, 1)
	go func() {
		snap, err := g.RequestGroup(ctx, []partition.ID{3, 7}, StaleFalse)
		got <- result{snap, err}
	}()

	// parked, and no updater was started for it
	eventually(t, func() bool {
		return groupInfo(t, g).WaitingClients == 1
	}, "request never parked")
	assert.False(t, groupInfo(t, g).UpdaterRunning)
	select {
	case <-got:
		t.Fatal("parked request replied early")
	default:
	}

	mustCall(t, g, func() { g.maybeApplyPendingTransition() })

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.True(t, r.snap.Header.Abitmask.Contains(7))
		r.snap.Release()
	case <-time.After(10 * time.Second):
		t.Fatal("parked request never replied")
	}
}

func TestPartitionDeleted(t *testing.T) {
	g, _ := newTestGroup(t, "partdeleted")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, []partition.ID{1}, false))

	outcome, err := g.PartitionDeleted(ctx, 3, false)
	require.NoError(t, err)
	assert.Equal(t, PartitionIgnored, outcome)

	outcome, err = g.PartitionDeleted(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, PartitionShutdown, outcome)

	<-g.Done()
	var dbErr *setview_errors.DbDeleted
	require.ErrorAs(t, g.ExitReason(), &dbErr)
	assert.Equal(t, partition.ID(1), dbErr.Partition)
}

func TestMasterDeleted(t *testing.T) {
	g, _ := newTestGroup(t, "masterdeleted")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, false))

	outcome, err := g.PartitionDeleted(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, PartitionShutdown, outcome)
	<-g.Done()
	var dbErr *setview_errors.DbDeleted
	require.ErrorAs(t, g.ExitReason(), &dbErr)
	assert.True(t, dbErr.Master)
}

func TestDdocUpdated(t *testing.T) {
	g, _ := newTestGroup(t, "ddoc")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, false))

	// same signature: nothing happens
	require.NoError(t, g.DdocUpdated(ctx, uint64(g.Sig())))
	select {
	case <-g.Done():
		t.Fatal("group died on an unchanged signature")
	default:
	}

	// changed signature: normal exit, no error
	err := g.DdocUpdated(ctx, uint64(g.Sig())+1)
	if err != nil {
		var sd *setview_errors.Shutdown
		require.ErrorAs(t, err, &sd)
	}
	<-g.Done()
	assert.NoError(t, g.ExitReason())

	_, err = g.RequestGroup(ctx, nil, StaleOK)
	var sd *setview_errors.Shutdown
	assert.ErrorAs(t, err, &sd)
}

func TestDbSetDied(t *testing.T) {
	g, db := newTestGroup(t, "dbdied")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, false))

	boom := errors.New("lost the databases")
	db.Fail(boom)
	<-g.Done()
	var died *setview_errors.TaskDied
	require.ErrorAs(t, g.ExitReason(), &died)
	assert.Equal(t, "db-set", died.Task)
}

func contains(ids []partition.ID, id partition.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
