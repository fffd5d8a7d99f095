package setview

import (
	"context"
	"testing"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddReplicasWithoutReplicaSupport(t *testing.T) {
	g, _ := newTestGroup(t, "noreplica")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, false))

	err := g.AddReplicas(ctx, []partition.ID{1})
	assert.ErrorIs(t, err, setview_errors.ErrNoReplica)
	err = g.RemoveReplicas(ctx, []partition.ID{1})
	assert.ErrorIs(t, err, setview_errors.ErrNoReplica)
}

func TestAddReplicasIgnoresOwnedPartitions(t *testing.T) {
	g, _ := newTestGroup(t, "replicaowned")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, []partition.ID{1}, true))

	require.NoError(t, g.AddReplicas(ctx, []partition.ID{0, 1, 2}))
	// only the partition the main group does not index reaches the replica
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.ReplicaGroupInfo != nil &&
			contains(info.ReplicaGroupInfo.PassiveParts, 2)
	}, "replica never picked up partition 2")
	info := groupInfo(t, g)
	assert.False(t, contains(info.ReplicaGroupInfo.PassiveParts, 0))
	assert.False(t, contains(info.ReplicaGroupInfo.PassiveParts, 1))
}

func TestReplicaPromotion(t *testing.T) {
	g, _ := newTestGroup(t, "promotion")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, true))

	require.NoError(t, g.AddReplicas(ctx, []partition.ID{1}))
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.ReplicaGroupInfo != nil &&
			contains(info.ReplicaGroupInfo.PassiveParts, 1)
	}, "replica never adopted partition 1")

	// activating a replica-held partition holds it passive on the main
	// side while the transfer runs
	require.NoError(t, g.SetState(ctx, []partition.ID{1}, nil, nil))
	mustCall(t, g, func() {
		assert.True(t, g.hdr.Pbitmask.Contains(1))
		assert.False(t, g.hdr.Abitmask.Contains(1))
		assert.True(t, g.hdr.ReplicasOnTransfer.Contains(1))
	})

	// the updater absorbs the partition, graduates it to active and has
	// the replica clean it up
	require.NoError(t, g.TriggerUpdate(ctx))
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return contains(info.ActiveParts, 1) && len(info.ReplicasOnTransfer) == 0
	}, "transfer never graduated")
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.ReplicaGroupInfo != nil &&
			!contains(info.ReplicaGroupInfo.PassiveParts, 1) &&
			!contains(info.ReplicaGroupInfo.ActiveParts, 1)
	}, "replica never cleaned up the transferred partition")
}

func TestRemoveReplicas(t *testing.T) {
	g, _ := newTestGroup(t, "removereplicas")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, true))

	require.NoError(t, g.AddReplicas(ctx, []partition.ID{2, 3}))
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.ReplicaGroupInfo != nil &&
			contains(info.ReplicaGroupInfo.PassiveParts, 2) &&
			contains(info.ReplicaGroupInfo.PassiveParts, 3)
	}, "replica never adopted partitions")

	require.NoError(t, g.RemoveReplicas(ctx, []partition.ID{2}))
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.ReplicaGroupInfo != nil &&
			!contains(info.ReplicaGroupInfo.PassiveParts, 2) &&
			len(info.ReplicaGroupInfo.CleanupParts) == 0
	}, "replica never dropped partition 2")
	assert.True(t, contains(groupInfo(t, g).ReplicaGroupInfo.PassiveParts, 3))
}

func TestRemoveReplicasCancelsTransfer(t *testing.T) {
	g, _ := newTestGroup(t, "canceltransfer")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0}, nil, true))

	require.NoError(t, g.AddReplicas(ctx, []partition.ID{1}))
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.ReplicaGroupInfo != nil &&
			contains(info.ReplicaGroupInfo.PassiveParts, 1)
	}, "replica never adopted partition 1")

	require.NoError(t, g.SetState(ctx, []partition.ID{1}, nil, nil))
	// depending on updater timing the transfer may already have
	// graduated; only the on-transfer case exercises the cancel path
	var onTransfer bool
	mustCall(t, g, func() { onTransfer = g.hdr.ReplicasOnTransfer.Contains(1) })
	require.NoError(t, g.RemoveReplicas(ctx, []partition.ID{1}))
	if onTransfer {
		mustCall(t, g, func() {
			assert.False(t, g.hdr.ReplicasOnTransfer.Contains(1))
			assert.False(t, g.hdr.Pbitmask.Contains(1))
		})
	}
	eventually(t, func() bool {
		info := groupInfo(t, g)
		return info.ReplicaGroupInfo != nil &&
			!contains(info.ReplicaGroupInfo.PassiveParts, 1) &&
			!contains(info.ReplicaGroupInfo.ActiveParts, 1)
	}, "replica never dropped partition 1")
}
