package setview

import (
	"context"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/store"
)

// SetState moves partitions between the active, passive and cleanup
// roles. When some of the named partitions are still draining from a
// previous cleanup the change is recorded as a pending transition and
// applied later.
func (g *Group) SetState(ctx context.Context, active, passive, cleanup []partition.ID) error {
	var opErr error
	err := g.call(ctx, func() { opErr = g.setState(active, passive, cleanup) })
	if err != nil {
		return err
	}
	return opErr
}

// MarkPartitionsForCleanup is SetState with only a cleanup list.
func (g *Group) MarkPartitionsForCleanup(ctx context.Context, parts []partition.ID) error {
	return g.SetState(ctx, nil, nil, parts)
}

func (g *Group) setState(active, passive, cleanup []partition.ID) error {
	if !g.hdr.Defined {
		return setview_errors.ErrViewUndefined
	}
	// disjointness first, bounds second: a request that contradicts
	// itself is rejected before its ids are even ranged-checked
	if err := partition.CheckDisjoint(active, passive, cleanup); err != nil {
		return err
	}
	if err := partition.CheckBounds(g.hdr.NumPartitions, active, passive, cleanup); err != nil {
		return err
	}

	if g.isNoopState(active, passive, cleanup) {
		return nil
	}

	if g.hdr.PendingTransition != nil {
		g.hdr.PendingTransition = g.hdr.PendingTransition.Merge(active, passive, cleanup)
		g.hardCommit()
		g.log.Info("merged into pending transition", "sig", g.sig.String(),
			"pending_active", g.hdr.PendingTransition.Active,
			"pending_passive", g.hdr.PendingTransition.Passive,
			"pending_cleanup", g.hdr.PendingTransition.Cleanup)
		g.maybeApplyPendingTransition()
		g.notifyPTWaiters()
		return nil
	}

	if g.cleaner != nil {
		g.stopCleaner()
	}
	updaterWasRunning := g.updater != nil
	if updaterWasRunning {
		g.stopUpdater(true)
	}

	wanted := partition.BitmaskOf(append(append([]partition.ID(nil), active...), passive...)...)
	wanted.Intersect(g.hdr.Cbitmask)
	if wanted.IsEmpty() {
		g.applyPartitionStates(active, passive, cleanup)
	} else {
		g.hdr.PendingTransition = &partition.Transition{
			Active:  partition.BitmaskOf(active...).Slice(),
			Passive: partition.BitmaskOf(passive...).Slice(),
			Cleanup: partition.BitmaskOf(cleanup...).Slice(),
		}
		g.hardCommit()
		g.log.Info("queued pending transition", "sig", g.sig.String(),
			"active", active, "passive", passive, "cleanup", cleanup,
			"in_cleanup", wanted.Slice())
	}

	g.afterStateUpdate(updaterWasRunning)
	return nil
}

// isNoopState reports whether the requested roles already hold.
func (g *Group) isNoopState(active, passive, cleanup []partition.ID) bool {
	for _, id := range active {
		if !g.hdr.Abitmask.Contains(id) {
			return false
		}
	}
	for _, id := range passive {
		if !g.hdr.Pbitmask.Contains(id) {
			return false
		}
	}
	for _, id := range cleanup {
		if !g.hdr.Cbitmask.Contains(id) {
			return false
		}
	}
	return true
}

// applyPartitionStates is the persist step: resolve replica transfers,
// run the role algebra, drop cleanup partitions from the db-set, hard
// commit and forward the replica-side changes.
func (g *Group) applyPartitionStates(active, passive, cleanup []partition.ID) {
	mainActive := active
	mainPassive := passive
	var replicaActive, replicaCleanup []partition.ID

	if g.typ == store.Main && g.hdr.HasReplica && g.replica != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.CallTimeout)
		replicaMask, err := g.replica.IndexedMask(ctx)
		cancel()
		if err == nil {
			// activating a partition the replica already serves: the
			// main side holds it passive and catches up via transfer
			onReplica := partition.BitmaskOf(active...)
			onReplica.Intersect(replicaMask)
			if !onReplica.IsEmpty() {
				transferring := onReplica.Slice()
				mainActive = subtractIDs(active, onReplica)
				mainPassive = append(append([]partition.ID(nil), passive...), transferring...)
				g.hdr.ReplicasOnTransfer.Union(onReplica)
				replicaActive = transferring
			}
			cleanupMask := partition.BitmaskOf(cleanup...)
			held := cleanupMask.Clone()
			held.Intersect(replicaMask)
			replicaCleanup = held.Slice()
		} else {
			g.log.Warn("replica mask unavailable", "sig", g.sig.String(), "err", err)
		}
		// a partition leaving for cleanup stops transferring
		g.hdr.ReplicasOnTransfer.Subtract(partition.BitmaskOf(cleanup...))
	}

	g.hdr.State().Apply(mainActive, mainPassive, cleanup)

	if len(cleanup) > 0 {
		if err := g.db.RemovePartitions(cleanup); err != nil {
			g.log.Warn("db-set remove partitions failed", "err", err)
		}
	}
	g.hardCommit()
	updatePartitionGauges(g.stats, g.hdr)

	if g.replica != nil && (len(replicaActive) > 0 || len(replicaCleanup) > 0) {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.CallTimeout)
		if err := g.replica.SetState(ctx, replicaActive, nil, replicaCleanup); err != nil {
			g.log.Warn("replica state forward failed", "sig", g.sig.String(), "err", err)
		}
		cancel()
	}
}

// afterStateUpdate restarts whatever background work the state change
// interrupted or enabled.
func (g *Group) afterStateUpdate(updaterWasRunning bool) {
	if g.terminated {
		return
	}
	if g.compactor != nil {
		g.restartCompactor()
	}
	if updaterWasRunning && g.updater == nil {
		g.startUpdater()
	}
	g.maybeStartCleaner()
	g.maybeAutoUpdate()
}

func subtractIDs(ids []partition.ID, mask partition.Bitmask) []partition.ID {
	out := make([]partition.ID, 0, len(ids))
	for _, id := range ids {
		if !mask.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// IndexedMask returns the partitions this group indexes (active union
// passive).
func (g *Group) IndexedMask(ctx context.Context) (partition.Bitmask, error) {
	var mask partition.Bitmask
	err := g.call(ctx, func() {
		mask = g.hdr.Abitmask.Clone()
		mask.Union(g.hdr.Pbitmask)
	})
	if err != nil {
		return partition.Bitmask{}, err
	}
	return mask, nil
}

// AddReplicas hands partitions to the replica group. Partitions the main
// group already indexes are ignored; the rest become passive on the
// replica.
func (g *Group) AddReplicas(ctx context.Context, parts []partition.ID) error {
	var opErr error
	var toAdd []partition.ID
	var replica *Group
	err := g.call(ctx, func() {
		if g.typ != store.Main || !g.hdr.HasReplica || g.replica == nil {
			opErr = setview_errors.ErrNoReplica
			return
		}
		replica = g.replica
		if !g.hdr.Defined {
			opErr = setview_errors.ErrViewUndefined
			return
		}
		if opErr = partition.CheckBounds(g.hdr.NumPartitions, parts); opErr != nil {
			return
		}
		for _, id := range parts {
			if g.hdr.Abitmask.Contains(id) || g.hdr.Pbitmask.Contains(id) {
				continue
			}
			toAdd = append(toAdd, id)
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if len(toAdd) == 0 {
		return nil
	}
	return replica.SetState(ctx, nil, toAdd, nil)
}

// RemoveReplicas takes partitions away from the replica group,
// cancelling any transfer in flight.
func (g *Group) RemoveReplicas(ctx context.Context, parts []partition.ID) error {
	var opErr error
	var replica *Group
	err := g.call(ctx, func() {
		if g.typ != store.Main || !g.hdr.HasReplica || g.replica == nil {
			opErr = setview_errors.ErrNoReplica
			return
		}
		replica = g.replica
		if !g.hdr.Defined {
			opErr = setview_errors.ErrViewUndefined
			return
		}
		if opErr = partition.CheckBounds(g.hdr.NumPartitions, parts); opErr != nil {
			return
		}
		onTransfer := partition.BitmaskOf(parts...)
		onTransfer.Intersect(g.hdr.ReplicasOnTransfer)
		if !onTransfer.IsEmpty() {
			// cancel the transfer: the partitions leave the main side
			// again and any cleanup change restarts the compactor
			g.hdr.ReplicasOnTransfer.Subtract(onTransfer)
			cancelled := onTransfer.Slice()
			updaterWasRunning := g.updater != nil
			if updaterWasRunning {
				g.stopUpdater(true)
			}
			g.hdr.State().MarkCleanup(cancelled)
			if err := g.db.RemovePartitions(cancelled); err != nil {
				g.log.Warn("db-set remove partitions failed", "err", err)
			}
			g.hardCommit()
			updatePartitionGauges(g.stats, g.hdr)
			g.afterStateUpdate(updaterWasRunning)
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	// replica group cleans up every removed partition, transferring or not
	return replica.SetState(ctx, nil, nil, parts)
}

// onTransferCaughtUp graduates replica transfers that the updater has
// fully absorbed: the partition becomes active on the main side and the
// replica is told to clean it up.
func (g *Group) onTransferCaughtUp(h *updaterHandle, parts []partition.ID) {
	if g.updater != h || g.terminated {
		return
	}
	var graduated []partition.ID
	for _, id := range parts {
		if !g.hdr.ReplicasOnTransfer.Contains(id) {
			continue
		}
		g.hdr.ReplicasOnTransfer.Clear(id)
		g.hdr.State().PromoteActive([]partition.ID{id})
		graduated = append(graduated, id)
	}
	if len(graduated) == 0 {
		return
	}
	g.hardCommit()
	updatePartitionGauges(g.stats, g.hdr)
	g.log.Info("replica transfer complete", "sig", g.sig.String(), "partitions", graduated)
	if g.replica != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.CallTimeout)
		if err := g.replica.SetState(ctx, nil, nil, graduated); err != nil {
			g.log.Warn("replica cleanup forward failed", "err", err)
		}
		cancel()
	}
}
