package setview

import (
	"context"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/store"
)

// Staleness is the freshness demand of a group request.
type Staleness int

const (
	// StaleFalse waits for the index to catch up with the active
	// partitions before replying.
	StaleFalse Staleness = iota
	// StaleOK replies from the current snapshot.
	StaleOK
	// StaleUpdateAfter replies from the current snapshot and then kicks
	// the updater.
	StaleUpdateAfter
)

func (s Staleness) String() string {
	return []string{"false", "ok", "update_after"}[s]
}

// IsViewDefined reports whether DefineView ran for this group.
func (g *Group) IsViewDefined(ctx context.Context) (bool, error) {
	var defined bool
	err := g.call(ctx, func() { defined = g.hdr.Defined })
	return defined, err
}

// DefineView configures the group: partition count, initial roles and
// replica support. The first definition wins; the header is hard
// committed before it returns.
func (g *Group) DefineView(ctx context.Context, numPartitions int, active, passive []partition.ID, useReplica bool) error {
	var opErr error
	var replica *Group
	err := g.call(ctx, func() {
		if g.hdr.Defined {
			opErr = setview_errors.ErrViewAlreadyDefined
			return
		}
		if opErr = partition.CheckDisjoint(active, passive, nil); opErr != nil {
			return
		}
		if numPartitions <= 0 {
			opErr = setview_errors.ErrInvalidPartitions
			return
		}
		if opErr = partition.CheckBounds(numPartitions, active, passive); opErr != nil {
			return
		}
		g.hdr.Defined = true
		g.hdr.NumPartitions = numPartitions
		g.hdr.State().Apply(active, passive, nil)
		g.hdr.HasReplica = useReplica && g.typ == store.Main
		g.hardCommit()
		g.log.Info("view group defined", "sig", g.sig.String(),
			"partitions", numPartitions, "active", active,
			"passive", passive, "replica", g.hdr.HasReplica)
		if g.hdr.HasReplica && g.replica == nil {
			if opErr = g.openReplica(); opErr != nil {
				return
			}
			go g.replica.run()
		}
		replica = g.replica
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if replica != nil {
		return replica.DefineView(ctx, numPartitions, nil, nil, false)
	}
	return nil
}

// RequestGroup obtains a reference-counted snapshot honouring the given
// staleness. The caller must Release the snapshot.
func (g *Group) RequestGroup(ctx context.Context, wanted []partition.ID, stale Staleness) (*GroupSnapshot, error) {
	w := newWaiter(wanted, stale)
	err := g.call(ctx, func() { g.handleRequestGroup(w) })
	if err != nil {
		return nil, err
	}
	select {
	case r := <-w.reply:
		return r.snap, r.err
	case <-ctx.Done():
		// a late reply must not leak its file reference
		go func() {
			if r := <-w.reply; r.snap != nil {
				r.snap.Release()
			}
		}()
		return nil, ctx.Err()
	}
}

func (g *Group) handleRequestGroup(w *waiter) {
	if !g.hdr.Defined {
		w.reply <- waiterReply{err: setview_errors.ErrViewUndefined}
		return
	}
	if err := partition.CheckBounds(g.hdr.NumPartitions, w.wanted); err != nil {
		w.reply <- waiterReply{err: err}
		return
	}
	g.dispatchRequest(w)
}

// dispatchRequest implements the staleness and parking rules; also the
// re-entry point for transition waiters.
func (g *Group) dispatchRequest(w *waiter) {
	if g.hdr.PendingTransition.Wants(w.wanted) {
		g.ptWaiters = append(g.ptWaiters, w)
		setWaitingClients(g.stats, len(g.waitingList)+len(g.ptWaiters))
		return
	}
	switch w.stale {
	case StaleOK:
		g.replySnapshot(w)
	case StaleUpdateAfter:
		g.replySnapshot(w)
		if g.updater == nil {
			g.startUpdater()
		}
	case StaleFalse:
		if g.updater != nil && g.updater.phase >= UpdaterPassive {
			g.replySnapshot(w)
			return
		}
		g.waitingList = append(g.waitingList, w)
		setWaitingClients(g.stats, len(g.waitingList)+len(g.ptWaiters))
		if g.updater == nil {
			g.startUpdater()
		}
	}
}

// PartitionDeletedOutcome tells the caller whether a lost partition
// database took the group down.
type PartitionDeletedOutcome int

const (
	PartitionIgnored PartitionDeletedOutcome = iota
	PartitionShutdown
)

// PartitionDeleted reports that a partition database (or the master
// database) vanished. Losing an owned partition or the master shuts the
// group down.
func (g *Group) PartitionDeleted(ctx context.Context, part partition.ID, master bool) (PartitionDeletedOutcome, error) {
	outcome := PartitionIgnored
	err := g.call(ctx, func() {
		if master {
			outcome = PartitionShutdown
			g.terminate(&setview_errors.DbDeleted{Master: true})
			return
		}
		if g.hdr.Abitmask.Contains(part) || g.hdr.Pbitmask.Contains(part) {
			outcome = PartitionShutdown
			g.terminate(&setview_errors.DbDeleted{Partition: part})
			return
		}
	})
	return outcome, err
}

// TriggerUpdate starts the updater if it is idle.
func (g *Group) TriggerUpdate(ctx context.Context) error {
	return g.call(ctx, func() {
		if g.hdr.Defined && g.updater == nil {
			g.startUpdater()
		}
	})
}

// AddUpdateListener registers a one-shot channel fired when the running
// (or next) updater finishes: nil on success, the error otherwise.
func (g *Group) AddUpdateListener(ctx context.Context) (<-chan error, error) {
	l := make(chan error, 1)
	err := g.call(ctx, func() {
		g.updateListeners = append(g.updateListeners, l)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (g *Group) fireUpdateListeners(result error) {
	for _, l := range g.updateListeners {
		l <- result
	}
	g.updateListeners = nil
}

// DataSize returns the live data estimate and the on-disk footprint.
func (g *Group) DataSize(ctx context.Context) (data uint64, disk int64, err error) {
	var opErr error
	err = g.call(ctx, func() {
		data, opErr = g.trees.DataSize()
		if opErr != nil {
			return
		}
		disk, opErr = store.DiskSize(g.file.Path)
	})
	if err != nil {
		return 0, 0, err
	}
	return data, disk, opErr
}

// ActiveMask returns the group's current active bitmask; main groups use
// it to route requests to replica-held partitions.
func (g *Group) ActiveMask(ctx context.Context) (partition.Bitmask, error) {
	var mask partition.Bitmask
	err := g.call(ctx, func() { mask = g.hdr.Abitmask.Clone() })
	if err != nil {
		return partition.Bitmask{}, err
	}
	return mask, nil
}
