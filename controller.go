package setview

import (
	"context"
	"time"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/store"
)

// terminate winds the controller down. reason nil is a normal exit (for
// instance a design document change); anything else is a failure. Runs on
// the controller loop.
func (g *Group) terminate(reason error) {
	if g.terminated {
		return
	}
	g.terminated = true
	g.exitReason = reason
	g.cancelCommitTimer()

	if reason == nil {
		g.log.Info("group shutting down",
			"set", g.cfg.SetName, "group", g.cfg.Name, "sig", g.sig.String())
	} else {
		g.log.Error("group terminating",
			"set", g.cfg.SetName, "group", g.cfg.Name,
			"sig", g.sig.String(), "reason", reason)
	}

	shutdown := &setview_errors.Shutdown{Reason: reason}
	for _, w := range g.waitingList {
		w.reply <- waiterReply{err: shutdown}
	}
	g.waitingList = nil
	for _, w := range g.ptWaiters {
		w.reply <- waiterReply{err: shutdown}
	}
	g.ptWaiters = nil
	for _, l := range g.updateListeners {
		l <- shutdown
	}
	g.updateListeners = nil

	if g.updater != nil {
		g.stopUpdater(true)
	}
	if g.cleaner != nil {
		g.stopCleaner()
	}
	if g.compactor != nil {
		g.stopCompactor()
	}
	_ = g.db.Close()
	if g.replica != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.CallTimeout)
		_ = g.replica.Close(ctx)
		cancel()
		g.replica = nil
	}

	_ = g.file.SetReadOnly()
	// outstanding snapshots keep the file alive; close behind them
	file, trees, refs := g.file, g.trees, g.refs
	refs.Release()
	select {
	case <-refs.Done():
		_ = trees.Close()
		_ = file.Close()
	default:
		go func() {
			<-refs.Done()
			_ = trees.Close()
			_ = file.Close()
		}()
	}
	setWaitingClients(g.stats, 0)
	// the run loop closes g.closed once this handler returns
}

// Close shuts the group down cleanly. Parked clients receive the
// shutdown reason.
func (g *Group) Close(ctx context.Context) error {
	err := g.call(ctx, func() { g.terminate(nil) })
	if _, ok := err.(*setview_errors.Shutdown); ok {
		return nil
	}
	return err
}

// DdocUpdated tells the group its design document changed. On a
// signature change the group is stale and exits normally; the current
// file is left as-is (read-only), no header is rewritten.
func (g *Group) DdocUpdated(ctx context.Context, newSig uint64) error {
	return g.call(ctx, func() {
		if newSig == uint64(g.sig) {
			return
		}
		g.log.Info("design document signature changed, shutting down",
			"sig", g.sig.String())
		g.terminate(nil)
	})
}

// scheduleCheckpoint arms the delayed non-fsync header write used for
// non-critical progress; a no-op when a timer is already pending.
func (g *Group) scheduleCheckpoint() {
	if g.commitTimer != nil || g.terminated {
		return
	}
	g.commitTimer = time.AfterFunc(g.opts.CommitInterval, func() {
		g.send(func() {
			if g.commitTimer == nil || g.terminated {
				return
			}
			g.commitTimer = nil
			if err := g.writeHeader(false); err != nil {
				g.log.Error("checkpoint failed", "sig", g.sig.String(), "err", err)
			}
		})
	})
}

func (g *Group) cancelCommitTimer() {
	if g.commitTimer != nil {
		g.commitTimer.Stop()
		g.commitTimer = nil
	}
}

// maybeStartCleaner starts the cleaner when there is cleanup work and
// both the updater and the compactor are idle.
func (g *Group) maybeStartCleaner() {
	if g.terminated || !g.hdr.Defined {
		return
	}
	if g.updater != nil || g.compactor != nil || g.cleaner != nil {
		return
	}
	if g.hdr.Cbitmask.IsEmpty() {
		return
	}
	g.startCleaner()
}

// maybeApplyPendingTransition applies the pending transition once none
// of its active or passive partitions remain in cleanup.
func (g *Group) maybeApplyPendingTransition() {
	t := g.hdr.PendingTransition
	if t.IsEmpty() {
		if t != nil {
			g.hdr.PendingTransition = nil
		}
		return
	}
	blocked := partition.BitmaskOf(append(append([]partition.ID(nil), t.Active...), t.Passive...)...)
	blocked.Intersect(g.hdr.Cbitmask)
	if !blocked.IsEmpty() {
		return
	}
	g.log.Info("applying pending transition", "sig", g.sig.String(),
		"active", t.Active, "passive", t.Passive, "cleanup", t.Cleanup)
	g.hdr.PendingTransition = nil
	updaterWasRunning := g.updater != nil
	if updaterWasRunning {
		g.stopUpdater(true)
	}
	g.applyPartitionStates(t.Active, t.Passive, t.Cleanup)
	g.notifyPTWaiters()
	g.afterStateUpdate(updaterWasRunning)
}

// maybeAutoUpdate starts a replica group's updater once enough changes
// pile up; main groups only update on demand.
func (g *Group) maybeAutoUpdate() {
	if g.typ != store.Replica || g.terminated || !g.hdr.Defined {
		return
	}
	if g.updater != nil {
		return
	}
	var pending uint64
	for id, indexed := range g.hdr.Seqs {
		cur, err := g.db.Seq(id)
		if err != nil {
			return
		}
		if cur > indexed {
			pending += cur - indexed
		}
	}
	if pending >= g.opts.AutoUpdateThreshold {
		g.startUpdater()
	}
}
