package setview

import (
	"context"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/store"
)

// waiter is one parked client request. Exactly one waiterReply is ever
// delivered; the reply channel is buffered so the controller never
// blocks on it.
type waiter struct {
	wanted []partition.ID
	stale  Staleness
	reply  chan waiterReply
}

type waiterReply struct {
	snap *GroupSnapshot
	err  error
}

func newWaiter(wanted []partition.ID, stale Staleness) *waiter {
	return &waiter{
		wanted: wanted,
		stale:  stale,
		reply:  make(chan waiterReply, 1),
	}
}

// replySnapshot satisfies a waiter with the current group state. Each
// waiter gets its own reference on the file.
func (g *Group) replySnapshot(w *waiter) {
	snap := g.snapshot()
	if g.typ == store.Main && g.hdr.HasReplica && g.replica != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.CallTimeout)
		mask, err := g.replica.ActiveMask(ctx)
		cancel()
		if err == nil {
			snap.ActiveReplicas = mask
		}
	}
	w.reply <- waiterReply{snap: snap}
}

// drainWaitingList replies to every freshness waiter; called when the
// updater reaches the passive phase or finishes.
func (g *Group) drainWaitingList() {
	if len(g.waitingList) == 0 {
		return
	}
	for _, w := range g.waitingList {
		g.replySnapshot(w)
	}
	g.waitingList = nil
	setWaitingClients(g.stats, len(g.ptWaiters))
}

// failWaitingList replies an error to every freshness waiter, the
// updater-error path.
func (g *Group) failWaitingList(err error) {
	for _, w := range g.waitingList {
		w.reply <- waiterReply{err: err}
	}
	g.waitingList = nil
	setWaitingClients(g.stats, len(g.ptWaiters))
}

// notifyPTWaiters re-evaluates transition waiters after a pending
// transition applied. Waiters whose wanted partitions no longer hit a
// pending set go back through the normal request path; the rest stay
// parked.
func (g *Group) notifyPTWaiters() {
	if len(g.ptWaiters) == 0 {
		return
	}
	parked := g.ptWaiters
	g.ptWaiters = nil
	for _, w := range parked {
		if g.hdr.PendingTransition.Wants(w.wanted) {
			g.ptWaiters = append(g.ptWaiters, w)
			continue
		}
		g.dispatchRequest(w)
	}
	setWaitingClients(g.stats, len(g.waitingList)+len(g.ptWaiters))
}
