package setview

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/lt1946/setview/dbset"
	"github.com/lt1946/setview/header"
	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/store"
)

// updaterPhase is the updater's position in its run: active partitions
// first, then passive ones. Freshness waiters are satisfied once the
// active pass is done.
type updaterPhase int

const (
	UpdaterNone updaterPhase = iota
	UpdaterStarting
	UpdaterActive
	UpdaterPassive
)

func (p updaterPhase) String() string {
	return []string{"none", "starting", "updating_active", "updating_passive"}[p]
}

type updaterResult struct {
	seqs      partition.Seqs
	purgeSeqs partition.Seqs
	inserted  int64
	deleted   int64
	reset     bool
	err       error
}

type updaterHandle struct {
	id      string
	phase   updaterPhase
	started time.Time

	cancel     context.CancelFunc
	stopActive chan struct{}
	stopOnce   sync.Once

	// result is buffered and written exactly once, before the exit
	// event, so a synchronous stop can always consume it.
	result chan updaterResult
}

// updaterInput is the state snapshot the updater works from; it never
// touches the live header.
type updaterInput struct {
	seqs       partition.Seqs
	purgeSeqs  partition.Seqs
	active     []partition.ID
	passive    []partition.ID
	onTransfer []partition.ID
	batchDocs  int
}

// startUpdater spawns the updater task. A second start while one runs
// is a no-op.
func (g *Group) startUpdater() {
	if g.updater != nil || g.terminated || !g.hdr.Defined {
		return
	}
	if g.cleaner != nil {
		g.stopCleaner()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &updaterHandle{
		id:         uuid.NewString(),
		phase:      UpdaterStarting,
		started:    time.Now(),
		cancel:     cancel,
		stopActive: make(chan struct{}),
		result:     make(chan updaterResult, 1),
	}
	g.updater = h
	in := updaterInput{
		seqs:       g.hdr.Seqs.Clone(),
		purgeSeqs:  g.hdr.PurgeSeqs.Clone(),
		active:     g.hdr.Abitmask.Slice(),
		passive:    g.hdr.Pbitmask.Slice(),
		onTransfer: g.hdr.ReplicasOnTransfer.Slice(),
		batchDocs:  128,
	}
	updaterRuns.WithLabelValues(g.sig.String(), string(g.typ)).Inc()
	g.log.Debug("updater starting", "sig", g.sig.String(), "task", h.id)
	go g.runUpdater(ctx, h, in)
}

// stopUpdater signals the updater and, for an immediate stop, waits for
// its partial result and merges it into the group.
func (g *Group) stopUpdater(immediate bool) {
	h := g.updater
	if h == nil {
		return
	}
	if !immediate {
		h.stopOnce.Do(func() { close(h.stopActive) })
		return
	}
	h.cancel()
	res := <-h.result
	g.updater = nil
	g.absorbUpdaterResult(h, res, true)
}

// absorbUpdaterResult merges an updater exit into the group state.
// stopped marks a controller-initiated stop, which is not an error.
func (g *Group) absorbUpdaterResult(h *updaterHandle, res updaterResult, stopped bool) {
	took := time.Since(h.started)
	if res.err != nil && !stopped {
		uerr := &setview_errors.UpdaterError{Reason: res.err}
		g.log.Error("updater failed", "sig", g.sig.String(), "task", h.id, "err", res.err)
		recordHistory(g.stats, HistoryEntry{
			Kind: "update", TaskID: h.id, StartedAt: h.started,
			Duration: took, Inserted: res.inserted, Deleted: res.deleted,
			Result: "error",
		})
		updaterResults.WithLabelValues(g.sig.String(), string(g.typ), "error").Inc()
		g.failWaitingList(uerr)
		g.fireUpdateListeners(uerr)
		g.maybeStartCleaner()
		return
	}
	g.hdr.Seqs = res.seqs
	g.hdr.PurgeSeqs = res.purgeSeqs
	result := "success"
	if stopped {
		result = "stopped"
	}
	recordHistory(g.stats, HistoryEntry{
		Kind: "update", TaskID: h.id, StartedAt: h.started,
		Duration: took, Inserted: res.inserted, Deleted: res.deleted,
		Result: result,
	})
	updaterResults.WithLabelValues(g.sig.String(), string(g.typ), result).Inc()
	updateDuration.WithLabelValues(g.sig.String(), string(g.typ)).Observe(took.Seconds())
}

// onUpdaterPhase runs on the controller loop for every phase change.
func (g *Group) onUpdaterPhase(h *updaterHandle, phase updaterPhase) {
	if g.updater != h || g.terminated {
		return
	}
	g.log.Debug("updater phase", "sig", g.sig.String(), "task", h.id, "phase", phase.String())
	h.phase = phase
	if phase == UpdaterPassive {
		g.drainWaitingList()
	}
}

// onUpdaterPartial folds a progress batch into the live header and
// schedules a checkpoint.
func (g *Group) onUpdaterPartial(h *updaterHandle, seqs, purgeSeqs partition.Seqs) {
	if g.updater != h || g.terminated {
		return
	}
	g.hdr.Seqs = seqs
	g.hdr.PurgeSeqs = purgeSeqs
	g.scheduleCheckpoint()
}

// onUpdaterExit handles a natural updater exit (not a synchronous stop).
func (g *Group) onUpdaterExit(h *updaterHandle) {
	if g.updater != h || g.terminated {
		return
	}
	res := <-h.result
	g.updater = nil
	if res.reset {
		// the updater found the on-disk state unusable: re-read it and
		// go again
		g.log.Warn("updater requested reset", "sig", g.sig.String(), "task", h.id)
		hdr, err := g.loadHeader()
		if err != nil {
			g.terminate(err)
			return
		}
		g.hdr = hdr
		g.startUpdater()
		return
	}
	g.absorbUpdaterResult(h, res, false)
	if res.err == nil {
		g.hardCommit()
		g.drainWaitingList()
		g.fireUpdateListeners(nil)
		g.maybeStartCleaner()
	}
}

// sendTask enqueues a controller closure from a background task without
// outliving the task's cancellation.
func (g *Group) sendTask(ctx context.Context, fn func()) {
	select {
	case g.calls <- fn:
	case <-ctx.Done():
	case <-g.closed:
	}
}

// runUpdater is the updater goroutine: pump active partitions, then
// passive ones, reporting progress and transfer catch-ups along the way.
func (g *Group) runUpdater(ctx context.Context, h *updaterHandle, in updaterInput) {
	res := updaterResult{seqs: in.seqs, purgeSeqs: in.purgeSeqs}

	finish := func() {
		h.result <- res
		g.sendTask(context.Background(), func() { g.onUpdaterExit(h) })
	}

	g.sendTask(ctx, func() { g.onUpdaterPhase(h, UpdaterActive) })
	if err := g.indexPartitions(ctx, h, in.active, partition.NewBitmask(), in.batchDocs, &res); err != nil {
		res.err = ctxErrOrNil(ctx, err)
		finish()
		return
	}

	select {
	case <-h.stopActive:
		finish()
		return
	default:
	}

	g.sendTask(ctx, func() { g.onUpdaterPhase(h, UpdaterPassive) })
	onTransfer := partition.BitmaskOf(in.onTransfer...)
	if err := g.indexPartitions(ctx, h, in.passive, onTransfer, in.batchDocs, &res); err != nil {
		res.err = ctxErrOrNil(ctx, err)
		finish()
		return
	}
	finish()
}

// ctxErrOrNil keeps a cancellation out of the error slot: a stopped
// updater still reports partial progress as a result.
func ctxErrOrNil(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// indexPartitions catches the given partitions up with their change
// streams. Transfer partitions that reach their stream head are reported
// to the controller as caught up.
func (g *Group) indexPartitions(ctx context.Context, h *updaterHandle, parts []partition.ID, onTransfer partition.Bitmask, batchDocs int, res *updaterResult) error {
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := g.db.Seq(part)
		if err != nil {
			return err
		}
		since := res.seqs[part]
		for since < target {
			docs, err := g.db.Changes(ctx, part, since, batchDocs)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				break
			}
			if err = g.indexDocs(part, docs, res); err != nil {
				return err
			}
			since = docs[len(docs)-1].Seq
			res.seqs[part] = since
			seqs, purge := res.seqs.Clone(), res.purgeSeqs.Clone()
			g.sendTask(ctx, func() { g.onUpdaterPartial(h, seqs, purge) })
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if onTransfer.Contains(part) && since >= target {
			p := part
			g.sendTask(ctx, func() { g.onTransferCaughtUp(h, []partition.ID{p}) })
		}
	}
	return nil
}

// indexDocs folds one change batch into the id-tree and the view trees,
// removing whatever the previous revision of each document emitted.
func (g *Group) indexDocs(part partition.ID, docs []dbset.Doc, res *updaterResult) error {
	entries := make([]store.Entry, 0, len(docs)*2)
	pending := 0
	flush := func() error {
		if len(entries) == 0 {
			return nil
		}
		if err := g.trees.Apply(entries); err != nil {
			return err
		}
		entries = entries[:0]
		pending = 0
		return nil
	}
	for _, doc := range docs {
		old, err := g.trees.GetDoc(part, doc.ID)
		if err != nil {
			return err
		}
		if old != nil {
			for _, vk := range decodeDocViewKeys(old) {
				entries = append(entries, store.Entry{
					View: vk.view, Partition: part, Key: vk.key, Delete: true,
				})
			}
		}
		if doc.Deleted {
			if old != nil {
				entries = append(entries, store.Entry{
					View: store.IDTree, Partition: part, Key: doc.ID, Delete: true,
				})
				res.deleted++
			}
		} else {
			var viewKeys []docViewKey
			for vi, view := range g.cfg.Views {
				mapf := view.Map
				if mapf == nil {
					mapf = IdentityMap
				}
				for _, kv := range mapf(doc) {
					entries = append(entries, store.Entry{
						View: vi, Partition: part, Key: kv.Key, Value: kv.Value,
					})
					viewKeys = append(viewKeys, docViewKey{view: vi, key: kv.Key})
					pending += len(kv.Key) + len(kv.Value)
				}
			}
			entries = append(entries, store.Entry{
				View: store.IDTree, Partition: part, Key: doc.ID,
				Value: encodeDocValue(doc.Seq, doc.Body, viewKeys),
			})
			res.inserted++
			pending += len(doc.ID) + len(doc.Body)
		}
		if pending >= g.opts.BtreeChunkThreshold {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// docViewKey is one (view, key) row a document emitted, kept in the
// id-tree entry so a later revision can retract it.
type docViewKey struct {
	view int
	key  []byte
}

// id-tree entry value: S(seq) B(body) K(view,key)*
func encodeDocValue(seq uint64, body []byte, viewKeys []docViewKey) []byte {
	out := toytlv.Record('S', header.ZipUint64(seq))
	out = append(out, toytlv.Record('B', body)...)
	for _, vk := range viewKeys {
		kbody := binary.BigEndian.AppendUint16(nil, uint16(vk.view))
		kbody = append(kbody, vk.key...)
		out = append(out, toytlv.Record('K', kbody)...)
	}
	return out
}

func decodeDocViewKeys(value []byte) []docViewKey {
	_, rest := toytlv.Take('S', value)
	_, rest = toytlv.Take('B', rest)
	var keys []docViewKey
	for len(rest) > 0 {
		var kbody []byte
		kbody, rest = toytlv.Take('K', rest)
		if kbody == nil || len(kbody) < 2 {
			break
		}
		keys = append(keys, docViewKey{
			view: int(binary.BigEndian.Uint16(kbody[:2])),
			key:  append([]byte(nil), kbody[2:]...),
		})
	}
	return keys
}

// DocSeq extracts the sequence a stored id-tree entry was indexed at.
func DocSeq(value []byte) uint64 {
	s, _ := toytlv.Take('S', value)
	return header.UnzipUint64(s)
}
