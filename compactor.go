package setview

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/lt1946/setview/header"
	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/store"
)

type compactResult struct {
	path   string
	file   *store.IndexFile
	trees  *store.TreeStore
	seqs   partition.Seqs
	purge  partition.Seqs
	copied int64
	err    error
}

// compactVerdict is the controller's answer to a finished copy: either
// swap happened (the compactor just exits) or the snapshot was behind
// and the compactor goes again from a fresh one.
type compactVerdict struct {
	retry   bool
	seqs    partition.Seqs
	purge   partition.Seqs
	exclude partition.Bitmask
	snap    *pebble.Snapshot
}

type compactorHandle struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	verdict chan compactVerdict
	done    chan struct{}
}

type compactorInput struct {
	trees   *store.TreeStore
	snap    *pebble.Snapshot
	seqs    partition.Seqs
	purge   partition.Seqs
	exclude partition.Bitmask
	cpath   string
}

// StartCompact begins an on-line rewrite of the group file. Starting
// while one runs is a no-op.
func (g *Group) StartCompact(ctx context.Context) error {
	var opErr error
	err := g.call(ctx, func() {
		if !g.hdr.Defined {
			opErr = setview_errors.ErrViewUndefined
			return
		}
		g.startCompactor()
	})
	if err != nil {
		return err
	}
	return opErr
}

// CancelCompact stops a running compaction and deletes its partial file.
func (g *Group) CancelCompact(ctx context.Context) error {
	return g.call(ctx, func() {
		if g.compactor == nil {
			return
		}
		g.stopCompactor()
		g.maybeStartCleaner()
	})
}

func (g *Group) startCompactor() {
	if g.compactor != nil || g.terminated || !g.hdr.Defined {
		return
	}
	if g.cleaner != nil {
		g.stopCleaner()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &compactorHandle{
		id:      uuid.NewString(),
		started: time.Now(),
		cancel:  cancel,
		verdict: make(chan compactVerdict, 1),
		done:    make(chan struct{}),
	}
	g.compactor = h
	in := compactorInput{
		trees:   g.trees,
		snap:    g.trees.Snapshot(),
		seqs:    g.hdr.Seqs.Clone(),
		purge:   g.hdr.PurgeSeqs.Clone(),
		exclude: g.hdr.Cbitmask.Clone(),
		cpath:   store.CompactPath(g.file.Path),
	}
	compactorRuns.WithLabelValues(g.sig.String(), string(g.typ)).Inc()
	g.log.Info("compaction starting", "sig", g.sig.String(), "task", h.id,
		"target", in.cpath)
	go g.runCompactor(ctx, h, in)
}

// stopCompactor cancels the task and waits for it to remove its partial
// file.
func (g *Group) stopCompactor() {
	h := g.compactor
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
	g.compactor = nil
	recordHistory(g.stats, HistoryEntry{
		Kind: "compaction", TaskID: h.id, StartedAt: h.started,
		Duration: time.Since(h.started), Result: "cancelled",
	})
	compactorResults.WithLabelValues(g.sig.String(), string(g.typ), "cancelled").Inc()
	g.log.Info("compaction cancelled", "sig", g.sig.String(), "task", h.id)
}

// restartCompactor reruns the compactor against the current partition
// states after they changed under it.
func (g *Group) restartCompactor() {
	g.log.Info("restarting compactor after state change", "sig", g.sig.String())
	g.stopCompactor()
	g.startCompactor()
}

func (g *Group) runCompactor(ctx context.Context, h *compactorHandle, in compactorInput) {
	defer close(h.done)
	snap := in.snap
	seqs, purge, exclude := in.seqs, in.purge, in.exclude
	for {
		res := compactResult{path: in.cpath, seqs: seqs, purge: purge}
		res.file, res.trees, res.copied, res.err = g.compactInto(ctx, in.trees, snap, exclude, in.cpath)
		_ = snap.Close()
		if ctx.Err() != nil {
			discardCompact(&res)
			return
		}
		g.sendTask(ctx, func() { g.onCompactDone(h, res) })
		if res.err != nil {
			return
		}
		select {
		case v := <-h.verdict:
			if !v.retry {
				// swapped in; the controller owns the new file now
				return
			}
			discardCompact(&res)
			snap, seqs, purge, exclude = v.snap, v.seqs, v.purge, v.exclude
		case <-ctx.Done():
			discardCompact(&res)
			return
		}
	}
}

func (g *Group) compactInto(ctx context.Context, src *store.TreeStore, snap *pebble.Snapshot, exclude partition.Bitmask, cpath string) (*store.IndexFile, *store.TreeStore, int64, error) {
	_ = store.Delete(cpath)
	file, err := store.CreateIndexFile(cpath)
	if err != nil {
		return nil, nil, 0, err
	}
	trees, err := store.OpenTreeStore(cpath)
	if err != nil {
		_ = file.Close()
		_ = store.Delete(cpath)
		return nil, nil, 0, err
	}
	copied, err := src.CopyLive(ctx, snap, trees, exclude)
	return file, trees, copied, err
}

func discardCompact(res *compactResult) {
	if res.trees != nil {
		_ = res.trees.Close()
	}
	if res.file != nil {
		_ = res.file.Close()
	}
	_ = store.Delete(res.path)
}

// onCompactDone arbitrates a finished copy: retry when the snapshot fell
// behind the live sequences, otherwise swap the rewritten file in.
func (g *Group) onCompactDone(h *compactorHandle, res compactResult) {
	if g.compactor != h || g.terminated {
		return
	}
	if res.err != nil {
		g.compactor = nil
		g.terminate(&setview_errors.TaskDied{Task: "compactor", Reason: res.err})
		return
	}
	behind := false
	for id, cur := range g.hdr.Seqs {
		if res.seqs[id] < cur {
			behind = true
			break
		}
	}
	if behind {
		compactorRetries.WithLabelValues(g.sig.String(), string(g.typ)).Inc()
		g.log.Info("compacted snapshot behind, retrying",
			"sig", g.sig.String(), "task", h.id)
		h.verdict <- compactVerdict{
			retry:   true,
			seqs:    g.hdr.Seqs.Clone(),
			purge:   g.hdr.PurgeSeqs.Clone(),
			exclude: g.hdr.Cbitmask.Clone(),
			snap:    g.trees.Snapshot(),
		}
		return
	}
	g.swapCompacted(h, res)
}

// swapCompacted installs the rewritten group file: commit its header,
// retire the old file behind its readers, rename, restart whatever was
// running.
func (g *Group) swapCompacted(h *compactorHandle, res compactResult) {
	updaterWasRunning := g.updater != nil
	if updaterWasRunning {
		g.stopUpdater(true)
	}
	g.cancelCommitTimer()

	newHdr := g.hdr.Clone()
	newHdr.Cbitmask = partition.NewBitmask()
	newHdr.Seqs = res.seqs
	newHdr.PurgeSeqs = res.purge
	newHdr.IDBtreeState = res.trees.State()
	newHdr.ViewStates = res.trees.ViewStates(len(g.cfg.Views), newHdr.Seqs, newHdr.PurgeSeqs)

	if err := g.commitCompacted(h, res, newHdr); err != nil {
		g.compactor = nil
		g.terminate(&setview_errors.TaskDied{Task: "compactor", Reason: err})
		return
	}

	took := time.Since(h.started)
	recordHistory(g.stats, HistoryEntry{
		Kind: "compaction", TaskID: h.id, StartedAt: h.started,
		Duration: took, Inserted: res.copied, Result: "success",
	})
	compactorResults.WithLabelValues(g.sig.String(), string(g.typ), "success").Inc()
	compactionDuration.WithLabelValues(g.sig.String(), string(g.typ)).Observe(took.Seconds())
	updatePartitionGauges(g.stats, g.hdr)
	g.log.Info("compaction swapped in", "sig", g.sig.String(), "task", h.id,
		"path", g.file.Path, "copied", res.copied, "took", took)

	g.compactor = nil
	h.verdict <- compactVerdict{retry: false}

	g.maybeApplyPendingTransition()
	if updaterWasRunning && g.updater == nil {
		g.startUpdater()
	}
	g.maybeStartCleaner()
}

func (g *Group) commitCompacted(h *compactorHandle, res compactResult, newHdr *header.Header) error {
	if err := res.trees.Flush(); err != nil {
		return err
	}
	data, err := header.Encode(g.sig, newHdr)
	if err != nil {
		return err
	}
	if err = res.file.AppendHeader(toyqueue.Records{data}, true); err != nil {
		return err
	}
	if err = res.file.Close(); err != nil {
		return err
	}
	if err = res.trees.Close(); err != nil {
		return err
	}

	nextPath, err := store.NextPath(g.file.Path)
	if err != nil {
		return err
	}
	if err = store.Rename(res.path, nextPath); err != nil {
		return err
	}

	oldFile, oldTrees, oldRefs := g.file, g.trees, g.refs
	oldPath := oldFile.Path
	_ = oldFile.SetReadOnly()

	if g.file, err = store.OpenIndexFile(nextPath); err != nil {
		return err
	}
	if g.trees, err = store.OpenTreeStore(nextPath); err != nil {
		return err
	}
	g.refs = store.NewRefCounter()
	g.hdr = newHdr

	// the old file lives until its last reader lets go
	go func() {
		oldRefs.Release()
		<-oldRefs.Done()
		_ = oldTrees.Close()
		_ = oldFile.Close()
		_ = store.Delete(oldPath)
	}()
	return nil
}
