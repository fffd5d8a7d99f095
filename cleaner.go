package setview

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
)

type cleanerResult struct {
	removed  int64
	present  partition.Bitmask
	duration time.Duration
	err      error
}

type cleanerHandle struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	result  chan cleanerResult
}

// startCleaner spawns a guided purge over the cleanup partitions. Only
// called when the updater and the compactor are idle.
func (g *Group) startCleaner() {
	if g.cleaner != nil || g.terminated {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &cleanerHandle{
		id:      uuid.NewString(),
		started: time.Now(),
		cancel:  cancel,
		result:  make(chan cleanerResult, 1),
	}
	g.cleaner = h
	mask := g.hdr.Cbitmask.Clone()
	cleanerRuns.WithLabelValues(g.sig.String(), string(g.typ)).Inc()
	g.log.Debug("cleaner starting", "sig", g.sig.String(), "task", h.id,
		"cleanup", mask.Slice())
	go g.runCleaner(ctx, h, mask)
}

func (g *Group) runCleaner(ctx context.Context, h *cleanerHandle, mask partition.Bitmask) {
	res := cleanerResult{}
	removed, err := g.trees.GuidedPurge(ctx, mask)
	res.removed = removed
	if err != nil && ctx.Err() == nil {
		res.err = err
	}
	present, perr := g.trees.PresentPartitions()
	if perr != nil {
		// unknown tree contents: leave the cleanup mask as it was
		present = mask
		if res.err == nil && ctx.Err() == nil {
			res.err = perr
		}
	}
	res.present = present
	res.duration = time.Since(h.started)
	h.result <- res
	g.sendTask(context.Background(), func() { g.onCleanerExit(h) })
}

// stopCleaner cancels the purge and folds the partial progress in. The
// cleaner yields between pages so this returns promptly.
func (g *Group) stopCleaner() {
	h := g.cleaner
	if h == nil {
		return
	}
	h.cancel()
	res := <-h.result
	g.cleaner = nil
	g.absorbCleanerResult(h, res, true)
}

func (g *Group) onCleanerExit(h *cleanerHandle) {
	if g.cleaner != h || g.terminated {
		return
	}
	res := <-h.result
	g.cleaner = nil
	if res.err != nil {
		g.terminate(&setview_errors.TaskDied{Task: "cleaner", Reason: res.err})
		return
	}
	g.absorbCleanerResult(h, res, false)
	g.maybeApplyPendingTransition()
	g.maybeStartCleaner()
}

// absorbCleanerResult recomputes the cleanup mask from what is actually
// left in the trees and commits.
func (g *Group) absorbCleanerResult(h *cleanerHandle, res cleanerResult, stopped bool) {
	newMask := g.hdr.Cbitmask.Clone()
	newMask.Intersect(res.present)
	g.hdr.Cbitmask = newMask
	result := "success"
	if stopped {
		result = "stopped"
	}
	if res.err != nil {
		result = "error"
	}
	recordHistory(g.stats, HistoryEntry{
		Kind: "cleanup", TaskID: h.id, StartedAt: h.started,
		Duration: res.duration, Deleted: res.removed, Result: result,
	})
	cleanerResults.WithLabelValues(g.sig.String(), string(g.typ), result).Inc()
	cleanupDuration.WithLabelValues(g.sig.String(), string(g.typ)).Observe(res.duration.Seconds())
	g.log.Info("cleanup round done", "sig", g.sig.String(), "task", h.id,
		"removed", res.removed, "took", res.duration,
		"cleanup_left", g.hdr.Cbitmask.Slice(), "result", result)
	if !g.terminated && res.err == nil {
		g.hardCommit()
		updatePartitionGauges(g.stats, g.hdr)
	}
}
