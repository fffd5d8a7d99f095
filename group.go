package setview

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/lt1946/setview/dbset"
	"github.com/lt1946/setview/header"
	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/store"
	"github.com/lt1946/setview/utils"
)

// Group is one set view group: the durable index state plus the
// controller that owns it. All state below the mailbox is touched only
// from the controller loop.
type Group struct {
	cfg  Config
	opts Options
	log  utils.Logger
	sig  header.Signature
	typ  store.GroupType

	file  *store.IndexFile
	trees *store.TreeStore
	hdr   *header.Header
	refs  *store.RefCounter

	db      dbset.Set
	replica *Group

	calls      chan func()
	closed     chan struct{}
	terminated bool
	exitReason error

	updater   *updaterHandle
	cleaner   *cleanerHandle
	compactor *compactorHandle

	waitingList []*waiter
	ptWaiters   []*waiter

	updateListeners []chan error

	commitTimer *time.Timer

	stats *Stats
}

// OpenGroup opens (or initialises) the main group for the given config
// and starts its controller. If the on-disk header says the group has a
// replica, the replica group is opened too.
func OpenGroup(cfg Config) (*Group, error) {
	g, err := openGroup(cfg, store.Main)
	if err != nil {
		return nil, err
	}
	if g.hdr.HasReplica && g.replica == nil {
		if err = g.openReplica(); err != nil {
			g.closeFiles()
			return nil, err
		}
	}
	go g.run()
	if g.replica != nil {
		go g.replica.run()
	}
	return g, nil
}

func openGroup(cfg Config, typ store.GroupType) (*Group, error) {
	cfg.Options.SetDefaults()
	g := &Group{
		cfg:    cfg,
		opts:   cfg.Options,
		log:    cfg.Options.Logger,
		sig:    ComputeSignature(cfg.Language, cfg.Views),
		typ:    typ,
		db:     cfg.DbSet,
		calls:  make(chan func(), cfg.Options.MailboxSize),
		closed: make(chan struct{}),
	}
	if err := g.openFiles(); err != nil {
		return nil, err
	}
	g.stats = statsFor(g.sig, g.typ, g.opts.HistorySize)
	return g, nil
}

func (g *Group) openReplica() error {
	if g.cfg.NewReplicaDbSet == nil {
		return setview_errors.ErrNoReplica
	}
	rcfg := g.cfg
	rcfg.DbSet = g.cfg.NewReplicaDbSet()
	rg, err := openGroup(rcfg, store.Replica)
	if err != nil {
		return err
	}
	g.replica = rg
	return nil
}

// openFiles finds or creates the group's versioned directory, loads the
// last header and opens the tree store. A missing or foreign header
// resets the file; an unreadable one deletes it and starts over.
func (g *Group) openFiles() error {
	base := store.BasePath(g.cfg.Dir, g.typ, g.sig.String())
	path, _, ok := store.FindLatest(base)
	fresh := !ok
	if fresh {
		path = base + ".1"
	}

	var err error
	if fresh {
		g.file, err = store.CreateIndexFile(path)
	} else {
		g.file, err = store.OpenIndexFile(path)
	}
	if err != nil {
		return err
	}

	hdr, loadErr := g.loadHeader()
	switch {
	case loadErr == nil:
		g.hdr = hdr
	case loadErr == setview_errors.ErrNoHeader || loadErr == errSignatureMismatch:
		g.hdr = header.NewHeader()
		if err = g.resetFile(); err != nil {
			return err
		}
	case loadErr == setview_errors.ErrTooManyOpenFiles:
		_ = g.file.Close()
		return loadErr
	default:
		// stale beyond repair: delete and start blank
		g.log.Warn("deleting unreadable group file", "path", path, "err", loadErr)
		_ = g.file.Close()
		if err = store.Delete(path); err != nil {
			return err
		}
		if g.typ == store.Main {
			rbase := store.BasePath(g.cfg.Dir, store.Replica, g.sig.String())
			if rpath, _, rok := store.FindLatest(rbase); rok {
				_ = store.Delete(rpath)
			}
		}
		path = base + ".1"
		if g.file, err = store.CreateIndexFile(path); err != nil {
			return err
		}
		g.hdr = header.NewHeader()
		if err = g.resetFile(); err != nil {
			return err
		}
	}

	g.trees, err = store.OpenTreeStore(path)
	if err != nil {
		_ = g.file.Close()
		return err
	}
	g.refs = store.NewRefCounter()
	return nil
}

var errSignatureMismatch = fmt.Errorf("setview: header signature mismatch")

func (g *Group) loadHeader() (*header.Header, error) {
	raw, err := g.file.ReadLastHeader()
	if err != nil {
		return nil, err
	}
	sig, hdr, err := header.Decode(raw)
	if err != nil {
		return nil, err
	}
	if sig != g.sig {
		return nil, errSignatureMismatch
	}
	if err = hdr.Validate(); err != nil {
		return nil, err
	}
	return hdr, nil
}

func (g *Group) resetFile() error {
	empty, err := header.Encode(g.sig, header.NewHeader())
	if err != nil {
		return err
	}
	return g.file.Reset(empty)
}

func (g *Group) closeFiles() {
	_ = g.file.Close()
	if g.trees != nil {
		_ = g.trees.Close()
	}
}

// run is the controller loop; every state mutation happens here.
func (g *Group) run() {
	g.log.Debug("group controller started",
		"set", g.cfg.SetName, "group", g.cfg.Name,
		"sig", g.sig.String(), "type", string(g.typ))
	for !g.terminated {
		select {
		case fn := <-g.calls:
			fn()
		case <-g.db.Notify():
			g.maybeAutoUpdate()
		case err := <-g.db.Done():
			g.terminate(&setview_errors.TaskDied{Task: "db-set", Reason: err})
		}
	}
	close(g.closed)
}

// send enqueues a controller closure from a collaborator or timer.
func (g *Group) send(fn func()) {
	select {
	case g.calls <- fn:
	case <-g.closed:
	}
}

// call runs fn on the controller loop and waits for it.
func (g *Group) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case g.calls <- wrapped:
	case <-g.closed:
		return &setview_errors.Shutdown{Reason: g.exitReason}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-g.closed:
		// fn itself may have been the terminator; its completion wins
		select {
		case <-done:
			return nil
		default:
			return &setview_errors.Shutdown{Reason: g.exitReason}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeHeader serialises the current header into the log. sync turns it
// into a commit; the tree store is flushed first so the header never
// refers to unpersisted trees.
func (g *Group) writeHeader(sync bool) error {
	if sync {
		if err := g.trees.Flush(); err != nil {
			return err
		}
	}
	g.hdr.IDBtreeState = g.trees.State()
	g.hdr.ViewStates = g.trees.ViewStates(len(g.cfg.Views), g.hdr.Seqs, g.hdr.PurgeSeqs)
	data, err := header.Encode(g.sig, g.hdr)
	if err != nil {
		return err
	}
	return g.file.AppendHeader(toyqueue.Records{data}, sync)
}

// hardCommit cancels any delayed checkpoint and writes a synced header.
func (g *Group) hardCommit() {
	g.cancelCommitTimer()
	if err := g.writeHeader(true); err != nil {
		g.log.Error("header commit failed", "sig", g.sig.String(), "err", err)
		g.terminate(err)
	}
}

// Sig returns the group's content signature.
func (g *Group) Sig() header.Signature { return g.sig }

// IsMain reports whether this is the main group rather than a replica.
func (g *Group) IsMain() bool { return g.typ == store.Main }

// Done is closed once the controller has terminated.
func (g *Group) Done() <-chan struct{} { return g.closed }

// ExitReason is valid after Done is closed; nil means a normal exit.
func (g *Group) ExitReason() error {
	select {
	case <-g.closed:
		return g.exitReason
	default:
		return nil
	}
}

// GroupSnapshot is a reference-counted read view of the group. Release
// must be called exactly once.
type GroupSnapshot struct {
	Sig    header.Signature
	Header *header.Header
	Trees  *pebble.Snapshot

	// ActiveReplicas is the replica group's active bitmask at reply time,
	// empty without a replica; the wanted partitions do not narrow it.
	// When it is non-empty the caller snapshots Replica as well.
	ActiveReplicas partition.Bitmask
	Replica        *Group

	refs     *store.RefCounter
	released bool
}

func (s *GroupSnapshot) Release() {
	if s.released {
		return
	}
	s.released = true
	if s.Trees != nil {
		_ = s.Trees.Close()
	}
	s.refs.Release()
}

// VerifyActiveReplicas checks that the replica actually serves the
// partitions the caller asked it for; on a mismatch the caller drops the
// snapshot and retries.
func (s *GroupSnapshot) VerifyActiveReplicas(requested partition.Bitmask) error {
	if !s.ActiveReplicas.Equal(requested) {
		return setview_errors.ErrRetryLater
	}
	return nil
}

// snapshot builds a reference-counted view of the current group state.
func (g *Group) snapshot() *GroupSnapshot {
	g.refs.Acquire()
	return &GroupSnapshot{
		Sig:            g.sig,
		Header:         g.hdr.Clone(),
		Trees:          g.trees.Snapshot(),
		ActiveReplicas: partition.NewBitmask(),
		Replica:        g.replica,
		refs:           g.refs,
	}
}

// DbSet exposes the group's database set to collaborators.
func (g *Group) DbSet() dbset.Set { return g.db }
