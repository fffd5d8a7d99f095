// Package setview implements the control plane of one set view group: the
// materialised index over a configurable set of partitions. The group
// controller owns the durable index header, arbitrates the updater, the
// cleaner and the compactor, and serves reference-counted snapshots to
// clients with varying freshness demands.
package setview

import (
	"log/slog"
	"time"

	"github.com/cespare/xxhash"
	"github.com/lt1946/setview/dbset"
	"github.com/lt1946/setview/header"
	"github.com/lt1946/setview/utils"
)

// KV is one row a map function emits into a view.
type KV struct {
	Key   []byte
	Value []byte
}

// MapFunc turns a document into view rows. Compilation of map/reduce
// sources happens elsewhere; the group only runs the result.
type MapFunc func(doc dbset.Doc) []KV

// IdentityMap indexes the document id itself; the default when a view
// carries no map function.
func IdentityMap(doc dbset.Doc) []KV {
	return []KV{{Key: doc.ID, Value: doc.Body}}
}

// ViewDef is one compiled view of the group's design.
type ViewDef struct {
	Name string
	Map  MapFunc
}

// ComputeSignature hashes the compiled view sources; a changed signature
// means the design document changed and the group is stale.
func ComputeSignature(language string, views []ViewDef) header.Signature {
	h := xxhash.New()
	_, _ = h.Write([]byte(language))
	for _, v := range views {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(v.Name))
	}
	return header.Signature(h.Sum64())
}

// Options carries the group tunables. Zero values fall back to defaults.
type Options struct {
	// CommitInterval delays non-critical checkpoints after updater
	// progress.
	CommitInterval time.Duration
	// AutoUpdateThreshold is the pending-changes count past which a
	// replica group starts its updater on its own.
	AutoUpdateThreshold uint64
	// BtreeChunkThreshold bounds the updater's write batches, in bytes.
	BtreeChunkThreshold int
	// HistorySize bounds the ring of recent task records.
	HistorySize int
	// CallTimeout bounds non-critical synchronous calls.
	CallTimeout time.Duration
	// MailboxSize bounds the controller's inbound queue.
	MailboxSize int

	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.CommitInterval == 0 {
		o.CommitInterval = 5 * time.Second
	}
	if o.AutoUpdateThreshold == 0 {
		o.AutoUpdateThreshold = 20000
	}
	if o.BtreeChunkThreshold == 0 {
		o.BtreeChunkThreshold = 5120
	}
	if o.HistorySize == 0 {
		o.HistorySize = 20
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 3 * time.Second
	}
	if o.MailboxSize == 0 {
		o.MailboxSize = 256
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Config identifies and wires one group.
type Config struct {
	SetName  string
	Name     string
	Language string
	Views    []ViewDef

	// Dir is the view directory holding the group's versioned files.
	Dir string

	// DbSet feeds document changes for this group's partitions.
	DbSet dbset.Set

	// NewReplicaDbSet builds the change reader for the replica group
	// when DefineView enables one.
	NewReplicaDbSet func() dbset.Set

	Options Options
}
