// Package dbset is the contract between a set view group and the
// database set that feeds it document changes. The group never reaches
// into databases directly: it reads per-partition change streams, asks
// for current sequences, and tells the set when cleanup partitions stop
// being interesting.
package dbset

import (
	"context"

	"github.com/lt1946/setview/partition"
)

// Doc is one document change from a partition's stream.
type Doc struct {
	ID      []byte
	Seq     uint64
	Deleted bool
	Body    []byte
}

type Set interface {
	// Seq is the current high sequence of a partition.
	Seq(part partition.ID) (uint64, error)
	// Changes returns up to limit docs with sequence greater than since,
	// in sequence order.
	Changes(ctx context.Context, part partition.ID, since uint64, limit int) ([]Doc, error)
	// RemovePartitions drops partitions that moved to cleanup; their
	// streams are no longer read.
	RemovePartitions(parts []partition.ID) error
	// Notify delivers a coalesced signal whenever any partition gains
	// changes.
	Notify() <-chan struct{}
	// Done fires with the terminal reason when the set dies.
	Done() <-chan error

	Close() error
}
