// Package header defines the durable index header of a set view group and
// its TLV codec. The header is the single record that makes a group's
// partition roles, sequences and B-tree roots crash-safe: whatever the last
// committed header says, is the group.
package header

import (
	"fmt"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
)

// Signature identifies the compiled view sources the group indexes.
type Signature uint64

func (s Signature) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// ViewState is the per-view slice of the header: one B-tree root plus the
// view's own sequence maps.
type ViewState struct {
	BtreeState []byte
	Seqs       partition.Seqs
	PurgeSeqs  partition.Seqs
}

func (v ViewState) Clone() ViewState {
	return ViewState{
		BtreeState: append([]byte(nil), v.BtreeState...),
		Seqs:       v.Seqs.Clone(),
		PurgeSeqs:  v.PurgeSeqs.Clone(),
	}
}

// Header is the durable state of a set view group. NumPartitions stays
// zero with Defined false until the first DefineView.
type Header struct {
	Defined       bool
	NumPartitions int

	Abitmask partition.Bitmask
	Pbitmask partition.Bitmask
	Cbitmask partition.Bitmask

	Seqs      partition.Seqs
	PurgeSeqs partition.Seqs

	HasReplica         bool
	ReplicasOnTransfer partition.Bitmask

	PendingTransition *partition.Transition

	IDBtreeState []byte
	ViewStates   []ViewState
}

func NewHeader() *Header {
	return &Header{
		Abitmask:           partition.NewBitmask(),
		Pbitmask:           partition.NewBitmask(),
		Cbitmask:           partition.NewBitmask(),
		Seqs:               make(partition.Seqs),
		PurgeSeqs:          make(partition.Seqs),
		ReplicasOnTransfer: partition.NewBitmask(),
	}
}

func (h *Header) Clone() *Header {
	c := &Header{
		Defined:            h.Defined,
		NumPartitions:      h.NumPartitions,
		Abitmask:           h.Abitmask.Clone(),
		Pbitmask:           h.Pbitmask.Clone(),
		Cbitmask:           h.Cbitmask.Clone(),
		Seqs:               h.Seqs.Clone(),
		PurgeSeqs:          h.PurgeSeqs.Clone(),
		HasReplica:         h.HasReplica,
		ReplicasOnTransfer: h.ReplicasOnTransfer.Clone(),
		PendingTransition:  h.PendingTransition.Clone(),
		IDBtreeState:       append([]byte(nil), h.IDBtreeState...),
	}
	for _, v := range h.ViewStates {
		c.ViewStates = append(c.ViewStates, v.Clone())
	}
	return c
}

// State extracts the role tuple the partition algebra operates on. The
// returned value aliases the header's masks and maps.
func (h *Header) State() *partition.State {
	return &partition.State{
		Active:    h.Abitmask,
		Passive:   h.Pbitmask,
		Cleanup:   h.Cbitmask,
		Seqs:      h.Seqs,
		PurgeSeqs: h.PurgeSeqs,
	}
}

// Validate checks the header invariants that every committed header must
// satisfy.
func (h *Header) Validate() error {
	if h.Abitmask.Intersects(h.Pbitmask) ||
		h.Abitmask.Intersects(h.Cbitmask) ||
		h.Pbitmask.Intersects(h.Cbitmask) {
		return fmt.Errorf("%w: role bitmasks overlap", setview_errors.ErrBadHeaderRecord)
	}
	indexed := h.Abitmask.Clone()
	indexed.Union(h.Pbitmask)
	if !sameKeys(h.Seqs, indexed) {
		return fmt.Errorf("%w: seqs keys do not match indexed partitions", setview_errors.ErrBadHeaderRecord)
	}
	if !sameKeys(h.PurgeSeqs, indexed) {
		return fmt.Errorf("%w: purge_seqs keys do not match indexed partitions", setview_errors.ErrBadHeaderRecord)
	}
	onTransfer := h.ReplicasOnTransfer.Clone()
	onTransfer.Subtract(indexed)
	if !onTransfer.IsEmpty() {
		return fmt.Errorf("%w: replicas_on_transfer outside indexed partitions", setview_errors.ErrBadHeaderRecord)
	}
	if !h.PendingTransition.Disjoint() {
		return fmt.Errorf("%w: pending transition lists overlap", setview_errors.ErrBadHeaderRecord)
	}
	return nil
}

func sameKeys(seqs partition.Seqs, mask partition.Bitmask) bool {
	if len(seqs) != mask.Count() {
		return false
	}
	for id := range seqs {
		if !mask.Contains(id) {
			return false
		}
	}
	return true
}
