// Package partition holds the role algebra of a set view group: the
// active/passive/cleanup bitmasks, the per-partition sequence maps and the
// pure transitions that move partitions between roles. No I/O happens here.
package partition

import (
	"fmt"

	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/utils"
)

// Seqs maps a partition id to its last indexed sequence.
type Seqs map[ID]uint64

func (s Seqs) Clone() Seqs {
	c := make(Seqs, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// SortedIDs returns partition ids in ascending order.
func (s Seqs) SortedIDs() []ID {
	return utils.SortedKeys(s)
}

// State is the role tuple the algebra operates on. Active, Passive and
// Cleanup stay pairwise disjoint; Seqs and PurgeSeqs are keyed by exactly
// the ids of Active union Passive.
type State struct {
	Active    Bitmask
	Passive   Bitmask
	Cleanup   Bitmask
	Seqs      Seqs
	PurgeSeqs Seqs
}

func NewState() State {
	return State{
		Active:    NewBitmask(),
		Passive:   NewBitmask(),
		Cleanup:   NewBitmask(),
		Seqs:      make(Seqs),
		PurgeSeqs: make(Seqs),
	}
}

func (st State) Clone() State {
	return State{
		Active:    st.Active.Clone(),
		Passive:   st.Passive.Clone(),
		Cleanup:   st.Cleanup.Clone(),
		Seqs:      st.Seqs.Clone(),
		PurgeSeqs: st.PurgeSeqs.Clone(),
	}
}

// PromoteActive moves the given partitions into the active role. Passive
// partitions keep their sequences, absent partitions start at zero.
// A cleanup bit on a promoted partition is cleared.
func (st *State) PromoteActive(ids []ID) {
	for _, id := range ids {
		if st.Active.Contains(id) {
			continue
		}
		if st.Passive.Contains(id) {
			st.Passive.Clear(id)
		} else {
			st.Seqs[id] = 0
			st.PurgeSeqs[id] = 0
		}
		st.Active.Set(id)
		st.Cleanup.Clear(id)
	}
}

// PromotePassive is symmetric to PromoteActive: active partitions keep
// their sequences when demoted.
func (st *State) PromotePassive(ids []ID) {
	for _, id := range ids {
		if st.Passive.Contains(id) {
			continue
		}
		if st.Active.Contains(id) {
			st.Active.Clear(id)
		} else {
			st.Seqs[id] = 0
			st.PurgeSeqs[id] = 0
		}
		st.Passive.Set(id)
		st.Cleanup.Clear(id)
	}
}

// MarkCleanup moves the given partitions into the cleanup role and drops
// their sequence entries: cleanup partitions are no longer indexed.
func (st *State) MarkCleanup(ids []ID) {
	for _, id := range ids {
		if st.Cleanup.Contains(id) {
			continue
		}
		st.Active.Clear(id)
		st.Passive.Clear(id)
		st.Cleanup.Set(id)
		delete(st.Seqs, id)
		delete(st.PurgeSeqs, id)
	}
}

// Apply runs the three promotions in the canonical order.
func (st *State) Apply(active, passive, cleanup []ID) {
	st.PromoteActive(active)
	st.PromotePassive(passive)
	st.MarkCleanup(cleanup)
}

// CheckDisjoint fails with ErrIntersectingLists if any partition shows up
// in more than one role list.
func CheckDisjoint(active, passive, cleanup []ID) error {
	a, p, c := BitmaskOf(active...), BitmaskOf(passive...), BitmaskOf(cleanup...)
	if a.Intersects(p) || a.Intersects(c) || p.Intersects(c) {
		return setview_errors.ErrIntersectingLists
	}
	return nil
}

// CheckBounds fails with ErrInvalidPartitions if any id is outside
// [0, numPartitions).
func CheckBounds(numPartitions int, lists ...[]ID) error {
	for _, list := range lists {
		for _, id := range list {
			if int(id) >= numPartitions {
				return fmt.Errorf("%w: partition %d, set has %d partitions",
					setview_errors.ErrInvalidPartitions, id, numPartitions)
			}
		}
	}
	return nil
}
