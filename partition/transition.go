package partition

// Transition is a role change that could not be applied yet because some
// of its partitions are still in cleanup. It is persisted inside the index
// header and applied once the cleanup of those partitions has drained.
type Transition struct {
	Active  []ID
	Passive []ID
	Cleanup []ID
}

func (t *Transition) IsEmpty() bool {
	return t == nil || (len(t.Active) == 0 && len(t.Passive) == 0 && len(t.Cleanup) == 0)
}

func (t *Transition) Clone() *Transition {
	if t == nil {
		return nil
	}
	c := &Transition{
		Active:  append([]ID(nil), t.Active...),
		Passive: append([]ID(nil), t.Passive...),
		Cleanup: append([]ID(nil), t.Cleanup...),
	}
	return c
}

// Wants reports whether any of the given partitions is named on the
// active or passive side of the transition. Requests whose wanted
// partitions hit a pending transition park until it applies.
func (t *Transition) Wants(ids []ID) bool {
	if t == nil {
		return false
	}
	ap := BitmaskOf(t.Active...)
	ap.Union(BitmaskOf(t.Passive...))
	for _, id := range ids {
		if ap.Contains(id) {
			return true
		}
	}
	return false
}

// Merge folds a newer role change into the pending transition: each list
// is unioned into its own side and subtracted from the other two, so the
// latest intent for a partition wins.
func (t *Transition) Merge(active, passive, cleanup []ID) *Transition {
	a := BitmaskOf(t.Active...)
	p := BitmaskOf(t.Passive...)
	c := BitmaskOf(t.Cleanup...)

	na, np, nc := BitmaskOf(active...), BitmaskOf(passive...), BitmaskOf(cleanup...)

	a.Union(na)
	a.Subtract(np)
	a.Subtract(nc)

	p.Union(np)
	p.Subtract(na)
	p.Subtract(nc)

	c.Union(nc)
	c.Subtract(na)
	c.Subtract(np)

	return &Transition{Active: a.Slice(), Passive: p.Slice(), Cleanup: c.Slice()}
}

// Disjoint reports whether the three lists are pairwise disjoint, which
// every persisted transition must be.
func (t *Transition) Disjoint() bool {
	if t == nil {
		return true
	}
	return CheckDisjoint(t.Active, t.Passive, t.Cleanup) == nil
}
