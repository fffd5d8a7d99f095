package dbset

import (
	"context"
	"sync"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
)

// Memory is an in-process database set. Tests and the REPL feed it
// documents; the group reads it like any other set.
type Memory struct {
	mu     sync.Mutex
	parts  map[partition.ID][]Doc
	seqs   map[partition.ID]uint64
	notify chan struct{}
	done   chan error
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		parts:  make(map[partition.ID][]Doc),
		seqs:   make(map[partition.ID]uint64),
		notify: make(chan struct{}, 1),
		done:   make(chan error, 1),
	}
}

// Append adds a document change to a partition and bumps its sequence.
func (m *Memory) Append(part partition.ID, id []byte, body []byte, deleted bool) uint64 {
	m.mu.Lock()
	m.seqs[part]++
	seq := m.seqs[part]
	m.parts[part] = append(m.parts[part], Doc{
		ID:      append([]byte(nil), id...),
		Seq:     seq,
		Deleted: deleted,
		Body:    append([]byte(nil), body...),
	})
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return seq
}

func (m *Memory) Seq(part partition.ID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, setview_errors.ErrClosed
	}
	return m.seqs[part], nil
}

func (m *Memory) Changes(ctx context.Context, part partition.ID, since uint64, limit int) ([]Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, setview_errors.ErrClosed
	}
	var out []Doc
	for _, doc := range m.parts[part] {
		if doc.Seq <= since {
			continue
		}
		out = append(out, doc)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RemovePartitions(parts []partition.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range parts {
		delete(m.parts, p)
		delete(m.seqs, p)
	}
	return nil
}

func (m *Memory) Notify() <-chan struct{} { return m.notify }

func (m *Memory) Done() <-chan error { return m.done }

// Fail kills the set with a reason, as a lost database would.
func (m *Memory) Fail(reason error) {
	m.mu.Lock()
	closed := m.closed
	m.closed = true
	m.mu.Unlock()
	if !closed {
		m.done <- reason
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
