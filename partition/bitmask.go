package partition

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"
)

// ID is a partition index inside a set. The wire format caps it at 16 bits.
type ID = uint16

// Bitmask is a set of partition ids. The zero value is not usable, call
// NewBitmask or BitmaskOf.
type Bitmask struct {
	bm *roaring.Bitmap
}

func NewBitmask() Bitmask {
	return Bitmask{bm: roaring.New()}
}

func BitmaskOf(ids ...ID) Bitmask {
	m := NewBitmask()
	for _, id := range ids {
		m.bm.Add(uint32(id))
	}
	return m
}

func (m Bitmask) Set(id ID)           { m.bm.Add(uint32(id)) }
func (m Bitmask) Clear(id ID)         { m.bm.Remove(uint32(id)) }
func (m Bitmask) Contains(id ID) bool { return m.bm.Contains(uint32(id)) }
func (m Bitmask) IsEmpty() bool       { return m.bm.IsEmpty() }
func (m Bitmask) Count() int          { return int(m.bm.GetCardinality()) }

func (m Bitmask) Clone() Bitmask {
	return Bitmask{bm: m.bm.Clone()}
}

func (m Bitmask) Equal(o Bitmask) bool {
	return m.bm.Equals(o.bm)
}

// Union adds every id of o to m.
func (m Bitmask) Union(o Bitmask) { m.bm.Or(o.bm) }

// Subtract removes every id of o from m.
func (m Bitmask) Subtract(o Bitmask) { m.bm.AndNot(o.bm) }

// Intersect keeps only ids present in both.
func (m Bitmask) Intersect(o Bitmask) { m.bm.And(o.bm) }

func (m Bitmask) Intersects(o Bitmask) bool {
	return m.bm.Intersects(o.bm)
}

// Slice returns the ids in ascending order.
func (m Bitmask) Slice() []ID {
	raw := m.bm.ToArray()
	ids := make([]ID, len(raw))
	for i, v := range raw {
		ids[i] = ID(v)
	}
	return ids
}

// Max returns the highest id present; ok is false on an empty mask.
func (m Bitmask) Max() (id ID, ok bool) {
	if m.bm.IsEmpty() {
		return 0, false
	}
	return ID(m.bm.Maximum()), true
}

func (m Bitmask) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func BitmaskFromBytes(data []byte) (Bitmask, error) {
	bm := roaring.New()
	if len(data) == 0 {
		return Bitmask{bm: bm}, nil
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return Bitmask{}, err
	}
	return Bitmask{bm: bm}, nil
}

func (m Bitmask) String() string {
	return m.bm.String()
}
