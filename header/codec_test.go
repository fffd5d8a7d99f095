package header

import (
	"testing"

	"github.com/lt1946/setview/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() *Header {
	h := NewHeader()
	h.Defined = true
	h.NumPartitions = 8
	h.Abitmask = partition.BitmaskOf(0, 1, 2, 3)
	h.Pbitmask = partition.BitmaskOf(4, 5)
	h.Cbitmask = partition.BitmaskOf(6)
	h.Seqs = partition.Seqs{0: 10, 1: 11, 2: 0, 3: 7, 4: 100000, 5: 5}
	h.PurgeSeqs = partition.Seqs{0: 1, 1: 0, 2: 0, 3: 2, 4: 9, 5: 0}
	h.HasReplica = true
	h.ReplicasOnTransfer = partition.BitmaskOf(4)
	h.PendingTransition = &partition.Transition{
		Active:  []partition.ID{6},
		Cleanup: []partition.ID{4},
	}
	h.IDBtreeState = []byte{1, 2, 3}
	h.ViewStates = []ViewState{
		{BtreeState: []byte{9}, Seqs: h.Seqs.Clone(), PurgeSeqs: h.PurgeSeqs.Clone()},
		{BtreeState: nil, Seqs: partition.Seqs{}, PurgeSeqs: partition.Seqs{}},
	}
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	sig := Signature(0xdeadbeefcafe)
	raw, err := Encode(sig, h)
	require.NoError(t, err)

	gotSig, got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, sig, gotSig)
	assert.True(t, got.Defined)
	assert.Equal(t, 8, got.NumPartitions)
	assert.True(t, h.Abitmask.Equal(got.Abitmask))
	assert.True(t, h.Pbitmask.Equal(got.Pbitmask))
	assert.True(t, h.Cbitmask.Equal(got.Cbitmask))
	assert.Equal(t, h.Seqs, got.Seqs)
	assert.Equal(t, h.PurgeSeqs, got.PurgeSeqs)
	assert.True(t, got.HasReplica)
	assert.True(t, h.ReplicasOnTransfer.Equal(got.ReplicasOnTransfer))
	require.NotNil(t, got.PendingTransition)
	assert.Equal(t, []partition.ID{6}, got.PendingTransition.Active)
	assert.Empty(t, got.PendingTransition.Passive)
	assert.Equal(t, []partition.ID{4}, got.PendingTransition.Cleanup)
	assert.Equal(t, []byte{1, 2, 3}, got.IDBtreeState)
	require.Len(t, got.ViewStates, 2)
	assert.Equal(t, h.ViewStates[0].Seqs, got.ViewStates[0].Seqs)

	// serialise(load(x)) == x
	again, err := Encode(gotSig, got)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestEmptyHeaderRoundTrip(t *testing.T) {
	h := NewHeader()
	raw, err := Encode(1, h)
	require.NoError(t, err)
	sig, got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, Signature(1), sig)
	assert.False(t, got.Defined)
	assert.True(t, got.Abitmask.IsEmpty())
	assert.False(t, got.HasReplica)
	assert.Nil(t, got.PendingTransition)
	assert.Empty(t, got.ViewStates)

	again, err := Encode(sig, got)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestDecodeGarbage(t *testing.T) {
	_, _, err := Decode([]byte("not a header"))
	assert.Error(t, err)
	_, _, err = Decode(nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	h := sampleHeader()
	require.NoError(t, h.Validate())

	h.Pbitmask.Set(0) // overlaps active
	assert.Error(t, h.Validate())

	h = sampleHeader()
	h.Seqs[7] = 3 // key without a role bit
	assert.Error(t, h.Validate())

	h = sampleHeader()
	h.ReplicasOnTransfer.Set(6) // cleanup partition on transfer
	assert.Error(t, h.Validate())

	h = sampleHeader()
	h.PendingTransition = &partition.Transition{
		Active:  []partition.ID{1},
		Cleanup: []partition.ID{1},
	}
	assert.Error(t, h.Validate())
}

func TestZipUint64(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 65535, 1 << 31, 1<<64 - 1} {
		assert.Equal(t, v, UnzipUint64(ZipUint64(v)))
	}
}

func TestZipUint64Pair(t *testing.T) {
	pairs := [][2]uint64{
		{0, 0}, {1, 0}, {1, 2}, {300, 5}, {70000, 66000},
		{1 << 40, 3}, {1<<63 - 1, 1<<63 - 1},
	}
	for _, p := range pairs {
		big, lil := UnzipUint64Pair(ZipUint64Pair(p[0], p[1]))
		assert.Equal(t, p[0], big)
		assert.Equal(t, p[1], lil)
	}
}
