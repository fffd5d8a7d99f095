package setview

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/lt1946/setview/dbset"
	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
	"github.com/lt1946/setview/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocValueCodec(t *testing.T) {
	keys := []docViewKey{
		{view: 0, key: []byte("alpha")},
		{view: 3, key: []byte("beta")},
	}
	val := encodeDocValue(42, []byte("body"), keys)
	assert.Equal(t, uint64(42), DocSeq(val))
	got := decodeDocViewKeys(val)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].view)
	assert.Equal(t, []byte("alpha"), got[0].key)
	assert.Equal(t, 3, got[1].view)
	assert.Equal(t, []byte("beta"), got[1].key)

	val = encodeDocValue(7, nil, nil)
	assert.Equal(t, uint64(7), DocSeq(val))
	assert.Empty(t, decodeDocViewKeys(val))
}

func TestUpdaterRetractsOldViewRows(t *testing.T) {
	db := dbset.NewMemory()
	g, err := OpenGroup(Config{
		SetName:  "testset",
		Name:     "retract",
		Language: "go",
		Views: []ViewDef{{Name: "swap", Map: func(doc dbset.Doc) []KV {
			return []KV{{Key: append([]byte("k-"), doc.Body...), Value: doc.ID}}
		}}},
		Dir:     t.TempDir(),
		DbSet:   db,
		Options: testOptions(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))

	db.Append(0, []byte("doc"), []byte("one"), false)
	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	snap.Release()

	// the same doc emits a different key; the old row must go
	db.Append(0, []byte("doc"), []byte("two"), false)
	snap, err = g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	defer snap.Release()

	iter, err := snap.Trees.NewIter(nil)
	require.NoError(t, err)
	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		if iter.Key()[0] == 'V' {
			keys = append(keys, string(iter.Key()[5:]))
		}
	}
	require.NoError(t, iter.Close())
	assert.Equal(t, []string{"k-two"}, keys)
}

func TestUpdaterDeletesDocs(t *testing.T) {
	g, db := newTestGroup(t, "deletes")
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))

	db.Append(0, []byte("doc"), []byte("x"), false)
	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	snap.Release()

	db.Append(0, []byte("doc"), nil, true)
	snap, err = g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, uint64(2), snap.Header.Seqs[0])
	_, _, err = snap.Trees.Get([]byte{'D', 0, 0, 'd', 'o', 'c'})
	assert.Error(t, err, "deleted doc still indexed")
}

// failingSet reads sequences fine but cannot stream changes.
type failingSet struct {
	*dbset.Memory
	reason error
}

func (f *failingSet) Changes(ctx context.Context, part partition.ID, since uint64, limit int) ([]dbset.Doc, error) {
	return nil, f.reason
}

func TestUpdaterErrorRepliesWaiters(t *testing.T) {
	boom := errors.New("stream broken")
	fs := &failingSet{Memory: dbset.NewMemory(), reason: boom}
	g, err := OpenGroup(Config{
		SetName:  "testset",
		Name:     "updatererr",
		Language: "go",
		Views:    []ViewDef{{Name: "v"}},
		Dir:      t.TempDir(),
		DbSet:    fs,
		Options: Options{
			Logger:         utils.NewDefaultLogger(slog.LevelError),
			CommitInterval: 50 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 2, []partition.ID{0}, nil, false))
	fs.Memory.Append(0, []byte("doc"), []byte("x"), false)

	_, err = g.RequestGroup(ctx, nil, StaleFalse)
	var uerr *setview_errors.UpdaterError
	require.ErrorAs(t, err, &uerr)
	assert.ErrorIs(t, uerr.Reason, boom)

	// the group survives an updater error
	defined, err := g.IsViewDefined(ctx)
	require.NoError(t, err)
	assert.True(t, defined)
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	db := dbset.NewMemory()
	cfg := Config{
		SetName:  "testset",
		Name:     "reopen",
		Language: "go",
		Views:    []ViewDef{{Name: "v"}},
		Dir:      dir,
		DbSet:    db,
		Options:  testOptions(),
	}
	g, err := OpenGroup(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, g.DefineView(ctx, 4, []partition.ID{0, 1}, []partition.ID{2}, false))
	db.Append(0, []byte("doc"), []byte("x"), false)
	snap, err := g.RequestGroup(ctx, nil, StaleFalse)
	require.NoError(t, err)
	snap.Release()
	require.NoError(t, g.Close(ctx))

	cfg.DbSet = db
	g2, err := OpenGroup(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g2.Close(context.Background()) })

	defined, err := g2.IsViewDefined(ctx)
	require.NoError(t, err)
	assert.True(t, defined)
	mustCall(t, g2, func() {
		assert.Equal(t, 4, g2.hdr.NumPartitions)
		assert.Equal(t, []partition.ID{0, 1}, g2.hdr.Abitmask.Slice())
		assert.Equal(t, []partition.ID{2}, g2.hdr.Pbitmask.Slice())
		assert.Equal(t, uint64(1), g2.hdr.Seqs[0])
	})
}
