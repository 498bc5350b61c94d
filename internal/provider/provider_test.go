package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdaum/moor-sub011/internal/pagestore"
	"github.com/rdaum/moor-sub011/internal/slotbox"
)

func openTestProvider(t *testing.T) *Provider {
	t.Helper()
	pages, err := pagestore.Open(pagestore.Options{DataDir: t.TempDir(), RelationNames: []string{"object_name"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pages.Close() })

	slots, err := slotbox.Open(slotbox.Options{VirtualSize: 1 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { slots.Close() })

	return New("object_name", 0, pages, slots)
}

func TestStoreLoadDropTuple(t *testing.T) {
	p := openTestProvider(t)

	id, err := p.StoreTuple(nil, []byte("gustave"))
	require.NoError(t, err)

	got, err := p.LoadTuple(id)
	require.NoError(t, err)
	require.Equal(t, []byte("gustave"), got)

	id2, err := p.StoreTuple(&id, []byte("gus"))
	require.NoError(t, err)
	require.Equal(t, id, id2)

	require.NoError(t, p.DropTuple(id2))
	_, err = p.LoadTuple(id2)
	require.Error(t, err)
}

func TestPageWriteForRoundTripsThroughTupleKey(t *testing.T) {
	p := openTestProvider(t)
	id, err := p.StoreTuple(nil, []byte("payload"))
	require.NoError(t, err)

	pw := p.PageWriteFor(id, []byte("payload"))
	require.Equal(t, "object_name", pw.Relation)
	require.Equal(t, id, tupleFromKey(pw.PageID))

	del := p.DeleteWriteFor(id)
	require.Nil(t, del.Bytes)
	require.Equal(t, pw.PageID, del.PageID)
}

func TestLoadAllScansDurablePartition(t *testing.T) {
	pages, err := pagestore.Open(pagestore.Options{DataDir: t.TempDir(), RelationNames: []string{"object_name"}}, nil)
	require.NoError(t, err)
	defer pages.Close()
	slots, err := slotbox.Open(slotbox.Options{VirtualSize: 1 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	defer slots.Close()
	p := New("object_name", 0, pages, slots)

	id, err := p.StoreTuple(nil, []byte("durable"))
	require.NoError(t, err)

	require.NoError(t, pages.Commit(pagestore.Batch{
		Timestamp: 1,
		Pages:     []pagestore.PageWrite{p.PageWriteFor(id, []byte("durable"))},
	}))
	require.NoError(t, p.WaitForDurable(1, 2*time.Second))

	found := make(map[slotbox.TupleId][]byte)
	require.NoError(t, p.LoadAll(func(tid slotbox.TupleId, data []byte) error {
		found[tid] = append([]byte(nil), data...)
		return nil
	}))
	require.Equal(t, []byte("durable"), found[id])
}
