package state

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"circuit/native/proofs"
	"circuit/storage"
	"circuit/storage/trie"
)

type record struct {
	Name   string
	Amount *big.Int
	Flag   bool
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewMemoryManager()
	require.NoError(t, err)
	return mgr
}

func TestKVPutGetDelete(t *testing.T) {
	mgr := newTestManager(t)

	var out record
	ok, err := mgr.KVGet([]byte("circuit/xtx/1"), &out)
	require.NoError(t, err)
	require.False(t, ok)

	in := record{Name: "pdot", Amount: big.NewInt(200), Flag: true}
	require.NoError(t, mgr.KVPut([]byte("circuit/xtx/1"), in))

	ok, err = mgr.KVGet([]byte("circuit/xtx/1"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pdot", out.Name)
	require.Equal(t, 0, out.Amount.Cmp(big.NewInt(200)))
	require.True(t, out.Flag)

	require.NoError(t, mgr.KVDelete([]byte("circuit/xtx/1")))
	ok, err = mgr.KVHas([]byte("circuit/xtx/1"))
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, mgr.KVPut(nil, in))
}

func TestKVListOperations(t *testing.T) {
	mgr := newTestManager(t)
	key := []byte("circuit/active")

	var list [][]byte
	require.NoError(t, mgr.KVGetList(key, &list))
	require.Empty(t, list)
	require.NotNil(t, list)

	require.NoError(t, mgr.KVAppend(key, []byte{1}))
	require.NoError(t, mgr.KVAppend(key, []byte{2}))
	require.NoError(t, mgr.KVAppend(key, []byte{1}))
	require.NoError(t, mgr.KVAppend(key, []byte{3}))
	require.NoError(t, mgr.KVGetList(key, &list))
	require.Equal(t, [][]byte{{1}, {2}, {3}}, list)

	require.NoError(t, mgr.KVRemove(key, []byte{2}))
	require.NoError(t, mgr.KVRemove(key, []byte{9}))
	require.NoError(t, mgr.KVGetList(key, &list))
	require.Equal(t, [][]byte{{1}, {3}}, list)

	require.NoError(t, mgr.KVRemove(key, []byte{1}))
	require.NoError(t, mgr.KVRemove(key, []byte{3}))
	ok, err := mgr.KVHas(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotRevertAndDiscard(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.KVPut([]byte("a"), uint64(1)))
	before := mgr.Root()

	outer := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("a"), uint64(2)))
	inner := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("b"), uint64(3)))

	require.NoError(t, mgr.RevertToSnapshot(inner))
	var v uint64
	ok, err := mgr.KVGet([]byte("b"), &v)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = mgr.KVGet([]byte("a"), &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), v)

	require.NoError(t, mgr.RevertToSnapshot(outer))
	require.Equal(t, before, mgr.Root())
	require.ErrorIs(t, mgr.RevertToSnapshot(outer), ErrUnknownSnapshot)

	id := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("c"), uint64(4)))
	require.NoError(t, mgr.DiscardSnapshot(id))
	ok, err = mgr.KVGet([]byte("c"), &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), v)
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := trie.NewTrie(db, nil)
	require.NoError(t, err)
	mgr := NewManager(tr)
	require.NoError(t, mgr.KVPut([]byte("headers/pdot/best"), common.Hash{1}))
	root, err := mgr.Commit(common.Hash{}, 1)
	require.NoError(t, err)

	reopened, err := trie.NewTrie(db, root.Bytes())
	require.NoError(t, err)
	var got common.Hash
	ok, err := NewManager(reopened).KVGet([]byte("headers/pdot/best"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.Hash{1}, got)
}

func TestKVProofVerifiesRecord(t *testing.T) {
	mgr := newTestManager(t)
	in := record{Name: "xtx", Amount: big.NewInt(7)}
	require.NoError(t, mgr.KVPut([]byte("circuit/xtx/7"), in))
	require.NoError(t, mgr.KVPut([]byte("circuit/xtx/8"), record{Name: "other", Amount: big.NewInt(1)}))

	nodes, err := mgr.KVProof([]byte("circuit/xtx/7"))
	require.NoError(t, err)
	raw, err := proofs.VerifyTrieProof(mgr.Root(), kvKey([]byte("circuit/xtx/7")), nodes)
	require.NoError(t, err)

	var out record
	require.NoError(t, rlp.DecodeBytes(raw, &out))
	require.Equal(t, "xtx", out.Name)
	require.Equal(t, int64(7), out.Amount.Int64())
}
