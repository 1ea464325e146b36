package trie

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/require"

	"circuit/storage"
)

func TestTrieCommitFlushPersistsData(t *testing.T) {
	dir := t.TempDir()

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	tr, err := NewTrie(db1, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("key"))
	value := []byte("value")

	require.NoError(t, tr.Update(key.Bytes(), value))
	root, err := tr.Commit(common.Hash{}, 0)
	require.NoError(t, err)
	require.Equal(t, root, tr.Root())

	db1.Close()

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	restored, err := NewTrie(db2, root.Bytes())
	require.NoError(t, err)

	got, err := restored.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestTrieCopyIsIndependent(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)
	key := crypto.Keccak256([]byte("gateway"))
	require.NoError(t, tr.Update(key, []byte("pdot")))

	snapshot := tr.Copy()
	require.NoError(t, tr.Update(key, []byte("ksma")))
	require.NoError(t, tr.Delete(crypto.Keccak256([]byte("missing"))))

	got, err := snapshot.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("pdot"), got)

	got, err = tr.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("ksma"), got)
	require.NotEqual(t, snapshot.Hash(), tr.Hash())
}

func TestTrieDeleteRemovesKey(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)
	empty := tr.Hash()
	key := crypto.Keccak256([]byte("k"))
	require.NoError(t, tr.Update(key, []byte{1}))
	require.NoError(t, tr.Delete(key))

	got, err := tr.Get(key)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, empty, tr.Hash())
}

func TestTrieProveVerifiesAgainstHash(t *testing.T) {
	tr, err := NewTrie(storage.NewMemDB(), nil)
	require.NoError(t, err)
	key := crypto.Keccak256([]byte("circuit/xtx"))
	require.NoError(t, tr.Update(key, []byte("pending_bidding")))
	require.NoError(t, tr.Update(crypto.Keccak256([]byte("other")), []byte{2}))

	nodes, err := tr.Prove(key)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)

	db := memorydb.New()
	for _, node := range nodes {
		require.NoError(t, db.Put(crypto.Keccak256(node), node))
	}
	got, err := gethtrie.VerifyProof(tr.Hash(), key, db)
	require.NoError(t, err)
	require.Equal(t, []byte("pending_bidding"), got)
}
