package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"

	"circuit/storage"
)

// Trie is the Merkle-Patricia trie holding circuit state. Keys are hashed by
// the caller. After each Commit the trie is reopened at the new root so one
// instance serves every block. Not safe for concurrent use.
type Trie struct {
	db        *triedb.Database
	live      *gethtrie.Trie
	committed common.Hash
}

// NewTrie opens the trie at root; an empty root opens the empty trie.
func NewTrie(store storage.Database, root []byte) (*Trie, error) {
	committed := gethtypes.EmptyRootHash
	if len(root) > 0 {
		committed = common.BytesToHash(root)
	}
	t := &Trie{db: store.TrieDB()}
	if err := t.open(committed); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trie) open(root common.Hash) error {
	live, err := gethtrie.New(gethtrie.TrieID(root), t.db)
	if err != nil {
		return fmt.Errorf("trie: open %s: %w", root.Hex(), err)
	}
	t.live = live
	t.committed = root
	return nil
}

// Get returns the value under key, or nil when absent.
func (t *Trie) Get(key []byte) ([]byte, error) { return t.live.Get(key) }

// Update stores value under key.
func (t *Trie) Update(key, value []byte) error { return t.live.Update(key, value) }

// Delete removes key.
func (t *Trie) Delete(key []byte) error { return t.live.Delete(key) }

// Hash is the root including uncommitted writes.
func (t *Trie) Hash() common.Hash { return t.live.Hash() }

// Root is the last committed root.
func (t *Trie) Root() common.Hash { return t.committed }

// Copy returns a snapshot sharing the node database.
func (t *Trie) Copy() *Trie {
	return &Trie{db: t.db, live: t.live.Copy(), committed: t.committed}
}

// Prove returns the Merkle proof of key against Hash(). The nodes verify with
// go-ethereum's trie.VerifyProof, the same check remote state proofs pass.
func (t *Trie) Prove(key []byte) ([][]byte, error) {
	nodes := memorydb.New()
	if err := t.live.Prove(key, nodes); err != nil {
		return nil, err
	}
	it := nodes.NewIterator(nil, nil)
	defer it.Release()
	var out [][]byte
	for it.Next() {
		out = append(out, common.CopyBytes(it.Value()))
	}
	return out, it.Error()
}

// Commit flushes pending writes for block and returns the new root.
func (t *Trie) Commit(parent common.Hash, block uint64) (common.Hash, error) {
	root, nodes := t.live.Commit(false)
	if nodes != nil {
		set := trienode.NewMergedNodeSet()
		if err := set.Merge(nodes); err != nil {
			return common.Hash{}, err
		}
		if err := t.db.Update(root, parent, block, set, nil); err != nil {
			return common.Hash{}, fmt.Errorf("trie: update block %d: %w", block, err)
		}
		if err := t.db.Commit(root, false); err != nil {
			return common.Hash{}, fmt.Errorf("trie: commit block %d: %w", block, err)
		}
	}
	if err := t.open(root); err != nil {
		return common.Hash{}, err
	}
	return root, nil
}
