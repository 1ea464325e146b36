// Package proofs verifies Merkle-Patricia storage and receipt proofs and
// decodes the envelopes relayers submit them in.
package proofs

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
)

var (
	ErrStorageRootMismatch = errors.New("proofs: storage root mismatch")
	ErrValueMissing        = errors.New("proofs: value not present in proof")
	ErrInvalidProof        = errors.New("proofs: invalid proof")
	ErrEventNotIncluded    = errors.New("proofs: event not included")
	ErrUnexpectedSource    = errors.New("proofs: unexpected source")
	ErrUnexpectedLength    = errors.New("proofs: unexpected event length")
	ErrDecoding            = errors.New("proofs: decoding error")
)

// VerifyTrieProof checks that nodes prove key under root and returns the value.
// A proof that does not chain to root fails with ErrStorageRootMismatch; a
// valid proof of absence fails with ErrValueMissing.
func VerifyTrieProof(root common.Hash, key []byte, nodes [][]byte) ([]byte, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty proof", ErrInvalidProof)
	}
	db := memorydb.New()
	for _, node := range nodes {
		if err := db.Put(crypto.Keccak256(node), node); err != nil {
			return nil, err
		}
	}
	value, err := gethtrie.VerifyProof(root, key, db)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageRootMismatch, err)
	}
	if len(value) == 0 {
		return nil, ErrValueMissing
	}
	return value, nil
}

// Builder assembles a trie from key/value pairs and produces proofs against
// its root. Relayer tooling and tests use it to construct submissions.
type Builder struct {
	trie *gethtrie.Trie
}

// NewBuilder returns an empty proof builder.
func NewBuilder() *Builder {
	return &Builder{trie: gethtrie.NewEmpty(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil))}
}

// Put inserts a key/value pair.
func (b *Builder) Put(key, value []byte) error {
	return b.trie.Update(key, value)
}

// Root returns the current trie root.
func (b *Builder) Root() common.Hash {
	return b.trie.Hash()
}

// Prove returns the proof nodes for key.
func (b *Builder) Prove(key []byte) ([][]byte, error) {
	db := memorydb.New()
	if err := b.trie.Prove(key, db); err != nil {
		return nil, err
	}
	it := db.NewIterator(nil, nil)
	defer it.Release()
	var nodes [][]byte
	for it.Next() {
		nodes = append(nodes, append([]byte(nil), it.Value()...))
	}
	return nodes, it.Error()
}

// ReceiptKey is the receipts-trie key of a transaction index.
func ReceiptKey(index uint64) []byte {
	return rlp.AppendUint64(nil, index)
}
