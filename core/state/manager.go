package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"circuit/storage"
	"circuit/storage/trie"
)

// ErrUnknownSnapshot is returned when reverting to a snapshot that was never
// taken or was already released.
var ErrUnknownSnapshot = errors.New("state: unknown snapshot")

// Manager stores RLP-encoded records in the state trie under keccak256 of
// their namespace key. It also keeps a stack of trie copies so a dispatch can
// be rolled back as a whole.
type Manager struct {
	trie      *trie.Trie
	snapshots []*trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

// NewMemoryManager returns a manager over a fresh in-memory database.
func NewMemoryManager() (*Manager, error) {
	tr, err := trie.NewTrie(storage.NewMemDB(), nil)
	if err != nil {
		return nil, err
	}
	return NewManager(tr), nil
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return true, nil
}

// KVHas reports whether a value is stored under key.
func (m *Manager) KVHas(key []byte) (bool, error) {
	return m.KVGet(key, nil)
}

// KVDelete removes the value stored under key. Deleting a missing key is a
// no-op.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.trie.Delete(kvKey(key))
}

// KVAppend appends value to the byte-slice list stored under key. Duplicates
// are ignored so the list behaves as an ordered set.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	list, err := m.loadList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.storeList(key, list)
}

// KVRemove drops value from the list stored under key, keeping the order of the
// remaining entries. An emptied list is deleted.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	list, err := m.loadList(key)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return m.storeList(key, kept)
}

// KVGetList decodes the list stored under key into out, which must be a
// pointer to a slice. A missing list yields an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

func (m *Manager) loadList(key []byte) ([][]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (m *Manager) storeList(key []byte, list [][]byte) error {
	if len(list) == 0 {
		return m.trie.Delete(kvKey(key))
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// Snapshot records the current state and returns an identifier usable with
// RevertToSnapshot and DiscardSnapshot. Snapshots nest.
func (m *Manager) Snapshot() int {
	m.snapshots = append(m.snapshots, m.trie.Copy())
	return len(m.snapshots) - 1
}

// RevertToSnapshot restores the state captured by Snapshot(id) and releases
// that snapshot and every later one.
func (m *Manager) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(m.snapshots) {
		return ErrUnknownSnapshot
	}
	m.trie = m.snapshots[id]
	m.snapshots = m.snapshots[:id]
	return nil
}

// DiscardSnapshot releases snapshot id and every later one, keeping the
// current state.
func (m *Manager) DiscardSnapshot(id int) error {
	if id < 0 || id >= len(m.snapshots) {
		return ErrUnknownSnapshot
	}
	m.snapshots = m.snapshots[:id]
	return nil
}

// KVProof returns the Merkle proof of the record under key against Root().
func (m *Manager) KVProof(key []byte) ([][]byte, error) {
	return m.trie.Prove(kvKey(key))
}

// Root returns the state root including uncommitted changes.
func (m *Manager) Root() common.Hash {
	return m.trie.Hash()
}

// Commit persists the state and drops all snapshots.
func (m *Manager) Commit(parent common.Hash, blockNumber uint64) (common.Hash, error) {
	m.snapshots = nil
	return m.trie.Commit(parent, blockNumber)
}
