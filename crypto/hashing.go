package crypto

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/blake3"
)

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) [32]byte {
	return crypto.Keccak256Hash(data...)
}

// Blake2_256 is the Substrate default hasher.
func Blake2_256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Blake3 hashes the concatenation of data.
func Blake3(data ...[]byte) [32]byte {
	h := blake3.New(32, nil)
	for _, d := range data {
		_, _ = h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func twox(data []byte, seed uint64) []byte {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.Write(data)
	return binary.LittleEndian.AppendUint64(nil, d.Sum64())
}

// Twox64 returns the 8 byte xxhash64 (seed 0) in little-endian order.
func Twox64(data []byte) []byte {
	return twox(data, 0)
}

// Twox128 concatenates xxhash64 with seeds 0 and 1.
func Twox128(data []byte) []byte {
	return append(twox(data, 0), twox(data, 1)...)
}

// Twox64Concat returns Twox64(data) ‖ data, the Substrate map hasher.
func Twox64Concat(data []byte) []byte {
	return append(Twox64(data), data...)
}

// StoragePrefix returns Twox128(pallet) ‖ Twox128(item).
func StoragePrefix(pallet, item string) []byte {
	return append(Twox128([]byte(pallet)), Twox128([]byte(item))...)
}
