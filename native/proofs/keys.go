package proofs

import (
	"encoding/binary"

	circuitcrypto "circuit/crypto"
)

var (
	// SystemEventsKey is the storage key of System.Events.
	SystemEventsKey = circuitcrypto.StoragePrefix("System", "Events")
	// ParasHeadsPrefix is the storage prefix of Paras::Heads.
	ParasHeadsPrefix = circuitcrypto.StoragePrefix("Paras", "Heads")
)

// ParasHeadsKey returns the storage key of the head of paraID.
func ParasHeadsKey(paraID uint32) []byte {
	encoded := binary.LittleEndian.AppendUint32(nil, paraID)
	key := append([]byte(nil), ParasHeadsPrefix...)
	return append(key, circuitcrypto.Twox64Concat(encoded)...)
}
