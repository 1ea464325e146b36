package proofs

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// RelayInclusionProof proves an event was deposited in a relay chain block.
type RelayInclusionProof struct {
	BlockHash    common.Hash
	StorageProof [][]byte
	Payload      []byte
}

// ParachainInclusionProof proves an event in a parachain block whose header is
// itself proven against a finalized relay block.
type ParachainInclusionProof struct {
	RelayBlockHash common.Hash
	HeaderProof    [][]byte
	StorageProof   [][]byte
	Payload        []byte
}

// ReceiptInclusionProof proves a log in an Ethereum receipt.
type ReceiptInclusionProof struct {
	BlockHash common.Hash
	TxIndex   uint64
	Proof     [][]byte
	LogIndex  uint64
}

// ParachainHeaderProof is the submission body for a parachain header.
type ParachainHeaderProof struct {
	RelayBlockHash common.Hash
	Proof          [][]byte
}

// Encode returns the RLP encoding of an envelope.
func Encode(envelope interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(envelope)
}

// Decode parses an RLP envelope into out.
func Decode(data []byte, out interface{}) error {
	if err := rlp.DecodeBytes(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	return nil
}

// Inclusion is the result of a verified event inclusion proof: the height of
// the including block, the proven message and the header it is anchored to.
type Inclusion struct {
	Height          uint64
	Message         []byte
	IncludingHeader common.Hash
}
