package proofs

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// EventLog is the [address, topics, data] envelope of an EVM log.
type EventLog struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// EncodeLog returns the RLP encoding of a log.
func EncodeLog(l EventLog) ([]byte, error) {
	return rlp.EncodeToBytes(l)
}

// DecodeLog parses an RLP encoded log.
func DecodeLog(data []byte) (EventLog, error) {
	var l EventLog
	if err := rlp.DecodeBytes(data, &l); err != nil {
		return l, fmt.Errorf("%w: log: %v", ErrDecoding, err)
	}
	return l, nil
}

// ReceiptLog decodes a consensus-encoded receipt (legacy or typed) and returns
// the log at index.
func ReceiptLog(encoded []byte, index uint64) (EventLog, error) {
	var receipt gethtypes.Receipt
	if err := receipt.UnmarshalBinary(encoded); err != nil {
		return EventLog{}, fmt.Errorf("%w: receipt: %v", ErrDecoding, err)
	}
	if index >= uint64(len(receipt.Logs)) {
		return EventLog{}, fmt.Errorf("%w: log %d of %d", ErrEventNotIncluded, index, len(receipt.Logs))
	}
	l := receipt.Logs[index]
	return EventLog{Address: l.Address, Topics: l.Topics, Data: l.Data}, nil
}

// CheckLogSource rejects logs not emitted by source. An empty source accepts
// any emitter.
func CheckLogSource(l EventLog, source []byte) error {
	if len(source) == 0 {
		return nil
	}
	if len(source) == 32 {
		source = source[12:]
	}
	if !bytes.Equal(l.Address.Bytes(), source) {
		return fmt.Errorf("%w: log emitted by %s", ErrUnexpectedSource, l.Address.Hex())
	}
	return nil
}
