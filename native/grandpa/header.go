// Package grandpa verifies GRANDPA finality proofs of Substrate relay chains,
// imports parachain headers proven against a finalized relay state root and
// checks event inclusion in either.
package grandpa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/scale"
	circuitcrypto "circuit/crypto"
	"circuit/native/headers"
)

// Digest item kinds of a Substrate header.
const (
	DigestOther                     uint8 = 0
	DigestConsensus                 uint8 = 4
	DigestSeal                      uint8 = 5
	DigestPreRuntime                uint8 = 6
	DigestRuntimeEnvironmentUpdated uint8 = 8
)

// GrandpaEngineID is the consensus engine id of GRANDPA digest logs.
var GrandpaEngineID = [4]byte{'F', 'R', 'N', 'K'}

// DigestItem is one log entry of a header digest. Engine is unused for Other
// and RuntimeEnvironmentUpdated items.
type DigestItem struct {
	Kind   uint8
	Engine [4]byte
	Data   []byte
}

// Header is a Substrate block header.
type Header struct {
	ParentHash     common.Hash
	Number         uint32
	StateRoot      common.Hash
	ExtrinsicsRoot common.Hash
	Digest         []DigestItem
}

// Encode returns the SCALE encoding of the header.
func (h *Header) Encode() []byte {
	enc := scale.NewEncoder()
	enc.PutFixed(h.ParentHash[:])
	enc.PutCompact(uint64(h.Number))
	enc.PutFixed(h.StateRoot[:])
	enc.PutFixed(h.ExtrinsicsRoot[:])
	enc.PutFixed(encodeDigest(h.Digest))
	return enc.Bytes()
}

// Hash returns the blake2b-256 hash of the encoded header.
func (h *Header) Hash() common.Hash {
	return common.Hash(circuitcrypto.Blake2_256(h.Encode()))
}

// Stored converts the header into its header store form.
func (h *Header) Stored() headers.Header {
	return headers.Header{
		Number:         uint64(h.Number),
		Hash:           h.Hash(),
		ParentHash:     h.ParentHash,
		StateRoot:      h.StateRoot,
		ExtrinsicsRoot: h.ExtrinsicsRoot,
		Digest:         encodeDigest(h.Digest),
	}
}

func encodeDigest(items []DigestItem) []byte {
	enc := scale.NewEncoder()
	enc.PutCompact(uint64(len(items)))
	for _, item := range items {
		enc.PutU8(item.Kind)
		switch item.Kind {
		case DigestConsensus, DigestSeal, DigestPreRuntime:
			enc.PutFixed(item.Engine[:])
			enc.PutBytes(item.Data)
		case DigestOther:
			enc.PutBytes(item.Data)
		}
	}
	return enc.Bytes()
}

// DecodeHeader parses a SCALE encoded header. Trailing bytes are rejected.
func DecodeHeader(data []byte) (*Header, error) {
	dec := scale.NewDecoder(data)
	h, err := decodeHeader(dec)
	if err != nil {
		return nil, err
	}
	if err := dec.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderDecoding, err)
	}
	return h, nil
}

func decodeHeader(dec *scale.Decoder) (*Header, error) {
	var h Header
	parent, err := dec.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("%w: parent hash: %v", ErrHeaderDecoding, err)
	}
	copy(h.ParentHash[:], parent)
	if h.Number, err = dec.CompactU32(); err != nil {
		return nil, fmt.Errorf("%w: number: %v", ErrHeaderDecoding, err)
	}
	stateRoot, err := dec.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("%w: state root: %v", ErrHeaderDecoding, err)
	}
	copy(h.StateRoot[:], stateRoot)
	extrinsicsRoot, err := dec.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("%w: extrinsics root: %v", ErrHeaderDecoding, err)
	}
	copy(h.ExtrinsicsRoot[:], extrinsicsRoot)
	count, err := dec.Compact()
	if err != nil {
		return nil, fmt.Errorf("%w: digest length: %v", ErrHeaderDecoding, err)
	}
	if count > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: digest length %d exceeds input", ErrHeaderDecoding, count)
	}
	for i := uint64(0); i < count; i++ {
		item, err := decodeDigestItem(dec)
		if err != nil {
			return nil, err
		}
		h.Digest = append(h.Digest, item)
	}
	return &h, nil
}

func decodeDigestItem(dec *scale.Decoder) (DigestItem, error) {
	var item DigestItem
	kind, err := dec.U8()
	if err != nil {
		return item, fmt.Errorf("%w: digest kind: %v", ErrHeaderDecoding, err)
	}
	item.Kind = kind
	switch kind {
	case DigestConsensus, DigestSeal, DigestPreRuntime:
		engine, err := dec.Fixed(4)
		if err != nil {
			return item, fmt.Errorf("%w: digest engine: %v", ErrHeaderDecoding, err)
		}
		copy(item.Engine[:], engine)
		if item.Data, err = dec.Bytes(); err != nil {
			return item, fmt.Errorf("%w: digest data: %v", ErrHeaderDecoding, err)
		}
	case DigestOther:
		if item.Data, err = dec.Bytes(); err != nil {
			return item, fmt.Errorf("%w: digest data: %v", ErrHeaderDecoding, err)
		}
	case DigestRuntimeEnvironmentUpdated:
	default:
		return item, fmt.Errorf("%w: unknown digest kind %d", ErrHeaderDecoding, kind)
	}
	return item, nil
}
