// Package headers stores finalized remote headers per gateway in a bounded
// ring buffer and answers lookups and storage proofs against them.
package headers

import (
	"github.com/ethereum/go-ethereum/common"

	"circuit/core/types"
)

// Kind identifies the consensus family of a gateway.
type Kind uint8

const (
	KindRelay Kind = iota
	KindParachain
	KindEthereum
)

func (k Kind) String() string {
	switch k {
	case KindRelay:
		return "relay"
	case KindParachain:
		return "parachain"
	case KindEthereum:
		return "ethereum"
	default:
		return "unknown"
	}
}

// Gateway is the light client record of one remote chain.
type Gateway struct {
	ID          types.GatewayID
	Kind        uint8
	RelayID     types.GatewayID
	ParaID      uint32
	InitialHash common.Hash
	Halted      bool
	Owner       types.AccountID
	HasOwner    bool
}

// GatewayKind returns the typed kind of the record.
func (g *Gateway) GatewayKind() Kind { return Kind(g.Kind) }

// Header is a remote block header accepted by a finality verifier.
type Header struct {
	Number         uint64
	Hash           common.Hash
	ParentHash     common.Hash
	StateRoot      common.Hash
	ExtrinsicsRoot common.Hash
	ReceiptsRoot   common.Hash
	Digest         []byte
}

// Roots returns the roots committed to by the header.
func (h *Header) Roots() Roots {
	return Roots{ExtrinsicsRoot: h.ExtrinsicsRoot, StateRoot: h.StateRoot, ReceiptsRoot: h.ReceiptsRoot}
}

// Copy returns a deep copy of the header.
func (h *Header) Copy() *Header {
	if h == nil {
		return nil
	}
	clone := *h
	clone.Digest = append([]byte(nil), h.Digest...)
	return &clone
}

// Roots are the commitments of an imported header. ReceiptsRoot is zero for
// Substrate headers.
type Roots struct {
	ExtrinsicsRoot common.Hash
	StateRoot      common.Hash
	ReceiptsRoot   common.Hash
}
