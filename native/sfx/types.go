// Package sfx defines side effects, the per-execution records the circuit
// keeps for them, and the action table that validates their arguments and
// matches remote events against them.
package sfx

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"circuit/codec/scale"
	"circuit/core/types"
	"circuit/crypto"
)

// SideEffect is a single requested action on a target gateway.
type SideEffect struct {
	Target          types.GatewayID
	MaxReward       *big.Int
	Insurance       *big.Int
	Action          [4]byte
	EncodedArgs     [][]byte
	Signature       []byte
	EnforceExecutor *types.AccountID `rlp:"nil"`
	RewardAsset     types.AssetID
}

// ActionString returns the four character action code.
func (s *SideEffect) ActionString() string { return string(s.Action[:]) }

// EncodeSCALE returns the canonical encoding side effect ids are derived
// from.
func (s *SideEffect) EncodeSCALE() ([]byte, error) {
	e := scale.NewEncoder()
	e.PutFixed(s.Target[:])
	if err := e.PutU128(s.MaxReward); err != nil {
		return nil, fmt.Errorf("max reward: %w", err)
	}
	if err := e.PutU128(s.Insurance); err != nil {
		return nil, fmt.Errorf("insurance: %w", err)
	}
	e.PutFixed(s.Action[:])
	e.PutCompact(uint64(len(s.EncodedArgs)))
	for _, arg := range s.EncodedArgs {
		e.PutBytes(arg)
	}
	e.PutBytes(s.Signature)
	e.PutOption(s.EnforceExecutor != nil)
	if s.EnforceExecutor != nil {
		e.PutFixed(s.EnforceExecutor[:])
	}
	e.PutU32(uint32(s.RewardAsset))
	return e.Bytes(), nil
}

// Clone returns a deep copy.
func (s *SideEffect) Clone() *SideEffect {
	if s == nil {
		return nil
	}
	out := *s
	out.MaxReward = cloneAmount(s.MaxReward)
	out.Insurance = cloneAmount(s.Insurance)
	out.EncodedArgs = make([][]byte, len(s.EncodedArgs))
	for i, arg := range s.EncodedArgs {
		out.EncodedArgs[i] = append([]byte(nil), arg...)
	}
	out.Signature = append([]byte(nil), s.Signature...)
	if s.EnforceExecutor != nil {
		exec := *s.EnforceExecutor
		out.EnforceExecutor = &exec
	}
	return &out
}

// EncodeList is the SCALE encoding of a side effect sequence.
func EncodeList(list []SideEffect) ([]byte, error) {
	out := scale.EncodeCompact(uint64(len(list)))
	for i := range list {
		enc, err := list[i].EncodeSCALE()
		if err != nil {
			return nil, fmt.Errorf("side effect %d: %w", i, err)
		}
		out = append(out, enc...)
	}
	return out, nil
}

// XtxID derives the id of the requester's nonce-th order.
func XtxID(requester types.AccountID, nonce uint32, list []SideEffect) ([32]byte, error) {
	enc, err := EncodeList(list)
	if err != nil {
		return [32]byte{}, err
	}
	listHash := crypto.Keccak256(enc)
	return crypto.Keccak256(requester[:], binary.BigEndian.AppendUint32(nil, nonce), listHash[:]), nil
}

// ID derives the id of the side effect at index within an order.
func ID(xtxID [32]byte, index uint32, s *SideEffect) ([32]byte, error) {
	enc, err := s.EncodeSCALE()
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256(xtxID[:], binary.BigEndian.AppendUint32(nil, index), enc), nil
}

// SecurityLevel decides the execution step of a side effect. Escrow side
// effects run first.
type SecurityLevel uint8

const (
	SecurityEscrow SecurityLevel = iota
	SecurityOptimistic
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityEscrow:
		return "escrow"
	case SecurityOptimistic:
		return "optimistic"
	default:
		return fmt.Sprintf("security(%d)", uint8(l))
	}
}

// Bid is an executor's offer to perform a side effect for Amount, backed by
// Insurance plus ReservedBond.
type Bid struct {
	Executor     types.AccountID
	Amount       *big.Int
	Insurance    *big.Int
	ReservedBond *big.Int
	RewardAsset  types.AssetID
}

// Deposit is the amount reserved from the executor while the bid stands.
func (b *Bid) Deposit() *big.Int {
	return new(big.Int).Add(cloneAmount(b.Insurance), cloneAmount(b.ReservedBond))
}

// Confirmation proves a side effect was executed on its target.
type Confirmation struct {
	Executor      types.AccountID
	InclusionData []byte
	ReceivedAt    uint64
	Cost          *big.Int
}

// FullSideEffect is a side effect plus its execution record.
type FullSideEffect struct {
	Input                  SideEffect
	SecurityLvl            SecurityLevel
	SubmissionTargetHeight uint64
	BestBid                *Bid          `rlp:"nil"`
	Confirmed              *Confirmation `rlp:"nil"`
	Index                  uint32
}

// Executor returns the bound executor, if any.
func (f *FullSideEffect) Executor() (types.AccountID, bool) {
	if f.BestBid == nil {
		return types.AccountID{}, false
	}
	return f.BestBid.Executor, true
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
