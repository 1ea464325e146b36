package vacuum

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/types"
	"circuit/native/sfx"
)

// ActionKind selects the side effect an order action becomes.
type ActionKind uint8

const (
	// ActionTransfer moves an asset to a destination account (tass).
	ActionTransfer ActionKind = iota
	// ActionCall calls an EVM contract with a value (cevm).
	ActionCall
)

func (k ActionKind) String() string {
	switch k {
	case ActionTransfer:
		return "transfer"
	case ActionCall:
		return "call"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// OrderAction is what the requester wants done on Target.
type OrderAction struct {
	Kind        ActionKind
	Target      types.GatewayID
	Asset       types.AssetID
	Destination []byte
	Amount      *big.Int
	Input       []byte
}

// OrderSFX is one order entry: the action plus what the requester pays for
// it.
type OrderSFX struct {
	Action      OrderAction
	MaxReward   *big.Int
	Insurance   *big.Int
	RewardAsset types.AssetID
}

// SideEffect converts the order entry into the side effect the circuit
// executes.
func (o *OrderSFX) SideEffect() (sfx.SideEffect, error) {
	s := sfx.SideEffect{
		Target:      o.Action.Target,
		MaxReward:   amountOrZero(o.MaxReward),
		Insurance:   amountOrZero(o.Insurance),
		RewardAsset: o.RewardAsset,
	}
	var err error
	switch o.Action.Kind {
	case ActionTransfer:
		s.Action = sfx.ActionAssetTransfer
		s.EncodedArgs, err = sfx.AssetTransferArgs(o.Action.Asset, o.Action.Destination, amountOrZero(o.Action.Amount))
	case ActionCall:
		if len(o.Action.Destination) != common.AddressLength {
			return s, fmt.Errorf("%w: call destination must be a 20 byte contract", ErrInvalidOrder)
		}
		s.Action = sfx.ActionCallEVM
		s.EncodedArgs, err = sfx.CallEVMArgs(common.BytesToAddress(o.Action.Destination), amountOrZero(o.Action.Amount), o.Action.Input)
	default:
		return s, fmt.Errorf("%w: %s", ErrInvalidOrder, o.Action.Kind)
	}
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	return s, nil
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SFXStatus is the progress of one side effect of an order.
type SFXStatus struct {
	ID        [32]byte
	Executor  types.AccountID
	Bid       *big.Int
	Confirmed bool
}

// OrderStatus is what ReadOrderStatus reports about an order.
type OrderStatus struct {
	XtxID       [32]byte
	Status      string
	SideEffects []SFXStatus
	TimeoutsAt  uint64
	DLQ         bool
}

// RemoteOrderEvent is a decoded RemoteEVMOrderLog.
type RemoteOrderEvent struct {
	Sender        common.Address
	Destination   types.GatewayID
	RewardAsset   common.Address
	TargetAccount types.AccountID
	Amount        *big.Int
	Insurance     *big.Int
	MaxReward     *big.Int
	Nonce         uint32
}

// RemoteRequester is the account a remote order with nonce is requested by:
// 28 zero bytes followed by the big-endian nonce.
func RemoteRequester(nonce uint32) types.AccountID {
	var id types.AccountID
	id[28] = byte(nonce >> 24)
	id[29] = byte(nonce >> 16)
	id[30] = byte(nonce >> 8)
	id[31] = byte(nonce)
	return id
}
