package bank

import (
	"math/big"
	"strconv"

	"circuit/core/types"
)

const (
	EventTypeTransfer    = "bank.transfer"
	EventTypeReserved    = "bank.reserved"
	EventTypeUnreserved  = "bank.unreserved"
	EventTypeMinted      = "bank.minted"
	EventTypeRepatriated = "bank.repatriated"
	EventTypeSlashed     = "bank.slashed"
)

func assetString(asset types.AssetID) string {
	return strconv.FormatUint(uint64(asset), 10)
}

func newTransferEvent(from, to types.AccountID, asset types.AssetID, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":   from.Hex(),
			"to":     to.Hex(),
			"asset":  assetString(asset),
			"amount": amount.String(),
		},
	}
}

func newRepatriatedEvent(from, to types.AccountID, asset types.AssetID, amount *big.Int) *types.Event {
	evt := newTransferEvent(from, to, asset, amount)
	evt.Type = EventTypeRepatriated
	return evt
}

func newReserveEvent(typ string, who types.AccountID, asset types.AssetID, amount *big.Int) *types.Event {
	return &types.Event{
		Type: typ,
		Attributes: map[string]string{
			"account": who.Hex(),
			"asset":   assetString(asset),
			"amount":  amount.String(),
		},
	}
}

func newMintEvent(who types.AccountID, asset types.AssetID, amount *big.Int) *types.Event {
	return newReserveEvent(EventTypeMinted, who, asset, amount)
}
