package accounts

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"circuit/core/types"
)

const (
	EventTypeDeposited = "accounts.deposited"
	EventTypeResized   = "accounts.resized"
	EventTypeFinalized = "accounts.finalized"
	EventTypeCancelled = "accounts.cancelled"
	EventTypeSettled   = "accounts.settled"
	EventTypeWithdrawn = "accounts.withdrawn"
)

func chargeAttributes(id [32]byte, charge *Charge) map[string]string {
	attrs := map[string]string{
		"charge": "0x" + hex.EncodeToString(id[:]),
		"payee":  charge.Payee.Hex(),
		"asset":  strconv.FormatUint(uint64(charge.Asset), 10),
		"amount": cloneAmount(charge.Amount).String(),
		"role":   charge.Role.String(),
	}
	if charge.Recipient != nil {
		attrs["recipient"] = charge.Recipient.Hex()
	}
	return attrs
}

func newChargeEvent(typ string, id [32]byte, charge *Charge) *types.Event {
	return &types.Event{Type: typ, Attributes: chargeAttributes(id, charge)}
}

func newFinalizedEvent(id [32]byte, charge *Charge) *types.Event {
	evt := newChargeEvent(EventTypeFinalized, id, charge)
	evt.Attributes["outcome"] = charge.Outcome.String()
	return evt
}

func newSettledEvent(s *Settlement) *types.Event {
	return &types.Event{
		Type: EventTypeSettled,
		Attributes: map[string]string{
			"charge":    "0x" + hex.EncodeToString(s.ChargeID[:]),
			"recipient": s.Recipient.Hex(),
			"asset":     strconv.FormatUint(uint64(s.Asset), 10),
			"amount":    cloneAmount(s.Amount).String(),
			"source":    s.Source.String(),
		},
	}
}

func newWithdrawnEvent(who types.AccountID, asset types.AssetID, amount *big.Int, role Role) *types.Event {
	return &types.Event{
		Type: EventTypeWithdrawn,
		Attributes: map[string]string{
			"account": who.Hex(),
			"asset":   strconv.FormatUint(uint64(asset), 10),
			"amount":  amount.String(),
			"role":    role.String(),
		},
	}
}
