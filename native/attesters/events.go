package attesters

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"circuit/core/types"
)

const (
	EventTypeRegistered          = "attesters.registered"
	EventTypeDeregistered        = "attesters.deregistered"
	EventTypeNominated           = "attesters.nominated"
	EventTypeUnnominated         = "attesters.unnominated"
	EventTypeCommitteeRotated    = "attesters.committee_rotated"
	EventTypeTargetAdded         = "attesters.target_added"
	EventTypeTargetAgreed        = "attesters.target_agreed"
	EventTypeTargetActivated     = "attesters.target_activated"
	EventTypeTargetRemoved       = "attesters.target_removed"
	EventTypeNewAttestationBatch = "attesters.new_attestation_batch"
	EventTypeAttestationSigned   = "attesters.attestation_submitted"
	EventTypeNewConfirmation     = "attesters.new_confirmation_batch"
	EventTypeBatchCommitted      = "attesters.batch_committed"
	EventTypeBatchLate           = "attesters.batch_late"
	EventTypeSlashed             = "attesters.permanently_slashed"
)

func newAttesterEvent(typ string, a *Attester) *types.Event {
	return &types.Event{
		Type: typ,
		Attributes: map[string]string{
			"attester":   a.Account.Hex(),
			"index":      strconv.FormatUint(uint64(a.Index), 10),
			"commission": strconv.FormatUint(uint64(a.Commission), 10),
		},
	}
}

func newNominationEvent(typ string, attester, nominator types.AccountID, amount *big.Int) *types.Event {
	return &types.Event{
		Type: typ,
		Attributes: map[string]string{
			"attester":  attester.Hex(),
			"nominator": nominator.Hex(),
			"amount":    amount.String(),
		},
	}
}

func newTargetEvent(typ string, target types.GatewayID) *types.Event {
	return &types.Event{Type: typ, Attributes: map[string]string{"target": target.String()}}
}

func newBatchEvent(typ string, b *Batch) *types.Event {
	hash := b.Hash()
	attrs := map[string]string{
		"target":     b.Target.String(),
		"index":      strconv.FormatUint(uint64(b.Index), 10),
		"hash":       "0x" + hex.EncodeToString(hash[:]),
		"status":     b.Status.String(),
		"signatures": strconv.Itoa(len(b.Signatures)),
	}
	if !b.Latency.OnTime() {
		attrs["latency"] = b.Latency.String()
	}
	return &types.Event{Type: typ, Attributes: attrs}
}

func newSlashedEvent(a *Attester, reason string) *types.Event {
	evt := newAttesterEvent(EventTypeSlashed, a)
	evt.Attributes["reason"] = reason
	return evt
}

func newCommitteeEvent(size int, block uint64) *types.Event {
	return &types.Event{
		Type: EventTypeCommitteeRotated,
		Attributes: map[string]string{
			"size":  strconv.Itoa(size),
			"block": strconv.FormatUint(block, 10),
		},
	}
}
