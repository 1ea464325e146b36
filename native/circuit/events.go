package circuit

import (
	"encoding/hex"
	"strconv"

	"circuit/core/types"
	"circuit/native/sfx"
)

const (
	EventTypeXtxReceived         = "circuit.xtx_received_for_exec"
	EventTypeXtxReady            = "circuit.xtx_ready_for_exec"
	EventTypeSideEffectConfirmed = "circuit.side_effect_confirmed"
	EventTypeStepFinished        = "circuit.step_finished_exec"
	EventTypeXtxFinished         = "circuit.xtx_finished_all_steps"
	EventTypeXtxReverted         = "circuit.xtx_reverted_after_timeout"
	EventTypeXtxDropped          = "circuit.xtx_dropped_at_bidding"
	EventTypeXtxKilled           = "circuit.xtx_killed"
	EventTypeXtxDLQ              = "circuit.xtx_dlq"
	EventTypeXtxDLQResolved      = "circuit.xtx_dlq_resolved"
	EventTypeNewBid              = "circuit.sfx_new_bid_received"
	EventTypeCancelled           = "circuit.xtx_cancelled"
)

func hexID(id [32]byte) string { return "0x" + hex.EncodeToString(id[:]) }

func newXtxEvent(typ string, xtxID [32]byte, xtx *XExecSignal) *types.Event {
	attrs := map[string]string{
		"xtx":       hexID(xtxID),
		"requester": xtx.Requester.Hex(),
		"status":    xtx.Status.String(),
	}
	if xtx.Cause != CauseNone {
		attrs["cause"] = xtx.Cause.String()
	}
	if xtx.Timeouts.HasDLQ {
		attrs["dlq"] = strconv.FormatUint(xtx.Timeouts.DLQBlock, 10)
	}
	return &types.Event{Type: typ, Attributes: attrs}
}

func newStepFinishedEvent(xtxID [32]byte, step uint32) *types.Event {
	return &types.Event{
		Type: EventTypeStepFinished,
		Attributes: map[string]string{
			"xtx":  hexID(xtxID),
			"step": strconv.FormatUint(uint64(step), 10),
		},
	}
}

func newConfirmedEvent(xtxID, sfxID [32]byte, c *sfx.Confirmation) *types.Event {
	return &types.Event{
		Type: EventTypeSideEffectConfirmed,
		Attributes: map[string]string{
			"xtx":      hexID(xtxID),
			"sfx":      hexID(sfxID),
			"executor": c.Executor.Hex(),
			"block":    strconv.FormatUint(c.ReceivedAt, 10),
		},
	}
}

func newBidEvent(xtxID, sfxID [32]byte, bid *sfx.Bid) *types.Event {
	return &types.Event{
		Type: EventTypeNewBid,
		Attributes: map[string]string{
			"xtx":      hexID(xtxID),
			"sfx":      hexID(sfxID),
			"executor": bid.Executor.Hex(),
			"amount":   bid.Amount.String(),
		},
	}
}

func newDLQEvent(typ string, xtxID [32]byte, entry *DLQEntry) *types.Event {
	attrs := map[string]string{
		"xtx":   hexID(xtxID),
		"block": strconv.FormatUint(entry.Block, 10),
		"speed": entry.Speed.String(),
	}
	targets := ""
	for i, gw := range entry.Targets {
		if i > 0 {
			targets += ","
		}
		targets += gw.String()
	}
	attrs["targets"] = targets
	return &types.Event{Type: typ, Attributes: attrs}
}
