package vacuum

import (
	"encoding/hex"
	"strconv"

	"circuit/core/types"
)

const (
	EventTypeOrderStatusRead = "vacuum.order_status_read"
	EventTypeRemoteBridged   = "vacuum.remote_order_bridged"
	EventTypeRemoteForwarded = "vacuum.remote_order_forwarded"
)

func hexID(id [32]byte) string { return "0x" + hex.EncodeToString(id[:]) }

func newStatusEvent(s *OrderStatus) *types.Event {
	return &types.Event{
		Type: EventTypeOrderStatusRead,
		Attributes: map[string]string{
			"xtx":          hexID(s.XtxID),
			"status":       s.Status,
			"side_effects": strconv.Itoa(len(s.SideEffects)),
			"timeouts_at":  strconv.FormatUint(s.TimeoutsAt, 10),
		},
	}
}

func newRemoteEvent(typ string, source types.GatewayID, evt *RemoteOrderEvent) *types.Event {
	return &types.Event{
		Type: typ,
		Attributes: map[string]string{
			"source":      source.String(),
			"destination": evt.Destination.String(),
			"sender":      evt.Sender.Hex(),
			"nonce":       strconv.FormatUint(uint64(evt.Nonce), 10),
			"amount":      evt.Amount.String(),
			"max_reward":  evt.MaxReward.String(),
		},
	}
}
