package headers

import (
	"strconv"

	"circuit/core/types"
)

const (
	EventTypeGatewayInitialized = "headers.gateway_initialized"
	EventTypeOperationalChanged = "headers.operational"
	EventTypeOwnerChanged       = "headers.owner_changed"
	EventTypeGatewayReset       = "headers.reset"
)

func newGatewayInitializedEvent(gw *Gateway, initial *Header) *types.Event {
	attrs := map[string]string{
		"gateway": gw.ID.String(),
		"kind":    gw.GatewayKind().String(),
	}
	if initial != nil {
		attrs["hash"] = initial.Hash.Hex()
		attrs["number"] = strconv.FormatUint(initial.Number, 10)
	}
	return &types.Event{Type: EventTypeGatewayInitialized, Attributes: attrs}
}

func newOperationalEvent(gw types.GatewayID, operational bool) *types.Event {
	return &types.Event{
		Type: EventTypeOperationalChanged,
		Attributes: map[string]string{
			"gateway":     gw.String(),
			"operational": strconv.FormatBool(operational),
		},
	}
}

func newOwnerChangedEvent(gw types.GatewayID, owner types.AccountID) *types.Event {
	return &types.Event{
		Type: EventTypeOwnerChanged,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"owner":   owner.Hex(),
		},
	}
}

func newResetEvent(gw types.GatewayID, removed int) *types.Event {
	return &types.Event{
		Type: EventTypeGatewayReset,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"removed": strconv.Itoa(removed),
		},
	}
}
