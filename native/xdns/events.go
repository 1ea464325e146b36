package xdns

import (
	"strconv"

	"circuit/core/types"
)

const (
	EventTypeGatewayAdded  = "xdns.gateway_added"
	EventTypeGatewayPurged = "xdns.gateway_purged"
	EventTypeTokenAdded    = "xdns.token_added"
)

func newGatewayAddedEvent(record *GatewayRecord) *types.Event {
	return &types.Event{
		Type: EventTypeGatewayAdded,
		Attributes: map[string]string{
			"gateway":   record.ID.String(),
			"vendor":    record.VerificationVendor().String(),
			"execution": record.ExecutionVendor().String(),
			"codec":     record.TargetCodec().String(),
		},
	}
}

func newGatewayPurgedEvent(gw types.GatewayID) *types.Event {
	return &types.Event{
		Type:       EventTypeGatewayPurged,
		Attributes: map[string]string{"gateway": gw.String()},
	}
}

func newTokenAddedEvent(token *TokenRecord) *types.Event {
	return &types.Event{
		Type: EventTypeTokenAdded,
		Attributes: map[string]string{
			"asset":    strconv.FormatUint(uint64(token.AssetID), 10),
			"gateway":  token.Gateway.String(),
			"symbol":   token.Symbol,
			"mintable": strconv.FormatBool(token.Mintable),
		},
	}
}
