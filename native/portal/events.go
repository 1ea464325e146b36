package portal

import (
	"strconv"

	"circuit/core/types"
)

const (
	EventTypeGatewayRegistered = "portal.gateway_registered"
	EventTypeHeartbeat         = "portal.heartbeat"
)

func newGatewayRegisteredEvent(gw types.GatewayID, vendor Vendor) *types.Event {
	return &types.Event{
		Type: EventTypeGatewayRegistered,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"vendor":  vendor.String(),
		},
	}
}

func newHeartbeatEvent(gw types.GatewayID, local, remote uint64) *types.Event {
	return &types.Event{
		Type: EventTypeHeartbeat,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"local":   strconv.FormatUint(local, 10),
			"remote":  strconv.FormatUint(remote, 10),
		},
	}
}
