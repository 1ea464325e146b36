package ethlc

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/types"
)

const (
	EventTypeHeadersAdded     = "ethlc.headers_added"
	EventTypeCommitteeRotated = "ethlc.committee_rotated"
)

func newHeadersAddedEvent(gw types.GatewayID, number uint64, hash common.Hash, count int) *types.Event {
	return &types.Event{
		Type: EventTypeHeadersAdded,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"number":  strconv.FormatUint(number, 10),
			"hash":    hash.Hex(),
			"count":   strconv.Itoa(count),
		},
	}
}

func newCommitteeRotatedEvent(gw types.GatewayID, period uint64, size int) *types.Event {
	return &types.Event{
		Type: EventTypeCommitteeRotated,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"period":  strconv.FormatUint(period, 10),
			"size":    strconv.Itoa(size),
		},
	}
}
