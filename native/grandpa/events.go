package grandpa

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/types"
)

const (
	EventTypeHeadersAdded        = "grandpa.headers_added"
	EventTypeAuthoritySetChanged = "grandpa.authority_set_changed"
	EventTypeParachainHeader     = "grandpa.parachain_header"
	EventTypeRangeImported       = "grandpa.range_imported"
)

func newHeadersAddedEvent(gw types.GatewayID, number uint32, hash common.Hash, count int) *types.Event {
	return &types.Event{
		Type: EventTypeHeadersAdded,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"number":  strconv.FormatUint(uint64(number), 10),
			"hash":    hash.Hex(),
			"count":   strconv.Itoa(count),
		},
	}
}

func newAuthoritySetChangedEvent(gw types.GatewayID, setID uint64, size int) *types.Event {
	return &types.Event{
		Type: EventTypeAuthoritySetChanged,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"setId":   strconv.FormatUint(setID, 10),
			"size":    strconv.Itoa(size),
		},
	}
}

func newParachainHeaderEvent(gw types.GatewayID, number uint32, hash, relayHash common.Hash) *types.Event {
	return &types.Event{
		Type: EventTypeParachainHeader,
		Attributes: map[string]string{
			"gateway":   gw.String(),
			"number":    strconv.FormatUint(uint64(number), 10),
			"hash":      hash.Hex(),
			"relayHash": relayHash.Hex(),
		},
	}
}

func newRangeImportedEvent(gw types.GatewayID, anchor common.Hash, stored, dropped int) *types.Event {
	return &types.Event{
		Type: EventTypeRangeImported,
		Attributes: map[string]string{
			"gateway": gw.String(),
			"anchor":  anchor.Hex(),
			"stored":  strconv.Itoa(stored),
			"dropped": strconv.Itoa(dropped),
		},
	}
}
