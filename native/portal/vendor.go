package portal

import (
	"fmt"
	"strings"

	"circuit/core/types"
)

// Vendor selects the verification engine and finality parameters of a gateway.
type Vendor uint8

const (
	VendorPolkadot Vendor = iota
	VendorKusama
	VendorRococo
	VendorEthereum
	VendorSepolia
)

// EthereumEpochLength is the number of blocks in an Ethereum epoch.
const EthereumEpochLength = 32

func (v Vendor) String() string {
	switch v {
	case VendorPolkadot:
		return "polkadot"
	case VendorKusama:
		return "kusama"
	case VendorRococo:
		return "rococo"
	case VendorEthereum:
		return "ethereum"
	case VendorSepolia:
		return "sepolia"
	default:
		return fmt.Sprintf("vendor(%d)", uint8(v))
	}
}

// ParseVendor parses the lower case vendor name.
func ParseVendor(s string) (Vendor, error) {
	for v := VendorPolkadot; v <= VendorSepolia; v++ {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVendor, s)
}

// Substrate reports whether the vendor is verified through GRANDPA.
func (v Vendor) Substrate() bool {
	return v == VendorPolkadot || v == VendorKusama || v == VendorRococo
}

// Ethereum reports whether the vendor is verified by the committee light client.
func (v Vendor) Ethereum() bool {
	return v == VendorEthereum || v == VendorSepolia
}

// EpochsPerSpeedMode returns how many epochs a confirmation waits for under
// speed. Substrate epochs are single blocks.
func (v Vendor) EpochsPerSpeedMode(speed types.SpeedMode) uint64 {
	if v.Ethereum() {
		switch speed {
		case types.SpeedFast:
			return 1
		case types.SpeedRational:
			return 2
		default:
			return 3
		}
	}
	switch speed {
	case types.SpeedFast:
		return 4
	case types.SpeedRational:
		return 6
	default:
		return 8
	}
}

// EpochLength returns the number of remote blocks in one epoch.
func (v Vendor) EpochLength() uint64 {
	if v.Ethereum() {
		return EthereumEpochLength
	}
	return 1
}

// FinalityOffset returns the number of remote blocks a confirmation under
// speed waits for.
func (v Vendor) FinalityOffset(speed types.SpeedMode) uint64 {
	return v.EpochsPerSpeedMode(speed) * v.EpochLength()
}
