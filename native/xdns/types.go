package xdns

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/recode"
	"circuit/core/types"
	"circuit/native/portal"
)

// ExecutionVendor is the VM family side effects run under on a gateway.
type ExecutionVendor uint8

const (
	ExecutionSubstrate ExecutionVendor = iota
	ExecutionEVM
)

func (e ExecutionVendor) String() string {
	switch e {
	case ExecutionSubstrate:
		return "substrate"
	case ExecutionEVM:
		return "evm"
	default:
		return fmt.Sprintf("execution(%d)", uint8(e))
	}
}

// ParseExecutionVendor parses "substrate" or "evm".
func ParseExecutionVendor(s string) (ExecutionVendor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "substrate", "":
		return ExecutionSubstrate, nil
	case "evm":
		return ExecutionEVM, nil
	default:
		return 0, fmt.Errorf("xdns: unknown execution vendor %q", s)
	}
}

// GatewayRecord describes how the circuit talks to a gateway.
type GatewayRecord struct {
	ID                  types.GatewayID
	Vendor              uint8
	Execution           uint8
	Codec               uint8
	EscrowAccount       *types.AccountID `rlp:"nil"`
	AllowedSideEffects  [][4]byte
	RemoteOrderContract []byte
}

// VerificationVendor returns the light client vendor.
func (r *GatewayRecord) VerificationVendor() portal.Vendor { return portal.Vendor(r.Vendor) }

// ExecutionVendor returns the VM family of the gateway.
func (r *GatewayRecord) ExecutionVendor() ExecutionVendor { return ExecutionVendor(r.Execution) }

// TargetCodec returns the codec remote events are encoded with.
func (r *GatewayRecord) TargetCodec() recode.Codec { return recode.Codec(r.Codec) }

// Allows reports whether action may be requested on the gateway.
func (r *GatewayRecord) Allows(action [4]byte) bool {
	for _, a := range r.AllowedSideEffects {
		if a == action {
			return true
		}
	}
	return false
}

// TokenRecord maps a local asset to its representation on a gateway.
type TokenRecord struct {
	AssetID  types.AssetID
	Gateway  types.GatewayID
	Symbol   string
	Decimals uint8
	Address  *common.Address `rlp:"nil"`
	Mintable bool
}
