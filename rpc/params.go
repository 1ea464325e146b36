package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"circuit/core/types"
	"circuit/crypto"
)

// decodeParams unmarshals the single parameter object of req into out.
func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return invalidParams(fmt.Sprintf("invalid parameter object: %v", err))
	}
	return nil
}

// parseAccount accepts 0x-prefixed hex or a bech32 encoding.
func parseAccount(s string) (types.AccountID, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return types.AccountID{}, invalidParams("account is required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		id, err := types.ParseAccountID(trimmed)
		if err != nil {
			return id, invalidParams(err.Error())
		}
		return id, nil
	}
	_, id, err := crypto.DecodeAccount(trimmed)
	if err != nil {
		return id, invalidParams(err.Error())
	}
	return id, nil
}

func parseGateway(s string) (types.GatewayID, error) {
	gw, err := types.ParseGatewayID(s)
	if err != nil {
		return gw, invalidParams(err.Error())
	}
	return gw, nil
}

// parseAmount parses a positive decimal amount.
func parseAmount(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, invalidParams("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalidParams("invalid amount")
	}
	if value.Sign() <= 0 {
		return nil, invalidParams("amount must be positive")
	}
	return value, nil
}

// parseOptionalAmount parses a non-negative decimal amount; empty is zero.
func parseOptionalAmount(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, invalidParams("invalid amount")
	}
	return value, nil
}

func parseBytes(s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return out, nil
}

func parseFixed(s string, out []byte) error {
	raw, err := parseBytes(s)
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return invalidParams(fmt.Sprintf("expected %d bytes, got %d", len(out), len(raw)))
	}
	copy(out, raw)
	return nil
}

func parseHash(s string) ([32]byte, error) {
	var out [32]byte
	err := parseFixed(s, out[:])
	return out, err
}

func parseSpeed(s string) (types.SpeedMode, error) {
	speed, err := types.ParseSpeedMode(s)
	if err != nil {
		return speed, invalidParams(err.Error())
	}
	return speed, nil
}

func parseAction(s string) ([4]byte, error) {
	var out [4]byte
	if len(s) != 4 {
		return out, invalidParams(fmt.Sprintf("action %q must be 4 characters", s))
	}
	copy(out[:], s)
	return out, nil
}

func hexID(id [32]byte) string { return "0x" + hex.EncodeToString(id[:]) }
