package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// GatewayID identifies a remote chain endpoint.
type GatewayID [4]byte

// String renders printable ids as text ("pdot") and the rest as hex.
func (g GatewayID) String() string {
	for _, b := range g {
		if b > unicode.MaxASCII || !unicode.IsPrint(rune(b)) {
			return "0x" + hex.EncodeToString(g[:])
		}
	}
	return string(g[:])
}

// MarshalText implements encoding.TextMarshaler.
func (g GatewayID) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GatewayID) UnmarshalText(text []byte) error {
	parsed, err := ParseGatewayID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// ParseGatewayID accepts a four character name or a 0x-prefixed 4-byte hex
// string.
func ParseGatewayID(s string) (GatewayID, error) {
	var id GatewayID
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		raw, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return id, fmt.Errorf("gateway id %q: %w", s, err)
		}
		if len(raw) != len(id) {
			return id, fmt.Errorf("gateway id %q: expected 4 bytes, got %d", s, len(raw))
		}
		copy(id[:], raw)
		return id, nil
	}
	if len(trimmed) != len(id) {
		return id, fmt.Errorf("gateway id %q: expected 4 characters", s)
	}
	copy(id[:], trimmed)
	return id, nil
}

// AccountID is a 32-byte local account identifier.
type AccountID [32]byte

// Hex returns the 0x-prefixed hex form of the account id.
func (a AccountID) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// String implements fmt.Stringer.
func (a AccountID) String() string { return a.Hex() }

// IsZero reports whether every byte is zero.
func (a AccountID) IsZero() bool { return a == AccountID{} }

// MarshalText implements encoding.TextMarshaler.
func (a AccountID) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAccountID decodes a 0x-prefixed (or bare) 32-byte hex string.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("account id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("account id %q: expected 32 bytes, got %d", s, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// AccountFromByte returns an account id with every byte set to fill.
func AccountFromByte(fill byte) AccountID {
	var id AccountID
	for i := range id {
		id[i] = fill
	}
	return id
}

// AssetID identifies a fungible asset. NativeAsset is the local currency.
type AssetID uint32

const NativeAsset AssetID = 0

// SpeedMode selects how deep a remote confirmation must be before the circuit
// treats it as final.
type SpeedMode uint8

const (
	SpeedFast SpeedMode = iota
	SpeedRational
	SpeedFinalized
)

func (s SpeedMode) String() string {
	switch s {
	case SpeedFast:
		return "fast"
	case SpeedRational:
		return "rational"
	case SpeedFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
}

// ParseSpeedMode parses the textual speed mode used in configs and RPC.
func ParseSpeedMode(s string) (SpeedMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return SpeedFast, nil
	case "rational", "":
		return SpeedRational, nil
	case "finalized":
		return SpeedFinalized, nil
	default:
		return 0, fmt.Errorf("unknown speed mode %q", s)
	}
}
