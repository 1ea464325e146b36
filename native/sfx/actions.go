package sfx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/recode"
	"circuit/codec/scale"
	"circuit/core/types"
)

var (
	ErrUnknownAction      = errors.New("sfx: unknown action")
	ErrInvalidArgs        = errors.New("sfx: invalid arguments")
	ErrUnsupportedCodec   = errors.New("sfx: action not supported by target codec")
	ErrEventMismatch      = errors.New("sfx: event does not match side effect")
	ErrEventDecoding      = errors.New("sfx: event decoding failed")
	ErrDisallowedByTarget = errors.New("sfx: action not allowed on target")
)

var (
	ActionTransfer      = [4]byte{'t', 'r', 'a', 'n'}
	ActionAssetTransfer = [4]byte{'t', 'a', 's', 's'}
	ActionSwap          = [4]byte{'s', 'w', 'a', 'p'}
	ActionCallEVM       = [4]byte{'c', 'e', 'v', 'm'}
)

// ArgKind is the wire shape of an encoded argument.
type ArgKind uint8

const (
	// ArgAccount is a 32 byte account on SCALE targets and a 20 byte address
	// on RLP targets.
	ArgAccount ArgKind = iota
	// ArgAmount is a little-endian u128.
	ArgAmount
	// ArgAsset is a little-endian u32 asset id.
	ArgAsset
	// ArgContract is a 20 byte EVM contract address.
	ArgContract
	ArgBytes
)

// Arg names one positional argument.
type Arg struct {
	Name string
	Kind ArgKind
}

// Action describes how a side effect is validated and confirmed. Event is
// the layout of the SCALE event that follows its two byte index prefix.
type Action struct {
	ID     [4]byte
	Args   []Arg
	Event  recode.Descriptor
	Prefix [2]byte
	RLP    bool
}

var account32 = recode.Fixed(32)

var actions = map[[4]byte]*Action{
	ActionTransfer: {
		ID:     ActionTransfer,
		Args:   []Arg{{"to", ArgAccount}, {"amount", ArgAmount}},
		Event:  recode.Tuple(account32.Named("from"), account32.Named("to"), recode.U128().Named("amount")).Named("Transfer"),
		Prefix: [2]byte{0x05, 0x02},
		RLP:    true,
	},
	ActionAssetTransfer: {
		ID:     ActionAssetTransfer,
		Args:   []Arg{{"asset", ArgAsset}, {"to", ArgAccount}, {"amount", ArgAmount}},
		Event:  recode.Tuple(recode.U32().Named("asset"), account32.Named("from"), account32.Named("to"), recode.U128().Named("amount")).Named("Transferred"),
		Prefix: [2]byte{0x0c, 0x09},
		RLP:    true,
	},
	ActionSwap: {
		ID: ActionSwap,
		Args: []Arg{
			{"to", ArgAccount}, {"amount_from", ArgAmount}, {"amount_to", ArgAmount},
			{"asset_from", ArgAsset}, {"asset_to", ArgAsset},
		},
		Event: recode.Tuple(
			account32.Named("from"), account32.Named("to"),
			recode.U32().Named("asset_from"), recode.U32().Named("asset_to"),
			recode.U128().Named("amount_from"), recode.U128().Named("amount_to"),
		).Named("Swapped"),
		Prefix: [2]byte{0x3a, 0x00},
	},
	ActionCallEVM: {
		ID:     ActionCallEVM,
		Args:   []Arg{{"target", ArgContract}, {"value", ArgAmount}, {"input", ArgBytes}},
		Event:  recode.Tuple(recode.Fixed(20).Named("target"), recode.Bytes().Named("input")).Named("Executed"),
		Prefix: [2]byte{0x33, 0x00},
		RLP:    true,
	},
}

// Lookup returns the action registered under id.
func Lookup(id [4]byte) (*Action, error) {
	a, ok := actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, string(id[:]))
	}
	return a, nil
}

// StandardActions lists every supported action id.
func StandardActions() [][4]byte {
	return [][4]byte{ActionTransfer, ActionAssetTransfer, ActionSwap, ActionCallEVM}
}

func checkArg(arg Arg, raw []byte, codec recode.Codec) error {
	switch arg.Kind {
	case ArgAccount:
		if codec == recode.RLP {
			if len(raw) == 20 || (len(raw) == 32 && bytes.Equal(raw[:12], make([]byte, 12))) {
				return nil
			}
			return fmt.Errorf("%w: %s must be a 20 byte address", ErrInvalidArgs, arg.Name)
		}
		if len(raw) != 32 {
			return fmt.Errorf("%w: %s must be 32 bytes", ErrInvalidArgs, arg.Name)
		}
	case ArgAmount:
		if len(raw) != 16 {
			return fmt.Errorf("%w: %s must be a 16 byte u128", ErrInvalidArgs, arg.Name)
		}
	case ArgAsset:
		if len(raw) != 4 {
			return fmt.Errorf("%w: %s must be a 4 byte u32", ErrInvalidArgs, arg.Name)
		}
	case ArgContract:
		if len(raw) != 20 {
			return fmt.Errorf("%w: %s must be a 20 byte address", ErrInvalidArgs, arg.Name)
		}
	}
	return nil
}

// Validate checks the arguments of s for a target using codec.
func Validate(s *SideEffect, codec recode.Codec) error {
	a, err := Lookup(s.Action)
	if err != nil {
		return err
	}
	if codec == recode.RLP && !a.RLP {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedCodec, s.ActionString(), codec)
	}
	if len(s.EncodedArgs) != len(a.Args) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArgs, s.ActionString(), len(a.Args), len(s.EncodedArgs))
	}
	for i, arg := range a.Args {
		if err := checkArg(arg, s.EncodedArgs[i], codec); err != nil {
			return err
		}
	}
	return nil
}

// ExpectedSource is the emitter a confirmation of s must come from, or nil
// when any emitter is accepted. EVM calls must be confirmed by an event of
// the called contract.
func ExpectedSource(s *SideEffect) []byte {
	if s.Action != ActionCallEVM || len(s.EncodedArgs) == 0 || len(s.EncodedArgs[0]) != 20 {
		return nil
	}
	return common.BytesToHash(s.EncodedArgs[0]).Bytes()
}

// Amount decodes a u128 argument.
func Amount(raw []byte) *big.Int {
	be := make([]byte, len(raw))
	for i := range raw {
		be[i] = raw[len(raw)-1-i]
	}
	return new(big.Int).SetBytes(be)
}

// AmountArg encodes v as a u128 argument.
func AmountArg(v *big.Int) ([]byte, error) {
	raw, err := scale.U128Bytes(v)
	if err != nil {
		return nil, err
	}
	return raw[:], nil
}

// AssetArg encodes an asset id argument.
func AssetArg(asset types.AssetID) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(asset))
}

// TransferArgs builds the arguments of a tran side effect.
func TransferArgs(to []byte, amount *big.Int) ([][]byte, error) {
	amt, err := AmountArg(amount)
	if err != nil {
		return nil, err
	}
	return [][]byte{append([]byte(nil), to...), amt}, nil
}

// AssetTransferArgs builds the arguments of a tass side effect.
func AssetTransferArgs(asset types.AssetID, to []byte, amount *big.Int) ([][]byte, error) {
	amt, err := AmountArg(amount)
	if err != nil {
		return nil, err
	}
	return [][]byte{AssetArg(asset), append([]byte(nil), to...), amt}, nil
}

// CallEVMArgs builds the arguments of a cevm side effect.
func CallEVMArgs(target common.Address, value *big.Int, input []byte) ([][]byte, error) {
	val, err := AmountArg(value)
	if err != nil {
		return nil, err
	}
	return [][]byte{target.Bytes(), val, append([]byte(nil), input...)}, nil
}
