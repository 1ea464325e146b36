package sfx

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"circuit/codec/recode"
	"circuit/core/types"
	"circuit/crypto"
	"circuit/native/proofs"
)

// ERC20TransferTopic is topic 0 of Transfer(address,address,uint256).
var ERC20TransferTopic = common.Hash(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))

// Match checks that message, the proven event of a confirmation, is the
// effect s asked for. SCALE events carry a two byte index prefix followed by
// the action's event fields; RLP messages are EVM logs.
func Match(codec recode.Codec, s *SideEffect, executor types.AccountID, message []byte) error {
	a, err := Lookup(s.Action)
	if err != nil {
		return err
	}
	if err := Validate(s, codec); err != nil {
		return err
	}
	if codec == recode.RLP {
		return matchLog(a, s, message)
	}
	if len(message) < 2 {
		return fmt.Errorf("%w: event shorter than its index", ErrEventDecoding)
	}
	fields, err := recode.Decode(recode.SCALE, a.Event, message[2:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEventDecoding, err)
	}
	args := s.EncodedArgs
	switch s.Action {
	case ActionTransfer:
		return expect(
			field("from", fields.Items[0].Bytes, executor[:]),
			field("to", fields.Items[1].Bytes, args[0]),
			amountField("amount", fields.Items[2].Uint, args[1]),
		)
	case ActionAssetTransfer:
		return expect(
			amountField("asset", fields.Items[0].Uint, args[0]),
			field("from", fields.Items[1].Bytes, executor[:]),
			field("to", fields.Items[2].Bytes, args[1]),
			amountField("amount", fields.Items[3].Uint, args[2]),
		)
	case ActionSwap:
		return expect(
			field("from", fields.Items[0].Bytes, executor[:]),
			field("to", fields.Items[1].Bytes, args[0]),
			amountField("asset_from", fields.Items[2].Uint, args[3]),
			amountField("asset_to", fields.Items[3].Uint, args[4]),
			amountField("amount_from", fields.Items[4].Uint, args[1]),
			amountField("amount_to", fields.Items[5].Uint, args[2]),
		)
	case ActionCallEVM:
		return expect(
			field("target", fields.Items[0].Bytes, args[0]),
			field("input", fields.Items[1].Bytes, args[2]),
		)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, s.ActionString())
}

func matchLog(a *Action, s *SideEffect, message []byte) error {
	log, err := proofs.DecodeLog(message)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEventDecoding, err)
	}
	args := s.EncodedArgs
	switch a.ID {
	case ActionTransfer, ActionAssetTransfer:
		to, amount := args[0], args[1]
		if a.ID == ActionAssetTransfer {
			to, amount = args[1], args[2]
		}
		if len(log.Topics) != 3 || log.Topics[0] != ERC20TransferTopic {
			return fmt.Errorf("%w: not an ERC-20 transfer log", ErrEventMismatch)
		}
		if len(log.Data) != 32 {
			return fmt.Errorf("%w: transfer value must be 32 bytes", ErrEventDecoding)
		}
		value := new(uint256.Int).SetBytes32(log.Data)
		return expect(
			field("to", log.Topics[2].Bytes()[12:], evmAddress(to)),
			amountField("amount", value.ToBig(), amount),
		)
	case ActionCallEVM:
		return field("target", log.Address.Bytes(), args[0])
	}
	return fmt.Errorf("%w: %s on rlp", ErrUnsupportedCodec, s.ActionString())
}

func evmAddress(raw []byte) []byte {
	if len(raw) == 32 {
		return raw[12:]
	}
	return raw
}

func field(name string, got, want []byte) error {
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: %s is 0x%x, want 0x%x", ErrEventMismatch, name, got, want)
	}
	return nil
}

func amountField(name string, got *big.Int, want []byte) error {
	expected := Amount(want)
	if got == nil || got.Cmp(expected) != 0 {
		return fmt.Errorf("%w: %s is %v, want %s", ErrEventMismatch, name, got, expected)
	}
	return nil
}

func expect(checks ...error) error {
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// EncodeEvent encodes the SCALE event a Substrate target emits for action,
// index prefix included.
func EncodeEvent(action [4]byte, fields recode.Value) ([]byte, error) {
	a, err := Lookup(action)
	if err != nil {
		return nil, err
	}
	body, err := recode.Encode(recode.SCALE, a.Event, fields)
	if err != nil {
		return nil, err
	}
	return append(a.Prefix[:], body...), nil
}

func bytesValue(b []byte) recode.Value { return recode.Value{Bytes: append([]byte(nil), b...)} }

func uintValue(v *big.Int) recode.Value { return recode.Value{Uint: new(big.Int).Set(v)} }

// TransferEvent is the event confirming a tran side effect.
func TransferEvent(from, to types.AccountID, amount *big.Int) ([]byte, error) {
	return EncodeEvent(ActionTransfer, recode.Value{Items: []recode.Value{
		bytesValue(from[:]), bytesValue(to[:]), uintValue(amount),
	}})
}

// AssetTransferEvent is the event confirming a tass side effect.
func AssetTransferEvent(asset types.AssetID, from, to types.AccountID, amount *big.Int) ([]byte, error) {
	return EncodeEvent(ActionAssetTransfer, recode.Value{Items: []recode.Value{
		uintValue(big.NewInt(int64(asset))), bytesValue(from[:]), bytesValue(to[:]), uintValue(amount),
	}})
}

// CallEVMEvent is the event a Substrate EVM pallet emits for a cevm side
// effect.
func CallEVMEvent(target common.Address, input []byte) ([]byte, error) {
	return EncodeEvent(ActionCallEVM, recode.Value{Items: []recode.Value{
		bytesValue(target.Bytes()), bytesValue(input),
	}})
}

// ERC20TransferLog is the log confirming a transfer on an EVM target.
func ERC20TransferLog(token, from, to common.Address, amount *big.Int) proofs.EventLog {
	value, _ := uint256.FromBig(amount)
	data := value.Bytes32()
	return proofs.EventLog{
		Address: token,
		Topics:  []common.Hash{ERC20TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    data[:],
	}
}
