package vacuum

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"circuit/codec/recode"
	"circuit/core/types"
	"circuit/crypto"
	"circuit/native/sfx"
)

// RemoteOrderSignature is the Solidity signature of the remote order event.
const RemoteOrderSignature = "RemoteEVMOrderLog(address,bytes4,address,bytes32,uint256,uint256,uint256,uint32)"

// RemoteOrderTopic is topic 0 of every remote order log.
var RemoteOrderTopic = common.Hash(crypto.Keccak256([]byte(RemoteOrderSignature)))

var remoteOrderArgs = abi.Arguments{
	{Name: "sender", Type: mustType("address")},
	{Name: "destination", Type: mustType("bytes4")},
	{Name: "rewardAsset", Type: mustType("address")},
	{Name: "targetAccount", Type: mustType("bytes32")},
	{Name: "amount", Type: mustType("uint256")},
	{Name: "insurance", Type: mustType("uint256")},
	{Name: "maxReward", Type: mustType("uint256")},
	{Name: "nonce", Type: mustType("uint32")},
}

func mustType(name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func processedKey(source types.GatewayID, sender common.Address, nonce uint32) []byte {
	return []byte(fmt.Sprintf("vacuum/processed/%x/%x/%d", source[:], sender.Bytes(), nonce))
}

// EncodeRemoteOrder ABI encodes the data of a remote order log.
func EncodeRemoteOrder(evt *RemoteOrderEvent) ([]byte, error) {
	return remoteOrderArgs.Pack(
		evt.Sender,
		[4]byte(evt.Destination),
		evt.RewardAsset,
		[32]byte(evt.TargetAccount),
		amountOrZero(evt.Amount),
		amountOrZero(evt.Insurance),
		amountOrZero(evt.MaxReward),
		evt.Nonce,
	)
}

// DecodeRemoteOrder decodes a proven log, RLP [address, topics, data], into
// a remote order. The envelope is recoded to SCALE before its fields are
// read.
func DecodeRemoteOrder(message []byte) (*RemoteOrderEvent, error) {
	scaled, err := recode.Recode(message, recode.EVMLog, recode.RLP, recode.SCALE)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrderEvent, err)
	}
	log, err := recode.Decode(recode.SCALE, recode.EVMLog, scaled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrderEvent, err)
	}
	topics := log.Items[1].Items
	if len(topics) == 0 || common.BytesToHash(topics[0].Bytes) != RemoteOrderTopic {
		return nil, fmt.Errorf("%w: unexpected topic", ErrInvalidOrderEvent)
	}
	values, err := remoteOrderArgs.Unpack(log.Items[2].Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrderEvent, err)
	}
	if len(values) != len(remoteOrderArgs) {
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidOrderEvent, len(values))
	}
	evt := &RemoteOrderEvent{}
	var ok bool
	if evt.Sender, ok = values[0].(common.Address); !ok {
		return nil, fmt.Errorf("%w: sender", ErrInvalidOrderEvent)
	}
	dest, ok := values[1].([4]byte)
	if !ok {
		return nil, fmt.Errorf("%w: destination", ErrInvalidOrderEvent)
	}
	evt.Destination = types.GatewayID(dest)
	if evt.RewardAsset, ok = values[2].(common.Address); !ok {
		return nil, fmt.Errorf("%w: reward asset", ErrInvalidOrderEvent)
	}
	account, ok := values[3].([32]byte)
	if !ok {
		return nil, fmt.Errorf("%w: target account", ErrInvalidOrderEvent)
	}
	evt.TargetAccount = types.AccountID(account)
	amounts := []**big.Int{&evt.Amount, &evt.Insurance, &evt.MaxReward}
	for i, dst := range amounts {
		v, ok := values[4+i].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidOrderEvent, remoteOrderArgs[4+i].Name)
		}
		*dst = v
	}
	if evt.Nonce, ok = values[7].(uint32); !ok {
		return nil, fmt.Errorf("%w: nonce", ErrInvalidOrderEvent)
	}
	return evt, nil
}

// RemoteOrder accepts an order proven to be emitted by the remote order
// contract of source. An order to this chain paying in a mintable bridge
// asset is settled at once: the caller, acting as executor, is minted the
// max reward and the target account the rest of the amount. Any other
// order becomes an optimistic execution requested on behalf of the remote
// nonce. Each (source, sender, nonce) is accepted once.
func (e *Engine) RemoteOrder(origin types.Origin, proof []byte, source types.GatewayID, speed types.SpeedMode) ([32]byte, error) {
	var xtxID [32]byte
	caller, err := origin.EnsureSigned()
	if err != nil {
		return xtxID, err
	}
	contract, err := e.registry.RemoteOrderContract(source)
	if err != nil {
		return xtxID, err
	}
	inclusion, err := e.portal.VerifyEventInclusion(source, speed, contract, proof)
	if err != nil {
		return xtxID, err
	}
	evt, err := DecodeRemoteOrder(inclusion.Message)
	if err != nil {
		return xtxID, err
	}
	key := processedKey(source, evt.Sender, evt.Nonce)
	if done, err := e.state.KVGet(key, nil); err != nil {
		return xtxID, err
	} else if done {
		return xtxID, ErrOrderAlreadyProcessed
	}

	self := e.registry.SelfGateway()
	if evt.Destination == self {
		if token, err := e.registry.TokenByEthAddress(self, evt.RewardAsset); err == nil && token.Mintable {
			if err := e.bridge(caller, token.AssetID, evt); err != nil {
				return xtxID, err
			}
			if err := e.state.KVPut(key, true); err != nil {
				return xtxID, err
			}
			e.emit(newRemoteEvent(EventTypeRemoteBridged, source, evt))
			slog.Info("vacuum: bridged remote order", "source", source.String(), "nonce", evt.Nonce, "executor", caller.Hex())
			return xtxID, nil
		}
	}

	token, err := e.registry.TokenByEthAddress(source, evt.RewardAsset)
	if err != nil {
		return xtxID, fmt.Errorf("%w: %v", ErrUnknownRewardAsset, err)
	}
	order := OrderSFX{
		Action: OrderAction{
			Kind:        ActionTransfer,
			Target:      evt.Destination,
			Asset:       token.AssetID,
			Destination: evt.TargetAccount[:],
			Amount:      evt.Amount,
		},
		MaxReward:   evt.MaxReward,
		Insurance:   evt.Insurance,
		RewardAsset: token.AssetID,
	}
	s, err := order.SideEffect()
	if err != nil {
		return xtxID, err
	}
	xtxID, err = e.circuit.OnRemoteOriginTrigger(RemoteRequester(evt.Nonce), source, []sfx.SideEffect{s}, speed)
	if err != nil {
		return xtxID, err
	}
	if err := e.state.KVPut(key, true); err != nil {
		return xtxID, err
	}
	evtOut := newRemoteEvent(EventTypeRemoteForwarded, source, evt)
	evtOut.Attributes["xtx"] = hexID(xtxID)
	e.emit(evtOut)
	return xtxID, nil
}

func (e *Engine) bridge(executor types.AccountID, asset types.AssetID, evt *RemoteOrderEvent) error {
	amount, overflow := uint256.FromBig(evt.Amount)
	if overflow {
		return ErrOverflow
	}
	reward, overflow := uint256.FromBig(evt.MaxReward)
	if overflow {
		return ErrOverflow
	}
	rest, underflow := new(uint256.Int).SubOverflow(amount, reward)
	if underflow {
		return fmt.Errorf("%w: amount %s max reward %s", ErrUnderflow, amount.Dec(), reward.Dec())
	}
	self := e.registry.SelfGateway()
	if !reward.IsZero() {
		if err := e.registry.Mint(self, asset, executor, reward.ToBig()); err != nil {
			return err
		}
	}
	if !rest.IsZero() {
		if err := e.registry.Mint(self, asset, evt.TargetAccount, rest.ToBig()); err != nil {
			return err
		}
	}
	return nil
}
