// Package vacuum turns requester orders, local or proven on a remote
// chain, into circuit executions.
package vacuum

import (
	"errors"
	"fmt"
	"math/big"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/native/circuit"
	"circuit/native/portal"
	"circuit/native/sfx"
	"circuit/native/xdns"
)

var (
	ErrInvalidOrder          = errors.New("vacuum: invalid order")
	ErrEmptyOrder            = errors.New("vacuum: order has no side effects")
	ErrInvalidOrderEvent     = errors.New("vacuum: invalid remote order event")
	ErrOrderAlreadyProcessed = errors.New("vacuum: remote order already processed")
	ErrUnknownRewardAsset    = errors.New("vacuum: reward asset not registered")
	ErrOverflow              = errors.New("vacuum: amount overflows u256")
	ErrUnderflow             = errors.New("vacuum: amount below max reward")
)

// Storage is the state subset remote order bookkeeping lives in.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Engine accepts orders and forwards them to the circuit.
type Engine struct {
	state    Storage
	circuit  *circuit.Engine
	registry *xdns.Registry
	portal   *portal.Portal
	emitter  events.Emitter
}

// New returns a vacuum engine.
func New(state Storage, c *circuit.Engine, registry *xdns.Registry, p *portal.Portal) *Engine {
	return &Engine{
		state:    state,
		circuit:  c,
		registry: registry,
		portal:   p,
		emitter:  events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(events.Wrap(evt))
}

// Order converts every entry into a side effect and submits them as one
// execution requested by the caller.
func (e *Engine) Order(origin types.Origin, orders []OrderSFX, speed types.SpeedMode) ([32]byte, error) {
	if len(orders) == 0 {
		return [32]byte{}, ErrEmptyOrder
	}
	list := make([]sfx.SideEffect, 0, len(orders))
	for i := range orders {
		s, err := orders[i].SideEffect()
		if err != nil {
			return [32]byte{}, fmt.Errorf("order %d: %w", i, err)
		}
		list = append(list, s)
	}
	return e.circuit.OnExtrinsicTrigger(origin, list, speed)
}

// SingleOrder submits a single asset transfer to destination on target.
func (e *Engine) SingleOrder(origin types.Origin, destination []byte, asset types.AssetID, amount *big.Int, rewardAsset types.AssetID, maxReward, insurance *big.Int, target types.GatewayID, speed types.SpeedMode) ([32]byte, error) {
	return e.Order(origin, []OrderSFX{{
		Action: OrderAction{
			Kind:        ActionTransfer,
			Target:      target,
			Asset:       asset,
			Destination: destination,
			Amount:      amount,
		},
		MaxReward:   maxReward,
		Insurance:   insurance,
		RewardAsset: rewardAsset,
	}}, speed)
}

// ReadOrderStatus reports the progress of an order and emits it as an
// event.
func (e *Engine) ReadOrderStatus(xtxID [32]byte) (*OrderStatus, error) {
	xtx, err := e.circuit.Xtx(xtxID)
	if err != nil {
		return nil, err
	}
	fsxs, err := e.circuit.SideEffects(xtxID)
	if err != nil {
		return nil, err
	}
	out := &OrderStatus{
		XtxID:      xtxID,
		Status:     xtx.Status.String(),
		TimeoutsAt: xtx.Timeouts.EmergencyTimeoutHere,
		DLQ:        xtx.Timeouts.HasDLQ,
	}
	for i := range fsxs {
		fsx := &fsxs[i]
		id, err := sfx.ID(xtxID, fsx.Index, &fsx.Input)
		if err != nil {
			return nil, err
		}
		st := SFXStatus{ID: id, Confirmed: fsx.Confirmed != nil}
		if fsx.BestBid != nil {
			st.Executor = fsx.BestBid.Executor
			st.Bid = new(big.Int).Set(fsx.BestBid.Amount)
		}
		out.SideEffects = append(out.SideEffects, st)
	}
	e.emit(newStatusEvent(out))
	return out, nil
}
