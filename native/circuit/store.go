package circuit

import (
	"fmt"

	"circuit/core/types"
	"circuit/native/sfx"
)

var (
	biddingList = []byte("circuit/bidding")
	activeList  = []byte("circuit/active")
	dlqList     = []byte("circuit/dlq")
	signalQueue = []byte("circuit/signals")
)

func xtxKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("circuit/xtx/%x", id[:]))
}

func fsxKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("circuit/fsx/%x", id[:]))
}

func sfxKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("circuit/sfx/%x", id[:]))
}

func nonceKey(who types.AccountID) []byte {
	return []byte(fmt.Sprintf("circuit/nonce/%x", who[:]))
}

func dlqKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("circuit/dlq/%x", id[:]))
}

// sfxRef locates a side effect inside its order.
type sfxRef struct {
	XtxID    [32]byte
	Position uint32
}

// Xtx returns the stored order.
func (e *Engine) Xtx(id [32]byte) (*XExecSignal, error) {
	var xtx XExecSignal
	ok, err := e.state.KVGet(xtxKey(id), &xtx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrXtxNotFound
	}
	return &xtx, nil
}

func (e *Engine) putXtx(id [32]byte, xtx *XExecSignal) error {
	return e.state.KVPut(xtxKey(id), xtx)
}

// SideEffects returns the execution records of an order, Escrow step first.
func (e *Engine) SideEffects(id [32]byte) ([]sfx.FullSideEffect, error) {
	var list []sfx.FullSideEffect
	ok, err := e.state.KVGet(fsxKey(id), &list)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrXtxNotFound
	}
	return list, nil
}

func (e *Engine) putSideEffects(id [32]byte, list []sfx.FullSideEffect) error {
	return e.state.KVPut(fsxKey(id), list)
}

// SideEffect returns the execution record of sfxID and the order holding it.
func (e *Engine) SideEffect(sfxID [32]byte) (*sfx.FullSideEffect, [32]byte, error) {
	var ref sfxRef
	ok, err := e.state.KVGet(sfxKey(sfxID), &ref)
	if err != nil {
		return nil, [32]byte{}, err
	}
	if !ok {
		return nil, [32]byte{}, ErrSideEffectNotFound
	}
	list, err := e.SideEffects(ref.XtxID)
	if err != nil {
		return nil, ref.XtxID, err
	}
	if int(ref.Position) >= len(list) {
		return nil, ref.XtxID, ErrSideEffectNotFound
	}
	fsx := list[ref.Position]
	return &fsx, ref.XtxID, nil
}

// SFXParties returns the requester of the order holding sfxID and the
// executor bound to it. The executor is zero while nobody won the auction.
func (e *Engine) SFXParties(sfxID [32]byte) (requester, executor types.AccountID, err error) {
	fsx, xtxID, err := e.SideEffect(sfxID)
	if err != nil {
		return requester, executor, err
	}
	xtx, err := e.Xtx(xtxID)
	if err != nil {
		return requester, executor, err
	}
	if who, ok := fsx.Executor(); ok {
		executor = who
	}
	return xtx.Requester, executor, nil
}

// Nonce returns the next order nonce of who.
func (e *Engine) Nonce(who types.AccountID) (uint32, error) {
	var nonce uint32
	if _, err := e.state.KVGet(nonceKey(who), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// DLQEntry returns the dead letter record of an order.
func (e *Engine) DLQEntry(id [32]byte) (*DLQEntry, error) {
	var entry DLQEntry
	ok, err := e.state.KVGet(dlqKey(id), &entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrXtxNotFound
	}
	return &entry, nil
}

// DLQ lists the orders parked in the dead letter queue.
func (e *Engine) DLQ() ([][32]byte, error) {
	return e.idList(dlqList)
}

func (e *Engine) idList(key []byte) ([][32]byte, error) {
	var raw [][]byte
	if err := e.state.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	out := make([][32]byte, len(raw))
	for i, item := range raw {
		copy(out[i][:], item)
	}
	return out, nil
}

// Signals returns the queued signals in arrival order.
func (e *Engine) Signals() ([]Signal, error) {
	var queue []Signal
	if _, err := e.state.KVGet(signalQueue, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (e *Engine) putSignals(queue []Signal) error {
	if len(queue) == 0 {
		return e.state.KVDelete(signalQueue)
	}
	return e.state.KVPut(signalQueue, queue)
}
