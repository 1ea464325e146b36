package circuit

import (
	"fmt"
	"log/slog"

	"circuit/core/types"
	"circuit/native/sfx"
	"circuit/observability/metrics"
)

// Signal queues a short-circuit request from the requester of an order. The
// queue is drained at the start of the next blocks.
func (e *Engine) Signal(origin types.Origin, xtxID [32]byte, kind SignalKind) error {
	who, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	xtx, err := e.Xtx(xtxID)
	if err != nil {
		return err
	}
	if xtx.Requester != who {
		return ErrUnauthorizedCancellation
	}
	queue, err := e.Signals()
	if err != nil {
		return err
	}
	if len(queue) >= e.cfg.SignalQueueDepth {
		return ErrSignalQueueFull
	}
	queue = append(queue, Signal{Requester: who, XtxID: xtxID, Kind: kind})
	if err := e.putSignals(queue); err != nil {
		return err
	}
	metrics.Xtx().SetSignalDepth(len(queue))
	return nil
}

// OnInitialize runs the block-start work of the order engine: queued
// signals, closing auctions, emergency timeouts and the dead letter queue.
func (e *Engine) OnInitialize(n uint64) error {
	if err := e.drainSignals(); err != nil {
		return fmt.Errorf("circuit: signals: %w", err)
	}
	if err := e.closeAuctions(n); err != nil {
		return fmt.Errorf("circuit: bidding: %w", err)
	}
	if n%e.cfg.TimeoutCheckInterval == 0 {
		if err := e.checkTimeouts(n); err != nil {
			return fmt.Errorf("circuit: timeouts: %w", err)
		}
	}
	if err := e.drainDLQ(n); err != nil {
		return fmt.Errorf("circuit: dlq: %w", err)
	}
	return nil
}

func (e *Engine) drainSignals() error {
	queue, err := e.Signals()
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return nil
	}
	take := min(len(queue), e.cfg.SignalsPerBlock)
	for _, sig := range queue[:take] {
		if err := e.applySignal(sig); err != nil {
			slog.Warn("circuit: signal dropped", "xtx", hexID(sig.XtxID), "error", err)
		}
	}
	rest := queue[take:]
	if err := e.putSignals(rest); err != nil {
		return err
	}
	metrics.Xtx().SetSignalDepth(len(rest))
	return nil
}

func (e *Engine) applySignal(sig Signal) error {
	switch sig.Kind {
	case SignalKill:
	default:
		return fmt.Errorf("unknown signal kind %d", sig.Kind)
	}
	xtx, err := e.Xtx(sig.XtxID)
	if err != nil {
		return err
	}
	fsxs, err := e.SideEffects(sig.XtxID)
	if err != nil {
		return err
	}
	return e.revert(sig.XtxID, xtx, fsxs, CauseIntentionalKill)
}

func (e *Engine) closeAuctions(n uint64) error {
	ids, err := e.idList(biddingList)
	if err != nil {
		return err
	}
	for _, id := range ids {
		xtx, err := e.Xtx(id)
		if err != nil {
			return err
		}
		if xtx.BiddingDeadline > n {
			continue
		}
		if err := e.closeBidding(id); err != nil {
			slog.Warn("circuit: closing bidding failed", "xtx", hexID(id), "error", err)
		}
	}
	return nil
}

// checkTimeouts reverts active orders past their emergency timeout. Orders
// still waiting on a halted target are parked in the dead letter queue
// instead.
func (e *Engine) checkTimeouts(n uint64) error {
	ids, err := e.idList(activeList)
	if err != nil {
		return err
	}
	processed := 0
	for _, id := range ids {
		if processed >= e.cfg.DeletionQueueLimit {
			slog.Debug("circuit: deletion queue saturated", "deferred", len(ids)-processed)
			break
		}
		xtx, err := e.Xtx(id)
		if err != nil {
			return err
		}
		if xtx.Timeouts.EmergencyTimeoutHere > n {
			continue
		}
		processed++
		fsxs, err := e.SideEffects(id)
		if err != nil {
			return err
		}
		if halted := e.haltedTargets(fsxs); len(halted) > 0 {
			if err := e.enterDLQ(id, xtx, n, halted); err != nil {
				return err
			}
			continue
		}
		if err := e.revert(id, xtx, fsxs, CauseTimeout); err != nil {
			slog.Warn("circuit: timeout revert failed", "xtx", hexID(id), "error", err)
		}
	}
	return nil
}

// haltedTargets returns the halted gateways unconfirmed side effects wait on.
func (e *Engine) haltedTargets(fsxs []sfx.FullSideEffect) []types.GatewayID {
	var out []types.GatewayID
	seen := make(map[types.GatewayID]bool)
	for _, f := range fsxs {
		gw := f.Input.Target
		if f.Confirmed != nil || seen[gw] {
			continue
		}
		seen[gw] = true
		if !e.portal.IsOperational(gw) {
			out = append(out, gw)
		}
	}
	return out
}

func (e *Engine) enterDLQ(id [32]byte, xtx *XExecSignal, n uint64, targets []types.GatewayID) error {
	entry := &DLQEntry{Block: n, Targets: targets, Speed: types.SpeedFinalized}
	if err := e.state.KVPut(dlqKey(id), entry); err != nil {
		return err
	}
	if err := e.state.KVRemove(activeList, id[:]); err != nil {
		return err
	}
	if err := e.state.KVAppend(dlqList, id[:]); err != nil {
		return err
	}
	xtx.Timeouts.HasDLQ = true
	xtx.Timeouts.DLQBlock = n
	if err := e.putXtx(id, xtx); err != nil {
		return err
	}
	e.observeDLQ()
	e.emit(newDLQEvent(EventTypeXtxDLQ, id, entry))
	slog.Info("circuit: xtx moved to dlq", "xtx", hexID(id), "block", n, "targets", len(targets))
	return nil
}

// drainDLQ resumes parked orders whose targets are all operational again.
func (e *Engine) drainDLQ(n uint64) error {
	ids, err := e.DLQ()
	if err != nil {
		return err
	}
	for _, id := range ids {
		entry, err := e.DLQEntry(id)
		if err != nil {
			return err
		}
		resumed := true
		for _, gw := range entry.Targets {
			if !e.portal.IsOperational(gw) {
				resumed = false
				break
			}
		}
		if !resumed {
			continue
		}
		xtx, err := e.Xtx(id)
		if err != nil {
			return err
		}
		xtx.Timeouts.EmergencyTimeoutHere = n + e.cfg.TimeoutDefault
		if err := e.state.KVAppend(activeList, id[:]); err != nil {
			return err
		}
		if err := e.leaveDLQ(id, xtx); err != nil {
			return err
		}
	}
	return nil
}
