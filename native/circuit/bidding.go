package circuit

import (
	"fmt"
	"log/slog"
	"math/big"

	"circuit/core/types"
	"circuit/native/accounts"
	"circuit/native/sfx"
	"circuit/observability/metrics"
)

// Bid places an executor's offer on a side effect that is still being
// auctioned. A bid must be strictly lower than the current best; the
// displaced executor's deposit is released in the same call.
func (e *Engine) Bid(origin types.Origin, sfxID [32]byte, amount *big.Int) error {
	executor, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	if err := e.bid(executor, sfxID, amount); err != nil {
		metrics.Xtx().ObserveBid("rejected")
		return err
	}
	metrics.Xtx().ObserveBid("accepted")
	return nil
}

func (e *Engine) bid(executor types.AccountID, sfxID [32]byte, amount *big.Int) error {
	var ref sfxRef
	ok, err := e.state.KVGet(sfxKey(sfxID), &ref)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSideEffectNotFound
	}
	xtx, err := e.Xtx(ref.XtxID)
	if err != nil {
		return err
	}
	if xtx.Status != StatusPendingBidding && xtx.Status != StatusInBidding {
		return fmt.Errorf("%w: xtx is %s", ErrBiddingInactive, xtx.Status)
	}
	if e.clock() >= xtx.BiddingDeadline {
		return fmt.Errorf("%w: window closed at %d", ErrBiddingInactive, xtx.BiddingDeadline)
	}
	fsxs, err := e.SideEffects(ref.XtxID)
	if err != nil {
		return err
	}
	f := &fsxs[ref.Position]
	if amount == nil || amount.Cmp(e.cfg.MinBidAmount) < 0 {
		return ErrBidBelowDust
	}
	if amount.Cmp(f.Input.MaxReward) > 0 {
		return ErrBidTooHigh
	}
	if f.Input.EnforceExecutor != nil && *f.Input.EnforceExecutor != executor {
		return ErrExecutorNotEnforced
	}
	if f.BestBid != nil && amount.Cmp(f.BestBid.Amount) >= 0 {
		return fmt.Errorf("%w: current best %s", ErrBetterBidFound, f.BestBid.Amount)
	}

	bond := big.NewInt(0)
	if f.SecurityLvl == sfx.SecurityOptimistic {
		for pos := range fsxs {
			if pos != int(ref.Position) && fsxs[pos].SecurityLvl == sfx.SecurityOptimistic {
				bond.Add(bond, fsxs[pos].Input.MaxReward)
			}
		}
	}
	bid := &sfx.Bid{
		Executor:     executor,
		Amount:       new(big.Int).Set(amount),
		Insurance:    new(big.Int).Set(f.Input.Insurance),
		ReservedBond: bond,
		RewardAsset:  f.Input.RewardAsset,
	}
	deposit := bid.Deposit()
	available := e.accounts.CanWithdraw(executor, bid.RewardAsset, deposit)
	if f.BestBid != nil && f.BestBid.Executor == executor {
		available = e.accounts.CanWithdraw(executor, bid.RewardAsset, new(big.Int).Sub(deposit, f.BestBid.Deposit()))
	}
	if !available {
		return fmt.Errorf("%w: needs %s", ErrExecutorInsufficientBalance, deposit)
	}
	if f.BestBid != nil {
		if err := e.accounts.Cancel(bidChargeID(sfxID, f.BestBid.Executor)); err != nil {
			return err
		}
		metrics.Xtx().ObserveBid("displaced")
	}
	charge := accounts.Charge{
		Payee:  executor,
		Asset:  bid.RewardAsset,
		Amount: deposit,
		Source: accounts.SourceTrafficRewards,
		Role:   accounts.RoleExecutor,
	}
	if err := e.accounts.Deposit(bidChargeID(sfxID, executor), charge); err != nil {
		return fmt.Errorf("%w: %v", ErrExecutorInsufficientBalance, err)
	}
	f.BestBid = bid
	if err := e.putSideEffects(ref.XtxID, fsxs); err != nil {
		return err
	}
	next, err := transition(xtx.Status, StatusInBidding, CauseNone)
	if err != nil {
		return err
	}
	if next != xtx.Status {
		xtx.Status = next
		if err := e.putXtx(ref.XtxID, xtx); err != nil {
			return err
		}
		metrics.Xtx().ObserveTransition(xtx.Status.String())
	}
	e.emit(newBidEvent(ref.XtxID, sfxID, bid))
	return nil
}

// closeBidding ends the auction of an order. Orders where every side effect
// has a winner become Ready and each requester charge shrinks to the winning
// bid; otherwise the order is killed and everyone is refunded.
func (e *Engine) closeBidding(id [32]byte) error {
	xtx, err := e.Xtx(id)
	if err != nil {
		return err
	}
	fsxs, err := e.SideEffects(id)
	if err != nil {
		return err
	}
	bids := 0
	for _, f := range fsxs {
		if f.BestBid != nil {
			bids++
		}
	}
	switch {
	case bids == 0:
		return e.kill(id, xtx, fsxs, CauseDroppedAtBidding, true)
	case bids < len(fsxs):
		return e.kill(id, xtx, fsxs, CauseTimeout, true)
	}
	next, err := transition(xtx.Status, StatusReady, CauseNone)
	if err != nil {
		return err
	}
	if xtx.Local() {
		for pos := range fsxs {
			f := &fsxs[pos]
			sfxID, err := sfx.ID(id, f.Index, &f.Input)
			if err != nil {
				return err
			}
			executor := f.BestBid.Executor
			if err := e.accounts.Resize(accounts.ChargeID(id, sfxID), f.BestBid.Amount, &executor); err != nil {
				return fmt.Errorf("%w: %v", ErrFinalizeSquareUpFailed, err)
			}
		}
	}
	xtx.Status = next
	if err := e.putXtx(id, xtx); err != nil {
		return err
	}
	if err := e.state.KVRemove(biddingList, id[:]); err != nil {
		return err
	}
	if err := e.state.KVAppend(activeList, id[:]); err != nil {
		return err
	}
	metrics.Xtx().ObserveTransition(xtx.Status.String())
	e.emit(newXtxEvent(EventTypeXtxReady, id, xtx))
	slog.Debug("circuit: xtx ready", "xtx", hexID(id))
	return nil
}
