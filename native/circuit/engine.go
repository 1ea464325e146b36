// Package circuit runs cross-chain orders: it takes a list of side effects,
// auctions each one to executors, verifies their remote confirmations through
// the portal and settles rewards and insurance through the account manager.
package circuit

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/crypto"
	"circuit/native/accounts"
	"circuit/native/portal"
	"circuit/native/sfx"
	"circuit/native/xdns"
	"circuit/observability/metrics"
)

var (
	ErrXtxNotFound                 = errors.New("circuit: xtx not found")
	ErrSideEffectNotFound          = errors.New("circuit: side effect not found")
	ErrSetupFailedEmptyXtx         = errors.New("circuit: setup failed: empty xtx")
	ErrSetupFailedDuplicatedXtx    = errors.New("circuit: setup failed: duplicated xtx")
	ErrSetupFailedRewardAsset      = errors.New("circuit: setup failed: mixed reward assets")
	ErrSetupFailedInvalidReward    = errors.New("circuit: setup failed: max reward below dust")
	ErrTargetNotActive             = errors.New("circuit: target gateway is not active")
	ErrRequesterNotEnoughBalance   = errors.New("circuit: requester balance too low")
	ErrIllegalTransition           = errors.New("circuit: illegal status transition")
	ErrXtxAlreadyFinalized         = errors.New("circuit: xtx already killed or reverted")
	ErrUnauthorizedCancellation    = errors.New("circuit: unauthorized cancellation")
	ErrBiddingInactive             = errors.New("circuit: bidding inactive")
	ErrBidBelowDust                = errors.New("circuit: bid below dust")
	ErrBidTooHigh                  = errors.New("circuit: bid above max reward")
	ErrBetterBidFound              = errors.New("circuit: better bid found")
	ErrExecutorInsufficientBalance = errors.New("circuit: executor insufficient balance to reserve")
	ErrExecutorNotEnforced         = errors.New("circuit: bidding rejected, executor not enforced")
	ErrInvalidXtxStatus            = errors.New("circuit: xtx not accepting confirmations")
	ErrSideEffectNotInCurrentStep  = errors.New("circuit: side effect not in current step")
	ErrConfirmationUnauthorized    = errors.New("circuit: confirmation not from bound executor")
	ErrSideEffectAlreadyConfirmed  = errors.New("circuit: side effect already confirmed")
	ErrConfirmationFailed          = errors.New("circuit: confirmation failed")
	ErrFinalizeSquareUpFailed      = errors.New("circuit: finalize square up failed")
	ErrCriticalSquareUpUnconfirmed = errors.New("circuit: square up on unconfirmed side effect")
	ErrSignalQueueFull             = errors.New("circuit: signal queue full")
)

// Storage is the state subset orders live in.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// BatchReporter learns about settled side effects a remote escrow contract
// must be told about through the attester batches.
type BatchReporter interface {
	RequestSFXCommit(target types.GatewayID, sfxID [32]byte) error
	RequestSFXRevert(target types.GatewayID, sfxID [32]byte) error
}

type noopReporter struct{}

func (noopReporter) RequestSFXCommit(types.GatewayID, [32]byte) error { return nil }
func (noopReporter) RequestSFXRevert(types.GatewayID, [32]byte) error { return nil }

// Engine is the order state machine and bid engine.
type Engine struct {
	state    Storage
	registry *xdns.Registry
	portal   *portal.Portal
	accounts *accounts.Manager
	reporter BatchReporter
	cfg      Config
	emitter  events.Emitter
	clock    func() uint64
}

// New returns an engine settling through manager.
func New(state Storage, registry *xdns.Registry, p *portal.Portal, manager *accounts.Manager, cfg Config) *Engine {
	return &Engine{
		state:    state,
		registry: registry,
		portal:   p,
		accounts: manager,
		reporter: noopReporter{},
		cfg:      cfg.normalize(),
		emitter:  events.NoopEmitter{},
		clock:    func() uint64 { return 0 },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetClock sets the source of the current local block number.
func (e *Engine) SetClock(clock func() uint64) {
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	e.clock = clock
}

// SetBatchReporter wires the attester batches. Passing nil disables
// reporting.
func (e *Engine) SetBatchReporter(r BatchReporter) {
	if r == nil {
		r = noopReporter{}
	}
	e.reporter = r
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(events.Wrap(evt))
}

func bidChargeID(sfxID [32]byte, executor types.AccountID) [32]byte {
	return crypto.Keccak256(sfxID[:], executor[:])
}

// OnExtrinsicTrigger accepts an order from a signed requester and reserves
// the sum of its max rewards.
func (e *Engine) OnExtrinsicTrigger(origin types.Origin, list []sfx.SideEffect, speed types.SpeedMode) ([32]byte, error) {
	requester, err := origin.EnsureSigned()
	if err != nil {
		return [32]byte{}, err
	}
	return e.setup(requester, list, speed, nil)
}

// OnRemoteOriginTrigger accepts an order that arrived from gateway remote.
// Rewards are held on the remote chain, so nothing is reserved here and
// settled side effects are reported to the origin's batch.
func (e *Engine) OnRemoteOriginTrigger(requester types.AccountID, remote types.GatewayID, list []sfx.SideEffect, speed types.SpeedMode) ([32]byte, error) {
	return e.setup(requester, list, speed, &remote)
}

func (e *Engine) setup(requester types.AccountID, list []sfx.SideEffect, speed types.SpeedMode, remote *types.GatewayID) ([32]byte, error) {
	var id [32]byte
	if len(list) == 0 {
		return id, ErrSetupFailedEmptyXtx
	}
	asset := list[0].RewardAsset
	total := big.NewInt(0)
	for i := range list {
		if list[i].RewardAsset != asset {
			return id, ErrSetupFailedRewardAsset
		}
		if list[i].MaxReward == nil || list[i].MaxReward.Cmp(e.cfg.MinBidAmount) < 0 {
			return id, fmt.Errorf("%w: side effect %d", ErrSetupFailedInvalidReward, i)
		}
		total.Add(total, list[i].MaxReward)
	}
	nonce, err := e.Nonce(requester)
	if err != nil {
		return id, err
	}
	id, err = sfx.XtxID(requester, nonce, list)
	if err != nil {
		return id, err
	}
	if exists, err := e.state.KVGet(xtxKey(id), nil); err != nil {
		return id, err
	} else if exists {
		return id, ErrSetupFailedDuplicatedXtx
	}

	fsxs := make([]sfx.FullSideEffect, len(list))
	for i := range list {
		s := list[i].Clone()
		record, err := e.registry.Gateway(s.Target)
		if err != nil {
			return id, err
		}
		if !record.Allows(s.Action) {
			return id, fmt.Errorf("%w: %s on %s", sfx.ErrDisallowedByTarget, s.ActionString(), s.Target)
		}
		if !e.registry.IsTargetActive(s.Target) {
			return id, fmt.Errorf("%w: %s", ErrTargetNotActive, s.Target)
		}
		if err := sfx.Validate(s, record.TargetCodec()); err != nil {
			return id, err
		}
		level := sfx.SecurityOptimistic
		if record.EscrowAccount != nil {
			level = sfx.SecurityEscrow
		}
		height, err := e.portal.LatestFinalizedHeight(s.Target)
		if err != nil {
			height = 0
		}
		fsxs[i] = sfx.FullSideEffect{Input: *s, SecurityLvl: level, SubmissionTargetHeight: height, Index: uint32(i)}
	}
	sort.SliceStable(fsxs, func(a, b int) bool {
		if fsxs[a].SecurityLvl != fsxs[b].SecurityLvl {
			return fsxs[a].SecurityLvl < fsxs[b].SecurityLvl
		}
		return fsxs[a].Index < fsxs[b].Index
	})

	sfxIDs := make([][32]byte, len(fsxs))
	for pos := range fsxs {
		sfxID, err := sfx.ID(id, fsxs[pos].Index, &fsxs[pos].Input)
		if err != nil {
			return id, err
		}
		sfxIDs[pos] = sfxID
	}

	if remote == nil {
		if !e.accounts.CanWithdraw(requester, asset, total) {
			return id, fmt.Errorf("%w: needs %s", ErrRequesterNotEnoughBalance, total)
		}
		for pos := range fsxs {
			charge := accounts.Charge{
				Payee:  requester,
				Asset:  asset,
				Amount: fsxs[pos].Input.MaxReward,
				Source: accounts.SourceTrafficRewards,
				Role:   accounts.RoleRequester,
			}
			if err := e.accounts.Deposit(accounts.ChargeID(id, sfxIDs[pos]), charge); err != nil {
				return id, fmt.Errorf("%w: %v", ErrRequesterNotEnoughBalance, err)
			}
		}
	}

	now := e.clock()
	xtx := &XExecSignal{
		Requester:       requester,
		Nonce:           nonce,
		Status:          StatusRequested,
		Speed:           speed,
		Steps:           uint32(len(stepLevels(fsxs))),
		CreatedAt:       now,
		BiddingDeadline: now + e.cfg.BiddingPeriod,
		RewardAsset:     asset,
		RemoteOrigin:    remote,
	}
	xtx.Timeouts = e.adaptiveTimeout(now, fsxs, speed)
	next, err := transition(xtx.Status, StatusPendingBidding, CauseNone)
	if err != nil {
		return id, err
	}
	xtx.Status = next

	for pos, sfxID := range sfxIDs {
		if err := e.state.KVPut(sfxKey(sfxID), &sfxRef{XtxID: id, Position: uint32(pos)}); err != nil {
			return id, err
		}
	}
	if err := e.putSideEffects(id, fsxs); err != nil {
		return id, err
	}
	if err := e.putXtx(id, xtx); err != nil {
		return id, err
	}
	if err := e.state.KVAppend(biddingList, id[:]); err != nil {
		return id, err
	}
	if err := e.state.KVPut(nonceKey(requester), nonce+1); err != nil {
		return id, err
	}
	metrics.Xtx().ObserveTransition(xtx.Status.String())
	e.emit(newXtxEvent(EventTypeXtxReceived, id, xtx))
	slog.Debug("circuit: xtx received", "xtx", hexID(id), "requester", requester.Hex(), "sfx", len(fsxs))
	return id, nil
}

// stepLevels returns the security levels present in order, one per step.
func stepLevels(fsxs []sfx.FullSideEffect) []sfx.SecurityLevel {
	var levels []sfx.SecurityLevel
	for _, f := range fsxs {
		if len(levels) == 0 || levels[len(levels)-1] != f.SecurityLvl {
			levels = append(levels, f.SecurityLvl)
		}
	}
	return levels
}

// adaptiveTimeout derives the order deadlines from the slowest target's
// finality offsets.
func (e *Engine) adaptiveTimeout(now uint64, fsxs []sfx.FullSideEffect, speed types.SpeedMode) AdaptiveTimeout {
	var local, remote, best uint64
	for _, f := range fsxs {
		l, r, err := e.portal.Offsets(f.Input.Target, speed)
		if err != nil {
			l = e.portal.EmergencyOffset()
		}
		local = max(local, l)
		remote = max(remote, r)
		best = max(best, f.SubmissionTargetHeight)
	}
	t := AdaptiveTimeout{
		EstimatedHeightHere:  now + e.cfg.BiddingPeriod + local,
		EstimatedHeightThere: best + remote,
	}
	t.SubmitByHeightHere = t.EstimatedHeightHere + local
	t.SubmitByHeightThere = t.EstimatedHeightThere + remote
	t.EmergencyTimeoutHere = now + max(e.cfg.TimeoutDefault, e.cfg.BiddingPeriod+2*local)
	t.EmergencyTimeoutThere = t.SubmitByHeightThere + e.cfg.RemoteGracePeriod
	return t
}

// Cancel kills an order on behalf of its requester. Only orders that are
// still collecting bids and have none can be cancelled.
func (e *Engine) Cancel(origin types.Origin, id [32]byte) error {
	who, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	xtx, err := e.Xtx(id)
	if err != nil {
		return err
	}
	if xtx.Requester != who || xtx.Status > StatusPendingBidding {
		return ErrUnauthorizedCancellation
	}
	fsxs, err := e.SideEffects(id)
	if err != nil {
		return err
	}
	for _, f := range fsxs {
		if f.BestBid != nil {
			return ErrUnauthorizedCancellation
		}
	}
	if err := e.kill(id, xtx, fsxs, CauseIntentionalKill, true); err != nil {
		return err
	}
	e.emit(newXtxEvent(EventTypeCancelled, id, xtx))
	return nil
}

// Revert force-reverts an order. Orders that have not reached Ready are
// killed instead; finished orders are left alone.
func (e *Engine) Revert(origin types.Origin, id [32]byte) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	xtx, err := e.Xtx(id)
	if err != nil {
		return err
	}
	fsxs, err := e.SideEffects(id)
	if err != nil {
		return err
	}
	return e.revert(id, xtx, fsxs, CauseIntentionalKill)
}

func (e *Engine) revert(id [32]byte, xtx *XExecSignal, fsxs []sfx.FullSideEffect, cause Cause) error {
	next, err := transition(xtx.Status, StatusReverted, cause)
	if err != nil {
		return err
	}
	switch next {
	case StatusKilled:
		return e.kill(id, xtx, fsxs, cause, false)
	case xtx.Status:
		return nil
	}
	for pos := range fsxs {
		f := &fsxs[pos]
		sfxID, err := sfx.ID(id, f.Index, &f.Input)
		if err != nil {
			return err
		}
		if xtx.Local() {
			e.accounts.FinalizeInfallible(accounts.ChargeID(id, sfxID), accounts.OutcomeRevert, nil)
		}
		if f.BestBid != nil {
			outcome := accounts.OutcomeRevert
			var recipient *types.AccountID
			if f.Confirmed == nil && f.SecurityLvl == sfx.SecurityOptimistic {
				outcome = accounts.OutcomeSlash
				requester := xtx.Requester
				recipient = &requester
			}
			e.accounts.FinalizeInfallible(bidChargeID(sfxID, f.BestBid.Executor), outcome, recipient)
		}
		if f.SecurityLvl == sfx.SecurityEscrow {
			if err := e.reporter.RequestSFXRevert(f.Input.Target, sfxID); err != nil {
				return err
			}
		}
		if xtx.RemoteOrigin != nil {
			if err := e.reporter.RequestSFXRevert(*xtx.RemoteOrigin, sfxID); err != nil {
				return err
			}
		}
	}
	xtx.Status = StatusReverted
	xtx.Cause = cause
	if err := e.finish(id, xtx); err != nil {
		return err
	}
	metrics.Xtx().ObserveTransition(xtx.Status.String())
	e.emit(newXtxEvent(EventTypeXtxReverted, id, xtx))
	slog.Info("circuit: xtx reverted", "xtx", hexID(id), "cause", cause.String())
	return nil
}

// kill ends an order that never reached Ready and refunds every reservation.
// A revert that degraded to a kill has already been checked.
func (e *Engine) kill(id [32]byte, xtx *XExecSignal, fsxs []sfx.FullSideEffect, cause Cause, check bool) error {
	if check {
		if _, err := transition(xtx.Status, StatusKilled, cause); err != nil {
			return err
		}
	}
	for pos := range fsxs {
		f := &fsxs[pos]
		sfxID, err := sfx.ID(id, f.Index, &f.Input)
		if err != nil {
			return err
		}
		if xtx.Local() {
			e.accounts.FinalizeInfallible(accounts.ChargeID(id, sfxID), accounts.OutcomeRevert, nil)
		}
		if f.BestBid != nil {
			e.accounts.FinalizeInfallible(bidChargeID(sfxID, f.BestBid.Executor), accounts.OutcomeRevert, nil)
		}
	}
	xtx.Status = StatusKilled
	xtx.Cause = cause
	if err := e.finish(id, xtx); err != nil {
		return err
	}
	metrics.Xtx().ObserveTransition(xtx.Status.String())
	typ := EventTypeXtxKilled
	if cause == CauseDroppedAtBidding || cause == CauseTimeout {
		typ = EventTypeXtxDropped
	}
	e.emit(newXtxEvent(typ, id, xtx))
	return nil
}

// finish stores a terminal order and drops it from every work queue.
func (e *Engine) finish(id [32]byte, xtx *XExecSignal) error {
	if err := e.putXtx(id, xtx); err != nil {
		return err
	}
	for _, list := range [][]byte{biddingList, activeList} {
		if err := e.state.KVRemove(list, id[:]); err != nil {
			return err
		}
	}
	return e.leaveDLQ(id, xtx)
}

func (e *Engine) leaveDLQ(id [32]byte, xtx *XExecSignal) error {
	entry, err := e.DLQEntry(id)
	if errors.Is(err, ErrXtxNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.state.KVDelete(dlqKey(id)); err != nil {
		return err
	}
	if err := e.state.KVRemove(dlqList, id[:]); err != nil {
		return err
	}
	xtx.Timeouts.HasDLQ = false
	if err := e.putXtx(id, xtx); err != nil {
		return err
	}
	e.observeDLQ()
	e.emit(newDLQEvent(EventTypeXtxDLQResolved, id, entry))
	return nil
}

func (e *Engine) observeDLQ() {
	ids, err := e.DLQ()
	if err != nil {
		return
	}
	metrics.Xtx().SetDLQSize(len(ids))
}
