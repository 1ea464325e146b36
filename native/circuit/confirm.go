package circuit

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/recode"
	"circuit/core/types"
	"circuit/native/accounts"
	"circuit/native/sfx"
	"circuit/observability/metrics"
)

// ConfirmSideEffect records an executor's proof that sfxID happened on its
// target. The proof is verified against the target's light client and the
// proven event must match the side effect's arguments.
func (e *Engine) ConfirmSideEffect(origin types.Origin, sfxID [32]byte, confirmation sfx.Confirmation) error {
	executor, err := origin.EnsureSigned()
	if err != nil {
		return err
	}
	xtxID, fsxs, pos, xtx, err := e.confirmable(sfxID, executor)
	if err != nil {
		return err
	}
	f := &fsxs[pos]
	record, err := e.registry.Gateway(f.Input.Target)
	if err != nil {
		return err
	}
	if !e.portal.IsOperational(f.Input.Target) {
		return fmt.Errorf("%w: %s is halted", ErrConfirmationFailed, f.Input.Target)
	}
	source, err := e.confirmationSource(&f.Input, record.TargetCodec())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmationFailed, err)
	}
	inclusion, err := e.portal.VerifyEventInclusion(f.Input.Target, xtx.Speed, source, confirmation.InclusionData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmationFailed, err)
	}
	if err := sfx.Match(record.TargetCodec(), &f.Input, executor, inclusion.Message); err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmationFailed, err)
	}
	confirmation.Executor = executor
	return e.applyConfirmation(xtxID, sfxID, xtx, fsxs, pos, confirmation)
}

// OnSFXResolved is the callback of local execution handlers. The handler has
// executed the side effect itself, so no inclusion proof is checked.
func (e *Engine) OnSFXResolved(origin types.Origin, sfxID [32]byte, confirmation sfx.Confirmation) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	f, _, err := e.SideEffect(sfxID)
	if err != nil {
		return err
	}
	executor, ok := f.Executor()
	if !ok {
		return fmt.Errorf("%w: no winning bid", ErrConfirmationUnauthorized)
	}
	xtxID, fsxs, pos, xtx, err := e.confirmable(sfxID, executor)
	if err != nil {
		return err
	}
	confirmation.Executor = executor
	return e.applyConfirmation(xtxID, sfxID, xtx, fsxs, pos, confirmation)
}

// confirmable loads the order holding sfxID and checks that executor may
// confirm it now.
func (e *Engine) confirmable(sfxID [32]byte, executor types.AccountID) ([32]byte, []sfx.FullSideEffect, int, *XExecSignal, error) {
	var ref sfxRef
	ok, err := e.state.KVGet(sfxKey(sfxID), &ref)
	if err != nil {
		return ref.XtxID, nil, 0, nil, err
	}
	if !ok {
		return ref.XtxID, nil, 0, nil, ErrSideEffectNotFound
	}
	xtx, err := e.Xtx(ref.XtxID)
	if err != nil {
		return ref.XtxID, nil, 0, nil, err
	}
	switch xtx.Status {
	case StatusReady, StatusPendingExecution, StatusFinished:
	default:
		return ref.XtxID, nil, 0, nil, fmt.Errorf("%w: %s", ErrInvalidXtxStatus, xtx.Status)
	}
	fsxs, err := e.SideEffects(ref.XtxID)
	if err != nil {
		return ref.XtxID, nil, 0, nil, err
	}
	pos := int(ref.Position)
	f := &fsxs[pos]
	levels := stepLevels(fsxs)
	if int(xtx.CurrentStep) >= len(levels) || levels[xtx.CurrentStep] != f.SecurityLvl {
		return ref.XtxID, nil, 0, nil, ErrSideEffectNotInCurrentStep
	}
	if f.Confirmed != nil {
		return ref.XtxID, nil, 0, nil, ErrSideEffectAlreadyConfirmed
	}
	bound, ok := f.Executor()
	if !ok || bound != executor {
		return ref.XtxID, nil, 0, nil, ErrConfirmationUnauthorized
	}
	return ref.XtxID, fsxs, pos, xtx, nil
}

// confirmationSource is the emitter the proven event must come from. Token
// transfers on EVM targets are emitted by the token contract registered for
// the asset.
func (e *Engine) confirmationSource(s *sfx.SideEffect, codec recode.Codec) ([]byte, error) {
	if codec != recode.RLP || s.Action != sfx.ActionAssetTransfer {
		return sfx.ExpectedSource(s), nil
	}
	asset := types.AssetID(sfx.Amount(s.EncodedArgs[0]).Uint64())
	token, err := e.registry.Token(asset, s.Target)
	if err != nil {
		return nil, err
	}
	if token.Address == nil {
		return nil, fmt.Errorf("asset %d has no contract on %s", asset, s.Target)
	}
	return common.BytesToHash(token.Address.Bytes()).Bytes(), nil
}

func (e *Engine) applyConfirmation(xtxID, sfxID [32]byte, xtx *XExecSignal, fsxs []sfx.FullSideEffect, pos int, c sfx.Confirmation) error {
	c.ReceivedAt = e.clock()
	fsxs[pos].Confirmed = &c

	next := xtx.Status
	var err error
	if next != StatusPendingExecution {
		if next, err = transition(next, StatusPendingExecution, CauseNone); err != nil {
			return err
		}
	}
	if err := e.putSideEffects(xtxID, fsxs); err != nil {
		return err
	}
	e.emit(newConfirmedEvent(xtxID, sfxID, &c))

	levels := stepLevels(fsxs)
	level := levels[xtx.CurrentStep]
	for _, f := range fsxs {
		if f.SecurityLvl == level && f.Confirmed == nil {
			xtx.Status = next
			return e.putXtx(xtxID, xtx)
		}
	}

	if int(xtx.CurrentStep)+1 < len(levels) {
		if next, err = transition(next, StatusFinished, CauseNone); err != nil {
			return err
		}
		xtx.Status = next
		xtx.CurrentStep++
		if err := e.putXtx(xtxID, xtx); err != nil {
			return err
		}
		metrics.Xtx().ObserveTransition(xtx.Status.String())
		e.emit(newStepFinishedEvent(xtxID, xtx.CurrentStep))
		return nil
	}

	if next, err = transition(next, StatusFinishedAllSteps, CauseNone); err != nil {
		return err
	}
	if err := e.squareUpCommit(xtxID, xtx, fsxs); err != nil {
		return err
	}
	xtx.Status = next
	xtx.CurrentStep = xtx.Steps
	if err := e.finish(xtxID, xtx); err != nil {
		return err
	}
	metrics.Xtx().ObserveTransition(xtx.Status.String())
	e.emit(newXtxEvent(EventTypeXtxFinished, xtxID, xtx))
	slog.Info("circuit: xtx finished", "xtx", hexID(xtxID), "steps", xtx.Steps)
	return nil
}

// squareUpCommit pays every executor its winning bid, releases their
// insurance and tells remote escrow contracts and origins about the result.
func (e *Engine) squareUpCommit(xtxID [32]byte, xtx *XExecSignal, fsxs []sfx.FullSideEffect) error {
	for pos := range fsxs {
		f := &fsxs[pos]
		if f.Confirmed == nil || f.BestBid == nil {
			return fmt.Errorf("%w: position %d", ErrCriticalSquareUpUnconfirmed, pos)
		}
		sfxID, err := sfx.ID(xtxID, f.Index, &f.Input)
		if err != nil {
			return err
		}
		executor := f.BestBid.Executor
		if xtx.Local() {
			if err := e.accounts.Finalize(accounts.ChargeID(xtxID, sfxID), accounts.OutcomeCommit, &executor); err != nil {
				return fmt.Errorf("%w: %v", ErrFinalizeSquareUpFailed, err)
			}
		} else if err := e.reporter.RequestSFXCommit(*xtx.RemoteOrigin, sfxID); err != nil {
			return err
		}
		if err := e.accounts.Finalize(bidChargeID(sfxID, executor), accounts.OutcomeRevert, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrFinalizeSquareUpFailed, err)
		}
		if f.SecurityLvl == sfx.SecurityEscrow {
			if err := e.reporter.RequestSFXCommit(f.Input.Target, sfxID); err != nil {
				return err
			}
		}
	}
	return nil
}
