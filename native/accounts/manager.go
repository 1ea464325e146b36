// Package accounts tracks the funds the circuit holds on behalf of requesters
// and executors. Every reservation is a charge keyed by id; a charge is
// finalized exactly once and a committed charge becomes a settlement paid out
// of the escrow account.
package accounts

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/native/bank"
)

var (
	ErrChargeAlreadyRegistered        = errors.New("accounts: charge already registered")
	ErrChargeOrSettlementDoesNotExist = errors.New("accounts: charge or settlement does not exist")
	ErrChargeAlreadyFinalized         = errors.New("accounts: charge already finalized")
	ErrInvalidOutcome                 = errors.New("accounts: outcome must not be pending")
	ErrResizeExceedsCharge            = errors.New("accounts: resize exceeds reserved amount")
	ErrMissingRecipient               = errors.New("accounts: commit requires a recipient")
	ErrNothingToClaim                 = errors.New("accounts: nothing to claim")
	ErrInvalidAmount                  = errors.New("accounts: amount must be positive")
	errNilState                       = errors.New("accounts: state not configured")
)

// Storage is the state subset charges and settlements live in.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Treasury names the protocol accounts funds move through.
type Treasury struct {
	Escrow        types.AccountID
	SlashTreasury types.AccountID
}

var settlementQueue = []byte("accounts/settlements")

func chargeKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("accounts/charge/%x", id[:]))
}

func settlementKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("accounts/settlement/%x", id[:]))
}

// Manager implements the account manager over the bank ledger.
type Manager struct {
	state    Storage
	ledger   *bank.Ledger
	treasury Treasury
	emitter  events.Emitter
	clock    func() uint64
}

// NewManager returns a manager reserving through ledger.
func NewManager(state Storage, ledger *bank.Ledger, treasury Treasury) *Manager {
	return &Manager{
		state:    state,
		ledger:   ledger,
		treasury: treasury,
		emitter:  events.NoopEmitter{},
		clock:    func() uint64 { return 0 },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetClock sets the source of the current local block number.
func (m *Manager) SetClock(clock func() uint64) {
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	m.clock = clock
}

// Treasury returns the configured protocol accounts.
func (m *Manager) Treasury() Treasury { return m.treasury }

func (m *Manager) emit(evt *types.Event) {
	if m == nil || m.emitter == nil || evt == nil {
		return
	}
	m.emitter.Emit(events.Wrap(evt))
}

// CanWithdraw reports whether who holds amount of asset free.
func (m *Manager) CanWithdraw(who types.AccountID, asset types.AssetID, amount *big.Int) bool {
	return m.ledger.CanReserve(who, asset, amount)
}

// WithdrawImmediately moves amount from who straight into the escrow account
// without opening a charge.
func (m *Manager) WithdrawImmediately(who types.AccountID, asset types.AssetID, amount *big.Int, role Role) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := m.ledger.Transfer(who, m.treasury.Escrow, asset, amount); err != nil {
		return err
	}
	m.emit(newWithdrawnEvent(who, asset, amount, role))
	return nil
}

// Charge returns the charge stored under id.
func (m *Manager) Charge(id [32]byte) (*Charge, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	var charge Charge
	ok, err := m.state.KVGet(chargeKey(id), &charge)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrChargeOrSettlementDoesNotExist
	}
	charge.Amount = cloneAmount(charge.Amount)
	return &charge, nil
}

func (m *Manager) pendingCharge(id [32]byte) (*Charge, error) {
	charge, err := m.Charge(id)
	if err != nil {
		return nil, err
	}
	if charge.Outcome != OutcomePending {
		return nil, ErrChargeAlreadyFinalized
	}
	return charge, nil
}

// Deposit reserves charge.Amount from the payee and records the charge under
// id.
func (m *Manager) Deposit(id [32]byte, charge Charge) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	exists, err := m.state.KVGet(chargeKey(id), nil)
	if err != nil {
		return err
	}
	if exists {
		return ErrChargeAlreadyRegistered
	}
	record := charge.Clone()
	record.Outcome = OutcomePending
	if record.Amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := m.ledger.Reserve(record.Payee, record.Asset, record.Amount); err != nil {
		return err
	}
	if err := m.state.KVPut(chargeKey(id), record); err != nil {
		return err
	}
	m.emit(newChargeEvent(EventTypeDeposited, id, record))
	return nil
}

// Resize shrinks a pending charge to amount and releases the difference to
// the payee. A non-nil recipient replaces the recorded one.
func (m *Manager) Resize(id [32]byte, amount *big.Int, recipient *types.AccountID) error {
	charge, err := m.pendingCharge(id)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(charge.Amount) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrResizeExceedsCharge, amount, charge.Amount)
	}
	excess := new(big.Int).Sub(charge.Amount, amount)
	if err := m.ledger.Unreserve(charge.Payee, charge.Asset, excess); err != nil {
		return err
	}
	charge.Amount = new(big.Int).Set(amount)
	if recipient != nil {
		r := *recipient
		charge.Recipient = &r
	}
	if err := m.state.KVPut(chargeKey(id), charge); err != nil {
		return err
	}
	m.emit(newChargeEvent(EventTypeResized, id, charge))
	return nil
}

// Cancel releases a pending charge back to its payee and forgets it.
func (m *Manager) Cancel(id [32]byte) error {
	charge, err := m.pendingCharge(id)
	if err != nil {
		return err
	}
	if err := m.ledger.Unreserve(charge.Payee, charge.Asset, charge.Amount); err != nil {
		return err
	}
	if err := m.state.KVDelete(chargeKey(id)); err != nil {
		return err
	}
	m.emit(newChargeEvent(EventTypeCancelled, id, charge))
	return nil
}

// Finalize settles a pending charge. Commit moves the reserve into escrow and
// queues a settlement for the recipient, Revert returns it to the payee and
// Slash hands it to the recipient, or to the slash treasury when none is
// known.
func (m *Manager) Finalize(id [32]byte, outcome Outcome, recipient *types.AccountID) error {
	if outcome == OutcomePending || outcome > OutcomeSlash {
		return ErrInvalidOutcome
	}
	charge, err := m.pendingCharge(id)
	if err != nil {
		return err
	}
	if recipient != nil {
		r := *recipient
		charge.Recipient = &r
	}
	switch outcome {
	case OutcomeCommit:
		if charge.Recipient == nil {
			return ErrMissingRecipient
		}
		if err := m.ledger.RepatriateReserved(charge.Payee, m.treasury.Escrow, charge.Asset, charge.Amount, false); err != nil {
			return err
		}
		if charge.Amount.Sign() > 0 {
			settlement := &Settlement{
				ChargeID:  id,
				Requester: charge.Payee,
				Recipient: *charge.Recipient,
				Asset:     charge.Asset,
				Amount:    new(big.Int).Set(charge.Amount),
				Outcome:   outcome,
				Source:    charge.Source,
				Role:      charge.Role,
				Block:     m.clock(),
			}
			if err := m.state.KVPut(settlementKey(id), settlement); err != nil {
				return err
			}
			if err := m.state.KVAppend(settlementQueue, id[:]); err != nil {
				return err
			}
		}
	case OutcomeRevert:
		if err := m.ledger.Unreserve(charge.Payee, charge.Asset, charge.Amount); err != nil {
			return err
		}
	case OutcomeSlash:
		to := m.treasury.SlashTreasury
		if charge.Recipient != nil {
			to = *charge.Recipient
		}
		if err := m.ledger.RepatriateReserved(charge.Payee, to, charge.Asset, charge.Amount, false); err != nil {
			return err
		}
	}
	charge.Outcome = outcome
	if err := m.state.KVPut(chargeKey(id), charge); err != nil {
		return err
	}
	m.emit(newFinalizedEvent(id, charge))
	return nil
}

// FinalizeInfallible finalizes like Finalize but only logs a failure. It is
// meant for timeout paths that must not abort.
func (m *Manager) FinalizeInfallible(id [32]byte, outcome Outcome, recipient *types.AccountID) bool {
	if err := m.Finalize(id, outcome, recipient); err != nil {
		slog.Warn("accounts: infallible finalize failed", "charge", fmt.Sprintf("%x", id[:]), "outcome", outcome.String(), "err", err)
		return false
	}
	return true
}

// Settlement returns the pending settlement of a committed charge.
func (m *Manager) Settlement(id [32]byte) (*Settlement, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	var s Settlement
	ok, err := m.state.KVGet(settlementKey(id), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrChargeOrSettlementDoesNotExist
	}
	s.Amount = cloneAmount(s.Amount)
	return &s, nil
}

// PendingSettlements lists unpaid settlements in the order they were
// committed.
func (m *Manager) PendingSettlements() ([]*Settlement, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	var ids [][]byte
	if err := m.state.KVGetList(settlementQueue, &ids); err != nil {
		return nil, err
	}
	out := make([]*Settlement, 0, len(ids))
	for _, raw := range ids {
		var id [32]byte
		copy(id[:], raw)
		s, err := m.Settlement(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// PendingRewards sums the unpaid settlements of who in asset.
func (m *Manager) PendingRewards(who types.AccountID, asset types.AssetID) (*big.Int, error) {
	pending, err := m.PendingSettlements()
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, s := range pending {
		if s.Recipient == who && s.Asset == asset {
			total.Add(total, s.Amount)
		}
	}
	return total, nil
}

func (m *Manager) pay(s *Settlement) error {
	if err := m.ledger.Transfer(m.treasury.Escrow, s.Recipient, s.Asset, s.Amount); err != nil {
		return err
	}
	if err := m.state.KVDelete(settlementKey(s.ChargeID)); err != nil {
		return err
	}
	if err := m.state.KVRemove(settlementQueue, s.ChargeID[:]); err != nil {
		return err
	}
	m.emit(newSettledEvent(s))
	return nil
}

// Claim pays every pending settlement of who and returns how many were paid.
func (m *Manager) Claim(who types.AccountID) (int, error) {
	pending, err := m.PendingSettlements()
	if err != nil {
		return 0, err
	}
	paid := 0
	for _, s := range pending {
		if s.Recipient != who {
			continue
		}
		if err := m.pay(s); err != nil {
			return paid, err
		}
		paid++
	}
	if paid == 0 {
		return 0, ErrNothingToClaim
	}
	return paid, nil
}

// DistributeSettlements pays at most limit of the oldest pending settlements.
// It runs from the block hook, so a settlement that cannot be paid is logged
// and left queued.
func (m *Manager) DistributeSettlements(limit int) int {
	if limit <= 0 {
		return 0
	}
	pending, err := m.PendingSettlements()
	if err != nil {
		slog.Warn("accounts: load settlements", "err", err)
		return 0
	}
	paid := 0
	for _, s := range pending {
		if paid >= limit {
			break
		}
		if err := m.pay(s); err != nil {
			slog.Warn("accounts: settlement payout failed", "charge", fmt.Sprintf("%x", s.ChargeID[:]), "err", err)
			continue
		}
		paid++
	}
	return paid
}
