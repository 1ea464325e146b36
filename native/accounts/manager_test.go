package accounts

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/native/bank"
)

const dot types.AssetID = 1

type fixture struct {
	manager  *Manager
	ledger   *bank.Ledger
	recorder *events.Recorder
}

var (
	requester = types.AccountFromByte(2)
	executor  = types.AccountFromByte(1)
	treasury  = Treasury{Escrow: types.AccountFromByte(0xee), SlashTreasury: types.AccountFromByte(0x5a)}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := state.NewMemoryManager()
	require.NoError(t, err)
	ledger := bank.NewLedger(mgr)
	require.NoError(t, ledger.Mint(dot, requester, big.NewInt(1000)))
	require.NoError(t, ledger.Mint(dot, executor, big.NewInt(500)))
	m := NewManager(mgr, ledger, treasury)
	rec := &events.Recorder{}
	m.SetEmitter(rec)
	return &fixture{manager: m, ledger: ledger, recorder: rec}
}

func (f *fixture) balance(t *testing.T, who types.AccountID) *bank.Balance {
	t.Helper()
	bal, err := f.ledger.Balance(who, dot)
	require.NoError(t, err)
	return bal
}

func TestChargeIDIsOrderSensitive(t *testing.T) {
	a := [32]byte{1}
	b := [32]byte{2}
	require.NotEqual(t, ChargeID(a, b), ChargeID(b, a))
	require.Equal(t, ChargeID(a, b), ChargeID(a, b))
}

func TestDepositReservesOnce(t *testing.T) {
	f := newFixture(t)
	id := ChargeID([32]byte{1}, [32]byte{2})
	charge := Charge{Payee: requester, Asset: dot, Amount: big.NewInt(200), Role: RoleRequester, Source: SourceTrafficRewards}

	require.NoError(t, f.manager.Deposit(id, charge))
	require.ErrorIs(t, f.manager.Deposit(id, charge), ErrChargeAlreadyRegistered)

	bal := f.balance(t, requester)
	require.Equal(t, "800", bal.Free.String())
	require.Equal(t, "200", bal.Reserved.String())

	stored, err := f.manager.Charge(id)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, stored.Outcome)
	require.Nil(t, stored.Recipient)
	require.Len(t, f.recorder.Find(EventTypeDeposited), 1)

	_, err = f.manager.Charge([32]byte{9})
	require.ErrorIs(t, err, ErrChargeOrSettlementDoesNotExist)
}

func TestResizeReleasesExcess(t *testing.T) {
	f := newFixture(t)
	id := [32]byte{7}
	require.NoError(t, f.manager.Deposit(id, Charge{Payee: requester, Asset: dot, Amount: big.NewInt(200)}))

	require.ErrorIs(t, f.manager.Resize(id, big.NewInt(201), nil), ErrResizeExceedsCharge)
	require.NoError(t, f.manager.Resize(id, big.NewInt(198), &executor))

	bal := f.balance(t, requester)
	require.Equal(t, "802", bal.Free.String())
	require.Equal(t, "198", bal.Reserved.String())

	stored, err := f.manager.Charge(id)
	require.NoError(t, err)
	require.Equal(t, "198", stored.Amount.String())
	require.Equal(t, executor, *stored.Recipient)
}

func TestFinalizeCommitQueuesSettlement(t *testing.T) {
	f := newFixture(t)
	f.manager.SetClock(func() uint64 { return 12 })
	id := [32]byte{3}
	require.NoError(t, f.manager.Deposit(id, Charge{Payee: requester, Asset: dot, Amount: big.NewInt(198), Recipient: &executor, Role: RoleExecutor}))

	require.ErrorIs(t, f.manager.Finalize(id, OutcomePending, nil), ErrInvalidOutcome)
	require.NoError(t, f.manager.Finalize(id, OutcomeCommit, nil))
	require.ErrorIs(t, f.manager.Finalize(id, OutcomeRevert, nil), ErrChargeAlreadyFinalized)

	require.Equal(t, "198", f.balance(t, treasury.Escrow).Free.String())
	require.Equal(t, "0", f.balance(t, requester).Reserved.String())

	s, err := f.manager.Settlement(id)
	require.NoError(t, err)
	require.Equal(t, executor, s.Recipient)
	require.Equal(t, requester, s.Requester)
	require.Equal(t, uint64(12), s.Block)

	pending, err := f.manager.PendingRewards(executor, dot)
	require.NoError(t, err)
	require.Equal(t, "198", pending.String())

	paid, err := f.manager.Claim(executor)
	require.NoError(t, err)
	require.Equal(t, 1, paid)
	require.Equal(t, "698", f.balance(t, executor).Free.String())

	_, err = f.manager.Claim(executor)
	require.ErrorIs(t, err, ErrNothingToClaim)
	_, err = f.manager.Settlement(id)
	require.ErrorIs(t, err, ErrChargeOrSettlementDoesNotExist)
	require.Len(t, f.recorder.Find(EventTypeSettled), 1)
}

func TestFinalizeCommitWithoutRecipientFails(t *testing.T) {
	f := newFixture(t)
	id := [32]byte{4}
	require.NoError(t, f.manager.Deposit(id, Charge{Payee: requester, Asset: dot, Amount: big.NewInt(10)}))
	require.ErrorIs(t, f.manager.Finalize(id, OutcomeCommit, nil), ErrMissingRecipient)

	stored, err := f.manager.Charge(id)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, stored.Outcome)
}

func TestFinalizeRevertAndSlash(t *testing.T) {
	f := newFixture(t)
	refund := [32]byte{5}
	slashed := [32]byte{6}
	toRequester := [32]byte{8}
	require.NoError(t, f.manager.Deposit(refund, Charge{Payee: requester, Asset: dot, Amount: big.NewInt(100)}))
	require.NoError(t, f.manager.Deposit(slashed, Charge{Payee: executor, Asset: dot, Amount: big.NewInt(50)}))
	require.NoError(t, f.manager.Deposit(toRequester, Charge{Payee: executor, Asset: dot, Amount: big.NewInt(25)}))

	require.NoError(t, f.manager.Finalize(refund, OutcomeRevert, nil))
	require.Equal(t, "1000", f.balance(t, requester).Free.String())

	require.NoError(t, f.manager.Finalize(slashed, OutcomeSlash, nil))
	require.Equal(t, "50", f.balance(t, treasury.SlashTreasury).Free.String())

	require.NoError(t, f.manager.Finalize(toRequester, OutcomeSlash, &requester))
	require.Equal(t, "1025", f.balance(t, requester).Free.String())

	exec := f.balance(t, executor)
	require.Equal(t, "425", exec.Free.String())
	require.Equal(t, "0", exec.Reserved.String())
	require.Len(t, f.recorder.Find(EventTypeFinalized), 3)
}

func TestFinalizeInfallibleAndCancel(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.manager.FinalizeInfallible([32]byte{1}, OutcomeRevert, nil))

	id := [32]byte{2}
	require.NoError(t, f.manager.Deposit(id, Charge{Payee: executor, Asset: dot, Amount: big.NewInt(50)}))
	require.NoError(t, f.manager.Cancel(id))
	require.Equal(t, "500", f.balance(t, executor).Free.String())
	require.ErrorIs(t, f.manager.Cancel(id), ErrChargeOrSettlementDoesNotExist)

	require.NoError(t, f.manager.Deposit(id, Charge{Payee: executor, Asset: dot, Amount: big.NewInt(50)}))
	require.True(t, f.manager.FinalizeInfallible(id, OutcomeRevert, nil))
	require.ErrorIs(t, f.manager.Cancel(id), ErrChargeAlreadyFinalized)
}

func TestDistributeSettlementsIsBounded(t *testing.T) {
	f := newFixture(t)
	for i := byte(1); i <= 3; i++ {
		id := [32]byte{i}
		require.NoError(t, f.manager.Deposit(id, Charge{Payee: requester, Asset: dot, Amount: big.NewInt(10), Recipient: &executor}))
		require.NoError(t, f.manager.Finalize(id, OutcomeCommit, nil))
	}
	require.Equal(t, 0, f.manager.DistributeSettlements(0))
	require.Equal(t, 2, f.manager.DistributeSettlements(2))

	pending, err := f.manager.PendingSettlements()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, [32]byte{3}, pending[0].ChargeID)

	require.Equal(t, 1, f.manager.DistributeSettlements(2))
	require.Equal(t, "530", f.balance(t, executor).Free.String())
	require.Equal(t, "0", f.balance(t, treasury.Escrow).Free.String())
}

func TestWithdrawImmediately(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.manager.CanWithdraw(requester, dot, big.NewInt(1000)))
	require.False(t, f.manager.CanWithdraw(requester, dot, big.NewInt(1001)))
	require.ErrorIs(t, f.manager.WithdrawImmediately(requester, dot, big.NewInt(0), RoleRequester), ErrInvalidAmount)
	require.NoError(t, f.manager.WithdrawImmediately(requester, dot, big.NewInt(40), RoleRequester))
	require.Equal(t, "960", f.balance(t, requester).Free.String())
	require.Equal(t, "40", f.balance(t, treasury.Escrow).Free.String())
	require.ErrorIs(t, f.manager.WithdrawImmediately(requester, dot, big.NewInt(2000), RoleRequester), bank.ErrInsufficientBalance)
}
