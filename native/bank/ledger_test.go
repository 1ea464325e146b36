package bank

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
)

const dot types.AssetID = 1

var (
	alice = types.AccountFromByte(1)
	bob   = types.AccountFromByte(2)
)

func newTestLedger(t *testing.T) (*Ledger, *events.Recorder) {
	t.Helper()
	mgr, err := state.NewMemoryManager()
	require.NoError(t, err)
	l := NewLedger(mgr)
	rec := &events.Recorder{}
	l.SetEmitter(rec)
	return l, rec
}

func requireBalance(t *testing.T, l *Ledger, who types.AccountID, asset types.AssetID, free, reserved int64) {
	t.Helper()
	bal, err := l.Balance(who, asset)
	require.NoError(t, err)
	require.Equal(t, 0, bal.Free.Cmp(big.NewInt(free)), "free %s", bal.Free)
	require.Equal(t, 0, bal.Reserved.Cmp(big.NewInt(reserved)), "reserved %s", bal.Reserved)
}

func TestMintAndTransfer(t *testing.T) {
	l, rec := newTestLedger(t)
	require.NoError(t, l.Mint(dot, alice, big.NewInt(100)))
	require.NoError(t, l.DepositCreating(bob, types.NativeAsset, big.NewInt(5)))

	require.NoError(t, l.Transfer(alice, bob, dot, big.NewInt(40)))
	requireBalance(t, l, alice, dot, 60, 0)
	requireBalance(t, l, bob, dot, 40, 0)
	requireBalance(t, l, bob, types.NativeAsset, 5, 0)

	err := l.Transfer(bob, alice, dot, big.NewInt(41))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	requireBalance(t, l, bob, dot, 40, 0)
	require.ErrorIs(t, l.Transfer(alice, bob, dot, big.NewInt(-1)), ErrInvalidAmount)

	issued, err := l.TotalIssuance(dot)
	require.NoError(t, err)
	require.Equal(t, int64(100), issued.Int64())
	require.Len(t, rec.Find(EventTypeTransfer), 1)
	require.Len(t, rec.Find(EventTypeMinted), 2)
}

func TestReserveUnreserve(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Mint(dot, alice, big.NewInt(100)))

	require.True(t, l.CanReserve(alice, dot, big.NewInt(100)))
	require.False(t, l.CanReserve(alice, dot, big.NewInt(101)))
	require.NoError(t, l.Reserve(alice, dot, big.NewInt(70)))
	requireBalance(t, l, alice, dot, 30, 70)
	require.ErrorIs(t, l.Reserve(alice, dot, big.NewInt(31)), ErrInsufficientBalance)
	require.ErrorIs(t, l.Transfer(alice, bob, dot, big.NewInt(31)), ErrInsufficientBalance)

	require.ErrorIs(t, l.Unreserve(alice, dot, big.NewInt(71)), ErrInsufficientReserved)
	require.NoError(t, l.Unreserve(alice, dot, big.NewInt(20)))
	requireBalance(t, l, alice, dot, 50, 50)
}

func TestRepatriateAndSlashReserved(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Mint(dot, alice, big.NewInt(100)))
	require.NoError(t, l.Reserve(alice, dot, big.NewInt(80)))

	require.NoError(t, l.RepatriateReserved(alice, bob, dot, big.NewInt(30), false))
	require.NoError(t, l.RepatriateReserved(alice, bob, dot, big.NewInt(10), true))
	requireBalance(t, l, alice, dot, 20, 40)
	requireBalance(t, l, bob, dot, 30, 10)
	require.ErrorIs(t, l.RepatriateReserved(alice, bob, dot, big.NewInt(41), false), ErrInsufficientReserved)

	require.NoError(t, l.RepatriateReserved(alice, alice, dot, big.NewInt(5), false))
	requireBalance(t, l, alice, dot, 25, 35)

	slashed, err := l.SlashReserved(alice, dot, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, int64(35), slashed.Int64())
	requireBalance(t, l, alice, dot, 25, 0)
	issued, err := l.TotalIssuance(dot)
	require.NoError(t, err)
	require.Equal(t, int64(65), issued.Int64())
}
