package circuit_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"circuit/codec/recode"
	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/native/accounts"
	"circuit/native/bank"
	"circuit/native/circuit"
	"circuit/native/ethlc"
	"circuit/native/grandpa"
	"circuit/native/grandpa/grandpatest"
	"circuit/native/headers"
	"circuit/native/portal"
	"circuit/native/proofs"
	"circuit/native/sfx"
	"circuit/native/xdns"
)

var (
	self        = types.GatewayID{3, 3, 3, 3}
	pdot        = types.GatewayID{'p', 'd', 'o', 't'}
	ksma        = types.GatewayID{'k', 's', 'm', 'a'}
	executor    = types.AccountFromByte(1)
	requester   = types.AccountFromByte(2)
	beneficiary = types.AccountFromByte(3)
	rival       = types.AccountFromByte(4)
	dot         = types.AssetID(1)
	relayer     = types.SignedOrigin(types.AccountFromByte(9))
)

type reported struct {
	target types.GatewayID
	sfxID  [32]byte
	commit bool
}

type recordingReporter struct {
	calls []reported
	err   error
}

func (r *recordingReporter) RequestSFXCommit(target types.GatewayID, sfxID [32]byte) error {
	r.calls = append(r.calls, reported{target: target, sfxID: sfxID, commit: true})
	return r.err
}

func (r *recordingReporter) RequestSFXRevert(target types.GatewayID, sfxID [32]byte) error {
	r.calls = append(r.calls, reported{target: target, sfxID: sfxID})
	return r.err
}

type fixture struct {
	state    *state.Manager
	engine   *circuit.Engine
	portal   *portal.Portal
	registry *xdns.Registry
	ledger   *bank.Ledger
	accounts *accounts.Manager
	voters   *grandpatest.Voters
	head     grandpa.Header
	block    uint64
	recorder *events.Recorder
	reporter *recordingReporter
}

func newFixture(t *testing.T, cfg circuit.Config) *fixture {
	t.Helper()
	mgr, err := state.NewMemoryManager()
	require.NoError(t, err)
	store := headers.NewStore(mgr, 32, 10)
	p := portal.New(store, grandpa.NewVerifier(store, mgr), ethlc.NewClient(store, mgr), mgr, portal.Config{EmergencyOffset: 40, HeartbeatWindow: 4})
	ledger := bank.NewLedger(mgr)
	registry := xdns.NewRegistry(mgr, p, ledger, self)
	manager := accounts.NewManager(mgr, ledger, accounts.Treasury{
		Escrow:        types.AccountFromByte(0xee),
		SlashTreasury: types.AccountFromByte(0x5a),
	})
	f := &fixture{
		state:    mgr,
		portal:   p,
		registry: registry,
		ledger:   ledger,
		accounts: manager,
		voters:   grandpatest.NewVoters(4, 1, 0),
		head:     grandpatest.Genesis(0),
		recorder: &events.Recorder{},
		reporter: &recordingReporter{},
	}
	record := xdns.GatewayRecord{
		ID:                 pdot,
		Vendor:             uint8(portal.VendorPolkadot),
		Codec:              uint8(recode.SCALE),
		AllowedSideEffects: [][4]byte{sfx.ActionTransfer, sfx.ActionAssetTransfer},
	}
	require.NoError(t, registry.AddGateway(types.RootOrigin(), record, grandpatest.RelayRegistration(f.head, f.voters)))
	require.NoError(t, ledger.Mint(dot, requester, big.NewInt(1000)))
	require.NoError(t, ledger.Mint(dot, executor, big.NewInt(500)))
	require.NoError(t, ledger.Mint(dot, rival, big.NewInt(500)))

	f.engine = circuit.New(mgr, registry, p, manager, cfg)
	f.engine.SetEmitter(f.recorder)
	f.engine.SetBatchReporter(f.reporter)
	clock := func() uint64 { return f.block }
	f.engine.SetClock(clock)
	p.SetClock(clock)
	manager.SetClock(clock)
	return f
}

func (f *fixture) transfer(t *testing.T, to types.AccountID, amount, maxReward int64) sfx.SideEffect {
	t.Helper()
	args, err := sfx.AssetTransferArgs(dot, to[:], big.NewInt(amount))
	require.NoError(t, err)
	return sfx.SideEffect{
		Target:      pdot,
		MaxReward:   big.NewInt(maxReward),
		Insurance:   big.NewInt(50),
		Action:      sfx.ActionAssetTransfer,
		EncodedArgs: args,
		RewardAsset: dot,
	}
}

func (f *fixture) order(t *testing.T, list ...sfx.SideEffect) ([32]byte, [][32]byte) {
	t.Helper()
	id, err := f.engine.OnExtrinsicTrigger(types.SignedOrigin(requester), list, types.SpeedFast)
	require.NoError(t, err)
	ids := make([][32]byte, len(list))
	for i := range list {
		ids[i], err = sfx.ID(id, uint32(i), &list[i])
		require.NoError(t, err)
	}
	return id, ids
}

// prove finalizes a relay block whose events contain payload and returns the
// inclusion proof.
func (f *fixture) prove(t *testing.T, payload []byte) []byte {
	t.Helper()
	relayState := grandpatest.NewRelayState()
	relayState.PutEvents(append([]byte{0x04}, payload...))
	next := grandpatest.Child(&f.head, relayState.Root())
	data := &grandpa.HeaderData{SignedHeader: next, Justification: f.voters.Justify(&next, uint64(next.Number))}
	require.NoError(t, f.portal.SubmitHeaders(relayer, pdot, data.Encode()))
	f.head = next
	proof, err := proofs.Encode(&proofs.RelayInclusionProof{BlockHash: next.Hash(), StorageProof: relayState.EventsProof(), Payload: payload})
	require.NoError(t, err)
	return proof
}

func (f *fixture) status(t *testing.T, id [32]byte) circuit.Status {
	t.Helper()
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	return xtx.Status
}

func (f *fixture) requireBalance(t *testing.T, who types.AccountID, free, reserved int64) {
	t.Helper()
	got, err := f.ledger.Free(who, dot)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(free).String(), got.String(), "free of %s", who.Hex())
	got, err = f.ledger.Reserved(who, dot)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(reserved).String(), got.String(), "reserved of %s", who.Hex())
}

func (f *fixture) advance(t *testing.T, n uint64) {
	t.Helper()
	f.block = n
	require.NoError(t, f.engine.OnInitialize(n))
}

func TestHappyPathLocalTransfer(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))
	require.Equal(t, circuit.StatusPendingBidding, f.status(t, id))
	f.requireBalance(t, requester, 800, 200)
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxReceived), 1)

	f.block = 2
	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(198)))
	require.Equal(t, circuit.StatusInBidding, f.status(t, id))
	f.requireBalance(t, executor, 450, 50)

	f.advance(t, 4)
	require.Equal(t, circuit.StatusReady, f.status(t, id))
	f.requireBalance(t, requester, 802, 198)
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxReady), 1)

	payload, err := sfx.AssetTransferEvent(dot, executor, beneficiary, big.NewInt(100))
	require.NoError(t, err)
	proof := f.prove(t, payload)
	require.NoError(t, f.engine.ConfirmSideEffect(types.SignedOrigin(executor), ids[0], sfx.Confirmation{InclusionData: proof}))

	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusFinishedAllSteps, xtx.Status)
	require.Equal(t, xtx.Steps, xtx.CurrentStep)
	fsx, _, err := f.engine.SideEffect(ids[0])
	require.NoError(t, err)
	require.NotNil(t, fsx.Confirmed)
	require.Equal(t, executor, fsx.Confirmed.Executor)
	require.Len(t, f.recorder.Find(circuit.EventTypeSideEffectConfirmed), 1)
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxFinished), 1)

	f.requireBalance(t, requester, 802, 0)
	f.requireBalance(t, executor, 500, 0)
	// Executors are paid their winning bid. The 2 left of the max reward was
	// returned to the requester when bidding closed.
	pending, err := f.accounts.PendingRewards(executor, dot)
	require.NoError(t, err)
	require.Equal(t, "198", pending.String())

	require.Equal(t, 1, f.accounts.DistributeSettlements(32))
	f.requireBalance(t, executor, 698, 0)
	require.Empty(t, f.reporter.calls)

	err = f.engine.ConfirmSideEffect(types.SignedOrigin(executor), ids[0], sfx.Confirmation{InclusionData: proof})
	require.ErrorIs(t, err, circuit.ErrInvalidXtxStatus)
}

func TestNoBidsDropsAtBidding(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, _ := f.order(t, f.transfer(t, beneficiary, 100, 200))

	f.advance(t, 3)
	require.Equal(t, circuit.StatusPendingBidding, f.status(t, id))
	f.advance(t, 4)

	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusKilled, xtx.Status)
	require.Equal(t, circuit.CauseDroppedAtBidding, xtx.Cause)
	f.requireBalance(t, requester, 1000, 0)
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxDropped), 1)

	err = f.engine.Revert(types.RootOrigin(), id)
	require.ErrorIs(t, err, circuit.ErrXtxAlreadyFinalized)
}

func TestPartialBidsTimeOutAndRefund(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200), f.transfer(t, rival, 5, 20))
	f.requireBalance(t, requester, 780, 220)

	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(150)))
	f.requireBalance(t, executor, 430, 70)

	f.advance(t, 4)
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusKilled, xtx.Status)
	require.Equal(t, circuit.CauseTimeout, xtx.Cause)
	f.requireBalance(t, requester, 1000, 0)
	f.requireBalance(t, executor, 500, 0)
}

func TestBidRules(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	enforced := f.transfer(t, beneficiary, 1, 30)
	bound := executor
	enforced.EnforceExecutor = &bound
	_, ids := f.order(t, f.transfer(t, beneficiary, 100, 200), enforced)
	bid := func(who types.AccountID, sfxID [32]byte, amount int64) error {
		return f.engine.Bid(types.SignedOrigin(who), sfxID, big.NewInt(amount))
	}

	require.ErrorIs(t, bid(executor, ids[0], 201), circuit.ErrBidTooHigh)
	require.ErrorIs(t, bid(executor, ids[0], 0), circuit.ErrBidBelowDust)
	require.ErrorIs(t, bid(rival, ids[1], 10), circuit.ErrExecutorNotEnforced)
	require.ErrorIs(t, bid(types.AccountFromByte(7), ids[0], 100), circuit.ErrExecutorInsufficientBalance)
	require.ErrorIs(t, f.engine.Bid(types.SignedOrigin(executor), [32]byte{1}, big.NewInt(5)), circuit.ErrSideEffectNotFound)

	// optimistic side effects bond the other optimistic max rewards
	require.NoError(t, bid(executor, ids[0], 150))
	f.requireBalance(t, executor, 420, 80)
	require.ErrorIs(t, bid(rival, ids[0], 160), circuit.ErrBetterBidFound)
	require.ErrorIs(t, bid(rival, ids[0], 150), circuit.ErrBetterBidFound)

	require.NoError(t, bid(rival, ids[0], 140))
	f.requireBalance(t, executor, 500, 0)
	f.requireBalance(t, rival, 420, 80)
	fsx, _, err := f.engine.SideEffect(ids[0])
	require.NoError(t, err)
	require.Equal(t, rival, fsx.BestBid.Executor)
	require.Equal(t, "30", fsx.BestBid.ReservedBond.String())
	require.Len(t, f.recorder.Find(circuit.EventTypeNewBid), 2)

	f.block = 4
	require.ErrorIs(t, bid(executor, ids[0], 100), circuit.ErrBiddingInactive)
}

func TestCancelBeforeBids(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))

	require.ErrorIs(t, f.engine.Cancel(types.SignedOrigin(rival), id), circuit.ErrUnauthorizedCancellation)
	require.NoError(t, f.engine.Cancel(types.SignedOrigin(requester), id))
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusKilled, xtx.Status)
	require.Equal(t, circuit.CauseIntentionalKill, xtx.Cause)
	f.requireBalance(t, requester, 1000, 0)
	require.Len(t, f.recorder.Find(circuit.EventTypeCancelled), 1)
	require.ErrorIs(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(10)), circuit.ErrBiddingInactive)

	id, ids = f.order(t, f.transfer(t, beneficiary, 100, 200))
	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(100)))
	require.ErrorIs(t, f.engine.Cancel(types.SignedOrigin(requester), id), circuit.ErrUnauthorizedCancellation)
}

func TestRevertSlashesUnconfirmedOptimisticBid(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))
	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(198)))
	f.advance(t, 4)

	require.ErrorIs(t, f.engine.Revert(types.SignedOrigin(requester), id), types.ErrBadOrigin)
	require.NoError(t, f.engine.Revert(types.RootOrigin(), id))
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusReverted, xtx.Status)
	require.Equal(t, circuit.CauseIntentionalKill, xtx.Cause)
	f.requireBalance(t, requester, 1050, 0)
	f.requireBalance(t, executor, 450, 0)
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxReverted), 1)

	require.ErrorIs(t, f.engine.Revert(types.RootOrigin(), id), circuit.ErrXtxAlreadyFinalized)
}

func TestEmergencyTimeoutReverts(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))
	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(198)))
	f.advance(t, 4)

	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	deadline := xtx.Timeouts.EmergencyTimeoutHere
	require.Equal(t, uint64(401), deadline)

	f.advance(t, deadline-1)
	require.Equal(t, circuit.StatusReady, f.status(t, id))
	f.advance(t, deadline)
	xtx, err = f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusReverted, xtx.Status)
	require.Equal(t, circuit.CauseTimeout, xtx.Cause)
	f.requireBalance(t, requester, 1050, 0)
}

func TestHaltedTargetParksInDLQ(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))
	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(198)))
	f.advance(t, 4)

	payload, err := sfx.AssetTransferEvent(dot, executor, beneficiary, big.NewInt(100))
	require.NoError(t, err)
	proof := f.prove(t, payload)

	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, false))
	err = f.engine.ConfirmSideEffect(types.SignedOrigin(executor), ids[0], sfx.Confirmation{InclusionData: proof})
	require.ErrorIs(t, err, circuit.ErrConfirmationFailed)

	f.advance(t, 401)
	require.Equal(t, circuit.StatusReady, f.status(t, id))
	dlq, err := f.engine.DLQ()
	require.NoError(t, err)
	require.Equal(t, [][32]byte{id}, dlq)
	entry, err := f.engine.DLQEntry(id)
	require.NoError(t, err)
	require.Equal(t, uint64(401), entry.Block)
	require.Equal(t, []types.GatewayID{pdot}, entry.Targets)
	require.Equal(t, types.SpeedFinalized, entry.Speed)
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.True(t, xtx.Timeouts.HasDLQ)
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxDLQ), 1)

	f.advance(t, 500)
	require.Equal(t, circuit.StatusReady, f.status(t, id))

	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, true))
	require.NoError(t, f.engine.ConfirmSideEffect(types.SignedOrigin(executor), ids[0], sfx.Confirmation{InclusionData: proof}))
	require.Equal(t, circuit.StatusFinishedAllSteps, f.status(t, id))
	dlq, err = f.engine.DLQ()
	require.NoError(t, err)
	require.Empty(t, dlq)
	_, err = f.engine.DLQEntry(id)
	require.ErrorIs(t, err, circuit.ErrXtxNotFound)
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxDLQResolved), 1)
}

func TestDLQDrainsWhenTargetsResume(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))
	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(198)))
	f.advance(t, 4)

	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, false))
	f.advance(t, 401)
	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, true))
	f.advance(t, 402)

	dlq, err := f.engine.DLQ()
	require.NoError(t, err)
	require.Empty(t, dlq)
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.False(t, xtx.Timeouts.HasDLQ)
	require.Equal(t, uint64(802), xtx.Timeouts.EmergencyTimeoutHere)

	f.advance(t, 802)
	require.Equal(t, circuit.StatusReverted, f.status(t, id))
}

func TestConfirmationChecks(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))

	err := f.engine.ConfirmSideEffect(types.SignedOrigin(executor), ids[0], sfx.Confirmation{})
	require.ErrorIs(t, err, circuit.ErrInvalidXtxStatus)

	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(198)))
	f.advance(t, 4)

	err = f.engine.ConfirmSideEffect(types.SignedOrigin(rival), ids[0], sfx.Confirmation{})
	require.ErrorIs(t, err, circuit.ErrConfirmationUnauthorized)

	wrong, err := sfx.AssetTransferEvent(dot, executor, rival, big.NewInt(100))
	require.NoError(t, err)
	err = f.engine.ConfirmSideEffect(types.SignedOrigin(executor), ids[0], sfx.Confirmation{InclusionData: f.prove(t, wrong)})
	require.ErrorIs(t, err, circuit.ErrConfirmationFailed)
	require.Equal(t, circuit.StatusReady, f.status(t, id))

	require.ErrorIs(t, f.engine.OnSFXResolved(types.SignedOrigin(executor), ids[0], sfx.Confirmation{}), types.ErrBadOrigin)
	require.NoError(t, f.engine.OnSFXResolved(types.RootOrigin(), ids[0], sfx.Confirmation{}))
	require.Equal(t, circuit.StatusFinishedAllSteps, f.status(t, id))
}

func TestEscrowStepRunsFirst(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	escrow := types.AccountFromByte(0xe5)
	record := xdns.GatewayRecord{
		ID:                 ksma,
		Vendor:             uint8(portal.VendorKusama),
		Codec:              uint8(recode.SCALE),
		EscrowAccount:      &escrow,
		AllowedSideEffects: [][4]byte{sfx.ActionAssetTransfer},
	}
	require.NoError(t, f.registry.AddGateway(types.RootOrigin(), record, grandpatest.ParachainRegistration(pdot, 2)))

	f.block = 1
	optimistic := f.transfer(t, beneficiary, 100, 200)
	escrowed := f.transfer(t, beneficiary, 7, 40)
	escrowed.Target = ksma
	id, ids := f.order(t, optimistic, escrowed)

	fsxs, err := f.engine.SideEffects(id)
	require.NoError(t, err)
	require.Equal(t, sfx.SecurityEscrow, fsxs[0].SecurityLvl)
	require.Equal(t, uint32(1), fsxs[0].Index)
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, uint32(2), xtx.Steps)

	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(150)))
	require.NoError(t, f.engine.Bid(types.SignedOrigin(rival), ids[1], big.NewInt(30)))
	f.requireBalance(t, executor, 450, 50)
	f.requireBalance(t, rival, 450, 50)
	f.advance(t, 4)

	err = f.engine.OnSFXResolved(types.RootOrigin(), ids[0], sfx.Confirmation{})
	require.ErrorIs(t, err, circuit.ErrSideEffectNotInCurrentStep)

	require.NoError(t, f.engine.OnSFXResolved(types.RootOrigin(), ids[1], sfx.Confirmation{}))
	xtx, err = f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusFinished, xtx.Status)
	require.Equal(t, uint32(1), xtx.CurrentStep)
	require.Len(t, f.recorder.Find(circuit.EventTypeStepFinished), 1)

	require.NoError(t, f.engine.OnSFXResolved(types.RootOrigin(), ids[0], sfx.Confirmation{}))
	require.Equal(t, circuit.StatusFinishedAllSteps, f.status(t, id))
	require.Equal(t, []reported{{target: ksma, sfxID: ids[1], commit: true}}, f.reporter.calls)

	require.Equal(t, 2, f.accounts.DistributeSettlements(32))
	f.requireBalance(t, executor, 650, 0)
	f.requireBalance(t, rival, 530, 0)
	f.requireBalance(t, requester, 820, 0)
}

func TestBatchReporterErrorFailsCommit(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.reporter.err = errors.New("batch store unavailable")
	f.block = 1
	list := []sfx.SideEffect{f.transfer(t, beneficiary, 100, 200)}
	id, err := f.engine.OnRemoteOriginTrigger(requester, ksma, list, types.SpeedFast)
	require.NoError(t, err)
	sfxID, err := sfx.ID(id, 0, &list[0])
	require.NoError(t, err)

	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), sfxID, big.NewInt(120)))
	f.advance(t, 4)
	err = f.engine.OnSFXResolved(types.RootOrigin(), sfxID, sfx.Confirmation{})
	require.ErrorContains(t, err, "batch store unavailable")
	require.Len(t, f.reporter.calls, 1)
}

func TestRemoteOriginReportsToOrigin(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	list := []sfx.SideEffect{f.transfer(t, beneficiary, 100, 200)}
	id, err := f.engine.OnRemoteOriginTrigger(requester, ksma, list, types.SpeedFast)
	require.NoError(t, err)
	f.requireBalance(t, requester, 1000, 0)
	sfxID, err := sfx.ID(id, 0, &list[0])
	require.NoError(t, err)

	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), sfxID, big.NewInt(120)))
	f.advance(t, 4)
	require.NoError(t, f.engine.OnSFXResolved(types.RootOrigin(), sfxID, sfx.Confirmation{}))
	require.Equal(t, circuit.StatusFinishedAllSteps, f.status(t, id))
	require.Equal(t, []reported{{target: ksma, sfxID: sfxID, commit: true}}, f.reporter.calls)
	f.requireBalance(t, executor, 500, 0)
	f.requireBalance(t, requester, 1000, 0)
}

func TestSignalQueue(t *testing.T) {
	cfg := circuit.DefaultConfig()
	cfg.SignalQueueDepth = 1
	f := newFixture(t, cfg)
	f.block = 1
	id, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))
	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(198)))

	require.ErrorIs(t, f.engine.Signal(types.SignedOrigin(rival), id, circuit.SignalKill), circuit.ErrUnauthorizedCancellation)
	require.NoError(t, f.engine.Signal(types.SignedOrigin(requester), id, circuit.SignalKill))
	require.ErrorIs(t, f.engine.Signal(types.SignedOrigin(requester), id, circuit.SignalKill), circuit.ErrSignalQueueFull)

	f.advance(t, 2)
	xtx, err := f.engine.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusKilled, xtx.Status)
	require.Equal(t, circuit.CauseIntentionalKill, xtx.Cause)
	f.requireBalance(t, requester, 1000, 0)
	f.requireBalance(t, executor, 500, 0)
	queue, err := f.engine.Signals()
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestSetupValidation(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	_, err := f.engine.OnExtrinsicTrigger(types.SignedOrigin(requester), nil, types.SpeedFast)
	require.ErrorIs(t, err, circuit.ErrSetupFailedEmptyXtx)

	unknown := f.transfer(t, beneficiary, 1, 10)
	unknown.Target = types.GatewayID{'n', 'o', 'p', 'e'}
	_, err = f.engine.OnExtrinsicTrigger(types.SignedOrigin(requester), []sfx.SideEffect{unknown}, types.SpeedFast)
	require.ErrorIs(t, err, xdns.ErrGatewayNotFound)

	swap := f.transfer(t, beneficiary, 1, 10)
	swap.Action = sfx.ActionSwap
	_, err = f.engine.OnExtrinsicTrigger(types.SignedOrigin(requester), []sfx.SideEffect{swap}, types.SpeedFast)
	require.ErrorIs(t, err, sfx.ErrDisallowedByTarget)

	mixed := f.transfer(t, beneficiary, 1, 10)
	mixed.RewardAsset = 2
	_, err = f.engine.OnExtrinsicTrigger(types.SignedOrigin(requester), []sfx.SideEffect{f.transfer(t, beneficiary, 1, 10), mixed}, types.SpeedFast)
	require.ErrorIs(t, err, circuit.ErrSetupFailedRewardAsset)

	_, err = f.engine.OnExtrinsicTrigger(types.SignedOrigin(requester), []sfx.SideEffect{f.transfer(t, beneficiary, 1, 2000)}, types.SpeedFast)
	require.ErrorIs(t, err, circuit.ErrRequesterNotEnoughBalance)
	f.requireBalance(t, requester, 1000, 0)

	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, false))
	_, err = f.engine.OnExtrinsicTrigger(types.SignedOrigin(requester), []sfx.SideEffect{f.transfer(t, beneficiary, 1, 10)}, types.SpeedFast)
	require.ErrorIs(t, err, circuit.ErrTargetNotActive)

	nonce, err := f.engine.Nonce(requester)
	require.NoError(t, err)
	require.Zero(t, nonce)
}

func TestSFXParties(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	f.block = 1
	_, ids := f.order(t, f.transfer(t, beneficiary, 100, 200))

	req, exec, err := f.engine.SFXParties(ids[0])
	require.NoError(t, err)
	require.Equal(t, requester, req)
	require.True(t, exec.IsZero())

	require.NoError(t, f.engine.Bid(types.SignedOrigin(executor), ids[0], big.NewInt(150)))
	_, exec, err = f.engine.SFXParties(ids[0])
	require.NoError(t, err)
	require.Equal(t, executor, exec)

	_, _, err = f.engine.SFXParties([32]byte{0xff})
	require.ErrorIs(t, err, circuit.ErrSideEffectNotFound)
}
