package vacuum_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"circuit/codec/recode"
	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/native/accounts"
	"circuit/native/bank"
	"circuit/native/circuit"
	"circuit/native/ethlc"
	"circuit/native/ethlc/ethlctest"
	"circuit/native/grandpa"
	"circuit/native/grandpa/grandpatest"
	"circuit/native/headers"
	"circuit/native/portal"
	"circuit/native/proofs"
	"circuit/native/sfx"
	"circuit/native/vacuum"
	"circuit/native/xdns"
)

var (
	self        = types.GatewayID{3, 3, 3, 3}
	pdot        = types.GatewayID{'p', 'd', 'o', 't'}
	eth2        = types.GatewayID{'e', 't', 'h', '2'}
	requester   = types.AccountFromByte(2)
	executor    = types.AccountFromByte(1)
	beneficiary = types.AccountFromByte(3)
	relayer     = types.SignedOrigin(types.AccountFromByte(9))
	orderBook   = common.HexToAddress("0x00000000000000000000000000000000000e5c01")
	usdc        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	dot         = types.AssetID(1)
)

type fixture struct {
	vacuum     *vacuum.Engine
	circuit    *circuit.Engine
	registry   *xdns.Registry
	portal     *portal.Portal
	ledger     *bank.Ledger
	committee  *ethlctest.Committee
	checkpoint *gethtypes.Header
	recorder   *events.Recorder
	block      uint64
}

func newFixture(t *testing.T) *fixture {
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
		registry:   registry,
		portal:     p,
		ledger:     ledger,
		committee:  ethlctest.NewCommittee(4, 0),
		checkpoint: ethlctest.Header(common.Hash{0x01}, 100, gethtypes.EmptyReceiptsHash),
		recorder:   &events.Recorder{},
	}
	voters := grandpatest.NewVoters(4, 1, 0)
	require.NoError(t, registry.AddGateway(types.RootOrigin(), xdns.GatewayRecord{
		ID:                 pdot,
		Vendor:             uint8(portal.VendorPolkadot),
		Codec:              uint8(recode.SCALE),
		AllowedSideEffects: [][4]byte{sfx.ActionAssetTransfer},
	}, grandpatest.RelayRegistration(grandpatest.Genesis(0), voters)))
	require.NoError(t, registry.AddGateway(types.RootOrigin(), xdns.GatewayRecord{
		ID:                  eth2,
		Vendor:              uint8(portal.VendorEthereum),
		Codec:               uint8(recode.RLP),
		AllowedSideEffects:  [][4]byte{sfx.ActionAssetTransfer, sfx.ActionCallEVM},
		RemoteOrderContract: orderBook.Bytes(),
	}, ethlctest.Registration(f.checkpoint, f.committee)))
	zero := common.Address{}
	require.NoError(t, registry.AddToken(types.RootOrigin(), xdns.TokenRecord{AssetID: dot, Gateway: self, Symbol: "DOT", Address: &zero, Mintable: true}))
	require.NoError(t, registry.AddToken(types.RootOrigin(), xdns.TokenRecord{AssetID: 7, Gateway: eth2, Symbol: "USDC", Address: &usdc}))
	require.NoError(t, ledger.Mint(dot, requester, big.NewInt(1000)))

	f.circuit = circuit.New(mgr, registry, p, manager, circuit.DefaultConfig())
	clock := func() uint64 { return f.block }
	f.circuit.SetClock(clock)
	p.SetClock(clock)
	manager.SetClock(clock)
	f.vacuum = vacuum.New(mgr, f.circuit, registry, p)
	f.vacuum.SetEmitter(f.recorder)
	return f
}

// prove finalizes an Ethereum block holding a remote order log emitted by
// emitter and returns its receipt proof.
func (f *fixture) prove(t *testing.T, emitter common.Address, evt *vacuum.RemoteOrderEvent) []byte {
	t.Helper()
	data, err := vacuum.EncodeRemoteOrder(evt)
	require.NoError(t, err)
	receipts := ethlctest.NewReceipts(ethlctest.Receipt(&gethtypes.Log{
		Address: emitter,
		Topics:  []common.Hash{vacuum.RemoteOrderTopic},
		Data:    data,
	}))
	block := ethlctest.Header(f.checkpoint.Hash(), f.checkpoint.Number.Uint64()+1, receipts.Root())
	update, err := rlp.EncodeToBytes(ethlctest.Update([]*gethtypes.Header{block}, f.committee, 3, nil))
	require.NoError(t, err)
	require.NoError(t, f.portal.SubmitHeaders(relayer, eth2, update))
	f.checkpoint = block
	return receipts.Proof(block.Hash(), 0, 0)
}

func (f *fixture) requireBalance(t *testing.T, who types.AccountID, asset types.AssetID, free int64) {
	t.Helper()
	got, err := f.ledger.Free(who, asset)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(free).String(), got.String(), "free of %s", who.Hex())
}

func bridgeOrder(nonce uint32, amount, maxReward int64) *vacuum.RemoteOrderEvent {
	return &vacuum.RemoteOrderEvent{
		Sender:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Destination:   self,
		RewardAsset:   common.Address{},
		TargetAccount: beneficiary,
		Amount:        big.NewInt(amount),
		Insurance:     big.NewInt(0),
		MaxReward:     big.NewInt(maxReward),
		Nonce:         nonce,
	}
}

func TestRemoteBridgeOrderMints(t *testing.T) {
	f := newFixture(t)
	proof := f.prove(t, orderBook, bridgeOrder(1, 100, 100))

	id, err := f.vacuum.RemoteOrder(types.SignedOrigin(executor), proof, eth2, types.SpeedFast)
	require.NoError(t, err)
	require.Equal(t, [32]byte{}, id)
	f.requireBalance(t, executor, dot, 100)
	f.requireBalance(t, beneficiary, dot, 0)
	require.Len(t, f.recorder.Find(vacuum.EventTypeRemoteBridged), 1)

	_, err = f.vacuum.RemoteOrder(types.SignedOrigin(executor), proof, eth2, types.SpeedFast)
	require.ErrorIs(t, err, vacuum.ErrOrderAlreadyProcessed)
	f.requireBalance(t, executor, dot, 100)
}

func TestRemoteBridgeOrderSplitsAmount(t *testing.T) {
	f := newFixture(t)
	proof := f.prove(t, orderBook, bridgeOrder(2, 250, 40))
	_, err := f.vacuum.RemoteOrder(types.SignedOrigin(executor), proof, eth2, types.SpeedFast)
	require.NoError(t, err)
	f.requireBalance(t, executor, dot, 40)
	f.requireBalance(t, beneficiary, dot, 210)

	proof = f.prove(t, orderBook, bridgeOrder(3, 10, 40))
	_, err = f.vacuum.RemoteOrder(types.SignedOrigin(executor), proof, eth2, types.SpeedFast)
	require.ErrorIs(t, err, vacuum.ErrUnderflow)
}

func TestRemoteOrderRejectsForeignEmitter(t *testing.T) {
	f := newFixture(t)
	proof := f.prove(t, common.Address{0x42}, bridgeOrder(1, 100, 100))
	_, err := f.vacuum.RemoteOrder(types.SignedOrigin(executor), proof, eth2, types.SpeedFast)
	require.ErrorIs(t, err, proofs.ErrUnexpectedSource)
	f.requireBalance(t, executor, dot, 0)

	_, err = f.vacuum.RemoteOrder(types.RootOrigin(), proof, eth2, types.SpeedFast)
	require.ErrorIs(t, err, types.ErrBadOrigin)
}

func TestRemoteOrderForwardsToCircuit(t *testing.T) {
	f := newFixture(t)
	f.block = 5
	evt := &vacuum.RemoteOrderEvent{
		Sender:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Destination:   pdot,
		RewardAsset:   usdc,
		TargetAccount: beneficiary,
		Amount:        big.NewInt(60),
		Insurance:     big.NewInt(5),
		MaxReward:     big.NewInt(20),
		Nonce:         9,
	}
	id, err := f.vacuum.RemoteOrder(types.SignedOrigin(executor), f.prove(t, orderBook, evt), eth2, types.SpeedFast)
	require.NoError(t, err)

	xtx, err := f.circuit.Xtx(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusPendingBidding, xtx.Status)
	require.Equal(t, vacuum.RemoteRequester(9), xtx.Requester)
	require.NotNil(t, xtx.RemoteOrigin)
	require.Equal(t, eth2, *xtx.RemoteOrigin)

	fsxs, err := f.circuit.SideEffects(id)
	require.NoError(t, err)
	require.Len(t, fsxs, 1)
	require.Equal(t, sfx.ActionAssetTransfer, fsxs[0].Input.Action)
	require.Equal(t, types.AssetID(7), fsxs[0].Input.RewardAsset)
	require.Equal(t, "20", fsxs[0].Input.MaxReward.String())
	require.Len(t, f.recorder.Find(vacuum.EventTypeRemoteForwarded), 1)

	evt.RewardAsset = common.Address{0x77}
	evt.Nonce = 10
	_, err = f.vacuum.RemoteOrder(types.SignedOrigin(executor), f.prove(t, orderBook, evt), eth2, types.SpeedFast)
	require.ErrorIs(t, err, vacuum.ErrUnknownRewardAsset)
}

func TestLocalOrderAndStatus(t *testing.T) {
	f := newFixture(t)
	f.block = 1
	id, err := f.vacuum.SingleOrder(types.SignedOrigin(requester), beneficiary[:], dot, big.NewInt(100), dot, big.NewInt(200), big.NewInt(50), pdot, types.SpeedFast)
	require.NoError(t, err)
	f.requireBalance(t, requester, dot, 800)

	status, err := f.vacuum.ReadOrderStatus(id)
	require.NoError(t, err)
	require.Equal(t, id, status.XtxID)
	require.Equal(t, circuit.StatusPendingBidding.String(), status.Status)
	require.Len(t, status.SideEffects, 1)
	require.False(t, status.SideEffects[0].Confirmed)
	require.True(t, status.SideEffects[0].Executor.IsZero())

	require.NoError(t, f.circuit.Bid(types.SignedOrigin(requester), status.SideEffects[0].ID, big.NewInt(150)))
	status, err = f.vacuum.ReadOrderStatus(id)
	require.NoError(t, err)
	require.Equal(t, requester, status.SideEffects[0].Executor)
	require.Equal(t, "150", status.SideEffects[0].Bid.String())
	require.Len(t, f.recorder.Find(vacuum.EventTypeOrderStatusRead), 2)
}

func TestOrderValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.vacuum.Order(types.SignedOrigin(requester), nil, types.SpeedFast)
	require.ErrorIs(t, err, vacuum.ErrEmptyOrder)

	_, err = f.vacuum.Order(types.SignedOrigin(requester), []vacuum.OrderSFX{{
		Action:    vacuum.OrderAction{Kind: vacuum.ActionCall, Target: eth2, Destination: []byte{1, 2}},
		MaxReward: big.NewInt(10),
	}}, types.SpeedFast)
	require.ErrorIs(t, err, vacuum.ErrInvalidOrder)

	order := vacuum.OrderSFX{
		Action:      vacuum.OrderAction{Kind: vacuum.ActionCall, Target: eth2, Destination: usdc.Bytes(), Amount: big.NewInt(1), Input: []byte{0xca, 0xfe}},
		MaxReward:   big.NewInt(10),
		Insurance:   big.NewInt(1),
		RewardAsset: dot,
	}
	s, err := order.SideEffect()
	require.NoError(t, err)
	require.Equal(t, sfx.ActionCallEVM, s.Action)
	require.Equal(t, usdc.Bytes(), s.EncodedArgs[0])
	require.Equal(t, []byte{0xca, 0xfe}, s.EncodedArgs[2])
}

func TestRemoteRequester(t *testing.T) {
	id := vacuum.RemoteRequester(0x01020304)
	require.Equal(t, make([]byte, 28), id[:28])
	require.Equal(t, []byte{1, 2, 3, 4}, id[28:])
}
