package portal_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/native/ethlc"
	"circuit/native/ethlc/ethlctest"
	"circuit/native/grandpa"
	"circuit/native/grandpa/grandpatest"
	"circuit/native/headers"
	"circuit/native/portal"
	"circuit/native/proofs"
)

var (
	pdot   = types.GatewayID{'p', 'd', 'o', 't'}
	moon   = types.GatewayID{'m', 'o', 'o', 'n'}
	eth2   = types.GatewayID{'e', 't', 'h', '2'}
	signer = types.SignedOrigin(types.AccountFromByte(5))
)

type fixture struct {
	portal   *portal.Portal
	verifier *grandpa.Verifier
	store    *headers.Store
	voters   *grandpatest.Voters
	genesis  grandpa.Header
	block    uint64
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := state.NewMemoryManager()
	require.NoError(t, err)
	store := headers.NewStore(mgr, 32, 10)
	verifier := grandpa.NewVerifier(store, mgr)
	p := portal.New(store, verifier, ethlc.NewClient(store, mgr), mgr, portal.Config{EmergencyOffset: 40, HeartbeatWindow: 2})
	f := &fixture{
		portal:   p,
		verifier: verifier,
		store:    store,
		voters:   grandpatest.NewVoters(4, 1, 0),
		genesis:  grandpatest.Genesis(0),
		recorder: &events.Recorder{},
	}
	p.SetEmitter(f.recorder)
	p.SetClock(func() uint64 { return f.block })
	require.NoError(t, p.Register(types.RootOrigin(), pdot, portal.VendorPolkadot, grandpatest.RelayRegistration(f.genesis, f.voters)))
	return f
}

func (f *fixture) finalize(t *testing.T, chain []grandpa.Header) {
	t.Helper()
	last := chain[len(chain)-1]
	data := &grandpa.HeaderData{
		Range:         chain[:len(chain)-1],
		SignedHeader:  last,
		Justification: f.voters.Justify(&last, uint64(last.Number)),
	}
	require.NoError(t, f.portal.SubmitHeaders(signer, pdot, data.Encode()))
}

func TestVendorFinalityOffsets(t *testing.T) {
	cases := []struct {
		vendor portal.Vendor
		speed  types.SpeedMode
		want   uint64
	}{
		{portal.VendorPolkadot, types.SpeedFast, 4},
		{portal.VendorKusama, types.SpeedRational, 6},
		{portal.VendorRococo, types.SpeedFinalized, 8},
		{portal.VendorEthereum, types.SpeedFast, 32},
		{portal.VendorSepolia, types.SpeedRational, 64},
		{portal.VendorEthereum, types.SpeedFinalized, 96},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.vendor.FinalityOffset(tc.speed), "%s/%s", tc.vendor, tc.speed)
	}
	v, err := portal.ParseVendor("Sepolia")
	require.NoError(t, err)
	require.Equal(t, portal.VendorSepolia, v)
	_, err = portal.ParseVendor("bitcoin")
	require.ErrorIs(t, err, portal.ErrUnknownVendor)
}

func TestRegisterRoutesByVendor(t *testing.T) {
	f := newFixture(t)

	vendor, err := f.portal.Vendor(pdot)
	require.NoError(t, err)
	require.Equal(t, portal.VendorPolkadot, vendor)
	require.Len(t, f.recorder.Find(portal.EventTypeGatewayRegistered), 1)

	require.NoError(t, f.portal.Register(types.RootOrigin(), moon, portal.VendorKusama, grandpatest.ParachainRegistration(pdot, 2)))
	record, err := f.store.Gateway(moon)
	require.NoError(t, err)
	require.Equal(t, headers.KindParachain, record.GatewayKind())

	committee := ethlctest.NewCommittee(3, 0)
	checkpoint := ethlctest.Header(common.Hash{}, 10, gethtypes.EmptyReceiptsHash)
	require.NoError(t, f.portal.Register(types.RootOrigin(), eth2, portal.VendorEthereum, ethlctest.Registration(checkpoint, committee)))
	height, err := f.portal.LatestFinalizedHeight(eth2)
	require.NoError(t, err)
	require.Equal(t, uint64(10), height)

	err = f.portal.Register(types.RootOrigin(), types.GatewayID{9}, portal.Vendor(42), nil)
	require.ErrorIs(t, err, portal.ErrUnknownVendor)
	_, err = f.portal.Vendor(types.GatewayID{9})
	require.ErrorIs(t, err, portal.ErrGatewayNotRegistered)

	offset, err := f.portal.FinalityOffset(eth2, types.SpeedRational)
	require.NoError(t, err)
	require.Equal(t, uint64(64), offset)
}

func TestHeartbeatEstimates(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, uint64(40), f.portal.EstimateLocalBlocks(pdot, 8))

	chain := grandpatest.Chain(&f.genesis, 8)
	f.block = 6
	f.finalize(t, chain[:4])
	require.Equal(t, uint64(12), f.portal.EstimateLocalBlocks(pdot, 8))

	f.block = 8
	f.finalize(t, chain[4:8])
	hb, err := f.portal.Heartbeat(pdot)
	require.NoError(t, err)
	require.Equal(t, uint64(8), hb.RemoteHeight)
	require.Equal(t, []portal.Sample{{Local: 6, Remote: 4}, {Local: 2, Remote: 4}}, hb.Samples)
	require.Equal(t, uint64(4), f.portal.EstimateLocalBlocks(pdot, 4))

	local, remote, err := f.portal.Offsets(pdot, types.SpeedFinalized)
	require.NoError(t, err)
	require.Equal(t, uint64(8), remote)
	require.Equal(t, uint64(8), local)

	f.block = 9
	next := grandpatest.Chain(&chain[7], 1)
	f.finalize(t, next)
	hb, err = f.portal.Heartbeat(pdot)
	require.NoError(t, err)
	require.Len(t, hb.Samples, 2)
	require.Equal(t, portal.Sample{Local: 1, Remote: 1}, hb.Samples[1])

	require.Equal(t, uint64(40), f.portal.EstimateLocalBlocks(moon, 4))
	require.Len(t, f.recorder.Find(portal.EventTypeHeartbeat), 4)
}

func TestSubmitHeadersToParachainAndRange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.portal.Register(types.RootOrigin(), moon, portal.VendorPolkadot, grandpatest.ParachainRegistration(pdot, 0)))

	paraHead := grandpatest.Genesis(700)
	relayState := grandpatest.NewRelayState()
	relayState.PutParaHead(0, &paraHead)
	chain := grandpatest.Chain(&f.genesis, 3)
	chain[2] = grandpatest.Child(&chain[1], relayState.Root())
	j := f.voters.Justify(&chain[2], 1)
	require.NoError(t, f.verifier.SubmitFinalityProof(signer, pdot, &chain[2], &j))

	payload, err := proofs.Encode(&proofs.ParachainHeaderProof{RelayBlockHash: chain[2].Hash(), Proof: relayState.ParaHeadProof(0)})
	require.NoError(t, err)
	require.NoError(t, f.portal.SubmitHeaders(signer, moon, payload))
	height, err := f.portal.LatestFinalizedHeight(moon)
	require.NoError(t, err)
	require.Equal(t, uint64(700), height)

	reverse := [][]byte{chain[1].Encode(), chain[0].Encode()}
	stored, err := f.portal.SubmitHeaderRange(signer, pdot, reverse, chain[2].Hash())
	require.NoError(t, err)
	require.Equal(t, 2, stored)
	require.True(t, f.store.IsKnown(pdot, chain[0].Hash()))

	_, err = f.portal.SubmitHeaderRange(signer, pdot, [][]byte{{0x01}}, chain[2].Hash())
	require.ErrorIs(t, err, portal.ErrHeaderDecoding)
}

func TestVerifyEventInclusionSubstrate(t *testing.T) {
	f := newFixture(t)
	payload := []byte{4, 2, 0xca, 0xfe}
	relayState := grandpatest.NewRelayState()
	relayState.PutEvents(append([]byte{0x04}, payload...))
	h1 := grandpatest.Child(&f.genesis, relayState.Root())
	f.finalize(t, []grandpa.Header{h1})

	proof, err := proofs.Encode(&proofs.RelayInclusionProof{BlockHash: h1.Hash(), StorageProof: relayState.EventsProof(), Payload: payload})
	require.NoError(t, err)
	inclusion, err := f.portal.VerifyEventInclusion(pdot, types.SpeedFast, nil, proof)
	require.NoError(t, err)
	require.Equal(t, uint64(1), inclusion.Height)
	require.Equal(t, payload, inclusion.Message)

	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, false))
	require.False(t, f.portal.IsOperational(pdot))
	_, err = f.portal.VerifyEventInclusion(pdot, types.SpeedFast, nil, proof)
	require.ErrorIs(t, err, headers.ErrHalted)
	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, true))
	require.True(t, f.portal.IsOperational(pdot))

	_, err = f.portal.VerifyEventInclusion(moon, types.SpeedFast, nil, proof)
	require.ErrorIs(t, err, portal.ErrGatewayNotRegistered)
}

func TestEthereumThroughPortal(t *testing.T) {
	f := newFixture(t)
	committee := ethlctest.NewCommittee(4, 7)
	checkpoint := ethlctest.Header(common.Hash{}, 500, gethtypes.EmptyReceiptsHash)
	require.NoError(t, f.portal.Register(types.RootOrigin(), eth2, portal.VendorEthereum, ethlctest.Registration(checkpoint, committee)))

	emitter := common.Address{0xe5}
	receipts := ethlctest.NewReceipts(ethlctest.Receipt(&gethtypes.Log{Address: emitter, Data: []byte("order")}))
	block := ethlctest.Header(checkpoint.Hash(), 501, receipts.Root())
	update, err := rlp.EncodeToBytes(ethlctest.Update([]*gethtypes.Header{block}, committee, 3, nil))
	require.NoError(t, err)
	f.block = 3
	require.NoError(t, f.portal.SubmitHeaders(signer, eth2, update))

	inclusion, err := f.portal.VerifyEventInclusion(eth2, types.SpeedFinalized, emitter.Bytes(), receipts.Proof(block.Hash(), 0, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(501), inclusion.Height)

	_, err = f.portal.SubmitHeaderRange(signer, eth2, nil, block.Hash())
	require.ErrorIs(t, err, portal.ErrRangeNotSupported)
	require.ErrorIs(t, f.portal.SubmitHeaders(signer, eth2, update), headers.ErrOldHeader)

	require.NoError(t, f.portal.Reset(types.RootOrigin(), eth2))
	_, err = f.portal.Vendor(eth2)
	require.ErrorIs(t, err, portal.ErrGatewayNotRegistered)
}
