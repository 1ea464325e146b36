package core_test

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"circuit/codec/recode"
	"circuit/core"
	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/crypto"
	"circuit/native/attesters"
	"circuit/native/circuit"
	"circuit/native/grandpa/grandpatest"
	"circuit/native/portal"
	"circuit/native/sfx"
	"circuit/native/xdns"
)

var (
	pdot        = types.GatewayID{'p', 'd', 'o', 't'}
	requester   = types.AccountFromByte(2)
	beneficiary = types.AccountFromByte(3)
	attester    = types.AccountFromByte(0x10)
	dot         = types.AssetID(1)
)

type fixture struct {
	runtime  *core.Runtime
	state    *state.Manager
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := state.NewMemoryManager()
	require.NoError(t, err)
	rt := core.NewRuntime(mgr, core.DefaultParams())
	recorder := &events.Recorder{}
	rt.SetEmitter(recorder)
	return &fixture{runtime: rt, state: mgr, recorder: recorder}
}

func genesis(t *testing.T) *xdns.Genesis {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	ec := key.CompressedPubKey()
	sr := key.Sr25519Public()
	zero := common.Address{}
	return &xdns.Genesis{
		SelfGateway: core.DefaultParams().SelfGateway,
		Gateways: []xdns.GenesisGateway{{
			Record: xdns.GatewayRecord{
				ID:                 pdot,
				Vendor:             uint8(portal.VendorPolkadot),
				Codec:              uint8(recode.SCALE),
				AllowedSideEffects: [][4]byte{sfx.ActionAssetTransfer},
			},
			Registration: grandpatest.RelayRegistration(grandpatest.Genesis(0), grandpatest.NewVoters(4, 1, 0)),
		}},
		Tokens: []xdns.TokenRecord{{AssetID: dot, Gateway: core.DefaultParams().SelfGateway, Symbol: "DOT", Address: &zero, Mintable: true}},
		Balances: []xdns.GenesisBalance{
			{Account: requester, Asset: dot, Amount: big.NewInt(1000)},
			{Account: attester, Asset: types.NativeAsset, Amount: big.NewInt(5000)},
		},
		Attesters: []xdns.GenesisAttester{{
			Account: attester,
			ECDSA:   ec[:],
			Ed25519: []byte(key.Ed25519().Public().(ed25519.PublicKey)),
			Sr25519: sr[:],
			Bond:    big.NewInt(1000),
		}},
	}
}

func (f *fixture) free(t *testing.T, who types.AccountID, asset types.AssetID) string {
	t.Helper()
	var out string
	require.NoError(t, f.runtime.View(func() error {
		got, err := f.runtime.Engines().Ledger.Free(who, asset)
		if err != nil {
			return err
		}
		out = got.String()
		return nil
	}))
	return out
}

func TestGenesisRegistersAttesters(t *testing.T) {
	f := newFixture(t)
	g := genesis(t)
	require.NoError(t, f.runtime.Genesis(g))

	engines := f.runtime.Engines()
	active, err := engines.Attesters.ActiveSet()
	require.NoError(t, err)
	require.Equal(t, []types.AccountID{attester}, active)
	require.Equal(t, "4000", f.free(t, attester, types.NativeAsset))
	require.True(t, engines.Registry.IsTargetActive(pdot))
	require.NotEmpty(t, f.recorder.Find(attesters.EventTypeRegistered))

	require.ErrorIs(t, f.runtime.Genesis(g), core.ErrGenesisApplied)
}

func TestFailedDispatchLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	g := genesis(t)
	g.Attesters[0].Ed25519 = []byte{1, 2, 3}
	before := f.state.Root()

	require.ErrorIs(t, f.runtime.Genesis(g), core.ErrInvalidKey)
	require.Equal(t, before, f.state.Root())
	require.Empty(t, f.recorder.Events())

	gateways, err := f.runtime.Engines().Registry.Gateways()
	require.NoError(t, err)
	require.Empty(t, gateways)

	g.Attesters[0] = genesis(t).Attesters[0]
	require.NoError(t, f.runtime.Genesis(g))
}

func TestGenesisRejectsForeignSelfGateway(t *testing.T) {
	f := newFixture(t)
	g := genesis(t)
	g.SelfGateway = types.GatewayID{9, 9, 9, 9}
	require.ErrorIs(t, f.runtime.Genesis(g), core.ErrGenesisMismatch)
}

func TestOrderDroppedAtBiddingThroughHooks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runtime.Genesis(genesis(t)))
	require.NoError(t, f.runtime.OnInitialize(1))

	origin := types.SignedOrigin(requester)
	id, err := f.runtime.SingleOrder(origin, beneficiary[:], dot, big.NewInt(100), dot, big.NewInt(200), big.NewInt(0), pdot, types.SpeedFast)
	require.NoError(t, err)
	require.Equal(t, "800", f.free(t, requester, dot))
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxReceived), 1)

	_, err = f.runtime.SingleOrder(origin, beneficiary[:], dot, big.NewInt(100), dot, big.NewInt(5000), big.NewInt(0), pdot, types.SpeedFast)
	require.Error(t, err)
	require.Equal(t, "800", f.free(t, requester, dot))
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxReceived), 1)

	for n := uint64(2); n <= 6; n++ {
		require.NoError(t, f.runtime.OnInitialize(n))
	}
	status, err := f.runtime.ReadOrderStatus(id)
	require.NoError(t, err)
	require.Equal(t, circuit.StatusKilled.String(), status.Status)
	require.Equal(t, "1000", f.free(t, requester, dot))
	require.Len(t, f.recorder.Find(circuit.EventTypeXtxDropped), 1)
}

func TestInvalidAttestationSlashSurvivesFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runtime.Genesis(genesis(t)))
	root := types.RootOrigin()
	signer := types.SignedOrigin(attester)

	require.NoError(t, f.runtime.AddAttestationTarget(root, pdot))
	require.NoError(t, f.runtime.AgreeToNewAttestationTarget(signer, pdot, attester[:]))
	require.Len(t, f.recorder.Find(attesters.EventTypeTargetActivated), 1)

	engines := f.runtime.Engines()
	require.NoError(t, f.runtime.View(func() error {
		return engines.Attesters.RequestSFXCommit(pdot, [32]byte{0x01})
	}))
	require.NoError(t, f.runtime.OnInitialize(engines.Attesters.Config().BatchingWindow))
	batch, err := engines.Attesters.Batch(pdot, 0)
	require.NoError(t, err)

	err = f.runtime.SubmitAttestation(signer, pdot, batch.Hash(), make([]byte, 64))
	require.ErrorIs(t, err, attesters.ErrInvalidSignature)
	require.True(t, engines.Attesters.IsSlashed(attester))
	require.Len(t, f.recorder.Find(attesters.EventTypeSlashed), 1)
	require.Equal(t, "1000", f.free(t, engines.Attesters.Config().SlashTreasury, types.NativeAsset))

	err = f.runtime.SubmitAttestation(signer, pdot, batch.Hash(), make([]byte, 64))
	require.ErrorIs(t, err, attesters.ErrPermanentlySlashed)
}

func TestCommitAdvancesRoot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runtime.Genesis(genesis(t)))
	first, err := f.runtime.Commit()
	require.NoError(t, err)
	require.Equal(t, first, f.runtime.Root())
	require.Equal(t, first, f.state.Root())

	require.NoError(t, f.runtime.OnInitialize(1))
	_, err = f.runtime.SingleOrder(types.SignedOrigin(requester), beneficiary[:], dot, big.NewInt(1), dot, big.NewInt(10), big.NewInt(0), pdot, types.SpeedFast)
	require.NoError(t, err)
	second, err := f.runtime.Commit()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, uint64(1), f.runtime.Block())
}
