package xdns_test

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"circuit/codec/recode"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/native/bank"
	"circuit/native/ethlc"
	"circuit/native/grandpa"
	"circuit/native/grandpa/grandpatest"
	"circuit/native/headers"
	"circuit/native/portal"
	"circuit/native/xdns"
)

var (
	self = types.GatewayID{3, 3, 3, 3}
	pdot = types.GatewayID{'p', 'd', 'o', 't'}
	eth2 = types.GatewayID{'e', 't', 'h', '2'}
	tran = [4]byte{'t', 'r', 'a', 'n'}
	tass = [4]byte{'t', 'a', 's', 's'}
)

type fixture struct {
	registry *xdns.Registry
	portal   *portal.Portal
	ledger   *bank.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := state.NewMemoryManager()
	require.NoError(t, err)
	store := headers.NewStore(mgr, 16, 10)
	p := portal.New(store, grandpa.NewVerifier(store, mgr), ethlc.NewClient(store, mgr), mgr, portal.Config{EmergencyOffset: 40, HeartbeatWindow: 4})
	ledger := bank.NewLedger(mgr)
	return &fixture{registry: xdns.NewRegistry(mgr, p, ledger, self), portal: p, ledger: ledger}
}

func TestAddGatewayRegistersLightClient(t *testing.T) {
	f := newFixture(t)
	escrow := types.AccountFromByte(0xee)
	record := xdns.GatewayRecord{
		ID:                 pdot,
		Vendor:             uint8(portal.VendorPolkadot),
		Codec:              uint8(recode.SCALE),
		EscrowAccount:      &escrow,
		AllowedSideEffects: [][4]byte{tran, tass},
	}
	registration := grandpatest.RelayRegistration(grandpatest.Genesis(0), grandpatest.NewVoters(3, 1, 0))

	require.ErrorIs(t, f.registry.AddGateway(types.SignedOrigin(escrow), record, registration), types.ErrBadOrigin)
	require.NoError(t, f.registry.AddGateway(types.RootOrigin(), record, registration))
	require.ErrorIs(t, f.registry.AddGateway(types.RootOrigin(), record, nil), xdns.ErrGatewayExists)

	require.True(t, f.registry.IsTargetActive(pdot))
	require.True(t, f.registry.IsTargetActive(self))
	require.False(t, f.registry.IsTargetActive(eth2))
	require.NoError(t, f.portal.SetOperational(types.RootOrigin(), pdot, false))
	require.False(t, f.registry.IsTargetActive(pdot))

	got, err := f.registry.EscrowAccount(pdot)
	require.NoError(t, err)
	require.Equal(t, escrow, got)
	allowed, err := f.registry.AllowedSideEffects(pdot)
	require.NoError(t, err)
	require.Equal(t, [][4]byte{tran, tass}, allowed)
	vendor, err := f.registry.VerificationVendor(pdot)
	require.NoError(t, err)
	require.Equal(t, portal.VendorPolkadot, vendor)

	require.NoError(t, f.registry.AddGateway(types.RootOrigin(), xdns.GatewayRecord{ID: eth2, Vendor: uint8(portal.VendorEthereum), Codec: uint8(recode.RLP)}, nil))
	_, err = f.registry.EscrowAccount(eth2)
	require.ErrorIs(t, err, xdns.ErrNoEscrowAccount)
	_, err = f.registry.RemoteOrderContract(eth2)
	require.ErrorIs(t, err, xdns.ErrNoRemoteOrderAddress)

	all, err := f.registry.Gateways()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, pdot, all[0].ID)

	require.NoError(t, f.registry.PurgeGateway(types.RootOrigin(), pdot))
	_, err = f.registry.Gateway(pdot)
	require.ErrorIs(t, err, xdns.ErrGatewayNotFound)
	_, err = f.portal.Vendor(pdot)
	require.ErrorIs(t, err, portal.ErrGatewayNotRegistered)
}

func TestTokensAndMinting(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.AddGateway(types.RootOrigin(), xdns.GatewayRecord{ID: eth2, Vendor: uint8(portal.VendorEthereum)}, nil))
	usdc := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, f.registry.AddToken(types.RootOrigin(), xdns.TokenRecord{AssetID: 7, Gateway: eth2, Symbol: "USDC", Address: &usdc, Mintable: true}))
	require.NoError(t, f.registry.AddToken(types.RootOrigin(), xdns.TokenRecord{AssetID: 8, Gateway: eth2, Symbol: "WETH"}))
	require.ErrorIs(t, f.registry.AddToken(types.RootOrigin(), xdns.TokenRecord{AssetID: 7, Gateway: eth2}), xdns.ErrTokenExists)
	require.ErrorIs(t, f.registry.AddToken(types.RootOrigin(), xdns.TokenRecord{AssetID: 9, Gateway: pdot}), xdns.ErrGatewayNotFound)

	token, err := f.registry.TokenByEthAddress(eth2, usdc)
	require.NoError(t, err)
	require.Equal(t, types.AssetID(7), token.AssetID)
	_, err = f.registry.TokenByEthAddress(eth2, common.Address{1})
	require.ErrorIs(t, err, xdns.ErrTokenNotFound)

	mintable, err := f.registry.ListAvailableMintAssets(eth2)
	require.NoError(t, err)
	require.Len(t, mintable, 1)
	require.True(t, f.registry.CheckAssetIsMintable(eth2, 7))
	require.False(t, f.registry.CheckAssetIsMintable(eth2, 8))

	who := types.AccountFromByte(4)
	require.NoError(t, f.registry.Mint(eth2, 7, who, big.NewInt(100)))
	require.ErrorIs(t, f.registry.Mint(eth2, 8, who, big.NewInt(1)), xdns.ErrAssetNotMintable)
	free, err := f.ledger.Free(who, 7)
	require.NoError(t, err)
	require.Equal(t, int64(100), free.Int64())
}

func TestParseAndApplyGenesis(t *testing.T) {
	registration := grandpatest.RelayRegistration(grandpatest.Genesis(0), grandpatest.NewVoters(3, 1, 0))
	holder := types.AccountFromByte(2)
	doc := fmt.Sprintf(`
self_gateway: "0x03030303"
gateways:
  - id: pdot
    vendor: polkadot
    codec: scale
    escrow_account: "0x%s"
    allowed_side_effects: [tran, tass]
    registration: "0x%s"
  - id: eth2
    vendor: ethereum
    execution: evm
    codec: rlp
    remote_order_contract: "0x00000000000000000000000000000000000000c1"
tokens:
  - asset_id: 1
    gateway: "0x03030303"
    symbol: dot
    decimals: 10
    address: "0x0000000000000000000000000000000000000000"
    mintable: true
balances:
  - account: "0x%s"
    asset: 1
    amount: "1_000"
`, hex.EncodeToString(make([]byte, 32)), hex.EncodeToString(registration), hex.EncodeToString(holder[:]))

	g, err := xdns.ParseGenesis([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, self, g.SelfGateway)
	require.Len(t, g.Gateways, 2)
	require.Equal(t, uint8(xdns.ExecutionEVM), g.Gateways[1].Record.Execution)
	require.Equal(t, "DOT", g.Tokens[0].Symbol)
	require.Equal(t, int64(1000), g.Balances[0].Amount.Int64())

	f := newFixture(t)
	require.NoError(t, f.registry.Apply(g))
	require.True(t, f.registry.IsTargetActive(pdot))
	contract, err := f.registry.RemoteOrderContract(eth2)
	require.NoError(t, err)
	require.Len(t, contract, 20)
	require.True(t, f.registry.CheckAssetIsMintable(self, 1))
	token, err := f.registry.TokenByEthAddress(self, common.Address{})
	require.NoError(t, err)
	require.Equal(t, types.AssetID(1), token.AssetID)
	free, err := f.ledger.Free(holder, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1000), free.Int64())

	_, err = xdns.ParseGenesis([]byte("gateways:\n  - id: toolong\n    vendor: polkadot\n"))
	require.Error(t, err)
	_, err = xdns.ParseGenesis([]byte("gateways:\n  - id: pdot\n    vendor: cosmos\n"))
	require.ErrorIs(t, err, portal.ErrUnknownVendor)
}
