package xdns

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"circuit/codec/recode"
	"circuit/core/types"
	"circuit/native/portal"
)

// Genesis is the initial registry, balances and attester set of a chain.
type Genesis struct {
	SelfGateway types.GatewayID
	Gateways    []GenesisGateway
	Tokens      []TokenRecord
	Balances    []GenesisBalance
	Attesters   []GenesisAttester
}

// GenesisGateway is a gateway record plus its optional light client
// registration payload.
type GenesisGateway struct {
	Record       GatewayRecord
	Registration []byte
}

// GenesisBalance is an initial free balance.
type GenesisBalance struct {
	Account types.AccountID
	Asset   types.AssetID
	Amount  *big.Int
}

// GenesisAttester is an attester registered at genesis.
type GenesisAttester struct {
	Account    types.AccountID
	ECDSA      []byte
	Ed25519    []byte
	Sr25519    []byte
	Bond       *big.Int
	Commission uint8
}

type genesisFile struct {
	SelfGateway string            `yaml:"self_gateway"`
	Gateways    []GatewayEntry    `yaml:"gateways"`
	Tokens      []TokenEntry      `yaml:"tokens"`
	Balances    []balanceEntry    `yaml:"balances"`
	Attesters   []attesterGenesis `yaml:"attesters"`
}

// GatewayEntry is the textual form of a gateway registration.
type GatewayEntry struct {
	ID                  string   `yaml:"id" json:"id"`
	Vendor              string   `yaml:"vendor" json:"vendor"`
	Execution           string   `yaml:"execution" json:"execution"`
	Codec               string   `yaml:"codec" json:"codec"`
	EscrowAccount       string   `yaml:"escrow_account" json:"escrow_account"`
	AllowedSideEffects  []string `yaml:"allowed_side_effects" json:"allowed_side_effects"`
	RemoteOrderContract string   `yaml:"remote_order_contract" json:"remote_order_contract"`
	Registration        string   `yaml:"registration" json:"registration"`
}

// TokenEntry is the textual form of a token registration.
type TokenEntry struct {
	AssetID  uint32 `yaml:"asset_id" json:"asset_id"`
	Gateway  string `yaml:"gateway" json:"gateway"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
	Address  string `yaml:"address" json:"address"`
	Mintable bool   `yaml:"mintable" json:"mintable"`
}

type balanceEntry struct {
	Account string `yaml:"account"`
	Asset   uint32 `yaml:"asset"`
	Amount  string `yaml:"amount"`
}

type attesterGenesis struct {
	Account    string `yaml:"account"`
	ECDSA      string `yaml:"ecdsa"`
	Ed25519    string `yaml:"ed25519"`
	Sr25519    string `yaml:"sr25519"`
	Bond       string `yaml:"bond"`
	Commission uint8  `yaml:"commission"`
}

// LoadGenesis reads a YAML genesis file from disk.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open genesis: %w", err)
	}
	return ParseGenesis(data)
}

// ParseGenesis decodes and validates a YAML genesis document.
func ParseGenesis(data []byte) (*Genesis, error) {
	var file genesisFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	g := &Genesis{SelfGateway: types.GatewayID{3, 3, 3, 3}}
	if strings.TrimSpace(file.SelfGateway) != "" {
		self, err := types.ParseGatewayID(file.SelfGateway)
		if err != nil {
			return nil, fmt.Errorf("self_gateway: %w", err)
		}
		g.SelfGateway = self
	}
	seen := make(map[types.GatewayID]struct{})
	for i, entry := range file.Gateways {
		gw, err := entry.Parse()
		if err != nil {
			return nil, fmt.Errorf("gateways[%d]: %w", i, err)
		}
		if _, dup := seen[gw.Record.ID]; dup {
			return nil, fmt.Errorf("gateways[%d]: duplicate gateway %s", i, gw.Record.ID)
		}
		seen[gw.Record.ID] = struct{}{}
		g.Gateways = append(g.Gateways, gw)
	}
	for i, entry := range file.Tokens {
		token, err := entry.Parse()
		if err != nil {
			return nil, fmt.Errorf("tokens[%d]: %w", i, err)
		}
		g.Tokens = append(g.Tokens, token)
	}
	for i, entry := range file.Balances {
		account, err := types.ParseAccountID(entry.Account)
		if err != nil {
			return nil, fmt.Errorf("balances[%d]: %w", i, err)
		}
		amount, err := parseAmount(entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("balances[%d]: %w", i, err)
		}
		g.Balances = append(g.Balances, GenesisBalance{Account: account, Asset: types.AssetID(entry.Asset), Amount: amount})
	}
	for i, entry := range file.Attesters {
		att, err := entry.parse()
		if err != nil {
			return nil, fmt.Errorf("attesters[%d]: %w", i, err)
		}
		g.Attesters = append(g.Attesters, att)
	}
	return g, nil
}

// Parse validates the entry into a gateway record.
func (e GatewayEntry) Parse() (GenesisGateway, error) {
	var out GenesisGateway
	id, err := types.ParseGatewayID(e.ID)
	if err != nil {
		return out, err
	}
	vendor, err := portal.ParseVendor(e.Vendor)
	if err != nil {
		return out, err
	}
	execution, err := ParseExecutionVendor(e.Execution)
	if err != nil {
		return out, err
	}
	codec := recode.SCALE
	if strings.TrimSpace(e.Codec) != "" {
		if codec, err = recode.ParseCodec(e.Codec); err != nil {
			return out, err
		}
	}
	record := GatewayRecord{ID: id, Vendor: uint8(vendor), Execution: uint8(execution), Codec: uint8(codec)}
	if strings.TrimSpace(e.EscrowAccount) != "" {
		escrow, err := types.ParseAccountID(e.EscrowAccount)
		if err != nil {
			return out, fmt.Errorf("escrow_account: %w", err)
		}
		record.EscrowAccount = &escrow
	}
	for _, action := range e.AllowedSideEffects {
		if len(action) != 4 {
			return out, fmt.Errorf("allowed side effect %q must be 4 characters", action)
		}
		var a [4]byte
		copy(a[:], action)
		record.AllowedSideEffects = append(record.AllowedSideEffects, a)
	}
	if strings.TrimSpace(e.RemoteOrderContract) != "" {
		if record.RemoteOrderContract, err = hexutil.Decode(e.RemoteOrderContract); err != nil {
			return out, fmt.Errorf("remote_order_contract: %w", err)
		}
	}
	out.Record = record
	if strings.TrimSpace(e.Registration) != "" {
		if out.Registration, err = hexutil.Decode(e.Registration); err != nil {
			return out, fmt.Errorf("registration: %w", err)
		}
	}
	return out, nil
}

// Parse validates the entry into a token record.
func (e TokenEntry) Parse() (TokenRecord, error) {
	gw, err := types.ParseGatewayID(e.Gateway)
	if err != nil {
		return TokenRecord{}, err
	}
	token := TokenRecord{
		AssetID:  types.AssetID(e.AssetID),
		Gateway:  gw,
		Symbol:   strings.ToUpper(strings.TrimSpace(e.Symbol)),
		Decimals: e.Decimals,
		Mintable: e.Mintable,
	}
	if strings.TrimSpace(e.Address) != "" {
		if !common.IsHexAddress(e.Address) {
			return TokenRecord{}, fmt.Errorf("address %q is not a 20 byte hex address", e.Address)
		}
		addr := common.HexToAddress(e.Address)
		token.Address = &addr
	}
	return token, nil
}

func (e attesterGenesis) parse() (GenesisAttester, error) {
	var out GenesisAttester
	account, err := types.ParseAccountID(e.Account)
	if err != nil {
		return out, err
	}
	out.Account = account
	if out.ECDSA, err = hexutil.Decode(e.ECDSA); err != nil {
		return out, fmt.Errorf("ecdsa: %w", err)
	}
	if out.Ed25519, err = hexutil.Decode(e.Ed25519); err != nil {
		return out, fmt.Errorf("ed25519: %w", err)
	}
	if out.Sr25519, err = hexutil.Decode(e.Sr25519); err != nil {
		return out, fmt.Errorf("sr25519: %w", err)
	}
	if out.Bond, err = parseAmount(e.Bond); err != nil {
		return out, fmt.Errorf("bond: %w", err)
	}
	out.Commission = e.Commission
	return out, nil
}

func parseAmount(s string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

// Apply registers the gateways and tokens of g and credits its balances.
// Attesters are left to the attester registry.
func (r *Registry) Apply(g *Genesis) error {
	root := types.RootOrigin()
	for _, gw := range g.Gateways {
		if err := r.AddGateway(root, gw.Record, gw.Registration); err != nil {
			return fmt.Errorf("genesis gateway %s: %w", gw.Record.ID, err)
		}
	}
	for _, token := range g.Tokens {
		if err := r.AddToken(root, token); err != nil {
			return fmt.Errorf("genesis token %d: %w", token.AssetID, err)
		}
	}
	for _, bal := range g.Balances {
		if err := r.ledger.DepositCreating(bal.Account, bal.Asset, bal.Amount); err != nil {
			return fmt.Errorf("genesis balance %s: %w", bal.Account, err)
		}
	}
	return nil
}
