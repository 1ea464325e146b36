// Package xdns is the gateway registry: per-gateway verification vendor,
// execution vendor, codec, escrow account and allowed side effects, plus the
// token table mapping local assets to remote addresses.
package xdns

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/native/bank"
	"circuit/native/portal"
)

var (
	ErrGatewayNotFound      = errors.New("xdns: gateway not found")
	ErrGatewayExists        = errors.New("xdns: gateway already registered")
	ErrTokenNotFound        = errors.New("xdns: token not found")
	ErrTokenExists          = errors.New("xdns: token already registered")
	ErrAssetNotMintable     = errors.New("xdns: asset is not mintable")
	ErrNoEscrowAccount      = errors.New("xdns: gateway has no escrow account")
	ErrNoRemoteOrderAddress = errors.New("xdns: gateway has no remote order contract")
)

// Storage is the state subset holding registry records.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	gatewayList = []byte("xdns/gateways")
	tokenList   = []byte("xdns/tokens")
)

func gatewayKey(gw types.GatewayID) []byte {
	return []byte(fmt.Sprintf("xdns/gateway/%x", gw[:]))
}

func tokenKey(asset types.AssetID, gw types.GatewayID) []byte {
	return []byte(fmt.Sprintf("xdns/token/%d/%x", asset, gw[:]))
}

func tokenListEntry(asset types.AssetID, gw types.GatewayID) []byte {
	entry := binary.BigEndian.AppendUint32(nil, uint32(asset))
	return append(entry, gw[:]...)
}

// Registry implements the gateway registry queries used by the circuit and the
// vacuum.
type Registry struct {
	state   Storage
	portal  *portal.Portal
	ledger  *bank.Ledger
	self    types.GatewayID
	emitter events.Emitter
}

// NewRegistry returns a registry for the local chain identified by self.
func NewRegistry(state Storage, p *portal.Portal, ledger *bank.Ledger, self types.GatewayID) *Registry {
	return &Registry{state: state, portal: p, ledger: ledger, self: self, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(events.Wrap(evt))
}

// SelfGateway returns the id of the local chain.
func (r *Registry) SelfGateway() types.GatewayID { return r.self }

// AddGateway stores record and, when registration is non-empty, initializes
// the gateway's light client through the portal.
func (r *Registry) AddGateway(origin types.Origin, record GatewayRecord, registration []byte) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	if ok, err := r.state.KVGet(gatewayKey(record.ID), nil); err != nil {
		return err
	} else if ok {
		return ErrGatewayExists
	}
	if len(registration) > 0 {
		if err := r.portal.Register(origin, record.ID, record.VerificationVendor(), registration); err != nil {
			return err
		}
	}
	if err := r.state.KVPut(gatewayKey(record.ID), &record); err != nil {
		return err
	}
	if err := r.state.KVAppend(gatewayList, record.ID[:]); err != nil {
		return err
	}
	slog.Info("xdns: gateway added", "gateway", record.ID.String(), "vendor", record.VerificationVendor().String())
	r.emit(newGatewayAddedEvent(&record))
	return nil
}

// PurgeGateway removes the record of gw and resets its light client.
func (r *Registry) PurgeGateway(origin types.Origin, gw types.GatewayID) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	if _, err := r.Gateway(gw); err != nil {
		return err
	}
	if _, err := r.portal.Vendor(gw); err == nil {
		if err := r.portal.Reset(origin, gw); err != nil {
			return err
		}
	}
	if err := r.state.KVDelete(gatewayKey(gw)); err != nil {
		return err
	}
	if err := r.state.KVRemove(gatewayList, gw[:]); err != nil {
		return err
	}
	r.emit(newGatewayPurgedEvent(gw))
	return nil
}

// Gateway returns the record of gw.
func (r *Registry) Gateway(gw types.GatewayID) (*GatewayRecord, error) {
	var record GatewayRecord
	ok, err := r.state.KVGet(gatewayKey(gw), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, gw)
	}
	return &record, nil
}

// Gateways returns every registered gateway in registration order.
func (r *Registry) Gateways() ([]GatewayRecord, error) {
	var ids [][]byte
	if err := r.state.KVGetList(gatewayList, &ids); err != nil {
		return nil, err
	}
	out := make([]GatewayRecord, 0, len(ids))
	for _, raw := range ids {
		var id types.GatewayID
		copy(id[:], raw)
		record, err := r.Gateway(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, nil
}

// AllowedSideEffects returns the actions accepted on gw.
func (r *Registry) AllowedSideEffects(gw types.GatewayID) ([][4]byte, error) {
	record, err := r.Gateway(gw)
	if err != nil {
		return nil, err
	}
	return record.AllowedSideEffects, nil
}

// EscrowAccount returns the escrow account of gw. Gateways without one are
// settled optimistically.
func (r *Registry) EscrowAccount(gw types.GatewayID) (types.AccountID, error) {
	record, err := r.Gateway(gw)
	if err != nil {
		return types.AccountID{}, err
	}
	if record.EscrowAccount == nil {
		return types.AccountID{}, ErrNoEscrowAccount
	}
	return *record.EscrowAccount, nil
}

// VerificationVendor returns the light client vendor of gw.
func (r *Registry) VerificationVendor(gw types.GatewayID) (portal.Vendor, error) {
	record, err := r.Gateway(gw)
	if err != nil {
		return 0, err
	}
	return record.VerificationVendor(), nil
}

// RemoteOrderContract returns the address of the contract emitting remote
// orders on gw.
func (r *Registry) RemoteOrderContract(gw types.GatewayID) ([]byte, error) {
	record, err := r.Gateway(gw)
	if err != nil {
		return nil, err
	}
	if len(record.RemoteOrderContract) == 0 {
		return nil, ErrNoRemoteOrderAddress
	}
	return record.RemoteOrderContract, nil
}

// IsTargetActive reports whether side effects on gw can currently be
// verified. The local chain is always active.
func (r *Registry) IsTargetActive(gw types.GatewayID) bool {
	if gw == r.self {
		return true
	}
	if _, err := r.Gateway(gw); err != nil {
		return false
	}
	return r.portal.IsOperational(gw)
}

// AddToken registers the representation of an asset on a gateway.
func (r *Registry) AddToken(origin types.Origin, token TokenRecord) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	if token.Gateway != r.self {
		if _, err := r.Gateway(token.Gateway); err != nil {
			return err
		}
	}
	key := tokenKey(token.AssetID, token.Gateway)
	if ok, err := r.state.KVGet(key, nil); err != nil {
		return err
	} else if ok {
		return ErrTokenExists
	}
	if err := r.state.KVPut(key, &token); err != nil {
		return err
	}
	if err := r.state.KVAppend(tokenList, tokenListEntry(token.AssetID, token.Gateway)); err != nil {
		return err
	}
	r.emit(newTokenAddedEvent(&token))
	return nil
}

// Token returns the record of asset on gw.
func (r *Registry) Token(asset types.AssetID, gw types.GatewayID) (*TokenRecord, error) {
	var token TokenRecord
	ok, err := r.state.KVGet(tokenKey(asset, gw), &token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: asset %d on %s", ErrTokenNotFound, asset, gw)
	}
	return &token, nil
}

// Tokens returns every registered token record.
func (r *Registry) Tokens() ([]TokenRecord, error) {
	var entries [][]byte
	if err := r.state.KVGetList(tokenList, &entries); err != nil {
		return nil, err
	}
	out := make([]TokenRecord, 0, len(entries))
	for _, raw := range entries {
		if len(raw) != 8 {
			return nil, fmt.Errorf("xdns: malformed token index entry %x", raw)
		}
		var gw types.GatewayID
		copy(gw[:], raw[4:])
		token, err := r.Token(types.AssetID(binary.BigEndian.Uint32(raw[:4])), gw)
		if err != nil {
			return nil, err
		}
		out = append(out, *token)
	}
	return out, nil
}

// TokenByEthAddress finds the token registered on gw under addr.
func (r *Registry) TokenByEthAddress(gw types.GatewayID, addr common.Address) (*TokenRecord, error) {
	tokens, err := r.Tokens()
	if err != nil {
		return nil, err
	}
	for i := range tokens {
		t := &tokens[i]
		if t.Gateway == gw && t.Address != nil && bytes.Equal(t.Address.Bytes(), addr.Bytes()) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrTokenNotFound, addr.Hex(), gw)
}

// ListAvailableMintAssets returns the mintable tokens registered on gw.
func (r *Registry) ListAvailableMintAssets(gw types.GatewayID) ([]TokenRecord, error) {
	tokens, err := r.Tokens()
	if err != nil {
		return nil, err
	}
	var out []TokenRecord
	for _, t := range tokens {
		if t.Gateway == gw && t.Mintable {
			out = append(out, t)
		}
	}
	return out, nil
}

// CheckAssetIsMintable reports whether asset is a mintable bridge asset on gw.
func (r *Registry) CheckAssetIsMintable(gw types.GatewayID, asset types.AssetID) bool {
	token, err := r.Token(asset, gw)
	return err == nil && token.Mintable
}

// Mint credits amount of a mintable bridge asset to who.
func (r *Registry) Mint(gw types.GatewayID, asset types.AssetID, who types.AccountID, amount *big.Int) error {
	if !r.CheckAssetIsMintable(gw, asset) {
		return fmt.Errorf("%w: asset %d on %s", ErrAssetNotMintable, asset, gw)
	}
	return r.ledger.Mint(asset, who, amount)
}
