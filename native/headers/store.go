package headers

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/native/proofs"
	"circuit/observability/metrics"
)

var (
	ErrAlreadyInitialized  = errors.New("headers: gateway already initialized")
	ErrDuplicateRelaychain = errors.New("headers: a relay chain is already registered")
	ErrInvalidRelaychainID = errors.New("headers: parachain relay id does not match the registered relay")
	ErrUnknownGateway      = errors.New("headers: unknown gateway")
	ErrUnknownHeader       = errors.New("headers: unknown header")
	ErrNoFinalizedHeader   = errors.New("headers: no finalized header")
	ErrOldHeader           = errors.New("headers: header is not newer than best finalized")
	ErrHalted              = errors.New("headers: gateway is halted")
	ErrTooManyRequests     = errors.New("headers: too many requests in this block")
	ErrInvalidHeader       = errors.New("headers: invalid header")
	ErrStorageRootMismatch = proofs.ErrStorageRootMismatch
	errNilState            = errors.New("headers: state not configured")
	errInvalidRingCapacity = errors.New("headers: ring capacity must be positive")
)

// Storage abstracts the subset of the state manager used by the header store.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVHas(key []byte) (bool, error)
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	relayKey       = []byte("headers/relay")
	gatewayList    = []byte("headers/list")
	palletOwnerKey = []byte("headers/owner")
)

func gatewayKey(gw types.GatewayID) []byte { return []byte(fmt.Sprintf("headers/gateway/%x", gw[:])) }

func importedKey(gw types.GatewayID, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("headers/imported/%x/%x", gw[:], hash[:]))
}

func rootsKey(gw types.GatewayID, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("headers/roots/%x/%x", gw[:], hash[:]))
}

func ringKey(gw types.GatewayID, idx uint64) []byte {
	return []byte(fmt.Sprintf("headers/ring/%x/%d", gw[:], idx))
}

func ringPosKey(gw types.GatewayID) []byte  { return []byte(fmt.Sprintf("headers/ringpos/%x", gw[:])) }
func bestKey(gw types.GatewayID) []byte     { return []byte(fmt.Sprintf("headers/best/%x", gw[:])) }
func requestsKey(gw types.GatewayID) []byte { return []byte(fmt.Sprintf("headers/requests/%x", gw[:])) }

// Store keeps the headers of every registered gateway.
type Store struct {
	state         Storage
	emitter       events.Emitter
	headersToKeep uint64
	maxRequests   uint64
}

// NewStore returns a store keeping headersToKeep headers per gateway and
// accepting maxRequests submissions per gateway and block.
func NewStore(state Storage, headersToKeep, maxRequests uint64) *Store {
	return &Store{
		state:         state,
		emitter:       events.NoopEmitter{},
		headersToKeep: headersToKeep,
		maxRequests:   maxRequests,
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (s *Store) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// HeadersToKeep returns the ring buffer capacity.
func (s *Store) HeadersToKeep() uint64 { return s.headersToKeep }

func (s *Store) emit(evt *types.Event) {
	if s == nil || s.emitter == nil || evt == nil {
		return
	}
	s.emitter.Emit(events.Wrap(evt))
}

func (s *Store) ready() error {
	if s == nil || s.state == nil {
		return errNilState
	}
	if s.headersToKeep == 0 {
		return errInvalidRingCapacity
	}
	return nil
}

// SetPalletOwner installs the account allowed to initialize gateways besides
// root.
func (s *Store) SetPalletOwner(origin types.Origin, owner types.AccountID) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	return s.state.KVPut(palletOwnerKey, owner)
}

func (s *Store) ensurePalletOwner(origin types.Origin) error {
	if origin.IsRoot() {
		return nil
	}
	var owner types.AccountID
	ok, err := s.state.KVGet(palletOwnerKey, &owner)
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrBadOrigin
	}
	return origin.EnsureRootOrSigner(owner)
}

// Initialize registers a gateway with its trusted initial header. Parachains
// may omit the header; their first header is proven against the relay.
func (s *Store) Initialize(origin types.Origin, gw Gateway, initial *Header) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.ensurePalletOwner(origin); err != nil {
		return err
	}
	if initial == nil && gw.GatewayKind() != KindParachain {
		return fmt.Errorf("%w: initial header required", ErrInvalidHeader)
	}
	if initial != nil && initial.Hash == (common.Hash{}) {
		return fmt.Errorf("%w: initial header hash is empty", ErrInvalidHeader)
	}
	if ok, err := s.state.KVHas(gatewayKey(gw.ID)); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	var relay types.GatewayID
	hasRelay, err := s.state.KVGet(relayKey, &relay)
	if err != nil {
		return err
	}
	switch gw.GatewayKind() {
	case KindRelay:
		if hasRelay && relay != gw.ID {
			return ErrDuplicateRelaychain
		}
		if err := s.state.KVPut(relayKey, gw.ID); err != nil {
			return err
		}
	case KindParachain:
		if !hasRelay || relay != gw.RelayID {
			return ErrInvalidRelaychainID
		}
	case KindEthereum:
	default:
		return fmt.Errorf("%w: unsupported gateway kind %d", ErrInvalidHeader, gw.Kind)
	}
	gw.InitialHash = common.Hash{}
	if initial != nil {
		gw.InitialHash = initial.Hash
	}
	gw.Halted = false
	if err := s.state.KVPut(gatewayKey(gw.ID), &gw); err != nil {
		return err
	}
	if err := s.state.KVAppend(gatewayList, gw.ID[:]); err != nil {
		return err
	}
	if initial != nil {
		if err := s.write(gw.ID, initial); err != nil {
			return err
		}
		if err := s.state.KVPut(bestKey(gw.ID), initial.Hash); err != nil {
			return err
		}
		metrics.Headers().SetBestFinalized(gw.ID.String(), initial.Number)
	}
	s.emit(newGatewayInitializedEvent(&gw, initial))
	return nil
}

// Gateway returns the record of gw.
func (s *Store) Gateway(gw types.GatewayID) (*Gateway, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var record Gateway
	ok, err := s.state.KVGet(gatewayKey(gw), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownGateway
	}
	return &record, nil
}

// Gateways lists the registered gateways in registration order.
func (s *Store) Gateways() ([]types.GatewayID, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var raw [][]byte
	if err := s.state.KVGetList(gatewayList, &raw); err != nil {
		return nil, err
	}
	out := make([]types.GatewayID, 0, len(raw))
	for _, entry := range raw {
		var id types.GatewayID
		copy(id[:], entry)
		out = append(out, id)
	}
	return out, nil
}

// Relay returns the registered relay chain, if any.
func (s *Store) Relay() (types.GatewayID, bool, error) {
	var relay types.GatewayID
	ok, err := s.state.KVGet(relayKey, &relay)
	return relay, ok, err
}

// IsKnown reports whether hash is an imported header of gw.
func (s *Store) IsKnown(gw types.GatewayID, hash common.Hash) bool {
	if s.ready() != nil {
		return false
	}
	ok, err := s.state.KVHas(importedKey(gw, hash))
	return err == nil && ok
}

// Header returns the imported header hash of gw.
func (s *Store) Header(gw types.GatewayID, hash common.Hash) (*Header, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var h Header
	ok, err := s.state.KVGet(importedKey(gw, hash), &h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownHeader
	}
	return &h, nil
}

// Roots returns the roots of the imported header hash of gw.
func (s *Store) Roots(gw types.GatewayID, hash common.Hash) (Roots, error) {
	if err := s.ready(); err != nil {
		return Roots{}, err
	}
	var roots Roots
	ok, err := s.state.KVGet(rootsKey(gw, hash), &roots)
	if err != nil {
		return Roots{}, err
	}
	if !ok {
		return Roots{}, ErrUnknownHeader
	}
	return roots, nil
}

// BestFinalized returns the best finalized header of gw.
func (s *Store) BestFinalized(gw types.GatewayID) (*Header, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var hash common.Hash
	ok, err := s.state.KVGet(bestKey(gw), &hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.Gateway(gw); err != nil {
			return nil, err
		}
		return nil, ErrNoFinalizedHeader
	}
	return s.Header(gw, hash)
}

// Write imports h into the ring buffer of gw. Importing a known header is a
// no-op.
func (s *Store) Write(gw types.GatewayID, h *Header) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.EnsureOperational(gw); err != nil {
		return err
	}
	return s.write(gw, h)
}

func (s *Store) write(gw types.GatewayID, h *Header) error {
	if h == nil || h.Hash == (common.Hash{}) {
		return ErrInvalidHeader
	}
	if ok, err := s.state.KVHas(importedKey(gw, h.Hash)); err != nil {
		return err
	} else if ok {
		return nil
	}
	var pos uint64
	if _, err := s.state.KVGet(ringPosKey(gw), &pos); err != nil {
		return err
	}
	// The slot holding the best finalized header is never reused.
	if s.headersToKeep > 1 {
		var best, at common.Hash
		hasBest, err := s.state.KVGet(bestKey(gw), &best)
		if err != nil {
			return err
		}
		occupied, err := s.state.KVGet(ringKey(gw, pos), &at)
		if err != nil {
			return err
		}
		if hasBest && occupied && at == best {
			pos = (pos + 1) % s.headersToKeep
		}
	}
	var evicted common.Hash
	occupied, err := s.state.KVGet(ringKey(gw, pos), &evicted)
	if err != nil {
		return err
	}
	if occupied {
		if err := s.state.KVDelete(importedKey(gw, evicted)); err != nil {
			return err
		}
		if err := s.state.KVDelete(rootsKey(gw, evicted)); err != nil {
			return err
		}
	}
	if err := s.state.KVPut(ringKey(gw, pos), h.Hash); err != nil {
		return err
	}
	if err := s.state.KVPut(ringPosKey(gw), (pos+1)%s.headersToKeep); err != nil {
		return err
	}
	if err := s.state.KVPut(importedKey(gw, h.Hash), h); err != nil {
		return err
	}
	roots := h.Roots()
	if err := s.state.KVPut(rootsKey(gw, h.Hash), &roots); err != nil {
		return err
	}
	metrics.Headers().ObserveImported(gw.String(), 1)
	return nil
}

// SetBest moves the best finalized pointer of gw to an imported header with a
// strictly greater number.
func (s *Store) SetBest(gw types.GatewayID, hash common.Hash) error {
	if err := s.ready(); err != nil {
		return err
	}
	h, err := s.Header(gw, hash)
	if err != nil {
		return err
	}
	best, err := s.BestFinalized(gw)
	switch {
	case errors.Is(err, ErrNoFinalizedHeader):
	case err != nil:
		return err
	case h.Number <= best.Number:
		return ErrOldHeader
	}
	if err := s.state.KVPut(bestKey(gw), hash); err != nil {
		return err
	}
	metrics.Headers().SetBestFinalized(gw.String(), h.Number)
	return nil
}

// RingHashes returns the hashes currently held in the ring buffer of gw.
func (s *Store) RingHashes(gw types.GatewayID) ([]common.Hash, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []common.Hash
	for i := uint64(0); i < s.headersToKeep; i++ {
		var hash common.Hash
		ok, err := s.state.KVGet(ringKey(gw, i), &hash)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, hash)
		}
	}
	return out, nil
}

// EnsureOperational fails with ErrHalted when gw is halted.
func (s *Store) EnsureOperational(gw types.GatewayID) error {
	record, err := s.Gateway(gw)
	if err != nil {
		return err
	}
	if record.Halted {
		return ErrHalted
	}
	return nil
}

// IsOperational reports whether gw is registered and not halted.
func (s *Store) IsOperational(gw types.GatewayID) bool {
	return s.EnsureOperational(gw) == nil
}

// SetOperational halts or resumes gw. Root or the gateway owner may call it.
func (s *Store) SetOperational(origin types.Origin, gw types.GatewayID, operational bool) error {
	record, err := s.Gateway(gw)
	if err != nil {
		return err
	}
	if err := ensureGatewayOwner(origin, record); err != nil {
		return err
	}
	record.Halted = !operational
	if err := s.state.KVPut(gatewayKey(gw), record); err != nil {
		return err
	}
	s.emit(newOperationalEvent(gw, operational))
	return nil
}

// SetOwner replaces the owner of gw. Root or the current owner may call it.
func (s *Store) SetOwner(origin types.Origin, gw types.GatewayID, owner types.AccountID) error {
	record, err := s.Gateway(gw)
	if err != nil {
		return err
	}
	if err := ensureGatewayOwner(origin, record); err != nil {
		return err
	}
	record.Owner = owner
	record.HasOwner = true
	if err := s.state.KVPut(gatewayKey(gw), record); err != nil {
		return err
	}
	s.emit(newOwnerChangedEvent(gw, owner))
	return nil
}

func ensureGatewayOwner(origin types.Origin, record *Gateway) error {
	if origin.IsRoot() {
		return nil
	}
	if !record.HasOwner {
		return types.ErrBadOrigin
	}
	return origin.EnsureRootOrSigner(record.Owner)
}

// Reset removes every header, root, ring slot and counter of gw together with
// its record so the gateway can be initialized again.
func (s *Store) Reset(origin types.Origin, gw types.GatewayID) error {
	if err := origin.EnsureRoot(); err != nil {
		return err
	}
	record, err := s.Gateway(gw)
	if err != nil {
		return err
	}
	removed := 0
	for i := uint64(0); i < s.headersToKeep; i++ {
		var hash common.Hash
		ok, err := s.state.KVGet(ringKey(gw, i), &hash)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, key := range [][]byte{importedKey(gw, hash), rootsKey(gw, hash), ringKey(gw, i)} {
			if err := s.state.KVDelete(key); err != nil {
				return err
			}
		}
		removed++
	}
	for _, key := range [][]byte{ringPosKey(gw), bestKey(gw), requestsKey(gw), gatewayKey(gw)} {
		if err := s.state.KVDelete(key); err != nil {
			return err
		}
	}
	if err := s.state.KVRemove(gatewayList, gw[:]); err != nil {
		return err
	}
	if record.GatewayKind() == KindRelay {
		if err := s.state.KVDelete(relayKey); err != nil {
			return err
		}
	}
	slog.Info("headers: gateway reset", "gateway", gw.String(), "removed", removed)
	s.emit(newResetEvent(gw, removed))
	return nil
}

// RequestCount returns the submissions counted for gw in the current window.
func (s *Store) RequestCount(gw types.GatewayID) (uint64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var count uint64
	if _, err := s.state.KVGet(requestsKey(gw), &count); err != nil {
		return 0, err
	}
	return count, nil
}

// CheckRequests fails with ErrTooManyRequests once gw used its per-block
// allowance.
func (s *Store) CheckRequests(gw types.GatewayID) error {
	count, err := s.RequestCount(gw)
	if err != nil {
		return err
	}
	if count >= s.maxRequests {
		metrics.Headers().ObserveRejected(gw.String(), "rate_limited")
		return ErrTooManyRequests
	}
	return nil
}

// BumpRequests counts one accepted submission for gw.
func (s *Store) BumpRequests(gw types.GatewayID) error {
	count, err := s.RequestCount(gw)
	if err != nil {
		return err
	}
	return s.state.KVPut(requestsKey(gw), count+1)
}

// DecayRequests decrements every gateway's request counter by one, saturating
// at zero. It runs once per block.
func (s *Store) DecayRequests() error {
	gateways, err := s.Gateways()
	if err != nil {
		return err
	}
	for _, gw := range gateways {
		count, err := s.RequestCount(gw)
		if err != nil {
			return err
		}
		if count == 0 {
			continue
		}
		if count == 1 {
			err = s.state.KVDelete(requestsKey(gw))
		} else {
			err = s.state.KVPut(requestsKey(gw), count-1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ParseStorageProof verifies proof for key against the state root of the
// imported header hash of gw and decodes the proven value with read.
func ParseStorageProof[R any](s *Store, gw types.GatewayID, hash common.Hash, key []byte, proof [][]byte, read func([]byte) (R, error)) (R, error) {
	var zero R
	roots, err := s.Roots(gw, hash)
	if err != nil {
		return zero, err
	}
	value, err := proofs.VerifyTrieProof(roots.StateRoot, key, proof)
	if err != nil {
		return zero, err
	}
	return read(value)
}
