// Package portal is the single entry point the circuit uses to reach remote
// chains. It routes registrations, header submissions and inclusion proofs to
// the verification engine of each gateway's vendor and keeps heartbeat
// estimates of how fast remote chains finalize relative to the local chain.
package portal

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"circuit/core/events"
	"circuit/core/types"
	"circuit/native/ethlc"
	"circuit/native/grandpa"
	"circuit/native/headers"
	"circuit/native/proofs"
	"circuit/observability/metrics"
)

var (
	ErrUnknownVendor         = errors.New("portal: unknown verification vendor")
	ErrGatewayNotRegistered  = errors.New("portal: gateway not registered")
	ErrSpeedModeNotSatisfied = errors.New("portal: inclusion does not satisfy speed mode")
	ErrRangeNotSupported     = errors.New("portal: header ranges are only supported by substrate vendors")
	ErrHeaderDecoding        = errors.New("portal: header decoding error")
	errVerifierNotConfigured = errors.New("portal: verifier not configured")
)

// Storage is the state subset used for vendor and heartbeat records.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Config holds the timing parameters of the portal.
type Config struct {
	EmergencyOffset uint64
	HeartbeatWindow int
}

func vendorKey(gw types.GatewayID) []byte {
	return []byte(fmt.Sprintf("portal/vendor/%x", gw[:]))
}

func heartbeatKey(gw types.GatewayID) []byte {
	return []byte(fmt.Sprintf("portal/heartbeat/%x", gw[:]))
}

// Portal dispatches to the GRANDPA verifier and the Ethereum light client.
type Portal struct {
	store   *headers.Store
	grandpa *grandpa.Verifier
	eth     *ethlc.Client
	state   Storage
	cfg     Config
	clock   func() uint64
	emitter events.Emitter
}

// New wires a portal over the shared header store.
func New(store *headers.Store, gv *grandpa.Verifier, eth *ethlc.Client, state Storage, cfg Config) *Portal {
	return &Portal{
		store:   store,
		grandpa: gv,
		eth:     eth,
		state:   state,
		cfg:     cfg,
		clock:   func() uint64 { return 0 },
		emitter: events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (p *Portal) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		p.emitter = events.NoopEmitter{}
		return
	}
	p.emitter = emitter
}

// SetClock installs the source of the local block number.
func (p *Portal) SetClock(clock func() uint64) {
	if clock != nil {
		p.clock = clock
	}
}

func (p *Portal) emit(evt *types.Event) {
	if p == nil || p.emitter == nil || evt == nil {
		return
	}
	p.emitter.Emit(events.Wrap(evt))
}

// Store exposes the header store behind the portal.
func (p *Portal) Store() *headers.Store { return p.store }

// Vendor returns the verification vendor gw was registered with.
func (p *Portal) Vendor(gw types.GatewayID) (Vendor, error) {
	var v uint8
	ok, err := p.state.KVGet(vendorKey(gw), &v)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrGatewayNotRegistered
	}
	return Vendor(v), nil
}

// Register initializes the light client of gw with a vendor specific payload:
// a GRANDPA registration for substrate vendors, an RLP light client
// registration for Ethereum vendors.
func (p *Portal) Register(origin types.Origin, gw types.GatewayID, vendor Vendor, payload []byte) error {
	switch {
	case vendor.Substrate():
		if p.grandpa == nil {
			return errVerifierNotConfigured
		}
		if err := p.grandpa.Initialize(origin, gw, payload); err != nil {
			return err
		}
	case vendor.Ethereum():
		if p.eth == nil {
			return errVerifierNotConfigured
		}
		if err := p.eth.Initialize(origin, gw, payload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownVendor, uint8(vendor))
	}
	if err := p.state.KVPut(vendorKey(gw), uint8(vendor)); err != nil {
		return err
	}
	if best, err := p.store.BestFinalized(gw); err == nil {
		if err := p.heartbeat(gw, best.Number); err != nil {
			return err
		}
	}
	slog.Info("portal: gateway registered", "gateway", gw.String(), "vendor", vendor.String())
	p.emit(newGatewayRegisteredEvent(gw, vendor))
	return nil
}

// Reset drops the light client state of gw so it can be registered again.
func (p *Portal) Reset(origin types.Origin, gw types.GatewayID) error {
	vendor, err := p.Vendor(gw)
	if err != nil {
		return err
	}
	if vendor.Ethereum() {
		err = p.eth.Reset(origin, gw)
	} else {
		err = p.grandpa.Reset(origin, gw)
	}
	if err != nil {
		return err
	}
	if err := p.state.KVDelete(heartbeatKey(gw)); err != nil {
		return err
	}
	return p.state.KVDelete(vendorKey(gw))
}

// SubmitHeaders routes an encoded header submission to the light client of gw.
// Substrate relay gateways take GRANDPA header data, parachains take an RLP
// ParachainHeaderProof and Ethereum gateways take a light client update.
func (p *Portal) SubmitHeaders(origin types.Origin, gw types.GatewayID, payload []byte) error {
	vendor, err := p.Vendor(gw)
	if err != nil {
		return err
	}
	before := p.bestNumber(gw)
	switch {
	case vendor.Ethereum():
		err = p.eth.SubmitUpdate(origin, gw, payload)
	default:
		err = p.submitSubstrate(origin, gw, payload)
	}
	if err != nil {
		metrics.Headers().ObserveRejected(gw.String(), rejectReason(err))
		return err
	}
	best, err := p.store.BestFinalized(gw)
	if err != nil {
		return err
	}
	if best.Number > before {
		metrics.Headers().ObserveImported(gw.String(), int(best.Number-before))
	}
	metrics.Headers().SetBestFinalized(gw.String(), best.Number)
	return p.heartbeat(gw, best.Number)
}

func (p *Portal) submitSubstrate(origin types.Origin, gw types.GatewayID, payload []byte) error {
	record, err := p.store.Gateway(gw)
	if err != nil {
		return err
	}
	if record.GatewayKind() != headers.KindParachain {
		return p.grandpa.SubmitHeaders(origin, gw, payload)
	}
	var body proofs.ParachainHeaderProof
	if err := proofs.Decode(payload, &body); err != nil {
		return err
	}
	return p.grandpa.SubmitParachainHeader(origin, gw, body.RelayBlockHash, body.Proof)
}

// SubmitHeaderRange imports ancestors of an already verified anchor for
// substrate gateways and returns how many were stored.
func (p *Portal) SubmitHeaderRange(origin types.Origin, gw types.GatewayID, encodedHeaders [][]byte, anchor common.Hash) (int, error) {
	vendor, err := p.Vendor(gw)
	if err != nil {
		return 0, err
	}
	if !vendor.Substrate() {
		return 0, ErrRangeNotSupported
	}
	reverse := make([]grandpa.Header, 0, len(encodedHeaders))
	for _, raw := range encodedHeaders {
		h, err := grandpa.DecodeHeader(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrHeaderDecoding, err)
		}
		reverse = append(reverse, *h)
	}
	stored, err := p.grandpa.SubmitHeaderRange(origin, gw, reverse, anchor)
	if err != nil {
		metrics.Headers().ObserveRejected(gw.String(), rejectReason(err))
		return stored, err
	}
	metrics.Headers().ObserveImported(gw.String(), stored)
	return stored, nil
}

func (p *Portal) bestNumber(gw types.GatewayID) uint64 {
	best, err := p.store.BestFinalized(gw)
	if err != nil {
		return 0
	}
	return best.Number
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, headers.ErrOldHeader):
		return "old_header"
	case errors.Is(err, headers.ErrHalted):
		return "halted"
	case errors.Is(err, headers.ErrTooManyRequests):
		return "rate_limited"
	case errors.Is(err, grandpa.ErrInvalidJustification), errors.Is(err, ethlc.ErrInsufficientSignatures):
		return "invalid_finality"
	default:
		return "invalid"
	}
}

// SetOperational halts or resumes the light client of gw.
func (p *Portal) SetOperational(origin types.Origin, gw types.GatewayID, operational bool) error {
	return p.store.SetOperational(origin, gw, operational)
}

// IsOperational reports whether gw is registered and not halted.
func (p *Portal) IsOperational(gw types.GatewayID) bool {
	return p.store.IsOperational(gw)
}

// LatestFinalizedHeight returns the best finalized remote height of gw.
func (p *Portal) LatestFinalizedHeight(gw types.GatewayID) (uint64, error) {
	best, err := p.store.BestFinalized(gw)
	if err != nil {
		return 0, err
	}
	return best.Number, nil
}

// FinalityOffset returns the number of remote blocks a confirmation under
// speed waits for on gw.
func (p *Portal) FinalityOffset(gw types.GatewayID, speed types.SpeedMode) (uint64, error) {
	vendor, err := p.Vendor(gw)
	if err != nil {
		return 0, err
	}
	return vendor.FinalityOffset(speed), nil
}

func (p *Portal) heartbeat(gw types.GatewayID, remote uint64) error {
	var hb Heartbeat
	if _, err := p.state.KVGet(heartbeatKey(gw), &hb); err != nil {
		return err
	}
	local := p.clock()
	hb.observe(local, remote, p.cfg.HeartbeatWindow)
	if err := p.state.KVPut(heartbeatKey(gw), &hb); err != nil {
		return err
	}
	p.emit(newHeartbeatEvent(gw, local, remote))
	return nil
}

// Heartbeat returns the heartbeat record of gw.
func (p *Portal) Heartbeat(gw types.GatewayID) (*Heartbeat, error) {
	var hb Heartbeat
	ok, err := p.state.KVGet(heartbeatKey(gw), &hb)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGatewayNotRegistered
	}
	return &hb, nil
}

// EstimateLocalBlocks converts remoteBlocks of gw into local blocks using the
// heartbeat moving average. Without history it returns the emergency offset.
func (p *Portal) EstimateLocalBlocks(gw types.GatewayID, remoteBlocks uint64) uint64 {
	hb, err := p.Heartbeat(gw)
	if err != nil {
		return p.cfg.EmergencyOffset
	}
	local, ok := hb.EstimateLocal(remoteBlocks)
	if !ok || local == 0 {
		return p.cfg.EmergencyOffset
	}
	return local
}

// Offsets returns the local and remote block offsets a confirmation of gw
// under speed is expected within.
func (p *Portal) Offsets(gw types.GatewayID, speed types.SpeedMode) (local, remote uint64, err error) {
	remote, err = p.FinalityOffset(gw, speed)
	if err != nil {
		return 0, 0, err
	}
	return p.EstimateLocalBlocks(gw, remote), remote, nil
}

// EmergencyOffset returns the configured fallback offset in local blocks.
func (p *Portal) EmergencyOffset() uint64 { return p.cfg.EmergencyOffset }

// VerifyEventInclusion verifies proof against the light client of gw and
// checks that the including header satisfies speed: its height may not exceed
// the best finalized height plus the speed's finality offset. A non-empty
// source restricts the emitter.
func (p *Portal) VerifyEventInclusion(gw types.GatewayID, speed types.SpeedMode, source []byte, proof []byte) (*proofs.Inclusion, error) {
	vendor, err := p.Vendor(gw)
	if err != nil {
		return nil, err
	}
	if err := p.store.EnsureOperational(gw); err != nil {
		return nil, err
	}
	var inclusion *proofs.Inclusion
	if vendor.Ethereum() {
		inclusion, err = p.eth.VerifyEventInclusion(gw, proof, source)
	} else {
		inclusion, err = p.grandpa.VerifyEventInclusion(gw, proof, source)
	}
	if err != nil {
		return nil, err
	}
	best, err := p.LatestFinalizedHeight(gw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpeedModeNotSatisfied, err)
	}
	if inclusion.Height > best+vendor.FinalityOffset(speed) {
		return nil, fmt.Errorf("%w: height %d best %d", ErrSpeedModeNotSatisfied, inclusion.Height, best)
	}
	return inclusion, nil
}
