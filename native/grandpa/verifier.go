package grandpa

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/scale"
	"circuit/core/events"
	"circuit/core/types"
	"circuit/native/headers"
	"circuit/native/proofs"
	"circuit/observability/metrics"
)

var (
	ErrInvalidAuthoritySet               = errors.New("grandpa: invalid authority set")
	ErrInvalidJustification              = errors.New("grandpa: invalid justification")
	ErrUnsupportedScheduledChange        = errors.New("grandpa: unsupported scheduled change")
	ErrHeaderDecoding                    = errors.New("grandpa: header decoding error")
	ErrJustificationDecoding             = errors.New("grandpa: justification decoding error")
	ErrRegistrationDecoding              = errors.New("grandpa: registration decoding error")
	ErrNotRelaychain                     = errors.New("grandpa: gateway is not a relay chain")
	ErrNoParachainEntryFound             = errors.New("grandpa: no parachain entry found")
	ErrRelaychainStorageRootNotAvailable = errors.New("grandpa: relay chain storage root not available")
	ErrInvalidRangeLinkage               = errors.New("grandpa: invalid range linkage")
	ErrInvalidJustificationLinkage       = errors.New("grandpa: invalid justification linkage")
	ErrEmptyRangeSubmitted               = errors.New("grandpa: empty range submitted")
	ErrRangeTooLarge                     = errors.New("grandpa: range too large")
	ErrInvalidAnchorHeader               = errors.New("grandpa: invalid anchor header")
	ErrOldHeader                         = headers.ErrOldHeader
	ErrHalted                            = headers.ErrHalted
	ErrTooManyRequests                   = headers.ErrTooManyRequests
	ErrUnknownHeader                     = headers.ErrUnknownHeader
)

// Storage is the subset of the state manager holding authority sets.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

func authoritiesKey(gw types.GatewayID) []byte {
	return []byte(fmt.Sprintf("grandpa/authorities/%x", gw[:]))
}

// Verifier imports GRANDPA finalized headers into the header store.
type Verifier struct {
	store   *headers.Store
	state   Storage
	emitter events.Emitter
}

// NewVerifier returns a verifier writing into store and keeping authority sets
// in state.
func NewVerifier(store *headers.Store, state Storage) *Verifier {
	return &Verifier{store: store, state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (v *Verifier) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

func (v *Verifier) emit(evt *types.Event) {
	if v == nil || v.emitter == nil || evt == nil {
		return
	}
	v.emitter.Emit(events.Wrap(evt))
}

// Store returns the header store the verifier writes to.
func (v *Verifier) Store() *headers.Store { return v.store }

func ensureSubmitter(origin types.Origin) error {
	if origin.IsRoot() {
		return nil
	}
	_, err := origin.EnsureSigned()
	return err
}

// Initialize registers gw from a SCALE encoded Registration.
func (v *Verifier) Initialize(origin types.Origin, gw types.GatewayID, payload []byte) error {
	reg, err := DecodeRegistration(payload)
	if err != nil {
		return err
	}
	return v.InitializeWith(origin, gw, reg)
}

// InitializeWith registers gw from a decoded registration.
func (v *Verifier) InitializeWith(origin types.Origin, gw types.GatewayID, reg *Registration) error {
	switch {
	case reg.Relay != nil:
		if len(reg.Relay.Authorities) == 0 {
			return ErrInvalidAuthoritySet
		}
		record := headers.Gateway{ID: gw, Kind: uint8(headers.KindRelay)}
		if reg.Relay.Owner != nil {
			record.Owner, record.HasOwner = *reg.Relay.Owner, true
		}
		initial := reg.Relay.FirstHeader.Stored()
		if err := v.store.Initialize(origin, record, &initial); err != nil {
			return err
		}
		set := AuthoritySet{Authorities: reg.Relay.Authorities, SetID: reg.Relay.SetID}
		return v.state.KVPut(authoritiesKey(gw), &set)
	case reg.Parachain != nil:
		record := headers.Gateway{
			ID:      gw,
			Kind:    uint8(headers.KindParachain),
			RelayID: reg.Parachain.RelayID,
			ParaID:  reg.Parachain.ParaID,
		}
		return v.store.Initialize(origin, record, nil)
	default:
		return fmt.Errorf("%w: empty registration", ErrRegistrationDecoding)
	}
}

// AuthoritySet returns the current voter set of a relay gateway.
func (v *Verifier) AuthoritySet(gw types.GatewayID) (*AuthoritySet, error) {
	var set AuthoritySet
	ok, err := v.state.KVGet(authoritiesKey(gw), &set)
	if err != nil {
		return nil, err
	}
	if !ok || len(set.Authorities) == 0 {
		return nil, ErrInvalidAuthoritySet
	}
	return &set, nil
}

// Reset clears gw from the header store together with its voter set.
func (v *Verifier) Reset(origin types.Origin, gw types.GatewayID) error {
	if err := v.store.Reset(origin, gw); err != nil {
		return err
	}
	return v.state.KVDelete(authoritiesKey(gw))
}

func (v *Verifier) relayGateway(gw types.GatewayID) error {
	record, err := v.store.Gateway(gw)
	if err != nil {
		return err
	}
	if record.GatewayKind() != headers.KindRelay {
		return ErrNotRelaychain
	}
	if err := v.store.EnsureOperational(gw); err != nil {
		return err
	}
	return v.store.CheckRequests(gw)
}

// SubmitFinalityProof imports a relay header justified by j.
func (v *Verifier) SubmitFinalityProof(origin types.Origin, gw types.GatewayID, header *Header, j *Justification) error {
	if err := ensureSubmitter(origin); err != nil {
		return err
	}
	if header == nil {
		return fmt.Errorf("%w: missing header", ErrHeaderDecoding)
	}
	if err := v.relayGateway(gw); err != nil {
		return err
	}
	best, err := v.store.BestFinalized(gw)
	if err != nil {
		return err
	}
	if uint64(header.Number) <= best.Number {
		metrics.Headers().ObserveRejected(gw.String(), "old_header")
		return ErrOldHeader
	}
	set, err := v.AuthoritySet(gw)
	if err != nil {
		return err
	}
	hash := header.Hash()
	if err := VerifyJustification(set, hash, header.Number, j); err != nil {
		metrics.Headers().ObserveRejected(gw.String(), "justification")
		return err
	}
	change, err := findScheduledChange(header)
	if err != nil {
		return err
	}
	stored := header.Stored()
	if err := v.store.Write(gw, &stored); err != nil {
		return err
	}
	if err := v.store.SetBest(gw, hash); err != nil {
		return err
	}
	if err := v.store.BumpRequests(gw); err != nil {
		return err
	}
	if err := v.enactChange(gw, set, change); err != nil {
		return err
	}
	v.emit(newHeadersAddedEvent(gw, header.Number, hash, 1))
	return nil
}

func (v *Verifier) enactChange(gw types.GatewayID, current *AuthoritySet, change *ScheduledChange) error {
	if change == nil {
		return nil
	}
	if len(change.NextAuthorities) == 0 {
		return ErrInvalidAuthoritySet
	}
	next := AuthoritySet{Authorities: change.NextAuthorities, SetID: current.SetID + 1}
	if err := v.state.KVPut(authoritiesKey(gw), &next); err != nil {
		return err
	}
	slog.Info("grandpa: authority set changed", "gateway", gw.String(), "set_id", next.SetID, "size", len(next.Authorities))
	v.emit(newAuthoritySetChangedEvent(gw, next.SetID, len(next.Authorities)))
	return nil
}

// SubmitHeaders imports SCALE encoded HeaderData.
func (v *Verifier) SubmitHeaders(origin types.Origin, gw types.GatewayID, payload []byte) error {
	data, err := DecodeHeaderData(payload)
	if err != nil {
		return err
	}
	return v.SubmitHeaderData(origin, gw, data)
}

// SubmitHeaderData imports a forward range linked to the best finalized header
// and closed by a justified header. Nothing is written unless the whole range
// links.
func (v *Verifier) SubmitHeaderData(origin types.Origin, gw types.GatewayID, data *HeaderData) error {
	if err := ensureSubmitter(origin); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("%w: missing header data", ErrHeaderDecoding)
	}
	if err := v.relayGateway(gw); err != nil {
		return err
	}
	if uint64(len(data.Range))+1 > v.store.HeadersToKeep() {
		return ErrRangeTooLarge
	}
	best, err := v.store.BestFinalized(gw)
	if err != nil {
		return err
	}
	set, err := v.AuthoritySet(gw)
	if err != nil {
		return err
	}
	signedHash := data.SignedHeader.Hash()
	if err := VerifyJustification(set, signedHash, data.SignedHeader.Number, &data.Justification); err != nil {
		metrics.Headers().ObserveRejected(gw.String(), "justification")
		return err
	}
	change, err := findScheduledChange(&data.SignedHeader)
	if err != nil {
		return err
	}
	batch := make([]headers.Header, 0, len(data.Range)+1)
	running := best.Hash
	for i := range data.Range {
		if data.Range[i].ParentHash != running {
			return ErrInvalidRangeLinkage
		}
		stored := data.Range[i].Stored()
		batch = append(batch, stored)
		running = stored.Hash
	}
	if data.SignedHeader.ParentHash != running {
		return ErrInvalidJustificationLinkage
	}
	batch = append(batch, data.SignedHeader.Stored())
	for i := range batch {
		if err := v.store.Write(gw, &batch[i]); err != nil {
			return err
		}
	}
	if err := v.store.SetBest(gw, signedHash); err != nil {
		return err
	}
	if err := v.store.BumpRequests(gw); err != nil {
		return err
	}
	if err := v.enactChange(gw, set, change); err != nil {
		return err
	}
	v.emit(newHeadersAddedEvent(gw, data.SignedHeader.Number, signedHash, len(batch)))
	return nil
}

func (v *Verifier) parachainHead(record *headers.Gateway, relayHash common.Hash, proof [][]byte) (*Header, error) {
	if record.GatewayKind() != headers.KindParachain {
		return nil, ErrNoParachainEntryFound
	}
	roots, err := v.store.Roots(record.RelayID, relayHash)
	if err != nil {
		if errors.Is(err, headers.ErrUnknownHeader) {
			return nil, ErrRelaychainStorageRootNotAvailable
		}
		return nil, err
	}
	value, err := proofs.VerifyTrieProof(roots.StateRoot, proofs.ParasHeadsKey(record.ParaID), proof)
	if err != nil {
		if errors.Is(err, proofs.ErrValueMissing) {
			return nil, ErrNoParachainEntryFound
		}
		return nil, err
	}
	encoded, err := scale.DecodeBytes(value)
	if err != nil {
		return nil, fmt.Errorf("%w: head data: %v", ErrHeaderDecoding, err)
	}
	return DecodeHeader(encoded)
}

// SubmitParachainHeader imports the head of a parachain proven against the
// state root of a finalized header of its relay chain.
func (v *Verifier) SubmitParachainHeader(origin types.Origin, gw types.GatewayID, relayHash common.Hash, proof [][]byte) error {
	if err := ensureSubmitter(origin); err != nil {
		return err
	}
	record, err := v.store.Gateway(gw)
	if err != nil {
		if errors.Is(err, headers.ErrUnknownGateway) {
			return ErrNoParachainEntryFound
		}
		return err
	}
	if record.GatewayKind() != headers.KindParachain {
		return ErrNoParachainEntryFound
	}
	if err := v.store.EnsureOperational(gw); err != nil {
		return err
	}
	if err := v.store.CheckRequests(gw); err != nil {
		return err
	}
	head, err := v.parachainHead(record, relayHash, proof)
	if err != nil {
		return err
	}
	stored := head.Stored()
	if err := v.store.Write(gw, &stored); err != nil {
		return err
	}
	if err := v.store.SetBest(gw, stored.Hash); err != nil {
		return err
	}
	if err := v.store.BumpRequests(gw); err != nil {
		return err
	}
	v.emit(newParachainHeaderEvent(gw, head.Number, stored.Hash, relayHash))
	return nil
}

// SubmitHeaderRange imports ancestors of an already imported anchor. The
// headers are ordered from the anchor's parent backwards; the walk stops at the
// first header that does not link and the linked prefix is kept. The best
// finalized header is not changed.
func (v *Verifier) SubmitHeaderRange(origin types.Origin, gw types.GatewayID, reverse []Header, anchor common.Hash) (int, error) {
	if err := ensureSubmitter(origin); err != nil {
		return 0, err
	}
	if _, err := v.store.Gateway(gw); err != nil {
		return 0, err
	}
	if err := v.store.EnsureOperational(gw); err != nil {
		return 0, err
	}
	if err := v.store.CheckRequests(gw); err != nil {
		return 0, err
	}
	if len(reverse) == 0 {
		return 0, ErrEmptyRangeSubmitted
	}
	if uint64(len(reverse)) >= v.store.HeadersToKeep() {
		return 0, ErrRangeTooLarge
	}
	anchorHeader, err := v.store.Header(gw, anchor)
	if err != nil {
		return 0, ErrInvalidAnchorHeader
	}
	cursor := anchorHeader.ParentHash
	stored := 0
	for i := range reverse {
		h := reverse[i].Stored()
		if h.Hash != cursor {
			break
		}
		if err := v.store.Write(gw, &h); err != nil {
			return stored, err
		}
		cursor = h.ParentHash
		stored++
	}
	if err := v.store.BumpRequests(gw); err != nil {
		return stored, err
	}
	dropped := len(reverse) - stored
	if dropped > 0 {
		slog.Warn("grandpa: header range truncated", "gateway", gw.String(), "stored", stored, "dropped", dropped)
	}
	v.emit(newRangeImportedEvent(gw, anchor, stored, dropped))
	return stored, nil
}

// VerifyEventInclusion checks that the payload carried by an RLP inclusion
// proof was deposited in System.Events of a finalized block of gw. A non-empty
// source must match the emitting contract encoded in the payload.
func (v *Verifier) VerifyEventInclusion(gw types.GatewayID, encodedProof []byte, source []byte) (*proofs.Inclusion, error) {
	record, err := v.store.Gateway(gw)
	if err != nil {
		return nil, err
	}
	var (
		eventsValue []byte
		payload     []byte
		height      uint64
		including   common.Hash
	)
	switch record.GatewayKind() {
	case headers.KindRelay:
		var proof proofs.RelayInclusionProof
		if err := proofs.Decode(encodedProof, &proof); err != nil {
			return nil, err
		}
		header, err := v.store.Header(gw, proof.BlockHash)
		if err != nil {
			return nil, err
		}
		eventsValue, err = proofs.VerifyTrieProof(header.StateRoot, proofs.SystemEventsKey, proof.StorageProof)
		if err != nil {
			return nil, err
		}
		payload, height, including = proof.Payload, header.Number, proof.BlockHash
	case headers.KindParachain:
		var proof proofs.ParachainInclusionProof
		if err := proofs.Decode(encodedProof, &proof); err != nil {
			return nil, err
		}
		head, err := v.parachainHead(record, proof.RelayBlockHash, proof.HeaderProof)
		if err != nil {
			return nil, err
		}
		eventsValue, err = proofs.VerifyTrieProof(head.StateRoot, proofs.SystemEventsKey, proof.StorageProof)
		if err != nil {
			return nil, err
		}
		payload, height, including = proof.Payload, uint64(head.Number), proof.RelayBlockHash
	default:
		return nil, fmt.Errorf("%w: %s gateway", ErrNotRelaychain, record.GatewayKind())
	}
	if err := proofs.ContainsEvent(eventsValue, payload); err != nil {
		return nil, err
	}
	if err := proofs.CheckVMSource(source, payload); err != nil {
		return nil, err
	}
	return &proofs.Inclusion{Height: height, Message: payload, IncludingHeader: including}, nil
}
