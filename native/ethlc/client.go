// Package ethlc follows an Ethereum chain through headers signed by a rotating
// committee of secp256k1 signers and verifies receipt inclusion against the
// imported receipts roots.
package ethlc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"circuit/core/events"
	"circuit/core/types"
	circuitcrypto "circuit/crypto"
	"circuit/native/headers"
	"circuit/native/proofs"
)

var (
	ErrDecoding               = errors.New("ethlc: decoding error")
	ErrEmptyCommittee         = errors.New("ethlc: committee is empty")
	ErrNotEthereum            = errors.New("ethlc: gateway is not an ethereum light client")
	ErrEmptyUpdate            = errors.New("ethlc: update carries no headers")
	ErrInvalidLinkage         = errors.New("ethlc: header does not extend the finalized chain")
	ErrInsufficientSignatures = errors.New("ethlc: insufficient committee signatures")
	ErrOldHeader              = headers.ErrOldHeader
	ErrHalted                 = headers.ErrHalted
)

// Storage is the subset of the state manager holding committees.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

func committeeKey(gw types.GatewayID) []byte {
	return []byte(fmt.Sprintf("ethlc/committee/%x", gw[:]))
}

// Committee is the signer set attesting finalized headers for a period.
type Committee struct {
	Members []common.Address
	Period  uint64
}

// Threshold returns the number of distinct member signatures an update needs.
func (c *Committee) Threshold() int {
	return (2*len(c.Members) + 2) / 3
}

func (c *Committee) contains(addr common.Address) bool {
	for _, m := range c.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// CommitteeHash commits to an ordered member list. An empty list hashes to the
// zero hash.
func CommitteeHash(members []common.Address) common.Hash {
	if len(members) == 0 {
		return common.Hash{}
	}
	buf := make([]byte, 0, len(members)*common.AddressLength)
	for _, m := range members {
		buf = append(buf, m.Bytes()...)
	}
	return common.Hash(circuitcrypto.Keccak256(buf))
}

// SigningDigest is the digest committee members sign for an update ending at
// headerHash.
func SigningDigest(headerHash common.Hash, nextCommittee []common.Address) common.Hash {
	next := CommitteeHash(nextCommittee)
	return common.Hash(circuitcrypto.Keccak256(headerHash.Bytes(), next.Bytes()))
}

// Registration initializes an Ethereum gateway.
type Registration struct {
	Header    []byte
	Committee []common.Address
	Period    uint64
}

// Update extends the finalized chain. Headers are RLP encoded and ascending.
type Update struct {
	Headers       [][]byte
	Signatures    [][]byte
	NextCommittee []common.Address
}

// StoredHeader converts a go-ethereum header into its header store form.
func StoredHeader(h *gethtypes.Header) headers.Header {
	return headers.Header{
		Number:         h.Number.Uint64(),
		Hash:           h.Hash(),
		ParentHash:     h.ParentHash,
		StateRoot:      h.Root,
		ExtrinsicsRoot: h.TxHash,
		ReceiptsRoot:   h.ReceiptHash,
	}
}

func decodeHeader(raw []byte) (*gethtypes.Header, error) {
	var h gethtypes.Header
	if err := rlp.DecodeBytes(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrDecoding, err)
	}
	if h.Number == nil {
		return nil, fmt.Errorf("%w: header without number", ErrDecoding)
	}
	return &h, nil
}

// Client imports committee signed Ethereum headers into the header store.
type Client struct {
	store   *headers.Store
	state   Storage
	emitter events.Emitter
}

// NewClient returns a light client writing into store.
func NewClient(store *headers.Store, state Storage) *Client {
	return &Client{store: store, state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (c *Client) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

func (c *Client) emit(evt *types.Event) {
	if c == nil || c.emitter == nil || evt == nil {
		return
	}
	c.emitter.Emit(events.Wrap(evt))
}

// Initialize registers gw from an RLP encoded Registration.
func (c *Client) Initialize(origin types.Origin, gw types.GatewayID, payload []byte) error {
	var reg Registration
	if err := rlp.DecodeBytes(payload, &reg); err != nil {
		return fmt.Errorf("%w: registration: %v", ErrDecoding, err)
	}
	return c.InitializeWith(origin, gw, &reg)
}

// InitializeWith registers gw from a decoded registration.
func (c *Client) InitializeWith(origin types.Origin, gw types.GatewayID, reg *Registration) error {
	if len(reg.Committee) == 0 {
		return ErrEmptyCommittee
	}
	checkpoint, err := decodeHeader(reg.Header)
	if err != nil {
		return err
	}
	stored := StoredHeader(checkpoint)
	record := headers.Gateway{ID: gw, Kind: uint8(headers.KindEthereum)}
	if err := c.store.Initialize(origin, record, &stored); err != nil {
		return err
	}
	committee := Committee{Members: reg.Committee, Period: reg.Period}
	return c.state.KVPut(committeeKey(gw), &committee)
}

// Committee returns the current committee of gw.
func (c *Client) Committee(gw types.GatewayID) (*Committee, error) {
	var committee Committee
	ok, err := c.state.KVGet(committeeKey(gw), &committee)
	if err != nil {
		return nil, err
	}
	if !ok || len(committee.Members) == 0 {
		return nil, ErrEmptyCommittee
	}
	return &committee, nil
}

// Reset clears gw from the header store together with its committee.
func (c *Client) Reset(origin types.Origin, gw types.GatewayID) error {
	if err := c.store.Reset(origin, gw); err != nil {
		return err
	}
	return c.state.KVDelete(committeeKey(gw))
}

// SubmitUpdate imports an RLP encoded Update.
func (c *Client) SubmitUpdate(origin types.Origin, gw types.GatewayID, payload []byte) error {
	var update Update
	if err := rlp.DecodeBytes(payload, &update); err != nil {
		return fmt.Errorf("%w: update: %v", ErrDecoding, err)
	}
	return c.SubmitUpdateWith(origin, gw, &update)
}

// SubmitUpdateWith imports headers linked to the best finalized header whose
// last element is signed by a two-thirds majority of the committee. A signed
// next committee replaces the current one.
func (c *Client) SubmitUpdateWith(origin types.Origin, gw types.GatewayID, update *Update) error {
	if !origin.IsRoot() {
		if _, err := origin.EnsureSigned(); err != nil {
			return err
		}
	}
	record, err := c.store.Gateway(gw)
	if err != nil {
		return err
	}
	if record.GatewayKind() != headers.KindEthereum {
		return ErrNotEthereum
	}
	if err := c.store.EnsureOperational(gw); err != nil {
		return err
	}
	if err := c.store.CheckRequests(gw); err != nil {
		return err
	}
	if len(update.Headers) == 0 {
		return ErrEmptyUpdate
	}
	best, err := c.store.BestFinalized(gw)
	if err != nil {
		return err
	}
	batch := make([]headers.Header, 0, len(update.Headers))
	parent, number := best.Hash, best.Number
	for _, raw := range update.Headers {
		h, err := decodeHeader(raw)
		if err != nil {
			return err
		}
		stored := StoredHeader(h)
		if stored.Number <= number {
			return ErrOldHeader
		}
		if stored.ParentHash != parent || stored.Number != number+1 {
			return ErrInvalidLinkage
		}
		batch = append(batch, stored)
		parent, number = stored.Hash, stored.Number
	}
	committee, err := c.Committee(gw)
	if err != nil {
		return err
	}
	digest := SigningDigest(parent, update.NextCommittee)
	signers := make(map[common.Address]struct{}, len(update.Signatures))
	for _, sig := range update.Signatures {
		addr, err := circuitcrypto.RecoverAddress(digest.Bytes(), sig)
		if err != nil || !committee.contains(addr) {
			continue
		}
		signers[addr] = struct{}{}
	}
	if len(signers) < committee.Threshold() {
		return fmt.Errorf("%w: %d of %d", ErrInsufficientSignatures, len(signers), committee.Threshold())
	}
	for i := range batch {
		if err := c.store.Write(gw, &batch[i]); err != nil {
			return err
		}
	}
	if err := c.store.SetBest(gw, parent); err != nil {
		return err
	}
	if err := c.store.BumpRequests(gw); err != nil {
		return err
	}
	if len(update.NextCommittee) > 0 {
		next := Committee{Members: update.NextCommittee, Period: committee.Period + 1}
		if err := c.state.KVPut(committeeKey(gw), &next); err != nil {
			return err
		}
		slog.Info("ethlc: committee rotated", "gateway", gw.String(), "period", next.Period, "size", len(next.Members))
		c.emit(newCommitteeRotatedEvent(gw, next.Period, len(next.Members)))
	}
	c.emit(newHeadersAddedEvent(gw, number, parent, len(batch)))
	return nil
}

// VerifyEventInclusion checks an RLP ReceiptInclusionProof against the
// receipts root of an imported header and returns the selected log encoded as
// RLP [address, topics, data]. A non-empty source must equal the log address.
func (c *Client) VerifyEventInclusion(gw types.GatewayID, encodedProof []byte, source []byte) (*proofs.Inclusion, error) {
	var proof proofs.ReceiptInclusionProof
	if err := proofs.Decode(encodedProof, &proof); err != nil {
		return nil, err
	}
	header, err := c.store.Header(gw, proof.BlockHash)
	if err != nil {
		return nil, err
	}
	receipt, err := proofs.VerifyTrieProof(header.ReceiptsRoot, proofs.ReceiptKey(proof.TxIndex), proof.Proof)
	if err != nil {
		return nil, err
	}
	log, err := proofs.ReceiptLog(receipt, proof.LogIndex)
	if err != nil {
		return nil, err
	}
	if err := proofs.CheckLogSource(log, source); err != nil {
		return nil, err
	}
	message, err := proofs.EncodeLog(log)
	if err != nil {
		return nil, err
	}
	return &proofs.Inclusion{Height: header.Number, Message: message, IncludingHeader: proof.BlockHash}, nil
}
