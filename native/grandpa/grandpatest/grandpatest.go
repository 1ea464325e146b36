// Package grandpatest builds deterministic voter sets, justified headers and
// parachain proofs for tests of GRANDPA consumers.
package grandpatest

import (
	"bytes"
	"crypto/ed25519"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/scale"
	"circuit/native/grandpa"
	"circuit/native/proofs"
)

// Voters is a GRANDPA voter set with known private keys.
type Voters struct {
	Keys  []ed25519.PrivateKey
	SetID uint64
}

// NewVoters derives n voters from fixed seeds offset by salt.
func NewVoters(n int, setID uint64, salt byte) *Voters {
	v := &Voters{SetID: setID}
	for i := 0; i < n; i++ {
		seed := bytes.Repeat([]byte{salt + byte(i) + 1}, ed25519.SeedSize)
		v.Keys = append(v.Keys, ed25519.NewKeyFromSeed(seed))
	}
	return v
}

// Authorities returns the public voter list with unit weights.
func (v *Voters) Authorities() []grandpa.Authority {
	out := make([]grandpa.Authority, 0, len(v.Keys))
	for _, key := range v.Keys {
		var id [32]byte
		copy(id[:], key.Public().(ed25519.PublicKey))
		out = append(out, grandpa.Authority{ID: id, Weight: 1})
	}
	return out
}

// Set returns the authority set of the voters.
func (v *Voters) Set() *grandpa.AuthoritySet {
	return &grandpa.AuthoritySet{Authorities: v.Authorities(), SetID: v.SetID}
}

// Justify returns a justification of h signed by every voter.
func (v *Voters) Justify(h *grandpa.Header, round uint64) grandpa.Justification {
	return v.JustifyWith(h, round, len(v.Keys))
}

// JustifyWith returns a justification of h signed by the first signers voters.
func (v *Voters) JustifyWith(h *grandpa.Header, round uint64, signers int) grandpa.Justification {
	hash := h.Hash()
	j := grandpa.Justification{
		Round:  round,
		Commit: grandpa.Commit{TargetHash: hash, TargetNumber: h.Number},
	}
	precommit := grandpa.Precommit{TargetHash: hash, TargetNumber: h.Number}
	payload := grandpa.PrecommitPayload(precommit, round, v.SetID)
	for i := 0; i < signers && i < len(v.Keys); i++ {
		signed := grandpa.SignedPrecommit{Precommit: precommit}
		copy(signed.Signature[:], ed25519.Sign(v.Keys[i], payload))
		copy(signed.ID[:], v.Keys[i].Public().(ed25519.PublicKey))
		j.Commit.Precommits = append(j.Commit.Precommits, signed)
	}
	return j
}

// Child returns a header on top of parent committing to stateRoot.
func Child(parent *grandpa.Header, stateRoot common.Hash) grandpa.Header {
	return grandpa.Header{
		ParentHash:     parent.Hash(),
		Number:         parent.Number + 1,
		StateRoot:      stateRoot,
		ExtrinsicsRoot: common.Hash{byte(parent.Number + 1), 0xee},
	}
}

// Genesis returns a header with the given number and no parent.
func Genesis(number uint32) grandpa.Header {
	return grandpa.Header{
		Number:         number,
		StateRoot:      common.Hash{0x5e},
		ExtrinsicsRoot: common.Hash{0xe0},
	}
}

// Chain returns n linked headers on top of parent.
func Chain(parent *grandpa.Header, n int) []grandpa.Header {
	out := make([]grandpa.Header, 0, n)
	prev := parent
	for i := 0; i < n; i++ {
		h := Child(prev, common.Hash{byte(prev.Number + 1), 0x5e})
		out = append(out, h)
		prev = &out[len(out)-1]
	}
	return out
}

// RelayRegistration encodes the registration of a relay chain whose first
// header is first.
func RelayRegistration(first grandpa.Header, v *Voters) []byte {
	reg := grandpa.Registration{Relay: &grandpa.RelayRegistration{
		FirstHeader: first,
		Authorities: v.Authorities(),
		SetID:       v.SetID,
	}}
	raw, err := reg.Encode()
	if err != nil {
		panic(err)
	}
	return raw
}

// ParachainRegistration encodes the registration of a parachain.
func ParachainRegistration(relay [4]byte, paraID uint32) []byte {
	reg := grandpa.Registration{Parachain: &grandpa.ParachainRegistration{RelayID: relay, ParaID: paraID}}
	raw, err := reg.Encode()
	if err != nil {
		panic(err)
	}
	return raw
}

// RelayState builds relay chain storage holding parachain heads and events.
type RelayState struct {
	builder *proofs.Builder
}

// NewRelayState returns empty relay storage.
func NewRelayState() *RelayState {
	return &RelayState{builder: proofs.NewBuilder()}
}

// PutParaHead stores the head of paraID as Paras::Heads does.
func (s *RelayState) PutParaHead(paraID uint32, head *grandpa.Header) {
	if err := s.builder.Put(proofs.ParasHeadsKey(paraID), scale.EncodeBytes(head.Encode())); err != nil {
		panic(err)
	}
}

// PutEvents stores the encoded System.Events value.
func (s *RelayState) PutEvents(events []byte) {
	if err := s.builder.Put(proofs.SystemEventsKey, events); err != nil {
		panic(err)
	}
}

// Root returns the storage root.
func (s *RelayState) Root() common.Hash { return s.builder.Root() }

// ParaHeadProof proves the head of paraID.
func (s *RelayState) ParaHeadProof(paraID uint32) [][]byte {
	return s.prove(proofs.ParasHeadsKey(paraID))
}

// EventsProof proves System.Events.
func (s *RelayState) EventsProof() [][]byte {
	return s.prove(proofs.SystemEventsKey)
}

func (s *RelayState) prove(key []byte) [][]byte {
	nodes, err := s.builder.Prove(key)
	if err != nil {
		panic(err)
	}
	return nodes
}
