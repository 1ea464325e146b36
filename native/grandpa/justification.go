package grandpa

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"circuit/codec/scale"
)

// Authority is a GRANDPA voter and its weight.
type Authority struct {
	ID     [32]byte
	Weight uint64
}

// AuthoritySet is the voter set finalizing a relay chain.
type AuthoritySet struct {
	Authorities []Authority
	SetID       uint64
}

// Threshold returns the signed weight a justification needs: the total weight
// minus the largest faulty minority.
func (s *AuthoritySet) Threshold() uint64 {
	total := s.TotalWeight()
	if total == 0 {
		return 0
	}
	return total - (total-1)/3
}

// TotalWeight sums the weight of every authority.
func (s *AuthoritySet) TotalWeight() uint64 {
	var total uint64
	for _, a := range s.Authorities {
		total += a.Weight
	}
	return total
}

func (s *AuthoritySet) weightOf(id [32]byte) (uint64, bool) {
	for _, a := range s.Authorities {
		if a.ID == id {
			return a.Weight, true
		}
	}
	return 0, false
}

// Precommit is a vote for a block.
type Precommit struct {
	TargetHash   common.Hash
	TargetNumber uint32
}

// SignedPrecommit is a precommit signed by an authority.
type SignedPrecommit struct {
	Precommit Precommit
	Signature [64]byte
	ID        [32]byte
}

// Commit gathers the precommits finalizing a target block.
type Commit struct {
	TargetHash   common.Hash
	TargetNumber uint32
	Precommits   []SignedPrecommit
}

// Justification proves finality of Commit.TargetHash.
type Justification struct {
	Round           uint64
	Commit          Commit
	VotesAncestries []Header
}

// PrecommitPayload returns the message an authority signs for a precommit.
func PrecommitPayload(p Precommit, round, setID uint64) []byte {
	buf := make([]byte, 0, 1+32+4+8+8)
	buf = append(buf, 1)
	buf = append(buf, p.TargetHash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, p.TargetNumber)
	buf = binary.LittleEndian.AppendUint64(buf, round)
	return binary.LittleEndian.AppendUint64(buf, setID)
}

// Encode returns the SCALE encoding of the justification.
func (j *Justification) Encode() []byte {
	enc := scale.NewEncoder()
	j.encodeTo(enc)
	return enc.Bytes()
}

func (j *Justification) encodeTo(enc *scale.Encoder) {
	enc.PutU64(j.Round)
	enc.PutFixed(j.Commit.TargetHash[:])
	enc.PutU32(j.Commit.TargetNumber)
	enc.PutCompact(uint64(len(j.Commit.Precommits)))
	for _, p := range j.Commit.Precommits {
		enc.PutFixed(p.Precommit.TargetHash[:])
		enc.PutU32(p.Precommit.TargetNumber)
		enc.PutFixed(p.Signature[:])
		enc.PutFixed(p.ID[:])
	}
	enc.PutCompact(uint64(len(j.VotesAncestries)))
	for i := range j.VotesAncestries {
		enc.PutFixed(j.VotesAncestries[i].Encode())
	}
}

// DecodeJustification parses a SCALE encoded justification.
func DecodeJustification(data []byte) (*Justification, error) {
	dec := scale.NewDecoder(data)
	j, err := decodeJustification(dec)
	if err != nil {
		return nil, err
	}
	if err := dec.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJustificationDecoding, err)
	}
	return j, nil
}

func decodeJustification(dec *scale.Decoder) (*Justification, error) {
	wrap := func(field string, err error) error {
		return fmt.Errorf("%w: %s: %v", ErrJustificationDecoding, field, err)
	}
	var j Justification
	var err error
	if j.Round, err = dec.U64(); err != nil {
		return nil, wrap("round", err)
	}
	target, err := dec.Fixed(32)
	if err != nil {
		return nil, wrap("target hash", err)
	}
	copy(j.Commit.TargetHash[:], target)
	if j.Commit.TargetNumber, err = dec.U32(); err != nil {
		return nil, wrap("target number", err)
	}
	count, err := dec.Compact()
	if err != nil {
		return nil, wrap("precommits", err)
	}
	const precommitSize = 32 + 4 + 64 + 32
	if count*precommitSize > uint64(dec.Remaining()) {
		return nil, wrap("precommits", scale.ErrUnexpectedEOF)
	}
	for i := uint64(0); i < count; i++ {
		var p SignedPrecommit
		raw, err := dec.Fixed(precommitSize)
		if err != nil {
			return nil, wrap("precommit", err)
		}
		copy(p.Precommit.TargetHash[:], raw[:32])
		p.Precommit.TargetNumber = binary.LittleEndian.Uint32(raw[32:36])
		copy(p.Signature[:], raw[36:100])
		copy(p.ID[:], raw[100:])
		j.Commit.Precommits = append(j.Commit.Precommits, p)
	}
	ancestries, err := dec.Compact()
	if err != nil {
		return nil, wrap("votes ancestries", err)
	}
	if ancestries > uint64(dec.Remaining()) {
		return nil, wrap("votes ancestries", scale.ErrUnexpectedEOF)
	}
	for i := uint64(0); i < ancestries; i++ {
		h, err := decodeHeader(dec)
		if err != nil {
			return nil, err
		}
		j.VotesAncestries = append(j.VotesAncestries, *h)
	}
	return &j, nil
}

// VerifyJustification checks that j finalizes (hash, number) under set.
func VerifyJustification(set *AuthoritySet, hash common.Hash, number uint32, j *Justification) error {
	if set == nil || len(set.Authorities) == 0 {
		return ErrInvalidAuthoritySet
	}
	if j == nil {
		return fmt.Errorf("%w: missing justification", ErrInvalidJustification)
	}
	if j.Commit.TargetHash != hash || j.Commit.TargetNumber != number {
		return fmt.Errorf("%w: commit targets %s, expected %s", ErrInvalidJustification, j.Commit.TargetHash.Hex(), hash.Hex())
	}
	ancestry := make(map[common.Hash]*Header, len(j.VotesAncestries))
	for i := range j.VotesAncestries {
		h := &j.VotesAncestries[i]
		ancestry[h.Hash()] = h
	}
	seen := make(map[[32]byte]struct{}, len(j.Commit.Precommits))
	var signed uint64
	for _, p := range j.Commit.Precommits {
		weight, ok := set.weightOf(p.ID)
		if !ok {
			return fmt.Errorf("%w: unknown voter %x", ErrInvalidJustification, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate vote from %x", ErrInvalidJustification, p.ID)
		}
		seen[p.ID] = struct{}{}
		if !descendsFrom(ancestry, p.Precommit, hash, number) {
			return fmt.Errorf("%w: precommit %s is not a descendant of the target", ErrInvalidJustification, p.Precommit.TargetHash.Hex())
		}
		payload := PrecommitPayload(p.Precommit, j.Round, set.SetID)
		if !ed25519.Verify(ed25519.PublicKey(p.ID[:]), payload, p.Signature[:]) {
			return fmt.Errorf("%w: bad signature from %x", ErrInvalidJustification, p.ID)
		}
		signed += weight
	}
	if signed < set.Threshold() {
		return fmt.Errorf("%w: signed weight %d below threshold %d", ErrInvalidJustification, signed, set.Threshold())
	}
	return nil
}

func descendsFrom(ancestry map[common.Hash]*Header, p Precommit, target common.Hash, targetNumber uint32) bool {
	if p.TargetHash == target {
		return true
	}
	if p.TargetNumber < targetNumber {
		return false
	}
	current := p.TargetHash
	for steps := 0; steps <= len(ancestry); steps++ {
		h, ok := ancestry[current]
		if !ok {
			return false
		}
		if h.ParentHash == target {
			return true
		}
		current = h.ParentHash
	}
	return false
}
