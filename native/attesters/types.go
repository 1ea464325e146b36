package attesters

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"circuit/core/types"
	"circuit/crypto"
)

// NativeAsset is the asset bonds, nominations and commit rewards are held in.
const NativeAsset = types.NativeAsset

// Attester is a registered attester and its signing keys. The sr25519 key is
// kept for remote verifiers; the circuit never signs or verifies with it.
type Attester struct {
	Account    types.AccountID
	KeyEC      [33]byte
	KeyED      [32]byte
	KeySR      [32]byte
	Commission uint8
	Index      uint32
}

// Nomination is stake placed on an attester.
type Nomination struct {
	Attester  types.AccountID
	Nominator types.AccountID
	Amount    *big.Int
}

type pendingUnnomination struct {
	Attester  types.AccountID
	Nominator types.AccountID
	Amount    *big.Int
	Due       uint64
}

type pendingDeregistration struct {
	Attester types.AccountID
	Due      uint64
}

// BatchStatus is the position of a batch in its lifecycle. Statuses only
// move forward.
type BatchStatus uint8

const (
	BatchPendingMessage BatchStatus = iota
	BatchPendingAttestation
	BatchReadyByMajority
	BatchReadyFullyApproved
	BatchCommitted
	BatchExpired
	BatchRepatriated
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPendingMessage:
		return "pending_message"
	case BatchPendingAttestation:
		return "pending_attestation"
	case BatchReadyByMajority:
		return "ready_for_submission_by_majority"
	case BatchReadyFullyApproved:
		return "ready_for_submission_fully_approved"
	case BatchCommitted:
		return "committed"
	case BatchExpired:
		return "expired"
	case BatchRepatriated:
		return "repatriated"
	default:
		return fmt.Sprintf("batch_status(%d)", uint8(s))
	}
}

// Signable reports whether attesters may still sign a batch in status s.
func (s BatchStatus) Signable() bool {
	return s == BatchPendingAttestation || s == BatchReadyByMajority
}

// Latency tracks how many repatriation periods a batch missed and how many
// of them were paid out.
type Latency struct {
	Missed      uint32
	Repatriated uint32
}

// OnTime reports whether the batch never missed a period.
func (l Latency) OnTime() bool { return l.Missed == 0 }

func (l Latency) String() string {
	if l.OnTime() {
		return "on_time"
	}
	return fmt.Sprintf("late(%d,%d)", l.Missed, l.Repatriated)
}

// Signature is one attester's signature over a batch hash.
type Signature struct {
	Index     uint32
	Signature []byte
}

// Batch is the unit the committee signs for one target gateway.
type Batch struct {
	Target          types.GatewayID
	Index           uint32
	NextCommittee   [][]byte
	BannedCommittee [][]byte
	Committed       [][32]byte
	Reverted        [][32]byte
	Signatures      []Signature
	Created         uint64
	Status          BatchStatus
	Latency         Latency
}

// Empty reports whether the accumulator has nothing to attest.
func (b *Batch) Empty() bool {
	return len(b.NextCommittee) == 0 && len(b.BannedCommittee) == 0 && len(b.Committed) == 0 && len(b.Reverted) == 0
}

// Message is the on-wire message remote verifiers rebuild:
// next committee, banned committee, committed ids, reverted ids and the
// little-endian batch index.
func (b *Batch) Message() []byte {
	var out []byte
	for _, addr := range b.NextCommittee {
		out = append(out, addr...)
	}
	for _, addr := range b.BannedCommittee {
		out = append(out, addr...)
	}
	for _, id := range b.Committed {
		out = append(out, id[:]...)
	}
	for _, id := range b.Reverted {
		out = append(out, id[:]...)
	}
	return binary.LittleEndian.AppendUint32(out, b.Index)
}

// Hash is keccak256 of the batch message.
func (b *Batch) Hash() [32]byte {
	return crypto.Keccak256(b.Message())
}

// Signed reports whether attester index already signed the batch.
func (b *Batch) Signed(index uint32) bool {
	for _, s := range b.Signatures {
		if s.Index == index {
			return true
		}
	}
	return false
}

type batchRef struct {
	Target types.GatewayID
	Index  uint32
}

// Config holds the attester registry and batching parameters.
type Config struct {
	MinAttesterBond      *big.Int
	MinNominatorBond     *big.Int
	DefaultCommission    uint8
	MaxCommission        uint8
	ShufflingFrequency   uint64
	CommitteeSize        int
	BatchingWindow       uint64
	RepatriationPeriod   uint64
	ExpireAfterPeriods   uint32
	LatePaymentPerPeriod *big.Int
	RewardMultiplier     uint64
	RewardPool           types.AccountID
	SlashTreasury        types.AccountID
	Seed                 [32]byte
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinAttesterBond:      big.NewInt(1000),
		MinNominatorBond:     big.NewInt(100),
		DefaultCommission:    10,
		MaxCommission:        100,
		ShufflingFrequency:   400,
		CommitteeSize:        32,
		BatchingWindow:       6,
		RepatriationPeriod:   60,
		ExpireAfterPeriods:   3,
		LatePaymentPerPeriod: big.NewInt(1),
		RewardMultiplier:     1,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MinAttesterBond == nil {
		c.MinAttesterBond = def.MinAttesterBond
	}
	if c.MinNominatorBond == nil {
		c.MinNominatorBond = def.MinNominatorBond
	}
	if c.MaxCommission == 0 {
		c.MaxCommission = def.MaxCommission
	}
	if c.DefaultCommission > c.MaxCommission {
		c.DefaultCommission = c.MaxCommission
	}
	if c.ShufflingFrequency == 0 {
		c.ShufflingFrequency = def.ShufflingFrequency
	}
	if c.CommitteeSize <= 0 {
		c.CommitteeSize = def.CommitteeSize
	}
	if c.BatchingWindow == 0 {
		c.BatchingWindow = def.BatchingWindow
	}
	if c.RepatriationPeriod == 0 {
		c.RepatriationPeriod = def.RepatriationPeriod
	}
	if c.ExpireAfterPeriods == 0 {
		c.ExpireAfterPeriods = def.ExpireAfterPeriods
	}
	if c.LatePaymentPerPeriod == nil {
		c.LatePaymentPerPeriod = def.LatePaymentPerPeriod
	}
	if c.RewardMultiplier == 0 {
		c.RewardMultiplier = def.RewardMultiplier
	}
	return c
}

// MajorityThreshold is the signature count that makes a batch submittable:
// two thirds of the committee, rounded up.
func (c Config) MajorityThreshold() int {
	return (2*c.CommitteeSize + 2) / 3
}
