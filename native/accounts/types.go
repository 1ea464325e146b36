package accounts

import (
	"fmt"
	"math/big"

	"circuit/core/types"
	"circuit/crypto"
)

// Outcome is the settlement decision recorded on a charge.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeCommit
	OutcomeRevert
	OutcomeSlash
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCommit:
		return "commit"
	case OutcomeRevert:
		return "revert"
	case OutcomeSlash:
		return "slash"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// BenefitSource labels where a settlement is paid from.
type BenefitSource uint8

const (
	SourceTrafficFees BenefitSource = iota
	SourceTrafficRewards
	SourceSlashTreasury
)

func (s BenefitSource) String() string {
	switch s {
	case SourceTrafficFees:
		return "traffic_fees"
	case SourceTrafficRewards:
		return "traffic_rewards"
	case SourceSlashTreasury:
		return "slash_treasury"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Role is the part the payee plays in the circuit.
type Role uint8

const (
	RoleRequester Role = iota
	RoleExecutor
	RoleAttester
	RoleStaker
)

func (r Role) String() string {
	switch r {
	case RoleRequester:
		return "requester"
	case RoleExecutor:
		return "executor"
	case RoleAttester:
		return "attester"
	case RoleStaker:
		return "staker"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Charge is an amount reserved from Payee until it is finalized. Recipient is
// who a commit settles to.
type Charge struct {
	Payee     types.AccountID
	Recipient *types.AccountID `rlp:"nil"`
	Asset     types.AssetID
	Amount    *big.Int
	Source    BenefitSource
	Role      Role
	Outcome   Outcome
}

// Clone returns a deep copy of the charge.
func (c *Charge) Clone() *Charge {
	if c == nil {
		return nil
	}
	out := *c
	out.Amount = cloneAmount(c.Amount)
	if c.Recipient != nil {
		recipient := *c.Recipient
		out.Recipient = &recipient
	}
	return &out
}

// Settlement is a committed charge waiting to be paid out of the escrow
// account.
type Settlement struct {
	ChargeID  [32]byte
	Requester types.AccountID
	Recipient types.AccountID
	Asset     types.AssetID
	Amount    *big.Int
	Outcome   Outcome
	Source    BenefitSource
	Role      Role
	Block     uint64
}

// ChargeID derives the charge identifier of a side effect.
func ChargeID(xtxID, sfxID [32]byte) [32]byte {
	return crypto.Keccak256(xtxID[:], sfxID[:])
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
