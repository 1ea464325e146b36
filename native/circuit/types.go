package circuit

import (
	"fmt"
	"math/big"

	"circuit/core/types"
)

// Status is the lifecycle position of an order.
type Status uint8

const (
	StatusRequested Status = iota
	StatusReserved
	StatusPendingBidding
	StatusInBidding
	StatusKilled
	StatusReady
	StatusPendingExecution
	StatusFinished
	StatusFinishedAllSteps
	StatusReverted
	StatusCommitted
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusReserved:
		return "reserved"
	case StatusPendingBidding:
		return "pending_bidding"
	case StatusInBidding:
		return "in_bidding"
	case StatusKilled:
		return "killed"
	case StatusReady:
		return "ready"
	case StatusPendingExecution:
		return "pending_execution"
	case StatusFinished:
		return "finished"
	case StatusFinishedAllSteps:
		return "finished_all_steps"
	case StatusReverted:
		return "reverted"
	case StatusCommitted:
		return "committed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusKilled, StatusReverted, StatusFinishedAllSteps, StatusCommitted:
		return true
	}
	return false
}

// Cause explains a kill or revert.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseTimeout
	CauseIntentionalKill
	CauseDroppedAtBidding
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseTimeout:
		return "timeout"
	case CauseIntentionalKill:
		return "intentional_kill"
	case CauseDroppedAtBidding:
		return "dropped_at_bidding"
	default:
		return fmt.Sprintf("cause(%d)", uint8(c))
	}
}

// AdaptiveTimeout carries the deadlines of an order in local and remote
// heights. HasDLQ is set while the order is parked in the dead letter queue
// since block DLQBlock.
type AdaptiveTimeout struct {
	EstimatedHeightHere   uint64
	EstimatedHeightThere  uint64
	SubmitByHeightHere    uint64
	SubmitByHeightThere   uint64
	EmergencyTimeoutHere  uint64
	EmergencyTimeoutThere uint64
	HasDLQ                bool
	DLQBlock              uint64
}

// XExecSignal is the stored state of an order.
type XExecSignal struct {
	Requester       types.AccountID
	Nonce           uint32
	Status          Status
	Cause           Cause
	Speed           types.SpeedMode
	Timeouts        AdaptiveTimeout
	CurrentStep     uint32
	Steps           uint32
	CreatedAt       uint64
	BiddingDeadline uint64
	RewardAsset     types.AssetID
	RemoteOrigin    *types.GatewayID `rlp:"nil"`
}

// Local reports whether the requester's rewards are escrowed on this chain.
func (x *XExecSignal) Local() bool { return x.RemoteOrigin == nil }

// DLQEntry records why an order waits for its targets to come back.
type DLQEntry struct {
	Block   uint64
	Targets []types.GatewayID
	Speed   types.SpeedMode
}

// SignalKind selects what a queued signal asks for.
type SignalKind uint8

const (
	SignalKill SignalKind = iota
)

// Signal is a queued short-circuit request for an order.
type Signal struct {
	Requester types.AccountID
	XtxID     [32]byte
	Kind      SignalKind
}

// Config holds the order engine parameters.
type Config struct {
	BiddingPeriod        uint64
	TimeoutDefault       uint64
	TimeoutCheckInterval uint64
	DeletionQueueLimit   int
	SignalQueueDepth     int
	SignalsPerBlock      int
	RemoteGracePeriod    uint64
	MinBidAmount         *big.Int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BiddingPeriod:        3,
		TimeoutDefault:       400,
		TimeoutCheckInterval: 1,
		DeletionQueueLimit:   100,
		SignalQueueDepth:     64,
		SignalsPerBlock:      8,
		RemoteGracePeriod:    100,
		MinBidAmount:         big.NewInt(1),
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.BiddingPeriod == 0 {
		c.BiddingPeriod = def.BiddingPeriod
	}
	if c.TimeoutDefault == 0 {
		c.TimeoutDefault = def.TimeoutDefault
	}
	if c.TimeoutCheckInterval == 0 {
		c.TimeoutCheckInterval = def.TimeoutCheckInterval
	}
	if c.DeletionQueueLimit <= 0 {
		c.DeletionQueueLimit = def.DeletionQueueLimit
	}
	if c.SignalQueueDepth <= 0 {
		c.SignalQueueDepth = def.SignalQueueDepth
	}
	if c.SignalsPerBlock <= 0 {
		c.SignalsPerBlock = def.SignalsPerBlock
	}
	if c.MinBidAmount == nil || c.MinBidAmount.Sign() <= 0 {
		c.MinBidAmount = def.MinBidAmount
	}
	return c
}
