package config

import (
	"fmt"
	"math/big"
	"strings"

	"circuit/core"
	"circuit/core/types"
)

// Runtime captures the engine parameters. Amounts are decimal strings.
type Runtime struct {
	SelfGateway         string `toml:"SelfGateway"`
	HeadersToKeep       uint64 `toml:"HeadersToKeep"`
	MaxRequestsPerBlock uint64 `toml:"MaxRequestsPerBlock"`
	SettlementsPerBlock int    `toml:"SettlementsPerBlock"`
	EscrowAccount       string `toml:"EscrowAccount"`
	SlashTreasury       string `toml:"SlashTreasury"`
	RewardPool          string `toml:"RewardPool"`

	EmergencyOffset uint64 `toml:"EmergencyOffset"`
	HeartbeatWindow int    `toml:"HeartbeatWindow"`

	SFXBiddingPeriod        uint64 `toml:"SFXBiddingPeriod"`
	XtxTimeoutDefault       uint64 `toml:"XtxTimeoutDefault"`
	XtxTimeoutCheckInterval uint64 `toml:"XtxTimeoutCheckInterval"`
	DeletionQueueLimit      int    `toml:"DeletionQueueLimit"`
	SignalQueueDepth        int    `toml:"SignalQueueDepth"`
	SignalsPerBlock         int    `toml:"SignalsPerBlock"`
	RemoteGracePeriod       uint64 `toml:"RemoteGracePeriod"`
	MinBidAmount            string `toml:"MinBidAmount"`

	MinAttesterBond      string `toml:"MinAttesterBond"`
	MinNominatorBond     string `toml:"MinNominatorBond"`
	DefaultCommission    uint8  `toml:"DefaultCommission"`
	MaxCommission        uint8  `toml:"MaxCommission"`
	ShufflingFrequency   uint64 `toml:"ShufflingFrequency"`
	CommitteeSize        int    `toml:"CommitteeSize"`
	BatchingWindow       uint64 `toml:"BatchingWindow"`
	RepatriationPeriod   uint64 `toml:"RepatriationPeriod"`
	ExpireAfterPeriods   uint32 `toml:"ExpireAfterPeriods"`
	LatePaymentPerPeriod string `toml:"LatePaymentPerPeriod"`
	RewardMultiplier     uint64 `toml:"RewardMultiplier"`
}

// RPC configures the HTTP surface.
type RPC struct {
	JWTSecretEnv      string  `toml:"JWTSecretEnv"`
	JWTSecret         string  `toml:"-"`
	RootSubject       string  `toml:"RootSubject"`
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
	IdempotencyDB     string  `toml:"IdempotencyDB"`
}

// Archive configures the audit store.
type Archive struct {
	Driver     string `toml:"Driver"`
	DSN        string `toml:"DSN"`
	DSNEnv     string `toml:"DSNEnv"`
	ParquetDir string `toml:"ParquetDir"`
}

// Telemetry configures OTLP export. An empty endpoint disables it.
type Telemetry struct {
	ServiceName  string `toml:"ServiceName"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	Insecure     bool   `toml:"Insecure"`
	// Headers is a comma separated key=value list sent with every export.
	Headers     string  `toml:"Headers"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// DefaultRuntime mirrors core.DefaultParams.
func DefaultRuntime() Runtime {
	p := core.DefaultParams()
	return Runtime{
		SelfGateway:             p.SelfGateway.String(),
		HeadersToKeep:           p.HeadersToKeep,
		MaxRequestsPerBlock:     p.MaxRequestsPerBlock,
		SettlementsPerBlock:     p.SettlementsPerBlock,
		EscrowAccount:           p.Treasury.Escrow.Hex(),
		SlashTreasury:           p.Treasury.SlashTreasury.Hex(),
		RewardPool:              p.Attesters.RewardPool.Hex(),
		EmergencyOffset:         p.Portal.EmergencyOffset,
		HeartbeatWindow:         p.Portal.HeartbeatWindow,
		SFXBiddingPeriod:        p.Circuit.BiddingPeriod,
		XtxTimeoutDefault:       p.Circuit.TimeoutDefault,
		XtxTimeoutCheckInterval: p.Circuit.TimeoutCheckInterval,
		DeletionQueueLimit:      p.Circuit.DeletionQueueLimit,
		SignalQueueDepth:        p.Circuit.SignalQueueDepth,
		SignalsPerBlock:         p.Circuit.SignalsPerBlock,
		RemoteGracePeriod:       p.Circuit.RemoteGracePeriod,
		MinBidAmount:            p.Circuit.MinBidAmount.String(),
		MinAttesterBond:         p.Attesters.MinAttesterBond.String(),
		MinNominatorBond:        p.Attesters.MinNominatorBond.String(),
		DefaultCommission:       p.Attesters.DefaultCommission,
		MaxCommission:           p.Attesters.MaxCommission,
		ShufflingFrequency:      p.Attesters.ShufflingFrequency,
		CommitteeSize:           p.Attesters.CommitteeSize,
		BatchingWindow:          p.Attesters.BatchingWindow,
		RepatriationPeriod:      p.Attesters.RepatriationPeriod,
		ExpireAfterPeriods:      p.Attesters.ExpireAfterPeriods,
		LatePaymentPerPeriod:    p.Attesters.LatePaymentPerPeriod.String(),
		RewardMultiplier:        p.Attesters.RewardMultiplier,
	}
}

// Params converts the section into runtime parameters.
func (r Runtime) Params() (core.Params, error) {
	p := core.DefaultParams()
	var err error
	if p.SelfGateway, err = types.ParseGatewayID(r.SelfGateway); err != nil {
		return p, fmt.Errorf("runtime.SelfGateway: %w", err)
	}
	if p.Treasury.Escrow, err = types.ParseAccountID(r.EscrowAccount); err != nil {
		return p, fmt.Errorf("runtime.EscrowAccount: %w", err)
	}
	if p.Treasury.SlashTreasury, err = types.ParseAccountID(r.SlashTreasury); err != nil {
		return p, fmt.Errorf("runtime.SlashTreasury: %w", err)
	}
	if p.Attesters.RewardPool, err = types.ParseAccountID(r.RewardPool); err != nil {
		return p, fmt.Errorf("runtime.RewardPool: %w", err)
	}
	p.Attesters.SlashTreasury = p.Treasury.SlashTreasury

	p.HeadersToKeep = r.HeadersToKeep
	p.MaxRequestsPerBlock = r.MaxRequestsPerBlock
	p.SettlementsPerBlock = r.SettlementsPerBlock
	p.Portal.EmergencyOffset = r.EmergencyOffset
	p.Portal.HeartbeatWindow = r.HeartbeatWindow

	p.Circuit.BiddingPeriod = r.SFXBiddingPeriod
	p.Circuit.TimeoutDefault = r.XtxTimeoutDefault
	p.Circuit.TimeoutCheckInterval = r.XtxTimeoutCheckInterval
	p.Circuit.DeletionQueueLimit = r.DeletionQueueLimit
	p.Circuit.SignalQueueDepth = r.SignalQueueDepth
	p.Circuit.SignalsPerBlock = r.SignalsPerBlock
	p.Circuit.RemoteGracePeriod = r.RemoteGracePeriod
	if p.Circuit.MinBidAmount, err = parseUintAmount(r.MinBidAmount); err != nil {
		return p, fmt.Errorf("runtime.MinBidAmount: %w", err)
	}

	if p.Attesters.MinAttesterBond, err = parseUintAmount(r.MinAttesterBond); err != nil {
		return p, fmt.Errorf("runtime.MinAttesterBond: %w", err)
	}
	if p.Attesters.MinNominatorBond, err = parseUintAmount(r.MinNominatorBond); err != nil {
		return p, fmt.Errorf("runtime.MinNominatorBond: %w", err)
	}
	if p.Attesters.LatePaymentPerPeriod, err = parseUintAmount(r.LatePaymentPerPeriod); err != nil {
		return p, fmt.Errorf("runtime.LatePaymentPerPeriod: %w", err)
	}
	p.Attesters.DefaultCommission = r.DefaultCommission
	p.Attesters.MaxCommission = r.MaxCommission
	p.Attesters.ShufflingFrequency = r.ShufflingFrequency
	p.Attesters.CommitteeSize = r.CommitteeSize
	p.Attesters.BatchingWindow = r.BatchingWindow
	p.Attesters.RepatriationPeriod = r.RepatriationPeriod
	p.Attesters.ExpireAfterPeriods = r.ExpireAfterPeriods
	p.Attesters.RewardMultiplier = r.RewardMultiplier
	return p, nil
}

func parseUintAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return v, nil
}
