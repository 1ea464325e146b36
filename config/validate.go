package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects configurations the runtime cannot run with.
func ValidateConfig(c *Config) error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir is required")
	}
	if c.BlockIntervalMs == 0 {
		return fmt.Errorf("BlockIntervalMs must be positive")
	}
	p, err := c.Runtime.Params()
	if err != nil {
		return err
	}
	if p.HeadersToKeep == 0 {
		return fmt.Errorf("runtime: HeadersToKeep must be positive")
	}
	if p.Attesters.BatchingWindow == 0 || p.Attesters.ShufflingFrequency == 0 {
		return fmt.Errorf("runtime: BatchingWindow and ShufflingFrequency must be positive")
	}
	if p.Attesters.RepatriationPeriod <= p.Attesters.BatchingWindow {
		return fmt.Errorf("runtime: RepatriationPeriod must exceed BatchingWindow")
	}
	if p.Attesters.CommitteeSize <= 0 {
		return fmt.Errorf("runtime: CommitteeSize must be positive")
	}
	if p.Attesters.DefaultCommission > p.Attesters.MaxCommission {
		return fmt.Errorf("runtime: DefaultCommission > MaxCommission")
	}
	if p.Circuit.MinBidAmount.Sign() == 0 {
		return fmt.Errorf("runtime: MinBidAmount must be positive")
	}
	if p.Treasury.Escrow == p.Treasury.SlashTreasury {
		return fmt.Errorf("runtime: EscrowAccount and SlashTreasury must differ")
	}
	switch c.Archive.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("archive: unsupported driver %q", c.Archive.Driver)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0, 1]")
	}
	if c.RPC.RequestsPerSecond < 0 || c.RPC.Burst < 0 {
		return fmt.Errorf("rpc: rate limits must be non-negative")
	}
	return nil
}
