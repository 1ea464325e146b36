package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"circuit/config"
	"circuit/core"
	"circuit/core/types"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(6000), cfg.BlockIntervalMs)
	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Runtime, again.Runtime)
	require.Equal(t, cfg.Archive, again.Archive)
}

func TestDefaultRuntimeMatchesParams(t *testing.T) {
	params, err := config.DefaultRuntime().Params()
	require.NoError(t, err)
	want := core.DefaultParams()
	require.Equal(t, want.SelfGateway, params.SelfGateway)
	require.Equal(t, want.Treasury, params.Treasury)
	require.Equal(t, want.Attesters.RewardPool, params.Attesters.RewardPool)
	require.Equal(t, want.Attesters.BatchingWindow, params.Attesters.BatchingWindow)
	require.Equal(t, want.Circuit.BiddingPeriod, params.Circuit.BiddingPeriod)
	require.Equal(t, "1000", params.Attesters.MinAttesterBond.String())
	require.Equal(t, "1", params.Circuit.MinBidAmount.String())
}

func TestLoadOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `DataDir = "/var/lib/circuit"
BlockIntervalMs = 2000

[runtime]
SelfGateway = "circ"
CommitteeSize = 8
MinAttesterBond = "5000"

[archive]
Driver = "postgres"
DSNEnv = "CIRCUIT_TEST_DSN"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	t.Setenv("CIRCUIT_TEST_DSN", "postgres://archive")
	t.Setenv("CIRCUIT_RPC_JWT_SECRET", "s3cret")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://archive", cfg.Archive.DSN)
	require.Equal(t, "s3cret", cfg.RPC.JWTSecret)
	require.Equal(t, "/var/lib/circuit/exports", cfg.Resolve(cfg.Archive.ParquetDir))

	params, err := cfg.Runtime.Params()
	require.NoError(t, err)
	require.Equal(t, types.GatewayID{'c', 'i', 'r', 'c'}, params.SelfGateway)
	require.Equal(t, 8, params.Attesters.CommitteeSize)
	require.Equal(t, "5000", params.Attesters.MinAttesterBond.String())
	require.Equal(t, uint64(100), params.HeadersToKeep)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ValidatorKey = \"abc\"\n"), 0o600))
	_, err := config.Load(path)
	require.ErrorContains(t, err, "ValidatorKey")
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		msg    string
	}{
		{"block interval", func(c *config.Config) { c.BlockIntervalMs = 0 }, "BlockIntervalMs"},
		{"repatriation", func(c *config.Config) { c.Runtime.RepatriationPeriod = 6 }, "RepatriationPeriod"},
		{"commission", func(c *config.Config) { c.Runtime.DefaultCommission = 101 }, "DefaultCommission"},
		{"min bid", func(c *config.Config) { c.Runtime.MinBidAmount = "0" }, "MinBidAmount"},
		{"bad amount", func(c *config.Config) { c.Runtime.MinAttesterBond = "-1" }, "MinAttesterBond"},
		{"treasury", func(c *config.Config) { c.Runtime.SlashTreasury = c.Runtime.EscrowAccount }, "SlashTreasury"},
		{"driver", func(c *config.Config) { c.Archive.Driver = "mysql" }, "mysql"},
		{"gateway", func(c *config.Config) { c.Runtime.SelfGateway = "toolong" }, "SelfGateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			require.ErrorContains(t, config.ValidateConfig(cfg), tc.msg)
		})
	}
	require.NoError(t, config.ValidateConfig(config.Default()))
}
