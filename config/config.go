package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the node configuration loaded from TOML.
type Config struct {
	DataDir         string `toml:"DataDir"`
	GenesisFile     string `toml:"GenesisFile"`
	RPCAddress      string `toml:"RPCAddress"`
	Environment     string `toml:"Environment"`
	LogFile         string `toml:"LogFile"`
	BlockIntervalMs uint64 `toml:"BlockIntervalMs"`

	Runtime   Runtime   `toml:"runtime"`
	RPC       RPC       `toml:"rpc"`
	Archive   Archive   `toml:"archive"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Load loads the configuration from path. A missing file is created with
// the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	applyEnv(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         "./circuit-data",
		RPCAddress:      ":8545",
		Environment:     "dev",
		BlockIntervalMs: 6000,
		Runtime:         DefaultRuntime(),
		RPC: RPC{
			JWTSecretEnv:      "CIRCUIT_RPC_JWT_SECRET",
			RequestsPerSecond: 20,
			Burst:             40,
			IdempotencyDB:     "idempotency.db",
		},
		Archive: Archive{
			Driver:     "sqlite",
			DSN:        "archive.db",
			DSNEnv:     "CIRCUIT_ARCHIVE_DSN",
			ParquetDir: "exports",
		},
		Telemetry: Telemetry{ServiceName: "circuitd", Insecure: true},
	}
}

// createDefault writes the default configuration to path.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnv fills secrets from the environment. Secrets never live in the
// file itself.
func applyEnv(cfg *Config) {
	if env := strings.TrimSpace(cfg.Archive.DSNEnv); env != "" {
		if dsn := strings.TrimSpace(os.Getenv(env)); dsn != "" {
			cfg.Archive.DSN = dsn
		}
	}
	if env := strings.TrimSpace(cfg.RPC.JWTSecretEnv); env != "" {
		cfg.RPC.JWTSecret = os.Getenv(env)
	}
}

// Resolve joins a relative path onto the data directory.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}
