package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"cylo/core/state"
	"cylo/crypto"
)

const rpcTokenEnv = "CYLO_RPC_TOKEN"

// Allocation seeds a token balance on first boot so the escrow ledger has
// funded principals to operate on.
type Allocation struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token"`
	Amount  string `toml:"Amount"`
}

// Config holds the daemon settings loaded from the TOML file.
type Config struct {
	ListenAddress string       `toml:"ListenAddress"`
	DataDir       string       `toml:"DataDir"`
	NetworkName   string       `toml:"NetworkName"`
	Environment   string       `toml:"Environment"`
	Alloc         []Allocation `toml:"alloc"`
}

// Default returns the configuration written when no file exists yet.
func Default() Config {
	return Config{
		ListenAddress: "127.0.0.1:8645",
		DataDir:       "./cylo-data",
		NetworkName:   "cylo-localnet",
		Environment:   "dev",
	}
}

// Load reads the config at path, creating it with defaults when absent.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func createDefault(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cfg := Default()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks the loaded settings, including every genesis allocation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must not be empty")
	}
	for i := range c.Alloc {
		if err := c.Alloc[i].validate(); err != nil {
			return fmt.Errorf("alloc entry %d: %w", i, err)
		}
	}
	return nil
}

func (a *Allocation) validate() error {
	if _, err := crypto.DecodeAddress(strings.TrimSpace(a.Address)); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if _, err := state.NormalizeToken(a.Token); err != nil {
		return err
	}
	amount := strings.TrimSpace(a.Amount)
	if amount == "" {
		return fmt.Errorf("amount required")
	}
	for _, r := range amount {
		if r < '0' || r > '9' {
			return fmt.Errorf("amount %q must be a base-10 integer", a.Amount)
		}
	}
	return nil
}

// RPCToken returns the bearer token the RPC server authenticates against.
// It is deliberately sourced from the environment rather than the config file
// so the credential never lands on disk next to the data directory.
func RPCToken() string {
	return strings.TrimSpace(os.Getenv(rpcTokenEnv))
}
