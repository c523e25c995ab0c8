package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TokenConfig declares a fungible asset the ledger will hold in escrow.
type TokenConfig struct {
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Decimals uint8  `toml:"Decimals"`
}

type Config struct {
	RPCAddress   string        `toml:"RPCAddress"`
	DataDir      string        `toml:"DataDir"`
	AdminAddress string        `toml:"AdminAddress"`
	MaxBatchSize int           `toml:"MaxBatchSize"`
	LogFile      string        `toml:"LogFile"`
	LogMaxSizeMB int           `toml:"LogMaxSizeMB"`
	Tokens       []TokenConfig `toml:"Tokens"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./paylock-data"
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 64
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 64
	}
	if cfg.Tokens == nil {
		cfg.Tokens = []TokenConfig{}
	}
}

func validate(cfg *Config) error {
	if admin := strings.TrimSpace(cfg.AdminAddress); admin != "" {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(admin, "0x"), "0X")
		if len(trimmed) != 40 {
			return fmt.Errorf("AdminAddress must be a 20-byte hex address")
		}
	}
	seen := make(map[string]bool, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if symbol == "" {
			return fmt.Errorf("token entry missing Symbol")
		}
		if seen[symbol] {
			return fmt.Errorf("token %s declared twice", symbol)
		}
		seen[symbol] = true
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
