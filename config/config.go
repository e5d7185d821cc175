package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Storage backends accepted by Config.Backend.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// FeeSettings seeds the fee engine at first start. Later changes go through
// the admin RPC and live in state, not in this file.
type FeeSettings struct {
	LockFeeRateBps    uint32 `toml:"LockFeeRateBps"`
	ReleaseFeeRateBps uint32 `toml:"ReleaseFeeRateBps"`
	Recipient         string `toml:"Recipient"`
	Enabled           bool   `toml:"Enabled"`
}

// RateLimitSettings configures the per-address operation limiter.
type RateLimitSettings struct {
	WindowSeconds   uint64   `toml:"WindowSeconds"`
	MaxOperations   uint32   `toml:"MaxOperations"`
	CooldownSeconds uint64   `toml:"CooldownSeconds"`
	Whitelist       []string `toml:"Whitelist"`
}

// HTTPSettings configures the RPC listener and its transport-level limiter.
type HTTPSettings struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
	AuthToken         string  `toml:"AuthToken"`
}

type Config struct {
	ListenAddress string            `toml:"ListenAddress"`
	DataDir       string            `toml:"DataDir"`
	Backend       string            `toml:"Backend"`
	Environment   string            `toml:"Environment"`
	AdminAddress  string            `toml:"AdminAddress"`
	TokenSymbol   string            `toml:"TokenSymbol"`
	Fees          FeeSettings       `toml:"fees"`
	RateLimit     RateLimitSettings `toml:"ratelimit"`
	HTTP          HTTPSettings      `toml:"http"`
}

// Load reads the configuration from the given path. A missing file is
// populated with defaults and written back so a fresh deployment starts from
// a working template.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress: "0.0.0.0:8645",
		DataDir:       "./escrow-data",
		Backend:       BackendLevelDB,
		Environment:   "local",
		TokenSymbol:   "USDC",
		RateLimit: RateLimitSettings{
			WindowSeconds:   3600,
			MaxOperations:   10,
			CooldownSeconds: 60,
		},
		HTTP: HTTPSettings{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "0.0.0.0:8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = BackendLevelDB
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 3600
	}
	if c.RateLimit.MaxOperations == 0 {
		c.RateLimit.MaxOperations = 10
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		c.HTTP.RequestsPerSecond = 50
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 100
	}
}

// Validate checks the loaded configuration for values that cannot be
// defaulted around.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Backend)
	}
	if c.AdminAddress != "" {
		if _, err := ParseAddress(c.AdminAddress); err != nil {
			return fmt.Errorf("config: invalid AdminAddress: %w", err)
		}
	}
	if c.Fees.Recipient != "" {
		if _, err := ParseAddress(c.Fees.Recipient); err != nil {
			return fmt.Errorf("config: invalid fees.Recipient: %w", err)
		}
	}
	for _, entry := range c.RateLimit.Whitelist {
		if _, err := ParseAddress(entry); err != nil {
			return fmt.Errorf("config: invalid ratelimit.Whitelist entry %q: %w", entry, err)
		}
	}
	return nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex address.
func ParseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, err
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address must be %d bytes, got %d", len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}
