package config

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"sponsorvault/crypto"
	"sponsorvault/native/fees"
	"sponsorvault/storage"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for dealsd.
type Config struct {
	Listen         string          `yaml:"listen" toml:"listen"`
	Env            string          `yaml:"env" toml:"env"`
	MaxConnections int             `yaml:"max_connections" toml:"max_connections"`
	Vault          string          `yaml:"vault" toml:"vault"`
	Storage        StorageConfig   `yaml:"storage" toml:"storage"`
	Token          TokenConfig     `yaml:"token" toml:"token"`
	ExtraTokens    []TokenConfig   `yaml:"extra_tokens" toml:"extra_tokens"`
	Bootstrap      BootstrapConfig `yaml:"bootstrap" toml:"bootstrap"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Store          StoreConfig     `yaml:"store" toml:"store"`
	Journal        JournalConfig   `yaml:"journal" toml:"journal"`
	Watcher        WatcherConfig   `yaml:"watcher" toml:"watcher"`
	Logging        LoggingConfig   `yaml:"logging" toml:"logging"`
}

// StorageConfig selects the state database.
type StorageConfig struct {
	Engine string `yaml:"engine" toml:"engine"`
	Path   string `yaml:"path" toml:"path"`
}

// TokenConfig describes a state-backed token ledger.
type TokenConfig struct {
	Name    string       `yaml:"name" toml:"name"`
	Symbol  string       `yaml:"symbol" toml:"symbol"`
	Version string       `yaml:"version" toml:"version"`
	ChainID uint64       `yaml:"chain_id" toml:"chain_id"`
	Address string       `yaml:"address" toml:"address"`
	Genesis []Allocation `yaml:"genesis" toml:"genesis"`
}

// Allocation mints Amount to Address the first time the daemon initialises.
type Allocation struct {
	Address string `yaml:"address" toml:"address"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// BootstrapConfig seeds the access gate on first start.
type BootstrapConfig struct {
	Custodian      string `yaml:"custodian" toml:"custodian"`
	FeeRecipient   string `yaml:"fee_recipient" toml:"fee_recipient"`
	PlatformFeeBps uint32 `yaml:"platform_fee_bps" toml:"platform_fee_bps"`
}

// AuthConfig controls custodian bearer-token validation.
type AuthConfig struct {
	Secret    string   `yaml:"secret" toml:"secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StoreConfig locates the idempotency and audit database.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// JournalConfig selects the notification journal backend.
type JournalConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// WatcherConfig tunes the deadline watcher.
type WatcherConfig struct {
	Disabled bool     `yaml:"disabled" toml:"disabled"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level"`
	File      string `yaml:"file" toml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" toml:"max_size_mb"`
}

const (
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"

	minSecretLength = 16
)

// Load reads the configuration from disk. Files ending in .toml are decoded as
// TOML, everything else as YAML. Environment overrides are applied before
// defaults and validation.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode toml config: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and deployment knobs from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("DEALSD_JWT_SECRET")); v != "" {
		c.Auth.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("DEALSD_ENV")); v != "" {
		c.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("DEALSD_LISTEN")); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("DEALSD_JOURNAL_DSN")); v != "" {
		c.Journal.DSN = v
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8090"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 512
	}
	if strings.TrimSpace(c.Storage.Engine) == "" {
		c.Storage.Engine = storage.EngineLevelDB
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "data/state"
	}
	if strings.TrimSpace(c.Token.Name) == "" {
		c.Token.Name = "Sponsor Dollar"
	}
	if strings.TrimSpace(c.Token.Version) == "" {
		c.Token.Version = "1"
	}
	if c.Token.ChainID == 0 {
		c.Token.ChainID = 1
	}
	if c.Bootstrap.PlatformFeeBps == 0 {
		c.Bootstrap.PlatformFeeBps = fees.DefaultPlatformFeeBps
	}
	if c.Auth.ClockSkew.Duration <= 0 {
		c.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 60
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "data/dealsd.db"
	}
	if strings.TrimSpace(c.Journal.Driver) == "" {
		c.Journal.Driver = JournalSQLite
	}
	if c.Journal.Driver == JournalSQLite && strings.TrimSpace(c.Journal.DSN) == "" {
		c.Journal.DSN = "data/journal.db"
	}
	if c.Watcher.Interval.Duration <= 0 {
		c.Watcher.Interval.Duration = 30 * time.Second
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch c.Storage.Engine {
	case storage.EngineMemory, storage.EngineLevelDB, storage.EngineBolt:
	default:
		return fmt.Errorf("unsupported storage engine %q", c.Storage.Engine)
	}
	if _, err := c.VaultAddress(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := c.Token.validate(); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	seen := map[crypto.Address]string{}
	for _, tok := range append([]TokenConfig{c.Token}, c.ExtraTokens...) {
		if err := tok.validate(); err != nil {
			return fmt.Errorf("token %s: %w", tok.Symbol, err)
		}
		addr, _ := tok.ParsedAddress()
		if other, dup := seen[addr]; dup {
			return fmt.Errorf("tokens %s and %s share address %s", other, tok.Symbol, addr.Hex())
		}
		seen[addr] = tok.Symbol
	}
	if strings.TrimSpace(c.Bootstrap.Custodian) != "" {
		if _, err := parseNonZero(c.Bootstrap.Custodian); err != nil {
			return fmt.Errorf("bootstrap custodian: %w", err)
		}
		if _, err := parseNonZero(c.Bootstrap.FeeRecipient); err != nil {
			return fmt.Errorf("bootstrap fee recipient: %w", err)
		}
	}
	if err := fees.ValidateBps(c.Bootstrap.PlatformFeeBps); err != nil {
		return fmt.Errorf("bootstrap platform fee: %w", err)
	}
	if len(strings.TrimSpace(c.Auth.Secret)) < minSecretLength {
		return fmt.Errorf("auth secret must be at least %d characters (set DEALSD_JWT_SECRET)", minSecretLength)
	}
	switch c.Journal.Driver {
	case JournalSQLite, JournalPostgres:
	default:
		return fmt.Errorf("unsupported journal driver %q", c.Journal.Driver)
	}
	if strings.TrimSpace(c.Journal.DSN) == "" {
		return errors.New("journal dsn required")
	}
	return nil
}

// VaultAddress parses the custody address.
func (c Config) VaultAddress() (crypto.Address, error) {
	return parseNonZero(c.Vault)
}

// ParsedAddress parses the token contract address.
func (t TokenConfig) ParsedAddress() (crypto.Address, error) {
	return parseNonZero(t.Address)
}

func (t TokenConfig) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return errors.New("symbol required")
	}
	if _, err := t.ParsedAddress(); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	for _, alloc := range t.Genesis {
		if _, _, err := alloc.Parse(); err != nil {
			return err
		}
	}
	return nil
}

// Parse returns the allocation's recipient and amount.
func (a Allocation) Parse() (crypto.Address, *big.Int, error) {
	addr, err := parseNonZero(a.Address)
	if err != nil {
		return crypto.Address{}, nil, fmt.Errorf("genesis address: %w", err)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(a.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return crypto.Address{}, nil, fmt.Errorf("genesis amount %q must be a positive integer", a.Amount)
	}
	return addr, amount, nil
}

func parseNonZero(raw string) (crypto.Address, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return crypto.Address{}, err
	}
	if addr.IsZero() {
		return crypto.Address{}, errors.New("zero address")
	}
	return addr, nil
}

// ParseAddress parses a non-zero address in hex or bech32 form.
func ParseAddress(raw string) (crypto.Address, error) {
	return parseNonZero(raw)
}
