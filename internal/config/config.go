package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env      string `mapstructure:"VLT_ENV"`
	HTTPAddr string `mapstructure:"VLT_HTTP_ADDR"`
	LogLevel string `mapstructure:"VLT_LOG_LEVEL"`

	Vault    VaultConfig    `mapstructure:",squash"`
	Roles    RoleConfig     `mapstructure:",squash"`
	Gates    GateConfig     `mapstructure:",squash"`
	Prices   PriceConfig    `mapstructure:",squash"`
	Store    StoreConfig    `mapstructure:",squash"`
	Database DBConfig       `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type VaultConfig struct {
	ChainID       uint64        `mapstructure:"VLT_CHAIN_ID"`
	VaultAddress  string        `mapstructure:"VLT_VAULT_ADDRESS"`
	DomainName    string        `mapstructure:"VLT_DOMAIN_NAME"`
	DomainVersion string        `mapstructure:"VLT_DOMAIN_VERSION"`
	SinkAddress   string        `mapstructure:"VLT_SINK_ADDRESS"`
	AssetDecimals uint8         `mapstructure:"VLT_ASSET_DECIMALS"`
	ShareDecimals uint8         `mapstructure:"VLT_SHARE_DECIMALS"`
	DepositTTL    time.Duration `mapstructure:"VLT_DEPOSIT_TTL"` // zero disables reclaim
}

type RoleConfig struct {
	Operators   []string `mapstructure:"VLT_OPERATORS"`
	Strategists []string `mapstructure:"VLT_STRATEGISTS"`
	APIKeys     []string `mapstructure:"VLT_API_KEYS"` // key=0xaddr
}

// GateConfig amounts are in asset base units. Empty disables the check.
type GateConfig struct {
	DepositCap       string   `mapstructure:"VLT_DEPOSIT_CAP"`
	MaxDeposit       string   `mapstructure:"VLT_MAX_DEPOSIT"`
	BlockedAddresses []string `mapstructure:"VLT_BLOCKED_ADDRESSES"`
}

type PriceConfig struct {
	Provider       string        `mapstructure:"VLT_PRICE_PROVIDER"` // "static", "mock", "http"
	URL            string        `mapstructure:"VLT_PRICE_URL"`
	Static         string        `mapstructure:"VLT_PRICE_STATIC"`
	MaxAge         time.Duration `mapstructure:"VLT_PRICE_MAX_AGE"`
	PollInterval   time.Duration `mapstructure:"VLT_PRICE_POLL_INTERVAL"`
	MockVolatility float64       `mapstructure:"VLT_PRICE_MOCK_VOLATILITY"`
}

type StoreConfig struct {
	KVBackend string `mapstructure:"VLT_KV_BACKEND"`
	RedisURL  string `mapstructure:"VLT_REDIS_URL"`
}

type DBConfig struct {
	PostgresDSN string `mapstructure:"VLT_POSTGRES_DSN"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"VLT_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"VLT_CORS_ALLOWED_ORIGINS"`
}

var listKeys = []string{
	"VLT_OPERATORS",
	"VLT_STRATEGISTS",
	"VLT_API_KEYS",
	"VLT_BLOCKED_ADDRESSES",
	"VLT_CORS_ALLOWED_ORIGINS",
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // ignore errors; env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("VLT_ENV", "dev")
	v.SetDefault("VLT_HTTP_ADDR", ":8080")
	v.SetDefault("VLT_LOG_LEVEL", "")
	v.SetDefault("VLT_CHAIN_ID", 31337)
	v.SetDefault("VLT_VAULT_ADDRESS", "")
	v.SetDefault("VLT_DOMAIN_NAME", "Leafsii Vault")
	v.SetDefault("VLT_DOMAIN_VERSION", "1")
	v.SetDefault("VLT_SINK_ADDRESS", "")
	v.SetDefault("VLT_ASSET_DECIMALS", 6)
	v.SetDefault("VLT_SHARE_DECIMALS", 18)
	v.SetDefault("VLT_DEPOSIT_TTL", "72h")
	v.SetDefault("VLT_DEPOSIT_CAP", "")
	v.SetDefault("VLT_MAX_DEPOSIT", "")
	v.SetDefault("VLT_BLOCKED_ADDRESSES", "")
	v.SetDefault("VLT_OPERATORS", "")
	v.SetDefault("VLT_STRATEGISTS", "")
	v.SetDefault("VLT_API_KEYS", "")
	v.SetDefault("VLT_PRICE_PROVIDER", "static")
	v.SetDefault("VLT_PRICE_URL", "")
	v.SetDefault("VLT_PRICE_STATIC", "1")
	v.SetDefault("VLT_PRICE_MAX_AGE", "60s")
	v.SetDefault("VLT_PRICE_POLL_INTERVAL", "15s")
	v.SetDefault("VLT_PRICE_MOCK_VOLATILITY", 0.002)
	v.SetDefault("VLT_KV_BACKEND", "memory")
	v.SetDefault("VLT_REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("VLT_POSTGRES_DSN", "")
	v.SetDefault("VLT_RATE_LIMIT_RPM", 120)
	v.SetDefault("VLT_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	// Handle array parsing for comma-separated values
	for _, key := range listKeys {
		v.Set(key, splitList(v.GetString(key)))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Env {
	case "dev", "test", "prod":
	default:
		return fmt.Errorf("invalid VLT_ENV %q (must be dev, test, or prod)", c.Env)
	}
	if c.Vault.VaultAddress == "" {
		return fmt.Errorf("VLT_VAULT_ADDRESS is required")
	}
	if c.Vault.SinkAddress == "" {
		return fmt.Errorf("VLT_SINK_ADDRESS is required")
	}
	if _, err := c.Domain(); err != nil {
		return err
	}
	if _, err := c.Sink(); err != nil {
		return err
	}
	if c.Vault.DepositTTL < 0 {
		return fmt.Errorf("VLT_DEPOSIT_TTL must not be negative")
	}
	if _, err := c.DepositCap(); err != nil {
		return err
	}
	if _, err := c.MaxDeposit(); err != nil {
		return err
	}
	if _, err := c.Blocked(); err != nil {
		return err
	}
	if _, err := c.Operators(); err != nil {
		return err
	}
	if _, err := c.Strategists(); err != nil {
		return err
	}
	if _, err := c.APIKeys(); err != nil {
		return err
	}

	switch c.Prices.Provider {
	case "static", "mock":
	case "http":
		if c.Prices.URL == "" {
			return fmt.Errorf("VLT_PRICE_URL is required for the http price provider")
		}
	default:
		return fmt.Errorf("invalid VLT_PRICE_PROVIDER %q (must be static, mock, or http)", c.Prices.Provider)
	}
	if _, err := c.StaticPrice(); err != nil {
		return err
	}
	if c.Prices.MaxAge <= 0 {
		return fmt.Errorf("VLT_PRICE_MAX_AGE must be positive")
	}

	switch c.Store.KVBackend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("VLT_REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid VLT_KV_BACKEND %q (must be memory or redis)", c.Store.KVBackend)
	}
	if c.Security.RateLimitRPM < 0 {
		return fmt.Errorf("VLT_RATE_LIMIT_RPM must not be negative")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// Domain is the signing domain withdrawal requests are bound to.
func (c *Config) Domain() (withdrawal.Domain, error) {
	contract, err := onchain.ParseAddress(c.Vault.VaultAddress)
	if err != nil {
		return withdrawal.Domain{}, fmt.Errorf("VLT_VAULT_ADDRESS: %w", err)
	}
	return withdrawal.Domain{
		Name:              c.Vault.DomainName,
		Version:           c.Vault.DomainVersion,
		ChainID:           c.Vault.ChainID,
		VerifyingContract: contract,
	}, nil
}

func (c *Config) Sink() (onchain.Address, error) {
	sink, err := onchain.ParseAddress(c.Vault.SinkAddress)
	if err != nil {
		return onchain.ZeroAddress, fmt.Errorf("VLT_SINK_ADDRESS: %w", err)
	}
	return sink, nil
}

// DepositCap returns nil when no cap is configured.
func (c *Config) DepositCap() (*uint256.Int, error) {
	return parseAmount("VLT_DEPOSIT_CAP", c.Gates.DepositCap)
}

// MaxDeposit returns nil when no per-deposit limit is configured.
func (c *Config) MaxDeposit() (*uint256.Int, error) {
	return parseAmount("VLT_MAX_DEPOSIT", c.Gates.MaxDeposit)
}

func (c *Config) Blocked() ([]onchain.Address, error) {
	return parseAddresses("VLT_BLOCKED_ADDRESSES", c.Gates.BlockedAddresses)
}

func (c *Config) Operators() ([]onchain.Address, error) {
	return parseAddresses("VLT_OPERATORS", c.Roles.Operators)
}

func (c *Config) Strategists() ([]onchain.Address, error) {
	return parseAddresses("VLT_STRATEGISTS", c.Roles.Strategists)
}

// APIKeys maps each bearer key to the caller address it authenticates as.
func (c *Config) APIKeys() (map[string]onchain.Address, error) {
	keys := make(map[string]onchain.Address, len(c.Roles.APIKeys))
	for _, pair := range c.Roles.APIKeys {
		key, addr, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("VLT_API_KEYS: entry %q is not key=address", pair)
		}
		caller, err := onchain.ParseAddress(strings.TrimSpace(addr))
		if err != nil {
			return nil, fmt.Errorf("VLT_API_KEYS: key %q: %w", key, err)
		}
		if _, dup := keys[key]; dup {
			return nil, fmt.Errorf("VLT_API_KEYS: duplicate key %q", key)
		}
		keys[key] = caller
	}
	return keys, nil
}

func (c *Config) StaticPrice() (decimal.Decimal, error) {
	price, err := decimal.NewFromString(c.Prices.Static)
	if err != nil {
		return decimal.Zero, fmt.Errorf("VLT_PRICE_STATIC: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("VLT_PRICE_STATIC must be positive")
	}
	return price, nil
}

func parseAmount(key, raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, nil
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return amount, nil
}

func parseAddresses(key string, raw []string) ([]onchain.Address, error) {
	out := make([]onchain.Address, 0, len(raw))
	for _, s := range raw {
		addr, err := onchain.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
