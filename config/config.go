package config

import (
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"escrowbet/database"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Database configuration
	DatabaseURL  string
	DatabaseName string

	// Ledger gateway configuration
	LedgerRPCURL         string
	LedgerRPCTimeout     time.Duration
	LedgerRPCRPS         float64
	LedgerRPCReadRetries uint64 // retries after a failed idempotent read; sends are never retried

	// Escrow configuration
	EscrowAddress string
	EscrowSecret  string // base58 keypair, never logged
	AssetMint     string
	AssetDecimals uint8

	// Betting rules
	MinBet                 uint64
	MaxBet                 uint64
	WinMultiplier          decimal.Decimal
	TargetScore            int64
	PayoutTolerancePercent decimal.Decimal
	BonusProbability       float64

	// Verification
	VerifyMaxAge   time.Duration // freshness window for payment transactions
	VerifyTimeout  time.Duration
	VerifyCacheTTL time.Duration

	// Payouts
	PayoutConfirmTimeout time.Duration
	PayoutRetrySchedule  string // cron spec for the retry sweep
	PayoutClaimLease     time.Duration

	// Period clock
	PeriodEpoch      time.Time
	PeriodCycleWeeks int

	// Optional integrations
	RedisAddr   string
	NATSServers string
	MetricsPort string

	LogLevel    string
	Environment string // "development", "production" or "test"
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the global configuration instance
func Get() *Config {
	once.Do(func() {
		var err error
		instance, err = Load()
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
	})
	return instance
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	config := defaults()

	config.DatabaseURL = os.Getenv("DATABASE_URL")
	config.DatabaseName = envOr("DATABASE_NAME", config.DatabaseName)
	config.LedgerRPCURL = os.Getenv("LEDGER_RPC_URL")
	config.EscrowAddress = os.Getenv("ESCROW_ADDRESS")
	config.EscrowSecret = os.Getenv("ESCROW_SECRET")
	config.AssetMint = os.Getenv("ASSET_MINT")
	config.PayoutRetrySchedule = envOr("PAYOUT_RETRY_SCHEDULE", config.PayoutRetrySchedule)
	config.RedisAddr = os.Getenv("REDIS_ADDR")
	config.NATSServers = os.Getenv("NATS_SERVERS")
	config.MetricsPort = envOr("METRICS_PORT", config.MetricsPort)
	config.LogLevel = envOr("LOG_LEVEL", config.LogLevel)
	config.Environment = envOr("ENVIRONMENT", config.Environment)

	var err error
	if config.LedgerRPCTimeout, err = durationEnv("LEDGER_RPC_TIMEOUT", config.LedgerRPCTimeout); err != nil {
		return nil, err
	}
	if config.VerifyMaxAge, err = durationEnv("VERIFY_MAX_AGE", config.VerifyMaxAge); err != nil {
		return nil, err
	}
	if config.VerifyTimeout, err = durationEnv("VERIFY_TIMEOUT", config.VerifyTimeout); err != nil {
		return nil, err
	}
	if config.VerifyCacheTTL, err = durationEnv("VERIFY_CACHE_TTL", config.VerifyCacheTTL); err != nil {
		return nil, err
	}
	if config.PayoutConfirmTimeout, err = durationEnv("PAYOUT_CONFIRM_TIMEOUT", config.PayoutConfirmTimeout); err != nil {
		return nil, err
	}
	if config.PayoutClaimLease, err = durationEnv("PAYOUT_CLAIM_LEASE", config.PayoutClaimLease); err != nil {
		return nil, err
	}

	if v := os.Getenv("LEDGER_RPC_RPS"); v != "" {
		if config.LedgerRPCRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid LEDGER_RPC_RPS: %w", err)
		}
	}
	if v := os.Getenv("LEDGER_RPC_READ_RETRIES"); v != "" {
		if config.LedgerRPCReadRetries, err = strconv.ParseUint(v, 10, 8); err != nil {
			return nil, fmt.Errorf("invalid LEDGER_RPC_READ_RETRIES: %w", err)
		}
	}
	if v := os.Getenv("BONUS_PROBABILITY"); v != "" {
		if config.BonusProbability, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid BONUS_PROBABILITY: %w", err)
		}
	}
	if v := os.Getenv("ASSET_DECIMALS"); v != "" {
		d, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid ASSET_DECIMALS: %w", err)
		}
		config.AssetDecimals = uint8(d)
	}
	if v := os.Getenv("MIN_BET"); v != "" {
		if config.MinBet, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid MIN_BET: %w", err)
		}
	}
	if v := os.Getenv("MAX_BET"); v != "" {
		if config.MaxBet, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid MAX_BET: %w", err)
		}
	}
	if v := os.Getenv("TARGET_SCORE"); v != "" {
		if config.TargetScore, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid TARGET_SCORE: %w", err)
		}
	}
	if v := os.Getenv("WIN_MULTIPLIER"); v != "" {
		if config.WinMultiplier, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid WIN_MULTIPLIER: %w", err)
		}
	}
	if v := os.Getenv("PAYOUT_TOLERANCE_PERCENT"); v != "" {
		if config.PayoutTolerancePercent, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid PAYOUT_TOLERANCE_PERCENT: %w", err)
		}
	}
	if v := os.Getenv("PERIOD_EPOCH"); v != "" {
		if config.PeriodEpoch, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, fmt.Errorf("invalid PERIOD_EPOCH: %w", err)
		}
	}
	if v := os.Getenv("PERIOD_CYCLE_WEEKS"); v != "" {
		if config.PeriodCycleWeeks, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid PERIOD_CYCLE_WEEKS: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// NewTestConfig returns a valid configuration for unit tests
func NewTestConfig() *Config {
	config := defaults()
	config.Environment = "test"
	config.LedgerRPCURL = "http://localhost:8899"
	config.MinBet = 1_000
	config.MaxBet = 1_000_000_000
	return config
}

func defaults() *Config {
	return &Config{
		DatabaseName:           "escrowbet",
		LedgerRPCTimeout:       10 * time.Second,
		LedgerRPCRPS:           20,
		LedgerRPCReadRetries:   3,
		AssetDecimals:          9,
		MinBet:                 1_000,
		MaxBet:                 1_000_000_000_000,
		WinMultiplier:          decimal.RequireFromString("1.8"),
		TargetScore:            100_000,
		PayoutTolerancePercent: decimal.NewFromInt(2),
		BonusProbability:       1.0 / 3.0,
		VerifyMaxAge:           10 * time.Minute,
		VerifyTimeout:          15 * time.Second,
		VerifyCacheTTL:         5 * time.Minute,
		PayoutConfirmTimeout:   60 * time.Second,
		PayoutRetrySchedule:    "@every 5m",
		PayoutClaimLease:       2 * time.Minute,
		PeriodEpoch:            time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		PeriodCycleWeeks:       4,
		MetricsPort:            "9090",
		LogLevel:               "info",
		Environment:            "development",
	}
}

// Validate checks invariants between configuration values
func (c *Config) Validate() error {
	if c.Environment != "test" {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.LedgerRPCURL == "" {
			return fmt.Errorf("LEDGER_RPC_URL is required")
		}
		if c.EscrowAddress == "" {
			return fmt.Errorf("ESCROW_ADDRESS is required")
		}
	}
	if c.MinBet == 0 || c.MinBet > c.MaxBet {
		return fmt.Errorf("invalid bet range [%d, %d]", c.MinBet, c.MaxBet)
	}
	if c.MaxBet > math.MaxInt64 {
		return fmt.Errorf("MAX_BET %d exceeds the storable maximum %d", c.MaxBet, int64(math.MaxInt64))
	}
	if !c.WinMultiplier.IsPositive() {
		return fmt.Errorf("WIN_MULTIPLIER must be positive")
	}
	if minPayout := winnings(c.MinBet, c.WinMultiplier); minPayout.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("WIN_MULTIPLIER %s pays nothing on MIN_BET %d", c.WinMultiplier, c.MinBet)
	}
	if maxPayout := winnings(c.MaxBet, c.WinMultiplier); maxPayout.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return fmt.Errorf("WIN_MULTIPLIER %s on MAX_BET %d overflows the storable payout", c.WinMultiplier, c.MaxBet)
	}
	if c.PayoutTolerancePercent.IsNegative() || c.PayoutTolerancePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("PAYOUT_TOLERANCE_PERCENT must be in [0, 100)")
	}
	if c.PeriodCycleWeeks <= 0 {
		return fmt.Errorf("PERIOD_CYCLE_WEEKS must be positive")
	}
	if c.BonusProbability < 0 || c.BonusProbability > 1 {
		return fmt.Errorf("BONUS_PROBABILITY must be in [0, 1]")
	}
	// a claim must outlive a full payout attempt: reads, the send and the confirmation wait
	if minLease := c.PayoutConfirmTimeout + 4*c.LedgerRPCTimeout; c.PayoutClaimLease <= minLease {
		return fmt.Errorf("PAYOUT_CLAIM_LEASE %s must exceed PAYOUT_CONFIRM_TIMEOUT plus four LEDGER_RPC_TIMEOUTs (%s)", c.PayoutClaimLease, minLease)
	}
	if c.VerifyCacheTTL > c.VerifyMaxAge {
		c.VerifyCacheTTL = c.VerifyMaxAge
	}
	return nil
}

// winnings is the whole base units paid for a winning bet of amount
func winnings(amount uint64, multiplier decimal.Decimal) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Mul(multiplier).Floor()
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DatabaseConnectionURL returns DATABASE_URL pointed at DATABASE_NAME
func (c *Config) DatabaseConnectionURL() (string, error) {
	return database.ConstructDatabaseURL(c.DatabaseURL, c.DatabaseName)
}

// HasEscrowSecret reports whether payouts can be signed
func (c *Config) HasEscrowSecret() bool {
	return strings.TrimSpace(c.EscrowSecret) != ""
}

// String renders the configuration with the escrow secret redacted
func (c *Config) String() string {
	secret := "<unset>"
	if c.HasEscrowSecret() {
		secret = "<redacted>"
	}
	return fmt.Sprintf("Config{env=%s ledger=%s escrow=%s secret=%s mint=%s bet=[%d,%d] multiplier=%s target=%d tolerance=%s%%}",
		c.Environment, c.LedgerRPCURL, c.EscrowAddress, secret, c.AssetMint,
		c.MinBet, c.MaxBet, c.WinMultiplier, c.TargetScore, c.PayoutTolerancePercent)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
