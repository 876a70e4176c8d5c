package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. It is loaded once at startup and
// handed to components slice by slice; nothing reads it at call time.
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Chain      ChainConfig      `yaml:"chain" json:"chain"`
	Gas        GasConfig        `yaml:"gas" json:"gas"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
	Escrow     EscrowConfig     `yaml:"escrow" json:"escrow"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	User            string        `yaml:"user" json:"user"`
	Password        string        `yaml:"password" json:"-"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DSN is the connection string for the postgres gorm driver.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// RedisConfig configures nonce caching and distributed locks. With no
// addresses the service runs single-instance with in-process locks.
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

func (c RedisConfig) Enabled() bool {
	return len(c.Addresses) > 0
}

type KafkaConfig struct {
	Enabled  bool        `yaml:"enabled" json:"enabled"`
	Brokers  []string    `yaml:"brokers" json:"brokers"`
	GroupID  string      `yaml:"group_id" json:"group_id"`
	ClientID string      `yaml:"client_id" json:"client_id"`
	Topics   KafkaTopics `yaml:"topics" json:"topics"`
}

type KafkaTopics struct {
	PurchaseRequests string `yaml:"purchase_requests" json:"purchase_requests"`
	PaymentSettled   string `yaml:"payment_settled" json:"payment_settled"`
	EscrowEvents     string `yaml:"escrow_events" json:"escrow_events"`
	Notifications    string `yaml:"notifications" json:"notifications"`
}

// ChainConfig points at the EVM network and the TeoCoin contract.
type ChainConfig struct {
	RPCURLs           []string `yaml:"rpc_urls" json:"rpc_urls"`
	ChainID           int64    `yaml:"chain_id" json:"chain_id"`
	TokenAddress      string   `yaml:"token_address" json:"token_address"`
	RewardPoolAddress string   `yaml:"reward_pool_address" json:"reward_pool_address"`
	// PrivateKey signs every platform transaction. Supply it via env.
	PrivateKey          string        `yaml:"private_key" json:"-"`
	RequestTimeout      time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout" json:"receipt_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval" json:"receipt_poll_interval"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	RetryInterval       time.Duration `yaml:"retry_interval" json:"retry_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// GasConfig bounds gas prices (in gwei) and the balances gas is paid from.
type GasConfig struct {
	MinGwei            int64           `yaml:"min_gwei" json:"min_gwei"`
	MaxGwei            int64           `yaml:"max_gwei" json:"max_gwei"`
	CeilingGwei        int64           `yaml:"ceiling_gwei" json:"ceiling_gwei"`
	FallbackGwei       int64           `yaml:"fallback_gwei" json:"fallback_gwei"`
	BufferPercent      int64           `yaml:"buffer_percent" json:"buffer_percent"`
	RetryBumpPercent   int64           `yaml:"retry_bump_percent" json:"retry_bump_percent"`
	GasLimitMultiplier float64         `yaml:"gas_limit_multiplier" json:"gas_limit_multiplier"`
	MaxGasLimit        uint64          `yaml:"max_gas_limit" json:"max_gas_limit"`
	PriceCacheTTL      time.Duration   `yaml:"price_cache_ttl" json:"price_cache_ttl"`
	MinPoolBalance     decimal.Decimal `yaml:"min_pool_balance" json:"min_pool_balance"`
	LowBalanceAlert    decimal.Decimal `yaml:"low_balance_threshold" json:"low_balance_threshold"`
	MinStudentGas      decimal.Decimal `yaml:"min_student_gas" json:"min_student_gas"`
}

type SettlementConfig struct {
	MaxAttempts           int                        `yaml:"max_attempts" json:"max_attempts"`
	DefaultCommissionRate decimal.Decimal            `yaml:"default_commission_rate" json:"default_commission_rate"`
	CommissionOverrides   map[string]decimal.Decimal `yaml:"commission_overrides" json:"commission_overrides"`
	NonceLockTTL          time.Duration              `yaml:"nonce_lock_ttl" json:"nonce_lock_ttl"`
	NonceLockWait         time.Duration              `yaml:"nonce_lock_wait" json:"nonce_lock_wait"`
}

type EscrowConfig struct {
	DurationDays   int `yaml:"duration_days" json:"duration_days"`
	SweepBatchSize int `yaml:"sweep_batch_size" json:"sweep_batch_size"`
}

// Duration is the teacher decision window.
func (c EscrowConfig) Duration() time.Duration {
	return time.Duration(c.DurationDays) * 24 * time.Hour
}

type CacheConfig struct {
	TokenInfoTTL time.Duration `yaml:"token_info_ttl" json:"token_info_ttl"`
	TreasuryTTL  time.Duration `yaml:"treasury_ttl" json:"treasury_ttl"`
}

type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	SweepCron       string        `yaml:"sweep_cron" json:"sweep_cron"`
	ReconcileCron   string        `yaml:"reconcile_cron" json:"reconcile_cron"`
	CleanupCron     string        `yaml:"cleanup_cron" json:"cleanup_cron"`
	ReconcileBatch  int           `yaml:"reconcile_batch" json:"reconcile_batch"`
	ReconcileMinAge time.Duration `yaml:"reconcile_min_age" json:"reconcile_min_age"`
	DropAfter       time.Duration `yaml:"drop_after" json:"drop_after"`
	LockTTL         time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load reads the YAML file, expands ${VAR:default} references, fills
// defaults and validates the result.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:default}.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "teocoin-chain"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8091
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = time.Hour
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "teocoin-chain"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.Topics.PurchaseRequests == "" {
		cfg.Kafka.Topics.PurchaseRequests = "teocoin-purchase-requests"
	}
	if cfg.Kafka.Topics.PaymentSettled == "" {
		cfg.Kafka.Topics.PaymentSettled = "teocoin-payment-settled"
	}
	if cfg.Kafka.Topics.EscrowEvents == "" {
		cfg.Kafka.Topics.EscrowEvents = "teocoin-escrow-events"
	}
	if cfg.Kafka.Topics.Notifications == "" {
		cfg.Kafka.Topics.Notifications = "teocoin-notifications"
	}

	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 80002 // Polygon Amoy
	}
	if cfg.Chain.RequestTimeout == 0 {
		cfg.Chain.RequestTimeout = 10 * time.Second
	}
	if cfg.Chain.ReceiptTimeout == 0 {
		cfg.Chain.ReceiptTimeout = 90 * time.Second
	}
	if cfg.Chain.ReceiptPollInterval == 0 {
		cfg.Chain.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.Chain.MaxRetries == 0 {
		cfg.Chain.MaxRetries = 3
	}
	if cfg.Chain.RetryInterval == 0 {
		cfg.Chain.RetryInterval = time.Second
	}
	if cfg.Chain.HealthCheckInterval == 0 {
		cfg.Chain.HealthCheckInterval = 30 * time.Second
	}

	if cfg.Gas.MinGwei == 0 {
		cfg.Gas.MinGwei = 25
	}
	if cfg.Gas.MaxGwei == 0 {
		cfg.Gas.MaxGwei = 200
	}
	if cfg.Gas.CeilingGwei == 0 {
		cfg.Gas.CeilingGwei = 500
	}
	if cfg.Gas.FallbackGwei == 0 {
		cfg.Gas.FallbackGwei = 50
	}
	if cfg.Gas.BufferPercent == 0 {
		cfg.Gas.BufferPercent = 20
	}
	if cfg.Gas.RetryBumpPercent == 0 {
		cfg.Gas.RetryBumpPercent = 20
	}
	if cfg.Gas.GasLimitMultiplier == 0 {
		cfg.Gas.GasLimitMultiplier = 1.2
	}
	if cfg.Gas.MaxGasLimit == 0 {
		cfg.Gas.MaxGasLimit = 500000
	}
	if cfg.Gas.PriceCacheTTL == 0 {
		cfg.Gas.PriceCacheTTL = 15 * time.Second
	}
	if cfg.Gas.MinPoolBalance.IsZero() {
		cfg.Gas.MinPoolBalance = decimal.RequireFromString("0.05")
	}
	if cfg.Gas.LowBalanceAlert.IsZero() {
		cfg.Gas.LowBalanceAlert = decimal.RequireFromString("0.5")
	}
	if cfg.Gas.MinStudentGas.IsZero() {
		cfg.Gas.MinStudentGas = decimal.RequireFromString("0.01")
	}

	if cfg.Settlement.MaxAttempts == 0 {
		cfg.Settlement.MaxAttempts = 3
	}
	if cfg.Settlement.DefaultCommissionRate.IsZero() {
		cfg.Settlement.DefaultCommissionRate = decimal.RequireFromString("0.15")
	}
	if cfg.Settlement.NonceLockTTL == 0 {
		cfg.Settlement.NonceLockTTL = 2 * time.Minute
	}
	if cfg.Settlement.NonceLockWait == 0 {
		cfg.Settlement.NonceLockWait = 30 * time.Second
	}

	if cfg.Escrow.DurationDays == 0 {
		cfg.Escrow.DurationDays = 7
	}
	if cfg.Escrow.SweepBatchSize == 0 {
		cfg.Escrow.SweepBatchSize = 100
	}

	if cfg.Cache.TokenInfoTTL == 0 {
		cfg.Cache.TokenInfoTTL = time.Hour
	}
	if cfg.Cache.TreasuryTTL == 0 {
		cfg.Cache.TreasuryTTL = 30 * time.Second
	}

	if cfg.Scheduler.SweepCron == "" {
		cfg.Scheduler.SweepCron = "0 */5 * * * *"
	}
	if cfg.Scheduler.ReconcileCron == "" {
		cfg.Scheduler.ReconcileCron = "30 * * * * *"
	}
	if cfg.Scheduler.CleanupCron == "" {
		cfg.Scheduler.CleanupCron = "0 0 * * * *"
	}
	if cfg.Scheduler.ReconcileBatch == 0 {
		cfg.Scheduler.ReconcileBatch = 100
	}
	if cfg.Scheduler.ReconcileMinAge == 0 {
		cfg.Scheduler.ReconcileMinAge = cfg.Chain.ReceiptTimeout
	}
	if cfg.Scheduler.DropAfter == 0 {
		cfg.Scheduler.DropAfter = time.Hour
	}
	if cfg.Scheduler.LockTTL == 0 {
		cfg.Scheduler.LockTTL = 5 * time.Minute
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if len(c.Chain.RPCURLs) == 0 {
		return fmt.Errorf("chain.rpc_urls is required")
	}
	if !common.IsHexAddress(c.Chain.TokenAddress) {
		return fmt.Errorf("chain.token_address %q is not a valid address", c.Chain.TokenAddress)
	}
	if c.Chain.RewardPoolAddress != "" && !common.IsHexAddress(c.Chain.RewardPoolAddress) {
		return fmt.Errorf("chain.reward_pool_address %q is not a valid address", c.Chain.RewardPoolAddress)
	}
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("chain.private_key is required")
	}

	one := decimal.NewFromInt(1)
	if r := c.Settlement.DefaultCommissionRate; r.IsNegative() || r.GreaterThan(one) {
		return fmt.Errorf("settlement.default_commission_rate %s out of [0,1]", r)
	}
	for teacher, r := range c.Settlement.CommissionOverrides {
		if r.IsNegative() || r.GreaterThan(one) {
			return fmt.Errorf("settlement.commission_overrides[%s] %s out of [0,1]", teacher, r)
		}
	}

	if c.Gas.MinGwei > c.Gas.MaxGwei {
		return fmt.Errorf("gas.min_gwei %d exceeds gas.max_gwei %d", c.Gas.MinGwei, c.Gas.MaxGwei)
	}
	if c.Gas.MaxGwei > c.Gas.CeilingGwei {
		return fmt.Errorf("gas.max_gwei %d exceeds gas.ceiling_gwei %d", c.Gas.MaxGwei, c.Gas.CeilingGwei)
	}
	if c.Gas.GasLimitMultiplier < 1 {
		return fmt.Errorf("gas.gas_limit_multiplier %.2f must be at least 1", c.Gas.GasLimitMultiplier)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// CommissionOverridesByTeacher returns a copy of the override map.
func (c SettlementConfig) CommissionOverridesByTeacher() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.CommissionOverrides))
	for k, v := range c.CommissionOverrides {
		out[k] = v
	}
	return out
}

// GetEnvInt reads an integer environment variable.
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString reads a string environment variable.
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
