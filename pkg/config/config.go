package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/validq/internal/backoff"
	"github.com/osvaldoandrade/validq/internal/ratelimit"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"gopkg.in/yaml.v3"
)

type PersistenceConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

type AttestorSeed struct {
	Address     string `yaml:"address"`
	Measurement string `yaml:"measurement"`
	Label       string `yaml:"label"`
}

type RateLimitConfig struct {
	Requests    ratelimit.Bucket `yaml:"requests"`
	Submissions ratelimit.Bucket `yaml:"submissions"`
	Disputes    ratelimit.Bucket `yaml:"disputes"`
	Webhooks    ratelimit.Bucket `yaml:"webhooks"`
}

type Config struct {
	Port              int    `yaml:"port"`
	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	RedisDB           int    `yaml:"redisDb"`
	Timezone          string `yaml:"timezone"`
	LogLevel          string `yaml:"logLevel"`
	LogFormat         string `yaml:"logFormat"`
	Env               string `yaml:"env"`
	LocalArtifactsDir string `yaml:"localArtifactsDir"`

	Persistence PersistenceConfig `yaml:"persistence"`

	// AuthProvider is "jwks" or "static"; AuthConfig is passed to the provider as JSON.
	AuthProvider            string         `yaml:"authProvider"`
	AuthConfig              map[string]any `yaml:"authConfig"`
	AuthJwksURL             string         `yaml:"authJwksUrl"`
	AuthIssuer              string         `yaml:"authIssuer"`
	AuthAudience            string         `yaml:"authAudience"`
	AllowedClockSkewSeconds int            `yaml:"allowedClockSkewSeconds"`

	TreasuryAddress               string `yaml:"treasuryAddress"`
	ProtocolFeeBps                uint64 `yaml:"protocolFeeBps"`
	AgentRewardBps                uint64 `yaml:"agentRewardBps"`
	MinStakeSecuredBounty         uint64 `yaml:"minStakeSecuredBounty"`
	MinTEEBounty                  uint64 `yaml:"minTEEBounty"`
	MinAgentOwnerStake            uint64 `yaml:"minAgentOwnerStake"`
	MinValidatorStake             uint64 `yaml:"minValidatorStake"`
	IncorrectComputationThreshold uint8  `yaml:"incorrectComputationThreshold"`
	IncorrectComputationSlashBps  uint64 `yaml:"incorrectComputationSlashBps"`
	MissedDeadlineSlashBps        uint64 `yaml:"missedDeadlineSlashBps"`
	MinSelectionCandidates        int    `yaml:"minSelectionCandidates"`
	AttestationMaxAgeSeconds      int    `yaml:"attestationMaxAgeSeconds"`
	StakeMaxStalenessSeconds      int    `yaml:"stakeMaxStalenessSeconds"`
	LockWaitMillis                int    `yaml:"lockWaitMillis"`
	LockTTLSeconds                int    `yaml:"lockTtlSeconds"`
	TxRetries                     int    `yaml:"txRetries"`

	// OracleType is "local" (HMAC beacon keyed by OracleSecret) or "http" (drand-style beacon).
	OracleType         string `yaml:"oracleType"`
	OracleSecret       string `yaml:"oracleSecret"`
	OracleBeaconURL    string `yaml:"oracleBeaconUrl"`
	OracleRoundSeconds int    `yaml:"oracleRoundSeconds"`

	IdentityType          string `yaml:"identityType"`
	IdentityServiceURL    string `yaml:"identityServiceUrl"`
	IdentityServiceApiKey string `yaml:"identityServiceApiKey"`
	StakeLedgerType       string `yaml:"stakeLedgerType"`
	StakeLedgerURL        string `yaml:"stakeLedgerUrl"`
	StakeLedgerApiKey     string `yaml:"stakeLedgerApiKey"`
	StakeCacheSeconds     int    `yaml:"stakeCacheSeconds"`

	Attestors []AttestorSeed `yaml:"attestors"`

	SweeperDisabled        bool `yaml:"sweeperDisabled"`
	SweeperIntervalSeconds int  `yaml:"sweeperIntervalSeconds"`
	SweeperBatchSize       int  `yaml:"sweeperBatchSize"`

	WebhookHmacSecret                  string `yaml:"webhookHmacSecret"`
	SubscriptionMinIntervalSeconds     int    `yaml:"subscriptionMinIntervalSeconds"`
	SubscriptionCleanupIntervalSeconds int    `yaml:"subscriptionCleanupIntervalSeconds"`
	SubscriptionDefaultTTLSeconds      int    `yaml:"subscriptionDefaultTtlSeconds"`
	CallbackMaxAttempts                int    `yaml:"callbackMaxAttempts"`
	CallbackBaseBackoffSeconds         int    `yaml:"callbackBaseBackoffSeconds"`
	CallbackMaxBackoffSeconds          int    `yaml:"callbackMaxBackoffSeconds"`
	BackoffPolicy                      string `yaml:"backoffPolicy"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	TracingEnabled     bool    `yaml:"tracingEnabled"`
	OtelEndpoint       string  `yaml:"otelEndpoint"`
	OtelInsecure       bool    `yaml:"otelInsecure"`
	TracingSampleRatio float64 `yaml:"tracingSampleRatio"`
}

// LoadConfig reads a YAML file; the file must exist.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return load(data)
}

// LoadConfigOptional behaves like LoadConfig but falls back to environment and defaults
// when the path is empty or the file does not exist.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return load(nil)
	}
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return load(nil)
	}
	if err != nil {
		return nil, err
	}
	return load(data)
}

func load(data []byte) (*Config, error) {
	var c Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()
	c.applyDefaults()

	log.Printf("validq config: {Port:%d Redis:%s Persistence:%s Env:%s Oracle:%s Identity:%s Stake:%s}\n",
		c.Port, c.RedisAddr, c.Persistence.Type, c.Env, c.OracleType, c.IdentityType, c.StakeLedgerType)
	return &c, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envUint(name string, dst *uint64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envInt("REDIS_DB", &c.RedisDB)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("VALIDQ_ENV", &c.Env)
	envString("LOCAL_ARTIFACTS_DIR", &c.LocalArtifactsDir)

	envString("PERSISTENCE_TYPE", &c.Persistence.Type)
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		if c.Persistence.Config == nil {
			c.Persistence.Config = map[string]any{}
		}
		c.Persistence.Config["dsn"] = v
	}

	envString("AUTH_PROVIDER", &c.AuthProvider)
	envString("AUTH_JWKS_URL", &c.AuthJwksURL)
	envString("AUTH_ISSUER", &c.AuthIssuer)
	envString("AUTH_AUDIENCE", &c.AuthAudience)
	envInt("ALLOWED_CLOCK_SKEW_SECONDS", &c.AllowedClockSkewSeconds)

	envString("TREASURY_ADDRESS", &c.TreasuryAddress)
	envUint("PROTOCOL_FEE_BPS", &c.ProtocolFeeBps)
	envUint("AGENT_REWARD_BPS", &c.AgentRewardBps)
	envUint("MIN_VALIDATOR_STAKE", &c.MinValidatorStake)
	envUint("MIN_AGENT_OWNER_STAKE", &c.MinAgentOwnerStake)
	envInt("MIN_SELECTION_CANDIDATES", &c.MinSelectionCandidates)

	envString("ORACLE_TYPE", &c.OracleType)
	envString("ORACLE_SECRET", &c.OracleSecret)
	envString("ORACLE_BEACON_URL", &c.OracleBeaconURL)

	envString("IDENTITY_TYPE", &c.IdentityType)
	envString("IDENTITY_SERVICE_URL", &c.IdentityServiceURL)
	envString("IDENTITY_SERVICE_API_KEY", &c.IdentityServiceApiKey)
	envString("STAKE_LEDGER_TYPE", &c.StakeLedgerType)
	envString("STAKE_LEDGER_URL", &c.StakeLedgerURL)
	envString("STAKE_LEDGER_API_KEY", &c.StakeLedgerApiKey)

	envBool("SWEEPER_DISABLED", &c.SweeperDisabled)
	envInt("SWEEPER_INTERVAL_SECONDS", &c.SweeperIntervalSeconds)

	envString("WEBHOOK_HMAC_SECRET", &c.WebhookHmacSecret)
	envInt("SUBSCRIPTION_MIN_INTERVAL_SECONDS", &c.SubscriptionMinIntervalSeconds)
	envInt("SUBSCRIPTION_CLEANUP_INTERVAL_SECONDS", &c.SubscriptionCleanupIntervalSeconds)
	envInt("CALLBACK_MAX_ATTEMPTS", &c.CallbackMaxAttempts)
	envString("BACKOFF_POLICY", &c.BackoffPolicy)

	envBool("TRACING_ENABLED", &c.TracingEnabled)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OtelEndpoint)
	envBool("OTEL_EXPORTER_OTLP_INSECURE", &c.OtelInsecure)
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LocalArtifactsDir == "" {
		c.LocalArtifactsDir = "/tmp/validq-evidence"
	}
	if c.Persistence.Type == "" {
		c.Persistence.Type = "redis"
	}
	if c.AuthProvider == "" {
		c.AuthProvider = "jwks"
	}
	if c.AuthAudience == "" {
		c.AuthAudience = "validq"
	}
	if c.AllowedClockSkewSeconds <= 0 {
		c.AllowedClockSkewSeconds = 60
	}

	if c.ProtocolFeeBps == 0 {
		c.ProtocolFeeBps = 1000
	}
	if c.AgentRewardBps == 0 {
		c.AgentRewardBps = 1000
	}
	if c.MinStakeSecuredBounty == 0 {
		c.MinStakeSecuredBounty = 1_000_000
	}
	if c.MinTEEBounty == 0 {
		c.MinTEEBounty = 1_000_000
	}
	if c.MinAgentOwnerStake == 0 {
		c.MinAgentOwnerStake = 100_000_000
	}
	if c.MinValidatorStake == 0 {
		c.MinValidatorStake = 100_000_000
	}
	if c.IncorrectComputationThreshold == 0 {
		c.IncorrectComputationThreshold = 50
	}
	if c.IncorrectComputationSlashBps == 0 {
		c.IncorrectComputationSlashBps = 5000
	}
	if c.MissedDeadlineSlashBps == 0 {
		c.MissedDeadlineSlashBps = 1000
	}
	if c.MinSelectionCandidates <= 0 {
		c.MinSelectionCandidates = 2
	}
	if c.AttestationMaxAgeSeconds <= 0 {
		c.AttestationMaxAgeSeconds = 3600
	}
	if c.StakeMaxStalenessSeconds <= 0 {
		c.StakeMaxStalenessSeconds = 300
	}
	if c.LockWaitMillis <= 0 {
		c.LockWaitMillis = 5000
	}
	if c.LockTTLSeconds <= 0 {
		c.LockTTLSeconds = 30
	}
	if c.TxRetries <= 0 {
		c.TxRetries = 16
	}

	if c.OracleType == "" {
		c.OracleType = "local"
	}
	if c.OracleRoundSeconds <= 0 {
		c.OracleRoundSeconds = 30
	}
	if c.IdentityType == "" {
		c.IdentityType = "local"
	}
	if c.StakeLedgerType == "" {
		c.StakeLedgerType = "local"
	}
	if c.StakeCacheSeconds <= 0 {
		c.StakeCacheSeconds = 30
	}

	if c.SweeperIntervalSeconds <= 0 {
		c.SweeperIntervalSeconds = 30
	}
	if c.SweeperBatchSize <= 0 {
		c.SweeperBatchSize = 100
	}

	if c.SubscriptionMinIntervalSeconds <= 0 {
		c.SubscriptionMinIntervalSeconds = 5
	}
	if c.SubscriptionCleanupIntervalSeconds <= 0 {
		c.SubscriptionCleanupIntervalSeconds = 60
	}
	if c.SubscriptionDefaultTTLSeconds <= 0 {
		c.SubscriptionDefaultTTLSeconds = 300
	}
	if c.CallbackMaxAttempts <= 0 {
		c.CallbackMaxAttempts = 5
	}
	if c.CallbackBaseBackoffSeconds <= 0 {
		c.CallbackBaseBackoffSeconds = 2
	}
	if c.CallbackMaxBackoffSeconds <= 0 {
		c.CallbackMaxBackoffSeconds = 60
	}
	if c.BackoffPolicy == "" {
		c.BackoffPolicy = "exp_full_jitter"
	}

	if c.TracingSampleRatio <= 0 || c.TracingSampleRatio > 1 {
		c.TracingSampleRatio = 1
	}
}

func (c *Config) IsDev() bool {
	return strings.ToLower(strings.TrimSpace(c.Env)) == "dev"
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (c *Config) Validate() error {
	var errs []string
	dev := c.IsDev()

	switch c.Persistence.Type {
	case "redis", "memory":
	case "postgres":
		if dsn, _ := c.Persistence.Config["dsn"].(string); strings.TrimSpace(dsn) == "" {
			errs = append(errs, "persistence.config.dsn is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown persistence type %q", c.Persistence.Type))
	}

	switch c.AuthProvider {
	case "jwks":
		if c.AuthJwksURL == "" {
			errs = append(errs, "authJwksUrl is required for jwks auth")
		} else if !validURL(c.AuthJwksURL) {
			errs = append(errs, "authJwksUrl must be a valid http(s) URL")
		}
		if c.AuthIssuer == "" {
			errs = append(errs, "authIssuer is required for jwks auth")
		}
	case "static":
		if !dev {
			errs = append(errs, "static auth is only allowed in dev")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown auth provider %q", c.AuthProvider))
	}

	if c.TreasuryAddress == "" {
		errs = append(errs, "treasuryAddress is required")
	} else if a, err := domain.ParseAddress(c.TreasuryAddress); err != nil || a.IsZero() {
		errs = append(errs, "treasuryAddress must be a non-zero 0x address")
	}
	for name, bps := range map[string]uint64{
		"protocolFeeBps":               c.ProtocolFeeBps,
		"agentRewardBps":               c.AgentRewardBps,
		"incorrectComputationSlashBps": c.IncorrectComputationSlashBps,
		"missedDeadlineSlashBps":       c.MissedDeadlineSlashBps,
	} {
		if bps > domain.BpsDenominator {
			errs = append(errs, fmt.Sprintf("%s must be <= %d", name, domain.BpsDenominator))
		}
	}
	if _, err := backoff.ParsePolicy(c.BackoffPolicy); err != nil {
		errs = append(errs, err.Error())
	}
	if c.IncorrectComputationThreshold > 100 {
		errs = append(errs, "incorrectComputationThreshold must be <= 100")
	}

	switch c.OracleType {
	case "local":
		if strings.TrimSpace(c.OracleSecret) == "" && !dev {
			errs = append(errs, "oracleSecret is required for the local oracle in non-dev")
		}
	case "http":
		if !validURL(c.OracleBeaconURL) {
			errs = append(errs, "oracleBeaconUrl must be a valid http(s) URL")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown oracle type %q", c.OracleType))
	}

	if c.IdentityType == "http" && !validURL(c.IdentityServiceURL) {
		errs = append(errs, "identityServiceUrl must be a valid http(s) URL")
	} else if c.IdentityType != "http" && c.IdentityType != "local" {
		errs = append(errs, fmt.Sprintf("unknown identity type %q", c.IdentityType))
	}
	if c.StakeLedgerType == "http" && !validURL(c.StakeLedgerURL) {
		errs = append(errs, "stakeLedgerUrl must be a valid http(s) URL")
	} else if c.StakeLedgerType != "http" && c.StakeLedgerType != "local" {
		errs = append(errs, fmt.Sprintf("unknown stake ledger type %q", c.StakeLedgerType))
	}

	for i, a := range c.Attestors {
		if _, err := domain.ParseAddress(a.Address); err != nil {
			errs = append(errs, fmt.Sprintf("attestors[%d].address: %v", i, err))
		}
		if _, err := domain.ParseHash(a.Measurement); err != nil {
			errs = append(errs, fmt.Sprintf("attestors[%d].measurement: %v", i, err))
		}
	}

	if strings.TrimSpace(c.WebhookHmacSecret) == "" && !dev {
		errs = append(errs, "webhookHmacSecret is required in non-dev")
	}
	if c.TracingEnabled && c.OtelEndpoint == "" {
		errs = append(errs, "otelEndpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
