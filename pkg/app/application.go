package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/validq/internal/attestation"
	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/internal/middleware"
	"github.com/osvaldoandrade/validq/internal/oracle"
	"github.com/osvaldoandrade/validq/internal/providers"
	"github.com/osvaldoandrade/validq/internal/ratelimit"
	"github.com/osvaldoandrade/validq/internal/repository"
	"github.com/osvaldoandrade/validq/internal/services"
	"github.com/osvaldoandrade/validq/internal/tracing"
	"github.com/osvaldoandrade/validq/pkg/auth"
	_ "github.com/osvaldoandrade/validq/pkg/auth/jwks"   // register "jwks"
	_ "github.com/osvaldoandrade/validq/pkg/auth/static" // register "static" (dev/local)
	"github.com/osvaldoandrade/validq/pkg/config"
	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"
	_ "github.com/osvaldoandrade/validq/pkg/persistence/memory"   // register "memory"
	_ "github.com/osvaldoandrade/validq/pkg/persistence/postgres" // register "postgres"
	redisplugin "github.com/osvaldoandrade/validq/pkg/persistence/redis"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Validations     services.ValidationService
	Subs            services.SubscriptionService
	Attestors       services.AttestorService
	Admin           services.AdminService
	Sweeper         services.SweeperService
	Cleanup         services.SubscriptionCleanupService
	Persistence     persistence.PluginPersistence
	Redis           *redis.Client
	Logger          *slog.Logger
	TZ              *time.Location
	Validator       auth.Validator
	RateLimiter     ratelimit.Limiter
	TracingShutdown func(context.Context) error

	now    func() time.Time
	cancel context.CancelFunc
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator sets a custom token validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithClock replaces time.Now for every time-dependent component.
func WithClock(now func() time.Time) ApplicationOption {
	return func(app *Application) error {
		if now == nil {
			return errors.New("nil clock")
		}
		app.now = now
		return nil
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "validq", "env", cfg.Env)
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg, now: time.Now}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}
	app.TZ = loc

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	app.Logger = logger

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "validq",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OtelEndpoint,
		OTLPInsecure: cfg.OtelInsecure,
		SampleRatio:  cfg.TracingSampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.TracingShutdown = shutdown

	redisClient := providers.NewRedisProvider(providers.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	app.Redis = redisClient
	limiter := ratelimit.NewTokenBucketLimiter(redisClient)
	app.RateLimiter = limiter

	store, err := newPersistence(cfg, redisClient, loc)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	app.Persistence = store

	treasury, err := domain.ParseAddress(cfg.TreasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("treasury address: %w", err)
	}

	// Providers. Local variants keep their writers for the admin API.
	var (
		identity    providers.IdentityDirectory
		registrar   services.AgentRegistrar
		ledger      providers.StakeLedger
		stakeSetter services.StakeSetter
	)
	timeout := 5 * time.Second
	switch cfg.IdentityType {
	case "http":
		identity = providers.NewHTTPIdentityDirectory(cfg.IdentityServiceURL, cfg.IdentityServiceApiKey, timeout)
	default:
		local := providers.NewRedisIdentityDirectory(redisClient)
		identity, registrar = local, local
	}
	switch cfg.StakeLedgerType {
	case "http":
		ledger = providers.NewHTTPStakeLedger(cfg.StakeLedgerURL, cfg.StakeLedgerApiKey, timeout)
	default:
		local := providers.NewRedisStakeLedger(redisClient, app.now)
		ledger, stakeSetter = local, local
	}
	stake := providers.NewCachedStakeLedger(ledger, redisClient, time.Duration(cfg.StakeCacheSeconds)*time.Second)

	var beacon oracle.Beacon
	switch cfg.OracleType {
	case "http":
		beacon = oracle.NewHTTPBeacon(cfg.OracleBeaconURL, timeout)
	default:
		beacon = oracle.NewLocalBeacon(cfg.OracleSecret, time.Duration(cfg.OracleRoundSeconds)*time.Second, app.now)
	}

	attestorStore := store.AttestorStorage()
	verifier := attestation.NewVerifier(attestorStore, time.Duration(cfg.AttestationMaxAgeSeconds)*time.Second, app.now)

	subRepo := repository.NewSubscriptionRepository(redisClient, loc)
	webhookBucket := cfg.RateLimit.Webhooks
	notifier := services.NewNotifierService(subRepo, logger, cfg.WebhookHmacSecret, cfg.SubscriptionMinIntervalSeconds, limiter, webhookBucket, nil)
	callbacks := services.NewCallbackService(logger, services.CallbackOptions{
		Secret:           cfg.WebhookHmacSecret,
		MaxAttempts:      cfg.CallbackMaxAttempts,
		BaseDelaySeconds: cfg.CallbackBaseBackoffSeconds,
		MaxDelaySeconds:  cfg.CallbackMaxBackoffSeconds,
		Policy:           cfg.BackoffPolicy,
		Limiter:          limiter,
		Bucket:           webhookBucket,
	})

	app.Subs = services.NewSubscriptionService(subRepo, cfg.SubscriptionDefaultTTLSeconds)
	app.Validations = services.NewValidationService(services.ValidationDeps{
		Store:     store.ValidationStorage(),
		Locker:    store.Locker(),
		Identity:  identity,
		Stake:     stake,
		Oracle:    oracle.New(beacon),
		Pool:      app.Subs,
		Verifier:  verifier,
		Staleness: services.MaxAgePolicy{MaxAge: time.Duration(cfg.StakeMaxStalenessSeconds) * time.Second},
		Uploader:  providers.NewLocalUploader(cfg.LocalArtifactsDir),
		Notifier:  notifier,
		Callbacks: callbacks,
		Logger:    logger,
		Now:       app.now,
	}, paramsFromConfig(cfg, treasury))

	app.Attestors = services.NewAttestorService(attestorStore, logger)
	app.Admin = services.NewAdminService(registrar, stakeSetter, stake, logger)
	app.Cleanup = services.NewSubscriptionCleanupService(subRepo, logger, cfg.SubscriptionCleanupIntervalSeconds)
	app.Sweeper = services.NewSweeperService(app.Validations, logger, treasury, cfg.SweeperIntervalSeconds, cfg.SweeperBatchSize)

	seeds, err := attestorSeeds(cfg.Attestors)
	if err != nil {
		return nil, err
	}
	if n, err := app.Attestors.Seed(context.Background(), seeds); err != nil {
		return nil, fmt.Errorf("seed attestors: %w", err)
	} else if n > 0 {
		logger.Info("attestors seeded from config", "count", n)
	}

	metrics.RegisterProtocolCollector(redisClient, store.ValidationStorage(), attestorStore, logger)

	if app.Validator == nil {
		validator, err := newValidator(cfg)
		if err != nil {
			return nil, err
		}
		app.Validator = validator
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware("validq"),
		middleware.LoggerMiddleware(logger),
	)
	app.Engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	go app.Cleanup.Start(ctx)
	if !cfg.SweeperDisabled {
		go app.Sweeper.Start(ctx)
	}

	return app, nil
}

// Close stops background workers and releases the store and Redis client.
func (a *Application) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.Persistence != nil {
		errs = append(errs, a.Persistence.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}

func paramsFromConfig(cfg *config.Config, treasury domain.Address) services.Params {
	p := services.DefaultParams(treasury)
	// Validate bounds every bps value by BpsDenominator, so the narrowing is safe.
	p.ProtocolFeeBps = uint32(cfg.ProtocolFeeBps)
	p.AgentRewardBps = uint32(cfg.AgentRewardBps)
	p.IncorrectComputationSlashBps = uint32(cfg.IncorrectComputationSlashBps)
	p.MissedDeadlineSlashBps = uint32(cfg.MissedDeadlineSlashBps)
	p.MinStakeSecuredBounty = cfg.MinStakeSecuredBounty
	p.MinTEEBounty = cfg.MinTEEBounty
	p.MinAgentOwnerStake = cfg.MinAgentOwnerStake
	p.MinValidatorStake = cfg.MinValidatorStake
	p.IncorrectComputationThreshold = cfg.IncorrectComputationThreshold
	p.MinSelectionCandidates = cfg.MinSelectionCandidates
	p.LockWait = time.Duration(cfg.LockWaitMillis) * time.Millisecond
	p.LockTTL = time.Duration(cfg.LockTTLSeconds) * time.Second
	return p
}

// newPersistence shares the application's Redis client with the redis plugin;
// other plugins come from the registry.
func newPersistence(cfg *config.Config, rdb *redis.Client, loc *time.Location) (persistence.PluginPersistence, error) {
	pc := persistence.PluginConfig{Timezone: loc, TxRetries: cfg.TxRetries}
	if cfg.Persistence.Type == "redis" && len(cfg.Persistence.Config) == 0 {
		return redisplugin.NewPluginWithClient(rdb, pc), nil
	}
	raw, err := json.Marshal(cfg.Persistence.Config)
	if err != nil {
		return nil, err
	}
	return persistence.NewPersistence(persistence.ProviderConfig{Type: cfg.Persistence.Type, Config: raw}, pc)
}

func newValidator(cfg *config.Config) (auth.Validator, error) {
	var raw json.RawMessage
	if len(cfg.AuthConfig) > 0 {
		b, err := json.Marshal(cfg.AuthConfig)
		if err != nil {
			return nil, fmt.Errorf("auth config: %w", err)
		}
		raw = b
	} else if cfg.AuthProvider == "jwks" {
		raw, _ = json.Marshal(map[string]any{
			"jwksUrl":          cfg.AuthJwksURL,
			"issuer":           cfg.AuthIssuer,
			"audience":         cfg.AuthAudience,
			"clockSkewSeconds": cfg.AllowedClockSkewSeconds,
		})
	}
	return auth.NewValidator(auth.ProviderConfig{Type: cfg.AuthProvider, Config: raw})
}

func attestorSeeds(in []config.AttestorSeed) ([]domain.TrustedAttestor, error) {
	out := make([]domain.TrustedAttestor, 0, len(in))
	for i, s := range in {
		addr, err := domain.ParseAddress(s.Address)
		if err != nil {
			return nil, fmt.Errorf("attestors[%d]: %w", i, err)
		}
		m, err := domain.ParseHash(s.Measurement)
		if err != nil {
			return nil, fmt.Errorf("attestors[%d]: %w", i, err)
		}
		out = append(out, domain.TrustedAttestor{Address: addr, Measurement: m, Label: s.Label})
	}
	return out, nil
}
