package redis

import (
	"context"
	"encoding/json"

	"github.com/osvaldoandrade/validq/internal/repository"
	"github.com/osvaldoandrade/validq/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Plugin implements PluginPersistence for Redis/KVRocks
type Plugin struct {
	client      *redis.Client
	validations repository.ValidationRepository
	attestors   repository.AttestorRepository
	locker      persistence.Locker
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewPluginWithClient(client, config), nil
}

// NewPluginWithClient builds the plugin on an existing client.
func NewPluginWithClient(client *redis.Client, config persistence.PluginConfig) *Plugin {
	return &Plugin{
		client:      client,
		validations: repository.NewValidationRepository(client, config.TxRetries),
		attestors:   repository.NewAttestorRepository(client),
		locker:      repository.NewLocker(client),
	}
}

// ValidationStorage returns the validation storage implementation
func (p *Plugin) ValidationStorage() persistence.ValidationStorage {
	return p.validations
}

// AttestorStorage returns the attestor registry implementation
func (p *Plugin) AttestorStorage() persistence.AttestorStorage {
	return p.attestors
}

// Locker returns the Redis lease locker
func (p *Plugin) Locker() persistence.Locker {
	return p.locker
}

// Health checks if Redis is healthy
func (p *Plugin) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases Redis connection
func (p *Plugin) Close() error {
	return p.client.Close()
}

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}
