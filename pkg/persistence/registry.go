package persistence

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// ProviderConfig selects a storage backend (redis, memory, postgres).
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// PluginConfig provides initialization parameters to persistence plugins
type PluginConfig struct {
	// Config contains plugin-specific configuration
	Config json.RawMessage

	// Timezone used for record timestamps
	Timezone *time.Location

	// TxRetries bounds optimistic transaction retries on write conflicts
	TxRetries int
}

// PluginFactory creates persistence plugins from configuration
type PluginFactory func(config PluginConfig) (PluginPersistence, error)

var (
	registry = make(map[string]PluginFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a persistence plugin factory for a provider type
func RegisterProvider(providerType string, factory PluginFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewPersistence creates a persistence plugin from provider configuration
func NewPersistence(providerConfig ProviderConfig, pluginConfig PluginConfig) (PluginPersistence, error) {
	mu.RLock()
	factory, ok := registry[providerConfig.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown persistence provider %q (registered: %s)", providerConfig.Type, strings.Join(ListProviders(), ", "))
	}
	pluginConfig.Config = providerConfig.Config
	if pluginConfig.Timezone == nil {
		pluginConfig.Timezone = time.UTC
	}

	p, err := factory(pluginConfig)
	if err != nil {
		return nil, fmt.Errorf("persistence %s: %w", providerConfig.Type, err)
	}
	return p, nil
}

// ListProviders returns registered backend names, sorted.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	slices.Sort(providers)
	return providers
}
