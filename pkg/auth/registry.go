package auth

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ProviderConfig selects a registered validator and carries its raw settings.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory creates validators from configuration
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	registry = make(map[string]ValidatorFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a validator factory under a lower-case provider name.
// Providers call it from init; registering the same name twice replaces the factory.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(providerType))] = factory
}

// NewValidator builds the validator named by providerConfig.Type.
func NewValidator(providerConfig ProviderConfig) (Validator, error) {
	name := strings.ToLower(strings.TrimSpace(providerConfig.Type))
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown auth provider %q (registered: %s)", providerConfig.Type, strings.Join(ListProviders(), ", "))
	}
	raw := providerConfig.Config
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	v, err := factory(raw)
	if err != nil {
		return nil, fmt.Errorf("auth provider %s: %w", name, err)
	}
	return v, nil
}

// ListProviders returns the registered provider names in sorted order.
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
