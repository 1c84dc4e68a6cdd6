package provider

import (
	"encoding/json"
	"fmt"
)

// LoadRegistry builds a registry of HTTP adapters from a JSON provider list,
// typically taken from the PROVIDERS environment variable.
func LoadRegistry(providersJSON string) (*Registry, error) {
	var configs []HTTPConfig
	if err := json.Unmarshal([]byte(providersJSON), &configs); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("provider config is empty")
	}

	registry := NewRegistry()
	for _, cfg := range configs {
		if err := registry.Register(NewHTTPAdapter(cfg)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
