package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader reading SENSORSTREAM_* environment overrides.
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  "SENSORSTREAM",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges defaults, each file layer and environment overrides, then
// validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map. JSON is parsed by the
// YAML decoder too, so both accept duration strings such as "60s".
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	normalizeDurations(raw)
	return raw, nil
}

// mergeFromMap overlays the keys present in override onto base.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if len(override) == 0 {
		return base, nil
	}

	baseYAML, err := yaml.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := yaml.Unmarshal(baseYAML, &baseMap); err != nil {
		return nil, err
	}

	merged, err := yaml.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationKeys are the keys whose values may use a day suffix ("14d").
var durationKeys = map[string]struct{}{
	"max_age":            {},
	"conn_max_lifetime":  {},
	"device_cache_ttl":   {},
	"unknown_device_ttl": {},
}

// normalizeDurations rewrites day-suffixed durations into hours, which
// time.ParseDuration understands.
func normalizeDurations(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			normalizeDurations(val)
		case string:
			if _, ok := durationKeys[k]; !ok {
				continue
			}
			if days, ok := strings.CutSuffix(val, "d"); ok {
				if n, err := strconv.Atoi(days); err == nil {
					m[k] = fmt.Sprintf("%dh", n*24)
				}
			}
		}
	}
}
