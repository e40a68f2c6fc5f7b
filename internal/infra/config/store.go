package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"reasonchain/internal/domain"
)

// ReadFile decodes the config file at path on top of Defaults, as written.
// Includes are not followed, env overrides are not applied and enc: secrets
// stay encrypted, so the result can be saved back without changing them.
func ReadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

// Save validates cfg and atomically replaces the file at path with it.
func Save(path string, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Document renders cfg as a generic map keyed by the YAML field names, for
// JSON clients that edit the file.
func Document(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return doc, nil
}

// Decode parses a JSON or YAML config document on top of Defaults.
func Decode(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfiguration, err)
	}
	return cfg, nil
}
