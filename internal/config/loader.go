package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credential variables read when the file leaves the matching field empty.
const (
	EnvAPIKey         = "BINANCE_API_KEY"
	EnvAPISecret      = "BINANCE_API_SECRET"
	EnvPrivateKeyPath = "BINANCE_PRIVATE_KEY_PATH"
)

// Load reads a YAML config file and expands environment variables.
//
// References take the forms ${VAR}, ${VAR:-default} and ${VAR:?message}. The
// last fails the load when VAR is unset or empty. Unknown keys are rejected.
func Load(path string) (*StreamerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand config: %w", err)
	}

	var cfg StreamerConfig
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg.applyEnv()
	return &cfg, nil
}

func expandEnv(s string) (string, error) {
	var missing []string
	out := os.Expand(s, func(ref string) string {
		name, rest, hasOp := strings.Cut(ref, ":")
		value := os.Getenv(name)
		if !hasOp {
			return value
		}
		switch {
		case strings.HasPrefix(rest, "-"):
			if value == "" {
				return rest[1:]
			}
		case strings.HasPrefix(rest, "?"):
			if value == "" {
				msg := rest[1:]
				if msg == "" {
					msg = "not set"
				}
				missing = append(missing, name+": "+msg)
			}
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("required variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// applyEnv fills empty credential fields from the environment.
func (c *StreamerConfig) applyEnv() {
	if c.API.APIKey == "" {
		c.API.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.API.APISecret == "" {
		c.API.APISecret = os.Getenv(EnvAPISecret)
	}
	if c.API.PrivateKeyPath == "" {
		c.API.PrivateKeyPath = os.Getenv(EnvPrivateKeyPath)
	}
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*StreamerConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*StreamerConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
