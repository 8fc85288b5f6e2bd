package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable this process reads.
const EnvPrefix = "PROMOBOT"

// Secrets come from the environment so they stay out of config files.
// Non-empty values override the file.
type Secrets struct {
	GatewayToken string `envconfig:"GATEWAY_TOKEN"`
	AlertsToken  string `envconfig:"ALERTS_TOKEN"`
	StorageDSN   string `envconfig:"STORAGE_DSN"`
	OpsToken     string `envconfig:"OPS_TOKEN"`
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Secrets{}, fmt.Errorf("env: %w", err)
	}
	return s, nil
}

func (s Secrets) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if s.GatewayToken != "" {
		cfg.Gateway.Token = s.GatewayToken
	}
	if s.AlertsToken != "" {
		cfg.Alerts.Token = s.AlertsToken
	}
	if s.StorageDSN != "" {
		cfg.Storage.DSN = s.StorageDSN
	}
	if s.OpsToken != "" {
		cfg.Ops.Token = s.OpsToken
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
