// Package config reads environment-based configuration, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/uilibs/uiprotect-go/internal/protect"
)

// Config holds all environment-based configuration for uiprotect.
type Config struct {
	// Controller address and credentials.
	Host     string `env:"UIPROTECT_HOST"`
	Username string `env:"UIPROTECT_USERNAME"`
	Password string `env:"UIPROTECT_PASSWORD"`

	// VerifySSL enables certificate verification. Off by default since
	// controllers ship self-signed certificates.
	VerifySSL bool `env:"UIPROTECT_VERIFY_SSL" envDefault:"false"`

	// IgnoreStats strips the high-churn telemetry keys from update
	// payloads before reconciliation.
	IgnoreStats bool `env:"UIPROTECT_IGNORE_STATS" envDefault:"true"`

	// IncludeUnadopted mirrors devices owned by other controllers.
	IncludeUnadopted bool `env:"UIPROTECT_INCLUDE_UNADOPTED" envDefault:"false"`

	// SubscribeModels restricts which model types reach subscribers,
	// as a comma-separated list. Empty means all.
	SubscribeModels string `env:"UIPROTECT_SUBSCRIBE_MODELS" envDefault:""`

	// PolicyFile optionally extends the per-model ignored-key sets.
	PolicyFile string `env:"UIPROTECT_POLICY_FILE" envDefault:""`

	// StatePath is the bbolt database caching sessions and resume
	// cursors. Empty uses ~/.uiprotect/state.db.
	StatePath string `env:"UIPROTECT_STATE_PATH" envDefault:""`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:""`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve the policy file to an absolute path at startup so a later
	// working-directory change cannot break the override load.
	if cfg.PolicyFile != "" {
		abs, err := filepath.Abs(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("resolving policy file to absolute path: %w", err)
		}

		cfg.PolicyFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("UIPROTECT_HOST is required")
	}

	if c.Username == "" {
		return fmt.Errorf("UIPROTECT_USERNAME is required")
	}

	if c.Password == "" {
		return fmt.Errorf("UIPROTECT_PASSWORD is required")
	}

	if _, err := c.ModelFilter(); err != nil {
		return err
	}

	return nil
}

// ModelFilter parses the comma-separated subscribe-model list into
// typed model names. An empty list means no filtering.
func (c *Config) ModelFilter() ([]protect.ModelType, error) {
	if strings.TrimSpace(c.SubscribeModels) == "" {
		return nil, nil
	}

	parts := strings.Split(c.SubscribeModels, ",")
	models := make([]protect.ModelType, 0, len(parts))

	for _, p := range parts {
		mt, err := protect.ParseModelType(p)
		if err != nil {
			return nil, fmt.Errorf("UIPROTECT_SUBSCRIBE_MODELS: %w", err)
		}

		models = append(models, mt)
	}

	return models, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
