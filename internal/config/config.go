package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-relay.
type Config struct {
	// Relay server host:port, e.g. "localhost:8000". The HTTP API and
	// the WebSocket endpoint live on the same host.
	RelayHost string `env:"RELAY_HOST" envDefault:"localhost:8000"`

	// RelayTLS switches the client to https/wss.
	RelayTLS bool `env:"RELAY_TLS" envDefault:"false"`

	// Account credentials. Optional when a persisted session exists;
	// required for the first sign-in.
	Username string `env:"RELAY_USERNAME"`
	Password string `env:"RELAY_PASSWORD"`

	// Signup creates the account instead of signing in to an existing one.
	Signup bool `env:"RELAY_SIGNUP" envDefault:"false"`

	// Directory received attachments are written into. Defaults to
	// ~/.chat-relay/downloads/ when empty.
	DownloadDir string `env:"DOWNLOAD_DIR"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
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

	if cfg.DownloadDir == "" {
		dir, err := DefaultDownloadDir()
		if err != nil {
			return nil, err
		}

		cfg.DownloadDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve DownloadDir to an absolute path at startup so a later
	// working-directory change cannot move where attachments land.
	absDir, err := filepath.Abs(cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("resolving download dir to absolute path: %w", err)
	}

	cfg.DownloadDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RelayHost == "" {
		return fmt.Errorf("RELAY_HOST must not be empty")
	}

	// Username and password travel together: a password without a
	// username (or vice versa) is always a misconfiguration. Both empty
	// is fine when a persisted session will be restored instead.
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("RELAY_USERNAME and RELAY_PASSWORD must be set together")
	}

	if c.Signup && c.Username == "" {
		return fmt.Errorf("RELAY_USERNAME and RELAY_PASSWORD are required when RELAY_SIGNUP is true")
	}

	return nil
}

// BaseURL returns the HTTP base URL of the relay API.
func (c *Config) BaseURL() string {
	if c.RelayTLS {
		return "https://" + c.RelayHost
	}

	return "http://" + c.RelayHost
}

// ChannelURL returns the WebSocket base URL of the relay.
func (c *Config) ChannelURL() string {
	if c.RelayTLS {
		return "wss://" + c.RelayHost
	}

	return "ws://" + c.RelayHost
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultDownloadDir returns ~/.chat-relay/downloads/.
func DefaultDownloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-relay", "downloads"), nil
}
