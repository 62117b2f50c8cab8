package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime knob of the gateway. Values come from an
// optional YAML file, overridden by HOOT_GATEWAY_* environment variables.
type Config struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// DatabaseFile is the sqlite file backing the tenant store.
	DatabaseFile string `yaml:"databaseFile"`

	// CallbackBaseURL is the externally reachable base URL used to build
	// the OAuth redirect URI (CallbackBaseURL + "/oauth/callback").
	CallbackBaseURL string `yaml:"callbackBaseURL"`

	JWT        JWTConfig        `yaml:"jwt"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Audit      AuditConfig      `yaml:"audit"`

	// FaviconTTL bounds how long resolved favicon URLs are served from cache.
	FaviconTTL time.Duration `yaml:"faviconTTL"`
}

// JWTConfig points at the RS256 key material. When PrivateKeyFile is empty
// the issuer falls back to opaque session tokens.
type JWTConfig struct {
	PrivateKeyFile string `yaml:"privateKeyFile"`
	KeyID          string `yaml:"keyID"`
}

// EmbeddingsConfig configures the remote embeddings backend for the tool
// filter. When APIKey is empty the filter runs in degraded mode.
type EmbeddingsConfig struct {
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type AuditConfig struct {
	File    string `yaml:"file"`
	MaxSize int64  `yaml:"maxSize"`
}

// Load reads the YAML file at path (skipped when empty or missing) and
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.DatabaseFile == "" {
		dbFile, err := defaultDatabaseFile()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseFile = dbFile
	}
	if cfg.CallbackBaseURL == "" {
		cfg.CallbackBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:       8091,
		FaviconTTL: 24 * time.Hour,
		JWT: JWTConfig{
			KeyID: "hoot-gateway-1",
		},
		Embeddings: EmbeddingsConfig{
			Model: "text-embedding-3-small",
		},
		RateLimit: RateLimitConfig{
			Requests: 30,
			Window:   60 * time.Second,
		},
		Audit: AuditConfig{
			MaxSize: 10 << 20,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HOOT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HOOT_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("HOOT_GATEWAY_DB_FILE"); v != "" {
		cfg.DatabaseFile = v
	}
	if v := os.Getenv("HOOT_GATEWAY_CALLBACK_BASE_URL"); v != "" {
		cfg.CallbackBaseURL = v
	}
	if v := os.Getenv("HOOT_GATEWAY_JWT_PRIVATE_KEY_FILE"); v != "" {
		cfg.JWT.PrivateKeyFile = v
	}
	if v := os.Getenv("HOOT_GATEWAY_JWT_KEY_ID"); v != "" {
		cfg.JWT.KeyID = v
	}
	if v := os.Getenv("HOOT_GATEWAY_EMBEDDINGS_BASE_URL"); v != "" {
		cfg.Embeddings.BaseURL = v
	}
	if v := os.Getenv("HOOT_GATEWAY_EMBEDDINGS_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := os.Getenv("HOOT_GATEWAY_EMBEDDINGS_MODEL"); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := os.Getenv("HOOT_GATEWAY_AUDIT_FILE"); v != "" {
		cfg.Audit.File = v
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultDatabaseFile() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(homeDir, ".hoot", "gateway.db"), nil
}
