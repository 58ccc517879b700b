package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for rotor.
// Values are merged in priority order: defaults -> YAML file -> environment.
type Config struct {
	ServiceName string

	HTTPAddr string
	GRPCAddr string

	DatabaseURL string
	RedisURL    string

	Issuer        string
	KeyID         string
	SigningSecret string
	PrivateKeyPEM string
	PublicKeyPEM  string

	AccessTTL          time.Duration
	RenewalTTL         time.Duration
	NegativeCacheTTL   time.Duration
	CleanupGracePeriod time.Duration
	CleanupInterval    time.Duration
	StoreTimeout       time.Duration

	AdminKeyHash   string
	ServiceKeyHash string

	AuthRatePerMinute int
	AuthRateBurst     int
	MaxBodyBytes      int64
}

type fileConfig struct {
	Service struct {
		Name     string `yaml:"name"`
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"dependencies"`
	Tokens struct {
		Issuer             string `yaml:"issuer"`
		KeyID              string `yaml:"key_id"`
		AccessTTL          string `yaml:"access_ttl"`
		RenewalTTL         string `yaml:"renewal_ttl"`
		NegativeCacheTTL   string `yaml:"negative_cache_ttl"`
		CleanupGracePeriod string `yaml:"cleanup_grace_period"`
		CleanupInterval    string `yaml:"cleanup_interval"`
		StoreTimeout       string `yaml:"store_timeout"`
	} `yaml:"tokens"`
	Security struct {
		AdminKeyHash      string `yaml:"admin_key_hash"`
		ServiceKeyHash    string `yaml:"service_key_hash"`
		AuthRatePerMinute int    `yaml:"auth_rate_per_minute"`
		AuthRateBurst     int    `yaml:"auth_rate_burst"`
	} `yaml:"security"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServiceName:        "rotor",
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		Issuer:             "rotor",
		KeyID:              "rotor-key-1",
		AccessTTL:          30 * time.Minute,
		RenewalTTL:         14 * 24 * time.Hour,
		NegativeCacheTTL:   5 * time.Second,
		CleanupGracePeriod: 5 * time.Minute,
		CleanupInterval:    time.Hour,
		StoreTimeout:       2 * time.Second,
		AuthRatePerMinute:  5,
		AuthRateBurst:      5,
		MaxBodyBytes:       1 << 20,
	}
}

// Load resolves configuration from defaults, the optional YAML file at path and ROTOR_* env.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&c.ServiceName, f.Service.Name)
	setString(&c.HTTPAddr, f.Service.HTTPAddr)
	setString(&c.GRPCAddr, f.Service.GRPCAddr)
	setString(&c.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&c.RedisURL, f.Dependencies.RedisURL)
	setString(&c.Issuer, f.Tokens.Issuer)
	setString(&c.KeyID, f.Tokens.KeyID)
	setString(&c.AdminKeyHash, f.Security.AdminKeyHash)
	setString(&c.ServiceKeyHash, f.Security.ServiceKeyHash)
	if f.Security.AuthRatePerMinute > 0 {
		c.AuthRatePerMinute = f.Security.AuthRatePerMinute
	}
	if f.Security.AuthRateBurst > 0 {
		c.AuthRateBurst = f.Security.AuthRateBurst
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"tokens.access_ttl", f.Tokens.AccessTTL, &c.AccessTTL},
		{"tokens.renewal_ttl", f.Tokens.RenewalTTL, &c.RenewalTTL},
		{"tokens.negative_cache_ttl", f.Tokens.NegativeCacheTTL, &c.NegativeCacheTTL},
		{"tokens.cleanup_grace_period", f.Tokens.CleanupGracePeriod, &c.CleanupGracePeriod},
		{"tokens.cleanup_interval", f.Tokens.CleanupInterval, &c.CleanupInterval},
		{"tokens.store_timeout", f.Tokens.StoreTimeout, &c.StoreTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ServiceName = envOrDefault("ROTOR_SERVICE_NAME", c.ServiceName)
	c.HTTPAddr = envOrDefault("ROTOR_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("ROTOR_GRPC_ADDR", c.GRPCAddr)
	c.DatabaseURL = envOrDefault("ROTOR_PG_DSN", c.DatabaseURL)
	c.RedisURL = envOrDefault("ROTOR_REDIS_URL", c.RedisURL)
	c.Issuer = envOrDefault("ROTOR_ISSUER", c.Issuer)
	c.KeyID = envOrDefault("ROTOR_KEY_ID", c.KeyID)
	c.SigningSecret = envOrDefault("ROTOR_SIGNING_SECRET", c.SigningSecret)
	c.PrivateKeyPEM = envOrDefault("ROTOR_JWT_PRIVATE_KEY_PEM", c.PrivateKeyPEM)
	c.PublicKeyPEM = envOrDefault("ROTOR_JWT_PUBLIC_KEY_PEM", c.PublicKeyPEM)
	c.AdminKeyHash = envOrDefault("ROTOR_ADMIN_KEY_HASH", c.AdminKeyHash)
	c.ServiceKeyHash = envOrDefault("ROTOR_SERVICE_KEY_HASH", c.ServiceKeyHash)
	c.AuthRatePerMinute = envInt("ROTOR_AUTH_RATE_PER_MINUTE", c.AuthRatePerMinute)
	c.AuthRateBurst = envInt("ROTOR_AUTH_RATE_BURST", c.AuthRateBurst)

	var err error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"ROTOR_ACCESS_TTL", &c.AccessTTL},
		{"ROTOR_RENEWAL_TTL", &c.RenewalTTL},
		{"ROTOR_NEGATIVE_CACHE_TTL", &c.NegativeCacheTTL},
		{"ROTOR_CLEANUP_GRACE_PERIOD", &c.CleanupGracePeriod},
		{"ROTOR_CLEANUP_INTERVAL", &c.CleanupInterval},
		{"ROTOR_STORE_TIMEOUT", &c.StoreTimeout},
	} {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks internal consistency of the resolved configuration.
func (c Config) Validate() error {
	var problems []string
	if c.AccessTTL <= 0 {
		problems = append(problems, "access ttl must be positive")
	}
	if c.RenewalTTL <= 0 {
		problems = append(problems, "renewal ttl must be positive")
	}
	if c.AccessTTL > 0 && c.RenewalTTL > 0 && c.RenewalTTL < c.AccessTTL {
		problems = append(problems, "renewal ttl must not be shorter than access ttl")
	}
	if c.NegativeCacheTTL < 0 {
		problems = append(problems, "negative cache ttl must not be negative")
	}
	if c.CleanupGracePeriod < 0 {
		problems = append(problems, "cleanup grace period must not be negative")
	}
	if c.StoreTimeout <= 0 {
		problems = append(problems, "store timeout must be positive")
	}
	if (c.PrivateKeyPEM == "") != (c.PublicKeyPEM == "") {
		problems = append(problems, "both jwt private and public keys are required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UsesRS256 reports whether asymmetric signing keys are configured.
func (c Config) UsesRS256() bool {
	return c.PrivateKeyPEM != "" && c.PublicKeyPEM != ""
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
