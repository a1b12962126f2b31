package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LOYALTYSHOP_LOYALTY_API_URL.
const EnvPrefix = "LOYALTYSHOP"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Security    SecurityConfig  `mapstructure:"security"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
	Loyalty     LoyaltyConfig   `mapstructure:"loyalty"`
	Exports     ExportsConfig   `mapstructure:"exports"`
	LogLevel    string          `mapstructure:"log_level"`
	Environment string          `mapstructure:"environment"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port      string `mapstructure:"port"`
	Host      string `mapstructure:"host"`
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
}

// DatabaseConfig selects the storage driver. DSN is a file path for sqlite3.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	MaxRequestBodySize int64  `mapstructure:"max_request_body_size"`
	AllowedOrigins     string `mapstructure:"allowed_origins"`
	// AdminTokenHash is the bcrypt hash of the admin bearer token. Empty
	// disables the admin routes.
	AdminTokenHash string `mapstructure:"admin_token_hash"`
	// WebhookTokenHash is the bcrypt hash of the bearer token the commerce
	// platform sends on webhooks and shipping quotes. Empty disables them.
	WebhookTokenHash string `mapstructure:"webhook_token_hash"`
	// CustomerTokenSecret signs the HS256 tokens that scope cart routes to
	// one customer. Empty disables the cart routes.
	CustomerTokenSecret string `mapstructure:"customer_token_secret"`
}

// MinCustomerTokenSecret is the shortest accepted signing secret.
const MinCustomerTokenSecret = 32

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Rate    int  `mapstructure:"rate"`
	Window  int  `mapstructure:"window"` // in seconds
}

// RedisConfig configures the shared tier cache. When disabled an in-memory
// cache is used.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

// LoyaltyConfig is the loyalty module configuration.
type LoyaltyConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	APIURL               string        `mapstructure:"api_url"`
	TenantID             string        `mapstructure:"tenant_id"`
	BearerToken          string        `mapstructure:"bearer_token"`
	Timeout              time.Duration `mapstructure:"timeout"`
	CartExpiryHours      int           `mapstructure:"cart_expiry_hours"`
	ReaperInterval       time.Duration `mapstructure:"reaper_interval"`
	ReaperBestEffort     bool          `mapstructure:"reaper_best_effort"`
	OrderPlaceRetryLimit int           `mapstructure:"order_place_retry_limit"`
	OrderPlaceInterval   time.Duration `mapstructure:"order_place_interval"`
	ReviewMinCharacters  int           `mapstructure:"review_min_characters"`
	FreeShippingTiers    string        `mapstructure:"free_shipping_tiers"`
	TierCacheTTL         time.Duration `mapstructure:"tier_cache_ttl"`
	WebsiteID            int           `mapstructure:"website_id"`
	CustomerGroupIDs     []int         `mapstructure:"customer_group_ids"`
}

// ExportsConfig toggles the individual exports.
type ExportsConfig struct {
	Purchase     bool `mapstructure:"purchase"`
	Return       bool `mapstructure:"return"`
	Review       bool `mapstructure:"review"`
	FreeShipping bool `mapstructure:"free_shipping"`
}

// CartExpiry is the reaper window.
func (l LoyaltyConfig) CartExpiry() time.Duration {
	return time.Duration(l.CartExpiryHours) * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "")
	v.SetDefault("server.enable_tls", false)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./loyaltyshop.db")
	v.SetDefault("security.max_request_body_size", 10<<20)
	v.SetDefault("security.allowed_origins", "*")
	v.SetDefault("security.admin_token_hash", "")
	v.SetDefault("security.webhook_token_hash", "")
	v.SetDefault("security.customer_token_secret", "")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rate", 100)
	v.SetDefault("rate_limit.window", 60)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "development")

	v.SetDefault("loyalty.enabled", true)
	v.SetDefault("loyalty.api_url", "")
	v.SetDefault("loyalty.tenant_id", "")
	v.SetDefault("loyalty.bearer_token", "")
	v.SetDefault("loyalty.timeout", "10s")
	v.SetDefault("loyalty.cart_expiry_hours", 24)
	v.SetDefault("loyalty.reaper_interval", "1h")
	v.SetDefault("loyalty.reaper_best_effort", true)
	v.SetDefault("loyalty.order_place_retry_limit", 3)
	v.SetDefault("loyalty.order_place_interval", "15m")
	v.SetDefault("loyalty.review_min_characters", 0)
	v.SetDefault("loyalty.free_shipping_tiers", "")
	v.SetDefault("loyalty.tier_cache_ttl", "600s")
	v.SetDefault("loyalty.website_id", 1)
	v.SetDefault("loyalty.customer_group_ids", []int{0, 1, 2, 3})

	v.SetDefault("exports.purchase", true)
	v.SetDefault("exports.return", true)
	v.SetDefault("exports.review", true)
	v.SetDefault("exports.free_shipping", true)
}

// LoadConfig loads configuration from defaults, an optional config file
// (yaml, json or env, chosen by extension) and LOYALTYSHOP_* environment
// variables, in increasing precedence.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if s := c.Security.CustomerTokenSecret; s != "" && len(s) < MinCustomerTokenSecret {
		return fmt.Errorf("security customer_token_secret must be at least %d bytes", MinCustomerTokenSecret)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return errors.New("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return errors.New("rate limit window must be positive")
		}
	}
	if c.Loyalty.Enabled {
		if c.Loyalty.APIURL == "" {
			return errors.New("loyalty api_url is required")
		}
		if u, err := url.Parse(c.Loyalty.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("loyalty api_url %q is not an absolute url", c.Loyalty.APIURL)
		}
		if c.Loyalty.TenantID == "" || c.Loyalty.BearerToken == "" {
			return errors.New("loyalty tenant_id and bearer_token are required")
		}
		if c.Loyalty.CartExpiryHours <= 0 {
			return errors.New("loyalty cart_expiry_hours must be positive")
		}
		if c.Loyalty.Timeout <= 0 || c.Loyalty.Timeout > 10*time.Second {
			return errors.New("loyalty timeout must be between 0 and 10s")
		}
	}
	return nil
}
