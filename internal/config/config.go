package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the call-router processes.
// All values come from env (or an env-file loaded by the process runner).
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Auction  AuctionConfig
	Catalog  CatalogConfig
	Capacity CapacityConfig
	Bidder   BidderConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// AuthConfig verifies access tokens minted by the platform's identity service.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type AuctionConfig struct {
	// Deadline bounds one whole auction; campaigns may shorten it.
	Deadline time.Duration
	// BidTimeout is the per-target default when a target has none configured.
	BidTimeout       time.Duration
	CampaignCacheTTL time.Duration
}

// CatalogConfig points at an optional YAML seed. When set, campaigns, targets and buyers
// are served from memory and Postgres is not required.
type CatalogConfig struct {
	File string
}

const (
	CapacityBackendRedis  = "redis"
	CapacityBackendMemory = "memory"
)

type CapacityConfig struct {
	Backend string
}

type BidderConfig struct {
	// JWTIssuer is the iss claim on tokens sent to bidders using jwt auth.
	JWTIssuer string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collect(parseErrs)(mustInt("APP_PORT"))

	c.Catalog.File = strings.TrimSpace(os.Getenv("CATALOG_FILE"))
	c.Capacity.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("CAPACITY_BACKEND")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collect(parseErrs)(optionalInt("DB_PORT"))
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collect(parseErrs)(optionalInt("REDIS_PORT"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	// Duration env vars are optional; defaults applied in Validate().
	c.Auction.Deadline, parseErrs = collectDuration(parseErrs)(optionalDuration("AUCTION_DEADLINE"))
	c.Auction.BidTimeout, parseErrs = collectDuration(parseErrs)(optionalDuration("BID_TIMEOUT"))
	c.Auction.CampaignCacheTTL, parseErrs = collectDuration(parseErrs)(optionalDuration("CAMPAIGN_CACHE_TTL"))

	c.Bidder.JWTIssuer = strings.TrimSpace(os.Getenv("BIDDER_JWT_ISSUER"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Catalog.File != "" && c.IsProduction() {
		errs = append(errs, errors.New("CATALOG_FILE is not allowed in production"))
	}

	if c.UsesPostgres() {
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Capacity.Backend == "" {
		c.Capacity.Backend = CapacityBackendRedis
	}
	switch c.Capacity.Backend {
	case CapacityBackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	case CapacityBackendMemory:
		// Counters are per-process; only safe with a single replica.
		if c.IsProduction() {
			errs = append(errs, errors.New("CAPACITY_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("CAPACITY_BACKEND must be one of redis, memory, got %q", c.Capacity.Backend))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auction.Deadline <= 0 {
		c.Auction.Deadline = 2 * time.Second
	}
	if c.Auction.BidTimeout <= 0 {
		c.Auction.BidTimeout = 1500 * time.Millisecond
	}
	if c.Auction.CampaignCacheTTL <= 0 {
		c.Auction.CampaignCacheTTL = 30 * time.Second
	}
	if c.Auction.BidTimeout > c.Auction.Deadline {
		errs = append(errs, errors.New("BID_TIMEOUT must not exceed AUCTION_DEADLINE"))
	}

	if c.Bidder.JWTIssuer == "" {
		c.Bidder.JWTIssuer = "call-router"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// UsesPostgres is false only in catalog mode, where every store is in memory.
func (c Config) UsesPostgres() bool {
	return c.Catalog.File == ""
}

func (c Config) UsesRedis() bool {
	return c.Capacity.Backend == CapacityBackendRedis
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func collect(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return n, errs
	}
}

func collectDuration(errs []error) func(time.Duration, error) (time.Duration, []error) {
	return func(d time.Duration, err error) (time.Duration, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return d, errs
	}
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
