package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AzielCF/az-publisher/domains/ratelimit"
	"github.com/AzielCF/az-publisher/pkg/crypto"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App         AppConfig
	Paths       PathsConfig
	Database    DatabaseConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Recovery    RecoveryConfig
	RateLimit   RateLimitConfig
	Session     SessionConfig
	Performance PerformanceConfig
	Notify      NotifyConfig
	Platforms   map[string]PlatformConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	LogFormat          string
	Environment        string
	BasicAuth          []string
	BasePath           string
	TrustedProxies     []string
	BaseUrl            string
	CorsAllowedOrigins []string
	ServerID           string
}

type PathsConfig struct {
	Storages      string
	PlatformsFile string
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string // File path for SQLite, DB Name for Postgres
	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
	ValkeyCluster   bool
}

type QueueConfig struct {
	DefaultMaxAttempts int
	PromoteInterval    time.Duration
	PromoteBatch       int
	LeaseTimeout       time.Duration
	RetryBase          time.Duration
	RetryMax           time.Duration
}

type WorkerConfig struct {
	DefaultConcurrency int
	PollInterval       time.Duration
	MaxBackoff         time.Duration
	DefaultTimeout     time.Duration
}

type RecoveryConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	MinDwell         time.Duration
	ProbeTimeout     time.Duration
	StableAfter      time.Duration
	Interval         time.Duration
	MaxActionTries   int
	MaxAttempts      int
	ProbeRetries     int
	KeepResolved     int
}

type RateLimitConfig struct {
	WarnRatio     float64
	FlushInterval time.Duration
}

type SessionConfig struct {
	CheckInterval time.Duration
	ExpiryWarning time.Duration
}

type PerformanceConfig struct {
	Retention time.Duration
	Window    time.Duration
}

// NotifyConfig configures escalation delivery. An empty AMQPURL logs only.
type NotifyConfig struct {
	AMQPURL      string
	AMQPExchange string
}

// PlatformConfig describes one platform adapter and its limits.
type PlatformConfig struct {
	Name         string           `mapstructure:"-"`
	URL          string           `mapstructure:"url"`
	Token        string           `mapstructure:"token"`
	Timeout      time.Duration    `mapstructure:"timeout"`
	Concurrency  int              `mapstructure:"concurrency"`
	MaxAttempts  int              `mapstructure:"max_attempts"`
	SessionBased bool             `mapstructure:"session_based"`
	Accounts     []string         `mapstructure:"accounts"`
	Limits       ratelimit.Limits `mapstructure:"limits"`
}

// DefaultAccount is the first configured account, or "default".
func (p PlatformConfig) DefaultAccount() string {
	if len(p.Accounts) > 0 {
		return p.Accounts[0]
	}
	return "default"
}

// Global provides access to the loaded configuration globally
var Global *Config

// LoadEnv loads .env files into the process environment when present.
func LoadEnv() {
	for _, file := range []string{".env", ".env.local"} {
		if !fileExists(file) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logrus.WithError(err).Warnf("[CONFIG] Failed to load %s", file)
		}
	}
}

// LoadConfig loads configuration from Environment Variables or defaults.
func LoadConfig() (*Config, error) {
	storages := getEnv("APP_BASE_DIR", "storages")

	var basicAuth []string
	if v := os.Getenv("APP_BASIC_AUTH"); v != "" {
		basicAuth = strings.Split(v, ",")
	}

	corsOrigins := []string{"http://localhost:3000", "http://localhost:5173"}
	if v := os.Getenv("APP_CORS_ALLOWED_ORIGINS"); v != "" {
		corsOrigins = strings.Split(v, ",")
	}

	appCfg := AppConfig{
		Version:            "v0.4.0",
		Port:               getEnv("APP_PORT", "3000"),
		Debug:              getEnvBool("APP_DEBUG", false),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		Environment:        getEnv("APP_ENV", "development"),
		BasicAuth:          basicAuth,
		BasePath:           getEnv("APP_BASE_PATH", ""),
		BaseUrl:            getEnv("APP_BASE_URL", "http://localhost:3000"),
		CorsAllowedOrigins: corsOrigins,
		ServerID:           getEnv("SERVER_ID", ""),
	}
	if v := os.Getenv("APP_TRUSTED_PROXIES"); v != "" {
		appCfg.TrustedProxies = strings.Split(v, ",")
	}

	cfg := &Config{
		App: appCfg,
		Paths: PathsConfig{
			Storages:      storages,
			PlatformsFile: getEnv("PLATFORMS_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite"),
			Name:            getEnv("DB_NAME", filepath.Join(storages, "publisher.db")),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			ValkeyEnabled:   getEnvBool("VALKEY_ENABLED", false),
			ValkeyAddress:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
			ValkeyPassword:  getEnv("VALKEY_PASSWORD", ""),
			ValkeyDB:        getEnvInt("VALKEY_DB", 0),
			ValkeyKeyPrefix: getEnv("VALKEY_KEY_PREFIX", "azpub:"),
			ValkeyCluster:   getEnvBool("VALKEY_CLUSTER", false),
		},
		Queue: QueueConfig{
			DefaultMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			PromoteInterval:    getEnvDuration("QUEUE_PROMOTE_INTERVAL", time.Second),
			PromoteBatch:       getEnvInt("QUEUE_PROMOTE_BATCH", 100),
			LeaseTimeout:       getEnvDuration("QUEUE_LEASE_TIMEOUT", 5*time.Minute),
			RetryBase:          getEnvDuration("QUEUE_RETRY_BASE", 5*time.Second),
			RetryMax:           getEnvDuration("QUEUE_RETRY_MAX", 15*time.Minute),
		},
		Worker: WorkerConfig{
			DefaultConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
			PollInterval:       getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			MaxBackoff:         getEnvDuration("WORKER_MAX_BACKOFF", 30*time.Second),
			DefaultTimeout:     getEnvDuration("WORKER_PUBLISH_TIMEOUT", 30*time.Second),
		},
		Recovery: RecoveryConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
			MaxCooldown:      getEnvDuration("BREAKER_MAX_COOLDOWN", 10*time.Minute),
			MinDwell:         getEnvDuration("BREAKER_MIN_DWELL", 5*time.Second),
			ProbeTimeout:     getEnvDuration("BREAKER_PROBE_TIMEOUT", 45*time.Second),
			StableAfter:      getEnvDuration("BREAKER_STABLE_AFTER", 5*time.Minute),
			Interval:         getEnvDuration("RECOVERY_INTERVAL", 10*time.Second),
			MaxActionTries:   getEnvInt("RECOVERY_MAX_ACTION_TRIES", 3),
			MaxAttempts:      getEnvInt("RECOVERY_MAX_ATTEMPTS", 10),
			ProbeRetries:     getEnvInt("RECOVERY_PROBE_RETRIES", 2),
			KeepResolved:     getEnvInt("RECOVERY_KEEP_RESOLVED", 500),
		},
		RateLimit: RateLimitConfig{
			WarnRatio:     0.8,
			FlushInterval: getEnvDuration("RATELIMIT_FLUSH_INTERVAL", 30*time.Second),
		},
		Session: SessionConfig{
			CheckInterval: getEnvDuration("SESSION_CHECK_INTERVAL", 2*time.Minute),
			ExpiryWarning: getEnvDuration("SESSION_EXPIRY_WARNING", 10*time.Minute),
		},
		Performance: PerformanceConfig{
			Retention: getEnvDuration("PERFORMANCE_RETENTION", 24*time.Hour),
			Window:    getEnvDuration("PERFORMANCE_WINDOW", time.Hour),
		},
		Notify: NotifyConfig{
			AMQPURL:      getEnv("AMQP_URL", ""),
			AMQPExchange: getEnv("AMQP_EXCHANGE", "publisher.incidents"),
		},
	}

	platforms, err := LoadPlatforms(cfg.Paths.PlatformsFile, cfg.Worker)
	if err != nil {
		return nil, err
	}
	if err := OpenTokens(platforms, os.Getenv("APP_SECRET_KEY")); err != nil {
		return nil, err
	}
	cfg.Platforms = platforms

	Global = cfg
	return cfg, nil
}

// DefaultPlatforms is used when no platform file is configured.
func DefaultPlatforms() map[string]PlatformConfig {
	return map[string]PlatformConfig{
		"twitter": {
			URL: "http://localhost:8101", Timeout: 30 * time.Second, Concurrency: 2, MaxAttempts: 3,
			Limits: ratelimit.Limits{Hour: 100, Day: 1000, Month: 15000},
		},
		"linkedin": {
			URL: "http://localhost:8102", Timeout: 30 * time.Second, Concurrency: 1, MaxAttempts: 3,
			Limits: ratelimit.Limits{Hour: 25, Day: 150},
		},
		"ghost": {
			URL: "http://localhost:8103", Timeout: 30 * time.Second, Concurrency: 2, MaxAttempts: 5,
		},
		"substack": {
			URL: "http://localhost:8104", Timeout: 60 * time.Second, Concurrency: 1, MaxAttempts: 3,
			SessionBased: true, Accounts: []string{"default"},
			Limits: ratelimit.Limits{Hour: 10, Day: 50},
		},
	}
}

// LoadPlatforms reads the "platforms" map from a YAML/JSON/TOML file. Values
// can be overridden with PLATFORMS_<NAME>_<FIELD> environment variables.
func LoadPlatforms(path string, worker WorkerConfig) (map[string]PlatformConfig, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	platforms := DefaultPlatforms()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read platforms file %s: %w", path, err)
		}
		platforms = map[string]PlatformConfig{}
		if err := v.UnmarshalKey("platforms", &platforms); err != nil {
			return nil, fmt.Errorf("failed to decode platforms: %w", err)
		}
		if len(platforms) == 0 {
			return nil, fmt.Errorf("platforms file %s declares no platforms", path)
		}
	}

	for name, p := range platforms {
		p.Name = name
		if u := v.GetString("platforms." + name + ".url"); u != "" {
			p.URL = u
		}
		if tok := v.GetString("platforms." + name + ".token"); tok != "" {
			p.Token = tok
		}
		if p.Timeout <= 0 {
			p.Timeout = worker.DefaultTimeout
		}
		if p.Concurrency <= 0 {
			p.Concurrency = worker.DefaultConcurrency
		}
		if p.SessionBased && len(p.Accounts) == 0 {
			p.Accounts = []string{"default"}
		}
		platforms[name] = p
	}
	return platforms, nil
}

// OpenTokens decrypts platform tokens sealed with the given key.
func OpenTokens(platforms map[string]PlatformConfig, key string) error {
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return err
	}
	for name, p := range platforms {
		tok, err := sealer.Open(p.Token)
		if err != nil {
			return fmt.Errorf("platform %s token: %w", name, err)
		}
		p.Token = tok
		platforms[name] = p
	}
	return nil
}

// PlatformNames returns the configured platform names in sorted order.
func (c *Config) PlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
