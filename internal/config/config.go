package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "LICENSING"

// ConfigFileEnv names the environment variable that points at a YAML config file
const ConfigFileEnv = "LICENSING_CONFIG"

// Config represents the complete application configuration. Every component
// receives the section it needs through its constructor.
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Security    SecurityConfig    `yaml:"security" envconfig:"SECURITY"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envconfig:"TELEMETRY"`
	Store       StoreConfig       `yaml:"store" envconfig:"STORE"`
	Signing     SigningConfig     `yaml:"signing" envconfig:"SIGNING"`
	Entitlement EntitlementConfig `yaml:"entitlement" envconfig:"ENTITLEMENT"`
	Client      ClientConfig      `yaml:"client" envconfig:"CLIENT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	DrainDuration   time.Duration `yaml:"drain_duration" envconfig:"DRAIN_DURATION"`
}

// SecurityConfig contains transport authentication and rate limiting
type SecurityConfig struct {
	APIKeys   []string        `yaml:"api_keys" envconfig:"API_KEYS"`
	AdminKeys []string        `yaml:"admin_keys" envconfig:"ADMIN_KEYS"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`   // "stdout", "none"
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"` // "prometheus", "none"
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Store drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// StoreConfig selects and configures the entitlement store backend
type StoreConfig struct {
	Driver             string `yaml:"driver" envconfig:"DRIVER"`
	PostgresDSN        string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	TablePrefix        string `yaml:"table_prefix" envconfig:"TABLE_PREFIX"`
	MongoURI           string `yaml:"mongo_uri" envconfig:"MONGO_URI"`
	MongoDatabase      string `yaml:"mongo_database" envconfig:"MONGO_DATABASE"`
	MongoCollection    string `yaml:"mongo_collection" envconfig:"MONGO_COLLECTION"`
	MaxConflictRetries int    `yaml:"max_conflict_retries" envconfig:"MAX_CONFLICT_RETRIES"`
}

// SigningConfig holds the self-signed key codec parameters. Secret is the
// server-held HMAC key; it is never read from anywhere but this struct.
type SigningConfig struct {
	Secret        string `yaml:"secret" envconfig:"SECRET"`
	Issuer        string `yaml:"issuer" envconfig:"ISSUER"`
	BindingLength int    `yaml:"binding_length" envconfig:"BINDING_LENGTH"`
}

// EntitlementConfig tunes the seat state machine
type EntitlementConfig struct {
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	DefaultMaxActivations int           `yaml:"default_max_activations" envconfig:"DEFAULT_MAX_ACTIVATIONS"`
	KeyPrefix             string        `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// ClientConfig configures the client side: remote service, fingerprint and offline cache
type ClientConfig struct {
	ServerURL         string        `yaml:"server_url" envconfig:"SERVER_URL"`
	APIKey            string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	UserAgent         string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	DataDir           string        `yaml:"data_dir" envconfig:"DATA_DIR"`
	FingerprintFile   string        `yaml:"fingerprint_file" envconfig:"FINGERPRINT_FILE"`
	CacheFile         string        `yaml:"cache_file" envconfig:"CACHE_FILE"`
	CacheSecret       string        `yaml:"cache_secret" envconfig:"CACHE_SECRET"`
	GraceWindow       time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW"`
	ClockSkew         time.Duration `yaml:"clock_skew" envconfig:"CLOCK_SKEW"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	ScryptN           int           `yaml:"scrypt_n" envconfig:"SCRYPT_N"`
}

var issuerPattern = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of increasing precedence.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit YAML path. An empty path skips the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file at filePath onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// getConfigFilePath returns the path to the config file, or "" when there is none
func getConfigFilePath() string {
	if p := os.Getenv(ConfigFileEnv); p != "" {
		return p
	}
	locations := []string{
		"licensing.yaml",
		"configs/licensing.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Validate validates the configuration and normalizes enumerations
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server read and write timeouts must be positive"))
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate limit rps and burst must be positive when enabled"))
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("unsupported log output %q", c.Logging.Output))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case DriverMongo:
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			errs = append(errs, errors.New("store.mongo_uri and store.mongo_database are required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if c.Signing.Secret != "" && len(c.Signing.Secret) < 16 {
		errs = append(errs, errors.New("signing secret must be at least 16 bytes"))
	}
	if !issuerPattern.MatchString(c.Signing.Issuer) {
		errs = append(errs, fmt.Errorf("signing issuer %q must match %s", c.Signing.Issuer, issuerPattern))
	}
	if c.Signing.BindingLength < 4 || c.Signing.BindingLength > 16 {
		errs = append(errs, fmt.Errorf("signing binding length %d out of range [4,16]", c.Signing.BindingLength))
	}

	if c.Entitlement.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("entitlement heartbeat interval must be positive"))
	}
	if c.Entitlement.DefaultMaxActivations < 0 {
		errs = append(errs, errors.New("entitlement default max activations cannot be negative"))
	}

	if c.Client.Timeout <= 0 {
		errs = append(errs, errors.New("client timeout must be positive"))
	}
	if c.Client.GraceWindow < 0 || c.Client.ClockSkew < 0 {
		errs = append(errs, errors.New("client grace window and clock skew cannot be negative"))
	}
	if c.Client.CacheSecret != "" && len(c.Client.CacheSecret) < 16 {
		errs = append(errs, errors.New("client cache secret must be at least 16 bytes"))
	}

	return errors.Join(errs...)
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			DrainDuration:   15 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/licensing.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "licensing",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		Store: StoreConfig{
			Driver:             DriverMemory,
			TablePrefix:        "entitlement",
			MongoCollection:    "licenses",
			MaxConflictRetries: 8,
		},
		Signing: SigningConfig{
			Issuer:        "ALM",
			BindingLength: 8,
		},
		Entitlement: EntitlementConfig{
			HeartbeatInterval:     24 * time.Hour,
			DefaultMaxActivations: 1,
			KeyPrefix:             "ALM",
		},
		Client: ClientConfig{
			ServerURL:         "http://localhost:8080",
			Timeout:           5 * time.Second,
			UserAgent:         "licensectl/1.0",
			DataDir:           ".licensing",
			FingerprintFile:   "fingerprint.json",
			CacheFile:         "entitlement.cache",
			GraceWindow:       7 * 24 * time.Hour,
			ClockSkew:         5 * time.Minute,
			HeartbeatInterval: 24 * time.Hour,
			ScryptN:           32768,
		},
	}
}
