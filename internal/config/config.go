// Package config holds formflow's runtime configuration: a YAML file layered
// over built-in defaults, with a few FORMFLOW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Lock and notify drivers.
const (
	DriverRedis = "redis"
	DriverNop   = "nop"
	DriverLog   = "log"
	DriverNATS  = "nats"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Permission    PermissionConfig    `yaml:"permission"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer token verification. The signing key itself
// is read from the environment variable named by SigningKeyEnv.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	SigningKeyEnv string            `yaml:"signing_key_env"`
	Algorithms    []string          `yaml:"algorithms"`
	Leeway        time.Duration     `yaml:"leeway"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// SigningKey resolves the HMAC key from the environment.
func (c IdentityConfig) SigningKey() []byte {
	if c.SigningKeyEnv == "" {
		return nil
	}
	return []byte(os.Getenv(c.SigningKeyEnv))
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// StoreConfig selects and tunes the persistence backend for submissions,
// users and permission grants.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	Database        string        `yaml:"database"`
	SeedFile        string        `yaml:"seed_file"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DSN resolves the connection string from the environment.
func (c StoreConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// PermissionConfig describes permission evaluation settings.
type PermissionConfig struct {
	AdminResource string      `yaml:"admin_resource"`
	UserCache     CacheConfig `yaml:"user_cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Lock           LockConfig           `yaml:"lock"`
	PermissionGate PermissionGateConfig `yaml:"permission_gate"`
}

// LockConfig selects how ExecuteAction calls are serialized per submission.
type LockConfig struct {
	Driver        string        `yaml:"driver"`
	AddrEnv       string        `yaml:"addr_env"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Addr resolves the Redis address from the environment.
func (c LockConfig) Addr() string {
	if c.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.AddrEnv)
}

// PermissionGateConfig enables the resource permission check the engine runs
// before stage authorization.
type PermissionGateConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Resource string `yaml:"resource"`
}

// NotifyConfig describes where transition events are published.
type NotifyConfig struct {
	Driver        string `yaml:"driver"`
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// URL resolves the NATS server URL from the environment.
func (c NotifyConfig) URL() string {
	if c.URLEnv == "" {
		return ""
	}
	return os.Getenv(c.URLEnv)
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			SigningKeyEnv: "FORMFLOW_SIGNING_KEY",
			Algorithms:    []string{"HS256"},
			Leeway:        30 * time.Second,
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"role":       "role",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			Database:        "formflow",
			Path:            "formflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Permission: PermissionConfig{
			AdminResource: "permissions",
			UserCache: CacheConfig{
				Enabled:         true,
				TTL:             time.Minute,
				CleanupInterval: 10 * time.Minute,
			},
		},
		Workflow: WorkflowConfig{
			Lock: LockConfig{
				Driver:        DriverMemory,
				KeyPrefix:     "formflow:lock",
				TTL:           30 * time.Second,
				RetryInterval: 50 * time.Millisecond,
			},
			PermissionGate: PermissionGateConfig{
				Resource: "submissions",
			},
		},
		Notify: NotifyConfig{
			Driver:        DriverLog,
			SubjectPrefix: "formflow.workflow",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load builds the configuration: Defaults, then the YAML file at path, then
// FORMFLOW_* environment overrides. The result is validated before return.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		fail("identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		fail("identity.audience is required")
	}
	if c.Identity.SigningKeyEnv == "" {
		fail("identity.signing_key_env is required")
	}
	if len(c.Definitions.Directories) == 0 {
		fail("definitions.directories must list at least one directory")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			fail("store.path is required for the sqlite driver")
		}
	case DriverPostgres, DriverMongo:
		if c.Store.DSNEnv == "" {
			fail("store.dsn_env is required for the %s driver", c.Store.Driver)
		}
	default:
		fail("store.driver %q is not one of memory, sqlite, postgres, mongo", c.Store.Driver)
	}

	switch c.Workflow.Lock.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Workflow.Lock.AddrEnv == "" {
			fail("workflow.lock.addr_env is required for the redis driver")
		}
		if c.Workflow.Lock.TTL <= 0 {
			fail("workflow.lock.ttl must be positive")
		}
	default:
		fail("workflow.lock.driver %q is not one of memory, redis", c.Workflow.Lock.Driver)
	}
	if c.Workflow.PermissionGate.Enabled && c.Workflow.PermissionGate.Resource == "" {
		fail("workflow.permission_gate.resource is required when the gate is enabled")
	}

	if !slices.Contains([]string{DriverNop, DriverLog, DriverNATS}, c.Notify.Driver) {
		fail("notify.driver %q is not one of nop, log, nats", c.Notify.Driver)
	}
	if c.Notify.Driver == DriverNATS && c.Notify.URLEnv == "" {
		fail("notify.url_env is required for the nats driver")
	}

	if c.Permission.AdminResource == "" {
		fail("permission.admin_resource is required")
	}

	return errors.Join(errs...)
}

// applyEnvOverrides lets deployments switch drivers and identity settings
// without editing the file. Secrets are never read here; they stay behind
// the *_env indirections.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("FORMFLOW_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FORMFLOW_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	for name, dst := range map[string]*string{
		"FORMFLOW_IDENTITY_ISSUER":         &cfg.Identity.Issuer,
		"FORMFLOW_IDENTITY_AUDIENCE":       &cfg.Identity.Audience,
		"FORMFLOW_STORE_DRIVER":            &cfg.Store.Driver,
		"FORMFLOW_WORKFLOW_LOCK_DRIVER":    &cfg.Workflow.Lock.Driver,
		"FORMFLOW_NOTIFY_DRIVER":           &cfg.Notify.Driver,
		"FORMFLOW_OBSERVABILITY_LOG_LEVEL": &cfg.Observability.LogLevel,
	} {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	return nil
}
