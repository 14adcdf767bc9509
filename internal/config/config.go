package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Audit         AuditConfig
	ObjectStore   ObjectStoreConfig
	AI            AIConfig
	Retrieval     RetrievalConfig
	Pipeline      PipelineConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig describes the database generated SQL runs against.
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	ProbeTimeout    time.Duration
}

// AuditConfig describes the Postgres database holding security events and history.
type AuditConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type AIConfig struct {
	GeneratorProvider string
	EmbedderProvider  string
	BaseURL           string
	APIKey            string
	Model             string
	EmbeddingModel    string
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
}

type RetrievalConfig struct {
	Backend        string
	WeaviateHost   string
	WeaviateScheme string
	WeaviateClass  string
	TopK           int
}

type PipelineConfig struct {
	MaxRetries     int
	RowLimit       int
	MaxQueryLength int
	CallTimeout    time.Duration
}

type SecurityConfig struct {
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	PolicyFile        string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

// Load builds a Config from profile defaults overridden by SQLGUARD_*
// variables. Every malformed or out-of-range value is reported, not just
// the first.
func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLGUARD_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
	default:
		return Config{}, fmt.Errorf("invalid SQLGUARD_PROFILE %q: expected dev, test or prod", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	env := &envReader{lookup: lookup}
	env.str("SQLGUARD_SERVICE_NAME", &cfg.Service.Name)
	cfg.HTTP.read(env)
	cfg.Database.read(env)
	cfg.Audit.read(env)
	cfg.ObjectStore.read(env)
	cfg.AI.read(env)
	cfg.Retrieval.read(env)
	cfg.Pipeline.read(env)
	cfg.Security.read(env)
	env.boolean("SQLGUARD_LOG_JSON", &cfg.Observability.LogJSON)
	env.logLevel("SQLGUARD_LOG_LEVEL", &cfg.Observability.LogLevel)
	env.boolean("SQLGUARD_AUTH_REQUIRED", &cfg.Auth.Required)
	env.str("SQLGUARD_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys)
	if err := env.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *HTTPConfig) read(env *envReader) {
	env.str("SQLGUARD_HTTP_ADDR", &c.Address)
	env.duration("SQLGUARD_HTTP_READ_TIMEOUT", &c.ReadTimeout)
	env.duration("SQLGUARD_HTTP_WRITE_TIMEOUT", &c.WriteTimeout)
	env.duration("SQLGUARD_HTTP_IDLE_TIMEOUT", &c.IdleTimeout)
}

func (c *DatabaseConfig) read(env *envReader) {
	env.str("SQLGUARD_DB_DRIVER", &c.Driver)
	env.str("SQLGUARD_DB_DSN", &c.DSN)
	env.integer("SQLGUARD_DB_MAX_OPEN_CONNS", &c.MaxOpenConns)
	env.integer("SQLGUARD_DB_MAX_IDLE_CONNS", &c.MaxIdleConns)
	env.duration("SQLGUARD_DB_CONN_MAX_IDLE_TIME", &c.ConnMaxIdleTime)
	env.duration("SQLGUARD_DB_CONN_MAX_LIFETIME", &c.ConnMaxLifetime)
	env.duration("SQLGUARD_DB_PROBE_TIMEOUT", &c.ProbeTimeout)
}

func (c *AuditConfig) read(env *envReader) {
	env.str("SQLGUARD_AUDIT_DSN", &c.DSN)
	env.integer("SQLGUARD_AUDIT_MAX_OPEN_CONNS", &c.MaxOpenConns)
	env.integer("SQLGUARD_AUDIT_MAX_IDLE_CONNS", &c.MaxIdleConns)
}

func (c *ObjectStoreConfig) read(env *envReader) {
	env.str("SQLGUARD_OBJECTSTORE_ENDPOINT", &c.Endpoint)
	env.str("SQLGUARD_OBJECTSTORE_REGION", &c.Region)
	env.str("SQLGUARD_OBJECTSTORE_BUCKET", &c.Bucket)
	env.str("SQLGUARD_OBJECTSTORE_ACCESS_KEY", &c.AccessKeyID)
	env.str("SQLGUARD_OBJECTSTORE_SECRET_KEY", &c.SecretAccessKey)
	env.boolean("SQLGUARD_OBJECTSTORE_USE_SSL", &c.UseSSL)
	env.str("SQLGUARD_OBJECTSTORE_PREFIX", &c.Prefix)
	env.boolean("SQLGUARD_OBJECTSTORE_AUTO_CREATE_BUCKET", &c.AutoCreateBucket)
}

func (c *AIConfig) read(env *envReader) {
	env.str("SQLGUARD_AI_GENERATOR", &c.GeneratorProvider)
	env.str("SQLGUARD_AI_EMBEDDER", &c.EmbedderProvider)
	env.str("SQLGUARD_AI_BASE_URL", &c.BaseURL)
	env.str("SQLGUARD_AI_API_KEY", &c.APIKey)
	env.str("SQLGUARD_AI_MODEL", &c.Model)
	env.str("SQLGUARD_AI_EMBEDDING_MODEL", &c.EmbeddingModel)
	env.float("SQLGUARD_AI_TEMPERATURE", &c.Temperature)
	env.duration("SQLGUARD_AI_TIMEOUT", &c.Timeout)
	env.float("SQLGUARD_AI_REQUESTS_PER_SECOND", &c.RequestsPerSecond)
}

func (c *RetrievalConfig) read(env *envReader) {
	env.str("SQLGUARD_RETRIEVAL_BACKEND", &c.Backend)
	env.str("SQLGUARD_WEAVIATE_HOST", &c.WeaviateHost)
	env.str("SQLGUARD_WEAVIATE_SCHEME", &c.WeaviateScheme)
	env.str("SQLGUARD_WEAVIATE_CLASS", &c.WeaviateClass)
	env.integer("SQLGUARD_RETRIEVAL_TOP_K", &c.TopK)
}

func (c *PipelineConfig) read(env *envReader) {
	env.integer("SQLGUARD_PIPELINE_MAX_RETRIES", &c.MaxRetries)
	env.integer("SQLGUARD_PIPELINE_ROW_LIMIT", &c.RowLimit)
	env.integer("SQLGUARD_PIPELINE_MAX_QUERY_LENGTH", &c.MaxQueryLength)
	env.duration("SQLGUARD_PIPELINE_CALL_TIMEOUT", &c.CallTimeout)
}

func (c *SecurityConfig) read(env *envReader) {
	env.boolean("SQLGUARD_RATE_LIMIT_ENABLED", &c.RateLimitEnabled)
	env.integer("SQLGUARD_RATE_LIMIT_REQUESTS", &c.RateLimitRequests)
	env.duration("SQLGUARD_RATE_LIMIT_WINDOW", &c.RateLimitWindow)
	env.str("SQLGUARD_POLICY_FILE", &c.PolicyFile)
}

func (c Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Service.Name != "", "service name is required")
	check(c.HTTP.Address != "", "SQLGUARD_HTTP_ADDR is required")
	check(c.Pipeline.MaxRetries >= 0, "SQLGUARD_PIPELINE_MAX_RETRIES must be >= 0, got %d", c.Pipeline.MaxRetries)
	check(c.Pipeline.RowLimit > 0, "SQLGUARD_PIPELINE_ROW_LIMIT must be > 0, got %d", c.Pipeline.RowLimit)
	check(c.Pipeline.MaxQueryLength > 0, "SQLGUARD_PIPELINE_MAX_QUERY_LENGTH must be > 0, got %d", c.Pipeline.MaxQueryLength)
	if c.Security.RateLimitEnabled {
		check(c.Security.RateLimitRequests > 0, "SQLGUARD_RATE_LIMIT_REQUESTS must be > 0 when rate limiting is enabled")
		check(c.Security.RateLimitWindow > 0, "SQLGUARD_RATE_LIMIT_WINDOW must be > 0 when rate limiting is enabled")
	}
	check(c.Retrieval.Backend == "memory" || c.Retrieval.Backend == "weaviate",
		"SQLGUARD_RETRIEVAL_BACKEND %q: expected memory or weaviate", c.Retrieval.Backend)
	check(c.AI.Temperature >= 0 && c.AI.Temperature <= 2, "SQLGUARD_AI_TEMPERATURE must be within [0, 2], got %g", c.AI.Temperature)
	return errors.Join(errs...)
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlguard-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "duckdb",
			DSN:             "sqlguard.duckdb",
			MaxOpenConns:    16,
			MaxIdleConns:    16,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			ProbeTimeout:    2 * time.Second,
		},
		Audit: AuditConfig{
			DSN:          "",
			MaxOpenConns: 10,
			MaxIdleConns: 10,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlguard",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		AI: AIConfig{
			GeneratorProvider: "openai",
			EmbedderProvider:  "openai",
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			EmbeddingModel:    "text-embedding-3-small",
			Temperature:       0.1,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
		},
		Retrieval: RetrievalConfig{
			Backend:        "memory",
			WeaviateHost:   "localhost:8081",
			WeaviateScheme: "http",
			WeaviateClass:  "SchemaDocument",
			TopK:           8,
		},
		Pipeline: PipelineConfig{
			MaxRetries:     2,
			RowLimit:       200,
			MaxQueryLength: 1000,
			CallTimeout:    30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimitEnabled:  true,
			RateLimitRequests: 30,
			RateLimitWindow:   time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.AI.GeneratorProvider = "echo"
		cfg.AI.EmbedderProvider = "echo"
		cfg.Database.DSN = ""
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
		cfg.Retrieval.Backend = "weaviate"
	}

	return cfg
}
