// Package config provides configuration management for the Archon core.
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values (SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.archon/config.yaml, /etc/archon/config.yaml)
//  3. .env files
//  4. Environment variables with the ARCHON_ prefix, plus the bare
//     variables recognized by the deployment surface (DATABASE_URI,
//     EMBEDDING_MODEL, MCP_SESSION_SECRET, ...)
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit"`
	Debug           bool          `mapstructure:"debug"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// AllowAnonymousRead permits unauthenticated access to read endpoints.
	AllowAnonymousRead bool `mapstructure:"allow_anonymous_read"`
}

// DatabaseConfig contains Postgres connection settings. URI takes precedence;
// the Supabase pair is accepted for compatibility with hosted deployments.
type DatabaseConfig struct {
	URI                string `mapstructure:"uri"`
	SupabaseURL        string `mapstructure:"supabase_url"`
	SupabaseServiceKey string `mapstructure:"supabase_service_key"`
	MaxConnections     int    `mapstructure:"max_connections"`
}

// RedisConfig contains settings for the embedding and result caches.
type RedisConfig struct {
	URL                string        `mapstructure:"url"`
	EmbeddingCacheTTL  time.Duration `mapstructure:"embedding_cache_ttl"`
	ResultCacheTTL     time.Duration `mapstructure:"result_cache_ttl"`
}

// ProviderConfig describes one configured model capability.
type ProviderConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	// FallbackAPIKey is consulted when APIKey is unset or rejected.
	FallbackAPIKey string `mapstructure:"fallback_api_key"`
	Dimensions     int    `mapstructure:"dimensions"`
	BatchLimit     int    `mapstructure:"batch_limit"`
}

// ProvidersConfig enumerates the chat, embedding, and reranker capabilities.
// Reranker is optional; an empty provider disables reranking.
type ProvidersConfig struct {
	Chat      ProviderConfig `mapstructure:"chat"`
	Embedding ProviderConfig `mapstructure:"embedding"`
	Reranker  ProviderConfig `mapstructure:"reranker"`
	// Timeout applies per provider call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// MCPConfig contains MCP session layer settings.
type MCPConfig struct {
	// SessionSecret signs reconnection tokens. Required outside dev mode.
	SessionSecret string `mapstructure:"session_secret"`
	// ReconnectTokenExpiry is the validity window of reconnection tokens.
	ReconnectTokenExpiry time.Duration `mapstructure:"reconnect_token_expiry"`
	// IdleTimeout marks sessions disconnected after this inactivity window.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// ReaperInterval controls how often the idle reaper runs.
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	// MaxConcurrentTools caps concurrent MCP tool calls.
	MaxConcurrentTools int `mapstructure:"max_concurrent_tools"`
}

// IngestConfig contains ingestion pipeline settings.
type IngestConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size"`
	UploadChunkSize   int           `mapstructure:"upload_chunk_size"`
	ChunkOverlap      int           `mapstructure:"chunk_overlap"`
	MaxPipelines      int           `mapstructure:"max_pipelines"`
	MaxEmbedBatches   int           `mapstructure:"max_embed_batches"`
	MaxCrawlDepth     int           `mapstructure:"max_crawl_depth"`
	PerHostConcurrency int          `mapstructure:"per_host_concurrency"`
	PolitenessDelay   time.Duration `mapstructure:"politeness_delay"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
}

// SearchConfig contains retrieval engine settings.
type SearchConfig struct {
	// RerankFused sends RRF-fused candidates to the reranker when true;
	// raw vector candidates when false.
	RerankFused bool `mapstructure:"rerank_fused"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	// PermissiveFallback enables permissive-authenticated RBAC mode when the
	// policy store is unavailable at startup. Development only.
	PermissiveFallback bool `mapstructure:"permissive_fallback"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the Archon core.
type Config struct {
	Mode          string          `mapstructure:"mode"`
	Server        ServerConfig    `mapstructure:"server"`
	Database      DatabaseConfig  `mapstructure:"database"`
	Redis         RedisConfig     `mapstructure:"redis"`
	Providers     ProvidersConfig `mapstructure:"providers"`
	MCP           MCPConfig       `mapstructure:"mcp"`
	Ingest        IngestConfig    `mapstructure:"ingest"`
	Search        SearchConfig    `mapstructure:"search"`
	Security      SecurityConfig  `mapstructure:"security"`
	Logging       LoggingConfig   `mapstructure:"logging"`
	BackupOnStart bool            `mapstructure:"backup_on_start"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix (e.g. "ARCHON" -> "ARCHON_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetConfigDefaults sets standard Archon defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("mode", "local")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8181)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.body_limit", "50M")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.allow_anonymous_read", false)

	l.v.SetDefault("database.max_connections", 10)

	l.v.SetDefault("redis.url", "redis://localhost:6379/0")
	l.v.SetDefault("redis.embedding_cache_ttl", "168h")
	l.v.SetDefault("redis.result_cache_ttl", "5m")

	l.v.SetDefault("providers.timeout", "30s")
	l.v.SetDefault("providers.chat.provider", "openai")
	l.v.SetDefault("providers.chat.model", "gpt-4o-mini")
	l.v.SetDefault("providers.embedding.provider", "openai")
	l.v.SetDefault("providers.embedding.model", "text-embedding-3-small")
	l.v.SetDefault("providers.embedding.dimensions", 1536)
	l.v.SetDefault("providers.embedding.batch_limit", 100)

	l.v.SetDefault("mcp.reconnect_token_expiry", "15m")
	l.v.SetDefault("mcp.idle_timeout", "5m")
	l.v.SetDefault("mcp.reaper_interval", "30s")
	l.v.SetDefault("mcp.max_concurrent_tools", 32)

	l.v.SetDefault("ingest.chunk_size", 600)
	l.v.SetDefault("ingest.upload_chunk_size", 1500)
	l.v.SetDefault("ingest.chunk_overlap", 200)
	l.v.SetDefault("ingest.max_pipelines", 4)
	l.v.SetDefault("ingest.max_embed_batches", 8)
	l.v.SetDefault("ingest.max_crawl_depth", 2)
	l.v.SetDefault("ingest.per_host_concurrency", 2)
	l.v.SetDefault("ingest.politeness_delay", "500ms")
	l.v.SetDefault("ingest.fetch_timeout", "30s")

	l.v.SetDefault("search.rerank_fused", true)

	l.v.SetDefault("security.jwt_expiration", "24h")
	l.v.SetDefault("security.permissive_fallback", false)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")

	l.v.SetDefault("backup_on_start", false)
}

// bindRecognizedEnv binds the bare environment variables recognized by the
// deployment surface onto their configuration keys. These take effect even
// without the ARCHON_ prefix.
func (l *Loader) bindRecognizedEnv() {
	bindings := map[string]string{
		"mode":                           "MODE",
		"database.uri":                   "DATABASE_URI",
		"database.supabase_url":          "SUPABASE_URL",
		"database.supabase_service_key":  "SUPABASE_SERVICE_KEY",
		"providers.embedding.model":      "EMBEDDING_MODEL",
		"providers.embedding.dimensions": "EMBEDDING_DIMENSIONS",
		"providers.chat.provider":        "LLM_PROVIDER",
		"providers.chat.api_key":         "OPENAI_API_KEY",
		"providers.reranker.api_key":     "JINA_API_KEY",
		"mcp.session_secret":             "MCP_SESSION_SECRET",
		"mcp.reconnect_token_expiry":     "MCP_RECONNECT_TOKEN_EXPIRY",
		"backup_on_start":                "BACKUP_ON_START",
	}
	for key, env := range bindings {
		_ = l.v.BindEnv(key, env)
	}
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.archon")
		l.v.AddConfigPath("/etc/archon")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.bindRecognizedEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the Archon configuration with standard defaults and
// validates it.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("ARCHON")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// supportedDimensions are the embedding widths the storage schema carries.
var supportedDimensions = map[int]bool{384: true, 768: true, 1024: true, 1536: true, 3072: true, 3584: true}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Mode != "local" && cfg.Mode != "remote" {
		return fmt.Errorf("invalid mode %q: must be local or remote", cfg.Mode)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.URI == "" && cfg.Database.SupabaseURL == "" {
		return fmt.Errorf("database.uri or database.supabase_url is required")
	}
	if !supportedDimensions[cfg.Providers.Embedding.Dimensions] {
		return fmt.Errorf("unsupported embedding dimensions: %d", cfg.Providers.Embedding.Dimensions)
	}
	if cfg.MCP.SessionSecret == "" {
		if cfg.Mode != "local" {
			return fmt.Errorf("mcp.session_secret is required in remote mode")
		}
		// Dev-only: auto-generate so local setups work out of the box.
		cfg.MCP.SessionSecret = generateDevSecret()
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = cfg.MCP.SessionSecret
	}
	if cfg.Ingest.MaxCrawlDepth > 5 {
		cfg.Ingest.MaxCrawlDepth = 5
	}
	return nil
}

func generateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("cannot generate dev session secret: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
