package configs

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	HTTPPort int    `env:"COMPANION_MEMORY_PORT" envDefault:"8090"`
	APIKey   string `env:"COMPANION_MEMORY_API_KEY"`

	// LLM used for extraction and session summaries (OpenAI-compatible)
	LLMBaseURL string        `env:"LLM_BASE_URL" envDefault:"https://api.xiaomimimo.com/v1"`
	LLMAPIKey  string        `env:"LLM_API_KEY"`
	LLMModel   string        `env:"LLM_MODEL" envDefault:"mimo-v2-flash"`
	LLMTimeout time.Duration `env:"LLM_TIMEOUT" envDefault:"30s"`

	// Embedding provider: "tei" (BGE-M3 over text-embeddings-inference) or "openai"
	EmbeddingProvider   string        `env:"EMBEDDING_PROVIDER" envDefault:"tei"`
	EmbeddingServiceURL string        `env:"EMBEDDING_SERVICE_URL" envDefault:"http://localhost:8091"`
	EmbeddingModel      string        `env:"EMBEDDING_MODEL" envDefault:"BAAI/bge-m3"`
	EmbeddingDimension  int           `env:"EMBEDDING_DIMENSION" envDefault:"1024"`
	EmbeddingTimeout    time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"30s"`
	OpenAIAPIKey        string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `env:"OPENAI_BASE_URL"`

	EmbeddingCacheType      string        `env:"EMBEDDING_CACHE_TYPE" envDefault:"memory"`
	EmbeddingCacheTTL       time.Duration `env:"EMBEDDING_CACHE_TTL" envDefault:"1h"`
	EmbeddingCacheMaxSize   int           `env:"EMBEDDING_CACHE_MAX_SIZE" envDefault:"10000"`
	EmbeddingCacheRedisURL  string        `env:"EMBEDDING_CACHE_REDIS_URL" envDefault:"redis://redis:6379/3"`
	EmbeddingCacheKeyPrefix string        `env:"EMBEDDING_CACHE_KEY_PREFIX" envDefault:"companion-memory:emb:"`

	EmbeddingBatchEnabled bool          `env:"EMBEDDING_BATCH_ENABLED" envDefault:"false"`
	EmbeddingBatchSize    int           `env:"EMBEDDING_BATCH_SIZE" envDefault:"16"`
	EmbeddingBatchWait    time.Duration `env:"EMBEDDING_BATCH_WAIT" envDefault:"20ms"`

	ValidateEmbedding        bool          `env:"VALIDATE_EMBEDDING_ON_START" envDefault:"false"`
	ValidateEmbeddingTimeout time.Duration `env:"VALIDATE_EMBEDDING_TIMEOUT" envDefault:"10s"`

	// Retrieval tuning
	DedupThreshold       float64       `env:"MEMORY_DEDUP_THRESHOLD" envDefault:"0.9"`
	KeywordBoost         float64       `env:"KNOWLEDGE_KEYWORD_BOOST" envDefault:"0.3"`
	KnowledgeThreshold   float64       `env:"KNOWLEDGE_SIMILARITY_THRESHOLD" envDefault:"0.5"`
	KnowledgeTopK        int           `env:"KNOWLEDGE_TOP_K" envDefault:"5"`
	KnowledgeBasePath    string        `env:"KNOWLEDGE_BASE_PATH"`
	KnowledgeWarmLockTTL time.Duration `env:"KNOWLEDGE_WARM_LOCK_TTL" envDefault:"2m"`

	// Persistence: "memory" keeps records in-process only, "postgres" mirrors them
	MemoryPersistence    string `env:"MEMORY_PERSISTENCE" envDefault:"memory"`
	DBPostgresqlWriteDSN string `env:"DB_POSTGRESQL_WRITE_DSN"`
	MigrationsDir        string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	PIILogLevel string `env:"PII_LOG_LEVEL" envDefault:"hashed"`
	PIISalt     string `env:"PII_SALT" envDefault:"companion-memory"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.EmbeddingProvider = strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))
	cfg.EmbeddingCacheType = strings.ToLower(strings.TrimSpace(cfg.EmbeddingCacheType))
	cfg.MemoryPersistence = strings.ToLower(strings.TrimSpace(cfg.MemoryPersistence))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum-like values and the settings they require.
func (c *Config) Validate() error {
	switch c.EmbeddingProvider {
	case "tei":
		if c.EmbeddingServiceURL == "" {
			return fmt.Errorf("EMBEDDING_SERVICE_URL is required for the tei provider")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}

	switch c.EmbeddingCacheType {
	case "memory", "noop", "":
	case "redis":
		if c.EmbeddingCacheRedisURL == "" {
			return fmt.Errorf("EMBEDDING_CACHE_REDIS_URL is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_CACHE_TYPE %q", c.EmbeddingCacheType)
	}

	switch c.MemoryPersistence {
	case "memory":
	case "postgres":
		if c.DBPostgresqlWriteDSN == "" {
			return fmt.Errorf("DB_POSTGRESQL_WRITE_DSN is required when MEMORY_PERSISTENCE=postgres")
		}
	default:
		return fmt.Errorf("unknown MEMORY_PERSISTENCE %q", c.MemoryPersistence)
	}

	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("MEMORY_DEDUP_THRESHOLD must be in (0, 1], got %v", c.DedupThreshold)
	}
	if c.KnowledgeTopK <= 0 {
		return fmt.Errorf("KNOWLEDGE_TOP_K must be positive, got %d", c.KnowledgeTopK)
	}
	return nil
}

// PostgresEnabled reports whether memories are mirrored to Postgres.
func (c *Config) PostgresEnabled() bool {
	return c.MemoryPersistence == "postgres"
}
