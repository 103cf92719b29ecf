package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/janhq/companion-memory/internal/configs"
	"github.com/janhq/companion-memory/internal/domain/crisis"
	"github.com/janhq/companion-memory/internal/domain/embedding"
	"github.com/janhq/companion-memory/internal/domain/extraction"
	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/janhq/companion-memory/internal/domain/search"
	"github.com/janhq/companion-memory/internal/infrastructure/cache"
	"github.com/janhq/companion-memory/internal/infrastructure/database/repository/memoryrepo"
	teihttp "github.com/janhq/companion-memory/internal/infrastructure/http"
	"github.com/janhq/companion-memory/internal/infrastructure/llm"
	"github.com/janhq/companion-memory/internal/infrastructure/openai"
	"github.com/janhq/companion-memory/internal/interfaces/httpserver/handlers"
	"github.com/janhq/companion-memory/internal/interfaces/httpserver/middleware"
	"github.com/janhq/companion-memory/internal/metrics"
	"github.com/janhq/companion-memory/internal/telemetry"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const serviceName = "companion-memory"

type Application struct {
	server   *http.Server
	sqlDB    *sql.DB
	batcher  *embedding.Batcher
	embCache *cache.EmbeddingCache
}

func newApplication(cfg *configs.Config) (*Application, error) {
	ctx := context.Background()
	app := &Application{}

	embedder, err := app.buildEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ranker := search.NewRanker(search.RankerConfig{
		KeywordBoost:        cfg.KeywordBoost,
		SimilarityThreshold: cfg.KnowledgeThreshold,
	})

	items, err := search.LoadKnowledge(cfg.KnowledgeBasePath)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}
	kb := search.NewKnowledgeBase(items, embedder, ranker, cfg.KnowledgeTopK)
	app.warmKnowledge(ctx, cfg, kb)

	var repo memory.Repository = memory.NopRepository{}
	if cfg.PostgresEnabled() {
		db, err := gorm.Open(postgres.Open(cfg.DBPostgresqlWriteDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		app.sqlDB = sqlDB

		if err := db.WithContext(ctx).Raw("SELECT 1").Error; err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		log.Info().Msg("Database connection established")

		if err := runMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return nil, err
		}
		log.Info().Msg("Database migrations applied")

		repo = memoryrepo.NewRepository(db)
	}

	redactor := telemetry.NewRedactor(telemetry.ParsePIILevel(cfg.PIILogLevel), cfg.PIISalt)

	store := memory.NewStore(embedder, ranker, repo, memory.StoreConfig{
		DedupThreshold: cfg.DedupThreshold,
	})
	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	extractor := extraction.NewExtractor(llmClient, extraction.Config{Model: cfg.LLMModel})
	detector := crisis.NewKeywordDetector()
	memoryService := memory.NewService(store, extractor, detector, redactor, memory.ServiceConfig{})

	memoryHandler := handlers.NewMemoryHandler(memoryService, kb, redactor)
	knowledgeHandler := handlers.NewKnowledgeHandler(kb)
	crisisHandler := handlers.NewCrisisHandler(detector)
	var cacheHealth handlers.HealthChecker
	if app.embCache != nil {
		cacheHealth = app.embCache
	}
	healthHandler := handlers.NewHealthHandler(kb, cacheHealth)

	routes := map[string]http.HandlerFunc{
		"/healthz":               healthHandler.HandleHealth,
		"/v1/memory/context":     memoryHandler.HandleContext,
		"/v1/memory/process":     memoryHandler.HandleProcess,
		"/v1/memory/session/end": memoryHandler.HandleEndSession,
		"/v1/memory/stats":       memoryHandler.HandleStats,
		"/v1/memory/list":        memoryHandler.HandleList,
		"/v1/memory/search":      memoryHandler.HandleSearch,
		"/v1/memory/delete":      memoryHandler.HandleDelete,
		"/v1/memory/clear":       memoryHandler.HandleClear,
		"/v1/knowledge/search":   knowledgeHandler.HandleSearch,
		"/v1/crisis/detect":      crisisHandler.HandleDetect,
	}

	mux := http.NewServeMux()
	known := make(map[string]bool, len(routes)+1)
	for path, h := range routes {
		mux.HandleFunc(path, h)
		known[path] = true
	}

	// Prometheus metrics endpoint
	mux.Handle("/metrics", metrics.Handler())
	known["/metrics"] = true

	handler := middleware.TimeoutMiddleware(cfg.RequestTimeout)(mux)
	handler = middleware.AuthMiddleware(cfg.APIKey)(handler)
	handler = middleware.MetricsMiddleware(known)(handler)
	handler = middleware.RequestIDMiddleware(serviceName)(handler)

	app.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return app, nil
}

// buildEmbedder stacks provider, optional batcher and cache.
func (a *Application) buildEmbedder(ctx context.Context, cfg *configs.Config) (*embedding.CachedClient, error) {
	var provider embedding.Client
	switch cfg.EmbeddingProvider {
	case "openai":
		provider = openai.NewEmbeddingClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingTimeout)
	default:
		provider = teihttp.NewEmbeddingClient(teihttp.EmbeddingClientConfig{
			BaseURL:           cfg.EmbeddingServiceURL,
			ExpectedModel:     cfg.EmbeddingModel,
			ExpectedDimension: cfg.EmbeddingDimension,
			Timeout:           cfg.EmbeddingTimeout,
		})
	}

	validator, canValidate := provider.(embedding.Validator)

	if cfg.EmbeddingBatchEnabled {
		a.batcher = embedding.NewBatcher(provider, cfg.EmbeddingBatchSize, cfg.EmbeddingBatchWait)
		provider = a.batcher
	}

	var embCache embedding.Cache
	if cfg.EmbeddingCacheType == "redis" {
		ec, err := cache.NewEmbeddingCache(cfg.EmbeddingCacheRedisURL, cfg.EmbeddingCacheKeyPrefix, cfg.EmbeddingCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		a.embCache = ec
		embCache = ec
	} else {
		c, err := embedding.NewCache(embedding.CacheConfig{
			Type:    cfg.EmbeddingCacheType,
			MaxSize: cfg.EmbeddingCacheMaxSize,
			TTL:     cfg.EmbeddingCacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		embCache = c
	}

	client := embedding.NewCachedClient(provider, embCache, cfg.EmbeddingCacheType, cfg.EmbeddingCacheTTL)

	if cfg.ValidateEmbedding {
		validateCtx, cancel := context.WithTimeout(ctx, cfg.ValidateEmbeddingTimeout)
		defer cancel()

		var err error
		if canValidate {
			err = validator.ValidateServer(validateCtx)
		} else {
			err = client.ValidateServer(validateCtx)
		}
		if err != nil {
			return nil, fmt.Errorf("validate embedding server: %w", err)
		}
		log.Info().Str("provider", cfg.EmbeddingProvider).Msg("Embedding server validated successfully")
	}

	return client, nil
}

// warmKnowledge embeds the knowledge base at startup. With a shared redis
// cache, replicas take a lock so only one of them calls the provider; the
// rest read the cached vectors. Failure is not fatal: retrieval warms lazily.
func (a *Application) warmKnowledge(ctx context.Context, cfg *configs.Config, kb *search.KnowledgeBase) {
	warm := func() error { return kb.Warm(ctx) }

	var err error
	if a.embCache != nil {
		err = cache.WithLock(ctx, a.embCache.Redis(), "knowledge-warm", cfg.KnowledgeWarmLockTTL, warm)
	} else {
		err = warm()
	}
	if err != nil {
		log.Warn().Err(err).Msg("Knowledge base warm-up failed, will retry on first retrieval")
	}
}

func (a *Application) Start(ctx context.Context) error {
	log.Info().Msg("Starting Companion Memory Service")

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.server.Addr).Msg("Companion Memory Service listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	a.close()

	log.Info().Msg("Server exited")
	return nil
}

func (a *Application) close() {
	if a.batcher != nil {
		a.batcher.Stop()
	}
	if a.embCache != nil {
		_ = a.embCache.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}

func runMigrations(ctx context.Context, db *gorm.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		sqlBytes, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		log.Info().Str("migration", entry.Name()).Msg("Applying migration")
		if err := db.WithContext(ctx).Exec(string(sqlBytes)).Error; err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}
