package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlguard/sqlguard/internal/api"
	"github.com/sqlguard/sqlguard/internal/auth"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/dbconn"
	"github.com/sqlguard/sqlguard/internal/history"
	historypostgres "github.com/sqlguard/sqlguard/internal/history/postgres"
	"github.com/sqlguard/sqlguard/internal/llm"
	"github.com/sqlguard/sqlguard/internal/llm/providers"
	"github.com/sqlguard/sqlguard/internal/observability"
	"github.com/sqlguard/sqlguard/internal/pii"
	"github.com/sqlguard/sqlguard/internal/pipeline"
	"github.com/sqlguard/sqlguard/internal/planner"
	"github.com/sqlguard/sqlguard/internal/policy"
	"github.com/sqlguard/sqlguard/internal/retrieval"
	"github.com/sqlguard/sqlguard/internal/retrieval/weaviate"
	"github.com/sqlguard/sqlguard/internal/security"
	securitypostgres "github.com/sqlguard/sqlguard/internal/security/postgres"
	s3store "github.com/sqlguard/sqlguard/internal/storage/s3"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("SQLGUARD_ENV_FILE")); err != nil {
		slog.Error("failed to load .env file", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("sqlguard-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targetDB, err := dbconn.Open(ctx, dbconn.TargetConfig(cfg.Database))
	if err != nil {
		logger.Error("failed to open target database", slog.Any("error", err))
		os.Exit(1)
	}
	manager := dbconn.NewManager(targetDB, dbconn.ManagerOptions{
		ProbeTimeout: cfg.Database.ProbeTimeout,
		RowLimit:     cfg.Pipeline.RowLimit,
	})
	defer func() { _ = manager.Close() }()

	readiness := []api.ReadinessCheck{api.CheckDatabaseDSN(cfg), targetDB.PingContext}

	var (
		events  security.EventStore = security.NewMemoryLog()
		blocks  security.BlockStore
		records history.Store = history.NewMemoryStore(0)
	)
	if cfg.Audit.DSN != "" {
		auditDB, err := dbconn.Open(ctx, dbconn.AuditConfig(cfg.Audit))
		if err != nil {
			logger.Error("failed to open audit database", slog.Any("error", err))
			os.Exit(1)
		}
		defer func(db *sql.DB) { _ = db.Close() }(auditDB)
		securityRepo := securitypostgres.NewRepository(auditDB)
		events, blocks = securityRepo, securityRepo
		records = historypostgres.NewRepository(auditDB)
		readiness = append(readiness, securityRepo.HealthCheck)
	} else {
		logger.Warn("audit dsn not configured; security events and history are kept in memory")
	}

	limiter := security.NewRateLimiter(nil)
	if cfg.Security.RateLimitEnabled {
		go limiter.RunSweeper(ctx, cfg.Security.RateLimitWindow)
	}
	validator := security.NewValidator(security.Options{
		Limiter:        limiter,
		Events:         events,
		Blocks:         blocks,
		MaxQueryLength: cfg.Pipeline.MaxQueryLength,
		Logger:         logger,
	})
	if err := validator.LoadBlocks(ctx); err != nil {
		logger.Error("failed to load address blocks", slog.Any("error", err))
		os.Exit(1)
	}
	sanitizer := pii.NewSanitizer()

	if cfg.Security.PolicyFile != "" {
		reloader, err := policy.NewReloader(cfg.Security.PolicyFile, sanitizer, validator, logger)
		if err != nil {
			logger.Error("failed to load policy file", slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			if err := reloader.Run(ctx); err != nil {
				logger.Error("policy reloader stopped", slog.Any("error", err))
			}
		}()
	}

	generator, embedder, err := providers.FromConfig(cfg.AI)
	if err != nil {
		logger.Error("failed to initialize model providers", slog.Any("error", err))
		os.Exit(1)
	}

	tables, docs, err := retrieval.Collect(ctx, targetDB, retrieval.CollectOptions{})
	if err != nil {
		logger.Error("failed to introspect target database", slog.Any("error", err))
		os.Exit(1)
	}
	retriever, err := newRetriever(ctx, cfg, embedder, docs, logger)
	if err != nil {
		logger.Error("failed to initialize retriever", slog.Any("error", err))
		os.Exit(1)
	}

	var summarizer pipeline.Summarizer = pipeline.NewLLMSummarizer(generator, 0)
	if cfg.AI.GeneratorProvider == "echo" {
		summarizer = pipeline.StaticSummarizer{}
	}

	orchestrator, err := pipeline.New(pipeline.Dependencies{
		Planner:    planner.NewKeywordPlanner(tables),
		Retriever:  retriever,
		Generator:  generator,
		Validator:  validator,
		Executor:   manager,
		Summarizer: summarizer,
		Sanitizer:  sanitizer,
		Sessions:   pii.NewStore(),
		History:    records,
		Logger:     logger,
	}, pipeline.Config{
		MaxRetries:        cfg.Pipeline.MaxRetries,
		RowLimit:          cfg.Pipeline.RowLimit,
		CallTimeout:       cfg.Pipeline.CallTimeout,
		TopK:              cfg.Retrieval.TopK,
		RateLimitEnabled:  cfg.Security.RateLimitEnabled,
		RateLimitRequests: cfg.Security.RateLimitRequests,
		RateLimitWindow:   cfg.Security.RateLimitWindow,
	})
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Pipeline:          orchestrator,
		Security:          validator,
		History:           records,
		Sanitizer:         sanitizer,
		Sandbox:           pii.NewStore(),
		DependencyTimeout: time.Second,
	}
	if cfg.ObjectStore.Endpoint != "" {
		objectStore, err := s3store.New(ctx, cfg.ObjectStore)
		if err != nil {
			logger.Warn("object store unavailable; history export and event archive disabled", slog.Any("error", err))
		} else {
			deps.Exporter = history.NewExporter(records, objectStore, logger)
			deps.Archiver = security.NewArchiver(events, objectStore, logger)
			readiness = append(readiness, api.CheckObjectStoreConfig(cfg))
		}
	}
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("generator", cfg.AI.GeneratorProvider),
			slog.String("retrieval", cfg.Retrieval.Backend),
			slog.Int("tables", len(tables)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// newRetriever returns the configured backend. The memory backend indexes
// docs in process; weaviate expects sqlguard-indexer to have run.
func newRetriever(ctx context.Context, cfg config.Config, embedder llm.Embedder, docs []retrieval.Document, logger *slog.Logger) (retrieval.Retriever, error) {
	switch cfg.Retrieval.Backend {
	case "weaviate":
		store, err := weaviate.New(weaviate.Config{
			Host:   cfg.Retrieval.WeaviateHost,
			Scheme: cfg.Retrieval.WeaviateScheme,
			Class:  cfg.Retrieval.WeaviateClass,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return retrieval.NewMemoryRetriever(docs), nil
	}
}
