package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/dbconn"
	"github.com/sqlguard/sqlguard/internal/llm/providers"
	"github.com/sqlguard/sqlguard/internal/observability"
	"github.com/sqlguard/sqlguard/internal/retrieval"
	"github.com/sqlguard/sqlguard/internal/retrieval/weaviate"
)

type options struct {
	samples     int
	concurrency int
	dryRun      bool
}

func main() {
	var opts options
	flag.IntVar(&opts.samples, "samples", 5, "distinct values sampled per text column")
	flag.IntVar(&opts.concurrency, "concurrency", 4, "tables sampled in parallel")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "collect documents and log them without indexing")
	flag.Parse()

	if err := config.LoadDotEnv(os.Getenv("SQLGUARD_ENV_FILE")); err != nil {
		slog.Error("failed to load .env file", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("sqlguard-indexer")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("indexing failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	started := time.Now()
	docs, err := collect(ctx, cfg.Database, opts, logger)
	if err != nil {
		return err
	}
	if opts.dryRun {
		for _, doc := range docs {
			logger.Info("document", slog.String("kind", string(doc.Kind)), slog.String("table", doc.Table), slog.String("content", doc.Content))
		}
		return nil
	}

	_, embedder, err := providers.FromConfig(cfg.AI)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	store, err := weaviate.New(weaviate.Config{
		Host:   cfg.Retrieval.WeaviateHost,
		Scheme: cfg.Retrieval.WeaviateScheme,
		Class:  cfg.Retrieval.WeaviateClass,
	}, embedder, logger)
	if err != nil {
		return fmt.Errorf("weaviate client: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("weaviate schema: %w", err)
	}
	indexed, err := store.Index(ctx, docs)
	if err != nil {
		return fmt.Errorf("index documents: %w", err)
	}
	logger.Info("indexing complete", slog.Int("indexed", indexed), slog.Duration("elapsed", time.Since(started)))
	return nil
}

// collect samples the target schema with one connection per worker.
func collect(ctx context.Context, dbCfg config.DatabaseConfig, opts options, logger *slog.Logger) ([]retrieval.Document, error) {
	target := dbconn.TargetConfig(dbCfg)
	target.MaxOpenConns, target.MaxIdleConns = opts.concurrency, opts.concurrency
	db, err := dbconn.Open(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("open target database: %w", err)
	}
	defer func() { _ = db.Close() }()

	tables, docs, err := retrieval.Collect(ctx, db, retrieval.CollectOptions{SampleLimit: opts.samples, Concurrency: opts.concurrency})
	if err != nil {
		return nil, fmt.Errorf("collect documents: %w", err)
	}
	logger.Info("documents collected", slog.Int("tables", len(tables)), slog.Int("documents", len(docs)))
	return docs, nil
}
