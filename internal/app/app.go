// Package app builds the components every binary shares from one Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"podsearch/internal/config"
	"podsearch/internal/db"
	"podsearch/internal/inference"
	"podsearch/internal/ingest"
	"podsearch/internal/modelpool"
	"podsearch/internal/reconcile"
	"podsearch/internal/search"
	"podsearch/internal/storage"
	"podsearch/internal/vectorindex"
)

// App holds the wired components. Nothing here is a process-wide singleton;
// each binary builds its own.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Store      *db.Store
	Media      *storage.Store
	Index      vectorindex.Index
	Pool       *modelpool.Pool
	Pipeline   *ingest.Pipeline
	Searcher   *search.Searcher
	Reconciler *reconcile.Reconciler
	Queue      *asynq.Client
}

// New connects to the database and the vector index and builds the pipeline
// and the searcher. Models are loaded lazily on first use.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	catalog, err := config.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateModels(catalog, cfg.DefaultModel); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}

	a.Store, err = db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	a.Media, err = storage.New(cfg.MediaDir)
	if err != nil {
		a.Store.Close()
		return nil, err
	}

	a.Index, err = vectorindex.Open(cfg.VectorBackend, vectorindex.QdrantConfig{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: cfg.QdrantTLS,
	}, a.Store.DB, logger)
	if err != nil {
		a.Store.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	a.Pool = modelpool.New(catalog,
		inference.NewLoader(inference.WithLoaderLogger(logger)),
		modelpool.WithIdleTimeout(cfg.ModelIdleTimeout),
		modelpool.WithLogger(logger),
	)

	a.Queue = asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})

	a.Pipeline, err = ingest.NewPipeline(ingest.NewRepository(a.Store), a.Media, a.Index, a.Pool,
		ingest.WithDefaultModel(cfg.DefaultModel),
		ingest.WithCleanupQueue(a.Queue),
		ingest.WithTimeout(cfg.IngestTimeout),
		ingest.WithLogger(logger),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Searcher, err = search.NewSearcher(a.Index, a.Pool, search.WithLogger(logger))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var collections []string
	for _, spec := range catalog.ByKind(modelpool.KindEmbedding) {
		collections = append(collections, spec.Collection)
	}
	a.Reconciler = reconcile.New(a.Store, a.Index, collections,
		reconcile.WithGrace(max(cfg.ReconcileGrace, cfg.IngestTimeout)),
		reconcile.WithLogger(logger),
	)
	return a, nil
}

// Init creates the relational schema and the vector collections when missing.
func (a *App) Init(ctx context.Context) error {
	if err := a.Store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return a.Pipeline.EnsureCollections(ctx)
}

// Close unloads every model and closes the connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		a.Pool.Close(ctx)
	}
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
