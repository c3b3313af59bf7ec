package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/access"
	"github.com/fyrsmithlabs/knowledged/internal/chunker"
	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	khttp "github.com/fyrsmithlabs/knowledged/internal/http"
	"github.com/fyrsmithlabs/knowledged/internal/index"
	"github.com/fyrsmithlabs/knowledged/internal/indexer"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/mcp"
	"github.com/fyrsmithlabs/knowledged/internal/query"
	"github.com/fyrsmithlabs/knowledged/internal/telemetry"
)

// app holds the wired components.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	provider embeddings.Provider
	docs     *docstore.Store
	builder  *indexer.Builder
	resolver *access.Resolver
	engine   *query.Engine
}

// run loads configuration, wires every component and serves until ctx is
// cancelled:
//  1. config, logging, telemetry
//  2. registry rescan, document store, chunker, embedding provider
//  3. index store and catalog, builder, restore of persisted indexes
//  4. startup builds, optional watcher and auto re-indexer
//  5. HTTP server, or the MCP stdio server with -mcp
func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger, err := initLogger(cfg, opts.mcp, tel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.provider.Close(); err != nil {
			logger.Warn(ctx, "closing embedding provider", zap.Error(err))
		}
	}()

	if err := a.startupBuild(ctx, opts.rebuild || cfg.Index.RebuildOnStart); err != nil {
		return err
	}

	if cfg.Documents.WatchEnabled {
		stopWatch, err := a.watch(ctx)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	if opts.mcp {
		return a.serveMCP(ctx)
	}
	return a.serveHTTP(ctx)
}

func initLogger(cfg *config.Config, stdio bool, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if stdio {
		// stdout carries the MCP protocol.
		lc.Output.Stderr = true
	}
	return logging.NewLogger(lc, tel.LoggerProvider())
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	z := logger.Underlying()

	registry, err := docstore.NewRegistry(cfg.Documents.Root)
	if err != nil {
		return nil, fmt.Errorf("opening documents root: %w", err)
	}
	res, err := registry.Rescan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning partitions: %w", err)
	}
	if len(res.Skipped) > 0 {
		logger.Warn(ctx, "ignoring directories with invalid partition names", zap.Strings("dirs", res.Skipped))
	}
	docs := docstore.NewStore(registry,
		docstore.WithExtensions(cfg.Documents.Extensions...),
		docstore.WithMaxFileSize(cfg.Documents.MaxFileSize),
		docstore.WithLogger(z.Named("docstore")),
	)

	ch, err := chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap)
	if err != nil {
		return nil, fmt.Errorf("creating chunker: %w", err)
	}

	provider, err := embeddings.NewProvider(cfg.Embeddings, z.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	store, err := index.NewStore(cfg.Index.Path, cfg.Index.Compress, z.Named("index"))
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("opening index store: %w", err)
	}
	catalog := index.NewCatalog()

	builder := indexer.NewBuilder(docs, ch, provider, catalog, store, indexer.Config{
		Concurrency: cfg.Index.BuildConcurrency,
		Logger:      logger,
	})
	resolver := access.NewResolver(access.NewFileDirectory(cfg.Access.UsersFile), cfg.Access.AdminRole, logger)
	engine := query.NewEngine(resolver, provider, catalog, query.Config{
		MaxK:        cfg.Query.MaxK,
		Concurrency: cfg.Query.Concurrency,
		Logger:      logger,
	})

	logger.Info(ctx, "knowledged initialized",
		zap.String("version", version),
		zap.String("documents_root", registry.Root()),
		zap.Strings("partitions", registry.Partitions()),
		zap.String("provider", provider.Name()),
		zap.Int("dimension", provider.Dimension()))

	return &app{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		docs:     docs,
		builder:  builder,
		resolver: resolver,
		engine:   engine,
	}, nil
}

// startupBuild restores persisted indexes, then builds every registered
// partition that is still absent. With force every partition is rebuilt.
func (a *app) startupBuild(ctx context.Context, force bool) error {
	restored, err := a.builder.Restore(ctx)
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "persisted indexes restored", zap.Int("count", restored))

	if force {
		built, err := a.builder.BuildAll(ctx)
		if err != nil {
			a.logger.Warn(ctx, "some partitions failed to build", zap.Error(err))
		}
		a.logger.Info(ctx, "startup rebuild complete", zap.Int("built", len(built)))
		return ctx.Err()
	}

	for _, st := range a.builder.Statuses() {
		if !st.Registered || st.State != indexer.StateAbsent {
			continue
		}
		pctx := logging.WithPartition(ctx, st.Partition)
		if _, err := a.builder.Build(pctx, st.Partition); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn(pctx, "startup build failed; partition stays absent", zap.Error(err))
		}
	}
	return nil
}

// watch starts the filesystem watcher and the auto re-indexer. The returned
// func stops both.
func (a *app) watch(ctx context.Context) (func(), error) {
	w, err := docstore.NewWatcher(a.docs, a.logger.Underlying().Named("watcher"))
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	auto := indexer.NewAutoReindexer(a.builder, a.cfg.Documents.WatchDebounce.Duration(), a.logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := auto.Run(ctx, w.Events()); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn(ctx, "auto re-indexer stopped", zap.Error(err))
		}
	}()

	a.logger.Info(ctx, "watching documents for changes",
		zap.Duration("debounce", a.cfg.Documents.WatchDebounce.Duration()))
	return func() {
		w.Stop()
		<-done
	}, nil
}

func (a *app) serveHTTP(ctx context.Context) error {
	server, err := khttp.NewServer(a.engine, a.builder, a.resolver, a.logger, &khttp.Config{
		Host:     a.cfg.Server.Host,
		Port:     a.cfg.Server.Port,
		DefaultK: a.cfg.Query.DefaultK,
		Version:  version,
		Provider: a.provider.Name(),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func (a *app) serveMCP(ctx context.Context) error {
	if a.cfg.MCP.User == "" {
		a.logger.Warn(ctx, "mcp.user is not set; searches are limited to the general partition")
	}
	server, err := mcp.NewServer(mcp.Config{
		Version:  version,
		User:     a.cfg.MCP.User,
		DefaultK: a.cfg.Query.DefaultK,
		Logger:   a.logger,
	}, a.engine, a.builder, a.resolver)
	if err != nil {
		return err
	}
	err = server.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
