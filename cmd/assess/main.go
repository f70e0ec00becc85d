package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/agents"
	"github.com/nidhogg/nuka-assess/internal/api"
	"github.com/nidhogg/nuka-assess/internal/bus"
	"github.com/nidhogg/nuka-assess/internal/config"
	"github.com/nidhogg/nuka-assess/internal/embedding"
	"github.com/nidhogg/nuka-assess/internal/lineage"
	"github.com/nidhogg/nuka-assess/internal/notify"
	"github.com/nidhogg/nuka-assess/internal/orchestrator"
	"github.com/nidhogg/nuka-assess/internal/rag"
	"github.com/nidhogg/nuka-assess/internal/registry"
	pgstore "github.com/nidhogg/nuka-assess/internal/store"
	"github.com/nidhogg/nuka-assess/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/assess.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Starting assessment server...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logger)
	msgBus := bus.New(logger)

	// Optional stream relay
	var relay *bus.StreamRelay
	if cfg.Database.Redis.URL != "" {
		r, rErr := bus.NewStreamRelay(cfg.Database.Redis.URL, cfg.Database.Redis.StreamPrefix, msgBus, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without stream relay", zap.Error(rErr))
		} else {
			relay = r
			for _, topic := range cfg.Database.Redis.Topics {
				if err := relay.Mirror(topic); err != nil {
					logger.Warn("mirror failed", zap.String("topic", topic), zap.Error(err))
					continue
				}
				go relay.Consume(ctx, topic)
			}
			logger.Info("Stream relay started", zap.Strings("topics", cfg.Database.Redis.Topics))
		}
	}

	// Optional knowledge index
	var index *rag.Index
	var vectors *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		index, vectors = newIndex(ctx, cfg, logger)
	}

	// Agents
	var runtimes []*agent.Runtime
	for _, a := range agents.Defaults(agents.Options{Index: index, Logger: logger}) {
		rt := agent.NewRuntime(a, logger)
		if err := rt.Startup(ctx, reg); err != nil {
			logger.Fatal("agent startup failed", zap.String("agent", a.ID()), zap.Error(err))
		}
		runtimes = append(runtimes, rt)
	}
	logger.Info("Agents registered", zap.Int("count", len(runtimes)))

	orch := orchestrator.New(reg, msgBus, orchestrator.Config{
		PoolSize:       cfg.Orchestrator.PoolSize,
		TaskTimeout:    cfg.Orchestrator.TaskTimeout.Std(),
		IntakeTimeout:  cfg.Orchestrator.IntakeTimeout.Std(),
		StatusBasePath: cfg.Orchestrator.StatusBasePath,
	}, logger)

	var apiOpts []api.Option

	// Optional PostgreSQL persistence
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Server.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			orch.SetPersister(pgStore)
			apiOpts = append(apiOpts, api.WithArchive(pgStore))
		}
	}

	// Optional Neo4j lineage
	var graph *lineage.Graph
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := lineage.New(ctx, cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(gErr))
		} else {
			graph = g
			if err := msgBus.Subscribe(orchestrator.EventsTopic, "lineage", graph.Handle); err != nil {
				logger.Warn("lineage subscribe failed", zap.Error(err))
			}
			apiOpts = append(apiOpts, api.WithLineage(graph))
		}
	}

	// Notifications
	notifier := notify.New(logger)
	if c := cfg.Notify.Slack; c.Enabled && c.BotToken != "" {
		notifier.Add(notify.Guard(notify.NewSlackSender(c.BotToken, c.Channel, logger), logger))
	}
	if c := cfg.Notify.Discord; c.Enabled && c.BotToken != "" {
		ds, dErr := notify.NewDiscordSender(c.BotToken, c.ChannelID, logger)
		if dErr != nil {
			logger.Warn("discord notifier unavailable", zap.Error(dErr))
		} else {
			notifier.Add(notify.Guard(ds, logger))
		}
	}
	if len(notifier.Platforms()) > 0 {
		if err := msgBus.Subscribe(orchestrator.EventsTopic, "notify", notifier.Handle); err != nil {
			logger.Warn("notify subscribe failed", zap.Error(err))
		}
	}

	if cfg.Server.IntakePerMinute > 0 {
		apiOpts = append(apiOpts, api.WithIntakeLimit(cfg.Server.IntakePerMinute, cfg.Server.IntakeBurst))
	}

	handler := api.NewHandler(orch, reg, logger, apiOpts...)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Assessment server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down assessment server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	for _, rt := range runtimes {
		rt.Shutdown(shutdownCtx, reg)
	}
	msgBus.Close()
	if relay != nil {
		relay.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if vectors != nil {
		vectors.Close()
	}
	notifier.Close()
}

// newLogger builds a development logger for debug and a production logger
// at the requested level otherwise.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// newIndex connects the embedder and Qdrant. Failures disable knowledge
// features instead of stopping the server.
func newIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*rag.Index, *vectorstore.Client) {
	embedder, err := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		logger.Warn("embedding unavailable, running without knowledge index", zap.Error(err))
		return nil, nil
	}
	vc, err := vectorstore.NewClient(vectorstore.Config{Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port})
	if err != nil {
		logger.Warn("Qdrant unavailable, running without knowledge index", zap.Error(err))
		return nil, nil
	}
	index := rag.NewIndex(embedder, vc, logger)
	ictx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := index.Init(ictx); err != nil {
		logger.Warn("knowledge collections unavailable", zap.Error(err))
		vc.Close()
		return nil, nil
	}
	logger.Info("Knowledge index ready")
	return index, vc
}
