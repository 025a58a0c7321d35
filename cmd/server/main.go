package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/desh0cc/psychopass/internal/api"
	"github.com/desh0cc/psychopass/internal/cache"
	"github.com/desh0cc/psychopass/internal/config"
	"github.com/desh0cc/psychopass/internal/database"
	"github.com/desh0cc/psychopass/internal/enrich"
	"github.com/desh0cc/psychopass/internal/memory"
	"github.com/desh0cc/psychopass/internal/parser"
	"github.com/desh0cc/psychopass/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting psychopass server")

	// Initialize database
	db, err := database.Open(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close(db)

	mediaCache, err := cache.New(cfg.Directories.CacheDir, cfg.Cache, logger)
	if err != nil {
		logger.Fatal("Failed to initialize media cache", zap.Error(err))
	}

	// Optional model sidecar and vector index
	var (
		embedder   enrich.Embedder
		classifier enrich.Classifier
		vectors    *memory.Memory
	)
	if cfg.Enrichment.Enabled {
		client := enrich.NewClient(cfg.Enrichment, logger)
		embedder, classifier = client, client
		logger.Info("Enrichment enabled", zap.String("url", cfg.Enrichment.BaseURL))
	}
	if cfg.Memory.Enabled {
		index := memory.NewChromaIndex(cfg.Memory.BaseURL, cfg.Memory.Collection, cfg.Memory.Timeout, logger)
		vectors = memory.New(index, logger)
		logger.Info("Vector memory enabled", zap.String("url", cfg.Memory.BaseURL))
	}

	// Initialize services
	parsers := parser.NewDefaultRegistry(logger)
	identity := services.NewIdentityService(db, mediaCache, logger)
	chats := services.NewChatService(db, mediaCache, logger)
	messages := services.NewMessageService(db, logger)
	stats := services.NewStatsService(db, logger)
	if err := stats.Ensure(context.Background()); err != nil {
		logger.Fatal("Failed to initialize stats", zap.Error(err))
	}

	deps := services.IngestDeps{
		Identity:   identity,
		Chats:      chats,
		Stats:      stats,
		Cache:      mediaCache,
		Parsers:    parsers,
		Embedder:   embedder,
		Classifier: classifier,
	}
	var searcher services.VectorSearcher
	if vectors != nil {
		deps.Memory = vectors
		searcher = vectors
	}

	svc := api.Services{
		Identity: identity,
		Chats:    chats,
		Messages: messages,
		Stats:    stats,
		Search:   services.NewSearchService(messages, embedder, searcher, logger),
		Ingest:   services.NewIngestService(db, deps, cfg.Enrichment, logger),
		Archives: services.NewArchiveService(cfg, logger),
		Parsers:  parsers,
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	handler := api.NewHandler(jobCtx, db, svc, logger)

	// Setup Gin router
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.MaxMultipartMemory = 32 << 20
	api.SetupMiddleware(router, cfg, logger)
	api.SetupRoutes(router, handler)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			zap.String("address", srv.Addr),
			zap.Int("port", cfg.Server.Port),
		)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Running ingest jobs stop scheduling enrichment and return
	cancelJobs()
	handler.Wait()

	logger.Info("Server exited")
}

// initLogger builds the logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	return zcfg.Build()
}
