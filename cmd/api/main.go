package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/your-org/livehub/internal/admin"
	"github.com/your-org/livehub/internal/api"
	"github.com/your-org/livehub/internal/api/handlers"
	"github.com/your-org/livehub/internal/auth"
	"github.com/your-org/livehub/internal/backfill"
	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/observability"
	"github.com/your-org/livehub/internal/queue"
	"github.com/your-org/livehub/internal/registration"
	"github.com/your-org/livehub/internal/storage"
	"github.com/your-org/livehub/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting livehub API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to Qdrant
	idx, err := storage.NewQdrantIndex(cfg.Qdrant, cfg.Matching.EmbeddingDim)
	if err != nil {
		slog.Error("connect to qdrant", "error", err)
		os.Exit(1)
	}
	defer idx.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	checks := map[string]handlers.Check{
		"postgres": db.Ping,
		"qdrant":   idx.Ping,
		"minio":    minioStore.Ping,
	}

	// Connect to NATS. Without it workers only see new work on their next poll.
	var waker handlers.Waker
	var queueWaker queue.Waker
	if cfg.NATS.URL != "" {
		publisher, err := queue.NewPublisher(cfg.NATS.URL)
		if err != nil {
			slog.Warn("connect to nats, wakeups disabled", "error", err)
		} else {
			defer publisher.Close()
			if err := publisher.EnsureStreams(ctx); err != nil {
				slog.Warn("ensure nats streams", "error", err)
			}
			waker, queueWaker = publisher, publisher
			checks["nats"] = func(context.Context) error { return publisher.Ping() }
		}
	}

	// Single-face extraction for reference uploads needs the ONNX models; the
	// rest of the API works without them.
	var extractor handlers.FaceExtractor
	if err := vision.InitRuntime(cfg.Vision.ONNXLibrary); err != nil {
		slog.Warn("onnx runtime init failed, reference uploads unavailable", "error", err)
	} else {
		defer vision.DestroyRuntime()
		analyzer, err := vision.NewFaceAnalyzer(cfg.Vision, nil)
		if err != nil {
			slog.Warn("face analyzer init failed, reference uploads unavailable", "error", err)
		} else {
			defer analyzer.Close()
			extractor = registration.NewService(db, idx, analyzer)
		}
	}

	engine := matching.NewEngine(idx, cfg.Matching.Threshold, cfg.Matching.TopK)

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKeys:    auth.ParseKeys(cfg.Server.APIKey),
		Queue:      queue.New(db, queueWaker),
		Images:     db,
		Objects:    minioStore,
		Waker:      waker,
		Extractor:  extractor,
		Reconciler: backfill.NewReconciler(db, idx, engine, cfg.Matching.BatchSize),
		Admin:      admin.NewService(db, idx, minioStore),
		Checks:     checks,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // synchronous reconcile and repair
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
