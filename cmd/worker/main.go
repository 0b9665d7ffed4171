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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/livehub/internal/backfill"
	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/observability"
	"github.com/your-org/livehub/internal/pipeline"
	"github.com/your-org/livehub/internal/queue"
	"github.com/your-org/livehub/internal/registration"
	"github.com/your-org/livehub/internal/storage"
	"github.com/your-org/livehub/internal/vision"
	"github.com/your-org/livehub/internal/worker"
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

	slog.Info("starting livehub worker",
		"threshold", cfg.Matching.Threshold,
		"batch_size", cfg.Matching.BatchSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vision.InitRuntime(cfg.Vision.ONNXLibrary); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

	analyzer, err := vision.NewFaceAnalyzer(cfg.Vision, nil)
	if err != nil {
		slog.Error("init face analyzer", "error", err)
		os.Exit(1)
	}
	defer analyzer.Close()

	if analyzer.EmbeddingDim() != cfg.Matching.EmbeddingDim {
		slog.Error("embedding dimension mismatch",
			"model", analyzer.EmbeddingDim(), "configured", cfg.Matching.EmbeddingDim)
		os.Exit(1)
	}

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

	if err := idx.EnsureCollections(ctx); err != nil {
		slog.Warn("ensure qdrant collections", "error", err)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	deps := worker.Deps{Queue: queue.New(db, nil), Images: db}

	// NATS is optional: without it the worker polls and publishes no events.
	if cfg.NATS.URL != "" {
		publisher, err := queue.NewPublisher(cfg.NATS.URL)
		if err != nil {
			slog.Warn("connect to nats, continuing without events", "error", err)
		} else {
			defer publisher.Close()
			if err := publisher.EnsureStreams(ctx); err != nil {
				slog.Warn("ensure nats streams", "error", err)
			}
			deps.Events = publisher
		}

		subscriber, err := queue.NewSubscriber(cfg.NATS.URL)
		if err != nil {
			slog.Warn("connect nats subscriber, polling only", "error", err)
		} else {
			defer subscriber.Close()
			if deps.Wakeups, err = subscriber.Wakeups(ctx); err != nil {
				slog.Warn("subscribe to wakeups, polling only", "error", err)
			}
		}
	}

	engine := matching.NewEngine(idx, cfg.Matching.Threshold, cfg.Matching.TopK)
	deps.Pipeline = pipeline.New(db, idx, engine, analyzer, minioStore, vision.Placeholder)
	deps.Registrar = registration.NewService(db, idx, analyzer)
	deps.Backfill = backfill.NewReconciler(db, idx, engine, cfg.Matching.BatchSize)

	w := worker.New(deps, cfg.Worker)

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("worker metrics listening", "addr", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	go w.ReportDepth(ctx, 10*time.Second)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		slog.Info("shutting down worker, finishing current unit of work...")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			slog.Error("worker loop exited", "error", err)
		}
	}
	slog.Info("worker stopped")
}
