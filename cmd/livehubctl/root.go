package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/your-org/livehub/internal/backfill"
	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/observability"
	"github.com/your-org/livehub/internal/storage"
)

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "livehubctl",
	Short: "Operator tool for the livehub face matching backend",
	Long: `livehubctl talks directly to Postgres, Qdrant and NATS using the same
config file as the API and worker. Environment variables (LIVEHUB_*) and a
.env file in the working directory override the file.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	observability.SetupLogger(cfg.Logging.Level, "text")
	return cfg, nil
}

// stores bundles the connections a command needs. Close releases them.
type stores struct {
	cfg *config.Config
	db  *storage.PostgresStore
	idx *storage.QdrantIndex
}

func openStores(ctx context.Context, withIndex bool) (*stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := &stores{cfg: cfg, db: db}
	if withIndex {
		idx, err := storage.NewQdrantIndex(cfg.Qdrant, cfg.Matching.EmbeddingDim)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to qdrant: %w", err)
		}
		s.idx = idx
	}
	return s, nil
}

func (s *stores) reconciler() *backfill.Reconciler {
	engine := matching.NewEngine(s.idx, s.cfg.Matching.Threshold, s.cfg.Matching.TopK)
	return backfill.NewReconciler(s.db, s.idx, engine, s.cfg.Matching.BatchSize)
}

func (s *stores) Close() {
	if s.idx != nil {
		_ = s.idx.Close()
	}
	s.db.Close()
}

// printResult writes v as indented JSON with --json, otherwise the text form.
func printResult(cmd *cobra.Command, v any, text string) error {
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
