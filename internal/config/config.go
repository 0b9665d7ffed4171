package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Matching MatchingConfig `yaml:"matching"`
	Worker   WorkerConfig   `yaml:"worker"`
	Vision   VisionConfig   `yaml:"vision"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"` // gRPC port
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	UseSSL    bool          `yaml:"use_ssl"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// MatchingConfig holds the runtime knobs of the match engine and the backfill
// reconciler. None of them are part of any stored format.
type MatchingConfig struct {
	Threshold    float64 `yaml:"threshold"`
	TopK         int     `yaml:"top_k"`
	BatchSize    int     `yaml:"batch_size"`
	EmbeddingDim int     `yaml:"embedding_dim"`
}

type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	ImageLease   time.Duration `yaml:"image_lease"`
	MetricsAddr  string        `yaml:"metrics_addr"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	ONNXLibrary        string  `yaml:"onnx_library"` // empty: platform default name
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.Matching.Threshold < 0 || c.Matching.Threshold > 1 {
		return fmt.Errorf("matching.threshold must be within [0, 1], got %g", c.Matching.Threshold)
	}
	if c.Matching.TopK <= 0 {
		return fmt.Errorf("matching.top_k must be positive, got %d", c.Matching.TopK)
	}
	if c.Matching.BatchSize <= 0 {
		return fmt.Errorf("matching.batch_size must be positive, got %d", c.Matching.BatchSize)
	}
	if c.Matching.EmbeddingDim <= 0 {
		return fmt.Errorf("matching.embedding_dim must be positive, got %d", c.Matching.EmbeddingDim)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.ErrorBackoff <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker.task_timeout must be positive")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.MinIO.URLExpiry == 0 {
		cfg.MinIO.URLExpiry = time.Hour
	}
	if cfg.Matching.Threshold == 0 {
		cfg.Matching.Threshold = 0.6
	}
	if cfg.Matching.TopK == 0 {
		cfg.Matching.TopK = 3
	}
	if cfg.Matching.BatchSize == 0 {
		cfg.Matching.BatchSize = 100
	}
	if cfg.Matching.EmbeddingDim == 0 {
		cfg.Matching.EmbeddingDim = 512
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 2 * time.Second
	}
	if cfg.Worker.ErrorBackoff == 0 {
		cfg.Worker.ErrorBackoff = 5 * time.Second
	}
	if cfg.Worker.TaskTimeout == 0 {
		cfg.Worker.TaskTimeout = 10 * time.Minute
	}
	if cfg.Worker.ImageLease == 0 {
		cfg.Worker.ImageLease = 15 * time.Minute
	}
	if cfg.Worker.MetricsAddr == "" {
		cfg.Worker.MetricsAddr = ":8082"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIVEHUB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LIVEHUB_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("LIVEHUB_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("LIVEHUB_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("LIVEHUB_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("LIVEHUB_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("LIVEHUB_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("LIVEHUB_QDRANT_HOST"); v != "" {
		cfg.Qdrant.Host = v
	}
	if v := os.Getenv("LIVEHUB_QDRANT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Qdrant.Port = port
		}
	}
	if v := os.Getenv("LIVEHUB_QDRANT_API_KEY"); v != "" {
		cfg.Qdrant.APIKey = v
	}
	if v := os.Getenv("LIVEHUB_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LIVEHUB_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("LIVEHUB_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("LIVEHUB_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("LIVEHUB_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("LIVEHUB_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matching.Threshold = f
		}
	}
	if v := os.Getenv("LIVEHUB_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matching.BatchSize = n
		}
	}
	if v := os.Getenv("LIVEHUB_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.PollInterval = d
		}
	}
	if v := os.Getenv("LIVEHUB_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("LIVEHUB_ONNX_LIBRARY"); v != "" {
		cfg.Vision.ONNXLibrary = v
	}
	if v := os.Getenv("LIVEHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
