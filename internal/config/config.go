package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lessonplans/ingest/internal/cloudsql"
	"github.com/lessonplans/ingest/internal/models"
)

// ErrMissingAPIKey is returned by Load when OPENAI_API_KEY is not set.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is required")

// Config represents runtime configuration derived from environment variables.
type Config struct {
	OpenAI   OpenAIConfig
	Database DatabaseConfig
	Batch    BatchConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Archive  ArchiveConfig
	Sources  SourceConfig
	Ingest   models.IngestConfig
}

// OpenAIConfig holds Batch API credentials.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// DatabaseConfig holds the resolved connection string and schema location.
type DatabaseConfig struct {
	URL           string
	MigrationsDir string
}

// BatchConfig controls where batch files are written and how they are split.
type BatchConfig struct {
	Dir      string
	MaxRows  int
	MaxBytes int64
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
	File   string // optional JSON log file written alongside stderr
}

// MetricsConfig controls the Pushgateway push after each command.
type MetricsConfig struct {
	PushgatewayURL string
	Job            string
}

// Archive backends.
const (
	ArchiveBackendNone = "none"
	ArchiveBackendFS   = "fs"
	ArchiveBackendS3   = "s3"
)

// ArchiveConfig selects where batch inputs and results are archived.
type ArchiveConfig struct {
	Backend string
	Dir     string
	S3      S3ArchiveConfig
}

// S3ArchiveConfig configures the S3 archive backend.
type S3ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// SourceConfig locates the default lesson and caption sources.
type SourceConfig struct {
	LessonFile      string
	CaptionsBaseURL string
	CaptionsTimeout time.Duration
}

const (
	defaultMigrationsDir   = "migrations"
	defaultBatchDir        = "batches"
	defaultBatchMaxRows    = 50_000
	defaultBatchMaxBytes   = 200 * 1024 * 1024
	defaultLogFormat       = "json"
	defaultMetricsJob      = "lesson_ingest"
	defaultArchiveDir      = "archive"
	defaultCaptionsTimeout = 30 * time.Second
)

// LoadDotEnv loads .env and then .env.local from the working directory when
// present. Values already in the environment win over .env; .env.local
// overrides both.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("failed to load .env.local: %w", err)
		}
	}
	return nil
}

// Load reads configuration from environment variables, applying defaults when
// values are not provided.
func Load() (Config, error) {
	cfg := Config{
		OpenAI: OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		Database: DatabaseConfig{
			MigrationsDir: getEnv("MIGRATIONS_DIR", defaultMigrationsDir),
		},
		Batch: BatchConfig{
			Dir:      getEnv("BATCH_DIR", defaultBatchDir),
			MaxRows:  defaultBatchMaxRows,
			MaxBytes: defaultBatchMaxBytes,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
			File:   os.Getenv("LOG_FILE"),
		},
		Metrics: MetricsConfig{
			PushgatewayURL: os.Getenv("PUSHGATEWAY_URL"),
			Job:            getEnv("PUSHGATEWAY_JOB", defaultMetricsJob),
		},
		Archive: ArchiveConfig{
			Backend: getEnv("ARCHIVE_BACKEND", ArchiveBackendNone),
			Dir:     getEnv("ARCHIVE_DIR", defaultArchiveDir),
			S3: S3ArchiveConfig{
				Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
				Region:          os.Getenv("ARCHIVE_S3_REGION"),
				Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
				Prefix:          os.Getenv("ARCHIVE_S3_PREFIX"),
				AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
			},
		},
		Sources: SourceConfig{
			LessonFile:      os.Getenv("LESSON_SOURCE_FILE"),
			CaptionsBaseURL: os.Getenv("CAPTIONS_BASE_URL"),
			CaptionsTimeout: defaultCaptionsTimeout,
		},
		Ingest: models.DefaultIngestConfig(),
	}

	if cfg.OpenAI.APIKey == "" {
		return Config{}, ErrMissingAPIKey
	}

	dbURL, err := cloudsql.BuildDatabaseURL(os.Getenv)
	if err != nil {
		return Config{}, fmt.Errorf("invalid database configuration: %w", err)
	}
	cfg.Database.URL = dbURL

	if v := os.Getenv("BATCH_MAX_ROWS"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BATCH_MAX_ROWS: %w", err)
		}
		cfg.Batch.MaxRows = int(n)
	}

	if v := os.Getenv("BATCH_MAX_BYTES"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BATCH_MAX_BYTES: %w", err)
		}
		cfg.Batch.MaxBytes = n
	}

	if v := os.Getenv("CAPTIONS_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CAPTIONS_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Sources.CaptionsTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	switch cfg.Archive.Backend {
	case ArchiveBackendNone, ArchiveBackendFS:
	case ArchiveBackendS3:
		if cfg.Archive.S3.Bucket == "" {
			return Config{}, fmt.Errorf("invalid ARCHIVE_BACKEND: s3 requires ARCHIVE_S3_BUCKET")
		}
	default:
		return Config{}, fmt.Errorf("invalid ARCHIVE_BACKEND: must be one of none, fs, s3")
	}

	if err := loadIngestConfig(&cfg.Ingest); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadIngestConfig applies the model overrides used when creating a new ingest.
func loadIngestConfig(ic *models.IngestConfig) error {
	ic.CompletionModel = getEnv("COMPLETION_MODEL", ic.CompletionModel)
	ic.EmbeddingModel = getEnv("EMBEDDING_MODEL", ic.EmbeddingModel)

	if v := os.Getenv("COMPLETION_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("invalid COMPLETION_TEMPERATURE: %w", err)
		}
		ic.CompletionTemperature = float32(f)
	}

	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return fmt.Errorf("invalid EMBEDDING_DIMENSIONS: %w", err)
		}
		ic.EmbeddingDimensions = int(n)
	}

	if v := os.Getenv("SOURCE_PARTS_TO_INCLUDE"); v != "" {
		ic.SourcePartsToInclude = nil
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ic.SourcePartsToInclude = append(ic.SourcePartsToInclude, part)
			}
		}
	}

	if err := ic.Validate(); err != nil {
		return fmt.Errorf("invalid ingest config: %w", err)
	}
	return nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parsePositive(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
