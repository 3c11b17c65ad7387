package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cptzeroo/toaster-ai/dataset"

	"github.com/labstack/gommon/bytes"
)

// config is the full process configuration, read from TOASTER_* env vars.
type config struct {
	HTTPAddr  string
	LogFormat string
	DataDir   string

	DuckDBMemoryLimit      string
	DuckDBThreads          int
	DuckDBExtensionDir     string
	DuckDBExtensionOffline bool
	ExcelEnabled           bool

	QueryDefaultLimit       int
	ReconcileParallelism    int
	StartupReconcileTimeout time.Duration
	LeaseTTL                time.Duration
	LeaseWait               time.Duration
	MaxUploadSize           string

	MongoURI        string
	MongoDB         string
	MongoCollection string

	LeaseRedisAddr   string
	LeaseRedisPrefix string

	ArchiveS3Bucket   string
	ArchiveS3Prefix   string
	ArchiveS3Region   string
	ArchiveS3Endpoint string
}

func defaultConfig() config {
	return config{
		HTTPAddr:                "127.0.0.1:3000",
		LogFormat:               "text",
		DataDir:                 "./data",
		DuckDBMemoryLimit:       "1GB",
		DuckDBExtensionDir:      dataset.ResolveExtensionDir(),
		ExcelEnabled:            true,
		QueryDefaultLimit:       dataset.DefaultQueryLimit,
		ReconcileParallelism:    4,
		StartupReconcileTimeout: 5 * time.Minute,
		LeaseTTL:                2 * time.Minute,
		LeaseWait:               30 * time.Second,
		MaxUploadSize:           "20G",
		MongoDB:                 "toaster",
		MongoCollection:         dataset.DefaultMongoCollection,
		LeaseRedisPrefix:        dataset.DefaultRedisLeasePrefix,
		ArchiveS3Region:         "us-east-1",
	}
}

func parseConfigFromEnv(getenv func(string) string) (config, error) {
	cfg := defaultConfig()

	// setString copies a non-empty env var into dest.
	setString := func(key string, dest *string) error {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dest = v
		}
		return nil
	}

	// setInt parses a required-positive int env var into dest.
	setInt := func(key string, dest *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
		*dest = n
		return nil
	}

	// setBool parses a boolean env var into dest.
	setBool := func(key string, dest *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean", key)
		}
		*dest = b
		return nil
	}

	// setDuration parses a required-positive duration env var into dest.
	setDuration := func(key string, dest *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
		*dest = d
		return nil
	}

	for _, call := range []error{
		setString("TOASTER_HTTP_ADDR", &cfg.HTTPAddr),
		setString("TOASTER_LOG_FORMAT", &cfg.LogFormat),
		setString("TOASTER_DATA_DIR", &cfg.DataDir),
		setString("TOASTER_DUCKDB_MEMORY_LIMIT", &cfg.DuckDBMemoryLimit),
		setInt("TOASTER_DUCKDB_THREADS", &cfg.DuckDBThreads),
		setString("TOASTER_DUCKDB_EXTENSION_DIR", &cfg.DuckDBExtensionDir),
		setBool("TOASTER_DUCKDB_EXTENSION_OFFLINE", &cfg.DuckDBExtensionOffline),
		setBool("TOASTER_EXCEL_ENABLED", &cfg.ExcelEnabled),
		setInt("TOASTER_QUERY_DEFAULT_LIMIT", &cfg.QueryDefaultLimit),
		setInt("TOASTER_RECONCILE_PARALLELISM", &cfg.ReconcileParallelism),
		setDuration("TOASTER_STARTUP_RECONCILE_TIMEOUT", &cfg.StartupReconcileTimeout),
		setDuration("TOASTER_LEASE_TTL", &cfg.LeaseTTL),
		setDuration("TOASTER_LEASE_WAIT", &cfg.LeaseWait),
		setString("TOASTER_MAX_UPLOAD_SIZE", &cfg.MaxUploadSize),
		setString("TOASTER_MONGO_URI", &cfg.MongoURI),
		setString("TOASTER_MONGO_DB", &cfg.MongoDB),
		setString("TOASTER_MONGO_COLLECTION", &cfg.MongoCollection),
		setString("TOASTER_LEASE_REDIS_ADDR", &cfg.LeaseRedisAddr),
		setString("TOASTER_LEASE_REDIS_PREFIX", &cfg.LeaseRedisPrefix),
		setString("TOASTER_ARCHIVE_S3_BUCKET", &cfg.ArchiveS3Bucket),
		setString("TOASTER_ARCHIVE_S3_PREFIX", &cfg.ArchiveS3Prefix),
		setString("TOASTER_ARCHIVE_S3_REGION", &cfg.ArchiveS3Region),
		setString("TOASTER_ARCHIVE_S3_ENDPOINT", &cfg.ArchiveS3Endpoint),
	} {
		if call != nil {
			return config{}, call
		}
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return config{}, fmt.Errorf("TOASTER_LOG_FORMAT must be text or json")
	}
	if cfg.QueryDefaultLimit > 10000 {
		return config{}, fmt.Errorf("TOASTER_QUERY_DEFAULT_LIMIT must be <= 10000")
	}
	if _, err := bytes.Parse(cfg.MaxUploadSize); err != nil {
		return config{}, fmt.Errorf("TOASTER_MAX_UPLOAD_SIZE: %w", err)
	}

	return cfg, nil
}
