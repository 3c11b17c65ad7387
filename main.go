package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	appcmd "github.com/cptzeroo/toaster-ai/cmd"
	"github.com/cptzeroo/toaster-ai/dataset"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	logger := newLogger(getenvDefault("TOASTER_LOG_FORMAT", "text"))

	cfg, err := parseConfigFromEnv(os.Getenv)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	blobs, err := dataset.NewLocalBlobStore(cfg.DataDir)
	if err != nil {
		logger.Error("data dir", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(blobs.Root, 0o755); err != nil {
		logger.Error("create data dir", "path", blobs.Root, "error", err)
		os.Exit(1)
	}
	logger.Info("configured data dir", "path", blobs.Root)

	// Metadata store: MongoDB or in-memory (default).
	var records dataset.RecordStore = dataset.NewMemoryRecordStore()
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			logger.Error("mongo connect", "error", err)
			os.Exit(1)
		}
		pingCtx, pingCancel := context.WithTimeout(startCtx, 5*time.Second)
		defer pingCancel()
		if err := mongoClient.Ping(pingCtx, nil); err != nil {
			logger.Error("mongo ping", "error", err)
			os.Exit(1)
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}()
		store := dataset.NewMongoRecordStore(mongoClient.Database(cfg.MongoDB).Collection(cfg.MongoCollection))
		if err := store.EnsureIndexes(startCtx); err != nil {
			logger.Error("mongo indexes", "error", err)
			os.Exit(1)
		}
		records = store
		logger.Info("configured mongo record store",
			"db", cfg.MongoDB,
			"collection", cfg.MongoCollection,
		)
	} else {
		logger.Warn("using in-memory record store; records are rebuilt from the data dir on restart",
			"hint", "set TOASTER_MONGO_URI to persist file metadata")
	}

	engine, err := dataset.OpenDuckDBEngine(startCtx, dataset.EngineConfig{
		MemoryLimit:       cfg.DuckDBMemoryLimit,
		Threads:           cfg.DuckDBThreads,
		ExtensionDir:      cfg.DuckDBExtensionDir,
		OfflineExtensions: cfg.DuckDBExtensionOffline,
		ExcelEnabled:      cfg.ExcelEnabled,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("open duckdb", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	logger.Info("configured duckdb engine",
		"memory_limit", cfg.DuckDBMemoryLimit,
		"threads", cfg.DuckDBThreads,
		"extension_dir", cfg.DuckDBExtensionDir,
		"excel", engine.ExcelAvailable(),
	)

	svcOpts := []dataset.ServiceOption{
		dataset.WithLogger(logger),
		dataset.WithMetrics(dataset.NewInMemAppMetrics()),
		dataset.WithDefaultQueryLimit(cfg.QueryDefaultLimit),
		dataset.WithReconcileParallelism(cfg.ReconcileParallelism),
		dataset.WithUserLeaseTTL(cfg.LeaseTTL),
		dataset.WithUserLeaseWait(cfg.LeaseWait),
	}

	if cfg.LeaseRedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.LeaseRedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(startCtx).Err(); err != nil {
			logger.Error("redis ping", "error", err)
			os.Exit(1)
		}
		leaseMgr, err := dataset.NewRedisUserLeaseManager(redisClient, cfg.LeaseRedisPrefix)
		if err != nil {
			logger.Error("redis lease manager", "error", err)
			os.Exit(1)
		}
		svcOpts = append(svcOpts, dataset.WithUserLeaseManager(leaseMgr))
		logger.Info("configured redis user leases", "addr", cfg.LeaseRedisAddr, "prefix", cfg.LeaseRedisPrefix)
	}

	if cfg.ArchiveS3Bucket != "" {
		archive, err := newS3Archive(startCtx, cfg)
		if err != nil {
			logger.Error("s3 archive", "error", err)
			os.Exit(1)
		}
		svcOpts = append(svcOpts, dataset.WithArchive(archive))
		logger.Info("configured s3 archive", "bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix)
	}

	service := dataset.NewService(blobs, records, engine, svcOpts...)

	appCfg := appcmd.AppConfig{
		Address:                 cfg.HTTPAddr,
		ReadHeaderTimeout:       5 * time.Second,
		ShutdownTimeout:         10 * time.Second,
		StartupReconcileTimeout: cfg.StartupReconcileTimeout,
		MaxUploadSize:           cfg.MaxUploadSize,
		Logger:                  logger,
	}
	app := appcmd.NewApp(service, appCfg)

	if err := app.Start(); err != nil {
		logger.Error("start app", "error", err)
		os.Exit(1)
	}
	logger.Info("toaster analytics listening", "address", app.Address())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if err := app.Wait(); err != nil {
		logger.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}

func newS3Archive(ctx context.Context, cfg config) (*dataset.S3ArchiveStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
			o.UsePathStyle = true
		}
	})
	return dataset.NewS3ArchiveStore(client, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix), nil
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func getenvDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
