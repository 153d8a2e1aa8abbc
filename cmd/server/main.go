package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ytdlp-web/internal/classifier"
	"ytdlp-web/internal/config"
	"ytdlp-web/internal/downloader"
	apphttp "ytdlp-web/internal/http"
	"ytdlp-web/internal/persistence"
	"ytdlp-web/internal/repository/memory"
	"ytdlp-web/internal/repository/sqlite"
	"ytdlp-web/internal/retention"
	"ytdlp-web/internal/service"
	"ytdlp-web/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	historyRepo := sqlite.NewHistoryRepository(db)
	lineRepo := sqlite.NewHistoryLineRepository(db)
	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init history repository: %v", err)
	}
	if err := lineRepo.Init(ctx); err != nil {
		logger.Fatalf("init history line repository: %v", err)
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	store := memory.NewTaskStore()
	snapshots := persistence.NewManager(persistence.Config{
		Path:   cfg.Tasks.File,
		Logger: logger,
	}, store)
	loaded, err := snapshots.Load()
	if err != nil {
		logger.Fatalf("load tasks: %v", err)
	}
	logger.Infof("loaded %d tasks from %s", loaded.Loaded, cfg.Tasks.File)

	manager := downloader.NewManager(downloader.Config{
		Engine: downloader.EngineConfig{
			Binary:            cfg.Engine.Binary,
			Helper:            cfg.Engine.Helper,
			HelperArgs:        cfg.Engine.HelperArgs,
			Format:            cfg.Engine.Format,
			CommonArgs:        cfg.Engine.CommonArgs,
			MaxFilenameLength: cfg.Download.MaxFilenameLength,
		},
		Dirs: downloader.Dirs{
			Regular:  cfg.Download.Path,
			VOD:      cfg.Download.VODPath,
			Fallback: cfg.Download.FallbackPath,
		},
		FirstOutputTimeout: cfg.Engine.FirstOutputTimeout,
		IdleTimeout:        cfg.Engine.IdleTimeout,
		WaitTimeout:        cfg.Engine.WaitTimeout,
		KillGrace:          cfg.Engine.KillGrace,
		Heartbeat:          cfg.Engine.Heartbeat,
		Classifier:         classifier.New(cfg.Classifier.Critical, cfg.Classifier.Ignore),
		Snapshots:          snapshots,
		History:            historyRepo,
		HistoryLines:       lineRepo,
		UploadOptions: storage.UploadOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		Logger: logger,
	}, store, storageSvc)

	policy := retention.NewPolicy(retention.Config{
		Retention: cfg.Tasks.Retention,
		Logger:    logger,
	}, store, manager)

	taskService := service.NewTaskService(service.Config{
		MaxTasks:      cfg.Tasks.Max,
		Retention:     cfg.Tasks.Retention,
		EngineBinary:  cfg.Engine.Binary,
		HelperBinary:  cfg.Engine.Helper,
		DownloadPath:  cfg.Download.Path,
		VODPath:       cfg.Download.VODPath,
		StorageBucket: cfg.Storage.Bucket,
		Logger:        logger,
	}, service.Deps{
		Store:        store,
		Manager:      manager,
		Retention:    policy,
		Snapshots:    snapshots,
		History:      historyRepo,
		HistoryLines: lineRepo,
		Storage:      storageSvc,
	})

	// tasks left running by a previous process have no supervisor anymore
	taskService.RecoverInterrupted(ctx)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(taskService).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.CancelAll(shutdownCtx)
	manager.Shutdown()
	if _, err := snapshots.Snapshot(true); err != nil {
		logger.Errorf("final save: %v", err)
	}

	logger.Info("bye")
}

// buildStorage returns nil when no bucket is configured; offload is optional.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("no storage bucket configured, remote offload disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
