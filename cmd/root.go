package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tunesync/cache"
	"tunesync/config"
	"tunesync/core/catalog"
	"tunesync/core/crypt"
	"tunesync/core/syncer"
	"tunesync/db"
	"tunesync/logger"
	"tunesync/queue"
	"tunesync/repository"
)

var rootCmd = &cobra.Command{
	Use:   "tunesync",
	Short: "TuneSync keeps local music libraries in step with a remote catalog.",
	Long: `TuneSync is an incremental music-library synchronization service.
It mirrors each user's remote catalog into a local store, batch by batch,
over a durable task queue, and maintains per-library statistics.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps is the shared wiring every subcommand builds on.
type deps struct {
	cfg           *config.Config
	userRepo      repository.UserRepository
	trackRepo     repository.TrackRepository
	cipher        *crypt.Cipher
	progressCache *cache.SyncProgressCache // nil when Redis is unavailable
	service       *syncer.Service
	enqueuer      *queue.Enqueuer
}

// bootstrap loads configuration and wires the pipeline service with its
// stores, queue publisher, catalog client and crypto. Redis is optional:
// a failed connection only disables the live progress feed.
func bootstrap() (*deps, error) {
	cfg := config.Load()
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogOutputPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	if err := db.ConnectDB(cfg); err != nil {
		return nil, err
	}
	if err := db.InitDB(); err != nil {
		return nil, err
	}

	var progressCache *cache.SyncProgressCache
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis unavailable, live progress feed disabled", logger.ErrorField(err))
	} else {
		progressCache = cache.NewSyncProgressCache(cache.RedisClient)
	}

	cipher, err := crypt.New(cfg.CryptSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}

	publisher, err := queue.NewPublisher(cfg, queue.NewLoggerAdapter())
	if err != nil {
		return nil, err
	}
	enqueuer := queue.NewEnqueuer(publisher)

	userRepo := repository.NewMySQLUserRepository(db.DB)
	trackRepo := repository.NewMySQLTrackRepository(db.DB)
	catalogClient := catalog.NewHTTPClient(cfg.CatalogAPIURL, cfg.CatalogRateLimit)

	service := syncer.NewService(syncer.Config{
		PageSize:         cfg.CatalogPageSize,
		PagesPerTask:     cfg.SyncPagesPerTask,
		StaleAfter:       cfg.SyncStaleAfter,
		FinalizeAttempts: cfg.SyncFinalizeAttempts,
		JanitorBatch:     cfg.SyncJanitorBatch,
	}, userRepo, trackRepo, catalogClient, enqueuer, cipher, progressCacheOrNil(progressCache))

	return &deps{
		cfg:           cfg,
		userRepo:      userRepo,
		trackRepo:     trackRepo,
		cipher:        cipher,
		progressCache: progressCache,
		service:       service,
		enqueuer:      enqueuer,
	}, nil
}

// progressCacheOrNil avoids handing the service a typed-nil interface.
func progressCacheOrNil(c *cache.SyncProgressCache) syncer.ProgressReporter {
	if c == nil {
		return nil
	}
	return c
}
