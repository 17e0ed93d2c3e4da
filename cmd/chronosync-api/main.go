package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/chronosync/internal/clients"
	"github.com/MarcoPoloResearchLab/chronosync/internal/config"
	"github.com/MarcoPoloResearchLab/chronosync/internal/database"
	"github.com/MarcoPoloResearchLab/chronosync/internal/envelope"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/logging"
	"github.com/MarcoPoloResearchLab/chronosync/internal/search"
	"github.com/MarcoPoloResearchLab/chronosync/internal/server"
	"github.com/MarcoPoloResearchLab/chronosync/internal/share"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timeline"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timemap"
	"github.com/MarcoPoloResearchLab/chronosync/internal/uploads"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chronosync-api",
		Short: "Realtime text and file sync with a replayable event timeline",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().Int("registers", defaults.GetInt("registers.count"), "Number of shared text registers")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "File storage backend (local, s3)")
	cmd.PersistentFlags().String("storage-path", defaults.GetString("storage.path"), "Directory for finalized files")
	cmd.PersistentFlags().String("temp-dir", defaults.GetString("storage.temp_dir"), "Directory for in-progress uploads")
	cmd.PersistentFlags().String("timezone", defaults.GetString("timemap.timezone"), "Time zone for timemap buckets")
	cmd.PersistentFlags().String("share-secret", "", "Signing secret for share links (overrides env)")
	cmd.PersistentFlags().String("tls-cert", "", "TLS certificate file")
	cmd.PersistentFlags().String("tls-key", "", "TLS key file")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "registers.count", "registers")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.path", "storage-path")
	bindFlag(cmd, "storage.temp_dir", "temp-dir")
	bindFlag(cmd, "timemap.timezone", "timezone")
	bindFlag(cmd, "share.signing_secret", "share-secret")
	bindFlag(cmd, "tls.cert_file", "tls-cert")
	bindFlag(cmd, "tls.key_file", "tls-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openBlobStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (blobstore.Store, error) {
	if appConfig.StorageBackend != config.StorageS3 {
		return blobstore.NewLocal(appConfig.StoragePath)
	}
	store, err := blobstore.NewS3(blobstore.S3Config{
		Endpoint:  appConfig.S3.Endpoint,
		AccessKey: appConfig.S3.AccessKey,
		SecretKey: appConfig.S3.SecretKey,
		Bucket:    appConfig.S3.Bucket,
		Region:    appConfig.S3.Region,
		UseSSL:    appConfig.S3.UseSSL,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := openBlobStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}

	eventStore, err := events.NewStore(events.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	clientService, err := clients.NewService(clients.ServiceConfig{
		Database:  db,
		Sequences: eventStore,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	reconstructor, err := timeline.NewReconstructor(eventStore, appConfig.RegisterCount)
	if err != nil {
		return err
	}
	aggregator, err := timemap.NewAggregator(timemap.Config{
		Log:      eventStore,
		Location: appConfig.Location,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	searchManager := search.NewManager(search.Config{
		RecentWindow: appConfig.RecentWindow,
		Logger:       logger,
	})
	linkSigner := share.NewLinkSigner(share.LinkSignerConfig{
		SigningSecret: []byte(appConfig.ShareSecret),
		TTL:           appConfig.ShareTTL,
	})

	coordinator, err := server.NewCoordinator(server.CoordinatorConfig{
		Events:   eventStore,
		Clients:  clientService,
		Timeline: reconstructor,
		Timemap:  aggregator,
		Search:   searchManager,
		Blobs:    blobs,
		Links:    linkSigner,
		Codec:    envelope.NewCodec(appConfig.EnvelopeMaxBytes),
		Uploads: uploads.Config{
			TempDir:      appConfig.TempDir,
			MaxFileBytes: appConfig.Uploads.MaxFileBytes,
		},
		LegacyMaxBytes: appConfig.Uploads.LegacyMaxBytes,
		Transport: server.TransportSettings{
			PingInterval:      appConfig.Transport.PingInterval,
			PongTimeout:       appConfig.Transport.PongTimeout,
			FallbackThreshold: appConfig.Transport.FallbackThreshold,
			SendBuffer:        appConfig.Transport.SendBuffer,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := coordinator.Bootstrap(signalCtx); err != nil {
		return err
	}

	heartbeat, err := server.NewHeartbeat(coordinator)
	if err != nil {
		return err
	}
	sweeper, err := uploads.NewSweeper(coordinator.Assembler(), appConfig.Uploads.SweepInterval, appConfig.Uploads.TempTTL, logger)
	if err != nil {
		return err
	}
	demoter, err := server.NewIndexDemoter(coordinator, appConfig.DemoteInterval)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator: coordinator,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("tls", appConfig.TLSEnabled()),
			zap.String("storage", appConfig.StorageBackend))
		var serveErr error
		if appConfig.TLSEnabled() {
			serveErr = httpServer.ListenAndServeTLS(appConfig.TLSCertFile, appConfig.TLSKeyFile)
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		return heartbeat.Run(groupCtx)
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		return demoter.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server shutting down")
		coordinator.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
