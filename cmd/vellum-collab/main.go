package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ScriptoriumLab/vellum/backend/internal/artifact"
	"github.com/ScriptoriumLab/vellum/backend/internal/auth"
	"github.com/ScriptoriumLab/vellum/backend/internal/config"
	"github.com/ScriptoriumLab/vellum/backend/internal/database"
	"github.com/ScriptoriumLab/vellum/backend/internal/document"
	"github.com/ScriptoriumLab/vellum/backend/internal/lifecycle"
	"github.com/ScriptoriumLab/vellum/backend/internal/logging"
	"github.com/ScriptoriumLab/vellum/backend/internal/metrics"
	"github.com/ScriptoriumLab/vellum/backend/internal/presence"
	"github.com/ScriptoriumLab/vellum/backend/internal/room"
	"github.com/ScriptoriumLab/vellum/backend/internal/server"
	"github.com/ScriptoriumLab/vellum/backend/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vellum-collab",
		Short: "Vellum collaborative editing backend",
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
	cmd.PersistentFlags().String("signing-secret", "", "Collaboration token signing secret (empty disables auth)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for snapshot manifests (empty disables publishing)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	documentStore, err := store.NewStore(store.StoreConfig{
		Database:  db,
		Logger:    logger,
		OpTimeout: appConfig.StoreOpTimeout,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	tracker := presence.NewTracker(presence.TrackerConfig{})

	var tokenService *auth.CollabTokenService
	if appConfig.AuthSigningSecret != "" {
		tokenService, err = auth.NewCollabTokenService(auth.CollabTokenConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
		})
		if err != nil {
			return err
		}
	}

	var artifactStore *artifact.RedisStore
	if appConfig.RedisURL != "" {
		artifactStore, err = artifact.NewRedisStore(appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer artifactStore.Close()
	}

	managerConfig := room.ManagerConfig{
		Engine:                  document.NewOpSetEngine(),
		Store:                   documentStore,
		Logger:                  logger,
		Metrics:                 collector,
		SnapshotUpdateThreshold: appConfig.SnapshotUpdateThreshold,
		CompactionRetention:     appConfig.CompactionRetention,
	}
	if artifactStore != nil {
		managerConfig.Artifacts = artifactStore
	}
	manager, err := room.NewManager(managerConfig)
	if err != nil {
		return err
	}

	sweeper, err := lifecycle.NewSweeper(lifecycle.SweeperConfig{
		Rooms:                 manager,
		Presence:              tracker,
		Logger:                logger,
		Metrics:               collector,
		RoomIdleTimeout:       appConfig.RoomIdleTimeout,
		RoomSweepInterval:     appConfig.RoomSweepInterval,
		PresenceStaleTimeout:  appConfig.PresenceStaleTimeout,
		PresenceSweepInterval: appConfig.PresenceSweepInterval,
	})
	if err != nil {
		return err
	}

	serverDeps := server.Dependencies{
		Rooms:    manager,
		Presence: tracker,
		Versions: documentStore,
		Metrics:  collector,
		Registry: registry,
		Logger:   logger,
	}
	if tokenService != nil {
		serverDeps.Tokens = tokenService
	}
	handler, err := server.NewHTTPHandler(serverDeps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("auth_enabled", tokenService != nil),
			zap.Bool("artifacts_enabled", artifactStore != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		sweeper.Stop()
		manager.Shutdown(shutdownCtx)
		logger.Info("server stopped")
		return shutdownErr
	case err := <-errCh:
		sweeper.Stop()
		manager.Shutdown(context.Background())
		return err
	}
}
