package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JayPonda/TeliScript/internal/config"
	"github.com/JayPonda/TeliScript/internal/database"
	"github.com/JayPonda/TeliScript/internal/export"
	"github.com/JayPonda/TeliScript/internal/ingest"
	"github.com/JayPonda/TeliScript/internal/logging"
	"github.com/JayPonda/TeliScript/internal/server"
	"github.com/JayPonda/TeliScript/internal/source"
	"github.com/JayPonda/TeliScript/internal/store"
	"github.com/JayPonda/TeliScript/internal/translate"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile      string
	tokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "teliscript",
		Short: "Incremental channel backup and browse service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one incremental backup across all discovered channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browse API, with optional scheduled backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken()
		},
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Token subject")

	setupFlags(rootCmd)
	rootCmd.AddCommand(backupCmd, serveCmd, tokenCmd)

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
	cmd.PersistentFlags().String("export-path", defaults.GetString("export.path"), "Flat export archive directory")
	cmd.PersistentFlags().String("source-path", defaults.GetString("source.path"), "Message source directory")
	cmd.PersistentFlags().String("timezone", defaults.GetString("backup.timezone"), "Local timezone for stored timestamps")
	cmd.PersistentFlags().Int("max-lookback-days", defaults.GetInt("backup.max_lookback_days"), "Maximum fetch window in days")
	cmd.PersistentFlags().Int("concurrency", defaults.GetInt("backup.concurrency"), "Concurrent channel limit")
	cmd.PersistentFlags().String("schedule", defaults.GetString("backup.schedule"), "Cron spec for scheduled backups (empty disables)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "export.path", "export-path")
	bindFlag(cmd, "source.path", "source-path")
	bindFlag(cmd, "backup.timezone", "timezone")
	bindFlag(cmd, "backup.max_lookback_days", "max-lookback-days")
	bindFlag(cmd, "backup.concurrency", "concurrency")
	bindFlag(cmd, "backup.schedule", "schedule")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newCoordinatorFactory(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) ingest.CoordinatorFactory {
	return func() (*ingest.Coordinator, error) {
		location, err := time.LoadLocation(appConfig.Timezone)
		if err != nil {
			return nil, err
		}

		src, err := source.NewDirectorySource(appConfig.SourcePath)
		if err != nil {
			return nil, err
		}

		backup, err := store.NewBackup(store.BackupConfig{Database: db, Logger: logger})
		if err != nil {
			return nil, err
		}

		archive, err := export.NewArchive(export.ArchiveConfig{Root: appConfig.ExportPath, Logger: logger})
		if err != nil {
			return nil, err
		}

		var transform translate.Transform = translate.Noop{}
		if appConfig.TranslateMode == "table" {
			transform, err = translate.LoadTable(appConfig.TranslateTablePath)
			if err != nil {
				return nil, err
			}
		}

		return ingest.NewCoordinator(ingest.CoordinatorConfig{
			Source:       src,
			Sinks:        []ingest.Sink{backup, archive},
			Directory:    backup,
			Stats:        backup,
			Normalizer:   ingest.NewNormalizer(transform, location, nil),
			Planner:      ingest.NewPlanner(appConfig.MaxLookbackDays, location, nil, logger),
			ChannelLimit: appConfig.ChannelLimit,
			FetchLimit:   appConfig.FetchLimit,
			FetchTimeout: appConfig.FetchTimeout,
			Concurrency:  appConfig.Concurrency,
			Logger:       logger,
		})
	}
}

func runBackup(ctx context.Context) error {
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

	runner, err := ingest.NewRunner(newCoordinatorFactory(appConfig, db, logger), logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := runner.RunBlocking(signalCtx)
	if err != nil {
		return err
	}
	if summary.ChannelsFailed > 0 {
		logger.Warn("run finished with failed channels",
			zap.Int("channels_failed", summary.ChannelsFailed))
	}
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.SigningSecret == "" {
		return errors.New("auth.signing_secret is required to serve the API")
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

	storeService, err := store.NewService(store.ServiceConfig{
		Database:     db,
		DatabasePath: appConfig.DatabasePath,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	runner, err := ingest.NewRunner(newCoordinatorFactory(appConfig, db, logger), logger)
	if err != nil {
		return err
	}

	tokens := server.NewTokenIssuer(server.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:  storeService,
		Scrape: runner,
		Tokens: tokens,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.Schedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(appConfig.Schedule, func() {
			runID, err := runner.Start(signalCtx)
			if errors.Is(err, ingest.ErrRunInProgress) {
				logger.Info("scheduled run skipped, one is already active")
				return
			}
			if err != nil {
				logger.Error("scheduled run failed to start", zap.Error(err))
				return
			}
			logger.Info("scheduled run started", zap.String("run_id", runID))
		})
		if err != nil {
			return fmt.Errorf("invalid backup schedule: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info("backup schedule registered", zap.String("spec", appConfig.Schedule))
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func issueToken() error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.SigningSecret == "" {
		return errors.New("auth.signing_secret is required to issue tokens")
	}

	tokens := server.NewTokenIssuer(server.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	token, expiresIn, err := tokens.IssueToken(tokenSubject)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", token)
	fmt.Fprintf(os.Stderr, "expires in %d seconds\n", expiresIn)
	return nil
}
