package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/auth"
	"github.com/MarcoPoloResearchLab/fello/internal/config"
	"github.com/MarcoPoloResearchLab/fello/internal/database"
	"github.com/MarcoPoloResearchLab/fello/internal/logging"
	"github.com/MarcoPoloResearchLab/fello/internal/media"
	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/server"
	"github.com/MarcoPoloResearchLab/fello/internal/storage"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/MarcoPoloResearchLab/fello/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fello-api",
		Short: "Fello realtime chat server",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Extra browser origins allowed to open the session websocket")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Directory holding uploaded objects")
	cmd.PersistentFlags().String("public-base-url", defaults.GetString("storage.public_base_url"), "Public base URL of uploaded objects")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "storage.public_base_url", "public-base-url")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

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
	appConfig, err := config.LoadAPI(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("fello-api", appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	persister, err := store.NewGormPersister(db)
	if err != nil {
		return err
	}
	tree, err := store.NewTree(ctx, store.TreeConfig{
		Persister:      persister,
		EphemeralRoots: []string{model.PresenceRoot},
		IDProvider:     store.NewUUIDProvider(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.RealtimeSigningSecret),
		Issuer:        auth.ServiceIssuer,
		Audience:      auth.ServiceAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	bucket, err := storage.NewLocalBucket(storage.LocalConfig{
		Root:          appConfig.StorageRoot,
		PublicBaseURL: appConfig.PublicBaseURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	prober, err := media.NewImageProber(media.LocalFirstOpener{
		LocalPrefix: bucket.URLPrefix(),
		Local:       bucket.Open,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tree:           tree,
		Sessions:       sessionValidator,
		Users:          userService,
		TokenManager:   tokenManager,
		Bucket:         bucket,
		Prober:         prober,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
