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
	"github.com/MarcoPoloResearchLab/fello/internal/logging"
	"github.com/MarcoPoloResearchLab/fello/internal/push"
	"github.com/MarcoPoloResearchLab/fello/internal/relay"
	"github.com/MarcoPoloResearchLab/fello/internal/store/remote"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const relaySubject = "fello-relay"

var errRealtimeLost = errors.New("realtime connection lost")

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fello-relay",
		Short: "Forwards push notifications to friends of message authors",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
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
	cmd.PersistentFlags().String("realtime-url", defaults.GetString("realtime.url"), "Websocket URL of the realtime store")
	cmd.PersistentFlags().String("push-endpoint", defaults.GetString("push.endpoint"), "Push service send endpoint")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "realtime.url", "realtime-url")
	bindFlag(cmd, "push.endpoint", "push-endpoint")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func runRelay(ctx context.Context) error {
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(relaySubject, relayConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(relayConfig.RealtimeSigningSecret),
		Issuer:        auth.ServiceIssuer,
		Audience:      auth.ServiceAudience,
		TokenTTL:      relayConfig.ServiceTokenTTL,
	})
	if err != nil {
		return err
	}
	token, _, err := tokenIssuer.IssueServiceToken(relaySubject)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := remote.Dial(signalCtx, relayConfig.RealtimeURL, token, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("relay connected", zap.String("url", relayConfig.RealtimeURL))

	sender, err := push.NewFCMSender(push.FCMConfig{
		Endpoint:   relayConfig.PushEndpoint,
		ServerKey:  relayConfig.PushServerKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	notifier, err := relay.New(relay.Config{
		Database: client,
		Sender:   sender,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// The relay stops when the realtime connection drops; a supervisor restarts it.
	runCtx, cancel := context.WithCancel(signalCtx)
	defer cancel()
	go func() {
		select {
		case <-client.Done():
			logger.Warn("realtime connection lost")
			cancel()
		case <-runCtx.Done():
		}
	}()
	if err := notifier.Run(runCtx); err != nil {
		return err
	}
	select {
	case <-client.Done():
		return errRealtimeLost
	default:
		return nil
	}
}
