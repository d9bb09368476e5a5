package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FELLO"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "fello.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultSessionIssuer   = "tauth"
	defaultStorageRoot     = "data"
	defaultPublicBaseURL   = "http://localhost:8080"
	defaultRealtimeURL     = "ws://localhost:8080/realtime"
	defaultPushEndpoint    = "https://fcm.googleapis.com/fcm/send"
	defaultServiceTokenTTL = 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress           string
	AllowedOrigins        []string
	DatabaseDriver        string
	DatabasePath          string
	DatabaseDSN           string
	LogLevel              string
	TAuthSigningKey       string
	TAuthIssuer           string
	TAuthCookieName       string
	RealtimeSigningSecret string
	StorageRoot           string
	PublicBaseURL         string
}

// RelayConfig captures runtime configuration for the notification relay.
type RelayConfig struct {
	RealtimeURL           string
	RealtimeSigningSecret string
	ServiceTokenTTL       time.Duration
	PushEndpoint          string
	PushServerKey         string
	LogLevel              string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("storage.public_base_url", defaultPublicBaseURL)
	configViper.SetDefault("realtime.url", defaultRealtimeURL)
	configViper.SetDefault("realtime.token_ttl", defaultServiceTokenTTL)
	configViper.SetDefault("push.endpoint", defaultPushEndpoint)

	// AutomaticEnv only resolves keys viper already knows about.
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("realtime.signing_secret", "")
	configViper.SetDefault("push.server_key", "")
}

// LoadAPI parses API server configuration from viper.
func LoadAPI(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		AllowedOrigins:        splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:          configViper.GetString("database.path"),
		DatabaseDSN:           configViper.GetString("database.dsn"),
		LogLevel:              configViper.GetString("log.level"),
		TAuthSigningKey:       configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:           configViper.GetString("tauth.issuer"),
		TAuthCookieName:       configViper.GetString("tauth.cookie_name"),
		RealtimeSigningSecret: configViper.GetString("realtime.signing_secret"),
		StorageRoot:           configViper.GetString("storage.root"),
		PublicBaseURL:         configViper.GetString("storage.public_base_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		RealtimeURL:           configViper.GetString("realtime.url"),
		RealtimeSigningSecret: configViper.GetString("realtime.signing_secret"),
		ServiceTokenTTL:       configViper.GetDuration("realtime.token_ttl"),
		PushEndpoint:          configViper.GetString("push.endpoint"),
		PushServerKey:         configViper.GetString("push.server_key"),
		LogLevel:              configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both list values and comma or space separated strings.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, item := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
			result = append(result, item)
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.RealtimeSigningSecret) == "" {
		return fmt.Errorf("realtime.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if strings.TrimSpace(c.PublicBaseURL) == "" {
		return fmt.Errorf("storage.public_base_url is required")
	}
	return nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.RealtimeURL) == "" {
		return fmt.Errorf("realtime.url is required")
	}
	if strings.TrimSpace(c.RealtimeSigningSecret) == "" {
		return fmt.Errorf("realtime.signing_secret is required")
	}
	if c.ServiceTokenTTL <= 0 {
		return fmt.Errorf("realtime.token_ttl must be positive")
	}
	if strings.TrimSpace(c.PushServerKey) == "" {
		return fmt.Errorf("push.server_key is required")
	}
	return nil
}
