package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "PENSIF"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "pensif.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultIssuer         = "pensif"
	defaultRequestTimeout = 15 * time.Second
	defaultTokenTTL       = 24 * time.Hour
	defaultRelayWrite     = 10 * time.Second
	defaultRelayPong      = 60 * time.Second
	defaultRelayBuffer    = 64
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	SessionIssuer     string
	SessionCookieName string
	TokenTTL          time.Duration
	AllowedOrigins    []string
	RequestTimeout    time.Duration
	RelayWriteTimeout time.Duration
	RelayPongTimeout  time.Duration
	RelaySendBuffer   int
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.token_ttl", defaultTokenTTL)
	configViper.SetDefault("relay.write_timeout", defaultRelayWrite)
	configViper.SetDefault("relay.pong_timeout", defaultRelayPong)
	configViper.SetDefault("relay.send_buffer", defaultRelayBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		TokenTTL:          configViper.GetDuration("session.token_ttl"),
		AllowedOrigins:    splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		RequestTimeout:    configViper.GetDuration("http.request_timeout"),
		RelayWriteTimeout: configViper.GetDuration("relay.write_timeout"),
		RelayPongTimeout:  configViper.GetDuration("relay.pong_timeout"),
		RelaySendBuffer:   configViper.GetInt("relay.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be positive")
	}
	if c.RelaySendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
