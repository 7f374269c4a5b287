package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CALENDAR"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "calendar.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultCookieName        = "calendar_session"
	defaultTokenTTLMinutes   = 720
	defaultCalendarID        = "primary"
	defaultSyncInterval      = 5 * time.Minute
	defaultLookbackWeeks     = 7
	defaultRetryAttempts     = 3
	defaultRetryInitialDelay = 500 * time.Millisecond
	defaultRatePerSecond     = 5.0
)

// AppConfig captures runtime configuration for the API server and sync workers.
type AppConfig struct {
	HTTPAddress           string
	HTTPAllowedOrigins    []string
	DatabasePath          string
	LogLevel              string
	LogEncoding           string
	AuthSigningSecret     string
	AuthCookieName        string
	AuthTokenTTL          time.Duration
	GoogleCalendarID      string
	GoogleCredentialsFile string
	SyncInterval          time.Duration
	SyncLookback          time.Duration
	SyncRetryAttempts     int
	SyncRetryInitialDelay time.Duration
	SyncRatePerSecond     float64
}

// RemoteSyncEnabled reports whether Google credentials are configured.
func (c AppConfig) RemoteSyncEnabled() bool {
	return strings.TrimSpace(c.GoogleCredentialsFile) != ""
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("google.calendar_id", defaultCalendarID)
	configViper.SetDefault("google.credentials_file", "")
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.lookback_weeks", defaultLookbackWeeks)
	configViper.SetDefault("sync.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("sync.retry_initial_delay", defaultRetryInitialDelay)
	configViper.SetDefault("sync.rate_per_second", defaultRatePerSecond)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		HTTPAllowedOrigins:    parseOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogEncoding:           configViper.GetString("log.encoding"),
		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthCookieName:        configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		GoogleCalendarID:      configViper.GetString("google.calendar_id"),
		GoogleCredentialsFile: configViper.GetString("google.credentials_file"),
		SyncInterval:          configViper.GetDuration("sync.interval"),
		SyncLookback:          time.Duration(configViper.GetInt("sync.lookback_weeks")) * 7 * 24 * time.Hour,
		SyncRetryAttempts:     configViper.GetInt("sync.retry_attempts"),
		SyncRetryInitialDelay: configViper.GetDuration("sync.retry_initial_delay"),
		SyncRatePerSecond:     configViper.GetFloat64("sync.rate_per_second"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	for _, origin := range c.HTTPAllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entry %q must start with http:// or https://", origin)
		}
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SyncLookback <= 0 {
		return fmt.Errorf("sync.lookback_weeks must be positive")
	}
	if c.SyncRetryAttempts < 1 {
		return fmt.Errorf("sync.retry_attempts must be at least 1")
	}
	if c.SyncRatePerSecond < 0 {
		return fmt.Errorf("sync.rate_per_second must not be negative")
	}
	return nil
}

// parseOrigins accepts list values as well as comma or space separated env strings.
func parseOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, field := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
			if origin := strings.TrimSuffix(strings.TrimSpace(field), "/"); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
