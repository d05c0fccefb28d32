package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "JIGSAW"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "jigsaw.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "host_session"
	defaultSessionIssuer       = "host-platform"
	defaultTolerance           = 0
	defaultMaxGridSize         = 8
	defaultSaveTTL             = 30 * 24 * time.Hour
	defaultSaveDebounce        = 3 * time.Second
	defaultLeaderboardTopN     = 5
	defaultLeaderboardInterval = 60 * time.Second
	defaultSessionIdleTimeout  = 30 * time.Minute
	defaultStorePurgeInterval  = 10 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string

	PuzzleTolerance   int
	PuzzleMaxGridSize int

	SaveTTL      time.Duration
	SaveDebounce time.Duration

	LeaderboardTopN         int
	LeaderboardPollInterval time.Duration

	SessionIdleTimeout time.Duration
	StorePurgeInterval time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("puzzle.tolerance", defaultTolerance)
	configViper.SetDefault("puzzle.max_grid_size", defaultMaxGridSize)
	configViper.SetDefault("saves.ttl", defaultSaveTTL)
	configViper.SetDefault("saves.debounce", defaultSaveDebounce)
	configViper.SetDefault("leaderboard.top_n", defaultLeaderboardTopN)
	configViper.SetDefault("leaderboard.poll_interval", defaultLeaderboardInterval)
	configViper.SetDefault("sessions.idle_timeout", defaultSessionIdleTimeout)
	configViper.SetDefault("store.purge_interval", defaultStorePurgeInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		DatabasePath:            configViper.GetString("database.path"),
		LogLevel:                configViper.GetString("log.level"),
		SessionSigningSecret:    configViper.GetString("session.signing_secret"),
		SessionCookieName:       configViper.GetString("session.cookie_name"),
		SessionIssuer:           configViper.GetString("session.issuer"),
		PuzzleTolerance:         configViper.GetInt("puzzle.tolerance"),
		PuzzleMaxGridSize:       configViper.GetInt("puzzle.max_grid_size"),
		SaveTTL:                 configViper.GetDuration("saves.ttl"),
		SaveDebounce:            configViper.GetDuration("saves.debounce"),
		LeaderboardTopN:         configViper.GetInt("leaderboard.top_n"),
		LeaderboardPollInterval: configViper.GetDuration("leaderboard.poll_interval"),
		SessionIdleTimeout:      configViper.GetDuration("sessions.idle_timeout"),
		StorePurgeInterval:      configViper.GetDuration("store.purge_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if c.PuzzleTolerance < 0 {
		return fmt.Errorf("puzzle.tolerance must not be negative")
	}
	if c.PuzzleMaxGridSize < 2 {
		return fmt.Errorf("puzzle.max_grid_size must be at least 2")
	}
	if c.LeaderboardTopN < 1 {
		return fmt.Errorf("leaderboard.top_n must be at least 1")
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{key: "saves.ttl", value: c.SaveTTL},
		{key: "saves.debounce", value: c.SaveDebounce},
		{key: "leaderboard.poll_interval", value: c.LeaderboardPollInterval},
		{key: "sessions.idle_timeout", value: c.SessionIdleTimeout},
		{key: "store.purge_interval", value: c.StorePurgeInterval},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%s must be positive", duration.key)
		}
	}
	return nil
}
