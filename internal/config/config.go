package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PROPERTYSYNC"

	defaultDatabasePath     = "propertysync.db"
	defaultLogLevel         = "info"
	defaultLogMaxSizeMB     = 50
	defaultLogMaxBackups    = 3
	defaultRemoteBaseURL    = "http://127.0.0.1:8080"
	defaultRemoteTimeout    = 15 * time.Second
	defaultSyncInterval     = 5 * time.Minute
	defaultMaxConcurrency   = 4
	defaultRetryCeiling     = 5
	defaultRejectionCeiling = 3
	defaultBackoffBase      = 2 * time.Second
	defaultBackoffMax       = 5 * time.Minute
	defaultConflictPolicy   = "server_wins"
	defaultRetention        = 7 * 24 * time.Hour
	defaultPageSize         = 200
	defaultMockAddress      = "127.0.0.1:8080"
	defaultTokenTTL         = 24 * time.Hour
	defaultActor            = "local"
)

var conflictPolicies = map[string]struct{}{
	"server_wins": {},
	"manual":      {},
}

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	DatabasePath string
	Actor        string
	Log          LogConfig
	Remote       RemoteConfig
	Sync         SyncConfig
}

// LogConfig selects the log level and an optional rolling log file.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// RemoteConfig locates the authoritative server.
type RemoteConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// SyncConfig tunes the reconciler and the background loop.
type SyncConfig struct {
	Interval         time.Duration
	MaxConcurrency   int
	RetryCeiling     int
	RejectionCeiling int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	ConflictPolicy   string
	Retention        time.Duration
	PageSize         int
	Offline          bool
}

// MockServerConfig captures configuration for the reference server.
type MockServerConfig struct {
	HTTPAddress   string
	SigningSecret string
	TokenTTL      time.Duration
	Log           LogConfig
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("actor", defaultActor)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.token", "")
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.max_concurrency", defaultMaxConcurrency)
	configViper.SetDefault("sync.retry_ceiling", defaultRetryCeiling)
	configViper.SetDefault("sync.rejection_ceiling", defaultRejectionCeiling)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_max", defaultBackoffMax)
	configViper.SetDefault("sync.conflict_policy", defaultConflictPolicy)
	configViper.SetDefault("sync.retention", defaultRetention)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.offline", false)
	configViper.SetDefault("mock.address", defaultMockAddress)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:      configViper.GetString("log.level"),
		File:       strings.TrimSpace(configViper.GetString("log.file")),
		MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		MaxBackups: configViper.GetInt("log.max_backups"),
	}
}

// Load parses client configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath: configViper.GetString("database.path"),
		Actor:        configViper.GetString("actor"),
		Log:          loadLog(configViper),
		Remote: RemoteConfig{
			BaseURL: configViper.GetString("remote.base_url"),
			Token:   configViper.GetString("remote.token"),
			Timeout: configViper.GetDuration("remote.timeout"),
		},
		Sync: SyncConfig{
			Interval:         configViper.GetDuration("sync.interval"),
			MaxConcurrency:   configViper.GetInt("sync.max_concurrency"),
			RetryCeiling:     configViper.GetInt("sync.retry_ceiling"),
			RejectionCeiling: configViper.GetInt("sync.rejection_ceiling"),
			BackoffBase:      configViper.GetDuration("sync.backoff_base"),
			BackoffMax:       configViper.GetDuration("sync.backoff_max"),
			ConflictPolicy:   strings.ToLower(strings.TrimSpace(configViper.GetString("sync.conflict_policy"))),
			Retention:        configViper.GetDuration("sync.retention"),
			PageSize:         configViper.GetInt("sync.page_size"),
			Offline:          configViper.GetBool("sync.offline"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadMockServer parses reference server configuration from viper.
func LoadMockServer(configViper *viper.Viper) (MockServerConfig, error) {
	cfg := MockServerConfig{
		HTTPAddress:   configViper.GetString("mock.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		Log:           loadLog(configViper),
	}
	if strings.TrimSpace(cfg.HTTPAddress) == "" {
		return MockServerConfig{}, fmt.Errorf("mock.address is required")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return MockServerConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	if cfg.TokenTTL <= 0 {
		return MockServerConfig{}, fmt.Errorf("auth.token_ttl must be positive")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Sync.MaxConcurrency < 1 {
		return fmt.Errorf("sync.max_concurrency must be at least 1")
	}
	if c.Sync.RetryCeiling < 1 {
		return fmt.Errorf("sync.retry_ceiling must be at least 1")
	}
	if c.Sync.RejectionCeiling < 1 {
		return fmt.Errorf("sync.rejection_ceiling must be at least 1")
	}
	if c.Sync.BackoffBase < 0 {
		return fmt.Errorf("sync.backoff_base must not be negative")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_max must not be below sync.backoff_base")
	}
	if _, ok := conflictPolicies[c.Sync.ConflictPolicy]; !ok {
		return fmt.Errorf("sync.conflict_policy %q is not one of server_wins, manual", c.Sync.ConflictPolicy)
	}
	if c.Sync.Retention < 0 {
		return fmt.Errorf("sync.retention must not be negative")
	}
	return nil
}
