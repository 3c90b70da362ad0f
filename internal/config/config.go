package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TELISCRIPT"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "data/teliscript.db"
	defaultExportPath         = "data/export"
	defaultSourcePath         = "data/source"
	defaultLogLevel           = "info"
	defaultTimezone           = "Asia/Kolkata"
	defaultMaxLookbackDays    = 30
	defaultChannelLimit       = 50
	defaultFetchLimit         = 1000
	defaultConcurrency        = 4
	defaultFetchTimeoutSecond = 120
	defaultTranslateMode      = "none"
)

// AppConfig captures runtime configuration for the backup engine and API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	ExportPath         string
	SourcePath         string
	LogLevel           string
	SigningSecret      string
	Timezone           string
	MaxLookbackDays    int
	ChannelLimit       int
	FetchLimit         int
	Concurrency        int
	FetchTimeout       time.Duration
	Schedule           string
	TranslateMode      string
	TranslateTablePath string
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
	configViper.SetDefault("export.path", defaultExportPath)
	configViper.SetDefault("source.path", defaultSourcePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("backup.timezone", defaultTimezone)
	configViper.SetDefault("backup.max_lookback_days", defaultMaxLookbackDays)
	configViper.SetDefault("backup.channel_limit", defaultChannelLimit)
	configViper.SetDefault("backup.fetch_limit", defaultFetchLimit)
	configViper.SetDefault("backup.concurrency", defaultConcurrency)
	configViper.SetDefault("backup.fetch_timeout_seconds", defaultFetchTimeoutSecond)
	configViper.SetDefault("backup.schedule", "")
	configViper.SetDefault("translate.mode", defaultTranslateMode)
	configViper.SetDefault("translate.table_path", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		ExportPath:         configViper.GetString("export.path"),
		SourcePath:         configViper.GetString("source.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		Timezone:           configViper.GetString("backup.timezone"),
		MaxLookbackDays:    configViper.GetInt("backup.max_lookback_days"),
		ChannelLimit:       configViper.GetInt("backup.channel_limit"),
		FetchLimit:         configViper.GetInt("backup.fetch_limit"),
		Concurrency:        configViper.GetInt("backup.concurrency"),
		FetchTimeout:       time.Duration(configViper.GetInt("backup.fetch_timeout_seconds")) * time.Second,
		Schedule:           configViper.GetString("backup.schedule"),
		TranslateMode:      configViper.GetString("translate.mode"),
		TranslateTablePath: configViper.GetString("translate.table_path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ExportPath) == "" {
		return fmt.Errorf("export.path is required")
	}
	if strings.TrimSpace(c.SourcePath) == "" {
		return fmt.Errorf("source.path is required")
	}
	if c.MaxLookbackDays < 1 {
		return fmt.Errorf("backup.max_lookback_days must be at least 1")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("backup.concurrency must be at least 1")
	}
	if c.FetchLimit < 1 {
		return fmt.Errorf("backup.fetch_limit must be at least 1")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("backup.timezone is not a valid IANA zone: %w", err)
	}
	switch c.TranslateMode {
	case "none", "table":
	default:
		return fmt.Errorf("translate.mode must be one of none, table")
	}
	if c.TranslateMode == "table" && strings.TrimSpace(c.TranslateTablePath) == "" {
		return fmt.Errorf("translate.table_path is required when translate.mode is table")
	}
	return nil
}
