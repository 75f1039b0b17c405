package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir    string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	MaxConcurrent  int           `envconfig:"MAX_CONCURRENT" default:"3"`
	SampleInterval time.Duration `envconfig:"SAMPLE_INTERVAL" default:"500ms"`
	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	SettingsFile   string        `envconfig:"SETTINGS_FILE" default:"settings.yaml"`
	// MaxBandwidth is a human readable rate such as "10MB" or "500KiB", per second.
	MaxBandwidth string `envconfig:"MAX_BANDWIDTH"`
	// BandwidthLimit is MaxBandwidth in bytes per second, 0 when unlimited.
	BandwidthLimit int64 `ignored:"true"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"modelshelf.db"`
	KeepHistoryFor    time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"720h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"modelshelf"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:8765"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT must be at least 1, got %d", cfg.MaxConcurrent)
	}

	if cfg.MaxBandwidth != "" {
		limit, err := humanize.ParseBytes(cfg.MaxBandwidth)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BANDWIDTH %q: %w", cfg.MaxBandwidth, err)
		}

		cfg.BandwidthLimit = int64(limit)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
