package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"updates.db"`
	CacheDir    string `envconfig:"CACHE_DIR" default:"/var/cache/firmware-updater"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	LogFile       string `envconfig:"LOG_FILE"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"10"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`

	FeedURL       string        `envconfig:"FEED_URL"`
	FeedToken     string        `envconfig:"FEED_TOKEN"`
	CheckInterval time.Duration `envconfig:"CHECK_INTERVAL" default:"24h"`

	Build Build

	StreamingDevice   bool   `envconfig:"STREAMING_DEVICE" default:"false"`
	EncryptedStorage  bool   `envconfig:"ENCRYPTED_STORAGE" default:"false"`
	FlashCommand      string `envconfig:"FLASH_COMMAND" default:"/usr/sbin/install-package"`
	ApplyCommand      string `envconfig:"APPLY_COMMAND" default:"/usr/sbin/apply-payload"`
	PerformanceMode   bool   `envconfig:"PERFORMANCE_MODE" default:"false"`
	AutoDeleteUpdates bool   `envconfig:"AUTO_DELETE_UPDATES" default:"false"`

	WakeLockPath   string `envconfig:"WAKE_LOCK_PATH" default:"/sys/power/wake_lock"`
	WakeUnlockPath string `envconfig:"WAKE_UNLOCK_PATH" default:"/sys/power/wake_unlock"`
	BootIDPath     string `envconfig:"BOOT_ID_PATH" default:"/proc/sys/kernel/random/boot_id"`
	// EngineStateDir must not survive a reboot.
	EngineStateDir string `envconfig:"ENGINE_STATE_DIR" default:"/run/firmware-updater"`

	MaxParallelDownloads int `envconfig:"MAX_PARALLEL_DOWNLOADS" default:"2"`
	BackgroundWorkers    int `envconfig:"BACKGROUND_WORKERS" default:"2"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
		ServiceName  string `split_words:"true" default:"firmware-updater"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9095"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// Build describes the firmware the device is currently running.
type Build struct {
	Device           string `envconfig:"DEVICE"`
	ReleaseType      string `envconfig:"RELEASE_TYPE" default:"nightly"`
	Version          string `envconfig:"BUILD_VERSION"`
	Incremental      string `envconfig:"BUILD_INCREMENTAL"`
	Timestamp        int64  `envconfig:"BUILD_TIMESTAMP"`
	AllowDowngrading bool   `envconfig:"ALLOW_DOWNGRADING" default:"false"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallelDownloads < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL_DOWNLOADS must be at least 1, got %d", cfg.MaxParallelDownloads)
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
