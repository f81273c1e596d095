package relay

import (
	"fmt"
	"log/slog"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

// Config carries every tunable of the relay. Values come from the
// environment (optionally via a .env file loaded in main); the listen
// addresses can additionally be overridden by flags.
type Config struct {
	ListenAddr    string `env:"RELAY_LISTEN_ADDR,default=:8888" validate:"required"`
	MetricsAddr   string `env:"RELAY_METRICS_ADDR,default=:9090" validate:"required"`
	DownloadDir   string `env:"RELAY_DOWNLOAD_DIR,default=downloads" validate:"required"`
	SessionBuffer int    `env:"RELAY_SESSION_BUFFER,default=64" validate:"gt=0"`
	EventBuffer   int    `env:"RELAY_EVENT_BUFFER,default=128" validate:"gt=0"`
	// HistoryLimit bounds each room's history; 0 keeps the full log for the
	// life of the room.
	HistoryLimit int    `env:"RELAY_HISTORY_LIMIT,default=0" validate:"gte=0"`
	MaxFileSize  int64  `env:"RELAY_MAX_FILE_SIZE,default=536870912" validate:"gt=0"`
	LogLevel     string `env:"RELAY_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
}

// LoadConfig reads the environment into a Config and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config from environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
