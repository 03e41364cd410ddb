package config

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime settings for the lxr command.
type Config struct {
	Credentials   string        `env:"LXR_CREDENTIALS"`
	HTTPTimeout   time.Duration `env:"LXR_HTTP_TIMEOUT,default=30s"`
	UploadTimeout time.Duration `env:"LXR_UPLOAD_TIMEOUT,default=5m"`
	LogLevel      string        `env:"LXR_LOG_LEVEL,default=info"`
	LogFormat     string        `env:"LXR_LOG_FORMAT,default=console"`
	RelayRate     int           `env:"LXR_RELAY_RATE_LIMIT,default=0"`
	OTLPEndpoint  string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads dotenv (when present) into the process environment and returns a Config
// populated from it. Variables already set win over the file.
func Load(ctx context.Context, dotenv string) (Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	return process(ctx, envconfig.OsLookuper())
}

func process(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout <= 0 {
		return Config{}, errors.New("LXR_HTTP_TIMEOUT must be positive")
	}
	if cfg.UploadTimeout <= 0 {
		return Config{}, errors.New("LXR_UPLOAD_TIMEOUT must be positive")
	}
	if cfg.RelayRate < 0 {
		return Config{}, errors.New("LXR_RELAY_RATE_LIMIT must not be negative")
	}
	return cfg, nil
}
