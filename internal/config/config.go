// Package config loads the server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr      string        `envconfig:"ADDR" default:":8080"`
	DBDSN     string        `envconfig:"DB_DSN" required:"true"`
	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTTTL    time.Duration `envconfig:"JWT_TTL" default:"24h"`
	Env       string        `envconfig:"ENV" default:"development"`

	// REDIS_ADDR enables the presence mirror; REDIS_RELAY also fans out
	// through Redis so several instances can serve the same rooms.
	RedisAddr  string `envconfig:"REDIS_ADDR"`
	RedisRelay bool   `envconfig:"REDIS_RELAY" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE"`

	MaxMessageLength  int           `envconfig:"MAX_MESSAGE_LENGTH" default:"4000"`
	EditWindow        time.Duration `envconfig:"EDIT_WINDOW" default:"15m"`
	RateLimitMessages int           `envconfig:"RATE_LIMIT_MESSAGES" default:"30"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	TypingTimeout     time.Duration `envconfig:"TYPING_TIMEOUT" default:"5s"`
	SendBuffer        int           `envconfig:"SEND_BUFFER" default:"256"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads .env files when present, then the environment. Variables
// already set in the environment win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) validate() error {
	switch {
	case c.DBDSN == "":
		return errors.New("DB_DSN must be set")
	case len(c.JWTSecret) < 16:
		return errors.New("JWT_SECRET must be at least 16 characters")
	case c.MaxMessageLength <= 0:
		return errors.New("MAX_MESSAGE_LENGTH must be positive")
	case c.RateLimitMessages < 0:
		return errors.New("RATE_LIMIT_MESSAGES must not be negative")
	case c.RateLimitWindow <= 0:
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	case c.TypingTimeout <= 0:
		return errors.New("TYPING_TIMEOUT must be positive")
	case c.RedisRelay && c.RedisAddr == "":
		return errors.New("REDIS_RELAY needs REDIS_ADDR")
	}
	return nil
}
