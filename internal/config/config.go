// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

type (
	Config struct {
		Server Server `envPrefix:"SERVER_"`
		Mongo  Mongo  `envPrefix:"MONGO_"`
		Redis  Redis  `envPrefix:"REDIS_"`
		Auth   Auth   `envPrefix:"AUTH_"`
		Chat   Chat   `envPrefix:"CHAT_"`

		LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	}

	Server struct {
		Address string `env:"ADDRESS" envDefault:"localhost:9090"`
		// PublicURL prefixes attachment URLs handed to clients.
		PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:9090"`
	}

	Mongo struct {
		URI      string `env:"URI" envDefault:"mongodb://localhost:27017"`
		Database string `env:"DATABASE" envDefault:"pair_chat"`
	}

	Redis struct {
		Addr     string `env:"ADDR" envDefault:"localhost:6379"`
		Password string `env:"PASSWORD"`
		DB       int    `env:"DB" envDefault:"0"`
	}

	Auth struct {
		Secret      string        `env:"SECRET,required,notEmpty"`
		Issuer      string        `env:"ISSUER" envDefault:"pair_chat"`
		TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
		LoginLimit  int64         `env:"LOGIN_LIMIT" envDefault:"10"`
		LoginWindow time.Duration `env:"LOGIN_WINDOW" envDefault:"15m"`
	}

	Chat struct {
		MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"5242880"`
		PersistWorkers int   `env:"PERSIST_WORKERS" envDefault:"4"`
		MaxPageSize    int   `env:"MAX_PAGE_SIZE" envDefault:"100"`
		// InMemory runs without mongo and redis.
		InMemory bool `env:"IN_MEMORY" envDefault:"false"`
	}
)

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("SERVER_PUBLIC_URL %q is not an absolute URL", c.Server.PublicURL))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_TOKEN_TTL must be positive"))
	}
	if c.Auth.LoginLimit <= 0 || c.Auth.LoginWindow <= 0 {
		errs = append(errs, errors.New("AUTH_LOGIN_LIMIT and AUTH_LOGIN_WINDOW must be positive"))
	}
	if c.Chat.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("CHAT_MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Chat.PersistWorkers <= 0 {
		errs = append(errs, errors.New("CHAT_PERSIST_WORKERS must be positive"))
	}
	if c.Chat.MaxPageSize <= 0 {
		errs = append(errs, errors.New("CHAT_MAX_PAGE_SIZE must be positive"))
	}

	return errors.Join(errs...)
}
