package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/richinsley/diffgrid/grid"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	API    APIConfig
	Grid   grid.Config
	Client ClientConfig
	Cache  CacheConfig
	Server ServerConfig
}

// APIConfig locates the backend
type APIConfig struct {
	Root          string
	Authorization string
}

// ClientConfig tunes the request client
type ClientConfig struct {
	RateLimitBase   time.Duration `mapstructure:"rate_limit_base"`
	RateLimitJitter time.Duration `mapstructure:"rate_limit_jitter"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// CacheConfig enables the redis result cache when RedisAddr is set
type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Prefix        string
	TTL           time.Duration
}

// ServerConfig holds settings of the serve command
type ServerConfig struct {
	Listen string
}

// Load reads configuration from a .env file, the config file and env.
// Env var overrides use prefix DGRID_, e.g. DGRID_API_ROOT.
// An empty path searches for diffgrid.yaml in the working directory and ~/.config/diffgrid.
func Load(path string) (Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()

	// default values
	v.SetDefault("api.root", "http://localhost:8000/api")
	v.SetDefault("api.authorization", "")
	v.SetDefault("grid.timesteps", grid.DefaultConfig.Timesteps)
	v.SetDefault("grid.columns", grid.DefaultConfig.Columns)
	v.SetDefault("client.rate_limit_base", "1000ms")
	v.SetDefault("client.rate_limit_jitter", "6400ms")
	v.SetDefault("client.poll_interval", "1600ms")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.prefix", "diffgrid:")
	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("server.listen", ":8080")

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/diffgrid")
		}
		v.SetConfigName("diffgrid")
	}

	v.SetEnvPrefix("DGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the settings that cannot be defaulted
func (c Config) Validate() error {
	if c.API.Root == "" {
		return errors.New("api.root must be set")
	}
	if len(c.Grid.Timesteps) == 0 {
		return errors.New("grid.timesteps must list at least one timestep")
	}
	if c.Grid.Columns < 1 {
		return errors.New("grid.columns must be at least 1")
	}
	return nil
}
