package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type HubConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type DeliveryConfig struct {
	StrictRooms bool `mapstructure:"strict_rooms"`
}

type AuthConfig struct {
	AllowAnonymous bool          `mapstructure:"allow_anonymous"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	Connects int           `mapstructure:"connects"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type Config struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	StaticPath      string        `mapstructure:"static_path"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	Secret          string        `mapstructure:"secret"`
	CookieSecure    bool          `mapstructure:"cookie_secure"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Hub       HubConfig       `mapstructure:"hub"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("secret", "")
	v.SetDefault("cookie_secure", false)
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("hub.capacity", 20)
	v.SetDefault("delivery.strict_rooms", false)
	v.SetDefault("auth.allow_anonymous", true)
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("rate_limit.connects", 10)
	v.SetDefault("rate_limit.interval", "1m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) and RELAY_* env overrides.
// A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return LoadFrom(v)
}

// LoadFrom applies defaults and env overrides to v and decodes it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Int("hub_capacity", cfg.Hub.Capacity).
		Bool("strict_rooms", cfg.Delivery.StrictRooms).
		Msg("config ready")
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, errors.New("read_limit must be positive"))
	}
	if c.Hub.Capacity < 1 {
		errs = append(errs, errors.New("hub.capacity must be at least 1"))
	}
	if c.PingPeriod >= c.PongWait {
		errs = append(errs, fmt.Errorf("ping_period %s must be shorter than pong_wait %s", c.PingPeriod, c.PongWait))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, errors.New("write_wait must be positive"))
	}
	if !c.Auth.AllowAnonymous && c.Secret == "" {
		errs = append(errs, errors.New("auth.allow_anonymous=false requires a secret"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
