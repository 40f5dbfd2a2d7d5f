package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Backoff struct {
	Floor  time.Duration `mapstructure:"floor" validate:"gt=0"`
	Factor float64       `mapstructure:"factor" validate:"gt=1"`
	Cap    time.Duration `mapstructure:"cap" validate:"gtefield=Floor"`
}

type Discovery struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance" validate:"required_if=Enabled true"`
}

type Client struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type Config struct {
	Mode        string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port        int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath  string        `mapstructure:"static_path"`
	ReadLimit   int64         `mapstructure:"read_limit" validate:"gt=0"`
	PingPeriod  time.Duration `mapstructure:"ping_period" validate:"gte=0"`
	Secret      string        `mapstructure:"secret" validate:"required"`
	ICEServers  []string      `mapstructure:"ice_servers" validate:"dive,required"`
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"gte=0"`
	// RateLimit caps inbound requests per second per session and kind; 0 disables.
	RateLimit int       `mapstructure:"rate_limit" validate:"gte=0"`
	Backoff   Backoff   `mapstructure:"backoff"`
	Discovery Discovery `mapstructure:"discovery"`
	Client    Client    `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("secret", "wdi-dev-secret")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("grace_period", "100ms")
	v.SetDefault("rate_limit", 50)
	v.SetDefault("backoff.floor", "10ms")
	v.SetDefault("backoff.factor", 10)
	v.SetDefault("backoff.cap", "10s")
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", "wdi")
	v.SetDefault("client.url", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then WDI_* environment
// variables, then any flags in fs that were set explicitly.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("WDI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
