// Package config loads the csrfgate server configuration from an optional
// YAML file and CSRFGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JeanGrijp/csrfgate/csrf"
)

// EnvPrefix prefixes every environment override, e.g. CSRFGATE_SERVER_ADDR.
const EnvPrefix = "CSRFGATE"

// Config holds all configuration for the csrfgate server
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		// AllowedHost replaces the request Host in origin checks (behind proxies).
		AllowedHost         string        `mapstructure:"allowed_host"`
		TrustForwardedProto bool          `mapstructure:"trust_forwarded_proto"`
		OriginStrategy      string        `mapstructure:"origin_strategy"` // origin, referer or host
		ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Session struct {
		Backend    string `mapstructure:"backend"` // memory or redis
		CookieName string `mapstructure:"cookie_name"`
		// HashKey and BlockKey sign and encrypt the session cookie. An empty
		// HashKey is replaced by a random key at startup.
		HashKey  string        `mapstructure:"hash_key"`
		BlockKey string        `mapstructure:"block_key"`
		Secure   bool          `mapstructure:"secure"`
		MaxAge   int           `mapstructure:"max_age"` // seconds
		TTL      time.Duration `mapstructure:"ttl"`
		// SweepInterval is how often the memory backend drops expired sessions.
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		Redis         struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"session"`

	Token struct {
		Name           string        `mapstructure:"name"`
		Source         string        `mapstructure:"source"`
		Window         time.Duration `mapstructure:"window"`
		WindowPolicy   string        `mapstructure:"window_policy"` // max-age or min-age
		EscalationStep time.Duration `mapstructure:"escalation_step"`
		Limited        struct {
			Base      time.Duration `mapstructure:"base"`
			StepEvery int           `mapstructure:"step_every"`
			Reset     time.Duration `mapstructure:"reset"`
		} `mapstructure:"limited"`
	} `mapstructure:"token"`

	Report struct {
		Dir      string `mapstructure:"dir"`
		SafePage string `mapstructure:"safe_page"`
	} `mapstructure:"report"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_host", "")
	v.SetDefault("server.trust_forwarded_proto", false)
	v.SetDefault("server.origin_strategy", "origin")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.cookie_name", "csrfgate_session")
	v.SetDefault("session.hash_key", "")
	v.SetDefault("session.block_key", "")
	v.SetDefault("session.secure", false)
	v.SetDefault("session.max_age", 86400)
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.redis.addr", "localhost:6379")
	v.SetDefault("session.redis.password", "")
	v.SetDefault("session.redis.db", 0)
	v.SetDefault("session.redis.prefix", "csrfgate:session:")

	v.SetDefault("token.name", "ajax")
	v.SetDefault("token.source", "body")
	v.SetDefault("token.window", 5*time.Minute)
	v.SetDefault("token.window_policy", "max-age")
	v.SetDefault("token.escalation_step", time.Second)
	v.SetDefault("token.limited.base", 2*time.Second)
	v.SetDefault("token.limited.step_every", 3)
	v.SetDefault("token.limited.reset", 10*time.Minute)

	v.SetDefault("report.dir", "./reports")
	v.SetDefault("report.safe_page", "/")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads path (if non-empty) and applies environment overrides.
// Without a path, ./csrfgate.yaml and ./config/csrfgate.yaml are tried.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("csrfgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if _, err := csrf.ParseOriginChecker(c.Server.OriginStrategy, "", false); err != nil {
		return fmt.Errorf("server.origin_strategy: %w", err)
	}
	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			return errors.New("session.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("session.backend: unknown backend %q", c.Session.Backend)
	}
	if n := len(c.Session.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("session.block_key must be 16, 24 or 32 bytes, got %d", n)
	}
	if c.Token.Name == "" {
		return errors.New("token.name is required")
	}
	if _, err := csrf.ParseSource(c.Token.Source); err != nil {
		return fmt.Errorf("token.source: %w", err)
	}
	if _, err := csrf.ParseWindowPolicy(c.Token.WindowPolicy); err != nil {
		return fmt.Errorf("token.window_policy: %w", err)
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Session.Backend == "memory" && c.Session.SweepInterval <= 0 {
		return errors.New("session.sweep_interval must be positive")
	}
	if c.Token.Window < 0 || c.Token.EscalationStep < 0 ||
		c.Token.Limited.Base < 0 || c.Token.Limited.Reset < 0 {
		return errors.New("token durations must not be negative")
	}
	if c.Token.Limited.StepEvery <= 0 {
		return errors.New("token.limited.step_every must be positive")
	}
	if c.Report.Dir == "" {
		return errors.New("report.dir is required")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
