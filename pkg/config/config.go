package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "SAVINGS"

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Engine   EngineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Driver string // sqlite or memory
	Path   string
}

type EngineConfig struct {
	TickInterval          time.Duration
	InterestRate          decimal.Decimal
	PenaltyRate           decimal.Decimal
	PaymentConfirmTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "fredsavings.db")
	v.SetDefault("engine.tick_interval", "1h")
	v.SetDefault("engine.interest_rate", "0.05")
	v.SetDefault("engine.penalty_rate", "0.10")
	v.SetDefault("engine.payment_confirm_timeout", "15m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads .env (when present), then config.yaml from path or the working directory,
// then SAVINGS_* environment overrides such as SAVINGS_SERVER_PORT.
// Without an explicit path a missing config.yaml is fine and the defaults apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	interest, err := decimal.NewFromString(v.GetString("engine.interest_rate"))
	if err != nil {
		return nil, fmt.Errorf("invalid engine.interest_rate: %w", err)
	}
	penalty, err := decimal.NewFromString(v.GetString("engine.penalty_rate"))
	if err != nil {
		return nil, fmt.Errorf("invalid engine.penalty_rate: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{Port: v.GetInt("server.port")},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			Path:   v.GetString("database.path"),
		},
		Engine: EngineConfig{
			TickInterval:          v.GetDuration("engine.tick_interval"),
			InterestRate:          interest,
			PenaltyRate:           penalty,
			PaymentConfirmTimeout: v.GetDuration("engine.payment_confirm_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	case c.Database.Driver != "sqlite" && c.Database.Driver != "memory":
		return fmt.Errorf("invalid database.driver %q: want sqlite or memory", c.Database.Driver)
	case c.Database.Driver == "sqlite" && c.Database.Path == "":
		return errors.New("database.path is required for sqlite")
	case c.Engine.TickInterval <= 0:
		return fmt.Errorf("invalid engine.tick_interval %s", c.Engine.TickInterval)
	case !c.Engine.InterestRate.IsPositive() || !c.Engine.InterestRate.LessThan(one):
		return fmt.Errorf("invalid engine.interest_rate %s: must be in (0,1)", c.Engine.InterestRate)
	case !c.Engine.PenaltyRate.IsPositive() || !c.Engine.PenaltyRate.LessThan(one):
		return fmt.Errorf("invalid engine.penalty_rate %s: must be in (0,1)", c.Engine.PenaltyRate)
	case c.Engine.PaymentConfirmTimeout <= 0:
		return fmt.Errorf("invalid engine.payment_confirm_timeout %s", c.Engine.PaymentConfirmTimeout)
	case c.Log.Format != "text" && c.Log.Format != "json":
		return fmt.Errorf("invalid log.format %q: want text or json", c.Log.Format)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
