// Package config loads the waiting room configuration from an optional YAML
// file and WAITROOM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "WAITROOM"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout" validate:"gt=0"`
	IdleTimeout  time.Duration `mapstructure:"idleTimeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslMode"`
	MaxConns        int32         `mapstructure:"maxConns" validate:"min=1"`
	MinConns        int32         `mapstructure:"minConns" validate:"min=0"`
	MaxConnLifetime time.Duration `mapstructure:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"maxConnIdleTime"`
	ConnectAttempts int           `mapstructure:"connectAttempts" validate:"min=1"`
}

// DSN builds a libpq-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// KafkaConfig enables event publication when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Enabled reports whether events should go to Kafka.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 15*time.Second)
	v.SetDefault("server.idleTimeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", "5432")
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "postgres")
	v.SetDefault("database.postgres.name", "waitroom")
	v.SetDefault("database.postgres.sslMode", "disable")
	v.SetDefault("database.postgres.maxConns", 20)
	v.SetDefault("database.postgres.minConns", 2)
	v.SetDefault("database.postgres.maxConnLifetime", 30*time.Minute)
	v.SetDefault("database.postgres.maxConnIdleTime", 5*time.Minute)
	v.SetDefault("database.postgres.connectAttempts", 5)
	v.SetDefault("database.sqlite.path", "waitroom.db")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "waitroom.admission")
}

// Load reads configuration. path may be empty, in which case only defaults and
// the environment are consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and logs each violation.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		LogValidationErrors(err)
		return errors.Wrap(err, "invalid configuration")
	}
	if c.Database.Driver == DriverSQLite && c.Database.SQLite.Path == "" {
		return errors.New("invalid configuration: database.sqlite.path is required for the sqlite driver")
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return errors.New("invalid configuration: kafka.topic is required when kafka.brokers is set")
	}
	return nil
}

// LogValidationErrors writes one line per failed field.
func LogValidationErrors(err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return
	}
	for _, fieldErr := range validationErrors {
		fieldName := stripPrefix(fieldErr.Namespace())
		switch fieldErr.Tag() {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, fieldErr.Value(), fieldErr.Tag())
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}

// ConfigureLogging applies the log settings to the standard logrus logger.
func ConfigureLogging(c LogConfig) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
