// Package config loads the application settings from an optional file, the environment and
// command line overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "LAYERSYNC"

type Settings struct {
	PortalURL      string        `mapstructure:"portal_url" validate:"required,url"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	// Datasets is a JSON file with dataset records. Empty means the built-in datasets.
	Datasets    string              `mapstructure:"datasets"`
	Log         LogSettings         `mapstructure:"log"`
	Credentials CredentialsSettings `mapstructure:"credentials"`
	Archive     ArchiveSettings     `mapstructure:"archive"`
	NATS        NATSSettings        `mapstructure:"nats"`
	Valkey      ValkeySettings      `mapstructure:"valkey"`
	History     HistorySettings     `mapstructure:"history"`
	Server      ServerSettings      `mapstructure:"server"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type CredentialsSettings struct {
	// Source is "env" or "secretsmanager".
	Source   string `mapstructure:"source" validate:"oneof=env secretsmanager"`
	SecretID string `mapstructure:"secret_id" validate:"required_if=Source secretsmanager"`
	Region   string `mapstructure:"region"`
}

// ArchiveSettings enables archiving raw source responses to S3 when Bucket is set.
type ArchiveSettings struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// NATSSettings enables publishing run events when URL is set.
type NATSSettings struct {
	URL     string `mapstructure:"url" validate:"omitempty,url"`
	Subject string `mapstructure:"subject" validate:"required"`
}

// ValkeySettings enables the distributed per-dataset lock when Addr is set.
type ValkeySettings struct {
	Addr    string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	LockTTL time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

// HistorySettings enables recording runs in a SQLite database when Path is set.
type HistorySettings struct {
	Path string `mapstructure:"path"`
}

type ServerSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal_url", "https://www.arcgis.com")
	v.SetDefault("fetch_timeout", 5*time.Minute)
	v.SetDefault("request_timeout", 2*time.Minute)
	v.SetDefault("datasets", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("credentials.source", "env")
	v.SetDefault("credentials.secret_id", "")
	v.SetDefault("credentials.region", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "layersync")
	v.SetDefault("archive.region", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "layersync.runs")
	v.SetDefault("valkey.addr", "")
	v.SetDefault("valkey.lock_ttl", 2*time.Hour)
	v.SetDefault("history.path", "")
	v.SetDefault("server.addr", ":8080")
}

// Load reads file (optional, YAML or JSON), then LAYERSYNC_* environment variables, then
// overrides, keyed like "log.level". Later sources win.
func Load(file string, overrides map[string]interface{}) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	// Environment variables: LAYERSYNC_LOG_LEVEL → log.level
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		v.Set(key, value)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
