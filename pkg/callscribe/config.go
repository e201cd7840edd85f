package callscribe

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/configutil"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/sinks"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Transport     ProviderConfig      `mapstructure:"transport"`
	Recognizer    RecognizerConfig    `mapstructure:"recognizer"`
	Server        ServerConfig        `mapstructure:"server"`
	Sinks         SinksConfig         `mapstructure:"sinks"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type RecognizerConfig struct {
	Provider   string         `mapstructure:"provider"`
	SampleRate int            `mapstructure:"sample_rate"`
	Resample   bool           `mapstructure:"resample"`
	Settings   map[string]any `mapstructure:"settings"`

	// Consecutive per-call creation failures that open the breaker.
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type ServerConfig struct {
	CloseGraceMS    int   `mapstructure:"close_grace_ms"`
	IdleTimeoutMS   int   `mapstructure:"idle_timeout_ms"`
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	DrainTimeoutMS  int   `mapstructure:"drain_timeout_ms"`
}

type SinksConfig struct {
	Log      bool               `mapstructure:"log"`
	Console  ConsoleSinkConfig  `mapstructure:"console"`
	MQTT     MQTTSinkConfig     `mapstructure:"mqtt"`
	Postgres PostgresSinkConfig `mapstructure:"postgres"`
}

type ConsoleSinkConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Partials bool `mapstructure:"partials"`
}

type MQTTSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`

	sinks.MQTTConfig `mapstructure:",squash"`
}

type PostgresSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`

	sinks.PostgresConfig `mapstructure:",squash"`
}

type ObservabilityConfig struct {
	// Metrics selects where metrics events go: "log", "jsonl" or "none".
	Metrics     string  `mapstructure:"metrics"`
	MetricsPath string  `mapstructure:"metrics_path"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Buffer      int     `mapstructure:"buffer"`
	Latency     bool    `mapstructure:"latency"`

	// ArtifactsDir receives per-call timelines and usage summaries.
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordMedia   bool   `mapstructure:"record_media"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads the YAML file at path. A .env file next to the working
// directory is loaded first so ${VAR} references can resolve against it.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("transport.provider", "twilio")
	v.SetDefault("recognizer.provider", "mock")
	v.SetDefault("recognizer.sample_rate", codec.TelephonySampleRate)
	v.SetDefault("recognizer.resample", false)
	v.SetDefault("recognizer.breaker_threshold", 3)
	v.SetDefault("recognizer.breaker_cooldown_ms", 10000)
	v.SetDefault("server.close_grace_ms", 2000)
	v.SetDefault("server.idle_timeout_ms", 0)
	v.SetDefault("server.max_message_bytes", 1<<20)
	v.SetDefault("server.drain_timeout_ms", 10000)
	v.SetDefault("sinks.log", true)
	v.SetDefault("sinks.console.enabled", false)
	v.SetDefault("sinks.console.partials", false)
	v.SetDefault("sinks.mqtt.enabled", false)
	v.SetDefault("sinks.postgres.enabled", false)
	v.SetDefault("sinks.postgres.table", "transcripts")
	v.SetDefault("observability.metrics", "log")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.buffer", 2048)
	v.SetDefault("observability.latency", true)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_media", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if strings.TrimSpace(c.Recognizer.Provider) == "" {
		return fmt.Errorf("recognizer.provider is required")
	}
	if c.Recognizer.SampleRate <= 0 {
		return fmt.Errorf("recognizer.sample_rate must be positive, got %d", c.Recognizer.SampleRate)
	}
	if c.Recognizer.Resample {
		if _, err := codec.UpsampleFactor(codec.TelephonySampleRate, c.Recognizer.SampleRate); err != nil {
			return fmt.Errorf("recognizer.sample_rate: %w", err)
		}
	} else if c.Recognizer.SampleRate != codec.TelephonySampleRate {
		return fmt.Errorf("recognizer.sample_rate must be %d unless recognizer.resample is set, got %d",
			codec.TelephonySampleRate, c.Recognizer.SampleRate)
	}
	if c.Server.CloseGraceMS < 0 || c.Server.IdleTimeoutMS < 0 || c.Server.DrainTimeoutMS < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Observability.Metrics)) {
	case "", "log", "jsonl", "none":
	default:
		return fmt.Errorf("observability.metrics must be one of [log, jsonl, none], got %s", c.Observability.Metrics)
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be between 0 and 1, got %v", c.Observability.SampleRate)
	}
	if c.Sinks.MQTT.Enabled {
		if err := configutil.RequireString(c.Sinks.MQTT.Broker, "sinks.mqtt.broker"); err != nil {
			return err
		}
	}
	if c.Sinks.Postgres.Enabled {
		if err := configutil.RequireString(c.Sinks.Postgres.DSN, "sinks.postgres.dsn"); err != nil {
			return err
		}
	}
	return nil
}

// SessionConfig maps the server and recognizer sections onto per-call settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		SampleRate:      c.Recognizer.SampleRate,
		Resample:        c.Recognizer.Resample,
		CloseGrace:      configutil.Millis(c.Server.CloseGraceMS, 2*time.Second),
		IdleTimeout:     time.Duration(c.Server.IdleTimeoutMS) * time.Millisecond,
		MaxMessageBytes: c.Server.MaxMessageBytes,
	}
}

func (c Config) DrainTimeout() time.Duration {
	return configutil.Millis(c.Server.DrainTimeoutMS, 10*time.Second)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
