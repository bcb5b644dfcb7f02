package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Sensor       SensorConfig       `mapstructure:"sensor"`
	Detector     DetectorConfig     `mapstructure:"detector"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Location     LocationConfig     `mapstructure:"location"`
	Alert        AlertConfig        `mapstructure:"alert"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Server       ServerConfig       `mapstructure:"server"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// SensorConfig holds motion ingestion configuration
type SensorConfig struct {
	RequirePermission bool          `mapstructure:"require_permission"`
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`
	MQTT              MQTTConfig    `mapstructure:"mqtt"`
}

// MQTTConfig holds the device broker configuration
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	DeviceID    string `mapstructure:"device_id"` // "+" subscribes to every device
	QoS         byte   `mapstructure:"qos"`
}

// DetectorConfig holds fall detector tuning
type DetectorConfig struct {
	Threshold   float64       `mapstructure:"threshold"`
	Unit        string        `mapstructure:"unit"` // "ms2" or "g"
	Cooldown    time.Duration `mapstructure:"cooldown"`
	HistorySize int           `mapstructure:"history_size"`
}

// ConfirmationConfig holds countdown configuration
type ConfirmationConfig struct {
	Duration time.Duration `mapstructure:"duration"`
	Tick     time.Duration `mapstructure:"tick"`
}

// LocationConfig holds geolocation options
type LocationConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	EnableHighAccuracy bool          `mapstructure:"enable_high_accuracy"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaximumAge         time.Duration `mapstructure:"maximum_age"`
}

// AlertConfig holds alert backend configuration
type AlertConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	GuardTTL time.Duration `mapstructure:"guard_ttl"`
}

// RedisConfig holds the optional distributed dispatch guard configuration
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds incident history configuration
type StorageConfig struct {
	MaxIncidents int    `mapstructure:"max_incidents"`
	DBPath       string `mapstructure:"db_path"`
}

// ServerConfig holds the HTTP API configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // host:port, empty uses OTEL_EXPORTER_OTLP_ENDPOINT
	Insecure bool   `mapstructure:"insecure"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// FALLGUARD_ALERT_BASE_URL overrides alert.base_url
	v.SetEnvPrefix("FALLGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Sensor defaults
	v.SetDefault("sensor.require_permission", false)
	v.SetDefault("sensor.permission_timeout", "30s")
	v.SetDefault("sensor.buffer_size", 256)
	v.SetDefault("sensor.mqtt.enabled", false)
	v.SetDefault("sensor.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("sensor.mqtt.client_id", "fallguard")
	v.SetDefault("sensor.mqtt.username", "")
	v.SetDefault("sensor.mqtt.password", "")
	v.SetDefault("sensor.mqtt.topic_prefix", "fallguard/device")
	v.SetDefault("sensor.mqtt.device_id", "+")
	v.SetDefault("sensor.mqtt.qos", 1)

	// Detector defaults: 25.5 m/s^2 is roughly 2.6 g
	v.SetDefault("detector.threshold", 25.5)
	v.SetDefault("detector.unit", "ms2")
	v.SetDefault("detector.cooldown", "1s")
	v.SetDefault("detector.history_size", 50)

	// Confirmation defaults
	v.SetDefault("confirmation.duration", "30s")
	v.SetDefault("confirmation.tick", "1s")

	// Location defaults
	v.SetDefault("location.enabled", true)
	v.SetDefault("location.enable_high_accuracy", true)
	v.SetDefault("location.timeout", "20s")
	v.SetDefault("location.maximum_age", "5s")

	// Alert defaults; base_url has no default on purpose
	v.SetDefault("alert.base_url", "")
	v.SetDefault("alert.timeout", "15s")
	v.SetDefault("alert.guard_ttl", "24h")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "fallguard:alert:")

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.max_incidents", 1000)
	v.SetDefault("storage.db_path", "")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8090")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
// A missing alert.base_url is not an error here: dispatch reports it per attempt.
func (c *Config) Validate() error {
	// Validate Sensor config
	if c.Sensor.RequirePermission && c.Sensor.PermissionTimeout <= 0 {
		return fmt.Errorf("sensor.permission_timeout must be positive when sensor.require_permission is set")
	}
	if c.Sensor.BufferSize < 1 {
		return fmt.Errorf("sensor.buffer_size must be at least 1")
	}
	if c.Sensor.MQTT.Enabled {
		if c.Sensor.MQTT.Broker == "" {
			return fmt.Errorf("sensor.mqtt.broker is required when sensor.mqtt is enabled")
		}
		if c.Sensor.MQTT.TopicPrefix == "" {
			return fmt.Errorf("sensor.mqtt.topic_prefix is required when sensor.mqtt is enabled")
		}
		if c.Sensor.MQTT.QoS > 2 {
			return fmt.Errorf("sensor.mqtt.qos must be 0, 1 or 2")
		}
	}

	// Validate Detector config
	if c.Detector.Threshold <= 0 {
		return fmt.Errorf("detector.threshold must be positive")
	}
	validUnits := map[string]bool{"ms2": true, "g": true}
	if !validUnits[c.Detector.Unit] {
		return fmt.Errorf("detector.unit must be one of: ms2, g")
	}
	if c.Detector.Cooldown < 0 {
		return fmt.Errorf("detector.cooldown must not be negative")
	}
	if c.Detector.HistorySize < 1 {
		return fmt.Errorf("detector.history_size must be at least 1")
	}

	// Validate Confirmation config
	if c.Confirmation.Tick <= 0 {
		return fmt.Errorf("confirmation.tick must be positive")
	}
	if c.Confirmation.Duration < c.Confirmation.Tick {
		return fmt.Errorf("confirmation.duration must be at least one tick")
	}

	// Validate Location config
	if c.Location.Enabled {
		if c.Location.Timeout <= 0 {
			return fmt.Errorf("location.timeout must be positive")
		}
		if c.Location.MaximumAge < 0 {
			return fmt.Errorf("location.maximum_age must not be negative")
		}
	}

	// Validate Alert config
	if c.Alert.Timeout <= 0 {
		return fmt.Errorf("alert.timeout must be positive")
	}
	if c.Alert.GuardTTL < time.Minute {
		return fmt.Errorf("alert.guard_ttl must be at least 1 minute")
	}

	// Validate Redis config
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.MaxIncidents < 1 {
		return fmt.Errorf("storage.max_incidents must be at least 1")
	}

	// Validate Server config
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when server is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
