// Package config provides configuration management for the collector.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/storage"
	"github.com/spf13/viper"
)

// Config holds all configuration for the collector.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the devices and polling groups file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// Pool is the per-device connection pool configuration
	Pool PoolConfig `mapstructure:"pool"`

	// Polling configuration shared by all polling units
	Polling PollingConfig `mapstructure:"polling"`

	// Queue between the polling units and the drain worker
	Queue QueueConfig `mapstructure:"queue"`

	// Buffer is the in-memory overflow buffer ahead of storage
	Buffer BufferConfig `mapstructure:"buffer"`

	// Writer is the storage writer configuration
	Writer WriterConfig `mapstructure:"writer"`

	// Storage is the relational sink configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Backup is the CSV fallback for batches storage rejected
	Backup BackupConfig `mapstructure:"backup"`

	// MQTT live publishing and remote control
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// ShutdownTimeout bounds the final flush on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	MaxRequestBodySize int64         `mapstructure:"max_request_body_size"`
}

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	Size                 int           `mapstructure:"size"`
	HealthCheckPeriod    time.Duration `mapstructure:"health_check_period"`
	HealthGrace          time.Duration `mapstructure:"health_grace"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	MaxGap               int           `mapstructure:"max_gap"`
}

// PollingConfig holds polling unit configuration.
type PollingConfig struct {
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// QueueConfig holds acquisition queue configuration.
type QueueConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
}

// BufferConfig holds overflow buffer configuration.
type BufferConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// WriterConfig holds storage writer configuration.
type WriterConfig struct {
	WriteInterval  time.Duration `mapstructure:"write_interval"`
	BatchThreshold int           `mapstructure:"batch_threshold"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// StorageConfig holds relational sink configuration.
type StorageConfig struct {
	Dialect         string        `mapstructure:"dialect"` // sqlite or postgres
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// BackupConfig holds backup file configuration.
type BackupConfig struct {
	Dir string `mapstructure:"dir"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	Retain         bool          `mapstructure:"retain"`

	// Commands configures group control over MQTT
	Commands CommandsConfig `mapstructure:"commands"`
}

// CommandsConfig holds MQTT control command configuration.
type CommandsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	TopicPrefix    string `mapstructure:"topic_prefix"`
	ResponsePrefix string `mapstructure:"response_prefix"`
	QoS            byte   `mapstructure:"qos"`
	QueueSize      int    `mapstructure:"queue_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from an explicit file. An empty path searches
// the default locations.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/plc-acquisition")
	}

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variable binding
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")
	v.SetDefault("shutdown_timeout", 10*time.Second)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_request_body_size", 1048576)

	// Connection pools
	v.SetDefault("pool.size", 2)
	v.SetDefault("pool.health_check_period", 10*time.Second)
	v.SetDefault("pool.health_grace", time.Second)
	v.SetDefault("pool.reconnect_base_delay", 500*time.Millisecond)
	v.SetDefault("pool.reconnect_max_delay", 30*time.Second)
	v.SetDefault("pool.reconnect_max_attempts", 0)
	v.SetDefault("pool.max_gap", 10)

	// Polling
	v.SetDefault("polling.acquire_timeout", 2*time.Second)
	v.SetDefault("polling.stop_timeout", 5*time.Second)

	// Queue and buffer
	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.push_timeout", 200*time.Millisecond)
	v.SetDefault("buffer.capacity", 100000)

	// Writer
	v.SetDefault("writer.write_interval", 500*time.Millisecond)
	v.SetDefault("writer.batch_threshold", 500)
	v.SetDefault("writer.max_batch_size", 500)
	v.SetDefault("writer.max_retries", 3)
	v.SetDefault("writer.retry_base_delay", time.Second)
	v.SetDefault("writer.retry_max_delay", 30*time.Second)

	// Storage
	v.SetDefault("storage.dialect", "sqlite")
	v.SetDefault("storage.dsn", "file:collector.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("storage.table", "tag_records")
	v.SetDefault("storage.max_open_conns", 4)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("storage.query_timeout", 10*time.Second)
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("backup.dir", "./backup")

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "plc-collector")
	v.SetDefault("mqtt.topic_prefix", "plc/live")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 10000)
	v.SetDefault("mqtt.commands.enabled", false)
	v.SetDefault("mqtt.commands.topic_prefix", "plc/cmd")
	v.SetDefault("mqtt.commands.response_prefix", "plc/cmd/response")
	v.SetDefault("mqtt.commands.qos", 1)
	v.SetDefault("mqtt.commands.queue_size", 100)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339Nano)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// MQTT environment variables
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General environment variables
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// Storage
	_ = v.BindEnv("storage.dialect", "STORAGE_DIALECT")
	_ = v.BindEnv("storage.dsn", "DATABASE_URL")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.DevicesConfigPath == "" {
		return fmt.Errorf("devices config path is required")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer capacity must be positive")
	}
	if c.Writer.MaxBatchSize <= 0 {
		return fmt.Errorf("writer max batch size must be positive")
	}
	if c.Writer.BatchThreshold > c.Buffer.Capacity {
		return fmt.Errorf("writer batch threshold %d exceeds buffer capacity %d", c.Writer.BatchThreshold, c.Buffer.Capacity)
	}
	if c.Writer.MaxRetries < 0 {
		return fmt.Errorf("writer max retries must not be negative")
	}
	switch c.Storage.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage dialect %q", c.Storage.Dialect)
	}
	if limit := storage.Dialect(c.Storage.Dialect).MaxBatchRows(); c.Writer.MaxBatchSize > limit {
		return fmt.Errorf("writer max batch size %d exceeds the %s limit of %d rows per insert",
			c.Writer.MaxBatchSize, c.Storage.Dialect, limit)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage DSN is required")
	}
	if c.Backup.Dir == "" {
		return fmt.Errorf("backup directory is required")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required when MQTT is enabled")
	}
	if c.MQTT.Commands.Enabled && !c.MQTT.Enabled {
		return fmt.Errorf("MQTT commands require mqtt.enabled")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}
