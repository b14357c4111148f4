package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App           AppConfig           `yaml:"app" toml:"app"`
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Storage       StorageConfig       `yaml:"storage" toml:"storage"`
	Engine        EngineConfig        `yaml:"engine" toml:"engine"`
	Worker        WorkerConfig        `yaml:"worker" toml:"worker"`
	Retention     RetentionConfig     `yaml:"retention" toml:"retention"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	CORS          CORSConfig          `yaml:"cors" toml:"cors"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Version     string `yaml:"version" toml:"version"`
	Environment string `yaml:"environment" toml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" toml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// MaxUploadSize is a human readable byte size such as "512MB".
	MaxUploadSize string `yaml:"max_upload_size" toml:"max_upload_size"`
}

// StorageConfig holds the on-disk layout for uploads and separated tracks
type StorageConfig struct {
	InputDir  string `yaml:"input_dir" toml:"input_dir"`
	StemsDir  string `yaml:"stems_dir" toml:"stems_dir"`
	OutputDir string `yaml:"output_dir" toml:"output_dir"`
	LockFile  string `yaml:"lock_file" toml:"lock_file"`
}

// EngineConfig describes the external separation command.
// Args may reference {input}, {output_dir} and {model}.
type EngineConfig struct {
	Command   string   `yaml:"command" toml:"command"`
	Args      []string `yaml:"args" toml:"args"`
	InitArgs  []string `yaml:"init_args" toml:"init_args"`
	Model     string   `yaml:"model" toml:"model"`
	Tracks    []string `yaml:"tracks" toml:"tracks"`
	OutputExt string   `yaml:"output_ext" toml:"output_ext"`
}

// WorkerConfig holds job runner configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency" toml:"concurrency"`
	QueueSize       int           `yaml:"queue_size" toml:"queue_size"`
	JobTimeout      time.Duration `yaml:"job_timeout" toml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// RetentionConfig controls the background reaper
type RetentionConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
	FileRetention   time.Duration `yaml:"file_retention" toml:"file_retention"`
}

// NotificationsConfig holds real-time event delivery settings
type NotificationsConfig struct {
	SubscriberBuffer int            `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	RabbitMQ         RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq"`
}

// RabbitMQConfig holds the optional AMQP fan-out of job events
type RabbitMQConfig struct {
	Enabled       bool             `yaml:"enabled" toml:"enabled"`
	Host          string           `yaml:"host" toml:"host"`
	Port          int              `yaml:"port" toml:"port"`
	User          string           `yaml:"user" toml:"user"`
	Password      string           `yaml:"password" toml:"password"`
	VHost         string           `yaml:"vhost" toml:"vhost"`
	Exchange      ExchangeConfig   `yaml:"exchange" toml:"exchange"`
	RoutingPrefix string           `yaml:"routing_prefix" toml:"routing_prefix"`
	Connection    ConnectionConfig `yaml:"connection" toml:"connection"`
	Publish       PublishConfig    `yaml:"publish" toml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" toml:"name"`
	Type       string `yaml:"type" toml:"type"`
	Durable    bool   `yaml:"durable" toml:"durable"`
	AutoDelete bool   `yaml:"auto_delete" toml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval" toml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat" toml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" toml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval" toml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" toml:"level"`
	Format       string `yaml:"format" toml:"format"`
	Output       string `yaml:"output" toml:"output"`
	EnableCaller bool   `yaml:"enable_caller" toml:"enable_caller"`
}

// CORSConfig lists origins allowed to call the API from a browser
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML. Defaults are applied afterwards.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		decoder := toml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// MaxUploadBytes parses Server.MaxUploadSize. Zero means unlimited.
func (c *Config) MaxUploadBytes() (int64, error) {
	raw := strings.TrimSpace(c.Server.MaxUploadSize)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid max_upload_size %q: %w", raw, err)
	}
	return int64(n), nil
}
