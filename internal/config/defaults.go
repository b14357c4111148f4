package config

import (
	"path/filepath"
	"time"
)

const (
	DefaultPort            = 5000
	DefaultCleanupInterval = 30 * time.Minute
	DefaultFileRetention   = time.Hour
	DefaultJobTimeout      = 30 * time.Minute
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. Worker.JobTimeout is left alone when
// negative so operators can disable the timeout explicitly with -1.
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "stemsplit"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Minute
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 2 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MaxUploadSize == "" {
		c.Server.MaxUploadSize = "512MB"
	}

	if c.Storage.InputDir == "" {
		c.Storage.InputDir = filepath.Join("data", "input")
	}
	if c.Storage.StemsDir == "" {
		c.Storage.StemsDir = filepath.Join("data", "stems")
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = filepath.Join("data", "output")
	}
	if c.Storage.LockFile == "" {
		c.Storage.LockFile = filepath.Join(filepath.Dir(c.Storage.InputDir), "stemsplit.lock")
	}

	if c.Engine.Command == "" {
		c.Engine.Command = "spleeter"
	}
	if len(c.Engine.Args) == 0 {
		c.Engine.Args = []string{"separate", "-p", "{model}", "-o", "{output_dir}", "{input}"}
	}
	if c.Engine.Model == "" {
		c.Engine.Model = "spleeter:2stems"
	}
	if len(c.Engine.Tracks) == 0 {
		c.Engine.Tracks = []string{"vocals", "accompaniment"}
	}
	if c.Engine.OutputExt == "" {
		c.Engine.OutputExt = ".wav"
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 2
	}
	if c.Worker.QueueSize == 0 {
		c.Worker.QueueSize = 64
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = DefaultJobTimeout
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}

	if c.Retention.CleanupInterval == 0 {
		c.Retention.CleanupInterval = DefaultCleanupInterval
	}
	if c.Retention.FileRetention == 0 {
		c.Retention.FileRetention = DefaultFileRetention
	}

	if c.Notifications.SubscriberBuffer == 0 {
		c.Notifications.SubscriberBuffer = 16
	}
	rmq := &c.Notifications.RabbitMQ
	if rmq.Port == 0 {
		rmq.Port = 5672
	}
	if rmq.VHost == "" {
		rmq.VHost = "/"
	}
	if rmq.Exchange.Type == "" {
		rmq.Exchange.Type = "topic"
	}
	if rmq.RoutingPrefix == "" {
		rmq.RoutingPrefix = "jobs"
	}
	if rmq.Connection.RetryAttempts == 0 {
		rmq.Connection.RetryAttempts = 5
	}
	if rmq.Connection.RetryInterval == 0 {
		rmq.Connection.RetryInterval = 2 * time.Second
	}
	if rmq.Connection.Heartbeat == 0 {
		rmq.Connection.Heartbeat = 10 * time.Second
	}
	if rmq.Publish.Timeout == 0 {
		rmq.Publish.Timeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
}
