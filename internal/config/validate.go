package config

import (
	"fmt"
	"strings"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateServer,
		c.validateStorage,
		c.validateEngine,
		c.validateWorker,
		c.validateRetention,
		c.validateNotifications,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.Storage.InputDir) == "" {
		return fmt.Errorf("storage input_dir is required")
	}
	if strings.TrimSpace(c.Storage.StemsDir) == "" {
		return fmt.Errorf("storage stems_dir is required")
	}
	if strings.TrimSpace(c.Storage.OutputDir) == "" {
		return fmt.Errorf("storage output_dir is required")
	}
	return nil
}

func (c *Config) validateEngine() error {
	if strings.TrimSpace(c.Engine.Command) == "" {
		return fmt.Errorf("engine command is required")
	}
	if len(c.Engine.Tracks) < 1 {
		return fmt.Errorf("engine must declare at least one track")
	}

	seen := make(map[string]struct{}, len(c.Engine.Tracks))
	for _, track := range c.Engine.Tracks {
		name := strings.TrimSpace(track)
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("invalid engine track name %q", track)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate engine track name %q", track)
		}
		seen[name] = struct{}{}
	}

	hasInput := false
	for _, arg := range c.Engine.Args {
		if strings.Contains(arg, "{input}") {
			hasInput = true
			break
		}
	}
	if !hasInput {
		return fmt.Errorf("engine args must reference {input}")
	}
	if !strings.HasPrefix(c.Engine.OutputExt, ".") {
		return fmt.Errorf("engine output_ext must start with a dot: %q", c.Engine.OutputExt)
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker queue_size must be greater than 0")
	}
	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}
	return nil
}

func (c *Config) validateRetention() error {
	if c.Retention.CleanupInterval <= 0 {
		return fmt.Errorf("retention cleanup_interval must be greater than 0")
	}
	if c.Retention.FileRetention <= 0 {
		return fmt.Errorf("retention file_retention must be greater than 0")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.SubscriberBuffer <= 0 {
		return fmt.Errorf("notifications subscriber_buffer must be greater than 0")
	}

	rmq := c.Notifications.RabbitMQ
	if !rmq.Enabled {
		return nil
	}
	if rmq.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if rmq.Port < MinPort || rmq.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", rmq.Port, MinPort, MaxPort)
	}
	if rmq.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	return nil
}
