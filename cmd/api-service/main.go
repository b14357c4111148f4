package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/stemsplit/internal/api/handler"
	"github.com/cuongbtq/stemsplit/internal/api/router"
	"github.com/cuongbtq/stemsplit/internal/artifact"
	"github.com/cuongbtq/stemsplit/internal/config"
	"github.com/cuongbtq/stemsplit/internal/engine"
	"github.com/cuongbtq/stemsplit/internal/notify"
	"github.com/cuongbtq/stemsplit/internal/reaper"
	"github.com/cuongbtq/stemsplit/internal/registry"
	"github.com/cuongbtq/stemsplit/internal/runner"
	"github.com/cuongbtq/stemsplit/shared/logger"
	"github.com/cuongbtq/stemsplit/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	slog.SetDefault(appLogger.Logger)

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	store := artifact.NewStore(artifact.Config{
		InputDir:  cfg.Storage.InputDir,
		StemsDir:  cfg.Storage.StemsDir,
		OutputDir: cfg.Storage.OutputDir,
		LockFile:  cfg.Storage.LockFile,
		Logger:    appLogger.Logger,
	})
	if err := store.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to prepare storage: %w", err)
	}
	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	sep := engine.NewCommandEngine(engine.Config{
		Command:   cfg.Engine.Command,
		Args:      cfg.Engine.Args,
		InitArgs:  cfg.Engine.InitArgs,
		Model:     cfg.Engine.Model,
		Tracks:    cfg.Engine.Tracks,
		OutputExt: cfg.Engine.OutputExt,
		Store:     store,
		Logger:    appLogger.Logger,
	})

	// A missing engine is fatal here rather than on the first upload.
	initCtx, cancelInit := context.WithTimeout(context.Background(), 5*time.Minute)
	err = sep.Initialize(initCtx)
	cancelInit()
	if err != nil {
		return fmt.Errorf("failed to initialize separation engine: %w", err)
	}

	var sinks []notify.Sink
	var rabbitClient *rabbitmq.Client
	if cfg.Notifications.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.Notifications.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		sinks = append(sinks, notify.NewAMQPSink(rabbitClient, cfg.Notifications.RabbitMQ.RoutingPrefix))
		appLogger.Info("RabbitMQ connection established",
			slog.String("exchange", cfg.Notifications.RabbitMQ.Exchange.Name),
		)
	}

	reg := registry.New()
	hub := notify.NewHub(notify.Config{
		Logger:           appLogger.Logger,
		SubscriberBuffer: cfg.Notifications.SubscriberBuffer,
		SinkTimeout:      cfg.Notifications.RabbitMQ.Publish.Timeout,
		Sinks:            sinks,
	})

	jobRunner := runner.New(&runner.Config{
		Logger:      appLogger.Logger,
		Registry:    reg,
		Store:       store,
		Engine:      sep,
		Publisher:   hub,
		Concurrency: cfg.Worker.Concurrency,
		QueueSize:   cfg.Worker.QueueSize,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	reap := reaper.New(reaper.Config{
		Logger:    appLogger.Logger,
		Registry:  reg,
		Store:     store,
		Interval:  cfg.Retention.CleanupInterval,
		Retention: cfg.Retention.FileRetention,
	})

	r := initRouter(cfg, &handler.Dependencies{
		Logger:         appLogger.Logger,
		Registry:       reg,
		Store:          store,
		Runner:         jobRunner,
		Purger:         reap,
		Hub:            hub,
		Tracks:         cfg.Engine.Tracks,
		OutputExt:      cfg.Engine.OutputExt,
		MaxUploadBytes: maxUpload,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		ServiceName:    cfg.App.Name,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Running separations outlive the signal until Worker.ShutdownTimeout.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	jobRunner.Start(runCtx)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = hub.Run(hubCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return reap.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		if err := jobRunner.Stop(stopCtx); err != nil {
			appLogger.Warn("Interrupting running jobs", slog.Any("error", err))
		}
		cancelStop()
		cancelRun()

		// Flush pending sink deliveries, then disconnect live streams so
		// the HTTP server can drain.
		stopHub()
		<-hubDone
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			return err
		}
		return nil
	})

	appLogger.Info("API service is running", slog.String("address", addr))

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRabbitMQ initializes the RabbitMQ client used to mirror job events
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
