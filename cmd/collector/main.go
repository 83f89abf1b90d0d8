// Package main is the entry point for the PLC acquisition collector.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/config"
	"github.com/nexus-edge/plc-acquisition/internal/adapter/melsec"
	"github.com/nexus-edge/plc-acquisition/internal/adapter/mqtt"
	"github.com/nexus-edge/plc-acquisition/internal/adapter/storage"
	"github.com/nexus-edge/plc-acquisition/internal/api"
	"github.com/nexus-edge/plc-acquisition/internal/health"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/nexus-edge/plc-acquisition/internal/pipeline"
	"github.com/nexus-edge/plc-acquisition/internal/service"
	"github.com/nexus-edge/plc-acquisition/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName    = "plc-collector"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: search ., ./config, /etc/plc-acquisition)")
	flag.Parse()

	// Bootstrap logger until the configuration is read
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("Starting PLC collector")

	// Load configuration
	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Configuration loaded")

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Devices and polling groups
	source := config.FileSource{Path: cfg.DevicesConfigPath}
	snapshot, err := source.Load(ctx)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DevicesConfigPath).Msg("Failed to load devices configuration")
	}
	logger.Info().
		Int("devices", len(snapshot.Devices)).
		Int("groups", len(snapshot.Groups)).
		Msg("Loaded devices configuration")

	// =============================================================
	// Storage
	// =============================================================

	sink, err := storage.Open(ctx, storage.Config{
		Dialect:         storage.Dialect(cfg.Storage.Dialect),
		DSN:             cfg.Storage.DSN,
		Table:           cfg.Storage.Table,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		QueryTimeout:    cfg.Storage.QueryTimeout,
		AutoMigrate:     cfg.Storage.AutoMigrate,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer sink.Close()

	backups, err := storage.NewBackupWriter(cfg.Backup.Dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare backup directory")
	}

	// =============================================================
	// Connection pools
	// =============================================================

	registry, err := melsec.NewRegistry(ctx, nil, melsec.PoolConfig{
		Size:                 cfg.Pool.Size,
		HealthCheckPeriod:    cfg.Pool.HealthCheckPeriod,
		HealthGrace:          cfg.Pool.HealthGrace,
		ReconnectBaseDelay:   cfg.Pool.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Pool.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.Pool.ReconnectMaxAttempts,
		MaxGap:               cfg.Pool.MaxGap,
	}, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create connection pool registry")
	}

	// =============================================================
	// Pipeline
	// =============================================================

	queue := pipeline.NewQueue(cfg.Queue.Capacity, cfg.Queue.PushTimeout)
	buffer := pipeline.NewBuffer(cfg.Buffer.Capacity, cfg.Writer.BatchThreshold)
	metricsRegistry.AttachPipeline(queue, buffer)

	writer := pipeline.NewWriter(pipeline.WriterConfig{
		WriteInterval:  cfg.Writer.WriteInterval,
		BatchThreshold: cfg.Writer.BatchThreshold,
		MaxBatchSize:   cfg.Writer.MaxBatchSize,
		Retry: pipeline.RetryPolicy{
			MaxRetries:  cfg.Writer.MaxRetries,
			InitialWait: cfg.Writer.RetryBaseDelay,
			MaxWait:     cfg.Writer.RetryMaxDelay,
		},
	}, buffer, sink, backups, logger, metricsRegistry)

	// Optional live publisher
	var (
		publisher *mqtt.Publisher
		live      pipeline.LiveSink
	)
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			Enabled:        true,
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			RetainMessages: cfg.MQTT.Retain,
		}, logger, metricsRegistry)
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker unreachable, live publishing disabled")
			publisher = nil
		} else {
			live = publisher
		}
	}

	drainer := pipeline.NewDrainer(queue, buffer, live, logger)

	// =============================================================
	// Polling engine
	// =============================================================

	engine := service.NewEngine(registry, queue, service.UnitOptions{
		AcquireTimeout: cfg.Polling.AcquireTimeout,
		StopTimeout:    cfg.Polling.StopTimeout,
	}, logger, metricsRegistry)
	if _, err := engine.Reload(ctx, snapshot); err != nil {
		logger.Fatal().Err(err).Msg("Failed to apply devices configuration")
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	writeCtx, stopWriter := context.WithCancel(ctx)
	var drainDone, writerDone sync.WaitGroup
	drainDone.Add(1)
	writerDone.Add(1)
	go func() { defer drainDone.Done(); drainer.Run(drainCtx) }()
	go func() { defer writerDone.Done(); writer.Run(writeCtx) }()

	for _, r := range engine.Start(ctx) {
		if !r.OK {
			logger.Warn().Str("group", r.GroupID).Str("error", r.Error).Msg("Polling group did not start")
		}
	}

	// Remote control over MQTT
	var cmdHandler *service.CommandHandler
	if cfg.MQTT.Commands.Enabled && publisher != nil {
		cmdHandler = service.NewCommandHandler(publisher.Client(), engine, service.CommandConfig{
			CommandTopicPrefix:    cfg.MQTT.Commands.TopicPrefix,
			ResponseTopicPrefix:   cfg.MQTT.Commands.ResponsePrefix,
			StopTimeout:           cfg.Polling.StopTimeout,
			QoS:                   cfg.MQTT.Commands.QoS,
			EnableAcknowledgement: true,
			CommandQueueSize:      cfg.MQTT.Commands.QueueSize,
		}, logger)
		if err := cmdHandler.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start command handler (remote control disabled)")
			cmdHandler = nil
		}
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("storage", sink)
	healthChecker.AddDegradableCheck("devices", registry)
	if publisher != nil {
		healthChecker.AddDegradableCheck("mqtt", publisher)
	}

	apiHandler := api.NewAPIHandler(engine, registry, metricsRegistry, source, cfg.Polling.StopTimeout, logger)
	if publisher != nil {
		apiHandler.SetTopicTracker(publisher)
	}
	if cmdHandler != nil {
		apiHandler.SetSubscriptionProvider(cmdHandler)
	}
	router := api.NewRouter(apiHandler, api.NewMiddleware(cfg.HTTP.MaxRequestBodySize, logger), healthChecker, promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", len(snapshot.Devices)).
		Int("groups", len(snapshot.Groups)).
		Int("http_port", cfg.HTTP.Port).
		Str("storage", cfg.Storage.Dialect).
		Bool("mqtt", publisher != nil).
		Msg("PLC collector started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	if cmdHandler != nil {
		if err := cmdHandler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping command handler")
		}
	}

	// Stop polling so nothing new enters the queue
	if err := engine.Stop(cfg.Polling.StopTimeout); err != nil {
		logger.Error().Err(err).Msg("Error stopping polling engine")
	}
	// Late pushes from units that missed the stop timeout are refused
	queue.Close()

	// Drain the queue into the buffer, then flush the buffer to storage
	stopDrain()
	drainDone.Wait()
	stopWriter()
	writerDone.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	writer.Flush(flushCtx)
	flushCancel()

	if publisher != nil {
		publisher.Disconnect()
	}

	poolCtx, poolCancel := context.WithTimeout(context.Background(), cfg.Polling.StopTimeout)
	if err := registry.ShutdownAll(poolCtx); err != nil {
		logger.Error().Err(err).Msg("Error closing connection pools")
	}
	poolCancel()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	httpCancel()

	stats := writer.Stats()
	logger.Info().
		Uint64("records", stats.Records).
		Uint64("backup_records", stats.BackupRecords).
		Uint64("lost_records", stats.LostRecords).
		Msg("PLC collector shutdown complete")
}
