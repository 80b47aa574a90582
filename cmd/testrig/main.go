// Package main is the entry point for the test rig instrumentation service.
// It wires the shared Modbus line, the bench instruments, telemetry
// collection and the HTTP API, and manages the application lifecycle.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/config"
	"github.com/opprud/TestRigInstrumentation/internal/adapter/modbus"
	"github.com/opprud/TestRigInstrumentation/internal/adapter/mqtt"
	"github.com/opprud/TestRigInstrumentation/internal/adapter/rp2040"
	"github.com/opprud/TestRigInstrumentation/internal/adapter/scope"
	"github.com/opprud/TestRigInstrumentation/internal/api"
	"github.com/opprud/TestRigInstrumentation/internal/device"
	"github.com/opprud/TestRigInstrumentation/internal/discovery"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/health"
	"github.com/opprud/TestRigInstrumentation/internal/metrics"
	"github.com/opprud/TestRigInstrumentation/internal/service"
	"github.com/opprud/TestRigInstrumentation/internal/storage"
	"github.com/opprud/TestRigInstrumentation/internal/telemetry"
	"github.com/opprud/TestRigInstrumentation/pkg/logging"
)

const (
	serviceName    = "testrig"
	serviceVersion = "1.0.0"
)

func main() {
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("Starting test rig instrumentation")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Shared Modbus line and the devices hanging off it
	// =============================================================

	lineConfig := modbus.LineConfig{
		Port:           cfg.Modbus.Port,
		BaudRate:       cfg.Modbus.BaudRate,
		Parity:         cfg.Modbus.Parity,
		DataBits:       cfg.Modbus.DataBits,
		StopBits:       cfg.Modbus.StopBits,
		Timeout:        cfg.Modbus.Timeout,
		MaxRetries:     cfg.Modbus.MaxRetries,
		RetryDelay:     cfg.Modbus.RetryDelay,
		ConnectTimeout: cfg.Modbus.ConnectTimeout,
		HealthInterval: cfg.Modbus.HealthInterval,
		Debug:          cfg.Modbus.Debug,
	}

	lineRegistry := modbus.NewRegistry(modbus.NewRTUTransport, logger, metricsRegistry)
	defer lineRegistry.Reset()

	lineClient := lineRegistry.Resolve(lineConfig)

	e5cc, err := device.NewE5CC(lineRegistry, device.E5CCConfig{
		Line:      lineConfig,
		UnitID:    cfg.Temperature.UnitID,
		PVAddress: cfg.Temperature.PVAddress,
		SVAddress: cfg.Temperature.SVAddress,
		Scale:     cfg.Temperature.Scale,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure temperature controller")
	}

	rs510, err := device.NewRS510(lineRegistry, device.RS510Config{
		Line:    lineConfig,
		SlaveID: cfg.VFD.SlaveID,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure VFD")
	}
	logger.Info().Str("port", cfg.Modbus.Port).Msg("Modbus line configured")

	// =============================================================
	// USB discovery and the RP2040 bridge board
	// =============================================================

	scanner := discovery.NewScanner(nil, logger)

	bridgePort := cfg.RP2040.Port
	if bridgePort == "" {
		if port, err := scanner.FirstRP2040(); err == nil {
			bridgePort = port
			logger.Info().Str("port", port).Msg("RP2040 bridge discovered")
		} else {
			logger.Warn().Err(err).Msg("No RP2040 bridge found; load and speed readings disabled")
		}
	}

	var bridge *rp2040.Client
	if bridgePort != "" {
		bridge = rp2040.NewClient(rp2040.Config{
			Port:     bridgePort,
			BaudRate: cfg.RP2040.BaudRate,
			Timeout:  cfg.RP2040.Timeout,
		}, nil, logger)
		defer bridge.Close()

		if err := bridge.Ping(); err != nil {
			logger.Warn().Err(err).Str("port", bridgePort).Msg("Bridge not answering")
		}

		// Sync the board clock so its timestamps line up with ours.
		if err := bridge.SetTime(time.Now()); err != nil {
			logger.Warn().Err(err).Msg("Failed to sync bridge clock")
		}
	}

	// =============================================================
	// Sweep store, MQTT and the oscilloscope
	// =============================================================

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		WALMode:     cfg.Storage.WALMode,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open sweep store")
	}
	defer store.Close()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			BufferSize:     cfg.MQTT.BufferSize,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
		}, logger)
		if err := publisher.Connect(ctx); err != nil {
			logger.Error().Err(err).Msg("MQTT connect failed; samples will buffer until the broker appears")
		}
		defer publisher.Disconnect()
	}

	var scopeClient *scope.Client
	if cfg.Scope.Host != "" {
		scopeClient = scope.NewClient(scope.Config{
			Host:        cfg.Scope.Host,
			Port:        cfg.Scope.Port,
			DialTimeout: cfg.Scope.DialTimeout,
			Timeout:     cfg.Scope.Timeout,
		}, nil, logger, metricsRegistry)
		defer scopeClient.Close()
	} else {
		logger.Warn().Msg("No scope host configured; acquisition disabled")
	}

	// =============================================================
	// Telemetry collection and the acquisition service
	// =============================================================

	var loadSource telemetry.LoadSpeedSource
	if bridge != nil {
		loadSource = bridge
	}

	collector := telemetry.NewCollector(telemetry.Config{
		Interval: cfg.Telemetry.Interval,
	}, loadSource, e5cc, rs510, logger, metricsRegistry)

	if publisher != nil {
		pub := publisher
		collector.AddSink(telemetry.SinkFunc(func(sample domain.TelemetrySample) {
			pubCtx, pubCancel := context.WithTimeout(ctx, 5*time.Second)
			defer pubCancel()
			if err := pub.PublishSample(pubCtx, sample); err != nil {
				logger.Debug().Err(err).Msg("Telemetry publish failed")
			}
		}))
	}

	collector.Start()
	defer collector.Stop()
	logger.Info().Dur("interval", cfg.Telemetry.Interval).Msg("Telemetry collector started")

	var acquisition *service.Acquisition
	if scopeClient != nil {
		var sweepPublisher service.SweepPublisher
		if publisher != nil {
			sweepPublisher = publisher
		}
		acquisition = service.NewAcquisition(scopeClient, store, collector, sweepPublisher,
			logger, metricsRegistry)
	}

	// =============================================================
	// Health checks and the HTTP API
	// =============================================================

	healthAgg := health.NewAggregator(serviceName, serviceVersion, 5*time.Second)
	healthAgg.Add("storage", store)
	if publisher != nil {
		healthAgg.Add("mqtt", publisher)
	}
	healthAgg.Add("modbus", health.CheckerFunc(func(context.Context) error {
		for _, st := range lineRegistry.HealthStatuses() {
			if st.ConsecutiveFailures >= st.MaxRetries {
				return domain.ErrMaxRetriesExceeded
			}
		}
		return nil
	}))

	deps := api.Deps{
		Config:      cfg.API,
		HTTP:        cfg.HTTP,
		Logger:      logger,
		Health:      healthAgg,
		Metrics:     promhttp.HandlerFor(metricsRegistry.Prometheus(), promhttp.HandlerOpts{}),
		Temperature: e5cc,
		Drive:       rs510,
		Bus:         lineClient,
		Lines:       lineRegistry,
		Telemetry:   collector,
		Sessions:    store,
		Scanner:     scanner,
	}
	deps.AcquisitionDefaults = service.RunParams{
		Channels:      acquisitionChannels(cfg.Acquisition.Channels),
		Format:        cfg.Acquisition.Format,
		Points:        cfg.Acquisition.Points,
		SweepCount:    cfg.Acquisition.SweepCount,
		SweepInterval: cfg.Acquisition.SweepInterval,
		TriggerSweep:  cfg.Acquisition.TriggerSweep,
	}
	if bridge != nil {
		deps.Bridge = bridge
	}
	if acquisition != nil {
		deps.Acquisition = acquisition
	}

	server := api.New(deps)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start API server")
	}
	defer server.Close()

	logger.Info().
		Int("http_port", cfg.HTTP.Port).
		Str("modbus_port", cfg.Modbus.Port).
		Bool("bridge", bridge != nil).
		Bool("scope", scopeClient != nil).
		Bool("mqtt", publisher != nil).
		Msg("Test rig instrumentation started")

	// =============================================================
	// Shutdown handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	if acquisition != nil {
		acquisition.Stop()
	}

	// Leave the bench safe: motor stopped regardless of what the API
	// clients were doing.
	if err := rs510.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop motor during shutdown")
	}

	logger.Info().Msg("Test rig instrumentation shutdown complete")
}

// acquisitionChannels maps configured channels to run parameters.
func acquisitionChannels(channels []config.AcquisitionChannel) []service.ChannelConfig {
	out := make([]service.ChannelConfig, 0, len(channels))
	for _, ch := range channels {
		out = append(out, service.ChannelConfig{Source: ch.Source, Alias: ch.Alias})
	}
	return out
}
