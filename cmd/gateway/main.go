// Package main implements the edge gateway entry point. The gateway speaks
// the birth/death telemetry protocol with the plant broker, normalizes the
// metric stream against a mapping table, folds it into per-machine OEE
// windows and fault state, and fans the results out to the configured sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/aliascache"
	"github.com/Titoyabril/oee-dashboard-sub000/backpressure"
	"github.com/Titoyabril/oee-dashboard-sub000/config"
	"github.com/Titoyabril/oee-dashboard-sub000/connector"
	"github.com/Titoyabril/oee-dashboard-sub000/connector/simulator"
	"github.com/Titoyabril/oee-dashboard-sub000/fault"
	"github.com/Titoyabril/oee-dashboard-sub000/health"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/normalize"
	"github.com/Titoyabril/oee-dashboard-sub000/oee"
	"github.com/Titoyabril/oee-dashboard-sub000/pipeline"
	"github.com/Titoyabril/oee-dashboard-sub000/queue"
	"github.com/Titoyabril/oee-dashboard-sub000/sequence"
	"github.com/Titoyabril/oee-dashboard-sub000/session"
	"github.com/Titoyabril/oee-dashboard-sub000/sink"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "edge-gateway"
)

// healthLogInterval is how often the periodic health summary is logged.
const healthLogInterval = time.Minute

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Gateway failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	// Load and validate configuration before logging is configured: the
	// config file is one of the places the log settings live.
	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(
		firstNonEmpty(cliCfg.LogLevel, cfg.Logging.Level),
		firstNonEmpty(cliCfg.LogFormat, cfg.Logging.Format),
	)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting edge gateway",
		"version", Version,
		"build_time", BuildTime,
		"group", cfg.Gateway.GroupID,
		"node", cfg.Gateway.NodeID,
		"config_path", cliCfg.ConfigPath)

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	// Run application with signal handling
	return runWithSignalHandling(context.Background(), gw, cliCfg.ShutdownTimeout)
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// runWithSignalHandling starts the gateway and handles shutdown signals.
// Components run on a background context, not the signal context: shutdown
// is the ordered stop sequence, so the session can still publish its clean
// death while the transport is up.
func runWithSignalHandling(ctx context.Context, gw *gateway, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := gw.start(ctx); err != nil {
		gw.stop(shutdownTimeout)
		return fmt.Errorf("start gateway: %w", err)
	}

	slog.Info("Edge gateway started",
		"sinks", gw.sinks.Len(),
		"sampling", gw.sampler != nil,
		"mappings", gw.table.Len())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	gw.stop(shutdownTimeout)
	slog.Info("Edge gateway shutdown complete")
	return nil
}

// gateway owns every component and the order they start and stop in.
type gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *metric.MetricsRegistry
	metricsrv *metric.Server
	table     *normalize.Table
	aliases   *aliascache.Cache
	seqs      *sequence.Tracker
	calc      *oee.Calculator
	faults    *fault.Tracker
	sinks     *sink.Fanout
	pipe      *pipeline.Pipeline
	queue     *queue.Queue
	sess      *session.Manager
	bp        *backpressure.Controller
	sampler   *connector.Sampler

	monitor  *health.Monitor
	shutdown chan struct{}
	loops    sync.WaitGroup
}

// buildGateway constructs every component unstarted, wired in dependency
// order: metrics and the mapping table first, then the processing stages,
// then the broker session that feeds them.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	g := &gateway{
		cfg:      cfg,
		logger:   logger,
		monitor:  health.NewMonitor(),
		shutdown: make(chan struct{}),
	}

	g.registry = metric.NewMetricsRegistry()
	metrics := g.registry.CoreMetrics()
	if cfg.Metrics.Enabled {
		g.metricsrv = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, g.registry)
	}

	table, err := normalize.LoadTable(cfg.Normalizer.MappingPath)
	if err != nil {
		return nil, fmt.Errorf("load mapping table: %w", err)
	}
	g.table = table

	norm, err := normalize.New(table, normalize.Deps{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("create normalizer: %w", err)
	}

	g.aliases, err = aliascache.New(context.Background(), aliascache.Config{}, aliascache.Deps{
		Logger:          logger,
		MetricsRegistry: g.registry,
	})
	if err != nil {
		return nil, fmt.Errorf("create alias cache: %w", err)
	}
	g.seqs = sequence.NewTracker()

	g.calc, err = oee.New(oee.Config{
		WindowSize:  cfg.OEE.WindowSize.Std(),
		HistorySize: cfg.OEE.HistorySize,
	}, oee.Deps{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("create oee calculator: %w", err)
	}

	g.faults, err = fault.New(fault.Config{
		MergeWindow:   cfg.Fault.MergeWindow.Std(),
		DedupWindow:   cfg.Fault.DedupWindow.Std(),
		Retention:     cfg.Fault.Retention.Std(),
		SweepInterval: cfg.Fault.SweepInterval.Std(),
		Descriptions:  cfg.Fault.Descriptions,
	}, fault.Deps{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("create fault tracker: %w", err)
	}

	sinks, err := buildSinks(cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(sinks) == 0 {
		logger.Warn("no sinks enabled, processed records will be discarded")
	}
	g.sinks = sink.NewFanout(sinks, logger, metrics)

	g.pipe, err = pipeline.New(pipeline.Config{}, pipeline.Deps{
		Aliases:    g.aliases,
		Sequences:  g.seqs,
		Normalizer: norm,
		OEE:        g.calc,
		Faults:     g.faults,
		Sinks:      g.sinks,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	g.queue, err = queue.New(queue.Config{
		Capacity:     cfg.Queue.Capacity,
		Dir:          cfg.Queue.Dir,
		CompactEvery: cfg.Queue.CompactEvery,
	}, queue.Deps{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}

	transport, err := session.NewMQTT(session.MQTTConfig{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		KeepAlive:      cfg.MQTT.KeepAlive.Std(),
		ConnectTimeout: cfg.MQTT.ConnectTimeout.Std(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create broker transport: %w", err)
	}

	birthMetrics, devices := birthSuppliers(cfg.Sampling)
	g.sess, err = session.New(session.Config{
		GroupID:         cfg.Gateway.GroupID,
		NodeID:          cfg.Gateway.NodeID,
		QoS:             byte(cfg.Gateway.QoS),
		SubscribeTopics: cfg.Gateway.SubscribeTopics,
		PublishTimeout:  cfg.Gateway.PublishTimeout.Std(),
		DeathTimeout:    cfg.Gateway.DeathTimeout.Std(),
		Reconnect:       cfg.Gateway.Reconnect.Retry(),
	}, session.Deps{
		Transport:    transport,
		Queue:        g.queue,
		Logger:       logger,
		Metrics:      metrics,
		OnFrame:      g.pipe.Submit,
		BirthMetrics: birthMetrics,
		Devices:      devices,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	// The callbacks read g.sampler through the closure because the sampler
	// is built after the controller; both fire long after buildGateway.
	g.bp, err = backpressure.New(backpressure.Config{
		EngageThreshold: cfg.Backpressure.EngageThreshold,
		ClearThreshold:  cfg.Backpressure.ClearThreshold,
		MinDwell:        cfg.Backpressure.MinDwell.Std(),
		Interval:        cfg.Backpressure.Interval.Std(),
	}, backpressure.Deps{
		Logger:  logger,
		Metrics: metrics,
		Depth:   g.queue.Depth,
		OnEngage: func() {
			if g.sampler != nil {
				g.sampler.OnBackpressure(true)
			}
		},
		OnClear: func() {
			if g.sampler != nil {
				g.sampler.OnBackpressure(false)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create backpressure controller: %w", err)
	}

	if cfg.Sampling.Enabled {
		g.sampler, err = buildSampler(cfg, g.sess, logger, metrics)
		if err != nil {
			return nil, err
		}
	}

	return g, nil
}

// buildSinks creates one sink per enabled config section, in fan-out order.
func buildSinks(cfg *config.Config, logger *slog.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink

	if cfg.Sinks.NATS.Enabled {
		s, err := sink.NewNATS(sink.NATSConfig{
			URL:            cfg.Sinks.NATS.URL,
			SubjectPrefix:  cfg.Sinks.NATS.SubjectPrefix,
			ClientName:     cfg.Sinks.NATS.ClientName,
			Username:       cfg.Sinks.NATS.Username,
			Password:       cfg.Sinks.NATS.Password,
			Token:          cfg.Sinks.NATS.Token,
			ConnectTimeout: cfg.Sinks.NATS.ConnectTimeout.Std(),
			MaxReconnects:  cfg.Sinks.NATS.MaxReconnects,
			ReconnectWait:  cfg.Sinks.NATS.ReconnectWait.Std(),
			PingInterval:   cfg.Sinks.NATS.PingInterval.Std(),
			FlushTimeout:   cfg.Sinks.NATS.FlushTimeout.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create nats sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if cfg.Sinks.Kafka.Enabled {
		s, err := sink.NewKafka(sink.KafkaConfig{
			Brokers:        cfg.Sinks.Kafka.Brokers,
			TelemetryTopic: cfg.Sinks.Kafka.TelemetryTopic,
			EventsTopic:    cfg.Sinks.Kafka.EventsTopic,
			BatchTimeout:   cfg.Sinks.Kafka.BatchTimeout.Std(),
			WriteTimeout:   cfg.Sinks.Kafka.WriteTimeout.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create kafka sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if cfg.Sinks.File.Enabled {
		s, err := sink.NewFile(sink.FileConfig{
			Dir:           cfg.Sinks.File.Dir,
			FlushInterval: cfg.Sinks.File.FlushInterval.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create file sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	return sinks, nil
}

// buildSampler wires the protocol driver behind the sampler. Drivers come
// from the registry so new protocols plug in beside the simulator.
func buildSampler(cfg *config.Config, pub connector.Publisher, logger *slog.Logger, metrics *metric.Metrics) (*connector.Sampler, error) {
	registry := connector.NewRegistry()
	if err := simulator.Register(registry); err != nil {
		return nil, fmt.Errorf("register connector drivers: %w", err)
	}

	conn, err := registry.New(cfg.Sampling.Protocol, cfg.Sampling.Connector, connector.Deps{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create %s connector: %w", cfg.Sampling.Protocol, err)
	}

	sampler, err := connector.NewSampler(connector.SamplerConfig{
		Device:         cfg.Sampling.Device,
		Addresses:      cfg.Sampling.Addresses,
		NormalInterval: cfg.Sampling.NormalInterval.Std(),
		SlowInterval:   cfg.Sampling.SlowInterval.Std(),
		Reconnect:      cfg.Sampling.Reconnect.Retry(),
	}, connector.SamplerDeps{
		Connector: conn,
		Publisher: pub,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create sampler: %w", err)
	}
	return sampler, nil
}

// birthSuppliers derives the birth certificate contents from the sampling
// section: every polled address is declared by name so receivers can build
// their alias tables before the first data frame. Device-scoped sampling
// declares through a DBIRTH, node-scoped through the NBIRTH.
func birthSuppliers(sampling config.SamplingConfig) (func() []spb.Metric, func() map[string][]spb.Metric) {
	if !sampling.Enabled || len(sampling.Addresses) == 0 {
		return nil, nil
	}

	addresses := sampling.Addresses
	decl := func() []spb.Metric {
		now := time.Now().UnixMilli()
		metrics := make([]spb.Metric, 0, len(addresses))
		for _, addr := range addresses {
			metrics = append(metrics, spb.Metric{Name: addr, Timestamp: now})
		}
		return metrics
	}

	if sampling.Device != "" {
		device := sampling.Device
		return nil, func() map[string][]spb.Metric {
			return map[string][]spb.Metric{device: decl()}
		}
	}
	return decl, nil
}

// start brings the gateway up in dependency order: observability first, then
// the processing stages, then the broker session that feeds them, and the
// sampler last so nothing publishes into a half-built pipeline.
func (g *gateway) start(ctx context.Context) error {
	if g.metricsrv != nil {
		if err := g.metricsrv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		g.logger.Info("metrics server listening",
			"addr", g.metricsrv.Address(), "path", g.cfg.Metrics.Path)
	}

	if err := g.faults.Start(ctx); err != nil {
		return fmt.Errorf("start fault tracker: %w", err)
	}
	if err := g.pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := g.sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := g.bp.Start(ctx); err != nil {
		return fmt.Errorf("start backpressure controller: %w", err)
	}
	if g.sampler != nil {
		if err := g.sampler.Start(ctx); err != nil {
			return fmt.Errorf("start sampler: %w", err)
		}
	}

	g.loops.Add(2)
	go g.watchReload()
	go g.healthLoop()
	return nil
}

// stop tears the gateway down in reverse order under one shared deadline:
// intake first, then the session so the clean death goes out over a live
// transport, then the processing stages, storage, and observability.
func (g *gateway) stop(timeout time.Duration) {
	close(g.shutdown)

	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		if d := time.Until(deadline); d > time.Second {
			return d
		}
		return time.Second
	}

	if g.sampler != nil {
		if err := g.sampler.Stop(remaining()); err != nil {
			g.logger.Warn("sampler stop", "error", err)
		}
	}
	if err := g.bp.Stop(remaining()); err != nil {
		g.logger.Warn("backpressure stop", "error", err)
	}
	if err := g.sess.Stop(remaining()); err != nil {
		g.logger.Warn("session stop", "error", err)
	}
	if err := g.pipe.Stop(remaining()); err != nil {
		g.logger.Warn("pipeline stop", "error", err)
	}
	if err := g.faults.Stop(remaining()); err != nil {
		g.logger.Warn("fault tracker stop", "error", err)
	}
	if err := g.aliases.Close(); err != nil {
		g.logger.Warn("alias cache close", "error", err)
	}
	if err := g.sinks.Close(); err != nil {
		g.logger.Warn("sink close", "error", err)
	}
	if err := g.queue.Close(); err != nil {
		g.logger.Warn("queue close", "error", err)
	}
	if g.metricsrv != nil {
		if err := g.metricsrv.Stop(remaining()); err != nil {
			g.logger.Warn("metrics server stop", "error", err)
		}
	}

	g.loops.Wait()
}

// watchReload swaps the mapping table on SIGHUP. A reload that fails leaves
// the previous table in effect.
func (g *gateway) watchReload() {
	defer g.loops.Done()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-g.shutdown:
			return
		case <-hup:
			if err := g.table.Reload(); err != nil {
				g.logger.Error("mapping table reload failed", "error", err)
				continue
			}
			g.logger.Info("mapping table reloaded", "mappings", g.table.Len())
		}
	}
}

// healthLoop logs the aggregated component health on a fixed interval.
func (g *gateway) healthLoop() {
	defer g.loops.Done()

	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdown:
			return
		case <-ticker.C:
			g.logHealth()
		}
	}
}

func (g *gateway) logHealth() {
	sess := g.sess.Health()
	pipe := g.pipe.Health()
	que := g.queue.Health()

	g.monitor.Update("session", sess)
	g.monitor.Update("pipeline", pipe)
	g.monitor.Update("queue", que)
	overall := g.monitor.AggregateHealth(appName)

	level := slog.LevelInfo
	if !overall.Healthy {
		level = slog.LevelWarn
	}
	g.logger.Log(context.Background(), level, "health summary",
		"status", overall.Status,
		"session", sess.Status,
		"pipeline", pipe.Status,
		"queue", que.Status,
		"queue_depth", g.queue.Depth(),
		"backpressure", g.bp.Engaged(),
		"faults_tracked", g.faults.Size(),
		"alias_identities", g.aliases.Identities())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
