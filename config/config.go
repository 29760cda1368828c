// Package config loads the gateway's configuration: built-in defaults, one
// JSON file over them, then EDGEGW_* environment overrides on top. Duration
// fields accept Go duration strings ("30s", "5m"); bare numbers are
// nanoseconds, matching time.Duration's numeric form.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/pkg/retry"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

const (
	envPrefix = "EDGEGW"

	// maxConfigSize caps the config file read so a mispointed path cannot
	// exhaust memory.
	maxConfigSize = 10 << 20
)

// Duration wraps time.Duration with JSON support for duration strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON renders the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "30s" style strings or raw nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: duration %q", errors.ErrInvalidConfig, val)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("%w: duration %v", errors.ErrInvalidConfig, v)
	}
	return nil
}

// Config is the complete gateway configuration.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	MQTT         MQTTConfig         `json:"mqtt"`
	Queue        QueueConfig        `json:"queue"`
	Backpressure BackpressureConfig `json:"backpressure"`
	Sampling     SamplingConfig     `json:"sampling"`
	Normalizer   NormalizerConfig   `json:"normalizer"`
	OEE          OEEConfig          `json:"oee"`
	Fault        FaultConfig        `json:"fault"`
	Sinks        SinksConfig        `json:"sinks"`
	Metrics      MetricsConfig      `json:"metrics"`
	Logging      LoggingConfig      `json:"logging"`
}

// GatewayConfig is the protocol session identity and publish behavior.
type GatewayConfig struct {
	// GroupID and NodeID form the lifecycle identity and the middle
	// segments of every published topic.
	GroupID string `json:"group_id"`
	NodeID  string `json:"node_id"`
	// QoS for all gateway publishes, 0 to 2.
	QoS int `json:"qos,omitempty"`
	// SubscribeTopics are the broker filters feeding the pipeline. Empty
	// derives the gateway's own group filter plus the STATE namespace.
	SubscribeTopics []string        `json:"subscribe_topics,omitempty"`
	PublishTimeout  Duration        `json:"publish_timeout,omitempty"`
	DeathTimeout    Duration        `json:"death_timeout,omitempty"`
	Reconnect       ReconnectConfig `json:"reconnect,omitempty"`
}

// ReconnectConfig shapes a reconnect backoff ramp.
type ReconnectConfig struct {
	InitialDelay Duration `json:"initial_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty"`
}

// Retry converts the section into the retry package's config. Reconnect
// loops always jitter.
func (c ReconnectConfig) Retry() retry.Config {
	return retry.Config{
		InitialDelay: c.InitialDelay.Std(),
		MaxDelay:     c.MaxDelay.Std(),
		Multiplier:   c.Multiplier,
		AddJitter:    true,
	}
}

// MQTTConfig is the broker transport section.
type MQTTConfig struct {
	// BrokerURL is the broker address, e.g. "tcp://broker:1883".
	BrokerURL string `json:"broker_url"`
	// ClientID defaults to "<group>-<node>" when empty.
	ClientID       string   `json:"client_id,omitempty"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	KeepAlive      Duration `json:"keep_alive,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
}

// QueueConfig is the store-and-forward section.
type QueueConfig struct {
	Capacity int `json:"capacity,omitempty"`
	// Dir enables the JSONL journal; empty runs memory-only.
	Dir          string `json:"dir,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// BackpressureConfig is the queue-depth hysteresis section.
type BackpressureConfig struct {
	EngageThreshold int      `json:"engage_threshold,omitempty"`
	ClearThreshold  int      `json:"clear_threshold,omitempty"`
	MinDwell        Duration `json:"min_dwell,omitempty"`
	Interval        Duration `json:"interval,omitempty"`
}

// SamplingConfig is the equipment polling section. Connector carries the
// driver's own config block, parsed by its factory.
type SamplingConfig struct {
	Enabled  bool   `json:"enabled"`
	Protocol string `json:"protocol,omitempty"`
	// Connector is handed raw to the protocol driver's factory.
	Connector json.RawMessage `json:"connector,omitempty"`
	// Device publishes readings as device-level data; empty publishes
	// node-level.
	Device         string          `json:"device,omitempty"`
	Addresses      []string        `json:"addresses,omitempty"`
	NormalInterval Duration        `json:"normal_interval,omitempty"`
	SlowInterval   Duration        `json:"slow_interval,omitempty"`
	Reconnect      ReconnectConfig `json:"reconnect,omitempty"`
}

// NormalizerConfig points at the mapping table.
type NormalizerConfig struct {
	MappingPath string `json:"mapping_path"`
}

// OEEConfig is the calculator section.
type OEEConfig struct {
	WindowSize  Duration `json:"window_size,omitempty"`
	HistorySize int      `json:"history_size,omitempty"`
}

// FaultConfig is the fault tracker section.
type FaultConfig struct {
	MergeWindow   Duration          `json:"merge_window,omitempty"`
	DedupWindow   Duration          `json:"dedup_window,omitempty"`
	Retention     Duration          `json:"retention,omitempty"`
	SweepInterval Duration          `json:"sweep_interval,omitempty"`
	Descriptions  map[string]string `json:"descriptions,omitempty"`
}

// SinksConfig enables and configures the downstream deliveries.
type SinksConfig struct {
	NATS  NATSSinkConfig  `json:"nats,omitempty"`
	Kafka KafkaSinkConfig `json:"kafka,omitempty"`
	File  FileSinkConfig  `json:"file,omitempty"`
}

// NATSSinkConfig is the NATS delivery section.
type NATSSinkConfig struct {
	Enabled        bool     `json:"enabled"`
	URL            string   `json:"url,omitempty"`
	SubjectPrefix  string   `json:"subject_prefix,omitempty"`
	ClientName     string   `json:"client_name,omitempty"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	Token          string   `json:"token,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
	MaxReconnects  int      `json:"max_reconnects,omitempty"`
	ReconnectWait  Duration `json:"reconnect_wait,omitempty"`
	PingInterval   Duration `json:"ping_interval,omitempty"`
	FlushTimeout   Duration `json:"flush_timeout,omitempty"`
}

// KafkaSinkConfig is the Kafka delivery section.
type KafkaSinkConfig struct {
	Enabled        bool     `json:"enabled"`
	Brokers        []string `json:"brokers,omitempty"`
	TelemetryTopic string   `json:"telemetry_topic,omitempty"`
	EventsTopic    string   `json:"events_topic,omitempty"`
	BatchTimeout   Duration `json:"batch_timeout,omitempty"`
	WriteTimeout   Duration `json:"write_timeout,omitempty"`
}

// FileSinkConfig is the local JSONL delivery section.
type FileSinkConfig struct {
	Enabled       bool     `json:"enabled"`
	Dir           string   `json:"dir,omitempty"`
	FlushInterval Duration `json:"flush_interval,omitempty"`
}

// MetricsConfig is the Prometheus scrape endpoint section.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty"`
	// Format is json or text.
	Format string `json:"format,omitempty"`
}

// Default returns the built-in configuration. Component packages apply their
// own defaults on top, so only the fields an operator usually touches are
// set here.
func Default() Config {
	reconnect := ReconnectConfig{
		InitialDelay: Duration(time.Second),
		MaxDelay:     Duration(30 * time.Second),
		Multiplier:   2,
	}
	return Config{
		Gateway: GatewayConfig{
			QoS:            1,
			PublishTimeout: Duration(5 * time.Second),
			DeathTimeout:   Duration(2 * time.Second),
			Reconnect:      reconnect,
		},
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://localhost:1883",
			KeepAlive:      Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
		},
		Queue: QueueConfig{Capacity: 10000},
		Backpressure: BackpressureConfig{
			EngageThreshold: 8000,
			ClearThreshold:  2000,
			MinDwell:        Duration(5 * time.Second),
			Interval:        Duration(time.Second),
		},
		Sampling: SamplingConfig{
			NormalInterval: Duration(time.Second),
			SlowInterval:   Duration(5 * time.Second),
			Reconnect:      reconnect,
		},
		OEE:     OEEConfig{WindowSize: Duration(time.Hour)},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090", Path: "/metrics"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the configuration: defaults, then the JSON file when path is
// non-empty, then environment overrides, then derived fields. Validation is
// separate so callers can load for inspection.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.derive()
	return &cfg, nil
}

// readConfigFile reads the file with a size cap and a regular-file check.
func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "stat "+path)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: not a regular file: %s", errors.ErrInvalidConfig, path),
			"config", "Load", "open config")
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: config file %s exceeds %d bytes", errors.ErrInvalidConfig, path, maxConfigSize),
			"config", "Load", "open config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read "+path)
	}
	return data, nil
}

// applyEnvOverrides layers EDGEGW_* variables over the loaded file.
// Credentials are the usual reason these exist; identity and endpoints are
// covered so one image can run in several plants.
func applyEnvOverrides(cfg *Config) {
	set := func(key string, dst *string) {
		if v := os.Getenv(envPrefix + "_" + key); v != "" {
			*dst = v
		}
	}

	set("GROUP_ID", &cfg.Gateway.GroupID)
	set("NODE_ID", &cfg.Gateway.NodeID)
	set("MQTT_BROKER_URL", &cfg.MQTT.BrokerURL)
	set("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	set("MQTT_USERNAME", &cfg.MQTT.Username)
	set("MQTT_PASSWORD", &cfg.MQTT.Password)
	set("QUEUE_DIR", &cfg.Queue.Dir)
	set("MAPPING_PATH", &cfg.Normalizer.MappingPath)
	set("NATS_URL", &cfg.Sinks.NATS.URL)
	set("NATS_USERNAME", &cfg.Sinks.NATS.Username)
	set("NATS_PASSWORD", &cfg.Sinks.NATS.Password)
	set("NATS_TOKEN", &cfg.Sinks.NATS.Token)
	set("METRICS_ADDR", &cfg.Metrics.Addr)
	set("LOG_LEVEL", &cfg.Logging.Level)
	set("LOG_FORMAT", &cfg.Logging.Format)

	if v := os.Getenv(envPrefix + "_KAFKA_BROKERS"); v != "" {
		cfg.Sinks.Kafka.Brokers = strings.Split(v, ",")
	}
}

// derive fills identity-dependent defaults once the identity is final: the
// MQTT client ID and the subscribe filters covering the gateway's own group
// plus the host STATE namespace.
func (c *Config) derive() {
	if c.Gateway.GroupID == "" || c.Gateway.NodeID == "" {
		return
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Gateway.GroupID + "-" + c.Gateway.NodeID
	}
	if len(c.Gateway.SubscribeTopics) == 0 {
		c.Gateway.SubscribeTopics = []string{
			spb.Namespace + "/" + c.Gateway.GroupID + "/#",
			spb.Namespace + "/" + string(spb.KindState) + "/#",
		}
	}
}

// Validate reports the first problem that would stop the gateway from
// starting. Component packages re-validate their own sections; this catches
// what must hold before any component is built.
func (c *Config) Validate() error {
	if c.Gateway.GroupID == "" {
		return c.missing("gateway.group_id")
	}
	if c.Gateway.NodeID == "" {
		return c.missing("gateway.node_id")
	}
	if strings.ContainsRune(c.Gateway.GroupID, '/') || strings.ContainsRune(c.Gateway.NodeID, '/') {
		return c.invalid("gateway identity segments must not contain '/'")
	}
	if c.Gateway.QoS < 0 || c.Gateway.QoS > 2 {
		return c.invalid(fmt.Sprintf("gateway.qos %d out of range 0-2", c.Gateway.QoS))
	}
	if c.MQTT.BrokerURL == "" {
		return c.missing("mqtt.broker_url")
	}
	if c.Normalizer.MappingPath == "" {
		return c.missing("normalizer.mapping_path")
	}
	if c.Backpressure.EngageThreshold > 0 && c.Backpressure.ClearThreshold > 0 &&
		c.Backpressure.EngageThreshold <= c.Backpressure.ClearThreshold {
		return c.invalid("backpressure.engage_threshold must exceed clear_threshold")
	}

	if c.Sampling.Enabled {
		if c.Sampling.Protocol == "" {
			return c.missing("sampling.protocol")
		}
		if len(c.Sampling.Addresses) == 0 {
			return c.missing("sampling.addresses")
		}
	}

	if c.Sinks.NATS.Enabled {
		if c.Sinks.NATS.URL == "" {
			return c.missing("sinks.nats.url")
		}
		if c.Sinks.NATS.SubjectPrefix == "" {
			return c.missing("sinks.nats.subject_prefix")
		}
	}
	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return c.missing("sinks.kafka.brokers")
	}
	if c.Sinks.File.Enabled && c.Sinks.File.Dir == "" {
		return c.missing("sinks.file.dir")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return c.invalid("logging.level must be debug, info, warn, or error")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return c.invalid("logging.format must be json or text")
	}
	return nil
}

func (c *Config) missing(field string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s is required", errors.ErrMissingConfig, field),
		"config", "Validate", "required field check")
}

func (c *Config) invalid(detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, detail),
		"config", "Validate", "field check")
}
