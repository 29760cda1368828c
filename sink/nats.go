package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	// URL is the server address, e.g. "nats://localhost:4222".
	URL string
	// SubjectPrefix prefixes both stream subjects: "edge.plant-a" publishes
	// to "edge.plant-a.telemetry" and "edge.plant-a.events".
	SubjectPrefix string
	// ClientName appears in server monitoring output.
	ClientName string
	Username   string
	Password   string
	Token      string
	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration
	// MaxReconnects caps the client's reconnect attempts. Negative retries
	// forever.
	MaxReconnects int
	// ReconnectWait is the pause between reconnect attempts.
	ReconnectWait time.Duration
	// PingInterval is the keepalive ping period.
	PingInterval time.Duration
	// FlushTimeout bounds the final flush during Close.
	FlushTimeout time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// Validate checks the configuration for errors.
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return gwerrors.WrapInvalid(gwerrors.ErrMissingConfig, "NATSConfig", "Validate", "url is required")
	}
	if c.SubjectPrefix == "" {
		return gwerrors.WrapInvalid(gwerrors.ErrMissingConfig, "NATSConfig", "Validate", "subject_prefix is required")
	}
	return nil
}

// NATS publishes records to core NATS, one subject per stream.
type NATS struct {
	cfg     NATSConfig
	conn    *nats.Conn
	logger  *slog.Logger
	subject map[Stream]string
}

// NewNATS builds the sink and starts connecting. The connection is
// established lazily and the client reconnects on its own, so the sink
// comes up even while the server is down; writes fail fast until the
// link is ready.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-sink")

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg, logger)...)
	if err != nil {
		return nil, gwerrors.WrapTransient(err, "NATS", "NewNATS", "connect")
	}

	return &NATS{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		subject: map[Stream]string{
			StreamTelemetry: cfg.SubjectPrefix + ".telemetry",
			StreamEvents:    cfg.SubjectPrefix + ".events",
		},
	}, nil
}

func buildNATSOptions(cfg NATSConfig, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}

	return opts
}

// Name implements Sink.
func (n *NATS) Name() string { return "nats" }

// Subject reports the subject a stream publishes to.
func (n *NATS) Subject(stream Stream) string {
	return n.subject[stream]
}

// Write publishes the record to its stream subject. Core NATS publishes
// are buffered client-side, so the context is not consulted.
func (n *NATS) Write(_ context.Context, rec Record) error {
	subj, ok := n.subject[rec.Stream]
	if !ok {
		return gwerrors.WrapInvalid(fmt.Errorf("unknown stream %q", rec.Stream), "NATS", "Write", "resolve subject")
	}
	if !n.conn.IsConnected() {
		return gwerrors.WrapTransient(gwerrors.ErrNotConnected, "NATS", "Write", "check connection")
	}

	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subj, data); err != nil {
		return gwerrors.WrapTransient(err, "NATS", "Write", "publish to "+subj)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (n *NATS) Close() error {
	defer n.conn.Close()
	if n.conn.IsConnected() {
		if err := n.conn.FlushTimeout(n.cfg.FlushTimeout); err != nil {
			return gwerrors.WrapTransient(err, "NATS", "Close", "flush pending publishes")
		}
	}
	return nil
}
