package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// MQTTConfig configures the production broker transport.
type MQTTConfig struct {
	// BrokerURL is the broker address, e.g. "tcp://broker:1883" or
	// "ssl://broker:8883".
	BrokerURL string
	// ClientID identifies this gateway to the broker. Brokers disconnect
	// the older of two clients sharing an ID, so it must be unique.
	ClientID string
	Username string
	Password string
	// KeepAlive is the broker ping interval.
	KeepAlive time.Duration
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Validate reports a configuration the transport cannot run with.
func (c MQTTConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"session", "Validate", "broker URL required")
	}
	if c.ClientID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"session", "Validate", "client ID required")
	}
	return nil
}

// MQTTTransport is the paho-backed Transport. The session manager owns
// reconnection, so the underlying client runs with auto-reconnect disabled
// and a clean session per connect; every connect builds a fresh client so a
// stale will or handler can never leak across sessions.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTT builds the production transport.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTTransport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTTransport{
		cfg:    cfg,
		logger: logger.With("component", "session.mqtt"),
	}, nil
}

// buildOptions translates the transport config and per-connection options
// into a paho option set. Factored out so option wiring is testable without
// a broker.
func buildOptions(cfg MQTTConfig, opts ConnectOptions) *mqtt.ClientOptions {
	o := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(true)

	if cfg.Username != "" {
		o.SetUsername(cfg.Username)
		o.SetPassword(cfg.Password)
	}
	if opts.Will != nil {
		o.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retained)
	}
	if opts.OnConnectionLost != nil {
		lost := opts.OnConnectionLost
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			lost(err)
		})
	}
	return o
}

// Connect dials the broker with the will registered first. Any client left
// over from a previous session is torn down before the new dial.
func (t *MQTTTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	t.mu.Lock()
	old := t.client
	t.client = nil
	t.mu.Unlock()
	if old != nil && old.IsConnected() {
		old.Disconnect(0)
	}

	client := mqtt.NewClient(buildOptions(t.cfg, opts))
	token := client.Connect()

	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return errors.WrapTransient(ctx.Err(), "session", "Connect", "broker dial")
	case <-time.After(t.cfg.ConnectTimeout):
		client.Disconnect(0)
		return errors.WrapTransient(
			fmt.Errorf("%w: %s after %s", errors.ErrConnectTimeout, t.cfg.BrokerURL, t.cfg.ConnectTimeout),
			"session", "Connect", "broker dial")
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "session", "Connect", "broker dial")
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Debug("broker connection established", "broker", t.cfg.BrokerURL)
	return nil
}

// Publish sends one frame and waits for the broker handshake appropriate to
// the QoS level.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	client := t.current()
	if client == nil || !client.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected,
			"session", "Publish", "publish to "+topic)
	}

	token := client.Publish(topic, qos, retained, payload)
	select {
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "session", "Publish", "publish to "+topic)
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "session", "Publish", "publish to "+topic)
	}
	return nil
}

// Subscribe registers h for frames matching filter.
func (t *MQTTTransport) Subscribe(ctx context.Context, filter string, qos byte, h Handler) error {
	client := t.current()
	if client == nil || !client.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected,
			"session", "Subscribe", "subscribe "+filter)
	}

	token := client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	select {
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "session", "Subscribe", "subscribe "+filter)
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "session", "Subscribe", "subscribe "+filter)
	}
	return nil
}

// Disconnect closes the connection, waiting up to timeout for in-flight
// work to quiesce.
func (t *MQTTTransport) Disconnect(timeout time.Duration) error {
	client := t.current()
	if client == nil {
		return nil
	}
	if client.IsConnected() {
		client.Disconnect(uint(timeout.Milliseconds()))
	}
	return nil
}

// IsConnected reports whether the transport holds a live connection.
func (t *MQTTTransport) IsConnected() bool {
	client := t.current()
	return client != nil && client.IsConnected()
}

func (t *MQTTTransport) current() mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}
