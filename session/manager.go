package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/health"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/pkg/retry"
	"github.com/Titoyabril/oee-dashboard-sub000/queue"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// disconnectQuiesce bounds the transport-level disconnect when tearing down
// a session that is being replaced or stopped.
const disconnectQuiesce = 250 * time.Millisecond

// Config holds the session identity and publish behavior.
type Config struct {
	// GroupID and NodeID form the gateway's lifecycle identity and the
	// middle segments of every topic it publishes.
	GroupID string
	NodeID  string
	// QoS for all gateway publishes. Defaults to 1 (at least once), the
	// delivery guarantee the protocol requires.
	QoS byte
	// SubscribeTopics are the filters re-subscribed after every connect.
	SubscribeTopics []string
	// PublishTimeout bounds a single live publish before the frame is
	// diverted to the queue.
	PublishTimeout time.Duration
	// DeathTimeout bounds the final death publish during shutdown.
	DeathTimeout time.Duration
	// Reconnect shapes the backoff between connect attempts.
	Reconnect retry.Config
}

func (c Config) withDefaults() Config {
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.DeathTimeout <= 0 {
		c.DeathTimeout = 2 * time.Second
	}
	return c
}

// Validate reports a configuration the session cannot run with.
func (c Config) Validate() error {
	if c.GroupID == "" || c.NodeID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"session", "Validate", "group and node IDs required")
	}
	if strings.ContainsRune(c.GroupID, '/') || strings.ContainsRune(c.NodeID, '/') {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"session", "Validate", "identity segments must not contain '/'")
	}
	return nil
}

// Deps carries the manager's collaborators.
type Deps struct {
	// Transport is the broker client. Required.
	Transport Transport
	// Queue buffers outbound frames while disconnected. Required.
	Queue   *queue.Queue
	Logger  *slog.Logger
	Metrics *metric.Metrics
	// OnFrame receives every inbound frame from the subscribed filters.
	OnFrame Handler
	// BirthMetrics supplies the node's current metric set, published in
	// every NBIRTH with its alias assignments.
	BirthMetrics func() []spb.Metric
	// Devices supplies the metric set per known device ID, each published
	// in a DBIRTH after the node birth.
	Devices func() map[string][]spb.Metric
}

// Manager drives the connection state machine
// DISCONNECTED → CONNECTING → CONNECTED → {ERROR → CONNECTING}.
//
// On every connect it registers an NDEATH will, publishes the birth
// certificates with sequence 0 and a freshly assigned alias table, restores
// subscriptions, and replays the queued backlog in order. Publishes issued
// while the connection is down or being established land in the queue, so
// producers never block and never lose frames.
type Manager struct {
	cfg       Config
	transport Transport
	queue     *queue.Queue
	logger    *slog.Logger
	metrics   *metric.Metrics

	onFrame      Handler
	birthMetrics func() []spb.Metric
	devices      func() map[string][]spb.Metric

	// mu guards the per-session publish state: the outbound sequence
	// counter and the name→alias table rebuilt at every birth.
	mu      sync.Mutex
	seq     uint8
	aliases map[string]uint64

	state    atomic.Int32
	draining atomic.Bool
	stopping atomic.Bool
	connLost chan error

	published    atomic.Int64
	reconnects   atomic.Int64
	lastActivity atomic.Int64
	startedAt    atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	nowFn func() time.Time
}

// New builds a session manager. The reconnect loop is not started until
// Start.
func New(cfg Config, deps Deps) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"session", "New", "transport required")
	}
	if deps.Queue == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"session", "New", "queue required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:          cfg,
		transport:    deps.Transport,
		queue:        deps.Queue,
		logger:       logger.With("component", "session"),
		metrics:      deps.Metrics,
		onFrame:      deps.OnFrame,
		birthMetrics: deps.BirthMetrics,
		devices:      deps.Devices,
		connLost:     make(chan error, 1),
		nowFn:        time.Now,
	}, nil
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	if m.metrics != nil {
		m.metrics.SetSessionState(int(s))
	}
}

// Start launches the reconnect loop. It returns immediately; the first
// connection is established in the background.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.stopping.Store(false)
	m.startedAt.Store(m.nowFn().UnixNano())

	go m.run(runCtx)
	m.logger.Info("session manager started",
		"group", m.cfg.GroupID, "node", m.cfg.NodeID, "qos", m.cfg.QoS)
	return nil
}

// run is the connection state machine. It exits only when ctx is canceled.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(StateDisconnected)

	backoff := retry.NewBackoff(m.cfg.Reconnect)
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			m.reconnects.Add(1)
			if m.metrics != nil {
				m.metrics.RecordReconnect()
			}
		}
		first = false

		m.setState(StateConnecting)
		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setState(StateError)
			m.logger.Warn("broker connect failed", "error", err)
			if backoff.Sleep(ctx) != nil {
				return
			}
			continue
		}

		m.setState(StateConnected)
		if err := m.establish(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("session establishment failed", "error", err)
			_ = m.transport.Disconnect(disconnectQuiesce)
			m.setState(StateError)
			if backoff.Sleep(ctx) != nil {
				return
			}
			continue
		}

		backoff.Reset()
		m.logger.Info("session established",
			"group", m.cfg.GroupID, "node", m.cfg.NodeID)

		select {
		case <-ctx.Done():
			return
		case err := <-m.connLost:
			m.setState(StateError)
			m.logger.Warn("connection lost", "error", err)
		}
	}
}

// connect registers the death will and dials the broker.
func (m *Manager) connect(ctx context.Context) error {
	// A loss notification left over from the previous session must not
	// tear down the one being established.
	select {
	case <-m.connLost:
	default:
	}

	will, err := m.deathWill()
	if err != nil {
		return err
	}
	return m.transport.Connect(ctx, ConnectOptions{
		Will:             will,
		OnConnectionLost: m.notifyLost,
	})
}

func (m *Manager) deathWill() (*Will, error) {
	payload, err := spb.Encode(spb.KindNDeath, 0, m.nowFn(), nil)
	if err != nil {
		return nil, err
	}
	topic := spb.Topic{Group: m.cfg.GroupID, Kind: spb.KindNDeath, Node: m.cfg.NodeID}
	return &Will{Topic: topic.String(), Payload: payload, QoS: m.cfg.QoS}, nil
}

func (m *Manager) notifyLost(err error) {
	select {
	case m.connLost <- err:
	default:
	}
}

// establish brings a fresh connection into service: births first, then
// subscriptions, then the queued backlog in its original order. Live
// publishing stays diverted to the queue until all three finish so replay
// order is never interleaved with new frames.
func (m *Manager) establish(ctx context.Context) error {
	m.draining.Store(true)
	defer m.draining.Store(false)

	if err := m.publishBirths(ctx); err != nil {
		return err
	}
	if err := m.subscribeAll(ctx); err != nil {
		return err
	}
	return m.replayBacklog(ctx)
}

// publishBirths resets the session sequence to zero, assigns the alias
// table, and publishes the retained NBIRTH followed by one DBIRTH per known
// device. Birth metrics carry both name and alias, declaring the table data
// frames will reference.
func (m *Manager) publishBirths(ctx context.Context) error {
	nodeMetrics := m.collectNodeMetrics()
	deviceSets := m.collectDevices()

	m.mu.Lock()
	m.seq = 0
	m.rebuildAliasesLocked(nodeMetrics, deviceSets)
	nodeBirth := m.declaredLocked(nodeMetrics)
	m.mu.Unlock()

	now := m.nowFn()
	topic := spb.Topic{Group: m.cfg.GroupID, Kind: spb.KindNBirth, Node: m.cfg.NodeID}
	payload, err := spb.Encode(spb.KindNBirth, 0, now, nodeBirth)
	if err != nil {
		return err
	}
	if err := m.publishLive(ctx, spb.KindNBirth, topic.String(), payload, true); err != nil {
		return err
	}

	for _, device := range sortedDevices(deviceSets) {
		m.mu.Lock()
		birth := m.declaredLocked(deviceSets[device])
		m.mu.Unlock()

		dt := spb.Topic{Group: m.cfg.GroupID, Kind: spb.KindDBirth, Node: m.cfg.NodeID, Device: device}
		payload, err := spb.Encode(spb.KindDBirth, 0, now, birth)
		if err != nil {
			return err
		}
		if err := m.publishLive(ctx, spb.KindDBirth, dt.String(), payload, true); err != nil {
			return err
		}
	}

	m.logger.Info("birth certificates published",
		"node_metrics", len(nodeMetrics), "devices", len(deviceSets))
	return nil
}

func (m *Manager) subscribeAll(ctx context.Context) error {
	if m.onFrame == nil || len(m.cfg.SubscribeTopics) == 0 {
		return nil
	}
	for _, filter := range m.cfg.SubscribeTopics {
		if err := m.transport.Subscribe(ctx, filter, m.cfg.QoS, m.receive); err != nil {
			return err
		}
	}
	m.logger.Info("subscriptions restored", "filters", len(m.cfg.SubscribeTopics))
	return nil
}

func (m *Manager) receive(topic string, payload []byte) {
	m.lastActivity.Store(m.nowFn().UnixNano())
	if m.onFrame != nil {
		m.onFrame(topic, payload)
	}
}

// replayBacklog drains the queue through the live connection. Queued frames
// keep the sequence numbers they were encoded with; the receiving side
// counts one gap and rebaselines, which beats discarding the backlog.
//
// Publishers keep diverting to the queue until establish clears the
// draining flag, so a frame can land after DrainAndReplay returns. The
// loop re-checks the depth and drains again; without it such a frame would
// sit queued until the next reconnect.
func (m *Manager) replayBacklog(ctx context.Context) error {
	total := 0
	for m.queue.Depth() > 0 {
		replayed, err := m.queue.DrainAndReplay(ctx, func(msg queue.Message) error {
			pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
			defer cancel()
			return m.transport.Publish(pubCtx, msg.Topic, msg.QoS, false, msg.Payload)
		})
		total += replayed
		if err != nil {
			return err
		}
	}
	if total > 0 {
		m.logger.Info("backlog replayed", "messages", total)
	}
	return nil
}

// PublishNodeData publishes an NDATA frame for the gateway node. The frame
// is sequenced and alias-compressed, then sent live or queued depending on
// connection state; data loss is not a possible outcome.
func (m *Manager) PublishNodeData(ctx context.Context, metrics []spb.Metric) error {
	topic := spb.Topic{Group: m.cfg.GroupID, Kind: spb.KindNData, Node: m.cfg.NodeID}
	return m.publishData(ctx, spb.KindNData, topic, metrics)
}

// PublishDeviceData publishes a DDATA frame for one device under the node.
func (m *Manager) PublishDeviceData(ctx context.Context, device string, metrics []spb.Metric) error {
	if device == "" || strings.ContainsRune(device, '/') {
		return errors.WrapInvalid(
			fmt.Errorf("%w: device %q", errors.ErrInvalidTopic, device),
			"session", "PublishDeviceData", "device segment")
	}
	topic := spb.Topic{Group: m.cfg.GroupID, Kind: spb.KindDData, Node: m.cfg.NodeID, Device: device}
	return m.publishData(ctx, spb.KindDData, topic, metrics)
}

func (m *Manager) publishData(ctx context.Context, kind spb.Kind, topic spb.Topic, metrics []spb.Metric) error {
	if m.stopping.Load() {
		return errors.WrapTransient(errors.ErrShuttingDown,
			"session", "publishData", "publish "+kind.String())
	}

	m.mu.Lock()
	seq := m.nextSeqLocked()
	compressed := m.compressedLocked(metrics)
	m.mu.Unlock()

	payload, err := spb.Encode(kind, seq, m.nowFn(), compressed)
	if err != nil {
		return err
	}
	m.send(ctx, kind, topic.String(), payload)
	return nil
}

// send delivers one data frame, preferring the live connection. While
// disconnected or draining, and on any live failure, the frame diverts to
// the queue; a live failure additionally wakes the reconnect loop.
func (m *Manager) send(ctx context.Context, kind spb.Kind, topic string, payload []byte) {
	if m.State() == StateConnected && !m.draining.Load() {
		pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
		err := m.transport.Publish(pubCtx, topic, m.cfg.QoS, false, payload)
		cancel()
		if err == nil {
			m.recordPublished(kind)
			return
		}
		m.logger.Warn("live publish failed, queueing frame", "topic", topic, "error", err)
		m.notifyLost(err)
	}
	m.enqueue(topic, payload)
}

func (m *Manager) publishLive(ctx context.Context, kind spb.Kind, topic string, payload []byte, retained bool) error {
	pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()
	if err := m.transport.Publish(pubCtx, topic, m.cfg.QoS, retained, payload); err != nil {
		return err
	}
	m.recordPublished(kind)
	return nil
}

func (m *Manager) enqueue(topic string, payload []byte) {
	err := m.queue.Enqueue(queue.Message{Topic: topic, Payload: payload, QoS: m.cfg.QoS})
	if err != nil {
		m.logger.Error("enqueue failed, frame dropped", "topic", topic, "error", err)
	}
}

func (m *Manager) recordPublished(kind spb.Kind) {
	m.published.Add(1)
	m.lastActivity.Store(m.nowFn().UnixNano())
	if m.metrics != nil {
		m.metrics.RecordMessagePublished(kind.String())
	}
}

// nextSeqLocked advances the session sequence. Births publish with zero and
// reset the counter, so the first data frame of a session carries one; the
// counter wraps modulo 256 with the uint8.
func (m *Manager) nextSeqLocked() uint8 {
	m.seq++
	return m.seq
}

// rebuildAliasesLocked assigns 1-based aliases to every metric name the
// session publishes: node metrics first, then each device in stable order.
// The table lives for exactly one session; the next birth rebuilds it.
func (m *Manager) rebuildAliasesLocked(nodeMetrics []spb.Metric, deviceSets map[string][]spb.Metric) {
	m.aliases = make(map[string]uint64)
	next := uint64(1)
	assign := func(metrics []spb.Metric) {
		for _, mt := range metrics {
			if mt.Name == "" {
				continue
			}
			if _, ok := m.aliases[mt.Name]; ok {
				continue
			}
			m.aliases[mt.Name] = next
			next++
		}
	}
	assign(nodeMetrics)
	for _, device := range sortedDevices(deviceSets) {
		assign(deviceSets[device])
	}
}

// declaredLocked returns copies carrying both name and alias, the birth form
// that declares the alias table.
func (m *Manager) declaredLocked(metrics []spb.Metric) []spb.Metric {
	out := make([]spb.Metric, len(metrics))
	for i, mt := range metrics {
		out[i] = mt
		if alias, ok := m.aliases[mt.Name]; ok {
			out[i].Alias = alias
		}
	}
	return out
}

// compressedLocked returns copies in alias-only form. A name that was never
// declared at birth stays named so the frame remains decodable.
func (m *Manager) compressedLocked(metrics []spb.Metric) []spb.Metric {
	out := make([]spb.Metric, len(metrics))
	for i, mt := range metrics {
		out[i] = mt
		if alias, ok := m.aliases[mt.Name]; ok {
			out[i].Alias = alias
			out[i].Name = ""
		}
	}
	return out
}

func (m *Manager) collectNodeMetrics() []spb.Metric {
	if m.birthMetrics == nil {
		return nil
	}
	return m.birthMetrics()
}

func (m *Manager) collectDevices() map[string][]spb.Metric {
	if m.devices == nil {
		return nil
	}
	return m.devices()
}

// Stop shuts the session down: publishing is fenced off, a clean NDEATH is
// sent so subscribers do not wait for the broker will, then the reconnect
// loop is stopped and the transport released. Waits up to timeout for the
// loop to exit.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}

	m.stopping.Store(true)
	m.publishDeath()
	m.cancel()

	select {
	case <-m.done:
	case <-time.After(timeout):
		m.logger.Warn("session loop did not exit in time", "timeout", timeout)
	}

	_ = m.transport.Disconnect(disconnectQuiesce)
	m.setState(StateDisconnected)
	m.logger.Info("session manager stopped")
	return nil
}

func (m *Manager) publishDeath() {
	if m.State() != StateConnected {
		return
	}
	payload, err := spb.Encode(spb.KindNDeath, 0, m.nowFn(), nil)
	if err != nil {
		return
	}
	topic := spb.Topic{Group: m.cfg.GroupID, Kind: spb.KindNDeath, Node: m.cfg.NodeID}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeathTimeout)
	defer cancel()
	if err := m.transport.Publish(ctx, topic.String(), m.cfg.QoS, false, payload); err != nil {
		m.logger.Warn("death publish failed", "error", err)
		return
	}
	m.recordPublished(spb.KindNDeath)
}

// Health reports the session state with publish counters attached. A
// running session that is not connected reads degraded, not unhealthy,
// because the queue is still absorbing frames.
func (m *Manager) Health() health.Status {
	hm := &health.Metrics{
		MessagesProcessed: m.published.Load(),
		ErrorCount:        int(m.reconnects.Load()),
	}
	if started := m.startedAt.Load(); started != 0 {
		hm.Uptime = m.nowFn().Sub(time.Unix(0, started))
	}
	if last := m.lastActivity.Load(); last != 0 {
		hm.LastActivity = time.Unix(0, last)
	}

	state := m.State()
	switch {
	case state == StateConnected:
		return health.NewHealthy("session", "connected").WithMetrics(hm)
	case m.running.Load():
		msg := fmt.Sprintf("%s, %d frames queued", state, m.queue.Depth())
		return health.NewDegraded("session", msg).WithMetrics(hm)
	default:
		return health.NewUnhealthy("session", "stopped").WithMetrics(hm)
	}
}

func sortedDevices(deviceSets map[string][]spb.Metric) []string {
	devices := make([]string, 0, len(deviceSets))
	for device := range deviceSets {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}
