package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/pkg/retry"
	"github.com/Titoyabril/oee-dashboard-sub000/queue"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

type frame struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeTransport is an in-memory Transport recording every call. Connect
// failures and publish failures are scriptable.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	failConnects int
	failPublish  bool
	connects     int
	frames       []frame
	filters      []string
	will         *Will
	onLost       func(error)
	// publishHook runs after each accepted publish, outside the lock, so a
	// test can interleave work with an in-flight drain.
	publishHook func(topic string)
}

func (f *fakeTransport) Connect(_ context.Context, opts ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.will = opts.Will
	f.onLost = opts.OnConnectionLost
	if f.failConnects > 0 {
		f.failConnects--
		return errors.New("dial refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return gwerrors.ErrNotConnected
	}
	if f.failPublish {
		f.mu.Unlock()
		return errors.New("broker rejected publish")
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	f.frames = append(f.frames, frame{topic: topic, qos: qos, retained: retained, payload: body})
	hook := f.publishHook
	f.mu.Unlock()

	if hook != nil {
		hook(topic)
	}
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, filter string, _ byte, _ Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return gwerrors.ErrNotConnected
	}
	f.filters = append(f.filters, filter)
	return nil
}

func (f *fakeTransport) Disconnect(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) published() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) setFailPublish(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPublish = fail
}

// dropConnection simulates a broken link the way paho reports one.
func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	lost := f.onLost
	f.mu.Unlock()
	if lost != nil {
		lost(err)
	}
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(queue.Config{Capacity: 64}, queue.Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func quickReconnect() retry.Config {
	return retry.Config{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2.0}
}

func testManager(t *testing.T, transport *fakeTransport, mutate func(*Config, *Deps)) *Manager {
	t.Helper()

	cfg := Config{
		GroupID:   "plant-a",
		NodeID:    "gw-01",
		Reconnect: quickReconnect(),
	}
	deps := Deps{
		Transport: transport,
		Queue:     testQueue(t),
		BirthMetrics: func() []spb.Metric {
			return []spb.Metric{
				spb.NewMetric("gw/uptime", spb.DataTypeInt64, int64(0), time.Now()),
			}
		},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	m, err := New(cfg, deps)
	require.NoError(t, err)
	return m
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(time.Second) })
	require.Eventually(t, func() bool { return m.State() == StateConnected },
		2*time.Second, 5*time.Millisecond, "session never connected")
}

func decodeFrame(t *testing.T, fr frame) *spb.Envelope {
	t.Helper()
	env, err := spb.Decode(fr.topic, fr.payload)
	require.NoError(t, err)
	return env
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing group", Config{NodeID: "gw-01"}},
		{"missing node", Config{GroupID: "plant-a"}},
		{"slash in node", Config{GroupID: "plant-a", NodeID: "gw/01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}

	assert.NoError(t, Config{GroupID: "plant-a", NodeID: "gw-01"}.Validate())
}

func TestNew_RequiresTransportAndQueue(t *testing.T) {
	cfg := Config{GroupID: "plant-a", NodeID: "gw-01"}

	_, err := New(cfg, Deps{Queue: testQueue(t)})
	assert.Error(t, err)

	_, err = New(cfg, Deps{Transport: &fakeTransport{}})
	assert.Error(t, err)
}

func TestManager_BirthOnConnect(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, func(_ *Config, deps *Deps) {
		deps.Devices = func() map[string][]spb.Metric {
			return map[string][]spb.Metric{
				"spindle": {spb.NewMetric("cycle.time_actual", spb.DataTypeDouble, 3.1, time.Now())},
				"press":   {spb.NewMetric("counter.total", spb.DataTypeInt64, int64(10), time.Now())},
			}
		}
	})
	startManager(t, m)

	require.Eventually(t, func() bool { return len(transport.published()) >= 3 },
		2*time.Second, 5*time.Millisecond)
	frames := transport.published()

	// Node birth first, retained, sequence zero, named metrics with aliases.
	nbirth := decodeFrame(t, frames[0])
	assert.Equal(t, spb.KindNBirth, nbirth.Topic.Kind)
	assert.Equal(t, "spBv1.0/plant-a/NBIRTH/gw-01", frames[0].topic)
	assert.True(t, frames[0].retained)
	assert.Equal(t, byte(1), frames[0].qos)
	seq, ok := nbirth.Payload.SeqValue()
	require.True(t, ok)
	assert.Equal(t, uint8(0), seq)
	require.Len(t, nbirth.Payload.Metrics, 1)
	assert.Equal(t, "gw/uptime", nbirth.Payload.Metrics[0].Name)
	assert.NotZero(t, nbirth.Payload.Metrics[0].Alias)

	// Device births follow in stable order.
	assert.Equal(t, "spBv1.0/plant-a/DBIRTH/gw-01/press", frames[1].topic)
	assert.Equal(t, "spBv1.0/plant-a/DBIRTH/gw-01/spindle", frames[2].topic)
	for _, fr := range frames[1:3] {
		env := decodeFrame(t, fr)
		assert.True(t, fr.retained)
		seq, ok := env.Payload.SeqValue()
		require.True(t, ok)
		assert.Equal(t, uint8(0), seq)
	}

	// The will was registered before connecting.
	require.NotNil(t, transport.will)
	assert.Equal(t, "spBv1.0/plant-a/NDEATH/gw-01", transport.will.Topic)
}

func TestManager_DataIsSequencedAndAliasCompressed(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, nil)
	startManager(t, m)

	ctx := context.Background()
	metrics := []spb.Metric{spb.NewMetric("gw/uptime", spb.DataTypeInt64, int64(60), time.Now())}
	require.NoError(t, m.PublishNodeData(ctx, metrics))
	require.NoError(t, m.PublishNodeData(ctx, metrics))

	require.Eventually(t, func() bool { return len(transport.published()) >= 3 },
		2*time.Second, 5*time.Millisecond)
	frames := transport.published()

	first := decodeFrame(t, frames[1])
	second := decodeFrame(t, frames[2])
	assert.Equal(t, spb.KindNData, first.Topic.Kind)

	seq1, ok := first.Payload.SeqValue()
	require.True(t, ok)
	seq2, ok := second.Payload.SeqValue()
	require.True(t, ok)
	assert.Equal(t, uint8(1), seq1, "first data frame follows the birth's zero")
	assert.Equal(t, uint8(2), seq2)

	// Declared names travel as aliases only.
	require.Len(t, first.Payload.Metrics, 1)
	assert.Empty(t, first.Payload.Metrics[0].Name)
	assert.NotZero(t, first.Payload.Metrics[0].Alias)
}

func TestManager_UndeclaredMetricStaysNamed(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, nil)
	startManager(t, m)

	metrics := []spb.Metric{spb.NewMetric("surprise/tag", spb.DataTypeDouble, 1.5, time.Now())}
	require.NoError(t, m.PublishNodeData(context.Background(), metrics))

	require.Eventually(t, func() bool { return len(transport.published()) >= 2 },
		2*time.Second, 5*time.Millisecond)

	env := decodeFrame(t, transport.published()[1])
	require.Len(t, env.Payload.Metrics, 1)
	assert.Equal(t, "surprise/tag", env.Payload.Metrics[0].Name)
	assert.Zero(t, env.Payload.Metrics[0].Alias)
}

func TestManager_QueuesWhileDisconnectedAndReplaysInOrder(t *testing.T) {
	transport := &fakeTransport{failConnects: 1000}
	m := testManager(t, transport, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(time.Second) })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		metrics := []spb.Metric{spb.NewMetric("gw/uptime", spb.DataTypeInt64, int64(i), time.Now())}
		require.NoError(t, m.PublishNodeData(ctx, metrics))
	}
	assert.Equal(t, 3, m.queue.Depth())
	assert.Empty(t, transport.published())

	// Let the broker come back.
	transport.mu.Lock()
	transport.failConnects = 0
	transport.mu.Unlock()

	require.Eventually(t, func() bool { return m.queue.Depth() == 0 },
		2*time.Second, 5*time.Millisecond, "backlog never drained")

	frames := transport.published()
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, spb.KindNBirth, decodeFrame(t, frames[0]).Topic.Kind)

	// Replayed frames keep their original encode-time sequence numbers.
	var values []int64
	for _, fr := range frames[1:4] {
		env := decodeFrame(t, fr)
		v, ok := spb.ToFloat64(env.Payload.Metrics[0].Value)
		require.True(t, ok)
		values = append(values, int64(v))
	}
	assert.Equal(t, []int64{0, 1, 2}, values)
}

// A producer can hand the session a frame after the drain has emptied the
// queue but before the draining flag clears; the replay must pick it up in
// the same pass instead of leaving it queued until the next reconnect.
func TestManager_FrameQueuedDuringReplayIsNotStranded(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := testManager(t, transport, nil)

	topic := "spBv1.0/plant-a/NDATA/gw-01"
	require.NoError(t, m.queue.Enqueue(queue.Message{Topic: topic, Payload: []byte(`{"seq":0,"metrics":[]}`)}))

	var once sync.Once
	transport.publishHook = func(string) {
		once.Do(func() {
			require.NoError(t, m.queue.Enqueue(queue.Message{Topic: topic, Payload: []byte(`{"seq":1,"metrics":[]}`)}))
		})
	}

	require.NoError(t, m.replayBacklog(context.Background()))

	assert.Equal(t, 0, m.queue.Depth(), "the late frame must drain in the same pass")
	assert.Len(t, transport.published(), 2)
}

func TestManager_ReconnectRebirthsAndResetsSequence(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, nil)
	startManager(t, m)

	ctx := context.Background()
	metrics := []spb.Metric{spb.NewMetric("gw/uptime", spb.DataTypeInt64, int64(1), time.Now())}
	require.NoError(t, m.PublishNodeData(ctx, metrics))

	transport.dropConnection(errors.New("broken pipe"))

	require.Eventually(t, func() bool { return transport.connectCount() >= 2 },
		2*time.Second, 5*time.Millisecond, "never reconnected")
	require.Eventually(t, func() bool { return m.State() == StateConnected },
		2*time.Second, 5*time.Millisecond)

	before := len(transport.published())
	require.NoError(t, m.PublishNodeData(ctx, metrics))
	require.Eventually(t, func() bool { return len(transport.published()) > before },
		2*time.Second, 5*time.Millisecond)

	frames := transport.published()

	// A second NBIRTH was published by the new session.
	births := 0
	for _, fr := range frames {
		if decodeFrame(t, fr).Topic.Kind == spb.KindNBirth {
			births++
		}
	}
	assert.Equal(t, 2, births)

	// And the fresh session's first data frame starts over at one.
	last := decodeFrame(t, frames[len(frames)-1])
	seq, ok := last.Payload.SeqValue()
	require.True(t, ok)
	assert.Equal(t, uint8(1), seq)

	assert.GreaterOrEqual(t, m.reconnects.Load(), int64(1))
}

func TestManager_LivePublishFailureDivertsToQueue(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, nil)
	startManager(t, m)

	transport.setFailPublish(true)
	metrics := []spb.Metric{spb.NewMetric("gw/uptime", spb.DataTypeInt64, int64(9), time.Now())}
	require.NoError(t, m.PublishNodeData(context.Background(), metrics))
	assert.Equal(t, 1, m.queue.Depth())

	transport.setFailPublish(false)
	require.Eventually(t, func() bool { return m.queue.Depth() == 0 },
		2*time.Second, 5*time.Millisecond, "queued frame never replayed")
}

func TestManager_SubscribesAfterConnect(t *testing.T) {
	transport := &fakeTransport{}
	var got struct {
		mu     sync.Mutex
		topics []string
	}
	m := testManager(t, transport, func(cfg *Config, deps *Deps) {
		cfg.SubscribeTopics = []string{"spBv1.0/plant-a/#"}
		deps.OnFrame = func(topic string, _ []byte) {
			got.mu.Lock()
			got.topics = append(got.topics, topic)
			got.mu.Unlock()
		}
	})
	startManager(t, m)

	transport.mu.Lock()
	filters := append([]string(nil), transport.filters...)
	transport.mu.Unlock()
	assert.Equal(t, []string{"spBv1.0/plant-a/#"}, filters)

	m.receive("spBv1.0/plant-a/NDATA/press-01", []byte(`{}`))
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, []string{"spBv1.0/plant-a/NDATA/press-01"}, got.topics)
}

func TestManager_StopPublishesCleanDeath(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, nil)
	startManager(t, m)

	require.NoError(t, m.Stop(time.Second))

	frames := transport.published()
	require.NotEmpty(t, frames)
	last := decodeFrame(t, frames[len(frames)-1])
	assert.Equal(t, spb.KindNDeath, last.Topic.Kind)
	_, hasSeq := last.Payload.SeqValue()
	assert.False(t, hasSeq, "death certificates carry no sequence")

	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, transport.IsConnected())

	// Publishing after Stop is refused, not queued.
	err := m.PublishNodeData(context.Background(), nil)
	assert.Error(t, err)
}

func TestManager_StartTwice(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, nil)
	startManager(t, m)

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, gwerrors.ErrAlreadyStarted)
}

func TestManager_Health(t *testing.T) {
	transport := &fakeTransport{}
	m := testManager(t, transport, nil)

	assert.True(t, m.Health().IsUnhealthy(), "not started yet")

	startManager(t, m)
	require.Eventually(t, func() bool { return m.Health().IsHealthy() },
		2*time.Second, 5*time.Millisecond)

	status := m.Health()
	require.NotNil(t, status.Metrics)
	assert.GreaterOrEqual(t, status.Metrics.MessagesProcessed, int64(1))
}
