package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Titoyabril/oee-dashboard-sub000/aliascache"
	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/fault"
	"github.com/Titoyabril/oee-dashboard-sub000/normalize"
	"github.com/Titoyabril/oee-dashboard-sub000/oee"
	"github.com/Titoyabril/oee-dashboard-sub000/sequence"
	"github.com/Titoyabril/oee-dashboard-sub000/sink"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

const (
	testGroup = "plant-a"
	testNode  = "gw-01"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testTable() *normalize.Table {
	return normalize.NewTable(map[string]normalize.Mapping{
		"press-01/counter.total": {SignalType: normalize.SignalCounterTotal, MachineID: "press-01"},
		"press-01/counter.good":  {SignalType: normalize.SignalCounterGood, MachineID: "press-01"},
		"press-01/state.down":    {SignalType: normalize.SignalStateDown, MachineID: "press-01"},
		"press-01/fault.code":    {SignalType: normalize.SignalFaultCode, MachineID: "press-01"},
		"press-01/fault.active":  {SignalType: normalize.SignalFaultActive, MachineID: "press-01"},
	})
}

type harness struct {
	p   *Pipeline
	out *sink.Channel
}

func newHarness(t *testing.T, cfg Config, extra ...sink.Sink) *harness {
	t.Helper()

	norm, err := normalize.New(testTable(), normalize.Deps{})
	require.NoError(t, err)

	cache, err := aliascache.New(context.Background(), aliascache.Config{}, aliascache.Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	calc, err := oee.New(oee.Config{WindowSize: time.Minute}, oee.Deps{})
	require.NoError(t, err)

	tracker, err := fault.New(fault.Config{}, fault.Deps{})
	require.NoError(t, err)

	out := sink.NewChannel(128)
	sinks := append([]sink.Sink{out}, extra...)

	p, err := New(cfg, Deps{
		Aliases:    cache,
		Sequences:  sequence.NewTracker(),
		Normalizer: norm,
		OEE:        calc,
		Faults:     tracker,
		Sinks:      sink.NewFanout(sinks, nil, nil),
	})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(time.Second) })

	return &harness{p: p, out: out}
}

func nodeTopic(kind spb.Kind) string {
	return spb.Topic{Group: testGroup, Kind: kind, Node: testNode}.String()
}

// birthPayload declares counter.total as alias 1 and state.down as alias 2.
func birthPayload(t *testing.T, ts time.Time) []byte {
	t.Helper()
	payload, err := spb.Encode(spb.KindNBirth, 0, ts, []spb.Metric{
		spb.NewMetric("press-01/counter.total", spb.DataTypeInt64, int64(100), ts).WithAlias(1),
		spb.NewMetric("press-01/state.down", spb.DataTypeBoolean, false, ts).WithAlias(2),
	})
	require.NoError(t, err)
	return payload
}

func dataPayload(t *testing.T, seq uint8, ts time.Time, metrics []spb.Metric) []byte {
	t.Helper()
	payload, err := spb.Encode(spb.KindNData, seq, ts, metrics)
	require.NoError(t, err)
	return payload
}

func nextRecord(t *testing.T, out *sink.Channel) sink.Record {
	t.Helper()
	select {
	case rec := <-out.Records():
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record emitted")
		return sink.Record{}
	}
}

func drainRecords(t *testing.T, out *sink.Channel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		nextRecord(t, out)
	}
}

func TestNew_RequiresEveryStage(t *testing.T) {
	norm, err := normalize.New(testTable(), normalize.Deps{})
	require.NoError(t, err)
	cache, err := aliascache.New(context.Background(), aliascache.Config{}, aliascache.Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	calc, err := oee.New(oee.Config{}, oee.Deps{})
	require.NoError(t, err)
	tracker, err := fault.New(fault.Config{}, fault.Deps{})
	require.NoError(t, err)

	full := Deps{
		Aliases:    cache,
		Sequences:  sequence.NewTracker(),
		Normalizer: norm,
		OEE:        calc,
		Faults:     tracker,
		Sinks:      sink.NewFanout(nil, nil, nil),
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"aliases", func(d *Deps) { d.Aliases = nil }},
		{"sequences", func(d *Deps) { d.Sequences = nil }},
		{"normalizer", func(d *Deps) { d.Normalizer = nil }},
		{"oee", func(d *Deps) { d.OEE = nil }},
		{"faults", func(d *Deps) { d.Faults = nil }},
		{"sinks", func(d *Deps) { d.Sinks = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			_, err := New(Config{}, deps)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMissingConfig)
		})
	}

	p, err := New(Config{}, full)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestPipeline_BirthMetricsFlowToTelemetry(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))

	first := nextRecord(t, h.out)
	assert.Equal(t, sink.StreamTelemetry, first.Stream)
	assert.Equal(t, sink.KindMetric, first.Kind)
	assert.Equal(t, "press-01", first.Key)

	m, ok := first.Body.(normalize.Metric)
	require.True(t, ok)
	assert.Equal(t, "press-01/counter.total", m.SourceTag)
	assert.Equal(t, normalize.SignalCounterTotal, m.SignalType)
	assert.Equal(t, 100.0, m.Value)

	second := nextRecord(t, h.out)
	m, ok = second.Body.(normalize.Metric)
	require.True(t, ok)
	assert.Equal(t, normalize.SignalStateDown, m.SignalType)
	assert.Equal(t, false, m.Value)
}

func TestPipeline_AliasOnlyDataResolvesAgainstBirth(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	ts := testStart.Add(5 * time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 1, ts, []spb.Metric{
		{Alias: 1, Value: 110, Timestamp: ts.UnixMilli()},
	}))

	rec := nextRecord(t, h.out)
	m, ok := rec.Body.(normalize.Metric)
	require.True(t, ok)
	assert.Equal(t, "press-01/counter.total", m.SourceTag)
	assert.Equal(t, 110.0, m.Value)
	assert.Equal(t, ts, m.Timestamp)
}

func TestPipeline_UnresolvedAliasIsDroppedNotDefaulted(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	ts := testStart.Add(5 * time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 1, ts, []spb.Metric{
		{Alias: 99, Value: 1.0, Timestamp: ts.UnixMilli()},
		{Name: "press-01/counter.good", Value: 50, Timestamp: ts.UnixMilli()},
	}))

	// Only the named metric survives; the unresolved alias was dropped.
	rec := nextRecord(t, h.out)
	m, ok := rec.Body.(normalize.Metric)
	require.True(t, ok)
	assert.Equal(t, "press-01/counter.good", m.SourceTag)

	require.Eventually(t, func() bool {
		return h.p.Health().Metrics.ErrorCount >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_SequenceGapIsCountedNotFatal(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	// Expected sequence after birth is 1; jumping to 5 is one gap.
	ts := testStart.Add(5 * time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 5, ts, []spb.Metric{
		{Alias: 1, Value: 120, Timestamp: ts.UnixMilli()},
	}))

	rec := nextRecord(t, h.out)
	m, ok := rec.Body.(normalize.Metric)
	require.True(t, ok)
	assert.Equal(t, 120.0, m.Value)

	require.Eventually(t, func() bool {
		return h.p.Health().Metrics.ErrorCount >= 1
	}, time.Second, 10*time.Millisecond)

	// The tracker rebaselined: 6 follows 5 without another gap.
	before := h.p.Health().Metrics.ErrorCount
	ts = ts.Add(time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 6, ts, []spb.Metric{
		{Alias: 1, Value: 130, Timestamp: ts.UnixMilli()},
	}))
	nextRecord(t, h.out)
	assert.Equal(t, before, h.p.Health().Metrics.ErrorCount)
}

func TestPipeline_NodeDeathInvalidatesAliases(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	death, err := spb.Encode(spb.KindNDeath, 0, testStart.Add(time.Second), nil)
	require.NoError(t, err)
	h.p.Submit(nodeTopic(spb.KindNDeath), death)

	// Alias 1 died with the node; only the named metric comes through.
	ts := testStart.Add(2 * time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 1, ts, []spb.Metric{
		{Alias: 1, Value: 140, Timestamp: ts.UnixMilli()},
		{Name: "press-01/counter.good", Value: 60, Timestamp: ts.UnixMilli()},
	}))

	rec := nextRecord(t, h.out)
	m, ok := rec.Body.(normalize.Metric)
	require.True(t, ok)
	assert.Equal(t, "press-01/counter.good", m.SourceTag)
}

func TestPipeline_FaultLifecycleReachesEventsStream(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	ts := testStart.Add(5 * time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 1, ts, []spb.Metric{
		spb.NewMetric("press-01/fault.code", spb.DataTypeString, "2001", ts),
	}))

	// Telemetry record first, then the fault event.
	nextRecord(t, h.out)
	raised := nextRecord(t, h.out)
	assert.Equal(t, sink.StreamEvents, raised.Stream)
	assert.Equal(t, sink.KindFault, raised.Kind)

	f, ok := raised.Body.(fault.Fault)
	require.True(t, ok)
	assert.Equal(t, "2001", f.Code)
	assert.Equal(t, fault.StateActive, f.State)
	assert.Equal(t, "press-01", f.MachineID)

	// Falling edge resolves it.
	ts = ts.Add(30 * time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 2, ts, []spb.Metric{
		spb.NewMetric("press-01/fault.active", spb.DataTypeBoolean, false, ts),
	}))

	nextRecord(t, h.out)
	resolved := nextRecord(t, h.out)
	f, ok = resolved.Body.(fault.Fault)
	require.True(t, ok)
	assert.Equal(t, fault.StateResolved, f.State)
	require.NotNil(t, f.EndTime)
	assert.Equal(t, *f.EndTime, resolved.Timestamp)
}

func TestPipeline_AcknowledgeDelegatesToTracker(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	ts := testStart.Add(5 * time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 1, ts, []spb.Metric{
		spb.NewMetric("press-01/fault.code", spb.DataTypeString, "6010", ts),
	}))

	nextRecord(t, h.out)
	raised := nextRecord(t, h.out)
	f := raised.Body.(fault.Fault)

	acked, err := h.p.Acknowledge(f.ID)
	require.NoError(t, err)
	assert.Equal(t, fault.StateAcknowledged, acked.State)

	_, err = h.p.Acknowledge("no-such-fault")
	require.Error(t, err)
}

func TestPipeline_ClosedOEEWindowReachesEventsStream(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	// The harness runs one-minute windows; a counter two minutes later
	// closes the window the birth opened.
	ts := testStart.Add(2 * time.Minute)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 1, ts, []spb.Metric{
		{Alias: 1, Value: 180, Timestamp: ts.UnixMilli()},
	}))

	nextRecord(t, h.out)
	event := nextRecord(t, h.out)
	assert.Equal(t, sink.StreamEvents, event.Stream)
	assert.Equal(t, sink.KindOEE, event.Kind)

	result, ok := event.Body.(*oee.Result)
	require.True(t, ok)
	assert.Equal(t, "press-01", result.MachineID)
	assert.Equal(t, int64(100), result.TotalCount)
	assert.Equal(t, testStart, result.WindowStart)
	assert.Equal(t, event.Timestamp, result.WindowEnd)
}

func TestPipeline_MalformedFramesAreCountedAndSkipped(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit("not/a/protocol/topic", []byte(`{}`))
	h.p.Submit(nodeTopic(spb.KindNData), []byte(`{broken`))

	require.Eventually(t, func() bool {
		return h.p.Health().Metrics.ErrorCount >= 2
	}, time.Second, 10*time.Millisecond)

	// The pipeline keeps processing.
	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	rec := nextRecord(t, h.out)
	assert.Equal(t, sink.KindMetric, rec.Kind)
}

func TestPipeline_StateFramesAreCountedOnly(t *testing.T) {
	h := newHarness(t, Config{})

	state := spb.Topic{Kind: spb.KindState, Node: "scada-host"}.String()
	h.p.Submit(state, []byte(`{"timestamp":1748779200000}`))

	require.Eventually(t, func() bool {
		return h.p.Health().Metrics.MessagesProcessed >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, h.out.Records())
}

// blockingSink stalls the apply task so the stage buffers fill up.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Write(ctx context.Context, _ sink.Record) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingSink) Close() error { return nil }

func TestPipeline_SaturationDropsFramesNeverBlocks(t *testing.T) {
	bs := newBlockingSink()
	h := newHarness(t, Config{InboundBuffer: 1, StageBuffer: 1}, bs)
	t.Cleanup(func() { close(bs.release) })

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	select {
	case <-bs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("apply task never reached the sink")
	}

	// Every stage is now stalled; most of these cannot fit.
	for i := 0; i < 10; i++ {
		ts := testStart.Add(time.Duration(i+1) * time.Second)
		h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, uint8(i+1), ts, []spb.Metric{
			{Name: "press-01/counter.good", Value: i, Timestamp: ts.UnixMilli()},
		}))
	}

	assert.GreaterOrEqual(t, h.p.Dropped(), int64(6))
}

func TestPipeline_Lifecycle(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.p.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	st := h.p.Health()
	assert.True(t, st.IsHealthy())
	assert.Equal(t, "pipeline", st.Component)

	require.NoError(t, h.p.Stop(time.Second))
	assert.NoError(t, h.p.Stop(time.Second), "second stop is a no-op")

	st = h.p.Health()
	assert.True(t, st.IsUnhealthy())

	// Frames after stop are ignored, not queued.
	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	assert.Equal(t, int64(0), h.p.Dropped())
}

func TestPipeline_SubmitBeforeStopIsRaceFree(t *testing.T) {
	h := newHarness(t, Config{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			ts := testStart.Add(time.Duration(i) * time.Second)
			h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, uint8(i), ts, []spb.Metric{
				{Name: "press-01/counter.good", Value: i, Timestamp: ts.UnixMilli()},
			}))
		}
	}()

	require.NoError(t, h.p.Stop(time.Second))
	wg.Wait()
}

func TestPipeline_HealthReportsBacklog(t *testing.T) {
	bs := newBlockingSink()
	h := newHarness(t, Config{InboundBuffer: 4, StageBuffer: 1}, bs)
	t.Cleanup(func() { close(bs.release) })

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	select {
	case <-bs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("apply task never reached the sink")
	}

	for i := 0; i < 8; i++ {
		ts := testStart.Add(time.Duration(i+1) * time.Second)
		h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, uint8(i+1), ts, []spb.Metric{
			{Name: "press-01/counter.good", Value: i, Timestamp: ts.UnixMilli()},
		}))
	}

	require.Eventually(t, func() bool {
		st := h.p.Health()
		return st.IsDegraded()
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_DeviceFramesShareTheNodeSequence(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Submit(nodeTopic(spb.KindNBirth), birthPayload(t, testStart))
	drainRecords(t, h.out, 2)

	deviceTopic := spb.Topic{Group: testGroup, Kind: spb.KindDData, Node: testNode, Device: "press-01"}.String()
	ts := testStart.Add(time.Second)
	payload, err := spb.Encode(spb.KindDData, 1, ts, []spb.Metric{
		{Name: "press-01/counter.good", Value: 70, Timestamp: ts.UnixMilli()},
	})
	require.NoError(t, err)
	h.p.Submit(deviceTopic, payload)

	rec := nextRecord(t, h.out)
	m := rec.Body.(normalize.Metric)
	assert.Equal(t, fmt.Sprintf("%s/counter.good", "press-01"), m.SourceTag)

	// Device data consumed sequence 1; node data at 2 continues cleanly.
	before := h.p.Health().Metrics.ErrorCount
	ts = ts.Add(time.Second)
	h.p.Submit(nodeTopic(spb.KindNData), dataPayload(t, 2, ts, []spb.Metric{
		{Alias: 1, Value: 150, Timestamp: ts.UnixMilli()},
	}))
	nextRecord(t, h.out)
	assert.Equal(t, before, h.p.Health().Metrics.ErrorCount)
}
