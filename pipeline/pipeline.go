// Package pipeline wires the subscribe path: raw frames from the broker
// session are decoded, checked against the per-node sequence, resolved
// through the alias cache, normalized, folded into the OEE and fault state
// machines, and fanned out to the sinks.
//
// Two tasks run under an errgroup: decode parses frames in arrival order,
// apply owns all per-identity state (aliases, sequences, windows, faults).
// The channels between stages are bounded, so a stalled sink backs up into
// frame drops at Submit instead of unbounded memory growth, and the broker
// callback is never blocked.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Titoyabril/oee-dashboard-sub000/aliascache"
	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/fault"
	"github.com/Titoyabril/oee-dashboard-sub000/health"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/normalize"
	"github.com/Titoyabril/oee-dashboard-sub000/oee"
	"github.com/Titoyabril/oee-dashboard-sub000/sequence"
	"github.com/Titoyabril/oee-dashboard-sub000/sink"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// Frame is one raw message as delivered by the broker transport.
type Frame struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Config sizes the stage buffers.
type Config struct {
	// InboundBuffer bounds the raw frame channel feeding the decode task.
	// Submit drops frames when it is full.
	InboundBuffer int
	// StageBuffer bounds the decoded envelope channel feeding the apply
	// task.
	StageBuffer int
}

func (c Config) withDefaults() Config {
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	if c.StageBuffer <= 0 {
		c.StageBuffer = 256
	}
	return c
}

// Deps carries the pipeline's collaborators. Every processing stage is
// required; Logger and Metrics may be nil.
type Deps struct {
	Aliases    *aliascache.Cache
	Sequences  *sequence.Tracker
	Normalizer *normalize.Normalizer
	OEE        *oee.Calculator
	Faults     *fault.Tracker
	Sinks      *sink.Fanout
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

func (d Deps) validate() error {
	missing := ""
	switch {
	case d.Aliases == nil:
		missing = "alias cache"
	case d.Sequences == nil:
		missing = "sequence tracker"
	case d.Normalizer == nil:
		missing = "normalizer"
	case d.OEE == nil:
		missing = "oee calculator"
	case d.Faults == nil:
		missing = "fault tracker"
	case d.Sinks == nil:
		missing = "sink fanout"
	}
	if missing != "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "pipeline", "New", missing+" is required")
	}
	return nil
}

// Pipeline owns the subscribe-path tasks.
type Pipeline struct {
	cfg     Config
	aliases *aliascache.Cache
	seqs    *sequence.Tracker
	norm    *normalize.Normalizer
	oee     *oee.Calculator
	faults  *fault.Tracker
	sinks   *sink.Fanout
	logger  *slog.Logger
	metrics *metric.Metrics

	inbound chan Frame
	decoded chan *spb.Envelope

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	processed     atomic.Int64
	droppedFrames atomic.Int64
	errorCount    atomic.Int64
	lastActivity  atomic.Int64
	startedAt     atomic.Int64
}

// New builds a pipeline. Tasks are not started; call Start.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		cfg:     cfg,
		aliases: deps.Aliases,
		seqs:    deps.Sequences,
		norm:    deps.Normalizer,
		oee:     deps.OEE,
		faults:  deps.Faults,
		sinks:   deps.Sinks,
		logger:  logger.With("component", "pipeline"),
		metrics: deps.Metrics,
		inbound: make(chan Frame, cfg.InboundBuffer),
		decoded: make(chan *spb.Envelope, cfg.StageBuffer),
	}, nil
}

// Start launches the decode and apply tasks.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.startedAt.Store(time.Now().UnixNano())

	go p.run(runCtx)
	p.logger.Info("pipeline started",
		"inbound_buffer", p.cfg.InboundBuffer, "stage_buffer", p.cfg.StageBuffer)
	return nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.decodeLoop(gctx) })
	g.Go(func() error { return p.applyLoop(gctx) })

	if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		p.logger.Error("pipeline task failed", "error", err)
	}
}

// Submit hands one raw frame to the pipeline, copying the payload out of
// the transport's buffer. It never blocks: when the inbound buffer is full
// the frame is dropped and counted.
func (p *Pipeline) Submit(topic string, payload []byte) {
	if !p.running.Load() {
		return
	}

	frame := Frame{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now(),
	}

	select {
	case p.inbound <- frame:
	default:
		p.droppedFrames.Add(1)
		if p.metrics != nil {
			p.metrics.RecordMessageProcessed("unknown", "dropped")
		}
		p.logger.Debug("inbound buffer full, frame dropped", "topic", topic)
	}
}

// decodeLoop parses raw frames in arrival order, preserving each node's
// publish order through to the apply task.
func (p *Pipeline) decodeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-p.inbound:
			if p.metrics != nil {
				p.metrics.ObserveStage("inbound_wait", time.Since(frame.ReceivedAt))
			}

			started := time.Now()
			env, err := spb.Decode(frame.Topic, frame.Payload)
			if err != nil {
				p.errorCount.Add(1)
				if p.metrics != nil {
					p.metrics.RecordMessageProcessed("unknown", "malformed")
				}
				p.logger.Warn("frame decode failed", "topic", frame.Topic, "error", err)
				continue
			}
			if p.metrics != nil {
				p.metrics.RecordMessageReceived(env.Kind().String())
				p.metrics.ObserveStage("decode", time.Since(started))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case p.decoded <- env:
			}
		}
	}
}

// applyLoop is the single owner of aliases, sequences, windows and faults.
func (p *Pipeline) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-p.decoded:
			started := time.Now()
			p.apply(ctx, env)
			p.processed.Add(1)
			p.lastActivity.Store(time.Now().UnixNano())
			if p.metrics != nil {
				p.metrics.ObserveStage("apply", time.Since(started))
				p.metrics.RecordMessageProcessed(env.Kind().String(), "ok")
			}
		}
	}
}

func (p *Pipeline) apply(ctx context.Context, env *spb.Envelope) {
	switch kind := env.Kind(); {
	case kind.IsBirth():
		p.applyBirth(ctx, env)
	case kind.IsDeath():
		p.applyDeath(env)
	case kind.IsData():
		p.applyData(ctx, env)
	case kind == spb.KindState:
		// Host application state carries no lifecycle semantics here; the
		// frame is counted and dropped.
		p.logger.Debug("state message received", "topic", env.Topic.String())
	}
}

// applyBirth rebaselines the node's sequence, installs the declared alias
// table, and feeds the birth's metric snapshot through normalization so the
// calculators start from the node's current state.
func (p *Pipeline) applyBirth(ctx context.Context, env *spb.Envelope) {
	id := env.Identity

	if seq, ok := env.Payload.SeqValue(); ok {
		p.seqs.Reset(id, seq)
	}
	p.aliases.Install(id, env.Payload.AliasTable())

	p.logger.Info("birth received",
		"kind", env.Kind().String(),
		"identity", id.Key(),
		"metrics", len(env.Payload.Metrics))

	p.emitMetrics(ctx, env)
}

// applyDeath invalidates alias state. A node death takes every device under
// the node with it and drops sequence tracking so a later rebirth starts
// clean; a device death leaves the node session untouched.
func (p *Pipeline) applyDeath(env *spb.Envelope) {
	id := env.Identity

	if id.IsDevice() {
		p.aliases.Invalidate(id)
		p.logger.Info("device death received", "identity", id.Key())
		return
	}

	removed := p.aliases.InvalidateNode(id.Group, id.Node)
	p.seqs.Forget(id)
	p.logger.Info("node death received", "identity", id.Key(), "identities_invalidated", removed)
}

func (p *Pipeline) applyData(ctx context.Context, env *spb.Envelope) {
	node := env.Identity.NodeOnly()

	if seq, ok := env.Payload.SeqValue(); ok {
		if res := p.seqs.Check(node, seq); !res.OK {
			p.recordGap(node, res.Err())
		}
	} else {
		// A data frame without a sequence number violates the protocol but
		// its metrics still flow; the violation costs one gap.
		p.recordGap(node, fmt.Errorf("%w: sequence number missing", errors.ErrSequenceGap))
	}

	p.emitMetrics(ctx, env)
}

func (p *Pipeline) recordGap(node spb.Identity, err error) {
	p.errorCount.Add(1)
	if p.metrics != nil {
		p.metrics.RecordSequenceGap(node.Key())
	}
	p.logger.Warn("sequence gap", "node", node.Key(), "error", err)
}

// emitMetrics resolves, normalizes and routes every metric in the payload.
// Alias-only metrics with no cache entry are dropped and counted, never
// defaulted; normalization drops are counted inside the normalizer.
func (p *Pipeline) emitMetrics(ctx context.Context, env *spb.Envelope) {
	id := env.Identity

	for _, m := range env.Payload.Metrics {
		if m.Name == "" {
			entry, ok := p.aliases.Resolve(id, m.Alias)
			if !ok {
				p.errorCount.Add(1)
				if p.metrics != nil {
					p.metrics.RecordAliasMiss()
				}
				p.logger.Warn("metric dropped",
					"identity", id.Key(), "alias", m.Alias, "error", errors.ErrUnresolvedAlias)
				continue
			}
			m.Name = entry.Name
			if m.DataType == "" {
				m.DataType = entry.DataType
			}
		}

		if m.Timestamp == 0 {
			m.Timestamp = env.Payload.Timestamp
		}

		normalized, err := p.norm.Normalize(m, id)
		if err != nil {
			continue
		}
		p.route(ctx, normalized)
	}
}

// route sends the normalized metric to the telemetry stream and folds it
// into both calculators, forwarding whatever they emit to the events
// stream.
func (p *Pipeline) route(ctx context.Context, m normalize.Metric) {
	p.sinks.Write(ctx, sink.Record{
		Stream:    sink.StreamTelemetry,
		Kind:      sink.KindMetric,
		Key:       m.MachineID,
		Timestamp: m.Timestamp,
		Body:      m,
	})

	// The calculator counts and logs its own input rejections; the window
	// result is all that matters here.
	if result, err := p.oee.Process(m); err == nil && result != nil {
		p.sinks.Write(ctx, sink.Record{
			Stream:    sink.StreamEvents,
			Kind:      sink.KindOEE,
			Key:       result.MachineID,
			Timestamp: result.WindowEnd,
			Body:      result,
		})
	}

	changed, err := p.faults.Process(m)
	if err != nil {
		p.errorCount.Add(1)
		if p.metrics != nil {
			p.metrics.RecordCalculationError()
		}
		p.logger.Warn("fault signal rejected",
			"machine", m.MachineID, "signal", m.SignalType, "error", err)
		return
	}
	for _, f := range changed {
		ts := f.StartTime
		if f.EndTime != nil {
			ts = *f.EndTime
		}
		p.sinks.Write(ctx, sink.Record{
			Stream:    sink.StreamEvents,
			Kind:      sink.KindFault,
			Key:       f.MachineID,
			Timestamp: ts,
			Body:      f,
		})
	}
}

// Acknowledge marks a fault as seen by an operator. It delegates to the
// fault tracker so embedders only need the pipeline handle.
func (p *Pipeline) Acknowledge(faultID string) (fault.Fault, error) {
	return p.faults.Acknowledge(faultID)
}

// Stop cancels the tasks and waits up to timeout for them to exit. Frames
// still buffered are discarded.
func (p *Pipeline) Stop(timeout time.Duration) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}

	p.cancel()
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.logger.Warn("pipeline tasks did not exit in time", "timeout", timeout)
	}

	p.logger.Info("pipeline stopped",
		"processed", p.processed.Load(), "dropped_frames", p.droppedFrames.Load())
	return nil
}

// Dropped reports how many frames Submit discarded because the inbound
// buffer was full.
func (p *Pipeline) Dropped() int64 {
	return p.droppedFrames.Load()
}

// Health reports the pipeline state with throughput counters attached. A
// running pipeline with a backlogged inbound buffer reads degraded.
func (p *Pipeline) Health() health.Status {
	hm := &health.Metrics{
		MessagesProcessed: p.processed.Load(),
		ErrorCount:        int(p.errorCount.Load()),
	}
	if started := p.startedAt.Load(); started != 0 {
		hm.Uptime = time.Since(time.Unix(0, started))
	}
	if last := p.lastActivity.Load(); last != 0 {
		hm.LastActivity = time.Unix(0, last)
	}

	if !p.running.Load() {
		return health.NewUnhealthy("pipeline", "stopped").WithMetrics(hm)
	}
	if backlog := len(p.inbound); backlog >= p.cfg.InboundBuffer*3/4 {
		msg := fmt.Sprintf("inbound backlog %d of %d", backlog, p.cfg.InboundBuffer)
		return health.NewDegraded("pipeline", msg).WithMetrics(hm)
	}
	return health.NewHealthy("pipeline", "processing").WithMetrics(hm)
}
