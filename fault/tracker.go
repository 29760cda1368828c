package fault

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/normalize"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

const (
	defaultMergeWindow   = time.Minute
	defaultDedupWindow   = 5 * time.Minute
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = time.Minute
)

// Config controls deduplication and retention.
type Config struct {
	// MergeWindow is the time bucket width behind the dedup signature:
	// reports of one code landing in the same bucket fold into one fault.
	MergeWindow time.Duration
	// DedupWindow is how long a signature stays live after its last hit.
	DedupWindow time.Duration
	// Retention is how long resolved and merged faults are queryable.
	Retention time.Duration
	// SweepInterval is how often the maintenance task runs.
	SweepInterval time.Duration
	// Descriptions overrides the built-in code descriptions per code.
	Descriptions map[string]string
}

func (c Config) withDefaults() Config {
	if c.MergeWindow <= 0 {
		c.MergeWindow = defaultMergeWindow
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// Deps carries the tracker's collaborators.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

type signature struct {
	faultID string
	seen    time.Time
}

// Tracker owns the fault set. Process folds fault signals into it and
// returns the faults it created or changed, ready for the events stream.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.Mutex
	faults map[string]*Fault
	sigs   map[string]signature

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}

	nowFn func() time.Time
}

// New builds a tracker. The maintenance task is not started; call Start.
func New(cfg Config, deps Deps) (*Tracker, error) {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		cfg:     cfg,
		logger:  logger.With("component", "fault"),
		metrics: deps.Metrics,
		faults:  make(map[string]*Fault),
		sigs:    make(map[string]signature),
		nowFn:   time.Now,
	}, nil
}

// Process folds one normalized fault signal into the tracker. The returned
// faults are snapshots of what this signal created or changed; dedup hits
// change nothing visible and return nothing. Signals the tracker does not
// consume return (nil, nil).
func (t *Tracker) Process(m normalize.Metric) ([]Fault, error) {
	switch m.SignalType {
	case normalize.SignalFaultCode:
		return t.report(m)
	case normalize.SignalFaultActive:
		return t.active(m)
	case normalize.SignalFaultSeverity:
		return t.severity(m)
	default:
		return nil, nil
	}
}

// report handles a fault.code signal: dedup within the merge bucket,
// supersede an older open fault for the same code, or raise a new one.
func (t *Tracker) report(m normalize.Metric) ([]Fault, error) {
	code, ok := codeString(m.Value)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: fault code %v", errors.ErrNonNumericValue, m.Value),
			"fault", "Process", "fault code parse")
	}
	if code == "" || code == "0" {
		// Zero is the all-clear many PLCs idle at; it is not a fault.
		return nil, nil
	}

	// Bucket in nanoseconds: withDefaults guarantees MergeWindow > 0, and
	// sub-second or non-integral-second windows keep their exact width.
	ts := m.Timestamp
	bucket := ts.UnixNano() / int64(t.cfg.MergeWindow)
	sig := fmt.Sprintf("%s|%s|%d", m.MachineID, code, bucket)

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, hit := t.sigs[sig]; hit {
		if f, alive := t.faults[entry.faultID]; alive && f.State != StateResolved {
			f.Occurrences++
			t.sigs[sig] = signature{faultID: f.ID, seen: t.nowFn()}
			if t.metrics != nil {
				t.metrics.RecordFaultDeduplicated()
			}
			return nil, nil
		}
	}

	// A still-open fault for the same code from an earlier bucket folds
	// into the new one so each machine+code has a single open fault.
	carried := 0
	var events []Fault
	for _, f := range t.faults {
		if f.MachineID == m.MachineID && f.Code == code && f.State.open() {
			carried += f.Occurrences
			end := ts
			f.State = StateMerged
			f.EndTime = &end
			f.DurationMin = math.Max(0, end.Sub(f.StartTime).Minutes())
			events = append(events, *f)
		}
	}

	f := &Fault{
		ID:          uuid.NewString(),
		MachineID:   m.MachineID,
		Code:        code,
		Severity:    SeverityForCode(code),
		Description: t.describe(code),
		State:       StateActive,
		StartTime:   ts,
		Occurrences: 1 + carried,
	}
	t.faults[f.ID] = f
	t.sigs[sig] = signature{faultID: f.ID, seen: t.nowFn()}

	if t.metrics != nil {
		t.metrics.RecordFaultCreated()
		t.metrics.SetFaultsActive(t.openCountLocked())
	}
	t.logger.Info("fault raised",
		"machine", m.MachineID,
		"code", code,
		"severity", f.Severity.String(),
		"fault_id", f.ID)

	return append(events, *f), nil
}

// active handles the fault.active signal. Only the falling edge carries an
// action: it resolves every open fault on the machine.
func (t *Tracker) active(m normalize.Metric) ([]Fault, error) {
	b, ok := m.Bool()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: fault.active %v", errors.ErrNonNumericValue, m.Value),
			"fault", "Process", "fault state parse")
	}
	if b {
		return nil, nil
	}

	ts := m.Timestamp

	t.mu.Lock()
	defer t.mu.Unlock()

	var events []Fault
	for _, f := range t.faults {
		if f.MachineID != m.MachineID || !f.State.open() {
			continue
		}
		end := ts
		f.State = StateResolved
		f.EndTime = &end
		f.DurationMin = math.Max(0, end.Sub(f.StartTime).Minutes())
		events = append(events, *f)
		if t.metrics != nil {
			t.metrics.RecordFaultResolved()
		}
		t.logger.Info("fault resolved",
			"machine", m.MachineID,
			"code", f.Code,
			"duration_min", f.DurationMin,
			"fault_id", f.ID)
	}

	if events != nil && t.metrics != nil {
		t.metrics.SetFaultsActive(t.openCountLocked())
	}
	sortByStart(events)
	return events, nil
}

// severity handles the fault.severity signal: reclassify the machine's most
// recent ACTIVE fault when the reported rank differs.
func (t *Tracker) severity(m normalize.Metric) ([]Fault, error) {
	rank, ok := m.Float()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: fault.severity %v", errors.ErrNonNumericValue, m.Value),
			"fault", "Process", "severity parse")
	}
	sev, ok := severityFromValue(rank)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: severity rank %v out of range", errors.ErrNonNumericValue, rank),
			"fault", "Process", "severity parse")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var latest *Fault
	for _, f := range t.faults {
		if f.MachineID != m.MachineID || f.State != StateActive {
			continue
		}
		if latest == nil || f.StartTime.After(latest.StartTime) {
			latest = f
		}
	}
	if latest == nil || latest.Severity == sev {
		return nil, nil
	}

	latest.Severity = sev
	t.logger.Info("fault severity changed",
		"machine", m.MachineID,
		"code", latest.Code,
		"severity", sev.String(),
		"fault_id", latest.ID)
	return []Fault{*latest}, nil
}

// Acknowledge moves an ACTIVE fault to ACKNOWLEDGED. Lifecycle timing is
// untouched; a later falling edge still resolves it.
func (t *Tracker) Acknowledge(faultID string) (Fault, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.faults[faultID]
	if !ok {
		return Fault{}, errors.WrapInvalid(
			fmt.Errorf("fault %s not found", faultID),
			"fault", "Acknowledge", "fault lookup")
	}
	if f.State != StateActive {
		return Fault{}, errors.WrapInvalid(
			fmt.Errorf("fault %s is %s, not %s", faultID, f.State, StateActive),
			"fault", "Acknowledge", "state check")
	}

	f.State = StateAcknowledged
	t.logger.Info("fault acknowledged", "machine", f.MachineID, "code", f.Code, "fault_id", f.ID)
	return *f, nil
}

// Get returns a fault snapshot by ID.
func (t *Tracker) Get(faultID string) (Fault, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.faults[faultID]
	if !ok {
		return Fault{}, false
	}
	return *f, true
}

// Open returns the machine's open faults, oldest first.
func (t *Tracker) Open(machineID string) []Fault {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Fault
	for _, f := range t.faults {
		if f.MachineID == machineID && f.State.open() {
			out = append(out, *f)
		}
	}
	sortByStart(out)
	return out
}

// Size returns the number of tracked faults, open and retained.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.faults)
}

// Start launches the maintenance task: retention purges and dedup
// signature expiry.
func (t *Tracker) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	t.shutdown = make(chan struct{})
	t.done = make(chan struct{})
	go t.sweep(ctx)
	t.logger.Info("fault maintenance started",
		"merge_window", t.cfg.MergeWindow,
		"retention", t.cfg.Retention)
	return nil
}

func (t *Tracker) sweep(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.shutdown:
			return
		case <-ticker.C:
			t.removeExpired()
		}
	}
}

// removeExpired drops closed faults past retention and stale signatures.
func (t *Tracker) removeExpired() {
	now := t.nowFn()

	t.mu.Lock()
	defer t.mu.Unlock()

	purged := 0
	for id, f := range t.faults {
		if f.State.open() || f.EndTime == nil {
			continue
		}
		if now.Sub(*f.EndTime) > t.cfg.Retention {
			delete(t.faults, id)
			purged++
		}
	}
	expired := 0
	for sig, entry := range t.sigs {
		if now.Sub(entry.seen) > t.cfg.DedupWindow {
			delete(t.sigs, sig)
			expired++
		}
	}

	if purged > 0 || expired > 0 {
		t.logger.Debug("fault maintenance pass",
			"purged", purged, "signatures_expired", expired)
	}
}

// Stop halts the maintenance task, waiting up to timeout for it to exit.
func (t *Tracker) Stop(timeout time.Duration) error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}

	close(t.shutdown)
	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown,
			"fault", "Stop", "maintenance did not exit before timeout")
	}
}

func (t *Tracker) openCountLocked() int {
	n := 0
	for _, f := range t.faults {
		if f.State.open() {
			n++
		}
	}
	return n
}

func (t *Tracker) describe(code string) string {
	if d, ok := t.cfg.Descriptions[code]; ok {
		return d
	}
	if d, ok := defaultDescriptions[code]; ok {
		return d
	}
	return "fault " + code
}

// codeString renders a fault code value as its canonical string. Integer
// readings arrive as floats through the wire; "2001" and 2001.0 are the
// same code.
func codeString(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), true
	}
	if f, ok := spb.ToFloat64(v); ok {
		if f == math.Trunc(f) {
			return strconv.FormatInt(int64(f), 10), true
		}
		return strconv.FormatFloat(f, 'g', -1, 64), true
	}
	return "", false
}

func sortByStart(faults []Fault) {
	sort.Slice(faults, func(i, j int) bool {
		return faults[i].StartTime.Before(faults[j].StartTime)
	})
}
