package oee

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Titoyabril/oee-dashboard-sub000/normalize"
)

var windowStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := New(Config{WindowSize: time.Hour}, Deps{})
	require.NoError(t, err)
	return c
}

func sig(signal string, value any, ts time.Time) normalize.Metric {
	return normalize.Metric{
		MachineID:  "press-01",
		SignalType: signal,
		Value:      value,
		Quality:    192,
		Timestamp:  ts,
	}
}

// feed pushes a metric that must neither close a window nor be rejected.
func feed(t *testing.T, c *Calculator, m normalize.Metric) {
	t.Helper()
	res, err := c.Process(m)
	require.NoError(t, err)
	require.Nil(t, res)
}

// closeAt pushes a throwaway counter reading at ts and returns the Result it
// forced out.
func closeAt(t *testing.T, c *Calculator, ts time.Time) *Result {
	t.Helper()
	res, err := c.Process(sig(normalize.SignalCounterGood, 0.0, ts))
	require.NoError(t, err)
	require.NotNil(t, res, "a metric past the window end must close it")
	return res
}

func TestProcess_ShiftScenario(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalPlannedTime, 60.0, windowStart.Add(time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, true, windowStart.Add(10*time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, false, windowStart.Add(20*time.Minute)))
	feed(t, c, sig(normalize.SignalCounterTotal, 1000.0, windowStart.Add(30*time.Minute)))
	feed(t, c, sig(normalize.SignalCounterGood, 950.0, windowStart.Add(31*time.Minute)))
	feed(t, c, sig(normalize.SignalCycleIdeal, 3.0, windowStart.Add(32*time.Minute)))

	res := closeAt(t, c, windowStart.Add(65*time.Minute))

	assert.Equal(t, "press-01", res.MachineID)
	assert.Equal(t, windowStart, res.WindowStart)
	assert.Equal(t, windowStart.Add(time.Hour), res.WindowEnd)

	assert.Equal(t, 60.0, res.PlannedTime)
	assert.InDelta(t, 10.0, res.Downtime, 1e-9)
	assert.InDelta(t, 50.0, res.Runtime, 1e-9)
	assert.Equal(t, int64(950), res.GoodCount)
	assert.Equal(t, int64(1000), res.TotalCount)

	assert.InDelta(t, 83.33, res.Availability, 0.01)
	assert.InDelta(t, 100.0, res.Performance, 0.01)
	assert.InDelta(t, 95.0, res.Quality, 0.01)
	assert.InDelta(t, 79.17, res.OEE, 0.01)

	assert.Equal(t, 1, res.FailureCount)
	require.NotNil(t, res.MTBF)
	assert.InDelta(t, 50.0, *res.MTBF, 1e-9)
	assert.InDelta(t, 10.0, res.MTTR, 1e-9)
}

func TestProcess_PlannedTimeFallsBackToWindowSpan(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalCounterTotal, 100.0, windowStart.Add(time.Minute)))
	res := closeAt(t, c, windowStart.Add(61*time.Minute))

	assert.Equal(t, 60.0, res.PlannedTime, "no explicit planned time: the window span stands in")
	assert.Equal(t, 100.0, res.Availability)
}

func TestProcess_GoodFloorsTotal(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalCounterTotal, 900.0, windowStart.Add(time.Minute)))
	feed(t, c, sig(normalize.SignalCounterGood, 950.0, windowStart.Add(2*time.Minute)))

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.Equal(t, int64(950), res.TotalCount, "total can never trail good")
	assert.Equal(t, 100.0, res.Quality)
}

func TestProcess_CountersAreMonotonic(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalCounterGood, 950.0, windowStart.Add(time.Minute)))
	feed(t, c, sig(normalize.SignalCounterGood, 940.0, windowStart.Add(2*time.Minute)))

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.Equal(t, int64(950), res.GoodCount, "a counter glitching backward must not erase progress")
}

func TestProcess_PerformanceCycleRatioFallback(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalCycleIdeal, 3.0, windowStart.Add(time.Minute)))
	feed(t, c, sig(normalize.SignalCycleActual, 4.0, windowStart.Add(2*time.Minute)))

	res, err := c.Process(sig(normalize.SignalCycleIdeal, 3.0, windowStart.Add(61*time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 75.0, res.Performance, "no counts: ideal over actual cycle ratio")
	assert.Equal(t, 100.0, res.Quality, "no units produced reads as perfect quality")
}

func TestProcess_PerformanceDefaultsWithoutInputs(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalCounterTotal, 10.0, windowStart.Add(time.Minute)))
	res := closeAt(t, c, windowStart.Add(61*time.Minute))

	assert.Equal(t, 100.0, res.Performance, "no cycle time known: no evidence of speed loss")
}

func TestProcess_RepeatedStateLevelsAreIdempotent(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalStateDown, true, windowStart.Add(10*time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, true, windowStart.Add(12*time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, false, windowStart.Add(20*time.Minute)))

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.InDelta(t, 10.0, res.Downtime, 1e-9, "only edges carry information")
	assert.Equal(t, 1, res.FailureCount)
}

func TestProcess_StateRunIsTheInverse(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalStateRun, false, windowStart.Add(10*time.Minute)))
	feed(t, c, sig(normalize.SignalStateRun, true, windowStart.Add(15*time.Minute)))

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.InDelta(t, 5.0, res.Downtime, 1e-9)
}

func TestProcess_DowntimeSpansWindowClose(t *testing.T) {
	c := testCalculator(t)

	// Down at :50 and still down when the window closes.
	feed(t, c, sig(normalize.SignalStateDown, true, windowStart.Add(50*time.Minute)))

	first := closeAt(t, c, windowStart.Add(65*time.Minute))
	assert.InDelta(t, 10.0, first.Downtime, 1e-9, "charged up to the window end")
	assert.Equal(t, 1, first.FailureCount)
	assert.Zero(t, first.MTTR, "an unfinished repair is not in the history yet")

	// Repair completes ten minutes into the second window.
	feed(t, c, sig(normalize.SignalStateDown, false, windowStart.Add(70*time.Minute)))

	second := closeAt(t, c, windowStart.Add(125*time.Minute))
	assert.InDelta(t, 10.0, second.Downtime, 1e-9, "the carried run counts from the new window's start")
	assert.Equal(t, 0, second.FailureCount, "the failure belongs to the window it started in")
	assert.Nil(t, second.MTBF)
	assert.InDelta(t, 10.0, second.MTTR, 1e-9, "the completed repair entered the history")
}

func TestProcess_AvailabilityClampsAtZero(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalPlannedTime, 5.0, windowStart.Add(time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, true, windowStart.Add(2*time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, false, windowStart.Add(32*time.Minute)))

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.Equal(t, 0.0, res.Runtime, "downtime beyond planned floors runtime at zero")
	assert.Equal(t, 0.0, res.Availability)
	assert.Equal(t, 0.0, res.OEE)
}

func TestProcess_RejectsBadInputsWithoutTouchingTheWindow(t *testing.T) {
	c := testCalculator(t)

	feed(t, c, sig(normalize.SignalCounterGood, 100.0, windowStart.Add(time.Minute)))

	_, err := c.Process(sig(normalize.SignalCounterGood, -5.0, windowStart.Add(2*time.Minute)))
	require.Error(t, err)
	_, err = c.Process(sig(normalize.SignalCounterGood, "not a number", windowStart.Add(3*time.Minute)))
	require.Error(t, err)
	_, err = c.Process(sig(normalize.SignalCycleIdeal, 0.0, windowStart.Add(4*time.Minute)))
	require.Error(t, err)
	_, err = c.Process(sig(normalize.SignalStateDown, "sideways", windowStart.Add(5*time.Minute)))
	require.Error(t, err)

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.Equal(t, int64(100), res.GoodCount, "rejected inputs leave the window untouched")
	assert.Equal(t, 100.0, res.Performance)
	assert.Zero(t, res.FailureCount)
}

func TestProcess_IgnoresForeignSignals(t *testing.T) {
	c := testCalculator(t)

	res, err := c.Process(sig("temperature.bearing", 45.2, windowStart))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, c.Machines(), "foreign signals must not open windows")
}

func TestProcess_MachinesAreIndependent(t *testing.T) {
	c := testCalculator(t)

	a := sig(normalize.SignalCounterGood, 10.0, windowStart.Add(time.Minute))
	b := sig(normalize.SignalCounterGood, 99.0, windowStart.Add(time.Minute))
	b.MachineID = "press-02"

	feed(t, c, a)
	feed(t, c, b)
	assert.Equal(t, 2, c.Machines())

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.Equal(t, int64(10), res.GoodCount, "press-02 tallies stay out of press-01 windows")
}

func TestProcess_MTTRAveragesTheHistory(t *testing.T) {
	c := testCalculator(t)

	// Two repairs: 10 and 20 minutes.
	feed(t, c, sig(normalize.SignalStateDown, true, windowStart.Add(5*time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, false, windowStart.Add(15*time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, true, windowStart.Add(20*time.Minute)))
	feed(t, c, sig(normalize.SignalStateDown, false, windowStart.Add(40*time.Minute)))

	res := closeAt(t, c, windowStart.Add(61*time.Minute))
	assert.InDelta(t, 15.0, res.MTTR, 1e-9)
	assert.Equal(t, 2, res.FailureCount)
	require.NotNil(t, res.MTBF)
	assert.InDelta(t, 15.0, *res.MTBF, 1e-9, "30 minutes of runtime across two failures")
}
