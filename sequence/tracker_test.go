package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

func press01() spb.Identity {
	return spb.Identity{Group: "plant-a", Node: "press-01"}
}

func TestCheck_FirstMessageBaselines(t *testing.T) {
	tr := NewTracker()

	res := tr.Check(press01(), 57)
	assert.True(t, res.OK, "first message from an unseen node takes any number")
	assert.Equal(t, uint8(57), res.Got)
	assert.Equal(t, 1, tr.Nodes())
}

func TestCheck_MonotonicRunPasses(t *testing.T) {
	tr := NewTracker()
	id := press01()

	tr.Reset(id, 0)
	for seq := uint8(1); seq < 10; seq++ {
		res := tr.Check(id, seq)
		assert.True(t, res.OK, "seq %d should follow %d", seq, seq-1)
	}
}

func TestCheck_WrapsAt256(t *testing.T) {
	tr := NewTracker()
	id := press01()

	tr.Reset(id, 254)
	assert.True(t, tr.Check(id, 255).OK)
	res := tr.Check(id, 0)
	assert.True(t, res.OK, "255 wraps to 0, not 256")
}

func TestCheck_GapReportedOnceThenRebaselines(t *testing.T) {
	tr := NewTracker()
	id := press01()

	tr.Reset(id, 0)
	assert.True(t, tr.Check(id, 1).OK)

	// Frames 2 and 3 lost.
	res := tr.Check(id, 4)
	assert.False(t, res.OK)
	assert.Equal(t, uint8(2), res.Expected)
	assert.Equal(t, uint8(4), res.Got)

	// One lost frame costs one gap; the stream resumes from the received number.
	assert.True(t, tr.Check(id, 5).OK)
	assert.True(t, tr.Check(id, 6).OK)
}

func TestCheck_RegressionIsAViolation(t *testing.T) {
	tr := NewTracker()
	id := press01()

	tr.Reset(id, 10)
	res := tr.Check(id, 3)
	assert.False(t, res.OK)
	assert.Equal(t, uint8(11), res.Expected)

	// Rebaselined to 3, so 4 is in order again.
	assert.True(t, tr.Check(id, 4).OK)
}

func TestCheck_DevicesShareTheNodeCounter(t *testing.T) {
	tr := NewTracker()
	node := press01()
	device := spb.Identity{Group: "plant-a", Node: "press-01", Device: "spindle"}

	tr.Reset(node, 0)
	assert.True(t, tr.Check(device, 1).OK, "device frames continue the node count")
	assert.True(t, tr.Check(node, 2).OK)
	assert.Equal(t, 1, tr.Nodes(), "device identities collapse to the node")
}

func TestCheck_NodesAreIndependent(t *testing.T) {
	tr := NewTracker()
	a := press01()
	b := spb.Identity{Group: "plant-a", Node: "press-02"}

	tr.Reset(a, 0)
	tr.Reset(b, 0)

	assert.False(t, tr.Check(a, 5).OK)
	assert.True(t, tr.Check(b, 1).OK, "a gap on one node must not disturb another")
	assert.Equal(t, 2, tr.Nodes())
}

func TestReset_RestartsTheCount(t *testing.T) {
	tr := NewTracker()
	id := press01()

	tr.Reset(id, 0)
	assert.True(t, tr.Check(id, 1).OK)
	assert.True(t, tr.Check(id, 2).OK)

	// Rebirth mid-stream.
	tr.Reset(id, 0)
	res := tr.Check(id, 1)
	assert.True(t, res.OK, "counting restarts from the birth sequence")
}

func TestForget_NextMessageBaselinesFresh(t *testing.T) {
	tr := NewTracker()
	id := press01()

	tr.Reset(id, 0)
	assert.True(t, tr.Check(id, 1).OK)

	tr.Forget(id)
	assert.Equal(t, 0, tr.Nodes())

	// A rebirth whose birth frame was lost still starts clean.
	res := tr.Check(id, 200)
	assert.True(t, res.OK, "forgotten node baselines like a brand new one")
}

func TestResult_Err(t *testing.T) {
	tr := NewTracker()
	id := press01()

	tr.Reset(id, 0)
	assert.NoError(t, tr.Check(id, 1).Err())

	err := tr.Check(id, 7).Err()
	assert.ErrorIs(t, err, errors.ErrSequenceGap)
	assert.ErrorContains(t, err, "expected 2, got 7")
}
