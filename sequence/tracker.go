// Package sequence validates the per-node message sequence. Sequence numbers
// are eight bits wide and wrap at 256; births restart the count and every
// data message must follow its predecessor exactly. A violation is reported
// once and the tracker rebaselines to the received number, so one lost frame
// costs one gap, not a gap per following message.
package sequence

import (
	"fmt"
	"sync"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// Mod is the sequence wrap point.
const Mod = 256

// Result reports the outcome of a sequence check. Expected and Got are only
// meaningful when OK is false.
type Result struct {
	OK       bool
	Expected uint8
	Got      uint8
}

// Err renders the check as a classified error: nil when the sequence was in
// order, a wrapped ErrSequenceGap otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: expected %d, got %d", errors.ErrSequenceGap, r.Expected, r.Got)
}

type nodeState struct {
	last uint8
	seen bool
}

// Tracker holds the last sequence number seen per node. Devices share their
// node's counter, so device identities collapse to the node before lookup.
type Tracker struct {
	mu    sync.Mutex
	nodes map[string]*nodeState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[string]*nodeState)}
}

// Check validates seq for the node. The first message from an unseen node
// establishes the baseline without complaint. On a violation the tracker
// rebaselines to seq so processing resumes from the received number.
func (t *Tracker) Check(id spb.Identity, seq uint8) Result {
	key := id.NodeOnly().Key()

	t.mu.Lock()
	defer t.mu.Unlock()

	state, exists := t.nodes[key]
	if !exists || !state.seen {
		t.nodes[key] = &nodeState{last: seq, seen: true}
		return Result{OK: true, Got: seq}
	}

	expected := uint8((int(state.last) + 1) % Mod)
	state.last = seq

	if seq != expected {
		return Result{OK: false, Expected: expected, Got: seq}
	}
	return Result{OK: true, Got: seq}
}

// Reset records a birth: the node's count restarts at seq, convention zero.
func (t *Tracker) Reset(id spb.Identity, seq uint8) {
	key := id.NodeOnly().Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[key] = &nodeState{last: seq, seen: true}
}

// Forget drops tracking state for a node. Death certificates call this so a
// later rebirth starts clean even if its birth frame is lost.
func (t *Tracker) Forget(id spb.Identity) {
	key := id.NodeOnly().Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, key)
}

// Nodes returns the number of nodes currently tracked.
func (t *Tracker) Nodes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
