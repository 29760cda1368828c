package spb

import (
	"fmt"
	"strings"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// Namespace is the fixed first topic segment identifying the protocol
// revision.
const Namespace = "spBv1.0"

// Topic is the parsed form of a protocol topic. Lifecycle and data topics are
// "spBv1.0/<group>/<KIND>/<node>[/<device>]"; STATE topics are the shorter
// "spBv1.0/STATE/<node>" with no group.
type Topic struct {
	Group  string
	Kind   Kind
	Node   string
	Device string
}

// ParseTopic parses and validates a topic string. Device-level kinds require
// the device segment, node-level kinds forbid it, and no segment may be
// empty; Parse and String round-trip.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "/")

	if len(parts) < 3 || parts[0] != Namespace {
		return Topic{}, invalidTopic(s, "expected namespace %q", Namespace)
	}

	// STATE short form: spBv1.0/STATE/<node>.
	if parts[1] == string(KindState) {
		if len(parts) != 3 || parts[2] == "" {
			return Topic{}, invalidTopic(s, "STATE topics have exactly three segments")
		}
		return Topic{Kind: KindState, Node: parts[2]}, nil
	}

	if len(parts) < 4 || len(parts) > 5 {
		return Topic{}, invalidTopic(s, "expected 4 or 5 segments, got %d", len(parts))
	}

	kind, err := ParseKind(parts[2])
	if err != nil {
		return Topic{}, invalidTopic(s, "unknown kind %q", parts[2])
	}
	if kind == KindState {
		return Topic{}, invalidTopic(s, "STATE does not take a group segment")
	}

	t := Topic{Group: parts[1], Kind: kind, Node: parts[3]}
	if t.Group == "" || t.Node == "" {
		return Topic{}, invalidTopic(s, "empty group or node segment")
	}

	if kind.DeviceLevel() {
		if len(parts) != 5 || parts[4] == "" {
			return Topic{}, invalidTopic(s, "%s requires a device segment", kind)
		}
		t.Device = parts[4]
	} else if len(parts) == 5 {
		return Topic{}, invalidTopic(s, "%s does not take a device segment", kind)
	}

	return t, nil
}

// String renders the canonical topic form.
func (t Topic) String() string {
	if t.Kind == KindState {
		return Namespace + "/" + string(KindState) + "/" + t.Node
	}
	s := Namespace + "/" + t.Group + "/" + string(t.Kind) + "/" + t.Node
	if t.Device != "" {
		s += "/" + t.Device
	}
	return s
}

// Identity returns the lifecycle identity the topic addresses.
func (t Topic) Identity() Identity {
	return Identity{Group: t.Group, Node: t.Node, Device: t.Device}
}

func invalidTopic(topic, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return errors.WrapInvalid(
		fmt.Errorf("%w: %q: %s", errors.ErrInvalidTopic, topic, detail),
		"spb", "ParseTopic", "topic parse")
}
