package spb

import (
	"fmt"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// Kind identifies the lifecycle role of a message. The kind is carried in the
// topic, never in the payload.
type Kind string

const (
	// KindNBirth announces a node session: full metric set, alias
	// declarations, sequence reset to zero. Published retained.
	KindNBirth Kind = "NBIRTH"
	// KindNDeath is the node death certificate, registered as the
	// transport last-will before connecting.
	KindNDeath Kind = "NDEATH"
	// KindDBirth announces a device under an already-born node.
	KindDBirth Kind = "DBIRTH"
	// KindDDeath retires a single device while the node session lives on.
	KindDDeath Kind = "DDEATH"
	// KindNData carries node-level metric changes, alias-compressed.
	KindNData Kind = "NDATA"
	// KindDData carries device-level metric changes, alias-compressed.
	KindDData Kind = "DDATA"
	// KindState is the primary-application state announcement. The gateway
	// parses STATE messages but attaches no lifecycle semantics to them.
	KindState Kind = "STATE"
)

// ParseKind validates a topic segment as a message kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindNBirth, KindNDeath, KindDBirth, KindDDeath, KindNData, KindDData, KindState:
		return Kind(s), nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownMessageKind, s),
			"spb", "ParseKind", "kind segment parse")
	}
}

// IsBirth reports whether the kind declares a metric set and resets sequence
// tracking.
func (k Kind) IsBirth() bool {
	return k == KindNBirth || k == KindDBirth
}

// IsDeath reports whether the kind retires an identity and its aliases.
func (k Kind) IsDeath() bool {
	return k == KindNDeath || k == KindDDeath
}

// IsData reports whether the kind carries alias-compressed metric changes.
func (k Kind) IsData() bool {
	return k == KindNData || k == KindDData
}

// DeviceLevel reports whether the kind addresses a device rather than the
// node itself. Device-level topics carry a fifth segment.
func (k Kind) DeviceLevel() bool {
	return k == KindDBirth || k == KindDDeath || k == KindDData
}

// CarriesSeq reports whether payloads of this kind participate in the
// per-node sequence. Death certificates are registered before the session
// starts publishing, so they carry no sequence number; STATE is outside the
// node lifecycle entirely.
func (k Kind) CarriesSeq() bool {
	return k.IsBirth() || k.IsData()
}

func (k Kind) String() string {
	return string(k)
}
