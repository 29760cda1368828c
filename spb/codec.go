package spb

import (
	"fmt"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// Envelope is a fully parsed inbound message: topic, the identity it
// addresses, and the decoded payload. Metrics may still be alias-only; the
// consumer resolves them against its cache.
type Envelope struct {
	Topic    Topic
	Identity Identity
	Payload  Payload
}

// Kind returns the message kind carried by the topic.
func (e *Envelope) Kind() Kind {
	return e.Topic.Kind
}

// Decode parses a raw frame into an Envelope. Births are additionally
// required to name every metric they declare; an anonymous birth metric can
// never be resolved later and is rejected up front.
func Decode(topic string, data []byte) (*Envelope, error) {
	t, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}

	p, err := DecodePayload(data)
	if err != nil {
		return nil, err
	}

	if t.Kind.IsBirth() {
		for i, m := range p.Metrics {
			if m.Name == "" {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: birth metric %d has no name", errors.ErrMalformedPayload, i),
					"spb", "Decode", "birth validation")
			}
		}
	}

	return &Envelope{Topic: t, Identity: t.Identity(), Payload: p}, nil
}

// Encode builds the wire body for an outbound message. Births and data carry
// the sequence number; death certificates are registered before any sequence
// exists and STATE sits outside the node lifecycle, so both omit it.
func Encode(kind Kind, seq uint8, ts time.Time, metrics []Metric) ([]byte, error) {
	p := Payload{Timestamp: ts.UnixMilli(), Metrics: metrics}
	if kind.CarriesSeq() {
		s := seq
		p.Seq = &s
	}
	return p.Encode()
}
