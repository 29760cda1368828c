// Package connector defines the equipment-side capability the gateway polls
// for raw tag values, a factory registry so protocol drivers plug in without
// touching the core, and the Sampler that turns periodic tag reads into
// published data frames at a backpressure-adaptive rate.
package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// DataPoint is one raw tag read. Err marks a per-tag failure; the batch as a
// whole still succeeds so one bad address cannot starve the others.
type DataPoint struct {
	// Address is the driver-side tag address, carried through as the
	// metric name for the mapping table to translate.
	Address   string
	Value     any
	DataType  spb.DataType
	Quality   uint8
	Timestamp time.Time
	Err       error
}

// Connector reads tag values from one piece of equipment over some
// industrial protocol. Implementations own their connection state;
// ReadTags on a dropped connection should fail so the Sampler can
// reconnect.
type Connector interface {
	Connect(ctx context.Context) error
	// ReadTags reads the given addresses. The slice is positional: one
	// DataPoint per requested address, failed reads flagged via Err.
	ReadTags(ctx context.Context, addresses []string) ([]DataPoint, error)
	Disconnect() error
}

// Deps carries the collaborators handed to every connector factory.
type Deps struct {
	Logger *slog.Logger
}

// Factory builds a connector from its raw JSON configuration block. The
// factory parses and validates its own config; I/O belongs in Connect, not
// here.
type Factory func(rawConfig json.RawMessage, deps Deps) (Connector, error)
