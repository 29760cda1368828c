package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

func TestNATSConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     NATSConfig
		wantErr bool
	}{
		{"valid", NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "edge"}, false},
		{"missing url", NATSConfig{SubjectPrefix: "edge"}, true},
		{"missing prefix", NATSConfig{URL: "nats://localhost:4222"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNATSConfig_Defaults(t *testing.T) {
	cfg := NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "edge"}.withDefaults()

	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 5*time.Second, cfg.FlushTimeout)
}

func TestNewNATS_RejectsInvalidConfig(t *testing.T) {
	_, err := NewNATS(NATSConfig{}, nil)
	require.Error(t, err)
	assert.True(t, gwerrors.IsInvalid(err))
}

// The client is created with lazy connection establishment, so the sink
// comes up without a reachable server and fails writes until the link is
// ready.
func TestNATS_OfflineWritesFailFast(t *testing.T) {
	n, err := NewNATS(NATSConfig{
		URL:           "nats://127.0.0.1:59872",
		SubjectPrefix: "edge.plant-a",
		ReconnectWait: time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	assert.Equal(t, "nats", n.Name())
	assert.Equal(t, "edge.plant-a.telemetry", n.Subject(StreamTelemetry))
	assert.Equal(t, "edge.plant-a.events", n.Subject(StreamEvents))

	err = n.Write(context.Background(), testRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerrors.ErrNotConnected)
	assert.True(t, gwerrors.IsTransient(err))
}

func TestNATS_CloseIsSafeWhileDisconnected(t *testing.T) {
	n, err := NewNATS(NATSConfig{
		URL:           "nats://127.0.0.1:59872",
		SubjectPrefix: "edge",
		ReconnectWait: time.Hour,
	}, nil)
	require.NoError(t, err)

	assert.NoError(t, n.Close())
}
