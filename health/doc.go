// Package health provides health status tracking and aggregation for
// gateway components.
//
// Long-running components (the broker session, the store-and-forward
// queue, the stream pipeline) expose a Health() snapshot built from the
// constructors here. The Monitor collects those snapshots so the gateway
// binary can log a periodic system summary and answer liveness checks
// with a single aggregated Status.
//
// Aggregation is conservative: one unhealthy component marks the system
// unhealthy, one degraded component (with none unhealthy) marks it
// degraded.
package health
