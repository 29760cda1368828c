// Package metric manages Prometheus instrumentation for the gateway. It
// provides the shared registry, the core gateway metric set (protocol, queue,
// backpressure, session, OEE, fault, and sink instruments), and the HTTP
// server exposing them.
//
// Components receive *Metrics through their Deps struct; a nil value disables
// recording, so tests and embedded uses run without a registry. Components
// with instruments of their own register them through MetricsRegistry under a
// component-scoped name.
package metric
