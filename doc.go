// Package edgegateway documents the industrial edge telemetry gateway: a
// single binary that sits between plant-floor equipment and the site MQTT
// broker, speaks a Sparkplug-style birth/death protocol, and turns the raw
// metric stream into normalized telemetry, per-machine OEE windows, and
// deduplicated fault events.
//
// # Philosophy
//
// The gateway is an edge component. It assumes the network to the broker is
// unreliable, the equipment side is noisy, and everything downstream is
// somebody else's database. From those assumptions follow its three rules:
//
//   - Never block a producer. Equipment polls, broker callbacks, and
//     pipeline submissions always complete immediately; overload is
//     absorbed by bounded buffers and resolved by dropping the oldest or
//     the newest data, counted either way.
//   - Never lose the session contract. Births carry the full metric
//     declaration with alias assignments, deaths invalidate them, sequence
//     numbers expose gaps. Both sides of the conversation can rebuild their
//     state from the wire alone.
//   - Degrade, don't die. A lost journal runs memory-only, a dead sink is
//     skipped and counted, a malformed frame is dropped and logged. Only
//     invalid configuration stops the process.
//
// # Architecture
//
// Two independent paths share one process:
//
//	                     PUBLISH PATH
//	┌───────────┐   ┌─────────┐   ┌─────────────────────┐
//	│ connector │ → │ sampler │ → │  session manager    │ → MQTT broker
//	│ (PLC sim) │   │ (paced) │   │  birth/death, seq,  │
//	└───────────┘   └─────────┘   │  alias assignment   │
//	      ↑              ↑        └──────────┬──────────┘
//	      │        backpressure              │ offline
//	      │        (queue depth)       ┌─────▼──────┐
//	      │              ↑             │   queue    │
//	      └──────────────┴─────────────│ (journal)  │
//	                                   └────────────┘
//
//	                     SUBSCRIBE PATH
//	MQTT broker → ┌──────────┐   ┌───────────────────────────┐
//	              │ pipeline │ → │ decode → sequence → alias │
//	              │ (submit) │   │ → normalize → OEE/faults  │
//	              └──────────┘   └────────────┬──────────────┘
//	                                          ↓
//	                          ┌───────────────┼───────────────┐
//	                          ↓               ↓               ↓
//	                     ┌────────┐      ┌─────────┐     ┌────────┐
//	                     │  NATS  │      │  Kafka  │     │  file  │
//	                     │  sink  │      │  sink   │     │ JSONL  │
//	                     └────────┘      └─────────┘     └────────┘
//
// The publish path samples equipment tags, publishes them as protocol data
// frames, and falls back to the store-and-forward queue whenever the broker
// session is down; the backpressure controller watches queue depth and slows
// the sampler while the backlog is high. The subscribe path consumes every
// frame in the gateway's group (its own included), maintains per-identity
// alias tables and sequence counters, normalizes raw readings through the
// mapping table, folds them into OEE windows and fault state, and fans the
// results out to the sinks on two streams: telemetry (per-metric samples)
// and events (closed windows, fault transitions).
//
// # Packages
//
// Protocol:
//   - spb: message kinds, topic codec, JSON payload codec, alias tables
//   - session: connection state machine, births/deaths, will registration,
//     backlog replay
//   - sequence: per-node mod-256 sequence validation
//   - aliascache: per-identity alias resolution with TTL eviction
//
// Streams:
//   - normalize: mapping table (YAML, reloadable), quality gate, deadband,
//     scaling
//   - oee: rolling availability/performance/quality windows, MTTR/MTBF
//   - fault: fault lifecycle with dedup, merge, acknowledge, retention
//   - pipeline: the subscribe path's decode and apply tasks
//   - sink: record envelope, NATS/Kafka/file/channel sinks, best-effort
//     fan-out
//
// Equipment:
//   - connector: tag-read capability, driver registry, adaptive sampler
//   - connector/simulator: deterministic synthetic press line
//
// Infrastructure:
//   - queue: bounded store-and-forward buffer with JSONL journal
//   - backpressure: queue-depth hysteresis signal
//   - config: defaults + JSON file + EDGEGW_* environment overrides
//   - errors: classification (transient/invalid/fatal) and sentinels
//   - health: component status snapshots and aggregation
//   - metric: Prometheus registry, core gateway metric set, scrape server
//   - pkg/retry: jittered exponential backoff
//
// # Design Principles
//
// Explicit lifecycle:
//   - New builds, Start(ctx) launches, Stop(timeout) waits
//   - every background task owns a done channel
//   - no globals, dependencies arrive through Deps structs
//
// Bounded everything:
//   - channels, queues, and histories all carry a capacity
//   - overflow policy is always drop-plus-count, never block
//
// Observable by default:
//   - structured logging via log/slog with component-scoped loggers
//   - Prometheus counters for every drop, gap, miss, and transition
//   - Health() snapshots aggregated into a periodic summary
//
// # Binary
//
// Build and run the gateway:
//
//	go build -o bin/gateway ./cmd/gateway
//
//	# Run against a local broker with the demo config
//	./bin/gateway --config configs/gateway.json
//
//	# Validate configuration without starting
//	./bin/gateway --config configs/gateway.json --validate
//
//	# Reload the mapping table without a restart
//	kill -HUP $(pidof gateway)
//
// Identity, broker address, and credentials can come entirely from the
// environment (EDGEGW_GROUP_ID, EDGEGW_NODE_ID, EDGEGW_MQTT_BROKER_URL,
// EDGEGW_MQTT_USERNAME, EDGEGW_MQTT_PASSWORD), which is how containerized
// deployments are expected to run.
package edgegateway
