// Package timeouts defines shared timeout constants used across the sync
// service. Centralizing these values prevents drift between the transport,
// engine, and persistence layers and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the service waits for in-flight work, including
// final session snapshots, during graceful shutdown.
const Shutdown = 10 * time.Second

// IdleSession is how long a session may sit with zero participants before it
// is evicted from memory.
const IdleSession = 30 * time.Minute

// SessionSweep is how often idle sessions are looked for.
const SessionSweep = time.Minute

// SnapshotWrite caps a synchronous snapshot write, such as the final snapshot
// taken before eviction.
const SnapshotWrite = 5 * time.Second

// HealthDial caps the wait time when dialing the gRPC health endpoint.
const HealthDial = 2 * time.Second

// WebSocketWrite caps a single outbound frame write to a participant.
const WebSocketWrite = 10 * time.Second
