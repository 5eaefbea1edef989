package algoserver

import "github.com/chromiumos/camalgo/metrics"

// Updated by Server, so they are exported by the process that owns the socket.
var (
	sessionsCounter = metrics.NewCounterVec("server", "sessions_total", "Client sessions served, by outcome",
		"outcome")
	handshakeFailuresCounter = metrics.NewCounter("server", "handshake_failures_total",
		"Connections closed because the handshake failed")
	sessionDuration = metrics.NewHistogram("server", "session_seconds", "Lifetime of client sessions")
)

// Updated by the session's Adapter. They only reach the metrics endpoint when sessions run in process.
var (
	callsCounter = metrics.NewCounterVec("server", "calls_total", "Calls received from clients, by operation", "op")

	callbacksCounter = metrics.NewCounterVec("server", "callbacks_total", "Vendor return callbacks, by outcome",
		"outcome")

	sessionsGauge = metrics.NewGauge("server", "bound_sessions", "Number of bound client sessions")

	registerBufferDuration = metrics.NewHistogram("server", "register_buffer_seconds",
		"Time spent in vendor RegisterBuffer")
)
