// Package api implements btmidid's status HTTP server.
//
// This package provides:
//   - GET /api/v1/health: the health report shared with the MQTT reporter
//   - GET /api/v1/status: live connections, slots, parameters and runtime stats
//   - GET /api/v1/ws: WebSocket stream of decoded events ("midi.note", ...)
//   - GET /metrics: Prometheus exposition
//   - Middleware stack (request ID, logging, recovery)
//
// The server is read-only. It never changes daemon state; control commands
// go through the control socket or the MQTT control topic.
package api
