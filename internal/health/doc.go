// Package health builds btmidid's health report and publishes it to MQTT.
//
// A Reporter evaluates named component checks (broker, telemetry backend)
// together with live dispatcher statistics. The report is published as a
// retained JSON message at a fixed interval and is also served by the
// status API, so both surfaces agree.
//
// Status values:
//   - starting: published once during startup
//   - healthy: every check passes
//   - degraded: at least one check fails; Reason names the first one
//   - stopping: published once on graceful shutdown
package health
