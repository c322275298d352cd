// Package logging provides structured logging for the btmidid daemon.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stderr"   # stdout, stderr
//
// # Throttling
//
// Connection workers report malformed frames and unknown commands at warn
// level. A Throttle keyed by connection ID caps how many of those records a
// single client can produce:
//
//	th := logging.NewThrottle(cfg.Daemon.LogRate, cfg.Daemon.LogBurst, 0)
//	if th.Allow(connID, time.Now()) {
//	    logger.Warn("malformed frame", "conn", connID, "error", err)
//	}
//
// Never log secrets such as MQTT passwords or InfluxDB tokens.
package logging
