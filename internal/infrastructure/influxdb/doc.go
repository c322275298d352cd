// Package influxdb provides InfluxDB connectivity for event telemetry.
//
// It wraps influxdb-client-go v2 with connection checks, batched
// non-blocking writes, and health monitoring. The telemetry sink records
// one point per decoded event in the "midi_events" measurement.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) {
//	    logger.Warn("telemetry write failed", "error", err)
//	})
//	client.WritePoint("midi_events", tags, fields)
package influxdb
