package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/btmidi/btmidid/internal/dispatch"
	"github.com/btmidi/btmidid/internal/health"
	"github.com/btmidi/btmidid/internal/params"
)

// Status is the /api/v1/status response.
type Status struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Health        health.Status       `json:"health"`
	Components    map[string]bool     `json:"components,omitempty"`
	Slots         SlotStatus          `json:"slots"`
	Connections   []dispatch.ConnInfo `json:"connections"`
	Params        *params.Snapshot    `json:"params,omitempty"`
	Control       *ControlStatus      `json:"control,omitempty"`
	WebSocket     WSStatus            `json:"websocket"`
	Runtime       RuntimeMetrics      `json:"runtime"`
}

// SlotStatus summarises the connection slot table.
type SlotStatus struct {
	Capacity int `json:"capacity"`
	Occupied int `json:"occupied"`
}

// ControlStatus contains control socket statistics.
type ControlStatus struct {
	Clients int `json:"clients"`
}

// WSStatus contains WebSocket hub statistics.
type WSStatus struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedMessages  uint64 `json:"dropped_messages"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// handleStatus returns live daemon state.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	rep := s.health.Current()
	status := Status{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Health:        rep.Status,
		Components:    rep.Components,
		Slots: SlotStatus{
			Capacity: rep.Stats.Capacity,
			Occupied: rep.Stats.Connections,
		},
		Connections: []dispatch.ConnInfo{},
		WebSocket: WSStatus{
			ConnectedClients: s.hub.ClientCount(),
			DroppedMessages:  s.hub.Dropped(),
		},
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.connections != nil {
		if active := s.connections.Active(); active != nil {
			status.Connections = active
		}
		status.Slots.Occupied = len(status.Connections)
	}
	if s.params != nil {
		snap := s.params.Snapshot()
		status.Params = &snap
	}
	if s.control != nil {
		status.Control = &ControlStatus{Clients: s.control.Clients()}
	}

	writeJSON(w, http.StatusOK, status)
}
