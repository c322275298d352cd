package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultInterval is the publish interval when Config.Interval is zero.
const DefaultInterval = 30 * time.Second

// Status is the daemon's overall state.
type Status string

// Health status values.
const (
	StatusStarting Status = "starting"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusStopping Status = "stopping"
)

// Stats are the dispatcher figures included in every report.
type Stats struct {
	Connections int `json:"connections"`
	Capacity    int `json:"capacity"`
	Volume      int `json:"volume"`
}

// Report is the health message body.
type Report struct {
	DaemonID      string          `json:"daemon_id"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Timestamp     time.Time       `json:"timestamp"`
	Stats         Stats           `json:"stats"`
	Components    map[string]bool `json:"components,omitempty"`
}

// Publisher sends health messages, typically the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Logger interface for optional logging.
type Logger interface {
	Error(msg string, keysAndValues ...any)
}

// Config holds configuration for a Reporter.
type Config struct {
	// DaemonID identifies this instance, usually the MQTT client ID.
	DaemonID string

	Version string

	// Interval between publishes. Default: 30s
	Interval time.Duration

	// Publisher and Topic are optional; without a publisher the Reporter
	// only serves Current.
	Publisher Publisher
	Topic     string

	// Stats returns live dispatcher figures. Optional.
	Stats func() Stats

	// Checks maps a component name to its liveness probe.
	Checks map[string]func() bool
}

// Reporter publishes periodic health reports.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Stop may be called more
//     than once.
type Reporter struct {
	cfg       Config
	startTime time.Time
	now       func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewReporter creates a Reporter. Call Start to begin publishing.
func NewReporter(cfg Config) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reporter{
		cfg:       cfg,
		startTime: time.Now(),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (r *Reporter) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop ends reporting and publishes a final stopping report.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		//nolint:errcheck // best-effort during shutdown
		r.publish(r.build(StatusStopping, "daemon stopping"))
	})
}

// PublishStarting publishes a starting report.
func (r *Reporter) PublishStarting() error {
	return r.publish(r.build(StatusStarting, "daemon starting"))
}

// PublishNow publishes the current report immediately.
func (r *Reporter) PublishNow() error {
	return r.publish(r.Current())
}

// Current evaluates every check and returns the report.
func (r *Reporter) Current() Report {
	status, reason := StatusHealthy, ""
	if failed := r.failedChecks(); len(failed) > 0 {
		status = StatusDegraded
		reason = fmt.Sprintf("%s disconnected", failed[0])
	}
	return r.build(status, reason)
}

func (r *Reporter) failedChecks() []string {
	var failed []string
	for name, check := range r.cfg.Checks {
		if check == nil || !check() {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

func (r *Reporter) build(status Status, reason string) Report {
	now := r.now()
	rep := Report{
		DaemonID:      r.cfg.DaemonID,
		Status:        status,
		Reason:        reason,
		Version:       r.cfg.Version,
		UptimeSeconds: int64(now.Sub(r.startTime).Seconds()),
		Timestamp:     now.UTC(),
	}
	if r.cfg.Stats != nil {
		rep.Stats = r.cfg.Stats()
	}
	if len(r.cfg.Checks) > 0 {
		rep.Components = make(map[string]bool, len(r.cfg.Checks))
		for name, check := range r.cfg.Checks {
			rep.Components[name] = check != nil && check()
		}
	}
	return rep
}

func (r *Reporter) publish(rep Report) error {
	if r.cfg.Publisher == nil || r.cfg.Topic == "" {
		return nil
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding health report: %w", err)
	}
	return r.cfg.Publisher.Publish(r.cfg.Topic, payload, 1, true)
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	if err := r.PublishNow(); err != nil {
		r.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.PublishNow(); err != nil {
				r.logError("failed to publish health", err)
			}
		}
	}
}

func (r *Reporter) logError(msg string, err error) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
