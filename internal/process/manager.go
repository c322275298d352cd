package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/btmidi/btmidid/internal/infrastructure/config"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// HelperName is the process name used for the radio helper.
const HelperName = "radio-helper"

// maxOutputLine caps one logged output line.
const maxOutputLine = 64 * 1024

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the executable path or a name looked up in PATH.
	Binary string
	Args   []string

	// Env are additional KEY=value pairs appended to the parent environment.
	Env []string

	// RestartOnFailure enables automatic restart when the process exits.
	RestartOnFailure bool

	// RestartDelay is the first restart delay; it doubles per attempt up
	// to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the attempt counter
	// to reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	OnStart   func()
	OnStop    func(err error)
	OnRestart func(attempt int)
}

// DefaultConfig returns a Config with restart enabled and default delays.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:               name,
		Binary:             binary,
		Args:               args,
		RestartOnFailure:   true,
		RestartDelay:       5 * time.Second,
		MaxRestartDelay:    5 * time.Minute,
		StableThreshold:    2 * time.Minute,
		MaxRestartAttempts: 10,
		GracefulTimeout:    10 * time.Second,
	}
}

// FromHelperConfig builds the radio helper's Config.
func FromHelperConfig(hc config.HelperConfig) Config {
	cfg := DefaultConfig(HelperName, hc.Binary, hc.Args)
	cfg.RestartOnFailure = hc.RestartOnFailure
	cfg.MaxRestartAttempts = hc.MaxRestartAttempts
	if hc.RestartDelaySeconds > 0 {
		cfg.RestartDelay = time.Duration(hc.RestartDelaySeconds) * time.Second
	}
	return cfg
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager supervises one subprocess.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Start may be called again
//     after Stop returns.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	output        [2]*lineLogger
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	// stop is closed by Stop; done is closed when the monitor exits.
	stop chan struct{}
	done chan struct{}
}

// NewManager creates a process manager. Zero durations take defaults.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = cfg.RestartDelay
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = 2 * time.Minute
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = HelperName
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager. A nil logger silences it.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

func (m *Manager) log() Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// Start launches the subprocess and begins supervising it.
//
// Returns:
//   - error: ErrInvalidConfig without a binary, ErrAlreadyRunning while
//     supervised, or the launch failure
func (m *Manager) Start(ctx context.Context) error {
	if m.config.Binary == "" {
		return fmt.Errorf("%w: %s has no binary", ErrInvalidConfig, m.config.Name)
	}

	m.mu.Lock()
	if m.status == StatusStarting || m.status == StatusRunning || m.supervising() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.restartCount = 0
	m.stop = make(chan struct{})
	m.done = nil
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.done = make(chan struct{})
	done, stop := m.done, m.stop
	m.mu.Unlock()

	go m.monitor(ctx, stop, done)
	return nil
}

// supervising reports whether a monitor goroutine is live. Callers hold mu.
func (m *Manager) supervising() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// startProcess launches one instance in its own process group.
func (m *Manager) startProcess(ctx context.Context) error {
	log := m.log()
	log.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // binary comes from the daemon's own config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, unix.SIGTERM)
	}
	cmd.WaitDelay = m.config.GracefulTimeout
	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}

	stdout := &lineLogger{m: m, stream: "stdout"}
	stderr := &lineLogger{m: m, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &startError{err: fmt.Errorf("starting %s: %w", m.config.Name, err)}
	}

	m.mu.Lock()
	m.cmd = cmd
	m.output = [2]*lineLogger{stdout, stderr}
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	log.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)

	if m.config.OnStart != nil {
		m.config.OnStart()
	}
	return nil
}

// lineLogger logs each line a stream carries. Wait finishes copying into
// it before returning, so no output is lost at exit.
type lineLogger struct {
	m      *Manager
	stream string
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxOutputLine {
		l.flush()
	}
	return len(p), nil
}

// flush logs an unterminated remainder.
func (l *lineLogger) flush() {
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.m.log().Info("process output",
		"name", l.m.config.Name,
		"stream", l.stream,
		"line", string(line),
	)
}

// monitor waits for each run to end and restarts the process as configured.
func (m *Manager) monitor(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	for {
		m.mu.RLock()
		cmd, started, output := m.cmd, m.startTime, m.output
		m.mu.RUnlock()

		err := cmd.Wait()
		ran := time.Since(started)
		for _, l := range output {
			l.flush()
		}

		m.mu.Lock()
		stopRequested := m.stopRequested
		m.mu.Unlock()

		if stopRequested || ctx.Err() != nil {
			m.setStopped(nil)
			m.log().Info("process stopped", "name", m.config.Name)
			if m.config.OnStop != nil {
				m.config.OnStop(nil)
			}
			return
		}

		if err == nil {
			err = fmt.Errorf("%s exited", m.config.Name)
		}
		m.log().Warn("process exited unexpectedly", "name", m.config.Name, "error", err, "ran", ran.Round(time.Millisecond))
		m.setFailed(err)
		if m.config.OnStop != nil {
			m.config.OnStop(err)
		}

		if !m.restartLoop(ctx, stop, ran) {
			return
		}
	}
}

// restartLoop waits and relaunches until a start succeeds. It returns false
// when supervision should end.
func (m *Manager) restartLoop(ctx context.Context, stop chan struct{}, ran time.Duration) bool {
	if !m.config.RestartOnFailure {
		m.log().Info("restart disabled, not restarting", "name", m.config.Name)
		return false
	}

	m.mu.Lock()
	if ran >= m.config.StableThreshold {
		m.restartCount = 0
	}
	m.mu.Unlock()

	for {
		m.mu.Lock()
		m.restartCount++
		attempt := m.restartCount
		m.mu.Unlock()

		if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
			m.log().Error("max restart attempts reached", "name", m.config.Name, "attempts", attempt-1)
			return false
		}

		delay := m.calculateBackoffDelay(attempt)
		m.log().Info("restarting process", "name", m.config.Name, "attempt", attempt, "delay", delay)
		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setStopped(nil)
			return false
		case <-stop:
			timer.Stop()
			m.setStopped(nil)
			return false
		case <-timer.C:
		}

		err := m.startProcess(ctx)
		if err == nil {
			return true
		}
		m.setFailed(err)
		if !IsRecoverable(err) {
			m.log().Error("process cannot be started, giving up", "name", m.config.Name, "error", err)
			return false
		}
		m.log().Error("failed to restart process", "name", m.config.Name, "error", err)
	}
}

// calculateBackoffDelay doubles RestartDelay per attempt, capped at
// MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

func (m *Manager) setStopped(err error) {
	m.mu.Lock()
	m.status = StatusStopped
	if err != nil {
		m.lastError = err
	}
	m.mu.Unlock()
}

func (m *Manager) setFailed(err error) {
	m.mu.Lock()
	m.status = StatusFailed
	m.lastError = err
	m.mu.Unlock()
}

// Stop ends supervision. The process group gets SIGTERM, then SIGKILL
// after GracefulTimeout. Calling Stop on a stopped Manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stop == nil || m.stopRequested {
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	m.stopRequested = true
	close(m.stop)
	cmd, done := m.cmd, m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}

	if cmd != nil && cmd.Process != nil {
		m.log().Info("stopping process", "name", m.config.Name, "pid", cmd.Process.Pid)
		if err := signalGroup(cmd, unix.SIGTERM); err != nil {
			m.log().Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.log().Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	if err := signalGroup(cmd, unix.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}
	<-done
	return nil
}

// signalGroup signals the process group created via Setpgid. A group that
// has already exited is not an error.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the last error that caused the process to exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns the number of consecutive restart attempts.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Uptime returns how long the current run has lasted, or 0.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or 0 if not running.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRunning && m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats describes the managed process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		RestartCount: m.restartCount,
	}
	if m.status == StatusRunning {
		if m.cmd != nil && m.cmd.Process != nil {
			stats.PID = m.cmd.Process.Pid
		}
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}
