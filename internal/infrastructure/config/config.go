package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for btmidid.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Radio    RadioConfig    `yaml:"radio"`
	Serial   SerialConfig   `yaml:"serial"`
	Control  ControlConfig  `yaml:"control"`
	Sink     SinkConfig     `yaml:"sink"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DaemonConfig contains connection admission and shutdown settings.
type DaemonConfig struct {
	// MaxClients is the number of concurrent stream connections served.
	// Connections beyond it are closed on accept. Default: 10
	MaxClients int `yaml:"max_clients"`

	// ShutdownTimeout is how long (seconds) workers get to finish after a
	// signal before their connections are closed. Default: 5
	ShutdownTimeout int `yaml:"shutdown_timeout"`

	// LogRate and LogBurst throttle repeated per-connection warnings
	// (rejections, desyncs, decode failures). Default: 1/s, burst 5
	LogRate  float64 `yaml:"log_rate"`
	LogBurst int     `yaml:"log_burst"`
}

// RadioConfig contains the RFCOMM listener settings.
type RadioConfig struct {
	Enabled bool `yaml:"enabled"`

	// Channel is the RFCOMM channel to bind (1-30). Default: 1
	Channel int `yaml:"channel"`

	// Terminator ends each frame: "nul" (default) or "newline".
	Terminator string `yaml:"terminator"`

	// Listen replaces the RFCOMM socket with a stream listener such as
	// "tcp://0.0.0.0:7070" or "unix:///run/btmidid/radio.sock". Frames are
	// the same. Empty means RFCOMM.
	Listen string `yaml:"listen,omitempty"`

	// Helper optionally supervises a Bluetooth helper process.
	Helper HelperConfig `yaml:"helper"`
}

// HelperConfig describes a supervised helper process started before the
// radio listener (for example an SDP registration tool).
type HelperConfig struct {
	Managed bool     `yaml:"managed"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`

	// RestartOnFailure restarts the helper when it exits. Default: true
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the pause before a restart. Default: 5
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restarts. 0 means unlimited. Default: 10
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// SerialConfig contains the serial line settings.
type SerialConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`

	// Parity is one of none, odd, even, mark, space. Default: none
	Parity string `yaml:"parity"`

	// StopBits is 1 or 2. Default: 1
	StopBits int `yaml:"stop_bits"`

	// Terminator ends each frame. Default: newline
	Terminator string `yaml:"terminator"`

	// ReopenDelay is the pause (milliseconds) before reopening the device
	// after it closed or failed to open. Default: 1000
	ReopenDelay int `yaml:"reopen_delay"`
}

// ControlConfig contains the Unix control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`

	// SocketMode is the octal permission of the socket file. Default: "0770"
	SocketMode string `yaml:"socket_mode"`

	// Backlog is the listen queue length. Default: 8
	Backlog int `yaml:"backlog"`
}

// SinkConfig selects where decoded events go.
type SinkConfig struct {
	MIDI MIDISinkConfig `yaml:"midi"`
	MQTT MQTTSinkConfig `yaml:"mqtt"`
}

// MIDISinkConfig contains MIDI output settings.
type MIDISinkConfig struct {
	Enabled bool `yaml:"enabled"`

	// Ports lists output port selectors: port number, name or name
	// fragment such as "128:0".
	Ports []string `yaml:"ports"`

	// ReadyChime plays the startup chime once the ports resolve. Default: true
	ReadyChime bool `yaml:"ready_chime"`

	// ChimeGap is the pause (milliseconds) between chime notes. Default: 300
	ChimeGap int `yaml:"chime_gap"`
}

// MQTTSinkConfig mirrors events onto MQTT.
type MQTTSinkConfig struct {
	Enabled bool `yaml:"enabled"`
	QoS     int  `yaml:"qos"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// TopicPrefix is the root of every topic. Default: "btmidi"
	TopicPrefix string `yaml:"topic_prefix"`

	// ControlIngress subscribes to {prefix}/control and feeds payloads to
	// the control plane as command lines.
	ControlIngress bool `yaml:"control_ingress"`

	// HealthInterval is how often (seconds) health is published. Default: 30
	HealthInterval int `yaml:"health_interval"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the status HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Option adjusts a Config after file and environment values are applied
// and before validation. Command-line flags use it.
type Option func(*Config)

// WithMIDIPorts replaces the configured MIDI output ports.
// An empty list leaves the configured ports in place.
func WithMIDIPorts(ports []string) Option {
	return func(c *Config) {
		if len(ports) > 0 {
			c.Sink.MIDI.Ports = ports
		}
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//  4. Options (command-line flags)
//
// Environment variables follow the pattern: BTMIDID_SECTION_KEY
// For example: BTMIDID_MQTT_HOST, BTMIDID_CONTROL_SOCKET
//
// Parameters:
//   - path: Path to the YAML configuration file
//   - opts: Final adjustments applied before validation
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string, opts ...Option) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg, opts)
}

// LoadOptional behaves like Load but falls back to defaults when the file
// does not exist.
func LoadOptional(path string, opts ...Option) (*Config, error) {
	cfg, err := Load(path, opts...)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	return finish(defaultConfig(), opts)
}

func finish(cfg *Config, opts []Option) (*Config, error) {
	applyEnvOverrides(cfg)

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			MaxClients:      10,
			ShutdownTimeout: 5,
			LogRate:         1,
			LogBurst:        5,
		},
		Radio: RadioConfig{
			Enabled:    true,
			Channel:    1,
			Terminator: "nul",
			Helper: HelperConfig{
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
			},
		},
		Serial: SerialConfig{
			Device:      "/dev/ttyS0",
			BaudRate:    115200,
			DataBits:    8,
			Parity:      "none",
			StopBits:    1,
			Terminator:  "newline",
			ReopenDelay: 1000,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "/tmp/.midi-unix",
			SocketMode: "0770",
			Backlog:    8,
		},
		Sink: SinkConfig{
			MIDI: MIDISinkConfig{
				Enabled:    true,
				ReadyChime: true,
				ChimeGap:   300,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "btmidid",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix:    "btmidi",
			HealthInterval: 30,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "btmidi",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 9110,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BTMIDID_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Control socket
	if v := os.Getenv("BTMIDID_CONTROL_SOCKET"); v != "" {
		cfg.Control.SocketPath = v
	}

	// Serial
	if v := os.Getenv("BTMIDID_SERIAL_DEVICE"); v != "" {
		cfg.Serial.Device = v
	}

	// MIDI output
	if v := os.Getenv("BTMIDID_MIDI_PORTS"); v != "" {
		cfg.Sink.MIDI.Ports = splitList(v)
	}

	// MQTT
	if v := os.Getenv("BTMIDID_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BTMIDID_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BTMIDID_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("BTMIDID_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("BTMIDID_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Daemon.MaxClients < 1 {
		errs = append(errs, "daemon.max_clients must be at least 1")
	}
	if c.Daemon.ShutdownTimeout < 0 {
		errs = append(errs, "daemon.shutdown_timeout cannot be negative")
	}

	if !c.Radio.Enabled && !c.Serial.Enabled && !c.Control.Enabled {
		errs = append(errs, "at least one of radio, serial or control must be enabled")
	}

	if c.Radio.Enabled {
		if c.Radio.Listen == "" && (c.Radio.Channel < 1 || c.Radio.Channel > 30) {
			errs = append(errs, "radio.channel must be between 1 and 30")
		}
		if !validTerminator(c.Radio.Terminator) {
			errs = append(errs, "radio.terminator must be nul or newline")
		}
		if c.Radio.Helper.Managed && c.Radio.Helper.Binary == "" {
			errs = append(errs, "radio.helper.binary is required when the helper is managed")
		}
	}

	if c.Serial.Enabled {
		errs = append(errs, c.Serial.validate()...)
	}

	if c.Control.Enabled {
		if c.Control.SocketPath == "" {
			errs = append(errs, "control.socket_path is required")
		}
		if _, err := c.Control.Mode(); err != nil {
			errs = append(errs, "control.socket_mode must be an octal permission such as 0770")
		}
	}

	if !c.Sink.MIDI.Enabled && !c.Sink.MQTT.Enabled {
		errs = append(errs, "at least one of sink.midi or sink.mqtt must be enabled")
	}
	if c.Sink.MIDI.Enabled && len(c.Sink.MIDI.Ports) == 0 {
		errs = append(errs, "sink.midi.ports needs at least one port (use -p client:port)")
	}
	if c.Sink.MQTT.Enabled && !c.MQTT.Enabled {
		errs = append(errs, "sink.mqtt requires mqtt.enabled")
	}
	if c.Sink.MQTT.QoS < 0 || c.Sink.MQTT.QoS > 2 {
		errs = append(errs, "sink.mqtt.qos must be 0, 1, or 2")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (s SerialConfig) validate() []string {
	var errs []string
	if s.Device == "" {
		errs = append(errs, "serial.device is required")
	}
	if s.BaudRate < 1 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		errs = append(errs, "serial.data_bits must be between 5 and 8")
	}
	switch strings.ToLower(s.Parity) {
	case "", "none", "odd", "even", "mark", "space":
	default:
		errs = append(errs, "serial.parity must be none, odd, even, mark or space")
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		errs = append(errs, "serial.stop_bits must be 1 or 2")
	}
	if !validTerminator(s.Terminator) {
		errs = append(errs, "serial.terminator must be nul or newline")
	}
	return errs
}

func validTerminator(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nul", "null", "zero", "newline", "lf", `\n`:
		return true
	default:
		return false
	}
}

// Mode parses SocketMode as an octal file mode.
func (c ControlConfig) Mode() (os.FileMode, error) {
	if c.SocketMode == "" {
		return 0o770, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(c.SocketMode, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing socket mode %q: %w", c.SocketMode, err)
	}
	return os.FileMode(v).Perm(), nil
}

// GetShutdownTimeout returns the worker grace period as a Duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Daemon.ShutdownTimeout) * time.Second
}

// GetSerialReopenDelay returns the serial reopen delay as a Duration.
func (c *Config) GetSerialReopenDelay() time.Duration {
	return time.Duration(c.Serial.ReopenDelay) * time.Millisecond
}

// GetChimeGap returns the ready chime gap as a Duration.
func (c *Config) GetChimeGap() time.Duration {
	return time.Duration(c.Sink.MIDI.ChimeGap) * time.Millisecond
}

// GetHealthInterval returns the MQTT health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.MQTT.HealthInterval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
