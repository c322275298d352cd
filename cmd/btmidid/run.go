package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/btmidi/btmidid/internal/api"
	"github.com/btmidi/btmidid/internal/control"
	"github.com/btmidi/btmidid/internal/dispatch"
	"github.com/btmidi/btmidid/internal/frame"
	"github.com/btmidi/btmidid/internal/health"
	"github.com/btmidi/btmidid/internal/infrastructure/config"
	"github.com/btmidi/btmidid/internal/infrastructure/influxdb"
	"github.com/btmidi/btmidid/internal/infrastructure/logging"
	"github.com/btmidi/btmidid/internal/infrastructure/metrics"
	"github.com/btmidi/btmidid/internal/infrastructure/mqtt"
	"github.com/btmidi/btmidid/internal/params"
	"github.com/btmidi/btmidid/internal/process"
	"github.com/btmidi/btmidid/internal/sink"
	"github.com/btmidi/btmidid/internal/sink/livesink"
	"github.com/btmidi/btmidid/internal/sink/midisink"
	"github.com/btmidi/btmidid/internal/sink/mqttsink"
	"github.com/btmidi/btmidid/internal/sink/telemetry"
	"github.com/btmidi/btmidid/internal/slot"
	"github.com/btmidi/btmidid/internal/transport"
)

// throttleIdleTTL is how long an idle connection's warning budget is kept.
const throttleIdleTTL = time.Minute

// listenerSpec pairs a stream listener with its frame format.
type listenerSpec struct {
	ln   transport.Listener
	spec frame.Spec
}

// run wires every component and blocks until ctx is cancelled.
//
// Startup order: logging, shared state, broker and database clients, the
// radio helper, sinks, dispatcher, control socket, health, API, and last
// the stream listeners. Shutdown runs in reverse via defers, after the
// dispatcher's grace period.
func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting btmidid", "version", version, "commit", commit, "build_date", date)

	m := metrics.New()
	prm := params.New()
	m.SetVolume(prm.Volume())
	slots := slot.New(cfg.Daemon.MaxClients)

	// MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var err error
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log)
		defer func() {
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT client", "error", closeErr)
			}
		}()
		log.Info("MQTT connected", "broker", cfg.MQTT.Broker.Host, "port", cfg.MQTT.Broker.Port)
	}

	// InfluxDB telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		var err error
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB client", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Radio helper process (optional)
	var helper *process.Manager
	if cfg.Radio.Enabled && cfg.Radio.Helper.Managed {
		helper = process.NewManager(process.FromHelperConfig(cfg.Radio.Helper))
		helper.SetLogger(log.With("component", process.HelperName))
		if err := helper.Start(ctx); err != nil {
			return fmt.Errorf("starting radio helper: %w", err)
		}
		defer func() {
			if stopErr := helper.Stop(); stopErr != nil {
				log.Error("error stopping radio helper", "error", stopErr)
			}
		}()
	}

	hub := api.NewHub(log)
	out, closeSinks, err := buildSinks(ctx, cfg, log, mqttClient, influxClient, hub)
	if err != nil {
		return err
	}
	defer closeSinks()

	disp, err := dispatch.New(dispatch.Options{
		Slots:    slots,
		Sink:     out,
		Params:   prm,
		Metrics:  m,
		Throttle: logging.NewThrottle(cfg.Daemon.LogRate, cfg.Daemon.LogBurst, throttleIdleTTL),
		Logger:   log.With("component", "dispatch"),
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	// Control socket (optional)
	var mux *control.Multiplexer
	if cfg.Control.Enabled {
		mode, err := cfg.Control.Mode()
		if err != nil {
			return err
		}
		mux, err = control.Listen(control.Options{
			SocketPath: cfg.Control.SocketPath,
			Mode:       mode,
			Backlog:    cfg.Control.Backlog,
			Params:     prm,
			Sink:       out,
			Metrics:    m,
			Logger:     log.With("component", "control"),
		})
		if err != nil {
			return fmt.Errorf("opening control socket: %w", err)
		}
		if mqttClient != nil && cfg.MQTT.ControlIngress {
			if err := subscribeControl(mqttClient, mux); err != nil {
				return err
			}
		}
	}

	reporter := newReporter(cfg, mqttClient, influxClient, helper, slots, prm)
	reporter.SetLogger(log)
	if err := reporter.PublishStarting(); err != nil {
		log.Warn("publishing starting health failed", "error", err)
	}
	reporter.Start(ctx)
	defer reporter.Stop()

	// Status API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			Logger:      log,
			Health:      reporter,
			Version:     version,
			Connections: disp,
			Params:      prm,
			Metrics:     m,
			Hub:         hub,
		}
		if mux != nil {
			deps.Control = mux
		}
		srv, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	listeners, err := openListeners(cfg, log)
	if err != nil {
		return err
	}

	// Serve shares gctx with its workers: a signal closes the listeners and
	// each worker stops when its pending read returns. Shutdown below closes
	// reads that stay blocked past the grace period.
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			return disp.Serve(gctx, l.ln, l.spec)
		})
	}
	if mux != nil {
		g.Go(func() error {
			return mux.Run(gctx)
		})
	}

	log.Info("btmidid started",
		"listeners", len(listeners),
		"max_clients", cfg.Daemon.MaxClients,
		"control", cfg.Control.Enabled,
	)
	if err := reporter.PublishNow(); err != nil {
		log.Warn("publishing health failed", "error", err)
	}

	waitErr := g.Wait()
	if waitErr == nil && ctx.Err() == nil {
		waitErr = errors.New("all listeners stopped")
	}

	log.Info("shutting down", "grace_period", cfg.GetShutdownTimeout())
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancelGrace()
	if err := disp.Shutdown(graceCtx); err != nil {
		log.Warn("connections closed after grace period", "error", err)
	}

	if !isShutdown(waitErr) {
		return waitErr
	}
	log.Info("btmidid stopped")
	return nil
}

// buildSinks assembles the enabled sinks behind one Fanout. The returned
// func closes them.
func buildSinks(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	hub *api.Hub,
) (*sink.Fanout, func(), error) {
	var (
		sinks   []sink.Sink
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Sink.MIDI.Enabled {
		drv, err := openDriver()
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() {
			if err := drv.Close(); err != nil {
				log.Error("error closing MIDI driver", "error", err)
			}
		})

		ms, err := midisink.New(drv, midisink.Config{
			Ports:    cfg.Sink.MIDI.Ports,
			ChimeGap: cfg.GetChimeGap(),
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("creating MIDI sink: %w", err)
		}
		ms.SetLogger(log.With("component", "midi"))
		if cfg.Sink.MIDI.ReadyChime {
			if err := ms.PlayReady(ctx); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("playing ready chime: %w", err)
			}
		}
		sinks = append(sinks, ms)
	}

	if cfg.Sink.MQTT.Enabled && mqttClient != nil {
		mirror, err := mqttsink.New(mqttClient, mqttsink.Config{
			Topics: mqttClient.Topics(),
			QoS:    byte(cfg.Sink.MQTT.QoS), // #nosec G115 -- validated 0-2
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("creating MQTT mirror: %w", err)
		}
		sinks = append(sinks, mirror)
	}

	if influxClient != nil {
		ts, err := telemetry.New(influxClient)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, ts)
	}

	if cfg.API.Enabled {
		live, err := livesink.New(hub)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, live)
	}

	out := sink.NewFanout(sinks...)
	log.Info("sinks ready", "count", out.Len())
	return out, func() {
		if err := out.Close(); err != nil {
			log.Error("error closing sinks", "error", err)
		}
		closeAll()
	}, nil
}

// subscribeControl feeds each line of a {prefix}/control payload to the
// control plane.
func subscribeControl(client *mqtt.Client, mux *control.Multiplexer) error {
	topic := client.Topics().Control()
	err := client.Subscribe(topic, client.QoS(), func(_ string, payload []byte) error {
		lines := strings.FieldsFunc(string(payload), func(r rune) bool {
			return r == '\n' || r == 0
		})
		for _, line := range lines {
			if err := mux.Inject(line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// newReporter builds the health reporter with a check per optional
// component.
func newReporter(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	helper *process.Manager,
	slots *slot.Table,
	prm *params.Record,
) *health.Reporter {
	hc := health.Config{
		DaemonID: cfg.MQTT.Broker.ClientID,
		Version:  version,
		Interval: cfg.GetHealthInterval(),
		Stats: func() health.Stats {
			return health.Stats{
				Connections: slots.Occupied(),
				Capacity:    slots.Capacity(),
				Volume:      prm.Volume(),
			}
		},
		Checks: map[string]func() bool{},
	}
	if hc.DaemonID == "" {
		hc.DaemonID = "btmidid"
	}
	if mqttClient != nil {
		hc.Publisher = mqttClient
		hc.Topic = mqttClient.Topics().Health()
		hc.Checks["mqtt"] = mqttClient.IsConnected
	}
	if influxClient != nil {
		hc.Checks["influxdb"] = influxClient.IsConnected
	}
	if helper != nil {
		hc.Checks["radio_helper"] = helper.IsRunning
	}
	return health.NewReporter(hc)
}

// openListeners opens the enabled stream transports. On error the
// listeners already opened are closed.
func openListeners(cfg *config.Config, log *logging.Logger) ([]listenerSpec, error) {
	var out []listenerSpec
	fail := func(err error) ([]listenerSpec, error) {
		for _, l := range out {
			l.ln.Close() //nolint:errcheck // already failing
		}
		return nil, err
	}

	if cfg.Radio.Enabled {
		term, err := frame.ParseTerminator(cfg.Radio.Terminator)
		if err != nil {
			return fail(err)
		}
		var ln transport.Listener
		if cfg.Radio.Listen != "" {
			ln, err = transport.ListenStream(cfg.Radio.Listen, transport.KindRadio)
		} else {
			ln, err = transport.ListenRFCOMM(cfg.Radio.Channel, cfg.Daemon.MaxClients)
		}
		if err != nil {
			return fail(fmt.Errorf("opening radio listener: %w", err))
		}
		out = append(out, listenerSpec{ln: ln, spec: frame.Spec{Width: frame.DefaultWidth, Terminator: term}})
	}

	if cfg.Serial.Enabled {
		term, err := frame.ParseTerminator(cfg.Serial.Terminator)
		if err != nil {
			return fail(err)
		}
		ln, err := transport.OpenSerial(cfg.Serial, log.With("component", "serial"))
		if err != nil {
			return fail(fmt.Errorf("opening serial line: %w", err))
		}
		out = append(out, listenerSpec{ln: ln, spec: frame.Spec{Width: frame.DefaultWidth, Terminator: term}})
	}

	return out, nil
}
