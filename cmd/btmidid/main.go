// btmidid bridges note frames from Bluetooth RFCOMM and serial links to MIDI
// output ports.
//
// Each radio or serial connection streams 8-character hex frames
// ("0601AE2C") that become note events on the configured ALSA sequencer
// ports. A Unix control socket accepts program-change and volume commands.
// Events can be mirrored to MQTT, recorded in InfluxDB and watched through
// the status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/btmidi/btmidid/internal/infrastructure/config"
	"github.com/btmidi/btmidid/internal/sink/midisink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// midiDriver is the MIDI backend: port listing plus shutdown.
type midiDriver interface {
	midisink.Driver
	Close() error
}

// openDriver opens the MIDI backend. Tests replace it.
var openDriver = func() (midiDriver, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("opening MIDI driver: %w", err)
	}
	return drv, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	showVersion bool
	listPorts   bool
	ports       string
	configPath  string
}

// newRootCmd builds the btmidid command.
func newRootCmd(out io.Writer) *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "btmidid",
		Short: "Bluetooth and serial note frames to MIDI",
		Long: `btmidid accepts note frames on an RFCOMM channel or a serial line and
plays them on ALSA sequencer output ports. Program and volume changes are
accepted on a Unix control socket.`,
		Example: `  btmidid -l
  btmidid -p 128:0
  btmidid -c /etc/btmidid/config.yaml -p "FLUID Synth,14:0"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case flags.showVersion:
				printVersion(out)
				return nil
			case flags.listPorts:
				return listPorts(out)
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.SetOut(out)

	f := cmd.Flags()
	f.BoolVarP(&flags.showVersion, "version", "V", false, "print version and exit")
	f.BoolVarP(&flags.listPorts, "list", "l", false, "list MIDI output ports and exit")
	f.StringVarP(&flags.ports, "port", "p", "", "comma-separated output ports (number, name or client:port)")
	f.StringVarP(&flags.configPath, "config", "c", "", "config file (default $BTMIDID_CONFIG or "+defaultConfigPath+")")

	return cmd
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "btmidid %s (commit %s, built %s)\n", version, commit, date)
}

// listPorts prints the available MIDI output ports.
func listPorts(out io.Writer) error {
	drv, err := openDriver()
	if err != nil {
		return err
	}
	defer drv.Close() //nolint:errcheck // read-only use

	ports, err := midisink.ListPorts(drv)
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "no MIDI output ports")
		return nil
	}
	fmt.Fprintln(out, " Port  Name")
	for _, p := range ports {
		fmt.Fprintf(out, "%5d  %s\n", p.Number, p.Name)
	}
	return nil
}

// loadConfig resolves the config path and applies -p. An explicit path
// must exist; the default path may be missing.
func loadConfig(flags rootFlags) (*config.Config, error) {
	opts := []config.Option{config.WithMIDIPorts(midisink.ParsePortSpec(flags.ports))}

	path, explicit := getConfigPath(flags.configPath)
	var (
		cfg *config.Config
		err error
	)
	if explicit {
		cfg, err = config.Load(path, opts...)
	} else {
		cfg, err = config.LoadOptional(path, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// getConfigPath returns the config path and whether it was chosen
// explicitly by flag or BTMIDID_CONFIG.
func getConfigPath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if path := os.Getenv("BTMIDID_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// isShutdown reports whether err only reflects a requested shutdown.
func isShutdown(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
