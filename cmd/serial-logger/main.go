package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/serial-logger"
	"github.com/luhtfiimanal/serial-logger/internal/config"
	"github.com/luhtfiimanal/serial-logger/internal/console"
	"github.com/luhtfiimanal/serial-logger/internal/discovery"
	"github.com/luhtfiimanal/serial-logger/internal/record"
	"github.com/luhtfiimanal/serial-logger/internal/sink"
	"github.com/luhtfiimanal/serial-logger/internal/supervisor"
)

const exitPrompt = "Press any key to exit..."

var (
	version = "dev"

	configPath string
	envFile    string

	notifySignals = signal.Notify
	stopSignals   = signal.Stop
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "serial-logger",
	Short:        "Log line telemetry from several serial devices to per-device CSV files",
	SilenceUsage: true,
	RunE:         runLogger,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with SERIAL_LOGGER_* overrides")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(versionCmd)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Discover the devices and log every stream until they disconnect",
	RunE:  runLogger,
}

func runLogger(_ *cobra.Command, _ []string) error {
	con := console.New(os.Stdout, os.Stdin)

	cfg, err := config.Load(config.Options{File: configPath, EnvFile: envFile})
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	enum := discovery.Enumerator{SysRoot: cfg.Discovery.SysRoot, DevRoot: cfg.Discovery.DevRoot}
	streams, assignments, err := resolveStreams(cfg, enum.List)
	if err != nil {
		var missing *discovery.MissingDevicesError
		if errors.As(err, &missing) {
			con.Println(fmt.Sprintf("Please connect at least %d USB-UART devices (%d found)", missing.Want, missing.Got))
		}
		con.Prompt(exitPrompt)
		return err
	}
	con.Banner("Ports connected successfully:", assignments)

	sup := supervisor.New(streams,
		supervisor.WithConsole(con),
		supervisor.WithLogger(logger),
		supervisor.WithLivenessInterval(cfg.Liveness.Interval),
		supervisor.WithSinkOptions(sink.WithSync(cfg.Log.Sync)),
	)
	if err := sup.Start(); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		con.Notice(err.Error())
		con.Prompt(exitPrompt)
		return err
	}
	notify(logger, daemon.SdNotifyReady)

	results, interrupted := waitForStreams(sup, logger)
	var total int64
	for _, res := range results {
		total += res.Records
		logger.Info().
			Str("stream", res.Label).
			Stringer("state", res.State).
			Int64("records", res.Records).
			AnErr("cause", res.Err).
			Msg("stream ended")
	}
	notify(logger, fmt.Sprintf("%s\nSTATUS=all streams ended, %d records", daemon.SdNotifyStopping, total))

	if !interrupted {
		con.Prompt(exitPrompt)
	}
	return nil
}

// waitForStreams blocks until every stream has ended or SIGINT/SIGTERM
// arrives, in which case the streams are shut down first. Signal delivery is
// stopped before it returns so a later prompt can be interrupted.
func waitForStreams(sup *supervisor.Supervisor, logger zerolog.Logger) ([]supervisor.Result, bool) {
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	select {
	case sig := <-sigCh:
		logger.Info().Stringer("signal", sig).Msg("shutting down")
		interrupted = true
		sup.Shutdown()
	case <-sup.Done():
	}
	stopSignals(sigCh)

	return sup.Wait(), interrupted
}

// resolveStreams binds every configured stream to a device, either pinned
// in config or discovered by description in role order.
func resolveStreams(cfg *config.Config, list func() ([]discovery.Port, error)) ([]supervisor.Stream, []console.Assignment, error) {
	unpinned := 0
	for _, sc := range cfg.Streams {
		if sc.Device == "" {
			unpinned++
		}
	}

	var found []discovery.Port
	if unpinned > 0 {
		ports, err := list()
		if err != nil {
			return nil, nil, err
		}
		found, err = discovery.Match(ports, cfg.Discovery.DescriptionPrefix, unpinned)
		if err != nil {
			return nil, nil, err
		}
	}

	streams := make([]supervisor.Stream, 0, len(cfg.Streams))
	assignments := make([]console.Assignment, 0, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		device := sc.Device
		if device == "" {
			device, found = found[0].Name, found[1:]
		}

		var classifier record.Classifier = record.Plain{}
		if sc.Telemetry {
			classifier = record.NewTelemetry(sc.Fields)
		}

		streams = append(streams, supervisor.Stream{
			Label:      sc.Label,
			Path:       cfg.LogPath(sc),
			Classifier: classifier,
			Source: serial.New(serial.Config{
				Device:      device,
				BaudRate:    cfg.Serial.BaudRate,
				DataBits:    cfg.Serial.DataBits,
				Parity:      serial.Parity(cfg.Serial.Parity),
				StopBits:    cfg.Serial.StopBits,
				Delimiter:   cfg.Serial.Delimiter,
				ReadTimeout: cfg.Serial.ReadTimeout,
			}),
		})
		assignments = append(assignments, console.Assignment{Role: sc.Role, Port: device})
	}
	return streams, assignments, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Logger()
}

func notify(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug().Err(err).Msg("sd_notify")
	}
}

// --- ports ---

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and their descriptions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(config.Options{File: configPath, EnvFile: envFile})
		if err != nil {
			return err
		}
		ports, err := discovery.Enumerator{SysRoot: cfg.Discovery.SysRoot, DevRoot: cfg.Discovery.DevRoot}.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range ports {
			fmt.Fprintf(out, "%s: %s [%s]\n", p.Name, p.Description, p.HWID)
		}
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "serial-logger %s\n", version)
	},
}
