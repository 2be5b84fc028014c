package main

import (
	"bytes"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	serial "github.com/luhtfiimanal/serial-logger"
	"github.com/luhtfiimanal/serial-logger/internal/config"
	"github.com/luhtfiimanal/serial-logger/internal/console"
	"github.com/luhtfiimanal/serial-logger/internal/discovery"
	"github.com/luhtfiimanal/serial-logger/internal/record"
	"github.com/luhtfiimanal/serial-logger/internal/supervisor"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	return cfg
}

func listOf(ports ...discovery.Port) func() ([]discovery.Port, error) {
	return func() ([]discovery.Port, error) { return ports, nil }
}

func TestResolveStreams_RoleOrder(t *testing.T) {
	cfg := loadDefaults(t)

	streams, assignments, err := resolveStreams(cfg, listOf(
		discovery.Port{Name: "/dev/ttyUSB2", Description: "USB Serial Port"},
		discovery.Port{Name: "/dev/ttyS0", Description: "n/a"},
		discovery.Port{Name: "/dev/ttyUSB0", Description: "USB Serial Port"},
		discovery.Port{Name: "/dev/ttyUSB1", Description: "USB Serial Port"},
	))
	require.NoError(t, err)

	require.Equal(t, []console.Assignment{
		{Role: "PSoC", Port: "/dev/ttyUSB0"},
		{Role: "RN2483 RX", Port: "/dev/ttyUSB1"},
		{Role: "RN2483 TX", Port: "/dev/ttyUSB2"},
	}, assignments)

	require.Len(t, streams, 3)
	require.Equal(t, "PSoC Readings", streams[0].Label)
	require.Equal(t, record.NewTelemetry(8), streams[0].Classifier)
	require.Equal(t, record.Plain{}, streams[1].Classifier)
	require.Equal(t, filepath.Join(cfg.Log.Dir, "log_rn2483_tx.csv"), streams[2].Path)

	src, ok := streams[1].Source.(*serial.SerialReader)
	require.True(t, ok)
	require.Equal(t, "/dev/ttyUSB1", src.Device())
	require.False(t, src.IsOpen())
}

func TestResolveStreams_MissingDevices(t *testing.T) {
	cfg := loadDefaults(t)

	_, _, err := resolveStreams(cfg, listOf(
		discovery.Port{Name: "/dev/ttyUSB0", Description: "USB Serial Port"},
	))
	var missing *discovery.MissingDevicesError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, 3, missing.Want)
}

func TestResolveStreams_PinnedDevicesSkipDiscovery(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Streams[0].Device = "/dev/ttyACM0"

	_, assignments, err := resolveStreams(cfg, listOf(
		discovery.Port{Name: "/dev/ttyUSB4", Description: "USB Serial Port"},
		discovery.Port{Name: "/dev/ttyUSB5", Description: "USB Serial Port"},
	))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM0", assignments[0].Port)
	require.Equal(t, "/dev/ttyUSB4", assignments[1].Port)
	require.Equal(t, "/dev/ttyUSB5", assignments[2].Port)

	for i := range cfg.Streams {
		cfg.Streams[i].Device = "/dev/pinned"
	}
	_, _, err = resolveStreams(cfg, func() ([]discovery.Port, error) {
		t.Fatal("discovery should not run when every stream is pinned")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestPortsCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()
	port := filepath.Join(root, "devices", "1-1", "1-1:1.0", "ttyUSB0")
	require.NoError(t, os.MkdirAll(port, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(port), "interface"), []byte("USB Serial Port\n"), 0o644))
	classDir := filepath.Join(root, "tty", "ttyUSB0")
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	require.NoError(t, os.Symlink(port, filepath.Join(classDir, "device")))
	t.Setenv("SERIAL_LOGGER_DISCOVERY__SYS_ROOT", filepath.Join(root, "tty"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"ports", "--env-file", ""})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "/dev/ttyUSB0: USB Serial Port [n/a]\n", out.String())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "serial-logger dev\n", out.String())
}

// idleSource connects and then blocks until closed.
type idleSource struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleSource() *idleSource { return &idleSource{closed: make(chan struct{})} }

func (s *idleSource) Open() error { return nil }

func (s *idleSource) ReadLine() (string, error) {
	<-s.closed
	return "", serial.ErrClosed
}

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// recordSignals replaces the signal hooks and returns the ordered calls.
func recordSignals(t *testing.T, deliver os.Signal) *[]string {
	t.Helper()
	var calls []string
	var registered chan<- os.Signal
	notifySignals = func(c chan<- os.Signal, _ ...os.Signal) {
		calls = append(calls, "notify")
		registered = c
		if deliver != nil {
			c <- deliver
		}
	}
	stopSignals = func(c chan<- os.Signal) {
		require.Equal(t, registered, c)
		calls = append(calls, "stop")
	}
	t.Cleanup(func() {
		notifySignals = signal.Notify
		stopSignals = signal.Stop
	})
	return &calls
}

func TestWaitForStreams_StopsSignalsWhenStreamsEnd(t *testing.T) {
	calls := recordSignals(t, nil)

	sup := supervisor.New(nil)
	require.NoError(t, sup.Start())

	results, interrupted := waitForStreams(sup, zerolog.Nop())
	require.False(t, interrupted)
	require.Empty(t, results)
	require.Equal(t, []string{"notify", "stop"}, *calls)
}

func TestWaitForStreams_InterruptShutsDownAndStopsSignals(t *testing.T) {
	calls := recordSignals(t, syscall.SIGINT)

	src := newIdleSource()
	sup := supervisor.New([]supervisor.Stream{{
		Label:  "PSoC Readings",
		Path:   filepath.Join(t.TempDir(), "log_psoc.csv"),
		Source: src,
	}})
	require.NoError(t, sup.Start())

	results, interrupted := waitForStreams(sup, zerolog.Nop())
	require.True(t, interrupted)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, []string{"notify", "stop"}, *calls)
}
