package serial

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T, cfg Config) (*SerialReader, func([]byte)) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	cfg.Device = slave.Name()
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 57600
	}
	reader, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	write := func(b []byte) {
		_, err := master.Write(b)
		require.NoError(t, err)
	}
	return reader, write
}

func TestSerialReader_BasicRead(t *testing.T) {
	reader, write := openPair(t, Config{ReadTimeout: time.Second})

	write([]byte("hello\n"))

	line, err := reader.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "hello", line)
}

func TestSerialReader_StripsCRLF(t *testing.T) {
	reader, write := openPair(t, Config{ReadTimeout: time.Second})

	write([]byte("5,0,0,0,0,0,0,0,0\r\n"))

	line, err := reader.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "5,0,0,0,0,0,0,0,0", line)
}

func TestSerialReader_KeepsRemainderForNextCall(t *testing.T) {
	reader, write := openPair(t, Config{ReadTimeout: time.Second})

	write([]byte("first\r\nsecond\r\n\r\nthi"))
	time.Sleep(20 * time.Millisecond)
	write([]byte("rd\r\n"))

	for _, want := range []string{"first", "second", "", "third"} {
		line, err := reader.ReadLine()
		require.NoError(t, err)
		require.Equal(t, want, line)
	}
}

func TestSerialReader_TimeoutReturnsPartial(t *testing.T) {
	reader, write := openPair(t, Config{ReadTimeout: 100 * time.Millisecond})

	start := time.Now()
	line, err := reader.ReadLine()
	require.NoError(t, err)
	require.Empty(t, line)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	write([]byte("no newline yet"))
	line, err = reader.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "no newline yet", line)
}

func TestSerialReader_InvalidUTF8IsReplaced(t *testing.T) {
	reader, write := openPair(t, Config{ReadTimeout: time.Second})

	write([]byte{'o', 'k', 0xff, 0xfe, '!', '\n'})

	line, err := reader.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ok\uFFFD\uFFFD!", line)
}

func TestSerialReader_Killability(t *testing.T) {
	reader, _ := openPair(t, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := reader.ReadLine()
		done <- err
	}()

	// Give the goroutine a chance to block
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, reader.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ReadLine to return after Close")
	}

	// Should be a no-op due to closeOnce
	require.NoError(t, reader.Close())
	require.ErrorIs(t, reader.Open(), ErrClosed)
}

func TestSerialReader_DisconnectDetected(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { slave.Close() })

	reader, err := Open(Config{Device: slave.Name(), BaudRate: 57600, ReadTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	// Simulate device disconnect by closing master
	require.NoError(t, master.Close())

	_, err = reader.ReadLine()
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestSerialReader_ReadLinesLoop(t *testing.T) {
	reader, write := openPair(t, Config{ReadTimeout: 50 * time.Millisecond})

	lines := make(chan string, 4)
	errs := make(chan error, 1)
	go reader.ReadLinesLoop(
		func(line string) { lines <- line },
		func(err error) { errs <- err },
	)

	write([]byte("a\n\nb\n"))

	for _, want := range []string{"a", "b"} {
		select {
		case l := <-lines:
			require.Equal(t, want, l)
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for line")
		}
	}
}

func TestOpen_MissingDeviceIsConnectionError(t *testing.T) {
	_, err := Open(Config{Device: filepath.Join(t.TempDir(), "ttyUSB9"), BaudRate: 57600})

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	require.Contains(t, connErr.Device, "ttyUSB9")
}

func TestOpen_IsIdempotent(t *testing.T) {
	_, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { slave.Close() })

	reader := New(Config{Device: slave.Name(), BaudRate: 57600})
	require.False(t, reader.IsOpen())
	_, err = reader.ReadLine()
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, reader.Open())
	require.NoError(t, reader.Open())
	require.True(t, reader.IsOpen())
	require.NoError(t, reader.Close())
	require.False(t, reader.IsOpen())
}

func TestConfig_ControlFlagsRejectsUnsupported(t *testing.T) {
	cases := []Config{
		{BaudRate: 12345},
		{BaudRate: 57600, DataBits: 9},
		{BaudRate: 57600, Parity: "mark"},
		{BaudRate: 57600, StopBits: 3},
	}
	for _, cfg := range cases {
		_, err := cfg.withDefaults().controlFlags()
		require.Error(t, err, "%+v", cfg)
	}

	_, err := Config{BaudRate: 57600}.withDefaults().controlFlags()
	require.NoError(t, err)
}
