// Package serial provides a minimal, Linux-only serial port reader
// designed for line-oriented telemetry from embedded devices.
//
// It is the line source used by serial-logger: every connected device gets
// its own SerialReader whose lines are classified and appended to a
// per-device log file (see cmd/serial-logger).
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Line-based reading with custom delimiter (default: \n, CR stripped)
//   - Per-call read timeout that returns the partial line read so far
//   - Permissive UTF-8 decoding (invalid bytes become U+FFFD)
//   - Typed disconnect detection (ErrDisconnected) for unplugged adapters
//   - Self-pipe mechanism for killability
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	cfg := serial.Config{
//	    Device:      "/dev/ttyUSB0",
//	    BaudRate:    57600,
//	    ReadTimeout: 60 * time.Second,
//	}
//	reader, err := serial.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer reader.Close()
//
//	for {
//	    line, err := reader.ReadLine()
//	    if errors.Is(err, serial.ErrDisconnected) {
//	        break
//	    }
//	    if line != "" {
//	        fmt.Println("Received:", line)
//	    }
//	}
//
// To stop reading, call reader.Close() from another goroutine; the pending
// ReadLine returns ErrClosed.
package serial
