package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrClosed is returned by ReadLine once Close has been called.
	ErrClosed = errors.New("serialreader closed")
	// ErrNotOpen is returned by ReadLine before Open succeeded.
	ErrNotOpen = errors.New("serialreader not open")
	// ErrDisconnected is returned when the transport reports the device is gone
	// (cable unplugged, USB adapter removed, pty master closed).
	ErrDisconnected = errors.New("serial device disconnected")
)

// ConnectionError reports that a serial device could not be opened or configured.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Parity selects the parity bit mode.
type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// SerialReader provides low-latency, killable, line-oriented access to a Linux serial port.
// It is safe for concurrent use by multiple goroutines.
type SerialReader struct {
	readMu sync.Mutex // serialises ReadLine and guards pending
	mu     sync.Mutex // guards the descriptors below

	fd        int
	file      *os.File
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
	done      chan struct{}
	closeOnce sync.Once
	config    Config

	pending []byte
	decoder *encoding.Decoder
}

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device   string
	BaudRate int
	DataBits int    // default 8
	Parity   Parity // default none
	StopBits int    // default 1
	// Delimiter terminates a line, default "\n". Trailing CR/LF are always
	// stripped from returned lines.
	Delimiter string
	// ReadTimeout bounds a single ReadLine call. Zero blocks until a line arrives.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Delimiter == "" {
		c.Delimiter = "\n"
	}
	return c
}

// New returns an unopened SerialReader. Call Open before reading.
func New(cfg Config) *SerialReader {
	return &SerialReader{
		fd:      -1,
		pipeR:   -1,
		pipeW:   -1,
		done:    make(chan struct{}),
		config:  cfg.withDefaults(),
		decoder: unicode.UTF8.NewDecoder(),
	}
}

// Open opens a serial port using the provided Config and returns a SerialReader.
// The port is configured for raw, low-latency, non-buffered operation.
func Open(cfg Config) (*SerialReader, error) {
	s := New(cfg)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Device returns the configured device path.
func (s *SerialReader) Device() string { return s.config.Device }

// IsOpen reports whether the port is currently open.
func (s *SerialReader) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

// Open establishes the connection if it is not already open. Failures are
// reported as *ConnectionError.
func (s *SerialReader) Open() error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}

	fd, err := openPort(s.config)
	if err != nil {
		return &ConnectionError{Device: s.config.Device, Err: err}
	}

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return &ConnectionError{Device: s.config.Device, Err: fmt.Errorf("pipe: %w", err)}
	}

	s.fd = fd
	s.file = os.NewFile(uintptr(fd), s.config.Device)
	s.pipeR = pipeFds[0]
	s.pipeW = pipeFds[1]
	s.pending = s.pending[:0]
	return nil
}

func openPort(cfg Config) (int, error) {
	cflag, err := cfg.controlFlags()
	if err != nil {
		return -1, err
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return -1, fmt.Errorf("open failed: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	termios.Cflag |= cflag

	// Set VMIN=1, VTIME=0; timeouts are handled with poll
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("set termios: %w", err)
	}

	// Turn back into blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("set blocking: %w", err)
	}
	return fd, nil
}

// ReadLine reads a single line from the serial port. It blocks until the
// configured delimiter is seen or ReadTimeout elapses; on timeout it returns
// whatever text arrived so far, which may be empty. Trailing CR/LF are
// stripped and invalid UTF-8 is replaced with U+FFFD.
//
// When the device goes away ReadLine returns an error wrapping
// ErrDisconnected, possibly together with the partial line read before it.
func (s *SerialReader) ReadLine() (string, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	select {
	case <-s.done:
		return "", ErrClosed
	default:
	}
	if s.file == nil {
		return "", ErrNotOpen
	}

	var deadline time.Time
	if s.config.ReadTimeout > 0 {
		deadline = time.Now().Add(s.config.ReadTimeout)
	}

	buf := make([]byte, 4096)
	for {
		if line, ok := s.takeLine(); ok {
			return line, nil
		}

		wait := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return s.flushPending(), nil
			}
			wait = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		// Use poll to wait for data or kill signal
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, wait)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return "", fmt.Errorf("poll %s: %w", s.config.Device, err)
		}
		// Check killability
		select {
		case <-s.done:
			return "", ErrClosed
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			// Drain pipe
			var b [1]byte
			unix.Read(s.pipeR, b[:])
			return "", ErrClosed
		}
		if n == 0 {
			continue
		}

		revents := pfd[0].Revents
		if revents&unix.POLLIN != 0 {
			nr, err := s.file.Read(buf)
			if nr > 0 {
				s.pending = append(s.pending, buf[:nr]...)
			}
			if err != nil {
				return s.flushPending(), s.readError(err)
			}
			if nr == 0 {
				return s.flushPending(), s.disconnected()
			}
			continue
		}
		if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return s.flushPending(), s.disconnected()
		}
	}
}

// ReadLinesLoop continuously reads lines from the serial port and invokes
// onLine for each non-empty line. Read timeouts are skipped. If an error
// occurs, onError is called and the loop exits; Close ends the loop silently.
func (s *SerialReader) ReadLinesLoop(onLine func(string), onError func(error)) {
	for {
		line, err := s.ReadLine()
		if line != "" {
			onLine(line)
		}
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				onError(err)
			}
			return
		}
	}
}

// Close closes the serial port and unblocks any ReadLine/ReadLinesLoop calls.
// Safe to call multiple times; subsequent calls are no-ops.
func (s *SerialReader) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		// Wake up poll using self-pipe
		s.mu.Lock()
		if s.pipeW >= 0 {
			unix.Write(s.pipeW, []byte{1})
		}
		s.mu.Unlock()

		// Wait for an in-flight ReadLine to observe the wake-up before the
		// descriptors go away.
		s.readMu.Lock()
		defer s.readMu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.file != nil {
			err = s.file.Close()
			s.file = nil
			s.fd = -1
		}
		if s.pipeR >= 0 {
			unix.Close(s.pipeR)
			s.pipeR = -1
		}
		if s.pipeW >= 0 {
			unix.Close(s.pipeW)
			s.pipeW = -1
		}
	})
	return err
}

func (s *SerialReader) takeLine() (string, bool) {
	idx := bytes.Index(s.pending, []byte(s.config.Delimiter))
	if idx < 0 {
		return "", false
	}
	line := s.decode(s.pending[:idx])
	s.pending = append(s.pending[:0], s.pending[idx+len(s.config.Delimiter):]...)
	return line, true
}

func (s *SerialReader) flushPending() string {
	line := s.decode(s.pending)
	s.pending = s.pending[:0]
	return line
}

func (s *SerialReader) decode(raw []byte) string {
	text, err := s.decoder.Bytes(raw)
	if err != nil {
		return strings.TrimRight(strings.ToValidUTF8(string(raw), "\uFFFD"), "\r\n")
	}
	return strings.TrimRight(string(text), "\r\n")
}

func (s *SerialReader) readError(err error) error {
	switch {
	case errors.Is(err, os.ErrClosed):
		return ErrClosed
	case errors.Is(err, io.EOF),
		errors.Is(err, unix.EIO),
		errors.Is(err, unix.ENXIO),
		errors.Is(err, unix.ENODEV):
		return s.disconnected()
	default:
		return fmt.Errorf("read %s: %w", s.config.Device, err)
	}
}

func (s *SerialReader) disconnected() error {
	return fmt.Errorf("%s: %w", s.config.Device, ErrDisconnected)
}

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

func (c Config) controlFlags() (uint32, error) {
	baud, ok := baudRates[c.BaudRate]
	if !ok {
		return 0, fmt.Errorf("unsupported baud rate %d", c.BaudRate)
	}
	flags := baud | unix.CREAD | unix.CLOCAL

	switch c.DataBits {
	case 5:
		flags |= unix.CS5
	case 6:
		flags |= unix.CS6
	case 7:
		flags |= unix.CS7
	case 8:
		flags |= unix.CS8
	default:
		return 0, fmt.Errorf("unsupported data bits %d", c.DataBits)
	}

	switch c.Parity {
	case ParityNone:
	case ParityOdd:
		flags |= unix.PARENB | unix.PARODD
	case ParityEven:
		flags |= unix.PARENB
	default:
		return 0, fmt.Errorf("unsupported parity %q", c.Parity)
	}

	switch c.StopBits {
	case 1:
	case 2:
		flags |= unix.CSTOPB
	default:
		return 0, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return flags, nil
}
