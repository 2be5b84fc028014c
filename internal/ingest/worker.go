// Package ingest runs the per-device read loop: one Worker binds one line
// source to one sink and lives until its device disconnects or is closed.
package ingest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	serial "github.com/luhtfiimanal/serial-logger"
	"github.com/luhtfiimanal/serial-logger/internal/record"
)

// Source yields lines from one device. *serial.SerialReader implements it.
type Source interface {
	Open() error
	ReadLine() (string, error)
	Close() error
}

// Sink receives the records of one stream. *sink.Logger implements it.
type Sink interface {
	Write(record.Record) error
}

// Notifier shows operator-facing notices.
type Notifier interface {
	Notice(msg string)
}

type nopNotifier struct{}

func (nopNotifier) Notice(string) {}

// State is the lifecycle position of a Worker.
type State int32

const (
	// Connecting is the state before the source has been opened.
	Connecting State = iota
	// Reading means lines are being read and logged.
	Reading
	// Disconnected means the device went away. The worker has ended.
	Disconnected
	// Failed means the source could not be opened or a record could not
	// be written.
	Failed
	// Stopped means the source was closed on request.
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Reading:
		return "reading"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnectionError reports that a worker's source could not be opened.
type ConnectionError struct {
	Label string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Label, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Worker is the ingestion loop of a single device stream.
type Worker struct {
	label      string
	src        Source
	sink       Sink
	classifier record.Classifier
	notifier   Notifier
	logger     zerolog.Logger
	now        func() time.Time

	connected bool
	state     atomic.Int32
	records   atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithClassifier sets the severity classifier. The default is record.Plain.
func WithClassifier(c record.Classifier) Option {
	return func(w *Worker) { w.classifier = c }
}

// WithNotifier sets where operator notices go.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a worker for the stream called label.
func New(label string, src Source, sink Sink, opts ...Option) *Worker {
	w := &Worker{
		label:      label,
		src:        src,
		sink:       sink,
		classifier: record.Plain{},
		notifier:   nopNotifier{},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("stream", label).Logger()
	return w
}

// Label returns the stream label.
func (w *Worker) Label() string { return w.label }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Records returns the number of records written so far.
func (w *Worker) Records() int64 { return w.records.Load() }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Connect opens the source. It must not be called concurrently with Run.
func (w *Worker) Connect() error {
	w.setState(Connecting)
	if err := w.src.Open(); err != nil {
		w.setState(Failed)
		w.logger.Error().Err(err).Msg("connect failed")
		return &ConnectionError{Label: w.label, Err: err}
	}
	w.connected = true
	w.setState(Reading)
	w.logger.Info().Msg("connected")
	return nil
}

// Run reads lines until the source disconnects or is closed. Every
// non-empty line becomes exactly one record, written in arrival order.
//
// Run returns nil when the source was closed, an error wrapping
// serial.ErrDisconnected when the device went away, and the sink error when
// a record could not be written.
func (w *Worker) Run() error {
	if !w.connected {
		if err := w.Connect(); err != nil {
			return err
		}
	}

	for {
		line, err := w.src.ReadLine()
		if line != "" {
			if werr := w.emit(line); werr != nil {
				return w.fail(werr)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, serial.ErrClosed) {
			w.setState(Stopped)
			w.logger.Info().Int64("records", w.Records()).Msg("stopped")
			return nil
		}
		return w.disconnect(err)
	}
}

func (w *Worker) emit(line string) error {
	rec := record.New(w.now(), w.label, w.classifier.Classify(line), line)
	if err := w.sink.Write(rec); err != nil {
		return err
	}
	w.records.Add(1)
	w.logger.Debug().Stringer("severity", rec.Severity).Msg(line)
	return nil
}

func (w *Worker) disconnect(cause error) error {
	w.release()
	w.setState(Disconnected)
	w.logger.Warn().Err(cause).Int64("records", w.Records()).Msg("disconnected")
	w.notifier.Notice(fmt.Sprintf("Disconnected! %s", w.label))

	if errors.Is(cause, serial.ErrDisconnected) {
		return fmt.Errorf("%s: %w", w.label, cause)
	}
	return fmt.Errorf("%s: %w: %w", w.label, serial.ErrDisconnected, cause)
}

func (w *Worker) fail(cause error) error {
	w.release()
	w.setState(Failed)
	w.logger.Error().Err(cause).Msg("log write failed")
	w.notifier.Notice(fmt.Sprintf("Logging failed! %s: %v", w.label, cause))
	return fmt.Errorf("%s: %w", w.label, cause)
}

func (w *Worker) release() {
	if err := w.src.Close(); err != nil {
		w.logger.Debug().Err(err).Msg("close source")
	}
}
