// Package supervisor starts one ingestion worker per device stream plus the
// liveness reporter, and waits for them to end.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luhtfiimanal/serial-logger/internal/console"
	"github.com/luhtfiimanal/serial-logger/internal/ingest"
	"github.com/luhtfiimanal/serial-logger/internal/record"
	"github.com/luhtfiimanal/serial-logger/internal/sink"
)

// Stream is one device to ingest.
type Stream struct {
	Label      string
	Path       string
	Source     ingest.Source
	Classifier record.Classifier // nil means record.Plain
}

// Result is how one stream ended.
type Result struct {
	Label   string
	Records int64
	State   ingest.State
	Err     error
}

// StartupError reports the stream that prevented startup. Nothing is left
// running when it is returned.
type StartupError struct {
	Label string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Label, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Supervisor owns the workers and their sinks.
type Supervisor struct {
	streams  []Stream
	console  *console.Console
	logger   zerolog.Logger
	interval time.Duration
	sinkOpts []sink.Option

	workers []*ingest.Worker
	sinks   []*sink.Logger
	results []Result

	wg             sync.WaitGroup
	livenessDone   chan struct{}
	stopLiveness   context.CancelFunc
	startOnce      sync.Once
	allWorkersDone chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithConsole sets the operator console. Without one, notices and the
// liveness indicator are discarded.
func WithConsole(c *console.Console) Option {
	return func(s *Supervisor) { s.console = c }
}

// WithLogger sets the diagnostics logger handed to every worker.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithLivenessInterval sets the indicator frame period.
func WithLivenessInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

// WithSinkOptions is applied to every opened sink.
func WithSinkOptions(opts ...sink.Option) Option {
	return func(s *Supervisor) { s.sinkOpts = opts }
}

// New creates a supervisor for streams. Nothing is opened until Start.
func New(streams []Stream, opts ...Option) *Supervisor {
	s := &Supervisor{
		streams:        streams,
		logger:         zerolog.Nop(),
		interval:       time.Second,
		livenessDone:   make(chan struct{}),
		allWorkersDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens every sink and connects every source, then launches the
// workers and the liveness reporter. Startup is all-or-nothing: if any
// stream fails, everything opened so far is released and a *StartupError is
// returned.
func (s *Supervisor) Start() error {
	err := errors.New("supervisor already started")
	s.startOnce.Do(func() { err = s.start() })
	return err
}

func (s *Supervisor) start() error {
	for _, st := range s.streams {
		out, err := sink.Open(st.Path, s.sinkOpts...)
		if err != nil {
			s.abort()
			return &StartupError{Label: st.Label, Err: err}
		}
		s.sinks = append(s.sinks, out)

		classifier := st.Classifier
		if classifier == nil {
			classifier = record.Plain{}
		}
		opts := []ingest.Option{
			ingest.WithClassifier(classifier),
			ingest.WithLogger(s.logger),
		}
		if s.console != nil {
			opts = append(opts, ingest.WithNotifier(s.console))
		}
		w := ingest.New(st.Label, st.Source, out, opts...)
		s.workers = append(s.workers, w)

		if err := w.Connect(); err != nil {
			s.abort()
			return &StartupError{Label: st.Label, Err: err}
		}
	}

	s.results = make([]Result, len(s.workers))
	for i, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(i, w)
	}
	go func() {
		s.wg.Wait()
		close(s.allWorkersDone)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.stopLiveness = cancel
	go func() {
		defer close(s.livenessDone)
		if s.console == nil {
			<-ctx.Done()
			return
		}
		console.NewLiveness(s.console, s.interval).Run(ctx)
	}()

	s.logger.Info().Int("streams", len(s.workers)).Msg("supervisor started")
	return nil
}

func (s *Supervisor) runWorker(i int, w *ingest.Worker) {
	defer s.wg.Done()

	err := w.Run()
	if cerr := s.sinks[i].Close(); cerr != nil {
		s.logger.Error().Err(cerr).Str("stream", w.Label()).Msg("close log file")
	}
	s.results[i] = Result{
		Label:   w.Label(),
		Records: w.Records(),
		State:   w.State(),
		Err:     err,
	}
}

// abort releases what a failed start opened.
func (s *Supervisor) abort() {
	for _, st := range s.streams {
		st.Source.Close()
	}
	for _, out := range s.sinks {
		out.Close()
	}
}

// Done is closed once every worker has ended.
func (s *Supervisor) Done() <-chan struct{} { return s.allWorkersDone }

// Wait blocks until every worker has ended, stops the liveness reporter and
// returns one result per stream in stream order. Wait must only be called
// after a successful Start.
func (s *Supervisor) Wait() []Result {
	<-s.allWorkersDone
	s.stopLiveness()
	<-s.livenessDone
	return s.results
}

// Shutdown closes every source so the workers stop; their files are
// closed on the way out. Use Wait to block until they have.
func (s *Supervisor) Shutdown() {
	for _, st := range s.streams {
		if err := st.Source.Close(); err != nil {
			s.logger.Debug().Err(err).Str("stream", st.Label).Msg("close source")
		}
	}
}
