// Package eventlog records mitigation and telemetry events in an append-only
// sink shared by the tick loop and the listeners.
package eventlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

// Sink is an append-only event record. Implementations must tolerate
// concurrent Append calls.
type Sink interface {
	Append(ev model.Event) error
}

// CSVSink writes one row per event: timestamp, body, event type, message.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	now    func() time.Time
}

// NewCSVSink writes rows to w. If w is an io.Closer it is closed by Close.
func NewCSVSink(w io.Writer) *CSVSink {
	s := &CSVSink{
		w:   csv.NewWriter(w),
		now: func() time.Time { return time.Now().UTC() },
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// FileOptions configures the rotating log file.
type FileOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileSink appends rows to path, rotating the file once it grows beyond
// MaxSizeMB.
func NewFileSink(path string, opts FileOptions) (*CSVSink, error) {
	if path == "" {
		return nil, errors.New("event log path is empty")
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	return NewCSVSink(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}), nil
}

// Append implements Sink. Each row is flushed immediately so a crash loses
// at most the row being written.
func (s *CSVSink) Append(ev model.Event) error {
	ts := ev.Time
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Write([]string{
		ts.UTC().Format(time.RFC3339Nano),
		ev.BodyID,
		string(ev.Type),
		ev.Message,
	}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}

// Close releases the underlying writer.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Append implements Sink.
func (r *Recorder) Append(ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything appended so far.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Filter returns the recorded events of the given type.
func (r *Recorder) Filter(t model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Multi fans every event out to all sinks and joins their errors.
func Multi(sinks ...Sink) Sink {
	filtered := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

type multiSink []Sink

func (m multiSink) Append(ev model.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Append(model.Event) error { return nil }
