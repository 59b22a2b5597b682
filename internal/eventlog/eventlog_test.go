package eventlog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

func TestCSVSinkWritesRows(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := sink.Append(model.Event{Time: ts, Type: model.EventAlert, BodyID: "SAT1", Message: "risk, 5.00 km"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	want := []string{"2025-03-01T12:00:00Z", "SAT1", "Alert", "risk, 5.00 km"}
	if len(rows) != 1 || strings.Join(rows[0], "|") != strings.Join(want, "|") {
		t.Fatalf("rows = %v, want [%v]", rows, want)
	}
}

func TestCSVSinkConcurrentAppends(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = sink.Append(model.Event{Type: model.EventTelemetry, BodyID: fmt.Sprintf("b%d", i), Message: "x"})
		}(i)
	}
	wg.Wait()

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("interleaved rows produced invalid csv: %v", err)
	}
	if len(rows) != 50 {
		t.Fatalf("got %d rows, want 50", len(rows))
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	sink, err := NewFileSink(path, FileOptions{MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := sink.Append(model.Event{Type: model.EventResume, BodyID: "SAT1", Message: "safe"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), ",SAT1,Resume,safe") {
		t.Fatalf("log file content %q missing row", data)
	}
	if _, err := NewFileSink("", FileOptions{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

type failingSink struct{}

func (failingSink) Append(model.Event) error { return errors.New("disk full") }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	rec := NewRecorder()
	sink := Multi(rec, nil, failingSink{})

	err := sink.Append(model.Event{Type: model.EventSafe, BodyID: "SAT2"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if got := rec.Filter(model.EventSafe); len(got) != 1 {
		t.Fatalf("recorder got %d Safe events, want 1", len(got))
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Fatalf("Reset did not clear events")
	}
}
