package logging

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubberduck/rubberduck/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "logging_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSnapshot_ComputesWindowedMetrics(t *testing.T) {
	st := openTestStore(t)
	proxyID := uuid.NewString()

	now := time.Now()
	for i := 0; i < 5; i++ {
		e := &store.LogEntry{
			ID:         uuid.NewString(),
			Timestamp:  now.Add(-time.Duration(i) * time.Second),
			ProxyID:    proxyID,
			StatusCode: 200,
			LatencyMs:  int64(100 + i*10),
			CacheHit:   i%2 == 0,
		}
		if err := st.AppendLog(e); err != nil {
			t.Fatal(err)
		}
	}

	a := NewAggregator(st, prometheus.NewRegistry())
	snap, err := a.Snapshot(context.Background(), proxyID)
	if err != nil {
		t.Fatal(err)
	}

	m := snap.Windows["1m"]
	if m.SampleCount != 5 {
		t.Errorf("expected 5 samples in 1m window, got %d", m.SampleCount)
	}
	if m.CacheHitRate != 0.6 {
		t.Errorf("expected cache_hit_rate 0.6, got %v", m.CacheHitRate)
	}
}

func TestSnapshot_EmptyWindowIsZeroValue(t *testing.T) {
	st := openTestStore(t)
	a := NewAggregator(st, prometheus.NewRegistry())
	snap, err := a.Snapshot(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Windows["1m"].SampleCount != 0 {
		t.Error("expected zero samples for a proxy with no log entries")
	}
}

func TestInFlightGauge_TracksStartAndFinish(t *testing.T) {
	st := openTestStore(t)
	a := NewAggregator(st, prometheus.NewRegistry())

	a.RequestStarted("p1")
	a.RequestStarted("p1")
	if a.inFlight != 2 {
		t.Errorf("expected in_flight 2, got %d", a.inFlight)
	}
	a.RequestFinished("p1", 200, 10*time.Millisecond)
	if a.inFlight != 1 {
		t.Errorf("expected in_flight 1, got %d", a.inFlight)
	}
}

func TestWriteCSV_IncludesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	entries := []*store.LogEntry{
		{ID: "1", ProxyID: "p1", StatusCode: 200, FailureType: store.FailureNone},
	}
	if err := WriteCSV(&buf, entries); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "id,timestamp") {
		t.Error("expected CSV header row")
	}
	if !strings.Contains(out, "p1") {
		t.Error("expected row data")
	}
}

func TestWriteJSONL_OneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	entries := []*store.LogEntry{
		{ID: "1", ProxyID: "p1"},
		{ID: "2", ProxyID: "p2"},
	}
	if err := WriteJSONL(&buf, entries); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 JSONL lines, got %d", len(lines))
	}
}
