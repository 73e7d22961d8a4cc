package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"masquerade/internal/detect"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestRequestCounters(t *testing.T) {
	m := New()
	m.RequestsTotal.Add(10)
	m.RequestsSucceeded.Add(7)
	m.RequestsFailed.Add(2)
	m.RequestsDegraded.Add(1)

	s := m.Snapshot()
	if s.Requests.Total != 10 {
		t.Errorf("Total: got %d, want 10", s.Requests.Total)
	}
	if s.Requests.Succeeded != 7 {
		t.Errorf("Succeeded: got %d, want 7", s.Requests.Succeeded)
	}
	if s.Requests.Failed != 2 {
		t.Errorf("Failed: got %d, want 2", s.Requests.Failed)
	}
	if s.Requests.Degraded != 1 {
		t.Errorf("Degraded: got %d, want 1", s.Requests.Degraded)
	}
}

func TestPerTypeCounters(t *testing.T) {
	m := New()
	m.RecordEntityCreated(detect.TypeEmail)
	m.RecordEntityCreated(detect.TypeEmail)
	m.RecordEntityReused(detect.TypeEmail)
	m.RecordCacheHit(detect.TypePerson)
	m.RecordCacheMiss(detect.TypePerson)
	m.RecordEntityCreated(detect.EntityType("not-a-type")) // ignored

	s := m.Snapshot()
	if got := s.Entities.Created["email"]; got != 2 {
		t.Errorf("created[email]: got %d, want 2", got)
	}
	if got := s.Entities.Reused["email"]; got != 1 {
		t.Errorf("reused[email]: got %d, want 1", got)
	}
	if got := s.Entities.CacheHits["person"]; got != 1 {
		t.Errorf("cacheHits[person]: got %d, want 1", got)
	}
	if _, ok := s.Entities.Created["not-a-type"]; ok {
		t.Error("unknown type must not appear in the snapshot")
	}
	// Zero-count types are omitted entirely.
	if _, ok := s.Entities.Created["ssn"]; ok {
		t.Error("zero-count type must be omitted")
	}
}

func TestRecordRedactLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordRedactLatency(100 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.RedactionMs.Count != 1 {
		t.Errorf("count: got %d, want 1", s.Latency.RedactionMs.Count)
	}
	if s.Latency.RedactionMs.MinMs != 100 || s.Latency.RedactionMs.MaxMs != 100 {
		t.Errorf("min/max: got %v/%v, want 100/100", s.Latency.RedactionMs.MinMs, s.Latency.RedactionMs.MaxMs)
	}
}

func TestRecordLatency_MinMeanMax(t *testing.T) {
	m := New()
	m.RecordExternalLatency(10 * time.Millisecond)
	m.RecordExternalLatency(20 * time.Millisecond)
	m.RecordExternalLatency(60 * time.Millisecond)

	s := m.Snapshot()
	ext := s.Latency.ExternalMs
	if ext.Count != 3 {
		t.Errorf("count: got %d, want 3", ext.Count)
	}
	if ext.MinMs != 10 || ext.MaxMs != 60 {
		t.Errorf("min/max: got %v/%v, want 10/60", ext.MinMs, ext.MaxMs)
	}
	if ext.MeanMs != 30 {
		t.Errorf("mean: got %v, want 30", ext.MeanMs)
	}
}

func TestEmptyLatencySnapshot(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if s.Latency.RedactionMs.Count != 0 || s.Latency.RedactionMs.MinMs != 0 {
		t.Errorf("expected zero latency snapshot, got %+v", s.Latency.RedactionMs)
	}
}

func TestSnapshotJSONEncodes(t *testing.T) {
	m := New()
	m.RequestsTotal.Add(1)
	m.RecordEntityCreated(detect.TypeEmail)
	m.StoreDegradations.Add(1)

	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	for _, want := range []string{"requests", "entities", "external", "storeDegradations", "uptimeSecs"} {
		if !json.Valid(data) || !containsKey(data, want) {
			t.Errorf("expected key %q in snapshot JSON: %s", want, data)
		}
	}
}

func containsKey(data []byte, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

func TestConcurrentRecording(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.RequestsTotal.Add(1)
				m.RecordEntityCreated(detect.TypeEmail)
				m.RecordCacheHit(detect.TypeEmail)
				m.RecordRedactLatency(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	if s.Requests.Total != 800 {
		t.Errorf("total: got %d, want 800", s.Requests.Total)
	}
	if s.Entities.Created["email"] != 800 {
		t.Errorf("created[email]: got %d, want 800", s.Entities.Created["email"])
	}
	if s.Latency.RedactionMs.Count != 800 {
		t.Errorf("latency count: got %d, want 800", s.Latency.RedactionMs.Count)
	}
}
