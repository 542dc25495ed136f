package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
)

// recordingSink captures delivered batches.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]telemetry.QueuedRecord
	err     error
}

func (s *recordingSink) Deliver(_ context.Context, records []telemetry.QueuedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *recordingSink) snapshot() [][]telemetry.QueuedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]telemetry.QueuedRecord, len(s.batches))
	copy(out, s.batches)
	return out
}

func record(kind telemetry.RecordKind) telemetry.QueuedRecord {
	return telemetry.QueuedRecord{Kind: kind, Payload: map[string]string{"k": "v"}}
}

func TestSizeThresholdFlushesSynchronously(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, config.BatchConfig{Size: 50, FlushInterval: time.Hour}, nil)

	for i := 0; i < 50; i++ {
		q.Add(record(telemetry.KindView))
	}

	batches := sink.snapshot()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(batches))
	}
	if len(batches[0]) != 50 {
		t.Errorf("expected flushed batch of 50, got %d", len(batches[0]))
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after size flush, have %d", q.Len())
	}
}

func TestTimerFlushesSingleRecord(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, config.BatchConfig{Size: 50, FlushInterval: 50 * time.Millisecond}, nil)

	q.Add(record(telemetry.KindSearch))

	time.Sleep(200 * time.Millisecond)

	batches := sink.snapshot()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one timer flush, got %d", len(batches))
	}
	if len(batches[0]) != 1 {
		t.Errorf("expected 1 record in flushed batch, got %d", len(batches[0]))
	}
}

func TestManualFlushCancelsTimer(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, config.BatchConfig{Size: 50, FlushInterval: 50 * time.Millisecond}, nil)

	q.Add(record(telemetry.KindView))
	q.Flush(context.Background())

	// Wait past the interval; the cancelled timer must not fire a second
	// flush for the same record.
	time.Sleep(200 * time.Millisecond)

	if got := len(sink.snapshot()); got != 1 {
		t.Errorf("expected one flush total, got %d", got)
	}
}

func TestConcurrentFlushNeverDoubleSends(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, config.BatchConfig{Size: 1000, FlushInterval: time.Hour}, nil)

	const total = 200
	for i := 0; i < total; i++ {
		q.Add(record(telemetry.KindView))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Flush(context.Background())
		}()
	}
	wg.Wait()

	delivered := 0
	for _, b := range sink.snapshot() {
		delivered += len(b)
	}
	if delivered != total {
		t.Errorf("expected %d records delivered exactly once, got %d", total, delivered)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, have %d", q.Len())
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, config.BatchConfig{Size: 10, FlushInterval: time.Hour}, nil)

	q.Flush(context.Background())
	if got := len(sink.snapshot()); got != 0 {
		t.Errorf("expected no delivery for empty queue, got %d batches", got)
	}
}

func TestCloseRejectsFurtherAdds(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, config.BatchConfig{Size: 10, FlushInterval: time.Hour}, nil)

	q.Add(record(telemetry.KindView))
	q.Close(context.Background())
	q.Add(record(telemetry.KindView))

	batches := sink.snapshot()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one final batch with one record, got %v", batches)
	}
	if q.Len() != 0 {
		t.Errorf("expected closed queue to stay empty, have %d", q.Len())
	}
}
