package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Shards:       4,
		ShardBuffer:  64,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		JobTimeout:   time.Second,
		DedupeTTL:    time.Minute,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(key, device string) model.TelemetryEvent {
	return model.TelemetryEvent{
		ClientID:       "acme",
		Device:         model.DeviceRef{ExternalID: device},
		IdempotencyKey: key,
		Metrics:        []model.Metric{{Parameter: "temperature", Value: 20}},
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	var calls atomic.Int64
	handler := func(ctx context.Context, ev model.TelemetryEvent) error {
		calls.Add(1)
		return nil
	}
	q := New(testQueueConfig(), NewMemoryDeduper(time.Minute), handler, nil, testLogger())
	q.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(context.Background(), testEvent("same-key", "sensor-1")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Stop()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected handler to run once for duplicate keys, got %d", got)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	var attempts atomic.Int64
	handler := func(ctx context.Context, ev model.TelemetryEvent) error {
		attempts.Add(1)
		return errors.New("boom")
	}
	var deadMu sync.Mutex
	var dead []model.TelemetryEvent
	deadLetter := func(ev model.TelemetryEvent, err error) {
		deadMu.Lock()
		dead = append(dead, ev)
		deadMu.Unlock()
	}
	q := New(testQueueConfig(), NewMemoryDeduper(time.Minute), handler, deadLetter, testLogger())
	q.Start(context.Background())

	if err := q.Enqueue(context.Background(), testEvent("k1", "sensor-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Stop()

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	deadMu.Lock()
	defer deadMu.Unlock()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].IdempotencyKey != "k1" {
		t.Fatalf("wrong dead letter: %q", dead[0].IdempotencyKey)
	}
}

func TestPerDeviceOrdering(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]string)
	handler := func(ctx context.Context, ev model.TelemetryEvent) error {
		mu.Lock()
		seen[ev.Device.ExternalID] = append(seen[ev.Device.ExternalID], ev.IdempotencyKey)
		mu.Unlock()
		return nil
	}
	q := New(testQueueConfig(), NewMemoryDeduper(time.Minute), handler, nil, testLogger())
	q.Start(context.Background())

	devices := []string{"sensor-a", "sensor-b", "sensor-c"}
	for i := 0; i < 20; i++ {
		for _, dev := range devices {
			key := fmt.Sprintf("%s-%03d", dev, i)
			if err := q.Enqueue(context.Background(), testEvent(key, dev)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, dev := range devices {
		keys := seen[dev]
		if len(keys) != 20 {
			t.Fatalf("device %s: expected 20 jobs, got %d", dev, len(keys))
		}
		for i := 1; i < len(keys); i++ {
			if keys[i-1] >= keys[i] {
				t.Fatalf("device %s: jobs out of order: %q before %q", dev, keys[i-1], keys[i])
			}
		}
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	q := New(testQueueConfig(), NewMemoryDeduper(time.Minute), func(context.Context, model.TelemetryEvent) error { return nil }, nil, testLogger())
	q.Start(context.Background())
	q.Stop()

	err := q.Enqueue(context.Background(), testEvent("k1", "sensor-1"))
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

type failingDeduper struct{}

func (failingDeduper) Seen(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestDeduperFailureAdmitsEvent(t *testing.T) {
	var calls atomic.Int64
	handler := func(ctx context.Context, ev model.TelemetryEvent) error {
		calls.Add(1)
		return nil
	}
	q := New(testQueueConfig(), failingDeduper{}, handler, nil, testLogger())
	q.Start(context.Background())

	if err := q.Enqueue(context.Background(), testEvent("k1", "sensor-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Stop()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected event admitted despite deduper failure, got %d calls", got)
	}
}

func TestMemoryDeduperExpiry(t *testing.T) {
	d := NewMemoryDeduper(10 * time.Millisecond)
	seen, err := d.Seen(context.Background(), "k1")
	if err != nil || seen {
		t.Fatalf("first sighting: seen=%v err=%v", seen, err)
	}
	seen, err = d.Seen(context.Background(), "k1")
	if err != nil || !seen {
		t.Fatalf("second sighting: seen=%v err=%v", seen, err)
	}
	time.Sleep(20 * time.Millisecond)
	seen, err = d.Seen(context.Background(), "k1")
	if err != nil || seen {
		t.Fatalf("after expiry: seen=%v err=%v", seen, err)
	}
}
