package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
	"iotguard/internal/storage"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []string
}

func (s *recordingSink) Deliver(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, n.ID)
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func TestDispatcherDeliversEachRowOnce(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"n1", "n2", "n3"} {
		err := store.InsertNotification(ctx, model.Notification{
			ID:        id,
			ClientID:  "acme",
			DeviceID:  "dev-1",
			RuleID:    "r1",
			Message:   "{}",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(config.DispatchConfig{Interval: 5 * time.Millisecond, BatchSize: 2}, store, sink, logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(sink.ids()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, delivered %v", sink.ids())
		case <-time.After(5 * time.Millisecond):
		}
	}
	// extra ticks must not re-deliver
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	got := sink.ids()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", got)
	}
	if got[0] != "n1" || got[1] != "n2" || got[2] != "n3" {
		t.Fatalf("wrong delivery order: %v", got)
	}
}
