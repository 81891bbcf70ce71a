package engine

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"iotguard/internal/model"
	"iotguard/internal/status"
	"iotguard/internal/storage"
)

const (
	testClient = "acme"
	testDevice = "dev-1"
	testSensor = "sensor-1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	agg := status.NewAggregator(store, discardLogger())
	eng := New(store, agg, discardLogger())
	_, err := store.UpsertDevice(context.Background(), model.Device{
		ID:         testDevice,
		ClientID:   testClient,
		ExternalID: testSensor,
	})
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return eng, store
}

func testRule(id string, op model.Operator, threshold float64, durationSec, maxGapSec int) model.AlertRule {
	return model.AlertRule{
		ID:                    id,
		ClientID:              testClient,
		ScopeType:             model.ScopeDevice,
		ScopeID:               testDevice,
		Parameter:             "temperature",
		Operator:              op,
		Threshold:             threshold,
		BreachDurationSeconds: durationSec,
		ExpectedSampleSeconds: 10,
		MaxGapSeconds:         maxGapSec,
		Enabled:               true,
	}
}

func event(key string, ts time.Time, value float64) model.TelemetryEvent {
	return model.TelemetryEvent{
		ClientID:       testClient,
		Device:         model.DeviceRef{ExternalID: testSensor},
		OccurredAt:     ts,
		IdempotencyKey: key,
		Metrics:        []model.Metric{{Parameter: "temperature", Value: value}},
	}
}

func countAlerts(t *testing.T, store storage.Store) int {
	t.Helper()
	page, err := store.ListNotifications(context.Background(), storage.NotificationFilter{
		ClientID: testClient,
		Limit:    500,
	})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return len(page.Items)
}

func deviceLevel(t *testing.T, store storage.Store) model.StatusLevel {
	t.Helper()
	infos, err := store.ListDeviceStatus(context.Background(), testClient, "")
	if err != nil {
		t.Fatalf("list device status: %v", err)
	}
	for _, info := range infos {
		if info.Device.ID == testDevice {
			return info.Level
		}
	}
	return ""
}

func TestBreachRunFiresOnce(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 30, 30, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	for _, offset := range []int{0, 10, 20} {
		if err := eng.ProcessEvent(ctx, event("k"+strconv.Itoa(offset), base.Add(time.Duration(offset)*time.Second), 35)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if got := countAlerts(t, store); got != 0 {
		t.Fatalf("expected no alert before breach duration, got %d", got)
	}
	for _, offset := range []int{30, 40, 50} {
		if err := eng.ProcessEvent(ctx, event("k"+strconv.Itoa(offset), base.Add(time.Duration(offset)*time.Second), 35)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if got := countAlerts(t, store); got != 1 {
		t.Fatalf("expected exactly one alert per breach run, got %d", got)
	}
	if lvl := deviceLevel(t, store); lvl != model.StatusRed {
		t.Fatalf("expected red status, got %q", lvl)
	}
}

func TestNonBreachingSampleResetsRun(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 30, 30, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	steps := []struct {
		offset int
		value  float64
	}{
		{0, 35}, {10, 35}, {20, 25}, {30, 35}, {40, 35}, {50, 35},
	}
	for _, st := range steps {
		if err := eng.ProcessEvent(ctx, event("k"+strconv.Itoa(st.offset), base.Add(time.Duration(st.offset)*time.Second), st.value)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	// run restarted at 30; only 20s accumulated by 50
	if got := countAlerts(t, store); got != 0 {
		t.Fatalf("expected no alert after reset, got %d", got)
	}
	if err := eng.ProcessEvent(ctx, event("k60", base.Add(60*time.Second), 35)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := countAlerts(t, store); got != 1 {
		t.Fatalf("expected one alert after re-accumulating, got %d", got)
	}
}

func TestGapResetsRun(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 30, 20, 30)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	for _, offset := range []int{0, 10} {
		if err := eng.ProcessEvent(ctx, event("k"+strconv.Itoa(offset), base.Add(time.Duration(offset)*time.Second), 35)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	// 40s of silence exceeds the 30s gap tolerance: the run restarts at 50
	for _, offset := range []int{50, 60} {
		if err := eng.ProcessEvent(ctx, event("k"+strconv.Itoa(offset), base.Add(time.Duration(offset)*time.Second), 35)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if got := countAlerts(t, store); got != 0 {
		t.Fatalf("expected no alert across gap, got %d", got)
	}
	if err := eng.ProcessEvent(ctx, event("k70", base.Add(70*time.Second), 35)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := countAlerts(t, store); got != 1 {
		t.Fatalf("expected one alert after gap reset re-accumulated, got %d", got)
	}
}

func TestOutOfOrderSampleDropped(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 30, 20, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	if err := eng.ProcessEvent(ctx, event("k0", base, 35)); err != nil {
		t.Fatalf("process: %v", err)
	}
	// older than last_sample_at: dropped, must not reset the run
	if err := eng.ProcessEvent(ctx, event("k-old", base.Add(-10*time.Second), 10)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := eng.ProcessEvent(ctx, event("k20", base.Add(20*time.Second), 35)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := countAlerts(t, store); got != 1 {
		t.Fatalf("expected the breach run to survive an out-of-order sample, got %d alerts", got)
	}
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 30, 0, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	ev := event("k0", time.Now().UTC().Add(-time.Hour), 35)
	if err := eng.ProcessEvent(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := eng.ProcessEvent(ctx, ev); err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if got := countAlerts(t, store); got != 1 {
		t.Fatalf("expected duplicate submission to have no extra effect, got %d alerts", got)
	}
}

func TestStatusReduction(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("hot", model.OpGT, 30, 0, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	if err := store.UpsertRule(ctx, testRule("freezing", model.OpLT, 0, 0, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	if err := eng.ProcessEvent(ctx, event("k0", base, 35)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if lvl := deviceLevel(t, store); lvl != model.StatusRed {
		t.Fatalf("one breaching rule should report red, got %q", lvl)
	}
	if err := eng.ProcessEvent(ctx, event("k1", base.Add(10*time.Second), 20)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if lvl := deviceLevel(t, store); lvl != model.StatusGreen {
		t.Fatalf("recovered device should report green, got %q", lvl)
	}
}

func TestDisabledRuleProducesNothing(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	rule := testRule("r1", model.OpGT, 30, 0, 60)
	rule.Enabled = false
	if err := store.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	if err := eng.ProcessEvent(ctx, event("k0", time.Now().UTC().Add(-time.Hour), 99)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := countAlerts(t, store); got != 0 {
		t.Fatalf("disabled rule must not fire, got %d alerts", got)
	}
	if lvl := deviceLevel(t, store); lvl != model.StatusGreen {
		t.Fatalf("device with samples and no breaches should be green, got %q", lvl)
	}
}

func TestDisableRuleClearsBreachingMark(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 30, 0, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	if err := eng.ProcessEvent(ctx, event("k0", time.Now().UTC().Add(-time.Hour), 35)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if lvl := deviceLevel(t, store); lvl != model.StatusRed {
		t.Fatalf("expected red before disable, got %q", lvl)
	}
	if err := eng.DisableRule(ctx, "r1"); err != nil {
		t.Fatalf("disable rule: %v", err)
	}
	if lvl := deviceLevel(t, store); lvl != model.StatusGreen {
		t.Fatalf("expected green after disable, got %q", lvl)
	}
}

func TestRuleEditAppliesOnNextSample(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 30, 30, 60)); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	for _, offset := range []int{0, 10} {
		if err := eng.ProcessEvent(ctx, event("k"+strconv.Itoa(offset), base.Add(time.Duration(offset)*time.Second), 35)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	// raise the threshold mid-run; 35 no longer breaches
	if err := store.UpsertRule(ctx, testRule("r1", model.OpGT, 50, 30, 60)); err != nil {
		t.Fatalf("edit rule: %v", err)
	}
	if err := eng.ProcessEvent(ctx, event("k20", base.Add(20*time.Second), 35)); err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, offset := range []int{30, 40, 50, 60} {
		if err := eng.ProcessEvent(ctx, event("k"+strconv.Itoa(offset), base.Add(time.Duration(offset)*time.Second), 55)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if got := countAlerts(t, store); got != 1 {
		t.Fatalf("expected one alert under the edited rule, got %d", got)
	}
}
