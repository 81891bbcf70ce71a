// Package status reduces per-rule breach marks into a single
// traffic-light level per device: red while any rule is breaching,
// green once a device has reported at least one sample, no row at all
// for devices never heard from. Amber is reserved for informational
// rule tiers and is never written by the aggregator.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"iotguard/internal/model"
	"iotguard/internal/storage"
)

type Aggregator struct {
	logger *slog.Logger
	store  storage.Store
	mu     sync.Mutex
	byDev  map[string]*deviceEntry
	green  map[string]struct{}
}

type deviceEntry struct {
	device   model.Device
	breaches map[string]struct{}
}

func NewAggregator(store storage.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger: logger,
		store:  store,
		byDev:  make(map[string]*deviceEntry),
		green:  make(map[string]struct{}),
	}
}

// MarkBreaching records that a rule is breaching for a device and
// persists the red status. Idempotent: a rule already marked is a no-op,
// so a retried job never produces a second write.
func (a *Aggregator) MarkBreaching(ctx context.Context, dev model.Device, ruleID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.byDev[dev.ID]
	if !ok {
		entry = &deviceEntry{device: dev, breaches: make(map[string]struct{})}
	}
	if _, marked := entry.breaches[ruleID]; marked {
		return nil
	}
	st := model.DeviceStatus{
		DeviceID:  dev.ID,
		ClientID:  dev.ClientID,
		Level:     model.StatusRed,
		UpdatedAt: time.Now().UTC(),
	}
	if err := a.store.UpsertDeviceStatus(ctx, st); err != nil {
		return err
	}
	entry.breaches[ruleID] = struct{}{}
	a.byDev[dev.ID] = entry
	delete(a.green, dev.ID)
	a.logger.Info("device status red", "device_id", dev.ID, "rule_id", ruleID)
	return nil
}

// ClearBreaching removes a rule's breach mark. When the last mark for a
// device clears, the device goes green if it has ever produced a sample
// and back to unknown (no row) otherwise.
func (a *Aggregator) ClearBreaching(ctx context.Context, dev model.Device, ruleID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clearLocked(ctx, dev, ruleID)
}

func (a *Aggregator) clearLocked(ctx context.Context, dev model.Device, ruleID string) error {
	entry, ok := a.byDev[dev.ID]
	if !ok {
		return nil
	}
	if _, marked := entry.breaches[ruleID]; !marked {
		return nil
	}
	if len(entry.breaches) > 1 {
		delete(entry.breaches, ruleID)
		return nil
	}
	if err := a.writeRecovered(ctx, dev); err != nil {
		return err
	}
	delete(entry.breaches, ruleID)
	delete(a.byDev, dev.ID)
	return nil
}

func (a *Aggregator) writeRecovered(ctx context.Context, dev model.Device) error {
	has, err := a.store.HasSamples(ctx, dev.ID)
	if err != nil {
		return err
	}
	if !has {
		return a.store.ClearDeviceStatus(ctx, dev.ClientID, dev.ID)
	}
	st := model.DeviceStatus{
		DeviceID:  dev.ID,
		ClientID:  dev.ClientID,
		Level:     model.StatusGreen,
		UpdatedAt: time.Now().UTC(),
	}
	if err := a.store.UpsertDeviceStatus(ctx, st); err != nil {
		return err
	}
	a.green[dev.ID] = struct{}{}
	a.logger.Info("device status green", "device_id", dev.ID)
	return nil
}

// EnsureReported writes a green status for a device with no active
// breaches the first time it reports. Subsequent calls are no-ops.
func (a *Aggregator) EnsureReported(ctx context.Context, dev model.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byDev[dev.ID]; ok {
		return nil
	}
	if _, ok := a.green[dev.ID]; ok {
		return nil
	}
	st := model.DeviceStatus{
		DeviceID:  dev.ID,
		ClientID:  dev.ClientID,
		Level:     model.StatusGreen,
		UpdatedAt: time.Now().UTC(),
	}
	if err := a.store.UpsertDeviceStatus(ctx, st); err != nil {
		return err
	}
	a.green[dev.ID] = struct{}{}
	return nil
}

// ClearRule drops every breach mark held by the given rule, used when a
// rule is disabled or deleted. No recovery event is emitted; the status
// simply re-reduces without that rule.
func (a *Aggregator) ClearRule(ctx context.Context, ruleID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range a.byDev {
		if _, marked := entry.breaches[ruleID]; !marked {
			continue
		}
		if err := a.clearLocked(ctx, entry.device, ruleID); err != nil {
			return err
		}
	}
	return nil
}

// Rehydrate resolves persisted statuses after a restart. Recovery is
// conservative: no breach is assumed, so red rows are demoted to green
// (or removed for devices with no samples) and re-fire only once their
// rules re-accumulate a full breach run.
func (a *Aggregator) Rehydrate(ctx context.Context) error {
	reds, err := a.store.ListDeviceStatus(ctx, "", model.StatusRed)
	if err != nil {
		return err
	}
	for _, info := range reds {
		if err := a.writeRecovered(ctx, info.Device); err != nil {
			return err
		}
	}
	if len(reds) > 0 {
		a.logger.Info("demoted stale red statuses on startup", "count", len(reds))
	}
	return nil
}
