// Package dispatch claims unconsumed outbox rows for downstream
// delivery. Each row is claimed exactly once; delivery transport is a
// pluggable sink, with a log sink as the default.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/metrics"
	"iotguard/internal/model"
	"iotguard/internal/storage"
)

type Sink interface {
	Deliver(ctx context.Context, n model.Notification) error
}

type Dispatcher struct {
	logger   *slog.Logger
	store    storage.Store
	sink     Sink
	interval time.Duration
	batch    int
}

func New(cfg config.DispatchConfig, store storage.Store, sink Sink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		store:    store,
		sink:     sink,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	claimed, err := d.store.ConsumeNotifications(ctx, d.batch)
	if err != nil {
		d.logger.Warn("outbox consume failed", "err", err)
		return
	}
	for _, n := range claimed {
		metrics.NotificationsConsumed.Inc()
		if err := d.sink.Deliver(ctx, n); err != nil {
			// The claim already happened; delivery failures are the
			// sink's to handle. Log and move on.
			d.logger.Warn("delivery failed", "notification_id", n.ID, "err", err)
		}
	}
}

// LogSink writes claimed notifications to the log. Stands in until a
// real transport (email, SMS, push) is wired up.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, n model.Notification) error {
	s.Logger.Info("notification dispatched",
		"notification_id", n.ID,
		"client_id", n.ClientID,
		"device_id", n.DeviceID,
		"rule_id", n.RuleID,
	)
	return nil
}
