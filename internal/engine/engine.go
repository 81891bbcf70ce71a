package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"iotguard/internal/metrics"
	"iotguard/internal/model"
	"iotguard/internal/status"
	"iotguard/internal/storage"
)

// Engine turns timestamped metric samples into breach/recovery
// transitions. Evaluation state is keyed by (rule, device); the queue
// serializes all samples for one device through one shard, so a state is
// only ever mutated by a single goroutine at a time.
type Engine struct {
	logger *slog.Logger
	store  storage.Store
	status *status.Aggregator
	mu     sync.Mutex
	states map[stateKey]*evalState
}

type stateKey struct {
	ruleID   string
	deviceID string
}

// evalState tracks one breach run. breachStartedAt zero means no active
// run; fired flips once per run so an alert fires exactly once.
type evalState struct {
	breachStartedAt time.Time
	lastSampleAt    time.Time
	fired           bool
}

func New(store storage.Store, agg *status.Aggregator, logger *slog.Logger) *Engine {
	return &Engine{
		logger: logger,
		store:  store,
		status: agg,
		states: make(map[stateKey]*evalState),
	}
}

// ProcessEvent stores the event's samples and evaluates every enabled
// matching rule. Any error aborts the job so the queue retries it in
// full; all state transitions are idempotent under re-execution.
func (e *Engine) ProcessEvent(ctx context.Context, ev model.TelemetryEvent) error {
	dev, err := e.store.UpsertDevice(ctx, model.Device{
		ClientID:   ev.ClientID,
		ExternalID: ev.Device.ExternalID,
		Name:       ev.Device.DisplayName,
		SiteID:     ev.SiteExternalID,
		AreaID:     ev.AreaExternalID,
	})
	if err != nil {
		return err
	}
	ts := ev.OccurredAt.UTC()
	for _, m := range ev.Metrics {
		sample := model.Sample{
			Key:       ev.IdempotencyKey + ":" + m.Parameter,
			DeviceID:  dev.ID,
			Parameter: m.Parameter,
			Timestamp: ts,
			Value:     m.Value,
		}
		if err := e.store.InsertSample(ctx, sample); err != nil && !errors.Is(err, storage.ErrDuplicate) {
			return err
		}
		// A duplicate sample still evaluates: re-applying the same
		// timestamp leaves state unchanged, and a retried job must be
		// able to finish a fire that failed after the sample was stored.
		rules, err := e.store.RulesFor(ctx, ev.ClientID, dev.ID, m.Parameter)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			if err := e.evaluate(ctx, rule, dev, m.Value, ts); err != nil {
				return err
			}
		}
	}
	return e.status.EnsureReported(ctx, dev)
}

func (e *Engine) evaluate(ctx context.Context, rule model.AlertRule, dev model.Device, value float64, ts time.Time) error {
	st := e.getState(rule.ID, dev.ID)

	if !st.lastSampleAt.IsZero() && ts.Before(st.lastSampleAt) {
		metrics.SamplesDroppedOutOfOrder.Inc()
		e.logger.Warn("out-of-order sample dropped",
			"rule_id", rule.ID,
			"device_id", dev.ID,
			"sample_at", ts,
			"last_sample_at", st.lastSampleAt,
		)
		return nil
	}

	// A silent device cannot be breaching: a gap beyond the rule's
	// tolerance breaks the run before the sample itself is considered.
	if !st.lastSampleAt.IsZero() && ts.Sub(st.lastSampleAt) > rule.MaxGap() {
		if err := e.endRun(ctx, dev, rule.ID, st); err != nil {
			return err
		}
	}

	if rule.Operator.Matches(value, rule.Threshold) {
		if st.breachStartedAt.IsZero() {
			st.breachStartedAt = ts
		}
	} else if err := e.endRun(ctx, dev, rule.ID, st); err != nil {
		return err
	}
	st.lastSampleAt = ts

	if !st.breachStartedAt.IsZero() && !st.fired && ts.Sub(st.breachStartedAt) >= rule.BreachDuration() {
		n := model.Notification{
			ID:        uuid.NewString(),
			ClientID:  rule.ClientID,
			DeviceID:  dev.ID,
			RuleID:    rule.ID,
			Message:   encodeAlertMessage(rule, dev, value, st.breachStartedAt),
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.InsertNotification(ctx, n); err != nil {
			return err
		}
		st.fired = true
		metrics.AlertsFired.Inc()
		e.logger.Warn("alert fired",
			"rule_id", rule.ID,
			"device_id", dev.ID,
			"parameter", rule.Parameter,
			"value", value,
			"threshold", rule.Threshold,
		)
	}

	// Marking is separate from firing so a retry after a failed status
	// write converges without inserting a second outbox row.
	if st.fired {
		return e.status.MarkBreaching(ctx, dev, rule.ID)
	}
	return nil
}

// endRun clears the current breach run. If the run had fired, the status
// mark is cleared first; recovery is a status-only event and never
// creates an outbox row.
func (e *Engine) endRun(ctx context.Context, dev model.Device, ruleID string, st *evalState) error {
	if st.fired {
		if err := e.status.ClearBreaching(ctx, dev, ruleID); err != nil {
			return err
		}
		metrics.Recoveries.Inc()
		e.logger.Info("breach recovered", "rule_id", ruleID, "device_id", dev.ID)
	}
	st.breachStartedAt = time.Time{}
	st.fired = false
	return nil
}

// DisableRule drops all evaluation state and breach marks for a rule.
// No recovery event is emitted; the state simply ceases to exist.
func (e *Engine) DisableRule(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	for key := range e.states {
		if key.ruleID == ruleID {
			delete(e.states, key)
		}
	}
	e.mu.Unlock()
	return e.status.ClearRule(ctx, ruleID)
}

func (e *Engine) getState(ruleID, deviceID string) *evalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := stateKey{ruleID: ruleID, deviceID: deviceID}
	st, ok := e.states[key]
	if !ok {
		st = &evalState{}
		e.states[key] = st
	}
	return st
}

type alertMessage struct {
	RuleID           string    `json:"rule_id"`
	Parameter        string    `json:"parameter"`
	Operator         string    `json:"operator"`
	Threshold        float64   `json:"threshold"`
	Value            float64   `json:"value"`
	BreachStartedAt  time.Time `json:"breach_started_at"`
	DeviceID         string    `json:"device_id"`
	DeviceExternalID string    `json:"device_external_id"`
	DeviceName       string    `json:"device_name,omitempty"`
}

func encodeAlertMessage(rule model.AlertRule, dev model.Device, value float64, startedAt time.Time) string {
	data, _ := json.Marshal(alertMessage{
		RuleID:           rule.ID,
		Parameter:        rule.Parameter,
		Operator:         string(rule.Operator),
		Threshold:        rule.Threshold,
		Value:            value,
		BreachStartedAt:  startedAt,
		DeviceID:         dev.ID,
		DeviceExternalID: dev.ExternalID,
		DeviceName:       dev.Name,
	})
	return string(data)
}
