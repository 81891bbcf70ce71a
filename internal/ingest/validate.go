package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"iotguard/internal/model"
)

// ValidateEvent checks the fields the pipeline cannot proceed without
// and fills server-side defaults. Invalid events are rejected before
// admission; nothing downstream sees them.
func ValidateEvent(ev *model.TelemetryEvent) error {
	var problems []string
	if ev.ClientID == "" {
		problems = append(problems, "client_id is required")
	}
	if ev.Device.ExternalID == "" {
		problems = append(problems, "device.external_id is required")
	}
	if ev.IdempotencyKey == "" {
		problems = append(problems, "idempotency_key is required")
	}
	if len(ev.Metrics) == 0 {
		problems = append(problems, "at least one metric is required")
	}
	for i, m := range ev.Metrics {
		if m.Parameter == "" {
			problems = append(problems, fmt.Sprintf("metrics[%d].parameter is required", i))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	now := time.Now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.ReceivedAt = now
	return nil
}
