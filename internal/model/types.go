package model

import (
	"encoding/json"
	"time"
)

type Operator string

const (
	OpGT  Operator = "gt"
	OpLT  Operator = "lt"
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
)

func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNE:
		return true
	}
	return false
}

func (o Operator) Matches(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpGTE:
		return value >= threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNE:
		return value != threshold
	}
	return false
}

type StatusLevel string

const (
	StatusRed   StatusLevel = "red"
	StatusAmber StatusLevel = "amber"
	StatusGreen StatusLevel = "green"
)

func (l StatusLevel) Valid() bool {
	return l == StatusRed || l == StatusAmber || l == StatusGreen
}

const ScopeDevice = "device"

type DeviceRef struct {
	ExternalID  string `json:"external_id"`
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Metric struct {
	Parameter string            `json:"parameter"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Status    string            `json:"status,omitempty"`
	Quality   string            `json:"quality,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type TelemetryEvent struct {
	SchemaVersion    int            `json:"schema_version"`
	Source           string         `json:"source,omitempty"`
	ClientID         string         `json:"client_id"`
	Device           DeviceRef      `json:"device"`
	OccurredAt       time.Time      `json:"occurred_at"`
	ReceivedAt       time.Time      `json:"received_at,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key"`
	Metrics          []Metric       `json:"metrics"`
	Raw              string         `json:"raw,omitempty"`
	SensorExternalID string         `json:"sensor_external_id,omitempty"`
	SiteExternalID   string         `json:"site_external_id,omitempty"`
	AreaExternalID   string         `json:"area_external_id,omitempty"`
	Location         *Location      `json:"location,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
}

type Sample struct {
	Key       string    `json:"key"`
	DeviceID  string    `json:"device_id"`
	Parameter string    `json:"parameter"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type AlertRule struct {
	ID                    string   `json:"id"`
	ClientID              string   `json:"client_id"`
	ScopeType             string   `json:"scope_type"`
	ScopeID               string   `json:"scope_id"`
	Parameter             string   `json:"parameter"`
	Operator              Operator `json:"operator"`
	Threshold             float64  `json:"threshold"`
	BreachDurationSeconds int      `json:"breach_duration_seconds"`
	ExpectedSampleSeconds int      `json:"expected_sample_seconds"`
	MaxGapSeconds         int      `json:"max_gap_seconds"`
	Enabled               bool     `json:"enabled"`
}

func (r AlertRule) BreachDuration() time.Duration {
	return time.Duration(r.BreachDurationSeconds) * time.Second
}

func (r AlertRule) MaxGap() time.Duration {
	return time.Duration(r.MaxGapSeconds) * time.Second
}

type Device struct {
	ID         string `json:"id"`
	ClientID   string `json:"client_id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name,omitempty"`
	SiteID     string `json:"site_id,omitempty"`
	AreaID     string `json:"area_id,omitempty"`
}

type DeviceStatus struct {
	DeviceID  string      `json:"device_id"`
	ClientID  string      `json:"client_id"`
	Level     StatusLevel `json:"level"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type DeviceStatusInfo struct {
	Device    Device      `json:"device"`
	Level     StatusLevel `json:"level"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type Notification struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	DeviceID       string     `json:"device_id"`
	RuleID         string     `json:"rule_id"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AckConsumed    bool       `json:"ack_consumed"`
}

// DecodedMessage returns the notification payload as structured data.
// Payloads that fail to parse degrade to a raw-string wrapper.
func (n Notification) DecodedMessage() any {
	var out map[string]any
	if err := json.Unmarshal([]byte(n.Message), &out); err != nil {
		return map[string]any{"raw": n.Message}
	}
	return out
}
