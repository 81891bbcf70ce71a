package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// NotificationFilter scopes a history listing. SiteID is set for callers
// with a site-restricted role; empty fields are not filtered on.
type NotificationFilter struct {
	ClientID string
	DeviceID string
	SiteID   string
	Cursor   string
	Limit    int
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func (f NotificationFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	if f.Limit > maxListLimit {
		return maxListLimit
	}
	return f.Limit
}

type NotificationPage struct {
	Items      []model.Notification
	NextCursor string
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertDevice(ctx context.Context, d model.Device) (model.Device, error)
	GetDevice(ctx context.Context, clientID, externalID string) (model.Device, error)

	InsertSample(ctx context.Context, s model.Sample) error
	HasSamples(ctx context.Context, deviceID string) (bool, error)

	UpsertRule(ctx context.Context, r model.AlertRule) error
	DeleteRule(ctx context.Context, clientID, id string) error
	ListRules(ctx context.Context, clientID string) ([]model.AlertRule, error)
	RulesFor(ctx context.Context, clientID, deviceID, parameter string) ([]model.AlertRule, error)

	UpsertDeviceStatus(ctx context.Context, st model.DeviceStatus) error
	ClearDeviceStatus(ctx context.Context, clientID, deviceID string) error
	ListDeviceStatus(ctx context.Context, clientID string, level model.StatusLevel) ([]model.DeviceStatusInfo, error)

	InsertNotification(ctx context.Context, n model.Notification) error
	AcknowledgeNotification(ctx context.Context, clientID, id, actor string) (model.Notification, error)
	ConsumeNotifications(ctx context.Context, limit int) ([]model.Notification, error)
	ListNotifications(ctx context.Context, f NotificationFilter) (NotificationPage, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
