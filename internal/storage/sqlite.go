package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"iotguard/internal/model"
)

// sqliteStore stores timestamps as unix nanoseconds so ordering and
// cursor comparisons behave identically to the postgres backend.
type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:iotguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes; a single connection avoids
	// table-lock errors under the worker pool.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			site_id TEXT NOT NULL DEFAULT '',
			area_id TEXT NOT NULL DEFAULT '',
			UNIQUE (client_id, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS samples (
			key TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			parameter TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_device_param_ts ON samples(device_id, parameter, ts)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			parameter TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold REAL NOT NULL,
			breach_duration_seconds INTEGER NOT NULL,
			expected_sample_seconds INTEGER NOT NULL,
			max_gap_seconds INTEGER NOT NULL,
			enabled INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_scope ON alert_rules(client_id, scope_id, parameter)`,
		`CREATE TABLE IF NOT EXISTS device_status (
			device_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			level TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			ack_consumed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_list ON notifications(client_id, created_at DESC, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) UpsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO devices (id, client_id, external_id, name, site_id, area_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, external_id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE devices.name END,
			site_id = CASE WHEN excluded.site_id <> '' THEN excluded.site_id ELSE devices.site_id END,
			area_id = CASE WHEN excluded.area_id <> '' THEN excluded.area_id ELSE devices.area_id END
		RETURNING id, client_id, external_id, name, site_id, area_id`,
		d.ID, d.ClientID, d.ExternalID, d.Name, d.SiteID, d.AreaID)
	var out model.Device
	if err := row.Scan(&out.ID, &out.ClientID, &out.ExternalID, &out.Name, &out.SiteID, &out.AreaID); err != nil {
		return model.Device{}, fmt.Errorf("upsert device: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) GetDevice(ctx context.Context, clientID, externalID string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, external_id, name, site_id, area_id
		FROM devices WHERE client_id = ? AND external_id = ?`,
		clientID, externalID)
	var d model.Device
	if err := row.Scan(&d.ID, &d.ClientID, &d.ExternalID, &d.Name, &d.SiteID, &d.AreaID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *sqliteStore) InsertSample(ctx context.Context, sm model.Sample) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (key, device_id, parameter, ts, value)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (key) DO NOTHING`,
		sm.Key, sm.DeviceID, sm.Parameter, sm.Timestamp.UTC().UnixNano(), sm.Value)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *sqliteStore) HasSamples(ctx context.Context, deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM samples WHERE device_id = ? LIMIT 1`, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has samples: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) UpsertRule(ctx context.Context, r model.AlertRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (id, client_id, scope_type, scope_id, parameter, operator, threshold,
			breach_duration_seconds, expected_sample_seconds, max_gap_seconds, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			scope_type = excluded.scope_type,
			scope_id = excluded.scope_id,
			parameter = excluded.parameter,
			operator = excluded.operator,
			threshold = excluded.threshold,
			breach_duration_seconds = excluded.breach_duration_seconds,
			expected_sample_seconds = excluded.expected_sample_seconds,
			max_gap_seconds = excluded.max_gap_seconds,
			enabled = excluded.enabled`,
		r.ID, r.ClientID, r.ScopeType, r.ScopeID, r.Parameter, string(r.Operator), r.Threshold,
		r.BreachDurationSeconds, r.ExpectedSampleSeconds, r.MaxGapSeconds, r.Enabled)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteRule(ctx context.Context, clientID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_rules WHERE id = ? AND client_id = ?`, id, clientID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListRules(ctx context.Context, clientID string) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE client_id = ? ORDER BY id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *sqliteStore) RulesFor(ctx context.Context, clientID, deviceID, parameter string) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules
		WHERE client_id = ? AND scope_type = ? AND scope_id = ? AND parameter = ? AND enabled
		ORDER BY id`,
		clientID, model.ScopeDevice, deviceID, parameter)
	if err != nil {
		return nil, fmt.Errorf("rules for device: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *sqliteStore) UpsertDeviceStatus(ctx context.Context, st model.DeviceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_status (device_id, client_id, level, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at`,
		st.DeviceID, st.ClientID, string(st.Level), st.UpdatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert device status: %w", err)
	}
	return nil
}

func (s *sqliteStore) ClearDeviceStatus(ctx context.Context, clientID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM device_status WHERE device_id = ? AND client_id = ?`, deviceID, clientID)
	if err != nil {
		return fmt.Errorf("clear device status: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListDeviceStatus(ctx context.Context, clientID string, level model.StatusLevel) ([]model.DeviceStatusInfo, error) {
	where := []string{"1=1"}
	args := []any{}
	if clientID != "" {
		where = append(where, "st.client_id = ?")
		args = append(args, clientID)
	}
	if level != "" {
		where = append(where, "st.level = ?")
		args = append(args, string(level))
	}
	query := `SELECT d.id, d.client_id, d.external_id, d.name, d.site_id, d.area_id, st.level, st.updated_at
		FROM device_status st JOIN devices d ON d.id = st.device_id
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY d.id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list device status: %w", err)
	}
	defer rows.Close()
	out := make([]model.DeviceStatusInfo, 0)
	for rows.Next() {
		var info model.DeviceStatusInfo
		var lvl string
		var updated int64
		if err := rows.Scan(&info.Device.ID, &info.Device.ClientID, &info.Device.ExternalID,
			&info.Device.Name, &info.Device.SiteID, &info.Device.AreaID, &lvl, &updated); err != nil {
			return nil, fmt.Errorf("scan device status: %w", err)
		}
		info.Level = model.StatusLevel(lvl)
		info.UpdatedAt = fromUnixNano(updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, client_id, device_id, rule_id, message, created_at, ack_consumed)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		n.ID, n.ClientID, n.DeviceID, n.RuleID, n.Message, n.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *sqliteStore) AcknowledgeNotification(ctx context.Context, clientID, id, actor string) (model.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE notifications SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND client_id = ?
		RETURNING `+notificationColumns,
		nowUTC().UnixNano(), actor, id, clientID)
	n, err := scanSQLiteNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, ErrNotFound
		}
		return model.Notification{}, fmt.Errorf("acknowledge notification: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) ConsumeNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE notifications SET ack_consumed = 1
		WHERE id IN (
			SELECT id FROM notifications WHERE ack_consumed = 0
			ORDER BY created_at, id LIMIT ?
		)
		RETURNING `+notificationColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("consume notifications: %w", err)
	}
	defer rows.Close()
	return scanSQLiteNotifications(rows)
}

func (s *sqliteStore) ListNotifications(ctx context.Context, f NotificationFilter) (NotificationPage, error) {
	args := []any{f.ClientID}
	where := []string{"n.client_id = ?"}
	if f.DeviceID != "" {
		where = append(where, "n.device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.SiteID != "" {
		where = append(where, "d.site_id = ?")
		args = append(args, f.SiteID)
	}
	if f.Cursor != "" {
		var curCreated int64
		var curID string
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at, id FROM notifications WHERE id = ? AND client_id = ?`,
			f.Cursor, f.ClientID).Scan(&curCreated, &curID)
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationPage{}, ErrNotFound
		}
		if err != nil {
			return NotificationPage{}, fmt.Errorf("resolve cursor: %w", err)
		}
		where = append(where, "(n.created_at < ? OR (n.created_at = ? AND n.id < ?))")
		args = append(args, curCreated, curCreated, curID)
	}
	limit := f.EffectiveLimit()
	args = append(args, limit+1)
	query := `SELECT n.id, n.client_id, n.device_id, n.rule_id, n.message, n.created_at,
			n.acknowledged_at, n.acknowledged_by, n.ack_consumed
		FROM notifications n JOIN devices d ON d.id = n.device_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	items, err := scanSQLiteNotifications(rows)
	if err != nil {
		return NotificationPage{}, err
	}
	page := NotificationPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = items[limit-1].ID
	}
	return page, nil
}

func scanSQLiteNotification(r rowScanner) (model.Notification, error) {
	var n model.Notification
	var created int64
	var ackAt sql.NullInt64
	if err := r.Scan(&n.ID, &n.ClientID, &n.DeviceID, &n.RuleID, &n.Message, &created,
		&ackAt, &n.AcknowledgedBy, &n.AckConsumed); err != nil {
		return model.Notification{}, err
	}
	n.CreatedAt = fromUnixNano(created)
	if ackAt.Valid {
		t := fromUnixNano(ackAt.Int64)
		n.AcknowledgedAt = &t
	}
	return n, nil
}

func scanSQLiteNotifications(rows *sql.Rows) ([]model.Notification, error) {
	out := make([]model.Notification, 0)
	for rows.Next() {
		n, err := scanSQLiteNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
