package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"iotguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/iotguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
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
			ts TIMESTAMPTZ NOT NULL,
			value DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_device_param_ts ON samples(device_id, parameter, ts)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			parameter TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			breach_duration_seconds INTEGER NOT NULL,
			expected_sample_seconds INTEGER NOT NULL,
			max_gap_seconds INTEGER NOT NULL,
			enabled BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_scope ON alert_rules(client_id, scope_id, parameter)`,
		`CREATE TABLE IF NOT EXISTS device_status (
			device_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			level TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			ack_consumed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_list ON notifications(client_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_unconsumed ON notifications(created_at) WHERE NOT ack_consumed`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) UpsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO devices (id, client_id, external_id, name, site_id, area_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id, external_id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE devices.name END,
			site_id = CASE WHEN EXCLUDED.site_id <> '' THEN EXCLUDED.site_id ELSE devices.site_id END,
			area_id = CASE WHEN EXCLUDED.area_id <> '' THEN EXCLUDED.area_id ELSE devices.area_id END
		RETURNING id, client_id, external_id, name, site_id, area_id`,
		d.ID, d.ClientID, d.ExternalID, d.Name, d.SiteID, d.AreaID)
	var out model.Device
	if err := row.Scan(&out.ID, &out.ClientID, &out.ExternalID, &out.Name, &out.SiteID, &out.AreaID); err != nil {
		return model.Device{}, fmt.Errorf("upsert device: %w", err)
	}
	return out, nil
}

func (s *postgresStore) GetDevice(ctx context.Context, clientID, externalID string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, external_id, name, site_id, area_id
		FROM devices WHERE client_id = $1 AND external_id = $2`,
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

func (s *postgresStore) InsertSample(ctx context.Context, sm model.Sample) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (key, device_id, parameter, ts, value)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key) DO NOTHING`,
		sm.Key, sm.DeviceID, sm.Parameter, sm.Timestamp.UTC(), sm.Value)
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

func (s *postgresStore) HasSamples(ctx context.Context, deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM samples WHERE device_id = $1 LIMIT 1`, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has samples: %w", err)
	}
	return true, nil
}

func (s *postgresStore) UpsertRule(ctx context.Context, r model.AlertRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (id, client_id, scope_type, scope_id, parameter, operator, threshold,
			breach_duration_seconds, expected_sample_seconds, max_gap_seconds, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			scope_type = EXCLUDED.scope_type,
			scope_id = EXCLUDED.scope_id,
			parameter = EXCLUDED.parameter,
			operator = EXCLUDED.operator,
			threshold = EXCLUDED.threshold,
			breach_duration_seconds = EXCLUDED.breach_duration_seconds,
			expected_sample_seconds = EXCLUDED.expected_sample_seconds,
			max_gap_seconds = EXCLUDED.max_gap_seconds,
			enabled = EXCLUDED.enabled`,
		r.ID, r.ClientID, r.ScopeType, r.ScopeID, r.Parameter, string(r.Operator), r.Threshold,
		r.BreachDurationSeconds, r.ExpectedSampleSeconds, r.MaxGapSeconds, r.Enabled)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

func (s *postgresStore) DeleteRule(ctx context.Context, clientID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_rules WHERE id = $1 AND client_id = $2`, id, clientID)
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

const ruleColumns = `id, client_id, scope_type, scope_id, parameter, operator, threshold,
	breach_duration_seconds, expected_sample_seconds, max_gap_seconds, enabled`

func (s *postgresStore) ListRules(ctx context.Context, clientID string) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE client_id = $1 ORDER BY id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *postgresStore) RulesFor(ctx context.Context, clientID, deviceID, parameter string) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules
		WHERE client_id = $1 AND scope_type = $2 AND scope_id = $3 AND parameter = $4 AND enabled
		ORDER BY id`,
		clientID, model.ScopeDevice, deviceID, parameter)
	if err != nil {
		return nil, fmt.Errorf("rules for device: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]model.AlertRule, error) {
	out := make([]model.AlertRule, 0)
	for rows.Next() {
		var r model.AlertRule
		var op string
		if err := rows.Scan(&r.ID, &r.ClientID, &r.ScopeType, &r.ScopeID, &r.Parameter, &op, &r.Threshold,
			&r.BreachDurationSeconds, &r.ExpectedSampleSeconds, &r.MaxGapSeconds, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Operator = model.Operator(op)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertDeviceStatus(ctx context.Context, st model.DeviceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_status (device_id, client_id, level, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET level = EXCLUDED.level, updated_at = EXCLUDED.updated_at`,
		st.DeviceID, st.ClientID, string(st.Level), st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert device status: %w", err)
	}
	return nil
}

func (s *postgresStore) ClearDeviceStatus(ctx context.Context, clientID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM device_status WHERE device_id = $1 AND client_id = $2`, deviceID, clientID)
	if err != nil {
		return fmt.Errorf("clear device status: %w", err)
	}
	return nil
}

func (s *postgresStore) ListDeviceStatus(ctx context.Context, clientID string, level model.StatusLevel) ([]model.DeviceStatusInfo, error) {
	where := []string{"1=1"}
	args := []any{}
	if clientID != "" {
		args = append(args, clientID)
		where = append(where, fmt.Sprintf("st.client_id = $%d", len(args)))
	}
	if level != "" {
		args = append(args, string(level))
		where = append(where, fmt.Sprintf("st.level = $%d", len(args)))
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
		if err := rows.Scan(&info.Device.ID, &info.Device.ClientID, &info.Device.ExternalID,
			&info.Device.Name, &info.Device.SiteID, &info.Device.AreaID, &lvl, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan device status: %w", err)
		}
		info.Level = model.StatusLevel(lvl)
		out = append(out, info)
	}
	return out, rows.Err()
}

const notificationColumns = `id, client_id, device_id, rule_id, message, created_at,
	acknowledged_at, acknowledged_by, ack_consumed`

func (s *postgresStore) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, client_id, device_id, rule_id, message, created_at, ack_consumed)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		n.ID, n.ClientID, n.DeviceID, n.RuleID, n.Message, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *postgresStore) AcknowledgeNotification(ctx context.Context, clientID, id, actor string) (model.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE notifications SET acknowledged_at = $1, acknowledged_by = $2
		WHERE id = $3 AND client_id = $4
		RETURNING `+notificationColumns,
		nowUTC(), actor, id, clientID)
	n, err := scanNotificationRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, ErrNotFound
		}
		return model.Notification{}, fmt.Errorf("acknowledge notification: %w", err)
	}
	return n, nil
}

func (s *postgresStore) ConsumeNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE notifications SET ack_consumed = TRUE
		WHERE id IN (
			SELECT id FROM notifications WHERE NOT ack_consumed
			ORDER BY created_at, id LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("consume notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *postgresStore) ListNotifications(ctx context.Context, f NotificationFilter) (NotificationPage, error) {
	args := []any{f.ClientID}
	where := []string{"n.client_id = $1"}
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		where = append(where, fmt.Sprintf("n.device_id = $%d", len(args)))
	}
	if f.SiteID != "" {
		args = append(args, f.SiteID)
		where = append(where, fmt.Sprintf("d.site_id = $%d", len(args)))
	}
	if f.Cursor != "" {
		var curCreated time.Time
		var curID string
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at, id FROM notifications WHERE id = $1 AND client_id = $2`,
			f.Cursor, f.ClientID).Scan(&curCreated, &curID)
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationPage{}, ErrNotFound
		}
		if err != nil {
			return NotificationPage{}, fmt.Errorf("resolve cursor: %w", err)
		}
		args = append(args, curCreated)
		tsArg := len(args)
		args = append(args, curID)
		idArg := len(args)
		where = append(where, fmt.Sprintf("(n.created_at < $%d OR (n.created_at = $%d AND n.id < $%d))", tsArg, tsArg, idArg))
	}
	limit := f.EffectiveLimit()
	args = append(args, limit+1)
	query := `SELECT n.id, n.client_id, n.device_id, n.rule_id, n.message, n.created_at,
			n.acknowledged_at, n.acknowledged_by, n.ack_consumed
		FROM notifications n JOIN devices d ON d.id = n.device_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT $` + fmt.Sprint(len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	items, err := scanNotifications(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(r rowScanner) (model.Notification, error) {
	var n model.Notification
	var ackAt sql.NullTime
	if err := r.Scan(&n.ID, &n.ClientID, &n.DeviceID, &n.RuleID, &n.Message, &n.CreatedAt,
		&ackAt, &n.AcknowledgedBy, &n.AckConsumed); err != nil {
		return model.Notification{}, err
	}
	if ackAt.Valid {
		t := ackAt.Time.UTC()
		n.AcknowledgedAt = &t
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

func scanNotificationRow(row *sql.Row) (model.Notification, error) {
	return scanNotification(row)
}

func scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	out := make([]model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
