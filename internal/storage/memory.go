package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"iotguard/internal/model"
)

// memoryStore is an in-memory Store used by tests and single-process
// development runs. It mirrors the SQL backends' semantics exactly.
type memoryStore struct {
	mu          sync.Mutex
	devices     map[string]model.Device
	deviceIndex map[deviceKey]string
	samples     map[string]model.Sample
	rules       map[string]model.AlertRule
	status      map[string]model.DeviceStatus
	notifs      map[string]model.Notification
}

type deviceKey struct {
	clientID   string
	externalID string
}

func NewMemory() Store {
	return &memoryStore{
		devices:     make(map[string]model.Device),
		deviceIndex: make(map[deviceKey]string),
		samples:     make(map[string]model.Sample),
		rules:       make(map[string]model.AlertRule),
		status:      make(map[string]model.DeviceStatus),
		notifs:      make(map[string]model.Notification),
	}
}

func (s *memoryStore) Init(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                   { return nil }

func (s *memoryStore) UpsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey{d.ClientID, d.ExternalID}
	if id, ok := s.deviceIndex[key]; ok {
		existing := s.devices[id]
		if d.Name != "" {
			existing.Name = d.Name
		}
		if d.SiteID != "" {
			existing.SiteID = d.SiteID
		}
		if d.AreaID != "" {
			existing.AreaID = d.AreaID
		}
		s.devices[id] = existing
		return existing, nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.devices[d.ID] = d
	s.deviceIndex[key] = d.ID
	return d, nil
}

func (s *memoryStore) GetDevice(ctx context.Context, clientID, externalID string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.deviceIndex[deviceKey{clientID, externalID}]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return s.devices[id], nil
}

func (s *memoryStore) InsertSample(ctx context.Context, sm model.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[sm.Key]; ok {
		return ErrDuplicate
	}
	s.samples[sm.Key] = sm
	return nil
}

func (s *memoryStore) HasSamples(ctx context.Context, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sm := range s.samples {
		if sm.DeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) UpsertRule(ctx context.Context, r model.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *memoryStore) DeleteRule(ctx context.Context, clientID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.ClientID != clientID {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *memoryStore) ListRules(ctx context.Context, clientID string) ([]model.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AlertRule, 0)
	for _, r := range s.rules {
		if r.ClientID == clientID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) RulesFor(ctx context.Context, clientID, deviceID, parameter string) ([]model.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AlertRule, 0)
	for _, r := range s.rules {
		if !r.Enabled || r.ClientID != clientID || r.Parameter != parameter {
			continue
		}
		if r.ScopeType != model.ScopeDevice || r.ScopeID != deviceID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpsertDeviceStatus(ctx context.Context, st model.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[st.DeviceID] = st
	return nil
}

func (s *memoryStore) ClearDeviceStatus(ctx context.Context, clientID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[deviceID]; ok && st.ClientID == clientID {
		delete(s.status, deviceID)
	}
	return nil
}

func (s *memoryStore) ListDeviceStatus(ctx context.Context, clientID string, level model.StatusLevel) ([]model.DeviceStatusInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DeviceStatusInfo, 0)
	for _, st := range s.status {
		if clientID != "" && st.ClientID != clientID {
			continue
		}
		if level != "" && st.Level != level {
			continue
		}
		out = append(out, model.DeviceStatusInfo{
			Device:    s.devices[st.DeviceID],
			Level:     st.Level,
			UpdatedAt: st.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out, nil
}

func (s *memoryStore) InsertNotification(ctx context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifs[n.ID]; ok {
		return ErrDuplicate
	}
	s.notifs[n.ID] = n
	return nil
}

func (s *memoryStore) AcknowledgeNotification(ctx context.Context, clientID, id, actor string) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifs[id]
	if !ok || n.ClientID != clientID {
		return model.Notification{}, ErrNotFound
	}
	now := nowUTC()
	n.AcknowledgedAt = &now
	n.AcknowledgedBy = actor
	s.notifs[id] = n
	return n, nil
}

func (s *memoryStore) ConsumeNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]model.Notification, 0)
	for _, n := range s.notifs {
		if !n.AckConsumed {
			pending = append(pending, n)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	for i := range pending {
		pending[i].AckConsumed = true
		s.notifs[pending[i].ID] = pending[i]
	}
	return pending, nil
}

func (s *memoryStore) ListNotifications(ctx context.Context, f NotificationFilter) (NotificationPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]model.Notification, 0)
	for _, n := range s.notifs {
		if n.ClientID != f.ClientID {
			continue
		}
		if f.DeviceID != "" && n.DeviceID != f.DeviceID {
			continue
		}
		if f.SiteID != "" && s.devices[n.DeviceID].SiteID != f.SiteID {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if f.Cursor != "" {
		cur, ok := s.notifs[f.Cursor]
		if !ok || cur.ClientID != f.ClientID {
			return NotificationPage{}, ErrNotFound
		}
		after := matched[:0]
		for _, n := range matched {
			if n.CreatedAt.Before(cur.CreatedAt) ||
				(n.CreatedAt.Equal(cur.CreatedAt) && n.ID < cur.ID) {
				after = append(after, n)
			}
		}
		matched = after
	}
	limit := f.EffectiveLimit()
	page := NotificationPage{Items: matched}
	if len(matched) > limit {
		page.Items = matched[:limit]
		page.NextCursor = matched[limit-1].ID
	}
	return page, nil
}
