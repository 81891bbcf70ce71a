package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iotguard/internal/config"
	"iotguard/internal/model"
	"iotguard/internal/storage"
)

// RuleControl lets the API drop evaluator state when a rule is disabled
// or deleted.
type RuleControl interface {
	DisableRule(ctx context.Context, ruleID string) error
}

type Server struct {
	cfg     *config.Manager
	store   storage.Store
	rules   RuleControl
	logger  *slog.Logger
	version string
}

func NewServer(cfg *config.Manager, store storage.Store, rules RuleControl, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, store: store, rules: rules, logger: logger, version: version}
}

func Start(ctx context.Context, cfg *config.Manager, store storage.Store, rules RuleControl, logger *slog.Logger, version string) *http.Server {
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", current.Addr)
	s := NewServer(cfg, store, rules, logger, version)

	httpServer := &http.Server{Addr: current.Addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{id}/ack", s.handleAcknowledge)
		r.Get("/devices/status", s.handleDeviceStatus)
		r.Get("/rules", s.handleListRules)
		r.Put("/rules/{id}", s.handleUpsertRule)
		r.Delete("/rules/{id}", s.handleDeleteRule)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type alertResponse struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	RuleID         string     `json:"rule_id"`
	Message        any        `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AckConsumed    bool       `json:"ack_consumed"`
}

func toAlertResponse(n model.Notification) alertResponse {
	return alertResponse{
		ID:             n.ID,
		DeviceID:       n.DeviceID,
		RuleID:         n.RuleID,
		Message:        n.DecodedMessage(),
		CreatedAt:      n.CreatedAt,
		AcknowledgedAt: n.AcknowledgedAt,
		AcknowledgedBy: n.AcknowledgedBy,
		AckConsumed:    n.AckConsumed,
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	filter := storage.NotificationFilter{
		ClientID: p.ClientID,
		DeviceID: r.URL.Query().Get("device_id"),
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    limit,
	}
	if p.Role == config.RoleSite {
		filter.SiteID = p.SiteID
	}
	page, err := s.store.ListNotifications(r.Context(), filter)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown cursor")
			return
		}
		s.logger.Error("list alerts failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]alertResponse, 0, len(page.Items))
	for _, n := range page.Items {
		items = append(items, toAlertResponse(n))
	}
	resp := map[string]any{"alerts": items}
	if page.NextCursor != "" {
		resp["next_cursor"] = page.NextCursor
	} else {
		resp["next_cursor"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := chi.URLParam(r, "id")
	actor := p.Name
	if actor == "" {
		actor = p.ClientID
	}
	n, err := s.store.AcknowledgeNotification(r.Context(), p.ClientID, id, actor)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.logger.Error("acknowledge failed", "err", err, "alert_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toAlertResponse(n))
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	level := model.StatusLevel(r.URL.Query().Get("level"))
	if level != "" && !level.Valid() {
		writeError(w, http.StatusBadRequest, "invalid level")
		return
	}
	infos, err := s.store.ListDeviceStatus(r.Context(), p.ClientID, level)
	if err != nil {
		s.logger.Error("list device status failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if p.Role == config.RoleSite {
		scoped := infos[:0]
		for _, info := range infos {
			if info.Device.SiteID == p.SiteID {
				scoped = append(scoped, info)
			}
		}
		infos = scoped
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	rules, err := s.store.ListRules(r.Context(), p.ClientID)
	if err != nil {
		s.logger.Error("list rules failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.Role != config.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var rule model.AlertRule
	if err := json.Unmarshal(body, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.ClientID = p.ClientID
	if rule.ScopeType == "" {
		rule.ScopeType = model.ScopeDevice
	}
	if msg := validateRule(rule); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.store.UpsertRule(r.Context(), rule); err != nil {
		s.logger.Error("upsert rule failed", "err", err, "rule_id", rule.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !rule.Enabled {
		if err := s.rules.DisableRule(r.Context(), rule.ID); err != nil {
			s.logger.Error("disable rule failed", "err", err, "rule_id", rule.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.Role != config.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteRule(r.Context(), p.ClientID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		s.logger.Error("delete rule failed", "err", err, "rule_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.rules.DisableRule(r.Context(), id); err != nil {
		s.logger.Error("disable rule failed", "err", err, "rule_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateRule(r model.AlertRule) string {
	if r.Parameter == "" {
		return "parameter is required"
	}
	if r.ScopeType != model.ScopeDevice {
		return "unsupported scope_type"
	}
	if r.ScopeID == "" {
		return "scope_id is required"
	}
	if !r.Operator.Valid() {
		return "unknown operator"
	}
	if r.BreachDurationSeconds < 0 {
		return "breach_duration_seconds must be >= 0"
	}
	if r.MaxGapSeconds <= 0 {
		return "max_gap_seconds must be > 0"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
