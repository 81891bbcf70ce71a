package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
	"iotguard/internal/queue"
)

type RESTServer struct {
	queue  *queue.Queue
	logger *slog.Logger
}

func StartREST(ctx context.Context, cfg *config.Manager, q *queue.Queue, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		logger.Info("rest ingest disabled")
		return nil
	}
	logger.Info("rest ingest enabled", "addr", current.Addr)
	server := &RESTServer{queue: q, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", server.handleIngest)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rest ingest server error", "err", err)
		}
	}()
	return httpServer
}

func (s *RESTServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var events []model.TelemetryEvent
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var ev model.TelemetryEvent
		if err := json.Unmarshal(trim, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		events = append(events, ev)
	}

	accepted := 0
	failed := 0
	var problems []string
	for i := range events {
		events[i].Source = "rest"
		if err := ValidateEvent(&events[i]); err != nil {
			failed++
			problems = append(problems, err.Error())
			continue
		}
		if err := s.queue.Enqueue(r.Context(), events[i]); err != nil {
			s.logger.Warn("enqueue failed", "err", err)
			failed++
			problems = append(problems, "enqueue failed")
			continue
		}
		accepted++
	}

	status := http.StatusOK
	if accepted == 0 && failed > 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": accepted,
		"failed":   failed,
		"errors":   problems,
	})
}
