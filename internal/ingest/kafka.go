package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"iotguard/internal/config"
	"iotguard/internal/model"
	"iotguard/internal/queue"
)

func StartKafka(ctx context.Context, cfg *config.Manager, q *queue.Queue, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "err", err)
				continue
			}
			var ev model.TelemetryEvent
			if err := json.Unmarshal(m.Value, &ev); err != nil {
				logger.Warn("kafka decode error", "err", err, "offset", m.Offset)
				continue
			}
			ev.Source = "kafka"
			if err := ValidateEvent(&ev); err != nil {
				logger.Warn("kafka event rejected", "err", err, "offset", m.Offset)
				continue
			}
			if err := q.Enqueue(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("enqueue failed", "err", err)
			}
		}
	}()
}
