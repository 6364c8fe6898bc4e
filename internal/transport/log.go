package transport

import (
	"context"
	"encoding/json"
	"log/slog"

	"lineage-stats/internal/domain"
)

// LogTransport writes each event as one structured log record.
type LogTransport struct {
	logger *slog.Logger
	level  slog.Level
}

var _ domain.Transport = (*LogTransport)(nil)

// NewLogTransport creates a console sink logging at level.
func NewLogTransport(logger *slog.Logger, level slog.Level) *LogTransport {
	return &LogTransport{logger: logger, level: level}
}

// Name implements domain.Transport.
func (t *LogTransport) Name() string { return "console" }

// Send implements domain.Transport.
func (t *LogTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}
	t.logger.Log(ctx, t.level, "lineage event",
		"event_id", env.ID(),
		"run_id", env.Event.Run.ID,
		"event_type", env.Event.EventType,
		"event", json.RawMessage(env.Payload),
	)
	return nil
}
