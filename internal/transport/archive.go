package transport

import (
	"context"
	"fmt"

	"lineage-stats/internal/domain"
)

// ArchiveTransport stores events in the local event archive so they can be
// listed through the API.
type ArchiveTransport struct {
	archive domain.EventArchive
}

var _ domain.Transport = (*ArchiveTransport)(nil)

// NewArchiveTransport wraps archive.
func NewArchiveTransport(archive domain.EventArchive) *ArchiveTransport {
	return &ArchiveTransport{archive: archive}
}

// Name implements domain.Transport.
func (t *ArchiveTransport) Name() string { return "archive" }

// Send implements domain.Transport. Archive writes are local, so every
// failure is treated as transient.
func (t *ArchiveTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}
	ev := env.Event
	_, err := t.archive.Insert(ctx, &domain.ArchivedEvent{
		EventID:      ev.EventID,
		RunID:        ev.Run.ID,
		JobNamespace: ev.Job.Namespace,
		JobName:      ev.Job.Name,
		EventType:    ev.EventType,
		EventTime:    ev.EventTime.UTC(),
		Payload:      env.Payload,
	})
	if err != nil {
		return domain.Retryable(fmt.Errorf("archive transport: insert %s: %w", ev.EventID, err))
	}
	return nil
}
