package domain

import (
	"context"
	"time"
)

// Transport delivers emitted events. Implementations return an error
// wrapped with Retryable for transient failures; any other error is fatal
// for that event. Consumers deduplicate by event id.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
}

// EventArchive persists emitted events for later listing.
// Implemented by repository.EventRepo.
type EventArchive interface {
	// Insert stores the event; inserting an existing event id is a no-op
	// and reports inserted=false.
	Insert(ctx context.Context, ev *ArchivedEvent) (inserted bool, err error)
	Get(ctx context.Context, eventID string) (*ArchivedEvent, error)
	List(ctx context.Context, filter EventFilter, page PageRequest) ([]ArchivedEvent, int64, error)
	PurgeOlderThan(ctx context.Context, before time.Time) (int64, error)
}
