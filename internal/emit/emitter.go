// Package emit builds lineage events from drained runs and delivers them
// asynchronously.
package emit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lineage-stats/internal/correlate"
	"lineage-stats/internal/domain"
	"lineage-stats/internal/merge"
	"lineage-stats/internal/openlineage"
)

// Source is the part of the correlation index the emitter drains.
type Source interface {
	DrainAndClose(runID string) (correlate.RunSnapshot, error)
}

// Queue accepts encoded events without blocking.
type Queue interface {
	Enqueue(env domain.Envelope) error
}

// Classifier decides whether a merged bucket is an input or an output of
// the run. It must return RoleInput or RoleOutput.
type Classifier func(b correlate.BucketSnapshot, facets domain.DatasetFacetSet) domain.DatasetRole

// DefaultClassifier uses the caller-supplied bucket role, then the facet
// kinds: statistics of a write and commits are outputs, everything else is
// an input.
func DefaultClassifier(b correlate.BucketSnapshot, facets domain.DatasetFacetSet) domain.DatasetRole {
	if b.Role != domain.RoleUnspecified {
		return b.Role
	}
	if _, ok := facets[domain.FacetOutputStatistics]; ok {
		return domain.RoleOutput
	}
	if _, ok := facets[domain.FacetIcebergCommitReport]; ok {
		return domain.RoleOutput
	}
	return domain.RoleInput
}

// Options configures an Emitter.
type Options struct {
	Producer   string
	Classifier Classifier
	Now        func() time.Time
}

// Emitter turns a run's buckets into one event and hands it to a Queue.
type Emitter struct {
	source Source
	queue  Queue
	opts   Options
	logger *slog.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(source Source, queue Queue, opts Options, logger *slog.Logger) *Emitter {
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Emitter{source: source, queue: queue, opts: opts, logger: logger}
}

// Result is a built terminal event and the facets dropped while merging
// its buckets, one *domain.ConflictingVersionError each.
type Result struct {
	Event     *domain.Event
	Conflicts []error
}

// Emit drains and closes the run, merges every bucket and enqueues the
// resulting terminal event. A full or closed queue does not fail Emit: the
// drop is logged and the built event is still returned.
func (e *Emitter) Emit(ctx context.Context, runID string, eventType domain.EventType) (*domain.Event, error) {
	res, err := e.EmitRun(ctx, runID, eventType)
	return res.Event, err
}

// EmitRun is Emit reporting the dropped facets as well.
func (e *Emitter) EmitRun(ctx context.Context, runID string, eventType domain.EventType) (Result, error) {
	if !eventType.IsTerminal() {
		return Result{}, domain.ErrValidation("event type %q does not end a run", eventType)
	}

	snap, err := e.source.DrainAndClose(runID)
	if err != nil {
		return Result{}, err
	}

	if snap.Run.EndedAt.IsZero() {
		snap.Run.EndedAt = e.opts.Now().UTC()
	}
	ev := e.newEvent(snap.Run, eventType)
	res := Result{Event: ev}
	for _, b := range snap.Buckets {
		facets, conflicts := merge.Merge(b)
		res.Conflicts = append(res.Conflicts, conflicts...)
		for _, c := range conflicts {
			e.logger.WarnContext(ctx, "facet dropped",
				"run_id", runID,
				"dataset", b.Dataset.Ref(),
				"reason", c,
			)
		}
		if len(facets) == 0 {
			continue
		}

		entry := domain.EventDataset{Dataset: b.Dataset, Version: merge.ResolveVersion(b), Facets: facets}
		if e.opts.Classifier(b, facets) == domain.RoleOutput {
			ev.Outputs = append(ev.Outputs, entry)
		} else {
			ev.Inputs = append(ev.Inputs, entry)
		}
	}

	if err := e.publish(ctx, ev); err != nil {
		return res, err
	}
	e.logger.InfoContext(ctx, "run emitted",
		"run_id", runID,
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"inputs", len(ev.Inputs),
		"outputs", len(ev.Outputs),
		"dropped_facets", len(res.Conflicts),
	)
	return res, nil
}

// EmitStart enqueues a START event with no datasets for run.
func (e *Emitter) EmitStart(ctx context.Context, run domain.Run) (*domain.Event, error) {
	ev := e.newEvent(run, domain.EventStart)
	if err := e.publish(ctx, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func (e *Emitter) newEvent(run domain.Run, eventType domain.EventType) *domain.Event {
	return &domain.Event{
		EventID:   domain.NewID(),
		EventType: eventType,
		EventTime: e.opts.Now().UTC(),
		Producer:  e.opts.Producer,
		SchemaURL: openlineage.SchemaURL,
		Run:       run,
		Job:       run.Job,
	}
}

// publish encodes ev and enqueues it. Only an encoding failure is
// returned; the queue logs and reports its own drops.
func (e *Emitter) publish(ctx context.Context, ev *domain.Event) error {
	payload, err := openlineage.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	if err := e.queue.Enqueue(domain.Envelope{Event: ev, Payload: payload}); err != nil {
		e.logger.DebugContext(ctx, "event not queued", "run_id", ev.Run.ID, "event_id", ev.EventID, "error", err)
	}
	return nil
}
