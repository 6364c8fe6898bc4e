// Package correlator is the ingest hook the host engine calls: it opens
// runs, routes raw metric reports into the correlation index and completes
// runs through the emitter.
package correlator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"lineage-stats/internal/correlate"
	"lineage-stats/internal/domain"
	"lineage-stats/internal/emit"
	"lineage-stats/internal/normalize"
)

// Emitter builds and enqueues run events.
type Emitter interface {
	EmitRun(ctx context.Context, runID string, eventType domain.EventType) (emit.Result, error)
	EmitStart(ctx context.Context, run domain.Run) (*domain.Event, error)
}

// QueueStats exposes delivery counters of the send queue.
type QueueStats interface {
	Stats() emit.SenderStats
}

// Options configures a Service.
type Options struct {
	// EmitStart enqueues a START event whenever a run is opened.
	EmitStart bool
	Queue     QueueStats
	Now       func() time.Time
}

// ReportResult describes where an accepted report was routed.
type ReportResult struct {
	Outcome correlate.Outcome
	RunID   string
	Dataset domain.Dataset
	Version string
	Kind    domain.FacetKind
}

// ReportCounts tallies report outcomes by taxonomy.
type ReportCounts struct {
	Accepted     int64 `json:"accepted"`
	Pending      int64 `json:"pending"`
	Malformed    int64 `json:"malformed"`
	RunClosed    int64 `json:"run_closed"`
	Uncorrelated int64 `json:"uncorrelated"`
	Invalid      int64 `json:"invalid"`
}

// DropCounts tallies data lost after a report was accepted.
type DropCounts struct {
	// ConflictingVersion counts facets dropped while merging a bucket.
	ConflictingVersion int64 `json:"conflicting_version"`
	// IncompleteRunDiscarded counts runs evicted by the sweep before they
	// completed.
	IncompleteRunDiscarded int64 `json:"incomplete_run_discarded"`
}

// Stats is a point-in-time view of the correlator.
type Stats struct {
	Index   correlate.Stats   `json:"index"`
	Reports ReportCounts      `json:"reports"`
	Dropped DropCounts        `json:"dropped"`
	Emitted int64             `json:"emitted"`
	Queue   *emit.SenderStats `json:"queue,omitempty"`
}

// Service wires normalizer, index and emitter together. Every failure is
// logged with its taxonomy name and returned; none of them aborts the
// caller's job.
type Service struct {
	index   *correlate.Index
	emitter Emitter
	opts    Options
	logger  *slog.Logger

	accepted, pending, malformed, closed, uncorrelated, invalid atomic.Int64
	conflicting, discarded                                      atomic.Int64
	emitted                                                     atomic.Int64
}

// NewService creates a Service.
func NewService(index *correlate.Index, emitter Emitter, opts Options, logger *slog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		index:   index,
		emitter: emitter,
		opts:    opts,
		logger:  logger.With("component", "correlator"),
	}
}

// StartRun opens run in the index and returns it as stored. Reports that
// arrived before the run was opened are replayed.
func (s *Service) StartRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	run.ID = strings.TrimSpace(run.ID)
	if err := run.Validate(); err != nil {
		return domain.Run{}, err
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.opts.Now().UTC()
	}
	if err := s.index.Open(run); err != nil {
		s.logFailure(ctx, "run not opened", run.ID, err)
		return domain.Run{}, err
	}
	if stored, _, ok := s.index.Run(run.ID); ok {
		run = stored
	}

	s.logger.InfoContext(ctx, "run opened", "run_id", run.ID, "job", run.Job.Namespace+"/"+run.Job.Name)
	if s.opts.EmitStart {
		if _, err := s.emitter.EmitStart(ctx, run); err != nil {
			s.logger.WarnContext(ctx, "start event not emitted", "run_id", run.ID, "error", err)
		}
	}
	return run, nil
}

// OnReport normalizes r and records the resulting facet.
func (s *Service) OnReport(ctx context.Context, r domain.RawReport) (ReportResult, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = s.opts.Now()
	}

	n, err := normalize.Normalize(r)
	if err != nil {
		s.count(err)
		s.logFailure(ctx, "report dropped", r.RunID, err, "kind", r.Kind, "dataset", r.Dataset.Ref())
		return ReportResult{}, err
	}

	res := ReportResult{RunID: n.RunID, Dataset: n.Dataset, Version: n.Version, Kind: n.Facet.Kind()}
	res.Outcome, err = s.index.Record(n.RunID, n.Dataset, n.Version, n.Role, n.Facet)
	if err != nil {
		s.count(err)
		s.logFailure(ctx, "report dropped", n.RunID, err, "kind", r.Kind, "dataset", n.Dataset.Ref())
		return res, err
	}

	if res.Outcome == correlate.Parked {
		s.pending.Add(1)
	} else {
		s.accepted.Add(1)
	}
	s.logger.DebugContext(ctx, "report recorded",
		"run_id", n.RunID,
		"dataset", n.Dataset.Ref(),
		"version", n.Version,
		"facet", n.Facet.Kind(),
		"outcome", res.Outcome,
	)
	return res, nil
}

// CompleteRun emits the terminal event for runID. An empty event type
// means COMPLETE.
func (s *Service) CompleteRun(ctx context.Context, runID string, eventType domain.EventType) (*domain.Event, error) {
	if eventType == "" {
		eventType = domain.EventComplete
	}
	res, err := s.emitter.EmitRun(ctx, runID, eventType)
	s.conflicting.Add(int64(len(res.Conflicts)))
	if err != nil {
		s.logFailure(ctx, "run not completed", runID, err, "event_type", eventType)
		return nil, err
	}
	s.emitted.Add(1)
	return res.Event, nil
}

// ObserveSweep adds the runs a sweep discarded to the drop counters.
func (s *Service) ObserveSweep(res correlate.SweepResult) {
	s.discarded.Add(int64(len(res.Evicted)))
}

// Stats returns index occupancy, report and drop counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Index: s.index.Stats(),
		Reports: ReportCounts{
			Accepted:     s.accepted.Load(),
			Pending:      s.pending.Load(),
			Malformed:    s.malformed.Load(),
			RunClosed:    s.closed.Load(),
			Uncorrelated: s.uncorrelated.Load(),
			Invalid:      s.invalid.Load(),
		},
		Dropped: DropCounts{
			ConflictingVersion:     s.conflicting.Load(),
			IncompleteRunDiscarded: s.discarded.Load(),
		},
		Emitted: s.emitted.Load(),
	}
	if s.opts.Queue != nil {
		q := s.opts.Queue.Stats()
		st.Queue = &q
	}
	return st
}

func (s *Service) count(err error) {
	switch Taxonomy(err) {
	case "MalformedReport":
		s.malformed.Add(1)
	case "RunClosed":
		s.closed.Add(1)
	case "Uncorrelated":
		s.uncorrelated.Add(1)
	default:
		s.invalid.Add(1)
	}
}

func (s *Service) logFailure(ctx context.Context, msg, runID string, err error, attrs ...any) {
	level := slog.LevelWarn
	switch Taxonomy(err) {
	case "RunClosed", "NotFound":
		level = slog.LevelInfo
	case "Internal":
		level = slog.LevelError
	}
	args := append([]any{"run_id", runID, "reason", Taxonomy(err), "error", err}, attrs...)
	s.logger.Log(ctx, level, msg, args...)
}

// Taxonomy names the failure class of err.
func Taxonomy(err error) string {
	var (
		malformed    *domain.MalformedReportError
		conflicting  *domain.ConflictingVersionError
		incomplete   *domain.IncompleteRunDiscardedError
		closed       *domain.RunClosedError
		uncorrelated *domain.UncorrelatedError
		unavailable  *domain.TransportUnavailableError
		notFound     *domain.NotFoundError
		validation   *domain.ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &malformed):
		return "MalformedReport"
	case errors.As(err, &conflicting):
		return "ConflictingVersion"
	case errors.As(err, &incomplete):
		return "IncompleteRunDiscarded"
	case errors.As(err, &closed):
		return "RunClosed"
	case errors.As(err, &uncorrelated):
		return "Uncorrelated"
	case errors.As(err, &unavailable):
		return "TransportUnavailable"
	case errors.As(err, &notFound):
		return "NotFound"
	case errors.As(err, &validation):
		return "Validation"
	default:
		return "Internal"
	}
}
