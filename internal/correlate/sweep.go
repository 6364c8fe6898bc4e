package correlate

import (
	"time"

	"lineage-stats/internal/domain"
)

// SweepResult summarizes one pass of Sweep.
type SweepResult struct {
	Evicted []string
	// SkippedEmitting counts idle runs left alone because they were
	// draining; SkippedBusy counts those whose lock was held.
	SkippedEmitting  int
	SkippedBusy      int
	ExpiredReports   int
	PurgedTombstones int
}

// Sweep evicts runs idle for longer than IdleTimeout, expires pending
// reports past the retention window and forgets tombstones older than
// TombstoneTTL. A run that is emitting, or whose lock is held by a recorder
// or an emit, is left for the next pass.
func (ix *Index) Sweep(now time.Time) SweepResult {
	var res SweepResult

	if ix.opts.IdleTimeout > 0 {
		cutoff := now.Add(-ix.opts.IdleTimeout)
		ix.runs.Range(func(k, v any) bool {
			runID := k.(string)
			e := v.(*runEntry)
			if !e.idleSince().Before(cutoff) {
				return true
			}
			if !e.mu.TryLock() {
				res.SkippedBusy++
				return true
			}
			defer e.mu.Unlock()

			if !e.state().AcceptsFacets() {
				res.SkippedEmitting++
				return true
			}
			idle := e.idleSince()
			if !idle.Before(cutoff) {
				return true
			}
			buckets := 0
			e.datasets.Range(func(_, d any) bool {
				buckets += len(d.(*datasetEntry).buckets)
				return true
			})
			ix.closeLocked(runID, e)
			res.Evicted = append(res.Evicted, runID)

			err := &domain.IncompleteRunDiscardedError{
				RunID:   runID,
				Buckets: buckets,
				Idle:    now.Sub(idle).Round(time.Second).String(),
			}
			ix.logger.Warn("incomplete run discarded",
				"run_id", runID,
				"job", e.run.Job.Name,
				"buckets", buckets,
				"error", err,
			)
			return true
		})
	}

	res.ExpiredReports = ix.expirePending(now)

	if ix.opts.TombstoneTTL > 0 {
		tombCutoff := now.Add(-ix.opts.TombstoneTTL)
		ix.tombstones.Range(func(k, v any) bool {
			if v.(time.Time).Before(tombCutoff) {
				ix.tombstones.Delete(k)
				res.PurgedTombstones++
			}
			return true
		})
	}

	return res
}
