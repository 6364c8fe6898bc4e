package correlate

import (
	"sync"
	"time"

	"lineage-stats/internal/domain"
)

// parked is a report waiting for its run to be opened.
type parked struct {
	dataset domain.Dataset
	version string
	role    domain.DatasetRole
	arrival Arrival
}

// pendingBuffer holds reports for runs that have not been opened yet.
// It is only touched on that slow path.
type pendingBuffer struct {
	mu    sync.Mutex
	runs  map[string][]parked
	total int
}

func (p *pendingBuffer) has(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[runID]
	return ok
}

func (p *pendingBuffer) counts() (runs, reports int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs), p.total
}

// park buffers a report. It returns false, nil when the run turned out to
// be open or closed by the time the buffer lock was taken; the caller
// retries the fast path.
func (ix *Index) park(runID string, item parked) (bool, error) {
	ix.pending.mu.Lock()
	defer ix.pending.mu.Unlock()

	if _, ok := ix.runs.Load(runID); ok {
		return false, nil
	}
	if ix.isClosed(runID) {
		return false, nil
	}

	items, known := ix.pending.runs[runID]
	if !known && len(ix.pending.runs) >= ix.opts.MaxPendingRuns {
		return false, &domain.UncorrelatedError{RunID: runID, Reason: "pending buffer full"}
	}
	if len(items) >= ix.opts.MaxPendingPerRun {
		return false, &domain.UncorrelatedError{RunID: runID, Reason: "too many pending reports for run"}
	}
	ix.pending.runs[runID] = append(items, item)
	ix.pending.total++
	return true, nil
}

// replay moves parked reports into a freshly opened run. Open stores the
// run before taking the buffer lock and park re-checks the run map under
// that lock, so no report can be parked after its run was replayed.
func (ix *Index) replay(runID string, e *runEntry) {
	ix.pending.mu.Lock()
	items := ix.pending.runs[runID]
	delete(ix.pending.runs, runID)
	ix.pending.total -= len(items)
	ix.pending.mu.Unlock()

	for _, item := range items {
		if err := e.record(ix, item); err != nil {
			ix.logger.Info("pending report dropped on replay",
				"run_id", runID,
				"dataset", item.dataset.Ref(),
				"facet", item.arrival.Facet.Kind(),
				"reason", err,
			)
		}
	}
	if len(items) > 0 {
		ix.logger.Debug("replayed pending reports", "run_id", runID, "count", len(items))
	}
}

// expirePending drops parked reports older than the retention window.
func (ix *Index) expirePending(now time.Time) int {
	cutoff := now.Add(-ix.opts.RetentionWindow)

	ix.pending.mu.Lock()
	defer ix.pending.mu.Unlock()

	expired := 0
	for runID, items := range ix.pending.runs {
		kept := items[:0]
		for _, item := range items {
			if item.arrival.At.Before(cutoff) {
				expired++
				err := &domain.UncorrelatedError{RunID: runID, Reason: "run not opened within retention window"}
				ix.logger.Info("pending report expired",
					"run_id", runID,
					"dataset", item.dataset.Ref(),
					"facet", item.arrival.Facet.Kind(),
					"reason", err,
				)
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == 0 {
			delete(ix.pending.runs, runID)
		} else {
			ix.pending.runs[runID] = kept
		}
	}
	ix.pending.total -= expired
	return expired
}
