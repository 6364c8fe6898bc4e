package app

import (
	"context"
	"fmt"
	"time"

	"lineage-stats/internal/correlate"
	"lineage-stats/internal/domain"
)

// restoreTombstones re-marks runs whose terminal event was archived after
// since as closed. A zero since restores every archived run. The index is in-memory, so without this a restart would
// let late reports reopen a run that already emitted.
func restoreTombstones(ctx context.Context, archive domain.EventArchive, index *correlate.Index, since time.Time) (int, error) {
	page := domain.PageRequest{MaxResults: domain.MaxMaxResults}
	restored := 0
	for {
		events, total, err := archive.List(ctx, domain.EventFilter{}, page)
		if err != nil {
			return restored, fmt.Errorf("list archived events: %w", err)
		}
		for _, ev := range events {
			// Listing is newest first.
			if ev.EventTime.Before(since) {
				return restored, nil
			}
			if ev.EventType.IsTerminal() && index.Tombstone(ev.RunID, ev.EventTime) {
				restored++
			}
		}
		next := page.Next(total)
		if next == "" || len(events) == 0 {
			return restored, nil
		}
		page.PageToken = next
	}
}

// closedInArchive reports whether the archive holds a terminal event for a
// run. Each lookup is bounded by timeout.
func closedInArchive(archive domain.EventArchive, timeout time.Duration) func(runID string) (bool, error) {
	return func(runID string) (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		page := domain.PageRequest{MaxResults: domain.MaxMaxResults}
		for {
			events, total, err := archive.List(ctx, domain.EventFilter{RunID: runID}, page)
			if err != nil {
				return false, fmt.Errorf("list archived events of %s: %w", runID, err)
			}
			for _, ev := range events {
				if ev.EventType.IsTerminal() {
					return true, nil
				}
			}
			next := page.Next(total)
			if next == "" || len(events) == 0 {
				return false, nil
			}
			page.PageToken = next
		}
	}
}
