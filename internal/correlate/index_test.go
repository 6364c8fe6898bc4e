package correlate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineage-stats/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestIndex(t *testing.T, mutate func(*Options)) (*Index, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Now = clock.Now
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts, discardLogger()), clock
}

var (
	flights = domain.Dataset{Namespace: "s3://warehouse", Name: "db.flights"}
	weather = domain.Dataset{Namespace: "s3://warehouse", Name: "db.weather"}
)

func openRun(t *testing.T, ix *Index, id string) {
	t.Helper()
	require.NoError(t, ix.Open(domain.Run{ID: id, Job: domain.Job{Namespace: "spark", Name: "etl"}}))
}

func inputStats(size int64) domain.InputStatistics {
	return domain.InputStatistics{Size: domain.Int64(size), FileCount: domain.Int64(1)}
}

func TestIndex_RecordAndDrain(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	openRun(t, ix, "r1")

	out, err := ix.Record("r1", flights, "", domain.RoleInput, inputStats(25238218))
	require.NoError(t, err)
	assert.Equal(t, Recorded, out)

	_, state, ok := ix.Run("r1")
	require.True(t, ok)
	assert.Equal(t, domain.RunAccumulating, state)

	snap, err := ix.DrainAndClose("r1")
	require.NoError(t, err)
	assert.Equal(t, "etl", snap.Run.Job.Name)
	require.Len(t, snap.Buckets, 1)
	b := snap.Buckets[0]
	assert.Equal(t, flights, b.Dataset)
	assert.Empty(t, b.Version)
	assert.Equal(t, domain.RoleInput, b.Role)
	require.Len(t, b.Arrivals, 1)
	assert.Equal(t, inputStats(25238218), b.Arrivals[0].Facet)
}

func TestIndex_BucketSelection(t *testing.T) {
	t.Parallel()

	type rec struct {
		ds      domain.Dataset
		version string
		role    domain.DatasetRole
		facet   domain.Facet
	}
	scan := func(id string) domain.Facet { return domain.ScanReport{SnapshotID: id} }
	commit := func(id string) domain.Facet { return domain.CommitReport{SnapshotID: id, Operation: "append"} }

	tests := []struct {
		name         string
		records      []rec
		wantVersions []string // per bucket, creation order
	}{
		{
			name: "scan and commit sharing a snapshot share a bucket",
			records: []rec{
				{flights, "42", domain.RoleInput, scan("42")},
				{flights, "42", domain.RoleOutput, commit("42")},
			},
			wantVersions: []string{"42"},
		},
		{
			name: "different snapshots get separate buckets",
			records: []rec{
				{flights, "4801252685594442898", domain.RoleInput, scan("4801252685594442898")},
				{flights, "5862873010592051612", domain.RoleOutput, commit("5862873010592051612")},
			},
			wantVersions: []string{"4801252685594442898", "5862873010592051612"},
		},
		{
			name: "version attaches to an unversioned bucket of the same role",
			records: []rec{
				{flights, "", domain.RoleInput, inputStats(10)},
				{flights, "7", domain.RoleInput, scan("7")},
			},
			wantVersions: []string{"7"},
		},
		{
			name: "version does not attach across roles",
			records: []rec{
				{flights, "", domain.RoleInput, inputStats(10)},
				{flights, "7", domain.RoleOutput, commit("7")},
			},
			wantVersions: []string{"", "7"},
		},
		{
			name: "unversioned facet joins the latest versioned bucket of its role",
			records: []rec{
				{flights, "1", domain.RoleOutput, commit("1")},
				{flights, "2", domain.RoleOutput, commit("2")},
				{flights, "", domain.RoleOutput, domain.OutputStatistics{Size: domain.Int64(5)}},
			},
			wantVersions: []string{"1", "2"},
		},
		{
			name: "input and output statistics of one dataset stay apart",
			records: []rec{
				{flights, "", domain.RoleInput, inputStats(10)},
				{flights, "", domain.RoleOutput, domain.OutputStatistics{Size: domain.Int64(5)}},
			},
			wantVersions: []string{"", ""},
		},
		{
			name: "datasets never share buckets",
			records: []rec{
				{flights, "1", domain.RoleInput, scan("1")},
				{weather, "1", domain.RoleInput, scan("1")},
			},
			wantVersions: []string{"1", "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ix, _ := newTestIndex(t, nil)
			openRun(t, ix, "r")

			for _, r := range tt.records {
				_, err := ix.Record("r", r.ds, r.version, r.role, r.facet)
				require.NoError(t, err)
			}
			snap, err := ix.DrainAndClose("r")
			require.NoError(t, err)

			got := make([]string, 0, len(snap.Buckets))
			total := 0
			for _, b := range snap.Buckets {
				got = append(got, b.Version)
				total += len(b.Arrivals)
			}
			assert.Equal(t, tt.wantVersions, got)
			assert.Equal(t, len(tt.records), total, "no facet lost")
		})
	}
}

func TestIndex_SameKindKeepsArrivalOrder(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	openRun(t, ix, "r")

	for _, size := range []int64{1, 2, 3} {
		_, err := ix.Record("r", flights, "", domain.RoleInput, inputStats(size))
		require.NoError(t, err)
	}
	snap, err := ix.DrainAndClose("r")
	require.NoError(t, err)
	require.Len(t, snap.Buckets, 1)
	arr := snap.Buckets[0].Arrivals
	require.Len(t, arr, 3)
	assert.Less(t, arr[0].Seq, arr[1].Seq)
	assert.Less(t, arr[1].Seq, arr[2].Seq)
	assert.Equal(t, inputStats(3), arr[2].Facet)
}

func TestIndex_RunClosed(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	openRun(t, ix, "r")

	_, err := ix.DrainAndClose("r")
	require.NoError(t, err)

	_, err = ix.Record("r", flights, "", domain.RoleInput, inputStats(1))
	var closed *domain.RunClosedError
	require.True(t, errors.As(err, &closed))
	assert.Equal(t, "r", closed.RunID)

	err = ix.Open(domain.Run{ID: "r"})
	require.True(t, errors.As(err, &closed))

	_, err = ix.DrainAndClose("r")
	require.True(t, errors.As(err, &closed))

	assert.NoError(t, ix.Close("r"), "closing twice is a no-op")
}

func TestIndex_Tombstone(t *testing.T) {
	t.Parallel()
	ix, clock := newTestIndex(t, nil)
	openRun(t, ix, "live")

	assert.False(t, ix.Tombstone("live", clock.Now()), "open runs are not tombstoned")
	assert.True(t, ix.Tombstone("restored", clock.Now()))
	assert.False(t, ix.Tombstone("restored", clock.Now()), "already tombstoned")
	assert.True(t, ix.Tombstone("stale", clock.Now().Add(-2*time.Hour)))

	_, err := ix.Record("restored", flights, "", domain.RoleInput, inputStats(1))
	var closed *domain.RunClosedError
	require.True(t, errors.As(err, &closed))
	require.True(t, errors.As(ix.Open(domain.Run{ID: "restored", Job: domain.Job{Name: "etl"}}), &closed))

	res := ix.Sweep(clock.Now())
	assert.Equal(t, 1, res.PurgedTombstones)
	assert.Equal(t, 1, ix.Stats().Tombstones)
}

func TestIndex_DrainWithoutCloseRejectsRecorders(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	openRun(t, ix, "r")

	_, err := ix.Drain("r")
	require.NoError(t, err)
	_, state, _ := ix.Run("r")
	assert.Equal(t, domain.RunEmitting, state)

	_, err = ix.Record("r", flights, "", domain.RoleInput, inputStats(1))
	var closed *domain.RunClosedError
	require.True(t, errors.As(err, &closed))

	require.NoError(t, ix.Close("r"))
	_, _, ok := ix.Run("r")
	assert.False(t, ok)
}

func TestIndex_UnknownRun(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)

	_, err := ix.DrainAndClose("nope")
	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
}

func TestIndex_Reopen(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	require.NoError(t, ix.Open(domain.Run{ID: "r"}))
	require.NoError(t, ix.Open(domain.Run{ID: "r", Job: domain.Job{Namespace: "ns", Name: "late-name"}}))

	run, state, ok := ix.Run("r")
	require.True(t, ok)
	assert.Equal(t, "late-name", run.Job.Name)
	assert.Equal(t, domain.RunOpen, state)

	var verr *domain.ValidationError
	require.True(t, errors.As(ix.Open(domain.Run{}), &verr))
}

func TestIndex_PendingReplay(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)

	out, err := ix.Record("r", flights, "9", domain.RoleInput, domain.ScanReport{SnapshotID: "9"})
	require.NoError(t, err)
	assert.Equal(t, Parked, out)

	stats := ix.Stats()
	assert.Equal(t, 1, stats.PendingRuns)
	assert.Equal(t, 1, stats.PendingReports)

	openRun(t, ix, "r")
	_, err = ix.Record("r", flights, "", domain.RoleInput, inputStats(4))
	require.NoError(t, err)

	stats = ix.Stats()
	assert.Equal(t, 0, stats.PendingReports)
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 1, stats.Buckets)

	snap, err := ix.DrainAndClose("r")
	require.NoError(t, err)
	require.Len(t, snap.Buckets, 1)
	arr := snap.Buckets[0].Arrivals
	require.Len(t, arr, 2)
	assert.Equal(t, domain.FacetIcebergScanReport, arr[0].Facet.Kind(), "parked report keeps its earlier arrival")
	assert.Equal(t, domain.FacetInputStatistics, arr[1].Facet.Kind())
}

func TestIndex_PendingLimits(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, func(o *Options) {
		o.MaxPendingPerRun = 2
		o.MaxPendingRuns = 2
	})

	for i := 0; i < 2; i++ {
		_, err := ix.Record("a", flights, "", domain.RoleInput, inputStats(int64(i)))
		require.NoError(t, err)
	}
	_, err := ix.Record("a", flights, "", domain.RoleInput, inputStats(3))
	var unc *domain.UncorrelatedError
	require.True(t, errors.As(err, &unc))

	_, err = ix.Record("b", flights, "", domain.RoleInput, inputStats(1))
	require.NoError(t, err)
	_, err = ix.Record("c", flights, "", domain.RoleInput, inputStats(1))
	require.True(t, errors.As(err, &unc))
	assert.Contains(t, unc.Reason, "pending buffer full")
}

func TestIndex_AutoOpen(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, func(o *Options) {
		o.AutoOpen = true
		o.DefaultJob = domain.Job{Namespace: "default", Name: "implicit"}
	})

	out, err := ix.Record("r", flights, "", domain.RoleInput, inputStats(1))
	require.NoError(t, err)
	assert.Equal(t, Recorded, out)

	run, _, ok := ix.Run("r")
	require.True(t, ok)
	assert.Equal(t, "implicit", run.Job.Name)
}

func TestIndex_RecordValidation(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	openRun(t, ix, "r")

	var verr *domain.ValidationError
	_, err := ix.Record("r", flights, "", domain.RoleInput, nil)
	require.True(t, errors.As(err, &verr))
	_, err = ix.Record("r", domain.Dataset{Name: "x"}, "", domain.RoleInput, inputStats(1))
	require.True(t, errors.As(err, &verr))
}

func TestIndex_ConcurrentDatasets(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	openRun(t, ix, "r")

	const perDataset = 50
	var wg sync.WaitGroup
	for i := 0; i < perDataset; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := ix.Record("r", flights, "", domain.RoleInput, inputStats(int64(i)))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := ix.Record("r", weather, "", domain.RoleOutput, domain.OutputStatistics{Size: domain.Int64(int64(i))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := ix.DrainAndClose("r")
	require.NoError(t, err)
	require.Len(t, snap.Buckets, 2)
	for _, b := range snap.Buckets {
		require.Len(t, b.Arrivals, perDataset)
		for _, a := range b.Arrivals {
			switch b.Dataset {
			case flights:
				assert.Equal(t, domain.FacetInputStatistics, a.Facet.Kind())
			case weather:
				assert.Equal(t, domain.FacetOutputStatistics, a.Facet.Kind())
			default:
				t.Fatalf("unexpected dataset %v", b.Dataset)
			}
		}
	}
}

func TestIndex_RecordRacingClose(t *testing.T) {
	t.Parallel()
	ix, _ := newTestIndex(t, nil)
	openRun(t, ix, "r")

	const writers = 64
	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ds := domain.Dataset{Namespace: "ns", Name: fmt.Sprintf("t%d", i%4)}
			_, err := ix.Record("r", ds, "", domain.RoleInput, inputStats(int64(i)))
			var closed *domain.RunClosedError
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.As(err, &closed):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}

	var snap RunSnapshot
	var drainErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-start
		snap, drainErr = ix.DrainAndClose("r")
	}()
	close(start)
	wg.Wait()
	<-done
	require.NoError(t, drainErr)

	inSnapshot := 0
	for _, b := range snap.Buckets {
		inSnapshot += len(b.Arrivals)
	}
	assert.Equal(t, int64(writers), accepted.Load()+rejected.Load())
	assert.Equal(t, int(accepted.Load()), inSnapshot, "every accepted facet is in the drained set")
}

func TestIndex_Sweep(t *testing.T) {
	t.Parallel()

	t.Run("evicts idle runs", func(t *testing.T) {
		t.Parallel()
		ix, clock := newTestIndex(t, func(o *Options) { o.IdleTimeout = time.Minute })
		openRun(t, ix, "idle")
		_, err := ix.Record("idle", flights, "", domain.RoleInput, inputStats(1))
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		openRun(t, ix, "busy")

		clock.Advance(45 * time.Second)
		res := ix.Sweep(clock.Now())
		assert.Equal(t, []string{"idle"}, res.Evicted)

		_, err = ix.Record("idle", flights, "", domain.RoleInput, inputStats(1))
		var closed *domain.RunClosedError
		require.True(t, errors.As(err, &closed), "evicted runs reject late facets")

		_, _, ok := ix.Run("busy")
		assert.True(t, ok)
	})

	t.Run("skips emitting runs", func(t *testing.T) {
		t.Parallel()
		ix, clock := newTestIndex(t, func(o *Options) { o.IdleTimeout = time.Minute })
		openRun(t, ix, "r")
		_, err := ix.Drain("r")
		require.NoError(t, err)

		clock.Advance(time.Hour)
		res := ix.Sweep(clock.Now())
		assert.Empty(t, res.Evicted)
		assert.Equal(t, 1, res.SkippedEmitting)
		assert.Zero(t, res.SkippedBusy)

		_, _, ok := ix.Run("r")
		assert.True(t, ok)
	})

	t.Run("skips runs whose lock is held", func(t *testing.T) {
		t.Parallel()
		ix, clock := newTestIndex(t, func(o *Options) { o.IdleTimeout = time.Minute })
		openRun(t, ix, "r")
		e, ok := ix.lookup("r")
		require.True(t, ok)

		clock.Advance(time.Hour)
		e.mu.RLock()
		res := ix.Sweep(clock.Now())
		e.mu.RUnlock()
		assert.Empty(t, res.Evicted)
		assert.Equal(t, 1, res.SkippedBusy)
		assert.Zero(t, res.SkippedEmitting)

		res = ix.Sweep(clock.Now())
		assert.Equal(t, []string{"r"}, res.Evicted)
	})

	t.Run("expires pending reports", func(t *testing.T) {
		t.Parallel()
		ix, clock := newTestIndex(t, func(o *Options) { o.RetentionWindow = time.Minute })
		_, err := ix.Record("ghost", flights, "", domain.RoleInput, inputStats(1))
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		res := ix.Sweep(clock.Now())
		assert.Equal(t, 1, res.ExpiredReports)
		assert.Equal(t, 0, ix.Stats().PendingReports)

		openRun(t, ix, "ghost")
		snap, err := ix.DrainAndClose("ghost")
		require.NoError(t, err)
		assert.Empty(t, snap.Buckets)
	})

	t.Run("purges old tombstones", func(t *testing.T) {
		t.Parallel()
		ix, clock := newTestIndex(t, func(o *Options) { o.TombstoneTTL = time.Minute })
		openRun(t, ix, "r")
		require.NoError(t, ix.Close("r"))
		assert.Equal(t, 1, ix.Stats().Tombstones)

		clock.Advance(2 * time.Minute)
		res := ix.Sweep(clock.Now())
		assert.Equal(t, 1, res.PurgedTombstones)
		assert.Equal(t, 0, ix.Stats().Tombstones)
	})

	t.Run("zero tombstone ttl never purges", func(t *testing.T) {
		t.Parallel()
		ix, clock := newTestIndex(t, func(o *Options) { o.TombstoneTTL = 0 })
		openRun(t, ix, "r")
		require.NoError(t, ix.Close("r"))

		clock.Advance(30 * 24 * time.Hour)
		res := ix.Sweep(clock.Now())
		assert.Zero(t, res.PurgedTombstones)
		assert.Equal(t, 1, ix.Stats().Tombstones)
	})
}

func TestIndex_ClosedRunStaysClosedAfterTombstoneExpiry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ttl      time.Duration
		archived bool
		autoOpen bool
	}{
		{name: "tombstones kept forever", ttl: 0},
		{name: "tombstones kept forever with auto open", ttl: 0, autoOpen: true},
		{name: "closed run looked up", ttl: time.Minute, archived: true},
		{name: "closed run looked up with auto open", ttl: time.Minute, archived: true, autoOpen: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var emitted atomic.Bool
			ix, clock := newTestIndex(t, func(o *Options) {
				o.TombstoneTTL = tt.ttl
				o.AutoOpen = tt.autoOpen
				if tt.archived {
					o.ClosedLookup = func(runID string) (bool, error) {
						return runID == "R1" && emitted.Load(), nil
					}
				}
			})
			openRun(t, ix, "R1")
			_, err := ix.Record("R1", flights, "", domain.RoleInput, inputStats(1))
			require.NoError(t, err)
			_, err = ix.DrainAndClose("R1")
			require.NoError(t, err)
			emitted.Store(true)

			clock.Advance(2 * time.Hour)
			ix.Sweep(clock.Now())

			var closed *domain.RunClosedError
			_, err = ix.Record("R1", flights, "", domain.RoleInput, inputStats(2))
			require.ErrorAs(t, err, &closed, "late report after the tombstone ttl")

			err = ix.Open(domain.Run{ID: "R1"})
			require.ErrorAs(t, err, &closed, "reopening a closed run")

			_, err = ix.DrainAndClose("R1")
			require.ErrorAs(t, err, &closed, "no second terminal drain")
			assert.Equal(t, 0, ix.Stats().PendingReports)
			assert.Equal(t, 1, ix.Stats().Tombstones)
		})
	}
}

func TestIndex_ClosedLookup(t *testing.T) {
	t.Parallel()

	t.Run("consulted once per unknown run", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		ix, _ := newTestIndex(t, func(o *Options) {
			o.ClosedLookup = func(string) (bool, error) {
				calls.Add(1)
				return false, nil
			}
		})
		for range 3 {
			_, err := ix.Record("early", flights, "", domain.RoleInput, inputStats(1))
			require.NoError(t, err)
		}
		openRun(t, ix, "early")
		_, err := ix.Record("early", flights, "", domain.RoleInput, inputStats(2))
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load(), "first park and open")
	})

	t.Run("lookup failure keeps the run unopened", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("archive unavailable")
		ix, _ := newTestIndex(t, func(o *Options) {
			o.ClosedLookup = func(string) (bool, error) { return false, boom }
		})
		err := ix.Open(domain.Run{ID: "r"})
		require.ErrorIs(t, err, boom)
		_, _, ok := ix.Run("r")
		assert.False(t, ok)
	})

	t.Run("tombstoned runs skip the lookup", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		ix, _ := newTestIndex(t, func(o *Options) {
			o.ClosedLookup = func(string) (bool, error) {
				calls.Add(1)
				return true, nil
			}
		})
		require.Error(t, ix.Open(domain.Run{ID: "r"}))
		assert.Equal(t, int32(1), calls.Load())
		require.Error(t, ix.Open(domain.Run{ID: "r"}), "tombstoned after the first lookup")
		assert.Equal(t, int32(1), calls.Load())
	})
}
