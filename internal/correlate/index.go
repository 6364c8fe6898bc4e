// Package correlate implements the correlation index: facets grouped by
// run, dataset and version, with the run lifecycle that decides when they
// may still be recorded.
package correlate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lineage-stats/internal/domain"
)

// Outcome reports what Record did with a facet.
type Outcome int

const (
	// Recorded means the facet landed in a bucket of an open run.
	Recorded Outcome = iota
	// Parked means the run is not open yet; the facet waits in the
	// pending buffer until Open or the retention window expires.
	Parked
)

func (o Outcome) String() string {
	if o == Parked {
		return "pending"
	}
	return "accepted"
}

// Options configures an Index.
type Options struct {
	// IdleTimeout evicts runs with no activity for this long. Zero disables.
	IdleTimeout time.Duration
	// RetentionWindow bounds how long a report for an unopened run waits.
	RetentionWindow time.Duration
	// TombstoneTTL is how long a closed run id stays in memory. Zero keeps
	// every tombstone until restart.
	TombstoneTTL time.Duration
	// ClosedLookup reports whether a run the index does not know was
	// closed earlier, before a restart or before its tombstone was purged.
	// It is consulted once when such a run is opened or first reported.
	ClosedLookup     func(runID string) (bool, error)
	MaxPendingPerRun int
	MaxPendingRuns   int
	// AutoOpen opens unknown runs on first report instead of parking.
	AutoOpen   bool
	DefaultJob domain.Job
	Now        func() time.Time
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:      30 * time.Minute,
		RetentionWindow:  5 * time.Minute,
		TombstoneTTL:     time.Hour,
		MaxPendingPerRun: 256,
		MaxPendingRuns:   1024,
		Now:              time.Now,
	}
}

// Arrival is one accepted facet with its global arrival sequence.
type Arrival struct {
	Seq   uint64
	At    time.Time
	Facet domain.Facet
}

// BucketSnapshot is the drained content of one (run, dataset, version) bucket.
type BucketSnapshot struct {
	RunID    string
	Dataset  domain.Dataset
	Version  string
	Role     domain.DatasetRole
	Arrivals []Arrival
}

// RunSnapshot is everything drained from a run, buckets in creation order.
type RunSnapshot struct {
	Run     domain.Run
	Buckets []BucketSnapshot
}

// Stats are point-in-time counters for the index.
type Stats struct {
	Runs           int `json:"runs"`
	Buckets        int `json:"buckets"`
	PendingRuns    int `json:"pending_runs"`
	PendingReports int `json:"pending_reports"`
	Tombstones     int `json:"tombstones"`
}

// Index maps run id → dataset → version buckets. Different runs never
// share a lock; within a run, recorders share the run's read lock and
// serialize only on the dataset and bucket they touch.
type Index struct {
	opts   Options
	logger *slog.Logger

	runs       sync.Map // run id → *runEntry
	tombstones sync.Map // run id → time.Time closed at
	arrivals   atomic.Uint64

	pending pendingBuffer
}

// New creates an empty index.
func New(opts Options, logger *slog.Logger) *Index {
	def := DefaultOptions()
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.MaxPendingPerRun <= 0 {
		opts.MaxPendingPerRun = def.MaxPendingPerRun
	}
	if opts.MaxPendingRuns <= 0 {
		opts.MaxPendingRuns = def.MaxPendingRuns
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = def.RetentionWindow
	}
	if opts.TombstoneTTL < 0 {
		opts.TombstoneTTL = 0
	}
	return &Index{
		opts:    opts,
		logger:  logger,
		pending: pendingBuffer{runs: make(map[string][]parked)},
	}
}

// Open registers a run. Re-opening a run that is still open only fills in
// job metadata; opening a run that is emitting or closed fails with
// *domain.RunClosedError. Reports parked for the run are replayed in
// arrival order.
func (ix *Index) Open(run domain.Run) error {
	if run.ID == "" {
		return domain.ErrValidation("run id is required")
	}
	if _, ok := ix.lookup(run.ID); !ok {
		if err := ix.checkClosed(run.ID); err != nil {
			return err
		}
	}
	_, err := ix.open(run)
	return err
}

// checkClosed asks ClosedLookup about a run missing from the index and
// tombstones it when it was closed before.
func (ix *Index) checkClosed(runID string) error {
	if ix.opts.ClosedLookup == nil || ix.isClosed(runID) {
		return nil
	}
	closed, err := ix.opts.ClosedLookup(runID)
	if err != nil {
		return fmt.Errorf("look up closed run %q: %w", runID, err)
	}
	if !closed {
		return nil
	}
	ix.Tombstone(runID, ix.opts.Now())
	ix.logger.Info("closed run re-tombstoned", "run_id", runID)
	return domain.ErrRunClosed(runID)
}

func (ix *Index) open(run domain.Run) (*runEntry, error) {
	if ix.isClosed(run.ID) {
		return nil, domain.ErrRunClosed(run.ID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = ix.opts.Now()
	}

	fresh := newRunEntry(run, ix.opts.Now())
	v, loaded := ix.runs.LoadOrStore(run.ID, fresh)
	e := v.(*runEntry)
	if loaded {
		e.mu.Lock()
		if !e.state().AcceptsFacets() {
			e.mu.Unlock()
			return nil, domain.ErrRunClosed(run.ID)
		}
		if e.run.Job.Name == "" {
			e.run.Job = run.Job
		}
		e.mu.Unlock()
		e.touch(ix.opts.Now())
		return e, nil
	}
	if ix.isClosed(run.ID) {
		// Closed and tombstoned while we were storing the fresh entry.
		ix.runs.CompareAndDelete(run.ID, e)
		return nil, domain.ErrRunClosed(run.ID)
	}

	ix.replay(run.ID, e)
	return e, nil
}

// Record stores facet in the bucket selected for (runID, ds, version).
// Without a version the facet joins the dataset's unversioned bucket or
// its most recent versioned one; a later version-qualified facet attaches
// its version to an unversioned bucket of a compatible role.
func (ix *Index) Record(runID string, ds domain.Dataset, version string, role domain.DatasetRole, facet domain.Facet) (Outcome, error) {
	if facet == nil {
		return Recorded, domain.ErrValidation("facet is required")
	}
	if !ds.Valid() {
		return Recorded, domain.ErrValidation("dataset namespace and name are required")
	}
	a := Arrival{Seq: ix.arrivals.Add(1), At: ix.opts.Now(), Facet: facet}
	p := parked{dataset: ds, version: version, role: role, arrival: a}

	for {
		if e, ok := ix.lookup(runID); ok {
			return Recorded, e.record(ix, p)
		}
		if ix.isClosed(runID) {
			return Recorded, domain.ErrRunClosed(runID)
		}
		if !ix.pending.has(runID) {
			if err := ix.checkClosed(runID); err != nil {
				return Recorded, err
			}
		}
		if ix.opts.AutoOpen {
			e, err := ix.open(domain.Run{ID: runID, Job: ix.opts.DefaultJob})
			if err != nil {
				return Recorded, err
			}
			return Recorded, e.record(ix, p)
		}
		parkedOK, err := ix.park(runID, p)
		if err != nil {
			return Parked, err
		}
		if parkedOK {
			return Parked, nil
		}
		// The run was opened between lookup and park; record directly.
	}
}

// Drain moves the run to Emitting and returns its buckets. Any Record
// after Drain fails with *domain.RunClosedError.
func (ix *Index) Drain(runID string) (RunSnapshot, error) {
	e, err := ix.entry(runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drainLocked(runID)
}

// Close moves a run to Closed and leaves a tombstone so late facets are
// rejected with *domain.RunClosedError.
func (ix *Index) Close(runID string) error {
	e, err := ix.entry(runID)
	if err != nil {
		if ix.isClosed(runID) {
			return nil
		}
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ix.closeLocked(runID, e)
	return nil
}

// Tombstone marks runID closed at closedAt without a live entry, as when
// closed runs are restored after a restart. A run that is currently open
// or already tombstoned is left alone and false is returned.
func (ix *Index) Tombstone(runID string, closedAt time.Time) bool {
	if _, ok := ix.lookup(runID); ok {
		return false
	}
	_, loaded := ix.tombstones.LoadOrStore(runID, closedAt)
	return !loaded
}

// DrainAndClose drains and closes in one critical section. This is the
// terminal emit path.
func (ix *Index) DrainAndClose(runID string) (RunSnapshot, error) {
	e, err := ix.entry(runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, err := e.drainLocked(runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	ix.closeLocked(runID, e)
	return snap, nil
}

// Run returns a copy of an open run.
func (ix *Index) Run(runID string) (domain.Run, domain.RunState, bool) {
	e, ok := ix.lookup(runID)
	if !ok {
		return domain.Run{}, domain.RunClosed, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run, e.state(), true
}

// Stats counts runs, buckets, pending reports and tombstones.
func (ix *Index) Stats() Stats {
	var s Stats
	ix.runs.Range(func(_, v any) bool {
		e := v.(*runEntry)
		s.Runs++
		s.Buckets += e.bucketCount()
		return true
	})
	ix.tombstones.Range(func(_, _ any) bool {
		s.Tombstones++
		return true
	})
	s.PendingRuns, s.PendingReports = ix.pending.counts()
	return s
}

func (ix *Index) lookup(runID string) (*runEntry, bool) {
	v, ok := ix.runs.Load(runID)
	if !ok {
		return nil, false
	}
	return v.(*runEntry), true
}

func (ix *Index) entry(runID string) (*runEntry, error) {
	if e, ok := ix.lookup(runID); ok {
		return e, nil
	}
	if ix.isClosed(runID) {
		return nil, domain.ErrRunClosed(runID)
	}
	return nil, domain.ErrNotFound("run %q is not open", runID)
}

func (ix *Index) isClosed(runID string) bool {
	_, ok := ix.tombstones.Load(runID)
	return ok
}

// closeLocked must be called with e.mu held for writing. The tombstone is
// stored before the entry is removed so a concurrent Record always sees
// one of the two.
func (ix *Index) closeLocked(runID string, e *runEntry) {
	e.setState(domain.RunClosed)
	e.run.EndedAt = ix.opts.Now()
	ix.tombstones.Store(runID, ix.opts.Now())
	ix.runs.Delete(runID)
}

type runEntry struct {
	mu  sync.RWMutex // read: recorders; write: drain, close, evict
	run domain.Run

	st         atomic.Int32
	lastActive atomic.Int64

	datasets sync.Map // dataset ref → *datasetEntry
}

func newRunEntry(run domain.Run, now time.Time) *runEntry {
	e := &runEntry{run: run}
	e.st.Store(int32(domain.RunOpen))
	e.touch(now)
	return e
}

func (e *runEntry) state() domain.RunState     { return domain.RunState(e.st.Load()) }
func (e *runEntry) setState(s domain.RunState) { e.st.Store(int32(s)) }

func (e *runEntry) touch(now time.Time) { e.lastActive.Store(now.UnixNano()) }

func (e *runEntry) idleSince() time.Time { return time.Unix(0, e.lastActive.Load()) }

func (e *runEntry) record(ix *Index, p parked) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.state().AcceptsFacets() {
		return domain.ErrRunClosed(e.run.ID)
	}
	e.st.CompareAndSwap(int32(domain.RunOpen), int32(domain.RunAccumulating))
	e.touch(ix.opts.Now())

	ref := p.dataset.Ref()
	v, ok := e.datasets.Load(ref)
	if !ok {
		v, _ = e.datasets.LoadOrStore(ref, &datasetEntry{dataset: p.dataset})
	}
	d := v.(*datasetEntry)
	b := d.pick(p.version, p.role, ix.arrivals.Add(1))
	b.add(p.arrival)
	return nil
}

// drainLocked must be called with e.mu held for writing.
func (e *runEntry) drainLocked(runID string) (RunSnapshot, error) {
	if !e.state().AcceptsFacets() {
		return RunSnapshot{}, domain.ErrRunClosed(runID)
	}
	e.setState(domain.RunEmitting)

	var buckets []*bucket
	e.datasets.Range(func(_, v any) bool {
		buckets = append(buckets, v.(*datasetEntry).buckets...)
		return true
	})
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].seq < buckets[j].seq })

	snap := RunSnapshot{Run: e.run, Buckets: make([]BucketSnapshot, 0, len(buckets))}
	for _, b := range buckets {
		snap.Buckets = append(snap.Buckets, BucketSnapshot{
			RunID:    runID,
			Dataset:  b.dataset,
			Version:  b.version,
			Role:     b.role,
			Arrivals: append([]Arrival(nil), b.arrivals...),
		})
	}
	return snap, nil
}

func (e *runEntry) bucketCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	e.datasets.Range(func(_, v any) bool {
		d := v.(*datasetEntry)
		d.mu.Lock()
		n += len(d.buckets)
		d.mu.Unlock()
		return true
	})
	return n
}

// datasetEntry holds the buckets of one dataset within a run. mu guards
// bucket selection and each bucket's version and role.
type datasetEntry struct {
	mu      sync.Mutex
	dataset domain.Dataset
	buckets []*bucket
}

func (d *datasetEntry) pick(version string, role domain.DatasetRole, seq uint64) *bucket {
	d.mu.Lock()
	defer d.mu.Unlock()

	if version != "" {
		for _, b := range d.buckets {
			if b.version == version {
				b.adoptRole(role)
				return b
			}
		}
		for _, b := range d.buckets {
			if b.version == "" && b.role.CompatibleWith(role) {
				b.version = version
				b.adoptRole(role)
				return b
			}
		}
		return d.newBucket(version, role, seq)
	}

	for _, b := range d.buckets {
		if b.version == "" && b.role.CompatibleWith(role) {
			b.adoptRole(role)
			return b
		}
	}
	for i := len(d.buckets) - 1; i >= 0; i-- {
		if b := d.buckets[i]; b.role.CompatibleWith(role) {
			b.adoptRole(role)
			return b
		}
	}
	return d.newBucket("", role, seq)
}

func (d *datasetEntry) newBucket(version string, role domain.DatasetRole, seq uint64) *bucket {
	b := &bucket{seq: seq, dataset: d.dataset, version: version, role: role}
	d.buckets = append(d.buckets, b)
	return b
}

type bucket struct {
	seq     uint64
	dataset domain.Dataset
	version string
	role    domain.DatasetRole

	mu       sync.Mutex
	arrivals []Arrival // sorted by Seq
}

func (b *bucket) adoptRole(role domain.DatasetRole) {
	if b.role == domain.RoleUnspecified {
		b.role = role
	}
}

// add inserts a keeping arrival order. Replayed reports carry the sequence
// they were parked with, so they may land before facets recorded live.
func (b *bucket) add(a Arrival) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.arrivals), func(i int) bool { return b.arrivals[i].Seq > a.Seq })
	b.arrivals = append(b.arrivals, Arrival{})
	copy(b.arrivals[i+1:], b.arrivals[i:])
	b.arrivals[i] = a
}
