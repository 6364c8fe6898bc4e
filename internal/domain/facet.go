package domain

import "sort"

// FacetKind names a facet type. The values double as the facet keys of
// the emitted event.
type FacetKind string

// Facet kinds.
const (
	FacetInputStatistics     FacetKind = "inputStatistics"
	FacetOutputStatistics    FacetKind = "outputStatistics"
	FacetIcebergScanReport   FacetKind = "icebergScanReport"
	FacetIcebergCommitReport FacetKind = "icebergCommitReport"
)

// Facet is a typed metadata bundle attached to a dataset within a run.
type Facet interface {
	Kind() FacetKind
	// DeclaredVersion is the snapshot id the facet itself asserts, or ""
	// when the facet carries no version.
	DeclaredVersion() string
}

// InputStatistics are the engine's basic I/O counters for a read.
type InputStatistics struct {
	Size      *int64
	RowCount  *int64
	FileCount *int64
}

// Kind implements Facet.
func (InputStatistics) Kind() FacetKind { return FacetInputStatistics }

// DeclaredVersion implements Facet.
func (InputStatistics) DeclaredVersion() string { return "" }

// OutputStatistics are the engine's basic I/O counters for a write.
type OutputStatistics struct {
	Size      *int64
	RowCount  *int64
	FileCount *int64
}

// Kind implements Facet.
func (OutputStatistics) Kind() FacetKind { return FacetOutputStatistics }

// DeclaredVersion implements Facet.
func (OutputStatistics) DeclaredVersion() string { return "" }

// ScanMetrics are the table-format engine's scan planning counters.
// Durations are milliseconds.
type ScanMetrics struct {
	TotalPlanningDurationMs    *int64
	ResultDataFiles            *int64
	ResultDeleteFiles          *int64
	TotalDataManifests         *int64
	TotalDeleteManifests       *int64
	ScannedDataManifests       *int64
	SkippedDataManifests       *int64
	TotalFileSizeInBytes       *int64
	TotalDeleteFileSizeInBytes *int64
	SkippedDataFiles           *int64
	SkippedDeleteFiles         *int64
	ScannedDeleteManifests     *int64
	SkippedDeleteManifests     *int64
	IndexedDeleteFiles         *int64
	EqualityDeleteFiles        *int64
	PositionalDeleteFiles      *int64
}

// ScanReport is the table-format engine's report for a completed scan.
type ScanReport struct {
	SnapshotID          string
	TableName           string
	FilterDescription   string
	SchemaID            *int64
	ProjectedFieldIDs   []int64
	ProjectedFieldNames []string
	ScanMetrics         ScanMetrics
	Metadata            map[string]string
}

// Kind implements Facet.
func (ScanReport) Kind() FacetKind { return FacetIcebergScanReport }

// DeclaredVersion implements Facet.
func (s ScanReport) DeclaredVersion() string { return s.SnapshotID }

// CommitMetrics are the table-format engine's commit counters.
// Durations are milliseconds.
type CommitMetrics struct {
	TotalDurationMs            *int64
	Attempts                   *int64
	AddedDataFiles             *int64
	RemovedDataFiles           *int64
	TotalDataFiles             *int64
	AddedDeleteFiles           *int64
	AddedEqualityDeleteFiles   *int64
	AddedPositionalDeleteFiles *int64
	RemovedDeleteFiles         *int64
	TotalDeleteFiles           *int64
	AddedRecords               *int64
	RemovedRecords             *int64
	TotalRecords               *int64
	AddedFilesSizeInBytes      *int64
	RemovedFilesSizeInBytes    *int64
	TotalFilesSizeInBytes      *int64
	AddedPositionalDeletes     *int64
	RemovedPositionalDeletes   *int64
	TotalPositionalDeletes     *int64
	AddedEqualityDeletes       *int64
	RemovedEqualityDeletes     *int64
	TotalEqualityDeletes       *int64
}

// CommitReport is the table-format engine's report for a completed commit.
type CommitReport struct {
	SnapshotID     string
	SequenceNumber *int64
	TableName      string
	Operation      string
	CommitMetrics  CommitMetrics
	Metadata       map[string]string
}

// Kind implements Facet.
func (CommitReport) Kind() FacetKind { return FacetIcebergCommitReport }

// DeclaredVersion implements Facet.
func (c CommitReport) DeclaredVersion() string { return c.SnapshotID }

// DatasetFacetSet holds at most one facet per kind.
type DatasetFacetSet map[FacetKind]Facet

// Kinds returns the kinds present, sorted by name.
func (s DatasetFacetSet) Kinds() []FacetKind {
	kinds := make([]FacetKind, 0, len(s))
	for k := range s {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Int64 returns a pointer to v. Convenience for building facets in code.
func Int64(v int64) *int64 { return &v }
