// Package openlineage encodes domain events as OpenLineage-shaped JSON.
package openlineage

import (
	"encoding/json"
	"fmt"
	"time"

	"lineage-stats/internal/domain"
)

// SchemaURL is the run event schema every emitted event declares.
const SchemaURL = "https://openlineage.io/spec/2-0-2/OpenLineage.json#/$defs/RunEvent"

const facetSchemaBase = "https://openlineage.io/spec/facets/"

// Facet names that are not facet kinds of the correlator itself.
const (
	FacetVersion     = "version"
	FacetNominalTime = "nominalTime"
)

var facetSchemas = map[string]string{
	FacetVersion:                            "1-0-1/DatasetVersionDatasetFacet.json#/$defs/DatasetVersionDatasetFacet",
	FacetNominalTime:                        "1-0-1/NominalTimeRunFacet.json#/$defs/NominalTimeRunFacet",
	string(domain.FacetInputStatistics):     "1-0-0/InputStatisticsInputDatasetFacet.json#/$defs/InputStatisticsInputDatasetFacet",
	string(domain.FacetOutputStatistics):    "1-0-2/OutputStatisticsOutputDatasetFacet.json#/$defs/OutputStatisticsOutputDatasetFacet",
	string(domain.FacetIcebergScanReport):   "1-0-0/IcebergScanReportInputDatasetFacet.json#/$defs/IcebergScanReportInputDatasetFacet",
	string(domain.FacetIcebergCommitReport): "1-0-0/IcebergCommitReportOutputDatasetFacet.json#/$defs/IcebergCommitReportOutputDatasetFacet",
}

// FacetSchemaURL returns the schema URL for a facet name.
func FacetSchemaURL(name string) string {
	if p, ok := facetSchemas[name]; ok {
		return facetSchemaBase + p
	}
	return facetSchemaBase + "1-0-0/" + name + ".json"
}

// RunEvent is the top-level wire object.
type RunEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	EventTime string    `json:"eventTime"`
	Producer  string    `json:"producer"`
	SchemaURL string    `json:"schemaURL"`
	Run       Run       `json:"run"`
	Job       Job       `json:"job"`
	Inputs    []Dataset `json:"inputs"`
	Outputs   []Dataset `json:"outputs"`
}

type Run struct {
	RunID  string         `json:"runId"`
	Facets map[string]any `json:"facets,omitempty"`
}

type Job struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type Dataset struct {
	Namespace string         `json:"namespace"`
	Name      string         `json:"name"`
	Facets    map[string]any `json:"facets"`
}

// FacetBase carries the provenance fields every facet must have.
type FacetBase struct {
	Producer  string `json:"_producer"`
	SchemaURL string `json:"_schemaURL"`
}

type VersionFacet struct {
	FacetBase
	DatasetVersion string `json:"datasetVersion"`
}

type NominalTimeFacet struct {
	FacetBase
	NominalStartTime string `json:"nominalStartTime"`
	NominalEndTime   string `json:"nominalEndTime,omitempty"`
}

type StatisticsFacet struct {
	FacetBase
	Size      *int64 `json:"size,omitempty"`
	RowCount  *int64 `json:"rowCount,omitempty"`
	FileCount *int64 `json:"fileCount,omitempty"`
}

type ScanReportFacet struct {
	FacetBase
	SnapshotID          any               `json:"snapshotId"`
	FilterDescription   string            `json:"filterDescription,omitempty"`
	SchemaID            *int64            `json:"schemaId,omitempty"`
	ProjectedFieldIDs   []int64           `json:"projectedFieldIds,omitempty"`
	ProjectedFieldNames []string          `json:"projectedFieldNames,omitempty"`
	ScanMetrics         ScanMetrics       `json:"scanMetrics"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type ScanMetrics struct {
	TotalPlanningDuration      *int64 `json:"totalPlanningDuration,omitempty"`
	ResultDataFiles            *int64 `json:"resultDataFiles,omitempty"`
	ResultDeleteFiles          *int64 `json:"resultDeleteFiles,omitempty"`
	TotalDataManifests         *int64 `json:"totalDataManifests,omitempty"`
	TotalDeleteManifests       *int64 `json:"totalDeleteManifests,omitempty"`
	ScannedDataManifests       *int64 `json:"scannedDataManifests,omitempty"`
	SkippedDataManifests       *int64 `json:"skippedDataManifests,omitempty"`
	TotalFileSizeInBytes       *int64 `json:"totalFileSizeInBytes,omitempty"`
	TotalDeleteFileSizeInBytes *int64 `json:"totalDeleteFileSizeInBytes,omitempty"`
	SkippedDataFiles           *int64 `json:"skippedDataFiles,omitempty"`
	SkippedDeleteFiles         *int64 `json:"skippedDeleteFiles,omitempty"`
	ScannedDeleteManifests     *int64 `json:"scannedDeleteManifests,omitempty"`
	SkippedDeleteManifests     *int64 `json:"skippedDeleteManifests,omitempty"`
	IndexedDeleteFiles         *int64 `json:"indexedDeleteFiles,omitempty"`
	EqualityDeleteFiles        *int64 `json:"equalityDeleteFiles,omitempty"`
	PositionalDeleteFiles      *int64 `json:"positionalDeleteFiles,omitempty"`
}

type CommitReportFacet struct {
	FacetBase
	SnapshotID     any               `json:"snapshotId"`
	SequenceNumber *int64            `json:"sequenceNumber,omitempty"`
	Operation      string            `json:"operation"`
	CommitMetrics  CommitMetrics     `json:"commitMetrics"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type CommitMetrics struct {
	TotalDuration              *int64 `json:"totalDuration,omitempty"`
	Attempts                   *int64 `json:"attempts,omitempty"`
	AddedDataFiles             *int64 `json:"addedDataFiles,omitempty"`
	RemovedDataFiles           *int64 `json:"removedDataFiles,omitempty"`
	TotalDataFiles             *int64 `json:"totalDataFiles,omitempty"`
	AddedDeleteFiles           *int64 `json:"addedDeleteFiles,omitempty"`
	AddedEqualityDeleteFiles   *int64 `json:"addedEqualityDeleteFiles,omitempty"`
	AddedPositionalDeleteFiles *int64 `json:"addedPositionalDeleteFiles,omitempty"`
	RemovedDeleteFiles         *int64 `json:"removedDeleteFiles,omitempty"`
	TotalDeleteFiles           *int64 `json:"totalDeleteFiles,omitempty"`
	AddedRecords               *int64 `json:"addedRecords,omitempty"`
	RemovedRecords             *int64 `json:"removedRecords,omitempty"`
	TotalRecords               *int64 `json:"totalRecords,omitempty"`
	AddedFilesSizeInBytes      *int64 `json:"addedFilesSizeInBytes,omitempty"`
	RemovedFilesSizeInBytes    *int64 `json:"removedFilesSizeInBytes,omitempty"`
	TotalFilesSizeInBytes      *int64 `json:"totalFilesSizeInBytes,omitempty"`
	AddedPositionalDeletes     *int64 `json:"addedPositionalDeletes,omitempty"`
	RemovedPositionalDeletes   *int64 `json:"removedPositionalDeletes,omitempty"`
	TotalPositionalDeletes     *int64 `json:"totalPositionalDeletes,omitempty"`
	AddedEqualityDeletes       *int64 `json:"addedEqualityDeletes,omitempty"`
	RemovedEqualityDeletes     *int64 `json:"removedEqualityDeletes,omitempty"`
	TotalEqualityDeletes       *int64 `json:"totalEqualityDeletes,omitempty"`
}

// Marshal encodes ev. Facet provenance uses ev.Producer.
func Marshal(ev *domain.Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	w, err := FromDomain(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// FromDomain converts ev to its wire form.
func FromDomain(ev *domain.Event) (*RunEvent, error) {
	schema := ev.SchemaURL
	if schema == "" {
		schema = SchemaURL
	}
	w := &RunEvent{
		EventID:   ev.EventID,
		EventType: string(ev.EventType),
		EventTime: ev.EventTime.UTC().Format(time.RFC3339Nano),
		Producer:  ev.Producer,
		SchemaURL: schema,
		Run:       Run{RunID: ev.Run.ID},
		Job:       Job{Namespace: ev.Job.Namespace, Name: ev.Job.Name},
		Inputs:    make([]Dataset, 0, len(ev.Inputs)),
		Outputs:   make([]Dataset, 0, len(ev.Outputs)),
	}
	if !ev.Run.StartedAt.IsZero() {
		nt := NominalTimeFacet{
			FacetBase:        base(ev.Producer, FacetNominalTime),
			NominalStartTime: ev.Run.StartedAt.UTC().Format(time.RFC3339Nano),
		}
		if !ev.Run.EndedAt.IsZero() {
			nt.NominalEndTime = ev.Run.EndedAt.UTC().Format(time.RFC3339Nano)
		}
		w.Run.Facets = map[string]any{FacetNominalTime: nt}
	}

	for _, d := range ev.Inputs {
		wd, err := dataset(ev.Producer, d)
		if err != nil {
			return nil, err
		}
		w.Inputs = append(w.Inputs, wd)
	}
	for _, d := range ev.Outputs {
		wd, err := dataset(ev.Producer, d)
		if err != nil {
			return nil, err
		}
		w.Outputs = append(w.Outputs, wd)
	}
	return w, nil
}

func base(producer, name string) FacetBase {
	return FacetBase{Producer: producer, SchemaURL: FacetSchemaURL(name)}
}

func dataset(producer string, d domain.EventDataset) (Dataset, error) {
	out := Dataset{
		Namespace: d.Dataset.Namespace,
		Name:      d.Dataset.Name,
		Facets:    make(map[string]any, len(d.Facets)+1),
	}
	if d.Version != "" {
		out.Facets[FacetVersion] = VersionFacet{FacetBase: base(producer, FacetVersion), DatasetVersion: d.Version}
	}
	for _, kind := range d.Facets.Kinds() {
		f, err := facet(producer, d.Facets[kind])
		if err != nil {
			return Dataset{}, fmt.Errorf("dataset %s: %w", d.Dataset.Ref(), err)
		}
		out.Facets[string(kind)] = f
	}
	return out, nil
}

func facet(producer string, f domain.Facet) (any, error) {
	b := base(producer, string(f.Kind()))
	switch v := f.(type) {
	case domain.InputStatistics:
		return StatisticsFacet{FacetBase: b, Size: v.Size, RowCount: v.RowCount, FileCount: v.FileCount}, nil
	case domain.OutputStatistics:
		return StatisticsFacet{FacetBase: b, Size: v.Size, RowCount: v.RowCount, FileCount: v.FileCount}, nil
	case domain.ScanReport:
		m := v.ScanMetrics
		return ScanReportFacet{
			FacetBase:           b,
			SnapshotID:          snapshotID(v.SnapshotID),
			FilterDescription:   v.FilterDescription,
			SchemaID:            v.SchemaID,
			ProjectedFieldIDs:   v.ProjectedFieldIDs,
			ProjectedFieldNames: v.ProjectedFieldNames,
			ScanMetrics: ScanMetrics{
				TotalPlanningDuration:      m.TotalPlanningDurationMs,
				ResultDataFiles:            m.ResultDataFiles,
				ResultDeleteFiles:          m.ResultDeleteFiles,
				TotalDataManifests:         m.TotalDataManifests,
				TotalDeleteManifests:       m.TotalDeleteManifests,
				ScannedDataManifests:       m.ScannedDataManifests,
				SkippedDataManifests:       m.SkippedDataManifests,
				TotalFileSizeInBytes:       m.TotalFileSizeInBytes,
				TotalDeleteFileSizeInBytes: m.TotalDeleteFileSizeInBytes,
				SkippedDataFiles:           m.SkippedDataFiles,
				SkippedDeleteFiles:         m.SkippedDeleteFiles,
				ScannedDeleteManifests:     m.ScannedDeleteManifests,
				SkippedDeleteManifests:     m.SkippedDeleteManifests,
				IndexedDeleteFiles:         m.IndexedDeleteFiles,
				EqualityDeleteFiles:        m.EqualityDeleteFiles,
				PositionalDeleteFiles:      m.PositionalDeleteFiles,
			},
			Metadata: v.Metadata,
		}, nil
	case domain.CommitReport:
		m := v.CommitMetrics
		return CommitReportFacet{
			FacetBase:      b,
			SnapshotID:     snapshotID(v.SnapshotID),
			SequenceNumber: v.SequenceNumber,
			Operation:      v.Operation,
			CommitMetrics: CommitMetrics{
				TotalDuration:              m.TotalDurationMs,
				Attempts:                   m.Attempts,
				AddedDataFiles:             m.AddedDataFiles,
				RemovedDataFiles:           m.RemovedDataFiles,
				TotalDataFiles:             m.TotalDataFiles,
				AddedDeleteFiles:           m.AddedDeleteFiles,
				AddedEqualityDeleteFiles:   m.AddedEqualityDeleteFiles,
				AddedPositionalDeleteFiles: m.AddedPositionalDeleteFiles,
				RemovedDeleteFiles:         m.RemovedDeleteFiles,
				TotalDeleteFiles:           m.TotalDeleteFiles,
				AddedRecords:               m.AddedRecords,
				RemovedRecords:             m.RemovedRecords,
				TotalRecords:               m.TotalRecords,
				AddedFilesSizeInBytes:      m.AddedFilesSizeInBytes,
				RemovedFilesSizeInBytes:    m.RemovedFilesSizeInBytes,
				TotalFilesSizeInBytes:      m.TotalFilesSizeInBytes,
				AddedPositionalDeletes:     m.AddedPositionalDeletes,
				RemovedPositionalDeletes:   m.RemovedPositionalDeletes,
				TotalPositionalDeletes:     m.TotalPositionalDeletes,
				AddedEqualityDeletes:       m.AddedEqualityDeletes,
				RemovedEqualityDeletes:     m.RemovedEqualityDeletes,
				TotalEqualityDeletes:       m.TotalEqualityDeletes,
			},
			Metadata: v.Metadata,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported facet kind %q", f.Kind())
	}
}

// snapshotID writes decimal ids as JSON numbers without a float round trip.
func snapshotID(id string) any {
	if _, ok := domain.NumericVersion(id); ok {
		return json.Number(id)
	}
	return id
}
