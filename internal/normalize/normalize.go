// Package normalize converts engine-specific metric payloads into domain
// facets. It has no side effects.
package normalize

import (
	"fmt"
	"strings"

	"lineage-stats/internal/domain"
)

// Normalize converts a raw report into a facet with its resolved
// correlation key. Every failure is a *domain.MalformedReportError.
func Normalize(r domain.RawReport) (domain.Normalized, error) {
	fail := func(format string, args ...interface{}) (domain.Normalized, error) {
		return domain.Normalized{}, domain.ErrMalformedReport(r.Kind, r.RunID, format, args...)
	}

	if !r.Kind.Valid() {
		return fail("unknown report kind %q", r.Kind)
	}
	if strings.TrimSpace(r.RunID) == "" {
		return fail("run id is required")
	}
	if !r.Dataset.Valid() {
		return fail("dataset namespace and name are required")
	}
	if !r.Role.Valid() {
		return fail("unknown dataset role %q", r.Role)
	}

	f, err := decodeFields(r.Payload)
	if err != nil {
		return fail("%v", err)
	}

	out := domain.Normalized{
		RunID:   strings.TrimSpace(r.RunID),
		Dataset: r.Dataset,
		Version: strings.TrimSpace(r.Version),
		Role:    r.Role,
	}

	switch r.Kind {
	case domain.ReportBasicIO:
		out.Facet, err = basicIO(f, r.Role)
	case domain.ReportScan:
		if out.Role == domain.RoleUnspecified {
			out.Role = domain.RoleInput
		}
		var scan domain.ScanReport
		scan, err = scanReport(f)
		out.Facet = scan
		if err == nil && out.Version == "" {
			out.Version = scan.SnapshotID
		}
	case domain.ReportCommit:
		if out.Role == domain.RoleUnspecified {
			out.Role = domain.RoleOutput
		}
		var commit domain.CommitReport
		commit, err = commitReport(f)
		out.Facet = commit
		if err == nil && out.Version == "" {
			out.Version = commit.SnapshotID
		}
	}
	if err != nil {
		return fail("%v", err)
	}
	return out, nil
}

func basicIO(f fields, role domain.DatasetRole) (domain.Facet, error) {
	size, err := f.int64("size")
	if err != nil {
		return nil, err
	}
	rows, err := f.int64("rowCount")
	if err != nil {
		return nil, err
	}
	files, err := f.int64("fileCount")
	if err != nil {
		return nil, err
	}
	if size == nil && rows == nil && files == nil {
		return nil, fmt.Errorf("at least one of size, rowCount, fileCount is required")
	}
	for name, v := range map[string]*int64{"size": size, "rowCount": rows, "fileCount": files} {
		if v != nil && *v < 0 {
			return nil, fmt.Errorf("%s must not be negative", name)
		}
	}

	switch role {
	case domain.RoleInput:
		return domain.InputStatistics{Size: size, RowCount: rows, FileCount: files}, nil
	case domain.RoleOutput:
		return domain.OutputStatistics{Size: size, RowCount: rows, FileCount: files}, nil
	default:
		return nil, fmt.Errorf("basic-io report requires role input or output")
	}
}

func scanReport(f fields) (domain.ScanReport, error) {
	var s domain.ScanReport
	var err error

	if s.SnapshotID, err = f.id("snapshotId"); err != nil {
		return s, err
	}
	if s.SnapshotID == "" {
		return s, fmt.Errorf("snapshotId is required")
	}
	if s.TableName, err = f.str("tableName"); err != nil {
		return s, err
	}
	s.FilterDescription = f.text("filter")
	if s.FilterDescription == "" {
		s.FilterDescription = f.text("filterDescription")
	}
	if s.SchemaID, err = f.int64("schemaId"); err != nil {
		return s, err
	}
	if s.ProjectedFieldIDs, err = f.int64s("projectedFieldIds"); err != nil {
		return s, err
	}
	if s.ProjectedFieldNames, err = f.strings("projectedFieldNames"); err != nil {
		return s, err
	}
	if s.Metadata, err = f.metadata("metadata"); err != nil {
		return s, err
	}

	m, err := metricsObject(f, "scanMetrics")
	if err != nil {
		return s, err
	}
	sm := &s.ScanMetrics
	if sm.TotalPlanningDurationMs, err = m.timerMillis("totalPlanningDuration"); err != nil {
		return s, err
	}
	counters := []struct {
		key string
		dst **int64
	}{
		{"resultDataFiles", &sm.ResultDataFiles},
		{"resultDeleteFiles", &sm.ResultDeleteFiles},
		{"totalDataManifests", &sm.TotalDataManifests},
		{"totalDeleteManifests", &sm.TotalDeleteManifests},
		{"scannedDataManifests", &sm.ScannedDataManifests},
		{"skippedDataManifests", &sm.SkippedDataManifests},
		{"totalFileSizeInBytes", &sm.TotalFileSizeInBytes},
		{"totalDeleteFileSizeInBytes", &sm.TotalDeleteFileSizeInBytes},
		{"skippedDataFiles", &sm.SkippedDataFiles},
		{"skippedDeleteFiles", &sm.SkippedDeleteFiles},
		{"scannedDeleteManifests", &sm.ScannedDeleteManifests},
		{"skippedDeleteManifests", &sm.SkippedDeleteManifests},
		{"indexedDeleteFiles", &sm.IndexedDeleteFiles},
		{"equalityDeleteFiles", &sm.EqualityDeleteFiles},
		{"positionalDeleteFiles", &sm.PositionalDeleteFiles},
	}
	for _, c := range counters {
		if *c.dst, err = m.counter(c.key); err != nil {
			return s, err
		}
	}
	return s, nil
}

func commitReport(f fields) (domain.CommitReport, error) {
	var c domain.CommitReport
	var err error

	if c.SnapshotID, err = f.id("snapshotId"); err != nil {
		return c, err
	}
	if c.SnapshotID == "" {
		return c, fmt.Errorf("snapshotId is required")
	}
	if c.Operation, err = f.str("operation"); err != nil {
		return c, err
	}
	if strings.TrimSpace(c.Operation) == "" {
		return c, fmt.Errorf("operation is required")
	}
	if c.SequenceNumber, err = f.int64("sequenceNumber"); err != nil {
		return c, err
	}
	if c.TableName, err = f.str("tableName"); err != nil {
		return c, err
	}
	if c.Metadata, err = f.metadata("metadata"); err != nil {
		return c, err
	}

	m, err := metricsObject(f, "commitMetrics")
	if err != nil {
		return c, err
	}
	cm := &c.CommitMetrics
	if cm.TotalDurationMs, err = m.timerMillis("totalDuration"); err != nil {
		return c, err
	}
	counters := []struct {
		key string
		dst **int64
	}{
		{"attempts", &cm.Attempts},
		{"addedDataFiles", &cm.AddedDataFiles},
		{"removedDataFiles", &cm.RemovedDataFiles},
		{"totalDataFiles", &cm.TotalDataFiles},
		{"addedDeleteFiles", &cm.AddedDeleteFiles},
		{"addedEqualityDeleteFiles", &cm.AddedEqualityDeleteFiles},
		{"addedPositionalDeleteFiles", &cm.AddedPositionalDeleteFiles},
		{"removedDeleteFiles", &cm.RemovedDeleteFiles},
		{"totalDeleteFiles", &cm.TotalDeleteFiles},
		{"addedRecords", &cm.AddedRecords},
		{"removedRecords", &cm.RemovedRecords},
		{"totalRecords", &cm.TotalRecords},
		{"addedFilesSizeInBytes", &cm.AddedFilesSizeInBytes},
		{"removedFilesSizeInBytes", &cm.RemovedFilesSizeInBytes},
		{"totalFilesSizeInBytes", &cm.TotalFilesSizeInBytes},
		{"addedPositionalDeletes", &cm.AddedPositionalDeletes},
		{"removedPositionalDeletes", &cm.RemovedPositionalDeletes},
		{"totalPositionalDeletes", &cm.TotalPositionalDeletes},
		{"addedEqualityDeletes", &cm.AddedEqualityDeletes},
		{"removedEqualityDeletes", &cm.RemovedEqualityDeletes},
		{"totalEqualityDeletes", &cm.TotalEqualityDeletes},
	}
	for _, ctr := range counters {
		if *ctr.dst, err = m.counter(ctr.key); err != nil {
			return c, err
		}
	}
	return c, nil
}

// metricsObject returns the metrics sub-object. The engine's own report
// calls it "metrics"; the facet form calls it scanMetrics/commitMetrics.
func metricsObject(f fields, facetKey string) (fields, error) {
	if f.has(facetKey) {
		return f.object(facetKey)
	}
	return f.object("metrics")
}
