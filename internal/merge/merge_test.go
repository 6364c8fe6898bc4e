package merge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineage-stats/internal/correlate"
	"lineage-stats/internal/domain"
)

var flights = domain.Dataset{Namespace: "s3://warehouse", Name: "db.flights"}

func bucket(version string, facets ...domain.Facet) correlate.BucketSnapshot {
	b := correlate.BucketSnapshot{RunID: "r1", Dataset: flights, Version: version}
	for i, f := range facets {
		b.Arrivals = append(b.Arrivals, correlate.Arrival{Seq: uint64(i + 1), Facet: f})
	}
	return b
}

func TestMerge(t *testing.T) {
	t.Parallel()

	stats := func(size int64) domain.Facet {
		return domain.InputStatistics{Size: domain.Int64(size), FileCount: domain.Int64(1)}
	}
	scan := func(id string, files int64) domain.Facet {
		return domain.ScanReport{SnapshotID: id, ScanMetrics: domain.ScanMetrics{ResultDataFiles: domain.Int64(files)}}
	}

	tests := []struct {
		name          string
		bucket        correlate.BucketSnapshot
		wantKinds     []domain.FacetKind
		wantFacet     domain.Facet // the surviving facet of the first kind
		wantConflicts int
		wantVersion   string
	}{
		{
			name:      "identical facet twice yields one",
			bucket:    bucket("", stats(25238218), stats(25238218)),
			wantKinds: []domain.FacetKind{domain.FacetInputStatistics},
			wantFacet: stats(25238218),
		},
		{
			name:      "last write wins",
			bucket:    bucket("", stats(1), stats(2), stats(3)),
			wantKinds: []domain.FacetKind{domain.FacetInputStatistics},
			wantFacet: stats(3),
		},
		{
			name:        "different kinds coexist",
			bucket:      bucket("7", scan("7", 1), stats(10)),
			wantKinds:   []domain.FacetKind{domain.FacetIcebergScanReport, domain.FacetInputStatistics},
			wantFacet:   scan("7", 1),
			wantVersion: "7",
		},
		{
			name:          "conflicting declared version is dropped",
			bucket:        bucket("7", scan("7", 1), scan("8", 99)),
			wantKinds:     []domain.FacetKind{domain.FacetIcebergScanReport},
			wantFacet:     scan("7", 1),
			wantConflicts: 1,
			wantVersion:   "7",
		},
		{
			name:          "unversioned bucket takes the first declared version",
			bucket:        bucket("", stats(1), scan("5", 2), scan("6", 3)),
			wantKinds:     []domain.FacetKind{domain.FacetIcebergScanReport, domain.FacetInputStatistics},
			wantFacet:     scan("5", 2),
			wantConflicts: 1,
			wantVersion:   "5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			set, errs := Merge(tt.bucket)
			assert.Equal(t, tt.wantKinds, set.Kinds())
			assert.Equal(t, tt.wantFacet, set[tt.wantKinds[0]])
			assert.Len(t, errs, tt.wantConflicts)
			assert.Equal(t, tt.wantVersion, ResolveVersion(tt.bucket))

			for _, err := range errs {
				var cv *domain.ConflictingVersionError
				require.True(t, errors.As(err, &cv))
				assert.Equal(t, "r1", cv.RunID)
				assert.Equal(t, flights.Ref(), cv.Dataset)
				assert.Equal(t, tt.wantVersion, cv.BucketVersion)
			}
		})
	}
}

func TestMerge_EmptyBucket(t *testing.T) {
	t.Parallel()
	set, errs := Merge(bucket("3"))
	assert.Empty(t, set)
	assert.Empty(t, errs)
}
