// Package merge folds the facets of a drained bucket into one facet per kind.
package merge

import (
	"lineage-stats/internal/correlate"
	"lineage-stats/internal/domain"
)

// ResolveVersion returns the version a bucket stands for: its key version,
// or the first version declared by one of its facets in arrival order.
func ResolveVersion(b correlate.BucketSnapshot) string {
	if b.Version != "" {
		return b.Version
	}
	for _, a := range b.Arrivals {
		if v := a.Facet.DeclaredVersion(); v != "" {
			return v
		}
	}
	return ""
}

// Merge applies last-write-wins per facet kind, by arrival order. A facet
// declaring a version other than the bucket's is dropped and reported as a
// *domain.ConflictingVersionError; the returned errors are never fatal.
func Merge(b correlate.BucketSnapshot) (domain.DatasetFacetSet, []error) {
	version := ResolveVersion(b)
	set := make(domain.DatasetFacetSet, len(b.Arrivals))
	var errs []error

	for _, a := range b.Arrivals {
		declared := a.Facet.DeclaredVersion()
		if declared != "" && declared != version {
			errs = append(errs, &domain.ConflictingVersionError{
				RunID:           b.RunID,
				Dataset:         b.Dataset.Ref(),
				Kind:            a.Facet.Kind(),
				BucketVersion:   version,
				DeclaredVersion: declared,
			})
			continue
		}
		set[a.Facet.Kind()] = a.Facet
	}
	return set, errs
}
