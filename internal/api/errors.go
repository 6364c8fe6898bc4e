package api

import (
	"errors"
	"net/http"

	"lineage-stats/internal/domain"
	"lineage-stats/internal/service/correlator"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	var malformed *domain.MalformedReportError
	var closed *domain.RunClosedError
	var uncorrelated *domain.UncorrelatedError
	var conflicting *domain.ConflictingVersionError
	var unavailable *domain.TransportUnavailableError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &malformed):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.As(err, &closed),
		errors.As(err, &conflicting), errors.As(err, &uncorrelated):
		return http.StatusConflict
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// reportErrorCode is the machine-readable code of a rejected report.
func reportErrorCode(err error) string {
	switch correlator.Taxonomy(err) {
	case "MalformedReport":
		return "malformed_report"
	case "RunClosed":
		return "run_closed"
	case "ConflictingVersion":
		return "conflicting_version"
	case "Uncorrelated":
		return "uncorrelated"
	case "Validation":
		return "invalid_report"
	case "NotFound":
		return "unknown_run"
	default:
		return "internal"
	}
}
