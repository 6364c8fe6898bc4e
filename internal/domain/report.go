package domain

import (
	"encoding/json"
	"time"
)

// ReportKind tags the source of a raw report.
type ReportKind string

// Report kinds accepted by the ingest hook.
const (
	ReportBasicIO ReportKind = "basic-io"
	ReportScan    ReportKind = "scan"
	ReportCommit  ReportKind = "commit"
)

// Valid reports whether k is a known report kind.
func (k ReportKind) Valid() bool {
	return k == ReportBasicIO || k == ReportScan || k == ReportCommit
}

// RawReport is what the host engine hands to the ingest hook: a payload in
// the engine's own shape plus its correlation keys.
type RawReport struct {
	Kind       ReportKind
	RunID      string
	Dataset    Dataset
	Version    string // optional; snapshot id when known to the caller
	Role       DatasetRole
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Normalized is the output of the report normalizer: a facet plus the
// resolved correlation key.
type Normalized struct {
	RunID   string
	Dataset Dataset
	Version string
	Role    DatasetRole
	Facet   Facet
}
