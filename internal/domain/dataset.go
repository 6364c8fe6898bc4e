package domain

import "strings"

// Dataset identifies a logical data location, stable across runs.
type Dataset struct {
	Namespace string
	Name      string
}

// Ref returns the dataset identity used in correlation keys.
func (d Dataset) Ref() string {
	return d.Namespace + "/" + d.Name
}

// Valid reports whether both namespace and name are set.
func (d Dataset) Valid() bool {
	return strings.TrimSpace(d.Namespace) != "" && strings.TrimSpace(d.Name) != ""
}

// DatasetVersion is a dataset observed at a specific snapshot.
type DatasetVersion struct {
	Dataset Dataset
	Version string
}

// DatasetRole is the caller-supplied input/output classification of a
// dataset within a run.
type DatasetRole string

// Dataset roles.
const (
	RoleUnspecified DatasetRole = ""
	RoleInput       DatasetRole = "input"
	RoleOutput      DatasetRole = "output"
)

// Valid reports whether r is one of the known roles.
func (r DatasetRole) Valid() bool {
	return r == RoleUnspecified || r == RoleInput || r == RoleOutput
}

// CompatibleWith reports whether two roles may share a bucket. An
// unspecified role is compatible with either side.
func (r DatasetRole) CompatibleWith(other DatasetRole) bool {
	return r == other || r == RoleUnspecified || other == RoleUnspecified
}
