package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string. Used for event ids and generated run ids;
// v7 keeps ids time-ordered in the archive.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidRunID reports whether s parses as a UUID.
func ValidRunID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NumericVersion returns the version as an int64 when it is a decimal
// snapshot id. Snapshot ids of the table format are 64-bit integers.
func NumericVersion(v string) (int64, bool) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
