package result

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryStoreUnavailable is returned when the history store cannot
	// be read or written. Report generation cannot continue safely.
	ErrHistoryStoreUnavailable = errors.New("history store unavailable")

	// ErrEmptyResultSet is returned when a run produced no test results and
	// empty runs are not allowed by configuration.
	ErrEmptyResultSet = errors.New("empty result set")

	// ErrInvalidConfig wraps configuration errors that abort a run.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// MalformedRecordError describes a raw record rejected during ingestion.
// It is collected per record and never aborts a batch.
type MalformedRecordError struct {
	Source string `json:"source"`
	Index  int    `json:"index"`
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *MalformedRecordError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf(
			"malformed record %d (%s) from %s: %s",
			e.Index, e.Ref, e.Source, e.Reason,
		)
	}

	return fmt.Sprintf(
		"malformed record %d from %s: %s", e.Index, e.Source, e.Reason,
	)
}

// Malformed builds a MalformedRecordError.
func Malformed(source string, index int, reason string) *MalformedRecordError {
	return &MalformedRecordError{Source: source, Index: index, Reason: reason}
}

// IsMalformed reports whether err is, or wraps, a MalformedRecordError.
func IsMalformed(err error) bool {
	var mre *MalformedRecordError

	return errors.As(err, &mre)
}

// DuplicateIdentity is a warning recorded when two distinct results in the
// same run resolve to the same history id.
type DuplicateIdentity struct {
	BaseID     string `json:"base_id"`
	AssignedID string `json:"assigned_id"`
	Name       string `json:"name"`
	Occurrence int    `json:"occurrence"`
}

// String renders the warning for logs.
func (d DuplicateIdentity) String() string {
	return fmt.Sprintf(
		"duplicate identity %s for %q (occurrence %d) reassigned to %s",
		d.BaseID, d.Name, d.Occurrence, d.AssignedID,
	)
}
