package models

import (
	"errors"
	"fmt"
	"strings"
)

// SchemaError reports a source file whose header cannot be mapped to the
// canonical shape. The file contributes no rows; the run continues.
type SchemaError struct {
	File    string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s: cannot map required fields: %s", e.File, strings.Join(e.Missing, ", "))
}

// IsTransient returns false; a schema mismatch never heals on retry.
func (e *SchemaError) IsTransient() bool {
	return false
}

// MalformedRecordError reports a single unparseable source row. Rows are
// dropped and counted; this error never aborts a run.
type MalformedRecordError struct {
	File   string
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s:%d: %s", e.File, e.Line, e.Reason)
}

func (e *MalformedRecordError) IsTransient() bool {
	return false
}

// InsufficientHistoryError reports that a missing period cannot be
// synthesized because a donor period is itself absent. Fatal for that
// period's downstream metrics only; other periods continue.
type InsufficientHistoryError struct {
	Period       Period
	MissingDonor Period
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s: donor period %s is absent", e.Period, e.MissingDonor)
}

func (e *InsufficientHistoryError) IsTransient() bool {
	return false
}

// MemoryLimitError reports a query whose irreducible intermediate state
// exceeded the configured ceiling. Fatal: the run aborts and staged exports
// are discarded.
type MemoryLimitError struct {
	Query string
	Err   error
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("memory limit exceeded during %s: %v", e.Query, e.Err)
}

func (e *MemoryLimitError) Unwrap() error {
	return e.Err
}

func (e *MemoryLimitError) IsTransient() bool {
	return false
}

// DatabaseError wraps a store-level failure with the operation that raised it.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the operation could succeed
// (lock contention and busy timeouts are transient; everything else is not).
func (e *DatabaseError) IsTransient() bool {
	if e.Err == nil {
		return false
	}
	msg := e.Err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// IsSchemaError reports whether err is a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsInsufficientHistory reports whether err is an InsufficientHistoryError.
func IsInsufficientHistory(err error) bool {
	var ie *InsufficientHistoryError
	return errors.As(err, &ie)
}

// IsMemoryLimit reports whether err is a MemoryLimitError.
func IsMemoryLimit(err error) bool {
	var me *MemoryLimitError
	return errors.As(err, &me)
}

// IsMalformedRecord reports whether err is a MalformedRecordError.
func IsMalformedRecord(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}
