package domain

import "errors"

var (
	// ErrValidation marks malformed tasks or config; these fail fast.
	ErrValidation = errors.New("validation error")
	// ErrAdmissionDenied is returned when risk, circuit or resource checks refuse a task.
	// It is reported and never retried automatically.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrExecutionFailure covers non-zero exits and crashes.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrTimeout is returned when a task exceeds its maximum runtime.
	ErrTimeout = errors.New("task timed out")
	// ErrCancelled is returned for tasks removed by an explicit cancel.
	ErrCancelled = errors.New("task cancelled")
	// ErrSnapshotNotFound is returned when restoring an unknown snapshot id.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotConflict is returned when a restore would overwrite files changed out of band.
	ErrSnapshotConflict = errors.New("snapshot conflict")
	// ErrConfig is returned for rejected config payloads; the prior version stays active.
	ErrConfig = errors.New("invalid config")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Admission denial reasons.
const (
	DenyRisk      = "risk"
	DenyCircuit   = "circuit"
	DenyResources = "resources"
	DenyDuplicate = "duplicate"
)

// AdmissionError carries a display-ready message alongside the denial reason.
type AdmissionError struct {
	Reason  string
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

func (e *AdmissionError) Unwrap() error { return ErrAdmissionDenied }

func Denied(reason, msg string) error {
	return &AdmissionError{Reason: reason, Message: msg}
}
