package app

import (
	"errors"

	"backit-go/internal/backit"
	"backit-go/internal/database"
)

// Operation tracks the CLI command being run. It lives in memory with ID=0
// until a command that changes the project or its remote persists it.
type Operation struct {
	ID         int64
	Name       string
	Parameters string
	Status     string
	Detail     string
}

// NewOperation creates a new in-memory operation that succeeds unless told otherwise.
func NewOperation(name string) *Operation {
	return &Operation{Name: name, Status: database.StatusSuccess}
}

// Persisted returns true if this operation has been saved to the journal.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation failed. Cancellation is recorded as its own status.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = database.StatusFailed
	if errors.Is(err, backit.ErrCanceled) {
		op.Status = StatusCanceled
	}
	op.Detail = err.Error()
}

// StatusCanceled marks an operation stopped before it finished.
const StatusCanceled = "canceled"
