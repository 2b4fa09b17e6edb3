/*
errors.go - Centralized error types for billing

PURPOSE:
  All error types in one place for consistency and discoverability.
  The engine itself never returns errors: business-rule problems are
  reported as a ValidationIssue on the Calculation. These errors come from
  stores and from the commit-time checks in the session controller.

ERROR CATEGORIES:
  1. Store errors - Missing records, consumption conflicts
  2. Commit-time rule errors - Mode lock and budget races re-checked on write

SEE ALSO:
  - engine.go: ValidationIssue (data, not an error)
  - session/errors.go: CommitError and session lifecycle errors
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTaskNotFound is returned when a referenced task doesn't exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvoiceNotFound is returned when a referenced invoice doesn't exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrTimeEntryNotFound is returned when a referenced time entry doesn't exist.
	ErrTimeEntryNotFound = errors.New("time entry not found")

	// ErrExpenseNotFound is returned when a referenced expense doesn't exist.
	ErrExpenseNotFound = errors.New("expense not found")

	// ErrAlreadyInvoiced is returned when a time entry or expense was consumed
	// by another invoice between load and commit.
	ErrAlreadyInvoiced = errors.New("already invoiced")

	// ErrModeLocked is returned when a task is locked to a different billing mode.
	ErrModeLocked = errors.New("task locked to another billing mode")

	// ErrBudgetExceeded is returned when billing would push a task past 100%.
	ErrBudgetExceeded = errors.New("billing exceeds remaining task budget")

	// ErrStoreRequired is returned when the store lacks a capability the operation needs.
	ErrStoreRequired = errors.New("store does not support this operation")

	// ErrNoStore is returned when a controller was built without a store.
	ErrNoStore = errors.New("no billing store configured")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ModeLockError reports a task whose persisted mode conflicts with the invoice mode.
type ModeLockError struct {
	TaskID    TaskID
	TaskName  string
	Locked    Mode
	Requested Mode
}

func (e *ModeLockError) Error() string {
	return fmt.Sprintf("task %q is locked to %s billing (requested %s)", e.TaskName, e.Locked, e.Requested)
}

func (e *ModeLockError) Unwrap() error { return ErrModeLocked }

// BudgetExceededError reports a percentage that no longer fits in what remains.
type BudgetExceededError struct {
	TaskID    TaskID
	TaskName  string
	Remaining decimal.Decimal
	Requested decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("task %q has %s%% remaining, cannot bill %s%%",
		e.TaskName, e.Remaining.String(), e.Requested.String())
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true if the error means another writer got there first.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyInvoiced) ||
		errors.Is(err, ErrModeLocked) ||
		errors.Is(err, ErrBudgetExceeded)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrTimeEntryNotFound) ||
		errors.Is(err, ErrExpenseNotFound)
}
