package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/billdora/billing-engine/billing"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrSessionNotOpen is returned when a session is mutated after it was
	// committed, cancelled, or failed.
	ErrSessionNotOpen = errors.New("billing session is not open")

	// ErrCommitInProgress is returned for a second submit while the first is
	// still writing.
	ErrCommitInProgress = errors.New("commit already in progress")

	// ErrNotCommittable is returned when the calculation is invalid or the
	// subtotal is not positive. Nothing is written.
	ErrNotCommittable = errors.New("selection cannot be committed")

	// ErrUnknownCandidate is returned when selecting an id that was not loaded.
	ErrUnknownCandidate = errors.New("not a loaded candidate")

	// ErrInvalidMode is returned for a mode a session cannot bill under.
	ErrInvalidMode = errors.New("invalid billing mode")
)

// =============================================================================
// COMMIT STEPS
// =============================================================================

type StepStatus string

const (
	StepOK         StepStatus = "ok"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"     // an earlier step for the same record failed
	StepRolledBack StepStatus = "rolled_back" // written, then undone by the transaction
)

type StepKind string

const (
	StepCreateInvoice  StepKind = "create_invoice"
	StepCreateLineItem StepKind = "create_line_item"
	StepUpdateTask     StepKind = "update_task"
	StepLinkTimeEntry  StepKind = "link_time_entry"
	StepLinkExpense    StepKind = "link_expense"
	StepRecheckTask    StepKind = "recheck_task"
)

// Step is one write (or check) performed by a commit.
type Step struct {
	Kind   StepKind
	Ref    string // id of the record the step concerns
	Status StepStatus
	Err    error
}

// Message renders a user-facing line for a failed step.
func (s Step) Message() string {
	var what string
	switch s.Kind {
	case StepCreateInvoice:
		what = "failed to create invoice"
	case StepCreateLineItem:
		what = "failed to create line item for " + s.Ref
	case StepUpdateTask:
		what = "failed to update task " + s.Ref
	case StepLinkTimeEntry:
		what = "failed to link time entry " + s.Ref
	case StepLinkExpense:
		what = "failed to link expense " + s.Ref
	case StepRecheckTask:
		what = "task " + s.Ref + " changed since it was loaded"
	default:
		what = string(s.Kind) + " " + s.Ref
	}
	if s.Err != nil {
		return what + ": " + s.Err.Error()
	}
	return what
}

// =============================================================================
// COMMIT ERROR
// =============================================================================

// CommitError reports a commit that did not fully succeed.
//
// InvoiceID is set when the invoice record exists. Partial is true when some
// child writes failed after that; retrying then risks a duplicate invoice.
// When InvoiceID is empty nothing was persisted and a retry is safe.
type CommitError struct {
	InvoiceID billing.InvoiceID
	Partial   bool
	Steps     []Step // failed steps only
	Message   string
	Err       error
}

func (e *CommitError) Error() string {
	var b strings.Builder
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Partial:
		fmt.Fprintf(&b, "invoice %s created with %d failed step(s)", e.InvoiceID, len(e.Steps))
	default:
		b.WriteString("commit failed")
	}
	for _, s := range e.Steps {
		b.WriteString("; ")
		b.WriteString(s.Message())
	}
	if len(e.Steps) == 0 && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CommitError) Unwrap() error { return e.Err }

// Retryable reports whether nothing was persisted.
func (e *CommitError) Retryable() bool { return e.InvoiceID == "" }
