/*
Package billing provides the billing calculation engine.

PURPOSE:
  This package turns a project's tasks, logged time, and expenses into an
  invoice amount. It is pure: callers hand it already-loaded records plus the
  user's current selection and get back a Calculation. No I/O happens here
  beyond the Store interface declarations the session controller consumes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Mode: The billing strategy (time & materials, milestone, percentage)
  - Task: A budgeted unit of work, billed by milestone or percentage
  - TimeEntry / Expense: Candidate records for time & materials billing
  - Invoice / LineItem: Records written when a session commits

DESIGN PRINCIPLES:
  1. Precision: Money, hours and percentages are decimal.Decimal
  2. Explicit optionals: Missing store fields are nil pointers, never zero sentinels
  3. Type Safety: Distinct ID types keep task, entry and invoice IDs apart
  4. Billing mode lock: The first invoice that bills a task fixes its mode

USAGE:
  calc := billing.Calculate(billing.Input{
      Selection:         sel,
      Tasks:             tasks,
      TimeEntries:       entries,
      Expenses:          expenses,
      DefaultHourlyRate: decimal.NewFromInt(100),
  })
  if !calc.Valid() {
      fmt.Println(calc.Issue.Message)
  }

SEE ALSO:
  - engine.go: Per-mode calculation and validation
  - selection.go: The working set a user builds during a session
  - store.go: Persistence interface used by the session controller
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSTANTS
// =============================================================================

var (
	// Hundred is 100 percent.
	Hundred = decimal.NewFromInt(100)

	// DefaultPercentageStep is the percentage preselected when a task is first
	// picked in percentage mode (clamped to what remains).
	DefaultPercentageStep = decimal.NewFromInt(10)
)

// RoundMoney rounds a currency amount to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// DecimalPtr returns a pointer to d. Handy for optional fields.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProjectID string
type TaskID string
type TimeEntryID string
type ExpenseID string
type InvoiceID string
type LineItemID string

// =============================================================================
// BILLING MODE
// =============================================================================

type Mode string

const (
	ModeUnset         Mode = "unset"
	ModeTimeMaterials Mode = "time_materials"
	ModeMilestone     Mode = "milestone"
	ModePercentage    Mode = "percentage"
)

// IsTaskMode reports whether the mode bills tasks rather than time and expenses.
func (m Mode) IsTaskMode() bool {
	return m == ModeMilestone || m == ModePercentage
}

// IsValid reports whether m is a concrete billing mode a session can use.
func (m Mode) IsValid() bool {
	return m == ModeTimeMaterials || m == ModeMilestone || m == ModePercentage
}

// ParseMode converts a string into a Mode. Empty and unknown strings map to ModeUnset.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeTimeMaterials, ModeMilestone, ModePercentage:
		return Mode(s)
	default:
		return ModeUnset
	}
}

// =============================================================================
// TASK - Budgeted unit of work
// =============================================================================

type Task struct {
	ID        TaskID
	ProjectID ProjectID
	Name      string

	// TotalBudget is the fixed fee ceiling. EstimatedFees is the fallback.
	TotalBudget   *decimal.Decimal
	EstimatedFees *decimal.Decimal

	// Cumulative billing across every prior invoice.
	BilledPercentage decimal.Decimal
	BilledAmount     decimal.Decimal

	// BillingMode is ModeUnset until the first invoice bills the task.
	BillingMode Mode
}

// Budget returns the ceiling used for billing. TotalBudget wins when present
// and positive; zero means the task has no ceiling.
func (t Task) Budget() decimal.Decimal {
	if t.TotalBudget != nil && t.TotalBudget.IsPositive() {
		return *t.TotalBudget
	}
	if t.EstimatedFees != nil {
		return *t.EstimatedFees
	}
	return decimal.Zero
}

// RemainingPercentage is 100 minus what has been billed, never negative.
func (t Task) RemainingPercentage() decimal.Decimal {
	remaining := Hundred.Sub(t.BilledPercentage)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// LockedTo reports whether the task is locked to a mode other than m.
func (t Task) LockedTo(m Mode) bool {
	return t.BillingMode != "" && t.BillingMode != ModeUnset && t.BillingMode != m
}

// Admit checks that the task can take an update: a task already billed under
// another mode is locked, and the running total may not pass 100%.
func (t Task) Admit(u TaskBillingUpdate) error {
	if u.Mode.IsValid() && t.LockedTo(u.Mode) {
		return &ModeLockError{
			TaskID:    t.ID,
			TaskName:  t.Name,
			Locked:    t.BillingMode,
			Requested: u.Mode,
		}
	}
	if t.BilledPercentage.Add(u.AddPercentage).GreaterThan(Hundred) {
		return &BudgetExceededError{
			TaskID:    t.ID,
			TaskName:  t.Name,
			Remaining: t.RemainingPercentage(),
			Requested: u.AddPercentage,
		}
	}
	return nil
}

// =============================================================================
// TIME ENTRY - Logged labor
// =============================================================================

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type TimeEntry struct {
	ID             TimeEntryID
	ProjectID      ProjectID
	TaskID         *TaskID
	Date           time.Time
	Hours          decimal.Decimal
	HourlyRate     *decimal.Decimal
	Description    string
	Billable       bool
	ApprovalStatus ApprovalStatus
	InvoiceID      *InvoiceID
}

// Rate returns the entry's own rate, or the fallback when it has none.
func (e TimeEntry) Rate(fallback decimal.Decimal) decimal.Decimal {
	if e.HourlyRate != nil {
		return *e.HourlyRate
	}
	return fallback
}

// Amount is hours × rate, rounded to cents.
func (e TimeEntry) Amount(fallback decimal.Decimal) decimal.Decimal {
	return RoundMoney(e.Hours.Mul(e.Rate(fallback)))
}

// IsConsumed reports whether the entry already belongs to an invoice.
func (e TimeEntry) IsConsumed() bool { return e.InvoiceID != nil }

// IsCandidate reports whether the entry may be offered for billing.
func (e TimeEntry) IsCandidate() bool {
	return e.Billable &&
		e.ApprovalStatus == ApprovalApproved &&
		e.Hours.IsPositive() &&
		!e.IsConsumed()
}

// =============================================================================
// EXPENSE - Reimbursable cost
// =============================================================================

type ExpenseStatus string

const (
	ExpensePending  ExpenseStatus = "pending"
	ExpenseApproved ExpenseStatus = "approved"
	ExpenseInvoiced ExpenseStatus = "invoiced"
)

type Expense struct {
	ID             ExpenseID
	ProjectID      ProjectID
	Date           time.Time
	Amount         decimal.Decimal
	Category       string
	Description    string
	Billable       bool
	ApprovalStatus ApprovalStatus
	Status         ExpenseStatus
	InvoiceID      *InvoiceID
}

// IsCandidate reports whether the expense may be offered for billing.
func (x Expense) IsCandidate() bool {
	return x.Billable &&
		x.ApprovalStatus == ApprovalApproved &&
		x.Amount.IsPositive() &&
		x.Status != ExpenseInvoiced &&
		x.InvoiceID == nil
}

// =============================================================================
// INVOICE - Written on commit
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
)

type Invoice struct {
	ID          InvoiceID
	ProjectID   ProjectID
	BillingMode Mode
	Subtotal    decimal.Decimal
	TaxRate     decimal.Decimal
	TaxAmount   decimal.Decimal
	Total       decimal.Decimal
	Status      InvoiceStatus

	// CreatedAt orders invoices for ledger history. Nanosecond precision.
	CreatedAt time.Time
}

type LineSource string

const (
	SourceTask      LineSource = "task"
	SourceTimeEntry LineSource = "time_entry"
	SourceExpense   LineSource = "expense"
)

type LineItem struct {
	ID          LineItemID
	InvoiceID   InvoiceID
	Source      LineSource
	TaskID      *TaskID
	TimeEntryID *TimeEntryID
	ExpenseID   *ExpenseID
	Description string
	Quantity    decimal.Decimal
	Rate        decimal.Decimal
	Amount      decimal.Decimal

	// Task lines only.
	BillingPercentage     *decimal.Decimal
	PriorBilledPercentage *decimal.Decimal

	CreatedAt time.Time
}

// TaskBillingRecord is one task line item joined with its invoice's creation time.
type TaskBillingRecord struct {
	TaskID           TaskID
	InvoiceID        InvoiceID
	LineItemID       LineItemID
	InvoiceCreatedAt time.Time
	Percentage       decimal.Decimal
	Amount           decimal.Decimal
}

// TaskBillingUpdate is the additive change a committed invoice applies to a task.
type TaskBillingUpdate struct {
	TaskID        TaskID
	AddPercentage decimal.Decimal
	AddAmount     decimal.Decimal
	Mode          Mode // set only when the task is still unset
}
