/*
engine.go - The billing calculation engine

PURPOSE:
  Translates a Selection plus the loaded candidate records into a
  Calculation: subtotal, per-task apportionment, time & materials aggregates,
  not-to-exceed warnings, and whether the selection can be committed.

MODES:
  time_materials: Σ(hours × rate) over selected entries + Σ selected expenses.
                  Entries without their own rate use DefaultHourlyRate.
                  Entries grouped by task are checked against the task budget.
  milestone:      Each selected task bills 100% of what remains.
  percentage:     Each selected task bills min(requested, remaining).

PURITY:
  Calculate has no hidden state and performs no I/O. Calling it twice with
  the same Input yields identical output. It is recomputed in full on every
  selection change, so it stays a single pass over the candidate lists.

VALIDATION:
  Problems are returned as data (Calculation.Issue), never as errors:
  - time_materials with nothing selected   -> empty_selection
  - task mode with a task locked elsewhere -> mode_locked (checked first)
  - task mode with no tasks selected       -> empty_selection

SEE ALSO:
  - selection.go: Selection type and defaults
  - session/controller.go: Consumer that loads candidates and commits
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// Input is everything the engine needs. Candidate slices are expected to be
// pre-filtered (approved, billable, unconsumed); their order is preserved in
// the output.
type Input struct {
	Selection         Selection
	Tasks             []Task
	TimeEntries       []TimeEntry
	Expenses          []Expense
	DefaultHourlyRate decimal.Decimal
	TaxRate           decimal.Decimal
}

// TaskAllocation is the resolved billing for one selected task.
type TaskAllocation struct {
	TaskID           TaskID
	TaskName         string
	Budget           decimal.Decimal
	PriorPercentage  decimal.Decimal
	PercentageToBill decimal.Decimal
	AmountToBill     decimal.Decimal
}

// TimeLine is one selected time entry with its rate resolved.
type TimeLine struct {
	TimeEntryID TimeEntryID
	TaskID      *TaskID
	Date        time.Time
	Description string
	Hours       decimal.Decimal
	Rate        decimal.Decimal
	Amount      decimal.Decimal
}

// ExpenseLine is one selected expense.
type ExpenseLine struct {
	ExpenseID   ExpenseID
	Date        time.Time
	Category    string
	Description string
	Amount      decimal.Decimal
}

// NTEWarning flags a task whose selected time exceeds its budget.
type NTEWarning struct {
	TaskID   TaskID
	TaskName string
	Budget   decimal.Decimal
	Billed   decimal.Decimal
	Overage  decimal.Decimal
}

func (w NTEWarning) String() string {
	return fmt.Sprintf("Task %q exceeds its budget by %s", w.TaskName, FormatCurrency(w.Overage))
}

// Validation issue codes.
const (
	IssueEmptySelection = "empty_selection"
	IssueModeLocked     = "mode_locked"
)

// ValidationIssue explains why a calculation cannot be committed.
type ValidationIssue struct {
	Code    string
	Message string
	TaskID  TaskID // set for mode_locked
}

// Calculation is the engine output. It is a value object; nothing persists it.
type Calculation struct {
	Mode Mode

	Subtotal  decimal.Decimal
	TaxRate   decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal

	// Task modes.
	Tasks []TaskAllocation

	// Time & materials.
	TimeLines    []TimeLine
	ExpenseLines []ExpenseLine
	TimeTotal    decimal.Decimal
	ExpenseTotal decimal.Decimal
	TotalHours   decimal.Decimal
	NTEWarnings  []NTEWarning

	Issue *ValidationIssue
}

// Valid reports whether the calculation may be committed as far as business
// rules go. The controller additionally requires a positive subtotal.
func (c Calculation) Valid() bool { return c.Issue == nil }

// ValidationMessage returns the issue message or "".
func (c Calculation) ValidationMessage() string {
	if c.Issue == nil {
		return ""
	}
	return c.Issue.Message
}

// Allocation looks up the resolved billing for a task.
func (c Calculation) Allocation(id TaskID) (TaskAllocation, bool) {
	for _, a := range c.Tasks {
		if a.TaskID == id {
			return a, true
		}
	}
	return TaskAllocation{}, false
}

// WarningMessages renders NTE warnings as display strings, in order.
func (c Calculation) WarningMessages() []string {
	out := make([]string, len(c.NTEWarnings))
	for i, w := range c.NTEWarnings {
		out[i] = w.String()
	}
	return out
}

// =============================================================================
// CALCULATE
// =============================================================================

// Calculate runs the engine.
func Calculate(in Input) Calculation {
	calc := Calculation{
		Mode:         in.Selection.Mode,
		Subtotal:     decimal.Zero,
		TaxRate:      in.TaxRate,
		TimeTotal:    decimal.Zero,
		ExpenseTotal: decimal.Zero,
		TotalHours:   decimal.Zero,
	}

	switch in.Selection.Mode {
	case ModeTimeMaterials:
		calculateTimeMaterials(in, &calc)
	case ModeMilestone, ModePercentage:
		calculateTasks(in, &calc)
	default:
		calc.Issue = &ValidationIssue{
			Code:    IssueEmptySelection,
			Message: "Please choose a billing mode",
		}
	}

	calc.TaxAmount = RoundMoney(calc.Subtotal.Mul(in.TaxRate))
	calc.Total = calc.Subtotal.Add(calc.TaxAmount)
	return calc
}

func calculateTimeMaterials(in Input, calc *Calculation) {
	sel := in.Selection

	// Billed amount per task, in order of first appearance.
	billedByTask := make(map[TaskID]decimal.Decimal)
	var taskOrder []TaskID

	for _, e := range in.TimeEntries {
		if !sel.HasTimeEntry(e.ID) {
			continue
		}
		rate := e.Rate(in.DefaultHourlyRate)
		amount := e.Amount(in.DefaultHourlyRate)
		calc.TimeLines = append(calc.TimeLines, TimeLine{
			TimeEntryID: e.ID,
			TaskID:      e.TaskID,
			Date:        e.Date,
			Description: e.Description,
			Hours:       e.Hours,
			Rate:        rate,
			Amount:      amount,
		})
		calc.TimeTotal = calc.TimeTotal.Add(amount)
		calc.TotalHours = calc.TotalHours.Add(e.Hours)

		if e.TaskID == nil {
			continue
		}
		prev, seen := billedByTask[*e.TaskID]
		if !seen {
			taskOrder = append(taskOrder, *e.TaskID)
		}
		billedByTask[*e.TaskID] = prev.Add(amount)
	}

	for _, x := range in.Expenses {
		if !sel.HasExpense(x.ID) {
			continue
		}
		amount := RoundMoney(x.Amount)
		calc.ExpenseLines = append(calc.ExpenseLines, ExpenseLine{
			ExpenseID:   x.ID,
			Date:        x.Date,
			Category:    x.Category,
			Description: x.Description,
			Amount:      amount,
		})
		calc.ExpenseTotal = calc.ExpenseTotal.Add(amount)
	}

	calc.Subtotal = calc.TimeTotal.Add(calc.ExpenseTotal)

	if len(taskOrder) > 0 {
		tasks := indexTasks(in.Tasks)
		for _, id := range taskOrder {
			task, ok := tasks[id]
			if !ok {
				continue
			}
			budget := task.Budget()
			if !budget.IsPositive() {
				continue // no ceiling
			}
			billed := billedByTask[id]
			if billed.GreaterThan(budget) {
				calc.NTEWarnings = append(calc.NTEWarnings, NTEWarning{
					TaskID:   id,
					TaskName: task.Name,
					Budget:   budget,
					Billed:   billed,
					Overage:  billed.Sub(budget),
				})
			}
		}
	}

	if len(calc.TimeLines) == 0 && len(calc.ExpenseLines) == 0 {
		calc.Issue = &ValidationIssue{
			Code:    IssueEmptySelection,
			Message: "Please select at least one time entry or expense",
		}
	}
}

func calculateTasks(in Input, calc *Calculation) {
	sel := in.Selection
	mode := sel.Mode

	for _, t := range in.Tasks {
		requested, ok := sel.Tasks[t.ID]
		if !ok {
			continue
		}

		if calc.Issue == nil && t.LockedTo(mode) {
			calc.Issue = &ValidationIssue{
				Code:    IssueModeLocked,
				Message: fmt.Sprintf("Task %q is locked to %s billing", t.Name, t.BillingMode),
				TaskID:  t.ID,
			}
		}

		pct := ResolvePercentage(mode, requested, t.BilledPercentage)
		budget := t.Budget()
		amount := RoundMoney(budget.Mul(pct).Div(Hundred))

		calc.Tasks = append(calc.Tasks, TaskAllocation{
			TaskID:           t.ID,
			TaskName:         t.Name,
			Budget:           budget,
			PriorPercentage:  t.BilledPercentage,
			PercentageToBill: pct,
			AmountToBill:     amount,
		})
		calc.Subtotal = calc.Subtotal.Add(amount)
	}

	if calc.Issue == nil && len(calc.Tasks) == 0 {
		calc.Issue = &ValidationIssue{
			Code:    IssueEmptySelection,
			Message: "Please select at least one task",
		}
	}
}

// ResolvePercentage applies the mode rule to a requested percentage.
// Milestone ignores the request and bills what remains; percentage clamps the
// request into [0, remaining].
func ResolvePercentage(mode Mode, requested, billed decimal.Decimal) decimal.Decimal {
	remaining := Hundred.Sub(billed)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if mode == ModeMilestone {
		return remaining
	}
	if requested.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(requested, remaining)
}

func indexTasks(tasks []Task) map[TaskID]Task {
	idx := make(map[TaskID]Task, len(tasks))
	for _, t := range tasks {
		idx[t.ID] = t
	}
	return idx
}
