package billing

import "github.com/shopspring/decimal"

// =============================================================================
// SELECTION - The working set a user builds during a billing session
// =============================================================================

// Selection is what the user has picked so far. It is a plain value: the
// session controller owns one per invoicing attempt and hands it to Calculate.
//
// Modes are exclusive. Time entries and expenses are only meaningful in
// time & materials mode; Tasks only in milestone and percentage mode.
type Selection struct {
	Mode        Mode
	TimeEntries map[TimeEntryID]struct{}
	Expenses    map[ExpenseID]struct{}

	// Tasks maps a selected task to the percentage the user asked for.
	// In milestone mode the value is informational; the engine always bills
	// what remains.
	Tasks map[TaskID]decimal.Decimal
}

// NewSelection returns an empty selection in the given mode.
func NewSelection(mode Mode) Selection {
	return Selection{
		Mode:        mode,
		TimeEntries: make(map[TimeEntryID]struct{}),
		Expenses:    make(map[ExpenseID]struct{}),
		Tasks:       make(map[TaskID]decimal.Decimal),
	}
}

// Clone returns a deep copy.
func (s Selection) Clone() Selection {
	c := NewSelection(s.Mode)
	for id := range s.TimeEntries {
		c.TimeEntries[id] = struct{}{}
	}
	for id := range s.Expenses {
		c.Expenses[id] = struct{}{}
	}
	for id, pct := range s.Tasks {
		c.Tasks[id] = pct
	}
	return c
}

// SwitchMode changes the billing mode. Task picks never carry over; time
// entries and expenses are dropped whenever a task mode is involved.
func (s *Selection) SwitchMode(mode Mode) {
	prev := s.Mode
	s.Mode = mode
	s.ensure()
	s.Tasks = make(map[TaskID]decimal.Decimal)
	if mode.IsTaskMode() || prev.IsTaskMode() {
		s.TimeEntries = make(map[TimeEntryID]struct{})
		s.Expenses = make(map[ExpenseID]struct{})
	}
}

// ensure makes a zero Selection usable.
func (s *Selection) ensure() {
	if s.TimeEntries == nil {
		s.TimeEntries = make(map[TimeEntryID]struct{})
	}
	if s.Expenses == nil {
		s.Expenses = make(map[ExpenseID]struct{})
	}
	if s.Tasks == nil {
		s.Tasks = make(map[TaskID]decimal.Decimal)
	}
}

// ToggleTimeEntry flips selection of one entry and returns the new state.
func (s *Selection) ToggleTimeEntry(id TimeEntryID) bool {
	s.ensure()
	if _, ok := s.TimeEntries[id]; ok {
		delete(s.TimeEntries, id)
		return false
	}
	s.TimeEntries[id] = struct{}{}
	return true
}

// ToggleExpense flips selection of one expense and returns the new state.
func (s *Selection) ToggleExpense(id ExpenseID) bool {
	s.ensure()
	if _, ok := s.Expenses[id]; ok {
		delete(s.Expenses, id)
		return false
	}
	s.Expenses[id] = struct{}{}
	return true
}

// SelectTask adds a task with its default request: everything that remains in
// milestone mode, min(10, remaining) in percentage mode. Re-selecting an
// already selected task keeps the user's current value.
func (s *Selection) SelectTask(t Task) {
	s.ensure()
	if _, ok := s.Tasks[t.ID]; ok {
		return
	}
	remaining := t.RemainingPercentage()
	if s.Mode == ModeMilestone {
		s.Tasks[t.ID] = remaining
		return
	}
	s.Tasks[t.ID] = decimal.Min(DefaultPercentageStep, remaining)
}

// DeselectTask removes a task.
func (s *Selection) DeselectTask(id TaskID) {
	delete(s.Tasks, id)
}

// SetTaskPercentage records the user's requested percentage, selecting the
// task if needed. The engine clamps; nothing is rejected here.
func (s *Selection) SetTaskPercentage(id TaskID, pct decimal.Decimal) {
	s.ensure()
	s.Tasks[id] = pct
}

// SelectAllCandidates selects every given time entry and expense. Used for the
// opt-out default when a time & materials session first loads.
func (s *Selection) SelectAllCandidates(entries []TimeEntry, expenses []Expense) {
	s.ensure()
	for _, e := range entries {
		s.TimeEntries[e.ID] = struct{}{}
	}
	for _, x := range expenses {
		s.Expenses[x.ID] = struct{}{}
	}
}

// Retain drops picks that are no longer among the candidates.
func (s *Selection) Retain(tasks []Task, entries []TimeEntry, expenses []Expense) {
	keepEntries := make(map[TimeEntryID]struct{}, len(entries))
	for _, e := range entries {
		keepEntries[e.ID] = struct{}{}
	}
	for id := range s.TimeEntries {
		if _, ok := keepEntries[id]; !ok {
			delete(s.TimeEntries, id)
		}
	}

	keepExpenses := make(map[ExpenseID]struct{}, len(expenses))
	for _, x := range expenses {
		keepExpenses[x.ID] = struct{}{}
	}
	for id := range s.Expenses {
		if _, ok := keepExpenses[id]; !ok {
			delete(s.Expenses, id)
		}
	}

	keepTasks := make(map[TaskID]struct{}, len(tasks))
	for _, t := range tasks {
		keepTasks[t.ID] = struct{}{}
	}
	for id := range s.Tasks {
		if _, ok := keepTasks[id]; !ok {
			delete(s.Tasks, id)
		}
	}
}

// IsEmpty reports whether nothing is selected for the current mode.
func (s Selection) IsEmpty() bool {
	if s.Mode.IsTaskMode() {
		return len(s.Tasks) == 0
	}
	return len(s.TimeEntries) == 0 && len(s.Expenses) == 0
}

// HasTimeEntry reports whether the entry is selected.
func (s Selection) HasTimeEntry(id TimeEntryID) bool {
	_, ok := s.TimeEntries[id]
	return ok
}

// HasExpense reports whether the expense is selected.
func (s Selection) HasExpense(id ExpenseID) bool {
	_, ok := s.Expenses[id]
	return ok
}
