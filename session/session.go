/*
Package session implements the billing session controller.

PURPOSE:
  Bridges the pure billing engine to the external data store. A Session is
  one project-invoicing attempt: it holds the loaded candidates and the
  user's selection, recomputes the engine on demand, and is committed or
  discarded exactly once. There is no global "current session".

LIFECYCLE:
  Controller.Open  -> load candidates (fail soft), default selection
  Session.*        -> toggle / select / switch mode (pure, in memory)
  Controller.Commit-> re-check tasks, write invoice, children, ledger updates
  Session.Cancel   -> discard (no side effects)

CRITICAL SECTION:
  While a commit is in flight the session rejects every mutation, refresh,
  and second submit. Once a commit starts it cannot be cancelled.

SEE ALSO:
  - controller.go: Load and commit orchestration
  - history.go: Cross-invoice billing ledger
  - lifecycle.go: State machine
*/
package session

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billdora/billing-engine/billing"
)

// Candidates are the records a session may bill.
type Candidates struct {
	Tasks       []billing.Task
	TimeEntries []billing.TimeEntry
	Expenses    []billing.Expense
}

func (c Candidates) task(id billing.TaskID) (billing.Task, bool) {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return billing.Task{}, false
}

func (c Candidates) hasTimeEntry(id billing.TimeEntryID) bool {
	for _, e := range c.TimeEntries {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (c Candidates) hasExpense(id billing.ExpenseID) bool {
	for _, x := range c.Expenses {
		if x.ID == id {
			return true
		}
	}
	return false
}

// Session is one invoicing attempt for one project.
type Session struct {
	ID        string
	ProjectID billing.ProjectID

	mu           sync.Mutex
	lifecycle    *lifecycle
	selection    billing.Selection
	candidates   Candidates
	loadWarnings []string
	defaultRate  decimal.Decimal
	taxRate      decimal.Decimal
	invoiceID    billing.InvoiceID
	openedAt     time.Time
	touchedAt    time.Time
	clock        func() time.Time
}

// State returns the lifecycle state name.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle.current()
}

// Mode returns the active billing mode.
func (s *Session) Mode() billing.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.Mode
}

// Selection returns a copy of the current selection.
func (s *Session) Selection() billing.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.Clone()
}

// Candidates returns the loaded candidate records.
func (s *Session) Candidates() Candidates {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Candidates{
		Tasks:       append([]billing.Task(nil), s.candidates.Tasks...),
		TimeEntries: append([]billing.TimeEntry(nil), s.candidates.TimeEntries...),
		Expenses:    append([]billing.Expense(nil), s.candidates.Expenses...),
	}
}

// LoadWarnings lists candidate loads that failed and were degraded to empty.
func (s *Session) LoadWarnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loadWarnings...)
}

// InvoiceID returns the invoice written by the commit, if any.
func (s *Session) InvoiceID() billing.InvoiceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoiceID
}

// LastTouched is when the session was last read or changed.
func (s *Session) LastTouched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchedAt
}

// Calculation recomputes the engine output from scratch.
func (s *Session) Calculation() billing.Calculation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	return s.calculateLocked()
}

func (s *Session) calculateLocked() billing.Calculation {
	return billing.Calculate(billing.Input{
		Selection:         s.selection,
		Tasks:             s.candidates.Tasks,
		TimeEntries:       s.candidates.TimeEntries,
		Expenses:          s.candidates.Expenses,
		DefaultHourlyRate: s.defaultRate,
		TaxRate:           s.taxRate,
	})
}

// =============================================================================
// SELECTION CHANGES
// =============================================================================

// SwitchMode changes the billing mode and clears picks that do not carry over.
// Entering time & materials from another mode reselects every candidate.
func (s *Session) SwitchMode(mode billing.Mode) error {
	if !mode.IsValid() {
		return ErrInvalidMode
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	prev := s.selection.Mode
	s.selection.SwitchMode(mode)
	if mode == billing.ModeTimeMaterials && prev != billing.ModeTimeMaterials {
		s.selection.SelectAllCandidates(s.candidates.TimeEntries, s.candidates.Expenses)
	}
	return nil
}

// ToggleTimeEntry flips one entry and returns whether it is now selected.
func (s *Session) ToggleTimeEntry(id billing.TimeEntryID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return false, err
	}
	if s.selection.Mode != billing.ModeTimeMaterials {
		return false, ErrInvalidMode
	}
	if !s.candidates.hasTimeEntry(id) {
		return false, ErrUnknownCandidate
	}
	return s.selection.ToggleTimeEntry(id), nil
}

// ToggleExpense flips one expense and returns whether it is now selected.
func (s *Session) ToggleExpense(id billing.ExpenseID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return false, err
	}
	if s.selection.Mode != billing.ModeTimeMaterials {
		return false, ErrInvalidMode
	}
	if !s.candidates.hasExpense(id) {
		return false, ErrUnknownCandidate
	}
	return s.selection.ToggleExpense(id), nil
}

// SelectTask picks a task with its mode default.
func (s *Session) SelectTask(id billing.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if !s.selection.Mode.IsTaskMode() {
		return ErrInvalidMode
	}
	t, ok := s.candidates.task(id)
	if !ok {
		return ErrUnknownCandidate
	}
	s.selection.SelectTask(t)
	return nil
}

// SetTaskPercentage records a requested percentage, selecting the task if
// needed. Over-requests are clamped by the engine, not rejected.
func (s *Session) SetTaskPercentage(id billing.TaskID, pct decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if !s.selection.Mode.IsTaskMode() {
		return ErrInvalidMode
	}
	if _, ok := s.candidates.task(id); !ok {
		return ErrUnknownCandidate
	}
	s.selection.SetTaskPercentage(id, pct)
	return nil
}

// DeselectTask drops a task.
func (s *Session) DeselectTask(id billing.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	s.selection.DeselectTask(id)
	return nil
}

// Cancel discards the session. Only allowed before a commit starts.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.current() == StateCommitting {
		return ErrCommitInProgress
	}
	if err := s.lifecycle.fire(eventCancel); err != nil {
		return ErrSessionNotOpen
	}
	return nil
}

// Expired reports whether an open session has been idle longer than ttl.
// Sessions mid-commit never expire.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.current() == StateCommitting {
		return false
	}
	return now.Sub(s.touchedAt) > ttl
}

// =============================================================================
// INTERNAL
// =============================================================================

func (s *Session) mutableLocked() error {
	switch s.lifecycle.current() {
	case StateOpen:
		s.touchLocked()
		return nil
	case StateCommitting:
		return ErrCommitInProgress
	default:
		return ErrSessionNotOpen
	}
}

func (s *Session) touchLocked() {
	s.touchedAt = s.clock()
}

// replaceCandidates swaps in freshly loaded records. Picks for records that
// vanished are dropped; new records are not selected.
func (s *Session) replaceCandidates(c Candidates, warnings []string) {
	s.candidates = c
	s.loadWarnings = warnings
	s.selection.Retain(c.Tasks, c.TimeEntries, c.Expenses)
}
