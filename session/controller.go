package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/billdora/billing-engine/billing"
)

// Options tune a Controller. Zero retry, concurrency, clock and ID fields
// fall back to DefaultOptions; rates are used as given.
type Options struct {
	DefaultHourlyRate decimal.Decimal
	TaxRate           decimal.Decimal

	// Candidate loads are retried with exponential backoff before degrading.
	RetryAttempts     int
	RetryInitialDelay time.Duration

	// Upper bound on concurrent child writes for non-transactional stores.
	CommitConcurrency int

	Clock func() time.Time
	NewID func() string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		DefaultHourlyRate: decimal.NewFromInt(150),
		TaxRate:           decimal.Zero,
		RetryAttempts:     3,
		RetryInitialDelay: 50 * time.Millisecond,
		CommitConcurrency: 4,
		Clock:             func() time.Time { return time.Now().UTC() },
		NewID:             uuid.NewString,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RetryAttempts < 1 {
		o.RetryAttempts = d.RetryAttempts
	}
	if o.RetryInitialDelay <= 0 {
		o.RetryInitialDelay = d.RetryInitialDelay
	}
	if o.CommitConcurrency < 1 {
		o.CommitConcurrency = d.CommitConcurrency
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.NewID == nil {
		o.NewID = d.NewID
	}
	return o
}

// Controller opens, refreshes, and commits billing sessions against a store.
// It holds no per-session state; each Session is an independent value.
type Controller struct {
	store billing.Store
	log   zerolog.Logger
	opts  Options
}

func NewController(store billing.Store, log zerolog.Logger, opts Options) *Controller {
	return &Controller{store: store, log: log, opts: opts.withDefaults()}
}

// =============================================================================
// LOAD
// =============================================================================

// Open starts a session for a project. Candidate load failures never fail
// Open: the affected list is empty and the reason is in LoadWarnings. In time
// & materials mode every loaded entry and expense starts selected.
func (c *Controller) Open(ctx context.Context, projectID billing.ProjectID, mode billing.Mode) (*Session, error) {
	if c.store == nil {
		return nil, billing.ErrNoStore
	}
	if mode != billing.ModeUnset && !mode.IsValid() {
		return nil, ErrInvalidMode
	}

	id := c.opts.NewID()
	lc, err := newLifecycle(id)
	if err != nil {
		return nil, err
	}

	candidates, warnings := c.loadCandidates(ctx, projectID)
	now := c.opts.Clock()
	s := &Session{
		ID:          id,
		ProjectID:   projectID,
		lifecycle:   lc,
		selection:   billing.NewSelection(mode),
		defaultRate: c.opts.DefaultHourlyRate,
		taxRate:     c.opts.TaxRate,
		openedAt:    now,
		touchedAt:   now,
		clock:       c.opts.Clock,
	}
	s.replaceCandidates(candidates, warnings)
	if mode == billing.ModeTimeMaterials {
		s.selection.SelectAllCandidates(candidates.TimeEntries, candidates.Expenses)
	}

	c.log.Info().
		Str("session_id", id).
		Str("project_id", string(projectID)).
		Str("mode", string(mode)).
		Int("tasks", len(candidates.Tasks)).
		Int("time_entries", len(candidates.TimeEntries)).
		Int("expenses", len(candidates.Expenses)).
		Msg("billing session opened")
	return s, nil
}

// Refresh reloads candidates. New records are not selected; picks whose
// record disappeared are dropped. Refused while a commit is in flight.
func (c *Controller) Refresh(ctx context.Context, s *Session) error {
	s.mu.Lock()
	err := s.mutableLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	candidates, warnings := c.loadCandidates(ctx, s.ProjectID)

	s.mu.Lock()
	defer s.mu.Unlock()
	// A commit may have started while we were reading.
	if err := s.mutableLocked(); err != nil {
		return err
	}
	s.replaceCandidates(candidates, warnings)
	return nil
}

// Preview runs the engine on a caller-supplied selection against freshly
// loaded candidates. Nothing is written and no session is created.
func (c *Controller) Preview(ctx context.Context, projectID billing.ProjectID, sel billing.Selection) (billing.Calculation, Candidates, []string) {
	candidates, warnings := c.loadCandidates(ctx, projectID)
	calc := billing.Calculate(billing.Input{
		Selection:         sel,
		Tasks:             candidates.Tasks,
		TimeEntries:       candidates.TimeEntries,
		Expenses:          candidates.Expenses,
		DefaultHourlyRate: c.opts.DefaultHourlyRate,
		TaxRate:           c.opts.TaxRate,
	})
	return calc, candidates, warnings
}

// LoadCandidates returns the project's billable records, failing soft.
func (c *Controller) LoadCandidates(ctx context.Context, projectID billing.ProjectID) (Candidates, []string) {
	return c.loadCandidates(ctx, projectID)
}

func (c *Controller) loadCandidates(ctx context.Context, projectID billing.ProjectID) (Candidates, []string) {
	var (
		out      Candidates
		mu       sync.Mutex
		warnings []string
		g        errgroup.Group
	)
	warn := func(what string, err error) {
		c.log.Warn().Err(err).
			Str("project_id", string(projectID)).
			Msgf("failed to load %s, continuing without them", what)
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf("failed to load %s: %v", what, err))
		mu.Unlock()
	}

	// Each loader writes only its own field, so no lock is needed for out.
	g.Go(func() error {
		tasks, err := loadWithRetry(ctx, c.retryConfig(), func(ctx context.Context) ([]billing.Task, error) {
			return c.store.ProjectTasks(ctx, projectID)
		})
		if err != nil {
			warn("tasks", err)
			return nil
		}
		out.Tasks = tasks
		return nil
	})
	g.Go(func() error {
		entries, err := loadWithRetry(ctx, c.retryConfig(), func(ctx context.Context) ([]billing.TimeEntry, error) {
			return c.store.UnbilledTimeEntries(ctx, projectID)
		})
		if err != nil {
			warn("time entries", err)
			return nil
		}
		out.TimeEntries = filterEntries(entries)
		return nil
	})
	g.Go(func() error {
		expenses, err := loadWithRetry(ctx, c.retryConfig(), func(ctx context.Context) ([]billing.Expense, error) {
			return c.store.UnbilledExpenses(ctx, projectID)
		})
		if err != nil {
			warn("expenses", err)
			return nil
		}
		out.Expenses = filterExpenses(expenses)
		return nil
	})
	_ = g.Wait()

	sort.Strings(warnings)
	return out, warnings
}

func (c *Controller) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:   c.opts.RetryAttempts,
		InitialDelay:  c.opts.RetryInitialDelay,
		BackoffPolicy: retry.BackoffExponential,
	}
}

func loadWithRetry[T any](ctx context.Context, cfg retry.Config, fn func(context.Context) (T, error)) (T, error) {
	return retry.New[T](cfg).Do(ctx, fn)
}

// The store is trusted to filter, but a record that slipped through must
// never be billed twice.
func filterEntries(in []billing.TimeEntry) []billing.TimeEntry {
	out := in[:0:0]
	for _, e := range in {
		if e.IsCandidate() {
			out = append(out, e)
		}
	}
	return out
}

func filterExpenses(in []billing.Expense) []billing.Expense {
	out := in[:0:0]
	for _, x := range in {
		if x.IsCandidate() {
			out = append(out, x)
		}
	}
	return out
}

// =============================================================================
// COMMIT
// =============================================================================

// CommitReport lists every write a commit performed.
type CommitReport struct {
	Transactional bool
	Steps         []Step
}

// Failed returns the steps that did not succeed.
func (r CommitReport) Failed() []Step {
	var out []Step
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// CommitResult is returned when the invoice record exists.
type CommitResult struct {
	InvoiceID   billing.InvoiceID
	Invoice     billing.Invoice
	LineItems   []billing.LineItem
	Calculation billing.Calculation
	Report      CommitReport
}

// commitPlan is the full write set derived from one calculation.
type commitPlan struct {
	invoice  billing.Invoice
	children []commitChild
}

// commitChild is one selected record: its line item plus the source update.
type commitChild struct {
	item    billing.LineItem
	update  *billing.TaskBillingUpdate
	entry   *billing.TimeEntryID
	expense *billing.ExpenseID
}

// Commit writes the session's invoice.
//
// With a billing.TxStore everything runs in one transaction and a failure
// leaves nothing behind. Otherwise the invoice is written first, then each
// child concurrently; if any child fails the returned *CommitError has
// InvoiceID set and Partial true, and the result is still returned.
//
// A non-nil error with a nil result means nothing was persisted.
func (c *Controller) Commit(ctx context.Context, s *Session) (*CommitResult, error) {
	s.mu.Lock()
	switch s.lifecycle.current() {
	case StateOpen:
	case StateCommitting:
		s.mu.Unlock()
		return nil, ErrCommitInProgress
	default:
		s.mu.Unlock()
		return nil, ErrSessionNotOpen
	}

	calc := s.calculateLocked()
	if !calc.Valid() {
		s.mu.Unlock()
		return nil, &CommitError{Message: calc.ValidationMessage(), Err: ErrNotCommittable}
	}
	if !calc.Subtotal.IsPositive() {
		s.mu.Unlock()
		return nil, &CommitError{Message: "invoice subtotal must be greater than zero", Err: ErrNotCommittable}
	}
	if err := s.lifecycle.fire(eventCommit); err != nil {
		s.mu.Unlock()
		return nil, ErrCommitInProgress
	}
	s.touchLocked()
	s.mu.Unlock()

	plan := c.plan(s.ProjectID, calc)
	log := c.log.With().
		Str("session_id", s.ID).
		Str("invoice_id", string(plan.invoice.ID)).
		Str("mode", string(calc.Mode)).
		Logger()

	var (
		result *CommitResult
		err    error
	)
	if tx, ok := c.store.(billing.TxStore); ok {
		result, err = c.commitTx(ctx, tx, calc, plan)
	} else {
		result, err = c.commitSteps(ctx, c.store, calc, plan)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.invoiceID = result.InvoiceID
		_ = s.lifecycle.fire(eventSucceed)
		log.Info().
			Str("subtotal", calc.Subtotal.StringFixed(2)).
			Str("total", calc.Total.StringFixed(2)).
			Int("line_items", len(result.LineItems)).
			Msg("invoice committed")
		return result, nil
	case result != nil:
		s.invoiceID = result.InvoiceID
		_ = s.lifecycle.fire(eventFail)
		log.Error().Err(err).Msg("invoice committed with failed steps")
		return result, err
	default:
		_ = s.lifecycle.fire(eventReset)
		log.Error().Err(err).Msg("invoice commit failed, nothing written")
		return nil, err
	}
}

func (c *Controller) plan(projectID billing.ProjectID, calc billing.Calculation) commitPlan {
	now := c.opts.Clock()
	invoiceID := billing.InvoiceID(c.opts.NewID())
	p := commitPlan{
		invoice: billing.Invoice{
			ID:          invoiceID,
			ProjectID:   projectID,
			BillingMode: calc.Mode,
			Subtotal:    calc.Subtotal,
			TaxRate:     calc.TaxRate,
			TaxAmount:   calc.TaxAmount,
			Total:       calc.Total,
			Status:      billing.InvoiceDraft,
			CreatedAt:   now,
		},
	}

	newItem := func(source billing.LineSource) billing.LineItem {
		return billing.LineItem{
			ID:        billing.LineItemID(c.opts.NewID()),
			InvoiceID: invoiceID,
			Source:    source,
			CreatedAt: now,
		}
	}

	for _, a := range calc.Tasks {
		taskID := a.TaskID
		item := newItem(billing.SourceTask)
		item.TaskID = &taskID
		item.Description = fmt.Sprintf("%s (%s of %s)",
			a.TaskName, billing.FormatPercentage(a.PercentageToBill), billing.FormatCurrency(a.Budget))
		item.Quantity = decimal.NewFromInt(1)
		item.Rate = a.AmountToBill
		item.Amount = a.AmountToBill
		item.BillingPercentage = billing.DecimalPtr(a.PercentageToBill)
		item.PriorBilledPercentage = billing.DecimalPtr(a.PriorPercentage)
		p.children = append(p.children, commitChild{
			item: item,
			update: &billing.TaskBillingUpdate{
				TaskID:        taskID,
				AddPercentage: a.PercentageToBill,
				AddAmount:     a.AmountToBill,
				Mode:          calc.Mode,
			},
		})
	}

	for _, l := range calc.TimeLines {
		entryID := l.TimeEntryID
		item := newItem(billing.SourceTimeEntry)
		item.TimeEntryID = &entryID
		item.TaskID = l.TaskID
		item.Description = l.Description
		item.Quantity = l.Hours
		item.Rate = l.Rate
		item.Amount = l.Amount
		p.children = append(p.children, commitChild{item: item, entry: &entryID})
	}

	for _, l := range calc.ExpenseLines {
		expenseID := l.ExpenseID
		item := newItem(billing.SourceExpense)
		item.ExpenseID = &expenseID
		item.Description = expenseDescription(l)
		item.Quantity = decimal.NewFromInt(1)
		item.Rate = l.Amount
		item.Amount = l.Amount
		p.children = append(p.children, commitChild{item: item, expense: &expenseID})
	}

	return p
}

func expenseDescription(l billing.ExpenseLine) string {
	switch {
	case l.Category == "":
		return l.Description
	case l.Description == "":
		return l.Category
	default:
		return l.Category + ": " + l.Description
	}
}

// recheck re-reads every task the plan bills and rejects the commit if the
// persisted task no longer admits it. The prior percentage recorded on each
// line item is taken from the fresh read.
func recheck(ctx context.Context, store billing.Store, plan *commitPlan) (Step, error) {
	for i := range plan.children {
		child := &plan.children[i]
		if child.update == nil {
			continue
		}
		fresh, err := store.GetTask(ctx, child.update.TaskID)
		if err != nil {
			return failedStep(StepRecheckTask, string(child.update.TaskID), err), err
		}
		if err := fresh.Admit(*child.update); err != nil {
			return failedStep(StepRecheckTask, string(fresh.ID), err), err
		}
		child.item.PriorBilledPercentage = billing.DecimalPtr(fresh.BilledPercentage)
	}
	return Step{}, nil
}

func (c *Controller) commitTx(ctx context.Context, tx billing.TxStore, calc billing.Calculation, plan commitPlan) (*CommitResult, error) {
	var steps []Step
	err := tx.WithTx(ctx, func(store billing.Store) error {
		if step, err := recheck(ctx, store, &plan); err != nil {
			steps = append(steps, step)
			return err
		}

		if err := store.CreateInvoice(ctx, plan.invoice); err != nil {
			steps = append(steps, failedStep(StepCreateInvoice, string(plan.invoice.ID), err))
			return err
		}
		steps = append(steps, okStep(StepCreateInvoice, string(plan.invoice.ID)))

		items := make([]billing.LineItem, len(plan.children))
		for i, child := range plan.children {
			items[i] = child.item
		}
		if err := store.CreateLineItems(ctx, items); err != nil {
			steps = append(steps, failedStep(StepCreateLineItem, string(plan.invoice.ID), err))
			return err
		}
		for _, item := range items {
			steps = append(steps, okStep(StepCreateLineItem, lineRef(item)))
		}

		for _, child := range plan.children {
			step := applySource(ctx, store, child, plan.invoice.ID)
			steps = append(steps, step)
			if step.Status == StepFailed {
				return step.Err
			}
		}
		return nil
	})
	if err != nil {
		var failed []Step
		for i := range steps {
			if steps[i].Status == StepOK {
				steps[i].Status = StepRolledBack
				continue
			}
			failed = append(failed, steps[i])
		}
		return nil, &CommitError{Steps: failed, Err: err}
	}

	return &CommitResult{
		InvoiceID:   plan.invoice.ID,
		Invoice:     plan.invoice,
		LineItems:   lineItems(plan),
		Calculation: calc,
		Report:      CommitReport{Transactional: true, Steps: steps},
	}, nil
}

// commitSteps writes parent first, then children concurrently. Each child
// claims or updates its source record and then writes its line item; time
// entries and expenses are claimed first so a lost race never produces a
// line item for a record another invoice already billed.
func (c *Controller) commitSteps(ctx context.Context, store billing.Store, calc billing.Calculation, plan commitPlan) (*CommitResult, error) {
	if step, err := recheck(ctx, store, &plan); err != nil {
		return nil, &CommitError{Steps: []Step{step}, Err: err}
	}

	if err := store.CreateInvoice(ctx, plan.invoice); err != nil {
		step := failedStep(StepCreateInvoice, string(plan.invoice.ID), err)
		return nil, &CommitError{Message: "failed to create invoice", Steps: []Step{step}, Err: err}
	}

	childSteps := make([][]Step, len(plan.children))
	var g errgroup.Group
	g.SetLimit(c.opts.CommitConcurrency)
	for i, child := range plan.children {
		g.Go(func() error {
			childSteps[i] = writeChild(ctx, store, child, plan.invoice.ID)
			return nil
		})
	}
	_ = g.Wait()

	steps := []Step{okStep(StepCreateInvoice, string(plan.invoice.ID))}
	for _, cs := range childSteps {
		steps = append(steps, cs...)
	}
	result := &CommitResult{
		InvoiceID:   plan.invoice.ID,
		Invoice:     plan.invoice,
		LineItems:   lineItems(plan),
		Calculation: calc,
		Report:      CommitReport{Steps: steps},
	}

	if failed := result.Report.Failed(); len(failed) > 0 {
		return result, &CommitError{
			InvoiceID: plan.invoice.ID,
			Partial:   true,
			Steps:     failed,
			Err:       failed[0].Err,
		}
	}
	return result, nil
}

func writeChild(ctx context.Context, store billing.Store, child commitChild, invoiceID billing.InvoiceID) []Step {
	writeItem := func() Step {
		if err := store.CreateLineItems(ctx, []billing.LineItem{child.item}); err != nil {
			return failedStep(StepCreateLineItem, lineRef(child.item), err)
		}
		return okStep(StepCreateLineItem, lineRef(child.item))
	}

	if child.update != nil {
		// The line item records the prior percentage, so it goes before the
		// task's running total moves.
		item := writeItem()
		if item.Status == StepFailed {
			return []Step{item, skippedStep(StepUpdateTask, string(child.update.TaskID))}
		}
		return []Step{item, applySource(ctx, store, child, invoiceID)}
	}

	claim := applySource(ctx, store, child, invoiceID)
	if claim.Status == StepFailed {
		return []Step{claim, skippedStep(StepCreateLineItem, lineRef(child.item))}
	}
	return []Step{claim, writeItem()}
}

// applySource performs the source-record write for one child.
func applySource(ctx context.Context, store billing.Store, child commitChild, invoiceID billing.InvoiceID) Step {
	switch {
	case child.update != nil:
		if err := store.ApplyTaskBilling(ctx, *child.update); err != nil {
			return failedStep(StepUpdateTask, string(child.update.TaskID), err)
		}
		return okStep(StepUpdateTask, string(child.update.TaskID))
	case child.entry != nil:
		if err := store.MarkTimeEntryInvoiced(ctx, *child.entry, invoiceID); err != nil {
			return failedStep(StepLinkTimeEntry, string(*child.entry), err)
		}
		return okStep(StepLinkTimeEntry, string(*child.entry))
	case child.expense != nil:
		if err := store.MarkExpenseInvoiced(ctx, *child.expense, invoiceID); err != nil {
			return failedStep(StepLinkExpense, string(*child.expense), err)
		}
		return okStep(StepLinkExpense, string(*child.expense))
	}
	return skippedStep(StepCreateLineItem, lineRef(child.item))
}

func lineItems(p commitPlan) []billing.LineItem {
	out := make([]billing.LineItem, len(p.children))
	for i, child := range p.children {
		out[i] = child.item
	}
	return out
}

func lineRef(item billing.LineItem) string {
	switch {
	case item.TaskID != nil && item.Source == billing.SourceTask:
		return "task " + string(*item.TaskID)
	case item.TimeEntryID != nil:
		return "time entry " + string(*item.TimeEntryID)
	case item.ExpenseID != nil:
		return "expense " + string(*item.ExpenseID)
	}
	return string(item.ID)
}

func okStep(kind StepKind, ref string) Step {
	return Step{Kind: kind, Ref: ref, Status: StepOK}
}

func failedStep(kind StepKind, ref string, err error) Step {
	return Step{Kind: kind, Ref: ref, Status: StepFailed, Err: err}
}

func skippedStep(kind StepKind, ref string) Step {
	return Step{Kind: kind, Ref: ref, Status: StepSkipped}
}

// =============================================================================
// QUERIES
// =============================================================================

// ListInvoices returns a project's invoices, oldest first.
func (c *Controller) ListInvoices(ctx context.Context, projectID billing.ProjectID) ([]billing.Invoice, error) {
	invoices, err := c.store.ListInvoices(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return invoices, nil
}

// TaskHistory returns the task's billing ledger ordered by invoice creation.
func (c *Controller) TaskHistory(ctx context.Context, taskID billing.TaskID) ([]billing.TaskBillingRecord, error) {
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	records, err := c.store.TaskBillingHistory(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load billing history: %w", err)
	}
	return records, nil
}

// InvoiceDetail loads an invoice with its line items. Each task line's prior
// percentage is rebuilt from the ledger, not read from the live task.
func (c *Controller) InvoiceDetail(ctx context.Context, invoiceID billing.InvoiceID) (*InvoiceDetail, error) {
	inv, err := c.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	items, err := c.store.InvoiceLineItems(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load line items: %w", err)
	}

	histories := make(map[billing.TaskID][]billing.TaskBillingRecord)
	detail := &InvoiceDetail{Invoice: inv}
	for _, item := range items {
		line := InvoiceLine{LineItem: item}
		if item.Source == billing.SourceTask && item.TaskID != nil {
			records, ok := histories[*item.TaskID]
			if !ok {
				records, err = c.store.TaskBillingHistory(ctx, *item.TaskID)
				if err != nil {
					return nil, fmt.Errorf("failed to load billing history: %w", err)
				}
				histories[*item.TaskID] = records
			}
			prior := PriorPercentage(records, inv.CreatedAt, item.ID)
			line.PriorPercentage = &prior
		}
		detail.Lines = append(detail.Lines, line)
	}
	return detail, nil
}
