/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	billing data. Each scenario sets up one project in a situation the
	engine has to get right.

AVAILABLE SCENARIOS:

	tm-basic:                  Time & materials with an over-budget task
	percentage-second-invoice: Task already 20% billed, bill another 50%
	milestone-closeout:        Task 90% billed, milestone closes the last 10%
	locked-mode:               Task locked to time & materials

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Save tasks, time entries, and expenses
 3. For scenarios with history, write the earlier invoices through the
    regular Store interface so the billing ledger is consistent

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "percentage-second-invoice"}

USAGE VIA CLI:

	billdora seed percentage-second-invoice

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Session endpoints to bill the seeded data
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billdora/billing-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "tm-basic",
		Name:        "Time & Materials",
		Description: "Two entries on a $1,000 task (one without a rate) plus a $200 expense",
		ProjectID:   "proj-harbor",
		Mode:        string(billing.ModeTimeMaterials),
	},
	{
		ID:          "percentage-second-invoice",
		Name:        "Percentage, Second Invoice",
		Description: "$10,000 task already 20% billed; request 50% more",
		ProjectID:   "proj-atrium",
		Mode:        string(billing.ModePercentage),
	},
	{
		ID:          "milestone-closeout",
		Name:        "Milestone Closeout",
		Description: "$5,000 task 90% billed; milestone bills the last 10%",
		ProjectID:   "proj-bridge",
		Mode:        string(billing.ModeMilestone),
	},
	{
		ID:          "locked-mode",
		Name:        "Locked Billing Mode",
		Description: "Task already billed as time & materials cannot be billed by percentage",
		ProjectID:   "proj-depot",
		Mode:        string(billing.ModePercentage),
	},
}

// Scenarios lists the demo scenarios.
func Scenarios() []ScenarioDTO {
	return append([]ScenarioDTO(nil), scenarios...)
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = ""

	scenario, err := SeedScenario(r.Context(), h.Store, req.ScenarioID, time.Now().UTC())
	switch {
	case errors.Is(err, ErrUnknownScenario):
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	case errors.Is(err, billing.ErrStoreRequired):
		writeError(w, http.StatusNotImplemented, "Store does not support seeding", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = scenario.ID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "loaded",
		"scenario":   scenario.ID,
		"project_id": scenario.ProjectID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// ErrUnknownScenario is returned for a scenario id that does not exist.
var ErrUnknownScenario = errors.New("unknown scenario")

// SeedScenario resets the store and loads a scenario. The store must also
// implement billing.Seeder.
func SeedScenario(ctx context.Context, store billing.Store, id string, now time.Time) (ScenarioDTO, error) {
	var scenario ScenarioDTO
	found := false
	for _, s := range scenarios {
		if s.ID == id {
			scenario, found = s, true
			break
		}
	}
	if !found {
		return ScenarioDTO{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	seeder, ok := store.(billing.Seeder)
	if !ok {
		return ScenarioDTO{}, billing.ErrStoreRequired
	}
	if err := seeder.Reset(ctx); err != nil {
		return ScenarioDTO{}, fmt.Errorf("failed to reset store: %w", err)
	}

	l := scenarioLoader{ctx: ctx, store: store, seeder: seeder, project: billing.ProjectID(scenario.ProjectID), now: now}
	var err error
	switch id {
	case "tm-basic":
		err = l.timeMaterials()
	case "percentage-second-invoice":
		err = l.percentageSecondInvoice()
	case "milestone-closeout":
		err = l.milestoneCloseout()
	case "locked-mode":
		err = l.lockedMode()
	}
	if err != nil {
		return ScenarioDTO{}, err
	}
	return scenario, nil
}

type scenarioLoader struct {
	ctx     context.Context
	store   billing.Store
	seeder  billing.Seeder
	project billing.ProjectID
	now     time.Time
}

func (l scenarioLoader) day(daysAgo int) time.Time {
	d := l.now.AddDate(0, 0, -daysAgo)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (l scenarioLoader) timeMaterials() error {
	design := billing.TaskID("task-harbor-design")
	if err := l.seeder.SaveTask(l.ctx, billing.Task{
		ID:          design,
		ProjectID:   l.project,
		Name:        "Schematic Design",
		TotalBudget: billing.DecimalPtr(decimal.NewFromInt(1000)),
		BillingMode: billing.ModeUnset,
	}); err != nil {
		return err
	}

	rate := billing.DecimalPtr(decimal.NewFromInt(150))
	entries := []billing.TimeEntry{
		{
			ID:             "te-harbor-1",
			TaskID:         &design,
			Date:           l.day(6),
			Hours:          decimal.NewFromInt(5),
			HourlyRate:     rate,
			Description:    "Site survey",
			Billable:       true,
			ApprovalStatus: billing.ApprovalApproved,
		},
		{
			// No rate: billed at the default hourly rate.
			ID:             "te-harbor-2",
			TaskID:         &design,
			Date:           l.day(5),
			Hours:          decimal.NewFromInt(3),
			Description:    "Concept sketches",
			Billable:       true,
			ApprovalStatus: billing.ApprovalApproved,
		},
		{
			ID:             "te-harbor-3",
			TaskID:         &design,
			Date:           l.day(4),
			Hours:          decimal.NewFromInt(2),
			HourlyRate:     rate,
			Description:    "Awaiting approval",
			Billable:       true,
			ApprovalStatus: billing.ApprovalPending,
		},
		{
			ID:             "te-harbor-4",
			Date:           l.day(3),
			Hours:          decimal.NewFromInt(1),
			HourlyRate:     rate,
			Description:    "Internal meeting",
			Billable:       false,
			ApprovalStatus: billing.ApprovalApproved,
		},
	}
	for _, e := range entries {
		e.ProjectID = l.project
		if err := l.seeder.SaveTimeEntry(l.ctx, e); err != nil {
			return err
		}
	}

	return l.seeder.SaveExpense(l.ctx, billing.Expense{
		ID:             "ex-harbor-1",
		ProjectID:      l.project,
		Date:           l.day(4),
		Amount:         decimal.NewFromInt(200),
		Category:       "Travel",
		Description:    "Site visit mileage",
		Billable:       true,
		ApprovalStatus: billing.ApprovalApproved,
		Status:         billing.ExpenseApproved,
	})
}

func (l scenarioLoader) percentageSecondInvoice() error {
	if err := l.seeder.SaveTask(l.ctx, billing.Task{
		ID:          "task-atrium-cd",
		ProjectID:   l.project,
		Name:        "Construction Documents",
		TotalBudget: billing.DecimalPtr(decimal.NewFromInt(10000)),
		BillingMode: billing.ModeUnset,
	}); err != nil {
		return err
	}
	if err := l.seeder.SaveTask(l.ctx, billing.Task{
		ID:            "task-atrium-ca",
		ProjectID:     l.project,
		Name:          "Construction Administration",
		EstimatedFees: billing.DecimalPtr(decimal.NewFromInt(4000)),
		BillingMode:   billing.ModeUnset,
	}); err != nil {
		return err
	}
	return l.priorInvoice("inv-atrium-1", billing.ModePercentage, "task-atrium-cd",
		decimal.NewFromInt(20), decimal.NewFromInt(2000), 30)
}

func (l scenarioLoader) milestoneCloseout() error {
	if err := l.seeder.SaveTask(l.ctx, billing.Task{
		ID:          "task-bridge-permit",
		ProjectID:   l.project,
		Name:        "Permitting",
		TotalBudget: billing.DecimalPtr(decimal.NewFromInt(5000)),
		BillingMode: billing.ModeUnset,
	}); err != nil {
		return err
	}
	return l.priorInvoice("inv-bridge-1", billing.ModeMilestone, "task-bridge-permit",
		decimal.NewFromInt(90), decimal.NewFromInt(4500), 45)
}

func (l scenarioLoader) lockedMode() error {
	if err := l.seeder.SaveTask(l.ctx, billing.Task{
		ID:          "task-depot-survey",
		ProjectID:   l.project,
		Name:        "Existing Conditions Survey",
		TotalBudget: billing.DecimalPtr(decimal.NewFromInt(8000)),
		BillingMode: billing.ModeTimeMaterials,
	}); err != nil {
		return err
	}
	return l.seeder.SaveTask(l.ctx, billing.Task{
		ID:          "task-depot-design",
		ProjectID:   l.project,
		Name:        "Design Development",
		TotalBudget: billing.DecimalPtr(decimal.NewFromInt(12000)),
		BillingMode: billing.ModeUnset,
	})
}

// priorInvoice records an earlier invoice for one task and applies it to the
// task, the same way a commit would.
func (l scenarioLoader) priorInvoice(id billing.InvoiceID, mode billing.Mode, taskID billing.TaskID, pct, amount decimal.Decimal, daysAgo int) error {
	createdAt := l.now.AddDate(0, 0, -daysAgo)
	if err := l.store.CreateInvoice(l.ctx, billing.Invoice{
		ID:          id,
		ProjectID:   l.project,
		BillingMode: mode,
		Subtotal:    amount,
		TaxRate:     decimal.Zero,
		TaxAmount:   decimal.Zero,
		Total:       amount,
		Status:      billing.InvoiceDraft,
		CreatedAt:   createdAt,
	}); err != nil {
		return err
	}
	if err := l.store.CreateLineItems(l.ctx, []billing.LineItem{{
		ID:                    billing.LineItemID(string(id) + "-1"),
		InvoiceID:             id,
		Source:                billing.SourceTask,
		TaskID:                &taskID,
		Description:           "Prior billing",
		Quantity:              decimal.NewFromInt(1),
		Rate:                  amount,
		Amount:                amount,
		BillingPercentage:     billing.DecimalPtr(pct),
		PriorBilledPercentage: billing.DecimalPtr(decimal.Zero),
		CreatedAt:             createdAt,
	}}); err != nil {
		return err
	}
	return l.store.ApplyTaskBilling(l.ctx, billing.TaskBillingUpdate{
		TaskID:        taskID,
		AddPercentage: pct,
		AddAmount:     amount,
		Mode:          mode,
	})
}
