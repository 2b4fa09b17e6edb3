/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

NUMBERS:
  Money, hours, and percentages are decimal.Decimal and serialize as JSON
  strings ("1250.00"), never floats. Requests accept strings or numbers.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billdora/billing-engine/billing"
	"github.com/billdora/billing-engine/session"
)

// =============================================================================
// CANDIDATES
// =============================================================================

// TaskDTO represents a billable task.
type TaskDTO struct {
	ID                  string           `json:"id"`
	ProjectID           string           `json:"project_id"`
	Name                string           `json:"name"`
	Budget              decimal.Decimal  `json:"budget"`
	TotalBudget         *decimal.Decimal `json:"total_budget,omitempty"`
	EstimatedFees       *decimal.Decimal `json:"estimated_fees,omitempty"`
	BilledPercentage    decimal.Decimal  `json:"billed_percentage"`
	BilledAmount        decimal.Decimal  `json:"billed_amount"`
	RemainingPercentage decimal.Decimal  `json:"remaining_percentage"`
	BillingMode         string           `json:"billing_mode"`
}

// TimeEntryDTO represents an unbilled time entry.
type TimeEntryDTO struct {
	ID          string           `json:"id"`
	TaskID      *string          `json:"task_id,omitempty"`
	Date        string           `json:"date"`
	Hours       decimal.Decimal  `json:"hours"`
	HourlyRate  *decimal.Decimal `json:"hourly_rate,omitempty"`
	Description string           `json:"description"`
}

// ExpenseDTO represents an unbilled expense.
type ExpenseDTO struct {
	ID          string          `json:"id"`
	Date        string          `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
}

// CandidatesDTO is everything a session may bill.
type CandidatesDTO struct {
	Tasks       []TaskDTO      `json:"tasks"`
	TimeEntries []TimeEntryDTO `json:"time_entries"`
	Expenses    []ExpenseDTO   `json:"expenses"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// =============================================================================
// SELECTION & CALCULATION
// =============================================================================

// SelectionDTO is the wire form of billing.Selection. Also the preview body.
type SelectionDTO struct {
	Mode        string                     `json:"mode"`
	TimeEntries []string                   `json:"time_entries"`
	Expenses    []string                   `json:"expenses"`
	Tasks       map[string]decimal.Decimal `json:"tasks"`
}

// TaskAllocationDTO is the resolved billing for one task.
type TaskAllocationDTO struct {
	TaskID           string          `json:"task_id"`
	TaskName         string          `json:"task_name"`
	Budget           decimal.Decimal `json:"budget"`
	PriorPercentage  decimal.Decimal `json:"prior_percentage"`
	PercentageToBill decimal.Decimal `json:"percentage_to_bill"`
	AmountToBill     decimal.Decimal `json:"amount_to_bill"`
}

// TimeLineDTO is one selected time entry with its rate resolved.
type TimeLineDTO struct {
	TimeEntryID string          `json:"time_entry_id"`
	TaskID      *string         `json:"task_id,omitempty"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Hours       decimal.Decimal `json:"hours"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
}

// ExpenseLineDTO is one selected expense.
type ExpenseLineDTO struct {
	ExpenseID   string          `json:"expense_id"`
	Date        string          `json:"date"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// NTEWarningDTO flags a task billed past its budget.
type NTEWarningDTO struct {
	TaskID   string          `json:"task_id"`
	TaskName string          `json:"task_name"`
	Budget   decimal.Decimal `json:"budget"`
	Billed   decimal.Decimal `json:"billed"`
	Overage  decimal.Decimal `json:"overage"`
	Message  string          `json:"message"`
}

// CalculationDTO is the engine output.
type CalculationDTO struct {
	Mode            string              `json:"mode"`
	Subtotal        decimal.Decimal     `json:"subtotal"`
	TaxRate         decimal.Decimal     `json:"tax_rate"`
	TaxAmount       decimal.Decimal     `json:"tax_amount"`
	Total           decimal.Decimal     `json:"total"`
	TotalDisplay    string              `json:"total_display"`
	Tasks           []TaskAllocationDTO `json:"tasks"`
	TimeLines       []TimeLineDTO       `json:"time_lines"`
	ExpenseLines    []ExpenseLineDTO    `json:"expense_lines"`
	TimeTotal       decimal.Decimal     `json:"time_total"`
	ExpenseTotal    decimal.Decimal     `json:"expense_total"`
	TotalHours      decimal.Decimal     `json:"total_hours"`
	NTEWarnings     []NTEWarningDTO     `json:"nte_warnings"`
	Valid           bool                `json:"valid"`
	ValidationCode  string              `json:"validation_code,omitempty"`
	ValidationError string              `json:"validation_error,omitempty"`
}

// PreviewResponse is a stateless engine run.
type PreviewResponse struct {
	Calculation CalculationDTO `json:"calculation"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// =============================================================================
// SESSIONS
// =============================================================================

// OpenSessionRequest starts a billing session.
type OpenSessionRequest struct {
	Mode string `json:"mode"`
}

// SwitchModeRequest changes a session's billing mode.
type SwitchModeRequest struct {
	Mode string `json:"mode"`
}

// TaskSelectionRequest selects a task. Percentage is optional; without it the
// mode default applies.
type TaskSelectionRequest struct {
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
}

// SessionDTO is a session snapshot.
type SessionDTO struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	State        string         `json:"state"`
	Mode         string         `json:"mode"`
	Selection    SelectionDTO   `json:"selection"`
	Calculation  CalculationDTO `json:"calculation"`
	Candidates   CandidatesDTO  `json:"candidates"`
	LoadWarnings []string       `json:"load_warnings,omitempty"`
	InvoiceID    string         `json:"invoice_id,omitempty"`
}

// ToggleResponse reports the new state of a toggled record.
type ToggleResponse struct {
	Selected    bool           `json:"selected"`
	Calculation CalculationDTO `json:"calculation"`
}

// StepDTO is one commit write.
type StepDTO struct {
	Kind    string `json:"kind"`
	Ref     string `json:"ref"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CommitResponse is returned when an invoice was written.
type CommitResponse struct {
	InvoiceID     string     `json:"invoice_id"`
	Invoice       InvoiceDTO `json:"invoice"`
	Transactional bool       `json:"transactional"`
	Partial       bool       `json:"partial"`
	Steps         []StepDTO  `json:"steps"`
	Error         string     `json:"error,omitempty"`
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceDTO represents an invoice.
type InvoiceDTO struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	BillingMode string          `json:"billing_mode"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	Total       decimal.Decimal `json:"total"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
}

// LineItemDTO represents an invoice line.
type LineItemDTO struct {
	ID                    string           `json:"id"`
	Source                string           `json:"source"`
	TaskID                *string          `json:"task_id,omitempty"`
	TimeEntryID           *string          `json:"time_entry_id,omitempty"`
	ExpenseID             *string          `json:"expense_id,omitempty"`
	Description           string           `json:"description"`
	Quantity              decimal.Decimal  `json:"quantity"`
	Rate                  decimal.Decimal  `json:"rate"`
	Amount                decimal.Decimal  `json:"amount"`
	BillingPercentage     *decimal.Decimal `json:"billing_percentage,omitempty"`
	PriorBilledPercentage *decimal.Decimal `json:"prior_billed_percentage,omitempty"`
}

// InvoiceDetailDTO is an invoice with its lines.
type InvoiceDetailDTO struct {
	Invoice   InvoiceDTO    `json:"invoice"`
	LineItems []LineItemDTO `json:"line_items"`
}

// TaskBillingRecordDTO is one entry in a task's billing ledger.
type TaskBillingRecordDTO struct {
	InvoiceID        string          `json:"invoice_id"`
	LineItemID       string          `json:"line_item_id"`
	InvoiceCreatedAt string          `json:"invoice_created_at"`
	Percentage       decimal.Decimal `json:"percentage"`
	Amount           decimal.Decimal `json:"amount"`
	PriorPercentage  decimal.Decimal `json:"prior_percentage"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ProjectID   string `json:"project_id"`
	Mode        string `json:"mode"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const dateLayout = "2006-01-02"

func toTaskDTO(t billing.Task) TaskDTO {
	return TaskDTO{
		ID:                  string(t.ID),
		ProjectID:           string(t.ProjectID),
		Name:                t.Name,
		Budget:              t.Budget(),
		TotalBudget:         t.TotalBudget,
		EstimatedFees:       t.EstimatedFees,
		BilledPercentage:    t.BilledPercentage,
		BilledAmount:        t.BilledAmount,
		RemainingPercentage: t.RemainingPercentage(),
		BillingMode:         string(t.BillingMode),
	}
}

func toCandidatesDTO(c session.Candidates, warnings []string) CandidatesDTO {
	dto := CandidatesDTO{
		Tasks:       make([]TaskDTO, 0, len(c.Tasks)),
		TimeEntries: make([]TimeEntryDTO, 0, len(c.TimeEntries)),
		Expenses:    make([]ExpenseDTO, 0, len(c.Expenses)),
		Warnings:    warnings,
	}
	for _, t := range c.Tasks {
		dto.Tasks = append(dto.Tasks, toTaskDTO(t))
	}
	for _, e := range c.TimeEntries {
		dto.TimeEntries = append(dto.TimeEntries, TimeEntryDTO{
			ID:          string(e.ID),
			TaskID:      idPtr(e.TaskID),
			Date:        e.Date.Format(dateLayout),
			Hours:       e.Hours,
			HourlyRate:  e.HourlyRate,
			Description: e.Description,
		})
	}
	for _, x := range c.Expenses {
		dto.Expenses = append(dto.Expenses, ExpenseDTO{
			ID:          string(x.ID),
			Date:        x.Date.Format(dateLayout),
			Amount:      x.Amount,
			Category:    x.Category,
			Description: x.Description,
		})
	}
	return dto
}

func toSelectionDTO(s billing.Selection) SelectionDTO {
	dto := SelectionDTO{
		Mode:        string(s.Mode),
		TimeEntries: make([]string, 0, len(s.TimeEntries)),
		Expenses:    make([]string, 0, len(s.Expenses)),
		Tasks:       make(map[string]decimal.Decimal, len(s.Tasks)),
	}
	for id := range s.TimeEntries {
		dto.TimeEntries = append(dto.TimeEntries, string(id))
	}
	for id := range s.Expenses {
		dto.Expenses = append(dto.Expenses, string(id))
	}
	for id, pct := range s.Tasks {
		dto.Tasks[string(id)] = pct
	}
	sort.Strings(dto.TimeEntries)
	sort.Strings(dto.Expenses)
	return dto
}

func fromSelectionDTO(dto SelectionDTO) billing.Selection {
	sel := billing.NewSelection(billing.ParseMode(dto.Mode))
	for _, id := range dto.TimeEntries {
		sel.TimeEntries[billing.TimeEntryID(id)] = struct{}{}
	}
	for _, id := range dto.Expenses {
		sel.Expenses[billing.ExpenseID(id)] = struct{}{}
	}
	for id, pct := range dto.Tasks {
		sel.Tasks[billing.TaskID(id)] = pct
	}
	return sel
}

func toCalculationDTO(c billing.Calculation) CalculationDTO {
	dto := CalculationDTO{
		Mode:         string(c.Mode),
		Subtotal:     c.Subtotal,
		TaxRate:      c.TaxRate,
		TaxAmount:    c.TaxAmount,
		Total:        c.Total,
		TotalDisplay: billing.FormatCurrency(c.Total),
		Tasks:        make([]TaskAllocationDTO, 0, len(c.Tasks)),
		TimeLines:    make([]TimeLineDTO, 0, len(c.TimeLines)),
		ExpenseLines: make([]ExpenseLineDTO, 0, len(c.ExpenseLines)),
		TimeTotal:    c.TimeTotal,
		ExpenseTotal: c.ExpenseTotal,
		TotalHours:   c.TotalHours,
		NTEWarnings:  make([]NTEWarningDTO, 0, len(c.NTEWarnings)),
		Valid:        c.Valid(),
	}
	if c.Issue != nil {
		dto.ValidationCode = c.Issue.Code
		dto.ValidationError = c.Issue.Message
	}
	for _, a := range c.Tasks {
		dto.Tasks = append(dto.Tasks, TaskAllocationDTO{
			TaskID:           string(a.TaskID),
			TaskName:         a.TaskName,
			Budget:           a.Budget,
			PriorPercentage:  a.PriorPercentage,
			PercentageToBill: a.PercentageToBill,
			AmountToBill:     a.AmountToBill,
		})
	}
	for _, l := range c.TimeLines {
		dto.TimeLines = append(dto.TimeLines, TimeLineDTO{
			TimeEntryID: string(l.TimeEntryID),
			TaskID:      idPtr(l.TaskID),
			Date:        l.Date.Format(dateLayout),
			Description: l.Description,
			Hours:       l.Hours,
			Rate:        l.Rate,
			Amount:      l.Amount,
		})
	}
	for _, l := range c.ExpenseLines {
		dto.ExpenseLines = append(dto.ExpenseLines, ExpenseLineDTO{
			ExpenseID:   string(l.ExpenseID),
			Date:        l.Date.Format(dateLayout),
			Category:    l.Category,
			Description: l.Description,
			Amount:      l.Amount,
		})
	}
	for _, w := range c.NTEWarnings {
		dto.NTEWarnings = append(dto.NTEWarnings, NTEWarningDTO{
			TaskID:   string(w.TaskID),
			TaskName: w.TaskName,
			Budget:   w.Budget,
			Billed:   w.Billed,
			Overage:  w.Overage,
			Message:  w.String(),
		})
	}
	return dto
}

func toSessionDTO(s *session.Session) SessionDTO {
	return SessionDTO{
		ID:           s.ID,
		ProjectID:    string(s.ProjectID),
		State:        s.State(),
		Mode:         string(s.Mode()),
		Selection:    toSelectionDTO(s.Selection()),
		Calculation:  toCalculationDTO(s.Calculation()),
		Candidates:   toCandidatesDTO(s.Candidates(), nil),
		LoadWarnings: s.LoadWarnings(),
		InvoiceID:    string(s.InvoiceID()),
	}
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:          string(inv.ID),
		ProjectID:   string(inv.ProjectID),
		BillingMode: string(inv.BillingMode),
		Subtotal:    inv.Subtotal,
		TaxRate:     inv.TaxRate,
		TaxAmount:   inv.TaxAmount,
		Total:       inv.Total,
		Status:      string(inv.Status),
		CreatedAt:   inv.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toLineItemDTO(item billing.LineItem) LineItemDTO {
	return LineItemDTO{
		ID:                    string(item.ID),
		Source:                string(item.Source),
		TaskID:                idPtr(item.TaskID),
		TimeEntryID:           idPtr(item.TimeEntryID),
		ExpenseID:             idPtr(item.ExpenseID),
		Description:           item.Description,
		Quantity:              item.Quantity,
		Rate:                  item.Rate,
		Amount:                item.Amount,
		BillingPercentage:     item.BillingPercentage,
		PriorBilledPercentage: item.PriorBilledPercentage,
	}
}

func toInvoiceDetailDTO(d *session.InvoiceDetail) InvoiceDetailDTO {
	dto := InvoiceDetailDTO{
		Invoice:   toInvoiceDTO(d.Invoice),
		LineItems: make([]LineItemDTO, 0, len(d.Lines)),
	}
	for _, line := range d.Lines {
		item := toLineItemDTO(line.LineItem)
		// The ledger is authoritative for display.
		if line.PriorPercentage != nil {
			item.PriorBilledPercentage = line.PriorPercentage
		}
		dto.LineItems = append(dto.LineItems, item)
	}
	return dto
}

func toStepDTOs(steps []session.Step) []StepDTO {
	out := make([]StepDTO, 0, len(steps))
	for _, s := range steps {
		dto := StepDTO{Kind: string(s.Kind), Ref: s.Ref, Status: string(s.Status)}
		if s.Status == session.StepFailed {
			dto.Message = s.Message()
		}
		out = append(out, dto)
	}
	return out
}

func idPtr[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
