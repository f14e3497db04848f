// Package reimbursement adapts expense claims onto the generic approval
// workflow.
package reimbursement

import (
	"encoding/json"
	"fmt"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
	"github.com/quillhr/approvalflow/pkg/utils"
)

// Domain is the route segment for reimbursement claims
const Domain = "reimbursement"

// Category constants for claim items
const (
	CategoryTravel        = "travel"
	CategoryMeal          = "meal"
	CategoryAccommodation = "accommodation"
	CategoryEquipment     = "equipment"
	CategoryCommunication = "communication"
	CategoryOther         = "other"
)

var validCategories = map[string]bool{
	CategoryTravel:        true,
	CategoryMeal:          true,
	CategoryAccommodation: true,
	CategoryEquipment:     true,
	CategoryCommunication: true,
	CategoryOther:         true,
}

// Payload is the claim-specific request body
type Payload struct {
	Category    string  `json:"category"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	ExpenseDate string  `json:"expense_date"`
}

// Adapter implements port.DomainAdapter for reimbursement claims
type Adapter struct {
	// autoApproveLimit below which claims skip human approval; zero
	// disables the shortcut
	autoApproveLimit float64
}

// NewAdapter creates a reimbursement adapter
func NewAdapter(autoApproveLimit float64) *Adapter {
	return &Adapter{autoApproveLimit: autoApproveLimit}
}

// Name implements port.DomainAdapter
func (a *Adapter) Name() string { return Domain }

// ValidatePayload implements port.DomainAdapter
func (a *Adapter) ValidatePayload(raw json.RawMessage) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed claim payload: %v", workflow.ErrValidation, err)
	}
	return normalize(p)
}

// ApplyPatch implements port.DomainAdapter
func (a *Adapter) ApplyPatch(current, patch json.RawMessage) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(current, &p); err != nil {
		return nil, fmt.Errorf("%w: stored claim payload unreadable: %v", workflow.ErrValidation, err)
	}

	var delta struct {
		Category    *string  `json:"category"`
		Amount      *float64 `json:"amount"`
		Currency    *string  `json:"currency"`
		Description *string  `json:"description"`
		ExpenseDate *string  `json:"expense_date"`
	}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, fmt.Errorf("%w: malformed claim patch: %v", workflow.ErrValidation, err)
	}

	if delta.Category != nil {
		p.Category = *delta.Category
	}
	if delta.Amount != nil {
		p.Amount = *delta.Amount
	}
	if delta.Currency != nil {
		p.Currency = *delta.Currency
	}
	if delta.Description != nil {
		p.Description = *delta.Description
	}
	if delta.ExpenseDate != nil {
		p.ExpenseDate = *delta.ExpenseDate
	}

	return normalize(p)
}

// AutoApprove implements port.DomainAdapter: small claims under the
// configured limit need no human approval
func (a *Adapter) AutoApprove(payload json.RawMessage) bool {
	if a.autoApproveLimit <= 0 {
		return false
	}
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	return p.Amount > 0 && p.Amount <= a.autoApproveLimit
}

// Summarize implements port.DomainAdapter
func (a *Adapter) Summarize(payload json.RawMessage) []port.SummaryField {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return []port.SummaryField{
		{Label: "Category", Value: p.Category},
		{Label: "Amount", Value: fmt.Sprintf("%.2f %s", p.Amount, p.Currency)},
		{Label: "Expense Date", Value: p.ExpenseDate},
		{Label: "Description", Value: p.Description},
	}
}

func normalize(p Payload) (json.RawMessage, error) {
	if !validCategories[p.Category] {
		return nil, fmt.Errorf("%w: unknown claim category %q", workflow.ErrValidation, p.Category)
	}
	if err := utils.ValidateAmount(p.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrValidation, err)
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if _, err := utils.ParseDate(p.ExpenseDate); err != nil {
		return nil, fmt.Errorf("%w: expense_date: %v", workflow.ErrValidation, err)
	}

	p.Description = utils.SanitizeString(p.Description)
	return json.Marshal(p)
}

var _ port.DomainAdapter = (*Adapter)(nil)
