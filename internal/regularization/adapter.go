// Package regularization adapts attendance regularization requests onto the
// generic approval workflow.
package regularization

import (
	"encoding/json"
	"fmt"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
	"github.com/quillhr/approvalflow/pkg/utils"
)

// Domain is the route segment for regularization requests
const Domain = "regularization"

// Payload is the regularization-specific request body. WorkedMinutes is
// derived and always recomputed server-side.
type Payload struct {
	Date          string `json:"date"`
	CheckIn       string `json:"check_in"`
	CheckOut      string `json:"check_out"`
	Reason        string `json:"reason"`
	WorkedMinutes int    `json:"worked_minutes"`
}

// Adapter implements port.DomainAdapter for attendance regularization
type Adapter struct{}

// NewAdapter creates a regularization adapter
func NewAdapter() *Adapter { return &Adapter{} }

// Name implements port.DomainAdapter
func (a *Adapter) Name() string { return Domain }

// ValidatePayload implements port.DomainAdapter
func (a *Adapter) ValidatePayload(raw json.RawMessage) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed regularization payload: %v", workflow.ErrValidation, err)
	}
	return normalize(p)
}

// ApplyPatch implements port.DomainAdapter
func (a *Adapter) ApplyPatch(current, patch json.RawMessage) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(current, &p); err != nil {
		return nil, fmt.Errorf("%w: stored regularization payload unreadable: %v", workflow.ErrValidation, err)
	}

	var delta struct {
		Date     *string `json:"date"`
		CheckIn  *string `json:"check_in"`
		CheckOut *string `json:"check_out"`
		Reason   *string `json:"reason"`
	}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, fmt.Errorf("%w: malformed regularization patch: %v", workflow.ErrValidation, err)
	}

	if delta.Date != nil {
		p.Date = *delta.Date
	}
	if delta.CheckIn != nil {
		p.CheckIn = *delta.CheckIn
	}
	if delta.CheckOut != nil {
		p.CheckOut = *delta.CheckOut
	}
	if delta.Reason != nil {
		p.Reason = *delta.Reason
	}

	return normalize(p)
}

// AutoApprove implements port.DomainAdapter. Attendance corrections always
// need human review.
func (a *Adapter) AutoApprove(json.RawMessage) bool { return false }

// Summarize implements port.DomainAdapter
func (a *Adapter) Summarize(payload json.RawMessage) []port.SummaryField {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return []port.SummaryField{
		{Label: "Date", Value: p.Date},
		{Label: "Check In", Value: p.CheckIn},
		{Label: "Check Out", Value: p.CheckOut},
		{Label: "Worked Minutes", Value: fmt.Sprintf("%d", p.WorkedMinutes)},
		{Label: "Reason", Value: p.Reason},
	}
}

func normalize(p Payload) (json.RawMessage, error) {
	if _, err := utils.ParseDate(p.Date); err != nil {
		return nil, fmt.Errorf("%w: date: %v", workflow.ErrValidation, err)
	}

	in, err := utils.ParseTimeOfDay(p.CheckIn)
	if err != nil {
		return nil, fmt.Errorf("%w: check_in: %v", workflow.ErrValidation, err)
	}
	out, err := utils.ParseTimeOfDay(p.CheckOut)
	if err != nil {
		return nil, fmt.Errorf("%w: check_out: %v", workflow.ErrValidation, err)
	}
	if !out.After(in) {
		return nil, fmt.Errorf("%w: check_out must be after check_in", workflow.ErrValidation)
	}

	if p.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", workflow.ErrValidation)
	}
	p.Reason = utils.SanitizeString(p.Reason)
	p.WorkedMinutes = int(out.Sub(in).Minutes())

	return json.Marshal(p)
}

var _ port.DomainAdapter = (*Adapter)(nil)
