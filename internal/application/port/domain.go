package port

import "encoding/json"

// DomainAdapter is what each approvable domain (leave, reimbursement,
// regularization) supplies to the engine: payload validation, patch
// semantics for pre-approval edits, and the auto-approve shortcut. The
// engine itself never inspects payloads.
type DomainAdapter interface {
	// Name is the route segment identifying the domain
	Name() string

	// ValidatePayload checks a submitted payload and returns its normalized
	// form with derived fields (durations, totals) computed
	ValidatePayload(raw json.RawMessage) (json.RawMessage, error)

	// ApplyPatch merges a partial payload into the current one, re-validating
	// and recomputing derived fields
	ApplyPatch(current, patch json.RawMessage) (json.RawMessage, error)

	// AutoApprove reports whether the payload needs no human approval
	AutoApprove(payload json.RawMessage) bool

	// Summarize renders the payload as ordered column/value pairs for
	// listings and exports
	Summarize(payload json.RawMessage) []SummaryField
}

// SummaryField is one column of a payload summary
type SummaryField struct {
	Label string
	Value string
}
