package workflow

import "fmt"

// Status represents the overall lifecycle state of an approvable request
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusApproved:  true,
	StatusRejected:  true,
	StatusCancelled: true,
}

// IsTerminal returns true if no further stage transitions are allowed.
// Cancelled and rejected are always terminal; approved is terminal for the
// chain but may still be cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// IsValid returns true if the status is a known lifecycle status
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// StageStatus represents the outcome recorded for a single stage
type StageStatus string

const (
	StagePending  StageStatus = "pending"
	StageApproved StageStatus = "approved"
	StageRejected StageStatus = "rejected"
)

// String returns the string representation of the stage status
func (s StageStatus) String() string {
	return string(s)
}

// Action is the transition requested by a bulk operation
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction converts a wire value into an Action
func ParseAction(v string) (Action, error) {
	switch Action(v) {
	case ActionApprove:
		return ActionApprove, nil
	case ActionReject:
		return ActionReject, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, v)
	}
}
