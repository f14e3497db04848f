package workflow

import "fmt"

// Stage represents one step in the sequential approval chain
type Stage string

const (
	StageManager Stage = "manager"
	StageHR      Stage = "hr"
	StageAdmin   Stage = "admin"

	// StageCompleted is the terminal pseudo-stage reached after the chain
	// finishes (approved), aborts (rejected), or short-circuits (auto-approve).
	StageCompleted Stage = "completed"
)

// ApprovalStages lists the actionable stages in chain order
var ApprovalStages = []Stage{StageManager, StageHR, StageAdmin}

var stageOrdinals = map[Stage]int{
	StageManager: 0,
	StageHR:      1,
	StageAdmin:   2,
}

// IsValid returns true if the stage is a known stage (including completed)
func (s Stage) IsValid() bool {
	_, ok := stageOrdinals[s]
	return ok || s == StageCompleted
}

// IsApproval returns true if the stage is one of the three actionable stages
func (s Stage) IsApproval() bool {
	_, ok := stageOrdinals[s]
	return ok
}

// Ordinal returns the stage position in the chain (manager=0, hr=1, admin=2)
func (s Stage) Ordinal() int {
	return stageOrdinals[s]
}

// Next returns the stage that becomes current after this stage is approved.
// The admin stage advances to StageCompleted.
func (s Stage) Next() Stage {
	switch s {
	case StageManager:
		return StageHR
	case StageHR:
		return StageAdmin
	default:
		return StageCompleted
	}
}

// String returns the string representation of the stage
func (s Stage) String() string {
	return string(s)
}

// ParseStage converts a wire value into a Stage, rejecting the terminal
// pseudo-stage since callers can never act on it.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.IsApproval() {
		return "", fmt.Errorf("%w: unknown approval stage %q", ErrValidation, v)
	}
	return s, nil
}
