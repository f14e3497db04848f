package workflow

// Trigger is an operation that attempts to move a request through its
// lifecycle
type Trigger string

const (
	// TriggerSubmit creates a request; it appears in the audit trail but
	// never fires against an existing status
	TriggerSubmit  Trigger = "SUBMIT"
	TriggerApprove Trigger = "APPROVE"
	TriggerReject  Trigger = "REJECT"
	TriggerEdit    Trigger = "EDIT"
	TriggerCancel  Trigger = "CANCEL"
	TriggerDelete  Trigger = "DELETE"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}

// permitted maps each lifecycle status to the triggers that may fire from
// it. This is a fast-fail table only; the authoritative gate is the store's
// conditional write, which re-checks status and stage atomically.
var permitted = map[Status]map[Trigger]bool{
	StatusPending: {
		TriggerApprove: true,
		TriggerReject:  true,
		TriggerEdit:    true,
		TriggerCancel:  true,
		TriggerDelete:  true,
	},
	StatusApproved: {
		TriggerCancel: true,
	},
	StatusRejected: {
		TriggerDelete: true,
	},
	StatusCancelled: {
		TriggerDelete: true,
	},
}

// CanFire returns true if the trigger is permitted for a request in the
// given status
func CanFire(status Status, trigger Trigger) bool {
	return permitted[status][trigger]
}

// PermittedTriggers returns all triggers that may fire from the given status
func PermittedTriggers(status Status) []Trigger {
	var out []Trigger
	for _, t := range []Trigger{TriggerApprove, TriggerReject, TriggerEdit, TriggerCancel, TriggerDelete} {
		if permitted[status][t] {
			out = append(out, t)
		}
	}
	return out
}
