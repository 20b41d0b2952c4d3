package scheduling

// transitions is the full status authority. Terminal statuses have no entry.
// The system role may cancel any non-terminal appointment as an
// administrative override.
var transitions = map[Status]map[Role][]Status{
	StatusPending: {
		RoleProvider: {StatusApproved, StatusRejected},
		RolePatient:  {StatusCancelled},
		RoleSystem:   {StatusCancelled},
	},
	StatusApproved: {
		RoleProvider: {StatusCompleted, StatusNoShow},
		RolePatient:  {StatusCancelled},
		RoleSystem:   {StatusCancelled},
	},
}

// AllowedTransitions returns the statuses role may move an appointment to
// from the given status. The result is a fresh slice.
func AllowedTransitions(from Status, role Role) []Status {
	allowed := transitions[from][role]
	out := make([]Status, len(allowed))
	copy(out, allowed)
	return out
}

func CanTransition(from, to Status, role Role) bool {
	for _, s := range transitions[from][role] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition distinguishes a wrong state (InvalidTransitionError) from a
// wrong role (PermissionError). A transition is a permission problem only
// when some other role could legally perform it.
func CheckTransition(from, to Status, role Role) error {
	if !role.Valid() {
		return &PermissionError{Role: role, Action: "change appointment status"}
	}
	if !to.Valid() || from.Terminal() || from == to {
		return &InvalidTransitionError{From: from, To: to}
	}
	if CanTransition(from, to, role) {
		return nil
	}
	for other := range transitions[from] {
		if other != role && CanTransition(from, to, other) {
			return &PermissionError{Role: role, Action: "move a " + string(from) + " appointment to " + string(to)}
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// CanReschedule reports whether date/time may still change. Rescheduling
// keeps the status as is and is not a transition.
func CanReschedule(s Status) bool {
	return s == StatusPending || s == StatusApproved
}
