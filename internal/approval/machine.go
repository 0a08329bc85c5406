package approval

// NextOnApprove returns the status after role approves a request currently in
// current. Encoding the two intermediate states (rather than a counter) makes
// re-approval by the same role a detectable no-op and keeps the state space
// finite.
func NextOnApprove(current Status, role Role) (Status, error) {
	if current.Terminal() {
		return current, ErrTerminalState
	}
	switch role {
	case RoleClientHead:
		switch current {
		case StatusPending:
			return StatusClientHeadApproved, nil
		case StatusProjectSponsorApproved:
			return StatusApproved, nil
		case StatusClientHeadApproved:
			return current, ErrAlreadyApproved
		}
	case RoleProjectSponsor:
		switch current {
		case StatusPending:
			return StatusProjectSponsorApproved, nil
		case StatusClientHeadApproved:
			return StatusApproved, nil
		case StatusProjectSponsorApproved:
			return current, ErrAlreadyApproved
		}
	}
	return current, ErrInvalidRole
}

// CheckRejectable verifies a rejection is possible from current.
func CheckRejectable(current Status) error {
	if current.Terminal() {
		return ErrTerminalState
	}
	return nil
}
