package domain

// ValidateTransition checks that target is reachable from current in one step.
func ValidateTransition[S ~string](transitions map[S][]S, current, target S) error {
	if current == target {
		return ErrConflict.New("status is already %s", current)
	}
	for _, allowed := range transitions[current] {
		if allowed == target {
			return nil
		}
	}
	return ErrConflict.New("cannot transition from %s to %s", current, target)
}
