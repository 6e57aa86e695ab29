package collab

import "fmt"

// Decision is a resolver's verdict on one conflict.
type Decision struct {
	Resolution Resolution
	WinnerID   string // required for ResolutionLastWriterWins
	Value      any    // required for ResolutionMerged
}

// Resolver decides a conflict between an existing change and the incoming
// change that overlaps it. It runs under the session lock and must not call
// back into the session.
type Resolver func(existing, incoming Change) (Decision, error)

// LastWriterWins is the default resolver: the change with the later
// AppliedAt wins, ties broken by the lexicographically greater user ID.
// Arrival order does not matter.
func LastWriterWins(existing, incoming Change) (Decision, error) {
	winner := existing
	if later(incoming, existing) {
		winner = incoming
	}
	return Decision{
		Resolution: ResolutionLastWriterWins,
		WinnerID:   winner.ID,
		Value:      winner.NewValue,
	}, nil
}

// later reports whether a orders after b.
func later(a, b Change) bool {
	if !a.AppliedAt.Equal(b.AppliedAt) {
		return a.AppliedAt.After(b.AppliedAt)
	}
	return a.UserID > b.UserID
}

func validateDecision(d Decision, existing, incoming Change) error {
	switch d.Resolution {
	case ResolutionLastWriterWins:
		if d.WinnerID != existing.ID && d.WinnerID != incoming.ID {
			return fmt.Errorf("%w: winner %q is not part of the conflict", ErrInvalidDecision, d.WinnerID)
		}
	case ResolutionMerged, ResolutionRejected:
	default:
		return fmt.Errorf("%w: resolution %q", ErrInvalidDecision, d.Resolution)
	}
	return nil
}

func callResolver(r Resolver, existing, incoming Change) (d Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resolver panic: %v", rec)
		}
	}()
	d, err = r(existing, incoming)
	if err != nil {
		return Decision{}, err
	}
	if err := validateDecision(d, existing, incoming); err != nil {
		return Decision{}, err
	}
	return d, nil
}
