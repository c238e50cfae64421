package engine

import "errors"

var (
	// ErrNotOperational rejects every mutating operation while the gate
	// is suspended.
	ErrNotOperational = errors.New("contract is not operational")

	// ErrNotOwner rejects bootstrap-phase mode changes from anyone but
	// the bootstrapping identity.
	ErrNotOwner = errors.New("caller is not the contract owner")

	// ErrIdentityMismatch rejects calls where the authenticated caller is
	// not the party the operation requires.
	ErrIdentityMismatch = errors.New("caller identity does not match required party")

	// ErrInvariantViolated is returned by CheckInvariants when a derived
	// counter has drifted from the records it summarizes.
	ErrInvariantViolated = errors.New("derived invariant violated")
)
