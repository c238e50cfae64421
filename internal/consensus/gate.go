// Package consensus implements the operational-mode gate: a two-phase
// threshold vote over the authorized membership. While the membership is
// below the bootstrap threshold the owner flips the mode directly; at or
// above it, every change request becomes a vote and the mode flips once
// half of the authorized members (floor comparison) have asked for it.
package consensus

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrAlreadyVoted = errors.New("airline already voted this round")

// Mode is the global operating mode. Every mutating operation outside the
// gate itself is rejected while the mode is Suspended.
type Mode int

const (
	ModeSuspended Mode = iota
	ModeOperational
)

func (m Mode) String() string {
	switch m {
	case ModeOperational:
		return "operational"
	case ModeSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Phase selects who may change the mode.
type Phase int

const (
	// PhaseBootstrap: the owner flips the mode unilaterally.
	PhaseBootstrap Phase = iota
	// PhaseConsensus: mode changes require a membership vote.
	PhaseConsensus
)

func (p Phase) String() string {
	if p == PhaseBootstrap {
		return "bootstrap"
	}
	return "consensus"
}

// PhaseFor returns the phase for a given membership size.
func PhaseFor(authorizedCount, maxAirlines int) Phase {
	if authorizedCount < maxAirlines {
		return PhaseBootstrap
	}
	return PhaseConsensus
}

// Gate holds the mode and the running vote round.
type Gate struct {
	mu sync.Mutex

	mode   Mode
	votes  int
	voters map[uuid.UUID]struct{}

	// carryOver preserves the legacy tally arithmetic: after a flip the
	// round restarts at authorizedCount - votes instead of zero. Off by
	// default; only deployments needing the historical behavior set it.
	carryOver bool
}

// NewGate creates a gate in the given mode.
func NewGate(initial Mode, carryOver bool) *Gate {
	return &Gate{
		mode:      initial,
		voters:    make(map[uuid.UUID]struct{}),
		carryOver: carryOver,
	}
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Votes returns the running tally of the current round.
func (g *Gate) Votes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.votes
}

// Set flips the mode directly. Bootstrap phase only; the caller has already
// verified ownership. Any in-flight round is discarded.
func (g *Gate) Set(m Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.mode = m
	g.votes = 0
	g.voters = make(map[uuid.UUID]struct{})
}

// CastVote records one vote toward the desired mode. Each voter counts once
// per round. When the tally reaches authorizedCount/2 (floor, >= comparison)
// the mode flips and the round resets; the flip is reported in changed.
func (g *Gate) CastVote(voter uuid.UUID, desired Mode, authorizedCount int) (changed bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.voters[voter]; dup {
		return false, ErrAlreadyVoted
	}
	g.voters[voter] = struct{}{}
	g.votes++

	if g.votes < authorizedCount/2 {
		return false, nil
	}

	g.mode = desired
	if g.carryOver {
		g.votes = authorizedCount - g.votes
	} else {
		g.votes = 0
	}
	g.voters = make(map[uuid.UUID]struct{})
	return true, nil
}
