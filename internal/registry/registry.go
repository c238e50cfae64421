// Package registry owns the airline membership: who is registered, who is
// authorized, and the admission votes required once the direct-registration
// cap is reached.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyRegistered = errors.New("airline already registered")
	ErrNotRegistered     = errors.New("airline not registered")
	ErrNotAuthorized     = errors.New("airline not authorized")
	ErrDuplicateVote     = errors.New("sponsor already voted for this candidate")
)

// Airline is one membership record. Authorized implies Registered; records
// are never deleted.
type Airline struct {
	Account         uuid.UUID
	Name            string
	Registered      bool
	Authorized      bool
	OperationalVote bool
	RegisteredAt    time.Time
}

// Registry is the membership book.
type Registry struct {
	mu sync.RWMutex

	// maxDirect is the registered-count cap below which a single
	// authorized sponsor admits a candidate without a vote.
	maxDirect int

	airlines   map[uuid.UUID]*Airline
	authorized int

	// admission tracks per-candidate sponsor votes once the cap is hit.
	admission map[uuid.UUID]map[uuid.UUID]struct{}
}

// New creates an empty registry with the given direct-registration cap.
func New(maxDirect int) *Registry {
	return &Registry{
		maxDirect: maxDirect,
		airlines:  make(map[uuid.UUID]*Airline),
		admission: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Bootstrap installs the owner as the first airline, pre-authorized.
func (r *Registry) Bootstrap(owner uuid.UUID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.airlines[owner] = &Airline{
		Account:         owner,
		Name:            name,
		Registered:      true,
		Authorized:      true,
		OperationalVote: true,
		RegisteredAt:    time.Now(),
	}
	r.authorized = 1
}

// Admit registers a candidate on behalf of a sponsor. Below the cap the
// sponsor's word is enough; at or above it, each call is one admission vote
// and the candidate is registered when half of the authorized members
// (floor comparison) have sponsored it. The authorized count never moves
// here: authorization happens only through funding.
func (r *Registry) Admit(sponsor, candidate uuid.UUID, name string) (registered bool, votes int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.airlines[sponsor]
	if !ok || !s.Authorized {
		return false, 0, ErrNotAuthorized
	}
	if a, ok := r.airlines[candidate]; ok && a.Registered {
		return false, 0, ErrAlreadyRegistered
	}

	if len(r.airlines) < r.maxDirect {
		r.register(candidate, name)
		return true, 0, nil
	}

	voters := r.admission[candidate]
	if voters == nil {
		voters = make(map[uuid.UUID]struct{})
		r.admission[candidate] = voters
	}
	if _, dup := voters[sponsor]; dup {
		return false, len(voters), ErrDuplicateVote
	}
	voters[sponsor] = struct{}{}

	if len(voters) < r.authorized/2 {
		return false, len(voters), nil
	}

	r.register(candidate, name)
	delete(r.admission, candidate)
	return true, 0, nil
}

func (r *Registry) register(account uuid.UUID, name string) {
	r.airlines[account] = &Airline{
		Account:         account,
		Name:            name,
		Registered:      true,
		OperationalVote: true,
		RegisteredAt:    time.Now(),
	}
}

// Authorize flips the authorization flag. The flip happens at most once;
// repeated funding past the threshold reports first=false.
func (r *Registry) Authorize(account uuid.UUID) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.airlines[account]
	if !ok || !a.Registered {
		return false, ErrNotRegistered
	}
	if a.Authorized {
		return false, nil
	}

	a.Authorized = true
	r.authorized++
	return true, nil
}

// IsAirline reports whether the account is registered. Pure read.
func (r *Registry) IsAirline(account uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.airlines[account]
	return ok && a.Registered
}

// IsAuthorized reports whether the account is an authorized member.
func (r *Registry) IsAuthorized(account uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.airlines[account]
	return ok && a.Authorized
}

// Airline returns a copy of the record.
func (r *Registry) Airline(account uuid.UUID) (Airline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.airlines[account]
	if !ok {
		return Airline{}, false
	}
	return *a, true
}

// SetOperationalVote records the last mode-change vote an airline cast.
func (r *Registry) SetOperationalVote(account uuid.UUID, vote bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.airlines[account]; ok {
		a.OperationalVote = vote
	}
}

// AuthorizedCount returns the maintained count of authorized members.
func (r *Registry) AuthorizedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authorized
}

// RegisteredCount returns the number of registered airlines.
func (r *Registry) RegisteredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.airlines)
}

// RecountAuthorized recomputes the authorized count from the records. The
// invariant checker compares it against the maintained counter.
func (r *Registry) RecountAuthorized() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, a := range r.airlines {
		if a.Authorized {
			n++
		}
	}
	return n
}
