// Package engine is the authoritative state-transition core of the mutual
// insurance scheme. It composes the registry, the operational-mode gate and
// the escrow book behind a single serialized entry surface: one mutex, one
// operation at a time, each operation either committing fully or leaving no
// trace. Value moves through the vault substrate; notifications fire only
// after the corresponding mutation has landed.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/aeromutual/internal/consensus"
	"github.com/terminal-bench/aeromutual/internal/escrow"
	"github.com/terminal-bench/aeromutual/internal/registry"
	"github.com/terminal-bench/aeromutual/pkg/messaging"
	"github.com/terminal-bench/aeromutual/pkg/vault"
)

// DefaultMaxAirlines is the registered-count cap after which admissions and
// mode changes require membership consensus.
const DefaultMaxAirlines = 4

// DefaultMinFunding is the minimum value an airline must attach to a
// funding call before it becomes authorized.
var DefaultMinFunding = decimal.NewFromInt(10)

// Config controls engine construction.
type Config struct {
	Owner     uuid.UUID
	OwnerName string

	// MaxAirlines is the consensus threshold; zero means DefaultMaxAirlines.
	MaxAirlines int

	// MinFunding is the authorization funding floor; zero means
	// DefaultMinFunding.
	MinFunding decimal.Decimal

	// CarryOverTally preserves the legacy vote-reset arithmetic in the
	// operational gate.
	CarryOverTally bool
}

// Snapshot is the engine's externally visible status.
type Snapshot struct {
	Mode             consensus.Mode
	Phase            consensus.Phase
	RegisteredCount  int
	AuthorizedCount  int
	ChangeVotes      int
	InsuranceBalance decimal.Decimal
}

// Observer receives a snapshot after every committed mutation.
type Observer interface {
	Observe(Snapshot)
}

// Engine is the contract-level state machine.
type Engine struct {
	// mu enforces the platform's one-operation-at-a-time execution model.
	mu sync.Mutex

	cfg      Config
	registry *registry.Registry
	gate     *consensus.Gate
	book     *escrow.Book
	vault    vault.Vault
	notifier messaging.Notifier
	observer Observer
}

// New bootstraps an engine: the owner is registered as the first airline,
// pre-authorized, and the mode starts operational.
func New(cfg Config, v vault.Vault, n messaging.Notifier) *Engine {
	if cfg.MaxAirlines == 0 {
		cfg.MaxAirlines = DefaultMaxAirlines
	}
	if cfg.MinFunding.IsZero() {
		cfg.MinFunding = DefaultMinFunding
	}

	reg := registry.New(cfg.MaxAirlines)
	reg.Bootstrap(cfg.Owner, cfg.OwnerName)

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		gate:     consensus.NewGate(consensus.ModeOperational, cfg.CarryOverTally),
		book:     escrow.NewBook(),
		vault:    v,
		notifier: n,
	}
	return e
}

// SetObserver attaches a metrics observer. Call before serving traffic.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// operational must be called with e.mu held.
func (e *Engine) operational() error {
	if e.gate.Mode() != consensus.ModeOperational {
		return ErrNotOperational
	}
	return nil
}

func (e *Engine) committed() {
	if e.observer != nil {
		e.observer.Observe(e.snapshot())
	}
}

func (e *Engine) snapshot() Snapshot {
	authorized := e.registry.AuthorizedCount()
	return Snapshot{
		Mode:             e.gate.Mode(),
		Phase:            consensus.PhaseFor(authorized, e.cfg.MaxAirlines),
		RegisteredCount:  e.registry.RegisteredCount(),
		AuthorizedCount:  authorized,
		ChangeVotes:      e.gate.Votes(),
		InsuranceBalance: e.book.InsuranceBalance(),
	}
}

// RegisterAirline admits a new airline on the caller's sponsorship. Below
// the membership cap a single authorized sponsor suffices; above it the
// call counts as one admission vote. The registration notification fires
// only when the record is actually created.
func (e *Engine) RegisterAirline(ctx context.Context, caller uuid.UUID, name string, account uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.operational(); err != nil {
		return err
	}

	registered, _, err := e.registry.Admit(caller, account, name)
	if err != nil {
		return err
	}
	if registered {
		e.notifier.Notify(messaging.NewEvent(messaging.EventTypeAirlineRegistered, messaging.AirlineEvent{
			Airline: account,
			Name:    name,
		}))
	}
	e.committed()
	return nil
}

// IsAirline reports whether the account is registered. Pure read: no gate
// check, no side effects.
func (e *Engine) IsAirline(account uuid.UUID) bool {
	return e.registry.IsAirline(account)
}

// Airline returns the membership record.
func (e *Engine) Airline(account uuid.UUID) (registry.Airline, bool) {
	return e.registry.Airline(account)
}

// Insuree returns the escrow record.
func (e *Engine) Insuree(account uuid.UUID) (escrow.Insuree, bool) {
	return e.book.Insuree(account)
}

// SetOperatingStatus requests a mode change. In the bootstrap phase the
// owner flips the mode directly; in the consensus phase the request is one
// vote from an authorized airline, and the mode flips when the tally
// reaches half the authorized count.
func (e *Engine) SetOperatingStatus(ctx context.Context, caller uuid.UUID, operational bool) (changed bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	desired := consensus.ModeSuspended
	if operational {
		desired = consensus.ModeOperational
	}

	authorized := e.registry.AuthorizedCount()
	switch consensus.PhaseFor(authorized, e.cfg.MaxAirlines) {
	case consensus.PhaseBootstrap:
		if caller != e.cfg.Owner {
			return false, ErrNotOwner
		}
		changed = e.gate.Mode() != desired
		e.gate.Set(desired)

	case consensus.PhaseConsensus:
		if !e.registry.IsAuthorized(caller) {
			return false, registry.ErrNotAuthorized
		}
		changed, err = e.gate.CastVote(caller, desired, authorized)
		if err != nil {
			return false, err
		}
		e.registry.SetOperationalVote(caller, operational)
	}

	e.committed()
	return changed, nil
}

// Buy purchases insurance for a flight. Self-service only: the caller must
// be the insuree, and the declared amount must equal the attached value.
// The premium is transferred to the airline's vault account before any
// bookkeeping lands, so a failed transfer leaves no trace.
func (e *Engine) Buy(ctx context.Context, caller, airline, insuree uuid.UUID, flight string, timestamp int64, amount, value decimal.Decimal) (flightKey string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.operational(); err != nil {
		return "", err
	}
	if caller != insuree {
		return "", ErrIdentityMismatch
	}
	if !amount.Equal(value) || amount.Sign() <= 0 {
		return "", escrow.ErrInvalidAmount
	}
	if !e.registry.IsAirline(airline) {
		return "", registry.ErrNotRegistered
	}

	if err := e.vault.Transfer(ctx, insuree, airline, value); err != nil {
		return "", fmt.Errorf("premium transfer failed: %w", err)
	}
	if err := e.book.RecordPurchase(insuree, amount); err != nil {
		return "", err
	}

	flightKey = escrow.FlightKey(airline, flight, timestamp)
	e.notifier.Notify(messaging.NewEvent(messaging.EventTypeInsurancePurchased, messaging.PurchaseEvent{
		Airline:   airline,
		Insuree:   insuree,
		Flight:    flight,
		Timestamp: timestamp,
		FlightKey: flightKey,
		Amount:    amount.String(),
	}))
	e.committed()
	return flightKey, nil
}

// CreditInsurees credits a payout to an insuree. Bookkeeping only: the
// payout balance is overwritten, never above the insured amount, and no
// value moves until Pay.
func (e *Engine) CreditInsurees(ctx context.Context, caller, airline, insuree uuid.UUID, creditAmount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.operational(); err != nil {
		return err
	}
	if caller != airline {
		return ErrIdentityMismatch
	}
	if !e.registry.IsAuthorized(airline) {
		return registry.ErrNotAuthorized
	}

	if err := e.book.Credit(insuree, creditAmount); err != nil {
		return err
	}

	e.notifier.Notify(messaging.NewEvent(messaging.EventTypeInsureeCredited, messaging.CreditEvent{
		Airline: airline,
		Insuree: insuree,
		Amount:  creditAmount.String(),
	}))
	e.committed()
	return nil
}

// Pay disburses credited funds to the insuree. The payout must be covered
// by the insuree's current payout balance, which is decremented in the same
// operation; the value moves from the airline's vault account.
func (e *Engine) Pay(ctx context.Context, caller, airline, insuree uuid.UUID, payoutAmount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.operational(); err != nil {
		return err
	}
	if caller != airline {
		return ErrIdentityMismatch
	}
	if !e.registry.IsAuthorized(airline) {
		return registry.ErrNotAuthorized
	}

	rec, ok := e.book.Insuree(insuree)
	if !ok {
		return escrow.ErrUnknownInsuree
	}
	if payoutAmount.Sign() <= 0 {
		return escrow.ErrInvalidAmount
	}
	if payoutAmount.GreaterThan(rec.PayoutBalance) {
		return escrow.ErrInsufficientCredit
	}

	if err := e.vault.Transfer(ctx, airline, insuree, payoutAmount); err != nil {
		return fmt.Errorf("payout transfer failed: %w", err)
	}
	if err := e.book.RecordPayout(insuree, payoutAmount); err != nil {
		return err
	}

	e.notifier.Notify(messaging.NewEvent(messaging.EventTypeInsureePaid, messaging.PayoutEvent{
		Airline: airline,
		Insuree: insuree,
		Amount:  payoutAmount.String(),
	}))
	e.committed()
	return nil
}

// Fund capitalizes a registered airline. At or above the minimum funding
// threshold the airline becomes authorized; the flip happens once and fires
// the authorization notification exactly once.
func (e *Engine) Fund(ctx context.Context, caller, airline uuid.UUID, value decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.operational(); err != nil {
		return err
	}
	if value.LessThan(e.cfg.MinFunding) {
		return escrow.ErrInvalidAmount
	}
	if !e.registry.IsAirline(airline) {
		return registry.ErrNotRegistered
	}

	if err := e.vault.Transfer(ctx, caller, airline, value); err != nil {
		return fmt.Errorf("funding transfer failed: %w", err)
	}

	first, err := e.registry.Authorize(airline)
	if err != nil {
		return err
	}
	if first {
		name := ""
		if a, ok := e.registry.Airline(airline); ok {
			name = a.Name
		}
		e.notifier.Notify(messaging.NewEvent(messaging.EventTypeAirlineAuthorized, messaging.AirlineEvent{
			Airline: airline,
			Name:    name,
		}))
	}
	e.committed()
	return nil
}

// Deposit is the untyped default entry point: any bare value transfer into
// the contract resolves to funding the sender.
func (e *Engine) Deposit(ctx context.Context, caller uuid.UUID, value decimal.Decimal) error {
	return e.Fund(ctx, caller, caller, value)
}

// Status returns the current snapshot.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// CheckInvariants recomputes the derived counters from the underlying
// records and reports any drift. Tests call it after every mutation; a
// non-nil return means the engine has a bookkeeping bug.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if got, want := e.registry.AuthorizedCount(), e.registry.RecountAuthorized(); got != want {
		return fmt.Errorf("%w: authorized count %d, %d authorized records", ErrInvariantViolated, got, want)
	}

	premiums, paidOut, credited := e.book.Totals()
	balance := e.book.InsuranceBalance()
	if !balance.Equal(premiums.Sub(paidOut)) {
		return fmt.Errorf("%w: insurance balance %s, premiums %s less payouts %s", ErrInvariantViolated, balance, premiums, paidOut)
	}
	if credited.GreaterThan(premiums) {
		return fmt.Errorf("%w: outstanding credit %s exceeds premiums %s", ErrInvariantViolated, credited, premiums)
	}
	return nil
}
