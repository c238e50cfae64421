// Package escrow keeps the per-insuree books: cumulative premiums and the
// payout credit available for withdrawal. Value itself moves through the
// vault; this package only records what moved and enforces the credit
// arithmetic.
package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientCredit = errors.New("credit exceeds insured amount")
	ErrUnknownInsuree     = errors.New("unknown insuree")
)

// Insuree is one policy-holder record. InsuranceAmount only grows;
// PayoutBalance is overwritten by crediting and drained by payouts.
type Insuree struct {
	Account         uuid.UUID
	InsuranceAmount decimal.Decimal
	PayoutBalance   decimal.Decimal
}

// Book holds every insuree record plus the escrow-wide premium balance used
// for solvency auditing.
type Book struct {
	mu       sync.RWMutex
	insurees map[uuid.UUID]*Insuree
	balance  decimal.Decimal
	paidOut  decimal.Decimal
}

// NewBook creates an empty escrow book.
func NewBook() *Book {
	return &Book{
		insurees: make(map[uuid.UUID]*Insuree),
	}
}

// RecordPurchase books a paid premium. The insuree record is created on
// first purchase; the caller has already moved the value through the vault.
func (b *Book) RecordPurchase(insuree uuid.UUID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.insurees[insuree]
	if !ok {
		rec = &Insuree{Account: insuree}
		b.insurees[insuree] = rec
	}
	rec.InsuranceAmount = rec.InsuranceAmount.Add(amount)
	b.balance = b.balance.Add(amount)
	return nil
}

// Credit sets the insuree's payout balance. Overwrite, not additive, and
// never above the cumulative insured amount. Bookkeeping only; no value
// moves at credit time.
func (b *Book) Credit(insuree uuid.UUID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.insurees[insuree]
	if !ok {
		return ErrUnknownInsuree
	}
	if amount.GreaterThan(rec.InsuranceAmount) {
		return ErrInsufficientCredit
	}

	rec.PayoutBalance = amount
	return nil
}

// RecordPayout drains amount from the insuree's payout balance and from the
// escrow balance. The caller transfers the value first; the check here is
// the final authority on whether the payout was allowed, so callers must
// validate with PayoutBalance before moving funds.
func (b *Book) RecordPayout(insuree uuid.UUID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.insurees[insuree]
	if !ok {
		return ErrUnknownInsuree
	}
	if amount.GreaterThan(rec.PayoutBalance) {
		return ErrInsufficientCredit
	}

	rec.PayoutBalance = rec.PayoutBalance.Sub(amount)
	b.balance = b.balance.Sub(amount)
	b.paidOut = b.paidOut.Add(amount)
	return nil
}

// Insuree returns a copy of the record.
func (b *Book) Insuree(account uuid.UUID) (Insuree, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.insurees[account]
	if !ok {
		return Insuree{}, false
	}
	return *rec, true
}

// InsuranceBalance returns the escrow-wide balance: premiums received minus
// payouts made.
func (b *Book) InsuranceBalance() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance
}

// Totals returns the sums the invariant checker audits: cumulative premiums
// received, cumulative payouts made, and outstanding payout credit.
func (b *Book) Totals() (premiums, paidOut, credited decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, rec := range b.insurees {
		premiums = premiums.Add(rec.InsuranceAmount)
		credited = credited.Add(rec.PayoutBalance)
	}
	return premiums, b.paidOut, credited
}

// FlightKey derives the deterministic key for a flight: the hash of the
// airline identity, the flight designator, and the departure timestamp.
// Off-chain observers use it to correlate purchase notifications.
func FlightKey(airline uuid.UUID, flight string, timestamp int64) string {
	h := sha256.New()
	h.Write(airline[:])
	h.Write([]byte(flight))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	h.Write(ts[:])

	return hex.EncodeToString(h.Sum(nil))
}
