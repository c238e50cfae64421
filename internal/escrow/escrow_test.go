package escrow_test

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/aeromutual/internal/escrow"
)

func TestRecordPurchase(t *testing.T) {
	t.Run("creates the insuree on first purchase", func(t *testing.T) {
		book := escrow.NewBook()
		insuree := uuid.New()

		err := book.RecordPurchase(insuree, decimal.NewFromInt(1))
		require.NoError(t, err)

		rec, ok := book.Insuree(insuree)
		require.True(t, ok)
		assert.True(t, rec.InsuranceAmount.Equal(decimal.NewFromInt(1)))
		assert.True(t, rec.PayoutBalance.IsZero())
		assert.True(t, book.InsuranceBalance().Equal(decimal.NewFromInt(1)))
	})

	t.Run("premiums accumulate", func(t *testing.T) {
		book := escrow.NewBook()
		insuree := uuid.New()

		require.NoError(t, book.RecordPurchase(insuree, decimal.NewFromInt(2)))
		require.NoError(t, book.RecordPurchase(insuree, decimal.NewFromInt(3)))

		rec, _ := book.Insuree(insuree)
		assert.True(t, rec.InsuranceAmount.Equal(decimal.NewFromInt(5)))
		assert.True(t, book.InsuranceBalance().Equal(decimal.NewFromInt(5)))
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		book := escrow.NewBook()
		err := book.RecordPurchase(uuid.New(), decimal.Zero)
		assert.ErrorIs(t, err, escrow.ErrInvalidAmount)
	})
}

func TestCredit(t *testing.T) {
	t.Run("unknown insuree", func(t *testing.T) {
		book := escrow.NewBook()
		err := book.Credit(uuid.New(), decimal.NewFromInt(1))
		assert.ErrorIs(t, err, escrow.ErrUnknownInsuree)
	})

	t.Run("credit above the insured amount is rejected", func(t *testing.T) {
		book := escrow.NewBook()
		insuree := uuid.New()
		require.NoError(t, book.RecordPurchase(insuree, decimal.NewFromInt(5)))

		err := book.Credit(insuree, decimal.NewFromInt(6))
		assert.ErrorIs(t, err, escrow.ErrInsufficientCredit)

		rec, _ := book.Insuree(insuree)
		assert.True(t, rec.PayoutBalance.IsZero())
	})

	t.Run("credit overwrites rather than accumulates", func(t *testing.T) {
		book := escrow.NewBook()
		insuree := uuid.New()
		require.NoError(t, book.RecordPurchase(insuree, decimal.NewFromInt(5)))

		require.NoError(t, book.Credit(insuree, decimal.NewFromInt(4)))
		require.NoError(t, book.Credit(insuree, decimal.NewFromInt(2)))

		rec, _ := book.Insuree(insuree)
		assert.True(t, rec.PayoutBalance.Equal(decimal.NewFromInt(2)))
	})
}

func TestRecordPayout(t *testing.T) {
	book := escrow.NewBook()
	insuree := uuid.New()
	require.NoError(t, book.RecordPurchase(insuree, decimal.NewFromInt(10)))
	require.NoError(t, book.Credit(insuree, decimal.NewFromInt(8)))

	t.Run("payout above the credited balance is rejected", func(t *testing.T) {
		err := book.RecordPayout(insuree, decimal.NewFromInt(9))
		assert.ErrorIs(t, err, escrow.ErrInsufficientCredit)
	})

	t.Run("payout drains credit and escrow balance", func(t *testing.T) {
		require.NoError(t, book.RecordPayout(insuree, decimal.NewFromInt(3)))

		rec, _ := book.Insuree(insuree)
		assert.True(t, rec.PayoutBalance.Equal(decimal.NewFromInt(5)))
		assert.True(t, book.InsuranceBalance().Equal(decimal.NewFromInt(7)))

		premiums, paidOut, credited := book.Totals()
		assert.True(t, premiums.Equal(decimal.NewFromInt(10)))
		assert.True(t, paidOut.Equal(decimal.NewFromInt(3)))
		assert.True(t, credited.Equal(decimal.NewFromInt(5)))
		assert.True(t, book.InsuranceBalance().Equal(premiums.Sub(paidOut)))
	})
}

func TestFlightKey(t *testing.T) {
	airline := uuid.New()

	t.Run("deterministic", func(t *testing.T) {
		a := escrow.FlightKey(airline, "FL123", 1700000000)
		b := escrow.FlightKey(airline, "FL123", 1700000000)
		assert.Equal(t, a, b)
	})

	t.Run("any field changes the key", func(t *testing.T) {
		base := escrow.FlightKey(airline, "FL123", 1700000000)
		assert.NotEqual(t, base, escrow.FlightKey(uuid.New(), "FL123", 1700000000))
		assert.NotEqual(t, base, escrow.FlightKey(airline, "FL124", 1700000000))
		assert.NotEqual(t, base, escrow.FlightKey(airline, "FL123", 1700000001))
	})

	t.Run("equals the hash of the identifying triple", func(t *testing.T) {
		h := sha256.New()
		h.Write(airline[:])
		h.Write([]byte("FL123"))
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], 1700000000)
		h.Write(ts[:])

		assert.Equal(t, hex.EncodeToString(h.Sum(nil)), escrow.FlightKey(airline, "FL123", 1700000000))
	})
}
