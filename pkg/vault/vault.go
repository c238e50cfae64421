package vault

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInvalidTransfer   = errors.New("invalid transfer")
)

// Vault is the value-transfer substrate the engine settles against.
// A transfer either moves the full amount and returns nil, or moves
// nothing and returns an error; the caller aborts its operation on error.
type Vault interface {
	// Transfer moves amount from one account to another atomically.
	Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) error

	// Balance returns the current balance of an account.
	Balance(ctx context.Context, account uuid.UUID) (decimal.Decimal, error)
}
