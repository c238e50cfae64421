package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Postgres is a Vault backed by a postgres accounts table. Transfers run in
// a transaction with both rows locked, so concurrent transfers against the
// same accounts serialize at the database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureAccount creates the account row if it does not exist yet.
func (p *Postgres) EnsureAccount(ctx context.Context, account uuid.UUID) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO vault_accounts (id, balance, updated_at)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (id) DO NOTHING`,
		account, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// Transfer moves amount between accounts inside a single transaction.
func (p *Postgres) Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidTransfer
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transfer: %w", err)
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		"SELECT balance FROM vault_accounts WHERE id = $1 FOR UPDATE",
		from,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrUnknownAccount
	}
	if err != nil {
		return fmt.Errorf("failed to lock source account: %w", err)
	}

	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}

	now := time.Now()

	_, err = tx.ExecContext(ctx,
		"UPDATE vault_accounts SET balance = balance - $1, updated_at = $2 WHERE id = $3",
		amount, now, from,
	)
	if err != nil {
		return fmt.Errorf("failed to debit source: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE vault_accounts SET balance = balance + $1, updated_at = $2 WHERE id = $3",
		amount, now, to,
	)
	if err != nil {
		return fmt.Errorf("failed to credit destination: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Destination is created on demand so funding a fresh airline
		// account does not require prior setup.
		_, err = tx.ExecContext(ctx,
			"INSERT INTO vault_accounts (id, balance, updated_at) VALUES ($1, $2, $3)",
			to, amount, now,
		)
		if err != nil {
			return fmt.Errorf("failed to create destination: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO vault_transfers (id, from_account, to_account, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), from, to, amount, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// Balance reads the current balance of an account.
func (p *Postgres) Balance(ctx context.Context, account uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		"SELECT balance FROM vault_accounts WHERE id = $1",
		account,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrUnknownAccount
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}
