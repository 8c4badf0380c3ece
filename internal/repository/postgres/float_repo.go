// internal/repository/postgres/float_repo.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// FloatRepository satisfies float.Store: a single atomic
// UPDATE ... RETURNING per adjustment, auto-initializing a float's row
// to zero on first access, grounded on
// baharkarakas-insider-backend's balancesRepo.UpdateAmount.
type FloatRepository struct {
	db *pgxpool.Pool
}

func NewFloatRepository(db *pgxpool.Pool) *FloatRepository {
	return &FloatRepository{db: db}
}

// GetForUpdate locks and returns floatName's balance within tx,
// inserting a zero row first if none exists yet.
func (r *FloatRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, floatName string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT balance FROM float_balances WHERE float_name = $1 FOR UPDATE`, floatName).Scan(&balance)
	if err == sql.ErrNoRows || err == pgx.ErrNoRows {
		_, insertErr := tx.Exec(ctx, `
			INSERT INTO float_balances (float_name, balance, last_updated)
			VALUES ($1, 0, now())
			ON CONFLICT (float_name) DO NOTHING
		`, floatName)
		if insertErr != nil {
			return decimal.Decimal{}, fmt.Errorf("failed to initialize float balance: %w", insertErr)
		}
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to lock float balance: %w", err)
	}
	return balance, nil
}

// SetBalance applies delta atomically and returns the resulting
// balance.
func (r *FloatRepository) SetBalance(ctx context.Context, tx pgx.Tx, floatName string, delta decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE float_balances
		SET balance = balance + $2, last_updated = now()
		WHERE float_name = $1
		RETURNING balance
	`, floatName, delta).Scan(&newBalance)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to adjust float balance: %w", err)
	}
	return newBalance, nil
}

// Overwrite force-sets floatName's balance to an authoritative value
// reported by a provider.
func (r *FloatRepository) Overwrite(ctx context.Context, tx pgx.Tx, floatName string, value decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE float_balances SET balance = $2, last_updated = now() WHERE float_name = $1
	`, floatName, value)
	if err != nil {
		return fmt.Errorf("failed to overwrite float balance: %w", err)
	}
	return nil
}
