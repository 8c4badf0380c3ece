// Package float implements the prepaid float ledger: transactional
// debit/credit of the two dispatch-provider balances, with a
// non-negativity invariant (spec §4.7).
package float

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

// Store is the durable backing for float balances, grounded on
// baharkarakas-insider-backend's balancesRepo: a single atomic
// UPDATE ... RETURNING, auto-initializing on first access.
type Store interface {
	// GetForUpdate locks and returns the current balance for name
	// within tx, auto-initializing it to zero if missing.
	GetForUpdate(ctx context.Context, tx pgx.Tx, name string) (decimal.Decimal, error)
	// SetBalance adjusts the stored balance for name by delta and
	// returns the post-adjustment value.
	SetBalance(ctx context.Context, tx pgx.Tx, name string, delta decimal.Decimal) (decimal.Decimal, error)
	// Overwrite force-sets the balance to an authoritative value
	// reported by a provider, independent of delta accounting.
	Overwrite(ctx context.Context, tx pgx.Tx, name string, value decimal.Decimal) error
}

// Ledger exposes Adjust under a single-entity transaction.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Adjust applies delta to float-name's balance inside tx. The
// pre-condition current+delta >= 0 is checked before the write;
// violating it returns xerrors.ErrInsufficientFloat without mutating
// the balance.
func (l *Ledger) Adjust(ctx context.Context, tx pgx.Tx, floatName string, delta decimal.Decimal) (decimal.Decimal, error) {
	current, err := l.store.GetForUpdate(ctx, tx, floatName)
	if err != nil {
		return decimal.Decimal{}, xerrors.Wrap(err, "float: read balance")
	}

	if current.Add(delta).IsNegative() {
		return decimal.Decimal{}, xerrors.ErrInsufficientFloat
	}

	newBalance, err := l.store.SetBalance(ctx, tx, floatName, delta)
	if err != nil {
		return decimal.Decimal{}, xerrors.Wrap(err, "float: adjust balance")
	}
	return newBalance, nil
}

// Overwrite force-sets floatName to an authoritative provider-reported
// value. Overwrite itself performs no comparison; the dispatch service
// compares the provider's value with the post-debit balance and logs
// any drift as a warning before calling it.
func (l *Ledger) Overwrite(ctx context.Context, tx pgx.Tx, floatName string, value decimal.Decimal) error {
	return l.store.Overwrite(ctx, tx, floatName, value)
}
