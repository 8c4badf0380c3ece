// internal/repository/postgres/transaction_repo.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

// TransactionRepository stores the mutable lifecycle record, keyed by
// request id, grounded on the teacher's OfferRequestRepository status
// transitions.
type TransactionRepository struct {
	db *pgxpool.Pool
}

func NewTransactionRepository(db *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreateWithTx inserts the initial transaction row at PUSH_INITIATED.
func (r *TransactionRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, t *gateway.Transaction) error {
	query := `
		INSERT INTO transactions (
			request_id, status, payment_receipt, amount_received,
			fulfillment_status, provider_used, fallback_attempted,
			reconciliation_needed, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		t.RequestID, t.Status, t.PaymentReceipt, t.AmountReceived,
		t.FulfillmentStatus, t.ProviderUsed, t.FallbackAttempted,
		t.ReconciliationNeeded, t.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetForUpdateWithTx locks and returns the current transaction row
// within tx, so the lifecycle engine can gate its transition on the
// pre-state it observes (spec §4.1 idempotency).
func (r *TransactionRepository) GetForUpdateWithTx(ctx context.Context, tx pgx.Tx, requestID string) (*gateway.Transaction, error) {
	query := `
		SELECT request_id, status, payment_receipt, amount_received,
		       fulfillment_status, provider_used, fallback_attempted,
		       reconciliation_needed, last_updated
		FROM transactions
		WHERE request_id = $1
		FOR UPDATE
	`
	var t gateway.Transaction
	err := tx.QueryRow(ctx, query, requestID).Scan(
		&t.RequestID, &t.Status, &t.PaymentReceipt, &t.AmountReceived,
		&t.FulfillmentStatus, &t.ProviderUsed, &t.FallbackAttempted,
		&t.ReconciliationNeeded, &t.LastUpdated,
	)
	if err == sql.ErrNoRows || err == pgx.ErrNoRows {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}
	return &t, nil
}

// FindByID retrieves a transaction without locking, for status reads.
func (r *TransactionRepository) FindByID(ctx context.Context, requestID string) (*gateway.Transaction, error) {
	query := `
		SELECT request_id, status, payment_receipt, amount_received,
		       fulfillment_status, provider_used, fallback_attempted,
		       reconciliation_needed, last_updated
		FROM transactions
		WHERE request_id = $1
	`
	var t gateway.Transaction
	err := r.db.QueryRow(ctx, query, requestID).Scan(
		&t.RequestID, &t.Status, &t.PaymentReceipt, &t.AmountReceived,
		&t.FulfillmentStatus, &t.ProviderUsed, &t.FallbackAttempted,
		&t.ReconciliationNeeded, &t.LastUpdated,
	)
	if err == sql.ErrNoRows || err == pgx.ErrNoRows {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return &t, nil
}

// UpdateStatusWithTx transitions requestID to status, updating the
// fields that accompany that transition. Zero values are written
// as-is; callers pass the transaction's already-merged fields.
func (r *TransactionRepository) UpdateStatusWithTx(ctx context.Context, tx pgx.Tx, t *gateway.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $1, payment_receipt = $2, amount_received = $3,
		    fulfillment_status = $4, provider_used = $5, fallback_attempted = $6,
		    reconciliation_needed = $7, last_updated = $8
		WHERE request_id = $9
	`
	result, err := tx.Exec(ctx, query,
		t.Status, t.PaymentReceipt, t.AmountReceived, t.FulfillmentStatus,
		t.ProviderUsed, t.FallbackAttempted, t.ReconciliationNeeded, time.Now(),
		t.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}
