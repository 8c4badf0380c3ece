// internal/repository/postgres/reconciliation_repo.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

// ReconciliationRepository holds the two sub-kinds of follow-up record
// spec §4.5/§4.8 describes: reversals submitted but unconfirmed, and
// reversals (or fulfillments) that ultimately failed to reconcile.
// Grounded on the teacher's ScheduledOfferRepository/History pair.
type ReconciliationRepository struct {
	db *pgxpool.Pool
}

func NewReconciliationRepository(db *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// CreatePendingWithTx records a reversal submitted to the rail,
// awaiting the async result/timeout callback.
func (r *ReconciliationRepository) CreatePendingWithTx(ctx context.Context, tx pgx.Tx, p *gateway.ReversalPending) error {
	query := `
		INSERT INTO reversals_pending (
			request_id, original_amount, payer_msisdn, reversal_request_data, initiated_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO UPDATE
			SET original_amount = EXCLUDED.original_amount,
			    reversal_request_data = EXCLUDED.reversal_request_data,
			    initiated_at = EXCLUDED.initiated_at
	`
	_, err := tx.Exec(ctx, query, p.RequestID, p.OriginalAmount, p.PayerMSISDN, p.ReversalRequestData, p.InitiatedAt)
	if err != nil {
		return fmt.Errorf("failed to record pending reversal: %w", err)
	}
	return nil
}

// FindPendingByID retrieves a pending reversal, used to validate an
// async reversal callback actually matches an outstanding request.
func (r *ReconciliationRepository) FindPendingByID(ctx context.Context, requestID string) (*gateway.ReversalPending, error) {
	query := `
		SELECT request_id, original_amount, payer_msisdn, reversal_request_data, initiated_at
		FROM reversals_pending
		WHERE request_id = $1
	`
	var p gateway.ReversalPending
	err := r.db.QueryRow(ctx, query, requestID).Scan(
		&p.RequestID, &p.OriginalAmount, &p.PayerMSISDN, &p.ReversalRequestData, &p.InitiatedAt,
	)
	if err == sql.ErrNoRows || err == pgx.ErrNoRows {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending reversal: %w", err)
	}
	return &p, nil
}

// DeletePendingWithTx removes a pending reversal once it resolves
// (confirmed or moved to failed).
func (r *ReconciliationRepository) DeletePendingWithTx(ctx context.Context, tx pgx.Tx, requestID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM reversals_pending WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("failed to delete pending reversal: %w", err)
	}
	return nil
}

// CreateFailedWithTx records a reversal (or fulfillment) that could
// not be confirmed and needs manual follow-up.
func (r *ReconciliationRepository) CreateFailedWithTx(ctx context.Context, tx pgx.Tx, f *gateway.ReversalFailed) error {
	query := `
		INSERT INTO reversals_failed (request_id, reason, original_amount, occurred_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := tx.Exec(ctx, query, f.RequestID, f.Reason, f.OriginalAmount, f.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record failed reversal: %w", err)
	}
	return nil
}

// FindPendingByCorrelationID looks up a pending reversal by the rail's
// conversation id, used by the reversal-timeout callback which carries
// no transaction id of its own.
func (r *ReconciliationRepository) FindPendingByCorrelationID(ctx context.Context, conversationID string) (*gateway.ReversalPending, error) {
	query := `
		SELECT request_id, original_amount, payer_msisdn, reversal_request_data, initiated_at
		FROM reversals_pending
		WHERE reversal_request_data = $1
	`
	var p gateway.ReversalPending
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&p.RequestID, &p.OriginalAmount, &p.PayerMSISDN, &p.ReversalRequestData, &p.InitiatedAt,
	)
	if err == sql.ErrNoRows || err == pgx.ErrNoRows {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending reversal by correlation id: %w", err)
	}
	return &p, nil
}

// ListStalePending returns pending reversals older than olderThan,
// for the reconciliation sweep.
func (r *ReconciliationRepository) ListStalePending(ctx context.Context, olderThan string) ([]gateway.ReversalPending, error) {
	query := `
		SELECT request_id, original_amount, payer_msisdn, reversal_request_data, initiated_at
		FROM reversals_pending
		WHERE initiated_at < now() - $1::interval
	`
	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending reversals: %w", err)
	}
	defer rows.Close()

	var out []gateway.ReversalPending
	for rows.Next() {
		var p gateway.ReversalPending
		if err := rows.Scan(&p.RequestID, &p.OriginalAmount, &p.PayerMSISDN, &p.ReversalRequestData, &p.InitiatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale pending reversal: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}
