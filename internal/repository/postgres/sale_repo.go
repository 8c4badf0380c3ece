// internal/repository/postgres/sale_repo.go
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

// SaleRepository records one row per fulfillment attempt, created when
// the payment is confirmed and updated with the dispatch outcome,
// grounded on the teacher's OfferRedemptionRepository.
type SaleRepository struct {
	db *pgxpool.Pool
}

func NewSaleRepository(db *pgxpool.Pool) *SaleRepository {
	return &SaleRepository{db: db}
}

// CreateWithTx inserts the sale row when a transaction enters
// RECEIVED_PENDING_FULFILLMENT, before dispatch is attempted.
func (r *SaleRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, s *gateway.Sale) error {
	query := `
		INSERT INTO sales (
			request_id, original_amount, bonus, dispatched_amount, carrier,
			provider_used, dispatch_result, bonus_percentage, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		s.RequestID, s.OriginalAmount, s.Bonus, s.DispatchedAmount, s.Carrier,
		s.ProviderUsed, s.DispatchResult, s.BonusPercentage, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sale: %w", err)
	}
	return nil
}

// UpdateOutcomeWithTx fills in the dispatch outcome on a sale row
// created at RECEIVED_PENDING_FULFILLMENT, once fulfillment concludes
// either way.
func (r *SaleRepository) UpdateOutcomeWithTx(ctx context.Context, tx pgx.Tx, s *gateway.Sale) error {
	query := `
		UPDATE sales SET
			bonus = $1, dispatched_amount = $2, provider_used = $3,
			dispatch_result = $4, bonus_percentage = $5, completed_at = $6
		WHERE request_id = $7
	`
	_, err := tx.Exec(ctx, query,
		s.Bonus, s.DispatchedAmount, s.ProviderUsed,
		s.DispatchResult, s.BonusPercentage, s.CompletedAt,
		s.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sale outcome: %w", err)
	}
	return nil
}

// ListByCarrier returns recent sales for a carrier, newest first,
// mainly for reconciliation reporting.
func (r *SaleRepository) ListByCarrier(ctx context.Context, carrier gateway.Carrier, limit int) ([]gateway.Sale, error) {
	query := `
		SELECT request_id, original_amount, bonus, dispatched_amount, carrier,
		       provider_used, dispatch_result, bonus_percentage, completed_at
		FROM sales
		WHERE carrier = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, carrier, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	var sales []gateway.Sale
	for rows.Next() {
		var s gateway.Sale
		if err := rows.Scan(
			&s.RequestID, &s.OriginalAmount, &s.Bonus, &s.DispatchedAmount, &s.Carrier,
			&s.ProviderUsed, &s.DispatchResult, &s.BonusPercentage, &s.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		sales = append(sales, s)
	}
	return sales, nil
}
