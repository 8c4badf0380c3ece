// internal/repository/postgres/request_repo.go
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

// RequestRepository stores the frozen initiation record, keyed by
// request id, grounded on the teacher's OfferRequestRepository.
type RequestRepository struct {
	db *pgxpool.Pool
}

func NewRequestRepository(db *pgxpool.Pool) *RequestRepository {
	return &RequestRepository{db: db}
}

// CreateWithTx inserts the initiation snapshot within tx.
func (r *RequestRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, req *gateway.Request) error {
	query := `
		INSERT INTO requests (
			request_id, payer_msisdn, destination_msisdn, carrier,
			requested_amount, initiation_time, payload_snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, query,
		req.RequestID, req.PayerMSISDN, req.DestinationMSISDN, req.Carrier,
		req.RequestedAmount, req.InitiationTime, req.PayloadSnapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// FindByID retrieves a request by its id.
func (r *RequestRepository) FindByID(ctx context.Context, requestID string) (*gateway.Request, error) {
	query := `
		SELECT request_id, payer_msisdn, destination_msisdn, carrier,
		       requested_amount, initiation_time, payload_snapshot
		FROM requests
		WHERE request_id = $1
	`
	var req gateway.Request
	err := r.db.QueryRow(ctx, query, requestID).Scan(
		&req.RequestID, &req.PayerMSISDN, &req.DestinationMSISDN, &req.Carrier,
		&req.RequestedAmount, &req.InitiationTime, &req.PayloadSnapshot,
	)
	if err == sql.ErrNoRows || err == pgx.ErrNoRows {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request: %w", err)
	}
	return &req, nil
}
