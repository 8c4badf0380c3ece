// internal/repository/postgres/error_log_repo.go
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

// ErrorLogRepository is the append-only audit trail described in
// spec §7, grounded on the teacher's NotificationRepository insert
// shape but with no update/delete surface.
type ErrorLogRepository struct {
	db *pgxpool.Pool
}

func NewErrorLogRepository(db *pgxpool.Pool) *ErrorLogRepository {
	return &ErrorLogRepository{db: db}
}

// Log writes one entry, generating its id with the same ulid
// generator the teacher uses for token ids.
func (r *ErrorLogRepository) Log(ctx context.Context, e *gateway.ErrorLogEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	query := `
		INSERT INTO error_log (id, kind, sub_kind, request_id, raw_context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, e.ID, e.Kind, e.SubKind, e.RequestID, e.RawContext, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to log error entry: %w", err)
	}
	return nil
}

// ListByRequestID returns every error logged against a request id,
// oldest first.
func (r *ErrorLogRepository) ListByRequestID(ctx context.Context, requestID string) ([]gateway.ErrorLogEntry, error) {
	query := `
		SELECT id, kind, sub_kind, request_id, raw_context, occurred_at
		FROM error_log
		WHERE request_id = $1
		ORDER BY occurred_at ASC
	`
	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list error entries: %w", err)
	}
	defer rows.Close()

	var entries []gateway.ErrorLogEntry
	for rows.Next() {
		var e gateway.ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.SubKind, &e.RequestID, &e.RawContext, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan error entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
