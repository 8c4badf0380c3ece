// internal/repository/postgres/bonus_settings_repo.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

// BonusSettingsRepository backs the singleton per-telco bonus
// percentages and their audit history. Satisfies bonus.SettingsStore.
// Grounded on the teacher's ConfigRepository singleton-row pattern.
type BonusSettingsRepository struct {
	db *pgxpool.Pool
}

func NewBonusSettingsRepository(db *pgxpool.Pool) *BonusSettingsRepository {
	return &BonusSettingsRepository{db: db}
}

// GetBonusSettings loads every configured telco/percentage pair.
func (r *BonusSettingsRepository) GetBonusSettings(ctx context.Context) (*gateway.BonusSettings, error) {
	rows, err := r.db.Query(ctx, `SELECT telco, percentage FROM bonus_settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to load bonus settings: %w", err)
	}
	defer rows.Close()

	settings := &gateway.BonusSettings{PctByTelco: make(map[gateway.Carrier]decimal.Decimal)}
	for rows.Next() {
		var telco gateway.Carrier
		var pct decimal.Decimal
		if err := rows.Scan(&telco, &pct); err != nil {
			return nil, fmt.Errorf("failed to scan bonus setting: %w", err)
		}
		settings.PctByTelco[telco] = pct
	}
	return settings, nil
}

// UpdateWithTx sets telco's percentage and appends a BonusHistory
// audit row recording the change, both inside tx so a crash between
// the two can never happen (spec §4.6).
func (r *BonusSettingsRepository) UpdateWithTx(ctx context.Context, tx pgx.Tx, telco gateway.Carrier, newPct decimal.Decimal, actor string) (*gateway.BonusHistory, error) {
	var oldPct decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT percentage FROM bonus_settings WHERE telco = $1`, telco).Scan(&oldPct)
	if err != nil && err != sql.ErrNoRows && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to read existing bonus setting: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bonus_settings (telco, percentage) VALUES ($1, $2)
		ON CONFLICT (telco) DO UPDATE SET percentage = EXCLUDED.percentage
	`, telco, newPct)
	if err != nil {
		return nil, fmt.Errorf("failed to update bonus setting: %w", err)
	}

	entry := &gateway.BonusHistory{
		ID:     ulid.Make().String(),
		Telco:  telco,
		OldPct: oldPct,
		NewPct: newPct,
		Actor:  actor,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO bonus_history (id, telco, old_pct, new_pct, actor, changed_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, entry.ID, entry.Telco, entry.OldPct, entry.NewPct, entry.Actor)
	if err != nil {
		return nil, fmt.Errorf("failed to record bonus history: %w", err)
	}
	return entry, nil
}

// GetDealerConfig loads the dealer-direct service PIN. Satisfies
// dealer.SettingsStore.
func (r *BonusSettingsRepository) GetDealerConfig(ctx context.Context) (*gateway.DealerConfig, error) {
	var cfg gateway.DealerConfig
	err := r.db.QueryRow(ctx, `SELECT service_pin FROM dealer_config LIMIT 1`).Scan(&cfg.ServicePin)
	if err != nil {
		return nil, fmt.Errorf("failed to load dealer config: %w", err)
	}
	return &cfg, nil
}
