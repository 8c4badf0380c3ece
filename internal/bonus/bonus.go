// Package bonus computes the per-telco bonus added to a dispatched
// airtime amount (spec §4.6).
package bonus

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

// SettingsStore reads the singleton bonus percentage settings.
type SettingsStore interface {
	GetBonusSettings(ctx context.Context) (*gateway.BonusSettings, error)
}

// Engine computes bonuses against the current settings.
type Engine struct {
	settings SettingsStore
}

func New(settings SettingsStore) *Engine {
	return &Engine{settings: settings}
}

// Compute returns the bonus amount and the percentage that produced
// it. Home-telco bonuses keep two-decimal precision; non-home-telco
// bonuses round the raw bonus half-up to the nearest integer. A zero
// or missing setting yields a zero bonus.
func (e *Engine) Compute(ctx context.Context, telco gateway.Carrier, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	settings, err := e.settings.GetBonusSettings(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	pct, ok := settings.PctByTelco[telco]
	if !ok || pct.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}

	raw := amount.Mul(pct).Div(decimal.NewFromInt(100))

	if telco == gateway.HomeTelco {
		return raw.Round(2), pct, nil
	}
	return halfUpToInteger(raw), pct, nil
}

// halfUpToInteger rounds a decimal half-up to the nearest integer:
// fractional part < 0.5 rounds down, >= 0.5 rounds up. Negative
// values round half away from zero.
func halfUpToInteger(d decimal.Decimal) decimal.Decimal {
	half := decimal.NewFromFloat(0.5)
	if d.Sign() >= 0 {
		return d.Add(half).Floor()
	}
	return d.Sub(half).Ceil()
}
