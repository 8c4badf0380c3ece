// Package airtime defines the common dispatch interface both
// providers implement (spec §4.4).
package airtime

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

// Result carries the provider's outcome plus whatever detail the
// dispatch policy or reconciliation layer needs. RawResponse is kept
// only for the error store — the lifecycle engine never surfaces
// provider internals to its own callers (spec §4.4).
type Result struct {
	OK               bool
	Provider         string
	ProviderTxID     string
	RawResponse      string
	AuthoritativeBalance *decimal.Decimal // dealer-direct only, if parsed
}

// Dispatcher sends amount of airtime to destination and reports the
// outcome. Implementations must respect ctx's deadline.
type Dispatcher interface {
	Dispatch(ctx context.Context, destination string, amount decimal.Decimal, carrier gateway.Carrier) (Result, error)
}
