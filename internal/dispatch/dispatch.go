// Package dispatch implements the dispatch-with-fallback policy of
// spec §4.4: dealer-direct first for the home telco, aggregator-only
// for everyone else. Every attempt debits the float it will draw from
// before calling the provider, credits that float straight back on
// failure, and — only on an aggregator success — additionally credits
// a fixed 4% commission, leaving aggregator dispatches with a net
// float change of -dispatched+0.04*original (spec §8).
package dispatch

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/airtime"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/float"
)

// aggregatorCommissionRate is the fixed retention credited to the
// aggregator float on every aggregator success (4% of the original,
// pre-bonus amount).
var aggregatorCommissionRate = decimal.NewFromFloat(0.04)

// Outcome is the final result of a dispatch attempt, including
// whichever provider ultimately served it and whether a fallback was
// attempted.
type Outcome struct {
	Result            airtime.Result
	FallbackAttempted bool
	ProviderUsed      string
}

// Service orchestrates the fallback policy against the two provider
// implementations and the float ledger.
type Service struct {
	dealer     airtime.Dispatcher
	aggregator airtime.Dispatcher
	ledger     *float.Ledger
	logger     *zap.Logger
}

func New(dealer, aggregator airtime.Dispatcher, ledger *float.Ledger, logger *zap.Logger) *Service {
	return &Service{dealer: dealer, aggregator: aggregator, ledger: ledger, logger: logger}
}

// Dispatch attempts delivery per the carrier's policy. originalAmount
// (pre-bonus) determines the aggregator commission on success;
// dispatchedAmount (original+bonus) is what gets debited and what is
// actually sent to the subscriber.
func (s *Service) Dispatch(ctx context.Context, tx pgx.Tx, destination string, originalAmount, dispatchedAmount decimal.Decimal, carrier gateway.Carrier) (Outcome, error) {
	if carrier == gateway.HomeTelco {
		return s.dispatchHomeTelco(ctx, tx, destination, originalAmount, dispatchedAmount, carrier)
	}
	return s.dispatchNonHomeTelco(ctx, tx, destination, originalAmount, dispatchedAmount, carrier)
}

func (s *Service) dispatchHomeTelco(ctx context.Context, tx pgx.Tx, destination string, originalAmount, dispatchedAmount decimal.Decimal, carrier gateway.Carrier) (Outcome, error) {
	postDebit, err := s.ledger.Adjust(ctx, tx, gateway.FloatSafaricom, dispatchedAmount.Neg())
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch: debit home float: %w", err)
	}

	result, err := s.dealer.Dispatch(ctx, destination, dispatchedAmount, carrier)
	if err == nil && result.OK {
		if result.AuthoritativeBalance != nil {
			if !postDebit.Equal(*result.AuthoritativeBalance) {
				s.logger.Warn("dispatch: provider-reported home float balance differs from local post-debit balance",
					zap.String("local", postDebit.String()), zap.String("authoritative", result.AuthoritativeBalance.String()))
			}
			if overwriteErr := s.ledger.Overwrite(ctx, tx, gateway.FloatSafaricom, *result.AuthoritativeBalance); overwriteErr != nil {
				s.logger.Warn("dispatch: failed to overwrite authoritative home float balance", zap.Error(overwriteErr))
			}
		}
		return Outcome{Result: result, ProviderUsed: gateway.ProviderDealerDirect}, nil
	}

	s.logger.Warn("dispatch: dealer-direct failed, crediting back and attempting aggregator fallback",
		zap.String("destination", destination), zap.Error(err))

	if _, creditErr := s.ledger.Adjust(ctx, tx, gateway.FloatSafaricom, dispatchedAmount); creditErr != nil {
		return Outcome{}, fmt.Errorf("dispatch: credit back home float after failed dealer dispatch: %w", creditErr)
	}

	fallbackResult, fallbackErr := s.dispatchAggregator(ctx, tx, destination, originalAmount, dispatchedAmount, carrier)
	fallbackResult.FallbackAttempted = true
	if fallbackErr == nil {
		fallbackResult.ProviderUsed = gateway.ProviderAggregatorFallback
	}
	return fallbackResult, fallbackErr
}

func (s *Service) dispatchNonHomeTelco(ctx context.Context, tx pgx.Tx, destination string, originalAmount, dispatchedAmount decimal.Decimal, carrier gateway.Carrier) (Outcome, error) {
	outcome, err := s.dispatchAggregator(ctx, tx, destination, originalAmount, dispatchedAmount, carrier)
	if err == nil {
		outcome.ProviderUsed = gateway.ProviderAggregator
	}
	return outcome, err
}

// dispatchAggregator debits the aggregator float by dispatchedAmount,
// attempts delivery, credits it straight back on failure (net zero),
// and on success additionally credits the fixed commission (net
// -dispatched+0.04*original).
func (s *Service) dispatchAggregator(ctx context.Context, tx pgx.Tx, destination string, originalAmount, dispatchedAmount decimal.Decimal, carrier gateway.Carrier) (Outcome, error) {
	if _, err := s.ledger.Adjust(ctx, tx, gateway.FloatAggregator, dispatchedAmount.Neg()); err != nil {
		return Outcome{}, fmt.Errorf("dispatch: debit aggregator float: %w", err)
	}

	result, err := s.aggregator.Dispatch(ctx, destination, dispatchedAmount, carrier)
	if err != nil || !result.OK {
		if _, creditErr := s.ledger.Adjust(ctx, tx, gateway.FloatAggregator, dispatchedAmount); creditErr != nil {
			return Outcome{Result: result}, fmt.Errorf("dispatch: credit back aggregator float after failed dispatch: %w", creditErr)
		}
		return Outcome{Result: result}, fmt.Errorf("dispatch: aggregator dispatch failed: %w", err)
	}

	commission := originalAmount.Mul(aggregatorCommissionRate)
	if _, err := s.ledger.Adjust(ctx, tx, gateway.FloatAggregator, commission); err != nil {
		return Outcome{Result: result}, fmt.Errorf("dispatch: credit aggregator commission: %w", err)
	}

	return Outcome{Result: result}, nil
}
