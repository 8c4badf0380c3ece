// internal/app/reconciliation.go
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

// reconciliationSweeper periodically scans for reversals that have
// been pending longer than the configured threshold and records a
// summary warning, grounded on the teacher's hub.Run background-loop
// shape.
type reconciliationSweeper struct {
	reconciliation ReconciliationScanner
	errorLog       ErrorLogRecorder
	staleAfter     string
	interval       time.Duration
	logger         *zap.Logger
}

// ReconciliationScanner is the read side of the reconciliation store
// the sweep needs.
type ReconciliationScanner interface {
	ListStalePending(ctx context.Context, olderThan string) ([]gateway.ReversalPending, error)
}

// ErrorLogRecorder is the audit-trail write side the sweep logs to.
type ErrorLogRecorder interface {
	Log(ctx context.Context, e *gateway.ErrorLogEntry) error
}

func newReconciliationSweeper(reconciliation ReconciliationScanner, errorLog ErrorLogRecorder, staleAfter string, interval time.Duration, logger *zap.Logger) *reconciliationSweeper {
	return &reconciliationSweeper{
		reconciliation: reconciliation,
		errorLog:       errorLog,
		staleAfter:     staleAfter,
		interval:       interval,
		logger:         logger,
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *reconciliationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *reconciliationSweeper) sweep(ctx context.Context) {
	stale, err := s.reconciliation.ListStalePending(ctx, s.staleAfter)
	if err != nil {
		s.logger.Error("reconciliation sweep: scan failed", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}

	var combined error
	for _, p := range stale {
		combined = multierr.Append(combined, fmt.Errorf("request %s stuck pending reversal since %s", p.RequestID, p.InitiatedAt.Format(time.RFC3339)))
	}

	s.logger.Warn("reconciliation sweep: stale pending reversals found", zap.Int("count", len(stale)), zap.Error(combined))

	entry := &gateway.ErrorLogEntry{
		Kind:       gateway.ErrKindFloatReconciliation,
		RawContext: combined.Error(),
		Timestamp:  time.Now(),
	}
	if err := s.errorLog.Log(ctx, entry); err != nil {
		s.logger.Error("reconciliation sweep: failed to record warning", zap.Error(err))
	}
}
