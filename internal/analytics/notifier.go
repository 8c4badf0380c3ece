// Package analytics is a best-effort, fire-and-forget client for the
// separate analytics/reporting service that maintains aggregate float
// balances (spec §9). Its outcome never gates core correctness: a
// failure to reach it is logged as ANALYTICS_NOTIFICATION_ERROR and
// otherwise ignored.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

const httpTimeout = 10 * time.Second

// ErrorLogStore is the append-only audit trail a failed notification
// is recorded to.
type ErrorLogStore interface {
	Log(ctx context.Context, e *gateway.ErrorLogEntry) error
}

// SaleEvent is the payload posted to the analytics service after a
// completed fulfillment.
type SaleEvent struct {
	RequestID        string  `json:"requestId"`
	Carrier          string  `json:"carrier"`
	OriginalAmount   string  `json:"originalAmount"`
	DispatchedAmount string  `json:"dispatchedAmount"`
	ProviderUsed     string  `json:"providerUsed"`
	CompletedAt      string  `json:"completedAt"`
}

// Notifier posts sale events to the analytics service. A blank URL
// disables it entirely (the endpoint is optional per spec §6).
type Notifier struct {
	url      string
	http     *http.Client
	errorLog ErrorLogStore
	logger   *zap.Logger
}

func New(url string, errorLog ErrorLogStore, logger *zap.Logger) *Notifier {
	return &Notifier{
		url:      url,
		http:     &http.Client{Timeout: httpTimeout},
		errorLog: errorLog,
		logger:   logger,
	}
}

// NotifySale fires the event in the background and returns
// immediately; the caller's own transaction commit is never blocked
// on analytics availability.
func (n *Notifier) NotifySale(requestID string, event SaleEvent) {
	if n.url == "" {
		return
	}
	go n.send(requestID, event)
}

func (n *Notifier) send(requestID string, event SaleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		n.reportFailure(ctx, requestID, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.reportFailure(ctx, requestID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.reportFailure(ctx, requestID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.reportFailure(ctx, requestID, fmt.Errorf("analytics service returned status %d", resp.StatusCode))
	}
}

func (n *Notifier) reportFailure(ctx context.Context, requestID string, cause error) {
	n.logger.Warn("analytics: notification failed", zap.String("request_id", requestID), zap.Error(cause))
	entry := &gateway.ErrorLogEntry{
		Kind:       gateway.ErrKindAnalyticsNotify,
		RequestID:  requestID,
		RawContext: cause.Error(),
		Timestamp:  time.Now(),
	}
	if err := n.errorLog.Log(ctx, entry); err != nil {
		n.logger.Error("analytics: failed to record notification failure", zap.Error(err))
	}
}
