// Package aggregator implements the third-party airtime dispatch API
// capable of reaching any supported telco (spec §4.4).
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/airtime"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/phone"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

const (
	httpTimeout  = 20 * time.Second
	currencyKES  = "KES"
	statusSent   = "Sent"
	errorNone    = "None"
)

// Config holds aggregator credentials, loaded from environment (spec §6).
type Config struct {
	BaseURL  string
	APIKey   string
	Username string
}

// Provider dispatches airtime through the aggregator's batch API.
type Provider struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	return &Provider{cfg: cfg, http: &http.Client{Timeout: httpTimeout}, logger: logger}
}

type recipient struct {
	PhoneNumber  string `json:"phoneNumber"`
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type batchRequest struct {
	Username   string      `json:"username"`
	Recipients []recipient `json:"recipients"`
}

type recipientResponse struct {
	PhoneNumber  string `json:"phoneNumber"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	RequestID    string `json:"requestId"`
}

type batchResponse struct {
	Responses []recipientResponse `json:"responses"`
}

// Dispatch sends a single-recipient batch to the aggregator. Success
// is per-recipient status "Sent" and errorMessage "None".
func (p *Provider) Dispatch(ctx context.Context, destination string, amount decimal.Decimal, carrier gateway.Carrier) (airtime.Result, error) {
	e164, err := phone.ToAggregatorFormat(destination)
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderAggregator}, xerrors.Wrap(err, "aggregator: normalize destination")
	}

	body := batchRequest{
		Username: p.cfg.Username,
		Recipients: []recipient{{
			PhoneNumber:  e164,
			Amount:       amount.StringFixed(2),
			CurrencyCode: currencyKES,
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderAggregator}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderAggregator}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", p.cfg.APIKey)

	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.Warn("aggregator: dispatch request failed", zap.Error(err))
		return airtime.Result{Provider: gateway.ProviderAggregator}, xerrors.Wrap(err, "aggregator: http request")
	}
	defer resp.Body.Close()

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return airtime.Result{Provider: gateway.ProviderAggregator}, xerrors.Wrap(err, "aggregator: decode response")
	}

	if len(out.Responses) == 0 {
		return airtime.Result{Provider: gateway.ProviderAggregator}, fmt.Errorf("aggregator: empty response")
	}

	r := out.Responses[0]
	result := airtime.Result{
		Provider:     gateway.ProviderAggregator,
		ProviderTxID: r.RequestID,
		RawResponse:  fmt.Sprintf("status=%s error=%s", r.Status, r.ErrorMessage),
	}

	if r.Status != statusSent || r.ErrorMessage != errorNone {
		p.logger.Warn("aggregator: dispatch failed", zap.String("status", r.Status), zap.String("error", r.ErrorMessage))
		return result, fmt.Errorf("aggregator: dispatch failed: %s", r.ErrorMessage)
	}

	result.OK = true
	return result, nil
}
