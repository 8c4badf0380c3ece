// Package dealer implements the dealer-direct airtime dispatch API:
// the home telco's first-party API (spec §4.4).
package dealer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/airtime"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/credentialcache"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/phone"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

const httpTimeout = 20 * time.Second

// transactionIDPattern matches the provider-assigned transaction id
// embedded in the free-text response description, e.g.
// "R250101.0001.000001".
var transactionIDPattern = regexp.MustCompile(`R\d{6}\.\d{4}\.\d{6}`)

// newBalancePattern matches the trailing decimal balance in
// "New balance is Ksh. 4900.00".
var newBalancePattern = regexp.MustCompile(`New balance is Ksh\.\s*([0-9]+(?:\.[0-9]+)?)`)

// SettingsStore reads the dealer's singleton raw service PIN.
type SettingsStore interface {
	GetDealerConfig(ctx context.Context) (*gateway.DealerConfig, error)
}

// Config holds dealer credentials, loaded from environment (spec §6).
type Config struct {
	GrantURL    string
	AirtimeURL  string
	Key         string
	Secret      string
	SenderMSISDN string
}

// Provider dispatches airtime through the dealer-direct API.
type Provider struct {
	cfg      Config
	settings SettingsStore
	cache    *credentialcache.Cache
	http     *http.Client
	logger   *zap.Logger
}

func New(cfg Config, settings SettingsStore, cache *credentialcache.Cache, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:      cfg,
		settings: settings,
		cache:    cache,
		http:     &http.Client{Timeout: httpTimeout},
		logger:   logger,
	}
}

type dispatchRequest struct {
	SenderMsisdn   string `json:"senderMsisdn"`
	Amount         int64  `json:"amount"`
	ServicePin     string `json:"servicePin"`
	ReceiverMsisdn string `json:"receiverMsisdn"`
}

type dispatchResponse struct {
	ResponseStatus string `json:"responseStatus"`
	Description    string `json:"description"`
}

// Dispatch sends amount (major units) of airtime to destination via
// the dealer-direct API. Success is responseStatus == "200".
func (p *Provider) Dispatch(ctx context.Context, destination string, amount decimal.Decimal, carrier gateway.Carrier) (airtime.Result, error) {
	receiver, err := phone.ToDealerFormat(destination)
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderDealerDirect}, xerrors.Wrap(err, "dealer: normalize destination")
	}

	token, err := p.bearerToken(ctx)
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderDealerDirect}, xerrors.Wrap(err, "dealer: bearer token")
	}

	pin, err := p.servicePin(ctx)
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderDealerDirect}, xerrors.Wrap(err, "dealer: service pin")
	}

	amountMinorUnits := amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	body := dispatchRequest{
		SenderMsisdn:   p.cfg.SenderMSISDN,
		Amount:         amountMinorUnits,
		ServicePin:     base64.StdEncoding.EncodeToString([]byte(pin)),
		ReceiverMsisdn: receiver,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderDealerDirect}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.AirtimeURL, bytes.NewReader(payload))
	if err != nil {
		return airtime.Result{Provider: gateway.ProviderDealerDirect}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.Warn("dealer: dispatch request failed", zap.Error(err))
		return airtime.Result{Provider: gateway.ProviderDealerDirect}, xerrors.Wrap(err, "dealer: http request")
	}
	defer resp.Body.Close()

	var out dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return airtime.Result{Provider: gateway.ProviderDealerDirect}, xerrors.Wrap(err, "dealer: decode response")
	}

	result := airtime.Result{
		Provider:    gateway.ProviderDealerDirect,
		RawResponse: out.Description,
	}

	if out.ResponseStatus != "200" {
		p.logger.Warn("dealer: dispatch failed", zap.String("status", out.ResponseStatus), zap.String("description", out.Description))
		return result, fmt.Errorf("dealer: dispatch failed with status %s", out.ResponseStatus)
	}

	result.OK = true
	if m := transactionIDPattern.FindString(out.Description); m != "" {
		result.ProviderTxID = m
	}
	if m := newBalancePattern.FindStringSubmatch(out.Description); len(m) == 2 {
		if bal, err := decimal.NewFromString(m[1]); err == nil {
			result.AuthoritativeBalance = &bal
		}
	}
	return result, nil
}

func (p *Provider) bearerToken(ctx context.Context) (string, error) {
	return p.cache.GetOrFetch(ctx, "dealer:bearer", func(ctx context.Context) (string, time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.GrantURL, nil)
		if err != nil {
			return "", 0, err
		}
		req.SetBasicAuth(p.cfg.Key, p.cfg.Secret)

		resp, err := p.http.Do(req)
		if err != nil {
			return "", 0, err
		}
		defer resp.Body.Close()

		var body struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   string `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", 0, err
		}
		if body.AccessToken == "" {
			return "", 0, fmt.Errorf("dealer: grant response missing access_token")
		}

		var advertised time.Duration
		if secs, err := strconv.Atoi(body.ExpiresIn); err == nil {
			advertised = time.Duration(secs) * time.Second
		}
		return body.AccessToken, credentialcache.BearerTokenTTL(advertised), nil
	})
}

func (p *Provider) servicePin(ctx context.Context) (string, error) {
	return p.cache.GetOrFetch(ctx, "dealer:service-pin", func(ctx context.Context) (string, time.Duration, error) {
		cfg, err := p.settings.GetDealerConfig(ctx)
		if err != nil {
			return "", 0, err
		}
		return cfg.ServicePin, credentialcache.ServicePinTTL(), nil
	})
}
