package mpesa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/credentialcache"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

const (
	oauthTokenTTLAdvertised = time.Hour
	httpTimeout             = 25 * time.Second
	transactionTypeCustomerPayBillOnline = "CustomerPayBillOnline"
	commandTransactionReversal           = "TransactionReversal"
	receiverIdentifierTypeShortCode      = "11"
)

// Config holds the rail credentials, loaded from environment
// variables at startup (spec §6).
type Config struct {
	ConsumerKey      string
	ConsumerSecret   string
	BusinessShortCode string
	Passkey          string
	CallbackBaseURL  string
	AuthURL          string
	PushURL          string
	ReversalURL      string
	Initiator          string
	InitiatorPassword  string
	ReversalResultURL  string
	ReversalTimeoutURL string
	CertPath           string
}

// Client wraps an *http.Client with the rail's OAuth, push and
// reversal calls.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *credentialcache.Cache
	logger *zap.Logger
	cert   *x509.Certificate
}

// New loads the reversal certificate once at startup (spec §9 — the
// raw password is never logged) and returns a ready client.
func New(cfg Config, cache *credentialcache.Cache, logger *zap.Logger, certPEM []byte) (*Client, error) {
	var cert *x509.Certificate
	if len(certPEM) > 0 {
		block, _ := pem.Decode(certPEM)
		if block == nil {
			return nil, fmt.Errorf("mpesa: certificate file is not valid PEM")
		}
		parsed, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "mpesa: parse certificate")
		}
		cert = parsed
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: httpTimeout},
		cache:  cache,
		logger: logger,
		cert:   cert,
	}, nil
}

// token fetches (or returns the cached) OAuth client-credentials
// bearer token used to authorize the push request.
func (c *Client) token(ctx context.Context) (string, error) {
	return c.cache.GetOrFetch(ctx, "mpesa:oauth", func(ctx context.Context) (string, time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.AuthURL, nil)
		if err != nil {
			return "", 0, err
		}
		req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

		resp, err := c.http.Do(req)
		if err != nil {
			return "", 0, xerrors.Wrap(err, "mpesa: oauth request")
		}
		defer resp.Body.Close()

		var body struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   string `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", 0, xerrors.Wrap(err, "mpesa: decode oauth response")
		}
		if body.AccessToken == "" {
			return "", 0, fmt.Errorf("mpesa: oauth response missing access_token")
		}

		return body.AccessToken, credentialcache.BearerTokenTTL(oauthTokenTTLAdvertised), nil
	})
}

// Push sends a push-to-pay request and returns the rail's
// acknowledgement. Success is ResponseCode "0"; the CheckoutRequestID
// it returns becomes the canonical request-id.
func (c *Client) Push(ctx context.Context, payerMSISDN, accountReference string, amountMajorUnits int64) (*PushResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "mpesa: push token")
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.BusinessShortCode + c.cfg.Passkey + timestamp))

	body := PushRequest{
		BusinessShortCode: c.cfg.BusinessShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionTypeCustomerPayBillOnline,
		Amount:            amountMajorUnits,
		PartyA:            payerMSISDN,
		PartyB:            c.cfg.BusinessShortCode,
		PhoneNumber:       payerMSISDN,
		CallBackURL:       c.cfg.CallbackBaseURL + "/stk-callback",
		AccountReference:  accountReference,
		TransactionDesc:   "Airtime purchase",
	}

	var out PushResponse
	if err := c.postJSON(ctx, c.cfg.PushURL, token, body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return &out, fmt.Errorf("mpesa: push rejected: %s", out.ResponseDesc)
	}
	return &out, nil
}

// Reversal signs a security credential with the rail's RSA
// certificate (PKCS#1 v1.5 padding) and submits a TransactionReversal
// command.
func (c *Client) Reversal(ctx context.Context, originalRequestID string, amountMajorUnits int64, receiverParty string) (*ReversalResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "mpesa: reversal token")
	}

	credential, err := c.securityCredential()
	if err != nil {
		return nil, xerrors.Wrap(err, "mpesa: sign security credential")
	}

	body := ReversalRequest{
		Initiator:              c.cfg.Initiator,
		SecurityCredential:     credential,
		CommandID:              commandTransactionReversal,
		TransactionID:          originalRequestID,
		Amount:                 amountMajorUnits,
		ReceiverParty:          receiverParty,
		RecieverIdentifierType: receiverIdentifierTypeShortCode,
		QueueTimeOutURL:        c.cfg.ReversalTimeoutURL,
		ResultURL:              c.cfg.ReversalResultURL,
		Remarks:                "Airtime dispatch failed",
		Occasion:               "Reversal",
	}

	var out ReversalResponse
	if err := c.postJSON(ctx, c.cfg.ReversalURL, token, body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return &out, fmt.Errorf("mpesa: reversal rejected: %s", out.ResponseDesc)
	}
	return &out, nil
}

// securityCredential RSA-encrypts the initiator's raw password under the
// rail's public-key certificate with PKCS#1 v1.5 padding, as the rail
// requires, and base64-encodes the ciphertext. The plaintext password
// is never logged.
func (c *Client) securityCredential() (string, error) {
	if c.cert == nil {
		return "", fmt.Errorf("mpesa: no reversal certificate loaded")
	}
	pub, ok := c.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("mpesa: certificate public key is not RSA")
	}

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(c.cfg.InitiatorPassword))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *Client) postJSON(ctx context.Context, url, bearerToken string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("mpesa: request failed", zap.String("url", url), zap.Error(err))
		return xerrors.Wrap(err, "mpesa: http request")
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(err, "mpesa: decode response")
	}
	return nil
}
