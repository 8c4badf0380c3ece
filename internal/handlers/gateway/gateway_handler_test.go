package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/lifecycle"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/mpesa"
	xerrors "github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	initiationResult *lifecycle.InitiationResult
	initiationErr    error
	status           *lifecycle.TransactionStatus
	statusErr        error
	callbackErr      error
}

func (f *fakeEngine) HandleInitiation(ctx context.Context, payerMSISDN, destinationMSISDN string, amount decimal.Decimal, rawBody []byte) (*lifecycle.InitiationResult, error) {
	return f.initiationResult, f.initiationErr
}

func (f *fakeEngine) HandlePaymentCallback(ctx context.Context, cb *mpesa.PaymentCallback) error {
	return f.callbackErr
}

func (f *fakeEngine) HandleReversalResult(ctx context.Context, cb *mpesa.ReversalResultCallback) error {
	return f.callbackErr
}

func (f *fakeEngine) HandleReversalTimeout(ctx context.Context, cb *mpesa.ReversalTimeoutCallback) error {
	return f.callbackErr
}

func (f *fakeEngine) Status(ctx context.Context, requestID string) (*lifecycle.TransactionStatus, error) {
	return f.status, f.statusErr
}

type fakeTx struct {
	pgx.Tx
}

func (f *fakeTx) Commit(ctx context.Context) error   { return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeTxBeginner struct{}

func (fakeTxBeginner) BeginTx(ctx context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

type fakeBonusSettings struct {
	settings *gateway.BonusSettings
	updated  []gateway.Carrier
}

func (f *fakeBonusSettings) GetBonusSettings(ctx context.Context) (*gateway.BonusSettings, error) {
	return f.settings, nil
}

func (f *fakeBonusSettings) UpdateWithTx(ctx context.Context, tx pgx.Tx, telco gateway.Carrier, newPct decimal.Decimal, actor string) (*gateway.BonusHistory, error) {
	f.updated = append(f.updated, telco)
	return &gateway.BonusHistory{Telco: telco, NewPct: newPct, Actor: actor}, nil
}

func newTestHandler(engine Engine, settings *fakeBonusSettings) *Handler {
	return New(engine, fakeTxBeginner{}, settings, zap.NewNop())
}

func TestInitiateTopUpSuccess(t *testing.T) {
	h := newTestHandler(&fakeEngine{initiationResult: &lifecycle.InitiationResult{CheckoutRequestID: "ws_CO_1"}}, &fakeBonusSettings{})

	router := gin.New()
	router.POST("/stk-push", h.InitiateTopUp)

	body := `{"phoneNumber":"254700000001","amount":100,"recipient":"0712345678"}`
	req := httptest.NewRequest(http.MethodPost, "/stk-push", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "ws_CO_1") {
		t.Errorf("body = %s, want checkout id", rec.Body.String())
	}
}

func TestInitiateTopUpMissingFields(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeBonusSettings{})

	router := gin.New()
	router.POST("/stk-push", h.InitiateTopUp)

	req := httptest.NewRequest(http.MethodPost, "/stk-push", strings.NewReader(`{"amount":100}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestInitiateTopUpEngineError(t *testing.T) {
	h := newTestHandler(&fakeEngine{initiationErr: xerrors.ErrAmountOutOfRange}, &fakeBonusSettings{})

	router := gin.New()
	router.POST("/stk-push", h.InitiateTopUp)

	body := `{"phoneNumber":"254700000001","amount":3,"recipient":"0712345678"}`
	req := httptest.NewRequest(http.MethodPost, "/stk-push", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPaymentCallbackAlwaysAcks(t *testing.T) {
	h := newTestHandler(&fakeEngine{callbackErr: xerrors.ErrInternal}, &fakeBonusSettings{})

	router := gin.New()
	router.POST("/stk-callback", h.PaymentCallback)

	req := httptest.NewRequest(http.MethodPost, "/stk-callback", strings.NewReader(`{"CheckoutRequestID":"ws_CO_1","ResultCode":0}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 regardless of internal error", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ResultCode":0`) {
		t.Errorf("body = %s, want ResultCode 0", rec.Body.String())
	}
}

func TestPaymentCallbackMalformedBodyStillAcks(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeBonusSettings{})

	router := gin.New()
	router.POST("/stk-callback", h.PaymentCallback)

	req := httptest.NewRequest(http.MethodPost, "/stk-callback", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even for malformed body", rec.Code)
	}
}

func TestCurrentBonuses(t *testing.T) {
	settings := &fakeBonusSettings{settings: &gateway.BonusSettings{PctByTelco: map[gateway.Carrier]decimal.Decimal{
		gateway.CarrierSafaricom: decimal.NewFromFloat(2.5),
		gateway.CarrierAirtel:    decimal.NewFromInt(3),
	}}}
	h := newTestHandler(&fakeEngine{}, settings)

	router := gin.New()
	router.GET("/api/airtime-bonuses/current", h.CurrentBonuses)

	req := httptest.NewRequest(http.MethodGet, "/api/airtime-bonuses/current", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "2.5") {
		t.Errorf("body = %s, want safaricom percentage", rec.Body.String())
	}
}

func TestUpdateBonusesAppliesAggregatorToAllNonHomeTelcos(t *testing.T) {
	settings := &fakeBonusSettings{}
	h := newTestHandler(&fakeEngine{}, settings)

	router := gin.New()
	router.POST("/api/airtime-bonuses/update", h.UpdateBonuses)

	body := `{"africastalkingPercentage":4,"actor":"admin@bingwa"}`
	req := httptest.NewRequest(http.MethodPost, "/api/airtime-bonuses/update", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(settings.updated) != len(nonHomeTelcos) {
		t.Fatalf("updated %d telcos, want %d", len(settings.updated), len(nonHomeTelcos))
	}
}

func TestUpdateBonusesRejectsNegativePercentage(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeBonusSettings{})

	router := gin.New()
	router.POST("/api/airtime-bonuses/update", h.UpdateBonuses)

	body := `{"safaricomPercentage":-1,"actor":"admin@bingwa"}`
	req := httptest.NewRequest(http.MethodPost, "/api/airtime-bonuses/update", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTransactionStatusNotFound(t *testing.T) {
	h := newTestHandler(&fakeEngine{statusErr: xerrors.ErrNotFound}, &fakeBonusSettings{})

	router := gin.New()
	router.GET("/transaction-status/:id", h.TransactionStatus)

	req := httptest.NewRequest(http.MethodGet, "/transaction-status/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPing(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, &fakeBonusSettings{})

	router := gin.New()
	router.GET("/ping", h.Ping)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("got %d %q, want 200 pong", rec.Code, rec.Body.String())
	}
}
